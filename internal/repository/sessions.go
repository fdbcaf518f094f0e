package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

// SaveSession 插入或整体更新会话记录，会话的每次状态变化都会调用
func (r *Repository) SaveSession(ctx context.Context, s *domain.CoordinationSession) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	sites, err := jsonColumn(s.Sites)
	if err != nil {
		return err
	}
	weights, err := jsonColumn(s.Weights)
	if err != nil {
		return err
	}
	toggles, err := jsonColumn(s.Toggles)
	if err != nil {
		return err
	}
	genetic, err := jsonColumn(s.Genetic)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO coordination_sessions (
			id, name, sites, primary_site, window_start, window_end,
			weights, toggles, genetic, status, current_generation, best_fitness,
			epoch, failure_reason, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_generation = EXCLUDED.current_generation,
			best_fitness = EXCLUDED.best_fitness,
			epoch = EXCLUDED.epoch,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at,
			version = coordination_sessions.version + 1
	`

	params := []any{
		s.ID,
		s.Name,
		sites,
		s.PrimarySite,
		s.WindowStart,
		s.WindowEnd,
		weights,
		toggles,
		genetic,
		s.Status,
		s.CurrentGeneration,
		s.BestFitness,
		s.Epoch,
		s.FailureReason,
		s.CreatedAt,
		s.UpdatedAt,
	}

	if _, err := r.dbpool.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("保存会话 %s 失败: %w", s.ID, err)
	}

	return nil
}

func (r *Repository) GetSessionByID(ctx context.Context, id string) (*domain.CoordinationSession, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	query := `
		SELECT
			id, name, sites, primary_site, window_start, window_end,
			weights, toggles, genetic, status, current_generation, best_fitness,
			epoch, failure_reason, created_at, updated_at
		FROM coordination_sessions
		WHERE id = $1
	`

	s := &domain.CoordinationSession{}
	dst := []any{
		&s.ID,
		&s.Name,
		jsonScanner{&s.Sites},
		&s.PrimarySite,
		&s.WindowStart,
		&s.WindowEnd,
		jsonScanner{&s.Weights},
		jsonScanner{&s.Toggles},
		jsonScanner{&s.Genetic},
		&s.Status,
		&s.CurrentGeneration,
		&s.BestFitness,
		&s.Epoch,
		&s.FailureReason,
		&s.CreatedAt,
		&s.UpdatedAt,
	}

	if err := r.dbpool.QueryRowContext(ctx, query, id).Scan(dst...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	return s, nil
}
