package repository

import (
	"context"
	"time"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

// SaveSolutions 保存会话的帕累托方案，同一会话之前保存的方案会被替换
func (r *Repository) SaveSolutions(ctx context.Context, sessionID string, solutions []domain.ParetoSolution) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.Database.TransactionTimeout)*time.Second)
	defer cancel()

	tx, err := r.dbpool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// 先将之前的方案删除
	query := `DELETE FROM pareto_solutions WHERE session_id = $1`
	if _, err := tx.ExecContext(ctx, query, sessionID); err != nil {
		return err
	}

	query = `
		INSERT INTO pareto_solutions (
			id, session_id, rank, generation, chromosome_index, scores, aggregate,
			feasibility, tier, crowding_distance, plan, transfers, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	for i, s := range solutions {
		scores, err := jsonColumn(s.Scores)
		if err != nil {
			return err
		}
		feasibility, err := jsonColumn(s.Feasibility)
		if err != nil {
			return err
		}
		plan, err := jsonColumn(s.Plan)
		if err != nil {
			return err
		}
		transfers, err := jsonColumn(s.Transfers)
		if err != nil {
			return err
		}

		params := []any{
			s.ID,
			sessionID,
			i,
			s.Generation,
			s.ChromosomeIndex,
			scores,
			s.Aggregate,
			feasibility,
			s.Tier,
			s.CrowdingDistance,
			plan,
			transfers,
			s.CreatedAt,
		}
		if _, err := tx.ExecContext(ctx, query, params...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetSolutionsBySessionID 按排名顺序返回会话的方案
func (r *Repository) GetSolutionsBySessionID(ctx context.Context, sessionID string) ([]domain.ParetoSolution, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	query := `
		SELECT
			id, session_id, generation, chromosome_index, scores, aggregate,
			feasibility, tier, crowding_distance, plan, transfers, created_at
		FROM pareto_solutions
		WHERE session_id = $1
		ORDER BY rank
	`

	rows, err := r.dbpool.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	solutions := make([]domain.ParetoSolution, 0)
	for rows.Next() {
		var s domain.ParetoSolution
		dst := []any{
			&s.ID,
			&s.SessionID,
			&s.Generation,
			&s.ChromosomeIndex,
			jsonScanner{&s.Scores},
			&s.Aggregate,
			jsonScanner{&s.Feasibility},
			&s.Tier,
			&s.CrowdingDistance,
			jsonScanner{&s.Plan},
			jsonScanner{&s.Transfers},
			&s.CreatedAt,
		}
		if err := rows.Scan(dst...); err != nil {
			return nil, err
		}
		solutions = append(solutions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return solutions, nil
}
