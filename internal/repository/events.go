package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

// SaveEvent 插入或更新事件，处理期限一并持久化，进程重启后可以继续升级巡检
func (r *Repository) SaveEvent(ctx context.Context, ev *domain.OptimizationEvent) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	sites, err := jsonColumn(ev.AffectedSites)
	if err != nil {
		return err
	}
	impact, err := jsonColumn(ev.Impact)
	if err != nil {
		return err
	}
	var resolution []byte
	if ev.Resolution != nil {
		if resolution, err = jsonColumn(ev.Resolution); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO optimization_events (
			id, session_id, type, severity, affected_sites, magnitude, description,
			impact, state, escalation_level, resolution_deadline, resolution,
			failure_reason, detected_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			impact = EXCLUDED.impact,
			state = EXCLUDED.state,
			escalation_level = EXCLUDED.escalation_level,
			resolution_deadline = EXCLUDED.resolution_deadline,
			resolution = EXCLUDED.resolution,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at,
			version = optimization_events.version + 1
	`

	params := []any{
		ev.ID,
		ev.SessionID,
		ev.Type,
		ev.Severity,
		sites,
		ev.Magnitude,
		ev.Description,
		impact,
		ev.State,
		ev.EscalationLevel,
		ev.ResolutionDeadline,
		resolution,
		ev.FailureReason,
		ev.DetectedAt,
		ev.UpdatedAt,
	}

	if _, err := r.dbpool.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("保存事件 %s 失败: %w", ev.ID, err)
	}

	return nil
}

// UnresolvedEvents 返回所有尚未结束的事件，按发现时间排序
func (r *Repository) UnresolvedEvents(ctx context.Context) ([]domain.OptimizationEvent, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	query := `
		SELECT
			id, session_id, type, severity, affected_sites, magnitude, description,
			impact, state, escalation_level, resolution_deadline, resolution,
			failure_reason, detected_at, updated_at
		FROM optimization_events
		WHERE state NOT IN ($1, $2)
		ORDER BY detected_at
	`

	rows, err := r.dbpool.QueryContext(ctx, query, domain.EventResolved, domain.EventFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.OptimizationEvent
	for rows.Next() {
		var (
			ev         domain.OptimizationEvent
			resolution sql.Null[[]byte]
		)

		dst := []any{
			&ev.ID,
			&ev.SessionID,
			&ev.Type,
			&ev.Severity,
			jsonScanner{&ev.AffectedSites},
			&ev.Magnitude,
			&ev.Description,
			jsonScanner{&ev.Impact},
			&ev.State,
			&ev.EscalationLevel,
			&ev.ResolutionDeadline,
			&resolution,
			&ev.FailureReason,
			&ev.DetectedAt,
			&ev.UpdatedAt,
		}
		if err := rows.Scan(dst...); err != nil {
			return nil, err
		}

		if resolution.Valid {
			ev.Resolution = &domain.Resolution{}
			if err := (jsonScanner{ev.Resolution}).Scan(resolution.V); err != nil {
				return nil, err
			}
		}

		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return events, nil
}
