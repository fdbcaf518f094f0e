package repository

import (
	"context"
	"fmt"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

// SaveTransfer 插入或整体更新调动请求，被拒绝的请求同样保留在历史中
func (r *Repository) SaveTransfer(ctx context.Context, tr *domain.TransferRequest) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	skills, err := jsonColumn(tr.RequiredSkills)
	if err != nil {
		return err
	}
	expected, err := jsonColumn(tr.ExpectedImpact)
	if err != nil {
		return err
	}
	var actual []byte
	if tr.ActualImpact != nil {
		if actual, err = jsonColumn(tr.ActualImpact); err != nil {
			return err
		}
	}

	query := `
		INSERT INTO transfer_requests (
			id, session_id, source_site, destination_site, agents, required_skills,
			window_start, window_end, type, status, origin, approval_deadline,
			approver, reason, expected_impact, actual_impact, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			approver = EXCLUDED.approver,
			reason = EXCLUDED.reason,
			actual_impact = EXCLUDED.actual_impact,
			updated_at = EXCLUDED.updated_at,
			version = transfer_requests.version + 1
	`

	params := []any{
		tr.ID,
		tr.SessionID,
		tr.SourceSite,
		tr.DestinationSite,
		tr.Agents,
		skills,
		tr.WindowStart,
		tr.WindowEnd,
		tr.Type,
		tr.Status,
		tr.Origin,
		tr.ApprovalDeadline,
		tr.Approver,
		tr.Reason,
		expected,
		actual,
		tr.CreatedAt,
		tr.UpdatedAt,
	}

	if _, err := r.dbpool.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("保存调动请求 %s 失败: %w", tr.ID, err)
	}

	return nil
}
