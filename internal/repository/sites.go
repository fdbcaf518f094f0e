package repository

import (
	"context"
	"fmt"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

const siteColumns = `
	id, name, code, min_staffing, max_staffing, current_staffing, forecast_demand,
	skills, skill_demand, service_level_target, service_level_minimum, current_service_level,
	regular_rate, overtime_rate, budget, emergency_reserve, transfer_capability
`

func scanSite(scan func(dst ...any) error) (domain.SiteProfile, error) {
	var p domain.SiteProfile
	dst := []any{
		&p.ID,
		&p.Name,
		&p.Code,
		&p.MinStaffing,
		&p.MaxStaffing,
		&p.CurrentStaffing,
		&p.ForecastDemand,
		jsonScanner{&p.Skills},
		jsonScanner{&p.SkillDemand},
		&p.ServiceLevelTarget,
		&p.ServiceLevelMinimum,
		&p.CurrentServiceLevel,
		&p.RegularRate,
		&p.OvertimeRate,
		&p.Budget,
		&p.EmergencyReserve,
		jsonScanner{&p.Transfer},
	}
	err := scan(dst...)
	return p, err
}

// SiteProfiles 从站点目录中读取指定站点的默认档案，缺失的站点不会报错，由登记表在 Complete 时发现
func (r *Repository) SiteProfiles(ctx context.Context, ids []string) ([]domain.SiteProfile, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	idList, err := jsonColumn(ids)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT ` + siteColumns + `
		FROM site_catalog
		WHERE id IN (SELECT jsonb_array_elements_text($1::jsonb))
		ORDER BY id
	`

	rows, err := r.dbpool.QueryContext(ctx, query, idList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := make([]domain.SiteProfile, 0, len(ids))
	for rows.Next() {
		p, err := scanSite(rows.Scan)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return profiles, nil
}

func (r *Repository) GetAllSiteProfiles(ctx context.Context) ([]domain.SiteProfile, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	query := `SELECT ` + siteColumns + ` FROM site_catalog ORDER BY id`

	rows, err := r.dbpool.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []domain.SiteProfile
	for rows.Next() {
		p, err := scanSite(rows.Scan)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return profiles, nil
}

// UpsertSiteProfile 写入站点目录，站点编号重复时返回 site_catalog_code_key 约束错误
func (r *Repository) UpsertSiteProfile(ctx context.Context, p *domain.SiteProfile) error {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	skills, err := jsonColumn(p.Skills)
	if err != nil {
		return err
	}
	skillDemand, err := jsonColumn(p.SkillDemand)
	if err != nil {
		return err
	}
	capability, err := jsonColumn(p.Transfer)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO site_catalog (` + siteColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			code = EXCLUDED.code,
			min_staffing = EXCLUDED.min_staffing,
			max_staffing = EXCLUDED.max_staffing,
			current_staffing = EXCLUDED.current_staffing,
			forecast_demand = EXCLUDED.forecast_demand,
			skills = EXCLUDED.skills,
			skill_demand = EXCLUDED.skill_demand,
			service_level_target = EXCLUDED.service_level_target,
			service_level_minimum = EXCLUDED.service_level_minimum,
			current_service_level = EXCLUDED.current_service_level,
			regular_rate = EXCLUDED.regular_rate,
			overtime_rate = EXCLUDED.overtime_rate,
			budget = EXCLUDED.budget,
			emergency_reserve = EXCLUDED.emergency_reserve,
			transfer_capability = EXCLUDED.transfer_capability,
			version = site_catalog.version + 1
	`

	params := []any{
		p.ID,
		p.Name,
		p.Code,
		p.MinStaffing,
		p.MaxStaffing,
		p.CurrentStaffing,
		p.ForecastDemand,
		skills,
		skillDemand,
		p.ServiceLevelTarget,
		p.ServiceLevelMinimum,
		p.CurrentServiceLevel,
		p.RegularRate,
		p.OvertimeRate,
		p.Budget,
		p.EmergencyReserve,
		capability,
	}

	if _, err := r.dbpool.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("写入站点 %s 失败: %w", p.ID, err)
	}

	return nil
}
