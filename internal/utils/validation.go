package utils

import (
	"time"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

func ValidateWeights(w domain.ObjectiveWeights) error {
	// 按固定顺序检查，多个权重同时为负时总是报告第一个
	for _, f := range []struct {
		name  string
		value int
	}{
		{"weights.coverage", w.Coverage},
		{"weights.cost", w.Cost},
		{"weights.serviceLevel", w.ServiceLevel},
		{"weights.resourceSharing", w.ResourceSharing},
		{"weights.emergencyResponse", w.EmergencyResponse},
	} {
		if f.value < 0 {
			return domain.NewValidationError(f.name, "权重不能为负数")
		}
	}

	if w.Sum() != 100 {
		return domain.NewValidationError("weights", "五个目标权重之和必须为 100，当前为 %d", w.Sum())
	}

	return nil
}

func ValidateGeneticParameters(p domain.GeneticParameters) error {
	if p.PopulationSize <= 0 {
		return domain.NewValidationError("genetic.populationSize", "种群大小必须大于 0")
	}
	if p.MutationRate < 0 || p.MutationRate > 1 {
		return domain.NewValidationError("genetic.mutationRate", "变异概率必须位于 [0, 1]")
	}
	if p.CrossoverRate < 0 || p.CrossoverRate > 1 {
		return domain.NewValidationError("genetic.crossoverRate", "交叉概率必须位于 [0, 1]")
	}
	if p.MaxGenerations <= 0 {
		return domain.NewValidationError("genetic.maxGenerations", "最大迭代次数必须大于 0")
	}
	if p.ConvergenceThreshold < 0 {
		return domain.NewValidationError("genetic.convergenceThreshold", "收敛阈值不能为负数")
	}
	if p.ConvergenceWindow < 0 {
		return domain.NewValidationError("genetic.convergenceWindow", "收敛窗口不能为负数")
	}
	if p.EliteCount < 0 || p.EliteCount > p.PopulationSize {
		return domain.NewValidationError("genetic.eliteCount", "精英数量必须位于 [0, populationSize]")
	}
	if p.TournamentSize < 0 {
		return domain.NewValidationError("genetic.tournamentSize", "锦标赛规模不能为负数")
	}

	return nil
}

// ValidateCoordinationSession 校验会话创建请求，任何一项不合法都会导致创建失败
func ValidateCoordinationSession(s *domain.CoordinationSession) error {
	if len(s.Sites) < 2 {
		return domain.NewValidationError("sites", "参与协调的站点至少需要 2 个，当前为 %d", len(s.Sites))
	}

	seen := make(map[string]bool, len(s.Sites))
	for _, site := range s.Sites {
		if site == "" {
			return domain.NewValidationError("sites", "站点 ID 不能为空")
		}
		if seen[site] {
			return domain.NewValidationError("sites", "站点 %s 重复", site)
		}
		seen[site] = true
	}

	if !seen[s.PrimarySite] {
		return domain.NewValidationError("primarySite", "主站点 %s 不在参与站点中", s.PrimarySite)
	}

	if err := ValidateWindow(s.WindowStart, s.WindowEnd); err != nil {
		return err
	}
	if err := ValidateWeights(s.Weights); err != nil {
		return err
	}
	if err := ValidateGeneticParameters(s.Genetic); err != nil {
		return err
	}

	return nil
}

func ValidateWindow(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return domain.NewValidationError("window", "时间窗口不能为空")
	}
	if !end.After(start) {
		return domain.NewValidationError("window", "结束时间必须晚于开始时间")
	}
	return nil
}

// ValidateSiteProfile 只检查站点自身的约束，调动伙伴是否属于同一会话由 registry 检查
func ValidateSiteProfile(p *domain.SiteProfile) error {
	if p.ID == "" {
		return domain.NewValidationError("site.id", "站点 ID 不能为空")
	}
	if p.MinStaffing < 0 {
		return domain.NewValidationError("site.minStaffing", "站点 %s 的最小人数不能为负数", p.ID)
	}
	if p.MinStaffing > p.MaxStaffing {
		return domain.NewValidationError("site.minStaffing", "站点 %s 的最小人数 %d 大于最大人数 %d", p.ID, p.MinStaffing, p.MaxStaffing)
	}
	if p.ServiceLevelTarget < p.ServiceLevelMinimum {
		return domain.NewValidationError("site.serviceLevelTarget", "站点 %s 的服务水平目标不能低于最低可接受值", p.ID)
	}
	if p.ServiceLevelMinimum < 0 || p.ServiceLevelTarget > 1 {
		return domain.NewValidationError("site.serviceLevelTarget", "站点 %s 的服务水平必须位于 [0, 1]", p.ID)
	}
	if p.RegularRate < 0 || p.OvertimeRate < 0 || p.Budget < 0 {
		return domain.NewValidationError("site.rates", "站点 %s 的费率和预算不能为负数", p.ID)
	}
	if p.Transfer.MaxAgentsTransferableOut < 0 || p.Transfer.MaxAgentsReceivable < 0 {
		return domain.NewValidationError("site.transfer", "站点 %s 的调动上限不能为负数", p.ID)
	}
	if p.ForecastDemand < 0 || p.EmergencyReserve < 0 {
		return domain.NewValidationError("site.forecastDemand", "站点 %s 的需求与应急储备不能为负数", p.ID)
	}

	return nil
}
