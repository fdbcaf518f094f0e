package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

var ErrMissingMetric = errors.New("站点缺少评估所需的指标")

// HeuristicEvaluator 默认的评估函数，在预测方没有提供更精确的模型时使用
type HeuristicEvaluator struct{}

func (HeuristicEvaluator) Evaluate(ctx context.Context, plan Plan, sites []domain.SiteProfile) (domain.ObjectiveScores, error) {
	if err := ctx.Err(); err != nil {
		return domain.ObjectiveScores{}, err
	}

	siteMap := make(map[string]domain.SiteProfile, len(sites))
	for _, s := range sites {
		siteMap[s.ID] = s
	}

	for _, a := range plan.Assignments {
		site, exists := siteMap[a.SiteID]
		if !exists {
			return domain.ObjectiveScores{}, fmt.Errorf("%w: 站点 %s 没有档案", ErrMissingMetric, a.SiteID)
		}
		if site.ForecastDemand <= 0 {
			return domain.ObjectiveScores{}, fmt.Errorf("%w: 站点 %s 没有需求预测", ErrMissingMetric, a.SiteID)
		}
	}

	effective, transfers := distributeShared(plan.Assignments, siteMap)
	n := float64(len(plan.Assignments))

	var coverage, serviceLevel, emergency float64
	var cost, baseline float64
	var deficit, covered int

	for _, a := range plan.Assignments {
		site := siteMap[a.SiteID]
		demand := float64(site.ForecastDemand)
		ratio := float64(effective[a.SiteID]) / demand

		// 覆盖率同时考虑总人数和技能分布
		headcount := math.Min(1, ratio)
		coverage += 0.7*headcount + 0.3*skillCoverage(a, site)

		// 服务水平的粗略估计：人手不足时服务水平按比例的平方下降
		target := site.ServiceLevelTarget
		if target <= 0 {
			target = 1
		}
		estimate := target * math.Min(1, ratio*ratio)
		serviceLevel += math.Min(1, estimate/target)

		cost += siteCost(a, site)
		baseline += demand * site.RegularRate

		if gap := site.ForecastDemand - (a.Staffed() - a.Shared); gap > 0 {
			deficit += gap
		}

		desired := site.EmergencyReserve
		if desired <= 0 {
			emergency += 1
		} else {
			surplus := max(0, effective[a.SiteID]-site.ForecastDemand)
			emergency += math.Min(1, float64(a.Reserve+surplus)/float64(desired))
		}
	}

	for _, tr := range transfers {
		covered += tr.Agents
	}

	sharing := 1.0
	if deficit > 0 {
		sharing = float64(covered) / float64(deficit)
	}

	costScore := 1.0
	if cost > 0 {
		costScore = math.Min(1, baseline/cost)
	}

	return domain.ObjectiveScores{
		Coverage:          coverage / n,
		Cost:              costScore,
		ServiceLevel:      serviceLevel / n,
		ResourceSharing:   math.Min(1, sharing),
		EmergencyResponse: emergency / n,
	}, nil
}

func skillCoverage(a domain.SiteAssignment, site domain.SiteProfile) float64 {
	if len(site.SkillDemand) == 0 {
		return math.Min(1, float64(a.Staffed())/float64(site.ForecastDemand))
	}

	total := 0.0
	counted := 0
	for skill, demand := range site.SkillDemand {
		if demand <= 0 {
			continue
		}
		total += math.Min(1, float64(a.SkillMix[skill])/float64(demand))
		counted++
	}
	if counted == 0 {
		return 1
	}
	return total / float64(counted)
}

func siteCost(a domain.SiteAssignment, site domain.SiteProfile) float64 {
	return float64(a.Regular+a.Reserve)*site.RegularRate + float64(a.Overtime)*site.OvertimeRate
}

// distributeShared 将各站点借出的坐席分配给有缺口的伙伴站点
// 返回每个站点的实际在岗人数以及由此推导出的调动
func distributeShared(assignments []domain.SiteAssignment, sites map[string]domain.SiteProfile) (map[string]int, []domain.ImpliedTransfer) {
	effective := make(map[string]int, len(assignments))
	for _, a := range assignments {
		effective[a.SiteID] = a.Staffed() - a.Shared
	}

	received := make(map[string]int)
	var transfers []domain.ImpliedTransfer

	for _, a := range assignments {
		if a.Shared <= 0 {
			continue
		}
		source := sites[a.SiteID]
		remaining := a.Shared

		partners := slices.Clone(source.Transfer.CanSendTo)
		slices.Sort(partners)

		for _, partnerID := range partners {
			if remaining == 0 {
				break
			}
			partner, exists := sites[partnerID]
			if !exists || !partner.CanReceiveFrom(source.ID) {
				continue
			}
			if _, planned := effective[partnerID]; !planned {
				continue
			}

			gap := partner.ForecastDemand - effective[partnerID]
			room := partner.Transfer.MaxAgentsReceivable - received[partnerID]
			move := min(remaining, gap, room)
			if move <= 0 {
				continue
			}

			effective[partnerID] += move
			received[partnerID] += move
			remaining -= move
			transfers = append(transfers, domain.ImpliedTransfer{
				SourceSite:      source.ID,
				DestinationSite: partnerID,
				Agents:          move,
			})
		}

		// 没有用上的借调坐席留在原站点
		effective[a.SiteID] += remaining
	}

	return effective, transfers
}

// ImpliedTransfers 返回一份人员安排中隐含的跨站点调动
func ImpliedTransfers(assignments []domain.SiteAssignment, sites []domain.SiteProfile) []domain.ImpliedTransfer {
	siteMap := make(map[string]domain.SiteProfile, len(sites))
	for _, s := range sites {
		siteMap[s.ID] = s
	}
	_, transfers := distributeShared(assignments, siteMap)
	return transfers
}
