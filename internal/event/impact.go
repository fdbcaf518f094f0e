package event

import (
	"fmt"
	"math"
	"slices"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

// siteEffect 事件对单个站点需求和可用人手的影响
type siteEffect struct {
	site      domain.SiteProfile
	demand    int // 事件发生后的需求
	available int // 事件发生后的可用坐席
}

func (e siteEffect) shortfall() int {
	return max(0, e.demand-e.available)
}

func effectOf(ev *domain.OptimizationEvent, site domain.SiteProfile) siteEffect {
	e := siteEffect{site: site, demand: site.ForecastDemand, available: site.CurrentStaffing}

	switch ev.Type {
	case domain.EventDemandSpike:
		e.demand += ev.Magnitude
	case domain.EventAgentAbsence, domain.EventSystemFailure, domain.EventWeatherDisruption, domain.EventServiceDegradation:
		e.available = max(0, e.available-ev.Magnitude)
	}

	return e
}

func coverageRatio(staff, demand int) float64 {
	if demand <= 0 {
		return 1
	}
	return math.Min(1, float64(staff)/float64(demand))
}

// estimateImpact 根据受影响站点当前的档案估算服务水平、成本和覆盖率的变化
func estimateImpact(effects []siteEffect) domain.Impact {
	if len(effects) == 0 {
		return domain.Impact{}
	}

	var impact domain.Impact
	for _, e := range effects {
		before := coverageRatio(e.site.CurrentStaffing, e.site.ForecastDemand)
		after := coverageRatio(e.available, e.demand)

		impact.CoverageDelta += after - before
		impact.ServiceLevelDelta += e.site.ServiceLevelTarget * (after*after - before*before)

		// 新增的缺口需要用加班补上
		extra := e.shortfall() - max(0, e.site.ForecastDemand-e.site.CurrentStaffing)
		if extra > 0 {
			impact.CostDelta += float64(extra) * e.site.OvertimeRate
		}
	}

	n := float64(len(effects))
	impact.CoverageDelta /= n
	impact.ServiceLevelDelta /= n

	return impact
}

// tighten 为受影响的站点收紧人员上下限
func tighten(effects []siteEffect) []domain.ConstraintTightening {
	var result []domain.ConstraintTightening
	for _, e := range effects {
		p := e.site
		t := domain.ConstraintTightening{SiteID: p.ID, MinStaffing: p.MinStaffing, MaxStaffing: p.MaxStaffing}

		if e.demand > p.ForecastDemand {
			t.MinStaffing = min(max(p.MinStaffing, e.demand), p.MaxStaffing)
		}
		if lost := p.CurrentStaffing - e.available; lost > 0 {
			t.MaxStaffing = max(t.MinStaffing, p.MaxStaffing-lost)
		}

		if t.MinStaffing != p.MinStaffing || t.MaxStaffing != p.MaxStaffing {
			result = append(result, t)
		}
	}
	return result
}

// mitigations 为出现缺口的站点从有富余的伙伴站点寻找紧急调动
func mitigations(effects []siteEffect, snapshot []domain.SiteProfile) []domain.ProposeTransfer {
	affected := make([]string, len(effects))
	for i, e := range effects {
		affected[i] = e.site.ID
	}

	surplus := make(map[string]int, len(snapshot))
	for _, p := range snapshot {
		if slices.Contains(affected, p.ID) {
			continue
		}
		surplus[p.ID] = min(max(0, p.CurrentStaffing-p.ForecastDemand), p.Transfer.MaxAgentsTransferableOut)
	}

	var result []domain.ProposeTransfer
	for _, e := range effects {
		need := min(e.shortfall(), e.site.Transfer.MaxAgentsReceivable)
		for _, partner := range snapshot {
			if need <= 0 {
				break
			}
			if surplus[partner.ID] <= 0 || !partner.CanSendTo(e.site.ID) || !e.site.CanReceiveFrom(partner.ID) {
				continue
			}

			agents := min(need, surplus[partner.ID])
			surplus[partner.ID] -= agents
			need -= agents
			result = append(result, domain.ProposeTransfer{
				SourceSite:      partner.ID,
				DestinationSite: e.site.ID,
				Agents:          agents,
				Type:            domain.TransferEmergency,
			})
		}
	}
	return result
}

func describe(ev *domain.OptimizationEvent) string {
	if ev.Description != "" {
		return ev.Description
	}
	return fmt.Sprintf("%s 级别事件 %s 影响站点 %v", ev.Severity, ev.Type, ev.AffectedSites)
}
