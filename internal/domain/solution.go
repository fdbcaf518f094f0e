package domain

import "time"

const ObjectiveCount = 5

// ObjectiveScores 五个目标的归一化得分，取值范围均为 [0, 1]
type ObjectiveScores struct {
	Coverage          float64 `json:"coverage"`
	Cost              float64 `json:"cost"`
	ServiceLevel      float64 `json:"serviceLevel"`
	ResourceSharing   float64 `json:"resourceSharing"`
	EmergencyResponse float64 `json:"emergencyResponse"`
}

func (s ObjectiveScores) Values() [ObjectiveCount]float64 {
	return [ObjectiveCount]float64{s.Coverage, s.Cost, s.ServiceLevel, s.ResourceSharing, s.EmergencyResponse}
}

type Tier string

const (
	TierHighlyRecommended        Tier = "HIGHLY_RECOMMENDED"
	TierRecommended              Tier = "RECOMMENDED"
	TierConditionallyRecommended Tier = "CONDITIONALLY_RECOMMENDED"
	TierNotRecommended           Tier = "NOT_RECOMMENDED"
)

// Feasibility 实施可行性评分，均为 1~10
type Feasibility struct {
	Complexity   int `json:"complexity"`
	ChangeEffort int `json:"changeEffort"`
	Risk         int `json:"risk"`
}

type SiteAssignment struct {
	SiteID   string         `json:"siteID"`
	Regular  int            `json:"regular"`
	Overtime int            `json:"overtime"`
	Shared   int            `json:"shared"`
	Reserve  int            `json:"reserve"`
	SkillMix map[string]int `json:"skillMix"`
}

func (a SiteAssignment) Staffed() int {
	return a.Regular + a.Overtime
}

// ImpliedTransfer 由方案推导出的跨站点调动
type ImpliedTransfer struct {
	SourceSite      string `json:"sourceSite"`
	DestinationSite string `json:"destinationSite"`
	Agents          int    `json:"agents"`
}

type ParetoSolution struct {
	ID               string            `json:"id"`
	SessionID        string            `json:"sessionID"`
	Generation       int               `json:"generation"`
	ChromosomeIndex  int               `json:"chromosomeIndex"`
	Scores           ObjectiveScores   `json:"scores"`
	Aggregate        float64           `json:"aggregate"`
	Feasibility      Feasibility       `json:"feasibility"`
	Tier             Tier              `json:"tier"`
	CrowdingDistance float64           `json:"crowdingDistance"`
	Plan             []SiteAssignment  `json:"plan"`
	Transfers        []ImpliedTransfer `json:"transfers"`
	CreatedAt        time.Time         `json:"createdAt"`
}
