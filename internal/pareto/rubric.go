package pareto

import (
	"fmt"
	"math"
	"os"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"gopkg.in/yaml.v3"
)

const defaultRubricYAML = `# 实施可行性评分规则，所有得分都会被限制在 1~10 之间
complexity:
  base: 1
  per_transfer: 1.5
  agents_per_point: 5

change_effort:
  base: 1
  volatility_scale: 18

risk:
  base: 1
  per_violation: 2
  emergency_weight: 3
  service_level_weight: 4

# 按顺序匹配，第一条满足的规则决定推荐等级，都不满足时为 NOT_RECOMMENDED
# max_* 为 0 表示不限制
tiers:
  - tier: HIGHLY_RECOMMENDED
    min_aggregate: 75
    min_service_level: 0.85
    max_complexity: 4
    max_risk: 3
  - tier: RECOMMENDED
    min_aggregate: 60
    max_complexity: 7
    max_risk: 5
  - tier: CONDITIONALLY_RECOMMENDED
    min_aggregate: 40
    max_risk: 8
    allow_violations: true
`

// ComplexityRule 由方案隐含的跨站点调动计算实施复杂度
type ComplexityRule struct {
	Base           float64 `yaml:"base"`
	PerTransfer    float64 `yaml:"per_transfer"`
	AgentsPerPoint float64 `yaml:"agents_per_point"`
}

// ChangeEffortRule 由方案与当前人员安排的差异（排班波动）计算变更工作量
type ChangeEffortRule struct {
	Base            float64 `yaml:"base"`
	VolatilityScale float64 `yaml:"volatility_scale"`
}

type RiskRule struct {
	Base               float64 `yaml:"base"`
	PerViolation       float64 `yaml:"per_violation"`
	EmergencyWeight    float64 `yaml:"emergency_weight"`
	ServiceLevelWeight float64 `yaml:"service_level_weight"`
}

type TierRule struct {
	Tier            domain.Tier `yaml:"tier"`
	MinAggregate    float64     `yaml:"min_aggregate"`
	MinServiceLevel float64     `yaml:"min_service_level"`
	MinCoverage     float64     `yaml:"min_coverage"`
	MaxComplexity   int         `yaml:"max_complexity"`
	MaxChangeEffort int         `yaml:"max_change_effort"`
	MaxRisk         int         `yaml:"max_risk"`
	AllowViolations bool        `yaml:"allow_violations"`
}

// Rubric 可行性评分和推荐等级的声明式配置
type Rubric struct {
	Complexity   ComplexityRule   `yaml:"complexity"`
	ChangeEffort ChangeEffortRule `yaml:"change_effort"`
	Risk         RiskRule         `yaml:"risk"`
	Tiers        []TierRule       `yaml:"tiers"`
}

func DefaultRubric() Rubric {
	r, err := ParseRubric([]byte(defaultRubricYAML))
	if err != nil {
		panic(fmt.Sprintf("内置的评分规则无法解析: %v", err))
	}
	return r
}

func ParseRubric(data []byte) (Rubric, error) {
	var r Rubric
	if err := yaml.Unmarshal(data, &r); err != nil {
		return Rubric{}, fmt.Errorf("解析评分规则失败: %w", err)
	}

	for i, rule := range r.Tiers {
		switch rule.Tier {
		case domain.TierHighlyRecommended, domain.TierRecommended, domain.TierConditionallyRecommended, domain.TierNotRecommended:
		default:
			return Rubric{}, domain.NewValidationError(fmt.Sprintf("tiers[%d].tier", i), "未知的推荐等级 %q", rule.Tier)
		}
	}
	if r.Complexity.AgentsPerPoint < 0 || r.ChangeEffort.VolatilityScale < 0 {
		return Rubric{}, domain.NewValidationError("rubric", "评分系数不能为负数")
	}

	return r, nil
}

// LoadRubric 从 YAML 文件读取评分规则，path 为空时使用内置规则
func LoadRubric(path string) (Rubric, error) {
	if path == "" {
		return DefaultRubric(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Rubric{}, fmt.Errorf("读取评分规则文件失败: %w", err)
	}
	return ParseRubric(data)
}

func score(v float64) int {
	return int(math.Max(1, math.Min(10, math.Round(v))))
}

// Feasibility 计算一个方案的实施可行性评分
func (r Rubric) Feasibility(plan []domain.SiteAssignment, transfers []domain.ImpliedTransfer, sites []domain.SiteProfile, scores domain.ObjectiveScores, violations int) domain.Feasibility {
	agents := 0
	for _, tr := range transfers {
		agents += tr.Agents
	}
	complexity := r.Complexity.Base + r.Complexity.PerTransfer*float64(len(transfers))
	if r.Complexity.AgentsPerPoint > 0 {
		complexity += float64(agents) / r.Complexity.AgentsPerPoint
	}

	current := make(map[string]int, len(sites))
	for _, s := range sites {
		current[s.ID] = s.CurrentStaffing
	}
	changed, total := 0, 0
	for _, a := range plan {
		diff := a.Staffed() - current[a.SiteID]
		if diff < 0 {
			diff = -diff
		}
		changed += diff
		total += current[a.SiteID]
	}
	volatility := 0.0
	if total > 0 {
		volatility = float64(changed) / float64(total)
	} else if changed > 0 {
		volatility = 1
	}
	changeEffort := r.ChangeEffort.Base + r.ChangeEffort.VolatilityScale*volatility

	risk := r.Risk.Base +
		r.Risk.PerViolation*float64(violations) +
		r.Risk.EmergencyWeight*(1-scores.EmergencyResponse) +
		r.Risk.ServiceLevelWeight*(1-scores.ServiceLevel)

	return domain.Feasibility{
		Complexity:   score(complexity),
		ChangeEffort: score(changeEffort),
		Risk:         score(risk),
	}
}

// Tier 按顺序匹配推荐等级规则
func (r Rubric) Tier(scores domain.ObjectiveScores, aggregate float64, f domain.Feasibility, violations int) domain.Tier {
	for _, rule := range r.Tiers {
		if rule.matches(scores, aggregate, f, violations) {
			return rule.Tier
		}
	}
	return domain.TierNotRecommended
}

func (rule TierRule) matches(scores domain.ObjectiveScores, aggregate float64, f domain.Feasibility, violations int) bool {
	if aggregate < rule.MinAggregate {
		return false
	}
	if scores.ServiceLevel < rule.MinServiceLevel || scores.Coverage < rule.MinCoverage {
		return false
	}
	if rule.MaxComplexity > 0 && f.Complexity > rule.MaxComplexity {
		return false
	}
	if rule.MaxChangeEffort > 0 && f.ChangeEffort > rule.MaxChangeEffort {
		return false
	}
	if rule.MaxRisk > 0 && f.Risk > rule.MaxRisk {
		return false
	}
	return rule.AllowViolations || violations == 0
}
