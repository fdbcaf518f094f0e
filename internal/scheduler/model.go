package scheduler

import (
	"context"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

// Gene: 表示对某个站点的人员安排
type Gene struct {
	siteID   string
	regular  int      // 正常班次坐席
	overtime int      // 加班坐席
	shared   int      // 借调给伙伴站点的坐席，从 regular+overtime 中划出
	reserve  int      // 额外待命的应急储备
	skills   []string // 与站点档案中的 Skills 对齐，只读
	skillMix []int    // 每项技能安排的坐席数量
}

func (g Gene) staffed() int {
	return g.regular + g.overtime
}

func (g Gene) clone() Gene {
	c := g
	c.skillMix = make([]int, len(g.skillMix))
	copy(c.skillMix, g.skillMix)
	return c
}

func (g Gene) assignment() domain.SiteAssignment {
	mix := make(map[string]int, len(g.skills))
	for i, skill := range g.skills {
		mix[skill] = g.skillMix[i]
	}
	return domain.SiteAssignment{
		SiteID:   g.siteID,
		Regular:  g.regular,
		Overtime: g.overtime,
		Shared:   g.shared,
		Reserve:  g.reserve,
		SkillMix: mix,
	}
}

// Violations 约束违反计数，违反约束的染色体不会被淘汰，而是在适应度上受到惩罚
type Violations struct {
	LaborRule    int `json:"laborRule"`
	ServiceLevel int `json:"serviceLevel"`
	Capacity     int `json:"capacity"`
	Budget       int `json:"budget"`
}

func (v Violations) Total() int {
	return v.LaborRule + v.ServiceLevel + v.Capacity + v.Budget
}

// Chromosome: 整个组织的一份候选人员安排
// 创建后不可修改，只有帕累托排名和拥挤距离由 pareto 包回填
type Chromosome struct {
	generation int
	index      int
	seq        int64 // 创建序号，用于确定性的平局处理
	parents    []int64
	genes      []Gene
	hash       [32]byte
	duplicate  bool

	evaluated  bool
	scores     domain.ObjectiveScores
	fitness    float64
	violations Violations
	evalErr    error

	rank     int
	crowding float64
}

func (c *Chromosome) Generation() int                { return c.generation }
func (c *Chromosome) Index() int                     { return c.index }
func (c *Chromosome) Seq() int64                     { return c.seq }
func (c *Chromosome) Parents() []int64               { return append([]int64(nil), c.parents...) }
func (c *Chromosome) Hash() [32]byte                 { return c.hash }
func (c *Chromosome) Duplicate() bool                { return c.duplicate }
func (c *Chromosome) Scores() domain.ObjectiveScores { return c.scores }
func (c *Chromosome) Fitness() float64               { return c.fitness }
func (c *Chromosome) Violations() Violations         { return c.violations }
func (c *Chromosome) EvalErr() error                 { return c.evalErr }
func (c *Chromosome) Rank() int                      { return c.rank }
func (c *Chromosome) CrowdingDistance() float64      { return c.crowding }

// SetRanking 由帕累托排序回填排名和拥挤距离
func (c *Chromosome) SetRanking(rank int, crowding float64) {
	c.rank = rank
	c.crowding = crowding
}

// Assignments 返回按站点 ID 排序的人员安排
func (c *Chromosome) Assignments() []domain.SiteAssignment {
	result := make([]domain.SiteAssignment, len(c.genes))
	for i, g := range c.genes {
		result[i] = g.assignment()
	}
	return result
}

// Plan 是交给评估函数的只读视图
type Plan struct {
	Generation  int
	Index       int
	Assignments []domain.SiteAssignment
}

// Evaluator 计算一个方案的五项归一化得分，每项取值 [0, 1]
// 具体的估算公式由预测方提供，可以随时替换
type Evaluator interface {
	Evaluate(ctx context.Context, plan Plan, sites []domain.SiteProfile) (domain.ObjectiveScores, error)
}

type EvaluatorFunc func(ctx context.Context, plan Plan, sites []domain.SiteProfile) (domain.ObjectiveScores, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, plan Plan, sites []domain.SiteProfile) (domain.ObjectiveScores, error) {
	return f(ctx, plan, sites)
}

// Bounds 站点人数的硬性上下限，事件发生后可能被收紧
type Bounds struct {
	Min int
	Max int
}

// Generation 一代种群。代际状态显式地在 Engine 的方法之间传递
type Generation struct {
	Number     int
	Epoch      int
	Reseeded   bool
	Population []*Chromosome
}

// Best 返回本代最佳染色体
func (g *Generation) Best() *Chromosome {
	if g == nil || len(g.Population) == 0 {
		return nil
	}
	best := g.Population[0]
	for _, ch := range g.Population[1:] {
		if better(ch, best) {
			best = ch
		}
	}
	return best
}

// 遗传算法参数
type Parameters struct {
	PopulationSize       int                      // 种群大小
	MaxGenerations       int                      // 最大迭代次数
	CrossoverRate        float64                  // 交叉概率
	MutationRate         float64                  // 变异概率
	EliteCount           int                      // 精英数量
	TournamentSize       int                      // 锦标赛选择的规模
	ConvergenceThreshold float64                  // 收敛阈值
	ConvergenceWindow    int                      // 收敛判断的滑动窗口
	Selection            domain.SelectionStrategy // 选择策略
	Duplicates           domain.DuplicatePolicy   // 重复染色体处理策略
	ResourceSharing      bool                     // 是否允许跨站点借调
	PenaltyPerViolation  float64                  // 每次约束违反扣除的适应度
	Workers              int                      // 并行评估的协程数量
	Seed                 int64
}

func ParametersFromSession(s domain.CoordinationSession, workers int, penalty float64) Parameters {
	return Parameters{
		PopulationSize:       s.Genetic.PopulationSize,
		MaxGenerations:       s.Genetic.MaxGenerations,
		CrossoverRate:        s.Genetic.CrossoverRate,
		MutationRate:         s.Genetic.MutationRate,
		EliteCount:           s.Genetic.EliteCount,
		TournamentSize:       s.Genetic.TournamentSize,
		ConvergenceThreshold: s.Genetic.ConvergenceThreshold,
		ConvergenceWindow:    s.Genetic.ConvergenceWindow,
		Selection:            s.Toggles.Selection,
		Duplicates:           s.Toggles.DuplicatePolicy,
		ResourceSharing:      s.Toggles.ResourceSharing,
		PenaltyPerViolation:  penalty,
		Workers:              workers,
		Seed:                 s.Genetic.Seed,
	}
}
