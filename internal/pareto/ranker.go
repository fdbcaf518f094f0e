package pareto

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/scheduler"
)

// Dominates 判断 a 是否支配 b：所有目标都不差于 b，并且至少一个目标严格优于 b
func Dominates(a, b domain.ObjectiveScores) bool {
	av, bv := a.Values(), b.Values()
	strictly := false
	for i := range av {
		if av[i] < bv[i] {
			return false
		}
		if av[i] > bv[i] {
			strictly = true
		}
	}
	return strictly
}

// Sort 快速非支配排序，返回从第 1 层开始的各层前沿
// 排名（从 1 开始）和层内的拥挤距离会回填到染色体上
func Sort(pop []*scheduler.Chromosome) [][]*scheduler.Chromosome {
	n := len(pop)
	if n == 0 {
		return nil
	}

	dominates := make([][]int, n) // dominates[i]: 被 i 支配的染色体
	dominatedCount := make([]int, n)

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			si, sj := pop[i].Scores(), pop[j].Scores()
			switch {
			case Dominates(si, sj):
				dominates[i] = append(dominates[i], j)
				dominatedCount[j]++
			case Dominates(sj, si):
				dominates[j] = append(dominates[j], i)
				dominatedCount[i]++
			}
		}
	}

	var fronts [][]*scheduler.Chromosome
	var current []int
	for i := 0; i < n; i++ {
		if dominatedCount[i] == 0 {
			current = append(current, i)
		}
	}

	for rank := 1; len(current) > 0; rank++ {
		front := make([]*scheduler.Chromosome, len(current))
		var next []int
		for k, i := range current {
			front[k] = pop[i]
			for _, j := range dominates[i] {
				dominatedCount[j]--
				if dominatedCount[j] == 0 {
					next = append(next, j)
				}
			}
		}

		distances := CrowdingDistance(front)
		for k, ch := range front {
			ch.SetRanking(rank, distances[k])
		}

		fronts = append(fronts, front)
		current = next
	}

	return fronts
}

// CrowdingDistance 计算同一层前沿中每个染色体的拥挤距离，边界上的染色体距离为无穷大
func CrowdingDistance(front []*scheduler.Chromosome) []float64 {
	n := len(front)
	distances := make([]float64, n)
	if n <= 2 {
		for i := range distances {
			distances[i] = math.Inf(1)
		}
		return distances
	}

	order := make([]int, n)
	for m := 0; m < domain.ObjectiveCount; m++ {
		for i := range order {
			order[i] = i
		}
		value := func(i int) float64 {
			return front[i].Scores().Values()[m]
		}
		sort.SliceStable(order, func(a, b int) bool {
			return value(order[a]) < value(order[b])
		})

		lo, hi := value(order[0]), value(order[n-1])
		distances[order[0]] = math.Inf(1)
		distances[order[n-1]] = math.Inf(1)
		if hi == lo {
			continue
		}

		for k := 1; k < n-1; k++ {
			distances[order[k]] += (value(order[k+1]) - value(order[k-1])) / (hi - lo)
		}
	}

	return distances
}

// Trim 将一层前沿裁剪到 size 个，优先保留拥挤距离大的染色体
func Trim(front []*scheduler.Chromosome, size int) []*scheduler.Chromosome {
	sorted := make([]*scheduler.Chromosome, len(front))
	copy(sorted, front)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.CrowdingDistance() != b.CrowdingDistance() {
			return a.CrowdingDistance() > b.CrowdingDistance()
		}
		if a.Fitness() != b.Fitness() {
			return a.Fitness() > b.Fitness()
		}
		return a.Seq() < b.Seq()
	})

	if size > 0 && len(sorted) > size {
		sorted = sorted[:size]
	}
	return sorted
}

type Ranker struct {
	rubric Rubric
	now    func() time.Time
}

func NewRanker(rubric Rubric) *Ranker {
	return &Ranker{rubric: rubric, now: time.Now}
}

// Rank 将一代种群转换为第 1 层前沿上的帕累托最优方案
// 评估失败的染色体和被标记为重复的染色体不会作为方案输出
func (r *Ranker) Rank(gen *scheduler.Generation, sites []domain.SiteProfile, sessionID string, limit int) []domain.ParetoSolution {
	if gen == nil {
		return nil
	}

	candidates := make([]*scheduler.Chromosome, 0, len(gen.Population))
	for _, ch := range gen.Population {
		if ch.EvalErr() != nil || ch.Duplicate() {
			continue
		}
		candidates = append(candidates, ch)
	}

	fronts := Sort(candidates)
	if len(fronts) == 0 {
		return nil
	}

	now := r.now()
	selected := Trim(fronts[0], limit)
	solutions := make([]domain.ParetoSolution, 0, len(selected))

	for _, ch := range selected {
		plan := ch.Assignments()
		transfers := scheduler.ImpliedTransfers(plan, sites)
		violations := ch.Violations().Total()
		feasibility := r.rubric.Feasibility(plan, transfers, sites, ch.Scores(), violations)

		// 边界上的拥挤距离为无穷大，JSON 无法表示
		crowding := ch.CrowdingDistance()
		if math.IsInf(crowding, 1) {
			crowding = math.MaxFloat64
		}

		solutions = append(solutions, domain.ParetoSolution{
			ID:               uuid.NewString(),
			SessionID:        sessionID,
			Generation:       ch.Generation(),
			ChromosomeIndex:  ch.Index(),
			Scores:           ch.Scores(),
			Aggregate:        ch.Fitness(),
			Feasibility:      feasibility,
			Tier:             r.rubric.Tier(ch.Scores(), ch.Fitness(), feasibility, violations),
			CrowdingDistance: crowding,
			Plan:             plan,
			Transfers:        transfers,
			CreatedAt:        now,
		})
	}

	// 按综合适应度从高到低输出
	sort.SliceStable(solutions, func(i, j int) bool {
		return solutions[i].Aggregate > solutions[j].Aggregate
	})

	return solutions
}
