package scheduler

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"golang.org/x/crypto/blake2b"
)

const (
	maxOvertimeRatio  = 0.25   // 加班坐席不能超过在岗坐席的 25%
	failurePenalty    = 1000.0 // 评估失败的染色体得到的最大惩罚
	maxResampleTries  = 8
	rouletteEpsilon   = 1e-9
	defaultTournament = 3
)

// randomInitChromosome 在站点的人数上下限内随机初始化一个染色体
func (e *Engine) randomInitChromosome(generation, index int) *Chromosome {
	genes := make([]Gene, len(e.sites))
	for i := range e.sites {
		genes[i] = e.randomGene(i)
	}
	return e.newChromosome(generation, index, genes, nil)
}

func (e *Engine) randomGene(i int) Gene {
	site := e.sites[i]
	b := e.bounds[i]

	staffed := b.Min + e.rng.Intn(b.Max-b.Min+1)

	// 加班人数控制在劳动规则允许的范围以内
	overtime := 0
	if limit := int(float64(staffed) * maxOvertimeRatio); limit > 0 {
		overtime = e.rng.Intn(limit + 1)
	}

	shared := 0
	if limit := e.shareLimit(i, staffed); limit > 0 {
		// 已有的调动请求会作为候选方案的一部分
		if pending := e.outgoing[site.ID]; pending > 0 && e.rng.Float64() < 0.5 {
			shared = min(pending, limit)
		} else {
			shared = e.rng.Intn(limit + 1)
		}
	}

	reserve := 0
	if site.EmergencyReserve > 0 {
		reserve = e.rng.Intn(2*site.EmergencyReserve + 1)
	}

	return Gene{
		siteID:   site.ID,
		regular:  staffed - overtime,
		overtime: overtime,
		shared:   shared,
		reserve:  reserve,
		skills:   site.Skills,
		skillMix: e.distributeSkills(site, staffed),
	}
}

func (e *Engine) shareLimit(i int, staffed int) int {
	site := e.sites[i]
	if !e.parameters.ResourceSharing || len(site.Transfer.CanSendTo) == 0 {
		return 0
	}
	return max(0, min(site.Transfer.MaxAgentsTransferableOut, staffed))
}

// distributeSkills 按技能需求的比例随机分配坐席的技能
func (e *Engine) distributeSkills(site domain.SiteProfile, staffed int) []int {
	mix := make([]int, len(site.Skills))
	if len(site.Skills) == 0 {
		return mix
	}

	weights := make([]int, len(site.Skills))
	total := 0
	for i, skill := range site.Skills {
		weights[i] = site.SkillDemand[skill] + 1
		total += weights[i]
	}

	for n := 0; n < staffed; n++ {
		pick := e.rng.Intn(total)
		for i, w := range weights {
			if pick < w {
				mix[i]++
				break
			}
			pick -= w
		}
	}

	return mix
}

func (e *Engine) newChromosome(generation, index int, genes []Gene, parents []int64) *Chromosome {
	e.seq++
	return &Chromosome{
		generation: generation,
		index:      index,
		seq:        e.seq,
		parents:    parents,
		genes:      genes,
		hash:       contentHash(genes),
	}
}

// carry 将精英原样带入下一代，得分和适应度保持不变
func (e *Engine) carry(ch *Chromosome, generation, index int) *Chromosome {
	genes := make([]Gene, len(ch.genes))
	for i, g := range ch.genes {
		genes[i] = g.clone()
	}

	c := e.newChromosome(generation, index, genes, []int64{ch.seq})
	c.evaluated = ch.evaluated
	c.scores = ch.scores
	c.fitness = ch.fitness
	c.violations = ch.violations
	c.evalErr = ch.evalErr
	return c
}

// contentHash 对染色体内容计算哈希，用于同代内的去重
func contentHash(genes []Gene) [32]byte {
	buf := make([]byte, 0, 64*len(genes))
	for _, g := range genes {
		buf = append(buf, g.siteID...)
		buf = append(buf, 0)
		buf = binary.AppendVarint(buf, int64(g.regular))
		buf = binary.AppendVarint(buf, int64(g.overtime))
		buf = binary.AppendVarint(buf, int64(g.shared))
		buf = binary.AppendVarint(buf, int64(g.reserve))
		for _, n := range g.skillMix {
			buf = binary.AppendVarint(buf, int64(n))
		}
	}
	return blake2b.Sum256(buf)
}

/**
 * 计算染色体的适应度
 * fitness = Σ weight_i * score_i - PenaltyPerViolation * violations
 * 其中:
 * 		1. score_i 为评估函数给出的五项归一化得分
 * 		2. weight_i 为会话的目标权重（总和为 100）
 * 		3. violations 为约束违反次数，违反约束不会淘汰染色体，只会降低适应度
 */
func (e *Engine) calcFitness(ch *Chromosome, scores domain.ObjectiveScores) {
	weights := e.weights.Values()
	values := scores.Values()

	aggregate := 0.0
	for i := range values {
		aggregate += weights[i] * values[i]
	}

	ch.scores = scores
	ch.violations = e.checkConstraints(ch.genes)
	ch.fitness = aggregate - e.parameters.PenaltyPerViolation*float64(ch.violations.Total())
	ch.evaluated = true
}

// markFailed 评估失败的染色体只得到最大惩罚，不会中止整代
func (e *Engine) markFailed(ch *Chromosome, err error) {
	ch.scores = domain.ObjectiveScores{}
	ch.violations = e.checkConstraints(ch.genes)
	ch.fitness = -failurePenalty
	ch.evalErr = &domain.EvaluationFailure{Generation: ch.generation, Index: ch.index, Err: err}
	ch.evaluated = true
}

func (e *Engine) checkConstraints(genes []Gene) Violations {
	var v Violations

	assignments := make([]domain.SiteAssignment, len(genes))
	for i, g := range genes {
		assignments[i] = g.assignment()
	}
	effective, _ := distributeShared(assignments, e.siteMap)

	for i, g := range genes {
		site := e.sites[i]
		b := e.bounds[i]

		if g.staffed() < b.Min || g.staffed() > b.Max {
			v.Capacity++
		}
		if g.shared > site.Transfer.MaxAgentsTransferableOut || g.shared > g.staffed() {
			v.Capacity++
		}
		if float64(g.overtime) > float64(g.staffed())*maxOvertimeRatio {
			v.LaborRule++
		}
		if site.ForecastDemand > 0 && float64(effective[site.ID])/float64(site.ForecastDemand) < site.ServiceLevelMinimum {
			v.ServiceLevel++
		}
		if site.Budget > 0 && siteCost(assignments[i], site) > site.Budget {
			v.Budget++
		}
	}

	return v
}

// better 判断 a 是否优于 b：适应度更高，其次约束违反更少，最后创建序号更小
func better(a, b *Chromosome) bool {
	if a.fitness != b.fitness {
		return a.fitness > b.fitness
	}
	if a.violations.Total() != b.violations.Total() {
		return a.violations.Total() < b.violations.Total()
	}
	return a.seq < b.seq
}

func sortByFitness(pop []*Chromosome) []*Chromosome {
	sorted := make([]*Chromosome, len(pop))
	copy(sorted, pop)
	sort.SliceStable(sorted, func(i, j int) bool {
		return better(sorted[i], sorted[j])
	})
	return sorted
}

// 锦标赛选择
func (e *Engine) selectByTournament(sorted []*Chromosome) *Chromosome {
	size := e.parameters.TournamentSize
	if size < 2 {
		size = defaultTournament
	}

	var winner *Chromosome
	for i := 0; i < size; i++ {
		ch := sorted[e.rng.Intn(len(sorted))]
		if winner == nil || better(ch, winner) {
			winner = ch
		}
	}
	return winner
}

// 使用轮盘赌来进行选择
// 适应度可能为负数，因此先平移到非负区间
func (e *Engine) selectByRoulette(sorted []*Chromosome) *Chromosome {
	minFit := math.Inf(1)
	for _, ch := range sorted {
		minFit = math.Min(minFit, ch.fitness)
	}

	sumFit := 0.0
	for _, ch := range sorted {
		sumFit += ch.fitness - minFit + rouletteEpsilon
	}
	pick := e.rng.Float64() * sumFit
	partial := 0.0

	for _, ch := range sorted {
		partial += ch.fitness - minFit + rouletteEpsilon
		if partial >= pick {
			return ch
		}
	}

	// 理论上不会运行到这个地方
	return sorted[len(sorted)-1]
}

// 线性排名选择，排名第 i 的个体权重为 n - i
func (e *Engine) selectByRank(sorted []*Chromosome) *Chromosome {
	n := len(sorted)
	total := n * (n + 1) / 2
	pick := e.rng.Intn(total)

	for i, ch := range sorted {
		w := n - i
		if pick < w {
			return ch
		}
		pick -= w
	}

	return sorted[n-1]
}

func (e *Engine) selectParent(sorted []*Chromosome) *Chromosome {
	switch e.parameters.Selection {
	case domain.SelectionRoulette:
		return e.selectByRoulette(sorted)
	case domain.SelectionRank:
		return e.selectByRank(sorted)
	default:
		return e.selectByTournament(sorted)
	}
}

// 单点交叉，交换两个父本在切点之后的站点安排
func (e *Engine) singlePointCrossover(p1, p2 *Chromosome) ([]Gene, []Gene) {
	g1 := cloneGenes(p1.genes)
	g2 := cloneGenes(p2.genes)

	length := len(g1)
	if length != len(g2) || length < 2 {
		// 按理来说两个染色体的长度应该能保证是相等的
		return g1, g2
	}

	point := e.rng.Intn(length-1) + 1
	for i := point; i < length; i++ {
		g1[i], g2[i] = g2[i], g1[i]
	}

	return g1, g2
}

// 变异
// 随机选择一个站点，在其上下限之内扰动人员安排
func (e *Engine) mutate(genes []Gene) {
	if e.rng.Float64() >= e.parameters.MutationRate {
		return
	}
	e.forceMutate(genes)
}

func (e *Engine) forceMutate(genes []Gene) {
	i := e.rng.Intn(len(genes))
	genes[i] = e.perturbGene(i, genes[i])
}

func (e *Engine) perturbGene(i int, g Gene) Gene {
	site := e.sites[i]
	b := e.bounds[i]

	staffed := clamp(g.staffed()+e.rng.Intn(7)-3, b.Min, b.Max)
	overtime := clamp(g.overtime+e.rng.Intn(3)-1, 0, int(float64(staffed)*maxOvertimeRatio))
	shared := clamp(g.shared+e.rng.Intn(3)-1, 0, e.shareLimit(i, staffed))
	reserve := clamp(g.reserve+e.rng.Intn(3)-1, 0, 2*site.EmergencyReserve)

	mutated := Gene{
		siteID:   g.siteID,
		regular:  staffed - overtime,
		overtime: overtime,
		shared:   shared,
		reserve:  reserve,
		skills:   g.skills,
		skillMix: g.skillMix,
	}
	if staffed != g.staffed() || e.rng.Float64() < 0.5 {
		mutated.skillMix = e.distributeSkills(site, staffed)
	} else {
		mutated.skillMix = append([]int(nil), g.skillMix...)
	}

	return mutated
}

func cloneGenes(genes []Gene) []Gene {
	c := make([]Gene, len(genes))
	for i, g := range genes {
		c[i] = g.clone()
	}
	return c
}
