package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sort"
	"time"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSites          = errors.New("没有可以优化的站点")
	ErrEmptyGeneration  = errors.New("上一代种群为空")
	ErrScoreOutOfRange  = errors.New("评估函数返回的得分不在 [0, 1] 范围内")
	ErrSiteSetChanged   = errors.New("站点集合与优化器初始化时不一致")
	ErrInfeasibleBounds = errors.New("收紧后的人数上下限互相矛盾")
)

type Option func(e *Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithOutgoing 设置各站点已经待批或已批准的调出人数，用于引导借调基因的初始化
func WithOutgoing(outgoing map[string]int) Option {
	return func(e *Engine) {
		e.SetOutgoing(outgoing)
	}
}

// Engine 遗传优化器。Engine 本身不保存“当前代”，代际状态通过 Generation 在方法之间显式传递
// 同一个 Engine 只能被一个协程驱动，适应度评估在内部以有界的协程池并行执行
type Engine struct {
	parameters Parameters
	weights    domain.ObjectiveWeights
	evaluator  Evaluator
	sites      []domain.SiteProfile // 按站点 ID 排序
	siteMap    map[string]domain.SiteProfile
	bounds     []Bounds
	outgoing   map[string]int
	rng        *rand.Rand
	seq        int64
	epoch      int
	logger     *slog.Logger
}

func New(parameters Parameters, weights domain.ObjectiveWeights, sites []domain.SiteProfile, evaluator Evaluator, opts ...Option) (*Engine, error) {
	if len(sites) == 0 {
		return nil, ErrNoSites
	}
	if parameters.PopulationSize <= 0 {
		return nil, domain.NewValidationError("genetic.populationSize", "种群大小必须大于 0")
	}

	// 至少保留一个精英，否则最佳适应度无法保证单调不减
	parameters.EliteCount = clamp(parameters.EliteCount, 1, parameters.PopulationSize)
	if parameters.Workers <= 0 {
		parameters.Workers = runtime.NumCPU()
	}
	if parameters.Selection == "" {
		parameters.Selection = domain.SelectionTournament
	}
	if parameters.Duplicates == "" {
		parameters.Duplicates = domain.DuplicateResample
	}
	seed := parameters.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	if evaluator == nil {
		evaluator = HeuristicEvaluator{}
	}

	e := &Engine{
		parameters: parameters,
		weights:    weights,
		evaluator:  evaluator,
		outgoing:   make(map[string]int),
		rng:        rand.New(rand.NewSource(seed)),
		logger:     slog.Default(),
	}
	e.setSites(sites)

	e.bounds = make([]Bounds, len(e.sites))
	for i, site := range e.sites {
		e.bounds[i] = Bounds{Min: site.MinStaffing, Max: site.MaxStaffing}
	}

	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "scheduler")

	return e, nil
}

func (e *Engine) setSites(sites []domain.SiteProfile) {
	e.sites = make([]domain.SiteProfile, len(sites))
	for i := range sites {
		e.sites[i] = sites[i].Clone()
	}
	sort.Slice(e.sites, func(i, j int) bool {
		return e.sites[i].ID < e.sites[j].ID
	})

	e.siteMap = make(map[string]domain.SiteProfile, len(e.sites))
	for _, s := range e.sites {
		e.siteMap[s.ID] = s
	}
}

func (e *Engine) SetOutgoing(outgoing map[string]int) {
	e.outgoing = make(map[string]int, len(outgoing))
	for k, v := range outgoing {
		e.outgoing[k] = v
	}
}

func (e *Engine) Parameters() Parameters { return e.parameters }
func (e *Engine) Epoch() int             { return e.epoch }

// Bounds 返回各站点当前生效的人数上下限
func (e *Engine) Bounds() map[string]Bounds {
	result := make(map[string]Bounds, len(e.sites))
	for i, site := range e.sites {
		result[site.ID] = e.bounds[i]
	}
	return result
}

// Sites 返回优化器正在使用的站点快照
func (e *Engine) Sites() []domain.SiteProfile {
	result := make([]domain.SiteProfile, len(e.sites))
	for i := range e.sites {
		result[i] = e.sites[i].Clone()
	}
	return result
}

// Seed 生成并评估第 0 代
func (e *Engine) Seed(ctx context.Context) (*Generation, error) {
	pop := make([]*Chromosome, e.parameters.PopulationSize)
	for i := range pop {
		pop[i] = e.randomInitChromosome(0, i)
	}

	gen := &Generation{Number: 0, Epoch: e.epoch, Population: e.dedupe(pop)}
	if err := e.evaluate(ctx, gen); err != nil {
		return nil, err
	}
	return gen, nil
}

// Advance 由上一代繁殖出下一代并完成评估
// 精英原样保留，其余位置由选择、交叉、变异产生的子代替换
// 如果 ctx 被取消，新一代会被整体丢弃并返回 ctx.Err()
func (e *Engine) Advance(ctx context.Context, prev *Generation) (*Generation, error) {
	if prev == nil || len(prev.Population) == 0 {
		return nil, ErrEmptyGeneration
	}

	number := prev.Number + 1
	sorted := sortByFitness(prev.Population)
	size := e.parameters.PopulationSize

	newPop := make([]*Chromosome, 0, size)

	// 保留精英
	for _, elite := range sorted[:min(e.parameters.EliteCount, len(sorted))] {
		newPop = append(newPop, e.carry(elite, number, len(newPop)))
	}

	// 在剩余的位置上进行交叉和变异
	for len(newPop) < size {
		// 选择两个父本
		p1 := e.selectParent(sorted)
		p2 := e.selectParent(sorted)

		var g1, g2 []Gene
		if e.rng.Float64() < e.parameters.CrossoverRate {
			g1, g2 = e.singlePointCrossover(p1, p2)
		} else {
			g1, g2 = cloneGenes(p1.genes), cloneGenes(p2.genes)
		}

		e.mutate(g1)
		e.mutate(g2)

		parents := []int64{p1.seq, p2.seq}
		newPop = append(newPop, e.newChromosome(number, len(newPop), g1, parents))

		if len(newPop) < size {
			newPop = append(newPop, e.newChromosome(number, len(newPop), g2, parents))
		}
	}

	gen := &Generation{Number: number, Epoch: e.epoch, Population: e.dedupe(newPop)}
	if err := e.evaluate(ctx, gen); err != nil {
		return nil, err
	}
	return gen, nil
}

// Reseed 以收紧后的约束开始新的约束纪元，生成编号为 number 的新种群
// carry 中仍然满足新约束的染色体会被重新评估后保留，其余位置随机生成
func (e *Engine) Reseed(ctx context.Context, number int, tightenings []domain.ConstraintTightening, carry *Generation) (*Generation, error) {
	bounds, err := e.tighten(tightenings)
	if err != nil {
		return nil, err
	}
	e.bounds = bounds
	e.epoch++

	size := e.parameters.PopulationSize
	pop := make([]*Chromosome, 0, size)

	if carry != nil {
		limit := max(1, size/2)
		for _, ch := range sortByFitness(carry.Population) {
			if len(pop) >= limit {
				break
			}
			if !e.withinBounds(ch.genes) {
				continue
			}
			pop = append(pop, e.newChromosome(number, len(pop), cloneGenes(ch.genes), []int64{ch.seq}))
		}
	}

	for len(pop) < size {
		pop = append(pop, e.randomInitChromosome(number, len(pop)))
	}

	e.logger.Info("以收紧后的约束重新生成种群", "generation", number, "epoch", e.epoch, "tightenings", len(tightenings), "carried", size-countRandom(pop))

	gen := &Generation{Number: number, Epoch: e.epoch, Reseeded: true, Population: e.dedupe(pop)}
	if err := e.evaluate(ctx, gen); err != nil {
		return nil, err
	}
	return gen, nil
}

// UpdateSites 替换优化器使用的站点快照，站点集合必须保持不变
// 已经收紧的上下限会与新档案的上下限取交集
func (e *Engine) UpdateSites(sites []domain.SiteProfile) error {
	if len(sites) != len(e.sites) {
		return ErrSiteSetChanged
	}
	for _, s := range sites {
		if _, exists := e.siteMap[s.ID]; !exists {
			return fmt.Errorf("%w: %s", ErrSiteSetChanged, s.ID)
		}
	}

	e.setSites(sites)
	for i, site := range e.sites {
		e.bounds[i] = Bounds{
			Min: max(e.bounds[i].Min, site.MinStaffing),
			Max: min(e.bounds[i].Max, site.MaxStaffing),
		}
		if e.bounds[i].Min > e.bounds[i].Max {
			e.bounds[i] = Bounds{Min: site.MinStaffing, Max: site.MaxStaffing}
		}
	}
	return nil
}

// Refresh 在代际边界上用新的站点快照重新评估当前种群
// 站点数据变化后适应度的基准也随之变化，因此同样开始一个新的纪元
func (e *Engine) Refresh(ctx context.Context, sites []domain.SiteProfile, prev *Generation) (*Generation, error) {
	if prev == nil || len(prev.Population) == 0 {
		return nil, ErrEmptyGeneration
	}
	if err := e.UpdateSites(sites); err != nil {
		return nil, err
	}
	e.epoch++

	pop := make([]*Chromosome, len(prev.Population))
	for i, ch := range prev.Population {
		pop[i] = e.newChromosome(prev.Number, i, cloneGenes(ch.genes), []int64{ch.seq})
	}

	gen := &Generation{Number: prev.Number, Epoch: e.epoch, Reseeded: prev.Reseeded, Population: e.dedupe(pop)}
	if err := e.evaluate(ctx, gen); err != nil {
		return nil, err
	}
	return gen, nil
}

func countRandom(pop []*Chromosome) int {
	n := 0
	for _, ch := range pop {
		if len(ch.parents) == 0 {
			n++
		}
	}
	return n
}

func (e *Engine) tighten(tightenings []domain.ConstraintTightening) ([]Bounds, error) {
	bounds := make([]Bounds, len(e.bounds))
	copy(bounds, e.bounds)

	index := make(map[string]int, len(e.sites))
	for i, site := range e.sites {
		index[site.ID] = i
	}

	for _, t := range tightenings {
		i, exists := index[t.SiteID]
		if !exists {
			continue
		}
		if t.MinStaffing > 0 {
			bounds[i].Min = max(bounds[i].Min, t.MinStaffing)
		}
		if t.MaxStaffing > 0 {
			bounds[i].Max = min(bounds[i].Max, t.MaxStaffing)
		}
		if bounds[i].Min > bounds[i].Max {
			return nil, fmt.Errorf("%w: 站点 %s [%d, %d]", ErrInfeasibleBounds, t.SiteID, bounds[i].Min, bounds[i].Max)
		}
	}

	return bounds, nil
}

func (e *Engine) withinBounds(genes []Gene) bool {
	if len(genes) != len(e.bounds) {
		return false
	}
	for i, g := range genes {
		if g.staffed() < e.bounds[i].Min || g.staffed() > e.bounds[i].Max {
			return false
		}
	}
	return true
}

// dedupe 检测同一代中内容完全相同的染色体
// RESAMPLE 策略下对重复者重新变异（有限次数），仍然重复或 FLAG 策略下只做标记
func (e *Engine) dedupe(pop []*Chromosome) []*Chromosome {
	seen := make(map[[32]byte]struct{}, len(pop))

	for i, ch := range pop {
		if _, exists := seen[ch.hash]; !exists {
			seen[ch.hash] = struct{}{}
			continue
		}

		if e.parameters.Duplicates == domain.DuplicateResample {
			genes := cloneGenes(ch.genes)
			for try := 0; try < maxResampleTries; try++ {
				e.forceMutate(genes)
				if _, exists := seen[contentHash(genes)]; !exists {
					break
				}
			}
			if _, exists := seen[contentHash(genes)]; !exists {
				resampled := e.newChromosome(ch.generation, ch.index, genes, ch.parents)
				seen[resampled.hash] = struct{}{}
				pop[i] = resampled
				continue
			}
		}

		ch.duplicate = true
	}

	return pop
}

// evaluate 使用有界的协程池并行计算适应度，所有染色体评估完成后才返回
func (e *Engine) evaluate(ctx context.Context, gen *Generation) error {
	// 同一代中所有评估共享一份只读快照
	sites := e.Sites()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parameters.Workers)

	for _, ch := range gen.Population {
		if ch.evaluated {
			continue
		}

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			scores, err := e.evaluateOne(gctx, ch, sites)
			if err != nil {
				// 被取消的评估不算失败，整代都会被丢弃
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				e.markFailed(ch, err)
				return nil
			}

			e.calcFitness(ch, scores)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	failed, duplicates := 0, 0
	for _, ch := range gen.Population {
		if ch.evalErr != nil {
			failed++
		}
		if ch.duplicate {
			duplicates++
		}
	}

	best := gen.Best()
	e.logger.Debug("完成一代评估",
		"generation", gen.Number,
		"epoch", gen.Epoch,
		"bestFitness", best.fitness,
		"failed", failed,
		"duplicates", duplicates,
	)

	return nil
}

func (e *Engine) evaluateOne(ctx context.Context, ch *Chromosome, sites []domain.SiteProfile) (scores domain.ObjectiveScores, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("评估函数发生 panic: %v", r)
		}
	}()

	plan := Plan{Generation: ch.generation, Index: ch.index, Assignments: ch.Assignments()}
	scores, err = e.evaluator.Evaluate(ctx, plan, sites)
	if err != nil {
		return domain.ObjectiveScores{}, err
	}

	for _, v := range scores.Values() {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return domain.ObjectiveScores{}, fmt.Errorf("%w: %v", ErrScoreOutOfRange, v)
		}
	}

	return scores, nil
}
