package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/pareto"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/registry"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/scheduler"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/transfer"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/utils"
)

var (
	ErrAlreadyStarted   = errors.New("会话已经启动")
	ErrOverrideDisabled = errors.New("会话没有开启紧急接管")
	ErrEmergencyAborted = errors.New("紧急接管后人工终止了会话")
	ErrNoFeasiblePlan   = errors.New("没有满足硬性约束的帕累托最优方案")
)

// SiteSource 在创建请求没有携带站点档案时提供默认档案
type SiteSource interface {
	SiteProfiles(ctx context.Context, ids []string) ([]domain.SiteProfile, error)
}

type Store interface {
	SaveSession(ctx context.Context, s *domain.CoordinationSession) error
	SaveSolutions(ctx context.Context, sessionID string, solutions []domain.ParetoSolution) error
}

// Reporter 向看板和决策支持方发布进度和结果
type Reporter interface {
	ReportGeneration(ctx context.Context, update domain.GenerationUpdate) error
	ReportSolutions(ctx context.Context, sessionID string, solutions []domain.ParetoSolution) error
}

// Reporters 依次交给多个 Reporter，某个失败不影响其余的
type Reporters []Reporter

func (rs Reporters) ReportGeneration(ctx context.Context, update domain.GenerationUpdate) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.ReportGeneration(ctx, update))
	}
	return errors.Join(errs...)
}

func (rs Reporters) ReportSolutions(ctx context.Context, sessionID string, solutions []domain.ParetoSolution) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.ReportSolutions(ctx, sessionID, solutions))
	}
	return errors.Join(errs...)
}

// TransferProposer 实施阶段将最优方案隐含的调动提交给调动协商方
type TransferProposer interface {
	Request(ctx context.Context, in transfer.Input) (domain.TransferRequest, error)
	Outstanding(sessionID string) map[string]int
}

type Config struct {
	Workers             int
	PenaltyPerViolation float64
	ResultSize          int
	MonitoringPeriod    time.Duration
	ConvergenceWindow   int
	EliteCount          int
	TournamentSize      int
}

type CreateRequest struct {
	Name        string
	Sites       []string
	PrimarySite string
	WindowStart time.Time
	WindowEnd   time.Time
	Weights     domain.ObjectiveWeights
	Toggles     domain.AlgorithmToggles
	Genetic     domain.GeneticParameters
	Profiles    []domain.SiteProfile // 为空时从 SiteSource 读取
}

type Option func(m *Manager)

func WithSiteSource(source SiteSource) Option {
	return func(m *Manager) { m.sites = source }
}

func WithStore(store Store) Option {
	return func(m *Manager) { m.store = store }
}

func WithReporter(reporter Reporter) Option {
	return func(m *Manager) { m.reporter = reporter }
}

func WithTransfers(transfers TransferProposer) Option {
	return func(m *Manager) { m.transfers = transfers }
}

func WithEvaluator(evaluator scheduler.Evaluator) Option {
	return func(m *Manager) { m.evaluator = evaluator }
}

func WithRanker(ranker *pareto.Ranker) Option {
	return func(m *Manager) { m.ranker = ranker }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// signal 事件处理器发给运行中会话的中断请求，在代际边界或当前代被取消后处理
type signal struct {
	reoptimize  bool
	reseed      bool
	emergency   bool
	tightenings []domain.ConstraintTightening
}

type run struct {
	session   domain.CoordinationSession
	registry  *registry.Registry
	solutions []domain.ParetoSolution
	started   bool
	err       error

	sig       signal
	cancelGen context.CancelFunc
	wake      chan struct{}
	resolve   chan bool
	done      chan struct{}

	// 以下字段只由会话自己的协程访问
	engine      *scheduler.Engine
	generation  *scheduler.Generation
	convergence *scheduler.Convergence
	inflight    int
	discarded   int
}

// Manager 负责协调会话的完整生命周期，是会话状态和最佳适应度的唯一写入者
type Manager struct {
	mu   sync.RWMutex
	runs map[string]*run

	cfg       Config
	sites     SiteSource
	store     Store
	reporter  Reporter
	transfers TransferProposer
	evaluator scheduler.Evaluator
	ranker    *pareto.Ranker
	logger    *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, opts ...Option) *Manager {
	if cfg.ConvergenceWindow <= 0 {
		cfg.ConvergenceWindow = 10
	}
	if cfg.EliteCount <= 0 {
		cfg.EliteCount = 1
	}
	if cfg.TournamentSize < 2 {
		cfg.TournamentSize = 3
	}
	if cfg.PenaltyPerViolation <= 0 {
		cfg.PenaltyPerViolation = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runs:   make(map[string]*run),
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ranker == nil {
		m.ranker = pareto.NewRanker(pareto.DefaultRubric())
	}
	m.logger = m.logger.With("component", "session")

	return m
}

func (m *Manager) applyDefaults(s *domain.CoordinationSession) {
	if s.Genetic.ConvergenceWindow == 0 {
		s.Genetic.ConvergenceWindow = m.cfg.ConvergenceWindow
	}
	if s.Genetic.EliteCount == 0 {
		s.Genetic.EliteCount = min(m.cfg.EliteCount, max(1, s.Genetic.PopulationSize))
	}
	if s.Genetic.TournamentSize == 0 {
		s.Genetic.TournamentSize = m.cfg.TournamentSize
	}
	if s.Toggles.Selection == "" {
		s.Toggles.Selection = domain.SelectionTournament
	}
	if s.Toggles.ExhaustionPolicy == "" {
		s.Toggles.ExhaustionPolicy = domain.ExhaustionFail
	}
	if s.Toggles.DuplicatePolicy == "" {
		s.Toggles.DuplicatePolicy = domain.DuplicateResample
	}
}

func validateToggles(t domain.AlgorithmToggles) error {
	switch t.Selection {
	case domain.SelectionTournament, domain.SelectionRoulette, domain.SelectionRank:
	default:
		return domain.NewValidationError("toggles.selection", "未知的选择策略 %q", t.Selection)
	}
	switch t.ExhaustionPolicy {
	case domain.ExhaustionFail, domain.ExhaustionBestSoFar:
	default:
		return domain.NewValidationError("toggles.exhaustionPolicy", "未知的迭代耗尽策略 %q", t.ExhaustionPolicy)
	}
	switch t.DuplicatePolicy {
	case domain.DuplicateResample, domain.DuplicateFlag:
	default:
		return domain.NewValidationError("toggles.duplicatePolicy", "未知的重复染色体策略 %q", t.DuplicatePolicy)
	}
	return nil
}

// Create 校验请求并创建会话，成功后会话处于 ANALYZING_SITES 状态
// 任何校验失败都不会留下记录
func (m *Manager) Create(ctx context.Context, req CreateRequest) (domain.CoordinationSession, error) {
	now := m.now()
	s := domain.CoordinationSession{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Sites:       slices.Clone(req.Sites),
		PrimarySite: req.PrimarySite,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Weights:     req.Weights,
		Toggles:     req.Toggles,
		Genetic:     req.Genetic,
		Status:      domain.SessionInitializing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.applyDefaults(&s)

	if err := utils.ValidateCoordinationSession(&s); err != nil {
		return domain.CoordinationSession{}, err
	}
	if err := validateToggles(s.Toggles); err != nil {
		return domain.CoordinationSession{}, err
	}

	profiles := req.Profiles
	if len(profiles) == 0 {
		if m.sites == nil {
			return domain.CoordinationSession{}, domain.NewValidationError("profiles", "没有提供站点档案")
		}
		var err error
		profiles, err = m.sites.SiteProfiles(ctx, s.Sites)
		if err != nil {
			return domain.CoordinationSession{}, fmt.Errorf("读取站点档案失败: %w", err)
		}
	}

	reg := registry.New(s.Sites)
	for _, p := range profiles {
		if err := reg.Register(p); err != nil {
			return domain.CoordinationSession{}, err
		}
	}
	if err := reg.Complete(); err != nil {
		return domain.CoordinationSession{}, err
	}

	s.Status = domain.SessionAnalyzingSites
	if m.store != nil {
		if err := m.store.SaveSession(ctx, &s); err != nil {
			return domain.CoordinationSession{}, fmt.Errorf("保存会话失败: %w", err)
		}
	}

	m.mu.Lock()
	m.runs[s.ID] = &run{
		session:  s,
		registry: reg,
		wake:     make(chan struct{}, 1),
		resolve:  make(chan bool, 1),
		done:     make(chan struct{}),
	}
	m.mu.Unlock()

	m.logger.Info("创建协调会话", "session", s.ID, "sites", len(s.Sites), "primary", s.PrimarySite)

	return s, nil
}

// Start 在独立的协程中运行会话，立即返回
func (m *Manager) Start(id string) error {
	m.mu.Lock()
	r, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if r.session.Status.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: 会话 %s 已经结束", domain.ErrInvalidTransition, id)
	}
	if r.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.ctx, r)
	}()

	return nil
}

func (m *Manager) lookup(id string) (*run, error) {
	r, exists := m.runs[id]
	if !exists {
		return nil, fmt.Errorf("会话 %s: %w", id, domain.ErrNotFound)
	}
	return r, nil
}

func (m *Manager) get(id string) (*run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookup(id)
}

func (m *Manager) Snapshot(id string) (domain.CoordinationSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookup(id)
	if err != nil {
		return domain.CoordinationSession{}, err
	}
	s := r.session
	s.Sites = slices.Clone(r.session.Sites)
	return s, nil
}

// List 按创建时间返回所有会话
func (m *Manager) List() []domain.CoordinationSession {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]domain.CoordinationSession, 0, len(m.runs))
	for _, r := range m.runs {
		result = append(result, r.session)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (m *Manager) Solutions(id string) ([]domain.ParetoSolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return slices.Clone(r.solutions), nil
}

func (m *Manager) Registry(id string) (*registry.Registry, error) {
	r, err := m.get(id)
	if err != nil {
		return nil, err
	}
	return r.registry, nil
}

func (m *Manager) Toggles(id string) (domain.AlgorithmToggles, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.lookup(id)
	if err != nil {
		return domain.AlgorithmToggles{}, err
	}
	return r.session.Toggles, nil
}

// Wait 等待会话结束，返回最终状态和导致失败的错误
func (m *Manager) Wait(ctx context.Context, id string) (domain.CoordinationSession, error) {
	r, err := m.get(id)
	if err != nil {
		return domain.CoordinationSession{}, err
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return domain.CoordinationSession{}, ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return r.session, r.err
}

// notify 记录中断请求并唤醒会话协程，immediate 为 true 时取消正在评估的一代
func (m *Manager) notify(id string, immediate bool, apply func(sig *signal)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.lookup(id)
	if err != nil {
		return err
	}
	if r.session.Status.Terminal() {
		return fmt.Errorf("%w: 会话 %s 已经结束", domain.ErrInvalidTransition, id)
	}

	apply(&r.sig)
	if immediate && r.cancelGen != nil {
		r.cancelGen()
	}

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// RequestReoptimization 在下一个代际边界上用最新的站点快照重新评估种群，不会中断当前代
func (m *Manager) RequestReoptimization(id string) error {
	return m.notify(id, false, func(sig *signal) {
		sig.reoptimize = true
	})
}

// Reseed 立即丢弃正在评估的一代，并以收紧后的约束重新播种
func (m *Manager) Reseed(id string, tightenings []domain.ConstraintTightening) error {
	return m.notify(id, true, func(sig *signal) {
		sig.reseed = true
		sig.tightenings = append(sig.tightenings, tightenings...)
	})
}

// EnterEmergencyOverride 冻结遗传算法并等待人工处理，会话必须开启了紧急接管
// 尚未启动的会话没有协程处理中断请求，直接在这里完成状态转换
func (m *Manager) EnterEmergencyOverride(id string) error {
	toggles, err := m.Toggles(id)
	if err != nil {
		return err
	}
	if !toggles.EmergencyOverride {
		return ErrOverrideDisabled
	}

	m.mu.Lock()
	r, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if r.started {
		m.mu.Unlock()
		return m.notify(id, true, func(sig *signal) {
			sig.emergency = true
		})
	}
	if r.session.Status == domain.SessionEmergencyOverride {
		m.mu.Unlock()
		return nil
	}
	from, s, err := m.transitionLocked(r, domain.SessionEmergencyOverride)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.announce(m.ctx, from, s)
	return nil
}

// ResolveEmergency 人工处理完紧急情况后恢复优化（resume 为 true）或终止会话
func (m *Manager) ResolveEmergency(id string, resume bool) error {
	m.mu.Lock()
	r, err := m.lookup(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if r.session.Status != domain.SessionEmergencyOverride {
		m.mu.Unlock()
		return fmt.Errorf("%w: 会话 %s 当前状态为 %s", domain.ErrInvalidTransition, id, r.session.Status)
	}

	if r.started {
		defer m.mu.Unlock()
		select {
		case r.resolve <- resume:
			return nil
		default:
			return fmt.Errorf("%w: 会话 %s 已经在处理人工决定", domain.ErrInvalidTransition, id)
		}
	}

	// 会话还没有启动：恢复时回到站点分析，之后由 Start 正常运行
	if resume {
		from, s, err := m.transitionLocked(r, domain.SessionAnalyzingSites)
		m.mu.Unlock()
		if err != nil {
			return err
		}
		m.announce(m.ctx, from, s)
		return nil
	}

	r.started = true
	m.mu.Unlock()

	m.fail(m.ctx, r, ErrEmergencyAborted)
	close(r.done)
	return nil
}

// AdjustSite 紧急接管期间人工修改站点档案
func (m *Manager) AdjustSite(id string, siteID string, adjust func(p *domain.SiteProfile)) error {
	m.mu.RLock()
	r, err := m.lookup(id)
	if err != nil {
		m.mu.RUnlock()
		return err
	}
	override := r.session.Status == domain.SessionEmergencyOverride
	m.mu.RUnlock()

	return r.registry.EmergencyAdjust(siteID, override, adjust)
}

// SetTransfers 用于与调动协商方互相引用的场景，必须在启动任何会话之前调用
func (m *Manager) SetTransfers(transfers TransferProposer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = transfers
}

// Close 停止所有运行中的会话并等待协程退出
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
