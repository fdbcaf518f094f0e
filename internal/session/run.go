package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/scheduler"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/transfer"
)

var errEmergency = errors.New("收到紧急接管请求")

// run 会话协程的主循环，每一轮执行当前状态对应的阶段并转换到下一个状态
func (m *Manager) run(ctx context.Context, r *run) {
	defer close(r.done)

	r.discarded = -1

	// 启动前可能已经进入紧急接管
	m.mu.RLock()
	status := r.session.Status
	m.mu.RUnlock()

	for !status.Terminal() {
		// 紧急接管可以从任何非终态进入
		if status != domain.SessionEmergencyOverride && m.takeEmergency(r) {
			if err := m.setStatus(ctx, r, domain.SessionEmergencyOverride); err != nil {
				m.fail(ctx, r, err)
				return
			}
			status = domain.SessionEmergencyOverride
		}

		next, err := m.step(ctx, r, status)
		switch {
		case errors.Is(err, errEmergency):
			continue
		case err != nil:
			m.fail(ctx, r, err)
			return
		}

		if err := m.setStatus(ctx, r, next); err != nil {
			m.fail(ctx, r, err)
			return
		}
		status = next
	}
}

func (m *Manager) step(ctx context.Context, r *run, status domain.SessionStatus) (domain.SessionStatus, error) {
	switch status {
	case domain.SessionAnalyzingSites:
		return m.analyze(r)
	case domain.SessionOptimizingGlobally:
		return m.optimize(ctx, r)
	case domain.SessionSynchronizingSites:
		return m.synchronize(ctx, r)
	case domain.SessionValidatingConstraints:
		return m.validate(r)
	case domain.SessionImplementing:
		return m.implement(ctx, r)
	case domain.SessionMonitoring:
		return m.monitor(ctx, r)
	case domain.SessionEmergencyOverride:
		return m.awaitResolution(ctx, r)
	default:
		return "", fmt.Errorf("%w: 会话不应处于 %s 状态", domain.ErrInvalidTransition, status)
	}
}

// analyze 检查每个站点都有需求预测，然后冻结站点档案
func (m *Manager) analyze(r *run) (domain.SessionStatus, error) {
	for _, p := range r.registry.Snapshot() {
		if p.ForecastDemand <= 0 {
			return "", domain.NewValidationError("site.forecastDemand", "站点 %s 没有需求预测", p.ID)
		}
	}
	r.registry.Freeze()

	if err := m.prepareEngine(r); err != nil {
		return "", err
	}
	return domain.SessionOptimizingGlobally, nil
}

func (m *Manager) prepareEngine(r *run) error {
	if r.engine != nil {
		return nil
	}

	s := r.session
	params := scheduler.ParametersFromSession(s, m.cfg.Workers, m.cfg.PenaltyPerViolation)
	engine, err := scheduler.New(params, s.Weights, r.registry.Snapshot(), m.evaluator,
		scheduler.WithLogger(m.logger.With("session", s.ID)),
		scheduler.WithOutgoing(m.outstanding(s.ID)),
	)
	if err != nil {
		return err
	}

	r.engine = engine
	r.convergence = scheduler.NewConvergence(s.Genetic.ConvergenceWindow, s.Genetic.ConvergenceThreshold)
	return nil
}

func (m *Manager) outstanding(sessionID string) map[string]int {
	if m.transfers == nil {
		return nil
	}
	return m.transfers.Outstanding(sessionID)
}

// optimize 驱动遗传算法直到收敛或达到最大代数
func (m *Manager) optimize(ctx context.Context, r *run) (domain.SessionStatus, error) {
	if err := m.prepareEngine(r); err != nil {
		return "", err
	}
	s := r.session

	for {
		sig, emergency := m.takeSignal(r)
		if emergency {
			return "", errEmergency
		}
		if sig.reoptimize || sig.reseed {
			r.engine.SetOutgoing(m.outstanding(s.ID))
		}

		genCtx, cancel := context.WithCancel(ctx)
		m.setGenerationCancel(r, cancel)
		next, err := m.produce(genCtx, r, sig)
		m.setGenerationCancel(r, nil)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			switch {
			case errors.Is(err, context.Canceled):
				// 当前代被事件中止，整代丢弃，在下一轮处理中断请求
				r.discarded = r.inflight
				m.logger.Info("丢弃被中断的一代", "session", s.ID, "generation", r.inflight)
				continue
			case errors.Is(err, scheduler.ErrInfeasibleBounds):
				m.logger.Warn("忽略互相矛盾的约束收紧", "session", s.ID, "error", err)
				continue
			}
			return "", err
		}

		r.generation = next
		m.recordGeneration(ctx, r, next)

		best := next.Best().Fitness()
		if r.convergence.Observe(best) {
			m.logger.Info("遗传算法已收敛", "session", s.ID, "generation", next.Number, "bestFitness", best)
			return domain.SessionSynchronizingSites, nil
		}

		if next.Number >= s.Genetic.MaxGenerations {
			if s.Toggles.ExhaustionPolicy == domain.ExhaustionBestSoFar {
				m.logger.Warn("达到最大代数仍未收敛，使用目前最好的结果", "session", s.ID, "generation", next.Number, "bestFitness", best)
				return domain.SessionSynchronizingSites, nil
			}
			return "", &domain.ConvergenceFailure{
				Generations: next.Number,
				BestFitness: best,
				Threshold:   s.Genetic.ConvergenceThreshold,
			}
		}
	}
}

// produce 根据中断请求决定下一代的产生方式
func (m *Manager) produce(ctx context.Context, r *run, sig signal) (*scheduler.Generation, error) {
	prev := r.generation

	switch {
	case sig.reseed:
		// 新的一代编号排在被丢弃的那一代之后
		base := r.discarded
		if prev != nil {
			base = max(base, prev.Number)
		}
		r.inflight = base + 1
		r.convergence.Reset()

		if sig.reoptimize {
			if err := r.engine.UpdateSites(r.registry.Snapshot()); err != nil {
				return nil, err
			}
		}
		return r.engine.Reseed(ctx, r.inflight, sig.tightenings, prev)

	case prev == nil:
		r.inflight = 0
		return r.engine.Seed(ctx)

	case sig.reoptimize:
		r.inflight = prev.Number
		r.convergence.Reset()
		return r.engine.Refresh(ctx, r.registry.Snapshot(), prev)

	default:
		r.inflight = prev.Number + 1
		return r.engine.Advance(ctx, prev)
	}
}

// synchronize 对最后一代做帕累托排序并发布方案
func (m *Manager) synchronize(ctx context.Context, r *run) (domain.SessionStatus, error) {
	solutions := m.ranker.Rank(r.generation, r.engine.Sites(), r.session.ID, m.cfg.ResultSize)

	m.mu.Lock()
	r.solutions = solutions
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveSolutions(ctx, r.session.ID, solutions); err != nil {
			m.logger.Error("保存帕累托方案失败", "session", r.session.ID, "error", err)
		}
	}
	if m.reporter != nil {
		if err := m.reporter.ReportSolutions(ctx, r.session.ID, solutions); err != nil {
			m.logger.Error("发布帕累托方案失败", "session", r.session.ID, "error", err)
		}
	}

	return domain.SessionValidatingConstraints, nil
}

// validate 至少需要一个满足硬性容量约束的方案
func (m *Manager) validate(r *run) (domain.SessionStatus, error) {
	if _, ok := m.chosen(r); !ok {
		return "", ErrNoFeasiblePlan
	}
	return domain.SessionImplementing, nil
}

// chosen 返回综合适应度最高且满足硬性约束的方案
func (m *Manager) chosen(r *run) (domain.ParetoSolution, bool) {
	bounds := r.engine.Bounds()
	sites := make(map[string]domain.SiteProfile)
	for _, p := range r.engine.Sites() {
		sites[p.ID] = p
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sol := range r.solutions {
		feasible := true
		for _, a := range sol.Plan {
			b := bounds[a.SiteID]
			if a.Staffed() < b.Min || a.Staffed() > b.Max || a.Shared > sites[a.SiteID].Transfer.MaxAgentsTransferableOut {
				feasible = false
				break
			}
		}
		if feasible {
			return sol, true
		}
	}
	return domain.ParetoSolution{}, false
}

// implement 将选中方案隐含的调动提交给调动协商方，被拒绝的调动只记录不影响会话
func (m *Manager) implement(ctx context.Context, r *run) (domain.SessionStatus, error) {
	s := r.session
	if m.transfers == nil || !s.Toggles.ResourceSharing {
		return domain.SessionMonitoring, nil
	}

	sol, ok := m.chosen(r)
	if !ok {
		return "", ErrNoFeasiblePlan
	}

	for _, implied := range sol.Transfers {
		tr, err := m.transfers.Request(ctx, transfer.Input{
			SessionID:       s.ID,
			SourceSite:      implied.SourceSite,
			DestinationSite: implied.DestinationSite,
			Agents:          implied.Agents,
			WindowStart:     s.WindowStart,
			WindowEnd:       s.WindowEnd,
			Type:            domain.TransferTemporary,
			Origin:          domain.OriginOptimizer,
		})
		if err != nil {
			m.logger.Warn("方案中的调动未被接受", "session", s.ID, "source", implied.SourceSite, "destination", implied.DestinationSite, "agents", implied.Agents, "error", err)
			continue
		}
		m.logger.Info("提交方案中的调动", "session", s.ID, "transfer", tr.ID, "status", tr.Status)
	}

	return domain.SessionMonitoring, nil
}

// monitor 在监控期内只响应紧急接管，其他中断请求被忽略
func (m *Manager) monitor(ctx context.Context, r *run) (domain.SessionStatus, error) {
	if m.cfg.MonitoringPeriod <= 0 {
		return domain.SessionCompleted, nil
	}

	timer := time.NewTimer(m.cfg.MonitoringPeriod)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			return domain.SessionCompleted, nil
		case <-ctx.Done():
			return "", ctx.Err()
		case <-r.wake:
			sig, emergency := m.takeSignal(r)
			if emergency {
				return "", errEmergency
			}
			if sig.reoptimize || sig.reseed {
				m.logger.Info("监控阶段忽略重新优化请求", "session", r.session.ID)
			}
		}
	}
}

// awaitResolution 紧急接管期间等待人工决定
func (m *Manager) awaitResolution(ctx context.Context, r *run) (domain.SessionStatus, error) {
	select {
	case resume := <-r.resolve:
		if !resume {
			return "", ErrEmergencyAborted
		}

		// 站点分析还没有完成时回到分析阶段，由 analyze 检查预测并冻结档案
		if !r.registry.Frozen() {
			return domain.SessionAnalyzingSites, nil
		}

		// 人工可能修改了站点档案，恢复时以最新档案重新播种
		m.mu.Lock()
		r.sig.reseed = true
		r.sig.reoptimize = true
		m.mu.Unlock()

		return domain.SessionOptimizingGlobally, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// takeSignal 取出除紧急接管以外的中断请求，紧急接管由主循环处理
func (m *Manager) takeSignal(r *run) (signal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.sig.emergency {
		return signal{}, true
	}
	sig := r.sig
	r.sig = signal{}
	return sig, false
}

func (m *Manager) takeEmergency(r *run) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !r.sig.emergency {
		return false
	}
	r.sig.emergency = false
	return true
}

func (m *Manager) setGenerationCancel(r *run, cancel context.CancelFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.cancelGen = cancel
}

func (m *Manager) setStatus(ctx context.Context, r *run, next domain.SessionStatus) error {
	m.mu.Lock()
	from, s, err := m.transitionLocked(r, next)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	m.announce(ctx, from, s)
	return nil
}

// transitionLocked 按状态转换表修改会话状态，调用方必须持有 m.mu
func (m *Manager) transitionLocked(r *run, next domain.SessionStatus) (domain.SessionStatus, domain.CoordinationSession, error) {
	current := r.session.Status
	if !CanTransition(current, next) {
		return current, r.session, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, current, next)
	}
	r.session.Status = next
	r.session.UpdatedAt = m.now()
	return current, r.session, nil
}

func (m *Manager) announce(ctx context.Context, from domain.SessionStatus, s domain.CoordinationSession) {
	m.logger.Info("会话状态变化", "session", s.ID, "from", from, "to", s.Status)
	m.persist(ctx, &s)
	m.report(ctx, s, false)
}

func (m *Manager) recordGeneration(ctx context.Context, r *run, gen *scheduler.Generation) {
	m.mu.Lock()
	r.session.CurrentGeneration = gen.Number
	r.session.BestFitness = gen.Best().Fitness()
	r.session.Epoch = gen.Epoch
	r.session.UpdatedAt = m.now()
	s := r.session
	m.mu.Unlock()

	m.persist(ctx, &s)
	m.report(ctx, s, gen.Reseeded)
}

func (m *Manager) fail(ctx context.Context, r *run, err error) {
	m.mu.Lock()
	if r.session.Status.Terminal() {
		m.mu.Unlock()
		return
	}
	from := r.session.Status
	r.session.Status = domain.SessionFailed
	r.session.FailureReason = err.Error()
	r.session.UpdatedAt = m.now()
	r.err = err
	s := r.session
	m.mu.Unlock()

	m.logger.Error("会话失败", "session", s.ID, "from", from, "error", err)

	// 服务关闭时仍然需要记录最终状态
	ctx = context.WithoutCancel(ctx)
	m.persist(ctx, &s)
	m.report(ctx, s, false)
}

func (m *Manager) persist(ctx context.Context, s *domain.CoordinationSession) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(ctx, s); err != nil {
		m.logger.Error("保存会话失败", "session", s.ID, "error", err)
	}
}

func (m *Manager) report(ctx context.Context, s domain.CoordinationSession, reseeded bool) {
	if m.reporter == nil {
		return
	}
	update := domain.GenerationUpdate{
		SessionID:   s.ID,
		Status:      s.Status,
		Generation:  s.CurrentGeneration,
		Epoch:       s.Epoch,
		BestFitness: s.BestFitness,
		Reseeded:    reseeded,
		Timestamp:   s.UpdatedAt,
	}
	if err := m.reporter.ReportGeneration(ctx, update); err != nil {
		m.logger.Error("发布会话进度失败", "session", s.ID, "error", err)
	}
}
