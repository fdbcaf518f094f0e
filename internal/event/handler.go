package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/registry"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/transfer"
)

const sweepLockKey = "escalation-sweep"

// Sessions 事件处理器对会话管理器的依赖
type Sessions interface {
	Registry(id string) (*registry.Registry, error)
	Toggles(id string) (domain.AlgorithmToggles, error)
	RequestReoptimization(id string) error
	Reseed(id string, tightenings []domain.ConstraintTightening) error
	EnterEmergencyOverride(id string) error
}

type Transfers interface {
	Request(ctx context.Context, in transfer.Input) (domain.TransferRequest, error)
}

// Store 持久化事件和截止时间，进程重启后由 Recover 重新加载
type Store interface {
	SaveEvent(ctx context.Context, ev *domain.OptimizationEvent) error
	UnresolvedEvents(ctx context.Context) ([]domain.OptimizationEvent, error)
}

type Notifier interface {
	NotifyEscalation(ctx context.Context, notice domain.EscalationNotice) error
}

// Calendar 外部排班日历，缺勤类事件会锁定受影响站点的时间段
type Calendar interface {
	BlockWindow(ctx context.Context, siteID string, start, end time.Time) error
}

// Locker 多实例部署时保证同一时刻只有一个实例执行巡检
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Expirer 与升级巡检一起运行的审批超时处理
type Expirer interface {
	ExpirePending(ctx context.Context, now time.Time) (int, error)
}

type Policy struct {
	Deadlines      map[domain.Severity]time.Duration // 各严重程度的初始处理期限
	Backoff        float64                           // 每升一级，处理期限乘以该系数
	Contacts       []string                          // 下标为升级级别
	TransferWindow time.Duration                     // 紧急调动的持续时间
}

func DefaultPolicy() Policy {
	return Policy{
		Deadlines: map[domain.Severity]time.Duration{
			domain.SeverityLow:       4 * time.Hour,
			domain.SeverityMedium:    2 * time.Hour,
			domain.SeverityHigh:      time.Hour,
			domain.SeverityCritical:  30 * time.Minute,
			domain.SeverityEmergency: 15 * time.Minute,
		},
		Backoff:        1.5,
		Contacts:       []string{"值班主管", "站点经理", "区域经理", "运营总监", "副总裁", "首席运营官"},
		TransferWindow: 8 * time.Hour,
	}
}

func (p Policy) deadline(severity domain.Severity) time.Duration {
	if d, ok := p.Deadlines[severity]; ok && d > 0 {
		return d
	}
	return time.Hour
}

func (p Policy) backoff(severity domain.Severity, level int) time.Duration {
	factor := math.Pow(max(p.Backoff, 1), float64(level))
	return time.Duration(float64(p.deadline(severity)) * factor)
}

func (p Policy) contact(level int) string {
	if len(p.Contacts) == 0 {
		return ""
	}
	return p.Contacts[min(level, len(p.Contacts)-1)]
}

type Input struct {
	SessionID     string
	Type          domain.EventType
	Severity      domain.Severity
	AffectedSites []string
	Magnitude     int
	Description   string
	Deadline      time.Duration // 为 0 时按严重程度使用默认期限
}

type Option func(h *Handler)

func WithTransfers(transfers Transfers) Option {
	return func(h *Handler) { h.transfers = transfers }
}

func WithStore(store Store) Option {
	return func(h *Handler) { h.store = store }
}

func WithNotifier(notifier Notifier) Option {
	return func(h *Handler) { h.notifier = notifier }
}

func WithCalendar(calendar Calendar) Option {
	return func(h *Handler) { h.calendar = calendar }
}

func WithLocker(locker Locker) Option {
	return func(h *Handler) { h.locker = locker }
}

func WithExpirer(expirer Expirer) Option {
	return func(h *Handler) { h.expirer = expirer }
}

func WithClock(now func() time.Time) Option {
	return func(h *Handler) { h.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// Handler 接收扰动事件，决定如何中断正在运行的会话，并按截止时间逐级升级未解决的事件
// 升级级别只由巡检修改
type Handler struct {
	mu     sync.Mutex
	events map[string]*domain.OptimizationEvent

	sessions  Sessions
	transfers Transfers
	store     Store
	notifier  Notifier
	calendar  Calendar
	locker    Locker
	expirer   Expirer
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
}

func NewHandler(sessions Sessions, policy Policy, opts ...Option) *Handler {
	h := &Handler{
		events:   make(map[string]*domain.OptimizationEvent),
		sessions: sessions,
		policy:   policy,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "event")
	return h
}

func clone(ev *domain.OptimizationEvent) domain.OptimizationEvent {
	c := *ev
	c.AffectedSites = slices.Clone(ev.AffectedSites)
	c.Actions = slices.Clone(ev.Actions)
	if ev.Resolution != nil {
		r := *ev.Resolution
		c.Resolution = &r
	}
	return c
}

func validateInput(in Input) error {
	switch in.Type {
	case domain.EventDemandSpike, domain.EventAgentAbsence, domain.EventSystemFailure, domain.EventServiceDegradation,
		domain.EventTransferRequest, domain.EventManualOverride, domain.EventWeatherDisruption:
	default:
		return domain.NewValidationError("type", "未知的事件类型 %q", in.Type)
	}
	if in.Severity.Rank() == 0 {
		return domain.NewValidationError("severity", "未知的严重程度 %q", in.Severity)
	}
	if len(in.AffectedSites) == 0 {
		return domain.NewValidationError("affectedSites", "事件至少需要影响一个站点")
	}
	if in.Magnitude < 0 {
		return domain.NewValidationError("magnitude", "事件规模不能为负数")
	}
	if in.Deadline < 0 {
		return domain.NewValidationError("deadline", "处理期限不能为负数")
	}
	return nil
}

// Ingest 处理一个新检测到的事件：估算影响，决定响应动作并立即执行
func (h *Handler) Ingest(ctx context.Context, in Input) (domain.OptimizationEvent, error) {
	if err := validateInput(in); err != nil {
		return domain.OptimizationEvent{}, err
	}

	reg, err := h.sessions.Registry(in.SessionID)
	if err != nil {
		return domain.OptimizationEvent{}, err
	}
	toggles, err := h.sessions.Toggles(in.SessionID)
	if err != nil {
		return domain.OptimizationEvent{}, err
	}

	affected := make([]domain.SiteProfile, 0, len(in.AffectedSites))
	for _, siteID := range in.AffectedSites {
		p, err := reg.Profile(siteID)
		if err != nil {
			return domain.OptimizationEvent{}, domain.NewValidationError("affectedSites", "站点 %s 不属于会话 %s", siteID, in.SessionID)
		}
		affected = append(affected, p)
	}

	deadline := in.Deadline
	if deadline == 0 {
		deadline = h.policy.deadline(in.Severity)
	}

	now := h.now()
	ev := domain.OptimizationEvent{
		ID:                 uuid.NewString(),
		SessionID:          in.SessionID,
		Type:               in.Type,
		Severity:           in.Severity,
		AffectedSites:      slices.Clone(in.AffectedSites),
		Magnitude:          in.Magnitude,
		Description:        in.Description,
		State:              domain.EventDetected,
		ResolutionDeadline: now.Add(deadline),
		DetectedAt:         now,
		UpdatedAt:          now,
	}
	if err := h.save(ctx, &ev); err != nil {
		return domain.OptimizationEvent{}, err
	}

	effects := make([]siteEffect, len(affected))
	for i, p := range affected {
		effects[i] = effectOf(&ev, p)
	}
	ev.Impact = estimateImpact(effects)
	ev.State = domain.EventAnalyzing
	h.saveQuietly(ctx, &ev)

	h.logger.Info("分析扰动事件", "event", ev.ID, "session", ev.SessionID, "type", ev.Type, "severity", ev.Severity,
		"coverageDelta", ev.Impact.CoverageDelta, "serviceLevelDelta", ev.Impact.ServiceLevelDelta)

	actions := h.decide(&ev, effects, reg.Snapshot(), toggles)
	ev.Actions = h.dispatch(ctx, &ev, actions)
	ev.State = domain.EventResponding
	ev.UpdatedAt = h.now()
	h.saveQuietly(ctx, &ev)

	h.mu.Lock()
	stored := clone(&ev)
	h.events[ev.ID] = &stored
	h.mu.Unlock()

	return clone(&ev), nil
}

// decide 根据严重程度决定响应动作
func (h *Handler) decide(ev *domain.OptimizationEvent, effects []siteEffect, snapshot []domain.SiteProfile, toggles domain.AlgorithmToggles) []domain.ResponseAction {
	actions := []domain.ResponseAction{
		domain.Notify{Contact: h.policy.contact(0), Message: describe(ev)},
	}

	switch {
	case ev.Severity == domain.SeverityEmergency && toggles.EmergencyOverride:
		actions = append(actions, domain.EnterEmergencyOverride{SessionID: ev.SessionID})

	case ev.Severity.AtLeast(domain.SeverityHigh):
		// 没有开启紧急接管的 EMERGENCY 事件按 CRITICAL 处理
		actions = append(actions, domain.ReseedPopulation{SessionID: ev.SessionID, Tightenings: tighten(effects)})
		if toggles.ResourceSharing {
			for _, m := range mitigations(effects, snapshot) {
				actions = append(actions, m)
			}
		}

	default:
		actions = append(actions, domain.RequestReoptimization{SessionID: ev.SessionID})
	}

	if ev.Type == domain.EventAgentAbsence || ev.Type == domain.EventWeatherDisruption {
		for _, siteID := range ev.AffectedSites {
			actions = append(actions, domain.UpdateCalendar{SiteID: siteID, WindowStart: ev.DetectedAt, WindowEnd: ev.ResolutionDeadline})
		}
	}

	return actions
}

// dispatch 依次执行响应动作，返回实际执行过的动作（包括执行过程中产生的后续动作）
// 单个动作失败只记录日志，不影响其他动作
func (h *Handler) dispatch(ctx context.Context, ev *domain.OptimizationEvent, actions []domain.ResponseAction) []domain.ResponseAction {
	executed := make([]domain.ResponseAction, 0, len(actions))
	var followUps []domain.ResponseAction

	for _, action := range actions {
		var err error

		switch a := action.(type) {
		case domain.Notify:
			err = h.notify(ctx, domain.EscalationNotice{
				EventID:   ev.ID,
				SessionID: ev.SessionID,
				Severity:  ev.Severity,
				Level:     ev.EscalationLevel,
				Contact:   a.Contact,
				Deadline:  ev.ResolutionDeadline,
				Message:   a.Message,
			})
		case domain.AssignApprover:
			err = h.notify(ctx, domain.EscalationNotice{
				EventID:   ev.ID,
				SessionID: ev.SessionID,
				Severity:  ev.Severity,
				Level:     ev.EscalationLevel,
				Contact:   a.Approver,
				Deadline:  ev.ResolutionDeadline,
				Message:   fmt.Sprintf("请审批紧急调动 %s", a.TransferID),
			})
		case domain.UpdateCalendar:
			if h.calendar != nil {
				err = h.calendar.BlockWindow(ctx, a.SiteID, a.WindowStart, a.WindowEnd)
			}
		case domain.RequestReoptimization:
			err = h.sessions.RequestReoptimization(a.SessionID)
		case domain.ReseedPopulation:
			err = h.sessions.Reseed(a.SessionID, a.Tightenings)
		case domain.EnterEmergencyOverride:
			err = h.sessions.EnterEmergencyOverride(a.SessionID)
		case domain.ProposeTransfer:
			var tr domain.TransferRequest
			tr, err = h.proposeTransfer(ctx, ev, a)
			if err == nil && tr.Status == domain.TransferPending {
				followUps = append(followUps, domain.AssignApprover{Approver: h.policy.contact(1), TransferID: tr.ID})
			}
		}

		if err != nil {
			h.logger.Warn("执行事件响应动作失败", "event", ev.ID, "action", fmt.Sprintf("%T", action), "error", err)
			continue
		}
		executed = append(executed, action)
	}

	if len(followUps) > 0 {
		executed = append(executed, h.dispatch(ctx, ev, followUps)...)
	}
	return executed
}

func (h *Handler) proposeTransfer(ctx context.Context, ev *domain.OptimizationEvent, a domain.ProposeTransfer) (domain.TransferRequest, error) {
	if h.transfers == nil {
		return domain.TransferRequest{}, errors.New("没有配置调动协商方")
	}

	start := h.now()
	return h.transfers.Request(ctx, transfer.Input{
		SessionID:       ev.SessionID,
		SourceSite:      a.SourceSite,
		DestinationSite: a.DestinationSite,
		Agents:          a.Agents,
		WindowStart:     start,
		WindowEnd:       start.Add(h.policy.TransferWindow),
		Type:            a.Type,
		Origin:          domain.OriginEventHandler,
		ExpectedImpact:  domain.Impact{CoverageDelta: -ev.Impact.CoverageDelta},
	})
}

func (h *Handler) transition(ctx context.Context, id string, apply func(ev *domain.OptimizationEvent) error) (domain.OptimizationEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, exists := h.events[id]
	if !exists {
		return domain.OptimizationEvent{}, fmt.Errorf("事件 %s: %w", id, domain.ErrNotFound)
	}

	next := clone(current)
	if err := apply(&next); err != nil {
		return clone(current), err
	}
	next.UpdatedAt = h.now()

	if err := h.save(ctx, &next); err != nil {
		return clone(current), err
	}
	*current = next

	return clone(current), nil
}

// Acknowledge 升级联系人确认接手，事件回到 RESPONDING，升级级别保持不变
func (h *Handler) Acknowledge(ctx context.Context, id string, responder string) (domain.OptimizationEvent, error) {
	ev, err := h.transition(ctx, id, func(ev *domain.OptimizationEvent) error {
		if ev.State != domain.EventEscalated {
			return fmt.Errorf("%w: 事件 %s 当前状态为 %s", domain.ErrInvalidTransition, ev.ID, ev.State)
		}
		ev.State = domain.EventResponding
		return nil
	})
	if err == nil {
		h.logger.Info("事件已被确认", "event", id, "responder", responder, "level", ev.EscalationLevel)
	}
	return ev, err
}

// Resolve 记录事件的处理结果，必须提供处理方式和 0~1 之间的有效性评分
func (h *Handler) Resolve(ctx context.Context, id string, resolution domain.Resolution) (domain.OptimizationEvent, error) {
	if resolution.Method == "" {
		return domain.OptimizationEvent{}, domain.NewValidationError("method", "必须说明处理方式")
	}
	if resolution.Effectiveness < 0 || resolution.Effectiveness > 1 {
		return domain.OptimizationEvent{}, domain.NewValidationError("effectiveness", "有效性评分必须位于 [0, 1]")
	}

	ev, err := h.transition(ctx, id, func(ev *domain.OptimizationEvent) error {
		if ev.State.Closed() {
			return fmt.Errorf("%w: 事件 %s 已经结束", domain.ErrInvalidTransition, ev.ID)
		}
		resolution.ResolvedAt = h.now()
		ev.Resolution = &resolution
		ev.State = domain.EventResolved
		return nil
	})
	if err == nil {
		h.logger.Info("事件已解决", "event", id, "method", resolution.Method, "effectiveness", resolution.Effectiveness)
	}
	return ev, err
}

type escalation struct {
	event  domain.OptimizationEvent
	notice domain.EscalationNotice
}

// Sweep 检查所有未解决事件的截止时间，超时的事件升一级并通知下一级联系人；
// 已经处于最高级别仍然超时的事件标记为 FAILED
// 升级结果先写入存储再修改内存中的事件，保存失败的事件保持原级别，由下一轮巡检重试
func (h *Handler) Sweep(ctx context.Context, now time.Time) (int, error) {
	h.mu.Lock()
	open := make([]*domain.OptimizationEvent, 0, len(h.events))
	for _, ev := range h.events {
		if !ev.State.Closed() && !now.Before(ev.ResolutionDeadline) {
			open = append(open, ev)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return open[i].DetectedAt.Before(open[j].DetectedAt)
	})

	var errs []error
	escalations := make([]escalation, 0, len(open))
	for _, current := range open {
		ev := clone(current)
		notice := domain.EscalationNotice{EventID: ev.ID, SessionID: ev.SessionID, Severity: ev.Severity}

		if ev.EscalationLevel < domain.MaxEscalationLevel {
			ev.EscalationLevel++
			ev.State = domain.EventEscalated
			ev.ResolutionDeadline = now.Add(h.policy.backoff(ev.Severity, ev.EscalationLevel))
			notice.Message = fmt.Sprintf("事件升级到第 %d 级: %s", ev.EscalationLevel, describe(&ev))
		} else {
			timeout := &domain.EscalationTimeout{EventID: ev.ID, Level: ev.EscalationLevel}
			ev.State = domain.EventFailed
			ev.FailureReason = timeout.Error()
			notice.TimedOut = true
			notice.Message = timeout.Error()
		}
		ev.UpdatedAt = now

		// 与 Resolve 等人工操作在同一把锁内写入存储，避免旧的升级结果覆盖已经解决的事件
		if err := h.save(ctx, &ev); err != nil {
			errs = append(errs, err)
			continue
		}
		*current = ev

		notice.Level = ev.EscalationLevel
		notice.Contact = h.policy.contact(ev.EscalationLevel)
		notice.Deadline = ev.ResolutionDeadline
		escalations = append(escalations, escalation{event: clone(current), notice: notice})
	}
	h.mu.Unlock()

	for _, e := range escalations {
		ev := e.event
		if err := h.notify(ctx, e.notice); err != nil {
			h.logger.Error("发送升级通知失败", "event", ev.ID, "contact", e.notice.Contact, "error", err)
		}

		if !e.notice.TimedOut {
			h.logger.Warn("事件升级", "event", ev.ID, "level", ev.EscalationLevel, "contact", e.notice.Contact)
			continue
		}

		h.logger.Error("事件超过最高升级级别仍未解决", "event", ev.ID, "session", ev.SessionID, "severity", ev.Severity)
		if ev.Severity.AtLeast(domain.SeverityHigh) {
			if err := h.sessions.EnterEmergencyOverride(ev.SessionID); err != nil {
				h.logger.Warn("无法让会话进入紧急接管", "session", ev.SessionID, "error", err)
			}
		}
	}

	return len(escalations), errors.Join(errs...)
}

// Run 按固定间隔巡检，直到 ctx 被取消
func (h *Handler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.tick(ctx, interval)
		}
	}
}

func (h *Handler) tick(ctx context.Context, interval time.Duration) {
	if h.locker != nil {
		acquired, err := h.locker.TryLock(ctx, sweepLockKey, interval)
		if err != nil {
			h.logger.Error("获取巡检锁失败", "error", err)
			return
		}
		if !acquired {
			return
		}
	}

	now := h.now()
	if n, err := h.Sweep(ctx, now); err != nil {
		h.logger.Error("升级巡检失败", "error", err)
	} else if n > 0 {
		h.logger.Info("升级巡检完成", "escalated", n)
	}

	if h.expirer != nil {
		if n, err := h.expirer.ExpirePending(ctx, now); err != nil {
			h.logger.Error("处理审批超时失败", "error", err)
		} else if n > 0 {
			h.logger.Info("拒绝超时未审批的调动", "count", n)
		}
	}
}

// Recover 进程重启后从存储中重新加载未解决的事件及其截止时间
func (h *Handler) Recover(ctx context.Context) (int, error) {
	if h.store == nil {
		return 0, nil
	}

	events, err := h.store.UnresolvedEvents(ctx)
	if err != nil {
		return 0, fmt.Errorf("加载未解决的事件失败: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	count := 0
	for i := range events {
		ev := events[i]
		if ev.State.Closed() {
			continue
		}
		if _, exists := h.events[ev.ID]; exists {
			continue
		}
		h.events[ev.ID] = &ev
		count++
	}
	return count, nil
}

func (h *Handler) Get(id string) (domain.OptimizationEvent, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ev, exists := h.events[id]
	if !exists {
		return domain.OptimizationEvent{}, fmt.Errorf("事件 %s: %w", id, domain.ErrNotFound)
	}
	return clone(ev), nil
}

// List 按检测时间返回某个会话的事件
func (h *Handler) List(sessionID string) []domain.OptimizationEvent {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]domain.OptimizationEvent, 0)
	for _, ev := range h.events {
		if ev.SessionID == sessionID {
			result = append(result, clone(ev))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DetectedAt.Before(result[j].DetectedAt)
	})
	return result
}

func (h *Handler) save(ctx context.Context, ev *domain.OptimizationEvent) error {
	if h.store == nil {
		return nil
	}
	if err := h.store.SaveEvent(ctx, ev); err != nil {
		return fmt.Errorf("保存事件失败: %w", err)
	}
	return nil
}

func (h *Handler) saveQuietly(ctx context.Context, ev *domain.OptimizationEvent) {
	if err := h.save(ctx, ev); err != nil {
		h.logger.Error("保存事件失败", "event", ev.ID, "state", ev.State, "error", err)
	}
}

func (h *Handler) notify(ctx context.Context, notice domain.EscalationNotice) error {
	if h.notifier == nil {
		return nil
	}
	return h.notifier.NotifyEscalation(ctx, notice)
}
