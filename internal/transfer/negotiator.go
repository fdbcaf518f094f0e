package transfer

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
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/registry"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/utils"
)

const autoApprover = "auto-policy"

// Sessions 提供调动请求所属会话的站点档案和算法开关
type Sessions interface {
	Registry(sessionID string) (*registry.Registry, error)
	Toggles(sessionID string) (domain.AlgorithmToggles, error)
}

// Store 持久化调动请求，每次状态变化都会整体写入
type Store interface {
	SaveTransfer(ctx context.Context, tr *domain.TransferRequest) error
}

// Publisher 将调动请求及其结果发送给排班/薪酬协作方
type Publisher interface {
	PublishTransfer(ctx context.Context, tr domain.TransferRequest) error
}

// CalibrationHook 调动完成后以实际影响校准未来的适应度权重，具体做法由调用方决定
type CalibrationHook func(ctx context.Context, tr domain.TransferRequest)

// Policy 自动审批策略，满足条件的请求不需要人工审批
type Policy struct {
	AutoApproveMaxAgents int
	AutoApproveTypes     []domain.TransferType
	ApprovalTTL          time.Duration
}

func (p Policy) autoApprove(tr *domain.TransferRequest) bool {
	return tr.Agents <= p.AutoApproveMaxAgents && slices.Contains(p.AutoApproveTypes, tr.Type)
}

type Input struct {
	SessionID       string
	SourceSite      string
	DestinationSite string
	Agents          int
	RequiredSkills  []string
	WindowStart     time.Time
	WindowEnd       time.Time
	Type            domain.TransferType
	Origin          domain.TransferOrigin
	ExpectedImpact  domain.Impact
}

type Option func(n *Negotiator)

func WithStore(store Store) Option {
	return func(n *Negotiator) { n.store = store }
}

func WithPublisher(publisher Publisher) Option {
	return func(n *Negotiator) { n.publisher = publisher }
}

func WithCalibrationHook(hook CalibrationHook) Option {
	return func(n *Negotiator) { n.calibrate = hook }
}

func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) { n.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(n *Negotiator) { n.logger = logger }
}

// WithTicketSecret 设置审批凭证的签名密钥
func WithTicketSecret(secret string) Option {
	return func(n *Negotiator) { n.ticketSecret = []byte(secret) }
}

// Negotiator 校验并跟踪跨站点的调动请求
// 待审批的请求不会阻塞任何流程，只作为优化器和事件处理器的参考
type Negotiator struct {
	mu           sync.Mutex
	sessions     Sessions
	policy       Policy
	store        Store
	publisher    Publisher
	calibrate    CalibrationHook
	ticketSecret []byte
	requests     map[string]*domain.TransferRequest
	bySession    map[string][]string
	now          func() time.Time
	logger       *slog.Logger
}

func NewNegotiator(sessions Sessions, policy Policy, opts ...Option) *Negotiator {
	if policy.ApprovalTTL <= 0 {
		policy.ApprovalTTL = 4 * time.Hour
	}

	n := &Negotiator{
		sessions:  sessions,
		policy:    policy,
		requests:  make(map[string]*domain.TransferRequest),
		bySession: make(map[string][]string),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "transfer")

	return n
}

func validTransferType(t domain.TransferType) bool {
	switch t {
	case domain.TransferPermanent, domain.TransferTemporary, domain.TransferEmergency, domain.TransferTraining, domain.TransferSurge:
		return true
	default:
		return false
	}
}

// Request 提交一个调动请求
// 输入不合法时返回 ValidationError 且不会创建记录；
// 超出调动额度或技能不匹配时请求以 REJECTED 状态保留在历史中，同时返回 CapacityError 或 SkillMismatchError
func (n *Negotiator) Request(ctx context.Context, in Input) (domain.TransferRequest, error) {
	if in.Agents <= 0 {
		return domain.TransferRequest{}, domain.NewValidationError("agents", "调动人数必须大于 0")
	}
	if in.SourceSite == in.DestinationSite {
		return domain.TransferRequest{}, domain.NewValidationError("destinationSite", "调出站点和调入站点不能相同")
	}
	if !validTransferType(in.Type) {
		return domain.TransferRequest{}, domain.NewValidationError("type", "未知的调动类型 %q", in.Type)
	}
	if err := utils.ValidateWindow(in.WindowStart, in.WindowEnd); err != nil {
		return domain.TransferRequest{}, err
	}
	if in.Origin == "" {
		in.Origin = domain.OriginManual
	}

	reg, err := n.sessions.Registry(in.SessionID)
	if err != nil {
		return domain.TransferRequest{}, err
	}
	toggles, err := n.sessions.Toggles(in.SessionID)
	if err != nil {
		return domain.TransferRequest{}, err
	}

	source, err := reg.Profile(in.SourceSite)
	if err != nil {
		return domain.TransferRequest{}, domain.NewValidationError("sourceSite", "站点 %s 不属于本次协调会话", in.SourceSite)
	}
	destination, err := reg.Profile(in.DestinationSite)
	if err != nil {
		return domain.TransferRequest{}, domain.NewValidationError("destinationSite", "站点 %s 不属于本次协调会话", in.DestinationSite)
	}
	if !source.CanSendTo(destination.ID) || !destination.CanReceiveFrom(source.ID) {
		return domain.TransferRequest{}, domain.NewValidationError("destinationSite", "站点 %s 与 %s 之间没有声明调动关系", source.ID, destination.ID)
	}

	now := n.now()
	tr := &domain.TransferRequest{
		ID:               uuid.NewString(),
		SessionID:        in.SessionID,
		SourceSite:       in.SourceSite,
		DestinationSite:  in.DestinationSite,
		Agents:           in.Agents,
		RequiredSkills:   slices.Clone(in.RequiredSkills),
		WindowStart:      in.WindowStart,
		WindowEnd:        in.WindowEnd,
		Type:             in.Type,
		Status:           domain.TransferPending,
		Origin:           in.Origin,
		ApprovalDeadline: now.Add(n.policy.ApprovalTTL),
		ExpectedImpact:   in.ExpectedImpact,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	n.mu.Lock()

	rejection := n.checkCapacity(tr, source, destination)
	if rejection == nil {
		rejection = checkSkills(tr, destination, toggles.CrossTraining)
	}

	switch {
	case rejection != nil:
		tr.Status = domain.TransferRejected
		tr.Reason = rejection.Error()
	case n.policy.autoApprove(tr):
		tr.Status = domain.TransferApproved
		tr.Approver = autoApprover
	}

	if err := n.save(ctx, tr); err != nil {
		n.mu.Unlock()
		return domain.TransferRequest{}, err
	}
	n.requests[tr.ID] = tr
	n.bySession[tr.SessionID] = append(n.bySession[tr.SessionID], tr.ID)
	result := *tr

	n.mu.Unlock()

	n.logger.Info("收到调动请求",
		"id", result.ID,
		"session", result.SessionID,
		"source", result.SourceSite,
		"destination", result.DestinationSite,
		"agents", result.Agents,
		"status", result.Status,
	)
	n.publish(ctx, result)

	return result, rejection
}

// checkCapacity 统计与本次请求时间窗口重叠且已经批准（或正在执行）的调动
func (n *Negotiator) checkCapacity(tr *domain.TransferRequest, source, destination domain.SiteProfile) error {
	committedOut, committedIn := 0, 0
	for _, id := range n.bySession[tr.SessionID] {
		other := n.requests[id]
		if other.ID == tr.ID || !other.Status.Outstanding() || !other.Overlaps(tr.WindowStart, tr.WindowEnd) {
			continue
		}
		if other.SourceSite == tr.SourceSite {
			committedOut += other.Agents
		}
		if other.DestinationSite == tr.DestinationSite {
			committedIn += other.Agents
		}
	}

	if limit := source.Transfer.MaxAgentsTransferableOut; committedOut+tr.Agents > limit {
		return &domain.CapacityError{SiteID: source.ID, Direction: "out", Requested: tr.Agents, Committed: committedOut, Limit: limit}
	}
	if limit := destination.Transfer.MaxAgentsReceivable; committedIn+tr.Agents > limit {
		return &domain.CapacityError{SiteID: destination.ID, Direction: "in", Requested: tr.Agents, Committed: committedIn, Limit: limit}
	}
	return nil
}

func checkSkills(tr *domain.TransferRequest, destination domain.SiteProfile, crossTraining bool) error {
	var missing []string
	for _, skill := range tr.RequiredSkills {
		if !destination.HasSkill(skill, crossTraining) {
			missing = append(missing, skill)
		}
	}
	if len(missing) > 0 {
		return &domain.SkillMismatchError{SiteID: destination.ID, Missing: missing}
	}
	return nil
}

// transition 在锁内修改请求的副本，持久化成功后才替换内存中的记录
func (n *Negotiator) transition(ctx context.Context, id string, apply func(tr *domain.TransferRequest) error) (domain.TransferRequest, error) {
	n.mu.Lock()

	current, exists := n.requests[id]
	if !exists {
		n.mu.Unlock()
		return domain.TransferRequest{}, fmt.Errorf("调动请求 %s: %w", id, domain.ErrNotFound)
	}

	next := *current
	next.RequiredSkills = slices.Clone(current.RequiredSkills)
	applyErr := apply(&next)
	if applyErr != nil && next.Status == current.Status {
		n.mu.Unlock()
		return *current, applyErr
	}

	next.UpdatedAt = n.now()
	if err := n.save(ctx, &next); err != nil {
		n.mu.Unlock()
		return *current, err
	}
	n.requests[id] = &next
	result := next

	n.mu.Unlock()

	n.logger.Info("调动请求状态变化", "id", id, "from", current.Status, "to", result.Status)
	n.publish(ctx, result)

	return result, applyErr
}

// Approve 人工审批通过，审批时会重新检查调动额度
func (n *Negotiator) Approve(ctx context.Context, id string, approver string) (domain.TransferRequest, error) {
	if approver == "" {
		return domain.TransferRequest{}, domain.NewValidationError("approver", "审批人不能为空")
	}

	return n.transition(ctx, id, func(tr *domain.TransferRequest) error {
		if tr.Status != domain.TransferPending {
			return fmt.Errorf("%w: 调动请求 %s 当前状态为 %s", domain.ErrInvalidTransition, tr.ID, tr.Status)
		}

		reg, err := n.sessions.Registry(tr.SessionID)
		if err != nil {
			return err
		}
		source, err := reg.Profile(tr.SourceSite)
		if err != nil {
			return err
		}
		destination, err := reg.Profile(tr.DestinationSite)
		if err != nil {
			return err
		}

		// 等待审批期间其他请求可能已经占用了额度
		if err := n.checkCapacity(tr, source, destination); err != nil {
			tr.Status = domain.TransferRejected
			tr.Reason = err.Error()
			return err
		}

		tr.Status = domain.TransferApproved
		tr.Approver = approver
		return nil
	})
}

func (n *Negotiator) Reject(ctx context.Context, id string, reason string) (domain.TransferRequest, error) {
	return n.transition(ctx, id, func(tr *domain.TransferRequest) error {
		if tr.Status != domain.TransferPending {
			return fmt.Errorf("%w: 调动请求 %s 当前状态为 %s", domain.ErrInvalidTransition, tr.ID, tr.Status)
		}
		tr.Status = domain.TransferRejected
		tr.Reason = reason
		return nil
	})
}

// Cancel 取消尚未开始执行的调动
func (n *Negotiator) Cancel(ctx context.Context, id string, reason string) (domain.TransferRequest, error) {
	return n.transition(ctx, id, func(tr *domain.TransferRequest) error {
		if tr.Status != domain.TransferPending && tr.Status != domain.TransferApproved {
			return fmt.Errorf("%w: 调动请求 %s 当前状态为 %s", domain.ErrInvalidTransition, tr.ID, tr.Status)
		}
		tr.Status = domain.TransferCancelled
		tr.Reason = reason
		return nil
	})
}

// Begin 开始执行调动，站点的在岗人数同时更新
// 调动记录保存失败时撤销对站点容量的修改，重试不会重复调动
func (n *Negotiator) Begin(ctx context.Context, id string) (domain.TransferRequest, error) {
	var undo func()
	result, err := n.transition(ctx, id, func(tr *domain.TransferRequest) error {
		if tr.Status != domain.TransferApproved {
			return fmt.Errorf("%w: 调动请求 %s 当前状态为 %s", domain.ErrInvalidTransition, tr.ID, tr.Status)
		}

		reg, err := n.sessions.Registry(tr.SessionID)
		if err != nil {
			return err
		}
		if undo, err = reg.ApplyTransfer(*tr); err != nil {
			return err
		}

		tr.Status = domain.TransferInProgress
		return nil
	})
	if err != nil && undo != nil {
		undo()
		n.logger.Warn("调动记录保存失败，已撤销站点容量修改", "id", id, "error", err)
	}
	return result, err
}

// Complete 记录调动实际产生的影响，并交给校准钩子
func (n *Negotiator) Complete(ctx context.Context, id string, actual domain.Impact) (domain.TransferRequest, error) {
	result, err := n.transition(ctx, id, func(tr *domain.TransferRequest) error {
		if tr.Status != domain.TransferInProgress {
			return fmt.Errorf("%w: 调动请求 %s 当前状态为 %s", domain.ErrInvalidTransition, tr.ID, tr.Status)
		}
		tr.Status = domain.TransferCompleted
		tr.ActualImpact = &actual
		return nil
	})
	if err != nil {
		return result, err
	}

	if n.calibrate != nil {
		n.calibrate(ctx, result)
	}
	return result, nil
}

// ExpirePending 将超过审批期限的待审批请求标记为 REJECTED，返回处理的数量
func (n *Negotiator) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	n.mu.Lock()
	var expired []string
	for id, tr := range n.requests {
		if tr.Status == domain.TransferPending && now.After(tr.ApprovalDeadline) {
			expired = append(expired, id)
		}
	}
	n.mu.Unlock()
	sort.Strings(expired)

	count := 0
	for _, id := range expired {
		_, err := n.transition(ctx, id, func(tr *domain.TransferRequest) error {
			if tr.Status != domain.TransferPending {
				return domain.ErrInvalidTransition
			}
			tr.Status = domain.TransferRejected
			tr.Reason = "审批超时"
			return nil
		})
		switch {
		case errors.Is(err, domain.ErrInvalidTransition):
			// 期间已经被人工处理
		case err != nil:
			return count, err
		default:
			count++
		}
	}

	return count, nil
}

func (n *Negotiator) Get(id string) (domain.TransferRequest, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	tr, exists := n.requests[id]
	if !exists {
		return domain.TransferRequest{}, fmt.Errorf("调动请求 %s: %w", id, domain.ErrNotFound)
	}
	return *tr, nil
}

// List 按创建顺序返回某个会话的所有调动请求
func (n *Negotiator) List(sessionID string) []domain.TransferRequest {
	n.mu.Lock()
	defer n.mu.Unlock()

	ids := n.bySession[sessionID]
	result := make([]domain.TransferRequest, 0, len(ids))
	for _, id := range ids {
		result = append(result, *n.requests[id])
	}
	return result
}

// Outstanding 返回每个站点待审批、已批准或执行中的调出人数，供优化器生成候选方案
func (n *Negotiator) Outstanding(sessionID string) map[string]int {
	n.mu.Lock()
	defer n.mu.Unlock()

	result := make(map[string]int)
	for _, id := range n.bySession[sessionID] {
		tr := n.requests[id]
		if tr.Status == domain.TransferPending || tr.Status.Outstanding() {
			result[tr.SourceSite] += tr.Agents
		}
	}
	return result
}

func (n *Negotiator) save(ctx context.Context, tr *domain.TransferRequest) error {
	if n.store == nil {
		return nil
	}
	if err := n.store.SaveTransfer(ctx, tr); err != nil {
		return fmt.Errorf("保存调动请求 %s 失败: %w", tr.ID, err)
	}
	return nil
}

func (n *Negotiator) publish(ctx context.Context, tr domain.TransferRequest) {
	if n.publisher == nil {
		return
	}
	if err := n.publisher.PublishTransfer(ctx, tr); err != nil {
		n.logger.Error("发送调动消息失败", "id", tr.ID, "error", err)
	}
}
