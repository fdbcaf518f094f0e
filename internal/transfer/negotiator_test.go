package transfer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/registry"
)

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSessions struct {
	reg     *registry.Registry
	toggles domain.AlgorithmToggles
}

func (f *fakeSessions) Registry(sessionID string) (*registry.Registry, error) {
	if sessionID != "session-1" {
		return nil, domain.ErrNotFound
	}
	return f.reg, nil
}

func (f *fakeSessions) Toggles(sessionID string) (domain.AlgorithmToggles, error) {
	if sessionID != "session-1" {
		return domain.AlgorithmToggles{}, domain.ErrNotFound
	}
	return f.toggles, nil
}

type failingStore struct{}

func (failingStore) SaveTransfer(ctx context.Context, tr *domain.TransferRequest) error {
	return errors.New("connection refused")
}

// flakyStore 在 failBegin 为 true 时拒绝写入 IN_PROGRESS 状态
type flakyStore struct {
	failBegin atomic.Bool
}

func (s *flakyStore) SaveTransfer(ctx context.Context, tr *domain.TransferRequest) error {
	if tr.Status == domain.TransferInProgress && s.failBegin.Load() {
		return errors.New("connection reset by peer")
	}
	return nil
}

type recordingPublisher struct {
	published []domain.TransferRequest
}

func (p *recordingPublisher) PublishTransfer(ctx context.Context, tr domain.TransferRequest) error {
	p.published = append(p.published, tr)
	return nil
}

func newTestSessions(t *testing.T) *fakeSessions {
	t.Helper()

	reg := registry.New([]string{"site-a", "site-b", "site-c"})
	profiles := []domain.SiteProfile{
		{
			ID:                  "site-a",
			Name:                "广州客服中心",
			MinStaffing:         10,
			MaxStaffing:         40,
			CurrentStaffing:     30,
			ForecastDemand:      25,
			Skills:              []string{"billing", "vip"},
			ServiceLevelTarget:  0.9,
			ServiceLevelMinimum: 0.8,
			Transfer: domain.TransferCapability{
				CanSendTo:                []string{"site-b"},
				MaxAgentsTransferableOut: 5,
			},
		},
		{
			ID:                  "site-b",
			Name:                "深圳呼叫中心",
			MinStaffing:         10,
			MaxStaffing:         40,
			CurrentStaffing:     20,
			ForecastDemand:      28,
			Skills:              []string{"billing"},
			ServiceLevelTarget:  0.85,
			ServiceLevelMinimum: 0.75,
			Transfer: domain.TransferCapability{
				CanReceiveFrom:       []string{"site-a"},
				MaxAgentsReceivable:  8,
				CrossTrainableSkills: []string{"vip"},
			},
		},
		{
			ID:                  "site-c",
			Name:                "成都服务中心",
			MinStaffing:         5,
			MaxStaffing:         20,
			CurrentStaffing:     10,
			ForecastDemand:      10,
			ServiceLevelTarget:  0.8,
			ServiceLevelMinimum: 0.7,
		},
	}
	for _, p := range profiles {
		require.NoError(t, reg.Register(p))
	}

	return &fakeSessions{reg: reg}
}

func input(agents int) Input {
	return Input{
		SessionID:       "session-1",
		SourceSite:      "site-a",
		DestinationSite: "site-b",
		Agents:          agents,
		RequiredSkills:  []string{"billing"},
		WindowStart:     baseTime,
		WindowEnd:       baseTime.Add(8 * time.Hour),
		Type:            domain.TransferTemporary,
	}
}

func newTestNegotiator(t *testing.T, policy Policy, opts ...Option) (*Negotiator, *fakeSessions) {
	t.Helper()
	sessions := newTestSessions(t)
	opts = append([]Option{WithClock(func() time.Time { return baseTime })}, opts...)
	return NewNegotiator(sessions, policy, opts...), sessions
}

func TestRequestExceedingTransferableOutIsRejected(t *testing.T) {
	n, _ := newTestNegotiator(t, Policy{})

	tr, err := n.Request(context.Background(), input(6))

	var capacityErr *domain.CapacityError
	require.ErrorAs(t, err, &capacityErr)
	assert.Equal(t, "site-a", capacityErr.SiteID)
	assert.Equal(t, "out", capacityErr.Direction)
	assert.Equal(t, 5, capacityErr.Limit)

	assert.Equal(t, domain.TransferRejected, tr.Status)
	assert.NotEmpty(t, tr.Reason)

	history := n.List("session-1")
	require.Len(t, history, 1)
	assert.Equal(t, tr.ID, history[0].ID)
	assert.Equal(t, domain.TransferRejected, history[0].Status)
}

func TestOutstandingTransfersCountAgainstCapacity(t *testing.T) {
	n, _ := newTestNegotiator(t, Policy{})
	ctx := context.Background()

	first, err := n.Request(ctx, input(3))
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, first.Status)

	// 待审批的请求不占用额度
	second, err := n.Request(ctx, input(3))
	require.NoError(t, err)

	_, err = n.Approve(ctx, first.ID, "张经理")
	require.NoError(t, err)

	// 审批时重新检查额度
	second, err = n.Approve(ctx, second.ID, "张经理")
	var capacityErr *domain.CapacityError
	require.ErrorAs(t, err, &capacityErr)
	assert.Equal(t, 3, capacityErr.Committed)
	assert.Equal(t, domain.TransferRejected, second.Status)

	_, err = n.Request(ctx, input(3))
	assert.ErrorAs(t, err, &capacityErr)

	// 时间窗口不重叠时不受影响
	later := input(3)
	later.WindowStart = baseTime.Add(24 * time.Hour)
	later.WindowEnd = baseTime.Add(32 * time.Hour)
	_, err = n.Request(ctx, later)
	assert.NoError(t, err)
}

func TestSkillMismatchHonorsCrossTraining(t *testing.T) {
	n, sessions := newTestNegotiator(t, Policy{})
	ctx := context.Background()

	in := input(2)
	in.RequiredSkills = []string{"billing", "vip"}

	tr, err := n.Request(ctx, in)
	var skillErr *domain.SkillMismatchError
	require.ErrorAs(t, err, &skillErr)
	assert.Equal(t, "site-b", skillErr.SiteID)
	assert.Equal(t, []string{"vip"}, skillErr.Missing)
	assert.Equal(t, domain.TransferRejected, tr.Status)

	sessions.toggles.CrossTraining = true
	tr, err = n.Request(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, tr.Status)
}

func TestInvalidRequestsCreateNothing(t *testing.T) {
	n, _ := newTestNegotiator(t, Policy{})
	ctx := context.Background()

	noRoute := input(2)
	noRoute.DestinationSite = "site-c"

	zero := input(0)

	badWindow := input(2)
	badWindow.WindowEnd = badWindow.WindowStart

	for _, in := range []Input{noRoute, zero, badWindow} {
		_, err := n.Request(ctx, in)
		var validationErr *domain.ValidationError
		assert.ErrorAs(t, err, &validationErr)
	}
	assert.Empty(t, n.List("session-1"))

	_, err := NewNegotiator(newTestSessions(t), Policy{}, WithStore(failingStore{})).Request(ctx, input(2))
	assert.ErrorContains(t, err, "connection refused")
}

func TestAutoApprovalPolicy(t *testing.T) {
	publisher := &recordingPublisher{}
	n, _ := newTestNegotiator(t, Policy{
		AutoApproveMaxAgents: 2,
		AutoApproveTypes:     []domain.TransferType{domain.TransferEmergency},
	}, WithPublisher(publisher))
	ctx := context.Background()

	in := input(2)
	in.Type = domain.TransferEmergency
	tr, err := n.Request(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferApproved, tr.Status)
	assert.Equal(t, autoApprover, tr.Approver)

	in.Agents = 3
	tr, err = n.Request(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferPending, tr.Status)

	assert.Len(t, publisher.published, 2)
	assert.Equal(t, map[string]int{"site-a": 5}, n.Outstanding("session-1"))
}

func TestBeginAndCompleteTransfer(t *testing.T) {
	var calibrated []domain.TransferRequest
	n, sessions := newTestNegotiator(t, Policy{}, WithCalibrationHook(func(ctx context.Context, tr domain.TransferRequest) {
		calibrated = append(calibrated, tr)
	}))
	ctx := context.Background()

	tr, err := n.Request(ctx, input(4))
	require.NoError(t, err)

	_, err = n.Begin(ctx, tr.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = n.Approve(ctx, tr.ID, "李主管")
	require.NoError(t, err)

	tr, err = n.Begin(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferInProgress, tr.Status)

	source, err := sessions.reg.Profile("site-a")
	require.NoError(t, err)
	destination, err := sessions.reg.Profile("site-b")
	require.NoError(t, err)
	assert.Equal(t, 26, source.CurrentStaffing)
	assert.Equal(t, 24, destination.CurrentStaffing)

	actual := domain.Impact{ServiceLevelDelta: 0.04, CoverageDelta: 0.1}
	tr, err = n.Complete(ctx, tr.ID, actual)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferCompleted, tr.Status)
	require.NotNil(t, tr.ActualImpact)
	assert.Equal(t, actual, *tr.ActualImpact)

	require.Len(t, calibrated, 1)
	assert.Equal(t, tr.ID, calibrated[0].ID)

	_, err = n.Cancel(ctx, tr.ID, "不再需要")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestExpirePending(t *testing.T) {
	n, _ := newTestNegotiator(t, Policy{ApprovalTTL: time.Hour})
	ctx := context.Background()

	pending, err := n.Request(ctx, input(1))
	require.NoError(t, err)
	approved, err := n.Request(ctx, input(1))
	require.NoError(t, err)
	_, err = n.Approve(ctx, approved.ID, "李主管")
	require.NoError(t, err)

	count, err := n.ExpirePending(ctx, baseTime.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = n.ExpirePending(ctx, baseTime.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	pending, err = n.Get(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferRejected, pending.Status)
	assert.Equal(t, "审批超时", pending.Reason)

	approved, err = n.Get(approved.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferApproved, approved.Status)
}

func TestApproveWithToken(t *testing.T) {
	now := baseTime
	n, _ := newTestNegotiator(t, Policy{ApprovalTTL: time.Hour}, WithTicketSecret("secret"), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	tr, err := n.Request(ctx, input(2))
	require.NoError(t, err)

	token, err := n.IssueTicket(tr.ID, "王总监")
	require.NoError(t, err)

	_, err = n.ApproveWithToken(ctx, token+"x")
	assert.ErrorIs(t, err, ErrInvalidTicket)

	approved, err := n.ApproveWithToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferApproved, approved.Status)
	assert.Equal(t, "王总监", approved.Approver)

	// 凭证在审批期限之后失效
	other, err := n.Request(ctx, input(1))
	require.NoError(t, err)
	token, err = n.IssueTicket(other.ID, "王总监")
	require.NoError(t, err)

	now = baseTime.Add(2 * time.Hour)
	_, err = n.ApproveWithToken(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidTicket)

	_, err = NewNegotiator(newTestSessions(t), Policy{}).IssueTicket(tr.ID, "王总监")
	assert.ErrorIs(t, err, ErrTicketDisabled)
}

func TestBeginRollsBackCapacityWhenSaveFails(t *testing.T) {
	store := &flakyStore{}
	n, sessions := newTestNegotiator(t, Policy{}, WithStore(store))
	ctx := context.Background()

	tr, err := n.Request(ctx, input(4))
	require.NoError(t, err)
	_, err = n.Approve(ctx, tr.ID, "李主管")
	require.NoError(t, err)

	store.failBegin.Store(true)
	_, err = n.Begin(ctx, tr.ID)
	require.Error(t, err)

	got, err := n.Get(tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferApproved, got.Status)

	source, _ := sessions.reg.Profile("site-a")
	destination, _ := sessions.reg.Profile("site-b")
	assert.Equal(t, 30, source.CurrentStaffing)
	assert.Equal(t, 20, destination.CurrentStaffing)

	// 重试成功后只调动一次
	store.failBegin.Store(false)
	got, err = n.Begin(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferInProgress, got.Status)

	source, _ = sessions.reg.Profile("site-a")
	destination, _ = sessions.reg.Profile("site-b")
	assert.Equal(t, 26, source.CurrentStaffing)
	assert.Equal(t, 24, destination.CurrentStaffing)
}
