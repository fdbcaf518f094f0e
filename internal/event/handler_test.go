package event

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/registry"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/transfer"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var baseTime = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeSessions struct {
	mu          sync.Mutex
	reg         *registry.Registry
	toggles     domain.AlgorithmToggles
	reoptimized int
	reseeds     [][]domain.ConstraintTightening
	overrides   int
}

func (f *fakeSessions) Registry(id string) (*registry.Registry, error) {
	if id != "session-1" {
		return nil, domain.ErrNotFound
	}
	return f.reg, nil
}

func (f *fakeSessions) Toggles(id string) (domain.AlgorithmToggles, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.toggles, nil
}

func (f *fakeSessions) RequestReoptimization(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reoptimized++
	return nil
}

func (f *fakeSessions) Reseed(id string, tightenings []domain.ConstraintTightening) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reseeds = append(f.reseeds, tightenings)
	return nil
}

func (f *fakeSessions) EnterEmergencyOverride(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.toggles.EmergencyOverride {
		return errors.New("会话没有开启紧急接管")
	}
	f.overrides++
	return nil
}

type fakeTransfers struct {
	inputs []transfer.Input
}

func (f *fakeTransfers) Request(ctx context.Context, in transfer.Input) (domain.TransferRequest, error) {
	f.inputs = append(f.inputs, in)
	return domain.TransferRequest{ID: fmt.Sprintf("transfer-%d", len(f.inputs)), Status: domain.TransferPending}, nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []domain.EscalationNotice
}

func (n *recordingNotifier) NotifyEscalation(ctx context.Context, notice domain.EscalationNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
	return nil
}

func (n *recordingNotifier) Notices() []domain.EscalationNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]domain.EscalationNotice(nil), n.notices...)
}

type recordingCalendar struct {
	blocked []string
}

func (c *recordingCalendar) BlockWindow(ctx context.Context, siteID string, start, end time.Time) error {
	c.blocked = append(c.blocked, siteID)
	return nil
}

type memoryStore struct {
	mu     sync.Mutex
	saved  map[string]domain.OptimizationEvent
	states []domain.EventState
}

func (s *memoryStore) SaveEvent(ctx context.Context, ev *domain.OptimizationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string]domain.OptimizationEvent)
	}
	s.saved[ev.ID] = *ev
	s.states = append(s.states, ev.State)
	return nil
}

func (s *memoryStore) UnresolvedEvents(ctx context.Context) ([]domain.OptimizationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []domain.OptimizationEvent
	for _, ev := range s.saved {
		if !ev.State.Closed() {
			result = append(result, ev)
		}
	}
	return result, nil
}

type fakeLocker struct {
	allow bool
	calls atomic.Int32
}

func (l *fakeLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.calls.Add(1)
	return l.allow, nil
}

func newTestSessions(t *testing.T) *fakeSessions {
	t.Helper()

	reg := registry.New([]string{"site-a", "site-b", "site-c"})
	profiles := []domain.SiteProfile{
		{
			ID:                  "site-a",
			Name:                "广州客服中心",
			MinStaffing:         10,
			MaxStaffing:         45,
			CurrentStaffing:     20,
			ForecastDemand:      30,
			ServiceLevelTarget:  0.9,
			ServiceLevelMinimum: 0.8,
			RegularRate:         30,
			OvertimeRate:        45,
			Transfer: domain.TransferCapability{
				CanReceiveFrom:      []string{"site-b"},
				MaxAgentsReceivable: 6,
			},
		},
		{
			ID:                  "site-b",
			Name:                "深圳呼叫中心",
			MinStaffing:         10,
			MaxStaffing:         40,
			CurrentStaffing:     28,
			ForecastDemand:      20,
			ServiceLevelTarget:  0.85,
			ServiceLevelMinimum: 0.75,
			Transfer: domain.TransferCapability{
				CanSendTo:                []string{"site-a"},
				MaxAgentsTransferableOut: 5,
			},
		},
		{
			ID:                  "site-c",
			Name:                "成都服务中心",
			MinStaffing:         5,
			MaxStaffing:         20,
			CurrentStaffing:     12,
			ForecastDemand:      10,
			ServiceLevelTarget:  0.8,
			ServiceLevelMinimum: 0.7,
		},
	}
	for _, p := range profiles {
		require.NoError(t, reg.Register(p))
	}

	return &fakeSessions{reg: reg, toggles: domain.AlgorithmToggles{ResourceSharing: true}}
}

type fixture struct {
	handler   *Handler
	sessions  *fakeSessions
	transfers *fakeTransfers
	notifier  *recordingNotifier
	calendar  *recordingCalendar
	store     *memoryStore
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		sessions:  newTestSessions(t),
		transfers: &fakeTransfers{},
		notifier:  &recordingNotifier{},
		calendar:  &recordingCalendar{},
		store:     &memoryStore{},
	}
	opts = append([]Option{
		WithTransfers(f.transfers),
		WithNotifier(f.notifier),
		WithCalendar(f.calendar),
		WithStore(f.store),
		WithClock(func() time.Time { return baseTime }),
	}, opts...)
	f.handler = NewHandler(f.sessions, DefaultPolicy(), opts...)

	return f
}

func actionTypes(actions []domain.ResponseAction) []string {
	result := make([]string, len(actions))
	for i, a := range actions {
		result[i] = fmt.Sprintf("%T", a)
	}
	return result
}

func TestCriticalDemandSpikeReseedsAndProposesTransfer(t *testing.T) {
	f := newFixture(t)

	ev, err := f.handler.Ingest(context.Background(), Input{
		SessionID:     "session-1",
		Type:          domain.EventDemandSpike,
		Severity:      domain.SeverityCritical,
		AffectedSites: []string{"site-a"},
		Magnitude:     10,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.EventResponding, ev.State)
	assert.Equal(t, 0, ev.EscalationLevel)
	assert.Equal(t, baseTime.Add(30*time.Minute), ev.ResolutionDeadline)
	assert.InDelta(t, 0.5-20.0/30.0, ev.Impact.CoverageDelta, 1e-9)
	assert.InDelta(t, 450, ev.Impact.CostDelta, 1e-9)
	assert.Less(t, ev.Impact.ServiceLevelDelta, 0.0)

	assert.Equal(t, []string{
		"domain.Notify",
		"domain.ReseedPopulation",
		"domain.ProposeTransfer",
		"domain.AssignApprover",
	}, actionTypes(ev.Actions))

	require.Len(t, f.sessions.reseeds, 1)
	if diff := cmp.Diff([]domain.ConstraintTightening{
		{SiteID: "site-a", MinStaffing: 40, MaxStaffing: 45},
	}, f.sessions.reseeds[0]); diff != "" {
		t.Errorf("收紧的约束不一致 (-want +got):\n%s", diff)
	}

	require.Len(t, f.transfers.inputs, 1)
	in := f.transfers.inputs[0]
	assert.Equal(t, "site-b", in.SourceSite)
	assert.Equal(t, "site-a", in.DestinationSite)
	assert.Equal(t, 5, in.Agents)
	assert.Equal(t, domain.TransferEmergency, in.Type)
	assert.Equal(t, domain.OriginEventHandler, in.Origin)

	notices := f.notifier.Notices()
	require.Len(t, notices, 2)
	assert.Equal(t, "值班主管", notices[0].Contact)
	assert.Equal(t, "站点经理", notices[1].Contact)

	assert.Equal(t, []domain.EventState{domain.EventDetected, domain.EventAnalyzing, domain.EventResponding}, f.store.states)
}

func TestSeverityDecidesResponse(t *testing.T) {
	t.Run("LOW", func(t *testing.T) {
		f := newFixture(t)

		ev, err := f.handler.Ingest(context.Background(), Input{
			SessionID:     "session-1",
			Type:          domain.EventAgentAbsence,
			Severity:      domain.SeverityLow,
			AffectedSites: []string{"site-c"},
			Magnitude:     2,
		})
		require.NoError(t, err)

		assert.Equal(t, 1, f.sessions.reoptimized)
		assert.Empty(t, f.sessions.reseeds)
		assert.Equal(t, []string{"site-c"}, f.calendar.blocked)
		assert.Equal(t, []string{"domain.Notify", "domain.RequestReoptimization", "domain.UpdateCalendar"}, actionTypes(ev.Actions))
		assert.Equal(t, baseTime.Add(4*time.Hour), ev.ResolutionDeadline)
	})

	t.Run("EMERGENCY with override", func(t *testing.T) {
		f := newFixture(t)
		f.sessions.toggles.EmergencyOverride = true

		ev, err := f.handler.Ingest(context.Background(), Input{
			SessionID:     "session-1",
			Type:          domain.EventSystemFailure,
			Severity:      domain.SeverityEmergency,
			AffectedSites: []string{"site-a", "site-b"},
			Magnitude:     15,
		})
		require.NoError(t, err)

		assert.Equal(t, 1, f.sessions.overrides)
		assert.Empty(t, f.sessions.reseeds)
		assert.Empty(t, f.transfers.inputs)
		assert.Equal(t, []string{"domain.Notify", "domain.EnterEmergencyOverride"}, actionTypes(ev.Actions))
	})

	t.Run("EMERGENCY without override", func(t *testing.T) {
		f := newFixture(t)

		ev, err := f.handler.Ingest(context.Background(), Input{
			SessionID:     "session-1",
			Type:          domain.EventAgentAbsence,
			Severity:      domain.SeverityEmergency,
			AffectedSites: []string{"site-b"},
			Magnitude:     4,
		})
		require.NoError(t, err)

		assert.Zero(t, f.sessions.overrides)
		require.Len(t, f.sessions.reseeds, 1)
		assert.Equal(t, []domain.ConstraintTightening{{SiteID: "site-b", MinStaffing: 10, MaxStaffing: 36}}, f.sessions.reseeds[0])
		assert.Contains(t, actionTypes(ev.Actions), "domain.ReseedPopulation")
	})
}

func TestIngestRejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	valid := Input{
		SessionID:     "session-1",
		Type:          domain.EventDemandSpike,
		Severity:      domain.SeverityMedium,
		AffectedSites: []string{"site-a"},
		Magnitude:     3,
	}

	unknownSite := valid
	unknownSite.AffectedSites = []string{"site-z"}

	badSeverity := valid
	badSeverity.Severity = "SEVERE"

	noSites := valid
	noSites.AffectedSites = nil

	for _, in := range []Input{unknownSite, badSeverity, noSites} {
		_, err := f.handler.Ingest(ctx, in)
		var validationErr *domain.ValidationError
		assert.ErrorAs(t, err, &validationErr)
	}

	unknownSession := valid
	unknownSession.SessionID = "session-2"
	_, err := f.handler.Ingest(ctx, unknownSession)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.Empty(t, f.handler.List("session-1"))
	assert.Empty(t, f.store.saved)
}

func TestSweepEscalatesOnceAfterDeadline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.handler.Ingest(ctx, Input{
		SessionID:     "session-1",
		Type:          domain.EventServiceDegradation,
		Severity:      domain.SeverityMedium,
		AffectedSites: []string{"site-c"},
		Deadline:      60 * time.Minute,
	})
	require.NoError(t, err)

	n, err := f.handler.Sweep(ctx, baseTime.Add(59*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = f.handler.Sweep(ctx, baseTime.Add(60*time.Minute+time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.handler.Sweep(ctx, baseTime.Add(61*time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)

	ev, err = f.handler.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.EscalationLevel)
	assert.Equal(t, domain.EventEscalated, ev.State)

	notices := f.notifier.Notices()
	last := notices[len(notices)-1]
	assert.Equal(t, 1, last.Level)
	assert.Equal(t, "站点经理", last.Contact)
	assert.False(t, last.TimedOut)
}

func TestEscalationIsMonotonicUntilFailure(t *testing.T) {
	f := newFixture(t)
	f.sessions.toggles.EmergencyOverride = true
	ctx := context.Background()

	ev, err := f.handler.Ingest(ctx, Input{
		SessionID:     "session-1",
		Type:          domain.EventAgentAbsence,
		Severity:      domain.SeverityHigh,
		AffectedSites: []string{"site-c"},
		Magnitude:     1,
		Deadline:      time.Minute,
	})
	require.NoError(t, err)
	before := len(f.notifier.Notices())

	now := baseTime
	levels := []int{}
	for range domain.MaxEscalationLevel + 2 {
		now = now.Add(100 * time.Hour)
		_, err := f.handler.Sweep(ctx, now)
		require.NoError(t, err)

		current, err := f.handler.Get(ev.ID)
		require.NoError(t, err)
		levels = append(levels, current.EscalationLevel)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5, 5, 5}, levels)

	ev, err = f.handler.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventFailed, ev.State)
	assert.NotEmpty(t, ev.FailureReason)

	notices := f.notifier.Notices()[before:]
	require.Len(t, notices, domain.MaxEscalationLevel+1)
	assert.True(t, notices[len(notices)-1].TimedOut)
	assert.Equal(t, "首席运营官", notices[len(notices)-1].Contact)
	assert.Equal(t, 1, f.sessions.overrides)

	_, err = f.handler.Resolve(ctx, ev.ID, domain.Resolution{Method: "人工排班", Effectiveness: 0.5})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestBackoffExtendsDeadlines(t *testing.T) {
	policy := DefaultPolicy()
	assert.Equal(t, time.Hour, policy.backoff(domain.SeverityHigh, 0))
	assert.Equal(t, 90*time.Minute, policy.backoff(domain.SeverityHigh, 1))
	assert.Equal(t, 135*time.Minute, policy.backoff(domain.SeverityHigh, 2))
	assert.Equal(t, "首席运营官", policy.contact(9))
}

func TestAcknowledgeAndResolve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.handler.Ingest(ctx, Input{
		SessionID:     "session-1",
		Type:          domain.EventDemandSpike,
		Severity:      domain.SeverityLow,
		AffectedSites: []string{"site-c"},
		Magnitude:     2,
		Deadline:      time.Minute,
	})
	require.NoError(t, err)

	_, err = f.handler.Acknowledge(ctx, ev.ID, "李主管")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = f.handler.Sweep(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)

	ev, err = f.handler.Acknowledge(ctx, ev.ID, "李主管")
	require.NoError(t, err)
	assert.Equal(t, domain.EventResponding, ev.State)
	assert.Equal(t, 1, ev.EscalationLevel)

	_, err = f.handler.Resolve(ctx, ev.ID, domain.Resolution{Effectiveness: 0.8})
	var validationErr *domain.ValidationError
	assert.ErrorAs(t, err, &validationErr)

	_, err = f.handler.Resolve(ctx, ev.ID, domain.Resolution{Method: "加班补位", Effectiveness: 1.2})
	assert.ErrorAs(t, err, &validationErr)

	ev, err = f.handler.Resolve(ctx, ev.ID, domain.Resolution{Method: "加班补位", Effectiveness: 0.8, ResolvedBy: "李主管"})
	require.NoError(t, err)
	assert.Equal(t, domain.EventResolved, ev.State)
	require.NotNil(t, ev.Resolution)
	assert.Equal(t, baseTime, ev.Resolution.ResolvedAt)

	n, err := f.handler.Sweep(ctx, baseTime.Add(100*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.handler.Resolve(ctx, "missing", domain.Resolution{Method: "加班补位"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRecoverReloadsUnresolvedEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open, err := f.handler.Ingest(ctx, Input{
		SessionID:     "session-1",
		Type:          domain.EventDemandSpike,
		Severity:      domain.SeverityLow,
		AffectedSites: []string{"site-c"},
		Deadline:      time.Minute,
	})
	require.NoError(t, err)
	resolved, err := f.handler.Ingest(ctx, Input{
		SessionID:     "session-1",
		Type:          domain.EventDemandSpike,
		Severity:      domain.SeverityLow,
		AffectedSites: []string{"site-c"},
	})
	require.NoError(t, err)
	_, err = f.handler.Resolve(ctx, resolved.ID, domain.Resolution{Method: "自然回落", Effectiveness: 1})
	require.NoError(t, err)

	// 模拟进程重启
	restarted := NewHandler(f.sessions, DefaultPolicy(), WithStore(f.store), WithNotifier(f.notifier))
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	recovered, err := restarted.Get(open.ID)
	require.NoError(t, err)
	assert.Equal(t, open.ResolutionDeadline, recovered.ResolutionDeadline)

	_, err = restarted.Get(resolved.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	n, err = restarted.Sweep(ctx, baseTime.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	t.Run("lock acquired", func(t *testing.T) {
		locker := &fakeLocker{allow: true}
		f := newFixture(t, WithLocker(locker), WithClock(func() time.Time { return baseTime.Add(24 * time.Hour) }))

		ev, err := f.handler.Ingest(context.Background(), Input{
			SessionID:     "session-1",
			Type:          domain.EventDemandSpike,
			Severity:      domain.SeverityLow,
			AffectedSites: []string{"site-c"},
			Deadline:      time.Minute,
		})
		require.NoError(t, err)

		// Ingest 也使用同一个时钟，所以把截止时间提前
		f.handler.mu.Lock()
		f.handler.events[ev.ID].ResolutionDeadline = baseTime
		f.handler.mu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.handler.Run(ctx, 5*time.Millisecond)
		}()

		require.Eventually(t, func() bool {
			current, err := f.handler.Get(ev.ID)
			return err == nil && current.EscalationLevel >= 1
		}, 5*time.Second, 5*time.Millisecond)

		cancel()
		<-done
	})

	t.Run("lock held elsewhere", func(t *testing.T) {
		locker := &fakeLocker{allow: false}
		f := newFixture(t, WithLocker(locker))

		ev, err := f.handler.Ingest(context.Background(), Input{
			SessionID:     "session-1",
			Type:          domain.EventDemandSpike,
			Severity:      domain.SeverityLow,
			AffectedSites: []string{"site-c"},
			Deadline:      time.Nanosecond,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			f.handler.Run(ctx, 5*time.Millisecond)
		}()

		require.Eventually(t, func() bool {
			return locker.calls.Load() >= 3
		}, 5*time.Second, 5*time.Millisecond)
		cancel()
		<-done

		current, err := f.handler.Get(ev.ID)
		require.NoError(t, err)
		assert.Zero(t, current.EscalationLevel)
	})
}

// gatedStore 在第一次写入 ESCALATED 状态时暂停，直到 release 被关闭
type gatedStore struct {
	memoryStore
	escalating chan struct{}
	release    chan struct{}
	once       sync.Once
}

func (s *gatedStore) SaveEvent(ctx context.Context, ev *domain.OptimizationEvent) error {
	if ev.State == domain.EventEscalated {
		s.once.Do(func() {
			close(s.escalating)
			<-s.release
		})
	}
	return s.memoryStore.SaveEvent(ctx, ev)
}

func (s *gatedStore) persisted(id string) domain.OptimizationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[id]
}

func TestResolveDuringSweepIsNotOverwritten(t *testing.T) {
	store := &gatedStore{escalating: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, WithStore(store))
	ctx := context.Background()

	ev, err := f.handler.Ingest(ctx, Input{
		SessionID:     "session-1",
		Type:          domain.EventServiceDegradation,
		Severity:      domain.SeverityHigh,
		AffectedSites: []string{"site-c"},
		Deadline:      30 * time.Minute,
	})
	require.NoError(t, err)

	swept := make(chan error, 1)
	go func() {
		_, err := f.handler.Sweep(ctx, baseTime.Add(31*time.Minute))
		swept <- err
	}()
	<-store.escalating

	resolved := make(chan error, 1)
	go func() {
		_, err := f.handler.Resolve(ctx, ev.ID, domain.Resolution{Method: "临时加班", Effectiveness: 0.7})
		resolved <- err
	}()
	close(store.release)

	require.NoError(t, <-swept)
	require.NoError(t, <-resolved)

	got, err := f.handler.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EventResolved, got.State)
	assert.Equal(t, domain.EventResolved, store.persisted(ev.ID).State)

	// 重启后不会再加载已经解决的事件
	restarted := NewHandler(f.sessions, DefaultPolicy(), WithStore(store))
	n, err := restarted.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

type flakyStore struct {
	memoryStore
	failEscalation atomic.Bool
}

func (s *flakyStore) SaveEvent(ctx context.Context, ev *domain.OptimizationEvent) error {
	if ev.State == domain.EventEscalated && s.failEscalation.Load() {
		return errors.New("数据库不可用")
	}
	return s.memoryStore.SaveEvent(ctx, ev)
}

func TestSweepKeepsLevelWhenSaveFails(t *testing.T) {
	store := &flakyStore{}
	f := newFixture(t, WithStore(store))
	ctx := context.Background()

	ev, err := f.handler.Ingest(ctx, Input{
		SessionID:     "session-1",
		Type:          domain.EventServiceDegradation,
		Severity:      domain.SeverityMedium,
		AffectedSites: []string{"site-c"},
		Deadline:      60 * time.Minute,
	})
	require.NoError(t, err)
	notified := len(f.notifier.Notices())

	store.failEscalation.Store(true)
	n, err := f.handler.Sweep(ctx, baseTime.Add(61*time.Minute))
	assert.Error(t, err)
	assert.Zero(t, n)

	got, err := f.handler.Get(ev.ID)
	require.NoError(t, err)
	assert.Zero(t, got.EscalationLevel)
	assert.Equal(t, domain.EventResponding, got.State)
	assert.Len(t, f.notifier.Notices(), notified)

	// 存储恢复后下一轮巡检照常升级
	store.failEscalation.Store(false)
	n, err = f.handler.Sweep(ctx, baseTime.Add(62*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = f.handler.Get(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.EscalationLevel)
}
