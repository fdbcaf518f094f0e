package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/event"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type published struct {
	queue string
	msg   amqp.Publishing
}

type fakeChannel struct {
	mu       sync.Mutex
	messages []published
	declared []string
	err      error
}

func (c *fakeChannel) PublishWithContext(_ context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, published{queue: key, msg: msg})
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.RabbitMQ.PublishTimeout = 5
	cfg.RabbitMQ.PublishRate = 1000
	cfg.RabbitMQ.PublishBurst = 10
	cfg.RabbitMQ.EventQueue = "disruption_events"
	cfg.RabbitMQ.UpdateQueue = "coordination_updates"
	cfg.RabbitMQ.NotifyQueue = "notification_queue"
	cfg.Email.Contacts = map[string]string{"站点经理": "site@example.com"}
	return cfg
}

func decode(t *testing.T, p published) domain.Message {
	t.Helper()
	var msg domain.Message
	require.NoError(t, json.Unmarshal(p.msg.Body, &msg))
	return msg
}

func TestDeclareQueues(t *testing.T) {
	ch := &fakeChannel{}
	require.NoError(t, DeclareQueues(ch, testConfig()))
	assert.Equal(t, []string{"disruption_events", "coordination_updates", "notification_queue"}, ch.declared)
}

func TestPublisherRoutesMessages(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(testConfig(), ch, discard)
	ctx := context.Background()

	require.NoError(t, p.ReportGeneration(ctx, domain.GenerationUpdate{SessionID: "s-1", Generation: 3}))
	require.NoError(t, p.ReportSolutions(ctx, "s-1", []domain.ParetoSolution{{ID: "p-1"}}))
	require.NoError(t, p.PublishTransfer(ctx, domain.TransferRequest{ID: "t-1", Status: domain.TransferApproved}))
	require.NoError(t, p.BlockWindow(ctx, "site-a", time.Unix(0, 0), time.Unix(3600, 0)))
	require.NoError(t, p.NotifyEscalation(ctx, domain.EscalationNotice{EventID: "e-1", Contact: "站点经理", Level: 1}))
	require.NoError(t, p.NotifyEscalation(ctx, domain.EscalationNotice{EventID: "e-1", Contact: "区域经理", Level: 2}))

	require.Len(t, ch.messages, 6)

	types := make([]string, 0, len(ch.messages))
	for _, m := range ch.messages[:4] {
		assert.Equal(t, "coordination_updates", m.queue)
		assert.Equal(t, "application/json", m.msg.ContentType)
		assert.Equal(t, amqp.Persistent, m.msg.DeliveryMode)
		assert.NotEmpty(t, m.msg.MessageId)
		types = append(types, m.msg.Type)
	}
	assert.Equal(t, []string{
		domain.MessageGenerationUpdate,
		domain.MessageSolutions,
		domain.MessageTransfer,
		domain.MessageCalendarBlock,
	}, types)

	notice := ch.messages[4]
	assert.Equal(t, "notification_queue", notice.queue)
	msg := decode(t, notice)
	assert.Equal(t, domain.MessageEscalation, msg.Type)
	assert.Equal(t, "site@example.com", msg.To)

	// 没有配置邮箱的联系人
	assert.Empty(t, decode(t, ch.messages[5]).To)
}

func TestPublisherWrapsChannelErrors(t *testing.T) {
	ch := &fakeChannel{err: amqp.ErrClosed}
	p := NewPublisher(testConfig(), ch, discard)

	err := p.ReportGeneration(context.Background(), domain.GenerationUpdate{SessionID: "s-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, amqp.ErrClosed)
}

func TestPublisherRespectsCancelledContext(t *testing.T) {
	cfg := testConfig()
	cfg.RabbitMQ.PublishRate = 0.001
	cfg.RabbitMQ.PublishBurst = 1
	ch := &fakeChannel{}
	p := NewPublisher(cfg, ch, discard)

	require.NoError(t, p.ReportGeneration(context.Background(), domain.GenerationUpdate{SessionID: "s-1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.Error(t, p.ReportGeneration(ctx, domain.GenerationUpdate{SessionID: "s-1"}))
	assert.Len(t, ch.messages, 1)
}

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func (a *fakeAcknowledger) record(tag uint64) *ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.records == nil {
		a.records = make(map[uint64]*ackRecord)
	}
	if a.records[tag] == nil {
		a.records[tag] = &ackRecord{}
	}
	return a.records[tag]
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.record(tag).acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	r := a.record(tag)
	r.nacked = true
	r.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeIngester struct {
	inputs []event.Input
	err    error
}

func (f *fakeIngester) Ingest(_ context.Context, in event.Input) (domain.OptimizationEvent, error) {
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return domain.OptimizationEvent{}, f.err
	}
	return domain.OptimizationEvent{ID: "e-1", SessionID: in.SessionID, Type: in.Type, Severity: in.Severity}, nil
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

func TestConsumerAcknowledgement(t *testing.T) {
	body := `{"sessionID":"s-1","type":"DEMAND_SPIKE","severity":"HIGH","affectedSites":["site-a"],"magnitude":8,"deadlineMinutes":20}`

	tests := []struct {
		name        string
		body        string
		err         error
		wantAck     bool
		wantRequeue bool
	}{
		{name: "合法事件", body: body, wantAck: true},
		{name: "无法解析", body: "{", wantAck: false},
		{name: "校验失败", body: body, err: domain.NewValidationError("magnitude", "必须为正数"), wantAck: false},
		{name: "会话不存在", body: body, err: domain.ErrNotFound, wantAck: false},
		{name: "临时错误", body: body, err: errors.New("数据库不可用"), wantAck: false, wantRequeue: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			ingester := &fakeIngester{err: tt.err}
			c := NewConsumer(ingester, discard)

			c.handle(context.Background(), delivery(ack, 1, tt.body))

			r := ack.record(1)
			assert.Equal(t, tt.wantAck, r.acked)
			assert.Equal(t, !tt.wantAck, r.nacked)
			assert.Equal(t, tt.wantRequeue, r.requeue)
		})
	}
}

func TestConsumerRunConvertsMessages(t *testing.T) {
	ack := &fakeAcknowledger{}
	ingester := &fakeIngester{}
	c := NewConsumer(ingester, discard)

	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- delivery(ack, 1, `{"sessionID":"s-1","type":"AGENT_ABSENCE","severity":"MEDIUM","affectedSites":["site-b"],"magnitude":3,"deadlineMinutes":45}`)
	deliveries <- delivery(ack, 2, `{"sessionID":"s-1","type":"DEMAND_SPIKE","severity":"LOW","affectedSites":["site-a"],"magnitude":1}`)
	close(deliveries)

	c.Run(context.Background(), deliveries)

	require.Len(t, ingester.inputs, 2)
	assert.Equal(t, event.Input{
		SessionID:     "s-1",
		Type:          domain.EventAgentAbsence,
		Severity:      domain.SeverityMedium,
		AffectedSites: []string{"site-b"},
		Magnitude:     3,
		Deadline:      45 * time.Minute,
	}, ingester.inputs[0])
	assert.Zero(t, ingester.inputs[1].Deadline)
	assert.True(t, ack.record(1).acked)
	assert.True(t, ack.record(2).acked)
}
