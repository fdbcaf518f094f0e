package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/event"
)

type Ingester interface {
	Ingest(ctx context.Context, in event.Input) (domain.OptimizationEvent, error)
}

// Consumer 消费事件队列中的扰动事件并交给事件处理器
type Consumer struct {
	ingester Ingester
	logger   *slog.Logger
}

func NewConsumer(ingester Ingester, logger *slog.Logger) *Consumer {
	return &Consumer{
		ingester: ingester,
		logger:   logger.With("component", "messaging"),
	}
}

// Run 处理消息直到 ctx 被取消或通道关闭
func (c *Consumer) Run(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-deliveries:
			if !ok {
				c.logger.Warn("事件队列的通道已关闭")
				return
			}
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg amqp.Delivery) {
	var dm domain.DisruptionMessage
	if err := json.Unmarshal(msg.Body, &dm); err != nil {
		c.logger.Error("扰动事件反序列化失败", "error", err)
		_ = msg.Nack(false, false)
		return
	}

	ev, err := c.ingester.Ingest(ctx, event.Input{
		SessionID:     dm.SessionID,
		Type:          dm.Type,
		Severity:      dm.Severity,
		AffectedSites: dm.AffectedSites,
		Magnitude:     dm.Magnitude,
		Description:   dm.Description,
		Deadline:      time.Duration(dm.DeadlineMinutes) * time.Minute,
	})
	if err != nil {
		var validationErr *domain.ValidationError
		switch {
		case errors.As(err, &validationErr), errors.Is(err, domain.ErrNotFound):
			// 重新投递也不会成功，直接丢弃
			c.logger.Warn("丢弃不合法的扰动事件", "session", dm.SessionID, "error", err)
			_ = msg.Nack(false, false)
		default:
			c.logger.Error("处理扰动事件失败", "session", dm.SessionID, "error", err)
			_ = msg.Nack(false, true) // 将消息重新入队
		}
		return
	}

	c.logger.Info("收到扰动事件", "event", ev.ID, "session", ev.SessionID, "type", ev.Type, "severity", ev.Severity)
	_ = msg.Ack(false)
}
