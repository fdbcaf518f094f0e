package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"golang.org/x/time/rate"
)

// Channel 是 *amqp.Channel 中发布消息的部分
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// QueueDeclarer 是 *amqp.Channel 中声明队列的部分
type QueueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// DeclareQueues 声明服务用到的所有队列
func DeclareQueues(ch QueueDeclarer, cfg *config.Config) error {
	for _, name := range []string{cfg.RabbitMQ.EventQueue, cfg.RabbitMQ.UpdateQueue, cfg.RabbitMQ.NotifyQueue} {
		if _, err := ch.QueueDeclare(
			name,
			true,  // 持久化
			false, // 没有消费者时不自动删除
			false, // 不独占
			false, // 等待 RabbitMQ 确认
			nil,
		); err != nil {
			return fmt.Errorf("无法声明队列 %s: %w", name, err)
		}
	}
	return nil
}

// Publisher 将会话进度、调动结果和升级通知发送到消息队列
// 所有发布共享同一个限流器，避免优化器每代的进度消息挤占通知
type Publisher struct {
	cfg     *config.Config
	ch      Channel
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewPublisher(cfg *config.Config, ch Channel, logger *slog.Logger) *Publisher {
	return &Publisher{
		cfg:     cfg,
		ch:      ch,
		limiter: rate.NewLimiter(rate.Limit(cfg.RabbitMQ.PublishRate), max(1, cfg.RabbitMQ.PublishBurst)),
		logger:  logger.With("component", "messaging"),
	}
}

func (p *Publisher) publish(ctx context.Context, queue string, msg domain.Message) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.RabbitMQ.PublishTimeout)*time.Second)
	defer cancel()

	if err := p.ch.PublishWithContext(
		ctx,
		"",
		queue,
		true,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Type:         msg.Type,
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("无法发布 %s 消息到队列 %s: %w", msg.Type, queue, err)
	}

	return nil
}

func (p *Publisher) ReportGeneration(ctx context.Context, update domain.GenerationUpdate) error {
	return p.publish(ctx, p.cfg.RabbitMQ.UpdateQueue, domain.Message{
		Type: domain.MessageGenerationUpdate,
		Data: update,
	})
}

func (p *Publisher) ReportSolutions(ctx context.Context, sessionID string, solutions []domain.ParetoSolution) error {
	return p.publish(ctx, p.cfg.RabbitMQ.UpdateQueue, domain.Message{
		Type: domain.MessageSolutions,
		Data: domain.SolutionsMessage{SessionID: sessionID, Solutions: solutions},
	})
}

func (p *Publisher) PublishTransfer(ctx context.Context, tr domain.TransferRequest) error {
	return p.publish(ctx, p.cfg.RabbitMQ.UpdateQueue, domain.Message{
		Type: domain.MessageTransfer,
		Data: tr,
	})
}

func (p *Publisher) BlockWindow(ctx context.Context, siteID string, start, end time.Time) error {
	return p.publish(ctx, p.cfg.RabbitMQ.UpdateQueue, domain.Message{
		Type: domain.MessageCalendarBlock,
		Data: domain.CalendarBlockMessage{SiteID: siteID, WindowStart: start, WindowEnd: end},
	})
}

// NotifyEscalation 将升级通知发送到通知队列，收件人邮箱由联系人角色映射得到
// 没有配置邮箱的联系人仍然会收到消息，由通知服务决定如何处理
func (p *Publisher) NotifyEscalation(ctx context.Context, notice domain.EscalationNotice) error {
	to, ok := p.cfg.Email.Contacts[notice.Contact]
	if !ok {
		p.logger.Warn("升级联系人没有配置邮箱", "contact", notice.Contact, "event", notice.EventID)
	}

	return p.publish(ctx, p.cfg.RabbitMQ.NotifyQueue, domain.Message{
		Type: domain.MessageEscalation,
		To:   to,
		Data: notice,
	})
}
