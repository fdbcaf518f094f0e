package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/logging"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/messaging"
	"github.com/wneessen/go-mail"
)

// errNoRecipient 联系人没有配置邮箱，重新投递也无法送达
var errNoRecipient = errors.New("升级通知没有收件人")

// buildEscalationMail 根据队列中的消息构建升级通知邮件
func buildEscalationMail(from string, tmpl *template.Template, body []byte) (*mail.Msg, domain.EscalationNotice, error) {
	var envelope struct {
		Type string                  `json:"type"`
		To   string                  `json:"to"`
		Data domain.EscalationNotice `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.EscalationNotice{}, err
	}
	notice := envelope.Data

	if envelope.Type != domain.MessageEscalation {
		return nil, notice, fmt.Errorf("不支持的通知类型 %q", envelope.Type)
	}
	if envelope.To == "" {
		return nil, notice, errNoRecipient
	}

	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return nil, notice, err
	}
	if err := msg.To(envelope.To); err != nil {
		return nil, notice, err
	}
	if err := msg.SetBodyHTMLTemplate(tmpl, notice); err != nil {
		return nil, notice, err
	}

	switch {
	case notice.TimedOut:
		msg.Subject(fmt.Sprintf("【需要人工介入】事件 %s 未能在最高升级级别内解决", notice.EventID))
		msg.SetImportance(mail.ImportanceUrgent)
	case notice.Severity.AtLeast(domain.SeverityCritical):
		msg.Subject(fmt.Sprintf("【%s】事件升级通知（第 %d 级）", notice.Severity, notice.Level))
		msg.SetImportance(mail.ImportanceHigh)
	default:
		msg.Subject(fmt.Sprintf("事件升级通知（第 %d 级）", notice.Level))
	}

	return msg, notice, nil
}

func main() {
	/**********************************************
	 * 读取配置文件
	 **********************************************/
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("无法读取配置文件", "error", err)
		return
	}

	logger, logCloser := logging.New(cfg)
	defer logCloser.Close()
	logger = logger.With("component", "notify")

	tmpl, err := template.ParseFiles("./templates/escalation_email.html")
	if err != nil {
		logger.Error("无法解析邮件模板", "error", err)
		return
	}

	/**********************************************
	 * 创建邮件客户端
	 **********************************************/
	client, err := mail.NewClient(cfg.Email.SMTP.Host,
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithSSL(),
		mail.WithPort(cfg.Email.SMTP.Port),
		mail.WithUsername(cfg.Email.SMTP.Username),
		mail.WithPassword(cfg.Email.SMTP.Password),
	)
	if err != nil {
		logger.Error("无法创建邮件客户端", "error", err)
		return
	}
	defer client.Close()

	// 验证邮件客户端是否连接成功
	clientDialCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Email.SMTP.DialTimeout)*time.Second)
	defer cancel()
	if err := client.DialWithContext(clientDialCtx); err != nil {
		logger.Error("无法连接到邮件服务器", "error", err)
		return
	}

	/**********************************************
	 * 连接 RabbitMQ
	 **********************************************/
	conn, err := amqp.Dial(cfg.RabbitMQ.DSN)
	if err != nil {
		logger.Error("无法连接到 RabbitMQ", "error", err)
		return
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Error("无法创建通道", "error", err)
		return
	}
	defer ch.Close()

	if err := messaging.DeclareQueues(ch, cfg); err != nil {
		logger.Error("无法声明队列", "error", err)
		return
	}

	if err := ch.Qos(cfg.RabbitMQ.ConsumerPrefetch, 0, false); err != nil {
		logger.Error("无法设置预取数量", "error", err)
		return
	}

	// 监听 CTRL+C
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	msgs, err := ch.Consume(
		cfg.RabbitMQ.NotifyQueue, // 队列
		"",                       // 消费者标识，设置为空字符串，表示由 RabbitMQ 自动分配
		false,                    // 手动确认
		false,                    // 是否独占队列
		false,                    // RabbitMQ 不支持 noLocal
		false,                    // 等待 RabbitMQ 响应
		nil,                      // 额外参数
	)
	if err != nil {
		logger.Error("无法消费消息", "error", err)
		return
	}

	// 用于关闭 goroutine 的上下文
	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Warn("通知队列的通道已关闭")
					return
				}

				m, notice, err := buildEscalationMail(cfg.Email.SMTP.Username, tmpl, msg.Body)
				if err != nil {
					logger.Error("无法构建升级通知邮件", "event", notice.EventID, "contact", notice.Contact, "error", err)
					_ = msg.Nack(false, false)
					continue
				}

				// 发送邮件
				if err := client.DialAndSendWithContext(ctx, m); err != nil {
					logger.Error("邮件发送失败", "event", notice.EventID, "error", err)
					_ = msg.Nack(false, true) // 将消息重新入队
					continue
				}

				logger.Info("已发送升级通知", "event", notice.EventID, "level", notice.Level, "contact", notice.Contact)
				_ = msg.Ack(false)
			}
		}
	}()

	// 等待 CTRL+C 信号
	logger.Info("等待消息...（按 CTRL+C 退出）")
	<-sigChan

	// 优雅退出
	logger.Info("正在关闭 notify worker...")
	cancel()
	wg.Wait()
	logger.Info("notify worker 已成功关闭")
}
