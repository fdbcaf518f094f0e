package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
)

type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	Server      struct {
		Port            string `env:"PORT" envDefault:"3000"`
		ReadTimeout     int    `env:"READ_TIMEOUT" envDefault:"10"`
		WriteTimeout    int    `env:"WRITE_TIMEOUT" envDefault:"15"`
		IdleTimeout     int    `env:"IDLE_TIMEOUT" envDefault:"60"`
		ShutdownTimeout int    `env:"SHUTDOWN_TIMEOUT" envDefault:"10"`
		MaxBodyBytes    int64  `env:"MAX_BODY_BYTES" envDefault:"1048576"`
	} `envPrefix:"SERVER_"`
	Database struct {
		DSN                string `env:"DSN,required"`
		ConnectTimeout     int    `env:"CONNECT_TIMEOUT" envDefault:"10"`
		QueryTimeout       int    `env:"QUERY_TIMEOUT" envDefault:"10"`
		TransactionTimeout int    `env:"TRANSACTION_TIMEOUT" envDefault:"30"`
		MaxOpenConns       int    `env:"MAX_OPEN_CONNS" envDefault:"10"`
		MaxIdleConns       int    `env:"MAX_IDLE_CONNS" envDefault:"10"`
		MaxIdleTime        int    `env:"MAX_IDLE_TIME" envDefault:"60"`
	} `envPrefix:"DATABASE_"`
	Email struct {
		SMTP struct {
			Username    string `env:"USERNAME,required"`
			Password    string `env:"PASSWORD,required"`
			Host        string `env:"HOST,required"`
			Port        int    `env:"PORT" envDefault:"465"`
			DialTimeout int    `env:"DIAL_TIMEOUT" envDefault:"10"`
		} `envPrefix:"SMTP_"`
		// 升级联系人到邮箱的映射，例如 "值班主管:duty@example.com,站点经理:site@example.com"
		Contacts map[string]string `env:"CONTACTS" envSeparator:"," envKeyValSeparator:":"`
	} `envPrefix:"EMAIL_"`
	RabbitMQ struct {
		DSN              string  `env:"DSN,required"`
		PublishTimeout   int     `env:"PUBLISH_TIMEOUT" envDefault:"10"`
		PublishRate      float64 `env:"PUBLISH_RATE" envDefault:"50"` // 每秒最多发布的消息数量
		PublishBurst     int     `env:"PUBLISH_BURST" envDefault:"20"`
		EventQueue       string  `env:"EVENT_QUEUE" envDefault:"disruption_events"`
		UpdateQueue      string  `env:"UPDATE_QUEUE" envDefault:"coordination_updates"`
		NotifyQueue      string  `env:"NOTIFY_QUEUE" envDefault:"notification_queue"`
		ConsumerPrefetch int     `env:"CONSUMER_PREFETCH" envDefault:"10"`
	} `envPrefix:"RABBITMQ_"`
	Redis struct {
		Host                string `env:"HOST" envDefault:"localhost"`
		Port                int    `env:"PORT" envDefault:"6379"`
		Password            string `env:"PASSWORD,required"`
		ConnectTimeout      int    `env:"CONNECT_TIMEOUT" envDefault:"10"`
		OperationExpiration int    `env:"OPERATION_EXPIRATION" envDefault:"10"`
		ProgressTTL         int    `env:"PROGRESS_TTL" envDefault:"86400"` // 会话进度快照保留 1 天
	} `envPrefix:"REDIS_"`
	Log struct {
		Level      string `env:"LEVEL" envDefault:"info"`
		File       string `env:"FILE"` // 为空时只输出到标准输出
		MaxSize    int    `env:"MAX_SIZE" envDefault:"100"`
		MaxBackups int    `env:"MAX_BACKUPS" envDefault:"5"`
		MaxAge     int    `env:"MAX_AGE" envDefault:"30"`
	} `envPrefix:"LOG_"`
	Optimizer struct {
		Workers             int     `env:"WORKERS" envDefault:"8"`
		PenaltyPerViolation float64 `env:"PENALTY_PER_VIOLATION" envDefault:"10"`
		ConvergenceWindow   int     `env:"CONVERGENCE_WINDOW" envDefault:"10"`
		EliteCount          int     `env:"ELITE_COUNT" envDefault:"2"`
		TournamentSize      int     `env:"TOURNAMENT_SIZE" envDefault:"3"`
		MonitoringPeriod    int     `env:"MONITORING_PERIOD" envDefault:"300"`
	} `envPrefix:"OPTIMIZER_"`
	Pareto struct {
		RubricFile string `env:"RUBRIC_FILE"` // 为空时使用内置的评分规则
		ResultSize int    `env:"RESULT_SIZE" envDefault:"10"`
	} `envPrefix:"PARETO_"`
	Escalation struct {
		SweepInterval     int      `env:"SWEEP_INTERVAL" envDefault:"30"`
		LowDeadline       int      `env:"LOW_DEADLINE" envDefault:"240"` // 单位为分钟
		MediumDeadline    int      `env:"MEDIUM_DEADLINE" envDefault:"120"`
		HighDeadline      int      `env:"HIGH_DEADLINE" envDefault:"60"`
		CriticalDeadline  int      `env:"CRITICAL_DEADLINE" envDefault:"30"`
		EmergencyDeadline int      `env:"EMERGENCY_DEADLINE" envDefault:"15"`
		Backoff           float64  `env:"BACKOFF" envDefault:"1.5"`
		Contacts          []string `env:"CONTACTS" envSeparator:"," envDefault:"值班主管,站点经理,区域经理,运营总监,副总裁,首席运营官"`
		TransferWindow    int      `env:"TRANSFER_WINDOW" envDefault:"480"`
	} `envPrefix:"ESCALATION_"`
	Transfer struct {
		AutoApproveMaxAgents int      `env:"AUTO_APPROVE_MAX_AGENTS" envDefault:"3"`
		AutoApproveTypes     []string `env:"AUTO_APPROVE_TYPES" envSeparator:"," envDefault:"EMERGENCY"`
		ApprovalTTL          int      `env:"APPROVAL_TTL" envDefault:"240"` // 单位为分钟
		ApprovalSecret       string   `env:"APPROVAL_SECRET"`               // 为空时不签发审批凭证
	} `envPrefix:"TRANSFER_"`
}

// LoadConfig 先读取 .env 文件再解析环境变量，已经存在的环境变量不会被 .env 覆盖
func LoadConfig(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		aggErr := env.AggregateError{}
		if ok := errors.As(err, &aggErr); ok {
			// 只返回第一个错误使得日志更清晰
			return nil, aggErr.Errors[0]
		}
		return nil, err
	}

	return cfg, nil
}

func (c *Config) EscalationDeadlines() map[domain.Severity]time.Duration {
	e := c.Escalation
	return map[domain.Severity]time.Duration{
		domain.SeverityLow:       time.Duration(e.LowDeadline) * time.Minute,
		domain.SeverityMedium:    time.Duration(e.MediumDeadline) * time.Minute,
		domain.SeverityHigh:      time.Duration(e.HighDeadline) * time.Minute,
		domain.SeverityCritical:  time.Duration(e.CriticalDeadline) * time.Minute,
		domain.SeverityEmergency: time.Duration(e.EmergencyDeadline) * time.Minute,
	}
}

func (c *Config) AutoApproveTypes() []domain.TransferType {
	types := make([]domain.TransferType, len(c.Transfer.AutoApproveTypes))
	for i, t := range c.Transfer.AutoApproveTypes {
		types[i] = domain.TransferType(t)
	}
	return types
}
