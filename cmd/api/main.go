package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/cache"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/event"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/handler"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/logging"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/messaging"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/pareto"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/repository"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/session"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/transfer"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	/**********************************************
	 * 加载配置
	 **********************************************/
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("无法加载配置文件", "error", err)
		return
	}

	/**********************************************
	 * 创建 logger
	 **********************************************/
	logger, logCloser := logging.New(cfg)
	defer logCloser.Close()
	slog.SetDefault(logger)

	/**********************************************
	 * 连接数据库
	 **********************************************/
	dbpool, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		logger.Error("无法创建数据库连接池", "error", err)
		return
	}
	defer dbpool.Close()

	dbpool.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	dbpool.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	dbpool.SetConnMaxIdleTime(time.Duration(cfg.Database.MaxIdleTime) * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Database.ConnectTimeout)*time.Second)
	defer cancel()

	// sql.Open 只是创建数据库连接池对象，并不会立即连接到数据库，因此需要显式地 ping 一下
	if err := dbpool.PingContext(ctx); err != nil {
		logger.Error("无法连接到数据库", "error", err)
		return
	}

	repo := repository.NewRepository(cfg, dbpool)

	/**********************************************
	 * 连接 rabbitmq
	 **********************************************/
	conn, err := amqp.Dial(cfg.RabbitMQ.DSN)
	if err != nil {
		logger.Error("无法连接到 rabbitmq", "error", err)
		return
	}
	defer conn.Close()

	// 发布和消费使用不同的通道，避免消费端的流控阻塞发布
	publishCh, err := conn.Channel()
	if err != nil {
		logger.Error("无法建立通道", "error", err)
		return
	}
	defer publishCh.Close()

	if err := messaging.DeclareQueues(publishCh, cfg); err != nil {
		logger.Error("无法声明队列", "error", err)
		return
	}

	consumeCh, err := conn.Channel()
	if err != nil {
		logger.Error("无法建立通道", "error", err)
		return
	}
	defer consumeCh.Close()

	if err := consumeCh.Qos(cfg.RabbitMQ.ConsumerPrefetch, 0, false); err != nil {
		logger.Error("无法设置预取数量", "error", err)
		return
	}

	/**********************************************
	 * 连接 redis
	 **********************************************/
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       0,
	})
	defer rdb.Close()

	ctx, cancel = context.WithTimeout(context.Background(), time.Duration(cfg.Redis.ConnectTimeout)*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("无法连接到 redis", "error", err)
		return
	}

	progress := cache.New(cfg, rdb)
	publisher := messaging.NewPublisher(cfg, publishCh, logger)

	/**********************************************
	 * 创建会话管理器、调动协商方和事件处理器
	 **********************************************/
	rubric := pareto.DefaultRubric()
	if cfg.Pareto.RubricFile != "" {
		if rubric, err = pareto.LoadRubric(cfg.Pareto.RubricFile); err != nil {
			logger.Error("无法加载帕累托评分规则", "file", cfg.Pareto.RubricFile, "error", err)
			return
		}
	}

	sessions := session.NewManager(
		session.Config{
			Workers:             cfg.Optimizer.Workers,
			PenaltyPerViolation: cfg.Optimizer.PenaltyPerViolation,
			ResultSize:          cfg.Pareto.ResultSize,
			MonitoringPeriod:    time.Duration(cfg.Optimizer.MonitoringPeriod) * time.Second,
			ConvergenceWindow:   cfg.Optimizer.ConvergenceWindow,
			EliteCount:          cfg.Optimizer.EliteCount,
			TournamentSize:      cfg.Optimizer.TournamentSize,
		},
		session.WithSiteSource(repo),
		session.WithStore(repo),
		session.WithReporter(session.Reporters{progress, publisher}),
		session.WithRanker(pareto.NewRanker(rubric)),
		session.WithLogger(logger),
	)
	defer sessions.Close()

	transfers := transfer.NewNegotiator(sessions,
		transfer.Policy{
			AutoApproveMaxAgents: cfg.Transfer.AutoApproveMaxAgents,
			AutoApproveTypes:     cfg.AutoApproveTypes(),
			ApprovalTTL:          time.Duration(cfg.Transfer.ApprovalTTL) * time.Minute,
		},
		transfer.WithStore(repo),
		transfer.WithPublisher(publisher),
		transfer.WithTicketSecret(cfg.Transfer.ApprovalSecret),
		transfer.WithCalibrationHook(func(ctx context.Context, tr domain.TransferRequest) {
			logger.Info("调动已完成，记录实际影响用于校准",
				"transfer", tr.ID,
				"expectedCoverage", tr.ExpectedImpact.CoverageDelta,
				"actualCoverage", tr.ActualImpact.CoverageDelta,
			)
		}),
		transfer.WithLogger(logger),
	)
	sessions.SetTransfers(transfers)

	events := event.NewHandler(sessions,
		event.Policy{
			Deadlines:      cfg.EscalationDeadlines(),
			Backoff:        cfg.Escalation.Backoff,
			Contacts:       cfg.Escalation.Contacts,
			TransferWindow: time.Duration(cfg.Escalation.TransferWindow) * time.Minute,
		},
		event.WithTransfers(transfers),
		event.WithStore(repo),
		event.WithNotifier(publisher),
		event.WithCalendar(publisher),
		event.WithLocker(progress),
		event.WithExpirer(transfers),
		event.WithLogger(logger),
	)

	ctx, cancel = context.WithTimeout(context.Background(), time.Duration(cfg.Database.QueryTimeout)*time.Second)
	defer cancel()

	recovered, err := events.Recover(ctx)
	if err != nil {
		logger.Error("无法恢复未解决的事件", "error", err)
		return
	}
	logger.Info("已恢复未解决的事件", "count", recovered)

	/**********************************************
	 * 启动后台任务
	 **********************************************/
	bgCtx, bgCancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		events.Run(bgCtx, time.Duration(cfg.Escalation.SweepInterval)*time.Second)
	}()

	deliveries, err := consumeCh.Consume(
		cfg.RabbitMQ.EventQueue,
		"",    // 由 RabbitMQ 自动分配消费者标识
		false, // 手动确认
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		logger.Error("无法消费事件队列", "error", err)
		bgCancel()
		wg.Wait()
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		messaging.NewConsumer(events, logger).Run(bgCtx, deliveries)
	}()

	/**********************************************
	 * 创建 handler
	 **********************************************/
	h, err := handler.NewHandler(cfg, handler.Services{
		Sessions:  sessions,
		Events:    events,
		Transfers: transfers,
		Catalog:   repo,
		Progress:  progress,
		Archive:   repo,
	}, logger)
	if err != nil {
		logger.Error("无法创建 handler", "error", err)
		bgCancel()
		wg.Wait()
		return
	}
	h.RegisterRoutes()

	/**********************************************
	 * 启动 HTTP 服务器
	 **********************************************/
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      h.Mux,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("正在启动服务器...", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("无法启动服务器", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	<-quit
	logger.Info("正在关闭服务器...")

	ctx, cancel = context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("关闭服务器失败", "error", err)
	}

	bgCancel()
	wg.Wait()
	logger.Info("服务器已成功关闭")
}
