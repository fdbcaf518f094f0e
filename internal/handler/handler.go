package handler

import (
	"context"
	"log/slog"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/event"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/session"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/transfer"
)

// SiteCatalog 站点目录，创建会话时没有提供站点档案则使用目录中的默认档案
type SiteCatalog interface {
	GetAllSiteProfiles(ctx context.Context) ([]domain.SiteProfile, error)
}

// ProgressReader 读取缓存的会话进度
type ProgressReader interface {
	Progress(ctx context.Context, sessionID string) (domain.GenerationUpdate, error)
}

// SolutionArchive 已持久化的方案，用于查询进程重启前结束的会话
type SolutionArchive interface {
	GetSolutionsBySessionID(ctx context.Context, sessionID string) ([]domain.ParetoSolution, error)
}

type Services struct {
	Sessions  *session.Manager
	Events    *event.Handler
	Transfers *transfer.Negotiator
	Catalog   SiteCatalog
	Progress  ProgressReader
	Archive   SolutionArchive
}

type Handler struct {
	validate   *validator.Validate
	config     *config.Config
	translator ut.Translator
	logger     *slog.Logger

	sessions  *session.Manager
	events    *event.Handler
	transfers *transfer.Negotiator
	catalog   SiteCatalog
	progress  ProgressReader
	archive   SolutionArchive

	Mux *chi.Mux
}

func NewHandler(cfg *config.Config, svc Services, logger *slog.Logger) (*Handler, error) {
	validate := validator.New(validator.WithRequiredStructEnabled())
	zh := zh.New()
	uni := ut.New(zh, zh)
	trans, _ := uni.GetTranslator("zh")
	if err := zh_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		return nil, err
	}

	return &Handler{
		validate:   validate,
		config:     cfg,
		translator: trans,
		logger:     logger.With("component", "handler"),

		sessions:  svc.Sessions,
		events:    svc.Events,
		transfers: svc.Transfers,
		catalog:   svc.Catalog,
		progress:  svc.Progress,
		archive:   svc.Archive,

		Mux: chi.NewRouter(),
	}, nil
}

func (h *Handler) RegisterRoutes() {
	h.Mux.Use(h.requestLogger)
	h.Mux.Use(h.recoverer)

	h.Mux.Get("/sites", h.GetAllSites)

	h.Mux.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.GetAllSessions)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(h.sessionInfo)
			r.Get("/", h.GetSession)
			r.Post("/start", h.StartSession)
			r.Get("/progress", h.GetSessionProgress)
			r.Get("/solutions", h.GetSessionSolutions)
			r.Get("/sites", h.GetSessionSites)
			r.Patch("/sites/{siteID}", h.AdjustSessionSite) // 只允许在紧急接管期间调用
			r.Post("/reoptimize", h.ReoptimizeSession)
			r.Post("/emergency", h.EnterEmergency)
			r.Post("/emergency/resolve", h.ResolveEmergency)
			r.Get("/events", h.GetSessionEvents)
			r.Get("/transfers", h.GetSessionTransfers)
		})
	})

	h.Mux.Route("/events", func(r chi.Router) {
		r.Post("/", h.IngestEvent)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(h.eventInfo)
			r.Get("/", h.GetEvent)
			r.Post("/acknowledge", h.AcknowledgeEvent)
			r.Post("/resolve", h.ResolveEvent)
		})
	})

	h.Mux.Route("/transfers", func(r chi.Router) {
		r.Post("/", h.RequestTransfer)
		r.Post("/approve-by-ticket", h.ApproveTransferByTicket)
		r.Route("/{id}", func(r chi.Router) {
			r.Use(h.transferInfo)
			r.Get("/", h.GetTransfer)
			r.Post("/approve", h.ApproveTransfer)
			r.Post("/reject", h.RejectTransfer)
			r.Post("/cancel", h.CancelTransfer)
			r.Post("/begin", h.BeginTransfer)
			r.Post("/complete", h.CompleteTransfer)
			r.Post("/ticket", h.IssueTransferTicket)
		})
	})
}
