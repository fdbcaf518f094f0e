package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/session"
)

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string                   `json:"name" validate:"required"`
		Sites       []string                 `json:"sites" validate:"required,min=2,dive,required"`
		PrimarySite string                   `json:"primarySite" validate:"required"`
		WindowStart time.Time                `json:"windowStart" validate:"required"`
		WindowEnd   time.Time                `json:"windowEnd" validate:"required"`
		Weights     domain.ObjectiveWeights  `json:"weights"`
		Toggles     domain.AlgorithmToggles  `json:"toggles"`
		Genetic     domain.GeneticParameters `json:"genetic"`
		Profiles    []domain.SiteProfile     `json:"profiles"`
		Start       bool                     `json:"start"` // 为 true 时创建后立即开始优化
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	s, err := h.sessions.Create(r.Context(), session.CreateRequest{
		Name:        req.Name,
		Sites:       req.Sites,
		PrimarySite: req.PrimarySite,
		WindowStart: req.WindowStart,
		WindowEnd:   req.WindowEnd,
		Weights:     req.Weights,
		Toggles:     req.Toggles,
		Genetic:     req.Genetic,
		Profiles:    req.Profiles,
	})
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	if req.Start {
		if err := h.sessions.Start(s.ID); err != nil {
			h.domainError(w, r, err)
			return
		}
	}

	h.successResponse(w, r, "创建会话成功", s)
}

func (h *Handler) GetAllSessions(w http.ResponseWriter, r *http.Request) {
	h.successResponse(w, r, "获取所有会话成功", h.sessions.List())
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)
	h.successResponse(w, r, "获取会话成功", s)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)

	if err := h.sessions.Start(s.ID); err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "会话已开始优化", nil)
}

// GetSessionProgress 优先读取缓存中的进度快照，缓存不可用时使用内存中的会话状态
func (h *Handler) GetSessionProgress(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)

	if h.progress != nil {
		update, err := h.progress.Progress(r.Context(), s.ID)
		switch {
		case err == nil:
			h.successResponse(w, r, "获取会话进度成功", update)
			return
		case errors.Is(err, domain.ErrNotFound):
		default:
			h.logger.Warn("读取进度缓存失败", "session", s.ID, "error", err)
		}
	}

	h.successResponse(w, r, "获取会话进度成功", domain.GenerationUpdate{
		SessionID:   s.ID,
		Status:      s.Status,
		Generation:  s.CurrentGeneration,
		Epoch:       s.Epoch,
		BestFitness: s.BestFitness,
		Timestamp:   s.UpdatedAt,
	})
}

func (h *Handler) GetSessionSolutions(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)

	solutions, err := h.sessions.Solutions(s.ID)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	if len(solutions) == 0 && h.archive != nil {
		if solutions, err = h.archive.GetSolutionsBySessionID(r.Context(), s.ID); err != nil {
			h.internalServerError(w, r, err)
			return
		}
	}

	h.successResponse(w, r, "获取帕累托方案成功", solutions)
}

func (h *Handler) GetSessionSites(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)

	reg, err := h.sessions.Registry(s.ID)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取会话站点成功", reg.Snapshot())
}

func (h *Handler) AdjustSessionSite(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)

	var req struct {
		MinStaffing     *int `json:"minStaffing" validate:"omitnil,gte=0"`
		MaxStaffing     *int `json:"maxStaffing" validate:"omitnil,gte=0"`
		CurrentStaffing *int `json:"currentStaffing" validate:"omitnil,gte=0"`
		ForecastDemand  *int `json:"forecastDemand" validate:"omitnil,gte=0"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	siteID := chi.URLParam(r, "siteID")
	err := h.sessions.AdjustSite(s.ID, siteID, func(p *domain.SiteProfile) {
		if req.MinStaffing != nil {
			p.MinStaffing = *req.MinStaffing
		}
		if req.MaxStaffing != nil {
			p.MaxStaffing = *req.MaxStaffing
		}
		if req.CurrentStaffing != nil {
			p.CurrentStaffing = *req.CurrentStaffing
		}
		if req.ForecastDemand != nil {
			p.ForecastDemand = *req.ForecastDemand
		}
	})
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "修改站点档案成功", nil)
}

func (h *Handler) ReoptimizeSession(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)

	if err := h.sessions.RequestReoptimization(s.ID); err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "已请求重新优化", nil)
}

func (h *Handler) EnterEmergency(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)

	if err := h.sessions.EnterEmergencyOverride(s.ID); err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "已请求紧急接管", nil)
}

func (h *Handler) ResolveEmergency(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)

	var req struct {
		Resume *bool `json:"resume" validate:"required"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	if err := h.sessions.ResolveEmergency(s.ID, *req.Resume); err != nil {
		h.domainError(w, r, err)
		return
	}

	if *req.Resume {
		h.successResponse(w, r, "会话将以重新播种的种群恢复优化", nil)
	} else {
		h.successResponse(w, r, "会话已终止", nil)
	}
}

func (h *Handler) GetAllSites(w http.ResponseWriter, r *http.Request) {
	if h.catalog == nil {
		h.successResponse(w, r, "获取站点目录成功", []domain.SiteProfile{})
		return
	}

	sites, err := h.catalog.GetAllSiteProfiles(r.Context())
	if err != nil {
		h.internalServerError(w, r, err)
		return
	}

	h.successResponse(w, r, "获取站点目录成功", sites)
}
