package handler

import (
	"net/http"
	"time"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/event"
)

func (h *Handler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID       string           `json:"sessionID" validate:"required"`
		Type            domain.EventType `json:"type" validate:"required,oneof=DEMAND_SPIKE AGENT_ABSENCE SYSTEM_FAILURE SERVICE_DEGRADATION TRANSFER_REQUEST MANUAL_OVERRIDE WEATHER_DISRUPTION"`
		Severity        domain.Severity  `json:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL EMERGENCY"`
		AffectedSites   []string         `json:"affectedSites" validate:"required,min=1,dive,required"`
		Magnitude       int              `json:"magnitude" validate:"gte=0"`
		Description     string           `json:"description"`
		DeadlineMinutes int              `json:"deadlineMinutes" validate:"gte=0"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	ev, err := h.events.Ingest(r.Context(), event.Input{
		SessionID:     req.SessionID,
		Type:          req.Type,
		Severity:      req.Severity,
		AffectedSites: req.AffectedSites,
		Magnitude:     req.Magnitude,
		Description:   req.Description,
		Deadline:      time.Duration(req.DeadlineMinutes) * time.Minute,
	})
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "事件已受理", ev)
}

func (h *Handler) GetSessionEvents(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)
	h.successResponse(w, r, "获取会话事件成功", h.events.List(s.ID))
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev := r.Context().Value(EventCtx).(domain.OptimizationEvent)
	h.successResponse(w, r, "获取事件成功", ev)
}

func (h *Handler) AcknowledgeEvent(w http.ResponseWriter, r *http.Request) {
	ev := r.Context().Value(EventCtx).(domain.OptimizationEvent)

	var req struct {
		Responder string `json:"responder" validate:"required"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	updated, err := h.events.Acknowledge(r.Context(), ev.ID, req.Responder)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "已确认升级", updated)
}

func (h *Handler) ResolveEvent(w http.ResponseWriter, r *http.Request) {
	ev := r.Context().Value(EventCtx).(domain.OptimizationEvent)

	var req struct {
		Method        string   `json:"method" validate:"required"`
		Effectiveness *float64 `json:"effectiveness" validate:"required,gte=0,lte=1"`
		ResolvedBy    string   `json:"resolvedBy" validate:"required"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	updated, err := h.events.Resolve(r.Context(), ev.ID, domain.Resolution{
		Method:        req.Method,
		Effectiveness: *req.Effectiveness,
		ResolvedBy:    req.ResolvedBy,
	})
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "事件已解决", updated)
}
