package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/transfer"
)

func (h *Handler) RequestTransfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID       string              `json:"sessionID" validate:"required"`
		SourceSite      string              `json:"sourceSite" validate:"required"`
		DestinationSite string              `json:"destinationSite" validate:"required,nefield=SourceSite"`
		Agents          int                 `json:"agents" validate:"required,gt=0"`
		RequiredSkills  []string            `json:"requiredSkills" validate:"dive,required"`
		WindowStart     time.Time           `json:"windowStart" validate:"required"`
		WindowEnd       time.Time           `json:"windowEnd" validate:"required"`
		Type            domain.TransferType `json:"type" validate:"required,oneof=PERMANENT TEMPORARY EMERGENCY TRAINING SURGE"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	tr, err := h.transfers.Request(r.Context(), transfer.Input{
		SessionID:       req.SessionID,
		SourceSite:      req.SourceSite,
		DestinationSite: req.DestinationSite,
		Agents:          req.Agents,
		RequiredSkills:  req.RequiredSkills,
		WindowStart:     req.WindowStart,
		WindowEnd:       req.WindowEnd,
		Type:            req.Type,
		Origin:          domain.OriginManual,
	})
	if err != nil {
		var (
			capacityErr *domain.CapacityError
			skillErr    *domain.SkillMismatchError
		)
		// 被拒绝的请求仍然有记录，一并返回给调用方
		if errors.As(err, &capacityErr) || errors.As(err, &skillErr) {
			h.writeJSON(w, r, http.StatusOK, Response{Success: false, Message: err.Error(), Data: tr})
			return
		}
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "调动请求已提交", tr)
}

func (h *Handler) GetSessionTransfers(w http.ResponseWriter, r *http.Request) {
	s := r.Context().Value(SessionCtx).(domain.CoordinationSession)
	h.successResponse(w, r, "获取会话调动请求成功", h.transfers.List(s.ID))
}

func (h *Handler) GetTransfer(w http.ResponseWriter, r *http.Request) {
	tr := r.Context().Value(TransferCtx).(domain.TransferRequest)
	h.successResponse(w, r, "获取调动请求成功", tr)
}

func (h *Handler) ApproveTransfer(w http.ResponseWriter, r *http.Request) {
	tr := r.Context().Value(TransferCtx).(domain.TransferRequest)

	var req struct {
		Approver string `json:"approver" validate:"required"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	updated, err := h.transfers.Approve(r.Context(), tr.ID, req.Approver)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "调动请求已批准", updated)
}

func (h *Handler) RejectTransfer(w http.ResponseWriter, r *http.Request) {
	tr := r.Context().Value(TransferCtx).(domain.TransferRequest)

	var req struct {
		Reason string `json:"reason" validate:"required"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	updated, err := h.transfers.Reject(r.Context(), tr.ID, req.Reason)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "调动请求已拒绝", updated)
}

func (h *Handler) CancelTransfer(w http.ResponseWriter, r *http.Request) {
	tr := r.Context().Value(TransferCtx).(domain.TransferRequest)

	var req struct {
		Reason string `json:"reason"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	updated, err := h.transfers.Cancel(r.Context(), tr.ID, req.Reason)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "调动请求已取消", updated)
}

func (h *Handler) BeginTransfer(w http.ResponseWriter, r *http.Request) {
	tr := r.Context().Value(TransferCtx).(domain.TransferRequest)

	updated, err := h.transfers.Begin(r.Context(), tr.ID)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "调动已开始执行", updated)
}

func (h *Handler) CompleteTransfer(w http.ResponseWriter, r *http.Request) {
	tr := r.Context().Value(TransferCtx).(domain.TransferRequest)

	var req domain.Impact
	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	updated, err := h.transfers.Complete(r.Context(), tr.ID, req)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "调动已完成", updated)
}

func (h *Handler) IssueTransferTicket(w http.ResponseWriter, r *http.Request) {
	tr := r.Context().Value(TransferCtx).(domain.TransferRequest)

	var req struct {
		Approver string `json:"approver" validate:"required"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	ticket, err := h.transfers.IssueTicket(tr.ID, req.Approver)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "签发审批凭证成功", map[string]string{"ticket": ticket})
}

func (h *Handler) ApproveTransferByTicket(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ticket string `json:"ticket" validate:"required"`
	}

	if err := h.readJSON(w, r, &req); err != nil {
		h.badRequest(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.badRequest(w, r, err)
		return
	}

	updated, err := h.transfers.ApproveWithToken(r.Context(), req.Ticket)
	if err != nil {
		h.domainError(w, r, err)
		return
	}

	h.successResponse(w, r, "调动请求已批准", updated)
}
