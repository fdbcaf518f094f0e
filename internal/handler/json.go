package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/domain"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/registry"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/session"
	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/transfer"
)

const defaultMaxBodyBytes = 1 << 20

// 失败响应中的错误码，调度台据此区分需要人工处理的情况
const (
	codeBadRequest        = "BAD_REQUEST"
	codeValidation        = "VALIDATION_FAILED"
	codeNotFound          = "NOT_FOUND"
	codeInvalidTransition = "INVALID_TRANSITION"
	codeCapacity          = "CAPACITY_EXCEEDED"
	codeSkillMismatch     = "SKILL_MISMATCH"
	codeFrozen            = "PROFILE_FROZEN"
	codeNotParticipant    = "NOT_PARTICIPANT"
	codeAlreadyStarted    = "ALREADY_STARTED"
	codeOverrideDisabled  = "OVERRIDE_DISABLED"
	codeTicket            = "TICKET_REJECTED"
	codeInternal          = "INTERNAL"
)

type Response struct {
	Success bool   `json:"success"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// requestError 请求体本身无法解析，消息可以直接返回给调用方
type requestError struct {
	msg string
}

func (e *requestError) Error() string {
	return e.msg
}

func (h *Handler) maxBodyBytes() int64 {
	if h.config == nil || h.config.Server.MaxBodyBytes <= 0 {
		return defaultMaxBodyBytes
	}
	return h.config.Server.MaxBodyBytes
}

// readJSON 解析请求体中唯一的 JSON 对象，解析失败时返回 *requestError
func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	limit := h.maxBodyBytes()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))

	if err := dec.Decode(v); err != nil {
		var (
			syntaxErr *json.SyntaxError
			typeErr   *json.UnmarshalTypeError
			sizeErr   *http.MaxBytesError
		)
		switch {
		case errors.Is(err, io.EOF):
			return &requestError{"请求体不能为空"}
		case errors.As(err, &syntaxErr):
			return &requestError{fmt.Sprintf("请求体在第 %d 个字节处不是合法的 JSON", syntaxErr.Offset)}
		case errors.Is(err, io.ErrUnexpectedEOF):
			return &requestError{"请求体 JSON 不完整"}
		case errors.As(err, &typeErr):
			if typeErr.Field != "" {
				return &requestError{fmt.Sprintf("字段 %s 的类型不正确", typeErr.Field)}
			}
			return &requestError{"请求体的类型不正确"}
		case errors.As(err, &sizeErr):
			return &requestError{fmt.Sprintf("请求体不能超过 %d 字节", limit)}
		default:
			return &requestError{"无法解析请求体: " + err.Error()}
		}
	}

	if dec.More() {
		return &requestError{"请求体只能包含一个 JSON 对象"}
	}
	return nil
}

// writeJSON 先完整编码再写出，编码失败时仍可以返回 500
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		h.logger.Error("编码响应失败", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "服务器内部错误", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("写出响应失败", "method", r.Method, "path", r.URL.Path, "error", err)
	}
}

func (h *Handler) successResponse(w http.ResponseWriter, r *http.Request, msg string, data any) {
	h.writeJSON(w, r, http.StatusOK, Response{
		Success: true,
		Message: msg,
		Data:    data,
	})
}

// failure 业务失败沿用 200 状态码，由 success 和 code 区分
func (h *Handler) failure(w http.ResponseWriter, r *http.Request, code, field, msg string) {
	h.writeJSON(w, r, http.StatusOK, Response{
		Code:    code,
		Field:   field,
		Message: msg,
	})
}

func (h *Handler) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reqErr           *requestError
		validationErrors validator.ValidationErrors
	)

	switch {
	case errors.As(err, &reqErr):
		h.failure(w, r, codeBadRequest, "", reqErr.msg)
	case errors.As(err, &validationErrors):
		first := validationErrors[0]
		h.failure(w, r, codeValidation, first.Namespace(), first.Translate(h.translator))
	default:
		h.domainError(w, r, err)
	}
}

func (h *Handler) internalServerError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("服务器内部错误", "method", r.Method, "path", r.URL.Path, "error", err)
	h.writeJSON(w, r, http.StatusInternalServerError, Response{
		Code:    codeInternal,
		Message: "服务器内部错误",
	})
}

var sentinelCodes = []struct {
	err  error
	code string
}{
	{domain.ErrNotFound, codeNotFound},
	{domain.ErrInvalidTransition, codeInvalidTransition},
	{registry.ErrFrozen, codeFrozen},
	{registry.ErrNotParticipant, codeNotParticipant},
	{session.ErrAlreadyStarted, codeAlreadyStarted},
	{session.ErrOverrideDisabled, codeOverrideDisabled},
	{transfer.ErrTicketDisabled, codeTicket},
	{transfer.ErrInvalidTicket, codeTicket},
}

// domainError 将业务错误转换为失败响应，无法识别的错误视为服务器内部错误
func (h *Handler) domainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *domain.ValidationError
		capacityErr   *domain.CapacityError
		skillErr      *domain.SkillMismatchError
	)

	switch {
	case errors.As(err, &validationErr):
		h.failure(w, r, codeValidation, validationErr.Field, err.Error())
		return
	case errors.As(err, &capacityErr):
		h.failure(w, r, codeCapacity, "", err.Error())
		return
	case errors.As(err, &skillErr):
		h.failure(w, r, codeSkillMismatch, "", err.Error())
		return
	}

	for _, s := range sentinelCodes {
		if errors.Is(err, s.err) {
			h.failure(w, r, s.code, "", err.Error())
			return
		}
	}

	h.internalServerError(w, r, err)
}
