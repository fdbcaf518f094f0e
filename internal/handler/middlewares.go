package handler

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5"
)

type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
}

func (rw *ResponseWriter) WriteHeader(statusCode int) {
	rw.StatusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start)
		h.logger.Info("已处理请求", "status", rw.StatusCode, "ip", r.RemoteAddr, "method", r.Method, "path", r.URL.Path, "duration", duration)
	})
}

func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.internalServerError(w, r, fmt.Errorf("panic: %v", err))
				stackTrace := string(debug.Stack())
				fmt.Print(stackTrace) // 这里如果用 slog 的话会很乱
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) sessionInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := h.sessions.Snapshot(chi.URLParam(r, "id"))
		if err != nil {
			h.domainError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), SessionCtx, s)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) eventInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ev, err := h.events.Get(chi.URLParam(r, "id"))
		if err != nil {
			h.domainError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), EventCtx, ev)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) transferInfo(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tr, err := h.transfers.Get(chi.URLParam(r, "id"))
		if err != nil {
			h.domainError(w, r, err)
			return
		}

		ctx := context.WithValue(r.Context(), TransferCtx, tr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
