package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sysu-ecnc-dev/workforce-coordinator/backend/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// New 创建 logger：文本格式输出到标准输出，配置了日志文件时同时以 JSON 格式写入可轮转的文件
// 返回的 io.Closer 用于在退出时关闭日志文件
func New(cfg *config.Config) (*slog.Logger, io.Closer) {
	return NewWithWriter(cfg, os.Stdout)
}

func NewWithWriter(cfg *config.Config, console io.Writer) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Log.Level)}
	handlers := []slog.Handler{slog.NewTextHandler(console, opts)}

	var closer io.Closer = nopCloser{}
	if cfg.Log.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSize,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAge,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closer = file
	}

	logger := slog.New(fanout(handlers)).With("environment", cfg.Environment)
	return logger, closer
}

func parseLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return slog.LevelInfo
	}
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// fanout 将同一条日志交给多个 handler
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			errs = append(errs, h.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	result := make(fanout, len(f))
	for i, h := range f {
		result[i] = h.WithAttrs(attrs)
	}
	return result
}

func (f fanout) WithGroup(name string) slog.Handler {
	result := make(fanout, len(f))
	for i, h := range f {
		result[i] = h.WithGroup(name)
	}
	return result
}
