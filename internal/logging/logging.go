// Package logging builds the slog loggers shared by the panel's managers
// and HTTP layer.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	gormlogger "gorm.io/gorm/logger"
)

// ParseLevel normalizes a log level string into slog.Level.
// Unknown values return slog.LevelInfo with an error.
func ParseLevel(s string) (slog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}

type Options struct {
	Level       string
	JSON        bool
	Writer      io.Writer
	DefaultSlog bool
}

func New(opt Options) (*slog.Logger, error) {
	level, err := ParseLevel(opt.Level)
	if err != nil {
		return nil, err
	}
	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	ho := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}

	var h slog.Handler
	if opt.JSON {
		h = slog.NewJSONHandler(w, ho)
	} else {
		h = slog.NewTextHandler(w, ho)
	}
	lg := slog.New(h)
	if opt.DefaultSlog {
		slog.SetDefault(lg)
	}
	return lg, nil
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// Gorm adapts a slog logger to gorm's logger interface. Only slow queries
// and errors are reported; record-not-found is expected traffic.
type Gorm struct {
	Logger        *slog.Logger
	SlowThreshold time.Duration
	level         gormlogger.LogLevel
}

func NewGorm(lg *slog.Logger) *Gorm {
	return &Gorm{Logger: lg, SlowThreshold: 200 * time.Millisecond, level: gormlogger.Warn}
}

func (g *Gorm) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *Gorm) Info(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Info {
		g.Logger.InfoContext(ctx, "gorm: "+msg, "args", args)
	}
}

func (g *Gorm) Warn(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Warn {
		g.Logger.WarnContext(ctx, "gorm: "+msg, "args", args)
	}
}

func (g *Gorm) Error(ctx context.Context, msg string, args ...interface{}) {
	if g.level >= gormlogger.Error {
		g.Logger.ErrorContext(ctx, "gorm: "+msg, "args", args)
	}
}

func (g *Gorm) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	switch {
	case err != nil && !errors.Is(err, gormlogger.ErrRecordNotFound) && g.level >= gormlogger.Error:
		sql, rows := fc()
		g.Logger.ErrorContext(ctx, "gorm query failed", "err", err, "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	case g.SlowThreshold > 0 && elapsed > g.SlowThreshold && g.level >= gormlogger.Warn:
		sql, rows := fc()
		g.Logger.WarnContext(ctx, "gorm slow query", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	case g.level >= gormlogger.Info:
		sql, rows := fc()
		g.Logger.DebugContext(ctx, "gorm query", "sql", sql, "rows", rows, "elapsed_ms", elapsed.Milliseconds())
	}
}
