package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config controls logger setup.
type Config struct {
	Debug    bool
	Level    string // debug|info|warn|error, overrides Debug when set
	FilePath string // empty means stdout
}

var (
	instance *slog.Logger
	level    = new(slog.LevelVar)
	once     sync.Once
	file     *os.File
)

// sensitiveKeys never reach the log sink with their value.
var sensitiveKeys = []string{"password", "passwd", "token", "secret", "otp", "pin", "cookie"}

// Setup configures the process-wide logger. Only the first call takes effect.
func Setup(cfg Config) {
	once.Do(func() {
		level.Set(parseLevel(cfg))

		var w io.Writer = os.Stdout
		if cfg.FilePath != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0700); err == nil {
				f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
				if err == nil {
					file = f
					w = f
				}
			}
		}

		handler := slog.NewTextHandler(w, &slog.HandlerOptions{
			AddSource:   cfg.Debug,
			Level:       level,
			ReplaceAttr: redact,
		})
		instance = slog.New(handler)
		slog.SetDefault(instance)
	})
}

func parseLevel(cfg Config) slog.Level {
	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info":
		return slog.LevelInfo
	}
	if cfg.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

func redact(groups []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if key == s || strings.HasSuffix(key, "_"+s) {
			return slog.String(a.Key, "[REDACTED]")
		}
	}
	return a
}

// Get returns the logger, setting up defaults on first use.
func Get() *slog.Logger {
	if instance == nil {
		Setup(Config{})
	}
	return instance
}

// IsDebug reports whether debug records are emitted.
func IsDebug() bool {
	return level.Level() <= slog.LevelDebug
}

// With returns a child logger carrying the given attributes.
func With(args ...any) *slog.Logger { return Get().With(args...) }

func Info(msg string, args ...any)  { Get().Info(msg, args...) }
func Warn(msg string, args ...any)  { Get().Warn(msg, args...) }
func Error(msg string, args ...any) { Get().Error(msg, args...) }
func Debug(msg string, args ...any) { Get().Debug(msg, args...) }

// ResetForTest 重置单例状态
// ⚠️ 仅供测试使用，生产代码禁止调用
func ResetForTest() {
	if file != nil {
		_ = file.Close()
		file = nil
	}
	instance = nil
	once = sync.Once{}
	level.Set(slog.LevelInfo)
}
