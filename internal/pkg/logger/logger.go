package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault 创建输出到 stdout 的 JSON 日志记录器。
//
// 参数:
//
//	level: 日志级别字符串（debug / info / warn / error），无法识别时使用 info
//
// 返回值:
//
//	*slog.Logger: 日志记录器
func NewDefault(level string) *slog.Logger {
	return New(os.Stdout, level)
}

// New 创建写入 w 的 JSON 日志记录器。
func New(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler)
}

// ParseLevel 将字符串转换为 slog.Level。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OrDefault 在 l 为空时返回 slog.Default()。
func OrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
