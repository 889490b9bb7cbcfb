package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// InitLogger 初始化进程日志器（JSON 输出），返回可在运行时调整的级别
func InitLogger(level string) (*slog.Logger, *slog.LevelVar, error) {
	return NewLogger(os.Stdout, level)
}

// NewLogger 创建写入 w 的 JSON 日志器并设为默认日志器
func NewLogger(w io.Writer, level string) (*slog.Logger, *slog.LevelVar, error) {
	lv := new(slog.LevelVar)
	if err := SetLevel(lv, level); err != nil {
		return nil, nil, err
	}

	l := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv}))
	slog.SetDefault(l)
	return l, lv, nil
}

// SetLevel 解析级别字符串（DEBUG/INFO/WARN/ERROR）并写入 lv
func SetLevel(lv *slog.LevelVar, level string) error {
	if strings.TrimSpace(level) == "" {
		lv.Set(slog.LevelInfo)
		return nil
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	lv.Set(l)
	return nil
}
