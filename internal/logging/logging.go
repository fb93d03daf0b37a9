// Package logging 基于 zerolog 的结构化日志。
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger 进程级日志实例，Setup 之前使用默认配置。
var Logger = newLogger(os.Stderr, zerolog.InfoLevel, false)

// Setup 根据配置重建进程日志实例。
func Setup(level string, pretty bool, out io.Writer) {
	if out == nil {
		out = os.Stderr
	}
	Logger = newLogger(out, ParseLevel(level), pretty)
}

func newLogger(out io.Writer, level zerolog.Level, pretty bool) zerolog.Logger {
	if pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ParseLevel 解析日志级别，无法识别时回退到 info。
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug 输出调试日志。
func Debug() *zerolog.Event { return Logger.Debug() }

// Info 输出信息日志。
func Info() *zerolog.Event { return Logger.Info() }

// Warn 输出警告日志。
func Warn() *zerolog.Event { return Logger.Warn() }

// Error 输出错误日志。
func Error() *zerolog.Event { return Logger.Error() }

// Fatal 输出致命错误日志并退出进程。
func Fatal() *zerolog.Event { return Logger.Fatal() }

// With 派生带固定字段的子日志。
func With() zerolog.Context { return Logger.With() }
