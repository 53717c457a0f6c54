package logger

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var base = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Init 初始化全局日志器。服务名会附加到每条日志上；
// LOG_PRETTY=true 时输出人类可读格式，便于本地调试。
func Init(serviceName string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	l := zerolog.New(os.Stdout).With().Timestamp().Str("service", serviceName).Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		l = l.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	base = l
}

// L 返回全局日志器。
func L() *zerolog.Logger {
	return &base
}

// Ctx 返回附带当前 trace id 的日志器，方便在 Jaeger 里关联日志与 Span。
func Ctx(ctx context.Context) *zerolog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l := base.With().Str("trace_id", sc.TraceID().String()).Logger()
		return &l
	}
	return &base
}
