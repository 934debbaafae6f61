// Package observe provides flow.Observer implementations that forward
// lifecycle events to zap, Prometheus and Sentry.
package observe

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wehubfusion/Colony/pkg/flow"
)

// LoggingObserver writes every lifecycle event to a zap logger.
type LoggingObserver struct {
	logger *zap.Logger
}

var _ flow.Observer = (*LoggingObserver)(nil)

// NewLoggingObserver creates a logging observer; a nil logger discards events.
func NewLoggingObserver(logger *zap.Logger) *LoggingObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LoggingObserver{logger: logger.Named("flow")}
}

func (o *LoggingObserver) OnEvent(_ context.Context, ev flow.Event) {
	level := levelFor(ev.Type)
	if ce := o.logger.Check(level, "Flow event"); ce != nil {
		fields := []zap.Field{
			zap.String("event", string(ev.Type)),
			zap.String("trace_id", ev.TraceID),
		}
		if ev.NodeName != "" {
			fields = append(fields, zap.String("node", ev.NodeName))
		}
		if ev.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", ev.Attempt))
		}
		if ev.Latency > 0 {
			fields = append(fields, zap.Duration("latency", ev.Latency))
		}
		if ev.Err != nil {
			fields = append(fields, zap.Error(ev.Err))
		}
		for k, v := range ev.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		ce.Write(fields...)
	}
}

func levelFor(t flow.EventType) zapcore.Level {
	switch t {
	case flow.EventNodeFailed:
		return zapcore.ErrorLevel
	case flow.EventNodeError, flow.EventNodeTimeout, flow.EventBudgetExhausted, flow.EventDeadlineSkip:
		return zapcore.WarnLevel
	case flow.EventNodeRetry, flow.EventTraceCancelStart, flow.EventTraceCancelFinish, flow.EventNodeTraceCancelled:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
