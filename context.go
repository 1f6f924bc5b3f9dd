package xcenter

import (
	"context"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xcenter (prevents collisions).
type ctxKey string

const (
	loggerCtxKey ctxKey = "xcenter:logger"
	clockCtxKey  ctxKey = "xcenter:clock"

	deliveryCtxKey ctxKey = "xcenter:delivery"
)

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

// LoggerFromContext returns the logger of the center delivering the envelope.
func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

// ClockFromContext returns the clock of the center delivering the envelope.
func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}

// withDelivery marks ctx as the one handed to receivers.
func withDelivery(ctx context.Context) context.Context {
	return context.WithValue(ctx, deliveryCtxKey, true)
}

func inDelivery(ctx context.Context) bool {
	v, _ := ctx.Value(deliveryCtxKey).(bool)
	return v
}
