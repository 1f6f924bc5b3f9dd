package xcenter

import (
	"context"
	"time"
)

// TimeoutMiddleware bounds how long a synchronous receiver may hold the
// dispatcher. When d elapses the delivery counts as "no change" and the
// dispatcher moves on; the receiver keeps running on its own goroutine.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) bool {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			resCh := make(chan bool, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						logPanic(ctx, env, r)
						resCh <- false
					}
				}()
				resCh <- next(tctx, env)
			}()

			select {
			case <-tctx.Done():
				if lg, ok := LoggerFromContext(ctx); ok {
					lg.Warn().
						Str("channel", channelName(env.Channel())).
						Dur("timeout", d).
						Err(ErrReceiverTimeout).
						Msg("xcenter: receiver exceeded timeout")
				}
				return false
			case changed := <-resCh:
				return changed
			}
		}
	}
}

// RecoveryMiddleware turns a panic in next into a "no change" result.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env *Envelope) (changed bool) {
			defer func() {
				if r := recover(); r != nil {
					logPanic(ctx, env, r)
					changed = false
				}
			}()
			return next(ctx, env)
		}
	}
}

func logPanic(ctx context.Context, env *Envelope, v any) {
	if lg, ok := LoggerFromContext(ctx); ok {
		lg.Error().
			Str("channel", channelName(env.Channel())).
			Err(PanicError{Value: v}).
			Msg("xcenter: receiver panic (recovered)")
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// compose folds mws into one Middleware equivalent to Chain(h, mws...).
// It returns nil when there is nothing to apply.
func compose(mws ...Middleware) Middleware {
	var wrap Middleware
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		if mw == nil {
			continue
		}
		if inner := wrap; inner != nil {
			wrap = func(h Handler) Handler { return mw(inner(h)) }
		} else {
			wrap = mw
		}
	}
	return wrap
}
