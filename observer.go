package xcenter

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
// Func values are not comparable, so an ObserverFunc cannot be removed
// with RemoveObserver.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits center events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("center", e.Center),
		xlog.Str("channel", e.Channel),
	)
	switch e.Type {
	case EventRejected:
		// Send already logged the rejection at Warn.
		ev.Debug().Err(e.Err).Msg("xcenter event")
	case EventReceiverPanic:
		ev.Warn().Str("receiver", e.Receiver).Err(e.Err).Msg("xcenter event")
	case EventCycleDone:
		ev.With(
			xlog.Str("envelopes", strconv.Itoa(e.Count)),
			xlog.Str("changed", strconv.Itoa(e.Changed)),
			xlog.Dur("duration", e.Duration),
		).Debug().Msg("xcenter event")
	default:
		ev.Debug().Msg("xcenter event")
	}
}
