package xcenter

import (
	"context"
)

// Receiver processes envelopes for the channels it registered on.
// Return true iff the delivery changed application-visible state.
//
// Synchronous deliveries run on the dispatcher goroutine. A receiver that
// closes its own center must pass the ctx it was given to Close.
type Receiver interface {
	Receive(ctx context.Context, env *Envelope) bool
}

// Handler is the function form of Receiver.Receive used by middleware.
type Handler func(ctx context.Context, env *Envelope) bool

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Observer receives center lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete xcenter surface.
type API interface {
	Send(env *Envelope) bool
	Post(channel, payload any, replace bool, opts ...EnvelopeOption) bool
	AddReceiver(r Receiver, channel any) bool
	RemoveReceiver(r Receiver, channel any) bool
	DispatchMessages() bool
	CompletionChannel() any
	SetDebugSend(on bool)
	SetDebugReceive(on bool)
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

// funcReceiver gives a plain function a comparable identity so it can be
// registered and later removed.
type funcReceiver struct {
	name string
	fn   Handler
}

// NewReceiver adapts fn to a Receiver. Each call returns a distinct identity;
// keep the result to pass to RemoveReceiver.
func NewReceiver(name string, fn Handler) Receiver {
	return &funcReceiver{name: name, fn: fn}
}

func (r *funcReceiver) Receive(ctx context.Context, env *Envelope) bool {
	if r.fn == nil {
		return false
	}
	return r.fn(ctx, env)
}

func (r *funcReceiver) String() string { return r.name }
