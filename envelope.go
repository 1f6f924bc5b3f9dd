package xcenter

import (
	"cmp"
	"reflect"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
)

// Envelope is the unit of data traveling the center. Everything but the
// sequence number is fixed at construction; the sequence is assigned once,
// by the Center, when the envelope is accepted.
type Envelope struct {
	channel   any
	payload   any
	replace   bool
	async     bool
	timestamp time.Time

	// seq holds sequence+1; zero means not yet accepted. Set once by CAS,
	// so an envelope sent to two centers is accepted by at most one.
	seq atomic.Uint64
}

// EnvelopeOption customizes an Envelope at construction.
type EnvelopeOption func(*Envelope)

// WithAsync delivers the envelope to each receiver on its own goroutine.
// Return values of async deliveries are never observed.
func WithAsync() EnvelopeOption {
	return func(e *Envelope) { e.async = true }
}

// WithTimestamp overrides the construction time used for delivery order.
func WithTimestamp(t time.Time) EnvelopeOption {
	return func(e *Envelope) { e.timestamp = truncateMillis(t) }
}

// NewEnvelope builds an envelope stamped with xclock.Default().
func NewEnvelope(channel, payload any, replace bool, opts ...EnvelopeOption) *Envelope {
	return newEnvelope(xclock.Default(), channel, payload, replace, opts...)
}

func newEnvelope(clock xclock.Clock, channel, payload any, replace bool, opts ...EnvelopeOption) *Envelope {
	e := &Envelope{
		channel:   channel,
		payload:   payload,
		replace:   replace,
		timestamp: truncateMillis(clock.Now()),
	}
	for _, o := range opts {
		if o != nil {
			o(e)
		}
	}
	return e
}

// Channel returns the routing key.
func (e *Envelope) Channel() any { return e.channel }

// Payload returns the opaque value carried by the envelope.
func (e *Envelope) Payload() any { return e.payload }

// Replace reports whether the envelope discards pending envelopes of its channel.
func (e *Envelope) Replace() bool { return e.replace }

// Async reports whether delivery happens off the dispatcher goroutine.
func (e *Envelope) Async() bool { return e.async }

// Timestamp is the construction time, millisecond precision.
func (e *Envelope) Timestamp() time.Time { return e.timestamp }

// Sequence returns the tie-break number and whether it has been assigned.
func (e *Envelope) Sequence() (uint64, bool) {
	v := e.seq.Load()
	if v == 0 {
		return 0, false
	}
	return v - 1, true
}

// claimSequence assigns n unless a sequence was already assigned.
func (e *Envelope) claimSequence(n uint64) bool { return e.seq.CompareAndSwap(0, n+1) }

// sequence returns the assigned tie-break number; zero when unassigned.
func (e *Envelope) sequence() uint64 {
	n, _ := e.Sequence()
	return n
}

// PayloadAs returns the payload as T when it holds a T.
func PayloadAs[T any](e *Envelope) (T, bool) {
	var zero T
	if e == nil {
		return zero, false
	}
	v, ok := e.payload.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// compareEnvelopes orders by timestamp, then by sequence.
func compareEnvelopes(a, b *Envelope) int {
	if c := a.timestamp.Compare(b.timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.sequence(), b.sequence())
}

func truncateMillis(t time.Time) time.Time {
	return time.UnixMilli(t.UnixMilli())
}

// ValidChannel reports whether ch can route envelopes: non-nil, not an empty
// string, and usable as a map key.
func ValidChannel(ch any) bool {
	if ch == nil {
		return false
	}
	if s, ok := ch.(string); ok && s == "" {
		return false
	}
	return isComparable(ch)
}

// isComparable reports whether v can be used with == and as a map key.
func isComparable(v any) bool {
	return v != nil && reflect.TypeOf(v).Comparable()
}

// completionToken is the reserved channel identity of the completion signal.
// It is unexported so no application channel can equal it.
type completionToken struct{}

func (completionToken) String() string { return "xcenter:cycle-complete" }
