package xcenter

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"gopkg.in/tomb.v2"
)

var _ API = (*Center)(nil)
var _ HealthChecker = (*Center)(nil)

// Center is the Facade routing envelopes from producers to receivers.
//
// Producers enqueue with Send; DispatchMessages hands everything queued so far
// to a single background dispatcher, which orders the batch by
// (timestamp, sequence) and delivers it outside the lock.
type Center struct {
	name         string
	clock        xclock.Clock
	logger       *xlog.Logger
	wrap         Middleware // composed receiver middleware, nil when none
	pollInterval time.Duration
	baseCtx      context.Context

	// mu guards everything down to idle.
	mu        sync.Mutex
	pending   map[any][]*Envelope
	receivers map[any][]Receiver
	busy      bool
	stopping  bool
	cycle     *cycle
	idle      chan struct{}

	seq        atomic.Uint64
	completion *Envelope
	wake       chan struct{}
	tomb       tomb.Tomb
	async      sync.WaitGroup

	debugSend    atomic.Bool
	debugReceive atomic.Bool

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer

	metrics   *centerMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
	shutdownDone chan struct{}
	shutdownErr  error // written before shutdownDone is closed
}

// cycle is the state handed from DispatchMessages to the dispatcher.
type cycle struct {
	pending   map[any][]*Envelope
	receivers map[any][]Receiver
	done      chan struct{}
}

// centerMetrics uses lock-free atomics for telemetry.
type centerMetrics struct {
	accepted        atomic.Uint64
	rejected        atomic.Uint64
	replaced        atomic.Uint64
	cycles          atomic.Uint64
	deliveries      atomic.Uint64
	asyncDeliveries atomic.Uint64
	dropped         atomic.Uint64
	changed         atomic.Uint64
	panics          atomic.Uint64
	completions     atomic.Uint64
	cycleNs         atomic.Int64
}

// Name returns the center's name used to tag logs and events.
func (c *Center) Name() string { return c.name }

// CompletionChannel returns the reserved channel on which the completion
// signal is delivered after a cycle that changed state.
func (c *Center) CompletionChannel() any { return c.completion.channel }

// NewEnvelope builds an envelope stamped with the center's clock.
func (c *Center) NewEnvelope(channel, payload any, replace bool, opts ...EnvelopeOption) *Envelope {
	return newEnvelope(c.clock, channel, payload, replace, opts...)
}

// Post builds an envelope with the center's clock and sends it.
func (c *Center) Post(channel, payload any, replace bool, opts ...EnvelopeOption) bool {
	return c.Send(c.NewEnvelope(channel, payload, replace, opts...))
}

// Send accepts env into the queue of its channel. It returns false, after
// logging a warning, when env is invalid or the center is closed. Acceptance
// does not imply delivery.
func (c *Center) Send(env *Envelope) bool {
	if env == nil {
		return c.reject(nil, ErrNilEnvelope)
	}
	if !ValidChannel(env.channel) {
		return c.reject(env, ErrInvalidChannel)
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return c.reject(env, ErrCenterClosed)
	}
	// c.seq only moves under c.mu; the CAS guards against other centers.
	seq := c.seq.Load()
	if !env.claimSequence(seq) {
		c.mu.Unlock()
		return c.reject(env, ErrAlreadySequenced)
	}
	c.seq.Store(seq + 1)

	list := c.pending[env.channel]
	replaced := 0
	if env.replace && len(list) > 0 {
		replaced = len(list)
		list = nil
	}
	c.pending[env.channel] = append(list, env)
	c.mu.Unlock()

	if c.debugReceive.Load() {
		c.logger.Info().
			Str("center", c.name).
			Str("channel", channelName(env.channel)).
			Str("payload", fmt.Sprintf("%v", env.payload)).
			Msg("xcenter: received envelope")
	}

	c.metrics.accepted.Add(1)
	if replaced > 0 {
		c.metrics.replaced.Add(uint64(replaced))
		c.notifyAsync(Event{
			Type:     EventReplaced,
			Center:   c.name,
			Channel:  channelName(env.channel),
			Sequence: seq,
			Count:    replaced,
		})
	}
	c.notifyAsync(Event{
		Type:     EventAccepted,
		Center:   c.name,
		Channel:  channelName(env.channel),
		Sequence: seq,
	})
	return true
}

func (c *Center) reject(env *Envelope, reason error) bool {
	c.metrics.rejected.Add(1)
	channel := ""
	if env != nil && env.channel != nil {
		channel = channelName(env.channel)
	}
	c.logger.Warn().
		Str("center", c.name).
		Str("channel", channel).
		Err(reason).
		Msg("xcenter: send rejected")
	c.notifyAsync(Event{Type: EventRejected, Center: c.name, Channel: channel, Err: reason})
	return false
}

// AddReceiver registers r for channel. Registering the same receiver twice on
// one channel is logged and ignored.
func (c *Center) AddReceiver(r Receiver, channel any) bool {
	if err := c.validRegistration(r, channel); err != nil {
		c.logger.Warn().Str("center", c.name).Err(err).Msg("xcenter: add receiver rejected")
		return false
	}

	c.mu.Lock()
	list := c.receivers[channel]
	if slices.Contains(list, r) {
		c.mu.Unlock()
		c.logger.Warn().
			Str("center", c.name).
			Str("channel", channelName(channel)).
			Str("receiver", receiverName(r)).
			Msg("xcenter: receiver already in list")
		return true
	}
	c.receivers[channel] = append(list, r)
	c.mu.Unlock()
	return true
}

// RemoveReceiver unregisters r from channel. Removing a receiver that is not
// registered is a no-op.
func (c *Center) RemoveReceiver(r Receiver, channel any) bool {
	if err := c.validRegistration(r, channel); err != nil {
		c.logger.Warn().Str("center", c.name).Err(err).Msg("xcenter: remove receiver rejected")
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.receivers[channel]
	i := slices.Index(list, r)
	if i < 0 {
		return true
	}
	list = slices.Delete(list, i, i+1)
	if len(list) == 0 {
		delete(c.receivers, channel)
		return true
	}
	c.receivers[channel] = list
	return true
}

func (c *Center) validRegistration(r Receiver, channel any) error {
	if r == nil {
		return ErrNilReceiver
	}
	if !isComparable(r) {
		return ErrReceiverNotComparable
	}
	if !ValidChannel(channel) {
		return ErrInvalidChannel
	}
	return nil
}

// DispatchMessages hands every queued envelope to the dispatcher together with
// a copy of the current receiver lists. It returns false when a cycle is still
// in flight, nothing is queued, or the center is closed; false is not an error.
func (c *Center) DispatchMessages() bool {
	c.mu.Lock()
	ok := !c.stopping && c.handOffLocked()
	c.mu.Unlock()

	if ok {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
	return ok
}

// handOffLocked swaps the live queue for an empty one. Requires c.mu.
func (c *Center) handOffLocked() bool {
	if c.busy || len(c.pending) == 0 {
		return false
	}

	snapshot := make(map[any][]Receiver, len(c.receivers))
	for ch, list := range c.receivers {
		snapshot[ch] = slices.Clone(list)
	}

	cy := &cycle{
		pending:   c.pending,
		receivers: snapshot,
		done:      make(chan struct{}),
	}
	c.pending = make(map[any][]*Envelope)
	c.cycle = cy
	c.idle = cy.done
	c.busy = true
	return true
}

// WaitIdle blocks until no dispatch cycle is in flight.
func (c *Center) WaitIdle(ctx context.Context) error {
	c.mu.Lock()
	if !c.busy {
		c.mu.Unlock()
		return nil
	}
	idle := c.idle
	c.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of envelopes queued for the next cycle.
func (c *Center) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.pending {
		n += len(list)
	}
	return n
}

// SetDebugSend toggles a log line for every delivery out of the center.
func (c *Center) SetDebugSend(on bool) { c.debugSend.Store(on) }

// SetDebugReceive toggles a log line for every envelope accepted by Send.
func (c *Center) SetDebugReceive(on bool) { c.debugReceive.Store(on) }

// GetMetrics returns current center metrics.
func (c *Center) GetMetrics() Metrics {
	m := Metrics{
		Accepted:        c.metrics.accepted.Load(),
		Rejected:        c.metrics.rejected.Load(),
		Replaced:        c.metrics.replaced.Load(),
		Cycles:          c.metrics.cycles.Load(),
		Deliveries:      c.metrics.deliveries.Load(),
		AsyncDeliveries: c.metrics.asyncDeliveries.Load(),
		Dropped:         c.metrics.dropped.Load(),
		Changed:         c.metrics.changed.Load(),
		Panics:          c.metrics.panics.Load(),
		Completions:     c.metrics.completions.Load(),
		Pending:         c.Pending(),
		AvgCycleTimeMs:  float64(c.metrics.cycleNs.Load()) / 1e6,
	}
	if c.observerPool != nil {
		m.EventsDropped = c.observerPool.Stats().Dropped
	}
	return m
}

// Health checks center health for Kubernetes probes.
func (c *Center) Health(ctx context.Context) HealthStatus {
	if c.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: c.clock.Now(),
			Message:   "center is closed",
		}
	}

	metrics := c.GetMetrics()
	status := "healthy"
	msg := ""

	// Degraded if more than 5% of invocations panic.
	invocations := metrics.Deliveries + metrics.AsyncDeliveries
	if metrics.Panics > 0 && invocations > 0 {
		if float64(metrics.Panics)/float64(invocations) > 0.05 {
			status = "degraded"
			msg = "receiver panic rate above 5%"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: c.clock.Now(),
		Message:   msg,
	}
}

// Close stops accepting envelopes, lets the dispatcher finish the cycle in
// flight plus one final flush of anything still queued, waits for async
// deliveries and drains observers. Idempotent; every call waits for the same
// shutdown until ctx is done.
//
// Called from a receiver with the context it was handed, Close starts the
// shutdown and returns nil at once: waiting there would block the dispatcher
// on itself. Called from a receiver with any other context, Close deadlocks
// unless that context expires.
func (c *Center) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		c.mu.Unlock()
		c.closed.Store(true)

		c.tomb.Kill(nil)
		go c.shutdown()
	})

	if inDelivery(ctx) {
		return nil
	}
	select {
	case <-c.shutdownDone:
		return c.shutdownErr
	case <-ctx.Done():
		c.logger.Warn().Str("center", c.name).Err(ctx.Err()).Msg("xcenter: dispatcher shutdown interrupted")
		return ctx.Err()
	}
}

// shutdown waits for the dispatcher and async deliveries, then the observers.
func (c *Center) shutdown() {
	_ = c.tomb.Wait()
	c.async.Wait()
	if c.observerPool != nil {
		if err := c.observerPool.Close(5 * time.Second); err != nil {
			c.logger.Warn().Str("center", c.name).Err(err).Msg("xcenter: observer pool shutdown timeout")
			c.shutdownErr = err
		}
	}
	close(c.shutdownDone)
}

// AddObserver registers an observer (thread-safe).
func (c *Center) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	c.observersMu.Lock()
	c.observers = append(c.observers, obs)
	c.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (c *Center) RemoveObserver(obs Observer) {
	if obs == nil || !isComparable(obs) {
		return
	}
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	for i, o := range c.observers {
		if isComparable(o) && o == obs {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events through the observer pool (non-blocking).
func (c *Center) notifyAsync(e Event) {
	if c.observerPool == nil {
		return
	}

	c.observersMu.RLock()
	if len(c.observers) == 0 {
		c.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(c.observers))
	copy(observers, c.observers)
	c.observersMu.RUnlock()

	c.observerPool.Notify(e, observers)
}

// recordCycleTime records cycle duration using exponential moving average.
func (c *Center) recordCycleTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := c.metrics.cycleNs.Load()
	if current == 0 {
		c.metrics.cycleNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	c.metrics.cycleNs.Store(newAvg)
}

func channelName(ch any) string {
	return fmt.Sprint(ch)
}

func receiverName(r Receiver) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}
