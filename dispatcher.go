package xcenter

import (
	"fmt"
	"slices"
	"time"
)

// DefaultPollInterval is how often the dispatcher looks for a handed-off
// cycle when no wake-up signal arrives.
const DefaultPollInterval = 30 * time.Millisecond

// run is the dispatcher loop. It owns every delivery and exits only when the
// center is closed, after flushing what is still queued.
func (c *Center) run() error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.tomb.Dying():
			c.flush()
			return nil
		case <-c.wake:
		case <-ticker.C:
		}
		c.runPending()
	}
}

// runPending takes the handed-off cycle, if any, and delivers it.
func (c *Center) runPending() {
	c.mu.Lock()
	cy := c.cycle
	c.cycle = nil
	c.mu.Unlock()

	if cy != nil {
		c.runCycle(cy)
	}
}

// flush delivers the cycle in flight and then everything still queued.
func (c *Center) flush() {
	c.runPending()

	c.mu.Lock()
	ok := c.handOffLocked()
	c.mu.Unlock()
	if ok {
		c.runPending()
	}
}

// runCycle delivers one batch. The busy flag is cleared however the cycle ends.
func (c *Center) runCycle(cy *cycle) {
	start := c.clock.Now()
	var envs []*Envelope
	changed := 0

	defer func() {
		if r := recover(); r != nil {
			err := PanicError{Value: r}
			c.logger.Error().Str("center", c.name).Err(err).Msg("xcenter: dispatch cycle failed (recovered)")
		}

		// Metrics are final before WaitIdle returns.
		duration := c.clock.Since(start)
		c.metrics.cycles.Add(1)
		c.recordCycleTime(duration.Nanoseconds())

		c.mu.Lock()
		c.busy = false
		c.idle = nil
		c.mu.Unlock()
		close(cy.done)

		c.notifyAsync(Event{
			Type:     EventCycleDone,
			Center:   c.name,
			Count:    len(envs),
			Changed:  changed,
			Duration: duration,
		})
	}()

	envs = flatten(cy.pending)
	slices.SortFunc(envs, compareEnvelopes)
	c.notifyAsync(Event{Type: EventCycleStart, Center: c.name, Count: len(envs)})

	for _, env := range envs {
		if c.deliver(cy.receivers, env) {
			changed++
		}
	}
	c.metrics.changed.Add(uint64(changed))

	if changed > 0 && len(cy.receivers[c.completion.channel]) > 0 {
		c.deliver(cy.receivers, c.completion)
		c.metrics.completions.Add(1)
		c.notifyAsync(Event{Type: EventCompletion, Center: c.name, Changed: changed})
	}
}

func flatten(pending map[any][]*Envelope) []*Envelope {
	n := 0
	for _, list := range pending {
		n += len(list)
	}
	envs := make([]*Envelope, 0, n)
	for _, list := range pending {
		envs = append(envs, list...)
	}
	return envs
}

// deliver fans env out to the receivers of its channel and reports whether a
// synchronous receiver returned true.
func (c *Center) deliver(receivers map[any][]Receiver, env *Envelope) bool {
	list := receivers[env.channel]
	if len(list) == 0 {
		c.metrics.dropped.Add(1)
		if c.debugSend.Load() {
			c.logger.Info().
				Str("center", c.name).
				Str("channel", channelName(env.channel)).
				Msg("xcenter: no receivers, envelope dropped")
		}
		c.notifyAsync(Event{
			Type:     EventDropped,
			Center:   c.name,
			Channel:  channelName(env.channel),
			Sequence: env.sequence(),
		})
		return false
	}

	if c.debugSend.Load() {
		c.logger.Info().
			Str("center", c.name).
			Str("channel", channelName(env.channel)).
			Str("payload", fmt.Sprintf("%v", env.payload)).
			Msg("xcenter: sending envelope")
	}

	someChanged := false
	for _, r := range list {
		if c.debugSend.Load() {
			c.logger.Info().
				Str("center", c.name).
				Str("receiver", receiverName(r)).
				Msg("xcenter: sent to receiver")
		}

		if env.async {
			c.metrics.asyncDeliveries.Add(1)
			c.async.Add(1)
			go func(r Receiver) {
				defer c.async.Done()
				c.invoke(r, env)
			}(r)
			continue
		}

		c.metrics.deliveries.Add(1)
		if c.invoke(r, env) {
			someChanged = true
		}
	}
	return someChanged
}

// invoke runs one receiver through the middleware chain. A panic is contained
// to this invocation and counts as "no change".
func (c *Center) invoke(r Receiver, env *Envelope) (changed bool) {
	defer func() {
		if v := recover(); v != nil {
			changed = false
			err := PanicError{Value: v}
			c.metrics.panics.Add(1)
			c.logger.Error().
				Str("center", c.name).
				Str("channel", channelName(env.channel)).
				Str("receiver", receiverName(r)).
				Err(err).
				Msg("xcenter: receiver panic (recovered)")
			c.notifyAsync(Event{
				Type:     EventReceiverPanic,
				Center:   c.name,
				Channel:  channelName(env.channel),
				Receiver: receiverName(r),
				Sequence: env.sequence(),
				Err:      err,
			})
		}
	}()

	if c.wrap == nil {
		return r.Receive(c.baseCtx, env)
	}
	return c.wrap(r.Receive)(c.baseCtx, env)
}
