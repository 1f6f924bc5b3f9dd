package xcenter

import (
	"sync"
	"time"
)

// TimedTrigger calls DispatchMessages on a center at a fixed interval.
type TimedTrigger struct {
	center   *Center
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewTimedTrigger starts triggering c every interval until Stop is called.
// A non-positive interval falls back to DefaultPollInterval.
func NewTimedTrigger(c *Center, interval time.Duration) *TimedTrigger {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	t := &TimedTrigger{
		center:   c,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.loop()
	return t
}

func (t *TimedTrigger) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.center.DispatchMessages()
		}
	}
}

// Interval returns the trigger period.
func (t *TimedTrigger) Interval() time.Duration { return t.interval }

// Stop ends the trigger and waits for its goroutine. Idempotent.
func (t *TimedTrigger) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
