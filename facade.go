package xcenter

import (
	"fmt"
	"sync"
)

var (
	defaultCenter   *Center
	defaultCenterMu sync.Mutex
)

// Default returns the process-wide singleton Center, building it on first use.
func Default() *Center {
	defaultCenterMu.Lock()
	defer defaultCenterMu.Unlock()

	if defaultCenter != nil {
		return defaultCenter
	}

	c, err := NewCenterBuilder().WithName("default").Build()
	if err != nil {
		panic(fmt.Sprintf("xcenter: failed to initialize default center: %v", err))
	}
	defaultCenter = c
	return defaultCenter
}

// SetDefault replaces the process-wide default Center. The previous one is
// not closed.
func SetDefault(c *Center) {
	if c == nil {
		panic("xcenter: SetDefault called with nil Center")
	}
	defaultCenterMu.Lock()
	defaultCenter = c
	defaultCenterMu.Unlock()
}

// Send is the Facade using the default center.
func Send(env *Envelope) bool {
	return Default().Send(env)
}

// Post is the Facade using the default center.
func Post(channel, payload any, replace bool, opts ...EnvelopeOption) bool {
	return Default().Post(channel, payload, replace, opts...)
}

// AddReceiver is the Facade using the default center.
func AddReceiver(r Receiver, channel any) bool {
	return Default().AddReceiver(r, channel)
}

// RemoveReceiver is the Facade using the default center.
func RemoveReceiver(r Receiver, channel any) bool {
	return Default().RemoveReceiver(r, channel)
}

// DispatchMessages is the Facade using the default center.
func DispatchMessages() bool {
	return Default().DispatchMessages()
}
