package xcenter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// CenterBuilder constructs Center instances (Builder pattern).
type CenterBuilder struct {
	name         string
	middlewares  []Middleware
	observers    []Observer
	logger       *xlog.Logger
	clock        xclock.Clock
	pollInterval time.Duration

	observerWorkers int
	observerBuffer  int

	debugSend    bool
	debugReceive bool
}

// NewCenterBuilder returns a new builder with sensible defaults.
func NewCenterBuilder() *CenterBuilder {
	return &CenterBuilder{
		pollInterval:    DefaultPollInterval,
		observerWorkers: 2,
		observerBuffer:  1024,
	}
}

// WithName sets the name tagging every log line and event.
func (cb *CenterBuilder) WithName(name string) *CenterBuilder {
	cb.name = name
	return cb
}

func (cb *CenterBuilder) WithMiddleware(mw ...Middleware) *CenterBuilder {
	if len(mw) == 0 {
		return cb
	}
	cb.middlewares = append(cb.middlewares, mw...)
	return cb
}

func (cb *CenterBuilder) WithObserver(obs ...Observer) *CenterBuilder {
	for _, o := range obs {
		if o != nil {
			cb.observers = append(cb.observers, o)
		}
	}
	return cb
}

// WithObserverPool sizes the asynchronous observer fan-out.
func (cb *CenterBuilder) WithObserverPool(workers, bufferSize int) *CenterBuilder {
	cb.observerWorkers = workers
	cb.observerBuffer = bufferSize
	return cb
}

func (cb *CenterBuilder) WithLogger(l *xlog.Logger) *CenterBuilder {
	cb.logger = l
	return cb
}

func (cb *CenterBuilder) WithClock(c xclock.Clock) *CenterBuilder {
	cb.clock = c
	return cb
}

// WithPollInterval sets the dispatcher's fallback poll period (default 30ms).
func (cb *CenterBuilder) WithPollInterval(d time.Duration) *CenterBuilder {
	if d > 0 {
		cb.pollInterval = d
	}
	return cb
}

func (cb *CenterBuilder) WithDebugSend(on bool) *CenterBuilder {
	cb.debugSend = on
	return cb
}

func (cb *CenterBuilder) WithDebugReceive(on bool) *CenterBuilder {
	cb.debugReceive = on
	return cb
}

// Build constructs the Center and starts its dispatcher goroutine.
// The goroutine runs until Close.
func (cb *CenterBuilder) Build() (*Center, error) {
	clk := cb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := cb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	name := cb.name
	if name == "" {
		name = "center-" + uuid.NewString()
	}

	c := &Center{
		name:         name,
		clock:        clk,
		logger:       lg,
		wrap:         compose(cb.middlewares...),
		pollInterval: cb.pollInterval,
		baseCtx:      withDelivery(InjectAll(context.Background(), lg, clk)),
		pending:      make(map[any][]*Envelope),
		receivers:    make(map[any][]Receiver),
		wake:         make(chan struct{}, 1),
		shutdownDone: make(chan struct{}),
		metrics:      &centerMetrics{},
		observerPool: NewObserverPool(cb.observerWorkers, cb.observerBuffer),
	}
	c.completion = newEnvelope(clk, completionToken{}, nil, false)
	c.debugSend.Store(cb.debugSend)
	c.debugReceive.Store(cb.debugReceive)

	// Attach logging observer first unless one was supplied.
	hasLoggingObserver := false
	for _, o := range cb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		c.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range cb.observers {
		c.AddObserver(o)
	}

	c.tomb.Go(c.run)
	return c, nil
}

// New constructs a Center via Builder and returns a close func for convenience.
func New(init func(b *CenterBuilder)) (*Center, func() error, error) {
	b := NewCenterBuilder()
	if init != nil {
		init(b)
	}
	c, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return c.Close(context.Background()) }
	return c, closeFn, nil
}
