package xcenter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
	"go.uber.org/goleak"
)

func testLogger() *xlog.Logger {
	return zerolog.Use(zerolog.Config{
		MinLevel:          xlog.LevelInfo,
		Console:           false,
		ConsoleTimeFormat: time.RFC3339Nano,
	}).With(xlog.Str("app", "xcenter-test"))
}

func newTestCenter(t *testing.T, init ...func(b *CenterBuilder)) *Center {
	t.Helper()
	b := NewCenterBuilder().
		WithName(t.Name()).
		WithLogger(testLogger()).
		WithPollInterval(5 * time.Millisecond)
	for _, f := range init {
		f(b)
	}
	c, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c
}

// dispatch runs one full cycle and waits for it.
func dispatch(t *testing.T, c *Center) {
	t.Helper()
	require.True(t, c.DispatchMessages())
	waitIdle(t, c)
}

func waitIdle(t *testing.T, c *Center) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitIdle(ctx))
}

// recorder collects payloads in delivery order.
type recorder struct {
	name    string
	changed bool
	log     *[]any
	mu      *sync.Mutex
}

func newRecorder(name string, changed bool) *recorder {
	return &recorder{name: name, changed: changed, log: &[]any{}, mu: &sync.Mutex{}}
}

// sharing returns a recorder writing to r's log.
func (r *recorder) sharing(name string) *recorder {
	return &recorder{name: name, changed: r.changed, log: r.log, mu: r.mu}
}

func (r *recorder) Receive(_ context.Context, env *Envelope) bool {
	r.mu.Lock()
	*r.log = append(*r.log, env.Payload())
	r.mu.Unlock()
	return r.changed
}

func (r *recorder) String() string { return r.name }

func (r *recorder) got() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), *r.log...)
}

// gate blocks inside Receive until released.
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}, 16), release: make(chan struct{})}
}

func (g *gate) Receive(context.Context, *Envelope) bool {
	g.entered <- struct{}{}
	<-g.release
	return true
}

func (g *gate) open() { g.once.Do(func() { close(g.release) }) }

func (g *gate) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("receiver never entered")
	}
}

// namedLog records "name:payload" so tests can tell receivers apart.
type namedLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *namedLog) receiver(name string) Receiver {
	return NewReceiver(name, func(_ context.Context, env *Envelope) bool {
		l.mu.Lock()
		l.entries = append(l.entries, fmt.Sprintf("%s:%v", name, env.Payload()))
		l.mu.Unlock()
		return true
	})
}

func (l *namedLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.entries
	l.entries = nil
	return out
}

type sliceReceiver []int

func (sliceReceiver) Receive(context.Context, *Envelope) bool { return false }

func TestSend_RejectsInvalid(t *testing.T) {
	c := newTestCenter(t)

	assert.False(t, c.Send(nil))
	assert.False(t, c.Send(NewEnvelope(nil, 1, false)))
	assert.False(t, c.Send(NewEnvelope("", 1, false)))
	assert.False(t, c.Send(NewEnvelope([]int{1}, 1, false)))

	m := c.GetMetrics()
	assert.Equal(t, uint64(4), m.Rejected)
	assert.Equal(t, uint64(0), m.Accepted)
	assert.Equal(t, 0, c.Pending())
}

func TestSend_AssignsIncreasingSequence(t *testing.T) {
	c := newTestCenter(t)

	a := c.NewEnvelope("a", 1, false)
	b := c.NewEnvelope("b", 2, false)
	require.True(t, c.Send(a))
	require.True(t, c.Send(b))

	sa, ok := a.Sequence()
	require.True(t, ok)
	sb, ok := b.Sequence()
	require.True(t, ok)
	assert.Less(t, sa, sb)
	assert.Equal(t, 2, c.Pending())
}

func TestSend_RejectsResend(t *testing.T) {
	c := newTestCenter(t)
	env := c.NewEnvelope("a", 1, false)
	require.True(t, c.Send(env))
	assert.False(t, c.Send(env))
	assert.Equal(t, 1, c.Pending())
}

func TestSend_EnvelopeBelongsToOneCenter(t *testing.T) {
	a := newTestCenter(t)
	b := newTestCenter(t)

	for i := range 100 {
		env := NewEnvelope("ch", i, false)
		var accepted atomic.Int64
		var wg sync.WaitGroup
		for _, c := range []*Center{a, b} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if c.Send(env) {
					accepted.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int64(1), accepted.Load(), "envelope %d", i)
		_, ok := env.Sequence()
		require.True(t, ok)
	}
	assert.Equal(t, 100, a.Pending()+b.Pending())
	assert.Equal(t, uint64(100), a.GetMetrics().Rejected+b.GetMetrics().Rejected)
}

func TestSend_ClosedCenterWithDebugReceive(t *testing.T) {
	c := newTestCenter(t, func(b *CenterBuilder) { b.WithDebugReceive(true) })
	require.NoError(t, c.Close(context.Background()))

	env := c.NewEnvelope("ch", 1, false)
	assert.False(t, c.Send(env))

	_, ok := env.Sequence()
	assert.False(t, ok, "rejected envelopes stay unsequenced")
	m := c.GetMetrics()
	assert.Equal(t, uint64(0), m.Accepted)
	assert.Equal(t, uint64(1), m.Rejected)
	assert.Equal(t, 0, c.Pending())
}

func TestAddReceiver_Validation(t *testing.T) {
	c := newTestCenter(t)
	r := newRecorder("r", true)

	assert.False(t, c.AddReceiver(nil, "ch"))
	assert.False(t, c.AddReceiver(sliceReceiver{1}, "ch"))
	assert.False(t, c.AddReceiver(r, nil))
	assert.False(t, c.AddReceiver(r, ""))
	assert.True(t, c.AddReceiver(r, "ch"))
}

func TestAddReceiver_DuplicateDeliversOnce(t *testing.T) {
	c := newTestCenter(t)
	r := newRecorder("r", true)

	require.True(t, c.AddReceiver(r, "ch"))
	require.True(t, c.AddReceiver(r, "ch"))

	require.True(t, c.Post("ch", 1, false))
	dispatch(t, c)
	assert.Equal(t, []any{1}, r.got())
}

func TestRemoveReceiver(t *testing.T) {
	c := newTestCenter(t)
	r := newRecorder("r", true)
	other := newRecorder("other", true)

	// Removing what was never added is a no-op.
	assert.True(t, c.RemoveReceiver(r, "ch"))
	assert.False(t, c.RemoveReceiver(nil, "ch"))
	assert.False(t, c.RemoveReceiver(r, nil))

	require.True(t, c.AddReceiver(r, "ch"))
	require.True(t, c.AddReceiver(other, "ch"))
	require.True(t, c.RemoveReceiver(r, "ch"))

	require.True(t, c.Post("ch", 1, false))
	dispatch(t, c)
	assert.Empty(t, r.got())
	assert.Equal(t, []any{1}, other.got())
}

func TestDispatch_ReceiversInRegistrationOrder(t *testing.T) {
	c := newTestCenter(t)
	log := &namedLog{}
	r1, r2, r3 := log.receiver("r1"), log.receiver("r2"), log.receiver("r3")
	require.True(t, c.AddReceiver(r1, "ch"))
	require.True(t, c.AddReceiver(r2, "ch"))
	require.True(t, c.AddReceiver(r3, "ch"))

	require.True(t, c.Post("ch", 1, false))
	require.True(t, c.Post("ch", 2, false))
	dispatch(t, c)
	assert.Equal(t, []string{"r1:1", "r2:1", "r3:1", "r1:2", "r2:2", "r3:2"}, log.take())

	// Re-adding an existing receiver keeps its place.
	require.True(t, c.AddReceiver(r1, "ch"))
	require.True(t, c.Post("ch", 3, false))
	dispatch(t, c)
	assert.Equal(t, []string{"r1:3", "r2:3", "r3:3"}, log.take())

	// Remove then add moves it to the end.
	require.True(t, c.RemoveReceiver(r1, "ch"))
	require.True(t, c.AddReceiver(r1, "ch"))
	require.True(t, c.Post("ch", 4, false))
	dispatch(t, c)
	assert.Equal(t, []string{"r2:4", "r3:4", "r1:4"}, log.take())
}

func TestDispatch_OrdersByTimestampThenSequence(t *testing.T) {
	c := newTestCenter(t)
	ra := newRecorder("a", true)
	rb := ra.sharing("b")
	require.True(t, c.AddReceiver(ra, "a"))
	require.True(t, c.AddReceiver(rb, "b"))

	t0 := time.UnixMilli(1_700_000_000_000)
	require.True(t, c.Send(c.NewEnvelope("b", "b@2", false, WithTimestamp(t0.Add(2*time.Millisecond)))))
	require.True(t, c.Send(c.NewEnvelope("a", "a@1", false, WithTimestamp(t0.Add(time.Millisecond)))))
	require.True(t, c.Send(c.NewEnvelope("a", "a@2", false, WithTimestamp(t0.Add(2*time.Millisecond)))))
	require.True(t, c.Send(c.NewEnvelope("b", "b@0", false, WithTimestamp(t0))))

	dispatch(t, c)
	assert.Equal(t, []any{"b@0", "a@1", "b@2", "a@2"}, ra.got())
}

func TestDispatch_ReplaceScenario(t *testing.T) {
	c := newTestCenter(t)
	r1 := newRecorder("receiver_1", true)
	r2 := newRecorder("receiver_2", true)
	require.True(t, c.AddReceiver(r1, "Queue 1"))
	require.True(t, c.AddReceiver(r2, "Queue 2"))

	ts := WithTimestamp(time.UnixMilli(1_700_000_000_000))
	for _, n := range []int{1, 2, 3, 4} {
		c.Post("Queue 1", n, false, ts)
	}
	for _, n := range []int{5, 6, 7} {
		c.Post("Queue 2", n, false, ts)
	}
	c.Post("Queue 1", 8, true, ts)
	c.Post("Queue 1", 9, false, ts)

	assert.Equal(t, 5, c.Pending())
	assert.Equal(t, uint64(4), c.GetMetrics().Replaced)

	dispatch(t, c)
	assert.Equal(t, []any{8, 9}, r1.got())
	assert.Equal(t, []any{5, 6, 7}, r2.got())
}

func TestDispatch_ReplaceDiscardsBeforeCycle(t *testing.T) {
	c := newTestCenter(t)
	s := newRecorder("S", true)
	require.True(t, c.AddReceiver(s, "Q1"))
	require.True(t, c.AddReceiver(s, "Q2"))

	t0 := time.UnixMilli(1_700_000_000_000)
	at := func(ms int) EnvelopeOption { return WithTimestamp(t0.Add(time.Duration(ms) * time.Millisecond)) }
	require.True(t, c.Post("Q1", 1, false, at(1)))
	require.True(t, c.Post("Q1", 2, false, at(2)))
	require.True(t, c.Post("Q2", 3, false, at(3)))
	require.True(t, c.Post("Q1", 4, true, at(4)))

	dispatch(t, c)
	assert.Equal(t, []any{3, 4}, s.got())
}

func TestDispatch_ReplaceDoesNotTouchInFlightCycle(t *testing.T) {
	c := newTestCenter(t)
	g := newGate()
	r := newRecorder("r", true)
	require.True(t, c.AddReceiver(g, "slow"))
	require.True(t, c.AddReceiver(r, "fast"))

	require.True(t, c.Post("slow", "block", false))
	require.True(t, c.Post("fast", "x", false))
	require.True(t, c.DispatchMessages())
	g.waitEntered(t)

	// The cycle in flight already owns "x"; a replacing send only clears the new queue.
	require.True(t, c.Post("fast", "y", true))
	g.open()
	waitIdle(t, c)

	dispatch(t, c)
	assert.Equal(t, []any{"x", "y"}, r.got())
}

func TestDispatch_AtMostOneCycleInFlight(t *testing.T) {
	c := newTestCenter(t)
	g := newGate()
	require.True(t, c.AddReceiver(g, "ch"))

	assert.False(t, c.DispatchMessages(), "nothing queued")

	require.True(t, c.Post("ch", 1, false))
	require.True(t, c.DispatchMessages())
	g.waitEntered(t)

	require.True(t, c.Post("ch", 2, false))
	assert.False(t, c.DispatchMessages(), "cycle in flight")
	assert.Equal(t, 1, c.Pending())

	g.open()
	waitIdle(t, c)
	dispatch(t, c)
	g.waitEntered(t)
	assert.Equal(t, uint64(2), c.GetMetrics().Cycles)
}

func TestDispatch_NoEnvelopeLostAcrossSwap(t *testing.T) {
	c := newTestCenter(t)
	var received atomic.Int64
	require.True(t, c.AddReceiver(NewReceiver("counter", func(context.Context, *Envelope) bool {
		received.Add(1)
		return false
	}), "ch"))

	const producers, perProducer = 4, 250
	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				assert.True(t, c.Post("ch", i, false))
			}
		}()
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				c.DispatchMessages()
			}
		}
	}()
	wg.Wait()
	close(stop)

	require.Eventually(t, func() bool {
		c.DispatchMessages()
		return received.Load() == producers*perProducer
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(producers*perProducer), c.GetMetrics().Deliveries)
}

func TestDispatch_DropsWithoutReceivers(t *testing.T) {
	c := newTestCenter(t)
	require.True(t, c.Post("nobody", 1, false))
	dispatch(t, c)
	assert.Equal(t, uint64(1), c.GetMetrics().Dropped)
}

func TestDispatch_SnapshotsReceivers(t *testing.T) {
	c := newTestCenter(t)
	g := newGate()
	late := newRecorder("late", true)
	require.True(t, c.AddReceiver(g, "slow"))

	require.True(t, c.Post("slow", 1, false))
	require.True(t, c.Post("ch", "before", false))
	require.True(t, c.DispatchMessages())
	g.waitEntered(t)

	// Registered after the hand-off: not part of this cycle.
	require.True(t, c.AddReceiver(late, "ch"))
	g.open()
	waitIdle(t, c)
	assert.Empty(t, late.got())

	require.True(t, c.Post("ch", "after", false))
	dispatch(t, c)
	assert.Equal(t, []any{"after"}, late.got())
}

func TestCompletion_OnlyAfterChange(t *testing.T) {
	c := newTestCenter(t)
	var completions atomic.Int64
	done := NewReceiver("done", func(_ context.Context, env *Envelope) bool {
		completions.Add(1)
		return false
	})
	require.True(t, c.AddReceiver(done, c.CompletionChannel()))
	require.True(t, c.AddReceiver(newRecorder("changer", true), "change"))
	require.True(t, c.AddReceiver(newRecorder("idle", false), "nochange"))

	require.True(t, c.Post("nochange", 1, false))
	dispatch(t, c)
	assert.Equal(t, int64(0), completions.Load())

	require.True(t, c.Post("change", 1, false))
	require.True(t, c.Post("change", 2, false))
	dispatch(t, c)
	assert.Equal(t, int64(1), completions.Load(), "one signal per cycle")

	assert.Equal(t, uint64(1), c.GetMetrics().Completions)
}

func TestCompletion_DeliveredLast(t *testing.T) {
	c := newTestCenter(t)
	r := newRecorder("r", true)
	require.True(t, c.AddReceiver(r, "a"))
	require.True(t, c.AddReceiver(r, "b"))
	require.True(t, c.AddReceiver(r, c.CompletionChannel()))

	t0 := time.UnixMilli(1_700_000_000_000)
	require.True(t, c.Post("b", "b", false, WithTimestamp(t0.Add(time.Millisecond))))
	require.True(t, c.Post("a", "a", false, WithTimestamp(t0)))
	dispatch(t, c)

	// The completion envelope carries no payload.
	assert.Equal(t, []any{"a", "b", nil}, r.got())
}

func TestCompletion_IgnoresAsyncResults(t *testing.T) {
	c := newTestCenter(t)
	var completions, asyncCalls atomic.Int64
	require.True(t, c.AddReceiver(NewReceiver("done", func(context.Context, *Envelope) bool {
		completions.Add(1)
		return false
	}), c.CompletionChannel()))
	require.True(t, c.AddReceiver(NewReceiver("async", func(context.Context, *Envelope) bool {
		asyncCalls.Add(1)
		return true
	}), "ch"))

	require.True(t, c.Post("ch", 1, false, WithAsync()))
	dispatch(t, c)

	require.Eventually(t, func() bool { return asyncCalls.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), completions.Load())
	assert.Equal(t, uint64(1), c.GetMetrics().AsyncDeliveries)
}

func TestCompletionChannel_IsReserved(t *testing.T) {
	c := newTestCenter(t)
	other := newTestCenter(t)

	assert.Equal(t, c.CompletionChannel(), other.CompletionChannel())
	assert.NotEqual(t, "xcenter:cycle-complete", c.CompletionChannel())
}

func TestDispatch_ReceiverPanicIsContained(t *testing.T) {
	c := newTestCenter(t)
	bad := NewReceiver("bad", func(context.Context, *Envelope) bool { panic("boom") })
	good := newRecorder("good", true)
	require.True(t, c.AddReceiver(bad, "ch"))
	require.True(t, c.AddReceiver(good, "ch"))

	require.True(t, c.Post("ch", 1, false))
	dispatch(t, c)
	assert.Equal(t, []any{1}, good.got())

	require.True(t, c.Post("ch", 2, false))
	dispatch(t, c)
	assert.Equal(t, []any{1, 2}, good.got())

	m := c.GetMetrics()
	assert.Equal(t, uint64(2), m.Panics)
	assert.Equal(t, "degraded", c.Health(context.Background()).Status)
}

func TestDebugToggles(t *testing.T) {
	c := newTestCenter(t, func(b *CenterBuilder) { b.WithDebugReceive(true) })
	r := newRecorder("r", true)
	require.True(t, c.AddReceiver(r, "ch"))

	c.SetDebugSend(true)
	require.True(t, c.Post("ch", 1, false))
	require.True(t, c.Post("nobody", 1, false))
	dispatch(t, c)

	c.SetDebugSend(false)
	c.SetDebugReceive(false)
	require.True(t, c.Post("ch", 2, false))
	dispatch(t, c)
	assert.Equal(t, []any{1, 2}, r.got())
}

func TestHealth(t *testing.T) {
	c := newTestCenter(t)
	assert.Equal(t, "healthy", c.Health(context.Background()).Status)

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, "unhealthy", c.Health(context.Background()).Status)
}

func TestClose_FlushesAndRejects(t *testing.T) {
	c := newTestCenter(t)
	g := newGate()
	r := newRecorder("r", true)
	require.True(t, c.AddReceiver(g, "slow"))
	require.True(t, c.AddReceiver(r, "ch"))

	require.True(t, c.Post("slow", 1, false))
	require.True(t, c.DispatchMessages())
	g.waitEntered(t)
	require.True(t, c.Post("ch", "queued", false))

	closed := make(chan error, 1)
	go func() { closed <- c.Close(context.Background()) }()

	require.Eventually(t, func() bool {
		return c.Health(context.Background()).Status == "unhealthy"
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, c.Post("ch", "late", false))
	g.open()
	require.NoError(t, <-closed)

	assert.Equal(t, []any{"queued"}, r.got())
	assert.False(t, c.DispatchMessages())
	assert.NoError(t, c.Close(context.Background()), "idempotent")
}

func TestClose_ContextExpires(t *testing.T) {
	c := newTestCenter(t)
	g := newGate()
	require.True(t, c.AddReceiver(g, "slow"))
	require.True(t, c.Post("slow", 1, false))
	require.True(t, c.DispatchMessages())
	g.waitEntered(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Close(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	g.open()
}

func TestClose_FromReceiver(t *testing.T) {
	c := newTestCenter(t)
	closed := make(chan error, 1)
	require.True(t, c.AddReceiver(NewReceiver("closer", func(ctx context.Context, _ *Envelope) bool {
		closed <- c.Close(ctx)
		return true
	}), "stop"))
	after := newRecorder("after", true)
	require.True(t, c.AddReceiver(after, "ch"))

	t0 := time.UnixMilli(1_700_000_000_000)
	require.True(t, c.Post("stop", 1, false, WithTimestamp(t0)))
	require.True(t, c.Post("ch", 2, false, WithTimestamp(t0.Add(time.Millisecond))))
	require.True(t, c.DispatchMessages())

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close blocked inside a receiver")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Close(ctx), "waits for the shutdown started by the receiver")

	// The rest of the cycle still runs.
	assert.Equal(t, []any{2}, after.got())
	assert.False(t, c.Post("ch", 3, false))
	assert.Equal(t, "unhealthy", c.Health(context.Background()).Status)
}

func TestClose_NoGoroutineLeaks(t *testing.T) {
	_ = testLogger()
	_ = xclock.Default()
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c, err := NewCenterBuilder().WithLogger(testLogger()).Build()
	require.NoError(t, err)
	require.True(t, c.AddReceiver(newRecorder("r", true), "ch"))
	require.True(t, c.Post("ch", 1, false, WithAsync()))
	require.True(t, c.Post("ch", 2, false))
	require.True(t, c.DispatchMessages())

	require.NoError(t, c.Close(context.Background()))
}

func TestNew_ReturnsCloseFunc(t *testing.T) {
	c, closeFn, err := New(func(b *CenterBuilder) { b.WithName("fn") })
	require.NoError(t, err)
	assert.Equal(t, "fn", c.Name())
	require.NoError(t, closeFn())
	assert.False(t, c.Post("ch", 1, false))
}

func TestBuild_DefaultName(t *testing.T) {
	c, err := NewCenterBuilder().WithLogger(testLogger()).Build()
	require.NoError(t, err)
	defer c.Close(context.Background())
	assert.Regexp(t, `^center-[0-9a-f-]{36}$`, c.Name())
}

func BenchmarkCenter_PostDispatch(b *testing.B) {
	c, err := NewCenterBuilder().WithLogger(testLogger()).Build()
	if err != nil {
		b.Fatalf("build: %v", err)
	}
	defer func() { _ = c.Close(context.Background()) }()
	c.AddReceiver(NewReceiver("sink", func(context.Context, *Envelope) bool { return true }), "ch")

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Post("ch", i, false)
		if i%128 == 0 {
			c.DispatchMessages()
			_ = c.WaitIdle(ctx)
		}
	}
}
