package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xcenter"
	"github.com/trickstertwo/xlog"
)

// ErrBridgeClosed is returned by Forward and Ingest after Close.
var ErrBridgeClosed = errors.New("redisstream: bridge closed")

// Bridge connects one center to a Redis server.
type Bridge struct {
	cfg    Config
	center *xcenter.Center
	client *redis.Client
	codec  xcenter.Codec
	logger *xlog.Logger

	mu   sync.Mutex
	subs []*Subscription
	fwds []*forwarder

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBridge dials Redis and verifies the connection with PING.
func NewBridge(center *xcenter.Center, cfg Config, opts ...Option) (*Bridge, error) {
	if center == nil {
		return nil, errors.New("redisstream: nil center")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := &Bridge{
		cfg:    cfg,
		center: center,
		logger: xlog.Default(),
	}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	if b.codec == nil {
		codec, err := xcenter.NewCodec(cfg.Codec)
		if err != nil {
			return nil, err
		}
		b.codec = codec
	}

	b.client = newClient(cfg)
	if err := ping(b.client); err != nil {
		_ = b.client.Close()
		return nil, err
	}
	return b, nil
}

func newClient(cfg Config) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
	if cfg.TLS {
		opts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}
	return redis.NewClient(opts)
}

// forwarder is the receiver registered by Forward.
type forwarder struct {
	b       *Bridge
	channel any
	stream  string
}

func (f *forwarder) String() string { return "redisstream:" + f.stream }

// Receive appends env to the stream. Forwarding never changes local state,
// so it always reports false.
func (f *forwarder) Receive(ctx context.Context, env *xcenter.Envelope) bool {
	vals, err := encodeEnvelope(f.b.center.Name(), env, f.b.codec)
	if err != nil {
		f.b.logger.Warn().Str("stream", f.stream).Err(err).Msg("redisstream: forward encode failed")
		return false
	}

	args := &redis.XAddArgs{
		Stream: f.stream,
		ID:     "*",
		Values: vals,
	}
	if f.b.cfg.MaxLenApprox > 0 {
		args.MaxLen = f.b.cfg.MaxLenApprox
		args.Approx = true
	}

	wctx, cancel := context.WithTimeout(ctx, f.b.cfg.WriteTimeout)
	defer cancel()
	if err := f.b.client.XAdd(wctx, args).Err(); err != nil {
		f.b.logger.Warn().Str("stream", f.stream).Err(err).Msg("redisstream: xadd failed")
	}
	return false
}

// Forward registers a receiver on channel that appends every delivered
// envelope to stream. The returned receiver can be passed to RemoveReceiver.
func (b *Bridge) Forward(channel any, stream string) (xcenter.Receiver, error) {
	if b.closed.Load() {
		return nil, ErrBridgeClosed
	}
	if stream == "" {
		return nil, errors.New("redisstream: stream required")
	}
	if !xcenter.ValidChannel(channel) {
		return nil, xcenter.ErrInvalidChannel
	}
	f := &forwarder{b: b, channel: channel, stream: stream}
	if !b.center.AddReceiver(f, channel) {
		return nil, xcenter.ErrInvalidChannel
	}
	b.mu.Lock()
	b.fwds = append(b.fwds, f)
	b.mu.Unlock()
	return f, nil
}

// Subscription is a running Ingest poller.
type Subscription struct {
	stream string
	group  string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Close stops the poller and its claim loop and waits for both. Idempotent.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	s.wg.Wait()
	return nil
}

// Ingest reads stream as consumer group and posts every entry into the
// center on channel, as a *Record. Entries are acknowledged once the center
// accepts them; rejected entries stay pending for the claim loop.
func (b *Bridge) Ingest(ctx context.Context, stream, group string, channel any, replace bool) (*Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBridgeClosed
	}
	if stream == "" || group == "" {
		return nil, errors.New("redisstream: stream and group required")
	}
	if !xcenter.ValidChannel(channel) {
		return nil, xcenter.ErrInvalidChannel
	}

	if b.cfg.AutoCreate {
		// "$" starts from new entries; BUSYGROUP means it already exists.
		if err := b.client.XGroupCreateMkStream(ctx, stream, group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group: %w", err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	s := &Subscription{stream: stream, group: group, cancel: cancel}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		b.pollLoop(innerCtx, stream, group, channel, replace)
	}()

	if b.cfg.ClaimMinIdle > 0 && b.cfg.ClaimInterval > 0 && b.cfg.ClaimBatch > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			b.claimLoop(innerCtx, stream, group, channel, replace)
		}()
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()
	return s, nil
}

func (b *Bridge) pollLoop(ctx context.Context, stream, group string, channel any, replace bool) {
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: b.cfg.Consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(max(1, b.cfg.BatchSize)),
		Block:    b.cfg.Block,
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := b.client.XReadGroup(ctx, args).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if !errors.Is(err, redis.Nil) {
				b.logger.Warn().Str("stream", stream).Err(err).Msg("redisstream: xreadgroup failed")
				select {
				case <-time.After(200 * time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		for i := range res {
			for _, x := range res[i].Messages {
				b.ingest(ctx, stream, group, channel, replace, x)
			}
		}
	}
}

// ingest posts one entry and acks it on acceptance.
func (b *Bridge) ingest(ctx context.Context, stream, group string, channel any, replace bool, x redis.XMessage) {
	rec := decodeRecord(stream, x.ID, x.Values)

	var opts []xcenter.EnvelopeOption
	if !rec.ProducedAt.IsZero() {
		opts = append(opts, xcenter.WithTimestamp(rec.ProducedAt))
	}
	if !b.center.Send(b.center.NewEnvelope(channel, rec, replace, opts...)) {
		return
	}

	if err := b.client.XAck(ctx, stream, group, x.ID).Err(); err != nil {
		b.logger.Warn().Str("stream", stream).Str("id", x.ID).Err(err).Msg("redisstream: xack failed")
		return
	}
	if b.cfg.AutoDeleteOnAck {
		_ = b.client.XDel(ctx, stream, x.ID).Err()
	}
}

// claimLoop takes over entries left pending by dead consumers and ingests them.
func (b *Bridge) claimLoop(ctx context.Context, stream, group string, channel any, replace bool) {
	ticker := time.NewTicker(b.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, b.cfg.ClaimBatch))
	minIdle := b.cfg.ClaimMinIdle

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for i := range pending {
			ids = append(ids, pending[i].ID)
		}
		msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: b.cfg.Consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Warn().Str("stream", stream).Err(err).Msg("redisstream: xclaim failed")
			}
			continue
		}
		for _, x := range msgs {
			b.ingest(ctx, stream, group, channel, replace, x)
		}
	}
}

// Close stops every subscription, unregisters forwarders and closes the
// Redis client. Idempotent.
func (b *Bridge) Close(_ context.Context) error {
	var err error
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.mu.Lock()
		subs := b.subs
		fwds := b.fwds
		b.subs, b.fwds = nil, nil
		b.mu.Unlock()

		for _, s := range subs {
			_ = s.Close()
		}
		for _, f := range fwds {
			b.center.RemoveReceiver(f, f.channel)
		}
		err = b.client.Close()
	})
	return err
}

func ping(c *redis.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}
	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
