package redisstream

import (
	"github.com/trickstertwo/xcenter"
	"github.com/trickstertwo/xlog"
)

// Option configures a Bridge at construction.
type Option func(*Bridge)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithCodec overrides the codec selected by Config.Codec.
func WithCodec(c xcenter.Codec) Option {
	return func(b *Bridge) {
		if c != nil {
			b.codec = c
		}
	}
}
