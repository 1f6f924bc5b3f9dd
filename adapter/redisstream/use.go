package redisstream

import (
	"fmt"

	"github.com/trickstertwo/xcenter"
)

// Use builds a Bridge on the default center and returns it, mirroring
// xlog/zerolog.Use for explicit initialization.
//
// It panics if Redis is unreachable at startup.
func Use(cfg Config, opts ...Option) *Bridge {
	b, err := NewBridge(xcenter.Default(), cfg, opts...)
	if err != nil {
		panic(fmt.Errorf("redisstream.Use: %w", err))
	}
	return b
}
