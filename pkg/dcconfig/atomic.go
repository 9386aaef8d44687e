package dcconfig

import (
	"github.com/gotd/td/tg"
	"go.uber.org/atomic"
)

// AtomicConfig is atomic tg.Config.
type AtomicConfig struct {
	v atomic.Pointer[tg.Config]
}

// Load returns last stored config, if any.
func (c *AtomicConfig) Load() (tg.Config, bool) {
	cfg := c.v.Load()
	if cfg == nil {
		return tg.Config{}, false
	}
	return *cfg, true
}

// Store saves given config atomically.
func (c *AtomicConfig) Store(cfg tg.Config) {
	c.v.Store(&cfg)
}
