package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// modelCooldowns tracks, per resolved upstream model name, a local cooldown
// installed after an upstream 429 — independent of and in addition to
// the balancer's own per-route Cooldown health state, since a model name
// can be shared by several routes/endpoints.
type modelCooldowns struct {
	mu    sync.Mutex
	until map[string]time.Time

	// defaultBackoff paces the fallback Retry-After value used when an
	// upstream 429 body doesn't carry an explicit reset_seconds
	// hint: reserving a token yields a jittered delay instead of a bare
	// hardcoded constant.
	defaultBackoff *rate.Limiter
}

func newModelCooldowns() *modelCooldowns {
	return &modelCooldowns{
		until:          make(map[string]time.Time),
		defaultBackoff: rate.NewLimiter(rate.Every(2*time.Second), 1),
	}
}

// Set installs a cooldown for model lasting seconds.
func (c *modelCooldowns) Set(model string, seconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[model] = time.Now().Add(time.Duration(seconds) * time.Second)
}

// Check returns the remaining cooldown in seconds (rounded up) and whether
// model is currently cooling down.
func (c *modelCooldowns) Check(model string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[model]
	if !ok {
		return 0, false
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		delete(c.until, model)
		return 0, false
	}
	secs := int(remaining.Seconds())
	if remaining > time.Duration(secs)*time.Second {
		secs++
	}
	return secs, true
}

// DefaultRetryAfterSeconds produces a paced fallback Retry-After value for
// a 429 that didn't specify its own duration.
func (c *modelCooldowns) DefaultRetryAfterSeconds() int {
	delay := c.defaultBackoff.Reserve().Delay()
	secs := int(delay.Seconds())
	if secs < 1 {
		return 1
	}
	return secs
}
