// Package runtimeconfig holds the hot-swappable runtime configuration
// snapshot every request reads: target URL, credentials, translation
// context, and the load-balancer runtime. A control-plane update replaces
// the whole snapshot atomically (copy-on-write); no request ever observes a
// partially-applied update.
package runtimeconfig

import (
	"sync/atomic"

	"github.com/J1aDong/codexproxy/pkg/balancer"
	"github.com/J1aDong/codexproxy/pkg/transform"
)

// Config is one immutable snapshot of everything a request needs to route
// and translate itself, besides the client's own body.
type Config struct {
	TargetURL                       string
	APIKey                          string
	Context                         transform.Context
	IgnoreProbeRequests             bool
	AllowCountTokensFallbackEstimate bool

	// Balancer is nil in single-endpoint mode; when set, (F) resolves the
	// upstream endpoint instead of TargetURL/APIKey being used directly.
	Balancer *balancer.Runtime
}

// Handle is the atomically-readable holder every request loads its Config
// snapshot from.
type Handle struct {
	ptr atomic.Pointer[Config]
}

// NewHandle seeds the handle with an initial snapshot.
func NewHandle(initial Config) *Handle {
	h := &Handle{}
	h.ptr.Store(&initial)
	return h
}

// Snapshot returns the current configuration. The returned value is never
// mutated after being read; a concurrent ApplyUpdate swaps in a brand new
// Config rather than editing this one in place.
func (h *Handle) Snapshot() Config {
	return *h.ptr.Load()
}

// Update carries a sparse set of fields to overwrite; nil/zero fields leave
// the current snapshot's value untouched. Balancer is special-cased with an
// explicit SetBalancer flag since a nil *balancer.Runtime is itself a valid
// target value (switching back to single-endpoint mode).
type Update struct {
	TargetURL                        *string
	APIKey                           *string
	Context                          *transform.Context
	IgnoreProbeRequests              *bool
	AllowCountTokensFallbackEstimate *bool
	SetBalancer                      bool
	Balancer                         *balancer.Runtime
}

// ApplyUpdate builds a new Config from the current snapshot plus update's
// overrides and atomically swaps it in.
func (h *Handle) ApplyUpdate(update Update) Config {
	next := h.Snapshot()
	if update.TargetURL != nil {
		next.TargetURL = *update.TargetURL
	}
	if update.APIKey != nil {
		next.APIKey = *update.APIKey
	}
	if update.Context != nil {
		next.Context = *update.Context
	}
	if update.IgnoreProbeRequests != nil {
		next.IgnoreProbeRequests = *update.IgnoreProbeRequests
	}
	if update.AllowCountTokensFallbackEstimate != nil {
		next.AllowCountTokensFallbackEstimate = *update.AllowCountTokensFallbackEstimate
	}
	if update.SetBalancer {
		next.Balancer = update.Balancer
	}
	h.ptr.Store(&next)
	return next
}
