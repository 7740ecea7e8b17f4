// Package balancer implements the health-aware routing core: resolving a
// client-requested model name to a concrete upstream endpoint, gating
// concurrency and cooldown per route, and classifying upstream outcomes
// back into health-state transitions.
package balancer

import "strings"

// ProxyMode selects between routing every request to one fixed endpoint and
// routing through the profile/slot mapping below.
type ProxyMode int

const (
	ModeSingle ProxyMode = iota
	ModeLoadBalancer
)

// ModeFromConfig parses an operator-supplied mode string, defaulting to
// ModeSingle for anything other than a case-insensitive "load_balancer".
func ModeFromConfig(value string) ProxyMode {
	if strings.EqualFold(value, "load_balancer") {
		return ModeLoadBalancer
	}
	return ModeSingle
}

// ModelSlot buckets a client-requested model name into one of the three
// tiers the rest of the proxy reasons about.
type ModelSlot int

const (
	SlotOpus ModelSlot = iota
	SlotSonnet
	SlotHaiku
)

// SlotFromModelName classifies model by substring match, case-insensitive,
// defaulting to SlotSonnet when neither "opus" nor "haiku" appears.
func SlotFromModelName(model string) ModelSlot {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "opus"):
		return SlotOpus
	case strings.Contains(lower, "haiku"):
		return SlotHaiku
	default:
		return SlotSonnet
	}
}

func (s ModelSlot) String() string {
	switch s {
	case SlotOpus:
		return "opus"
	case SlotHaiku:
		return "haiku"
	default:
		return "sonnet"
	}
}

// EndpointRef is one candidate endpoint within a slot's ordered fallback
// list, plus any per-candidate overrides.
type EndpointRef struct {
	EndpointID            string
	CustomModelName       string
	CustomReasoningEffort string
	ConverterOverride     string
}

// SlotMapping is a profile's ordered candidate list per model slot.
type SlotMapping struct {
	Opus   []EndpointRef
	Sonnet []EndpointRef
	Haiku  []EndpointRef
}

// Get returns the candidate list for slot.
func (m SlotMapping) Get(slot ModelSlot) []EndpointRef {
	switch slot {
	case SlotOpus:
		return m.Opus
	case SlotHaiku:
		return m.Haiku
	default:
		return m.Sonnet
	}
}

// Profile is one named routing configuration: which endpoint to try, in
// which order, per slot.
type Profile struct {
	ID           string
	Name         string
	ModelMapping SlotMapping
}

// EndpointPolicy governs how aggressively a single endpoint's health is
// tracked: how many errors within what window push it into a degraded or
// cooled-down state, and how much concurrency it's allowed in each state.
type EndpointPolicy struct {
	Enabled                 bool
	MaxConcurrency          uint32
	ErrorThreshold          uint32
	ErrorWindowSeconds      uint32
	CooldownSeconds         uint32
	DegradedConcurrency     uint32
	TransientBackoffSeconds uint32
}

// DefaultEndpointPolicy returns the policy applied to any endpoint the
// operator hasn't explicitly configured.
func DefaultEndpointPolicy() EndpointPolicy {
	return EndpointPolicy{
		Enabled:                 true,
		MaxConcurrency:          16,
		ErrorThreshold:          5,
		ErrorWindowSeconds:      60,
		CooldownSeconds:         3600,
		DegradedConcurrency:     4,
		TransientBackoffSeconds: 6,
	}
}

// Config is the full load-balancer configuration: which profile is active,
// every known profile, and any per-endpoint policy overrides.
type Config struct {
	SelectedProfileID string
	Profiles          []Profile
	EndpointPolicies  map[string]EndpointPolicy
}

// Endpoint is one entry in the operator's endpoint directory: where to send
// requests and with what credentials and dialect.
type Endpoint struct {
	ID        string
	TargetURL string
	APIKey    string
	Converter string
}

// ResolvedEndpoint is the outcome of a successful ResolveAndAcquire: the
// endpoint to send this request to, along with the routing identity
// (RouteKey) used to track its health going forward.
type ResolvedEndpoint struct {
	EndpointID       string
	TargetURL        string
	APIKey           string
	Converter        string
	Model            string
	ReasoningEffort  string
	Slot             ModelSlot
	RouteKey         string
	ModelHint        string
}

// EndpointHealth is a route's current standing, derived from its recent
// error history.
type EndpointHealth int

const (
	HealthHealthy EndpointHealth = iota
	HealthConstrained
	HealthCooldown
)

func (h EndpointHealth) String() string {
	switch h {
	case HealthConstrained:
		return "Constrained"
	case HealthCooldown:
		return "Cooldown"
	default:
		return "Healthy"
	}
}
