package balancer

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type endpointState struct {
	inFlight              uint32
	transientBackoffUntil time.Time // zero value means no active backoff
}

type routeState struct {
	errors        []time.Time
	cooldownUntil time.Time // zero value means no active cooldown
	health        EndpointHealth
}

// Runtime is the health-aware router: it resolves a model name to a
// concrete endpoint under the active profile, tracks per-route error
// history and per-endpoint in-flight counts, and classifies upstream
// outcomes back into health-state transitions. Safe for concurrent use.
type Runtime struct {
	config            Config
	profileIndexByID  map[string]int
	endpointDirectory map[string]Endpoint
	logFunc           func(string)

	mu        sync.Mutex
	byEndpoint map[string]*endpointState
	byRoute    map[string]*routeState
}

// NewRuntime constructs a Runtime from config and its endpoint directory.
// logFunc receives one line per routing/health-transition event; pass nil
// to discard them.
func NewRuntime(config Config, endpointDirectory map[string]Endpoint, logFunc func(string)) *Runtime {
	profileIndexByID := make(map[string]int, len(config.Profiles))
	for i, p := range config.Profiles {
		profileIndexByID[p.ID] = i
	}
	return &Runtime{
		config:            config,
		profileIndexByID:  profileIndexByID,
		endpointDirectory: endpointDirectory,
		logFunc:           logFunc,
		byEndpoint:        make(map[string]*endpointState),
		byRoute:           make(map[string]*routeState),
	}
}

func (r *Runtime) log(msg string) {
	if r.logFunc != nil {
		r.logFunc(msg)
	}
}

func (r *Runtime) sendRouteStatus(slot ModelSlot, endpointID, converter, modelHint, state, reason string, cooldownSecs *uint32) {
	key := buildRouteKey(slot, endpointID, converter, modelHint)
	msg := fmt.Sprintf(
		"[LBStatus] key=%s slot=%s endpoint=%s converter=%s model=%s state=%s reason=%s",
		key, slot, sanitizeToken(endpointID), sanitizeToken(converter), sanitizeToken(modelHint), state, sanitizeToken(reason),
	)
	if cooldownSecs != nil {
		msg += fmt.Sprintf(" cooldown_secs=%d", *cooldownSecs)
	}
	r.log(msg)
}

func (r *Runtime) policyFor(endpointID string) EndpointPolicy {
	if p, ok := r.config.EndpointPolicies[endpointID]; ok {
		return p
	}
	return DefaultEndpointPolicy()
}

func (r *Runtime) currentProfile() (Profile, bool) {
	idx, ok := r.profileIndexByID[r.config.SelectedProfileID]
	if !ok || idx >= len(r.config.Profiles) {
		return Profile{}, false
	}
	return r.config.Profiles[idx], true
}

// Permit represents an acquired in-flight slot on one endpoint. Release is
// idempotent and safe to call via defer.
type Permit struct {
	endpointID string
	runtime    *Runtime
	mu         sync.Mutex
	released   bool
}

// Release returns the endpoint's in-flight slot. Safe to call multiple
// times or concurrently; only the first call has any effect.
func (p *Permit) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return
	}
	p.released = true

	p.runtime.mu.Lock()
	defer p.runtime.mu.Unlock()
	if st, ok := p.runtime.byEndpoint[p.endpointID]; ok && st.inFlight > 0 {
		st.inFlight--
	}
}

type acquireRejectReason int

const (
	rejectRouteCooldown acquireRejectReason = iota
	rejectEndpointBackoff
	rejectEndpointBusy
)

// ResolveAndAcquire picks the first healthy, unsaturated candidate endpoint
// for modelName's slot under the active profile and acquires an in-flight
// permit on it. It returns ok=false when no profile is selected or every
// candidate is unavailable.
func (r *Runtime) ResolveAndAcquire(modelName string) (ResolvedEndpoint, *Permit, bool) {
	slot := SlotFromModelName(modelName)
	profile, ok := r.currentProfile()
	if !ok {
		r.log(fmt.Sprintf("[LB] resolve failed model=%s slot=%s no selected profile", modelName, slot))
		return ResolvedEndpoint{}, nil, false
	}

	for _, candidate := range profile.ModelMapping.Get(slot) {
		endpoint, found := r.endpointDirectory[candidate.EndpointID]
		if !found {
			r.log(fmt.Sprintf("[LB] resolve endpoint_id=%s not found in directory", candidate.EndpointID))
			continue
		}

		policy := r.policyFor(candidate.EndpointID)
		if !policy.Enabled {
			r.log(fmt.Sprintf("[LB] resolve endpoint_id=%s skipped (disabled)", candidate.EndpointID))
			continue
		}

		converter := candidate.ConverterOverride
		if converter == "" {
			converter = endpoint.Converter
		}
		modelHint := normalizeModelHint(candidate.CustomModelName)
		routeKey := buildRouteKey(slot, candidate.EndpointID, converter, modelHint)

		reason, rejected := r.tryAcquireEndpointForRoute(candidate.EndpointID, routeKey, policy, slot, converter, modelHint)
		if rejected {
			switch reason {
			case rejectRouteCooldown:
				r.log(fmt.Sprintf("[LB] resolve endpoint_id=%s slot=%s route_key=%s skipped (health=Cooldown)", candidate.EndpointID, slot, routeKey))
			case rejectEndpointBackoff:
				r.log(fmt.Sprintf("[LB] resolve endpoint_id=%s slot=%s route_key=%s skipped (endpoint backoff)", candidate.EndpointID, slot, routeKey))
			case rejectEndpointBusy:
				r.log(fmt.Sprintf("[LB] resolve endpoint_id=%s slot=%s route_key=%s skipped (in_flight limit reached)", candidate.EndpointID, slot, routeKey))
			}
			continue
		}

		r.log(fmt.Sprintf("[LB] resolve model=%s slot=%s -> endpoint_id=%s url=%s converter=%s route_key=%s",
			modelName, slot, candidate.EndpointID, endpoint.TargetURL, converter, routeKey))

		permit := &Permit{endpointID: candidate.EndpointID, runtime: r}
		return ResolvedEndpoint{
			EndpointID:      candidate.EndpointID,
			TargetURL:       endpoint.TargetURL,
			APIKey:          endpoint.APIKey,
			Converter:       converter,
			Model:           candidate.CustomModelName,
			ReasoningEffort: candidate.CustomReasoningEffort,
			Slot:            slot,
			RouteKey:        routeKey,
			ModelHint:       modelHint,
		}, permit, true
	}

	r.log(fmt.Sprintf("[LB] resolve failed model=%s slot=%s no available endpoint", modelName, slot))
	return ResolvedEndpoint{}, nil, false
}

func (r *Runtime) tryAcquireEndpointForRoute(endpointID, routeKey string, policy EndpointPolicy, slot ModelSlot, converter, modelHint string) (acquireRejectReason, bool) {
	reason, rejected, cooldownExpired := func() (acquireRejectReason, bool, bool) {
		r.mu.Lock()
		defer r.mu.Unlock()

		now := time.Now()
		route, ok := r.byRoute[routeKey]
		if !ok {
			route = &routeState{health: HealthHealthy}
			r.byRoute[routeKey] = route
		}
		cooldownExpired := refreshRouteState(route, policy, now) && route.health != HealthCooldown

		if route.health == HealthCooldown {
			return rejectRouteCooldown, true, cooldownExpired
		}

		allowed := policy.MaxConcurrency
		if route.health == HealthConstrained && policy.DegradedConcurrency < allowed {
			allowed = policy.DegradedConcurrency
		}

		endpoint, ok := r.byEndpoint[endpointID]
		if !ok {
			endpoint = &endpointState{}
			r.byEndpoint[endpointID] = endpoint
		}

		if !endpoint.transientBackoffUntil.IsZero() {
			if endpoint.transientBackoffUntil.After(now) {
				return rejectEndpointBackoff, true, cooldownExpired
			}
			endpoint.transientBackoffUntil = time.Time{}
		}

		if endpoint.inFlight >= allowed {
			return rejectEndpointBusy, true, cooldownExpired
		}

		endpoint.inFlight++
		return 0, false, cooldownExpired
	}()

	if cooldownExpired {
		r.sendRouteStatus(slot, endpointID, converter, modelHint, "available", "cooldown_expired", nil)
	}
	return reason, rejected
}

// RecordResult is the low-level health-state update: it records (or
// doesn't, depending on isCountedError) one outcome against resolved's
// route and transitions its health accordingly.
func (r *Runtime) RecordResult(resolved ResolvedEndpoint, status *int, networkError bool) {
	policy := r.policyFor(resolved.EndpointID)

	var becameAvailable, becameUnavailable bool
	var previousHealth, currentHealth EndpointHealth

	func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		route, ok := r.byRoute[resolved.RouteKey]
		if !ok {
			route = &routeState{health: HealthHealthy}
			r.byRoute[resolved.RouteKey] = route
		}

		previousHealth = route.health
		now := time.Now()
		if refreshRouteState(route, policy, now) && previousHealth == HealthCooldown {
			becameAvailable = true
		}

		if !isCountedError(status, networkError) {
			currentHealth = route.health
			return
		}

		route.errors = append(route.errors, now)
		pruneErrors(route, policy, now)

		if uint32(len(route.errors)) >= policy.ErrorThreshold {
			switch route.health {
			case HealthHealthy:
				route.health = HealthConstrained
			case HealthConstrained:
				route.cooldownUntil = now.Add(time.Duration(policy.CooldownSeconds) * time.Second)
				route.health = HealthCooldown
			}
		}
		currentHealth = route.health
	}()

	if !isCountedError(status, networkError) {
		if becameAvailable {
			r.log(fmt.Sprintf("[LB] route=%s state=Cooldown->Healthy (cooldown expired)", resolved.RouteKey))
			r.sendRouteStatus(resolved.Slot, resolved.EndpointID, resolved.Converter, resolved.ModelHint, "available", "cooldown_expired", nil)
		}
		return
	}

	if previousHealth != currentHealth {
		switch {
		case previousHealth == HealthHealthy && currentHealth == HealthConstrained:
			r.log(fmt.Sprintf("[LB] route=%s state=Healthy->Constrained errors>=%d", resolved.RouteKey, policy.ErrorThreshold))
		case currentHealth == HealthCooldown && previousHealth != HealthCooldown:
			becameUnavailable = true
			r.log(fmt.Sprintf("[LB] route=%s state=%s->Cooldown cooldown_secs=%d", resolved.RouteKey, previousHealth, policy.CooldownSeconds))
		case previousHealth == HealthCooldown && currentHealth != HealthCooldown:
			becameAvailable = true
			r.log(fmt.Sprintf("[LB] route=%s state=Cooldown->%s", resolved.RouteKey, currentHealth))
		default:
			r.log(fmt.Sprintf("[LB] route=%s state=%s->%s", resolved.RouteKey, previousHealth, currentHealth))
		}
	}

	if becameUnavailable {
		secs := policy.CooldownSeconds
		r.sendRouteStatus(resolved.Slot, resolved.EndpointID, resolved.Converter, resolved.ModelHint, "unavailable", "error_threshold", &secs)
	} else if becameAvailable {
		r.sendRouteStatus(resolved.Slot, resolved.EndpointID, resolved.Converter, resolved.ModelHint, "available", "recovered", nil)
	}
}

// HandleUpstreamOutcome classifies a single upstream HTTP round trip into a
// RecordResult call, a forced cooldown (auth/quota/model-unavailable
// signals), or a transient per-endpoint backoff (overload signals) —
// whichever the status code and error body indicate.
func (r *Runtime) HandleUpstreamOutcome(resolved ResolvedEndpoint, status *int, networkError bool, errorText string) {
	policy := r.policyFor(resolved.EndpointID)

	if networkError {
		r.RecordResult(resolved, status, true)
		return
	}

	if status == nil {
		return
	}
	code := *status

	if code >= 200 && code <= 299 {
		r.RecordResult(resolved, status, false)
		return
	}

	if reason, ok := classifyUnavailableReason(code, errorText); ok {
		r.MarkUnavailable(resolved, reason)
		return
	}

	if isTransientOverload(code, errorText) {
		backoffSecs := policy.TransientBackoffSeconds
		if backoffSecs < 1 {
			backoffSecs = 1
		}
		r.setEndpointBackoff(resolved.EndpointID, backoffSecs, "overload")
		r.log(fmt.Sprintf("[LB] route=%s transient_overload status=%d endpoint_backoff=%ds", resolved.RouteKey, code, backoffSecs))
		return
	}

	r.RecordResult(resolved, status, false)
}

// MarkUnavailable forces resolved's route straight into cooldown for
// reason, bypassing the error-threshold counter.
func (r *Runtime) MarkUnavailable(resolved ResolvedEndpoint, reason string) {
	policy := r.policyFor(resolved.EndpointID)

	func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		route, ok := r.byRoute[resolved.RouteKey]
		if !ok {
			route = &routeState{}
			r.byRoute[resolved.RouteKey] = route
		}
		route.health = HealthCooldown
		route.cooldownUntil = time.Now().Add(time.Duration(policy.CooldownSeconds) * time.Second)
		route.errors = nil
	}()

	r.log(fmt.Sprintf("[LB] route=%s force_cooldown reason=%s cooldown_secs=%d", resolved.RouteKey, reason, policy.CooldownSeconds))
	secs := policy.CooldownSeconds
	r.sendRouteStatus(resolved.Slot, resolved.EndpointID, resolved.Converter, resolved.ModelHint, "unavailable", reason, &secs)
}

func (r *Runtime) setEndpointBackoff(endpointID string, seconds uint32, reason string) {
	if seconds == 0 {
		return
	}
	r.mu.Lock()
	st, ok := r.byEndpoint[endpointID]
	if !ok {
		st = &endpointState{}
		r.byEndpoint[endpointID] = st
	}
	st.transientBackoffUntil = time.Now().Add(time.Duration(seconds) * time.Second)
	r.mu.Unlock()

	r.log(fmt.Sprintf("[LB] endpoint=%s transient_backoff_secs=%d reason=%s", endpointID, seconds, reason))
}

// refreshRouteState prunes stale errors and recomputes health from an
// expired cooldown or the remaining error count. It returns true when a
// previously active cooldown just expired this call.
func refreshRouteState(route *routeState, policy EndpointPolicy, now time.Time) bool {
	pruneErrors(route, policy, now)

	cooldownExpired := false
	if !route.cooldownUntil.IsZero() {
		if route.cooldownUntil.After(now) {
			route.health = HealthCooldown
			return false
		}
		route.cooldownUntil = time.Time{}
		cooldownExpired = true
	}

	if uint32(len(route.errors)) >= policy.ErrorThreshold {
		route.health = HealthConstrained
	} else {
		route.health = HealthHealthy
	}
	return cooldownExpired
}

func pruneErrors(route *routeState, policy EndpointPolicy, now time.Time) {
	window := time.Duration(policy.ErrorWindowSeconds) * time.Second
	i := 0
	for i < len(route.errors) && now.Sub(route.errors[i]) > window {
		i++
	}
	if i > 0 {
		route.errors = route.errors[i:]
	}
}

func classifyUnavailableReason(status int, errorText string) (string, bool) {
	if status == 401 || status == 403 {
		return "auth", true
	}

	lower := strings.ToLower(errorText)
	hasQuotaSignal := strings.Contains(lower, "insufficient_quota") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "out of credits") ||
		strings.Contains(lower, "insufficient balance") ||
		strings.Contains(lower, "billing") ||
		strings.Contains(lower, "额度") ||
		strings.Contains(lower, "余额") ||
		strings.Contains(lower, "欠费") ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "insufficient")

	if status == 429 && hasQuotaSignal {
		return "quota", true
	}

	hasModelSignal := strings.Contains(lower, "model_not_found") ||
		strings.Contains(lower, "unknown model") ||
		strings.Contains(lower, "unknown provider for model") ||
		strings.Contains(lower, "invalid model") ||
		strings.Contains(lower, "model does not exist") ||
		strings.Contains(lower, "unsupported model") ||
		strings.Contains(lower, "模型不存在") ||
		strings.Contains(lower, "模型不可用")

	modelUnavailableStatus := status == 400 || status == 404 || status == 422 || (status >= 500 && status <= 599)
	if modelUnavailableStatus && hasModelSignal {
		return "model_unavailable", true
	}

	return "", false
}

func isTransientOverload(status int, errorText string) bool {
	if status == 429 {
		return true
	}
	if status == 503 || status == 529 {
		lower := strings.ToLower(errorText)
		return strings.Contains(lower, "too many") ||
			strings.Contains(lower, "rate limit") ||
			strings.Contains(lower, "overload") ||
			strings.Contains(lower, "concurr") ||
			strings.Contains(lower, "busy") ||
			strings.Contains(lower, "高并发") ||
			strings.Contains(lower, "拥塞")
	}
	return false
}

func isCountedError(status *int, networkError bool) bool {
	if networkError {
		return true
	}
	if status == nil {
		return false
	}
	code := *status
	if code >= 500 && code <= 599 {
		return true
	}
	return code == 401 || code == 403
}

func normalizeModelHint(model string) string {
	trimmed := strings.TrimSpace(model)
	if trimmed == "" {
		return "_default"
	}
	return sanitizeToken(trimmed)
}

func buildRouteKey(slot ModelSlot, endpointID, converter, modelHint string) string {
	return fmt.Sprintf("%s|%s|%s|%s", slot, sanitizeToken(endpointID), sanitizeToken(converter), sanitizeToken(modelHint))
}

func sanitizeToken(value string) string {
	trimmed := strings.TrimSpace(value)
	return strings.Map(func(ch rune) rune {
		if ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '|' {
			return '_'
		}
		return ch
	}, trimmed)
}
