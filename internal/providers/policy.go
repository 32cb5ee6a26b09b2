package providers

import "time"

// RetryPolicy governs attempts-per-candidate and backoff for one scope
// (default, a named provider, or a named model).
type RetryPolicy struct {
	MaxAttempts    int
	BaseBackoffMs  int
	MaxBackoffMs   int
}

// FailoverPolicy resolves a RetryPolicy for a given (provider, model)
// pair: model overrides win over provider overrides, which win over the
// default.
type FailoverPolicy struct {
	Default          RetryPolicy
	ProviderOverride map[string]RetryPolicy
	ModelOverride    map[string]RetryPolicy
}

// DefaultFailoverPolicy mirrors the fallback constants used when no
// policy configuration is supplied.
func DefaultFailoverPolicy() FailoverPolicy {
	return FailoverPolicy{
		Default: RetryPolicy{MaxAttempts: 2, BaseBackoffMs: 350, MaxBackoffMs: 5000},
	}
}

func (p FailoverPolicy) resolve(providerName, model string) RetryPolicy {
	rp := p.Default
	if rp.MaxAttempts <= 0 {
		rp.MaxAttempts = 2
	}
	if rp.MaxBackoffMs <= 0 {
		rp.MaxBackoffMs = 5000
	}

	if o, ok := p.ProviderOverride[providerName]; ok {
		rp = mergeOverride(rp, o)
	}
	if o, ok := p.ModelOverride[model]; ok {
		rp = mergeOverride(rp, o)
	}

	if rp.MaxAttempts < 1 {
		rp.MaxAttempts = 1
	}
	if rp.BaseBackoffMs < 0 {
		rp.BaseBackoffMs = 0
	}
	if rp.MaxBackoffMs < 1 {
		rp.MaxBackoffMs = 1
	}
	return rp
}

func mergeOverride(base, override RetryPolicy) RetryPolicy {
	out := base
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.BaseBackoffMs > 0 {
		out.BaseBackoffMs = override.BaseBackoffMs
	}
	if override.MaxBackoffMs > 0 {
		out.MaxBackoffMs = override.MaxBackoffMs
	}
	return out
}

// CircuitBreakerConfig tunes the per-candidate breaker layered in front
// of the retry loop (§4.3.1 in SPEC_FULL.md).
type CircuitBreakerConfig struct {
	FailureThreshold int
	OpenDuration     time.Duration
	MaxOpenDuration  time.Duration

	// OnStateChange, if set, is invoked (with the breaker's prior and
	// new BreakerState, as strings) every time a candidate's breaker
	// transitions state. The alert service's CircuitStateChange method
	// returns a callback suitable for this field.
	OnStateChange func(from, to string)
}

// DefaultCircuitBreakerConfig mirrors the defaults named in SPEC_FULL.md.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		MaxOpenDuration:  5 * time.Minute,
	}
}
