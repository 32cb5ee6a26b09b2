package providers

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Candidate pairs a named provider with its place in the failover order.
type Candidate struct {
	Name     string
	Provider LLMProvider
}

// FailoverProvider wraps an ordered list of candidates and retries
// transient failures across them while preserving streaming semantics:
// once a streaming attempt has forwarded a delta, that attempt commits
// and no further failover occurs for the call (§4.3, point 4).
type FailoverProvider struct {
	candidates   []Candidate
	defaultModel string
	policy       FailoverPolicy
	breakerCfg   CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*circuitBreaker

	metrics FailoverMetrics

	// onBreakerStateChange, if set via SetBreakerStateChangeHook, is
	// called with the candidate name whenever that candidate's breaker
	// changes state. Wired to the alert service's CircuitStateChange.
	onBreakerStateChange func(name, from, to string)
}

// SetBreakerStateChangeHook installs a callback invoked whenever any
// candidate's circuit breaker changes state. Must be called before the
// first Chat/StreamChat call that would create that candidate's
// breaker; safe to call once at startup.
func (f *FailoverProvider) SetBreakerStateChangeHook(fn func(name, from, to string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onBreakerStateChange = fn
}

// FailoverMetrics accumulates counters for observability export.
type FailoverMetrics struct {
	mu               sync.Mutex
	TotalCalls       int64
	TotalAttempts    int64
	TotalFailovers   int64
	BreakerSkips     int64
	ProviderFailures map[string]int64
}

func (m *FailoverMetrics) incCalls() {
	m.mu.Lock()
	m.TotalCalls++
	m.mu.Unlock()
}

func (m *FailoverMetrics) incAttempt() {
	m.mu.Lock()
	m.TotalAttempts++
	m.mu.Unlock()
}

func (m *FailoverMetrics) incFailover() {
	m.mu.Lock()
	m.TotalFailovers++
	m.mu.Unlock()
}

func (m *FailoverMetrics) incBreakerSkip() {
	m.mu.Lock()
	m.BreakerSkips++
	m.mu.Unlock()
}

func (m *FailoverMetrics) incProviderFailure(name string) {
	m.mu.Lock()
	if m.ProviderFailures == nil {
		m.ProviderFailures = map[string]int64{}
	}
	m.ProviderFailures[name]++
	m.mu.Unlock()
}

// NewFailoverProvider builds a FailoverProvider. candidates must be
// non-empty; order determines failover precedence.
func NewFailoverProvider(candidates []Candidate, defaultModel string, policy FailoverPolicy, breakerCfg CircuitBreakerConfig) (*FailoverProvider, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("providers: failover requires at least one candidate")
	}
	return &FailoverProvider{
		candidates:   candidates,
		defaultModel: defaultModel,
		policy:       policy,
		breakerCfg:   breakerCfg,
		breakers:     make(map[string]*circuitBreaker),
	}, nil
}

func (f *FailoverProvider) Name() string         { return "failover" }
func (f *FailoverProvider) DefaultModel() string { return f.defaultModel }
func (f *FailoverProvider) SupportsStreaming() bool {
	for _, c := range f.candidates {
		if c.Provider.SupportsStreaming() {
			return true
		}
	}
	return false
}

func (f *FailoverProvider) breakerFor(name string) *circuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.breakers[name]
	if !ok {
		cfg := f.breakerCfg
		if f.onBreakerStateChange != nil {
			hook := f.onBreakerStateChange
			cfg.OnStateChange = func(from, to string) { hook(name, from, to) }
		}
		b = newCircuitBreaker(cfg)
		f.breakers[name] = b
	}
	return b
}

func backoffDuration(baseMs, maxMs, attemptIndex int) time.Duration {
	if baseMs <= 0 {
		return 0
	}
	raw := baseMs << attemptIndex // base_ms * 2^attempt
	if raw <= 0 || raw > maxMs {
		raw = maxMs
	}
	jitter := rand.Intn(maxInt(1, raw/5+1)) // uniform(0, 20% of raw]
	return time.Duration(raw+jitter) * time.Millisecond
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Chat implements the non-streaming failover path described in §4.3.
func (f *FailoverProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	f.metrics.incCalls()
	model := req.Model
	if model == "" {
		model = f.defaultModel
		req.Model = model
	}

	var fallback ChatResponse
	haveFallback := false
	var lastErr error

	for i, cand := range f.candidates {
		breaker := f.breakerFor(cand.Name)
		if !breaker.allow() {
			f.metrics.incBreakerSkip()
			continue
		}

		rp := f.policy.resolve(cand.Name, model)
		for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
			if ctx.Err() != nil {
				return ChatResponse{}, ctx.Err()
			}
			f.metrics.incAttempt()

			resp, err := cand.Provider.Chat(ctx, req)
			if err != nil {
				lastErr = err
				resp = ChatResponse{Content: fmt.Sprintf("Error calling LLM: %v", err), FinishReason: "error"}
			}

			if !IsRetryableResponse(resp) {
				breaker.recordSuccess()
				return resp, nil
			}

			fallback = resp
			haveFallback = true
			breaker.recordFailure()
			f.metrics.incProviderFailure(cand.Name)

			if attempt < rp.MaxAttempts-1 {
				select {
				case <-time.After(backoffDuration(rp.BaseBackoffMs, rp.MaxBackoffMs, attempt)):
				case <-ctx.Done():
					return ChatResponse{}, ctx.Err()
				}
			}
		}

		if i < len(f.candidates)-1 {
			f.metrics.incFailover()
		}
	}

	if haveFallback {
		return fallback, nil
	}
	msg := "failover candidates exhausted"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return ChatResponse{Content: "Error calling LLM: " + msg, FinishReason: "error"}, nil
}

// StreamChat implements the streaming failover path: once a delta has
// been forwarded from an attempt, that attempt commits — no further
// candidate or retry is tried for this call.
func (f *FailoverProvider) StreamChat(ctx context.Context, req ChatRequest) (<-chan StreamEvent, error) {
	f.metrics.incCalls()
	model := req.Model
	if model == "" {
		model = f.defaultModel
		req.Model = model
	}

	out := make(chan StreamEvent, 16)
	go func() {
		defer close(out)

		var fallback *ChatResponse

		for i, cand := range f.candidates {
			breaker := f.breakerFor(cand.Name)
			if !breaker.allow() {
				f.metrics.incBreakerSkip()
				continue
			}

			rp := f.policy.resolve(cand.Name, model)
			for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
				if ctx.Err() != nil {
					return
				}
				f.metrics.incAttempt()

				hadDelta := false
				var final *ChatResponse

				if cand.Provider.SupportsStreaming() {
					events, err := cand.Provider.StreamChat(ctx, req)
					if err != nil {
						final = &ChatResponse{Content: fmt.Sprintf("Error calling LLM: %v", err), FinishReason: "error"}
					} else {
						for ev := range events {
							switch ev.Type {
							case StreamEventDelta:
								hadDelta = true
								out <- ev
							case StreamEventFinal:
								r := ev.Response
								final = r
							}
						}
					}
				}

				if final == nil {
					resp, err := cand.Provider.Chat(ctx, req)
					if err != nil {
						resp = ChatResponse{Content: fmt.Sprintf("Error calling LLM: %v", err), FinishReason: "error"}
					}
					final = &resp
				}

				retryable := IsRetryableResponse(*final)
				fallback = final

				if !retryable || hadDelta {
					if retryable {
						breaker.recordFailure()
					} else {
						breaker.recordSuccess()
					}
					out <- StreamEvent{Type: StreamEventFinal, Response: final}
					return
				}

				breaker.recordFailure()
				f.metrics.incProviderFailure(cand.Name)

				if attempt < rp.MaxAttempts-1 {
					select {
					case <-time.After(backoffDuration(rp.BaseBackoffMs, rp.MaxBackoffMs, attempt)):
					case <-ctx.Done():
						return
					}
				}
			}

			if i < len(f.candidates)-1 {
				f.metrics.incFailover()
			}
		}

		if fallback == nil {
			fallback = &ChatResponse{Content: "Error calling LLM: failover candidates exhausted", FinishReason: "error"}
		}
		out <- StreamEvent{Type: StreamEventFinal, Response: fallback}
	}()

	return out, nil
}

// Embed tries each candidate in order, propagating the last error if
// every candidate fails.
func (f *FailoverProvider) Embed(ctx context.Context, texts []string, model string) ([][]float32, error) {
	if model == "" {
		model = f.defaultModel
	}
	var lastErr error
	for _, cand := range f.candidates {
		rp := f.policy.resolve(cand.Name, model)
		for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
			vecs, err := cand.Provider.Embed(ctx, texts, model)
			if err == nil {
				return vecs, nil
			}
			lastErr = err
			if attempt < rp.MaxAttempts-1 {
				select {
				case <-time.After(backoffDuration(rp.BaseBackoffMs, rp.MaxBackoffMs, attempt)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("providers: no candidates available for embeddings")
	}
	return nil, lastErr
}

// BreakerStates returns a snapshot of every candidate's breaker state,
// for the alert service and metrics export.
func (f *FailoverProvider) BreakerStates() map[string]BreakerState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]BreakerState, len(f.breakers))
	for name, b := range f.breakers {
		out[name] = b.snapshot()
	}
	return out
}

// FailoverMetricsSnapshot is a point-in-time copy of FailoverProvider's
// accumulated counters, safe to read without holding any lock.
type FailoverMetricsSnapshot struct {
	TotalCalls       int64
	TotalAttempts    int64
	TotalFailovers   int64
	BreakerSkips     int64
	ProviderFailures map[string]int64
}

// MetricsSnapshot returns the current failover counters for periodic
// export.
func (f *FailoverProvider) MetricsSnapshot() FailoverMetricsSnapshot {
	f.metrics.mu.Lock()
	defer f.metrics.mu.Unlock()
	failures := make(map[string]int64, len(f.metrics.ProviderFailures))
	for k, v := range f.metrics.ProviderFailures {
		failures[k] = v
	}
	return FailoverMetricsSnapshot{
		TotalCalls:       f.metrics.TotalCalls,
		TotalAttempts:    f.metrics.TotalAttempts,
		TotalFailovers:   f.metrics.TotalFailovers,
		BreakerSkips:     f.metrics.BreakerSkips,
		ProviderFailures: failures,
	}
}
