package resilience

import (
	"sync"
	"time"

	"github.com/calev/orchid/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the failure ratio (0..1] over the rolling window
	// that opens the circuit.
	FailureThreshold float64
	// MinimumThroughput is the minimum number of calls in the window before
	// the ratio is considered meaningful.
	MinimumThroughput int
	// Window is the rolling window over which outcomes are tracked.
	Window time.Duration
	// BreakDuration is how long the circuit stays open before half-open.
	BreakDuration time.Duration
	// SuccessThreshold is the number of half-open successes required to close.
	SuccessThreshold int
	// HalfOpenMax is the number of concurrent probe requests allowed half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns a sensible default configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  0.5,
		MinimumThroughput: 10,
		Window:            30 * time.Second,
		BreakDuration:     30 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMax:       2,
	}
}

// outcome is one recorded call result inside the rolling window.
type outcome struct {
	at time.Time
	ok bool
}

// breaker tracks windowed failure state for a single service key.
type breaker struct {
	mu               sync.Mutex
	state            CircuitState
	window           []outcome
	openedAt         time.Time
	halfOpenInflight int
	halfOpenSuccess  int
	config           BreakerConfig
}

// BreakerRegistry manages per-service-key circuit breakers.
type BreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	config   BreakerConfig
	now      func() time.Time
}

// NewBreakerRegistry creates a new registry with the given config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*breaker),
		config:   config,
		now:      time.Now,
	}
}

// Allow checks whether a call to the given service key is permitted.
// Returns nil if allowed, or a CIRCUIT_OPEN error if the circuit rejects it.
func (r *BreakerRegistry) Allow(key string) error {
	b := r.getOrCreate(key)
	now := r.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if now.Sub(b.openedAt) >= b.config.BreakDuration {
			b.state = CircuitHalfOpen
			b.halfOpenInflight = 1
			b.halfOpenSuccess = 0
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"circuit breaker open for %q", key).
			WithDetails(map[string]any{
				"key":             key,
				"state":           b.state.String(),
				"break_remaining": (b.config.BreakDuration - now.Sub(b.openedAt)).String(),
			})

	case CircuitHalfOpen:
		if b.halfOpenInflight >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: max probe requests reached", key)
		}
		b.halfOpenInflight++
		return nil
	}

	return nil
}

// RecordSuccess records a successful call for the service key.
func (r *BreakerRegistry) RecordSuccess(key string) {
	b := r.getOrCreate(key)
	now := r.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(now, true)

	if b.state == CircuitHalfOpen {
		b.halfOpenSuccess++
		if b.halfOpenInflight > 0 {
			b.halfOpenInflight--
		}
		if b.halfOpenSuccess >= b.config.SuccessThreshold {
			b.state = CircuitClosed
			b.window = nil
			b.halfOpenSuccess = 0
			b.halfOpenInflight = 0
		}
	}
}

// RecordFailure records a failed call for the service key and returns the
// resulting circuit state.
func (r *BreakerRegistry) RecordFailure(key string) CircuitState {
	b := r.getOrCreate(key)
	now := r.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	b.record(now, false)

	if b.state == CircuitHalfOpen {
		// Any failure during probing reopens the circuit.
		b.state = CircuitOpen
		b.openedAt = now
		b.halfOpenInflight = 0
		b.halfOpenSuccess = 0
		return CircuitOpen
	}

	total, failures := b.counts(now)
	if total >= b.config.MinimumThroughput &&
		float64(failures)/float64(total) >= b.config.FailureThreshold {
		b.state = CircuitOpen
		b.openedAt = now
	}
	return b.state
}

// State returns the current state of the circuit for a service key.
func (r *BreakerRegistry) State(key string) CircuitState {
	b := r.getOrCreate(key)
	now := r.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && now.Sub(b.openedAt) >= b.config.BreakDuration {
		b.state = CircuitHalfOpen
		b.halfOpenInflight = 0
		b.halfOpenSuccess = 0
	}
	return b.state
}

// Stats returns diagnostic information about a circuit breaker.
func (r *BreakerRegistry) Stats(key string) map[string]any {
	b := r.getOrCreate(key)
	now := r.now()
	b.mu.Lock()
	defer b.mu.Unlock()

	total, failures := b.counts(now)
	return map[string]any{
		"key":               key,
		"state":             b.state.String(),
		"window_total":      total,
		"window_failures":   failures,
		"failure_threshold": b.config.FailureThreshold,
		"break_duration":    b.config.BreakDuration.String(),
	}
}

// record appends an outcome and prunes entries older than the window.
func (b *breaker) record(now time.Time, ok bool) {
	b.window = append(b.window, outcome{at: now, ok: ok})
	cutoff := now.Add(-b.config.Window)
	i := 0
	for ; i < len(b.window); i++ {
		if b.window[i].at.After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.window = b.window[i:]
	}
}

func (b *breaker) counts(now time.Time) (total, failures int) {
	cutoff := now.Add(-b.config.Window)
	for _, o := range b.window {
		if o.at.After(cutoff) {
			total++
			if !o.ok {
				failures++
			}
		}
	}
	return total, failures
}

func (r *BreakerRegistry) getOrCreate(key string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = &breaker{
			state:  CircuitClosed,
			config: r.config,
		}
		r.breakers[key] = b
	}
	return b
}
