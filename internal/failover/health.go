package failover

import (
	"sync"
	"time"
)

// CircuitState is the breaker state machine: CLOSED -> OPEN -> HALF_OPEN -> CLOSED.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes the per-source circuit breaker. Zero values fall
// back to defaults; none of the constants are product-confirmed, so they
// stay configurable.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	BackoffBase      time.Duration // first OPEN duration
	BackoffCeiling   time.Duration // max OPEN duration
	EWMAAlpha        float64       // weight of the newest sample in the success rate
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 10 * time.Second
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 5 * time.Minute
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		c.EWMAAlpha = 0.2
	}
	return c
}

// sourceHealth is the rolling state for one adapter. Guarded by its own
// mutex so unrelated sources never contend.
type sourceHealth struct {
	mu               sync.Mutex
	state            CircuitState
	consecutiveFails int
	lastSuccess      time.Time
	backoff          time.Duration
	backoffUntil     time.Time
	successRate      float64 // EWMA, starts optimistic at 1
	trialInFlight    bool    // HALF_OPEN admits exactly one call
}

// HealthTable owns SourceHealth for every adapter. Only the coordinator
// mutates it.
type HealthTable struct {
	mu  sync.RWMutex
	m   map[string]*sourceHealth
	cfg BreakerConfig
	now func() time.Time
}

func NewHealthTable(cfg BreakerConfig, now func() time.Time) *HealthTable {
	if now == nil {
		now = time.Now
	}
	return &HealthTable{
		m:   make(map[string]*sourceHealth),
		cfg: cfg.withDefaults(),
		now: now,
	}
}

func (t *HealthTable) get(name string) *sourceHealth {
	t.mu.RLock()
	h, ok := t.m[name]
	t.mu.RUnlock()
	if ok {
		return h
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok = t.m[name]; ok {
		return h
	}
	h = &sourceHealth{successRate: 1}
	t.m[name] = h
	return h
}

// Ensure creates an entry for name so it shows up in snapshots before
// its first request.
func (t *HealthTable) Ensure(name string) {
	t.get(name)
}

// Admit reports whether a call to name may be issued now. An expired OPEN
// circuit transitions to HALF_OPEN and admits exactly one trial call;
// further callers are refused until the trial resolves.
func (t *HealthTable) Admit(name string) bool {
	h := t.get(name)
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if t.now().Before(h.backoffUntil) {
			return false
		}
		h.state = CircuitHalfOpen
		h.trialInFlight = true
		return true
	case CircuitHalfOpen:
		if h.trialInFlight {
			return false
		}
		h.trialInFlight = true
		return true
	}
	return false
}

// RecordSuccess resets the failure streak and closes the circuit.
func (t *HealthTable) RecordSuccess(name string) CircuitState {
	h := t.get(name)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFails = 0
	h.lastSuccess = t.now()
	h.backoff = 0
	h.trialInFlight = false
	h.state = CircuitClosed
	h.successRate = h.successRate*(1-t.cfg.EWMAAlpha) + t.cfg.EWMAAlpha
	return h.state
}

// RecordFailure bumps the failure streak and opens the circuit once the
// threshold is crossed, doubling the backoff up to the ceiling. A failed
// HALF_OPEN trial reopens immediately.
func (t *HealthTable) RecordFailure(name string) CircuitState {
	h := t.get(name)
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFails++
	h.successRate = h.successRate * (1 - t.cfg.EWMAAlpha)
	wasTrial := h.state == CircuitHalfOpen
	h.trialInFlight = false

	if wasTrial || h.consecutiveFails >= t.cfg.FailureThreshold {
		if h.backoff == 0 {
			h.backoff = t.cfg.BackoffBase
		} else {
			h.backoff *= 2
		}
		if h.backoff > t.cfg.BackoffCeiling {
			h.backoff = t.cfg.BackoffCeiling
		}
		h.state = CircuitOpen
		h.backoffUntil = t.now().Add(h.backoff)
	}
	return h.state
}

// SuccessRate returns the EWMA success rate for name (1 when unknown).
func (t *HealthTable) SuccessRate(name string) float64 {
	h := t.get(name)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.successRate
}

// SourceStatus is a point-in-time health snapshot for one adapter,
// exposed through the health endpoint.
type SourceStatus struct {
	Name             string    `json:"name"`
	State            string    `json:"state"`
	ConsecutiveFails int       `json:"consecutive_failures"`
	LastSuccess      time.Time `json:"last_success"`
	SuccessRate      float64   `json:"success_rate"`
	BackoffUntil     time.Time `json:"backoff_until,omitempty"`
}

// Snapshot returns the health of every tracked source.
func (t *HealthTable) Snapshot() []SourceStatus {
	t.mu.RLock()
	names := make([]string, 0, len(t.m))
	for name := range t.m {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make([]SourceStatus, 0, len(names))
	for _, name := range names {
		h := t.get(name)
		h.mu.Lock()
		st := SourceStatus{
			Name:             name,
			State:            h.state.String(),
			ConsecutiveFails: h.consecutiveFails,
			LastSuccess:      h.lastSuccess,
			SuccessRate:      h.successRate,
		}
		if h.state == CircuitOpen {
			st.BackoffUntil = h.backoffUntil
		}
		h.mu.Unlock()
		out = append(out, st)
	}
	return out
}
