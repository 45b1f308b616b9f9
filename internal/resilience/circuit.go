// Package resilience keeps a failing upstream service from stalling every job
// in a batch: once a breaker opens, calls fail fast until a probe succeeds.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// State is the position of a breaker.
type State int

const (
	// Closed lets calls through and counts consecutive failures.
	Closed State = iota
	// Open rejects calls until the reset timeout elapses.
	Open
	// HalfOpen admits one probe call at a time.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected without reaching the service.
var ErrCircuitOpen = eris.New("resilience: circuit open")

// BreakerConfig controls a breaker.
type BreakerConfig struct {
	// Name identifies the protected service in logs.
	Name string
	// FailureThreshold is the number of consecutive tripping failures that opens the breaker.
	FailureThreshold int
	// ResetTimeout is how long an open breaker waits before admitting a probe.
	ResetTimeout time.Duration
	// ShouldTrip decides whether an error counts as a failure. Defaults to IsTransient,
	// so bad input or unparseable model output never opens the breaker.
	ShouldTrip func(err error) bool
}

// NewBreakerConfig builds a config from the anthropic.breaker_* settings.
func NewBreakerConfig(name string, threshold, resetSecs int) BreakerConfig {
	cfg := BreakerConfig{Name: name, FailureThreshold: threshold}
	if resetSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetSecs) * time.Second
	}
	return cfg
}

// Breaker is a consecutive-failure circuit breaker for one service.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = time.Minute
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker is open.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call runs fn through b and returns its value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, eris.Wrapf(err, "resilience: %s", b.cfg.Name)
	}
	probe, err := b.admit()
	if err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(probe, err)
	return val, err
}

// State returns the current position, reporting HalfOpen once an open breaker
// is due for a probe.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return HalfOpen
	}
	return b.state
}

func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, eris.Wrapf(ErrCircuitOpen, "resilience: %s", b.cfg.Name)
		}
		b.transition(HalfOpen)
		b.probing = true
		return true, nil
	case HalfOpen:
		if b.probing {
			return false, eris.Wrapf(ErrCircuitOpen, "resilience: %s probe in flight", b.cfg.Name)
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) record(probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
	}

	if err == nil || !b.cfg.ShouldTrip(err) {
		b.failures = 0
		if b.state == HalfOpen {
			b.transition(Closed)
		}
		return
	}

	b.failures++
	switch {
	case b.state == HalfOpen:
		b.open()
	case b.state == Closed && b.failures >= b.cfg.FailureThreshold:
		b.open()
	}
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(Open)
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to {
		zap.L().Warn("circuit breaker state change",
			zap.String("component", "resilience"),
			zap.String("breaker", b.cfg.Name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Int("failures", b.failures),
		)
	}
}

// Breakers hands out one breaker per service name, all sharing a template config.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakers creates an empty registry.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for name, creating it on first use.
func (r *Breakers) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.cfg
	cfg.Name = name
	b := NewBreaker(cfg)
	r.breakers[name] = b
	return b
}

// States snapshots every breaker's position.
func (r *Breakers) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
