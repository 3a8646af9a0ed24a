// Package breaker provides named circuit breakers built on sony/gobreaker
// and a backoff retry helper. A breaker never retries on its own; callers
// combine Breaker.Call with Retry, which treats an open circuit as permanent.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
)

// StateName is the externally visible breaker state.
type StateName string

const (
	Closed   StateName = "closed"
	Open     StateName = "open"
	HalfOpen StateName = "half_open"
)

func stateName(s gobreaker.State) StateName {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return HalfOpen
	default:
		return Closed
	}
}

// gauge maps a state onto the breaker state metric.
func gauge(s StateName) float64 {
	switch s {
	case HalfOpen:
		return 1
	case Open:
		return 2
	default:
		return 0
	}
}

// Settings are the thresholds of one breaker.
type Settings struct {
	FailureThreshold int           // Consecutive failures that open the breaker (default 5)
	SuccessThreshold int           // Half-open successes that close it (default 2)
	RecoveryTimeout  time.Duration // Time spent open before a trial (default 30s)
}

// DefaultSettings returns the default thresholds.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
	}
}

func (s Settings) withDefaults() Settings {
	def := DefaultSettings()
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = def.SuccessThreshold
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = def.RecoveryTimeout
	}
	return s
}

// State is a point-in-time view of a breaker.
type State struct {
	Name                 string
	State                StateName
	Failures             int
	ConsecutiveSuccesses int
	LastFailure          time.Time
	FailureThreshold     int
	SuccessThreshold     int
	RecoveryTimeout      time.Duration
}

// OpenError is returned when a call is short-circuited. It unwraps to both a
// faults.KindCircuitOpen error and the underlying gobreaker sentinel.
type OpenError struct {
	Name  string
	Cause error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open: %v", e.Name, e.Cause)
}

func (e *OpenError) Unwrap() []error {
	return []error{faults.CircuitOpen(e.Name, nil), e.Cause}
}

// Reason returns the machine-readable rejection reason.
func (e *OpenError) Reason() string {
	return "circuit_open:" + e.Name
}

// IsOpen reports whether err was produced by a short-circuited call.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Options carries the shared collaborators of every breaker in a registry.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Collector
	Bus     *events.EventBus
}

// Breaker is a named circuit breaker.
type Breaker struct {
	name     string
	settings Settings
	cb       *gobreaker.TwoStepCircuitBreaker

	mu          sync.Mutex
	failures    int
	lastFailure time.Time
}

// New creates a standalone breaker.
func New(name string, settings Settings, opts Options) *Breaker {
	settings = settings.withDefaults()
	logger := logging.Component(opts.Logger, "breaker")

	b := &Breaker{name: name, settings: settings}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(settings.SuccessThreshold),
		Interval:    0,
		Timeout:     settings.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(settings.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f, t := stateName(from), stateName(to)
			if t == Closed {
				b.mu.Lock()
				b.failures = 0
				b.mu.Unlock()
			}
			logger.Warn("circuit breaker state change", "name", name, "from", f, "to", t)
			opts.Metrics.BreakerState(name, gauge(t))
			opts.Bus.Publish(events.TopicBreaker, events.BreakerStateEvent{
				Name:      name,
				From:      string(f),
				To:        string(t),
				Timestamp: time.Now(),
			})
		},
	})
	opts.Metrics.BreakerState(name, gauge(Closed))
	return b
}

// cancelled reports whether err comes from the caller giving up rather
// than from the protected subsystem.
func cancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.name }

// Call runs fn through the breaker. When the breaker is open (or its
// half-open trial slots are taken) fn is not invoked and an *OpenError is
// returned.
func (b *Breaker) Call(fn func() error) error {
	_, err := b.Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

// Execute is Call for functions that return a value.
//
// A cancelled call proves nothing about the subsystem. While closed it is
// not recorded at all. A cancelled half-open trial still has to give its
// slot back, and gobreaker can only do that by recording an outcome, so
// the trial is counted as failed and the breaker returns to open. It never
// counts toward the success threshold.
func (b *Breaker) Execute(fn func() (any, error)) (result any, err error) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, &OpenError{Name: b.name, Cause: err}
	}

	defer func() {
		if e := recover(); e != nil {
			done(false)
			panic(e)
		}
	}()

	result, err = fn()
	switch {
	case err == nil:
		done(true)
	case cancelled(err):
		if b.cb.State() == gobreaker.StateHalfOpen {
			done(false)
		}
	default:
		b.mu.Lock()
		b.failures++
		b.lastFailure = time.Now()
		b.mu.Unlock()
		done(false)
	}
	return result, err
}

// State returns a snapshot of the breaker. Reading the state lets gobreaker
// move an expired open breaker to half-open.
func (b *Breaker) State() State {
	st := stateName(b.cb.State())
	counts := b.cb.Counts()

	b.mu.Lock()
	defer b.mu.Unlock()

	s := State{
		Name:             b.name,
		State:            st,
		Failures:         b.failures,
		LastFailure:      b.lastFailure,
		FailureThreshold: b.settings.FailureThreshold,
		SuccessThreshold: b.settings.SuccessThreshold,
		RecoveryTimeout:  b.settings.RecoveryTimeout,
	}
	if st == HalfOpen {
		s.ConsecutiveSuccesses = int(counts.ConsecutiveSuccesses)
	}
	return s
}

// Registry manages breakers keyed by subsystem name.
type Registry struct {
	settings Settings
	opts     Options

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share settings and options.
func NewRegistry(settings Settings, opts Options) *Registry {
	return &Registry{
		settings: settings.withDefaults(),
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := New(name, r.settings, r.opts)
	r.breakers[name] = b
	return b
}

// States returns a snapshot of every breaker, sorted by name.
func (r *Registry) States() []State {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	states := make([]State, 0, len(list))
	for _, b := range list {
		states = append(states, b.State())
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}
