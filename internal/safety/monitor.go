// Package safety gates operations against registered policies, records every
// violation in an append-only audit trail and owns the global emergency-stop
// flag.
//
// Policies come in two flavours. Operation policies (path, command, content)
// inspect the operation and produce a fresh violation per match.
// Environmental policies (resource, spike, breaker) inspect system state; their
// violations are kept active while the condition persists and resolved as
// "cleared" once it goes away.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/autopilot/internal/breaker"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/resource"
)

// ErrDuplicatePolicy is returned when registering an ID twice.
var ErrDuplicatePolicy = errors.New("duplicate policy id")

// Resolutions recorded by the monitor itself.
const (
	ResolutionAutoBlocked   = "auto_blocked"
	ResolutionEmergencyStop = "emergency_stop"
	ResolutionCleared       = "cleared"
	ResolutionSuperseded    = "superseded"
)

// ResourceSource is the part of the resource monitor the safety layer uses.
type ResourceSource interface {
	Snapshot() (resource.Snapshot, bool)
	SampleOnce(ctx context.Context) (resource.Snapshot, error)
	Suspend()
	Unsuspend()
}

// BreakerSource reports circuit breaker states.
type BreakerSource interface {
	States() []breaker.State
}

// Config configures a Monitor.
type Config struct {
	Policies  []Policy // nil means DefaultPolicies(Defaults{})
	Audit     []AuditSink
	Resources ResourceSource
	Breakers  BreakerSource
	Logger    *slog.Logger
	Metrics   *metrics.Collector
	Bus       *events.EventBus
	Now       func() time.Time
}

type registered struct {
	policy Policy
	eval   evaluator
}

type policyResult struct {
	policy   Policy
	findings []finding
}

type stickyRef struct {
	violationID string
	policyID    string
}

// Monitor evaluates operations against policies.
type Monitor struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	policies   []registered
	violations map[string]*Violation
	order      []string
	sticky     map[string]stickyRef
	halted     bool
	haltReason string
}

// NewMonitor creates a monitor and registers cfg.Policies.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	policies := cfg.Policies
	if policies == nil {
		policies = DefaultPolicies(Defaults{})
	}

	m := &Monitor{
		cfg:        cfg,
		logger:     logging.Component(cfg.Logger, "safety"),
		violations: make(map[string]*Violation),
		sticky:     make(map[string]stickyRef),
	}
	for _, p := range policies {
		if err := m.Register(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register compiles and adds a policy. The monitor keeps its own copy.
func (m *Monitor) Register(p Policy) error {
	if p.ID == "" {
		return errors.New("policy id is required")
	}
	p = p.clone()
	eval, err := compile(p)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.policies {
		if r.policy.ID == p.ID {
			return fmt.Errorf("%w: %s", ErrDuplicatePolicy, p.ID)
		}
	}
	m.policies = append(m.policies, registered{policy: p, eval: eval})
	return nil
}

// Policies returns copies of the registered policies in registration order.
func (m *Monitor) Policies() []Policy {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Policy, 0, len(m.policies))
	for _, r := range m.policies {
		out = append(out, r.policy.clone())
	}
	return out
}

// Evaluate runs every policy against op. CRITICAL resource usage found while
// evaluating triggers an emergency stop.
func (m *Monitor) Evaluate(ctx context.Context, op Operation) Assessment {
	if m.Halted() {
		return Assessment{
			Risk:            RiskCritical,
			RequiredActions: requiredActions(RiskCritical, false, false),
			Reason:          "emergency_stop_active",
		}
	}

	env := m.environment()
	results, scope := m.run(op, env, func(PolicyKind) bool { return true })

	m.mu.Lock()
	a, critical := m.applyLocked(op, results, scope)
	m.mu.Unlock()

	if critical != "" {
		m.EmergencyStop("critical_resource:" + critical)
	}
	return a
}

// ObserveResources evaluates the environmental policies against snap. It is
// meant to be registered as a resource monitor sample hook.
func (m *Monitor) ObserveResources(snap resource.Snapshot) Assessment {
	if m.Halted() {
		return Assessment{Safe: true}
	}

	env := environment{snapshot: snap, hasSnapshot: true}
	if m.cfg.Breakers != nil {
		env.breakers = m.cfg.Breakers.States()
	}
	results, scope := m.run(Operation{Kind: "observe"}, env, PolicyKind.environmental)

	m.mu.Lock()
	a, critical := m.applyLocked(Operation{}, results, scope)
	m.mu.Unlock()

	if critical != "" {
		m.EmergencyStop("critical_resource:" + critical)
	}
	return a
}

func (m *Monitor) environment() environment {
	var env environment
	if m.cfg.Resources != nil {
		env.snapshot, env.hasSnapshot = m.cfg.Resources.Snapshot()
	}
	if m.cfg.Breakers != nil {
		env.breakers = m.cfg.Breakers.States()
	}
	return env
}

// run evaluates the selected policies outside the lock. scope lists the
// environmental policies whose view of the environment was complete, so
// their stale violations may be cleared.
func (m *Monitor) run(op Operation, env environment, include func(PolicyKind) bool) ([]policyResult, map[string]bool) {
	m.mu.Lock()
	policies := make([]registered, len(m.policies))
	copy(policies, m.policies)
	m.mu.Unlock()

	var results []policyResult
	scope := make(map[string]bool)
	for _, r := range policies {
		if !include(r.policy.Kind) {
			continue
		}
		if r.policy.Kind.environmental() && (r.policy.Kind == KindBreaker || env.hasSnapshot) {
			scope[r.policy.ID] = true
		}
		results = append(results, policyResult{policy: r.policy, findings: m.safeEvaluate(r, op, env)})
	}
	return results, scope
}

// safeEvaluate fails closed: a panicking policy yields a CRITICAL finding.
func (m *Monitor) safeEvaluate(r registered, op Operation, env environment) (out []finding) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("policy evaluation panicked", "policy", r.policy.ID, "panic", rec)
			out = []finding{{
				Type:        TypeMonitorFailure,
				Risk:        RiskCritical,
				Description: fmt.Sprintf("policy %s failed: %v", r.policy.ID, rec),
				Context:     map[string]string{"policy": r.policy.ID},
			}}
		}
	}()
	return r.eval.evaluate(op, env)
}

// applyLocked turns findings into violations and builds the assessment. It
// returns the resource name when a CRITICAL resource limit was hit.
func (m *Monitor) applyLocked(op Operation, results []policyResult, scope map[string]bool) (Assessment, string) {
	now := m.cfg.Now()
	a := Assessment{Risk: RiskSafe}
	confirm := false
	var blockedBy, top, critical string
	seen := make(map[string]bool)

	for _, res := range results {
		p := res.policy
		for _, f := range res.findings {
			var v *Violation
			if f.key != "" {
				sk := p.ID + "|" + f.Type + "|" + f.key
				seen[sk] = true
				if ref, ok := m.sticky[sk]; ok {
					if existing := m.violations[ref.violationID]; existing != nil && !existing.Resolved {
						if existing.Risk == f.Risk {
							v = existing
						} else {
							m.resolveLocked(existing, ResolutionSuperseded, now)
						}
					}
				}
				if v == nil {
					v = m.createLocked(p, f, "", now)
					m.sticky[sk] = stickyRef{violationID: v.ID, policyID: p.ID}
				}
			} else {
				v = m.createLocked(p, f, op.TaskID, now)
			}

			a.Violations = append(a.Violations, v.clone())
			if f.Risk > a.Risk || top == "" {
				if f.Risk > a.Risk {
					a.Risk = f.Risk
				}
				top = p.ID
			}
			if p.AutoBlock && blockedBy == "" {
				blockedBy = p.ID
			}
			if p.RequireConfirmation {
				confirm = true
			}
			if f.Type == TypeResourceLimit && f.Risk >= RiskCritical {
				critical = f.key
			}
		}
	}

	for sk, ref := range m.sticky {
		if seen[sk] || !scope[ref.policyID] {
			continue
		}
		if v := m.violations[ref.violationID]; v != nil && !v.Resolved {
			m.resolveLocked(v, ResolutionCleared, now)
		}
		delete(m.sticky, sk)
	}

	a.Blocked = blockedBy != ""
	a.RequiredActions = requiredActions(a.Risk, confirm, a.Blocked)
	a.Safe = !a.Blocked && a.Risk < RiskHigh && !confirm
	switch {
	case a.Blocked:
		a.Reason = ResolutionAutoBlocked + ":" + blockedBy
	case !a.Safe:
		a.Reason = "risk_" + strings.ToLower(a.Risk.String()) + ":" + top
	case a.Risk > RiskSafe:
		a.Reason = "advisory:" + top
	}
	return a, critical
}

func (m *Monitor) createLocked(p Policy, f finding, taskID string, now time.Time) *Violation {
	v := &Violation{
		ID:          uuid.NewString(),
		PolicyID:    p.ID,
		TaskID:      taskID,
		Type:        f.Type,
		Risk:        f.Risk,
		Description: f.Description,
		Context:     f.Context,
		CreatedAt:   now,
	}
	if p.AutoBlock {
		v.Resolved = true
		v.Resolution = ResolutionAutoBlocked
		v.ResolvedAt = now
	}
	m.violations[v.ID] = v
	m.order = append(m.order, v.ID)

	m.cfg.Metrics.Violation(p.ID, v.Risk.String())
	level := slog.LevelInfo
	if v.Risk >= RiskHigh {
		level = slog.LevelWarn
	}
	m.logger.Log(context.Background(), level, "safety violation",
		"id", v.ID, "policy", p.ID, "risk", v.Risk, "task", taskID, "description", v.Description)
	m.emitLocked(*v, now)
	return v
}

func (m *Monitor) resolveLocked(v *Violation, resolution string, now time.Time) {
	v.Resolved = true
	v.Resolution = resolution
	v.ResolvedAt = now
	m.emitLocked(*v, now)
}

// emitLocked appends to the audit sinks and publishes the event. Holding the
// lock keeps audit order identical to mutation order.
func (m *Monitor) emitLocked(v Violation, at time.Time) {
	rec := recordOf(v, at)
	for _, sink := range m.cfg.Audit {
		if err := sink.Append(rec); err != nil {
			m.logger.Error("audit append failed", "violation", v.ID, "error", err)
		}
	}
	m.cfg.Bus.Publish(events.TopicSafety, events.ViolationEvent{
		ViolationID: v.ID,
		Task:        v.TaskID,
		PolicyID:    v.PolicyID,
		Risk:        v.Risk.String(),
		Description: v.Description,
		Resolved:    v.Resolved,
		Timestamp:   at,
	})
}

// EmergencyStop raises the global halt flag, resolves every unresolved
// violation as "emergency_stop" and suspends resource sampling. It reports
// whether this call performed the stop; later calls are no-ops.
func (m *Monitor) EmergencyStop(reason string) bool {
	if reason == "" {
		reason = "manual"
	}

	m.mu.Lock()
	if m.halted {
		m.mu.Unlock()
		return false
	}
	m.halted = true
	m.haltReason = reason

	now := m.cfg.Now()
	resolved := 0
	for _, id := range m.order {
		if v := m.violations[id]; !v.Resolved {
			m.resolveLocked(v, ResolutionEmergencyStop, now)
			resolved++
		}
	}
	m.sticky = make(map[string]stickyRef)
	m.mu.Unlock()

	if m.cfg.Resources != nil {
		m.cfg.Resources.Suspend()
	}
	m.cfg.Metrics.EmergencyStop()
	m.logger.Error("emergency stop", "reason", reason, "resolved", resolved)
	m.cfg.Bus.Publish(events.TopicSafety, events.EmergencyStopEvent{
		Reason:    reason,
		Resolved:  resolved,
		Timestamp: now,
	})
	return true
}

// Halted reports whether an emergency stop is in effect.
func (m *Monitor) Halted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.halted
}

// HaltReason returns the reason of the active emergency stop.
func (m *Monitor) HaltReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.haltReason
}

// Resume clears the halt flag. It takes a fresh resource sample first and
// fails closed, leaving the system halted, while any CRITICAL resource
// violation is active.
func (m *Monitor) Resume(ctx context.Context) error {
	if !m.Halted() {
		return nil
	}

	env := environment{}
	if src := m.cfg.Resources; src != nil {
		if snap, err := src.SampleOnce(ctx); err == nil {
			env.snapshot, env.hasSnapshot = snap, true
		} else {
			m.logger.Warn("resume: fresh resource sample failed, using last snapshot", "error", err)
			env.snapshot, env.hasSnapshot = src.Snapshot()
		}
	}
	results, scope := m.run(Operation{Kind: "resume"}, env, func(k PolicyKind) bool { return k == KindResource })

	m.mu.Lock()
	m.applyLocked(Operation{}, results, scope)
	for _, id := range m.order {
		v := m.violations[id]
		if !v.Resolved && v.Type == TypeResourceLimit && v.Risk >= RiskCritical {
			m.mu.Unlock()
			m.logger.Error("resume refused", "violation", v.ID, "description", v.Description)
			return faults.New(faults.KindResourceExhaustion, "critical_resource:"+v.Context["resource"], faults.ErrCriticalResource)
		}
	}
	m.halted = false
	m.haltReason = ""
	m.mu.Unlock()

	if m.cfg.Resources != nil {
		m.cfg.Resources.Unsuspend()
	}
	m.logger.Info("resumed after emergency stop")
	m.cfg.Bus.Publish(events.TopicSafety, events.ResumedEvent{Timestamp: m.cfg.Now()})
	return nil
}

// Resolve marks a violation resolved with the given reason.
func (m *Monitor) Resolve(id, resolution string) error {
	if resolution == "" {
		resolution = "resolved"
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.violations[id]
	if !ok {
		return fmt.Errorf("violation %s: %w", id, faults.ErrNotFound)
	}
	if v.Resolved {
		return fmt.Errorf("violation %s already resolved (%s)", id, v.Resolution)
	}
	m.resolveLocked(v, resolution, m.cfg.Now())
	return nil
}

// Violation returns a copy of the violation with the given ID.
func (m *Monitor) Violation(id string) (Violation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.violations[id]
	if !ok {
		return Violation{}, false
	}
	return v.clone(), true
}

// ActiveViolations returns unresolved violations in creation order.
func (m *Monitor) ActiveViolations() []Violation {
	return m.list(func(v *Violation) bool { return !v.Resolved })
}

// Violations returns every violation in creation order.
func (m *Monitor) Violations() []Violation {
	return m.list(func(*Violation) bool { return true })
}

func (m *Monitor) list(keep func(*Violation) bool) []Violation {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Violation
	for _, id := range m.order {
		if v := m.violations[id]; keep(v) {
			out = append(out, v.clone())
		}
	}
	return out
}
