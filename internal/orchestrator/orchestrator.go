// Package orchestrator wires the scheduler, safety monitor, resource monitor,
// circuit breakers, adaptation engine and archive together from
// configuration, and owns their lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/autopilot/internal/adapt"
	"github.com/aristath/autopilot/internal/breaker"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/decompose"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/processor"
	"github.com/aristath/autopilot/internal/resource"
	"github.com/aristath/autopilot/internal/safety"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/synth"
)

// Options configures New. Only Config is consulted when a field is nil.
type Options struct {
	Config    *config.Config            // nil uses config.DefaultConfig()
	Processor processor.TaskProcessor   // nil runs Config.Processor.Command
	Assessor  processor.QualityAssessor // optional
	Memory    processor.MemoryStore     // nil uses the store when there is one
	Decide    DecideFunc                // nil leaves confirmations to Confirm
	Sampler   resource.Sampler          // nil samples the host
	Store     persistence.Store         // nil opens Config.Storage.DBPath; empty path disables
	Registry  prometheus.Registerer     // nil uses a private registry
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Orchestrator owns one autonomous run.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	metrics   *metrics.Collector
	bus       *events.EventBus
	breakers  *breaker.Registry
	resources *resource.Monitor
	monitor   *safety.Monitor
	adapter   *adapt.Engine
	broker    *ConfirmationBroker
	sched     *scheduler.Scheduler
	pm        *processor.ProcessManager

	store     persistence.Store
	ownsStore bool
	auditLog  *safety.FileLog

	pressureMu sync.Mutex
	pressured  map[string]bool // resource-limit violations already acted on

	closeOnce sync.Once
}

// New builds every component from opts. Call Close when done.
func New(opts Options) (_ *Orchestrator, err error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logging.Component(opts.Logger, "orchestrator"),
		bus:       events.NewEventBus(),
		pressured: make(map[string]bool),
	}
	defer func() {
		if err != nil {
			o.Close()
		}
	}()

	if o.metrics, err = metrics.New(opts.Registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	o.breakers = breaker.NewRegistry(breaker.Settings{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout.Std(),
	}, breaker.Options{Logger: opts.Logger, Metrics: o.metrics, Bus: o.bus})

	sampler := opts.Sampler
	if sampler == nil {
		sys, err := resource.NewSystemSampler(cfg.Resources.DiskPath)
		if err != nil {
			return nil, fmt.Errorf("resource sampler: %w", err)
		}
		sampler = sys
	}
	o.resources = resource.NewMonitor(sampler, resource.Config{
		Interval:       cfg.Resources.Interval.Std(),
		HistorySize:    cfg.Resources.HistorySize,
		Window:         cfg.Resources.Window.Std(),
		SpikeThreshold: cfg.Resources.SpikeThreshold,
		SpikeFloor:     cfg.Resources.SpikeFloor,
		Logger:         opts.Logger,
		Metrics:        o.metrics,
		Bus:            o.bus,
	})

	o.store, o.ownsStore = opts.Store, false
	if o.store == nil && cfg.Storage.DBPath != "" {
		store, err := persistence.NewSQLiteStore(context.Background(), cfg.Storage.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		o.store, o.ownsStore = store, true
	}

	var sinks []safety.AuditSink
	if cfg.Safety.AuditLogPath != "" {
		if o.auditLog, err = safety.OpenFileLog(cfg.Safety.AuditLogPath); err != nil {
			return nil, err
		}
		sinks = append(sinks, o.auditLog)
	}
	if o.store != nil {
		sinks = append(sinks, o.store)
	}

	policies, err := safety.FromConfig(cfg.Safety, cfg.Resources)
	if err != nil {
		return nil, fmt.Errorf("safety policies: %w", err)
	}
	o.monitor, err = safety.NewMonitor(safety.Config{
		Policies:  policies,
		Audit:     sinks,
		Resources: o.resources,
		Breakers:  o.breakers,
		Logger:    opts.Logger,
		Metrics:   o.metrics,
		Bus:       o.bus,
	})
	if err != nil {
		return nil, fmt.Errorf("safety monitor: %w", err)
	}

	o.adapter = adapt.New(adapt.Thresholds{
		Confidence:    cfg.Adaptation.ConfidenceThreshold,
		LowScore:      cfg.Adaptation.LowScore,
		HighScore:     cfg.Adaptation.HighScore,
		FailureWindow: cfg.Adaptation.FailureWindow,
		FailureLimit:  cfg.Adaptation.FailureLimit,
		SlowExecution: cfg.Adaptation.SlowExecution.Std(),
		MaxPivots:     cfg.Adaptation.MaxPivots,
	}, opts.Logger)

	linker, err := decompose.ParseLinker(cfg.Decomposition.Linking)
	if err != nil {
		return nil, err
	}

	proc := opts.Processor
	if proc == nil {
		o.pm = processor.NewProcessManager()
		if proc, err = processor.NewCommandProcessor(processor.CommandConfig{
			Command: cfg.Processor.Command,
			Args:    cfg.Processor.Args,
			WorkDir: cfg.Processor.WorkDir,
			Timeout: cfg.Processor.Timeout.Std(),
		}, o.pm, opts.Logger); err != nil {
			return nil, err
		}
	}

	memory := opts.Memory
	if memory == nil && o.store != nil {
		memory = o.store
	}

	mode, err := scheduler.ParseMode(cfg.Adaptation.Mode)
	if err != nil {
		return nil, err
	}
	session := scheduler.NewSession(mode, scheduler.Budget{
		MaxDepth:    cfg.Decomposition.MaxDepth,
		TimeBudget:  scheduler.DefaultBudget.TimeBudget,
		MaxSubtasks: cfg.Decomposition.MaxSubtasks,
	})

	o.broker = NewConfirmationBroker(2*cfg.Scheduler.Concurrency, opts.Decide, opts.Logger)

	o.sched, err = scheduler.New(scheduler.Config{
		Concurrency:        cfg.Scheduler.Concurrency,
		KeepAlive:          cfg.Scheduler.KeepAlive,
		DecomposeThreshold: cfg.Decomposition.Threshold,
		Retry:              retryPolicy(cfg.Retry),
		Logger:             opts.Logger,
		Metrics:            o.metrics,
		Bus:                o.bus,
	}, scheduler.Deps{
		Processor:   proc,
		Assessor:    opts.Assessor,
		Memory:      memory,
		Safety:      o.monitor,
		Confirmer:   o.broker,
		Breakers:    o.breakers,
		Decomposer:  decompose.New(linker, opts.Logger),
		Synthesizer: synth.New(opts.Logger),
		Adapter:     o.adapter,
		Selector:    adapt.Selector{},
		Tracer:      opts.Tracer,
		Session:     session,
	})
	if err != nil {
		return nil, err
	}

	o.resources.OnSample(o.observe)
	return o, nil
}

func retryPolicy(c config.RetryConfig) breaker.RetryPolicy {
	return breaker.RetryPolicy{
		InitialInterval:     c.InitialInterval.Std(),
		MaxInterval:         c.MaxInterval.Std(),
		MaxElapsedTime:      c.MaxElapsedTime.Std(),
		Multiplier:          c.Multiplier,
		RandomizationFactor: c.RandomizationFactor,
		MaxRetries:          c.MaxRetries,
	}
}

// observe runs on every resource sample: environmental policies are
// re-evaluated, and spikes or new HIGH resource violations shrink the
// session budget.
func (o *Orchestrator) observe(snap resource.Snapshot) {
	a := o.monitor.ObserveResources(snap)

	session := o.sched.Session()
	for _, u := range snap.Spikes() {
		o.relieve(string(u.Resource), u.Current, session)
	}
	for _, v := range a.Violations {
		if v.Type != safety.TypeResourceLimit || v.Risk != safety.RiskHigh || v.Resolved {
			continue
		}
		o.pressureMu.Lock()
		seen := o.pressured[v.ID]
		o.pressured[v.ID] = true
		o.pressureMu.Unlock()
		if seen {
			continue
		}
		pct, _ := strconv.ParseFloat(v.Context["percent"], 64)
		o.relieve(v.Context["resource"], pct, session)
	}
}

func (o *Orchestrator) relieve(res string, pct float64, session *scheduler.Session) {
	rec, ok := o.adapter.ResourcePressure(res, pct, session)
	if !ok {
		return
	}
	o.metrics.AdaptationApplied(rec.Kind)
	o.bus.Publish(events.TopicAdaptation, events.AdaptationEvent{
		Kind:        rec.Kind,
		Confidence:  rec.Confidence,
		Description: rec.Description,
		Timestamp:   rec.At,
	})
}

// Submit adds one task.
func (o *Orchestrator) Submit(t scheduler.Task) (string, error) {
	return o.sched.Submit(t)
}

// SubmitBatch adds tasks that may depend on each other.
func (o *Orchestrator) SubmitBatch(tasks []scheduler.Task) ([]string, error) {
	return o.sched.SubmitBatch(tasks)
}

// Run starts resource sampling and the confirmation handler, runs the
// scheduler until it returns and archives the session.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := o.resources.Start(runCtx); err != nil {
		return err
	}
	o.broker.Start(runCtx, o.sched.Confirm)

	o.logger.Info("run started", "session", o.sched.Session().ID(), "mode", o.sched.Session().Mode())
	runErr := o.sched.Run(runCtx)

	cancel()
	o.resources.Stop()
	o.broker.Stop()

	if err := o.Archive(context.WithoutCancel(ctx)); err != nil {
		o.logger.Error("failed to archive session", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	o.logger.Info("run finished", "session", o.sched.Session().ID(), "error", runErr)
	return runErr
}

// Archive stores the session and its tasks. It is a no-op without a store.
func (o *Orchestrator) Archive(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	return o.store.ArchiveSession(ctx, o.sched.Session().Snapshot(), o.sched.Tasks())
}

// Stop asks the scheduler to stop dispatching; in-flight tasks drain.
// Cancelling the context given to Run has the same effect.
func (o *Orchestrator) Stop() { o.sched.Stop() }

// Abort stops dispatching and cancels in-flight tasks. Command processors
// terminate their process groups.
func (o *Orchestrator) Abort() { o.sched.Abort() }

// EmergencyStop halts dispatch until Resume succeeds.
func (o *Orchestrator) EmergencyStop(reason string) bool {
	return o.monitor.EmergencyStop(reason)
}

// Resume clears an emergency stop. It fails while a critical resource
// violation is active.
func (o *Orchestrator) Resume(ctx context.Context) error { return o.sched.Resume(ctx) }

// Confirm answers a pending confirmation.
func (o *Orchestrator) Confirm(pendingID string, approved bool) error {
	return o.sched.Confirm(pendingID, approved)
}

func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }
func (o *Orchestrator) Monitor() *safety.Monitor        { return o.monitor }
func (o *Orchestrator) Broker() *ConfirmationBroker     { return o.broker }
func (o *Orchestrator) Breakers() *breaker.Registry     { return o.breakers }
func (o *Orchestrator) Resources() *resource.Monitor    { return o.resources }
func (o *Orchestrator) Bus() *events.EventBus           { return o.bus }
func (o *Orchestrator) Store() persistence.Store        { return o.store }
func (o *Orchestrator) Config() *config.Config          { return o.cfg }
func (o *Orchestrator) Adapter() *adapt.Engine          { return o.adapter }
func (o *Orchestrator) Metrics() *metrics.Collector     { return o.metrics }

// Close kills tracked processes and releases every resource. Safe to call
// more than once.
func (o *Orchestrator) Close() error {
	var errs []error
	o.closeOnce.Do(func() {
		if o.resources != nil {
			o.resources.Stop()
		}
		if o.pm != nil {
			if err := o.pm.KillAll(); err != nil {
				errs = append(errs, fmt.Errorf("kill processes: %w", err))
			}
		}
		if o.auditLog != nil {
			if err := o.auditLog.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close audit log: %w", err))
			}
		}
		if o.ownsStore && o.store != nil {
			if err := o.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close archive: %w", err))
			}
		}
		o.metrics.Close()
		o.bus.Close()
	})
	return errors.Join(errs...)
}
