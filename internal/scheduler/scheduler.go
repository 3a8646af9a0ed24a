package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autopilot/internal/breaker"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/metrics"
	"github.com/aristath/autopilot/internal/processor"
	"github.com/aristath/autopilot/internal/safety"
)

// ErrAlreadyRunning is returned by Run when another Run is active.
var ErrAlreadyRunning = errors.New("scheduler already running")

// Decomposer splits complex tasks into subtasks.
type Decomposer interface {
	// Complexity scores t in [0,1].
	Complexity(t Task) float64
	// Decompose returns subtasks with IDs assigned and sibling dependencies
	// wired. An empty result means t executes directly.
	Decompose(t Task, s *Session) ([]Task, error)
}

// Synthesizer combines the results of a parent's children. It must not call
// back into the scheduler.
type Synthesizer interface {
	Synthesize(parent Task, children []Task) Result
}

// Opportunity is a candidate adaptation found after a task finished.
type Opportunity struct {
	Kind        string
	Confidence  float64
	Description string
	Payload     map[string]string
}

// Adaptation is what an Adapter applied.
type Adaptation struct {
	Applied []AdaptationRecord
	Spawn   []Task // new tasks, submitted as siblings of the evaluated task
}

// Adapter evaluates finished tasks and adapts the session.
type Adapter interface {
	Evaluate(t Task, s *Session) []Opportunity
	Apply(t Task, ops []Opportunity, s *Session) Adaptation
}

// StrategySelector chooses an execution strategy for a task.
type StrategySelector interface {
	Select(t Task, s *Session) Strategy
}

// SafetyGate vets tasks before they run. *safety.Monitor implements it.
type SafetyGate interface {
	Evaluate(ctx context.Context, op safety.Operation) safety.Assessment
	Halted() bool
	Resume(ctx context.Context) error
	Resolve(id, resolution string) error
}

// Config controls the dispatch loop.
type Config struct {
	Concurrency        int                 // worker pool size (default 3)
	KeepAlive          bool                // keep Run alive when no work remains
	DecomposeThreshold float64             // complexity above which tasks are decomposed (default 0.7)
	Retry              breaker.RetryPolicy // zero value uses breaker.DefaultRetryPolicy
	Logger             *slog.Logger
	Metrics            *metrics.Collector
	Bus                *events.EventBus
	Now                func() time.Time
}

// Deps are the collaborators the scheduler drives. Only Processor is required.
type Deps struct {
	Processor   processor.TaskProcessor
	Assessor    processor.QualityAssessor
	Memory      processor.MemoryStore
	Safety      SafetyGate
	Confirmer   safety.UserControl
	Breakers    *breaker.Registry
	Decomposer  Decomposer
	Synthesizer Synthesizer
	Adapter     Adapter
	Selector    StrategySelector
	Tracer      trace.Tracer
	Session     *Session
}

// Confirmation is a task paused until a user approves it.
type Confirmation struct {
	ID         string
	TaskID     string
	Reason     string
	Violations []string
}

type completion struct {
	id       string
	result   Result
	err      error
	attempts int
}

// Scheduler owns the task arena, the priority queue and the dispatch loop.
// A single mutex guards the arena and the queue. Only the loop goroutine
// changes task state, except Confirm which moves paused tasks back to
// pending.
type Scheduler struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer
	session *Session
	locks   *FileLocks

	mu            sync.Mutex
	graph         *Graph
	queue         taskQueue
	seq           uint64
	inflight      int
	completions   []completion
	confirmations map[string]*Confirmation
	abort         context.CancelFunc

	wake    chan struct{}
	stopped atomic.Bool
	running atomic.Bool
}

// New creates a scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Processor == nil {
		return nil, errors.New("scheduler: processor is required")
	}
	if deps.Decomposer != nil && deps.Synthesizer == nil {
		return nil, errors.New("scheduler: decomposer requires a synthesizer")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.DecomposeThreshold <= 0 {
		cfg.DecomposeThreshold = 0.7
	}
	if cfg.Retry == (breaker.RetryPolicy{}) {
		cfg.Retry = breaker.DefaultRetryPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := logging.Component(cfg.Logger, "scheduler")
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.DefaultSettings(), breaker.Options{
			Logger: cfg.Logger, Metrics: cfg.Metrics, Bus: cfg.Bus,
		})
	}
	if deps.Session == nil {
		deps.Session = NewSession(ModeFocused, DefaultBudget)
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/aristath/autopilot/internal/scheduler")
	}

	return &Scheduler{
		cfg:           cfg,
		deps:          deps,
		logger:        logger,
		tracer:        tracer,
		session:       deps.Session,
		locks:         NewFileLocks(),
		graph:         newGraph(),
		confirmations: make(map[string]*Confirmation),
		wake:          make(chan struct{}, 1),
	}, nil
}

// Session returns the session shared with the collaborators.
func (s *Scheduler) Session() *Session { return s.session }

// Submit validates t, computes its priority and queues it. It returns the
// task ID, generated when t.ID is empty. Safe to call from a running
// processor.
func (s *Scheduler) Submit(t Task) (string, error) {
	s.mu.Lock()
	id, err := s.submitLocked(t)
	if err == nil {
		s.publishProgressLocked()
	}
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	s.notify()
	return id, nil
}

// SubmitBatch submits tasks that may depend on each other in any order and
// returns their IDs in dependency order. The batch is validated as a whole:
// nothing is submitted when any task is invalid or the dependencies form a
// cycle.
func (s *Scheduler) SubmitBatch(tasks []Task) ([]string, error) {
	s.mu.Lock()
	ordered, err := s.validateBatchLocked(tasks)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ids := make([]string, 0, len(ordered))
	for _, t := range ordered {
		id, err := s.submitLocked(t)
		if err != nil {
			s.mu.Unlock()
			return ids, err
		}
		ids = append(ids, id)
	}
	s.publishProgressLocked()
	s.mu.Unlock()
	s.notify()
	return ids, nil
}

// validateBatchLocked assigns missing IDs, checks the batch against the
// arena and returns it in dependency order.
func (s *Scheduler) validateBatchLocked(tasks []Task) ([]Task, error) {
	batch := make([]Task, len(tasks))
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, dup := index[t.ID]; dup || s.graph.has(t.ID) {
			return nil, faults.New(faults.KindValidation, "duplicate_task:"+t.ID, nil)
		}
		if _, err := ParseTaskType(string(t.Type)); err != nil {
			return nil, faults.New(faults.KindValidation, "unknown_task_type", err)
		}
		if t.ParentID != "" && !s.graph.has(t.ParentID) {
			return nil, faults.New(faults.KindValidation, "unknown_parent:"+t.ParentID, nil)
		}
		index[t.ID] = i
		batch[i] = t
	}
	for _, t := range batch {
		for _, dep := range t.DependsOn {
			if _, ok := index[dep]; !ok && !s.graph.has(dep) {
				return nil, faults.New(faults.KindValidation, "unknown_dependency:"+dep, fmt.Errorf("task %q", t.ID))
			}
		}
	}

	order, err := TopoOrder(batch)
	if err != nil {
		return nil, faults.New(faults.KindValidation, "dependency_cycle", err)
	}
	out := make([]Task, 0, len(order))
	for _, id := range order {
		out = append(out, batch[index[id]])
	}
	return out, nil
}

func (s *Scheduler) submitLocked(t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if s.graph.has(t.ID) {
		return "", faults.New(faults.KindValidation, "duplicate_task:"+t.ID, fmt.Errorf("task %q already exists", t.ID))
	}
	typ, err := ParseTaskType(string(t.Type))
	if err != nil {
		return "", faults.New(faults.KindValidation, "unknown_task_type", err)
	}
	t.Type = typ

	var parent *Task
	if t.ParentID != "" {
		parent = s.graph.get(t.ParentID)
		if parent == nil {
			return "", faults.New(faults.KindValidation, "unknown_parent:"+t.ParentID, nil)
		}
		if parent.State != StatePending {
			return "", faults.New(faults.KindValidation, "parent_not_pending:"+t.ParentID,
				fmt.Errorf("parent is %s", parent.State))
		}
		t.Depth = parent.Depth + 1
	}

	t.DependsOn = dedupe(t.DependsOn)
	unmet := 0
	failedDep := ""
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return "", faults.New(faults.KindValidation, "self_dependency:"+t.ID, nil)
		}
		d := s.graph.get(dep)
		if d == nil {
			return "", faults.New(faults.KindValidation, "unknown_dependency:"+dep, fmt.Errorf("task %q", t.ID))
		}
		switch d.State {
		case StateCompleted:
		case StateFailed:
			if failedDep == "" {
				failedDep = dep
			}
		default:
			unmet++
		}
	}

	s.seq++
	task := &Task{
		ID:           t.ID,
		Prompt:       t.Prompt,
		Type:         t.Type,
		Files:        append([]string(nil), t.Files...),
		Command:      t.Command,
		BasePriority: t.BasePriority,
		Priority:     ComputePriority(t.BasePriority, len(t.DependsOn), t.ParentID != "", t.Type),
		State:        StatePending,
		ParentID:     t.ParentID,
		DependsOn:    t.DependsOn,
		Depth:        t.Depth,
		Strategy:     t.Strategy,
		Pivot:        t.Pivot,
		CreatedAt:    s.cfg.Now(),
		seq:          s.seq,
	}
	s.graph.add(task, unmet)
	if parent != nil {
		parent.ChildIDs = append(parent.ChildIDs, task.ID)
		parent.parked = true
	}

	s.cfg.Metrics.TaskSubmitted(string(task.Type))
	s.cfg.Bus.Publish(events.TopicTask, events.TaskSubmittedEvent{
		ID:        task.ID,
		Type:      string(task.Type),
		Priority:  task.Priority,
		ParentID:  task.ParentID,
		Timestamp: task.CreatedAt,
	})
	s.logger.Debug("task submitted", "task", task.ID, "type", task.Type, "priority", task.Priority, "deps", len(task.DependsOn))

	switch {
	case failedDep != "":
		s.failLocked(task, "dependency_failed:"+failedDep, fmt.Sprintf("dependency %s failed", failedDep))
	case unmet == 0:
		s.queue.push(task)
		s.cfg.Metrics.SetQueueDepth(s.queue.Len())
	}
	return task.ID, nil
}

// Run drives the dispatch loop until Stop is called, ctx is cancelled or,
// unless KeepAlive is set, no work remains. Cancelling ctx stops dispatch
// the same way Stop does: in-flight tasks keep their own context, which only
// Abort cancels, and always drain before Run returns. A Stop issued before
// Run makes it return without dispatching.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	defer s.stopped.Store(false)

	workCtx, abort := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.abort = abort
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.abort = nil
		s.mu.Unlock()
		abort()
	}()

	eg := &errgroup.Group{}
	eg.SetLimit(s.cfg.Concurrency)

	s.logger.Info("scheduler started", "concurrency", s.cfg.Concurrency)
	for {
		s.processCompletions()
		if s.stopped.Load() || ctx.Err() != nil {
			break
		}
		s.dispatch(ctx, workCtx, eg)
		if !s.cfg.KeepAlive && s.idle() {
			break
		}

		select {
		case <-ctx.Done():
		case <-s.wake:
		}
	}

	_ = eg.Wait()
	s.processCompletions()

	s.mu.Lock()
	s.publishProgressLocked()
	s.mu.Unlock()
	s.logger.Info("scheduler stopped", "stopped", s.stopped.Load(), "ctx_err", ctx.Err())
	return ctx.Err()
}

// Stop asks the loop to stop dispatching. Running tasks drain.
func (s *Scheduler) Stop() {
	s.stopped.Store(true)
	s.notify()
}

// Abort stops dispatching and cancels the context of every in-flight task.
// It is a no-op when Run is not active.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	abort := s.abort
	s.mu.Unlock()
	if abort == nil {
		return
	}
	s.Stop()
	abort()
}

// Resume clears an emergency stop through the safety gate and wakes the
// loop. It fails while a critical resource violation is active.
func (s *Scheduler) Resume(ctx context.Context) error {
	if s.deps.Safety == nil {
		return nil
	}
	if err := s.deps.Safety.Resume(ctx); err != nil {
		return err
	}
	s.notify()
	return nil
}

func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) halted() bool {
	return s.deps.Safety != nil && s.deps.Safety.Halted()
}

func (s *Scheduler) idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len() == 0 && s.inflight == 0 && len(s.completions) == 0 && len(s.confirmations) == 0
}

// nextLocked pops the next dispatchable task, dropping stale queue entries.
func (s *Scheduler) nextLocked() *Task {
	for {
		item, ok := s.queue.pop()
		if !ok {
			return nil
		}
		t := s.graph.get(item.id)
		if t == nil || t.State != StatePending || t.parked || !s.graph.ready(t.ID) {
			continue
		}
		s.cfg.Metrics.SetQueueDepth(s.queue.Len())
		return t
	}
}

// plan is what the loop decided for one task outside the lock.
type plan struct {
	strategy   Strategy
	complexity float64
	assessment *safety.Assessment
	pendingID  string
	confirmErr error
	halted     bool
	subtasks   []Task
}

// dispatch plans under ctx and hands tasks to workers running under workCtx.
func (s *Scheduler) dispatch(ctx, workCtx context.Context, eg *errgroup.Group) {
	for !s.stopped.Load() && ctx.Err() == nil && !s.halted() {
		s.mu.Lock()
		if s.inflight >= s.cfg.Concurrency {
			s.mu.Unlock()
			return
		}
		t := s.nextLocked()
		if t == nil {
			s.mu.Unlock()
			return
		}
		if err := s.transitionLocked(t, StatePlanning, ""); err != nil {
			s.mu.Unlock()
			continue
		}
		snapshot := t.Clone()
		s.mu.Unlock()

		p := s.plan(ctx, snapshot)

		s.mu.Lock()
		run := s.applyPlanLocked(t, p)
		var work Task
		if run {
			s.inflight++
			s.cfg.Metrics.SetInflight(s.inflight)
			work = t.Clone()
		}
		s.publishProgressLocked()
		s.mu.Unlock()

		if run {
			eg.Go(func() error {
				s.runWorker(workCtx, work)
				return nil
			})
		}
	}
}

// plan runs the safety gate, strategy selection and decomposition. It only
// reads t and talks to collaborators; state changes happen in applyPlanLocked.
func (s *Scheduler) plan(ctx context.Context, t Task) plan {
	p := plan{strategy: t.Strategy}
	if p.strategy == "" {
		p.strategy = StrategyBalanced
		if s.deps.Selector != nil {
			if st := s.deps.Selector.Select(t, s.session); st != "" {
				p.strategy = st
			}
		}
	}

	if s.deps.Safety != nil && !t.confirmed {
		a := s.deps.Safety.Evaluate(ctx, safety.Operation{
			TaskID:   t.ID,
			Kind:     "task",
			Prompt:   t.Prompt,
			Command:  t.Command,
			Files:    t.Files,
			Metadata: map[string]string{"type": string(t.Type), "strategy": string(p.strategy)},
		})
		p.assessment = &a
		if a.Safe {
			if a.Risk > safety.RiskSafe {
				s.logger.Warn("advisory safety finding", "task", t.ID, "risk", a.Risk, "reason", a.Reason)
			}
		} else {
			if p.halted = s.halted(); p.halted {
				return p
			}
			if a.NeedsConfirmation() && s.deps.Confirmer != nil {
				v, _ := a.Highest()
				if v.TaskID == "" {
					v.TaskID = t.ID
				}
				p.pendingID, p.confirmErr = s.deps.Confirmer.RequestConfirmation(ctx, v)
			}
			return p
		}
	}

	if s.deps.Decomposer != nil {
		p.complexity = s.deps.Decomposer.Complexity(t)
		if p.complexity > s.cfg.DecomposeThreshold && t.Depth < s.session.Budget().MaxDepth {
			p.subtasks = s.decompose(t)
		}
	}
	return p
}

// decompose never fails: any error or panic means the task runs directly.
func (s *Scheduler) decompose(t Task) (subtasks []Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("decomposer panicked", "task", t.ID, "panic", r)
			subtasks = nil
		}
	}()
	subtasks, err := s.deps.Decomposer.Decompose(t, s.session)
	if err != nil {
		s.logger.Warn("decomposition failed, executing directly", "task", t.ID, "error", err)
		return nil
	}
	return subtasks
}

// applyPlanLocked moves t out of PLANNING and reports whether it should be
// handed to a worker.
func (s *Scheduler) applyPlanLocked(t *Task, p plan) bool {
	t.Strategy = p.strategy
	if p.complexity > 0 {
		t.Metrics.Complexity = p.complexity
	}

	if a := p.assessment; a != nil && !a.Safe {
		switch {
		case a.Blocked:
			s.failLocked(t, a.Reason, "operation rejected by safety policy")
		case p.halted:
			s.requeueLocked(t, a.Reason)
		case a.NeedsConfirmation():
			switch {
			case s.deps.Confirmer == nil:
				s.failLocked(t, "confirmation_required", "operation requires confirmation: "+a.Reason)
			case p.confirmErr != nil:
				s.failLocked(t, "confirmation_unavailable", p.confirmErr.Error())
			default:
				s.pauseLocked(t, p.pendingID, *a)
			}
		default:
			s.requeueLocked(t, a.Reason)
		}
		return false
	}

	if len(p.subtasks) > 0 && s.decomposeLocked(t, p.subtasks) {
		return false
	}

	if err := s.transitionLocked(t, StateExecuting, ""); err != nil {
		return false
	}
	t.StartedAt = s.cfg.Now()
	t.Metrics.QueueWait = t.StartedAt.Sub(t.CreatedAt)
	return true
}

// requeueLocked returns a task caught by an emergency stop to the queue so
// it is planned again after Resume.
func (s *Scheduler) requeueLocked(t *Task, reason string) {
	if s.transitionLocked(t, StatePending, reason) == nil {
		s.queue.push(t)
	}
}

func (s *Scheduler) pauseLocked(t *Task, pendingID string, a safety.Assessment) {
	if s.transitionLocked(t, StatePending, a.Reason) != nil {
		return
	}
	if s.transitionLocked(t, StatePaused, a.Reason) != nil {
		return
	}
	ids := make([]string, 0, len(a.Violations))
	for _, v := range a.Violations {
		ids = append(ids, v.ID)
	}
	s.confirmations[pendingID] = &Confirmation{ID: pendingID, TaskID: t.ID, Reason: a.Reason, Violations: ids}
	s.logger.Warn("task awaiting confirmation", "task", t.ID, "pending", pendingID, "risk", a.Risk, "reason", a.Reason)
}

// decomposeLocked parks parent and submits subtasks as its children. It
// returns false when the subtasks are unusable and parent should execute.
func (s *Scheduler) decomposeLocked(parent *Task, subtasks []Task) bool {
	for i := range subtasks {
		subtasks[i].ParentID = parent.ID
		if subtasks[i].Type == "" {
			subtasks[i].Type = parent.Type
		}
	}
	ordered, err := s.validateBatchLocked(subtasks)
	if err != nil {
		s.logger.Warn("invalid decomposition, executing directly", "task", parent.ID, "error", err)
		return false
	}

	if s.transitionLocked(parent, StatePending, "decomposed") != nil {
		return false
	}
	parent.parked = true

	ids := make([]string, 0, len(ordered))
	for _, sub := range ordered {
		id, err := s.submitLocked(sub)
		if err != nil {
			s.logger.Error("subtask rejected", "task", parent.ID, "error", err)
			continue
		}
		ids = append(ids, id)
	}
	if len(parent.ChildIDs) == 0 {
		s.failLocked(parent, "decomposition_failed", "no subtask could be submitted")
		return true
	}

	s.cfg.Metrics.Decomposed()
	s.cfg.Bus.Publish(events.TopicTask, events.TaskDecomposedEvent{
		ID:         parent.ID,
		Complexity: parent.Metrics.Complexity,
		Subtasks:   ids,
		Timestamp:  s.cfg.Now(),
	})
	s.logger.Info("task decomposed", "task", parent.ID, "complexity", parent.Metrics.Complexity, "subtasks", len(ids))
	return true
}

// Confirm records the user's decision for a paused task. Approved tasks are
// requeued and skip the safety gate; denied tasks fail.
func (s *Scheduler) Confirm(pendingID string, approved bool) error {
	s.mu.Lock()
	c, ok := s.confirmations[pendingID]
	if ok {
		delete(s.confirmations, pendingID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("confirmation %s: %w", pendingID, faults.ErrNotFound)
	}

	if s.deps.Confirmer != nil {
		if err := s.deps.Confirmer.ProvideConfirmation(pendingID, approved); err != nil {
			s.logger.Debug("confirmer did not record decision", "pending", pendingID, "error", err)
		}
	}
	resolution := "user_denied"
	if approved {
		resolution = "user_approved"
	}
	if s.deps.Safety != nil {
		for _, id := range c.Violations {
			if err := s.deps.Safety.Resolve(id, resolution); err != nil {
				s.logger.Debug("violation already resolved", "violation", id, "error", err)
			}
		}
	}

	s.mu.Lock()
	defer func() {
		s.publishProgressLocked()
		s.mu.Unlock()
		s.notify()
	}()

	t := s.graph.get(c.TaskID)
	if t == nil || t.State != StatePaused {
		return fmt.Errorf("task %s is not paused: %w", c.TaskID, ErrIllegalTransition)
	}
	if err := s.transitionLocked(t, StatePending, resolution); err != nil {
		return err
	}
	if !approved {
		s.failLocked(t, "confirmation_denied", "operation denied by user")
		return nil
	}
	t.confirmed = true
	s.queue.push(t)
	s.cfg.Metrics.SetQueueDepth(s.queue.Len())
	s.logger.Info("task confirmed", "task", t.ID, "pending", pendingID)
	return nil
}

// Confirmations lists tasks waiting for a user decision.
func (s *Scheduler) Confirmations() []Confirmation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Confirmation, 0, len(s.confirmations))
	for _, c := range s.confirmations {
		cp := *c
		cp.Violations = append([]string(nil), c.Violations...)
		out = append(out, cp)
	}
	return out
}

// Status returns a copy of the task with the given ID.
func (s *Scheduler) Status(id string) (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.graph.get(id)
	if t == nil {
		return Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns copies of every task in submission order.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.graph.ordered()
	out := make([]Task, len(all))
	for i, t := range all {
		out[i] = t.Clone()
	}
	return out
}

// processCompletions applies finished work. Called only from the loop.
func (s *Scheduler) processCompletions() {
	s.mu.Lock()
	batch := s.completions
	s.completions = nil
	s.mu.Unlock()

	for _, c := range batch {
		s.complete(c)
	}
}

func (s *Scheduler) complete(c completion) {
	s.mu.Lock()
	t := s.graph.get(c.id)
	if t == nil || t.State != StateExecuting {
		s.mu.Unlock()
		return
	}
	res := c.result
	success := c.err == nil && res.Success
	if !success {
		res.Success = false
		if res.Reason == "" {
			if c.err != nil {
				res.Reason = faults.ReasonOf(c.err)
			} else {
				res.Reason = "processor_reported_failure"
			}
		}
		if res.Error == "" && c.err != nil {
			res.Error = c.err.Error()
		}
	}
	t.Result = &res
	t.Metrics.Attempts += c.attempts
	t.Metrics.ExecutionTime = res.ExecutionTime
	snapshot := t.Clone()
	s.mu.Unlock()

	s.session.RecordOutcome(Outcome{
		TaskID:        snapshot.ID,
		Type:          snapshot.Type,
		Strategy:      snapshot.Strategy,
		Success:       success,
		Score:         res.QualityScore,
		ExecutionTime: res.ExecutionTime,
		Pivot:         snapshot.Pivot,
		At:            s.cfg.Now(),
	})

	var adaptation Adaptation
	var adapted bool
	if s.deps.Adapter != nil {
		if ops := s.deps.Adapter.Evaluate(snapshot, s.session); len(ops) > 0 {
			adapted = true
			s.mu.Lock()
			err := s.transitionLocked(t, StateAdapting, "")
			s.mu.Unlock()
			if err == nil {
				adaptation = s.deps.Adapter.Apply(snapshot, ops, s.session)
			}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if adapted {
		s.applyAdaptationLocked(t, adaptation)
	}
	if success {
		s.finishLocked(t, true, "")
	} else {
		s.finishLocked(t, false, res.Reason)
	}
	s.publishProgressLocked()
}

func (s *Scheduler) applyAdaptationLocked(t *Task, a Adaptation) {
	for _, rec := range a.Applied {
		if rec.At.IsZero() {
			rec.At = s.cfg.Now()
		}
		t.Adaptations = append(t.Adaptations, rec)
		s.cfg.Metrics.AdaptationApplied(rec.Kind)
		s.cfg.Bus.Publish(events.TopicAdaptation, events.AdaptationEvent{
			Task:        t.ID,
			Kind:        rec.Kind,
			Confidence:  rec.Confidence,
			Description: rec.Description,
			Timestamp:   rec.At,
		})
		s.logger.Info("adaptation applied", "task", t.ID, "kind", rec.Kind, "confidence", rec.Confidence)
	}
	for _, spawn := range a.Spawn {
		spawn.ParentID = t.ParentID
		if spawn.ParentID == "" {
			spawn.Depth = t.Depth
		}
		if spawn.Type == "" {
			spawn.Type = t.Type
		}
		spawn.Pivot = true
		if _, err := s.submitLocked(spawn); err != nil {
			s.logger.Warn("adaptation task rejected", "task", t.ID, "error", err)
		}
	}
}

func (s *Scheduler) failLocked(t *Task, reason, msg string) {
	if t.Result == nil {
		t.Result = &Result{Success: false, Error: msg, Reason: reason}
	}
	s.finishLocked(t, false, reason)
}

// finishLocked moves t to a terminal state, then releases or fails its
// dependents and synthesizes its parent when this was the last child.
func (s *Scheduler) finishLocked(t *Task, success bool, reason string) {
	to := StateCompleted
	if !success {
		to = StateFailed
	}
	if err := s.transitionLocked(t, to, reason); err != nil {
		return
	}
	t.CompletedAt = s.cfg.Now()

	s.cfg.Metrics.TaskFinished(string(t.Type), to.String())
	if t.Result != nil && t.Result.ExecutionTime > 0 {
		s.cfg.Metrics.ObserveExecution(string(t.Type), t.Result.ExecutionTime)
	}
	if success {
		s.cfg.Bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			ID: t.ID, Score: t.Score(), Duration: t.Metrics.ExecutionTime, Timestamp: t.CompletedAt,
		})
		s.logger.Info("task completed", "task", t.ID, "score", t.Score())
	} else {
		var err error
		if t.Result != nil && t.Result.Error != "" {
			err = errors.New(t.Result.Error)
		}
		s.cfg.Bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID: t.ID, Reason: reason, Err: err, Timestamp: t.CompletedAt,
		})
		s.logger.Warn("task failed", "task", t.ID, "reason", reason)
	}

	for _, depID := range s.graph.dependentsOf(t.ID) {
		d := s.graph.get(depID)
		if d == nil || d.State != StatePending || d.parked {
			continue
		}
		if success {
			if s.graph.satisfy(depID) {
				s.queue.push(d)
			}
			continue
		}
		s.failLocked(d, "dependency_failed:"+t.ID, fmt.Sprintf("dependency %s failed", t.ID))
	}
	s.cfg.Metrics.SetQueueDepth(s.queue.Len())

	if t.ParentID != "" {
		s.maybeSynthesizeLocked(t.ParentID)
	}
}

// maybeSynthesizeLocked completes a parked parent once every child is
// terminal.
func (s *Scheduler) maybeSynthesizeLocked(parentID string) {
	p := s.graph.get(parentID)
	if p == nil || p.State != StatePending || !p.parked {
		return
	}
	children := make([]Task, 0, len(p.ChildIDs))
	for _, id := range p.ChildIDs {
		c := s.graph.get(id)
		if c == nil || !c.State.Terminal() {
			return
		}
		children = append(children, c.Clone())
	}

	var res Result
	if s.deps.Synthesizer != nil {
		res = s.deps.Synthesizer.Synthesize(p.Clone(), children)
	} else {
		res = defaultSynthesis(children)
	}
	p.Result = &res
	p.Metrics.ExecutionTime = res.ExecutionTime
	reason := ""
	if !res.Success {
		reason = res.Reason
		if reason == "" {
			reason = "subtask_failed"
		}
	}
	s.finishLocked(p, res.Success, reason)
}

// defaultSynthesis is used when children were submitted directly without a
// Synthesizer configured.
func defaultSynthesis(children []Task) Result {
	res := Result{Success: true}
	var texts []string
	for _, c := range children {
		if c.State != StateCompleted {
			res.Success = false
		}
		if c.Result != nil {
			texts = append(texts, c.Result.Text)
			res.ExecutionTime += c.Result.ExecutionTime
		}
	}
	res.Text = strings.Join(texts, "\n\n")
	return res
}

func (s *Scheduler) transitionLocked(t *Task, to TaskState, reason string) error {
	if err := checkTransition(t, to); err != nil {
		s.logger.Error("rejected state transition", "task", t.ID, "error", err)
		return err
	}
	from := t.State
	t.State = to
	if reason != "" {
		t.Reason = reason
	}
	s.cfg.Metrics.Transition(from.String(), to.String())
	s.cfg.Bus.Publish(events.TopicTask, events.TaskStateChangedEvent{
		ID:        t.ID,
		From:      from.String(),
		To:        to.String(),
		Reason:    reason,
		Timestamp: s.cfg.Now(),
	})
	s.logger.Debug("task transition", "task", t.ID, "from", from, "to", to, "reason", reason)
	return nil
}

func (s *Scheduler) publishProgressLocked() {
	ev := events.SchedulerProgressEvent{Total: s.graph.len(), Timestamp: s.cfg.Now()}
	for _, t := range s.graph.tasks {
		switch t.State {
		case StatePending:
			ev.Pending++
		case StatePlanning, StateExecuting, StateAdapting:
			ev.Running++
		case StatePaused:
			ev.Paused++
		case StateCompleted:
			ev.Completed++
		case StateFailed:
			ev.Failed++
		}
	}
	s.cfg.Bus.Publish(events.TopicScheduler, ev)
}
