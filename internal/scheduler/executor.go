package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aristath/autopilot/internal/breaker"
	"github.com/aristath/autopilot/internal/faults"
	"github.com/aristath/autopilot/internal/processor"
)

// defaultScore is used when neither the processor nor an assessor scored a
// successful response.
const defaultScore = 0.75

// runWorker executes t on the calling goroutine and hands the outcome back
// to the loop exactly once. A panic in any collaborator fails the task.
func (s *Scheduler) runWorker(ctx context.Context, t Task) {
	var (
		res      Result
		err      error
		attempts int
	)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task worker panicked", "task", t.ID, "panic", r)
			res = Result{Success: false}
			err = faults.Execution("worker_panic", fmt.Errorf("panic: %v", r))
		}

		s.mu.Lock()
		s.completions = append(s.completions, completion{id: t.ID, result: res, err: err, attempts: attempts})
		s.inflight--
		s.cfg.Metrics.SetInflight(s.inflight)
		s.mu.Unlock()
		s.notify()
	}()

	res, attempts, err = s.execute(ctx, t)
}

// execute runs the processor for t: file locks, memory context, breaker and
// retry around the call, quality scoring and memory write-back.
func (s *Scheduler) execute(ctx context.Context, t Task) (Result, int, error) {
	unlock := s.locks.LockAll(t.Files)
	defer unlock()

	ctx, span := s.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.type", string(t.Type)),
		attribute.String("task.strategy", string(t.Strategy)),
		attribute.Int("task.depth", t.Depth),
	))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return Result{}, 0, faults.New(faults.KindExecution, "cancelled", fmt.Errorf("context cancelled before execution: %w", err))
	}

	var memCtx string
	if s.deps.Memory != nil {
		c, err := s.deps.Memory.GetContext(ctx, t.Prompt, string(t.Type))
		if err != nil {
			s.logger.Warn("memory context unavailable", "task", t.ID, "error", err)
		} else {
			memCtx = c
		}
	}

	req := processor.Request{
		TaskID:   t.ID,
		TaskType: string(t.Type),
		Prompt:   t.Prompt,
		Files:    t.Files,
		Strategy: string(t.Strategy),
		Context:  memCtx,
	}

	attempts := 0
	b := s.deps.Breakers.Get("processor:" + string(t.Type))
	start := time.Now()
	resp, err := breaker.Do(ctx, b, s.cfg.Retry, func(ctx context.Context) (processor.Response, error) {
		attempts++
		return s.deps.Processor.Process(ctx, req)
	}, func(err error, wait time.Duration) {
		s.cfg.Metrics.ProcessorRetry()
		s.logger.Warn("retrying processor", "task", t.ID, "error", err, "wait", wait)
	})
	elapsed := resp.ExecutionTime
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}
	span.SetAttributes(attribute.Int("task.attempts", attempts))

	if err != nil {
		reason := faults.ReasonOf(err)
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		return Result{
			Success:       false,
			Text:          resp.Text,
			ExecutionTime: elapsed,
			Error:         err.Error(),
			Reason:        reason,
		}, attempts, err
	}

	res := Result{
		Success:        resp.Success,
		Text:           resp.Text,
		GeneratedFiles: append([]string(nil), resp.GeneratedFiles...),
		ExecutionTime:  elapsed,
	}
	if !resp.Success {
		res.Reason = "processor_reported_failure"
		res.Error = "processor reported failure"
		span.SetStatus(codes.Error, res.Reason)
		return res, attempts, nil
	}

	res.QualityScore = defaultScore
	if resp.HasScore {
		res.QualityScore = resp.QualityScore
	}
	if s.deps.Assessor != nil {
		score, err := s.deps.Assessor.Assess(ctx, resp.Text, string(t.Type), t.Prompt, t.Files)
		if err != nil {
			s.logger.Warn("quality assessment failed", "task", t.ID, "error", err)
		} else {
			res.QualityScore = clampScore(score)
		}
	}
	span.SetAttributes(attribute.Float64("task.quality", res.QualityScore))

	if s.deps.Memory != nil {
		meta := map[string]string{
			"task_id":  t.ID,
			"strategy": string(t.Strategy),
			"quality":  fmt.Sprintf("%.3f", res.QualityScore),
		}
		if _, err := s.deps.Memory.Save(ctx, t.Prompt, resp.Text, string(t.Type), meta); err != nil {
			s.logger.Warn("saving to memory failed", "task", t.ID, "error", err)
		}
	}

	span.SetStatus(codes.Ok, "")
	return res, attempts, nil
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
