// Package synth merges the results of a decomposed task's children into the
// parent's result.
package synth

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/aristath/autopilot/internal/logging"
	"github.com/aristath/autopilot/internal/scheduler"
)

var _ scheduler.Synthesizer = (*Synthesizer)(nil)

// Synthesizer combines child results in child order.
type Synthesizer struct {
	logger *slog.Logger
}

// New creates a synthesizer.
func New(logger *slog.Logger) *Synthesizer {
	return &Synthesizer{logger: logging.Component(logger, "synth")}
}

// Synthesize returns the parent result for children. The parent succeeds only
// when every child completed successfully. Failed children contribute their
// error text and a zero quality score.
func (s *Synthesizer) Synthesize(parent scheduler.Task, children []scheduler.Task) scheduler.Result {
	res := scheduler.Result{Success: true}
	if len(children) == 0 {
		return res
	}

	var (
		texts []string
		total float64
	)
	for _, c := range children {
		ok := c.State == scheduler.StateCompleted && c.Result != nil && c.Result.Success
		if c.Result != nil {
			res.ExecutionTime += c.Result.ExecutionTime
			res.GeneratedFiles = append(res.GeneratedFiles, c.Result.GeneratedFiles...)
		}
		if ok {
			total += c.Result.QualityScore
			if c.Result.Text != "" {
				texts = append(texts, c.Result.Text)
			}
			continue
		}

		res.Success = false
		if res.Reason == "" {
			res.Reason = "subtask_failed:" + c.ID
		}
		texts = append(texts, failureText(c))
	}

	res.Text = strings.Join(texts, "\n\n")
	res.QualityScore = total / float64(len(children))
	if !res.Success {
		res.Error = fmt.Sprintf("%s: one or more subtasks failed", parent.ID)
	}
	s.logger.Debug("synthesized result",
		"task", parent.ID,
		"children", len(children),
		"success", res.Success,
		"score", res.QualityScore,
	)
	return res
}

func failureText(c scheduler.Task) string {
	msg := c.Reason
	if c.Result != nil && c.Result.Error != "" {
		msg = c.Result.Error
	}
	if msg == "" {
		msg = "failed"
	}
	return fmt.Sprintf("[%s failed] %s", c.ID, msg)
}
