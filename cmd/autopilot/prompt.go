package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/huh"

	"github.com/aristath/autopilot/internal/orchestrator"
)

// promptDecision asks on the terminal whether a flagged operation may run.
// Aborting the prompt denies it.
func promptDecision(ctx context.Context, req orchestrator.Request) (bool, error) {
	approved := false
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(confirmTitle(req)).
				Description(confirmDescription(req)).
				Affirmative("Allow").
				Negative("Deny").
				Value(&approved),
		),
	)
	if err := form.RunWithContext(ctx); err != nil {
		return false, err
	}
	return approved, nil
}

func confirmTitle(req orchestrator.Request) string {
	v := req.Violation
	if v.TaskID == "" {
		return fmt.Sprintf("[%s] %s", v.Risk, v.PolicyID)
	}
	return fmt.Sprintf("[%s] %s in task %s", v.Risk, v.PolicyID, v.TaskID)
}

func confirmDescription(req orchestrator.Request) string {
	v := req.Violation
	var b strings.Builder
	b.WriteString(v.Description)
	keys := make([]string, 0, len(v.Context))
	for k := range v.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "\n%s: %s", k, v.Context[k])
	}
	return b.String()
}
