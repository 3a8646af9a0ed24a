package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/scheduler"
)

type runOptions struct {
	*globalOptions
	metricsAddr string
	mode        string
	approveAll  bool
	noPrompt    bool
	keepAlive   bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	opts := &runOptions{globalOptions: g}
	cmd := &cobra.Command{
		Use:   "run <tasks.yaml>",
		Short: "Run a batch of tasks",
		Long: `Submit every task in the YAML file and run until they all finish.

Operations that need confirmation are prompted for interactively unless
--yes or --no-prompt is given. Ctrl+C stops dispatching and waits for
running tasks; a second Ctrl+C cancels them. The session and its audit
trail are archived when the run ends.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd.Context(), args[0], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	cmd.Flags().StringVar(&opts.mode, "mode", "", "session mode: focused or exploration (overrides the task file)")
	cmd.Flags().BoolVarP(&opts.approveAll, "yes", "y", false, "approve every confirmation without prompting")
	cmd.Flags().BoolVar(&opts.noPrompt, "no-prompt", false, "deny every confirmation without prompting")
	cmd.Flags().BoolVar(&opts.keepAlive, "keep-alive", false, "keep running after the queue drains until interrupted")
	cmd.MarkFlagsMutuallyExclusive("yes", "no-prompt")
	return cmd
}

func (o *runOptions) run(ctx context.Context, path string, stdout, stderr io.Writer) error {
	file, err := loadTaskFile(path)
	if err != nil {
		return err
	}
	tasks, err := file.schedulerTasks()
	if err != nil {
		return err
	}

	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	switch {
	case o.mode != "":
		cfg.Adaptation.Mode = o.mode
	case file.Mode != "":
		cfg.Adaptation.Mode = file.Mode
	}
	if o.keepAlive {
		cfg.Scheduler.KeepAlive = true
	}

	logger, closer, err := o.logger(cfg, stderr)
	if err != nil {
		return err
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	orch, err := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Decide:   o.decider(logger),
		Registry: reg,
		Tracer:   otel.Tracer("github.com/aristath/autopilot"),
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer orch.Close()

	session := orch.Scheduler().Session()
	for _, g := range file.Goals {
		session.AddGoal(g)
	}
	for _, c := range file.Constraints {
		session.AddConstraint(c)
	}

	if o.metricsAddr != "" {
		shutdown := serveMetrics(o.metricsAddr, reg, logger)
		defer shutdown()
	}

	progress := orch.Bus().SubscribeAll(256)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printEvents(stdout, progress)
	}()

	if _, err := orch.SubmitBatch(tasks); err != nil {
		return fmt.Errorf("submitting tasks: %w", err)
	}
	fmt.Fprintf(stdout, "session %s: %d task(s), mode %s\n", session.ID(), len(tasks), session.Mode())

	runDone := make(chan struct{})
	go abortOnSecondSignal(ctx, orch, logger, runDone)
	runErr := orch.Run(ctx)
	close(runDone)
	if err := orch.Close(); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
	<-printed

	failed := printSummary(stdout, orch.Scheduler().Tasks())
	switch {
	case runErr != nil && !errors.Is(runErr, context.Canceled):
		return runErr
	case failed > 0:
		return fmt.Errorf("%d task(s) failed", failed)
	}
	return nil
}

// abortOnSecondSignal waits for ctx to be cancelled by the first signal,
// then cancels the tasks still running if another signal arrives before
// done is closed.
func abortOnSecondSignal(ctx context.Context, orch *orchestrator.Orchestrator, logger *slog.Logger, done <-chan struct{}) {
	select {
	case <-ctx.Done():
	case <-done:
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	logger.Warn("stopping: waiting for running tasks, interrupt again to cancel them")
	select {
	case <-sigs:
		logger.Warn("cancelling running tasks")
		orch.Abort()
	case <-done:
	}
}

// decider picks how confirmations are answered.
func (o *runOptions) decider(logger *slog.Logger) orchestrator.DecideFunc {
	switch {
	case o.approveAll:
		return func(_ context.Context, req orchestrator.Request) (bool, error) {
			logger.Warn("auto-approving", "policy", req.Violation.PolicyID, "task", req.Violation.TaskID)
			return true, nil
		}
	case o.noPrompt:
		return func(context.Context, orchestrator.Request) (bool, error) { return false, nil }
	default:
		return promptDecision
	}
}

// serveMetrics exposes reg over HTTP and returns a function that shuts the
// server down.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// printEvents writes one line per notable event until ch is closed.
func printEvents(w io.Writer, ch <-chan events.Event) {
	for ev := range ch {
		switch e := ev.(type) {
		case events.TaskCompletedEvent:
			fmt.Fprintf(w, "  done     %s (score %.2f, %s)\n", e.ID, e.Score, e.Duration.Round(time.Millisecond))
		case events.TaskFailedEvent:
			fmt.Fprintf(w, "  failed   %s: %s\n", e.ID, e.Reason)
		case events.TaskDecomposedEvent:
			fmt.Fprintf(w, "  split    %s into %d subtasks\n", e.ID, len(e.Subtasks))
		case events.ViolationEvent:
			if !e.Resolved {
				fmt.Fprintf(w, "  policy   %s [%s] %s\n", e.PolicyID, e.Risk, e.Description)
			}
		case events.EmergencyStopEvent:
			fmt.Fprintf(w, "  HALTED   %s\n", e.Reason)
		case events.ResumedEvent:
			fmt.Fprintln(w, "  resumed")
		case events.AdaptationEvent:
			fmt.Fprintf(w, "  adapt    %s: %s\n", e.Kind, e.Description)
		}
	}
}

// printSummary writes the final task table and returns the failure count.
func printSummary(w io.Writer, tasks []scheduler.Task) int {
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].CreatedAt.Before(tasks[j].CreatedAt) })

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATE\tSCORE\tREASON")
	failed := 0
	for _, t := range tasks {
		if t.State == scheduler.StateFailed && t.ParentID == "" {
			failed++
		}
		id := t.ID
		if t.ParentID != "" {
			id = "  " + id
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n", id, t.Type, t.State, t.Score(), t.Reason)
	}
	tw.Flush()
	return failed
}
