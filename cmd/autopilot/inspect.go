package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/safety"
)

type auditOptions struct {
	*globalOptions
	policy  string
	task    string
	since   time.Duration
	limit   int
	fromLog bool
}

func newAuditCmd(g *globalOptions) *cobra.Command {
	opts := &auditOptions{globalOptions: g}
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recorded safety violations",
		Long: `List audit records from the archive database, oldest first.
With --from-log the JSON Lines audit file is read instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.policy, "policy", "", "only records of this policy ID")
	cmd.Flags().StringVar(&opts.task, "task", "", "only records of this task ID")
	cmd.Flags().DurationVar(&opts.since, "since", 0, "only records newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&opts.limit, "limit", 100, "maximum number of records (0 for all)")
	cmd.Flags().BoolVar(&opts.fromLog, "from-log", false, "read the audit log file instead of the database")
	return cmd
}

func (o *auditOptions) run(ctx context.Context, w io.Writer) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	filter := persistence.AuditFilter{PolicyID: o.policy, TaskID: o.task, Limit: o.limit}
	if o.since > 0 {
		filter.Since = time.Now().Add(-o.since)
	}

	var records []safety.AuditRecord
	if o.fromLog {
		if cfg.Safety.AuditLogPath == "" {
			return errors.New("safety.audit_log_path is not configured")
		}
		all, err := safety.ReadAuditLog(cfg.Safety.AuditLogPath)
		if err != nil {
			return err
		}
		records = filterRecords(all, filter)
	} else {
		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if records, err = store.AuditRecords(ctx, filter); err != nil {
			return err
		}
	}

	if len(records) == 0 {
		fmt.Fprintln(w, "No audit records")
		return nil
	}
	writeAuditTable(w, records)
	return nil
}

// filterRecords applies f to records read from the log file, keeping the
// newest Limit matches in append order.
func filterRecords(records []safety.AuditRecord, f persistence.AuditFilter) []safety.AuditRecord {
	var out []safety.AuditRecord
	for _, r := range records {
		if f.PolicyID != "" && r.PolicyID != f.PolicyID {
			continue
		}
		if f.TaskID != "" && r.TaskID != f.TaskID {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

func writeAuditTable(w io.Writer, records []safety.AuditRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tRISK\tPOLICY\tTASK\tSTATUS\tDESCRIPTION")
	for _, r := range records {
		status := "open"
		if r.Resolved {
			status = r.Resolution
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.RiskLevel, r.PolicyID, dash(r.TaskID), status, r.Description)
	}
	tw.Flush()
}

func newSessionsCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List archived sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(w, "No archived sessions")
				return nil
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tMODE\tTASKS\tARCHIVED")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", s.ID, s.Mode, s.TaskCount, s.ArchivedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
}

func newPoliciesCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "policies",
		Short: "List the effective safety policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.loadConfig()
			if err != nil {
				return err
			}
			policies, err := safety.FromConfig(cfg.Safety, cfg.Resources)
			if err != nil {
				return err
			}
			writePolicyTable(cmd.OutOrStdout(), policies)
			return nil
		},
	}
}

func writePolicyTable(w io.Writer, policies []safety.Policy) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSEVERITY\tACTION\tRULES")
	for _, p := range policies {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Kind, p.Severity, policyAction(p), policyRules(p))
	}
	tw.Flush()
}

func policyAction(p safety.Policy) string {
	switch {
	case p.AutoBlock:
		return "block"
	case p.RequireConfirmation:
		return "confirm"
	default:
		return "advise"
	}
}

func policyRules(p safety.Policy) string {
	if len(p.Thresholds) > 0 {
		parts := make([]string, len(p.Thresholds))
		for i, t := range p.Thresholds {
			parts[i] = fmt.Sprintf("%s>=%.0f%%", t.Risk, t.Percent)
		}
		return strings.Join(parts, " ")
	}
	if n := len(p.Patterns); n > 0 {
		return fmt.Sprintf("%d pattern(s)", n)
	}
	return "-"
}

func openStore(ctx context.Context, cfg *config.Config) (persistence.Store, error) {
	if cfg.Storage.DBPath == "" {
		return nil, errors.New("storage.db_path is not configured")
	}
	return persistence.NewSQLiteStore(ctx, cfg.Storage.DBPath)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
