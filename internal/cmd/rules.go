package cmd

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/latch/internal/approval"
	"github.com/dativo-io/latch/internal/audit"
	"github.com/dativo-io/latch/internal/config"
	"github.com/dativo-io/latch/internal/policy"
)

var (
	rulesAll       bool
	rulesScope     []string
	rulesLevel     string
	rulesReason    string
	rulesThreshold int
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage persisted approvals",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List approvals (active only unless --all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRules(cmd, func(ctx context.Context, _ *config.Config, store *approval.Store, _ audit.Sink) error {
			return printRules(cmd.OutOrStdout(), store, rulesAll)
		})
	},
}

var rulesApproveCmd = &cobra.Command{
	Use:   "approve [action]",
	Short: "Approve an action, optionally limited to a scope (--scope key=value, repeatable)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRules(cmd, func(ctx context.Context, _ *config.Config, store *approval.Store, sink audit.Sink) error {
			return approveRule(ctx, cmd.OutOrStdout(), store, sink, args[0], rulesScope, rulesLevel, rulesReason)
		})
	},
}

var rulesRevokeCmd = &cobra.Command{
	Use:   "revoke [id]",
	Short: "Revoke an approval (kept on disk, no longer matched)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRules(cmd, func(ctx context.Context, _ *config.Config, store *approval.Store, sink audit.Sink) error {
			if err := store.Revoke(args[0]); err != nil {
				return err
			}
			if err := sink.Record(ctx, audit.EventRuleRevoked, map[string]any{"rule_id": args[0], "via": "cli"}); err != nil {
				log.Error().Err(err).Msg("audit_write_failed")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Rule %s revoked\n", args[0])
			return nil
		})
	},
}

var rulesRatchetCmd = &cobra.Command{
	Use:   "ratchet",
	Short: "Show approvals granted often enough to consider making them automatic",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRules(cmd, func(ctx context.Context, cfg *config.Config, store *approval.Store, _ audit.Sink) error {
			threshold := rulesThreshold
			if threshold <= 0 {
				threshold = cfg.RatchetThreshold
			}
			return printRatchet(cmd.OutOrStdout(), store, threshold)
		})
	},
}

func init() {
	rulesListCmd.Flags().BoolVar(&rulesAll, "all", false, "include revoked rules")
	rulesApproveCmd.Flags().StringArrayVar(&rulesScope, "scope", nil, "scope entry key=value (value may be exact, *.suffix or *)")
	rulesApproveCmd.Flags().StringVar(&rulesLevel, "level", policy.LevelNotify.String(), "level to grant (free, notify, propose, never)")
	rulesApproveCmd.Flags().StringVar(&rulesReason, "reason", "approved by user", "reason recorded with the rule")
	rulesRatchetCmd.Flags().IntVar(&rulesThreshold, "threshold", 0, "minimum approval count (default: ratchet_threshold from config)")

	rulesCmd.AddCommand(rulesListCmd, rulesApproveCmd, rulesRevokeCmd, rulesRatchetCmd)
	rootCmd.AddCommand(rulesCmd)
}

func withRules(cmd *cobra.Command, fn func(ctx context.Context, cfg *config.Config, store *approval.Store, sink audit.Sink) error) error {
	ctx, span := tracer.Start(cmd.Context(), "rules."+cmd.Name())
	defer span.End()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	sealer, err := newSealer(cfg)
	if err != nil {
		return err
	}
	sink, err := openAudit(cfg)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	store, err := openRules(ctx, cfg, sealer, sink)
	if err != nil {
		return fmt.Errorf("opening rule store: %w", err)
	}
	return fn(ctx, cfg, store, sink)
}

// parseScope turns ["domain=example.com", ...] into a scope map.
func parseScope(entries []string) (map[string]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	scope := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, ok := strings.Cut(e, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("scope entry %q must be key=value", e)
		}
		if _, dup := scope[k]; dup {
			return nil, fmt.Errorf("scope key %q given twice", k)
		}
		scope[k] = v
	}
	return scope, nil
}

func approveRule(ctx context.Context, out io.Writer, store *approval.Store, sink audit.Sink, action string, scopeArgs []string, levelName, reason string) error {
	scope, err := parseScope(scopeArgs)
	if err != nil {
		return err
	}
	level, err := policy.ParseLevel(levelName)
	if err != nil {
		return err
	}
	rec, created, err := store.Approve(action, scope, level, reason, approval.Provenance{Via: "cli"})
	if err != nil {
		return err
	}
	if err := sink.Record(ctx, audit.EventRuleApproved, map[string]any{
		"rule_id": rec.ID, "action": rec.Action, "level": rec.Level.String(),
		"approval_count": rec.ApprovalCount, "via": "cli",
	}); err != nil {
		log.Error().Err(err).Msg("audit_write_failed")
	}
	if created {
		fmt.Fprintf(out, "✓ Approved %s%s at level %s (rule %s)\n", rec.Action, formatScope(rec.Scope), rec.Level, rec.ID)
	} else {
		fmt.Fprintf(out, "✓ Re-approved %s%s (approved %d times, level %s)\n", rec.Action, formatScope(rec.Scope), rec.ApprovalCount, rec.Level)
	}
	return nil
}

func printRules(out io.Writer, store *approval.Store, all bool) error {
	records := store.All()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tSCOPE\tLEVEL\tAPPROVALS\tSTATUS\tREASON")
	shown := 0
	for _, r := range records {
		if !r.Active && !all {
			continue
		}
		status := "active"
		if !r.Active {
			status = "revoked"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n", r.ID, r.Action, strings.TrimSpace(formatScope(r.Scope)), r.Level, r.ApprovalCount, status, r.Reason)
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(out, "No approvals stored yet.")
		return nil
	}
	return tw.Flush()
}

func printRatchet(out io.Writer, store *approval.Store, threshold int) error {
	candidates := store.RatchetCandidates(threshold)
	if len(candidates) == 0 {
		fmt.Fprintf(out, "No approvals have been granted %d or more times.\n", threshold)
		return nil
	}
	fmt.Fprintf(out, "Approved %d+ times; consider making them automatic:\n", threshold)
	for _, r := range candidates {
		fmt.Fprintf(out, "  %s%s  (%s, approved %d times)\n    latch rules approve %s%s --level free\n",
			r.Action, formatScope(r.Scope), r.Level, r.ApprovalCount, r.Action, scopeFlags(r.Scope))
	}
	return nil
}

func formatScope(scope map[string]string) string {
	if len(scope) == 0 {
		return ""
	}
	parts := make([]string, 0, len(scope))
	for _, k := range sortedKeys(scope) {
		parts = append(parts, k+"="+scope[k])
	}
	return " [" + strings.Join(parts, ",") + "]"
}

func scopeFlags(scope map[string]string) string {
	var b strings.Builder
	for _, k := range sortedKeys(scope) {
		fmt.Fprintf(&b, " --scope %s=%s", k, scope[k])
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
