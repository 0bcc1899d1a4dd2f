package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dativo-io/latch/internal/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and check the action policy",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Validate a policy file (default: policy_file from config)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, span := tracer.Start(cmd.Context(), "policy.validate")
		defer span.End()

		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			path = cfg.PolicyPath()
		}
		return validatePolicyFile(cmd.OutOrStdout(), path)
	},
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval <action> [key=value...]",
	Short: "Show the level the current policy assigns to an action",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "policy.eval")
		defer span.End()

		actx, err := parseScope(args[1:])
		if err != nil {
			return err
		}
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
		rules, err := openRules(ctx, cfg, sealer, sink)
		if err != nil {
			return fmt.Errorf("opening rule store: %w", err)
		}
		p, err := buildPolicy(ctx, cfg, rules)
		if err != nil {
			return err
		}
		printDecision(cmd.OutOrStdout(), p, args[0], actx)
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policyValidateCmd, policyEvalCmd)
	rootCmd.AddCommand(policyCmd)
}

func validatePolicyFile(out io.Writer, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading policy file: %w", err)
	}
	f, err := policy.Parse(content)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	posture := f.Posture
	if posture == "" {
		posture = "(inherited)"
	}
	fmt.Fprintf(out, "✓ %s is valid: %d rules, posture %s\n", path, len(f.Rules), posture)
	return nil
}

func printDecision(out io.Writer, p *policy.Policy, action string, actx map[string]string) {
	d := p.Evaluate(action, actx)
	fmt.Fprintf(out, "Action:  %s%s\n", action, formatScope(actx))
	fmt.Fprintf(out, "Posture: %s\n", p.Posture())
	fmt.Fprintf(out, "Level:   %s\n", d.Level)
	if d.Rule != nil {
		fmt.Fprintf(out, "Rule:    %s (%s%s)\n", d.Rule.ID, d.Rule.Action, formatScope(d.Rule.Scope))
	} else {
		fmt.Fprintln(out, "Rule:    none")
	}
	if reason := strings.TrimSpace(d.Reason); reason != "" {
		fmt.Fprintf(out, "Reason:  %s\n", reason)
	}
}
