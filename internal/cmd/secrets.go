package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/latch/internal/secrets"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage credentials in the encrypted secret store",
}

var secretsSetCmd = &cobra.Command{
	Use:   "set [name] [value]",
	Short: "Store a secret (reads the value from stdin when omitted)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "secrets.set")
		defer span.End()

		value := ""
		if len(args) == 2 {
			value = args[1]
		} else {
			v, err := readSecretValue(cmd.InOrStdin())
			if err != nil {
				return err
			}
			value = v
		}
		if value == "" {
			return fmt.Errorf("secret value is empty")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		sink, err := openAudit(cfg)
		if err != nil {
			return fmt.Errorf("opening audit log: %w", err)
		}
		sealer, err := newSealer(cfg)
		if err != nil {
			return err
		}
		_, broker, err := openBroker(ctx, cfg, sealer, sink)
		if err != nil {
			return fmt.Errorf("opening secret store: %w", err)
		}
		if err := broker.Store(ctx, args[0], value, "cli", false); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Secret %s stored\n", args[0])
		return nil
	},
}

var secretsDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Remove a secret from the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "secrets.delete")
		defer span.End()

		_, broker, err := openSecretsForRead(ctx)
		if err != nil {
			return err
		}
		if err := broker.Delete(ctx, args[0], "cli"); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Secret %s deleted\n", args[0])
		return nil
	},
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored secrets (metadata only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "secrets.list")
		defer span.End()

		store, _, err := openSecretsForRead(ctx)
		if err != nil {
			return err
		}
		return printSecrets(cmd.OutOrStdout(), store.List())
	},
}

var secretsCheckCmd = &cobra.Command{
	Use:   "check [name...]",
	Short: "Report which secrets have a value in the store or environment",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, span := tracer.Start(cmd.Context(), "secrets.check")
		defer span.End()

		_, broker, err := openSecretsForRead(ctx)
		if err != nil {
			return err
		}
		names := args
		if len(names) == 0 {
			names = []string{secrets.OpenAIAPIKey, secrets.TavilyAPIKey, secrets.WebhookToken}
		}
		printAvailability(cmd.OutOrStdout(), broker, names)
		return nil
	},
}

func init() {
	secretsCmd.AddCommand(secretsSetCmd, secretsDeleteCmd, secretsListCmd, secretsCheckCmd)
	rootCmd.AddCommand(secretsCmd)
}

func openSecretsForRead(ctx context.Context) (*secrets.Store, *secrets.Broker, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	sink, err := openAudit(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening audit log: %w", err)
	}
	sealer, err := newSealer(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, broker, err := openBroker(ctx, cfg, sealer, sink)
	if err != nil {
		return nil, nil, fmt.Errorf("opening secret store: %w", err)
	}
	return store, broker, nil
}

func readSecretValue(in io.Reader) (string, error) {
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading secret from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func printSecrets(out io.Writer, list []secrets.Metadata) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "No secrets stored.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSOURCE\tVALIDATED\tSTORED")
	for _, m := range list {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", m.Name, m.Source, m.Validated, m.StoredAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

type availability interface {
	Available(name string) bool
}

func printAvailability(out io.Writer, b availability, names []string) {
	for _, n := range names {
		mark := "✗ missing"
		if b.Available(n) {
			mark = "✓ available"
		}
		fmt.Fprintf(out, "%-20s %s\n", n, mark)
	}
}
