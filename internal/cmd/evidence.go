package cmd

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/latch/internal/config"
	"github.com/dativo-io/latch/internal/cryptoutil"
	"github.com/dativo-io/latch/internal/evidence"
)

var (
	evidenceChannel string
	evidenceOutcome string
	evidenceLimit   int
	evidenceFrom    string
	evidenceTo      string
	evidenceFormat  string
)

var evidenceCmd = &cobra.Command{
	Use:   "evidence",
	Short: "Review signed per-turn evidence records",
}

var evidenceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent turns",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEvidence(cmd, func(ctx context.Context, store *evidence.Store) error {
			f, err := evidenceFilter()
			if err != nil {
				return err
			}
			list, err := store.List(ctx, f)
			if err != nil {
				return err
			}
			return printEvidence(cmd.OutOrStdout(), list)
		})
	},
}

var evidenceVerifyCmd = &cobra.Command{
	Use:   "verify [id]",
	Short: "Check the signature of one evidence record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEvidence(cmd, func(ctx context.Context, store *evidence.Store) error {
			ok, err := store.Verify(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("evidence %s: signature does not verify", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✓ Evidence %s verified\n", args[0])
			return nil
		})
	},
}

var evidenceExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export turns as CSV or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEvidence(cmd, func(ctx context.Context, store *evidence.Store) error {
			f, err := evidenceFilter()
			if err != nil {
				return err
			}
			list, err := store.List(ctx, f)
			if err != nil {
				return err
			}
			return exportEvidence(cmd.OutOrStdout(), list, evidenceFormat)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{evidenceListCmd, evidenceExportCmd} {
		c.Flags().StringVar(&evidenceChannel, "channel", "", "only this channel (console, http)")
		c.Flags().StringVar(&evidenceOutcome, "outcome", "", "only this outcome (completed, failed)")
		c.Flags().IntVar(&evidenceLimit, "limit", 50, "maximum records")
		c.Flags().StringVar(&evidenceFrom, "from", "", "start day, YYYY-MM-DD")
		c.Flags().StringVar(&evidenceTo, "to", "", "end day inclusive, YYYY-MM-DD")
	}
	evidenceExportCmd.Flags().StringVar(&evidenceFormat, "format", "csv", "csv or json")

	evidenceCmd.AddCommand(evidenceListCmd, evidenceVerifyCmd, evidenceExportCmd)
	rootCmd.AddCommand(evidenceCmd)
}

func withEvidence(cmd *cobra.Command, fn func(ctx context.Context, store *evidence.Store) error) error {
	ctx, span := tracer.Start(cmd.Context(), "evidence."+cmd.Name())
	defer span.End()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	store, err := openEvidence(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(ctx, store)
}

func openEvidence(cfg *config.Config) (*evidence.Store, error) {
	signer, err := cryptoutil.NewSigner(cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	store, err := evidence.NewStore(cfg.EvidenceDBPath(), signer)
	if err != nil {
		return nil, fmt.Errorf("opening evidence store: %w", err)
	}
	return store, nil
}

func evidenceFilter() (evidence.Filter, error) {
	f := evidence.Filter{Channel: evidenceChannel, Outcome: evidenceOutcome, Limit: evidenceLimit}
	if evidenceFrom != "" {
		d, err := time.Parse(time.DateOnly, evidenceFrom)
		if err != nil {
			return f, fmt.Errorf("--from must be YYYY-MM-DD: %w", err)
		}
		f.From = d
	}
	if evidenceTo != "" {
		d, err := time.Parse(time.DateOnly, evidenceTo)
		if err != nil {
			return f, fmt.Errorf("--to must be YYYY-MM-DD: %w", err)
		}
		f.To = d.Add(24*time.Hour - time.Nanosecond)
	}
	return f, nil
}

func printEvidence(out io.Writer, list []evidence.Evidence) error {
	if len(list) == 0 {
		fmt.Fprintln(out, "No evidence records.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tCHANNEL\tOUTCOME\tACTIONS\tTAINTED\tSIGNALS")
	for i := range list {
		e := &list[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\t%d\n",
			e.ID, e.Timestamp.Format(time.RFC3339), e.Channel, e.Outcome, len(e.Actions), e.Tainted, e.InjectionSignals)
	}
	return tw.Flush()
}

func exportEvidence(out io.Writer, list []evidence.Evidence, format string) error {
	records := make([]evidence.ExportRecord, 0, len(list))
	for i := range list {
		records = append(records, evidence.ToExportRecord(&list[i]))
	}
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	case "csv":
		w := csv.NewWriter(out)
		if err := w.Write(evidence.CSVHeader); err != nil {
			return err
		}
		for i := range records {
			if err := w.Write(records[i].CSVRow()); err != nil {
				return err
			}
		}
		w.Flush()
		return w.Error()
	default:
		return fmt.Errorf("unknown format %q (csv or json)", format)
	}
}
