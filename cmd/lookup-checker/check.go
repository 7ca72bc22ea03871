package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sternrassler/lookup-checker/pkg/aggregate"
	"github.com/Sternrassler/lookup-checker/pkg/dispatch"
	"github.com/Sternrassler/lookup-checker/pkg/sheet"
)

func newCheckCmd(c *cli) *cobra.Command {
	var (
		ownerID int64
		out     string
	)

	cmd := &cobra.Command{
		Use:   "check <file>",
		Short: "Check every phone number of a CSV or XLSX file",
		Long:  "check reads the first column of a CSV or XLSX file as phone numbers, looks every number up and stores the results as one batch. Rows whose number belongs to a registered account are written to the export directory and, with --out, to the given file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			table, err := sheet.Open(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}

			a, err := c.open(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			progress := cmd.ErrOrStderr()
			report, err := a.dispatcher.Process(cmd.Context(), dispatch.Input{
				OwnerID:    ownerID,
				SourceName: filepath.Base(path),
				Items:      table.Items(a.rules),
				Table:      table,
				ExportDir:  a.cfg.Dispatch.ExportDir,
				Progress: func(_ context.Context, total, processed int) error {
					_, err := fmt.Fprintf(progress, "progress: %d/%d\n", processed, total)
					return err
				},
			})
			if report != nil {
				printReport(cmd.OutOrStdout(), report)
			}
			if err != nil {
				return err
			}

			if out == "" {
				return nil
			}
			agg := aggregate.New(a.stores.batches, a.stores.results, report.Batch, aggregate.WithRules(a.rules))
			return exportTo(cmd, agg, report, table, out)
		},
	}

	cmd.Flags().Int64Var(&ownerID, "owner", 0, "ID of the user submitting the batch")
	cmd.Flags().StringVarP(&out, "out", "o", "", `write the found rows to this file ("-" for stdout)`)
	return cmd
}

func exportTo(cmd *cobra.Command, agg *aggregate.Aggregator, report *dispatch.Report, table *sheet.Table, out string) error {
	var w io.Writer = cmd.OutOrStdout()
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("create %s: %w", out, err)
		}
		defer f.Close()
		w = f
	}

	n, err := agg.Export(cmd.Context(), report.Batch.ID, table, w)
	if err != nil {
		return err
	}
	if out != "-" {
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows to %s\n", n, out)
	}
	return nil
}

func printReport(w io.Writer, r *dispatch.Report) {
	b := r.Batch
	fmt.Fprintf(w, "Batch %d %s\n", b.ID, b.Status)
	fmt.Fprintf(w, "  total:       %d\n", r.Total)
	fmt.Fprintf(w, "  processed:   %d\n", r.Processed)
	fmt.Fprintf(w, "  found:       %d\n", r.Found)
	fmt.Fprintf(w, "  outstanding: %d\n", r.Outstanding)
	fmt.Fprintf(w, "  duration:    %s\n", r.Duration.Round(time.Millisecond))
	if b.ResultName != "" {
		fmt.Fprintf(w, "  result file: %s\n", b.ResultName)
	}
	if b.FailureReason != "" {
		fmt.Fprintf(w, "  reason:      %s\n", b.FailureReason)
	}
}
