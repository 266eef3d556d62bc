package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
	"github.com/jmerrifield20/silicontrace/internal/report"
	"github.com/jmerrifield20/silicontrace/internal/stagefeed"
	"github.com/jmerrifield20/silicontrace/internal/trace/model"
)

// ── init ─────────────────────────────────────────────────────────────────────

func newInitCmd(a *app) *cobra.Command {
	var stage, timestamp, manifestPath string

	cmd := &cobra.Command{
		Use:   "init [sequence-id]",
		Short: "Start a stored chain with its genesis stage",
		Long: `Init creates a chain in the SQLite store. Either give the genesis stage
with --stage, or import a whole route with --manifest:

  silicontrace init 1001 --stage Raw_Silicon_Ingot --timestamp 2026-02-26
  silicontrace init --manifest route.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := a.openBackend()
			if err != nil {
				return err
			}
			defer release()

			ctx := cmd.Context()
			if manifestPath != "" {
				m, err := stagefeed.Load(manifestPath)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					m.SequenceID = args[0]
				}
				req := &model.OpenBatchRequest{
					SequenceID: m.SequenceID, Stage: m.Genesis.Stage, Timestamp: m.Genesis.Timestamp,
				}
				if !a.algorithmFromFlags(cmd) {
					req.Algorithm = m.Algorithm
				}
				if _, err := store.Open(ctx, req); err != nil {
					return err
				}
				for _, s := range m.Stages {
					if _, err := store.Append(ctx, m.SequenceID, &model.AppendStageRequest{Stage: s.Stage, Timestamp: s.Timestamp}); err != nil {
						return err
					}
				}
				fmt.Fprintf(a.out, "imported %s with %d stages\n", m.SequenceID, len(m.Stages)+1)
				return nil
			}

			if stage == "" {
				return fmt.Errorf("--stage or --manifest is required")
			}
			req := &model.OpenBatchRequest{Stage: stage, Timestamp: timestamp}
			if len(args) == 1 {
				req.SequenceID = args[0]
			}
			rec, err := store.Open(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s genesis %s %s\n", rec.SequenceID, rec.Stage, rec.Digest)
			return nil
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "genesis stage label")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "genesis timestamp (default: today, YYYY-MM-DD)")
	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "import every stage from a YAML manifest")
	return cmd
}

// ── append ───────────────────────────────────────────────────────────────────

func newAppendCmd(a *app) *cobra.Command {
	var stage, timestamp string

	cmd := &cobra.Command{
		Use:   "append <sequence-id>",
		Short: "Append a stage to a stored chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := a.openBackend()
			if err != nil {
				return err
			}
			defer release()

			rec, err := store.Append(cmd.Context(), args[0], &model.AppendStageRequest{Stage: stage, Timestamp: timestamp})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s stage %d %s %s\n", rec.SequenceID, rec.Position, rec.Stage, rec.Digest)
			return nil
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "stage label (required)")
	cmd.Flags().StringVar(&timestamp, "timestamp", "", "stage timestamp (default: today, YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("stage")
	return cmd
}

// ── verify ───────────────────────────────────────────────────────────────────

func newVerifyCmd(a *app) *cobra.Command {
	var (
		reportPath string
		deep       bool
		asJSON     bool
		exitZero   bool
	)

	cmd := &cobra.Command{
		Use:   "verify <sequence-id>",
		Short: "Verify a stored chain",
		Long: `Verify reloads a chain from the store and checks every link. Exit
status is 0 when verified, 2 when compromised and 1 on any other error.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := a.openBackend()
			if err != nil {
				return err
			}
			defer release()

			rep, err := store.Verify(cmd.Context(), args[0], deep)
			if err != nil {
				return err
			}

			sinks := []report.Sink{report.NewLogSink(a.logger)}
			if reportPath != "" {
				sinks = append(sinks, report.NewFileSink(reportPath))
			}
			if err := report.Multi(sinks...).Publish(cmd.Context(), args[0], rep); err != nil {
				return fmt.Errorf("write report: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(rep); err != nil {
					return err
				}
			} else {
				printReport(a.out, rep)
			}
			return verdict(args[0], rep, exitZero)
		},
	}

	f := cmd.Flags()
	f.StringVar(&reportPath, "report", "", "also write the report to this file")
	f.BoolVar(&deep, "deep", false, "also recompute every record digest")
	f.BoolVar(&asJSON, "json", false, "print the report as JSON")
	f.BoolVar(&exitZero, "exit-zero", false, "exit 0 even when the chain is compromised")
	return cmd
}

// ── show ─────────────────────────────────────────────────────────────────────

func newShowCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show <sequence-id>",
		Short: "Print every record of a stored chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := a.openBackend()
			if err != nil {
				return err
			}
			defer release()

			recs, err := store.Records(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			switch format {
			case "json":
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			case "text":
				printRecords(a, recs)
				return nil
			default:
				return fmt.Errorf("unknown --format %q (want text or json)", format)
			}
		},
	}

	cmd.Flags().StringVar(&format, "format", "text", "Output format: text or json")
	return cmd
}

func printRecords(a *app, recs []provenance.Record) {
	w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tSTAGE\tTIMESTAMP\tPREV\tDIGEST")
	for _, r := range recs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", r.Position, r.Stage, r.Timestamp, short(r.PrevDigest), short(r.Digest))
	}
	w.Flush() //nolint:errcheck
}

// short truncates long hex digests for table output.
func short(d string) string {
	if len(d) > 16 {
		return d[:16] + "…"
	}
	return d
}

// ── list ─────────────────────────────────────────────────────────────────────

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sequence ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := a.openBackend()
			if err != nil {
				return err
			}
			defer release()

			ids, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Fprintln(a.out, id)
			}
			return nil
		},
	}
}

// ── tamper ───────────────────────────────────────────────────────────────────

func newTamperCmd(a *app) *cobra.Command {
	var (
		position   int
		prevDigest string
	)

	cmd := &cobra.Command{
		Use:   "tamper <sequence-id>",
		Short: "Overwrite a stored prev digest (for demonstrating detection)",
		Long: `Tamper edits one stored record in place, bypassing the ledger. A
following verify reports the chain as compromised at that position.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.v.GetString("server") != "" {
				return errLocalOnly
			}
			svc, repo, err := a.openService()
			if err != nil {
				return err
			}
			defer repo.Close() //nolint:errcheck

			if err := svc.Overwrite(cmd.Context(), args[0], position, prevDigest); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s position %d prev digest set to %q\n", args[0], position, prevDigest)
			return nil
		},
	}

	cmd.Flags().IntVar(&position, "position", 1, "record position to edit")
	cmd.Flags().StringVar(&prevDigest, "prev-digest", "00000", "value written over the stored prev digest")
	return cmd
}
