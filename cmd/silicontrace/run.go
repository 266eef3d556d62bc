package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
	"github.com/jmerrifield20/silicontrace/internal/provenance"
	"github.com/jmerrifield20/silicontrace/internal/report"
	"github.com/jmerrifield20/silicontrace/internal/stagefeed"
)

func newRunCmd(a *app) *cobra.Command {
	var (
		manifestPath string
		reportPath   string
		tamperPos    int
		tamperDigest string
		emitPath     string
		deep         bool
		exitZero     bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a chain from a stage manifest, verify it and write the report",
		Long: `Run replays a stage manifest into an in-memory chain, verifies it and
writes the verification report as JSON.

Without --manifest the reference wafer route for batch 1001 is used.
--tamper-position overwrites the stored predecessor digest of one record
before verification, to show how a broken link is detected:

  silicontrace run --tamper-position 3`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m := stagefeed.Default()
			if manifestPath != "" {
				loaded, err := stagefeed.Load(manifestPath)
				if err != nil {
					return err
				}
				m = loaded
			}

			h, err := a.runHasher(cmd, m)
			if err != nil {
				return err
			}

			if emitPath != "" {
				if err := emitManifest(emitPath, m, h); err != nil {
					return err
				}
			}

			fmt.Fprintf(a.out, "=== silicontrace %s: batch %s (%s) ===\n", version, m.SequenceID, h.Name())
			l, err := stagefeed.Build(m, h, provenance.WithObserver(printEvent(a.out)))
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("tamper-position") {
				l, err = tamper(l, tamperPos, tamperDigest)
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "[TAMPER] position %d prev digest set to %q\n", tamperPos, tamperDigest)
			}

			rep := l.Verify()
			if deep {
				if rep, err = l.VerifyDigests(); err != nil {
					return err
				}
			}
			printReport(a.out, rep)

			sink := report.NewFileSink(reportPath)
			if err := report.Multi(sink, report.NewLogSink(a.logger)).Publish(cmd.Context(), m.SequenceID, rep); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			fmt.Fprintf(a.out, "report written to %s\n", sink.Path(m.SequenceID))

			return verdict(m.SequenceID, rep, exitZero)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&manifestPath, "manifest", "m", "", "YAML stage manifest (default: reference wafer route)")
	f.StringVar(&reportPath, "report", report.DefaultFile, "report file; "+report.SequencePlaceholder+" is replaced by the sequence id")
	f.IntVar(&tamperPos, "tamper-position", 0, "overwrite the prev digest of this record before verifying")
	f.StringVar(&tamperDigest, "tamper-digest", "00000", "digest written by --tamper-position")
	f.StringVar(&emitPath, "emit-manifest", "", "write the replayed route, with its resolved algorithm, as a YAML manifest")
	f.BoolVar(&deep, "deep", false, "also recompute every record digest")
	f.BoolVar(&exitZero, "exit-zero", false, "exit 0 even when the chain is compromised")
	return cmd
}

// emitManifest writes m with the algorithm that was actually used, so that
// "init --manifest" on the output stores the same digests. Keyed hashers
// cannot be named in a manifest and leave the algorithm as it was.
func emitManifest(path string, m *stagefeed.Manifest, h hashing.Hasher) error {
	out := *m
	if h.Name() != hashing.AlgorithmBLAKE3Keyed {
		out.Algorithm = h.Name()
	}
	raw, err := out.Marshal()
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// algorithmFromFlags reports whether --algorithm or --blake3-domain was
// given, which takes precedence over a manifest's algorithm.
func (a *app) algorithmFromFlags(cmd *cobra.Command) bool {
	return cmd.Flags().Changed("algorithm") || a.v.GetString("blake3_domain") != ""
}

// runHasher prefers an explicit --algorithm or --blake3-domain, then the
// manifest's algorithm, then the configured default.
func (a *app) runHasher(cmd *cobra.Command, m *stagefeed.Manifest) (hashing.Hasher, error) {
	if a.algorithmFromFlags(cmd) {
		return a.hasher()
	}
	fallback, err := a.hasher()
	if err != nil {
		return nil, err
	}
	return m.Hasher(fallback)
}

// tamper rebuilds l with one record's prev digest replaced, as if the stored
// copy had been edited.
func tamper(l *provenance.Ledger, position int, prevDigest string) (*provenance.Ledger, error) {
	if position < 1 || position >= l.Len() {
		return nil, fmt.Errorf("--tamper-position must be between 1 and %d", l.Len()-1)
	}
	recs := l.Records()
	recs[position].PrevDigest = prevDigest
	return provenance.Restore(l.Hasher(), recs)
}

func printEvent(w io.Writer) provenance.Observer {
	return func(e provenance.Event) {
		switch e.Kind {
		case provenance.EventGenesis:
			fmt.Fprintf(w, "[GENESIS] %-32s %s\n", e.Stage, e.Digest)
		default:
			fmt.Fprintf(w, "[STAGE %d] %-30s %s\n", e.Position, e.Stage, e.Digest)
		}
	}
}

func printReport(w io.Writer, rep provenance.Report) {
	if rep.OK() {
		fmt.Fprintf(w, "[VERIFIED] %d stages, head %s\n", rep.TotalStages, rep.Head)
		return
	}
	fmt.Fprintf(w, "[COMPROMISED] %s\n", rep)
	if rep.Breach != nil {
		fmt.Fprintf(w, "  expected %s\n  actual   %s\n", rep.Breach.Expected, rep.Breach.Actual)
	}
}

// verdict maps a compromised report onto exit code 2 unless exitZero is set.
func verdict(sequenceID string, rep provenance.Report, exitZero bool) error {
	if rep.OK() || exitZero {
		return nil
	}
	return &exitCodeError{
		code: exitCompromised,
		err:  fmt.Errorf("chain %s is %s", sequenceID, rep),
	}
}
