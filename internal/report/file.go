package report

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

// DefaultFile is the report path used when none is configured.
const DefaultFile = "ledger_output.json"

// SequencePlaceholder in a FileSink path is replaced by the sequence id.
const SequencePlaceholder = "{sequence}"

// FileSink writes each report as indented JSON to a file. The write goes to
// a temporary file in the same directory which is then renamed into place,
// so readers never observe a partial report.
type FileSink struct {
	path string
}

// NewFileSink creates a FileSink. An empty path means DefaultFile.
func NewFileSink(path string) *FileSink {
	if path == "" {
		path = DefaultFile
	}
	return &FileSink{path: path}
}

// Path returns the file the report for sequenceID is written to.
func (s *FileSink) Path(sequenceID string) string {
	return strings.ReplaceAll(s.path, SequencePlaceholder, sanitize(sequenceID))
}

// Publish implements Sink.
func (s *FileSink) Publish(_ context.Context, sequenceID string, r provenance.Report) error {
	raw, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	raw = append(raw, '\n')

	path := s.Path(sequenceID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// sanitize keeps sequence ids from escaping the report directory.
func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':':
			return '_'
		}
		return r
	}, id)
}
