// Package stagefeed reads stage descriptors for a tracked unit from YAML
// manifests and replays them into a provenance ledger.
package stagefeed

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

// ErrInvalidManifest is returned by Validate and Parse for malformed input.
var ErrInvalidManifest = errors.New("invalid stage manifest")

// Stage is one processing step.
type Stage struct {
	Stage     string `yaml:"stage"`
	Timestamp string `yaml:"timestamp"`
}

// Manifest describes the full route of one tracked unit.
type Manifest struct {
	SequenceID string  `yaml:"sequence_id"`
	Algorithm  string  `yaml:"algorithm,omitempty"`
	Genesis    Stage   `yaml:"genesis"`
	Stages     []Stage `yaml:"stages"`
}

// Default returns the reference wafer route: an ingot followed by
// fabrication, packaging, quality control and shipment.
func Default() *Manifest {
	return &Manifest{
		SequenceID: "1001",
		Algorithm:  hashing.AlgorithmDJB2,
		Genesis:    Stage{Stage: "Raw_Silicon_Ingot", Timestamp: "2026-02-26"},
		Stages: []Stage{
			{Stage: "5nm_Fabrication", Timestamp: "2026-02-27"},
			{Stage: "Advanced_Packaging", Timestamp: "2026-02-27"},
			{Stage: "Quality_Control", Timestamp: "2026-02-27"},
			{Stage: "Shipment_to_OEM", Timestamp: "2026-02-27"},
		},
	}
}

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidManifest)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that the manifest can seed a ledger.
func (m *Manifest) Validate() error {
	if m.SequenceID == "" {
		return fmt.Errorf("%w: sequence_id is required", ErrInvalidManifest)
	}
	if m.Genesis.Stage == "" {
		return fmt.Errorf("%w: genesis.stage is required", ErrInvalidManifest)
	}
	for i, s := range m.Stages {
		if s.Stage == "" {
			return fmt.Errorf("%w: stages[%d].stage is required", ErrInvalidManifest, i)
		}
	}
	if m.Algorithm != "" {
		if _, err := hashing.ByName(m.Algorithm); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidManifest, err)
		}
	}
	return nil
}

// Hasher resolves the manifest's algorithm, falling back to fallback when
// the manifest does not name one.
func (m *Manifest) Hasher(fallback hashing.Hasher) (hashing.Hasher, error) {
	if m.Algorithm == "" {
		return fallback, nil
	}
	return hashing.ByName(m.Algorithm)
}

// Build creates a ledger from the manifest's genesis stage and appends every
// listed stage in order.
func Build(m *Manifest, h hashing.Hasher, opts ...provenance.Option) (*provenance.Ledger, error) {
	l, err := provenance.New(h, m.SequenceID, m.Genesis.Stage, m.Genesis.Timestamp, opts...)
	if err != nil {
		return nil, err
	}
	for _, s := range m.Stages {
		if _, err := l.Append(s.Stage, s.Timestamp); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Marshal encodes the manifest as YAML.
func (m *Manifest) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}
