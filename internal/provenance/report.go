package provenance

import "fmt"

// Status is the outcome of a verification pass.
type Status string

const (
	StatusVerified    Status = "verified"
	StatusCompromised Status = "compromised"
)

// Breach reasons.
const (
	ReasonBrokenLink     = "broken_link"
	ReasonDigestMismatch = "digest_mismatch"
)

// Breach identifies the first record at which a chain failed verification.
type Breach struct {
	Position int    `json:"position"`
	Stage    string `json:"stage"`
	Reason   string `json:"reason"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Report is the immutable result of a verification pass. Status and
// TotalStages are always present in the serialized form; the remaining
// fields are informational.
type Report struct {
	Status      Status  `json:"status"`
	TotalStages int     `json:"total_stages"`
	Breach      *Breach `json:"breach,omitempty"`
	Algorithm   string  `json:"algorithm,omitempty"`
	Head        string  `json:"head,omitempty"`
}

// OK reports whether the chain verified.
func (r Report) OK() bool {
	return r.Status == StatusVerified
}

func (r Report) String() string {
	if r.Breach == nil {
		return fmt.Sprintf("%s (%d stages)", r.Status, r.TotalStages)
	}
	return fmt.Sprintf("%s at stage %d %q: %s (%d stages)",
		r.Status, r.Breach.Position, r.Breach.Stage, r.Breach.Reason, r.TotalStages)
}
