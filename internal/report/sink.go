// Package report publishes verification reports to external consumers.
package report

import (
	"context"
	"errors"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

// Sink delivers a verification report for one sequence.
type Sink interface {
	Publish(ctx context.Context, sequenceID string, r provenance.Report) error
}

// Multi returns a Sink that publishes to every sink in order. All sinks are
// attempted; their errors are joined.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Publish(ctx context.Context, sequenceID string, r provenance.Report) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, sequenceID, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
