package report

import (
	"context"

	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

// LogSink writes reports to zap instead of persisting them.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink backed by the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Publish logs the report. A compromised chain is logged at warn level.
func (s *LogSink) Publish(_ context.Context, sequenceID string, r provenance.Report) error {
	fields := []zap.Field{
		zap.String("sequence_id", sequenceID),
		zap.String("status", string(r.Status)),
		zap.Int("total_stages", r.TotalStages),
		zap.String("algorithm", r.Algorithm),
	}
	if r.Breach == nil {
		s.logger.Info("ledger integrity verified", fields...)
		return nil
	}

	fields = append(fields,
		zap.Int("breach_position", r.Breach.Position),
		zap.String("breach_stage", r.Breach.Stage),
		zap.String("breach_reason", r.Breach.Reason),
	)
	s.logger.Warn("ledger compromised", fields...)
	return nil
}
