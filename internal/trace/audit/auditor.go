// Package audit periodically re-verifies every stored chain so that
// tampering at rest is noticed without anyone asking.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
)

// Config holds auditor configuration.
type Config struct {
	Interval    time.Duration // default 5m
	Deep        bool          // recompute every digest
	Concurrency int           // chains verified in parallel; default 10
}

// Verifier lists and inspects stored chains. *service.BatchService
// satisfies it.
type Verifier interface {
	List(ctx context.Context) ([]string, error)
	Inspect(ctx context.Context, sequenceID string, deep bool) (provenance.Report, error)
}

// CompromisedFunc is called once when a chain transitions to compromised.
type CompromisedFunc func(ctx context.Context, sequenceID string, r provenance.Report)

// MetricsRecordFunc receives the totals of one audit pass.
type MetricsRecordFunc func(checked, compromised int)

// Result summarises one audit pass.
type Result struct {
	Checked     int
	Compromised []string
	Errors      int
}

// Auditor runs periodic verification passes.
type Auditor struct {
	verifier      Verifier
	cfg           Config
	onCompromised CompromisedFunc
	onMetrics     MetricsRecordFunc
	logger        *zap.Logger

	mu     sync.Mutex
	status map[string]provenance.Status
}

// New creates an Auditor.
func New(v Verifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 10
	}
	return &Auditor{
		verifier: v,
		cfg:      cfg,
		logger:   logger,
		status:   make(map[string]provenance.Status),
	}
}

// SetCompromisedHook configures the transition callback.
func (a *Auditor) SetCompromisedHook(fn CompromisedFunc) {
	a.onCompromised = fn
}

// SetMetricsRecord configures the metrics callback.
func (a *Auditor) SetMetricsRecord(fn MetricsRecordFunc) {
	a.onMetrics = fn
}

// Start runs audit passes every interval until ctx is cancelled.
func (a *Auditor) Start(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			passCtx, cancel := context.WithTimeout(ctx, a.cfg.Interval)
			a.RunOnce(passCtx)
			cancel()
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce verifies every stored chain with bounded concurrency.
func (a *Auditor) RunOnce(ctx context.Context) Result {
	ids, err := a.verifier.List(ctx)
	if err != nil {
		a.logger.Error("audit: list chains", zap.Error(err))
		return Result{Errors: 1}
	}

	sem := make(chan struct{}, a.cfg.Concurrency)
	var (
		wg  sync.WaitGroup
		rmu sync.Mutex
		res Result
	)

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			rep, err := a.verifier.Inspect(ctx, id, a.cfg.Deep)
			if err != nil {
				a.logger.Warn("audit: verify chain", zap.String("sequence_id", id), zap.Error(err))
				rmu.Lock()
				res.Errors++
				rmu.Unlock()
				return
			}

			rmu.Lock()
			res.Checked++
			if !rep.OK() {
				res.Compromised = append(res.Compromised, id)
			}
			rmu.Unlock()

			a.track(ctx, id, rep)
		}(id)
	}
	wg.Wait()

	if a.onMetrics != nil {
		a.onMetrics(res.Checked, len(res.Compromised))
	}
	a.logger.Info("audit: pass complete",
		zap.Int("checked", res.Checked),
		zap.Int("compromised", len(res.Compromised)),
		zap.Int("errors", res.Errors),
	)
	return res
}

// track records the latest status and fires the hook on a transition into
// compromised.
func (a *Auditor) track(ctx context.Context, id string, rep provenance.Report) {
	a.mu.Lock()
	prev := a.status[id]
	a.status[id] = rep.Status
	a.mu.Unlock()

	if rep.OK() || prev == provenance.StatusCompromised {
		return
	}
	a.logger.Warn("audit: chain compromised",
		zap.String("sequence_id", id),
		zap.String("report", rep.String()),
	)
	if a.onCompromised != nil {
		a.onCompromised(ctx, id, rep)
	}
}
