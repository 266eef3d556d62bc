package main

import (
	"context"
	"errors"

	"github.com/jmerrifield20/silicontrace/internal/provenance"
	"github.com/jmerrifield20/silicontrace/internal/trace/model"
	"github.com/jmerrifield20/silicontrace/pkg/client"
)

// backend is where stored chains live: the local SQLite file or a remote
// traced server.
type backend interface {
	Open(ctx context.Context, req *model.OpenBatchRequest) (provenance.Record, error)
	Append(ctx context.Context, sequenceID string, req *model.AppendStageRequest) (provenance.Record, error)
	Verify(ctx context.Context, sequenceID string, deep bool) (provenance.Report, error)
	Records(ctx context.Context, sequenceID string) ([]provenance.Record, error)
	List(ctx context.Context) ([]string, error)
}

// openBackend returns the remote backend when --server is set and the local
// SQLite store otherwise. The returned func releases it.
func (a *app) openBackend() (backend, func(), error) {
	if server := a.v.GetString("server"); server != "" {
		c, err := client.New(server, client.WithTimeout(a.v.GetDuration("timeout")))
		if err != nil {
			return nil, nil, err
		}
		return remoteBackend{c: c}, func() {}, nil
	}

	svc, repo, err := a.openService()
	if err != nil {
		return nil, nil, err
	}
	return svc, func() { _ = repo.Close() }, nil
}

// remoteBackend adapts the HTTP client to backend.
type remoteBackend struct {
	c *client.Client
}

func (r remoteBackend) Open(ctx context.Context, req *model.OpenBatchRequest) (provenance.Record, error) {
	rec, err := r.c.OpenBatch(ctx, client.OpenBatchRequest{
		SequenceID: req.SequenceID, Stage: req.Stage, Timestamp: req.Timestamp, Algorithm: req.Algorithm,
	})
	if err != nil {
		return provenance.Record{}, err
	}
	return fromWire(*rec), nil
}

func (r remoteBackend) Append(ctx context.Context, sequenceID string, req *model.AppendStageRequest) (provenance.Record, error) {
	rec, err := r.c.AppendStage(ctx, sequenceID, client.AppendStageRequest{Stage: req.Stage, Timestamp: req.Timestamp})
	if err != nil {
		return provenance.Record{}, err
	}
	return fromWire(*rec), nil
}

func (r remoteBackend) Verify(ctx context.Context, sequenceID string, deep bool) (provenance.Report, error) {
	rep, err := r.c.Verify(ctx, sequenceID, deep)
	if err != nil {
		return provenance.Report{}, err
	}
	out := provenance.Report{
		Status:      provenance.Status(rep.Status),
		TotalStages: rep.TotalStages,
		Algorithm:   rep.Algorithm,
		Head:        rep.Head,
	}
	if b := rep.Breach; b != nil {
		out.Breach = &provenance.Breach{
			Position: b.Position, Stage: b.Stage, Reason: b.Reason, Expected: b.Expected, Actual: b.Actual,
		}
	}
	return out, nil
}

func (r remoteBackend) Records(ctx context.Context, sequenceID string) ([]provenance.Record, error) {
	recs, err := r.c.Stages(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	out := make([]provenance.Record, len(recs))
	for i, rec := range recs {
		out[i] = fromWire(rec)
	}
	return out, nil
}

func (r remoteBackend) List(ctx context.Context) ([]string, error) {
	return r.c.ListBatches(ctx)
}

func fromWire(rec client.Record) provenance.Record {
	return provenance.Record{
		Position:   rec.Position,
		SequenceID: rec.SequenceID,
		Stage:      rec.Stage,
		Timestamp:  rec.Timestamp,
		PrevDigest: rec.PrevDigest,
		Digest:     rec.Digest,
	}
}

var errLocalOnly = errors.New("this command works on the local store only; drop --server")
