package audit_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
	"github.com/jmerrifield20/silicontrace/internal/provenance"
	"github.com/jmerrifield20/silicontrace/internal/trace/audit"
	"github.com/jmerrifield20/silicontrace/internal/trace/model"
	"github.com/jmerrifield20/silicontrace/internal/trace/repository"
	"github.com/jmerrifield20/silicontrace/internal/trace/service"
)

var ctx = context.Background()

func newPopulatedService(t *testing.T, ids ...string) *service.BatchService {
	t.Helper()
	svc := service.NewBatchService(repository.NewMemoryRepository(), hashing.SHA256{}, zap.NewNop())
	for _, id := range ids {
		if _, err := svc.Open(ctx, &model.OpenBatchRequest{SequenceID: id, Stage: "Raw_Silicon_Ingot"}); err != nil {
			t.Fatal(err)
		}
		for _, stage := range []string{"5nm_Fabrication", "Quality_Control"} {
			if _, err := svc.Append(ctx, id, &model.AppendStageRequest{Stage: stage}); err != nil {
				t.Fatal(err)
			}
		}
	}
	return svc
}

type hookRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (h *hookRecorder) hook(_ context.Context, id string, _ provenance.Report) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fired = append(h.fired, id)
}

func TestRunOnce_allVerified(t *testing.T) {
	svc := newPopulatedService(t, "1001", "1002", "1003")

	var checked, compromised int
	a := audit.New(svc, audit.Config{Deep: true}, zap.NewNop())
	a.SetMetricsRecord(func(c, x int) { checked, compromised = c, x })

	res := a.RunOnce(ctx)
	if res.Checked != 3 || len(res.Compromised) != 0 || res.Errors != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	if checked != 3 || compromised != 0 {
		t.Errorf("metrics: checked=%d compromised=%d", checked, compromised)
	}
}

func TestRunOnce_hookFiresOncePerTransition(t *testing.T) {
	svc := newPopulatedService(t, "1001", "1002")
	rec := &hookRecorder{}
	a := audit.New(svc, audit.Config{}, zap.NewNop())
	a.SetCompromisedHook(rec.hook)

	a.RunOnce(ctx)
	if len(rec.fired) != 0 {
		t.Fatalf("no chain is compromised yet, hook fired for %v", rec.fired)
	}

	if err := svc.Overwrite(ctx, "1002", 2, "99999"); err != nil {
		t.Fatal(err)
	}

	res := a.RunOnce(ctx)
	if len(res.Compromised) != 1 || res.Compromised[0] != "1002" {
		t.Fatalf("expected 1002 compromised, got %+v", res)
	}
	a.RunOnce(ctx)

	if len(rec.fired) != 1 || rec.fired[0] != "1002" {
		t.Errorf("hook should fire exactly once for 1002, got %v", rec.fired)
	}
}

type brokenVerifier struct{}

func (brokenVerifier) List(context.Context) ([]string, error) {
	return nil, errors.New("store offline")
}

func (brokenVerifier) Inspect(context.Context, string, bool) (provenance.Report, error) {
	return provenance.Report{}, nil
}

func TestRunOnce_listError(t *testing.T) {
	a := audit.New(brokenVerifier{}, audit.Config{}, zap.NewNop())
	if res := a.RunOnce(ctx); res.Errors != 1 || res.Checked != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestStart_stopsOnCancel(t *testing.T) {
	svc := newPopulatedService(t, "1001")
	a := audit.New(svc, audit.Config{}, zap.NewNop())

	cctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		a.Start(cctx)
		close(done)
	}()
	cancel()
	<-done
}
