package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
	"github.com/jmerrifield20/silicontrace/internal/trace/handler"
	"github.com/jmerrifield20/silicontrace/internal/trace/repository"
	"github.com/jmerrifield20/silicontrace/internal/trace/service"
	"github.com/jmerrifield20/silicontrace/pkg/client"
)

var ctx = context.Background()

// ── Test server ──────────────────────────────────────────────────────────

func newTestServer(t *testing.T) (*httptest.Server, *service.BatchService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.UseRawPath = true
	svc := service.NewBatchService(repository.NewMemoryRepository(), hashing.DJB2{}, zap.NewNop())
	handler.NewBatchHandler(svc, zap.NewNop()).Register(r.Group("/api/v1"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, svc
}

func seed(t *testing.T, c *client.Client) {
	t.Helper()
	if _, err := c.OpenBatch(ctx, client.OpenBatchRequest{
		SequenceID: "1001", Stage: "Raw_Silicon_Ingot", Timestamp: "2026-02-26",
	}); err != nil {
		t.Fatal(err)
	}
	for _, stage := range []string{"5nm_Fabrication", "Advanced_Packaging", "Quality_Control", "Shipment_to_OEM"} {
		if _, err := c.AppendStage(ctx, "1001", client.AppendStageRequest{Stage: stage, Timestamp: "2026-02-27"}); err != nil {
			t.Fatal(err)
		}
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_invalidURL(t *testing.T) {
	for _, base := range []string{"", "localhost:8080", "://nope"} {
		if _, err := client.New(base); err == nil {
			t.Errorf("New(%q): expected error", base)
		}
	}
}

func TestClient_roundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)
	seed(t, c)

	recs, err := c.Stages(ctx, "1001")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 5 || recs[0].PrevDigest != "0" {
		t.Fatalf("unexpected stages: %+v", recs)
	}

	rec, err := c.Stage(ctx, "1001", 4)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Stage != "Shipment_to_OEM" || rec.PrevDigest != recs[3].Digest {
		t.Errorf("unexpected stage 4: %+v", rec)
	}

	sum, err := c.Describe(ctx, "1001")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Stages != 5 || sum.Head != recs[4].Digest {
		t.Errorf("unexpected summary: %+v", sum)
	}

	ids, err := c.ListBatches(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "1001" {
		t.Errorf("ListBatches: %v", ids)
	}

	rep, err := c.Verify(ctx, "1001", true)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != client.StatusVerified || rep.TotalStages != 5 {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestClient_verifyCompromised(t *testing.T) {
	srv, svc := newTestServer(t)
	c := client.MustNew(srv.URL)
	seed(t, c)

	if err := svc.Overwrite(ctx, "1001", 3, "99999"); err != nil {
		t.Fatal(err)
	}

	rep, err := c.Verify(ctx, "1001", false)
	if err != nil {
		t.Fatalf("compromised chain should not be an error: %v", err)
	}
	if rep.Status != client.StatusCompromised || rep.Breach == nil || rep.Breach.Stage != "Quality_Control" {
		t.Errorf("unexpected report: %+v", rep)
	}
}

func TestClient_errors(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)
	seed(t, c)

	_, err := c.Verify(ctx, "nope", false)
	if !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, err = c.OpenBatch(ctx, client.OpenBatchRequest{SequenceID: "1001", Stage: "Raw_Silicon_Ingot"})
	if !errors.Is(err, client.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	_, err = c.AppendStage(ctx, "1001", client.AppendStageRequest{})
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 APIError, got %v", err)
	}
}

func TestClient_escapesSequenceID(t *testing.T) {
	srv, _ := newTestServer(t)
	c := client.MustNew(srv.URL)

	if _, err := c.OpenBatch(ctx, client.OpenBatchRequest{SequenceID: "lot 7/A", Stage: "Raw_Silicon_Ingot"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.AppendStage(ctx, "lot 7/A", client.AppendStageRequest{Stage: "Quality_Control"}); err != nil {
		t.Fatalf("append with escaped id: %v", err)
	}
}

func TestClient_requestIDHeader(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-ID")
		w.Write([]byte(`{"batches":[]}`))
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithRequestID(func() string { return "req-42" }))
	if _, err := c.ListBatches(ctx); err != nil {
		t.Fatal(err)
	}
	if got != "req-42" {
		t.Errorf("X-Request-ID = %q", got)
	}
}
