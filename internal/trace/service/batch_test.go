package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/silicontrace/internal/hashing"
	"github.com/jmerrifield20/silicontrace/internal/provenance"
	"github.com/jmerrifield20/silicontrace/internal/trace/model"
	"github.com/jmerrifield20/silicontrace/internal/trace/repository"
	"github.com/jmerrifield20/silicontrace/internal/trace/service"
)

var ctx = context.Background()

// ── Stubs ────────────────────────────────────────────────────────────────

type stubMetrics struct {
	mu       sync.Mutex
	opened   int
	appended int
	verified map[provenance.Status]int
}

func (m *stubMetrics) RecordBatchOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened++
}

func (m *stubMetrics) RecordStageAppended() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appended++
}

func (m *stubMetrics) RecordVerification(status provenance.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.verified == nil {
		m.verified = make(map[provenance.Status]int)
	}
	m.verified[status]++
}

type captureSink struct {
	reports []provenance.Report
	err     error
}

func (c *captureSink) Publish(_ context.Context, _ string, r provenance.Report) error {
	c.reports = append(c.reports, r)
	return c.err
}

// failingRepo wraps a MemoryRepository and fails Insert after n successes.
type failingRepo struct {
	*repository.MemoryRepository
	remaining int
}

func (f *failingRepo) Insert(ctx context.Context, algorithm string, rec provenance.Record) error {
	if f.remaining <= 0 {
		return errors.New("disk unavailable")
	}
	f.remaining--
	return f.MemoryRepository.Insert(ctx, algorithm, rec)
}

func newService(t *testing.T) (*service.BatchService, *repository.MemoryRepository) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	svc := service.NewBatchService(repo, hashing.DJB2{}, zap.NewNop())
	return svc, repo
}

func openWaferBatch(t *testing.T, svc *service.BatchService) {
	t.Helper()
	if _, err := svc.Open(ctx, &model.OpenBatchRequest{
		SequenceID: "1001", Stage: "Raw_Silicon_Ingot", Timestamp: "2026-02-26",
	}); err != nil {
		t.Fatal(err)
	}
	for _, stage := range []string{"5nm_Fabrication", "Quality_Control"} {
		if _, err := svc.Append(ctx, "1001", &model.AppendStageRequest{Stage: stage, Timestamp: "2026-02-27"}); err != nil {
			t.Fatal(err)
		}
	}
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestOpen_persistsGenesis(t *testing.T) {
	svc, repo := newService(t)

	rec, err := svc.Open(ctx, &model.OpenBatchRequest{SequenceID: "1001", Stage: "Raw_Silicon_Ingot", Timestamp: "2026-02-26"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.PrevDigest != provenance.GenesisPrevDigest || rec.Position != 0 {
		t.Errorf("unexpected genesis: %+v", rec)
	}

	chain, err := repo.Load(ctx, "1001")
	if err != nil {
		t.Fatal(err)
	}
	if chain.Algorithm != hashing.AlgorithmDJB2 || len(chain.Records) != 1 {
		t.Errorf("unexpected stored chain: %+v", chain)
	}
}

func TestOpen_assignsSequenceID(t *testing.T) {
	svc, _ := newService(t)
	rec, err := svc.Open(ctx, &model.OpenBatchRequest{Stage: "Raw_Silicon_Ingot"})
	if err != nil {
		t.Fatal(err)
	}
	if len(rec.SequenceID) != 36 {
		t.Errorf("expected generated UUID sequence id, got %q", rec.SequenceID)
	}
}

func TestOpen_defaultTimestamp(t *testing.T) {
	svc, _ := newService(t)
	svc.SetClock(func() time.Time { return time.Date(2026, 2, 26, 23, 0, 0, 0, time.UTC) })

	rec, err := svc.Open(ctx, &model.OpenBatchRequest{SequenceID: "1001", Stage: "Raw_Silicon_Ingot"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Timestamp != "2026-02-26" {
		t.Errorf("timestamp: got %q, want 2026-02-26", rec.Timestamp)
	}
}

func TestOpen_errors(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Open(ctx, &model.OpenBatchRequest{SequenceID: "1001", Stage: "  "}); !errors.Is(err, service.ErrInvalidStage) {
		t.Errorf("expected ErrInvalidStage, got %v", err)
	}

	openWaferBatch(t, svc)
	if _, err := svc.Open(ctx, &model.OpenBatchRequest{SequenceID: "1001", Stage: "Raw_Silicon_Ingot"}); !errors.Is(err, service.ErrBatchExists) {
		t.Errorf("expected ErrBatchExists, got %v", err)
	}
}

func TestAppend_storesLabelVerbatim(t *testing.T) {
	svc, repo := newService(t)
	openWaferBatch(t, svc)

	rec, err := svc.Append(ctx, "1001", &model.AppendStageRequest{Stage: " Shipment_to_OEM ", Timestamp: " 2026-02-28"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Stage != " Shipment_to_OEM " || rec.Timestamp != " 2026-02-28" {
		t.Errorf("record rewrote caller input: %+v", rec)
	}

	chain, err := repo.Load(ctx, "1001")
	if err != nil {
		t.Fatal(err)
	}
	stored := chain.Records[3]
	if stored.Stage != " Shipment_to_OEM " {
		t.Errorf("stored stage: got %q", stored.Stage)
	}
	want, err := stored.Recompute(hashing.DJB2{})
	if err != nil {
		t.Fatal(err)
	}
	if stored.Digest != want {
		t.Errorf("digest %s does not cover the label as given (want %s)", stored.Digest, want)
	}

	if _, err := svc.Append(ctx, "1001", &model.AppendStageRequest{Stage: "\t "}); !errors.Is(err, service.ErrInvalidStage) {
		t.Errorf("blank label: expected ErrInvalidStage, got %v", err)
	}
}

func TestOpen_algorithmOverride(t *testing.T) {
	svc, repo := newService(t)

	if _, err := svc.Open(ctx, &model.OpenBatchRequest{
		SequenceID: "2002", Stage: "Raw_Silicon_Ingot", Timestamp: "2026-02-26", Algorithm: "SHA256",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Append(ctx, "2002", &model.AppendStageRequest{Stage: "5nm_Fabrication", Timestamp: "2026-02-27"}); err != nil {
		t.Fatal(err)
	}

	chain, err := repo.Load(ctx, "2002")
	if err != nil {
		t.Fatal(err)
	}
	if chain.Algorithm != hashing.AlgorithmSHA256 {
		t.Errorf("stored algorithm: got %q, want sha256", chain.Algorithm)
	}
	rep, err := svc.Verify(ctx, "2002", true)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.OK() || rep.Algorithm != hashing.AlgorithmSHA256 {
		t.Errorf("unexpected report: %+v", rep)
	}

	tests := []string{"md5", hashing.AlgorithmBLAKE3Keyed}
	for _, algo := range tests {
		_, err := svc.Open(ctx, &model.OpenBatchRequest{SequenceID: "x-" + algo, Stage: "Raw_Silicon_Ingot", Algorithm: algo})
		if !errors.Is(err, service.ErrInvalidAlgorithm) {
			t.Errorf("%s: expected ErrInvalidAlgorithm, got %v", algo, err)
		}
	}
}

func TestOpen_existsInRepositoryOnly(t *testing.T) {
	svc, repo := newService(t)
	openWaferBatch(t, svc)

	fresh := service.NewBatchService(repo, hashing.SHA256{}, zap.NewNop())
	if _, err := fresh.Open(ctx, &model.OpenBatchRequest{SequenceID: "1001", Stage: "x"}); !errors.Is(err, service.ErrBatchExists) {
		t.Errorf("expected ErrBatchExists from stored batch, got %v", err)
	}
}

func TestAppend_unknownBatch(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.Append(ctx, "nope", &model.AppendStageRequest{Stage: "5nm_Fabrication"})
	if !errors.Is(err, service.ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestAppend_hydratesFromRepository(t *testing.T) {
	svc, repo := newService(t)
	openWaferBatch(t, svc)

	// A second service instance sees only the repository.
	other := service.NewBatchService(repo, hashing.SHA256{}, zap.NewNop())
	rec, err := other.Append(ctx, "1001", &model.AppendStageRequest{Stage: "Shipment_to_OEM", Timestamp: "2026-02-28"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Position != 3 {
		t.Errorf("position: got %d, want 3", rec.Position)
	}

	r, err := other.Verify(ctx, "1001", true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK() || r.Algorithm != hashing.AlgorithmDJB2 {
		t.Errorf("stored algorithm should be kept, got %s (%s)", r, r.Algorithm)
	}
}

func TestAppend_storageFailureEvictsCache(t *testing.T) {
	repo := &failingRepo{MemoryRepository: repository.NewMemoryRepository(), remaining: 1}
	svc := service.NewBatchService(repo, hashing.SHA256{}, zap.NewNop())

	if _, err := svc.Open(ctx, &model.OpenBatchRequest{SequenceID: "1001", Stage: "Raw_Silicon_Ingot"}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Append(ctx, "1001", &model.AppendStageRequest{Stage: "5nm_Fabrication"}); err == nil {
		t.Fatal("expected storage error")
	}

	repo.remaining = 1
	rec, err := svc.Append(ctx, "1001", &model.AppendStageRequest{Stage: "5nm_Fabrication"})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Position != 1 {
		t.Errorf("cache should have been reloaded; got position %d", rec.Position)
	}
}

func TestVerify_scenarioVerified(t *testing.T) {
	svc, _ := newService(t)
	sink := &captureSink{}
	metrics := &stubMetrics{}
	svc.SetReportSink(sink)
	svc.SetMetricsRecorder(metrics)
	openWaferBatch(t, svc)

	r, err := svc.Verify(ctx, "1001", false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != provenance.StatusVerified || r.TotalStages != 3 {
		t.Errorf("got %s, want verified with 3 stages", r)
	}
	if len(sink.reports) != 1 {
		t.Errorf("expected report to be published once, got %d", len(sink.reports))
	}
	if metrics.opened != 1 || metrics.appended != 2 || metrics.verified[provenance.StatusVerified] != 1 {
		t.Errorf("unexpected metrics: %+v", metrics)
	}
}

func TestVerify_detectsTamperingAtRest(t *testing.T) {
	svc, _ := newService(t)
	openWaferBatch(t, svc)

	if err := svc.Overwrite(ctx, "1001", 2, "99999"); err != nil {
		t.Fatal(err)
	}

	r, err := svc.Verify(ctx, "1001", false)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != provenance.StatusCompromised || r.TotalStages != 3 {
		t.Fatalf("got %s, want compromised with 3 stages", r)
	}
	if r.Breach.Position != 2 || r.Breach.Stage != "Quality_Control" {
		t.Errorf("breach: %+v", r.Breach)
	}
}

func TestVerify_sinkErrorIsNonFatal(t *testing.T) {
	svc, _ := newService(t)
	svc.SetReportSink(&captureSink{err: errors.New("read-only filesystem")})
	openWaferBatch(t, svc)

	if _, err := svc.Verify(ctx, "1001", false); err != nil {
		t.Errorf("sink failure should not fail Verify: %v", err)
	}
}

func TestVerify_unknownBatch(t *testing.T) {
	svc, _ := newService(t)
	if _, err := svc.Verify(ctx, "nope", false); !errors.Is(err, service.ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestAppend_concurrentWritersSerialised(t *testing.T) {
	svc, _ := newService(t)
	openWaferBatch(t, svc)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := svc.Append(ctx, "1001", &model.AppendStageRequest{Stage: fmt.Sprintf("Inspection_%d", i)}); err != nil {
				t.Errorf("append %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	r, err := svc.Verify(ctx, "1001", true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK() || r.TotalStages != 23 {
		t.Errorf("got %s, want verified with 23 stages", r)
	}
}

func TestDescribeAndRecords(t *testing.T) {
	svc, _ := newService(t)
	openWaferBatch(t, svc)

	sum, err := svc.Describe(ctx, "1001")
	if err != nil {
		t.Fatal(err)
	}
	if sum.Stages != 3 || sum.LastStage != "Quality_Control" {
		t.Errorf("unexpected summary: %+v", sum)
	}

	rec, err := svc.Record(ctx, "1001", 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Stage != "5nm_Fabrication" {
		t.Errorf("Record(1): got %q", rec.Stage)
	}
	if _, err := svc.Record(ctx, "1001", 7); !errors.Is(err, service.ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound for missing position, got %v", err)
	}

	ids, err := svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != "1001" {
		t.Errorf("List: got %v", ids)
	}
}

func TestVerify_keyedHasherRestores(t *testing.T) {
	keyed, err := hashing.NewKeyedBLAKE3(hashing.DomainKey("fab-7"))
	if err != nil {
		t.Fatal(err)
	}
	svc := service.NewBatchService(repository.NewMemoryRepository(), keyed, zap.NewNop())
	openWaferBatch(t, svc)

	r, err := svc.Verify(ctx, "1001", true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK() || r.Algorithm != hashing.AlgorithmBLAKE3Keyed {
		t.Errorf("got %s (%s), want verified keyed chain", r, r.Algorithm)
	}
}

func TestInspect_doesNotPublish(t *testing.T) {
	svc, _ := newService(t)
	sink := &captureSink{}
	metrics := &stubMetrics{}
	svc.SetReportSink(sink)
	svc.SetMetricsRecorder(metrics)
	openWaferBatch(t, svc)

	r, err := svc.Inspect(ctx, "1001", true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.OK() {
		t.Errorf("got %s", r)
	}
	if len(sink.reports) != 0 || len(metrics.verified) != 0 {
		t.Errorf("Inspect should be silent; sink=%d metrics=%v", len(sink.reports), metrics.verified)
	}
}
