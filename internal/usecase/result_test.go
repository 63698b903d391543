package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/logging"
	"github.com/example/cropscan/internal/repository"
)

type stubRepository struct {
	savedLogs   []*repository.AnalysisLog
	saveErr     error
	aggregation *repository.MetricsAggregation
	aggErr      error
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.AnalysisLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisLog, error) {
	for _, log := range s.savedLogs {
		if log.RequestID == requestID {
			return log, nil
		}
	}
	return nil, repository.ErrLogNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.aggErr != nil {
		return nil, s.aggErr
	}
	return s.aggregation, nil
}

type stubCache struct {
	setErrs []error
	getErrs []error
	setKeys []string
	getKeys []string
	values  map[string]string
	ttls    []time.Duration
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.ttls = append(s.ttls, expiration)
	if len(s.setErrs) > 0 {
		err := s.setErrs[0]
		s.setErrs = s.setErrs[1:]
		if err != nil {
			return err
		}
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value.(string)
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	if len(s.getErrs) > 0 {
		err := s.getErrs[0]
		s.getErrs = s.getErrs[1:]
		if err != nil {
			return "", err
		}
	}
	value, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return value, nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func sampleResult() *analysis.UploadResult {
	return &analysis.UploadResult{
		Success: true,
		Message: "Imagen procesada correctamente",
		Classification: analysis.Classification{
			Prediction: "Growth Stage",
			Score:      0.87,
			Extra:      analysis.ClassificationExtra{ClassIndex: 1, RawOutput: []float64{0.87, 0.13, 0}, ElapsedMs: 120},
		},
		Segmentation: analysis.Segmentation{NumMasks: 1, Success: true},
	}
}

func TestPublishRetriesTransientCacheError(t *testing.T) {
	cache := &stubCache{setErrs: []error{transientRedisError{}}}
	repo := &stubRepository{}
	uc := NewResultUseCase(repo, cache, 10*time.Minute, zap.NewNop())
	uc.initialBackoff = time.Millisecond

	id, err := uc.Publish(context.Background(), "alice", sampleResult(), PublishMeta{Source: analysis.SourceMock, Base64: "QUJDRA=="})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) != 2 || cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected one retry on the same key, got %v", cache.setKeys)
	}
	if cache.setKeys[0] != "result:"+id {
		t.Fatalf("unexpected cache key: %s", cache.setKeys[0])
	}
	if cache.ttls[1] != 10*time.Minute {
		t.Fatalf("unexpected ttl: %s", cache.ttls[1])
	}
	if len(repo.savedLogs) != 1 {
		t.Fatalf("expected audit log to be saved, got %d entries", len(repo.savedLogs))
	}
	log := repo.savedLogs[0]
	if log.RequestID != id || log.Subject != "alice" || log.Source != "mock" || log.ImageBytes != 4 {
		t.Fatalf("unexpected audit log: %+v", log)
	}
	if log.ElapsedMs != 120 || len(log.SHA1Hash) != 40 {
		t.Fatalf("unexpected audit metadata: %+v", log)
	}
}

func TestPublishReturnsOperationErrorOnCacheFailure(t *testing.T) {
	cache := &stubCache{setErrs: []error{errors.New("boom")}}
	repo := &stubRepository{}
	uc := NewResultUseCase(repo, cache, time.Minute, zap.NewNop())

	_, err := uc.Publish(context.Background(), "alice", sampleResult(), PublishMeta{})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) {
		t.Fatalf("expected OperationError, got %T", err)
	}
	if opErr.Operation != "cache.set.result" {
		t.Fatalf("unexpected operation: %s", opErr.Operation)
	}
	if len(repo.savedLogs) != 0 {
		t.Fatal("expected no audit log when the result could not be stored")
	}
}

func TestPublishToleratesAuditFailure(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	uc := NewResultUseCase(repo, NewMemoryCache(), time.Minute, zap.NewNop())

	id, err := uc.Publish(context.Background(), "alice", sampleResult(), PublishMeta{})
	if err != nil {
		t.Fatalf("expected audit failure to be non-fatal, got %v", err)
	}
	if _, err := uc.GetResult(context.Background(), "alice", id); err != nil {
		t.Fatalf("expected result to be readable, got %v", err)
	}
}

func TestGetResultRoundTripAndOwnership(t *testing.T) {
	uc := NewResultUseCase(nil, NewMemoryCache(), time.Minute, zap.NewNop())

	id, err := uc.Publish(context.Background(), "alice", sampleResult(), PublishMeta{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	result, err := uc.GetResult(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if result.Classification.Prediction != "Growth Stage" || result.Classification.Extra.ClassIndex != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := uc.GetResult(context.Background(), "bob", id); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found for other subject, got %v", err)
	}
	if _, err := uc.GetResult(context.Background(), "alice", "missing"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}

func TestGetResultSurvivesTransientReadError(t *testing.T) {
	cache := &stubCache{}
	uc := NewResultUseCase(nil, cache, time.Minute, zap.NewNop())
	uc.initialBackoff = time.Millisecond

	id, err := uc.Publish(context.Background(), "alice", sampleResult(), PublishMeta{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	cache.getErrs = []error{transientRedisError{}}

	if _, err := uc.GetResult(context.Background(), "alice", id); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if len(cache.getKeys) != 2 {
		t.Fatalf("expected two reads, got %d", len(cache.getKeys))
	}
}

func TestGetResultRejectsCorruptPayload(t *testing.T) {
	cache := &stubCache{values: map[string]string{"result:bad": "{not json"}}
	uc := NewResultUseCase(nil, cache, time.Minute, zap.NewNop())

	_, err := uc.GetResult(context.Background(), "alice", "bad")
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || !strings.Contains(opErr.Operation, "get_result") {
		t.Fatalf("expected get_result operation error, got %v", err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	uc := NewResultUseCase(nil, NewMemoryCache(), time.Minute, zap.NewNop())
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrMetricsUnavailable) {
		t.Fatalf("expected metrics unavailable, got %v", err)
	}

	repo := &stubRepository{aggregation: &repository.MetricsAggregation{
		TotalCount:     4,
		SuccessCount:   3,
		AverageScore:   0.8,
		AverageElapsed: 125,
	}}
	uc = NewResultUseCase(repo, NewMemoryCache(), time.Minute, zap.NewNop())
	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.SuccessRate != 0.75 || summary.AverageElapsedMs != 125 || summary.TotalRequests != 4 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestGetAuditRecord(t *testing.T) {
	uc := NewResultUseCase(nil, NewMemoryCache(), time.Minute, zap.NewNop())
	if _, err := uc.GetAuditRecord(context.Background(), "alice", "any"); !errors.Is(err, ErrMetricsUnavailable) {
		t.Fatalf("expected metrics unavailable, got %v", err)
	}

	repo := &stubRepository{}
	uc = NewResultUseCase(repo, NewMemoryCache(), time.Minute, zap.NewNop())
	id, err := uc.Publish(context.Background(), "alice", sampleResult(), PublishMeta{Source: analysis.SourceMock, Base64: "QUJDRA=="})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	record, err := uc.GetAuditRecord(context.Background(), "alice", id)
	if err != nil {
		t.Fatalf("audit record: %v", err)
	}
	if record.ResultID != id || record.Source != analysis.SourceMock || record.ImageBytes != 4 || record.SHA1Hash == "" {
		t.Fatalf("unexpected record: %+v", record)
	}

	if _, err := uc.GetAuditRecord(context.Background(), "bob", id); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found for other subject, got %v", err)
	}
	if _, err := uc.GetAuditRecord(context.Background(), "alice", "missing"); !errors.Is(err, ErrResultNotFound) {
		t.Fatalf("expected not found for unknown id, got %v", err)
	}
}
