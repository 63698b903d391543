package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/cropscan/internal/analysis"
	"github.com/example/cropscan/internal/imageutil"
	"github.com/example/cropscan/internal/logging"
	"github.com/example/cropscan/internal/repository"
)

var (
	// ErrResultNotFound is returned for unknown, expired or foreign result ids.
	ErrResultNotFound = errors.New("result not found")
	// ErrMetricsUnavailable is returned when no audit repository is configured.
	ErrMetricsUnavailable = errors.New("metrics unavailable: no database configured")
)

// AnalysisRepository defines the persistence operations needed by the use case.
type AnalysisRepository interface {
	SaveLog(ctx context.Context, log *repository.AnalysisLog) error
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
	FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisLog, error)
}

// PublishMeta describes the upload that produced a result.
type PublishMeta struct {
	Source  string
	Base64  string
	Elapsed time.Duration
}

// ResultUseCase hands finished results from a capture session to the result view and
// records an audit entry when a repository is configured.
type ResultUseCase struct {
	repo           AnalysisRepository
	cache          Cache
	ttl            time.Duration
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedResult struct {
	ID        string                 `json:"id"`
	Subject   string                 `json:"subject"`
	CreatedAt time.Time              `json:"created_at"`
	Result    *analysis.UploadResult `json:"result"`
}

// NewResultUseCase constructs a new use case instance. repo may be nil.
func NewResultUseCase(repo AnalysisRepository, cache Cache, ttl time.Duration, logger *zap.Logger) *ResultUseCase {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ResultUseCase{
		repo:           repo,
		cache:          cache,
		ttl:            ttl,
		logger:         logger.Named("result_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func resultKey(id string) string {
	return fmt.Sprintf("result:%s", id)
}

// Publish stores result under a new id and returns the id.
func (uc *ResultUseCase) Publish(ctx context.Context, subject string, result *analysis.UploadResult, meta PublishMeta) (string, error) {
	id := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.publish_result", id)

	serialized, err := json.Marshal(cachedResult{
		ID:        id,
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
		Result:    result,
	})
	if err != nil {
		opLogger.Error("failed to serialize result", zap.Error(err))
		return "", logging.NewOperationError("usecase.publish_result", id, err)
	}

	if err := uc.withRedisRetry(ctx, id, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(id), string(serialized), uc.ttl)
	}); err != nil {
		opLogger.Error("failed to store result", zap.Error(err))
		return "", err
	}

	if uc.repo != nil {
		uc.audit(ctx, id, subject, result, meta, opLogger)
	}
	return id, nil
}

func (uc *ResultUseCase) audit(ctx context.Context, id, subject string, result *analysis.UploadResult, meta PublishMeta, opLogger *zap.Logger) {
	hash := sha1.Sum([]byte(meta.Base64))
	elapsed := result.Classification.Extra.ElapsedMs
	if elapsed == 0 && meta.Elapsed > 0 {
		elapsed = float64(meta.Elapsed) / float64(time.Millisecond)
	}
	log := &repository.AnalysisLog{
		RequestID:  id,
		Subject:    subject,
		Prediction: result.Classification.Prediction,
		Score:      result.Classification.Score,
		Success:    result.Success,
		Source:     meta.Source,
		ElapsedMs:  elapsed,
		ImageBytes: int64(imageutil.Base64ByteLength(meta.Base64)),
		SHA1Hash:   hex.EncodeToString(hash[:]),
		CreatedAt:  time.Now().UTC(),
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		opLogger.Warn("failed to persist analysis log", zap.Error(logging.NewOperationError("usecase.save_log", id, err)))
	}
}

// GetResult returns the result stored under id for subject.
func (uc *ResultUseCase) GetResult(ctx context.Context, subject, id string) (*analysis.UploadResult, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", id)

	var raw string
	err := uc.withRedisRetry(ctx, id, "cache.get.result", func() error {
		value, err := uc.cache.Get(ctx, resultKey(id))
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if errors.Is(err, ErrCacheMiss) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}

	var payload cachedResult
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		opLogger.Warn("failed to decode cached result", zap.Error(err))
		return nil, logging.NewOperationError("usecase.get_result", id, err)
	}
	if payload.Subject != subject || payload.Result == nil {
		return nil, ErrResultNotFound
	}
	return payload.Result, nil
}

func (uc *ResultUseCase) withRedisRetry(ctx context.Context, id, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		if err := fn(); err != nil {
			return logging.NewOperationError(operation, id, err)
		}
		return nil
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, id)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, id, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("cache operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, ErrCacheMiss) {
				opLogger.Error("cache operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, id, err)
		}

		opLogger.Warn("transient cache error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, id, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
