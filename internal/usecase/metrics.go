package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/example/cropscan/internal/repository"
)

// MetricsSummary represents aggregated analysis insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	AverageScore       float64 `json:"average_score"`
	AverageElapsedMs   float64 `json:"average_elapsed_ms"`
}

// GetMetricsSummary aggregates analysis metrics from persisted logs.
func (uc *ResultUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrMetricsUnavailable
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		AverageScore:       aggregation.AverageScore,
		AverageElapsedMs:   aggregation.AverageElapsed,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}

// AuditRecord is the persisted trace of one handed-off result.
type AuditRecord struct {
	ResultID   string    `json:"result_id"`
	Prediction string    `json:"prediction"`
	Score      float64   `json:"score"`
	Success    bool      `json:"success"`
	Source     string    `json:"source"`
	ElapsedMs  float64   `json:"elapsed_ms"`
	ImageBytes int64     `json:"image_bytes"`
	SHA1Hash   string    `json:"sha1"`
	CreatedAt  time.Time `json:"created_at"`
}

// GetAuditRecord returns the audit entry written when id was published. Entries owned by
// another subject are reported as not found.
func (uc *ResultUseCase) GetAuditRecord(ctx context.Context, subject, id string) (*AuditRecord, error) {
	if uc.repo == nil {
		return nil, ErrMetricsUnavailable
	}
	log, err := uc.repo.FindByRequestID(ctx, id)
	if errors.Is(err, repository.ErrLogNotFound) {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, err
	}
	if log.Subject != subject {
		return nil, ErrResultNotFound
	}
	return &AuditRecord{
		ResultID:   log.RequestID,
		Prediction: log.Prediction,
		Score:      log.Score,
		Success:    log.Success,
		Source:     log.Source,
		ElapsedMs:  log.ElapsedMs,
		ImageBytes: log.ImageBytes,
		SHA1Hash:   log.SHA1Hash,
		CreatedAt:  log.CreatedAt,
	}, nil
}
