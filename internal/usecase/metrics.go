package usecase

import (
	"context"
	"errors"
)

// ErrSummaryUnavailable is returned when no processing log store is configured.
var ErrSummaryUnavailable = errors.New("processing log store not configured")

// MetricsSummary represents aggregated processing insights.
type MetricsSummary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	SuccessRate        float64 `json:"success_rate"`
	CacheHits          int64   `json:"cache_hits"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates processing metrics from persisted logs.
func (uc *DeblurUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.logs == nil {
		return nil, ErrSummaryUnavailable
	}
	aggregation, err := uc.logs.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:      aggregation.TotalCount,
		SuccessfulRequests: aggregation.SuccessCount,
		CacheHits:          aggregation.CacheHitCount,
		AverageLatencyMs:   aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
