package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/deblur/internal/retry"
)

// ProcessingLog is one finished deblur request. Exit codes and launch
// causes are kept here even though callers never see them.
type ProcessingLog struct {
	ID          uint      `gorm:"primaryKey"`
	RequestID   string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Outcome     string    `gorm:"column:outcome;size:32;index"`
	ExitCode    *int      `gorm:"column:exit_code"`
	Details     string    `gorm:"column:details;type:text"`
	MediaType   string    `gorm:"column:media_type;size:32"`
	InputBytes  int64     `gorm:"column:input_bytes"`
	OutputBytes int64     `gorm:"column:output_bytes"`
	CacheHit    bool      `gorm:"column:cache_hit"`
	LatencyMs   int64     `gorm:"column:latency_ms"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ProcessingLog) TableName() string {
	return "processing_logs"
}

// MetricsAggregation is the raw aggregate behind the metrics summary.
type MetricsAggregation struct {
	TotalCount       int64
	SuccessCount     int64
	CacheHitCount    int64
	AverageLatencyMs float64
}

// ProcessingRepository persists processing logs in Postgres.
type ProcessingRepository struct {
	db          *gorm.DB
	logger      *zap.Logger
	retryPolicy retry.Policy
}

// NewProcessingRepository creates a new repository instance.
func NewProcessingRepository(db *gorm.DB, logger *zap.Logger) *ProcessingRepository {
	return &ProcessingRepository{
		db:          db,
		logger:      logger.Named("processing_repository"),
		retryPolicy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *ProcessingRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&ProcessingLog{})
}

// SaveLog persists a processing log entry.
func (r *ProcessingRepository) SaveLog(ctx context.Context, log *ProcessingLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID loads the log for one request.
func (r *ProcessingRepository) FindByRequestID(ctx context.Context, requestID string) (*ProcessingLog, error) {
	var log ProcessingLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises all stored logs.
func (r *ProcessingRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		TotalCount       int64
		SuccessCount     int64
		CacheHitCount    int64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&ProcessingLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(CASE WHEN cache_hit THEN 1 ELSE 0 END), 0) AS cache_hit_count,
				COALESCE(AVG(latency_ms), 0) AS average_latency_ms`).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MetricsAggregation{
		TotalCount:       row.TotalCount,
		SuccessCount:     row.SuccessCount,
		CacheHitCount:    row.CacheHitCount,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}

func (r *ProcessingRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.retryPolicy, operation, requestID, fn)
}
