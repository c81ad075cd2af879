package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/example/deblur/internal/artifact"
	"github.com/example/deblur/internal/content"
	"github.com/example/deblur/internal/inference"
	"github.com/example/deblur/internal/logging"
	"github.com/example/deblur/internal/metrics"
	"github.com/example/deblur/internal/repository"
	"github.com/example/deblur/internal/retry"
)

var (
	// ErrBusy is returned when no inference slot frees up within the
	// admission wait.
	ErrBusy = errors.New("too many images are being processed")

	// ErrContentRejected wraps a negative content verdict.
	ErrContentRejected = errors.New("image lacks meaningful content")
)

// ContentRejectedError carries the verdict behind ErrContentRejected.
type ContentRejectedError struct {
	Verdict content.Verdict
}

func (e *ContentRejectedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrContentRejected, e.Verdict.Reason)
}

func (e *ContentRejectedError) Unwrap() error {
	return ErrContentRejected
}

// Artifacts is the scratch storage used for one request.
type Artifacts interface {
	Allocate(inputExt string) (artifact.Pair, error)
	PersistInput(requestID, path string, data []byte) error
	Release(requestID string, pair artifact.Pair)
}

// Runner executes the external model once.
type Runner interface {
	Run(ctx context.Context, requestID, inputPath, outputPath string) (inference.Outcome, error)
}

// ProcessingLogStore persists per-request processing logs.
type ProcessingLogStore interface {
	SaveLog(ctx context.Context, log *repository.ProcessingLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.ProcessingLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Options tune the pipeline.
type Options struct {
	MaxConcurrent   int64
	AdmissionWait   time.Duration
	CacheTTL        time.Duration
	ValidateContent bool
}

// Request is one uploaded image.
type Request struct {
	Data      []byte
	MediaType string
}

// Result is the outcome of a request that reached the pipeline.
type Result struct {
	RequestID string
	Outcome   inference.Outcome
	CacheHit  bool
}

// DeblurUseCase runs uploaded images through the external model.
type DeblurUseCase struct {
	artifacts   Artifacts
	runner      Runner
	cache       Cache
	logs        ProcessingLogStore
	metrics     *metrics.Metrics
	logger      *zap.Logger
	opts        Options
	admission   *semaphore.Weighted
	retryPolicy retry.Policy
}

// NewDeblurUseCase constructs a new use case instance. cache and logs may be nil.
func NewDeblurUseCase(artifacts Artifacts, runner Runner, cache Cache, logs ProcessingLogStore, m *metrics.Metrics, logger *zap.Logger, opts Options) *DeblurUseCase {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	return &DeblurUseCase{
		artifacts:   artifacts,
		runner:      runner,
		cache:       cache,
		logs:        logs,
		metrics:     m,
		logger:      logger.Named("deblur_usecase"),
		opts:        opts,
		admission:   semaphore.NewWeighted(opts.MaxConcurrent),
		retryPolicy: retry.DefaultPolicy,
	}
}

// CheckContent runs the content validator on encoded image bytes.
func (uc *DeblurUseCase) CheckContent(data []byte) (content.Verdict, error) {
	verdict, err := content.ValidateBytes(data)
	if err != nil {
		return content.Verdict{}, err
	}
	uc.metrics.ObserveVerdict(string(verdict.Reason))
	return verdict, nil
}

// Deblur sends req through the model. A non-nil error means the request
// never produced an Outcome: rejected content, admission timeout, caller
// cancellation while queued, or a scratch directory failure.
func (uc *DeblurUseCase) Deblur(ctx context.Context, req Request) (*Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.deblur", requestID)
	start := time.Now()

	if uc.opts.ValidateContent {
		verdict, err := uc.CheckContent(req.Data)
		if err != nil {
			uc.finish(ctx, requestID, req, start, nil, false, err)
			return nil, logging.NewOperationError("usecase.check_content", requestID, err)
		}
		if !verdict.Accepted {
			rejected := &ContentRejectedError{Verdict: verdict}
			opLogger.Info("image rejected by content validator",
				zap.String("reason", string(verdict.Reason)),
				zap.Float64("avg_entropy", verdict.Stats.AvgEntropy),
				zap.Float64("std_dev", verdict.Stats.StdDev),
				zap.Float64("uniform_ratio", verdict.Stats.UniformRatio))
			uc.finish(ctx, requestID, req, start, nil, false, rejected)
			return nil, rejected
		}
	}

	digest := sha256.Sum256(req.Data)
	digestHex := hex.EncodeToString(digest[:])
	if output, ok := uc.cachedResult(ctx, requestID, digestHex); ok {
		outcome := inference.Success(output)
		uc.finish(ctx, requestID, req, start, &outcome, true, nil)
		opLogger.Info("served cached result", zap.Int("output_bytes", len(output)))
		return &Result{RequestID: requestID, Outcome: outcome, CacheHit: true}, nil
	}

	outcome, err := uc.admitAndRun(ctx, requestID, req)
	if err != nil {
		uc.finish(ctx, requestID, req, start, nil, false, err)
		return nil, err
	}

	if outcome.OK() {
		uc.storeResult(ctx, requestID, digestHex, outcome.Output)
	}
	uc.finish(ctx, requestID, req, start, &outcome, false, nil)
	return &Result{RequestID: requestID, Outcome: outcome}, nil
}

func (uc *DeblurUseCase) admitAndRun(ctx context.Context, requestID string, req Request) (inference.Outcome, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.admit", requestID)

	admitCtx := ctx
	if uc.opts.AdmissionWait > 0 {
		var cancel context.CancelFunc
		admitCtx, cancel = context.WithTimeout(ctx, uc.opts.AdmissionWait)
		defer cancel()
	}
	if err := uc.admission.Acquire(admitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return inference.Outcome{}, logging.NewOperationError("usecase.admit", requestID, ctx.Err())
		}
		opLogger.Warn("no inference slot available", zap.Duration("waited", uc.opts.AdmissionWait))
		return inference.Outcome{}, logging.NewOperationError("usecase.admit", requestID, ErrBusy)
	}
	defer uc.admission.Release(1)

	return uc.runWithArtifacts(ctx, requestID, req)
}

// runWithArtifacts owns the artifact pair: once Allocate succeeds, Release
// runs exactly once on every path out of this function, panics included.
func (uc *DeblurUseCase) runWithArtifacts(ctx context.Context, requestID string, req Request) (inference.Outcome, error) {
	pair, err := uc.artifacts.Allocate(content.Extension(req.MediaType))
	if err != nil {
		return inference.Outcome{}, logging.NewOperationError("usecase.allocate", requestID, err)
	}
	defer uc.artifacts.Release(requestID, pair)

	if err := uc.artifacts.PersistInput(requestID, pair.InputPath, req.Data); err != nil {
		return inference.Outcome{}, err
	}

	defer uc.metrics.TrackInflight()()
	outcome, err := uc.runner.Run(ctx, requestID, pair.InputPath, pair.OutputPath)
	if err != nil {
		return inference.Outcome{}, err
	}
	uc.metrics.ObserveInference(string(outcome.Kind), outcome.Duration)
	return outcome, nil
}

func (uc *DeblurUseCase) cachedResult(ctx context.Context, requestID, digest string) ([]byte, bool) {
	if uc.cache == nil {
		return nil, false
	}
	var value string
	err := retry.Do(ctx, uc.logger, uc.retryPolicy, "cache.get.result", requestID, func() error {
		v, err := uc.cache.Get(ctx, resultCacheKey(digest))
		if errors.Is(err, ErrCacheMiss) {
			return nil
		}
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.get.result", requestID).Warn("failed to read result cache", zap.Error(err))
		return nil, false
	}
	if value == "" {
		return nil, false
	}
	return []byte(value), true
}

func (uc *DeblurUseCase) storeResult(ctx context.Context, requestID, digest string, output []byte) {
	if uc.cache == nil || uc.opts.CacheTTL <= 0 {
		return
	}
	err := retry.Do(ctx, uc.logger, uc.retryPolicy, "cache.set.result", requestID, func() error {
		return uc.cache.Set(ctx, resultCacheKey(digest), output, uc.opts.CacheTTL)
	})
	if err != nil {
		logging.WithOperation(uc.logger, "cache.set.result", requestID).Warn("failed to cache result", zap.Error(err))
	}
}

// finish records metrics and the processing log. Neither may change what
// the caller is told.
func (uc *DeblurUseCase) finish(ctx context.Context, requestID string, req Request, start time.Time, outcome *inference.Outcome, cacheHit bool, failure error) {
	label := outcomeLabel(outcome, failure)
	uc.metrics.ObserveRequest(label)

	if uc.logs == nil {
		return
	}
	entry := &repository.ProcessingLog{
		RequestID:  requestID,
		Outcome:    label,
		MediaType:  req.MediaType,
		InputBytes: int64(len(req.Data)),
		CacheHit:   cacheHit,
		LatencyMs:  time.Since(start).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if outcome != nil {
		entry.OutputBytes = int64(len(outcome.Output))
		switch outcome.Kind {
		case inference.KindProcessFailed:
			code := outcome.ExitCode
			entry.ExitCode = &code
		case inference.KindProcessUnstartable, inference.KindTimeout, inference.KindCanceled:
			entry.Details = outcome.Cause.Error()
		}
	}
	if failure != nil {
		entry.Details = failure.Error()
	}

	// The request context may already be gone; the log is still worth keeping.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := uc.logs.SaveLog(saveCtx, entry); err != nil {
		logging.WithOperation(uc.logger, "usecase.save_log", requestID).Warn("failed to persist processing log", zap.Error(err))
	}
}

func outcomeLabel(outcome *inference.Outcome, failure error) string {
	switch {
	case outcome != nil:
		return string(outcome.Kind)
	case errors.Is(failure, ErrContentRejected):
		return "content_rejected"
	case errors.Is(failure, ErrBusy):
		return "busy"
	case errors.Is(failure, context.Canceled), errors.Is(failure, context.DeadlineExceeded):
		return string(inference.KindCanceled)
	case errors.Is(failure, content.ErrUndecodable), errors.Is(failure, content.ErrEmptyImage):
		return "invalid_image"
	default:
		return "io_error"
	}
}

// GetProcessingLog returns the stored log for requestID.
func (uc *DeblurUseCase) GetProcessingLog(ctx context.Context, requestID string) (*repository.ProcessingLog, error) {
	if uc.logs == nil {
		return nil, ErrSummaryUnavailable
	}
	return uc.logs.FindByRequestID(ctx, requestID)
}
