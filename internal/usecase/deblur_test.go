package usecase

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/deblur/internal/artifact"
	"github.com/example/deblur/internal/inference"
	"github.com/example/deblur/internal/metrics"
	"github.com/example/deblur/internal/repository"
)

type countingArtifacts struct {
	*artifact.Manager

	mu        sync.Mutex
	allocated []artifact.Pair
	releases  map[string]int
}

func newCountingArtifacts(t *testing.T) *countingArtifacts {
	t.Helper()
	m, err := artifact.NewManager(filepath.Join(t.TempDir(), "scratch"), ".jpg", zap.NewNop())
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return &countingArtifacts{Manager: m, releases: map[string]int{}}
}

func (c *countingArtifacts) Allocate(ext string) (artifact.Pair, error) {
	pair, err := c.Manager.Allocate(ext)
	c.mu.Lock()
	c.allocated = append(c.allocated, pair)
	c.mu.Unlock()
	return pair, err
}

func (c *countingArtifacts) Release(requestID string, pair artifact.Pair) {
	c.mu.Lock()
	c.releases[pair.Token]++
	c.mu.Unlock()
	c.Manager.Release(requestID, pair)
}

func (c *countingArtifacts) assertAllReleasedOnce(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, pair := range c.allocated {
		if n := c.releases[pair.Token]; n != 1 {
			t.Fatalf("expected pair %s to be released once, got %d", pair.Token, n)
		}
	}
	entries, err := os.ReadDir(c.Dir())
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty scratch dir, found %d entries", len(entries))
	}
}

type stubRunner struct {
	calls int
	fn    func(ctx context.Context, in, out string) (inference.Outcome, error)
}

func (s *stubRunner) Run(ctx context.Context, requestID, in, out string) (inference.Outcome, error) {
	s.calls++
	return s.fn(ctx, in, out)
}

type stubCache struct {
	mu      sync.Mutex
	values  map[string]string
	getErr  error
	setKeys []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKeys = append(s.setKeys, key)
	if s.values == nil {
		s.values = map[string]string{}
	}
	switch v := value.(type) {
	case []byte:
		s.values[key] = string(v)
	case string:
		s.values[key] = v
	}
	return nil
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", s.getErr
	}
	v, ok := s.values[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return v, nil
}

type stubLogStore struct {
	mu          sync.Mutex
	saved       []*repository.ProcessingLog
	aggregation *repository.MetricsAggregation
}

func (s *stubLogStore) SaveLog(ctx context.Context, log *repository.ProcessingLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, log)
	return nil
}

func (s *stubLogStore) FindByRequestID(ctx context.Context, requestID string) (*repository.ProcessingLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.saved {
		if l.RequestID == requestID {
			return l, nil
		}
	}
	return nil, errors.New("not found")
}

func (s *stubLogStore) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	return s.aggregation, nil
}

func writeOutput(out string) error {
	return os.WriteFile(out, []byte("sharp"), 0o600)
}

func defaultOptions() Options {
	return Options{MaxConcurrent: 2, AdmissionWait: time.Second, CacheTTL: time.Minute}
}

func TestDeblurReleasesArtifactsForEveryOutcome(t *testing.T) {
	cases := []struct {
		name    string
		fn      func(ctx context.Context, in, out string) (inference.Outcome, error)
		want    inference.Kind
		wantErr bool
	}{
		{
			name: "success",
			fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
				if err := writeOutput(out); err != nil {
					return inference.Outcome{}, err
				}
				return inference.Success([]byte("sharp")), nil
			},
			want: inference.KindSuccess,
		},
		{
			name: "process failed with output left behind",
			fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
				_ = writeOutput(out)
				return inference.ProcessFailed(1), nil
			},
			want: inference.KindProcessFailed,
		},
		{
			name: "unstartable",
			fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
				return inference.ProcessUnstartable(errors.New("exec: not found")), nil
			},
			want: inference.KindProcessUnstartable,
		},
		{
			name: "output missing",
			fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
				return inference.OutputMissing(), nil
			},
			want: inference.KindOutputMissing,
		},
		{
			name: "timeout after partial output",
			fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
				_ = os.WriteFile(out, []byte("half"), 0o600)
				return inference.Timeout(errors.New("deadline")), nil
			},
			want: inference.KindTimeout,
		},
		{
			name: "killed on cancel",
			fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
				return inference.Canceled(context.Canceled), nil
			},
			want: inference.KindCanceled,
		},
		{
			name: "output read error",
			fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
				_ = writeOutput(out)
				return inference.Outcome{}, artifact.ErrIO
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			arts := newCountingArtifacts(t)
			runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
				if _, err := os.Stat(in); err != nil {
					t.Errorf("expected input to be persisted before run: %v", err)
				}
				return tc.fn(ctx, in, out)
			}}
			uc := NewDeblurUseCase(arts, runner, nil, nil, nil, zap.NewNop(), defaultOptions())

			result, err := uc.Deblur(context.Background(), Request{Data: []byte("blurry"), MediaType: "image/png"})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
			} else {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if result.Outcome.Kind != tc.want {
					t.Fatalf("expected %s, got %s", tc.want, result.Outcome.Kind)
				}
			}
			if runner.calls != 1 {
				t.Fatalf("expected one run, got %d", runner.calls)
			}
			arts.assertAllReleasedOnce(t)
		})
	}
}

func TestDeblurReleasesArtifactsWhenRunnerPanics(t *testing.T) {
	arts := newCountingArtifacts(t)
	runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
		_ = writeOutput(out)
		panic("model wrapper bug")
	}}
	uc := NewDeblurUseCase(arts, runner, nil, nil, nil, zap.NewNop(), defaultOptions())

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_, _ = uc.Deblur(context.Background(), Request{Data: []byte("blurry"), MediaType: "image/png"})
	}()

	arts.assertAllReleasedOnce(t)

	// The slot must have been returned as well.
	runner.fn = func(ctx context.Context, in, out string) (inference.Outcome, error) {
		return inference.OutputMissing(), nil
	}
	for i := 0; i < 3; i++ {
		if _, err := uc.Deblur(context.Background(), Request{Data: []byte("blurry")}); err != nil {
			t.Fatalf("expected admission after panic, got %v", err)
		}
	}
}

func TestDeblurPersistFailureStillReleases(t *testing.T) {
	arts := newCountingArtifacts(t)
	if err := os.RemoveAll(arts.Dir()); err != nil {
		t.Fatalf("remove scratch: %v", err)
	}
	runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
		t.Error("runner must not be called when persisting fails")
		return inference.Outcome{}, nil
	}}
	uc := NewDeblurUseCase(arts, runner, nil, nil, nil, zap.NewNop(), defaultOptions())

	_, err := uc.Deblur(context.Background(), Request{Data: []byte("blurry"), MediaType: "image/jpeg"})
	if !errors.Is(err, artifact.ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if len(arts.allocated) != 1 || arts.releases[arts.allocated[0].Token] != 1 {
		t.Fatalf("expected single release, got %v", arts.releases)
	}
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestDeblurRejectsBlankContentWhenValidationEnabled(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 10, 10))
	for i := range img.Pix {
		img.Pix[i] = 128
	}
	arts := newCountingArtifacts(t)
	runner := &stubRunner{}
	m := metrics.New()
	opts := defaultOptions()
	opts.ValidateContent = true
	uc := NewDeblurUseCase(arts, runner, nil, nil, m, zap.NewNop(), opts)

	_, err := uc.Deblur(context.Background(), Request{Data: encodePNG(t, img), MediaType: "image/png"})

	var rejected *ContentRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected ContentRejectedError, got %v", err)
	}
	if rejected.Verdict.Reason != "low standard deviation" {
		t.Fatalf("unexpected reason %q", rejected.Verdict.Reason)
	}
	if len(arts.allocated) != 0 || runner.calls != 0 {
		t.Fatal("rejected content must not reach allocation")
	}
}

func TestDeblurAcceptsRealContentWhenValidationEnabled(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 256, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 256; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(x), B: uint8(x), A: 255})
		}
	}
	arts := newCountingArtifacts(t)
	runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
		return inference.Success([]byte("sharp")), nil
	}}
	opts := defaultOptions()
	opts.ValidateContent = true
	uc := NewDeblurUseCase(arts, runner, nil, nil, nil, zap.NewNop(), opts)

	result, err := uc.Deblur(context.Background(), Request{Data: encodePNG(t, img), MediaType: "image/png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Outcome.OK() {
		t.Fatalf("expected success, got %s", result.Outcome)
	}
	arts.assertAllReleasedOnce(t)
}

func TestDeblurServesCachedResultWithoutSpawning(t *testing.T) {
	arts := newCountingArtifacts(t)
	runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
		return inference.Success([]byte("sharp")), nil
	}}
	cache := &stubCache{}
	uc := NewDeblurUseCase(arts, runner, cache, nil, nil, zap.NewNop(), defaultOptions())
	req := Request{Data: []byte("same bytes"), MediaType: "image/png"}

	first, err := uc.Deblur(context.Background(), req)
	if err != nil || first.CacheHit {
		t.Fatalf("expected uncached first run, got %+v err=%v", first, err)
	}
	second, err := uc.Deblur(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !second.CacheHit || string(second.Outcome.Output) != "sharp" {
		t.Fatalf("expected cache hit with output, got %+v", second)
	}
	if runner.calls != 1 || len(arts.allocated) != 1 {
		t.Fatalf("expected a single run and allocation, got runs=%d allocations=%d", runner.calls, len(arts.allocated))
	}
	if first.RequestID == second.RequestID {
		t.Fatal("expected distinct request ids")
	}
}

func TestDeblurIgnoresCacheFailures(t *testing.T) {
	arts := newCountingArtifacts(t)
	runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
		return inference.Success([]byte("sharp")), nil
	}}
	cache := &stubCache{getErr: errors.New("connection refused")}
	uc := NewDeblurUseCase(arts, runner, cache, nil, nil, zap.NewNop(), defaultOptions())

	result, err := uc.Deblur(context.Background(), Request{Data: []byte("x")})
	if err != nil || !result.Outcome.OK() {
		t.Fatalf("expected success despite cache failure, got %+v err=%v", result, err)
	}
}

func TestDeblurAdmissionLimit(t *testing.T) {
	arts := newCountingArtifacts(t)
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
		close(started)
		<-release
		return inference.OutputMissing(), nil
	}}
	uc := NewDeblurUseCase(arts, runner, nil, nil, nil, zap.NewNop(), Options{MaxConcurrent: 1, AdmissionWait: 50 * time.Millisecond})

	done := make(chan error, 1)
	go func() {
		_, err := uc.Deblur(context.Background(), Request{Data: []byte("first")})
		done <- err
	}()
	<-started

	_, err := uc.Deblur(context.Background(), Request{Data: []byte("second")})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if len(arts.allocated) != 1 {
		t.Fatalf("a request waiting for admission must not allocate, got %d allocations", len(arts.allocated))
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first request failed: %v", err)
	}
	arts.assertAllReleasedOnce(t)
}

func TestDeblurCanceledWhileQueued(t *testing.T) {
	arts := newCountingArtifacts(t)
	started := make(chan struct{})
	release := make(chan struct{})
	runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
		close(started)
		<-release
		return inference.OutputMissing(), nil
	}}
	uc := NewDeblurUseCase(arts, runner, nil, nil, nil, zap.NewNop(), Options{MaxConcurrent: 1, AdmissionWait: time.Minute})
	go func() { _, _ = uc.Deblur(context.Background(), Request{Data: []byte("first")}) }()
	<-started
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := uc.Deblur(ctx, Request{Data: []byte("second")})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDeblurRecordsProcessingLog(t *testing.T) {
	arts := newCountingArtifacts(t)
	runner := &stubRunner{fn: func(ctx context.Context, in, out string) (inference.Outcome, error) {
		return inference.ProcessFailed(2), nil
	}}
	logs := &stubLogStore{}
	uc := NewDeblurUseCase(arts, runner, nil, logs, metrics.New(), zap.NewNop(), defaultOptions())

	result, err := uc.Deblur(context.Background(), Request{Data: []byte("blurry"), MediaType: "image/jpeg"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs.saved) != 1 {
		t.Fatalf("expected one processing log, got %d", len(logs.saved))
	}
	entry := logs.saved[0]
	if entry.RequestID != result.RequestID || entry.Outcome != "process_failed" {
		t.Fatalf("unexpected log entry %+v", entry)
	}
	if entry.ExitCode == nil || *entry.ExitCode != 2 {
		t.Fatalf("expected exit code 2 in log, got %v", entry.ExitCode)
	}

	stored, err := uc.GetProcessingLog(context.Background(), result.RequestID)
	if err != nil || stored != entry {
		t.Fatalf("expected stored log, got %+v err=%v", stored, err)
	}
}

func TestGetMetricsSummary(t *testing.T) {
	logs := &stubLogStore{aggregation: &repository.MetricsAggregation{TotalCount: 4, SuccessCount: 3, CacheHitCount: 1, AverageLatencyMs: 250}}
	uc := NewDeblurUseCase(nil, nil, nil, logs, nil, zap.NewNop(), defaultOptions())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.SuccessRate != 0.75 || summary.CacheHits != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	noLogs := NewDeblurUseCase(nil, nil, nil, nil, nil, zap.NewNop(), defaultOptions())
	if _, err := noLogs.GetMetricsSummary(context.Background()); !errors.Is(err, ErrSummaryUnavailable) {
		t.Fatalf("expected ErrSummaryUnavailable, got %v", err)
	}
}
