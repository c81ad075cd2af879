package artifact

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "scratch"), ".jpg", zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return m
}

func assertAbsent(t *testing.T, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be absent, stat err=%v", p, err)
		}
	}
}

func TestNewManagerCreatesScratchDir(t *testing.T) {
	m := newTestManager(t)

	info, err := os.Stat(m.Dir())
	if err != nil {
		t.Fatalf("expected scratch dir to exist: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("expected %s to be a directory", m.Dir())
	}
}

func TestAllocateNamesPairWithoutCreatingFiles(t *testing.T) {
	m := newTestManager(t)

	pair, err := m.Allocate(".png")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if len(pair.Token) != 32 {
		t.Fatalf("expected 128-bit hex token, got %q", pair.Token)
	}
	if filepath.Dir(pair.InputPath) != m.Dir() || filepath.Dir(pair.OutputPath) != m.Dir() {
		t.Fatalf("expected paths inside %s, got %+v", m.Dir(), pair)
	}
	if base := filepath.Base(pair.InputPath); base != "input-"+pair.Token+".png" {
		t.Fatalf("unexpected input name %s", base)
	}
	if base := filepath.Base(pair.OutputPath); base != "output-"+pair.Token+".jpg" {
		t.Fatalf("unexpected output name %s", base)
	}
	assertAbsent(t, pair.InputPath, pair.OutputPath)
}

func TestPersistInputWritesBytesOnce(t *testing.T) {
	m := newTestManager(t)
	pair, _ := m.Allocate(".png")

	if err := m.PersistInput("req", pair.InputPath, []byte("pixels")); err != nil {
		t.Fatalf("persist: %v", err)
	}
	got, err := os.ReadFile(pair.InputPath)
	if err != nil || string(got) != "pixels" {
		t.Fatalf("unexpected file contents %q err=%v", got, err)
	}
	if err := m.PersistInput("req", pair.InputPath, []byte("again")); !errors.Is(err, ErrIO) {
		t.Fatalf("expected second persist to fail with ErrIO, got %v", err)
	}
}

func TestPersistInputFailsWhenScratchDirGone(t *testing.T) {
	m := newTestManager(t)
	pair, _ := m.Allocate(".png")
	if err := os.RemoveAll(m.Dir()); err != nil {
		t.Fatalf("remove scratch dir: %v", err)
	}

	err := m.PersistInput("req", pair.InputPath, []byte("pixels"))
	if !errors.Is(err, ErrIO) {
		t.Fatalf("expected ErrIO, got %v", err)
	}
	if errors.Is(err, ErrOutputMissing) {
		t.Fatal("persist failure must not look like a missing output")
	}
}

func TestReadOutputDistinguishesMissingFile(t *testing.T) {
	m := newTestManager(t)
	pair, _ := m.Allocate(".png")

	if _, err := m.ReadOutput("req", pair.OutputPath); !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("expected ErrOutputMissing, got %v", err)
	}

	if err := os.WriteFile(pair.OutputPath, nil, 0o600); err != nil {
		t.Fatalf("write empty output: %v", err)
	}
	if _, err := m.ReadOutput("req", pair.OutputPath); !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("expected ErrOutputMissing for empty file, got %v", err)
	}

	if err := os.WriteFile(pair.OutputPath, []byte("sharp"), 0o600); err != nil {
		t.Fatalf("write output: %v", err)
	}
	data, err := m.ReadOutput("req", pair.OutputPath)
	if err != nil || string(data) != "sharp" {
		t.Fatalf("unexpected output %q err=%v", data, err)
	}
}

func TestReleaseRemovesBothPathsAndIsIdempotent(t *testing.T) {
	var failures int
	m := newTestManager(t, WithCleanupObserver(func(string, error) { failures++ }))
	pair, _ := m.Allocate(".png")
	if err := m.PersistInput("req", pair.InputPath, []byte("in")); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := os.WriteFile(pair.OutputPath, []byte("out"), 0o600); err != nil {
		t.Fatalf("write output: %v", err)
	}

	m.Release("req", pair)
	assertAbsent(t, pair.InputPath, pair.OutputPath)

	m.Release("req", pair)
	m.Release("req", Pair{})
	if failures != 0 {
		t.Fatalf("expected no cleanup failures, got %d", failures)
	}
}

func TestReleaseNeverCreatedPaths(t *testing.T) {
	var failures int
	m := newTestManager(t, WithCleanupObserver(func(string, error) { failures++ }))
	pair, _ := m.Allocate(".png")

	m.Release("req", pair)
	if failures != 0 {
		t.Fatalf("expected no cleanup failures, got %d", failures)
	}
}

func TestReleaseSwallowsDeletionFailures(t *testing.T) {
	var failed []string
	m := newTestManager(t, WithCleanupObserver(func(path string, err error) { failed = append(failed, path) }))
	pair, _ := m.Allocate(".png")

	// A non-empty directory squatting on the output path cannot be removed.
	if err := os.MkdirAll(filepath.Join(pair.OutputPath, "child"), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := m.PersistInput("req", pair.InputPath, []byte("in")); err != nil {
		t.Fatalf("persist: %v", err)
	}

	m.Release("req", pair)

	assertAbsent(t, pair.InputPath)
	if len(failed) != 1 || failed[0] != pair.OutputPath {
		t.Fatalf("expected one failure for output path, got %v", failed)
	}
}

func TestReleaseRefusesPathsOutsideScratchDir(t *testing.T) {
	var failures int
	m := newTestManager(t, WithCleanupObserver(func(string, error) { failures++ }))
	outside := filepath.Join(t.TempDir(), "keep.jpg")
	if err := os.WriteFile(outside, []byte("keep"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	m.Release("req", Pair{InputPath: outside})

	if _, err := os.Stat(outside); err != nil {
		t.Fatalf("expected file outside scratch dir to survive: %v", err)
	}
	if failures != 1 {
		t.Fatalf("expected one reported failure, got %d", failures)
	}
}

func TestConcurrentAllocationNeverCollides(t *testing.T) {
	m := newTestManager(t)
	const workers, perWorker = 32, 64

	var mu sync.Mutex
	seen := make(map[string]struct{}, workers*perWorker*2)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				pair, err := m.Allocate(".png")
				if err != nil {
					return err
				}
				if err := m.PersistInput("req", pair.InputPath, []byte("x")); err != nil {
					return err
				}
				mu.Lock()
				for _, p := range []string{pair.InputPath, pair.OutputPath} {
					if _, dup := seen[p]; dup {
						mu.Unlock()
						t.Errorf("duplicate path %s", p)
						return nil
					}
					seen[p] = struct{}{}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("allocation failed: %v", err)
	}

	entries, err := os.ReadDir(m.Dir())
	if err != nil {
		t.Fatalf("read scratch dir: %v", err)
	}
	if len(entries) != workers*perWorker {
		t.Fatalf("expected %d input files, got %d", workers*perWorker, len(entries))
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "input-") {
			t.Fatalf("unexpected file %s", e.Name())
		}
	}
}
