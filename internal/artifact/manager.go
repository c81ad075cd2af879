// Package artifact owns the scratch directory where each request's input
// and output images live while the external model runs.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/deblur/internal/logging"
)

var (
	// ErrOutputMissing means the model did not leave a usable file at the
	// output path. It is an expected outcome, not an I/O fault.
	ErrOutputMissing = errors.New("output file was not created by the model")

	// ErrIO marks scratch directory failures.
	ErrIO = errors.New("artifact i/o failure")
)

// Pair is the input/output path couple owned by exactly one request.
type Pair struct {
	Token      string
	InputPath  string
	OutputPath string
}

// Option customises a Manager.
type Option func(*Manager)

// WithCleanupObserver registers fn to be called for every path Release
// failed to delete.
func WithCleanupObserver(fn func(path string, err error)) Option {
	return func(m *Manager) {
		m.onCleanupFailure = fn
	}
}

// Manager allocates, persists, reads and releases per-request artifacts.
// It holds no per-request state; uniqueness comes from random tokens.
type Manager struct {
	dir              string
	outputExt        string
	logger           *zap.Logger
	onCleanupFailure func(path string, err error)
}

// NewManager prepares dir, creating it when missing.
func NewManager(dir, outputExt string, logger *zap.Logger, opts ...Option) (*Manager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	m := &Manager{
		dir:       abs,
		outputExt: outputExt,
		logger:    logger.Named("artifact_manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Dir returns the absolute scratch directory.
func (m *Manager) Dir() string {
	return m.dir
}

// Allocate returns a fresh pair of paths. No file is created.
func (m *Manager) Allocate(inputExt string) (Pair, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return Pair{}, fmt.Errorf("%w: generate token: %w", ErrIO, err)
	}
	token := strings.ReplaceAll(id.String(), "-", "")
	return Pair{
		Token:      token,
		InputPath:  filepath.Join(m.dir, "input-"+token+inputExt),
		OutputPath: filepath.Join(m.dir, "output-"+token+m.outputExt),
	}, nil
}

// PersistInput writes data to path. The file must not exist yet.
func (m *Manager) PersistInput(requestID, path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return logging.NewPathError("artifact.persist_input", requestID, path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return logging.NewPathError("artifact.persist_input", requestID, path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	if err := f.Close(); err != nil {
		return logging.NewPathError("artifact.persist_input", requestID, path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	return nil
}

// ReadOutput returns the bytes at path. A missing or empty file yields
// ErrOutputMissing.
func (m *Manager) ReadOutput(requestID, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, logging.NewPathError("artifact.read_output", requestID, path, ErrOutputMissing)
	}
	if err != nil {
		return nil, logging.NewPathError("artifact.read_output", requestID, path, fmt.Errorf("%w: %w", ErrIO, err))
	}
	if len(data) == 0 {
		return nil, logging.NewPathError("artifact.read_output", requestID, path, ErrOutputMissing)
	}
	return data, nil
}

// Release deletes both paths of pair. Failures are logged and reported to
// the cleanup observer, never returned. Calling it again is harmless.
func (m *Manager) Release(requestID string, pair Pair) {
	opLogger := logging.WithOperation(m.logger, "artifact.release", requestID)
	for _, path := range []string{pair.InputPath, pair.OutputPath} {
		if path == "" {
			continue
		}
		if !m.owns(path) {
			opLogger.Error("refusing to delete path outside scratch directory", zap.String("path", path))
			m.cleanupFailed(path, fmt.Errorf("path outside scratch directory"))
			continue
		}
		err := os.Remove(path)
		switch {
		case err == nil:
			opLogger.Debug("artifact removed", zap.String("path", path))
		case errors.Is(err, fs.ErrNotExist):
		default:
			opLogger.Warn("failed to remove artifact", zap.String("path", path), zap.Error(err))
			m.cleanupFailed(path, err)
		}
	}
}

func (m *Manager) owns(path string) bool {
	return filepath.Dir(filepath.Clean(path)) == m.dir
}

func (m *Manager) cleanupFailed(path string, err error) {
	if m.onCleanupFailure != nil {
		m.onCleanupFailure(path, err)
	}
}
