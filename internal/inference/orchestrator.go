// Package inference drives the external deblur executable for one request:
// start it, wait for it, and decide from its exit status and output file
// what happened.
package inference

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/example/deblur/internal/artifact"
	"github.com/example/deblur/internal/logging"
)

const (
	defaultStreamLimit = 64 * 1024
	defaultWaitDelay   = 5 * time.Second
)

// OutputReader loads the file the process was asked to write.
type OutputReader interface {
	ReadOutput(requestID, path string) ([]byte, error)
}

// Config describes how to invoke the executable. The process is run as
// `Executable Args... <input> <output>`.
type Config struct {
	Executable string
	Args       []string
	// Timeout bounds a single run; zero disables it.
	Timeout time.Duration
	// CaptureStderr logs a bounded copy of stderr on failure instead of
	// discarding it. Stderr never influences the outcome.
	CaptureStderr bool
	// StreamLimit caps how much stdout/stderr is kept for logging.
	StreamLimit int
	// WaitDelay bounds how long Wait blocks on output pipes after the
	// process has been killed.
	WaitDelay time.Duration
}

// Orchestrator runs the external process once per call. It keeps no state
// between calls and is safe for concurrent use.
type Orchestrator struct {
	cfg     Config
	outputs OutputReader
	logger  *zap.Logger
}

// NewOrchestrator builds an Orchestrator reading results through outputs.
func NewOrchestrator(cfg Config, outputs OutputReader, logger *zap.Logger) *Orchestrator {
	if cfg.StreamLimit <= 0 {
		cfg.StreamLimit = defaultStreamLimit
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = defaultWaitDelay
	}
	return &Orchestrator{
		cfg:     cfg,
		outputs: outputs,
		logger:  logger.Named("inference_orchestrator"),
	}
}

// CheckExecutable reports whether the configured executable can be resolved.
func (o *Orchestrator) CheckExecutable() error {
	path, err := exec.LookPath(o.cfg.Executable)
	if err != nil {
		return fmt.Errorf("inference executable %q not found: %w", o.cfg.Executable, err)
	}
	o.logger.Debug("inference executable found", zap.String("path", path))
	return nil
}

// Run invokes the executable on inputPath and classifies the result. The
// returned error is non-nil only when an existing output file could not be
// read; every process-level failure is expressed as an Outcome.
func (o *Orchestrator) Run(ctx context.Context, requestID, inputPath, outputPath string) (Outcome, error) {
	opLogger := logging.WithOperation(o.logger, "inference.run", requestID)

	runCtx := ctx
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	args := make([]string, 0, len(o.cfg.Args)+2)
	args = append(args, o.cfg.Args...)
	args = append(args, inputPath, outputPath)

	cmd := exec.CommandContext(runCtx, o.cfg.Executable, args...)
	cmd.WaitDelay = o.cfg.WaitDelay
	startInOwnGroup(cmd)
	stdout := &boundedBuffer{limit: o.cfg.StreamLimit}
	cmd.Stdout = stdout
	var stderr *boundedBuffer
	if o.cfg.CaptureStderr {
		stderr = &boundedBuffer{limit: o.cfg.StreamLimit}
		cmd.Stderr = stderr
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		opLogger.Error("failed to launch inference process",
			zap.String("executable", o.cfg.Executable),
			zap.Error(err))
		outcome := ProcessUnstartable(err)
		outcome.Duration = time.Since(start)
		return outcome, nil
	}
	opLogger.Debug("inference process started", zap.Int("pid", cmd.Process.Pid))

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	// Anything the process left running in its group must not outlive the
	// run; Release follows right after.
	if err := killGroup(cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		opLogger.Warn("failed to kill inference process group", zap.Error(err))
	}

	if stdout.Len() > 0 {
		opLogger.Debug("inference process stdout", zap.String("stdout", stdout.String()), zap.Bool("truncated", stdout.Truncated()))
	}

	outcome, exited := o.classifyWait(ctx, runCtx, waitErr, cmd)
	if !exited {
		outcome.Duration = elapsed
		fields := []zap.Field{zap.String("outcome", string(outcome.Kind)), zap.Duration("duration", elapsed)}
		if outcome.Kind == KindProcessFailed {
			fields = append(fields, zap.Int("exit_code", outcome.ExitCode))
		}
		if outcome.Cause != nil {
			fields = append(fields, zap.NamedError("cause", outcome.Cause))
		}
		if stderr != nil && stderr.Len() > 0 {
			fields = append(fields, zap.String("stderr", stderr.String()))
		}
		opLogger.Warn("inference process did not succeed", fields...)
		return outcome, nil
	}

	data, err := o.outputs.ReadOutput(requestID, outputPath)
	if errors.Is(err, artifact.ErrOutputMissing) {
		opLogger.Warn("inference process exited 0 without output", zap.Duration("duration", elapsed))
		outcome := OutputMissing()
		outcome.Duration = elapsed
		return outcome, nil
	}
	if err != nil {
		opLogger.Error("failed to read inference output", zap.Error(err))
		return Outcome{}, err
	}

	opLogger.Info("inference completed",
		zap.Duration("duration", elapsed),
		zap.Int("output_bytes", len(data)))
	outcome = Success(data)
	outcome.Duration = elapsed
	return outcome, nil
}

// classifyWait maps the result of cmd.Wait. exited is true only for a clean
// zero exit, after which the output file still has to be checked.
func (o *Orchestrator) classifyWait(parent, runCtx context.Context, waitErr error, cmd *exec.Cmd) (Outcome, bool) {
	if waitErr == nil {
		return Outcome{}, true
	}
	// The process finished cleanly but something it spawned kept the
	// output pipes open past WaitDelay.
	if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil && cmd.ProcessState.Success() {
		return Outcome{}, true
	}
	if parent.Err() != nil {
		return Canceled(parent.Err()), false
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Timeout(fmt.Errorf("process exceeded %s deadline", o.cfg.Timeout)), false
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return ProcessFailed(exitErr.ExitCode()), false
	}
	return ProcessFailed(-1), false
}
