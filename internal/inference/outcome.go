package inference

import (
	"fmt"
	"time"
)

// Kind names the variant held by an Outcome.
type Kind string

const (
	KindSuccess            Kind = "success"
	KindProcessFailed      Kind = "process_failed"
	KindProcessUnstartable Kind = "process_unstartable"
	KindOutputMissing      Kind = "output_missing"
	KindTimeout            Kind = "timeout"
	KindCanceled           Kind = "canceled"
)

// Outcome is the classified result of one invocation of the external
// process. Only the fields belonging to Kind are populated.
type Outcome struct {
	Kind Kind

	// Output holds the model's result for KindSuccess.
	Output []byte
	// ExitCode is set for KindProcessFailed; -1 when killed by a signal.
	ExitCode int
	// Cause is set for KindProcessUnstartable, KindTimeout and KindCanceled.
	Cause error

	Duration time.Duration
}

func Success(output []byte) Outcome {
	return Outcome{Kind: KindSuccess, Output: output}
}

func ProcessFailed(exitCode int) Outcome {
	return Outcome{Kind: KindProcessFailed, ExitCode: exitCode}
}

func ProcessUnstartable(cause error) Outcome {
	return Outcome{Kind: KindProcessUnstartable, Cause: cause}
}

func OutputMissing() Outcome {
	return Outcome{Kind: KindOutputMissing}
}

func Timeout(cause error) Outcome {
	return Outcome{Kind: KindTimeout, Cause: cause}
}

func Canceled(cause error) Outcome {
	return Outcome{Kind: KindCanceled, Cause: cause}
}

// OK reports whether the outcome carries a usable result.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

func (o Outcome) String() string {
	switch o.Kind {
	case KindSuccess:
		return fmt.Sprintf("success (%d bytes)", len(o.Output))
	case KindProcessFailed:
		return fmt.Sprintf("process failed (exit code %d)", o.ExitCode)
	case KindProcessUnstartable, KindTimeout, KindCanceled:
		return fmt.Sprintf("%s: %v", o.Kind, o.Cause)
	default:
		return string(o.Kind)
	}
}
