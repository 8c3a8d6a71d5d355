package router

import "fmt"

// UnresolvableStageError reports a well-formed stage with no binding.
type UnresolvableStageError struct {
	Stage string
}

func (e *UnresolvableStageError) Error() string {
	return fmt.Sprintf("stage %q is not registered", e.Stage)
}

// TargetInvocationError reports a failed, throttled or timed-out target.
type TargetInvocationError struct {
	Stage    string
	TargetID string
	Timeout  bool
	Err      error
}

func (e *TargetInvocationError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("target %q for stage %q timed out: %v", e.TargetID, e.Stage, e.Err)
	}
	return fmt.Sprintf("target %q for stage %q failed: %v", e.TargetID, e.Stage, e.Err)
}

func (e *TargetInvocationError) Unwrap() error { return e.Err }
