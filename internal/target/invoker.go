package target

import (
	"context"
	"errors"
)

// ErrThrottled is returned when a target has no spare concurrency.
var ErrThrottled = errors.New("target concurrency limit reached")

// Invocation is the unit of work handed to a backend target.
type Invocation struct {
	Stage          string
	StageVariables map[string]string
	Payload        []byte
	Metadata       map[string]string
}

// Result is what a backend target returns on success.
type Result struct {
	Message  string
	Version  string
	Metadata map[string]string
}

// Invoker is a backend target. Implementations must honour ctx cancellation
// where they block.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (*Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}
