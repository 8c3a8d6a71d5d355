package registry

import (
	"fmt"
	"time"

	"github.com/razvanmacovei/stagevar-gateway/internal/target"
)

// Descriptor is a backend target bound to a stage. Descriptors are stored and
// returned by value; the Endpoint must be safe for concurrent use.
type Descriptor struct {
	// ID is the alias or version tag reported back to callers.
	ID string

	Endpoint target.Invoker

	// Timeout overrides the router's invoke timeout when non-zero.
	Timeout time.Duration

	// Source names who registered the binding, e.g. "config" or
	// "stagebinding/<namespace>/<name>".
	Source string
}

// RegistryMutationError is returned by UnregisterMustExist when the stage is not bound.
type RegistryMutationError struct {
	Op    string
	Stage string
}

func (e *RegistryMutationError) Error() string {
	return fmt.Sprintf("%s %q: stage is not registered", e.Op, e.Stage)
}
