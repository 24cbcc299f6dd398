package safety

import (
	"errors"
	"fmt"

	"github.com/rmacdonaldsmith/semanticmesh-go/pkg/faults"
)

// Limit names used in LimitError and metrics.
const (
	LimitConcurrency   = "concurrent_units"
	LimitExecutionTime = "execution_time"
	LimitMemory        = "memory_per_unit"
	LimitMeshKeys      = "mesh_keys"
	LimitValueSize     = "mesh_value_size"
	LimitRecursion     = "recursion_depth"
)

// ErrLimitExceeded is matched by every LimitError
var ErrLimitExceeded = errors.New("safety limit exceeded")

// LimitError reports a quota breach. It is terminal for the offending unit.
type LimitError struct {
	Limit  string
	UnitID string
	Actual int64
	Max    int64
}

func (e *LimitError) Error() string {
	if e.UnitID != "" {
		return fmt.Sprintf("safety limit %s exceeded by unit %s: %d > %d", e.Limit, e.UnitID, e.Actual, e.Max)
	}
	return fmt.Sprintf("safety limit %s exceeded: %d > %d", e.Limit, e.Actual, e.Max)
}

// Is reports whether target is ErrLimitExceeded.
func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// FaultKind marks limit breaches as terminal.
func (e *LimitError) FaultKind() faults.Kind {
	return faults.Terminal
}
