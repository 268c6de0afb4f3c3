package supervisor

import (
	"github.com/seastack/bosun/pkg/types"
)

// Status is a point-in-time snapshot of a supervisor. Starting and
// Stopping report the direction the supervisor is currently driving
// toward; Done reports that it has quiesced and can be discarded.
type Status struct {
	Starting bool
	Stopping bool
	Done     bool
	State    types.ContainerState
}

// Supervisor owns one container instance and drives it toward the goal
// it was last given.
//
// Start and Stop are idempotent goal requests; the actual transitions
// happen asynchronously and are observed via Status. Close releases the
// supervisor's resources without stopping the container; the supervisor
// is unusable afterwards.
type Supervisor interface {
	Start() error
	Stop() error
	Close() error
	Status() Status
}

// Factory creates supervisors. The reconciler calls it exactly once per
// execution lifetime, with the execution's committed port allocation.
type Factory interface {
	Create(id types.JobID, job types.Job, ports map[string]int) (Supervisor, error)
}
