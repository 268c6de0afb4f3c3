package agent

import (
	"github.com/seastack/bosun/pkg/supervisor"
	"github.com/seastack/bosun/pkg/types"
)

// registry is the process-local table of live supervisors, keyed by job
// ID. It is touched only from reconciliation passes, which the reactor
// serializes, so it needs no locking.
type registry struct {
	supervisors map[types.JobID]supervisor.Supervisor
}

func newRegistry() *registry {
	return &registry{supervisors: make(map[types.JobID]supervisor.Supervisor)}
}

func (r *registry) get(id types.JobID) (supervisor.Supervisor, bool) {
	s, ok := r.supervisors[id]
	return s, ok
}

func (r *registry) put(id types.JobID, s supervisor.Supervisor) {
	r.supervisors[id] = s
}

func (r *registry) remove(id types.JobID) {
	delete(r.supervisors, id)
}

func (r *registry) ids() []types.JobID {
	ids := make([]types.JobID, 0, len(r.supervisors))
	for id := range r.supervisors {
		ids = append(ids, id)
	}
	return ids
}

func (r *registry) len() int {
	return len(r.supervisors)
}
