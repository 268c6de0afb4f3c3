package desired

import (
	"sync"

	"github.com/seastack/bosun/pkg/types"
)

// Static is an in-memory Source whose table is set programmatically.
// It backs tests and embedded setups.
type Static struct {
	mu        sync.Mutex
	tasks     map[types.JobID]types.Task
	listeners []Listener
}

// NewStatic creates a Static source with an empty table.
func NewStatic() *Static {
	return &Static{tasks: map[types.JobID]types.Task{}}
}

// Tasks returns the current snapshot.
func (s *Static) Tasks() (map[types.JobID]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.JobID]types.Task, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = t
	}
	return out, nil
}

// AddListener registers a change listener.
func (s *Static) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Put adds or replaces a task and notifies listeners.
func (s *Static) Put(task types.Task) {
	s.mu.Lock()
	s.tasks[task.Job.ID] = task
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.TasksChanged()
	}
}

// Remove deletes a task and notifies listeners.
func (s *Static) Remove(id types.JobID) {
	s.mu.Lock()
	delete(s.tasks, id)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.TasksChanged()
	}
}
