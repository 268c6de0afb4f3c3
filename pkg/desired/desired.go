package desired

import (
	"github.com/seastack/bosun/pkg/types"
)

// Listener is notified when the desired deployment table may have
// changed. Implementations are invoked on an arbitrary goroutine and
// must only hand off, typically by poking the agent's reactor.
type Listener interface {
	TasksChanged()
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func()

// TasksChanged implements Listener.
func (f ListenerFunc) TasksChanged() {
	f()
}

// Source supplies the master-published desired deployment table.
//
// Tasks returns a stable snapshot: the returned map is never mutated
// after it is handed out. AddListener registers for change
// notification; the source knows nothing about what a notification
// triggers.
type Source interface {
	Tasks() (map[types.JobID]types.Task, error)
	AddListener(l Listener)
}
