package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// JobID identifies a job by name, version and a content hash of its
// descriptor. Equality is structural; two deployments of the same
// name/version with different descriptors get distinct IDs.
type JobID struct {
	Name    string
	Version string
	Hash    string
}

// String returns the canonical "name:version:hash" form.
func (id JobID) String() string {
	return id.Name + ":" + id.Version + ":" + id.Hash
}

// MarshalText implements encoding.TextMarshaler so JobID can be used as
// a JSON map key.
func (id JobID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *JobID) UnmarshalText(text []byte) error {
	parts := strings.SplitN(string(text), ":", 3)
	if len(parts) != 3 {
		return fmt.Errorf("invalid job id %q", string(text))
	}
	id.Name = parts[0]
	id.Version = parts[1]
	id.Hash = parts[2]
	return nil
}

// ParseJobID parses the canonical "name:version:hash" form.
func ParseJobID(s string) (JobID, error) {
	var id JobID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

// PortMapping declares one named port of a job. InternalPort is the port
// inside the container. ExternalPort is nil for dynamic allocation or set
// for a fixed host port.
type PortMapping struct {
	InternalPort int    `json:"internal"`
	ExternalPort *int   `json:"external,omitempty"`
	Protocol     string `json:"protocol,omitempty"`
}

// Static reports whether the mapping requests a fixed external port.
func (p PortMapping) Static() bool {
	return p.ExternalPort != nil
}

// Job is an immutable descriptor of a deployable workload.
type Job struct {
	ID      JobID                  `json:"id"`
	Image   string                 `json:"image"`
	Command []string               `json:"command,omitempty"`
	Env     []string               `json:"env,omitempty"`
	Ports   map[string]PortMapping `json:"ports,omitempty"`
}

// Digest computes the content hash used in JobID.Hash: a truncated
// sha256 over the canonical JSON of the descriptor minus its ID.
func (j Job) Digest() string {
	shadow := struct {
		Image   string            `json:"image"`
		Command []string          `json:"command"`
		Env     []string          `json:"env"`
		Ports   map[string]string `json:"ports"`
	}{
		Image:   j.Image,
		Command: j.Command,
		Env:     j.Env,
		Ports:   make(map[string]string, len(j.Ports)),
	}
	names := make([]string, 0, len(j.Ports))
	for name := range j.Ports {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m := j.Ports[name]
		ext := "dyn"
		if m.Static() {
			ext = fmt.Sprintf("%d", *m.ExternalPort)
		}
		shadow.Ports[name] = fmt.Sprintf("%d/%s/%s", m.InternalPort, m.Protocol, ext)
	}
	data, err := json.Marshal(shadow)
	if err != nil {
		// Marshaling a plain struct of strings cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:12]
}

// Goal is the desired lifecycle target for a job on this node.
type Goal string

const (
	// GoalStart keeps the job's container running.
	GoalStart Goal = "start"

	// GoalStop keeps the container created but stopped.
	GoalStop Goal = "stop"

	// GoalUndeploy stops the container and retires the execution.
	GoalUndeploy Goal = "undeploy"
)

// Valid reports whether g is a known goal.
func (g Goal) Valid() bool {
	switch g {
	case GoalStart, GoalStop, GoalUndeploy:
		return true
	}
	return false
}

// Task is one row of the master-pushed deployment table: a job plus the
// goal the master wants for it.
type Task struct {
	Job  Job  `json:"job"`
	Goal Goal `json:"goal"`
}

// Execution is the agent's committed decision for one job. The Job and
// Ports are frozen for the execution's lifetime; only the Goal changes.
type Execution struct {
	Job   Job            `json:"job"`
	Goal  Goal           `json:"goal"`
	Ports map[string]int `json:"ports"`
}

// WithGoal returns a copy of the execution carrying the new goal.
func (e Execution) WithGoal(goal Goal) Execution {
	e.Goal = goal
	return e
}

// ExecutionsMap is the committed executions ledger, keyed by job ID.
type ExecutionsMap map[JobID]Execution

// Copy returns a shallow copy of the map. Executions themselves are
// treated as immutable values.
func (m ExecutionsMap) Copy() ExecutionsMap {
	out := make(ExecutionsMap, len(m))
	for id, e := range m {
		out[id] = e
	}
	return out
}

// ExternalPorts returns the set of external ports committed across all
// executions in the map.
func (m ExecutionsMap) ExternalPorts() map[int]struct{} {
	ports := make(map[int]struct{})
	for _, e := range m {
		for _, p := range e.Ports {
			ports[p] = struct{}{}
		}
	}
	return ports
}

// ContainerState is the observed runtime state of a supervised container.
type ContainerState string

const (
	StateCreating ContainerState = "creating"
	StateStarting ContainerState = "starting"
	StateRunning  ContainerState = "running"
	StateStopping ContainerState = "stopping"
	StateStopped  ContainerState = "stopped"
	StateExited   ContainerState = "exited"
	StateFailed   ContainerState = "failed"
)
