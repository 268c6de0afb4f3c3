package desired

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seastack/bosun/pkg/log"
	"github.com/seastack/bosun/pkg/types"
)

// DefaultPollInterval is how often FileSource checks the table file for
// changes.
const DefaultPollInterval = 2 * time.Second

// deploymentFile is the YAML layout of a desired-state file.
type deploymentFile struct {
	Jobs []deploymentJob `yaml:"jobs"`
}

type deploymentJob struct {
	Name    string                `yaml:"name"`
	Version string                `yaml:"version"`
	Image   string                `yaml:"image"`
	Command []string              `yaml:"command,omitempty"`
	Env     []string              `yaml:"env,omitempty"`
	Ports   map[string]deployPort `yaml:"ports,omitempty"`
	Goal    types.Goal            `yaml:"goal"`
}

type deployPort struct {
	Internal int    `yaml:"internal"`
	External *int   `yaml:"external,omitempty"`
	Protocol string `yaml:"protocol,omitempty"`
}

// FileSource reads the desired deployment table from a YAML file and
// notifies listeners when the file's modification time changes. It is
// the standalone stand-in for a master-pushed table.
type FileSource struct {
	path         string
	pollInterval time.Duration

	mu        sync.Mutex
	tasks     map[types.JobID]types.Task
	modTime   time.Time
	listeners []Listener

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewFileSource creates a FileSource over path. The file is read once
// up front so the first Tasks call observes it; a missing file is
// treated as an empty table.
func NewFileSource(path string, pollInterval time.Duration) (*FileSource, error) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	s := &FileSource{
		path:         path,
		pollInterval: pollInterval,
		tasks:        map[types.JobID]types.Task{},
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins watching the file for changes.
func (s *FileSource) Start() {
	go s.watch()
}

// Stop halts the watcher.
func (s *FileSource) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Tasks returns the last loaded snapshot.
func (s *FileSource) Tasks() (map[types.JobID]types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[types.JobID]types.Task, len(s.tasks))
	for id, t := range s.tasks {
		out[id] = t
	}
	return out, nil
}

// AddListener registers a change listener.
func (s *FileSource) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *FileSource) watch() {
	defer close(s.doneCh)

	logger := log.WithComponent("desired")
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}

		changed, err := s.reloadIfModified()
		if err != nil {
			logger.Warn().Err(err).Str("path", s.path).Msg("failed to reload desired state")
			continue
		}
		if changed {
			logger.Info().Str("path", s.path).Msg("desired state changed")
			s.notify()
		}
	}
}

func (s *FileSource) reloadIfModified() (bool, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}

	s.mu.Lock()
	unchanged := info.ModTime().Equal(s.modTime)
	s.mu.Unlock()
	if unchanged {
		return false, nil
	}
	return true, s.reload()
}

func (s *FileSource) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	info, err := os.Stat(s.path)
	if err != nil {
		return err
	}

	tasks, err := ParseTasks(data)
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.tasks = tasks
	s.modTime = info.ModTime()
	s.mu.Unlock()
	return nil
}

func (s *FileSource) notify() {
	s.mu.Lock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()
	for _, l := range listeners {
		l.TasksChanged()
	}
}

// ParseTasks parses a YAML deployment table into a task map. Each job's
// ID is derived from its name, version and descriptor digest.
func ParseTasks(data []byte) (map[types.JobID]types.Task, error) {
	var file deploymentFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	tasks := make(map[types.JobID]types.Task, len(file.Jobs))
	for _, entry := range file.Jobs {
		if entry.Name == "" || entry.Image == "" {
			return nil, fmt.Errorf("job %q: name and image are required", entry.Name)
		}
		goal := entry.Goal
		if goal == "" {
			goal = types.GoalStart
		}
		if !goal.Valid() {
			return nil, fmt.Errorf("job %q: invalid goal %q", entry.Name, entry.Goal)
		}

		job := types.Job{
			Image:   entry.Image,
			Command: entry.Command,
			Env:     entry.Env,
		}
		if len(entry.Ports) > 0 {
			job.Ports = make(map[string]types.PortMapping, len(entry.Ports))
			for name, p := range entry.Ports {
				job.Ports[name] = types.PortMapping{
					InternalPort: p.Internal,
					ExternalPort: p.External,
					Protocol:     p.Protocol,
				}
			}
		}
		job.ID = types.JobID{Name: entry.Name, Version: entry.Version, Hash: job.Digest()}

		if _, dup := tasks[job.ID]; dup {
			return nil, fmt.Errorf("job %q: duplicate entry", job.ID)
		}
		tasks[job.ID] = types.Task{Job: job, Goal: goal}
	}
	return tasks, nil
}
