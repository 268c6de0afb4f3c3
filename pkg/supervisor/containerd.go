package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/seastack/bosun/pkg/events"
	"github.com/seastack/bosun/pkg/log"
	"github.com/seastack/bosun/pkg/runtime"
	"github.com/seastack/bosun/pkg/types"
)

const (
	// DefaultStopTimeout is how long a container gets to exit on
	// SIGTERM before being killed.
	DefaultStopTimeout = 10 * time.Second

	// DefaultPollInterval is how often a supervisor inspects its
	// container between goal changes.
	DefaultPollInterval = 3 * time.Second
)

type goal string

const (
	goalNone goal = ""
	goalUp   goal = "up"
	goalHalt goal = "halt"
)

// ContainerdFactory creates containerd-backed supervisors sharing one
// runtime connection and event broker.
type ContainerdFactory struct {
	runtime      *runtime.ContainerdRuntime
	broker       *events.Broker
	stopTimeout  time.Duration
	pollInterval time.Duration
}

// NewContainerdFactory creates a factory. Zero durations select the
// defaults.
func NewContainerdFactory(rt *runtime.ContainerdRuntime, broker *events.Broker, stopTimeout, pollInterval time.Duration) *ContainerdFactory {
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &ContainerdFactory{
		runtime:      rt,
		broker:       broker,
		stopTimeout:  stopTimeout,
		pollInterval: pollInterval,
	}
}

// Create implements Factory.
func (f *ContainerdFactory) Create(id types.JobID, job types.Job, ports map[string]int) (Supervisor, error) {
	s := &containerdSupervisor{
		jobID:        id,
		job:          job,
		ports:        ports,
		runtime:      f.runtime,
		broker:       f.broker,
		stopTimeout:  f.stopTimeout,
		pollInterval: f.pollInterval,
		logger:       log.WithJobID(id.String()),
		status:       Status{State: types.StateCreating},
		kickCh:       make(chan struct{}, 1),
		closeCh:      make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go s.drive()
	return s, nil
}

// containerdSupervisor drives one job's container through containerd.
// A single background goroutine converges the container toward the
// last requested goal; Start/Stop only record the goal and kick it.
type containerdSupervisor struct {
	jobID        types.JobID
	job          types.Job
	ports        map[string]int
	runtime      *runtime.ContainerdRuntime
	broker       *events.Broker
	stopTimeout  time.Duration
	pollInterval time.Duration
	logger       zerolog.Logger

	mu          sync.Mutex
	goal        goal
	status      Status
	containerID string
	imagePulled bool
	closed      bool

	kickCh  chan struct{}
	closeCh chan struct{}
	doneCh  chan struct{}
}

// Start requests that the container be running.
func (s *containerdSupervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("supervisor %s is closed", s.jobID)
	}
	if s.goal == goalUp {
		return nil
	}
	s.goal = goalUp
	s.status.Starting = true
	s.status.Stopping = false
	s.status.Done = false
	s.kick()
	return nil
}

// Stop requests that the container be stopped.
func (s *containerdSupervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("supervisor %s is closed", s.jobID)
	}
	if s.goal == goalHalt {
		return nil
	}
	s.goal = goalHalt
	s.status.Stopping = true
	s.status.Starting = false
	s.kick()
	return nil
}

// Close releases the supervisor without stopping the container.
func (s *containerdSupervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	<-s.doneCh
	return nil
}

// Status returns a snapshot of the supervisor.
func (s *containerdSupervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *containerdSupervisor) kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *containerdSupervisor) drive() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-s.kickCh:
		case <-ticker.C:
		}

		if err := s.converge(); err != nil {
			s.logger.Warn().Err(err).Msg("supervisor convergence failed")
		}
	}
}

// converge performs one pass toward the current goal. It runs only on
// the drive goroutine.
func (s *containerdSupervisor) converge() error {
	s.mu.Lock()
	current := s.goal
	containerID := s.containerID
	s.mu.Unlock()

	switch current {
	case goalUp:
		return s.convergeUp(containerID)
	case goalHalt:
		return s.convergeHalt(containerID)
	default:
		return nil
	}
}

func (s *containerdSupervisor) convergeUp(containerID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if containerID != "" {
		state, err := s.runtime.ContainerState(ctx, containerID)
		if err != nil {
			s.setState(types.StateFailed)
			return err
		}
		switch state {
		case types.StateRunning, types.StateStarting:
			s.setState(types.StateRunning)
			return nil
		default:
			// The container died while the goal is up: discard the
			// attempt and start a fresh one.
			s.logger.Info().Str("state", string(state)).Msg("container gone, restarting")
			if err := s.runtime.RemoveContainer(ctx, containerID); err != nil {
				return err
			}
			s.setContainerID("")
		}
	}

	s.mu.Lock()
	pulled := s.imagePulled
	s.mu.Unlock()
	if !pulled {
		s.setState(types.StateCreating)
		if err := s.runtime.PullImage(ctx, s.job.Image); err != nil {
			s.setState(types.StateFailed)
			return err
		}
		s.mu.Lock()
		s.imagePulled = true
		s.mu.Unlock()
	}

	attempt := s.attemptID()
	s.setState(types.StateStarting)
	if err := s.runtime.CreateContainer(ctx, attempt, s.job, s.ports); err != nil {
		s.setState(types.StateFailed)
		return err
	}
	s.setContainerID(attempt)
	if err := s.runtime.StartContainer(ctx, attempt); err != nil {
		s.setState(types.StateFailed)
		return err
	}
	s.setState(types.StateRunning)
	return nil
}

func (s *containerdSupervisor) convergeHalt(containerID string) error {
	s.mu.Lock()
	alreadyStopped := s.status.Done
	s.mu.Unlock()
	if alreadyStopped {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout+30*time.Second)
	defer cancel()

	if containerID != "" {
		s.setState(types.StateStopping)
		if err := s.runtime.StopContainer(ctx, containerID, s.stopTimeout); err != nil {
			s.setState(types.StateFailed)
			return err
		}
	}

	s.mu.Lock()
	s.status.State = types.StateStopped
	s.status.Done = true
	s.mu.Unlock()
	s.publishState(types.StateStopped)
	return nil
}

func (s *containerdSupervisor) attemptID() string {
	name := strings.ReplaceAll(s.jobID.Name, ".", "-")
	return fmt.Sprintf("%s-%s", name, uuid.NewString()[:8])
}

func (s *containerdSupervisor) setContainerID(id string) {
	s.mu.Lock()
	s.containerID = id
	s.mu.Unlock()
}

// setState records the observed state and publishes a state event when
// it changed, which is what eventually pokes the agent's reactor.
func (s *containerdSupervisor) setState(state types.ContainerState) {
	s.mu.Lock()
	changed := s.status.State != state
	s.status.State = state
	s.mu.Unlock()
	if changed {
		s.publishState(state)
	}
}

func (s *containerdSupervisor) publishState(state types.ContainerState) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(events.New(events.EventSupervisorState, s.jobID.String(), string(state)))
}
