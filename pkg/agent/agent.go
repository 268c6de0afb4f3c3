package agent

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/seastack/bosun/pkg/desired"
	"github.com/seastack/bosun/pkg/events"
	"github.com/seastack/bosun/pkg/log"
	"github.com/seastack/bosun/pkg/ports"
	"github.com/seastack/bosun/pkg/reactor"
	"github.com/seastack/bosun/pkg/store"
	"github.com/seastack/bosun/pkg/supervisor"
)

// DefaultInterval is the reactor's fallback tick interval: the longest
// the agent goes without reconciling when no notifications arrive.
const DefaultInterval = 30 * time.Second

// Config holds agent configuration
type Config struct {
	NodeID    string
	Source    desired.Source
	Store     store.ExecutionsStore
	Factory   supervisor.Factory
	Allocator ports.Allocator

	// Broker, when set, receives execution and supervisor lifecycle
	// events; supervisor state events published on it trigger
	// reconciliation.
	Broker *events.Broker

	// Interval is the reactor fallback tick interval. Zero selects
	// DefaultInterval.
	Interval time.Duration

	// Fatal is invoked on unrecoverable errors (persistence failure,
	// invariant violation). The default logs and exits the process.
	Fatal func(error)
}

// Agent drives the node's supervisors toward the desired deployment
// table. It owns the reactor, the reconciler, the supervisor registry
// and the in-memory copy of the executions ledger.
type Agent struct {
	cfg     Config
	rec     *reconciler
	reactor *reactor.Reactor
	logger  zerolog.Logger

	sub       events.Subscriber
	drainDone chan struct{}
	started   bool
}

// New creates an agent from cfg. Source, Store, Factory and Allocator
// are required.
func New(cfg Config) (*Agent, error) {
	if cfg.Source == nil || cfg.Store == nil || cfg.Factory == nil || cfg.Allocator == nil {
		return nil, errors.New("agent requires a source, store, factory and allocator")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	logger := log.WithComponent("agent")
	if cfg.NodeID != "" {
		logger = logger.With().Str("node_id", cfg.NodeID).Logger()
	}
	if cfg.Fatal == nil {
		fatalLogger := logger
		cfg.Fatal = func(err error) {
			fatalLogger.Fatal().Err(err).Msg("unrecoverable agent error")
		}
	}

	a := &Agent{
		cfg:    cfg,
		logger: logger,
	}
	a.rec = &reconciler{
		source:    cfg.Source,
		store:     cfg.Store,
		factory:   cfg.Factory,
		allocator: cfg.Allocator,
		broker:    cfg.Broker,
		fatal:     cfg.Fatal,
		logger:    log.WithComponent("reconciler"),
		registry:  newRegistry(),
	}
	a.reactor = reactor.New("agent", a.rec.tick, cfg.Interval)
	return a, nil
}

// Start recovers persisted state, recreates supervisors with their
// committed port allocations, subscribes to desired-state changes and
// begins reconciling.
func (a *Agent) Start() error {
	if a.started {
		return errors.New("agent already started")
	}

	if err := a.rec.recover(); err != nil {
		return err
	}
	a.logger.Info().Int("executions", len(a.rec.executions)).Msg("recovered state")

	a.cfg.Source.AddListener(desired.ListenerFunc(a.reactor.Update))

	if a.cfg.Broker != nil {
		a.sub = a.cfg.Broker.Subscribe()
		a.drainDone = make(chan struct{})
		go a.drainEvents()
	}

	a.reactor.Start()
	a.reactor.Update()
	a.started = true
	return nil
}

// Stop halts reconciliation and closes every supervisor. Containers
// are left running: stopping the agent must not stop user workloads.
func (a *Agent) Stop() {
	if !a.started {
		return
	}
	a.reactor.Stop()

	if a.sub != nil {
		a.cfg.Broker.Unsubscribe(a.sub)
		<-a.drainDone
		a.sub = nil
	}

	for _, id := range a.rec.registry.ids() {
		sup, _ := a.rec.registry.get(id)
		if err := sup.Close(); err != nil {
			a.logger.Warn().Err(err).Str("job_id", id.String()).Msg("supervisor close failed")
		}
		a.rec.registry.remove(id)
	}
	a.started = false
	a.logger.Info().Msg("agent stopped")
}

// drainEvents folds supervisor state transitions into reactor pokes so
// a container exiting in the background shows up in the next pass.
func (a *Agent) drainEvents() {
	defer close(a.drainDone)
	for event := range a.sub {
		if event.Type == events.EventSupervisorState {
			a.reactor.Update()
		}
	}
}
