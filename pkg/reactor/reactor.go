package reactor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/seastack/bosun/pkg/log"
)

// Callback is the unit of work a Reactor drives. It runs on the
// reactor's own goroutine, never concurrently with itself. Errors are
// logged and swallowed; a callback that must kill the process does so
// through its own fatal handling.
type Callback func(ctx context.Context) error

// Reactor is a coalescing, edge-triggered work driver. Update pokes are
// collapsed: however many arrive while a callback is in flight, exactly
// one more run follows. A periodic fallback tick bounds staleness when
// notifications are missed.
type Reactor struct {
	name     string
	callback Callback
	interval time.Duration
	logger   zerolog.Logger

	updateCh chan struct{}
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a reactor that invokes callback on every Update and at
// least every interval.
func New(name string, callback Callback, interval time.Duration) *Reactor {
	return &Reactor{
		name:     name,
		callback: callback,
		interval: interval,
		logger:   log.WithComponent("reactor").With().Str("reactor", name).Logger(),
		updateCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins scheduling callback runs.
func (r *Reactor) Start() {
	go r.run()
}

// Stop halts scheduling and waits for any in-flight callback to finish.
// No callback begins after Stop returns.
func (r *Reactor) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// Update requests a callback run. It never blocks. An Update issued
// before or during a run guarantees at least one run after it; multiple
// pending Updates collapse into one.
func (r *Reactor) Update() {
	select {
	case r.updateCh <- struct{}{}:
	default:
	}
}

func (r *Reactor) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-r.updateCh:
		case <-ticker.C:
		}

		if err := r.callback(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("callback failed")
		}
	}
}
