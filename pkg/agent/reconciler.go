package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/seastack/bosun/pkg/desired"
	"github.com/seastack/bosun/pkg/events"
	"github.com/seastack/bosun/pkg/metrics"
	"github.com/seastack/bosun/pkg/ports"
	"github.com/seastack/bosun/pkg/store"
	"github.com/seastack/bosun/pkg/supervisor"
	"github.com/seastack/bosun/pkg/types"
)

// reconciler computes and applies the delta between the desired task
// table, the committed executions ledger and the live supervisors. It
// runs exclusively inside the reactor's serialized callback; executions
// and registry are never touched from anywhere else.
type reconciler struct {
	source    desired.Source
	store     store.ExecutionsStore
	factory   supervisor.Factory
	allocator ports.Allocator
	broker    *events.Broker
	fatal     func(error)
	logger    zerolog.Logger

	// executions mirrors the persisted map. It is replaced, never
	// mutated in place.
	executions types.ExecutionsMap
	registry   *registry
}

// recover loads the persisted ledger and recreates a supervisor for
// every committed execution, using the persisted ports. The allocator
// is never consulted here: the committed ports ARE the allocation.
func (r *reconciler) recover() error {
	executions, err := r.store.Get()
	if err != nil {
		return fmt.Errorf("failed to load executions: %w", err)
	}
	r.executions = executions

	for id, execution := range executions {
		sup, err := r.factory.Create(id, execution.Job, execution.Ports)
		if err != nil {
			metrics.ReconcileErrors.WithLabelValues("supervisor_create").Inc()
			r.logger.Warn().Err(err).Str("job_id", id.String()).
				Msg("supervisor recovery failed, will retry")
			continue
		}
		r.registry.put(id, sup)
		metrics.SupervisorsCreated.Inc()
		r.publish(events.EventSupervisorCreated, id, "")
	}
	return nil
}

// tick performs one full reconciliation pass: snapshot inputs, compute
// the new committed map, persist it, reconcile the registry, drive
// supervisor goals.
func (r *reconciler) tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileTicksTotal.Inc()
	}()

	tasks, err := r.source.Tasks()
	if err != nil {
		return fmt.Errorf("failed to read desired tasks: %w", err)
	}
	metrics.DesiredJobs.Set(float64(len(tasks)))

	next := r.computeExecutions(tasks)

	// Persist before any supervisor mutation. Losing this write means
	// losing port allocations, so failure here is fatal.
	if !reflect.DeepEqual(next, r.executions) {
		if err := r.store.Set(next); err != nil {
			err = fmt.Errorf("failed to persist executions: %w", err)
			r.fatal(err)
			return err
		}
		r.executions = next
	}

	r.reconcileRegistry()
	if err := r.checkInvariants(); err != nil {
		r.fatal(err)
		return err
	}
	r.driveGoals()

	metrics.ExecutionsCommitted.Set(float64(len(r.executions)))
	metrics.SupervisorsActive.Set(float64(r.registry.len()))
	if r.broker != nil {
		r.broker.Publish(events.New(events.EventTickCompleted, "", ""))
	}
	return nil
}

// computeExecutions derives the next committed map from the current one
// and the desired table.
//
// A removed desired row is deliberately NOT treated as a stop signal:
// only an explicit undeploy goal retires an execution. A master that
// transiently drops rows must not take containers down.
func (r *reconciler) computeExecutions(tasks map[types.JobID]types.Task) types.ExecutionsMap {
	next := r.executions.Copy()

	// Additions. An undeploy row with no committed execution has
	// nothing to retire, so it never creates one.
	for id, task := range tasks {
		if task.Goal == types.GoalUndeploy {
			continue
		}
		if _, exists := next[id]; exists {
			continue
		}
		allocation, err := r.allocator.Allocate(task.Job.Ports, next.ExternalPorts())
		if err != nil {
			metrics.PortConflicts.Inc()
			metrics.ReconcileErrors.WithLabelValues("port_allocation").Inc()
			r.logger.Warn().Err(err).Str("job_id", id.String()).Msg("port allocation failed, will retry")
			continue
		}
		next[id] = types.Execution{Job: task.Job, Goal: task.Goal, Ports: allocation}
		r.publish(events.EventExecutionCommitted, id, string(task.Goal))
	}

	// Goal updates. Ports and job are preserved. An undeployed
	// execution cannot be resurrected: a re-add is deferred until the
	// old execution has been reaped.
	for id, task := range tasks {
		existing, exists := next[id]
		if !exists || existing.Goal == task.Goal {
			continue
		}
		if existing.Goal == types.GoalUndeploy && task.Goal != types.GoalUndeploy {
			r.logger.Debug().Str("job_id", id.String()).Msg("re-add deferred until undeploy completes")
			continue
		}
		next[id] = existing.WithGoal(task.Goal)
		r.publish(events.EventExecutionGoalSet, id, string(task.Goal))
	}

	// Reap. An undeployed execution leaves the ledger once its
	// supervisor has quiesced.
	for id, execution := range next {
		if execution.Goal != types.GoalUndeploy {
			continue
		}
		if sup, ok := r.registry.get(id); ok && !sup.Status().Done {
			continue
		}
		delete(next, id)
		metrics.ExecutionsReaped.Inc()
		r.publish(events.EventExecutionReaped, id, "")
	}

	return next
}

// reconcileRegistry creates supervisors for new executions and closes
// supervisors whose executions are gone. Close releases the supervisor
// without stopping its container.
func (r *reconciler) reconcileRegistry() {
	for id, execution := range r.executions {
		if _, ok := r.registry.get(id); ok {
			continue
		}
		sup, err := r.factory.Create(id, execution.Job, execution.Ports)
		if err != nil {
			metrics.ReconcileErrors.WithLabelValues("supervisor_create").Inc()
			r.logger.Warn().Err(err).Str("job_id", id.String()).Msg("supervisor creation failed, will retry")
			continue
		}
		r.registry.put(id, sup)
		metrics.SupervisorsCreated.Inc()
		r.publish(events.EventSupervisorCreated, id, "")
	}

	for _, id := range r.registry.ids() {
		if _, ok := r.executions[id]; ok {
			continue
		}
		sup, _ := r.registry.get(id)
		if err := sup.Close(); err != nil {
			r.logger.Warn().Err(err).Str("job_id", id.String()).Msg("supervisor close failed")
		}
		r.registry.remove(id)
		metrics.SupervisorsClosed.Inc()
		r.publish(events.EventSupervisorClosed, id, "")
	}
}

// checkInvariants verifies that no supervisor exists for a job absent
// from the committed map. Such a supervisor could mutate a container
// the ledger knows nothing about, which is unrecoverable.
func (r *reconciler) checkInvariants() error {
	for _, id := range r.registry.ids() {
		if _, ok := r.executions[id]; !ok {
			return fmt.Errorf("invariant violation: supervisor %s has no committed execution", id)
		}
	}
	return nil
}

// driveGoals issues start/stop calls where the committed goal differs
// from the supervisor's observed direction. All calls are idempotent.
func (r *reconciler) driveGoals() {
	for id, execution := range r.executions {
		sup, ok := r.registry.get(id)
		if !ok {
			// Creation failed this tick; retried on the next one.
			continue
		}
		status := sup.Status()

		var err error
		switch execution.Goal {
		case types.GoalStart:
			if !status.Starting {
				err = sup.Start()
			}
		case types.GoalStop:
			if !status.Stopping {
				err = sup.Stop()
			}
		case types.GoalUndeploy:
			if !status.Stopping && !status.Done {
				err = sup.Stop()
			}
		default:
			err = errors.New("unknown goal " + string(execution.Goal))
		}
		if err != nil {
			metrics.ReconcileErrors.WithLabelValues("supervisor_op").Inc()
			r.logger.Warn().Err(err).Str("job_id", id.String()).Str("goal", string(execution.Goal)).
				Msg("supervisor operation failed, will retry")
		}
	}
}

func (r *reconciler) publish(eventType events.Type, id types.JobID, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(events.New(eventType, id.String(), message))
}
