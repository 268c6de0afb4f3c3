package agent

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seastack/bosun/pkg/desired"
	"github.com/seastack/bosun/pkg/log"
	"github.com/seastack/bosun/pkg/ports"
	"github.com/seastack/bosun/pkg/store"
	"github.com/seastack/bosun/pkg/supervisor"
	"github.com/seastack/bosun/pkg/types"
)

func intPtr(v int) *int { return &v }

var (
	fooJob = types.Job{
		ID:      types.JobID{Name: "foo", Version: "17", Hash: "aaaa"},
		Image:   "foo:4711",
		Command: []string{"foo", "foo"},
		Ports: map[string]types.PortMapping{
			"p1": {InternalPort: 4711},
			"p2": {InternalPort: 4712, ExternalPort: intPtr(12345)},
		},
	}
	fooPorts = map[string]int{"p1": 30000, "p2": 12345}

	barJob = types.Job{
		ID:      types.JobID{Name: "bar", Version: "63", Hash: "bbbb"},
		Image:   "bar:5656",
		Command: []string{"bar", "bar"},
	}
	barPorts = map[string]int{}
)

// fakeSupervisor records calls and reports whatever status the test
// sets, mirroring how supervisors behave asynchronously: a Start call
// does not flip the observed status until the test says so.
type fakeSupervisor struct {
	mu     sync.Mutex
	status supervisor.Status
	starts int
	stops  int
	closes int
}

func (s *fakeSupervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

func (s *fakeSupervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *fakeSupervisor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *fakeSupervisor) Status() supervisor.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *fakeSupervisor) setStatus(status supervisor.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

func (s *fakeSupervisor) counts() (starts, stops, closes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops, s.closes
}

type createdSupervisor struct {
	sup   *fakeSupervisor
	ports map[string]int
}

// fakeFactory hands out a fresh fakeSupervisor per Create and records
// the ports each one was created with.
type fakeFactory struct {
	mu      sync.Mutex
	created map[types.JobID][]createdSupervisor
	failFor map[types.JobID]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		created: make(map[types.JobID][]createdSupervisor),
		failFor: make(map[types.JobID]error),
	}
}

func (f *fakeFactory) Create(id types.JobID, job types.Job, allocation map[string]int) (supervisor.Supervisor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[id]; err != nil {
		return nil, err
	}
	sup := &fakeSupervisor{}
	f.created[id] = append(f.created[id], createdSupervisor{sup: sup, ports: allocation})
	return sup, nil
}

// latest returns the most recently created supervisor for id.
func (f *fakeFactory) latest(t *testing.T, id types.JobID) *fakeSupervisor {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.created[id]
	require.NotEmpty(t, list, "no supervisor created for %s", id)
	return list[len(list)-1].sup
}

func (f *fakeFactory) createCount(id types.JobID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created[id])
}

func (f *fakeFactory) createdPorts(t *testing.T, id types.JobID, n int) map[string]int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(t, len(f.created[id]), n)
	return f.created[id][n].ports
}

// fakeAllocator returns canned allocations keyed by the sorted port
// names of the request, and records every call.
type fakeAllocator struct {
	mu          sync.Mutex
	allocations map[string]map[string]int
	failFor     map[string]error
	calls       int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{
		allocations: make(map[string]map[string]int),
		failFor:     make(map[string]error),
	}
}

func portSignature(requested map[string]types.PortMapping) string {
	names := make([]string, 0, len(requested))
	for name := range requested {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

func (a *fakeAllocator) Allocate(requested map[string]types.PortMapping, inUse map[int]struct{}) (map[string]int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	sig := portSignature(requested)
	if err := a.failFor[sig]; err != nil {
		return nil, err
	}
	allocation, ok := a.allocations[sig]
	if !ok {
		return map[string]int{}, nil
	}
	out := make(map[string]int, len(allocation))
	for name, port := range allocation {
		out[name] = port
	}
	return out, nil
}

func (a *fakeAllocator) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// harness wires a reconciler to fakes and drives it tick by tick, the
// way the reactor would, but synchronously.
type harness struct {
	source  *desired.Static
	st      *store.MemoryStore
	factory *fakeFactory
	alloc   *fakeAllocator
	fatals  []error
	rec     *reconciler
}

func newHarness() *harness {
	h := &harness{
		source:  desired.NewStatic(),
		st:      store.NewMemoryStore(),
		factory: newFakeFactory(),
		alloc:   newFakeAllocator(),
	}
	h.alloc.allocations["p1,p2"] = map[string]int{"p1": 30000, "p2": 12345}
	h.rec = &reconciler{
		source:    h.source,
		store:     h.st,
		factory:   h.factory,
		allocator: h.alloc,
		fatal:     func(err error) { h.fatals = append(h.fatals, err) },
		logger:    log.WithComponent("reconciler"),
		registry:  newRegistry(),
	}
	return h
}

func (h *harness) recover(t *testing.T) {
	t.Helper()
	require.NoError(t, h.rec.recover())
}

func (h *harness) tick(t *testing.T) {
	t.Helper()
	require.NoError(t, h.rec.tick(context.Background()))
}

func (h *harness) persisted(t *testing.T) types.ExecutionsMap {
	t.Helper()
	m, err := h.st.Get()
	require.NoError(t, err)
	return m
}

func TestColdStartAllocatesPortsAndStartsSupervisors(t *testing.T) {
	h := newHarness()
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h.source.Put(types.Task{Job: barJob, Goal: types.GoalStart})

	h.recover(t)
	h.tick(t)

	persisted := h.persisted(t)
	require.Len(t, persisted, 2)
	assert.Equal(t, fooPorts, persisted[fooJob.ID].Ports)
	assert.Equal(t, barPorts, persisted[barJob.ID].Ports)

	foo := h.factory.latest(t, fooJob.ID)
	bar := h.factory.latest(t, barJob.ID)
	starts, _, _ := foo.counts()
	assert.Equal(t, 1, starts)
	starts, _, _ = bar.counts()
	assert.Equal(t, 1, starts)

	// Once the supervisors report they are starting, further ticks are
	// no-ops.
	foo.setStatus(supervisor.Status{Starting: true, State: types.StateRunning})
	bar.setStatus(supervisor.Status{Starting: true, State: types.StateRunning})
	h.tick(t)
	h.tick(t)

	starts, stops, _ := foo.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
	starts, stops, _ = bar.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
}

func TestRecoveryReusesPersistedPorts(t *testing.T) {
	h := newHarness()

	// Legacy ledger with empty port allocations.
	seed := types.ExecutionsMap{
		fooJob.ID: {Job: fooJob, Goal: types.GoalStart, Ports: map[string]int{}},
		barJob.ID: {Job: barJob, Goal: types.GoalStart, Ports: map[string]int{}},
	}
	require.NoError(t, h.st.Set(seed))

	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h.source.Put(types.Task{Job: barJob, Goal: types.GoalStop})

	h.recover(t)

	assert.Zero(t, h.alloc.callCount(), "allocator must not run on recovery")
	assert.Equal(t, map[string]int{}, h.factory.createdPorts(t, fooJob.ID, 0))
	assert.Equal(t, map[string]int{}, h.factory.createdPorts(t, barJob.ID, 0))

	h.tick(t)

	foo := h.factory.latest(t, fooJob.ID)
	bar := h.factory.latest(t, barJob.ID)
	starts, _, _ := foo.counts()
	assert.Equal(t, 1, starts)
	_, stops, _ := bar.counts()
	assert.Equal(t, 1, stops)

	foo.setStatus(supervisor.Status{Starting: true, Done: true, State: types.StateRunning})
	bar.setStatus(supervisor.Status{Stopping: true, Done: true, State: types.StateStopped})
	h.tick(t)

	starts, _, _ = foo.counts()
	assert.Equal(t, 1, starts)
	_, stops, _ = bar.counts()
	assert.Equal(t, 1, stops)
	assert.Zero(t, h.alloc.callCount())
}

func TestRecoveryWithoutInstructionsStartsSupervisors(t *testing.T) {
	h := newHarness()
	seed := types.ExecutionsMap{
		fooJob.ID: {Job: fooJob, Goal: types.GoalStart, Ports: map[string]int{}},
	}
	require.NoError(t, h.st.Set(seed))

	h.recover(t)

	assert.Zero(t, h.alloc.callCount())
	assert.Equal(t, 1, h.factory.createCount(fooJob.ID))

	h.tick(t)
	foo := h.factory.latest(t, fooJob.ID)
	starts, _, _ := foo.counts()
	assert.Equal(t, 1, starts)

	// With no desired rows at all, the execution is left alone: a
	// missing row is not a stop signal.
	foo.setStatus(supervisor.Status{Starting: true, Done: true, State: types.StateRunning})
	h.tick(t)
	_, stops, _ := foo.counts()
	assert.Equal(t, 0, stops)
	assert.Contains(t, h.persisted(t), fooJob.ID)
}

func TestRecoveryHonorsUndeploy(t *testing.T) {
	h := newHarness()
	seed := types.ExecutionsMap{
		fooJob.ID: {Job: fooJob, Goal: types.GoalStart, Ports: map[string]int{}},
	}
	require.NoError(t, h.st.Set(seed))

	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalUndeploy})

	h.recover(t)
	assert.Zero(t, h.alloc.callCount())
	foo := h.factory.latest(t, fooJob.ID)

	h.tick(t)
	_, stops, _ := foo.counts()
	assert.Equal(t, 1, stops)

	foo.setStatus(supervisor.Status{Stopping: true, Done: true, State: types.StateStopped})
	h.tick(t)

	starts, _, closes := foo.counts()
	assert.Equal(t, 0, starts, "undeployed supervisor must not restart")
	assert.Equal(t, 1, closes, "quiesced undeploy is reaped and closed")
	assert.Empty(t, h.persisted(t))
	assert.Zero(t, h.rec.registry.len())
}

func TestRemovalWithoutUndeployDoesNotStop(t *testing.T) {
	h := newHarness()
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})

	h.recover(t)
	h.tick(t)
	foo := h.factory.latest(t, fooJob.ID)
	foo.setStatus(supervisor.Status{Starting: true, State: types.StateRunning})

	// The desired row vanishes without an undeploy. The container must
	// keep running: a transient master glitch is not a stop order.
	h.source.Remove(fooJob.ID)
	h.tick(t)
	h.tick(t)

	starts, stops, closes := foo.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
	assert.Equal(t, 0, closes)
	assert.Contains(t, h.persisted(t), fooJob.ID)
}

func TestUndeployThenReaddCreatesFreshExecution(t *testing.T) {
	h := newHarness()
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})

	h.recover(t)
	h.tick(t)
	require.Equal(t, 1, h.alloc.callCount())
	first := h.factory.latest(t, fooJob.ID)
	first.setStatus(supervisor.Status{Starting: true, State: types.StateRunning})

	// Undeploy stops the supervisor.
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalUndeploy})
	h.tick(t)
	_, stops, _ := first.counts()
	require.Equal(t, 1, stops)

	// Re-add while the undeploy is still in flight is deferred.
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h.tick(t)
	assert.Equal(t, 1, h.factory.createCount(fooJob.ID))
	assert.Equal(t, types.GoalUndeploy, h.rec.executions[fooJob.ID].Goal)

	// Once the old supervisor quiesces it is reaped, and the next pass
	// builds a fresh execution with freshly allocated ports.
	first.setStatus(supervisor.Status{Stopping: true, Done: true, State: types.StateStopped})
	h.tick(t)
	h.tick(t)

	assert.Equal(t, 2, h.alloc.callCount())
	assert.Equal(t, 2, h.factory.createCount(fooJob.ID))
	_, _, closes := first.counts()
	assert.Equal(t, 1, closes)

	second := h.factory.latest(t, fooJob.ID)
	starts, _, _ := second.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, fooPorts, h.persisted(t)[fooJob.ID].Ports)
}

func TestGoalChangePreservesPorts(t *testing.T) {
	h := newHarness()
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})

	h.recover(t)
	h.tick(t)
	committed := h.persisted(t)[fooJob.ID]
	require.Equal(t, fooPorts, committed.Ports)

	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStop})
	h.tick(t)

	after := h.persisted(t)[fooJob.ID]
	assert.Equal(t, types.GoalStop, after.Goal)
	assert.Equal(t, fooPorts, after.Ports)
	assert.Equal(t, committed.Job, after.Job)
	assert.Equal(t, 1, h.alloc.callCount())
	assert.Equal(t, 1, h.factory.createCount(fooJob.ID))

	foo := h.factory.latest(t, fooJob.ID)
	_, stops, _ := foo.counts()
	assert.Equal(t, 1, stops)
}

func TestPortAllocationFailureSkipsJob(t *testing.T) {
	h := newHarness()
	h.alloc.failFor["p1,p2"] = ports.ErrPortConflict

	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h.source.Put(types.Task{Job: barJob, Goal: types.GoalStart})

	h.recover(t)
	h.tick(t)

	// BAR proceeds even though FOO's allocation failed.
	persisted := h.persisted(t)
	assert.NotContains(t, persisted, fooJob.ID)
	assert.Contains(t, persisted, barJob.ID)
	bar := h.factory.latest(t, barJob.ID)
	starts, _, _ := bar.counts()
	assert.Equal(t, 1, starts)

	// The next tick retries FOO once the conflict clears.
	h.alloc.mu.Lock()
	delete(h.alloc.failFor, "p1,p2")
	h.alloc.mu.Unlock()
	h.tick(t)

	assert.Contains(t, h.persisted(t), fooJob.ID)
	foo := h.factory.latest(t, fooJob.ID)
	starts, _, _ = foo.counts()
	assert.Equal(t, 1, starts)
}

func TestTicksAreIdempotent(t *testing.T) {
	h := newHarness()
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h.source.Put(types.Task{Job: barJob, Goal: types.GoalStart})

	h.recover(t)
	h.tick(t)
	foo := h.factory.latest(t, fooJob.ID)
	bar := h.factory.latest(t, barJob.ID)
	foo.setStatus(supervisor.Status{Starting: true, State: types.StateRunning})
	bar.setStatus(supervisor.Status{Starting: true, State: types.StateRunning})
	h.tick(t)

	persisted := h.persisted(t)
	allocCalls := h.alloc.callCount()
	fooStarts, _, _ := foo.counts()

	for i := 0; i < 3; i++ {
		h.tick(t)
	}

	assert.Equal(t, persisted, h.persisted(t))
	assert.Equal(t, allocCalls, h.alloc.callCount())
	starts, _, _ := foo.counts()
	assert.Equal(t, fooStarts, starts)
	assert.Equal(t, 1, h.factory.createCount(fooJob.ID))
	assert.Equal(t, 1, h.factory.createCount(barJob.ID))
}

func TestRestartYieldsSameState(t *testing.T) {
	h := newHarness()
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h.recover(t)
	h.tick(t)
	before := h.persisted(t)

	// Second agent over the same store and desired table.
	h2 := newHarness()
	h2.st = h.st
	h2.rec.store = h.st
	h2.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h2.recover(t)
	h2.tick(t)

	assert.Zero(t, h2.alloc.callCount(), "restart must not reallocate ports")
	assert.Equal(t, before, h2.persisted(t))
	assert.Equal(t, fooPorts, h2.factory.createdPorts(t, fooJob.ID, 0))
}

func TestRegistryMatchesLedger(t *testing.T) {
	h := newHarness()
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h.source.Put(types.Task{Job: barJob, Goal: types.GoalStop})

	h.recover(t)

	check := func() {
		t.Helper()
		assert.Equal(t, len(h.rec.executions), h.rec.registry.len())
		for id := range h.rec.executions {
			_, ok := h.rec.registry.get(id)
			assert.True(t, ok, "missing supervisor for %s", id)
		}
	}

	h.tick(t)
	check()

	h.source.Put(types.Task{Job: barJob, Goal: types.GoalUndeploy})
	h.tick(t)
	check()

	h.factory.latest(t, barJob.ID).setStatus(supervisor.Status{Stopping: true, Done: true, State: types.StateStopped})
	h.tick(t)
	check()
	assert.NotContains(t, h.rec.executions, barJob.ID)
}

func TestPortsDisjointWithRealAllocator(t *testing.T) {
	h := newHarness()
	h.rec.allocator = ports.NewRangeAllocator(20000, 20100)

	other := types.Job{
		ID:    types.JobID{Name: "qux", Version: "1", Hash: "cccc"},
		Image: "qux:1",
		Ports: map[string]types.PortMapping{
			"p1": {InternalPort: 8080},
			"p2": {InternalPort: 8081},
		},
	}
	h.source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})
	h.source.Put(types.Task{Job: other, Goal: types.GoalStart})

	h.recover(t)
	h.tick(t)

	persisted := h.persisted(t)
	require.Len(t, persisted, 2)
	seen := map[int]types.JobID{}
	for id, execution := range persisted {
		for _, port := range execution.Ports {
			prev, dup := seen[port]
			require.False(t, dup, "port %d assigned to both %s and %s", port, prev, id)
			seen[port] = id
		}
	}
}

func TestPersistFailureIsFatal(t *testing.T) {
	h := newHarness()
	h.st.FailSet = errors.New("disk gone")
	h.source.Put(types.Task{Job: barJob, Goal: types.GoalStart})

	h.recover(t)
	err := h.rec.tick(context.Background())

	require.Error(t, err)
	require.Len(t, h.fatals, 1)
	assert.ErrorContains(t, h.fatals[0], "persist")
	// No supervisor may be created for an execution that was never
	// made durable.
	assert.Zero(t, h.factory.createCount(barJob.ID))
}

func TestAgentLifecycle(t *testing.T) {
	source := desired.NewStatic()
	st := store.NewMemoryStore()
	factory := newFakeFactory()
	alloc := newFakeAllocator()
	alloc.allocations["p1,p2"] = map[string]int{"p1": 30000, "p2": 12345}

	a, err := New(Config{
		NodeID:    "test-node",
		Source:    source,
		Store:     st,
		Factory:   factory,
		Allocator: alloc,
		Interval:  time.Hour, // reconciliation driven by notifications only
		Fatal:     func(err error) { t.Errorf("unexpected fatal: %v", err) },
	})
	require.NoError(t, err)
	require.NoError(t, a.Start())

	// The initial tick runs even with an empty table.
	source.Put(types.Task{Job: fooJob, Goal: types.GoalStart})

	require.Eventually(t, func() bool {
		return factory.createCount(fooJob.ID) == 1
	}, 5*time.Second, 10*time.Millisecond)

	foo := factory.latest(t, fooJob.ID)
	require.Eventually(t, func() bool {
		starts, _, _ := foo.counts()
		return starts == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Shutdown closes every supervisor exactly once and never stops
	// containers.
	a.Stop()

	starts, stops, closes := foo.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 0, stops)
	assert.Equal(t, 1, closes)

	// The ledger survives shutdown untouched.
	m, err := st.Get()
	require.NoError(t, err)
	assert.Contains(t, m, fooJob.ID)
}

func TestAgentRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
