package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestJobIDRoundTrip(t *testing.T) {
	id := JobID{Name: "web", Version: "3", Hash: "deadbeef"}
	assert.Equal(t, "web:3:deadbeef", id.String())

	parsed, err := ParseJobID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseJobID("missing-parts")
	assert.Error(t, err)
}

func TestExecutionsMapJSONKeys(t *testing.T) {
	id := JobID{Name: "web", Version: "3", Hash: "deadbeef"}
	m := ExecutionsMap{
		id: {
			Job:   Job{ID: id, Image: "web:3"},
			Goal:  GoalStart,
			Ports: map[string]int{"http": 80},
		},
	}

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"web:3:deadbeef"`)

	var back ExecutionsMap
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m, back)
}

func TestWithGoalDoesNotMutate(t *testing.T) {
	e := Execution{Goal: GoalStart, Ports: map[string]int{"p": 1}}
	stopped := e.WithGoal(GoalStop)

	assert.Equal(t, GoalStart, e.Goal)
	assert.Equal(t, GoalStop, stopped.Goal)
	assert.Equal(t, e.Ports, stopped.Ports)
}

func TestDigestStableAndSensitive(t *testing.T) {
	job := Job{
		Image:   "web:3",
		Command: []string{"serve"},
		Ports: map[string]PortMapping{
			"http": {InternalPort: 8080, ExternalPort: intPtr(80)},
			"dbg":  {InternalPort: 6060},
		},
	}

	assert.Equal(t, job.Digest(), job.Digest())

	changed := job
	changed.Image = "web:4"
	assert.NotEqual(t, job.Digest(), changed.Digest())

	// The ID field itself does not feed the digest.
	withID := job
	withID.ID = JobID{Name: "web", Version: "3", Hash: "x"}
	assert.Equal(t, job.Digest(), withID.Digest())
}

func TestExternalPorts(t *testing.T) {
	m := ExecutionsMap{
		{Name: "a", Version: "1", Hash: "h1"}: {Ports: map[string]int{"p1": 80, "p2": 90}},
		{Name: "b", Version: "1", Hash: "h2"}: {Ports: map[string]int{"p1": 100}},
	}

	ports := m.ExternalPorts()
	assert.Equal(t, map[int]struct{}{80: {}, 90: {}, 100: {}}, ports)
}

func TestGoalValid(t *testing.T) {
	assert.True(t, GoalStart.Valid())
	assert.True(t, GoalStop.Valid())
	assert.True(t, GoalUndeploy.Valid())
	assert.False(t, Goal("restart").Valid())
	assert.False(t, Goal("").Valid())
}
