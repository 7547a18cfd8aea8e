package procedure

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitloop/orbitloop/pkg/config"
	"github.com/orbitloop/orbitloop/pkg/drivers/sim"
	"github.com/orbitloop/orbitloop/pkg/engine"
)

const scenarioYAML = `
name: host-test
parameters:
  - name: BATT_V
    values: [26.9, 27.4, 28.1]
    raw: [2690, 2740, 2810]
  - name: PAYLOAD_STATE
    interface: PAYLOAD
    values: ["OFF"]
  - name: TEMP
    values: [21.5, 22.0]
    invalid: [0]
commands:
  - name: PAYLOAD_ON
    fail_first: 1
    effects:
      PAYLOAD_STATE: "ON"
  - name: SET_HEATER
    effects:
      TEMP: $setpoint
`

type recordingSink struct {
	mu            sync.Mutex
	notifications []engine.Notification
}

func (r *recordingSink) Publish(n engine.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

func (r *recordingSink) count(kind engine.NotifyKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, note := range r.notifications {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	sim  *sim.Simulator
	exec *engine.Execution
	sink *recordingSink
	host *Host
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	sc, err := sim.ParseScenario([]byte(scenarioYAML))
	require.NoError(t, err)

	f := &fixture{
		sim:  sim.New(sc, zerolog.Nop()),
		exec: engine.NewExecution(context.Background()),
		sink: &recordingSink{},
	}
	t.Cleanup(f.exec.Close)

	ctrl := engine.NewController(f.exec, engine.NewResolver(), f.sink)
	f.host = NewHost(ctrl, f.sim, f.sim, opts...)
	return f
}

func (f *fixture) run(t *testing.T, script string) (*Result, error) {
	t.Helper()
	return f.host.Run(context.Background(), "test.star", []byte(script))
}

func TestRun_VerifyConverges(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, `
ok = verify(["BATT_V", ge, 28.0], retries=3)
`)
	require.NoError(t, err)
	assert.Equal(t, true, res.Globals["ok"])
	assert.Equal(t, 1, res.Operations)
	assert.Positive(t, f.sink.count(engine.NotifyVerification))
	assert.Equal(t, 1, f.sink.count(engine.NotifyReport))
}

func TestRun_VerifyGroup(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, `
ok = verify([OR, ["PAYLOAD_STATE", eq, "ON"], ["BATT_V", bw, 26.0, 27.0]], retries=0)
bad = verify([AND, ["PAYLOAD_STATE", eq, "ON"], ["BATT_V", gt, 0]], retries=0)
`)
	require.NoError(t, err)
	assert.Equal(t, true, res.Globals["ok"])
	assert.Equal(t, false, res.Globals["bad"])
	assert.Equal(t, 2, res.Operations)
}

func TestRun_StackLayers(t *testing.T) {
	stack := &config.Stack{Items: map[string]config.Layer{
		"BATT_V": {Retries: config.Int(0)},
	}}
	f := newFixture(t, WithOptionSource(stack))

	res, err := f.run(t, `
ok = verify(["BATT_V", ge, 28.0])
`)
	require.NoError(t, err)
	assert.Equal(t, false, res.Globals["ok"])
}

func TestRun_SendWithVerification(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, `
sent = send("PAYLOAD_ON", verify=["PAYLOAD_STATE", eq, "ON"], on_failure=RESEND)
heater = send("SET_HEATER", {"setpoint": 30})
temp = get_tm("TEMP")
`)
	require.NoError(t, err)
	assert.Equal(t, true, res.Globals["sent"])
	assert.Equal(t, true, res.Globals["heater"])
	assert.Equal(t, int64(30), res.Globals["temp"])

	sent := f.sim.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "PAYLOAD_ON", sent[0].Name)
	assert.Equal(t, int64(30), sent[1].Args["setpoint"])
}

func TestRun_GetTelemetry(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, `
eng = get_tm("BATT_V")
raw = get_tm(name="BATT_V", value_format="RAW")
`)
	require.NoError(t, err)
	assert.Equal(t, 26.9, res.Globals["eng"])
	assert.Equal(t, int64(2740), res.Globals["raw"])
}

func TestRun_GiveChoice(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, `
value, action = get_tm("TEMP", on_failure=SKIP, give_choice=True)
`)
	require.NoError(t, err)
	assert.Nil(t, res.Globals["value"])
	assert.Equal(t, "SKIP", res.Globals["action"])
}

func TestRun_HandleSurfacesAsError(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(t, `
get_tm("TEMP", on_failure=HANDLE)
`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), engine.ErrCodeInvalidValue)
	assert.Contains(t, err.Error(), "TEMP")
	assert.False(t, f.exec.Aborted())
}

func TestRun_ActionMasks(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, `
mask = ABORT | RESEND
`)
	require.NoError(t, err)
	assert.Equal(t, int64(engine.ActionAbort|engine.ActionResend), res.Globals["mask"])
	assert.Equal(t, 0, res.Operations)
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{name: "unknown item", script: `get_tm("NOPE")`, want: "NOPE"},
		{name: "unknown option", script: `verify(["BATT_V", ge, 1], loudly=True)`, want: "loudly"},
		{name: "bad comparator", script: `verify(["BATT_V", "approx", 1])`, want: "group element"},
		{name: "missing condition", script: `verify(retries=1)`, want: "condition argument"},
		{name: "script error", script: `x = 1 + "a"`, want: "unknown binary op"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.run(t, tt.script)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRun_Timeout(t *testing.T) {
	f := newFixture(t, WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := f.run(t, `sleep(5)`)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, engine.IsAborted(err))
	assert.Equal(t, engine.ErrCodeTimeout, engine.CodeOf(err))
}

func TestRun_Abort(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, `
get_tm("BATT_V")
abort("operator said so")
get_tm("BATT_V")
`)
	require.Error(t, err)
	assert.True(t, engine.IsAborted(err))
	assert.True(t, f.exec.Aborted())
	assert.Equal(t, 1, res.Operations)
}

func TestRun_Globals(t *testing.T) {
	f := newFixture(t)

	res, err := f.run(t, `
def helper():
    return 1

values = [helper(), 2.5, "x"]
_private = 3
id = execution_id
`)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), 2.5, "x"}, res.Globals["values"])
	assert.NotContains(t, res.Globals, "helper")
	assert.NotContains(t, res.Globals, "_private")
	assert.Equal(t, f.exec.ID, res.Globals["id"])
}

func TestRunFile(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "power.star")
	require.NoError(t, os.WriteFile(path, []byte(`ok = verify(["BATT_V", gt, 20])`), 0o644))

	res, err := f.host.RunFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, true, res.Globals["ok"])

	_, err = f.host.RunFile(context.Background(), filepath.Join(t.TempDir(), "missing.star"))
	assert.Error(t, err)
}
