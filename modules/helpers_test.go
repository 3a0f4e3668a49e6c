package modules

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/caffeineduck/lode/engine"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

type testEnv struct {
	*engine.Env
	logs *bytes.Buffer
}

func newTestEnv(t *testing.T, opts []engine.Option, mods ...engine.Module) *testEnv {
	t.Helper()
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	all := append([]engine.Option{engine.WithLogger(logger), engine.WithModules(mods...)}, opts...)
	env, err := engine.New(all...)
	require.NoError(t, err)
	t.Cleanup(func() { env.Close() })
	return &testEnv{Env: env, logs: logs}
}

func (e *testEnv) run(t *testing.T, code string) {
	t.Helper()
	require.NoError(t, e.L.DoString(code))
}

func (e *testEnv) global(name string) lua.LValue {
	return e.L.GetGlobal(name)
}

// stepUntil drives the loop until cond holds.
func (e *testEnv) stepUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		e.Loop.Step(5 * time.Millisecond)
	}
}

// fakeController records lifecycle requests.
type fakeController struct {
	exits  int
	stops  int
	aborts []string
	alive  bool
}

func (c *fakeController) Exit()               { c.exits++ }
func (c *fakeController) Abort(reason string) { c.aborts = append(c.aborts, reason) }
func (c *fakeController) Stop()               { c.stops++; c.alive = false }
func (c *fakeController) Alive() bool         { return c.alive }
