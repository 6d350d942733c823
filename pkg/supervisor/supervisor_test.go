package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmon/fleetmon/pkg/config"
	"github.com/fleetmon/fleetmon/pkg/ssa"
	"github.com/fleetmon/fleetmon/pkg/types"
)

func writeConfig(t *testing.T, dir string, aliases ...string) string {
	t.Helper()
	var b strings.Builder
	fmt.Fprintf(&b, "work_dir: %s\nretry_interval: 60\n", dir)
	b.WriteString("sites:\n")
	for _, a := range aliases {
		fmt.Fprintf(&b, "  - alias: %s\n    command: rsd\n    endpoints: [\"127.0.0.1:1\"]\n", a)
	}
	path := filepath.Join(dir, "etc", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return path
}

func loadConfig(t *testing.T, path string) *config.Config {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

// startRunning runs a supervisor in the background and waits for its
// control socket to come up.
func startRunning(t *testing.T, dir, path string) (*Supervisor, chan error, context.CancelFunc) {
	t.Helper()
	s := New(loadConfig(t, path), path)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(ControlSocketPath(dir))
		return err == nil
	}, 3*time.Second, 50*time.Millisecond)
	return s, done, cancel
}

func waitDone(t *testing.T, done chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestBlockSentinelRefusesToRun(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	require.NoError(t, os.WriteFile(BlockPath(dir), nil, 0644))

	s := New(loadConfig(t, path), path)
	err := s.Run(context.Background())
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestControlIsAliveAndShutdown(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	_, done, cancel := startRunning(t, dir, path)
	defer cancel()

	b, err := SendCommand(dir, types.OpIsAlive, 0)
	require.NoError(t, err)
	assert.Equal(t, types.AckByte, b)

	info, err := ssa.ReadActive(filepath.Join(dir, "fifo"))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.Equal(t, 1, info.Sites)
	assert.NotEqual(t, uuid.Nil, info.ClientIDs[0], "polling client registered in active file")

	b, err = SendCommand(dir, types.OpShutdown, 0)
	require.NoError(t, err)
	assert.Equal(t, types.AckByte, b)
	waitDone(t, done)
}

func TestShutdownAllStopsAuxWriters(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	s, done, cancel := startRunning(t, dir, path)
	defer cancel()

	b, err := SendCommand(dir, types.OpShutdownAll, 0)
	require.NoError(t, err)
	assert.Equal(t, types.AckByte, b)
	waitDone(t, done)

	st := s.Store().Status()
	assert.Equal(t, types.StatusDisconnected, st.SysLogStatus)
	assert.False(t, st.MonLogStatus)
}

func TestDisableAndEnableSite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	s, done, cancel := startRunning(t, dir, path)
	defer cancel()

	idx := s.Store().Index("berlin")
	require.GreaterOrEqual(t, idx, 0)

	b, err := SendCommand(dir, types.OpDisableMon, idx)
	require.NoError(t, err)
	assert.Equal(t, types.AckByte, b)
	require.Eventually(t, func() bool {
		rec, err := s.Store().Record(idx)
		return err == nil && rec.ConnectStatus == types.StatusDisabled
	}, 3*time.Second, 50*time.Millisecond)

	b, err = SendCommand(dir, types.OpEnableMon, idx)
	require.NoError(t, err)
	assert.Equal(t, types.AckByte, b)
	require.Eventually(t, func() bool {
		rec, err := s.Store().Record(idx)
		return err == nil && rec.ConnectStatus != types.StatusDisabled
	}, 3*time.Second, 50*time.Millisecond)

	_, err = SendCommand(dir, types.OpShutdown, 0)
	require.NoError(t, err)
	waitDone(t, done)
}

func TestReloadPicksUpNewSite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	s, done, cancel := startRunning(t, dir, path)
	defer cancel()
	require.Equal(t, 1, s.Store().Len())

	writeConfig(t, dir, "berlin", "munich")
	// Guarantee an mtime the watcher cannot miss regardless of
	// filesystem timestamp granularity.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		return s.Store().Len() == 2
	}, 6*time.Second, 100*time.Millisecond)
	assert.GreaterOrEqual(t, s.Store().Index("munich"), 0)

	_, err := SendCommand(dir, types.OpShutdown, 0)
	require.NoError(t, err)
	waitDone(t, done)
}

func TestSendCommandWithoutSupervisor(t *testing.T) {
	_, err := SendCommand(t.TempDir(), types.OpIsAlive, 0)
	assert.Error(t, err)
}

// crash injects one synthetic client exit, the way runChild reports
// them.
func crash(s *Supervisor, at time.Time) {
	c := &child{
		kind:   kindClient,
		index:  0,
		alias:  "berlin",
		id:     uuid.New(),
		cancel: func() {},
		done:   make(chan struct{}),
	}
	s.clients[0] = c
	s.reap(childExit{kind: kindClient, index: 0, alias: "berlin", id: c.id, err: errors.New("boom"), at: at})
}

func TestReapThrottlesRapidCrashes(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	s := New(loadConfig(t, path), path)

	t0 := time.Now()
	crash(s, t0)
	assert.Equal(t, 0, s.procs[0].Restarts, "first crash starts the window")

	crash(s, t0.Add(time.Second))
	assert.Equal(t, 1, s.procs[0].Restarts, "second crash inside the window counts")

	crash(s, t0.Add(30*time.Second))
	assert.Equal(t, 1, s.procs[0].Restarts, "a slow crash does not count")
}

func TestReapGivesUpAfterRestartLimit(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	s := New(loadConfig(t, path), path)

	at := time.Now()
	for i := 0; i <= types.MaxWorkerRestarts; i++ {
		crash(s, at)
		at = at.Add(time.Second)
	}

	assert.True(t, s.procs[0].GaveUp)
	rec, err := s.Store().Record(0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusDefunct, rec.ConnectStatus)

	// A given-up site is not respawned.
	s.startClient(0)
	assert.Empty(t, s.clients)
}

func TestStaleExitDoesNotClobberReplacement(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	s := New(loadConfig(t, path), path)

	replacement := &child{kind: kindClient, index: 0, alias: "berlin", id: uuid.New()}
	s.clients[0] = replacement
	s.reap(childExit{kind: kindClient, index: 0, alias: "berlin", id: uuid.New(), err: errors.New("boom"), at: time.Now()})

	assert.Same(t, replacement, s.clients[0])
	assert.Equal(t, 0, s.procs[0].Restarts)
}

func TestRestartDelayEscalates(t *testing.T) {
	assert.Equal(t, time.Second, restartDelay(0))
	assert.Equal(t, 8*time.Second, restartDelay(3))
	assert.Equal(t, 32*time.Second, restartDelay(10))
}

func TestGotLCStartsForwarderOnOverlap(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	s := New(loadConfig(t, path), path)
	s.baseCtx, s.baseStop = context.WithCancel(context.Background())
	defer s.baseStop()

	require.NoError(t, s.store.Update(0, func(r *types.SiteRecord) {
		r.Options |= types.OptSystemLog
		r.Capabilities = types.OptSystemLog | types.OptTransferLog
	}))

	s.gotLC(0)
	require.Contains(t, s.forwarders, 0)
	assert.NotEmpty(t, s.procs[0].ForwarderID)
}

func TestGotLCWithoutOverlapStartsNothing(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "berlin")
	s := New(loadConfig(t, path), path)
	s.baseCtx, s.baseStop = context.WithCancel(context.Background())
	defer s.baseStop()

	require.NoError(t, s.store.Update(0, func(r *types.SiteRecord) {
		r.Capabilities = types.OptTransferLog
	}))

	s.gotLC(0)
	assert.Empty(t, s.forwarders)
}
