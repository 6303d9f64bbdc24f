package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-arcade/internal/tmux"
)

type statusCall struct {
	idle  bool
	agent string
	game  string
}

// fakeOrch is a scriptable Orchestrator. A successful respawn revives the
// pane, matching real tmux respawn-pane behaviour.
type fakeOrch struct {
	mu          sync.Mutex
	dead        map[int]bool
	failNext    int
	respawns    []int
	clears      []int
	statusCalls []statusCall
	options     map[string]string
	killed      bool
}

func newFakeOrch() *fakeOrch {
	return &fakeOrch{dead: make(map[int]bool), options: make(map[string]string)}
}

func (f *fakeOrch) IsPaneDead(window int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead[window]
}

func (f *fakeOrch) RespawnPane(window int, command string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respawns = append(f.respawns, window)
	if f.failNext > 0 {
		f.failNext--
		return errors.New("respawn refused")
	}
	f.dead[window] = false
	return nil
}

func (f *fakeOrch) ClearPane(window int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears = append(f.clears, window)
}

func (f *fakeOrch) UpdateStatusBar(agentIdle bool, agentName, currentGame string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls = append(f.statusCalls, statusCall{agentIdle, agentName, currentGame})
	return nil
}

func (f *fakeOrch) GetOption(key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.options[key], nil
}

func (f *fakeOrch) Kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = true
}

func (f *fakeOrch) setDead(window int, dead bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[window] = dead
}

func (f *fakeOrch) setFailNext(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

func (f *fakeOrch) setOption(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.options[key] = value
}

func (f *fakeOrch) respawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.respawns)
}

func (f *fakeOrch) statusCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.statusCalls)
}

func (f *fakeOrch) lastStatus() (statusCall, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusCalls) == 0 {
		return statusCall{}, false
	}
	return f.statusCalls[len(f.statusCalls)-1], true
}

type fakeDetector struct {
	mu      sync.Mutex
	started bool
	stopped bool
	idle    bool
	cb      func(bool)
}

func (d *fakeDetector) StartDetection() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	return nil
}

func (d *fakeDetector) StopDetection() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
}

func (d *fakeDetector) CurrentState() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.idle
}

func (d *fakeDetector) OnStateChange(cb func(idle bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

func (d *fakeDetector) fire(idle bool) {
	d.mu.Lock()
	d.idle = idle
	cb := d.cb
	d.mu.Unlock()
	if cb != nil {
		cb(idle)
	}
}

func newSupervisorForTest(t *testing.T, orch *fakeOrch, det Detector, mut func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{
		Orchestrator:     orch,
		Detector:         det,
		AgentName:        "Claude Code",
		GamePollInterval: time.Hour, // quiet unless the test wants it
		HealthInterval:   10 * time.Millisecond,
		RelaunchEvery:    time.Millisecond,
	}
	if mut != nil {
		mut(&cfg)
	}
	s := New(cfg)
	t.Cleanup(s.Stop)
	return s
}

func waitFatal(t *testing.T, s *Supervisor) error {
	t.Helper()
	select {
	case err := <-s.Fatal():
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("no fatal condition within timeout")
		return nil
	}
}

func TestPaneHealth_ExhaustedRelaunchesAreFatal(t *testing.T) {
	orch := newFakeOrch()
	s := newSupervisorForTest(t, orch, nil, nil)
	s.RegisterPane(0, tmux.NewCrashGuard("claude", "claude"), "claude")
	require.NoError(t, s.Start())

	orch.setFailNext(1000)
	orch.setDead(0, true)

	err := waitFatal(t, s)
	assert.ErrorIs(t, err, ErrPaneHealth)
	// Initial launch plus at least the three failed relaunch attempts.
	assert.GreaterOrEqual(t, orch.respawnCount(), 4)
}

func TestPaneHealth_SuccessfulRelaunchResetsCounter(t *testing.T) {
	orch := newFakeOrch()
	s := newSupervisorForTest(t, orch, nil, nil)
	s.RegisterPane(0, tmux.NewCrashGuard("claude", "claude"), "claude")
	require.NoError(t, s.Start())

	// Two relaunch errors, then the third attempt succeeds and revives the
	// pane. Two failures stay below the fatal threshold.
	orch.setFailNext(2)
	orch.setDead(0, true)

	require.Eventually(t, func() bool {
		return !orch.IsPaneDead(0)
	}, 2*time.Second, 5*time.Millisecond, "pane should be revived by the third attempt")

	select {
	case err := <-s.Fatal():
		t.Fatalf("unexpected fatal condition: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCrashLoop_TripsGuardAndWritesCrashFile(t *testing.T) {
	crashPath := filepath.Join(t.TempDir(), "crash.txt")
	orch := newFakeOrch()
	s := newSupervisorForTest(t, orch, nil, func(cfg *Config) {
		cfg.CrashFilePath = crashPath
	})
	s.RegisterPane(1, tmux.NewCrashGuard("the game", "agent-arcade-games"), "agent-arcade-games")
	require.NoError(t, s.Start())

	// First fast death: classified, relaunched successfully.
	launched := orch.respawnCount()
	orch.setDead(1, true)
	require.Eventually(t, func() bool {
		return orch.respawnCount() > launched && !orch.IsPaneDead(1)
	}, 2*time.Second, 5*time.Millisecond)

	// Second fast death trips the guard.
	orch.setDead(1, true)
	err := waitFatal(t, s)
	assert.ErrorIs(t, err, ErrCrashLoop)

	data, rerr := os.ReadFile(crashPath)
	require.NoError(t, rerr)
	assert.Contains(t, string(data), "the game crashed")
}

func TestGameStatusLoop_RerendersOnlyOnChange(t *testing.T) {
	orch := newFakeOrch()
	orch.setOption(tmux.OptCurrentGame, "snake")
	det := &fakeDetector{idle: true}
	s := newSupervisorForTest(t, orch, det, func(cfg *Config) {
		cfg.GamePollInterval = 5 * time.Millisecond
	})
	require.NoError(t, s.Start())

	require.Eventually(t, func() bool {
		return orch.statusCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Dozens of polls with an unchanged value must not re-render.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, orch.statusCount())

	orch.setOption(tmux.OptCurrentGame, "tetris")
	require.Eventually(t, func() bool {
		last, ok := orch.lastStatus()
		return ok && last.game == "tetris"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, orch.statusCount())
}

func TestReadiness_ForwardsTransitions(t *testing.T) {
	orch := newFakeOrch()
	orch.setOption(tmux.OptCurrentGame, "snake")
	det := &fakeDetector{}
	transitions := make(chan bool, 4)
	s := newSupervisorForTest(t, orch, det, func(cfg *Config) {
		cfg.OnTransition = func(idle bool) { transitions <- idle }
	})
	require.NoError(t, s.Start())

	det.fire(false)
	select {
	case idle := <-transitions:
		assert.False(t, idle)
	case <-time.After(2 * time.Second):
		t.Fatal("transition not forwarded")
	}
	last, ok := orch.lastStatus()
	require.True(t, ok)
	assert.False(t, last.idle)
	assert.Equal(t, "Claude Code", last.agent)
	assert.Equal(t, "snake", last.game)

	det.fire(true)
	select {
	case idle := <-transitions:
		assert.True(t, idle)
	case <-time.After(2 * time.Second):
		t.Fatal("transition not forwarded")
	}
}

func TestStop_JoinsLoopsAndStopsDetection(t *testing.T) {
	orch := newFakeOrch()
	det := &fakeDetector{}
	s := newSupervisorForTest(t, orch, det, nil)
	require.NoError(t, s.Start())
	require.True(t, det.started)

	// Second Start is a no-op while running.
	before := orch.respawnCount()
	require.NoError(t, s.Start())
	assert.Equal(t, before, orch.respawnCount())

	s.Stop()
	assert.True(t, det.stopped)
	s.Stop() // safe to repeat
}
