// Package supervisor composes one agent handle with the session
// orchestrator and runs three polling loops concurrently: readiness
// forwarding, game-status polling, and pane health. Fatal conditions are
// delivered on a channel; the CLI decides teardown and exit codes.
//
// Single-writer discipline: status bar state is written only by the
// readiness and game loops, pane guards and failure counters only by the
// health loop. New fields must pick one loop as their writer.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-arcade/internal/logging"
	"github.com/asheshgoplani/agent-arcade/internal/tmux"
)

var superLog = logging.ForComponent(logging.CompSupervise)

// Fatal conditions surfaced to the CLI.
var (
	// ErrCrashLoop means a pane's crash guard tripped.
	ErrCrashLoop = errors.New("crash loop detected")

	// ErrPaneHealth means relaunching a dead pane failed three times in a
	// row.
	ErrPaneHealth = errors.New("pane relaunch failures exhausted")
)

const (
	// maxRelaunchFailures is the consecutive relaunch-error count that
	// becomes fatal.
	maxRelaunchFailures = 3

	// joinTimeout bounds Stop's wait for each loop; a stuck loop is
	// abandoned.
	joinTimeout = 2 * time.Second
)

// Orchestrator is the session surface the supervisor drives. Implemented by
// *tmux.Session; faked in tests.
type Orchestrator interface {
	IsPaneDead(window int) bool
	RespawnPane(window int, command string, args ...string) error
	ClearPane(window int)
	UpdateStatusBar(agentIdle bool, agentName, currentGame string) error
	GetOption(key string) (string, error)
	Kill()
}

// Detector is the agent handle surface the supervisor consumes.
type Detector interface {
	StartDetection() error
	StopDetection()
	CurrentState() bool
	OnStateChange(func(idle bool))
}

// Config wires a Supervisor.
type Config struct {
	Orchestrator Orchestrator
	Detector     Detector

	// AgentName is rendered in the status bar.
	AgentName string

	// GamePollInterval is the @current-game mailbox poll cadence
	// (default 500ms).
	GamePollInterval time.Duration

	// HealthInterval is the pane liveness poll cadence (default 1s).
	HealthInterval time.Duration

	// RelaunchEvery spaces relaunch attempts (default 1s) so a dying pane
	// cannot turn into a respawn storm.
	RelaunchEvery time.Duration

	// CrashFilePath is the side-channel file a tripped guard writes its
	// explanation to.
	CrashFilePath string

	// OnTransition, when set, is called for every idle/active flip (history
	// recording). Runs on the readiness loop.
	OnTransition func(idle bool)
}

type paneSpec struct {
	guard   *tmux.CrashGuard
	command string
	args    []string

	// deadHandled marks a death already classified by the guard, so repeated
	// observations of the same dead pane are not counted as more exits.
	deadHandled bool
}

// Supervisor runs the three loops. Create with New, register panes, then
// Start.
type Supervisor struct {
	cfg  Config
	orch Orchestrator

	// Registration order fixes the health loop's pane scan order.
	windows []int
	panes   map[int]*paneSpec

	relaunchLimiter *rate.Limiter

	// failures is touched only by the health loop.
	failures map[int]int

	// stateCh is the single-slot conduit from the detection callback to the
	// readiness loop; only the latest state matters.
	stateCh chan bool

	fatal   chan error
	stop    chan struct{}
	started bool
	mu      sync.Mutex
	done    []chan struct{}
}

// New creates a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.GamePollInterval <= 0 {
		cfg.GamePollInterval = 500 * time.Millisecond
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = time.Second
	}
	if cfg.RelaunchEvery <= 0 {
		cfg.RelaunchEvery = time.Second
	}
	return &Supervisor{
		cfg:             cfg,
		orch:            cfg.Orchestrator,
		panes:           make(map[int]*paneSpec),
		failures:        make(map[int]int),
		relaunchLimiter: rate.NewLimiter(rate.Every(cfg.RelaunchEvery), 1),
		stateCh:         make(chan bool, 1),
		fatal:           make(chan error, 1),
	}
}

// RegisterPane adds a supervised pane: its launch parameters are reused for
// the initial launch and every later relaunch. Must be called before Start.
func (s *Supervisor) RegisterPane(window int, guard *tmux.CrashGuard, command string, args ...string) {
	s.windows = append(s.windows, window)
	s.panes[window] = &paneSpec{guard: guard, command: command, args: args}
}

// Fatal delivers the first fatal condition. The channel never closes.
func (s *Supervisor) Fatal() <-chan error { return s.fatal }

// Start launches all registered panes, starts detection, and spins up the
// three loops. Idempotent.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.stop = make(chan struct{})
	s.mu.Unlock()

	for _, w := range s.windows {
		spec := s.panes[w]
		if err := s.orch.RespawnPane(w, spec.command, spec.args...); err != nil {
			return fmt.Errorf("launch pane %d: %w", w, err)
		}
		spec.guard.RecordLaunch()
	}

	if s.cfg.Detector != nil {
		s.cfg.Detector.OnStateChange(func(idle bool) {
			// Coalesce: only the latest state matters.
			select {
			case s.stateCh <- idle:
			default:
				select {
				case <-s.stateCh:
				default:
				}
				select {
				case s.stateCh <- idle:
				default:
				}
			}
		})
		if err := s.cfg.Detector.StartDetection(); err != nil {
			return fmt.Errorf("start detection: %w", err)
		}
	}

	s.spawn(s.readinessLoop)
	s.spawn(s.gameStatusLoop)
	s.spawn(s.paneHealthLoop)
	superLog.Info("supervisor_started", "agent", s.cfg.AgentName, "panes", len(s.windows))
	return nil
}

// Stop signals all loops and joins each with a bounded timeout, then stops
// detection. Safe to call more than once.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stop)
	done := s.done
	s.done = nil
	s.mu.Unlock()

	for _, ch := range done {
		select {
		case <-ch:
		case <-time.After(joinTimeout):
			superLog.Warn("loop_join_timeout")
		}
	}

	if s.cfg.Detector != nil {
		s.cfg.Detector.StopDetection()
	}
	superLog.Info("supervisor_stopped")
}

func (s *Supervisor) spawn(loop func(stop chan struct{})) {
	done := make(chan struct{})
	s.mu.Lock()
	s.done = append(s.done, done)
	stop := s.stop
	s.mu.Unlock()
	go func() {
		defer close(done)
		loop(stop)
	}()
}

func (s *Supervisor) reportFatal(err error) {
	select {
	case s.fatal <- err:
	default:
	}
}

// readinessLoop forwards detection transitions to the status bar and the
// history recorder.
func (s *Supervisor) readinessLoop(stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case idle := <-s.stateCh:
			game, _ := s.orch.GetOption(tmux.OptCurrentGame)
			if err := s.orch.UpdateStatusBar(idle, s.cfg.AgentName, game); err != nil {
				superLog.Warn("status_update_failed", "error", err)
			}
			if s.cfg.OnTransition != nil {
				s.cfg.OnTransition(idle)
			}
		}
	}
}

// gameStatusLoop polls the @current-game mailbox and re-renders only when
// the value changes.
func (s *Supervisor) gameStatusLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.GamePollInterval)
	defer ticker.Stop()

	var lastGame string
	first := true
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		game, err := s.orch.GetOption(tmux.OptCurrentGame)
		if err != nil {
			continue
		}
		logging.Aggregate(logging.CompSupervise, "game_poll")
		if first || game != lastGame {
			first = false
			lastGame = game
			idle := true
			if s.cfg.Detector != nil {
				idle = s.cfg.Detector.CurrentState()
			}
			if err := s.orch.UpdateStatusBar(idle, s.cfg.AgentName, game); err != nil {
				superLog.Warn("status_update_failed", "error", err)
			}
		}
	}
}

// paneHealthLoop checks each registered pane every second, classifies
// deaths through the pane's crash guard, and relaunches below the
// threshold. Three consecutive relaunch errors are fatal.
func (s *Supervisor) paneHealthLoop(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		for _, w := range s.windows {
			logging.Aggregate(logging.CompSupervise, "pane_probe", slog.Int("window", w))
			spec := s.panes[w]
			if !s.orch.IsPaneDead(w) {
				s.failures[w] = 0
				spec.deadHandled = false
				continue
			}
			if s.handleDeadPane(w, spec) {
				return
			}
		}
	}
}

// handleDeadPane classifies a fresh death through the crash guard and runs
// one relaunch attempt. Returns true when a fatal condition was reported
// and the loop must exit.
func (s *Supervisor) handleDeadPane(window int, spec *paneSpec) bool {
	if !spec.deadHandled {
		spec.deadHandled = true
		if spec.guard.RecordExit() {
			if s.cfg.CrashFilePath != "" {
				if err := spec.guard.WriteCrashFile(s.cfg.CrashFilePath); err != nil {
					superLog.Error("crash_file_write_failed", "error", err)
				}
			}
			superLog.Error("crash_loop", "window", window)
			s.reportFatal(fmt.Errorf("pane %d: %w", window, ErrCrashLoop))
			return true
		}
	}

	if !s.relaunchLimiter.Allow() {
		// Next tick retries; the pane stays dead meanwhile.
		return false
	}

	s.orch.ClearPane(window)
	if err := s.orch.RespawnPane(window, spec.command, spec.args...); err != nil {
		s.failures[window]++
		superLog.Warn("relaunch_failed", "window", window, "failures", s.failures[window], "error", err)
		if s.failures[window] >= maxRelaunchFailures {
			superLog.Error("pane_health_exhausted", "window", window)
			s.reportFatal(fmt.Errorf("pane %d: %w", window, ErrPaneHealth))
			return true
		}
		return false
	}

	spec.guard.RecordLaunch()
	s.failures[window] = 0
	spec.deadHandled = false
	return false
}
