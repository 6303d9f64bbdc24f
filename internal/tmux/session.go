// Package tmux owns the external tmux session: window layout, key bindings,
// status bar rendering, pane (re)spawning, and pane liveness queries. All
// operations shell out to the tmux binary; captures are cached and
// deduplicated because three polling loops hit the same panes concurrently.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-arcade/internal/logging"
)

var sessionLog = logging.ForComponent(logging.CompSession)

// Window indices are load-bearing: detection and pane-health logic address
// panes strictly by these.
const (
	// AgentWindow hosts the supervised agent CLI.
	AgentWindow = 0

	// GameWindow hosts the companion command under the crash guard.
	GameWindow = 1
)

// Session option names used as a mailbox between this process and anything
// else scripting the session. Multi-writer, last-write-wins, advisory only.
const (
	OptSelectedAgent = "@selected-agent"
	OptCurrentGame   = "@current-game"
	OptGameKeys      = "@game-keys"
)

// ErrCaptureTimeout is returned when capture-pane exceeds its timeout.
// Callers should keep their previous state rather than treating the pane as
// gone.
var ErrCaptureTimeout = errors.New("capture-pane timed out")

const captureCacheTTL = 500 * time.Millisecond

// CheckTmux verifies the tmux binary is present and working. Called before
// any session is created so a missing multiplexer fails fast with an install
// hint instead of a cryptic exec error mid-setup.
func CheckTmux() error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return fmt.Errorf("tmux is not installed (%s)", installHint())
	}
	out, err := exec.Command("tmux", "-V").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux is installed but not working: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func installHint() string {
	switch runtime.GOOS {
	case "darwin":
		return "install it with: brew install tmux"
	case "linux":
		return "install it with your package manager, e.g. apt install tmux"
	default:
		return "see https://github.com/tmux/tmux/wiki/Installing"
	}
}

// Config selects session-level behavior.
type Config struct {
	// Name is the tmux session name.
	Name string

	// StatusBar enables the two-line status bar.
	StatusBar bool

	// MouseMode enables tmux mouse support.
	MouseMode bool

	// ToggleWindowKey and ExitAppKey are root-table key bindings.
	ToggleWindowKey string
	ExitAppKey      string
}

type captureEntry struct {
	content string
	at      time.Time
}

// Session wraps one tmux session holding the agent window and the games
// window. At most one live Session per supervising process; Create kills any
// pre-existing session of the same name.
type Session struct {
	cfg Config

	cacheMu   sync.RWMutex
	cache     map[int]captureEntry
	captureSf singleflight.Group
}

// NewSession builds a Session handle; nothing is created until Create.
func NewSession(cfg Config) *Session {
	if cfg.Name == "" {
		cfg.Name = "agent-arcade"
	}
	if cfg.ToggleWindowKey == "" {
		cfg.ToggleWindowKey = "C-Space"
	}
	if cfg.ExitAppKey == "" {
		cfg.ExitAppKey = "C-x"
	}
	return &Session{
		cfg:   cfg,
		cache: make(map[int]captureEntry),
	}
}

// Name returns the tmux session name.
func (s *Session) Name() string { return s.cfg.Name }

func (s *Session) target(window int) string {
	return s.cfg.Name + ":" + strconv.Itoa(window)
}

// Create destroys any same-name session, then builds the two-window layout
// and configures options, key bindings, and the status bar. Idempotent
// setup: safe to call after a previous run died without cleanup.
func (s *Session) Create(workingDir string) error {
	s.Kill()

	out, err := exec.Command("tmux",
		"new-session", "-d", "-s", s.cfg.Name, "-n", "agent", "-c", workingDir).CombinedOutput()
	if err != nil {
		return fmt.Errorf("create session: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}

	out, err = exec.Command("tmux",
		"new-window", "-t", s.target(GameWindow), "-n", "games", "-c", workingDir).CombinedOutput()
	if err != nil {
		s.Kill()
		return fmt.Errorf("create games window: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}

	if err := s.configure(); err != nil {
		s.Kill()
		return err
	}

	sessionLog.Info("session_created", "name", s.cfg.Name, "dir", workingDir)
	return nil
}

// configure batches session options into single tmux invocations, chaining
// subcommands with ";" to avoid a subprocess per option.
func (s *Session) configure() error {
	mouse := "off"
	if s.cfg.MouseMode {
		mouse = "on"
	}

	// remain-on-exit keeps dead panes around so #{pane_dead} is observable
	// and the crash guard can classify the exit before respawning.
	args := []string{
		"set-option", "-t", s.cfg.Name, "remain-on-exit", "on", ";",
		"set-option", "-t", s.cfg.Name, "mouse", mouse, ";",
		"set-option", "-t", s.cfg.Name, "history-limit", "10000", ";",
		"set-option", "-t", s.cfg.Name, "-q", "escape-time", "10",
	}
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("configure session: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}

	if err := s.configureStatusBar(); err != nil {
		return err
	}
	return s.configureKeybindings()
}

func (s *Session) configureStatusBar() error {
	if !s.cfg.StatusBar {
		out, err := exec.Command("tmux", "set-option", "-t", s.cfg.Name, "status", "off").CombinedOutput()
		if err != nil {
			return fmt.Errorf("disable status bar: %w (output: %s)", err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	// Two status lines: line 0 is the key-hint bar (dynamic game keys on the
	// left, fixed shortcuts on the right), line 1 is the state bar rendered
	// by UpdateStatusBar.
	hints := fmt.Sprintf("#[align=left]#{E:%s}#[align=right]%s switch window  %s exit ",
		OptGameKeys, s.cfg.ToggleWindowKey, s.cfg.ExitAppKey)
	args := []string{
		"set-option", "-t", s.cfg.Name, "status", "2", ";",
		"set-option", "-t", s.cfg.Name, "status-interval", "1", ";",
		"set-option", "-t", s.cfg.Name, "status-format[0]", hints,
	}
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("configure status bar: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return s.UpdateStatusBar(true, "", "")
}

// configureKeybindings binds the toggle-window and exit keys in the root
// table. Bindings are server-wide in tmux; last-write-wins is acceptable
// for these advisory shortcuts.
func (s *Session) configureKeybindings() error {
	args := []string{
		"bind-key", "-n", s.cfg.ToggleWindowKey, "last-window", ";",
		"bind-key", "-n", s.cfg.ExitAppKey, "kill-session", "-t", s.cfg.Name,
	}
	if out, err := exec.Command("tmux", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("configure keybindings: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// UpdateStatusBar renders the state line: cyan when no agent is selected,
// green when the agent is idle, yellow while it works. The right side shows
// the current game or "No game selected".
func (s *Session) UpdateStatusBar(agentIdle bool, agentName, currentGame string) error {
	if !s.cfg.StatusBar {
		return nil
	}

	out, err := exec.Command("tmux",
		"set-option", "-t", s.cfg.Name, "status-format[1]",
		statusLine(agentIdle, agentName, currentGame)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("update status bar: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// statusLine renders the state bar: cyan with no agent, green while idle,
// yellow while working, current game on the right.
func statusLine(agentIdle bool, agentName, currentGame string) string {
	var left string
	switch {
	case agentName == "":
		left = "#[bg=colour6,fg=colour0,bold] AGENT ARCADE #[bg=colour6,fg=colour0] no agent selected "
	case agentIdle:
		left = fmt.Sprintf("#[bg=colour2,fg=colour0,bold] %s #[bg=colour2,fg=colour0] idle - your move ", agentName)
	default:
		left = fmt.Sprintf("#[bg=colour3,fg=colour0,bold] %s #[bg=colour3,fg=colour0] working... ", agentName)
	}

	game := "No game selected"
	if currentGame != "" {
		game = "Playing: " + currentGame
	}
	return left + "#[align=right] " + game + " "
}

// CapturePane returns the last lines of a window's pane. Results are cached
// for 500ms per window and concurrent callers share one subprocess via
// singleflight, so the detection and supervision loops don't multiply tmux
// spawns.
func (s *Session) CapturePane(window, lines int) (string, error) {
	if lines <= 0 {
		lines = 50
	}

	s.cacheMu.RLock()
	if e, ok := s.cache[window]; ok && time.Since(e.at) < captureCacheTTL {
		s.cacheMu.RUnlock()
		return e.content, nil
	}
	s.cacheMu.RUnlock()

	v, err, _ := s.captureSf.Do(strconv.Itoa(window), func() (interface{}, error) {
		s.cacheMu.RLock()
		if e, ok := s.cache[window]; ok && time.Since(e.at) < captureCacheTTL {
			s.cacheMu.RUnlock()
			return e.content, nil
		}
		s.cacheMu.RUnlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "tmux",
			"capture-pane", "-t", s.target(window), "-p", "-J", "-S", strconv.Itoa(-lines))
		output, err := cmd.Output()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", ErrCaptureTimeout
			}
			return "", fmt.Errorf("capture pane %d: %w", window, err)
		}

		content := string(output)
		s.cacheMu.Lock()
		s.cache[window] = captureEntry{content: content, at: time.Now()}
		s.cacheMu.Unlock()
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateCapture drops the cache for a window after an action that
// changes its contents.
func (s *Session) invalidateCapture(window int) {
	s.cacheMu.Lock()
	delete(s.cache, window)
	s.cacheMu.Unlock()
}

// IsPaneDead reports whether the window's pane process has exited. Fails
// open: any query error reads as alive, so a transient tmux hiccup never
// triggers a false restart.
func (s *Session) IsPaneDead(window int) bool {
	out, err := exec.Command("tmux",
		"display-message", "-p", "-t", s.target(window), "#{pane_dead}").Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) == "1"
}

// RespawnPane force-replaces the pane's program with command. Used for both
// the initial launch and supervised relaunches. The command runs directly,
// not through generated shell text.
func (s *Session) RespawnPane(window int, command string, args ...string) error {
	s.invalidateCapture(window)

	tmuxArgs := []string{"respawn-pane", "-k", "-t", s.target(window)}
	tmuxArgs = append(tmuxArgs, command)
	tmuxArgs = append(tmuxArgs, args...)

	out, err := exec.Command("tmux", tmuxArgs...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("respawn pane %d: %w (output: %s)", window, err, strings.TrimSpace(string(out)))
	}
	sessionLog.Info("pane_respawned", "window", window, "command", command)
	return nil
}

// ClearPane wipes the pane's scrollback so a relaunch starts from a clean
// screen.
func (s *Session) ClearPane(window int) {
	s.invalidateCapture(window)
	_ = exec.Command("tmux", "clear-history", "-t", s.target(window)).Run()
}

// SelectWindow focuses a window.
func (s *Session) SelectWindow(window int) error {
	if out, err := exec.Command("tmux", "select-window", "-t", s.target(window)).CombinedOutput(); err != nil {
		return fmt.Errorf("select window %d: %w (output: %s)", window, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// SetOption writes a session option. Options are the mailbox between this
// process and the games side.
func (s *Session) SetOption(key, value string) error {
	if out, err := exec.Command("tmux", "set-option", "-t", s.cfg.Name, key, value).CombinedOutput(); err != nil {
		return fmt.Errorf("set option %s: %w (output: %s)", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// GetOption reads a session option; an unset option is "" with no error.
func (s *Session) GetOption(key string) (string, error) {
	out, err := exec.Command("tmux", "show-options", "-t", s.cfg.Name, "-qv", key).Output()
	if err != nil {
		return "", fmt.Errorf("get option %s: %w", key, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ClearOption unsets a session option, consuming a mailbox value.
func (s *Session) ClearOption(key string) error {
	if out, err := exec.Command("tmux", "set-option", "-t", s.cfg.Name, "-u", key).CombinedOutput(); err != nil {
		return fmt.Errorf("clear option %s: %w (output: %s)", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Exists reports whether the tmux session is alive.
func (s *Session) Exists() bool {
	return exec.Command("tmux", "has-session", "-t", s.cfg.Name).Run() == nil
}

// Kill terminates the session. Best-effort: never errors, a session that is
// already gone is fine.
func (s *Session) Kill() {
	_ = exec.Command("tmux", "kill-session", "-t", s.cfg.Name).Run()
}
