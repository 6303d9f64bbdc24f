package tmux

import (
	"fmt"
	"os"
	"time"
)

const (
	// crashThreshold is how many consecutive fast exits trip the guard.
	crashThreshold = 2

	// crashWindow is the wall-clock runtime below which an exit counts as a
	// fast exit.
	crashWindow = 5 * time.Second
)

// CrashGuard classifies a wrapped command's exits by wall-clock runtime and
// turns a repeated immediate-exit pattern into a single user-visible fatal
// error instead of a silent infinite restart storm. One guard per pane,
// single-writer: only the pane-health loop touches it.
type CrashGuard struct {
	label   string
	subject string

	fastExits  int
	launchedAt time.Time
	now        func() time.Time
}

// NewCrashGuard creates a guard. label names what crashed in the message;
// subject names what the user should install or upgrade.
func NewCrashGuard(label, subject string) *CrashGuard {
	return &CrashGuard{
		label:   label,
		subject: subject,
		now:     time.Now,
	}
}

// RecordLaunch marks the start of a (re)launch attempt.
func (g *CrashGuard) RecordLaunch() {
	g.launchedAt = g.now()
}

// RecordExit classifies an observed pane death. Returns true when the crash
// loop threshold is reached and the session must be torn down; below the
// threshold the caller should clear the pane and relaunch.
func (g *CrashGuard) RecordExit() bool {
	elapsed := g.now().Sub(g.launchedAt)
	if g.launchedAt.IsZero() || elapsed >= crashWindow {
		g.fastExits = 0
		return false
	}
	g.fastExits++
	sessionLog.Warn("fast_exit", "label", g.label, "elapsed", elapsed, "count", g.fastExits)
	return g.fastExits >= crashThreshold
}

// FastExits returns the current consecutive fast-exit count.
func (g *CrashGuard) FastExits() int { return g.fastExits }

// Message is the human-readable crash explanation surfaced to the user.
func (g *CrashGuard) Message() string {
	return fmt.Sprintf("Exiting app because %s crashed. This might happen if %s is not installed or needs to be upgraded.",
		g.label, g.subject)
}

// WriteCrashFile writes the crash explanation to the side-channel file the
// supervising process reads back after session teardown.
func (g *CrashGuard) WriteCrashFile(path string) error {
	if err := os.WriteFile(path, []byte(g.Message()+"\n"), 0o644); err != nil {
		return fmt.Errorf("write crash file: %w", err)
	}
	return nil
}

// CrashFilePath is the per-process crash side-channel file.
func CrashFilePath() string {
	return fmt.Sprintf("%s/agent-arcade-crash-%d.txt", os.TempDir(), os.Getpid())
}
