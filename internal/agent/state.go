// Package agent implements the readiness detection engine: per-agent
// strategies that classify a CLI agent as idle or active from pane text,
// sidecar state files, session transcripts, or raw logs, and a Handle that
// runs one strategy in a polling loop and fires transition callbacks.
package agent

import "time"

// State is the detected readiness of an agent.
type State struct {
	// Idle is true when the agent is waiting for input.
	Idle bool

	// Confidence is 0.0-1.0. A direct signal (pattern match, explicit state
	// file value, transcript marker) is 1.0; the inactivity fallback is 0.7.
	Confidence float64

	// LastChange is when Idle last flipped.
	LastChange time.Time
}

// Strategy classifies agent readiness from one or more signal sources.
// Implementations keep their own cursors (byte offsets, mtimes) between polls.
type Strategy interface {
	// Poll reads the strategy's sources once and returns the resulting state.
	// The bool reports whether the strategy found data to read this cycle;
	// when false the returned state is the unchanged previous state.
	Poll() (State, bool)

	// Start prepares the strategy's sources (prime offsets, write the initial
	// state file, start watchers).
	Start() error

	// Stop releases watchers and removes owned sidecar files.
	Stop()

	// Interval is the poll cadence for this strategy.
	Interval() time.Duration
}

// nudger is implemented by strategies that can wake the detection loop
// before the next tick (the state-file strategy's fsnotify watcher).
type nudger interface {
	Nudge() <-chan struct{}
}

// PaneCapturer is the narrow view of the session orchestrator that
// pane-reading strategies need.
type PaneCapturer interface {
	// CapturePane returns the last lines of the window's pane, ANSI codes
	// included.
	CapturePane(window, lines int) (string, error)
}

const (
	// fullConfidence is assigned on a direct readiness signal.
	fullConfidence = 1.0

	// timeoutConfidence is assigned when idleness is inferred from output
	// inactivity rather than a direct signal.
	timeoutConfidence = 0.7
)
