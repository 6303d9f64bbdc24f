package agent

import (
	"fmt"

	"github.com/asheshgoplani/agent-arcade/internal/config"
)

// defaultStateFile is the well-known sidecar path the agent's hooks write
// to. Hooks are installed out-of-band, so this path is part of the external
// contract and does not follow TMPDIR.
const defaultStateFile = "/tmp/claude_arcade_state.json"

// NewStrategy builds the detection strategy for an agent profile. The pane
// source is the orchestrator's agent window.
func NewStrategy(a config.AgentConfig, mon config.MonitoringConfig, pane PaneSource, window int) (Strategy, error) {
	switch a.Detection {
	case "statefile":
		path := a.StateFile
		if path == "" {
			path = defaultStateFile
		}
		return NewStateFileStrategy(path), nil

	case "layered":
		sessionDir := a.SessionDir
		logFile := a.LogFile
		if sessionDir == "" {
			sessionDir = config.ExpandHome("~/.codex/sessions")
		}
		if logFile == "" {
			logFile = config.ExpandHome("~/.codex/log/codex-tui.log")
		}
		transcript := NewTranscriptStrategy(sessionDir, mon.InactivityTimeout())
		rawlog := NewLogStrategy(logFile, mon.InactivityTimeout())
		return NewLayeredStrategy(pane, window, mon.BufferLines, transcript, rawlog, mon.InactivityTimeout()), nil

	case "", "pattern":
		return NewPatternStrategy(pane, PatternConfig{
			Window:        window,
			Lines:         mon.BufferLines,
			ReadyPatterns: a.ReadyPatterns,
			Interval:      mon.CheckInterval(),
			Inactivity:    mon.InactivityTimeout(),
		})

	default:
		return nil, fmt.Errorf("agent %s: unknown detection mode %q", a.ID, a.Detection)
	}
}
