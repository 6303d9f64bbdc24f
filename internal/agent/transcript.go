package agent

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Transcript event classification sets. Turn-start and ongoing-activity
// events mean the agent is working; turn-end events are idle candidates that
// lose ties against activity seen in the same batch.
var (
	transcriptTurnStart = map[string]struct{}{
		"turn/started":   {},
		"item/started":   {},
		"thread/started": {},
	}
	transcriptTurnEnd = map[string]struct{}{
		"turn/completed": {},
		"item/completed": {},
		"turn_aborted":   {},
	}
	transcriptActiveEvents = map[string]struct{}{
		"agent_reasoning":   {},
		"agent_message":     {},
		"command_execution": {},
		"tool_call":         {},
		"tool":              {},
	}
	transcriptResponseItems = map[string]struct{}{
		"reasoning":               {},
		"message":                 {},
		"function_call":           {},
		"function_call_output":    {},
		"custom_tool_call":        {},
		"custom_tool_call_output": {},
		"tool_call":               {},
		"tool_call_output":        {},
	}
)

// TranscriptStrategy tails the newest rollout-*.jsonl under a session
// directory and classifies the agent's turn lifecycle from its events.
// Cursor rules: switching to a newer file starts at its end (no backfill of
// a session that predates us); the same file shrinking means truncation and
// forces a rescan from zero.
type TranscriptStrategy struct {
	sessionDir string
	pattern    string
	interval   time.Duration
	inactivity time.Duration

	file         string
	offset       int64
	lastActivity time.Time
	state        State
	now          func() time.Time
}

// NewTranscriptStrategy creates a strategy over sessionDir.
func NewTranscriptStrategy(sessionDir string, inactivity time.Duration) *TranscriptStrategy {
	if inactivity <= 0 {
		inactivity = 2 * time.Second
	}
	return &TranscriptStrategy{
		sessionDir: sessionDir,
		pattern:    "rollout-*.jsonl",
		interval:   200 * time.Millisecond,
		inactivity: inactivity,
		state:      State{Idle: true, Confidence: fullConfidence},
		now:        time.Now,
	}
}

func (s *TranscriptStrategy) Interval() time.Duration { return s.interval }

// Start primes the cursor at the end of the current transcript so old
// sessions are not replayed.
func (s *TranscriptStrategy) Start() error {
	if path, info := s.latestFile(); path != "" {
		s.file = path
		s.offset = info.Size()
	}
	s.lastActivity = s.now()
	return nil
}

func (s *TranscriptStrategy) Stop() {}

// latestFile walks the session directory for the most recently modified
// transcript. Session dirs are date-sharded, so the walk is recursive.
func (s *TranscriptStrategy) latestFile() (string, fs.FileInfo) {
	var bestPath string
	var bestInfo fs.FileInfo

	filepath.WalkDir(s.sessionDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(s.pattern, d.Name()); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if bestInfo == nil || info.ModTime().After(bestInfo.ModTime()) {
			bestPath = path
			bestInfo = info
		}
		return nil
	})

	return bestPath, bestInfo
}

// Poll reads new transcript bytes and classifies the batch. Claims the cycle
// whenever a transcript file exists, even if nothing new was written.
func (s *TranscriptStrategy) Poll() (State, bool) {
	path, info := s.latestFile()
	if path == "" {
		return s.state, false
	}

	if path != s.file {
		// Rotated to a newer session file: start from its end.
		s.file = path
		s.offset = info.Size()
	} else if info.Size() < s.offset {
		// Same file shrank: truncation, rescan from the start.
		s.offset = 0
	}

	lines, err := s.readNew(path, info.Size())
	if err != nil {
		detectLog.Debug("transcript_read_failed", "path", path, "error", err)
		return s.state, true
	}

	now := s.now()
	activeSeen := false
	idleSeen := false
	for _, line := range lines {
		switch s.classify(line) {
		case markActive:
			s.lastActivity = now
			activeSeen = true
		case markIdle:
			idleSeen = true
		}
	}

	if activeSeen {
		s.state = State{Idle: false, Confidence: fullConfidence}
	} else if idleSeen {
		s.state = State{Idle: true, Confidence: fullConfidence}
	}

	// No terminal marker while active: fall back to the inactivity timeout.
	if !s.state.Idle && now.Sub(s.lastActivity) >= s.inactivity {
		s.state = State{Idle: true, Confidence: timeoutConfidence}
	}

	return s.state, true
}

func (s *TranscriptStrategy) readNew(path string, size int64) ([]string, error) {
	if size <= s.offset {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(f, size-s.offset))
	if err != nil {
		return nil, err
	}
	s.offset += int64(len(data))

	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

type marker int

const (
	markNone marker = iota
	markActive
	markIdle
)

func (s *TranscriptStrategy) classify(line string) marker {
	var entry struct {
		Type    string `json:"type"`
		Payload struct {
			Type string `json:"type"`
		} `json:"payload"`
	}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return markNone
	}

	switch entry.Type {
	case "event_msg":
		if _, ok := transcriptTurnStart[entry.Payload.Type]; ok {
			return markActive
		}
		if _, ok := transcriptTurnEnd[entry.Payload.Type]; ok {
			return markIdle
		}
		if _, ok := transcriptActiveEvents[entry.Payload.Type]; ok {
			return markActive
		}
	case "response_item":
		if _, ok := transcriptResponseItems[entry.Payload.Type]; ok {
			return markActive
		}
	}
	return markNone
}
