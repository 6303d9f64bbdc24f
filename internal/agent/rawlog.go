package agent

import (
	"io"
	"os"
	"strings"
	"time"
)

// Raw log substring markers. The TUI log is unstructured, so classification
// is plain substring containment rather than a parse.
var (
	logActiveMarkers = []string{
		"run_turn",
		"receiving_stream",
		"ToolCall",
		"stream_events_utils",
	}
	logIdleMarkers = []string{
		"close time.busy",
		"close time.idle",
	}
)

// LogStrategy tails a flat text log with the same incremental cursor and
// batch rules as the transcript strategy, but classifies lines by substring
// markers. Used as the last-resort source when no transcript exists.
type LogStrategy struct {
	path       string
	interval   time.Duration
	inactivity time.Duration

	primed       bool
	offset       int64
	lastActivity time.Time
	state        State
	now          func() time.Time
}

// NewLogStrategy creates a strategy tailing path.
func NewLogStrategy(path string, inactivity time.Duration) *LogStrategy {
	if inactivity <= 0 {
		inactivity = 2 * time.Second
	}
	return &LogStrategy{
		path:       path,
		interval:   200 * time.Millisecond,
		inactivity: inactivity,
		state:      State{Idle: true, Confidence: fullConfidence},
		now:        time.Now,
	}
}

func (s *LogStrategy) Interval() time.Duration { return s.interval }

// Start primes the cursor at the end of the log so history is not replayed.
func (s *LogStrategy) Start() error {
	if info, err := os.Stat(s.path); err == nil {
		s.offset = info.Size()
	}
	s.primed = true
	s.lastActivity = s.now()
	return nil
}

func (s *LogStrategy) Stop() {}

// Poll reads new log bytes and classifies the batch.
func (s *LogStrategy) Poll() (State, bool) {
	info, err := os.Stat(s.path)
	if err != nil {
		return s.state, false
	}
	if !s.primed {
		s.Start()
		return s.state, true
	}

	if info.Size() < s.offset {
		// Truncated or rotated in place.
		s.offset = 0
	}

	now := s.now()
	activeSeen := false
	idleSeen := false
	if info.Size() > s.offset {
		f, err := os.Open(s.path)
		if err != nil {
			return s.state, true
		}
		if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
			f.Close()
			return s.state, true
		}
		data, err := io.ReadAll(io.LimitReader(f, info.Size()-s.offset))
		f.Close()
		if err != nil {
			return s.state, true
		}
		s.offset += int64(len(data))

		for _, line := range strings.Split(string(data), "\n") {
			if containsAny(line, logActiveMarkers) {
				s.lastActivity = now
				activeSeen = true
				continue
			}
			if containsAny(line, logIdleMarkers) {
				idleSeen = true
			}
		}
	}

	if activeSeen {
		s.state = State{Idle: false, Confidence: fullConfidence}
	} else if idleSeen {
		s.state = State{Idle: true, Confidence: fullConfidence}
	}

	if !s.state.Idle && now.Sub(s.lastActivity) >= s.inactivity {
		s.state = State{Idle: true, Confidence: timeoutConfidence}
	}

	return s.state, true
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
