package agent

import (
	"strings"
	"time"
)

// escInterruptMarker is the busy hint the agent's TUI renders while a turn
// is in flight.
const escInterruptMarker = "esc to interrupt"

// PaneSource extends PaneCapturer with a liveness probe so the layered
// strategy can skip a dead pane instead of reading its frozen contents.
type PaneSource interface {
	PaneCapturer
	IsPaneDead(window int) bool
}

// LayeredStrategy tries sources in strict priority order each poll: the live
// pane's interrupt hint first, then the session transcript, then the raw
// log. Exactly one source claims each cycle; sources are never merged.
type LayeredStrategy struct {
	pane   PaneSource
	window int
	lines  int

	transcript *TranscriptStrategy
	rawlog     *LogStrategy

	interval   time.Duration
	inactivity time.Duration

	markerSeen   bool
	missingSince time.Time
	state        State
	now          func() time.Time
}

// NewLayeredStrategy composes the pane, transcript, and log layers.
func NewLayeredStrategy(pane PaneSource, window, lines int, transcript *TranscriptStrategy, rawlog *LogStrategy, inactivity time.Duration) *LayeredStrategy {
	if lines <= 0 {
		lines = 50
	}
	if inactivity <= 0 {
		inactivity = 2 * time.Second
	}
	return &LayeredStrategy{
		pane:       pane,
		window:     window,
		lines:      lines,
		transcript: transcript,
		rawlog:     rawlog,
		interval:   200 * time.Millisecond,
		inactivity: inactivity,
		state:      State{Idle: true, Confidence: fullConfidence},
		now:        time.Now,
	}
}

func (s *LayeredStrategy) Interval() time.Duration { return s.interval }

func (s *LayeredStrategy) Start() error {
	if err := s.transcript.Start(); err != nil {
		return err
	}
	return s.rawlog.Start()
}

func (s *LayeredStrategy) Stop() {
	s.transcript.Stop()
	s.rawlog.Stop()
}

// Poll tries the pane first; if the pane is dead or unreadable it falls
// through to the transcript, then the raw log.
func (s *LayeredStrategy) Poll() (State, bool) {
	if st, ok := s.pollPane(); ok {
		return st, true
	}
	if st, ok := s.transcript.Poll(); ok {
		s.state = st
		return st, true
	}
	if st, ok := s.rawlog.Poll(); ok {
		s.state = st
		return st, true
	}
	return s.state, false
}

// pollPane claims the cycle whenever the pane is alive and capturable. The
// interrupt hint present means active; after the hint was seen once, its
// absence only means idle after it has been gone for the inactivity window,
// since the TUI briefly hides it between tool calls.
func (s *LayeredStrategy) pollPane() (State, bool) {
	if s.pane == nil || s.pane.IsPaneDead(s.window) {
		return s.state, false
	}
	output, err := s.pane.CapturePane(s.window, s.lines)
	if err != nil {
		return s.state, false
	}

	clean := strings.ToLower(StripANSI(output))
	now := s.now()

	if strings.Contains(clean, escInterruptMarker) {
		s.markerSeen = true
		s.missingSince = time.Time{}
		s.state = State{Idle: false, Confidence: fullConfidence}
		return s.state, true
	}

	if s.markerSeen {
		if s.missingSince.IsZero() {
			s.missingSince = now
		} else if now.Sub(s.missingSince) >= s.inactivity {
			s.markerSeen = false
			s.state = State{Idle: true, Confidence: timeoutConfidence}
		}
	} else {
		s.state = State{Idle: true, Confidence: fullConfidence}
	}
	return s.state, true
}
