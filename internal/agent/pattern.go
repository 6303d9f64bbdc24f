package agent

import (
	"fmt"
	"regexp"
	"time"
)

// PatternStrategy classifies readiness from captured pane text: an ordered
// list of ready patterns tested against the cleaned output, with an
// inactivity timer as the fallback when no pattern matches.
type PatternStrategy struct {
	pane     PaneCapturer
	window   int
	lines    int
	patterns []*regexp.Regexp

	interval   time.Duration
	inactivity time.Duration

	state      State
	lastClean  string
	lastChange time.Time
}

// PatternConfig configures a PatternStrategy.
type PatternConfig struct {
	// Window is the tmux window index holding the agent pane.
	Window int

	// Lines is how many lines of pane history each capture reads.
	Lines int

	// ReadyPatterns are regexes compiled in multiline mode; the first match
	// against the cleaned pane text means idle.
	ReadyPatterns []string

	// Interval is the poll cadence (default 500ms).
	Interval time.Duration

	// Inactivity is how long unchanged output means idle (default 2s).
	Inactivity time.Duration
}

// NewPatternStrategy compiles the ready patterns and returns the strategy.
func NewPatternStrategy(pane PaneCapturer, cfg PatternConfig) (*PatternStrategy, error) {
	if cfg.Lines <= 0 {
		cfg.Lines = 50
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 500 * time.Millisecond
	}
	if cfg.Inactivity <= 0 {
		cfg.Inactivity = 2 * time.Second
	}

	patterns := make([]*regexp.Regexp, 0, len(cfg.ReadyPatterns))
	for _, p := range cfg.ReadyPatterns {
		re, err := regexp.Compile("(?m)" + p)
		if err != nil {
			return nil, fmt.Errorf("ready pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &PatternStrategy{
		pane:       pane,
		window:     cfg.Window,
		lines:      cfg.Lines,
		patterns:   patterns,
		interval:   cfg.Interval,
		inactivity: cfg.Inactivity,
		state:      State{Idle: true, Confidence: fullConfidence},
		lastChange: time.Now(),
	}, nil
}

func (s *PatternStrategy) Start() error { return nil }
func (s *PatternStrategy) Stop()        {}

func (s *PatternStrategy) Interval() time.Duration { return s.interval }

// Poll captures the pane and classifies it. A failed capture leaves the
// state untouched and does not claim the cycle.
func (s *PatternStrategy) Poll() (State, bool) {
	output, err := s.pane.CapturePane(s.window, s.lines)
	if err != nil {
		return s.state, false
	}

	clean := StripANSI(output)
	now := time.Now()
	if clean != s.lastClean {
		s.lastClean = clean
		s.lastChange = now
	}

	// A direct pattern match wins over the inactivity timer.
	for _, re := range s.patterns {
		if re.MatchString(clean) {
			s.state = State{Idle: true, Confidence: fullConfidence}
			return s.state, true
		}
	}

	if now.Sub(s.lastChange) >= s.inactivity {
		s.state = State{Idle: true, Confidence: timeoutConfidence}
		return s.state, true
	}

	s.state = State{Idle: false, Confidence: fullConfidence}
	return s.state, true
}
