package agent

import (
	"log/slog"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-arcade/internal/logging"
)

var detectLog = logging.ForComponent(logging.CompDetect)

// joinTimeout bounds how long StopDetection waits for the loop to exit.
// A loop stuck in a slow poll is abandoned rather than force-killed.
const joinTimeout = 2 * time.Second

// Handle wraps one detection strategy and runs its polling loop.
// The state is owned by the loop; readers get a snapshot.
type Handle struct {
	id       string
	strategy Strategy

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	done     chan struct{}
	state    State
	onChange func(idle bool)
}

// NewHandle creates a handle for one agent. The agent starts out idle with
// full confidence until the first poll says otherwise.
func NewHandle(id string, strategy Strategy) *Handle {
	return &Handle{
		id:       id,
		strategy: strategy,
		state:    State{Idle: true, Confidence: fullConfidence, LastChange: time.Now()},
	}
}

// OnStateChange registers the transition callback. Single slot: a second
// registration replaces the first. The callback runs on the detection
// goroutine and fires only on an actual Idle flip, never on a same-state
// repoll.
func (h *Handle) OnStateChange(fn func(idle bool)) {
	h.mu.Lock()
	h.onChange = fn
	h.mu.Unlock()
}

// CurrentState reports whether the agent is idle.
func (h *Handle) CurrentState() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Idle
}

// Snapshot returns the full readiness state.
func (h *Handle) Snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// StartDetection starts the polling loop. Idempotent: calling it while the
// loop is already running is a no-op.
func (h *Handle) StartDetection() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	stop, done := h.stop, h.done
	h.mu.Unlock()

	if err := h.strategy.Start(); err != nil {
		// Strategy setup failures are not fatal; the loop retries sources
		// on every poll anyway.
		detectLog.Warn("strategy_start_failed", "agent", h.id, "error", err)
	}

	go h.loop(stop, done)
	detectLog.Info("detection_started", "agent", h.id, "interval", h.strategy.Interval())
	return nil
}

// StopDetection signals the loop to exit and joins it with a bounded
// timeout. Safe to call when not running.
func (h *Handle) StopDetection() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stop)
	done := h.done
	h.mu.Unlock()

	select {
	case <-done:
	case <-time.After(joinTimeout):
		detectLog.Warn("detection_join_timeout", "agent", h.id)
	}

	h.strategy.Stop()
	detectLog.Info("detection_stopped", "agent", h.id)
}

func (h *Handle) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(h.strategy.Interval())
	defer ticker.Stop()

	var nudge <-chan struct{}
	if n, ok := h.strategy.(nudger); ok {
		nudge = n.Nudge()
	}

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		case <-nudge:
		}
		h.pollOnce()
	}
}

// pollOnce runs one poll, absorbing panics and errors so the loop survives
// any single bad read.
func (h *Handle) pollOnce() {
	defer func() {
		if r := recover(); r != nil {
			detectLog.Error("poll_panic", "agent", h.id, "panic", r)
		}
	}()

	st, ok := h.strategy.Poll()
	logging.Aggregate(logging.CompDetect, "poll",
		slog.String("agent", h.id), slog.Bool("claimed", ok))
	if !ok {
		return
	}

	h.mu.Lock()
	changed := st.Idle != h.state.Idle
	if changed {
		st.LastChange = time.Now()
		h.state = st
	} else {
		h.state.Confidence = st.Confidence
	}
	fn := h.onChange
	h.mu.Unlock()

	if changed {
		detectLog.Info("state_changed", "agent", h.id,
			"idle", st.Idle, "confidence", st.Confidence)
		if fn != nil {
			fn(st.Idle)
		}
	}
}
