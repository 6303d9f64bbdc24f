package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StateFileStrategy reads readiness from a sidecar JSON file overwritten by
// the agent's hooks: {"state": "idle"|other, "timestamp": seconds}. The file
// is re-parsed only when its mtime changes. An fsnotify watcher on the file's
// directory nudges the detection loop for sub-interval latency; the mtime
// gate stays authoritative, so a missed or duplicate notification is
// harmless.
type StateFileStrategy struct {
	path     string
	interval time.Duration

	watcher *fsnotify.Watcher
	nudge   chan struct{}
	watchWG chan struct{}

	lastMtime time.Time
	state     State
}

// NewStateFileStrategy creates a strategy for the given sidecar path.
func NewStateFileStrategy(path string) *StateFileStrategy {
	return &StateFileStrategy{
		path:     path,
		interval: 100 * time.Millisecond,
		nudge:    make(chan struct{}, 1),
		state:    State{Idle: true, Confidence: fullConfidence},
	}
}

func (s *StateFileStrategy) Interval() time.Duration { return s.interval }

// Nudge returns a channel that fires when the sidecar file changes on disk.
func (s *StateFileStrategy) Nudge() <-chan struct{} { return s.nudge }

// Start writes the initial idle state and begins watching the file's
// directory. A watcher setup failure degrades to pure polling.
func (s *StateFileStrategy) Start() error {
	if err := s.writeInitial(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		detectLog.Warn("statefile_watch_unavailable", "error", err)
		return nil
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		detectLog.Warn("statefile_watch_unavailable", "path", s.path, "error", err)
		return nil
	}
	s.watcher = watcher
	s.watchWG = make(chan struct{})

	go func() {
		defer close(s.watchWG)
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != s.path {
					continue
				}
				select {
				case s.nudge <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Stop closes the watcher and removes the sidecar file.
func (s *StateFileStrategy) Stop() {
	if s.watcher != nil {
		s.watcher.Close()
		<-s.watchWG
		s.watcher = nil
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		detectLog.Warn("statefile_remove_failed", "path", s.path, "error", err)
	}
}

func (s *StateFileStrategy) writeInitial() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("statefile dir: %w", err)
	}
	payload, _ := json.Marshal(map[string]any{
		"state":     "idle",
		"timestamp": float64(time.Now().UnixNano()) / float64(time.Second),
	})
	if err := os.WriteFile(s.path, payload, 0o644); err != nil {
		return fmt.Errorf("statefile init: %w", err)
	}
	return nil
}

// Poll re-reads the file when its mtime changed. Malformed JSON keeps the
// previous state; a missing "state" key means idle.
func (s *StateFileStrategy) Poll() (State, bool) {
	info, err := os.Stat(s.path)
	if err != nil {
		return s.state, false
	}

	mtime := info.ModTime()
	if !mtime.After(s.lastMtime) {
		return s.state, true
	}
	s.lastMtime = mtime

	data, err := os.ReadFile(s.path)
	if err != nil {
		return s.state, true
	}

	var doc struct {
		State *string `json:"state"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		detectLog.Debug("statefile_malformed", "path", s.path, "error", err)
		return s.state, true
	}

	idle := doc.State == nil || *doc.State == "idle"
	s.state = State{Idle: idle, Confidence: fullConfidence}
	return s.state, true
}
