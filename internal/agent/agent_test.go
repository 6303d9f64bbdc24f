package agent

import "sync"

// fakePane is a scriptable PaneSource for strategy tests.
type fakePane struct {
	mu   sync.Mutex
	text string
	err  error
	dead bool
}

func (f *fakePane) set(text string) {
	f.mu.Lock()
	f.text = text
	f.mu.Unlock()
}

func (f *fakePane) CapturePane(window, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

func (f *fakePane) IsPaneDead(window int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead
}
