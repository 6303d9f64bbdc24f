package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeState writes the sidecar file and forces a distinct mtime so the
// strategy's mtime gate always observes the change.
func writeState(t *testing.T, path, content string, mtime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestStateFileStrategy_InitAndCleanup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStateFileStrategy(path)

	require.NoError(t, s.Start())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"idle"`)

	s.Stop()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestStateFileStrategy_BusyThenIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStateFileStrategy(path)
	require.NoError(t, s.Start())
	defer s.Stop()

	base := time.Now()
	var transitions []bool
	prev := true

	poll := func() {
		st, ok := s.Poll()
		require.True(t, ok)
		if st.Idle != prev {
			transitions = append(transitions, st.Idle)
			prev = st.Idle
		}
	}

	writeState(t, path, `{"state":"busy","timestamp":1.0}`, base.Add(time.Second))
	poll()
	poll() // repeated observation of the same mtime must not re-transition
	writeState(t, path, `{"state":"idle","timestamp":2.0}`, base.Add(2*time.Second))
	poll()
	poll()

	assert.Equal(t, []bool{false, true}, transitions)
}

func TestStateFileStrategy_MalformedJSONRetainsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStateFileStrategy(path)
	require.NoError(t, s.Start())
	defer s.Stop()

	base := time.Now()
	writeState(t, path, `{"state":"busy"}`, base.Add(time.Second))
	st, ok := s.Poll()
	require.True(t, ok)
	require.False(t, st.Idle)

	writeState(t, path, `{not json`, base.Add(2*time.Second))
	st, ok = s.Poll()
	require.True(t, ok)
	assert.False(t, st.Idle, "malformed write must keep previous state")
}

func TestStateFileStrategy_MissingStateKeyMeansIdle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStateFileStrategy(path)
	require.NoError(t, s.Start())
	defer s.Stop()

	base := time.Now()
	writeState(t, path, `{"state":"busy"}`, base.Add(time.Second))
	st, _ := s.Poll()
	require.False(t, st.Idle)

	writeState(t, path, `{"timestamp":3.0}`, base.Add(2*time.Second))
	st, ok := s.Poll()
	require.True(t, ok)
	assert.True(t, st.Idle)
}

func TestStateFileStrategy_MissingFileDoesNotClaim(t *testing.T) {
	s := NewStateFileStrategy(filepath.Join(t.TempDir(), "never-written.json"))
	st, ok := s.Poll()
	assert.False(t, ok)
	assert.True(t, st.Idle)
}

func TestStateFileStrategy_NudgeFiresOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s := NewStateFileStrategy(path)
	require.NoError(t, s.Start())
	defer s.Stop()

	// Drain any event from the initial write.
	select {
	case <-s.Nudge():
	case <-time.After(200 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte(`{"state":"busy"}`), 0o644))
	select {
	case <-s.Nudge():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a nudge after the sidecar file was written")
	}
}
