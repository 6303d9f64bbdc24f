package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func newTranscriptForTest(t *testing.T) (*TranscriptStrategy, string, *time.Time) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rollout-2026-08-25.jsonl")
	appendFile(t, path, "")

	s := NewTranscriptStrategy(dir, 2*time.Second)
	clock := time.Now()
	s.now = func() time.Time { return clock }
	require.NoError(t, s.Start())
	return s, path, &clock
}

func TestTranscriptStrategy_StartOverridesEndInBatch(t *testing.T) {
	s, path, _ := newTranscriptForTest(t)

	appendFile(t, path,
		`{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n"+
			`{"type":"event_msg","payload":{"type":"turn/completed"}}`+"\n")

	st, ok := s.Poll()
	require.True(t, ok)
	assert.False(t, st.Idle, "active marker must win ties within one batch")
}

func TestTranscriptStrategy_OnlyEndMarkersMeanIdle(t *testing.T) {
	s, path, _ := newTranscriptForTest(t)

	appendFile(t, path, `{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n")
	st, _ := s.Poll()
	require.False(t, st.Idle)

	appendFile(t, path, `{"type":"event_msg","payload":{"type":"turn/completed"}}`+"\n")
	st, ok := s.Poll()
	require.True(t, ok)
	assert.True(t, st.Idle)
	assert.Equal(t, 1.0, st.Confidence)
}

func TestTranscriptStrategy_ResponseItemsAreActive(t *testing.T) {
	s, path, _ := newTranscriptForTest(t)

	appendFile(t, path, `{"type":"response_item","payload":{"type":"function_call"}}`+"\n")
	st, ok := s.Poll()
	require.True(t, ok)
	assert.False(t, st.Idle)
}

func TestTranscriptStrategy_MalformedLinesIgnored(t *testing.T) {
	s, path, _ := newTranscriptForTest(t)

	appendFile(t, path,
		"not json at all\n"+
			`{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n")
	st, ok := s.Poll()
	require.True(t, ok)
	assert.False(t, st.Idle)
}

func TestTranscriptStrategy_InactivityTimeout(t *testing.T) {
	s, path, clock := newTranscriptForTest(t)

	appendFile(t, path, `{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n")
	st, _ := s.Poll()
	require.False(t, st.Idle)

	// Nothing new in the transcript; after the timeout the strategy gives up
	// on the turn and reports inferred idle.
	*clock = clock.Add(3 * time.Second)
	st, ok := s.Poll()
	require.True(t, ok)
	assert.True(t, st.Idle)
	assert.Equal(t, 0.7, st.Confidence)
}

func TestTranscriptStrategy_TruncationRescansFromZero(t *testing.T) {
	s, path, _ := newTranscriptForTest(t)

	appendFile(t, path,
		`{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n"+
			`{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n")
	_, _ = s.Poll()

	// Truncate and rewrite shorter content: the cursor resets to 0 and the
	// whole file is rescanned.
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"event_msg","payload":{"type":"turn/completed"}}`+"\n"), 0o644))
	st, ok := s.Poll()
	require.True(t, ok)
	assert.True(t, st.Idle)
}

func TestTranscriptStrategy_RotationStartsAtNewFileEnd(t *testing.T) {
	s, path, _ := newTranscriptForTest(t)
	_, _ = s.Poll()

	// A newer rollout file appears with pre-existing content; that content
	// must not be replayed (no backfill).
	newer := filepath.Join(filepath.Dir(path), "rollout-2026-08-26.jsonl")
	appendFile(t, newer, `{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n")
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(newer, future, future))

	st, ok := s.Poll()
	require.True(t, ok)
	assert.True(t, st.Idle, "pre-rotation content must not be replayed")

	// New events appended after the switch are read.
	appendFile(t, newer, `{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n")
	require.NoError(t, os.Chtimes(newer, future.Add(time.Second), future.Add(time.Second)))
	st, ok = s.Poll()
	require.True(t, ok)
	assert.False(t, st.Idle)
}

func TestTranscriptStrategy_NoFileDoesNotClaim(t *testing.T) {
	s := NewTranscriptStrategy(t.TempDir(), 2*time.Second)
	require.NoError(t, s.Start())
	st, ok := s.Poll()
	assert.False(t, ok)
	assert.True(t, st.Idle)
}

func TestTranscriptStrategy_DateShardedDiscovery(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "2026", "08", "25")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	path := filepath.Join(nested, "rollout-abc.jsonl")
	appendFile(t, path, "")

	s := NewTranscriptStrategy(dir, 2*time.Second)
	require.NoError(t, s.Start())

	appendFile(t, path, `{"type":"event_msg","payload":{"type":"turn/started"}}`+"\n")
	st, ok := s.Poll()
	require.True(t, ok)
	assert.False(t, st.Idle)
}
