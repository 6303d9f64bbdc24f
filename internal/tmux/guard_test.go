package tmux

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the guard's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newGuardForTest() (*CrashGuard, *fakeClock) {
	clock := &fakeClock{t: time.Now()}
	g := NewCrashGuard("the game", "agent-arcade-games")
	g.now = clock.now
	return g, clock
}

func TestCrashGuard_TwoFastExitsTrip(t *testing.T) {
	g, clock := newGuardForTest()

	g.RecordLaunch()
	clock.advance(1 * time.Second)
	assert.False(t, g.RecordExit(), "first fast exit stays below threshold")
	assert.Equal(t, 1, g.FastExits())

	g.RecordLaunch()
	clock.advance(2 * time.Second)
	assert.True(t, g.RecordExit(), "second consecutive fast exit must trip the guard")
	assert.Equal(t, 2, g.FastExits())
}

func TestCrashGuard_SlowRunResetsCounter(t *testing.T) {
	g, clock := newGuardForTest()

	g.RecordLaunch()
	clock.advance(1 * time.Second)
	require.False(t, g.RecordExit())
	require.Equal(t, 1, g.FastExits())

	// A run that survives the window resets the streak, so the guard never
	// trips no matter how many slow iterations occur.
	for i := 0; i < 10; i++ {
		g.RecordLaunch()
		clock.advance(crashWindow + time.Second)
		assert.False(t, g.RecordExit())
		assert.Equal(t, 0, g.FastExits())
	}
}

func TestCrashGuard_ExactWindowIsNotFast(t *testing.T) {
	g, clock := newGuardForTest()

	g.RecordLaunch()
	clock.advance(crashWindow)
	assert.False(t, g.RecordExit())
	assert.Equal(t, 0, g.FastExits())
}

func TestCrashGuard_ExitWithoutLaunchDoesNotCount(t *testing.T) {
	g, _ := newGuardForTest()
	assert.False(t, g.RecordExit())
	assert.Equal(t, 0, g.FastExits())
}

func TestCrashGuard_MessageAndCrashFile(t *testing.T) {
	g := NewCrashGuard("the game", "agent-arcade-games")

	msg := g.Message()
	assert.Contains(t, msg, "the game crashed")
	assert.Contains(t, msg, "agent-arcade-games is not installed")

	path := filepath.Join(t.TempDir(), "crash.txt")
	require.NoError(t, g.WriteCrashFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Contains(t, string(data), "crashed")
}

func TestCrashFilePath_PerProcess(t *testing.T) {
	path := CrashFilePath()
	assert.Contains(t, path, "agent-arcade-crash-")
	assert.Contains(t, path, os.TempDir())
}
