// ABOUTME: Tests for the pidfile lock
// ABOUTME: Acquire, self-conflict, stale reclaim, release

package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireAndRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.pid")

	l, err := Acquire(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))

	require.NoError(t, l.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Release twice is fine.
	assert.NoError(t, l.Release())
}

func TestAcquire_HeldByLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.pid")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	// Our own pid is alive, so a second acquire must fail.
	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrHeld)
}

func TestAcquire_ReclaimsStalePidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.pid")

	// Pid values this large cannot exist.
	require.NoError(t, os.WriteFile(path, []byte("99999999\n"), 0o644))

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))
}

func TestAcquire_ReclaimsGarbagePidfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.pid")
	require.NoError(t, os.WriteFile(path, []byte("not a pid"), 0o644))

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()
}

func TestAcquire_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "relay.pid")

	l, err := Acquire(path)
	require.NoError(t, err)
	defer l.Release()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}
