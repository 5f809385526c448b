package effector

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withChargingCandidates(t *testing.T, paths []string) {
	t.Helper()
	prev := chargingCandidates
	chargingCandidates = paths
	t.Cleanup(func() { chargingCandidates = prev })
}

func TestChargingStatusReadsFirstExistingCandidate(t *testing.T) {
	dir := t.TempDir()
	acad := filepath.Join(dir, "ACAD", "online")
	require.NoError(t, os.MkdirAll(filepath.Dir(acad), 0755))
	require.NoError(t, os.WriteFile(acad, []byte("1\n"), 0644))

	withChargingCandidates(t, []string{filepath.Join(dir, "missing", "online"), acad})

	e := &Effector{}
	assert.True(t, e.ChargingStatus(context.Background()))
}

func TestChargingStatusFalseOnZero(t *testing.T) {
	dir := t.TempDir()
	ac := filepath.Join(dir, "AC", "online")
	require.NoError(t, os.MkdirAll(filepath.Dir(ac), 0755))
	require.NoError(t, os.WriteFile(ac, []byte("0"), 0644))

	withChargingCandidates(t, []string{ac})

	e := &Effector{}
	assert.False(t, e.ChargingStatus(context.Background()))
}

func TestChargingStatusFailsSafeWhenNoCandidateExists(t *testing.T) {
	dir := t.TempDir()
	withChargingCandidates(t, []string{filepath.Join(dir, "nope", "online")})

	e := &Effector{}
	assert.True(t, e.ChargingStatus(context.Background()))
}

func TestKillProcessesIgnoresUnparseablePid(t *testing.T) {
	e := &Effector{}
	// Should not panic on a non-numeric pid; it is simply skipped.
	assert.NotPanics(t, func() {
		e.KillProcesses([]BlockingProcess{{Name: "ghost", Pid: "not-a-pid"}})
	})
}

func TestUserLoggedInFromRunUserEmptyDir(t *testing.T) {
	e := &Effector{}
	assert.False(t, e.userLoggedInFromRunUser(t.TempDir()))
}

func TestUserLoggedInFromRunUserFindsUserUID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "1000"), 0755))

	e := &Effector{}
	assert.True(t, e.userLoggedInFromRunUser(dir))
}

func TestUserLoggedInFromRunUserIgnoresSystemUID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "0"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "gvfs"), 0755))

	e := &Effector{}
	assert.False(t, e.userLoggedInFromRunUser(dir))
}
