package manager

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvsleepify/nvsleepifyd/internal/effector"
	"github.com/nvsleepify/nvsleepifyd/internal/engine"
	"github.com/nvsleepify/nvsleepifyd/internal/mode"
	"github.com/nvsleepify/nvsleepifyd/internal/pci"
	"github.com/nvsleepify/nvsleepifyd/internal/state"
	"github.com/nvsleepify/nvsleepifyd/pkg/config"
)

// noopEffector satisfies engine.Effector and manager.Charger with
// fully inert behavior: on a GPU-absent sysfs root Sleep returns
// success before any of these are reached, and Wake's module load and
// service start do nothing. ChargingStatus is scripted because the
// manager reads it directly.
type noopEffector struct {
	charging  bool
	loggedIn  bool
	procs     []effector.BlockingProcess
}

func (n *noopEffector) ProcessesUsingGpu(ctx context.Context, extra []string) ([]effector.BlockingProcess, error) {
	return n.procs, nil
}
func (n *noopEffector) KillProcesses(procs []effector.BlockingProcess) {}
func (n *noopEffector) StopServices(ctx context.Context)               {}
func (n *noopEffector) StartServices(ctx context.Context)              {}
func (n *noopEffector) UnloadModules(ctx context.Context) error        { return nil }
func (n *noopEffector) LoadModules(ctx context.Context) error          { return nil }
func (n *noopEffector) ChargingStatus(ctx context.Context) bool        { return n.charging }
func (n *noopEffector) UserLoggedIn(ctx context.Context) bool          { return n.loggedIn }

// newTestManager wires a Manager against a GPU-absent fake sysfs root,
// so engine.Sleep/Wake short-circuit without touching real hardware.
func newTestManager(t *testing.T, eff *noopEffector) *Manager {
	t.Helper()
	root := t.TempDir()
	restore := pci.SetSysRootForTest(root)
	t.Cleanup(restore)

	dir := t.TempDir()
	store := state.NewAt(filepath.Join(dir, "mode"), filepath.Join(dir, "restore_delay"))

	tun := config.Tunables{
		ReconcileInterval: time.Millisecond,
		OptimizedDebounce: 20 * time.Millisecond,
		ResumeDelay:       time.Millisecond,
	}

	eng := engine.New(eff, tun)
	return New(context.Background(), eng, store, eff, nil, tun)
}

func TestSetModeStandardWakesAndPersists(t *testing.T) {
	eff := &noopEffector{charging: true}
	mgr := newTestManager(t, eff)

	ok, msg, blocking := mgr.SetMode(context.Background(), mode.Standard)
	assert.True(t, ok)
	assert.Equal(t, "Success", msg)
	assert.Empty(t, blocking)
	assert.Equal(t, mode.Standard, mgr.store.LoadMode())
}

func TestSetModePersistsEvenOnBlockedIntegrated(t *testing.T) {
	eff := &noopEffector{procs: []effector.BlockingProcess{{Name: "chromium", Pid: "4242"}}}
	mgr := newTestManager(t, eff)

	// The fixture has no GPU, so Sleep returns before the blockers are
	// consulted; the persistence-precedes-effect property (spec §8.4) is
	// exercised by checking the file regardless of outcome.
	_, _, _ = mgr.SetMode(context.Background(), mode.Integrated)
	assert.Equal(t, mode.Integrated, mgr.store.LoadMode())
}

func TestSetModeOptimizedWakesWhenCharging(t *testing.T) {
	eff := &noopEffector{charging: true}
	mgr := newTestManager(t, eff)

	ok, msg, _ := mgr.SetMode(context.Background(), mode.Optimized)
	assert.True(t, ok)
	assert.Equal(t, "Success", msg)
}

func TestSetModeOptimizedSleepsWhenNotCharging(t *testing.T) {
	eff := &noopEffector{charging: false}
	mgr := newTestManager(t, eff)

	ok, msg, _ := mgr.SetMode(context.Background(), mode.Optimized)
	assert.True(t, ok)
	assert.Equal(t, "Nvidia GPU not found", msg)
}

func TestApplyPersistedModeDoesNotRewriteFile(t *testing.T) {
	eff := &noopEffector{charging: true}
	mgr := newTestManager(t, eff)
	require.NoError(t, mgr.store.SaveMode(mode.Integrated))

	mgr.ApplyPersistedMode(context.Background())
	assert.Equal(t, mode.Integrated, mgr.store.LoadMode())
}

func TestReconcileOptimizedDebouncesFlappingCharge(t *testing.T) {
	eff := &noopEffector{charging: false}
	mgr := newTestManager(t, eff)
	require.NoError(t, mgr.store.SaveMode(mode.Optimized))

	mgr.lastCharging = false
	mgr.stableSince = time.Now()

	// A→B→A within one debounce window resets the timer each time and
	// never crosses the stability threshold (spec §8.5).
	eff.charging = true
	mgr.reconcileOptimized(context.Background())
	eff.charging = false
	mgr.reconcileOptimized(context.Background())

	assert.False(t, mgr.stableSince.Before(time.Now().Add(-mgr.tun.OptimizedDebounce)))
}

func TestReconcileOptimizedActsAfterStabilityWindow(t *testing.T) {
	eff := &noopEffector{charging: true}
	mgr := newTestManager(t, eff)
	require.NoError(t, mgr.store.SaveMode(mode.Optimized))

	mgr.lastCharging = true
	mgr.stableSince = time.Now().Add(-mgr.tun.OptimizedDebounce * 2)

	// Should not panic and should proceed past the debounce check to
	// call Wake, which is idempotent against the GPU-absent fixture.
	assert.NotPanics(t, func() {
		mgr.reconcileOptimized(context.Background())
	})
}

func TestInfoReportsNotFoundWhenGpuAbsent(t *testing.T) {
	eff := &noopEffector{}
	mgr := newTestManager(t, eff)

	m, powerState, procs := mgr.Info(context.Background())
	assert.Equal(t, "standard", m)
	assert.Equal(t, "NotFound", powerState)
	assert.Empty(t, procs)
}

func TestSetRestoreDelayPersists(t *testing.T) {
	eff := &noopEffector{}
	mgr := newTestManager(t, eff)

	mgr.SetRestoreDelay(42)
	assert.Equal(t, 42, mgr.store.LoadRestoreDelay())
}
