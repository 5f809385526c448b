// Package engine composes the PCI probe and the system effector into
// the two total power transitions, Sleep and Wake. It owns the mutex
// that serializes every transition so the ordered steps of one
// transition are never interleaved with another.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nvsleepify/nvsleepifyd/internal/effector"
	"github.com/nvsleepify/nvsleepifyd/internal/pci"
	"github.com/nvsleepify/nvsleepifyd/pkg/config"
	"github.com/nvsleepify/nvsleepifyd/pkg/log"
)

// Effector is the subset of *effector.Effector the engine depends on,
// kept as an interface so tests can substitute a fake without an
// actual systemd bus or modprobe on the test host.
type Effector interface {
	ProcessesUsingGpu(ctx context.Context, extraPaths []string) ([]effector.BlockingProcess, error)
	KillProcesses(procs []effector.BlockingProcess)
	StopServices(ctx context.Context)
	StartServices(ctx context.Context)
	UnloadModules(ctx context.Context) error
	LoadModules(ctx context.Context) error
}

// Finder abstracts pci.Find so tests can inject a fixed device or a
// not-found error without a real PCI bus.
type Finder func(ctx context.Context) (*pci.Device, error)

// Engine holds the single mutex that makes Sleep and Wake atomic with
// respect to each other and to themselves.
type Engine struct {
	find     Finder
	eff      Effector
	rescan   func(ctx context.Context) error
	powerOn  func(ctx context.Context)
	tunables config.Tunables

	mu sync.Mutex
}

// New builds an Engine wired to the real PCI bus and the given
// effector.
func New(eff Effector, tunables config.Tunables) *Engine {
	return &Engine{
		find:     pci.Find,
		eff:      eff,
		rescan:   pci.Rescan,
		powerOn:  pci.PowerOnAllOffSlots,
		tunables: tunables,
	}
}

// Sleep attempts to power the GPU off. With force=false, blocking
// processes abort the transition without modifying anything; with
// force=true, blockers are killed first. Sleep is idempotent: calling
// it on an already-absent GPU succeeds immediately.
func (e *Engine) Sleep(ctx context.Context, force bool) (ok bool, message string, blocking []effector.BlockingProcess) {
	e.mu.Lock()
	defer e.mu.Unlock()

	gpu, err := e.find(ctx)
	if err != nil {
		return true, "Nvidia GPU not found", nil
	}

	nodes := gpu.DeviceNodes(ctx)
	procs, err := e.eff.ProcessesUsingGpu(ctx, nodes)
	if err != nil {
		return false, fmt.Sprintf("Internal error: %v", err), nil
	}

	if len(procs) > 0 {
		if !force {
			log.Logger.Infow("sleep blocked by processes", "count", len(procs))
			return false, "Blocking processes found", procs
		}
		log.Logger.Infow("force-killing blocking processes", "count", len(procs))
		e.eff.KillProcesses(procs)
		time.Sleep(e.tunables.KillGracePeriod)
	}

	e.eff.StopServices(ctx)

	if err := e.eff.UnloadModules(ctx); err != nil {
		return false, fmt.Sprintf("Failed to unload modules: %v", err), nil
	}

	if err := gpu.UnbindDriver(ctx); err != nil {
		return false, fmt.Sprintf("Failed to unbind driver: %v", err), nil
	}

	if err := gpu.SetSlotPower(ctx, false); err != nil {
		return false, fmt.Sprintf("Failed to power off slot: %v", err), nil
	}

	return true, "Success", nil
}

// Wake attempts to bring the GPU back to D0. It is idempotent and
// tolerant of a GPU that is already awake, or of slots that never
// respond to power control: the subsequent module load and service
// start proceed regardless.
func (e *Engine) Wake(ctx context.Context) (ok bool, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.powerOn(ctx)

	if err := e.rescan(ctx); err != nil {
		log.Logger.Warnw("pci rescan failed", "error", err)
	}

	time.Sleep(e.tunables.BusSettleDelay)

	if err := e.eff.LoadModules(ctx); err != nil {
		return false, fmt.Sprintf("Failed to load modules: %v", err)
	}

	e.eff.StartServices(ctx)

	return true, "Success"
}
