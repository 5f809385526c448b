// Package manager owns the user-visible policy mode, the periodic
// reconciler that enforces it, and the suspend/resume integration. It
// is the only component that touches persisted mode state and the
// only one exported over the message bus (see bus.go).
package manager

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/nvsleepify/nvsleepifyd/internal/effector"
	"github.com/nvsleepify/nvsleepifyd/internal/engine"
	"github.com/nvsleepify/nvsleepifyd/internal/eventstore"
	"github.com/nvsleepify/nvsleepifyd/internal/mode"
	"github.com/nvsleepify/nvsleepifyd/internal/pci"
	"github.com/nvsleepify/nvsleepifyd/internal/state"
	"github.com/nvsleepify/nvsleepifyd/pkg/config"
	"github.com/nvsleepify/nvsleepifyd/pkg/log"
)

// Charger is the subset of *effector.Effector the reconciler needs
// beyond the engine: reading AC state and login presence.
type Charger interface {
	ChargingStatus(ctx context.Context) bool
	UserLoggedIn(ctx context.Context) bool
	ProcessesUsingGpu(ctx context.Context, extraPaths []string) ([]effector.BlockingProcess, error)
}

// Manager dispatches bus requests and reconciler ticks onto the
// transition engine, keeping the debounce state for Optimized mode.
type Manager struct {
	engine *engine.Engine
	store  *state.Store
	eff    Charger
	events *eventstore.Store
	tun    config.Tunables

	findGPU func(ctx context.Context) (*pci.Device, error)

	debounceMu   sync.Mutex
	lastCharging bool
	stableSince  time.Time
}

// New builds a Manager. ChargingStatus is read once immediately so
// the reconciler has a baseline before its first tick.
func New(ctx context.Context, eng *engine.Engine, store *state.Store, eff Charger, events *eventstore.Store, tun config.Tunables) *Manager {
	m := &Manager{
		engine:  eng,
		store:   store,
		eff:     eff,
		events:  events,
		tun:     tun,
		findGPU: pci.Find,
	}
	m.lastCharging = eff.ChargingStatus(ctx)
	m.stableSince = time.Now()
	return m
}

// SetMode persists newMode, then dispatches the corresponding
// transition. Persistence happens first so a crash mid-transition
// still leaves the reconciler with the correct intent (§8.4).
func (mgr *Manager) SetMode(ctx context.Context, newMode mode.Mode) (ok bool, message string, blocking []effector.BlockingProcess) {
	if err := mgr.store.SaveMode(newMode); err != nil {
		return false, fmt.Sprintf("Internal error: %v", err), nil
	}
	ok, message, blocking = mgr.applyMode(ctx, newMode)
	mgr.recordEvent(ctx, "set_mode", newMode, ok, message)
	return ok, message, blocking
}

// ApplyPersistedMode re-executes the transition implied by whatever
// mode is currently on disk, without rewriting it. Used at startup
// and after resume.
func (mgr *Manager) ApplyPersistedMode(ctx context.Context) {
	m := mgr.store.LoadMode()
	ok, message, _ := mgr.applyMode(ctx, m)
	mgr.recordEvent(ctx, "apply_persisted", m, ok, message)
}

func (mgr *Manager) applyMode(ctx context.Context, m mode.Mode) (bool, string, []effector.BlockingProcess) {
	switch m {
	case mode.Standard:
		ok, msg := mgr.engine.Wake(ctx)
		return ok, msg, nil
	case mode.Integrated:
		return mgr.engine.Sleep(ctx, true)
	case mode.Optimized:
		if mgr.eff.ChargingStatus(ctx) {
			ok, msg := mgr.engine.Wake(ctx)
			return ok, msg, nil
		}
		return mgr.engine.Sleep(ctx, false)
	default:
		return false, fmt.Sprintf("Internal error: unknown mode %v", m), nil
	}
}

// SetRestoreDelay persists the boot-time restore delay.
func (mgr *Manager) SetRestoreDelay(seconds uint32) string {
	if err := mgr.store.SaveRestoreDelay(int(seconds)); err != nil {
		return fmt.Sprintf("Failed to save restore delay: %v", err)
	}
	return fmt.Sprintf("Restore delay set to %d seconds", seconds)
}

// Info returns the machine-friendly snapshot exposed over the bus.
func (mgr *Manager) Info(ctx context.Context) (modeStr string, powerState string, procs []effector.BlockingProcess) {
	m := mgr.store.LoadMode()
	gpu, err := mgr.findGPU(ctx)
	if err != nil {
		return m.String(), "NotFound", nil
	}
	procs, _ = mgr.eff.ProcessesUsingGpu(ctx, gpu.DeviceNodes(ctx))
	return m.String(), gpu.PowerState(ctx), procs
}

// Status renders the human-readable multi-line report the CLI and
// tray display verbatim.
func (mgr *Manager) Status(ctx context.Context) string {
	var buf bytes.Buffer

	m := mgr.store.LoadMode()
	fmt.Fprintf(&buf, "Mode: %s\n", m)

	gpu, err := mgr.findGPU(ctx)
	if err != nil {
		fmt.Fprintln(&buf, "Nvidia GPU: not present on PCI bus (powered off or removed).")
		if mgr.events != nil {
			mgr.appendRecentEvents(ctx, &buf)
		}
		return buf.String()
	}

	nodes := gpu.DeviceNodes(ctx)
	powerState := gpu.PowerState(ctx)
	procs, _ := mgr.eff.ProcessesUsingGpu(ctx, nodes)

	fmt.Fprintf(&buf, "Nvidia GPU: %s\n", gpu.Address)
	fmt.Fprintf(&buf, "Power state: %s\n", powerState)
	if len(nodes) == 0 {
		fmt.Fprintln(&buf, "Device nodes: none (driver unbound)")
	} else {
		fmt.Fprintf(&buf, "Device nodes: %v\n", nodes)
	}

	if len(procs) > 0 {
		table := tablewriter.NewWriter(&buf)
		table.SetHeader([]string{"Process", "PID"})
		for _, p := range procs {
			table.Append([]string{p.Name, p.Pid})
		}
		table.Render()
	} else {
		fmt.Fprintln(&buf, "Blocking processes: none")
	}

	if mgr.events != nil {
		mgr.appendRecentEvents(ctx, &buf)
	}

	return buf.String()
}

func (mgr *Manager) appendRecentEvents(ctx context.Context, buf *bytes.Buffer) {
	events, err := mgr.events.Recent(ctx, 5)
	if err != nil || len(events) == 0 {
		return
	}
	fmt.Fprintln(buf, "Recent activity:")
	for _, e := range events {
		result := "ok"
		if !e.OK {
			result = "failed"
		}
		fmt.Fprintf(buf, "  %s (%s) [%s/%s] %s\n", humanize.Time(e.Time), e.Time.Format(time.RFC3339), e.Kind, result, e.Message)
	}
}

func (mgr *Manager) recordEvent(ctx context.Context, kind string, m mode.Mode, ok bool, message string) {
	if mgr.events == nil {
		return
	}
	if err := mgr.events.Record(ctx, eventstore.Event{
		Time:    time.Now(),
		Kind:    kind,
		Mode:    m.String(),
		OK:      ok,
		Message: message,
	}); err != nil {
		log.Logger.Warnw("failed to record event", "error", err)
	}
}

// RunReconciler runs the 2s-tick control loop until ctx is done.
func (mgr *Manager) RunReconciler(ctx context.Context) {
	ticker := time.NewTicker(mgr.tun.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mgr.reconcileTick(ctx)
		}
	}
}

func (mgr *Manager) reconcileTick(ctx context.Context) {
	m := mgr.store.LoadMode()

	switch m {
	case mode.Optimized:
		mgr.reconcileOptimized(ctx)
	case mode.Integrated:
		mgr.reconcileIntegrated(ctx)
	case mode.Standard:
		// Nothing to enforce: Standard means the engine never acts.
	}
}

func (mgr *Manager) reconcileOptimized(ctx context.Context) {
	charging := mgr.eff.ChargingStatus(ctx)

	mgr.debounceMu.Lock()
	if charging != mgr.lastCharging {
		mgr.lastCharging = charging
		mgr.stableSince = time.Now()
		mgr.debounceMu.Unlock()
		log.Logger.Debugw("charging state changed, debouncing", "charging", charging)
		return
	}
	stable := time.Since(mgr.stableSince) >= mgr.tun.OptimizedDebounce
	mgr.debounceMu.Unlock()

	if !stable {
		return
	}

	if charging {
		ok, msg := mgr.engine.Wake(ctx)
		mgr.recordEvent(ctx, "reconcile", mode.Optimized, ok, msg)
	} else {
		ok, msg, _ := mgr.engine.Sleep(ctx, false)
		mgr.recordEvent(ctx, "reconcile", mode.Optimized, ok, msg)
	}
}

func (mgr *Manager) reconcileIntegrated(ctx context.Context) {
	gpu, err := mgr.findGPU(ctx)
	if err != nil {
		return
	}
	state := gpu.PowerState(ctx)
	if state != "D0" && state != "Unknown" {
		return
	}

	log.Logger.Infow("reconciler found GPU awake while Integrated, forcing sleep")
	ok, msg, _ := mgr.engine.Sleep(ctx, true)
	mgr.recordEvent(ctx, "reconcile", mode.Integrated, ok, msg)
}

// WatchResume subscribes to the session manager's sleep notifications
// and re-applies the persisted mode shortly after each resume, to
// correct devices that come back in an inconsistent power state.
func (mgr *Manager) WatchResume(ctx context.Context, subscribe func(context.Context) (<-chan bool, error)) {
	events, err := subscribe(ctx)
	if err != nil {
		log.Logger.Warnw("could not subscribe to sleep notifications", "error", err)
		return
	}

	for starting := range events {
		if starting {
			continue
		}
		log.Logger.Infow("resume detected, scheduling mode re-apply", "delay", mgr.tun.ResumeDelay)
		go func() {
			select {
			case <-time.After(mgr.tun.ResumeDelay):
			case <-ctx.Done():
				return
			}
			mgr.ApplyPersistedMode(ctx)
		}()
	}
}
