// Package effector performs the non-PCI side effects a power
// transition needs: finding and terminating processes that hold the
// GPU open, stopping and starting the Nvidia service units, loading
// and unloading kernel modules, and reading the host's AC and login
// state. Every operation here is best-effort unless its doc comment
// says otherwise.
package effector

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"

	"github.com/nvsleepify/nvsleepifyd/pkg/log"
	"github.com/nvsleepify/nvsleepifyd/pkg/systemd"
)

// BlockingProcess identifies a process holding an Nvidia device node
// open. Pid is kept as a string, matching the bus-exposed shape and
// the lsof/ps-style output the original tool rendered.
type BlockingProcess struct {
	Name string
	Pid  string
}

var nvidiaCharDevice = regexp.MustCompile(`^/dev/nvidia[0-9]+$`)

// serviceUnits lists the Nvidia units the effector coordinates,
// stopped on sleep in this order and started on wake in reverse.
var serviceUnits = []string{
	"nvidia-persistenced",
	"nvidia-powerd",
	"nvidia-suspend",
	"nvidia-hibernate",
	"nvidia-resume",
}

const fallbackUnit = "nvidia-fallback.service"

// unloadOrder and loadOrder mirror the dependency chain between the
// Nvidia kernel modules: drm/modeset/uvm depend on the core module.
var unloadOrder = []string{"nvidia_drm", "nvidia_modeset", "nvidia_uvm", "nvidia"}
var loadOrder = []string{"nvidia", "nvidia_uvm", "nvidia_modeset", "nvidia_drm"}

var chargingCandidates = []string{
	"/sys/class/power_supply/ACAD/online",
	"/sys/class/power_supply/AC/online",
	"/sys/class/power_supply/ADP1/online",
}

// Effector wires process, service, and module control to a live
// systemd bus connection. Dialing is deferred to first use so the
// daemon can start even while the bus is briefly unavailable.
type Effector struct {
	systemctl func(ctx context.Context) (*systemd.Conn, error)
}

// New returns an Effector that dials the system bus on demand.
func New() *Effector {
	return &Effector{systemctl: systemd.Dial}
}

// ProcessesUsingGpu enumerates the set of (command, pid) pairs with an
// open file descriptor under /dev/nvidia[0-9]* or any of extraPaths
// (typically the GPU's own DRM device nodes). Processes whose command
// name begins with "nvidia-po" or "nvidia-pe" are excluded: those are
// the power-management and persistence daemons this effector itself
// stops, not user workloads.
func (e *Effector) ProcessesUsingGpu(ctx context.Context, extraPaths []string) ([]BlockingProcess, error) {
	extra := make(map[string]struct{}, len(extraPaths))
	for _, p := range extraPaths {
		extra[p] = struct{}{}
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}

	seen := make(map[string]struct{})
	var out []BlockingProcess
	for _, p := range procs {
		files, err := p.OpenFilesWithContext(ctx)
		if err != nil {
			// Processes exit or are unreadable (permissions) between
			// listing and inspection; skip rather than fail the scan.
			continue
		}

		matched := false
		for _, f := range files {
			if nvidiaCharDevice.MatchString(f.Path) {
				matched = true
				break
			}
			if _, ok := extra[f.Path]; ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}

		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}
		if strings.HasPrefix(name, "nvidia-po") || strings.HasPrefix(name, "nvidia-pe") {
			continue
		}

		pid := strconv.FormatInt(int64(p.Pid), 10)
		key := name + ":" + pid
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, BlockingProcess{Name: name, Pid: pid})
	}
	return out, nil
}

// KillProcesses sends SIGTERM to each pid, ignoring per-pid failures
// (the process may already be gone). Callers are responsible for
// waiting for processes to exit before continuing.
func (e *Effector) KillProcesses(procs []BlockingProcess) {
	for _, p := range procs {
		pid, err := strconv.Atoi(p.Pid)
		if err != nil {
			continue
		}
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			log.Logger.Debugw("failed to signal process", "pid", p.Pid, "name", p.Name, "error", err)
		}
	}
}

// StopServices stops and disables the Nvidia service units, and masks
// nvidia-fallback.service so it cannot interfere while the GPU is
// asleep. Individual unit failures are logged, never fatal: a unit
// that was already stopped or never installed is not an error.
func (e *Effector) StopServices(ctx context.Context) {
	conn, err := e.systemctl(ctx)
	if err != nil {
		log.Logger.Warnw("could not reach systemd bus, skipping service stop", "error", err)
		return
	}
	defer conn.Close()

	for _, unit := range serviceUnits {
		if err := conn.Stop(ctx, unit); err != nil {
			log.Logger.Warnw("failed to stop unit", "unit", unit, "error", err)
		}
		if err := conn.Disable(ctx, unit); err != nil {
			log.Logger.Warnw("failed to disable unit", "unit", unit, "error", err)
		}
	}

	if err := conn.Stop(ctx, fallbackUnit); err != nil {
		log.Logger.Warnw("failed to stop unit", "unit", fallbackUnit, "error", err)
	}
	if err := conn.Mask(ctx, fallbackUnit); err != nil {
		log.Logger.Warnw("failed to mask unit", "unit", fallbackUnit, "error", err)
	}
}

// StartServices is the inverse of StopServices: unmask the fallback
// unit first, then unmask, start, and enable the Nvidia units.
func (e *Effector) StartServices(ctx context.Context) {
	conn, err := e.systemctl(ctx)
	if err != nil {
		log.Logger.Warnw("could not reach systemd bus, skipping service start", "error", err)
		return
	}
	defer conn.Close()

	if err := conn.Unmask(ctx, fallbackUnit); err != nil {
		log.Logger.Warnw("failed to unmask unit", "unit", fallbackUnit, "error", err)
	}

	for i := len(serviceUnits) - 1; i >= 0; i-- {
		unit := serviceUnits[i]
		if err := conn.Unmask(ctx, unit); err != nil {
			log.Logger.Debugw("failed to unmask unit", "unit", unit, "error", err)
		}
		if err := conn.Start(ctx, unit); err != nil {
			log.Logger.Warnw("failed to start unit", "unit", unit, "error", err)
		}
		if err := conn.Enable(ctx, unit); err != nil {
			log.Logger.Warnw("failed to enable unit", "unit", unit, "error", err)
		}
	}
}

// UnloadModules removes the Nvidia kernel modules in dependency order.
// A non-zero modprobe exit is fatal to the caller's transition.
func (e *Effector) UnloadModules(ctx context.Context) error {
	args := append([]string{"-r"}, unloadOrder...)
	return runModprobe(ctx, args)
}

// LoadModules is the inverse of UnloadModules.
func (e *Effector) LoadModules(ctx context.Context) error {
	args := append([]string{"-a"}, loadOrder...)
	return runModprobe(ctx, args)
}

func runModprobe(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "modprobe", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("modprobe %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// ChargingStatus reports whether the host is on AC power, reading the
// first candidate power supply that exists. With no candidate present
// it fails safe toward "charging" so the reconciler never sleeps the
// GPU on a machine it cannot read.
func (e *Effector) ChargingStatus(ctx context.Context) bool {
	for _, path := range chargingCandidates {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		return strings.TrimSpace(string(content)) == "1"
	}
	return true
}

// UserLoggedIn reports whether any non-system user (UID in
// [1000,65534)) currently has a login session, consulting logind over
// D-Bus first and falling back to scanning /run/user.
func (e *Effector) UserLoggedIn(ctx context.Context) bool {
	if ok, err := systemd.AnyUserSessionActive(ctx); err == nil {
		return ok
	}
	return e.userLoggedInFromRunUser("/run/user")
}

// userLoggedInFromRunUser is the logind-unavailable fallback, split
// out so tests can point it at a fake directory instead of /run/user.
func (e *Effector) userLoggedInFromRunUser(runUserDir string) bool {
	entries, err := os.ReadDir(runUserDir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		uid, err := strconv.ParseUint(entry.Name(), 10, 32)
		if err != nil {
			continue
		}
		if uid >= 1000 && uid < 65534 {
			return true
		}
	}
	return false
}
