// Package pci locates the Nvidia display device on the PCI bus and
// manipulates its sysfs surface: power state, driver binding, slot
// power, and bus rescan. It is the lowest-level component in the
// daemon — it never shells out and never touches services or modules.
package pci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nvsleepify/nvsleepifyd/pkg/log"
)

const (
	nvidiaVendorID    = "0x10de"
	displayClassPfx   = "0x03"
	powerStateUnknown = "Unknown"
)

// sysRoot is prepended to every sysfs path this package touches. It
// defaults to "/" and is only ever overridden by tests, via
// SetSysRootForTest, so they can point the probe at a fake sysfs tree
// instead of the real one.
var sysRoot = "/"

func sysBusPCIDevices() string { return filepath.Join(sysRoot, "sys/bus/pci/devices") }
func sysBusPCISlots() string   { return filepath.Join(sysRoot, "sys/bus/pci/slots") }
func sysBusPCIRescan() string  { return filepath.Join(sysRoot, "sys/bus/pci/rescan") }

// SetSysRootForTest points every sysfs path this package builds at
// root instead of "/". It returns a function that restores the
// previous root; tests should defer it.
func SetSysRootForTest(root string) (restore func()) {
	prev := sysRoot
	sysRoot = root
	return func() { sysRoot = prev }
}

// ErrNotFound is returned by Find when no Nvidia display device is
// present on the bus (already unbound, or never probed).
var ErrNotFound = errors.New("no Nvidia GPU found on PCI bus")

// ErrSlotNotFound is returned when a device has no discoverable
// hotplug slot under /sys/bus/pci/slots.
var ErrSlotNotFound = errors.New("could not find PCI slot for device")

// ErrSlotPowerUnsupported is returned when a slot exists but exposes
// no power control file (no hotplug firmware support).
var ErrSlotPowerUnsupported = errors.New("slot power control file not found")

// Device is a located Nvidia GPU. It is immutable; callers rediscover
// it via Find whenever they need a fresh handle.
type Device struct {
	Address string
	Path    string
}

// Find scans /sys/bus/pci/devices for the first Nvidia (vendor
// 0x10de) display-class (0x03xxxx) device.
func Find(ctx context.Context) (*Device, error) {
	entries, err := os.ReadDir(sysBusPCIDevices())
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", sysBusPCIDevices(), err)
	}

	// Stable iteration order makes Find deterministic across runs on
	// machines with more than one PCI display controller.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		devPath := filepath.Join(sysBusPCIDevices(), name)

		vendor, err := os.ReadFile(filepath.Join(devPath, "vendor"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(vendor)) != nvidiaVendorID {
			continue
		}

		class, err := os.ReadFile(filepath.Join(devPath, "class"))
		if err != nil {
			continue
		}
		if !strings.HasPrefix(strings.TrimSpace(string(class)), displayClassPfx) {
			continue
		}

		return &Device{Address: name, Path: devPath}, nil
	}

	return nil, ErrNotFound
}

// PowerState reads <dev>/power_state, returning "Unknown" on any I/O
// error (missing file, permission, device removed mid-read).
func (d *Device) PowerState(ctx context.Context) string {
	b, err := os.ReadFile(filepath.Join(d.Path, "power_state"))
	if err != nil {
		return powerStateUnknown
	}
	return strings.TrimSpace(string(b))
}

// DeviceNodes lists the DRM character devices exposed by this GPU. An
// empty result means the driver is unbound.
func (d *Device) DeviceNodes(ctx context.Context) []string {
	drmDir := filepath.Join(d.Path, "drm")
	entries, err := os.ReadDir(drmDir)
	if err != nil {
		return nil
	}

	var nodes []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "card") || strings.HasPrefix(name, "render") {
			nodes = append(nodes, filepath.Join("/dev/dri", name))
		}
	}
	return nodes
}

// UnbindDriver detaches the kernel driver currently bound to this
// device. A device with no driver attribute is already unbound, which
// is success, making the operation idempotent.
func (d *Device) UnbindDriver(ctx context.Context) error {
	unbindPath := filepath.Join(d.Path, "driver", "unbind")
	if _, err := os.Stat(unbindPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err := os.WriteFile(unbindPath, []byte(d.Address), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", unbindPath, err)
	}
	return nil
}

// SlotPath resolves the hotplug slot directory for this device, first
// by matching the device's "slot" attribute against slot directory
// names, then by trying the slot number as a literal directory name.
func (d *Device) SlotPath(ctx context.Context) (string, error) {
	slotNumBytes, err := os.ReadFile(filepath.Join(d.Path, "slot"))
	if err != nil {
		return "", ErrSlotNotFound
	}
	slotNum := strings.TrimSpace(string(slotNumBytes))

	entries, err := os.ReadDir(sysBusPCISlots())
	if err == nil {
		for _, e := range entries {
			if e.Name() == slotNum {
				return filepath.Join(sysBusPCISlots(), e.Name()), nil
			}
		}
	}

	candidate := filepath.Join(sysBusPCISlots(), slotNum)
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}

	return "", ErrSlotNotFound
}

// SetSlotPower gates 12V/3.3V power to the device's hotplug slot.
func (d *Device) SetSlotPower(ctx context.Context, on bool) error {
	slotPath, err := d.SlotPath(ctx)
	if err != nil {
		return err
	}

	powerPath := filepath.Join(slotPath, "power")
	if _, err := os.Stat(powerPath); errors.Is(err, os.ErrNotExist) {
		return ErrSlotPowerUnsupported
	}

	val := "0"
	if on {
		val = "1"
	}
	if err := os.WriteFile(powerPath, []byte(val), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", powerPath, err)
	}
	return nil
}

// Rescan triggers a full PCI bus rescan, used on wake to make a
// slot-powered-on device reappear.
func Rescan(ctx context.Context) error {
	if err := os.WriteFile(sysBusPCIRescan(), []byte("1"), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", sysBusPCIRescan(), err)
	}
	return nil
}

// PowerOnAllOffSlots walks every directory under /sys/bus/pci/slots
// and writes "1" to any power file currently reading "0". It is
// best-effort: a single slot failing to respond does not stop the
// others, matching the daemon's wake-path tolerance for hardware that
// only partially implements hotplug slot control.
func PowerOnAllOffSlots(ctx context.Context) {
	entries, err := os.ReadDir(sysBusPCISlots())
	if err != nil {
		return
	}

	for _, e := range entries {
		powerPath := filepath.Join(sysBusPCISlots(), e.Name(), "power")
		content, err := os.ReadFile(powerPath)
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(content)) != "0" {
			continue
		}
		if err := os.WriteFile(powerPath, []byte("1"), 0644); err != nil {
			log.Logger.Debugw("failed to power on slot", "slot", e.Name(), "error", err)
		}
	}
}
