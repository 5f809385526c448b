// Package config centralizes the filesystem paths and tunables the
// daemon reads at startup. Values mirror the defaults baked into the
// original nvsleepify iterations; they are not user-configurable: the
// flags cmd/nvsleepifyd exposes only set the log file and log level.
package config

import "time"

const (
	// StateDir is the persisted-state root. Must be root-writable.
	StateDir = "/var/lib/nvsleepify"

	// ModeFile holds the serialized policy mode (standard|integrated|optimized).
	ModeFile = StateDir + "/mode"

	// RestoreDelayFile holds a decimal seconds count applied once at boot.
	RestoreDelayFile = StateDir + "/restore_delay"

	// EventDBFile is the sqlite-backed audit trail of transitions.
	EventDBFile = StateDir + "/events.db"

	// BusName and ObjectPath are the exported D-Bus identity.
	BusName         = "org.nvsleepify.Service"
	ObjectPath      = "/org/nvsleepify/Manager"
	InterfaceName   = "org.nvsleepify.Manager"
	LoginBusName    = "org.freedesktop.login1"
	LoginObjectPath = "/org/freedesktop/login1"
)

// Tunables collects the timing constants called out in the spec as
// implementation knobs. They are not exposed over the bus.
type Tunables struct {
	// ReconcileInterval is the reconciler tick period (§4.4).
	ReconcileInterval time.Duration
	// OptimizedDebounce is how long a charging reading must be
	// stable before the reconciler acts on it (§4.4, §8.5).
	OptimizedDebounce time.Duration
	// KillGracePeriod is the pause after SIGTERM before continuing
	// a forced sleep (§4.3 step 4).
	KillGracePeriod time.Duration
	// BusSettleDelay is the pause after a PCI rescan before loading
	// modules on wake (§4.3 Wake step 3).
	BusSettleDelay time.Duration
	// ResumeDelay is the pause after a resume signal before
	// re-applying the persisted mode (§4.4 Suspend/resume).
	ResumeDelay time.Duration
	// SessionPollInterval is the startup user-session wait interval (§4.4).
	SessionPollInterval time.Duration
}

// DefaultTunables returns the constants the spec fixes explicitly.
func DefaultTunables() Tunables {
	return Tunables{
		ReconcileInterval:   2 * time.Second,
		OptimizedDebounce:   2 * time.Second,
		KillGracePeriod:     500 * time.Millisecond,
		BusSettleDelay:      1 * time.Second,
		ResumeDelay:         5 * time.Second,
		SessionPollInterval: 2 * time.Second,
	}
}
