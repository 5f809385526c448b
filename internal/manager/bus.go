package manager

import (
	"context"
	"errors"

	godbus "github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/nvsleepify/nvsleepifyd/internal/effector"
	"github.com/nvsleepify/nvsleepifyd/internal/mode"
	"github.com/nvsleepify/nvsleepifyd/pkg/config"
	"github.com/nvsleepify/nvsleepifyd/pkg/log"
)

// errBusNameTaken is returned when another instance already owns the
// daemon's well-known bus name.
var errBusNameTaken = errors.New("bus name " + config.BusName + " is already owned by another process")

// ProcessEntry is the (name, pid) pair shape godbus marshals as the
// bus's Array<(String,String)> return type.
type ProcessEntry struct {
	Name string
	Pid  string
}

// busHandler adapts Manager's Go-shaped methods to the D-Bus method
// signatures of org.nvsleepify.Manager: every exported method returns
// its declared values plus a trailing *dbus.Error.
type busHandler struct {
	mgr *Manager
	ctx context.Context
}

// Status implements the Status bus method.
func (h *busHandler) Status() (string, *godbus.Error) {
	reqID := uuid.NewString()
	log.Logger.Debugw("bus call", "method", "Status", "request", reqID)
	return h.mgr.Status(h.ctx), nil
}

// Info implements the Info bus method.
func (h *busHandler) Info() (string, string, []ProcessEntry, *godbus.Error) {
	reqID := uuid.NewString()
	log.Logger.Debugw("bus call", "method", "Info", "request", reqID)
	m, ps, procs := h.mgr.Info(h.ctx)
	return m, ps, toEntries(procs), nil
}

// SetMode implements the SetMode bus method.
func (h *busHandler) SetMode(modeStr string) (bool, string, []ProcessEntry, *godbus.Error) {
	reqID := uuid.NewString()
	log.Logger.Infow("bus call", "method", "SetMode", "mode", modeStr, "request", reqID)

	m, err := mode.Parse(modeStr)
	if err != nil {
		return false, err.Error(), nil, nil
	}
	ok, msg, procs := h.mgr.SetMode(h.ctx, m)
	return ok, msg, toEntries(procs), nil
}

// SetRestoreDelay implements the SetRestoreDelay bus method.
func (h *busHandler) SetRestoreDelay(seconds uint32) (string, *godbus.Error) {
	reqID := uuid.NewString()
	log.Logger.Infow("bus call", "method", "SetRestoreDelay", "seconds", seconds, "request", reqID)
	return h.mgr.SetRestoreDelay(seconds), nil
}

func toEntries(procs []effector.BlockingProcess) []ProcessEntry {
	if procs == nil {
		return []ProcessEntry{}
	}
	out := make([]ProcessEntry, len(procs))
	for i, p := range procs {
		out[i] = ProcessEntry{Name: p.Name, Pid: p.Pid}
	}
	return out
}

// ServeBus acquires the well-known bus name and exports mgr at the
// daemon's object path. It blocks until ctx is cancelled. A second
// instance trying to acquire the same name fails here, by design
// (§5: the daemon requires exclusive bus-name ownership).
func ServeBus(ctx context.Context, mgr *Manager) error {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return err
	}
	defer conn.Close()

	handler := &busHandler{mgr: mgr, ctx: ctx}
	if err := conn.Export(handler, godbus.ObjectPath(config.ObjectPath), config.InterfaceName); err != nil {
		return err
	}

	reply, err := conn.RequestName(config.BusName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return err
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return errBusNameTaken
	}

	log.Logger.Infow("daemon listening on system bus", "name", config.BusName, "path", config.ObjectPath)

	<-ctx.Done()
	return nil
}
