// Package systemd wraps the two system-bus surfaces the daemon needs:
// unit lifecycle management (start/stop/enable/disable/mask) via
// systemd's own D-Bus API, and login1 session/sleep notifications.
package systemd

import (
	"context"
	"fmt"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"
	godbus "github.com/godbus/dbus/v5"
)

const jobMode = "replace"

// Conn is a thin wrapper around a systemd manager D-Bus connection.
// It exists so the effector does not use the go-systemd client
// directly, and so unit-name normalization and error wrapping live in
// one place.
type Conn struct {
	conn *sddbus.Conn
}

// Dial opens a new connection to the system systemd manager.
func Dial(ctx context.Context) (*Conn, error) {
	c, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to systemd bus: %w", err)
	}
	return &Conn{conn: c}, nil
}

// Close releases the underlying bus connection.
func (c *Conn) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func normalizeServiceUnitName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return name + ".service"
}

// Stop stops a unit, waiting for systemd to report the job result.
func (c *Conn) Stop(ctx context.Context, name string) error {
	unit := normalizeServiceUnitName(name)
	ch := make(chan string, 1)
	if _, err := c.conn.StopUnitContext(ctx, unit, jobMode, ch); err != nil {
		return fmt.Errorf("stopping %s: %w", unit, err)
	}
	return waitJob(ctx, ch)
}

// Start starts a unit.
func (c *Conn) Start(ctx context.Context, name string) error {
	unit := normalizeServiceUnitName(name)
	ch := make(chan string, 1)
	if _, err := c.conn.StartUnitContext(ctx, unit, jobMode, ch); err != nil {
		return fmt.Errorf("starting %s: %w", unit, err)
	}
	return waitJob(ctx, ch)
}

// Enable enables a unit to start at boot.
func (c *Conn) Enable(ctx context.Context, name string) error {
	unit := normalizeServiceUnitName(name)
	_, _, err := c.conn.EnableUnitFilesContext(ctx, []string{unit}, false, true)
	if err != nil {
		return fmt.Errorf("enabling %s: %w", unit, err)
	}
	return nil
}

// Disable disables a unit from starting at boot.
func (c *Conn) Disable(ctx context.Context, name string) error {
	unit := normalizeServiceUnitName(name)
	_, err := c.conn.DisableUnitFilesContext(ctx, []string{unit}, false)
	if err != nil {
		return fmt.Errorf("disabling %s: %w", unit, err)
	}
	return nil
}

// Mask masks a unit so it cannot be started, even transitively.
func (c *Conn) Mask(ctx context.Context, name string) error {
	unit := normalizeServiceUnitName(name)
	_, err := c.conn.MaskUnitFilesContext(ctx, []string{unit}, false, true)
	if err != nil {
		return fmt.Errorf("masking %s: %w", unit, err)
	}
	return nil
}

// Unmask reverses Mask.
func (c *Conn) Unmask(ctx context.Context, name string) error {
	unit := normalizeServiceUnitName(name)
	_, err := c.conn.UnmaskUnitFilesContext(ctx, []string{unit}, false)
	if err != nil {
		return fmt.Errorf("unmasking %s: %w", unit, err)
	}
	return nil
}

// waitJob drains the job-result channel systemd fills in once a unit
// transition finishes. The result string is discarded, so results
// other than "done" are not surfaced as Go errors: per the effector's
// contract, individual unit failures are best-effort.
func waitJob(ctx context.Context, ch chan string) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

const (
	loginBusName   = "org.freedesktop.login1"
	loginObject    = "/org/freedesktop/login1"
	loginInterface = "org.freedesktop.login1.Manager"
)

// AnyUserSessionActive asks logind for the session list and reports
// whether any session belongs to a non-system UID.
func AnyUserSessionActive(ctx context.Context) (bool, error) {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return false, fmt.Errorf("connecting to system bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(loginBusName, godbus.ObjectPath(loginObject))

	// ListSessions returns an array of (id, uid, user, seat, path).
	var sessions [][]interface{}
	call := obj.CallWithContext(ctx, loginInterface+".ListSessions", 0)
	if call.Err != nil {
		return false, fmt.Errorf("ListSessions: %w", call.Err)
	}
	if err := call.Store(&sessions); err != nil {
		return false, fmt.Errorf("decoding ListSessions reply: %w", err)
	}

	for _, s := range sessions {
		if len(s) < 2 {
			continue
		}
		uid, ok := s[1].(uint32)
		if !ok {
			continue
		}
		if uid >= 1000 && uid < 65534 {
			return true, nil
		}
	}
	return false, nil
}

// SubscribePrepareForSleep delivers true when the system is about to
// suspend and false on the matching resume. The returned channel is
// closed when ctx is done.
func SubscribePrepareForSleep(ctx context.Context) (<-chan bool, error) {
	conn, err := godbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to system bus: %w", err)
	}

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='PrepareForSleep'", loginInterface)
	if err := conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribing to PrepareForSleep: %w", err)
	}

	signals := make(chan *godbus.Signal, 8)
	conn.Signal(signals)

	out := make(chan bool, 1)
	go func() {
		defer conn.Close()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != loginInterface+".PrepareForSleep" || len(sig.Body) == 0 {
					continue
				}
				starting, ok := sig.Body[0].(bool)
				if !ok {
					continue
				}
				select {
				case out <- starting:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
