// Command nvsleepifyd is the privileged daemon that owns every GPU
// power-state transition. It binds org.nvsleepify.Service on the
// system bus and exits 1 on any startup failure that would otherwise
// leave the GPU in an undeclared state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sys/unix"

	"github.com/nvsleepify/nvsleepifyd/internal/effector"
	"github.com/nvsleepify/nvsleepifyd/internal/engine"
	"github.com/nvsleepify/nvsleepifyd/internal/eventstore"
	"github.com/nvsleepify/nvsleepifyd/internal/manager"
	"github.com/nvsleepify/nvsleepifyd/internal/state"
	"github.com/nvsleepify/nvsleepifyd/pkg/config"
	"github.com/nvsleepify/nvsleepifyd/pkg/log"
	"github.com/nvsleepify/nvsleepifyd/pkg/systemd"
)

func main() {
	logFile := flag.String("log-file", "", "write logs here instead of stderr")
	logLevel := flag.String("log-level", "info", "debug|info|warn|error")
	flag.Parse()

	if err := log.Init(*logFile, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "nvsleepifyd: %v\n", err)
		os.Exit(1)
	}

	if unix.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "nvsleepifyd: must run as root")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eff := effector.New()

	if err := os.MkdirAll(config.StateDir, 0755); err != nil {
		log.Logger.Errorw("failed to create state directory", "dir", config.StateDir, "error", err)
		os.Exit(1)
	}

	events, err := eventstore.Open(config.EventDBFile)
	if err != nil {
		// The audit trail is diagnostic, not load-bearing: a daemon
		// that can create its state dir but not its sqlite file
		// should still manage the GPU.
		log.Logger.Warnw("event store unavailable, continuing without audit trail", "error", err)
		events = nil
	}
	if events != nil {
		defer events.Close()
	}

	tun := config.DefaultTunables()
	store := state.New()
	eng := engine.New(eff, tun)
	mgr := manager.New(ctx, eng, store, eff, events, tun)

	waitForUserSession(ctx, eff, tun.SessionPollInterval)

	delay := store.LoadRestoreDelay()
	if delay > 0 {
		log.Logger.Infow("sleeping before state restore", "seconds", delay)
		select {
		case <-time.After(time.Duration(delay) * time.Second):
		case <-ctx.Done():
			return
		}
	}

	log.Logger.Infow("applying persisted mode at startup")
	mgr.ApplyPersistedMode(ctx)

	go mgr.RunReconciler(ctx)
	go mgr.WatchResume(ctx, systemd.SubscribePrepareForSleep)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGTERM, unix.SIGINT)
	go func() {
		<-sigCh
		log.Logger.Infow("received shutdown signal")
		notifyStopping(ctx)
		cancel()
	}()

	notifyReady(ctx)

	if err := manager.ServeBus(ctx, mgr); err != nil {
		log.Logger.Errorw("bus server exited with error", "error", err)
		os.Exit(1)
	}
}

func waitForUserSession(ctx context.Context, eff *effector.Effector, interval time.Duration) {
	if eff.UserLoggedIn(ctx) {
		return
	}
	log.Logger.Infow("waiting for a user session before restoring GPU state")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if eff.UserLoggedIn(ctx) {
				return
			}
		}
	}
}

func notifyReady(ctx context.Context) {
	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		log.Logger.Debugw("sd_notify ready failed", "error", err)
	}
}

func notifyStopping(ctx context.Context) {
	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping); err != nil {
		log.Logger.Debugw("sd_notify stopping failed", "error", err)
	}
}
