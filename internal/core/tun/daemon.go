package tun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xjasonlyu/tun2socks/v2/engine"
	"go.uber.org/zap"

	pkgerrors "xraydeck/pkg/errors"
)

// RunDaemon is the entry point for the long-running TUN daemon subprocess.
// It creates the TUN device, configures routes, then blocks until
// SIGTERM/SIGINT is received or ctx ends, then cleans up.
//
// It runs in its own process because the tun2socks engine exits the process
// on fatal setup errors.
func RunDaemon(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if cfg.DeviceName == "" {
		cfg.DeviceName = DefaultDevice
	}
	if cfg.MTU <= 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.Metric <= 0 {
		cfg.Metric = DefaultMetric
	}
	if cfg.StateFile == "" {
		return errors.New("state file path is required")
	}
	logger = logger.Named("tund")
	logger.Info("tund starting",
		zap.String("device", cfg.DeviceName),
		zap.String("socks", cfg.SOCKSAddr),
		zap.Strings("bypass", cfg.Bypass))

	if p := ProbePrivileges(); !p.HasPrivileges {
		logger.Error("insufficient privileges", zap.String("reason", p.Reason))
		return fmt.Errorf("%w: %s", pkgerrors.ErrPrivilegesRequired, p.Reason)
	}

	routes := NewRoutes(nil)

	// Detect current gateway before we change anything.
	gw, err := routes.DetectDefault(ctx, cfg.DeviceName)
	if err != nil {
		logger.Error("detect gateway", zap.Error(err))
		return err
	}
	logger.Info("default route", zap.String("gateway", gw.Gateway), zap.String("interface", gw.Interface))

	// Start tun2socks engine; this creates the TUN device.
	engine.Insert(&engine.Key{
		Proxy:    "socks5://" + cfg.SOCKSAddr,
		Device:   "tun://" + cfg.DeviceName,
		MTU:      cfg.MTU,
		LogLevel: "warn",
		// No Interface: xray binds its outbound to the physical NIC itself.
	})
	engine.Start()
	logger.Info("engine started")

	if err := waitForDevice(ctx, cfg.DeviceName, 3*time.Second); err != nil {
		logger.Error("TUN device did not appear", zap.Error(err))
		engine.Stop()
		return err
	}

	if err := routes.ConfigureAddress(ctx, cfg.DeviceName); err != nil {
		logger.Error("configure address", zap.Error(err))
		engine.Stop()
		return err
	}

	if err := routes.AddBypass(ctx, cfg.Bypass, gw); err != nil {
		logger.Error("add bypass routes", zap.Error(err))
		routes.RemoveBypass(ctx, cfg.Bypass)
		engine.Stop()
		return err
	}

	if err := routes.AddOverlay(ctx, cfg.DeviceName, cfg.Metric); err != nil {
		logger.Error("add overlay routes", zap.Error(err))
		routes.RemoveBypass(ctx, cfg.Bypass)
		engine.Stop()
		return err
	}

	st := tunState{
		PID:        os.Getpid(),
		Gateway:    gw.Gateway,
		Interface:  gw.Interface,
		Bypass:     cfg.Bypass,
		DeviceName: cfg.DeviceName,
	}
	// Written last: the controller polls for this file to know the TUN is
	// fully configured.
	if err := saveState(cfg.StateFile, st); err != nil {
		logger.Error("save state", zap.Error(err))
		restore(context.Background(), routes, &st)
		engine.Stop()
		return err
	}
	logger.Info("TUN ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	logger.Info("shutting down, restoring routes")
	restore(context.Background(), routes, &st)
	engine.Stop()
	os.Remove(cfg.StateFile)
	logger.Info("tund exited cleanly")
	return nil
}

func waitForDevice(ctx context.Context, name string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := net.InterfaceByName(name); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s not found", pkgerrors.ErrInterfaceCreateFailed, name)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
