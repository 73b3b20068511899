// Package app wires the backend components together and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"xraydeck/internal/config"
	"xraydeck/internal/core"
	"xraydeck/internal/core/killswitch"
	"xraydeck/internal/core/sysproxy"
	"xraydeck/internal/core/tun"
	"xraydeck/internal/core/xray"
	"xraydeck/internal/importserver"
	"xraydeck/internal/latency"
	"xraydeck/internal/paths"
	"xraydeck/internal/rpc"
	"xraydeck/internal/scheduler"
	"xraydeck/internal/session"
	"xraydeck/internal/storage"
	"xraydeck/internal/storage/sqlite"
	"xraydeck/internal/subscription"
)

const shutdownTimeout = 15 * time.Second

// Options override locations chosen by default.
type Options struct {
	DBPath string
}

// App represents the running backend.
type App struct {
	Config  Config
	Storage storage.Storage
	Session *session.Session

	api       *rpc.Server
	importer  *importserver.Server
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// New builds the backend from cfg. Nothing touches the network or the
// firewall until Run.
func New(cfg Config, opts Options, logger *zap.Logger) (*App, error) {
	dataDir, err := paths.DataDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	cacheDir, err := paths.CacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve cache directory: %w", err)
	}
	if opts.DBPath == "" {
		opts.DBPath = filepath.Join(dataDir, "xraydeck.db")
	}
	allow, err := cfg.allowCIDRs()
	if err != nil {
		return nil, err
	}

	store, err := sqlite.New(opts.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	paths.ChownToRealUser(opts.DBPath)

	a, err := build(cfg, store, cacheDir, allow, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	return a, nil
}

func build(cfg Config, store storage.Storage, cacheDir string, allow []netip.Prefix, logger *zap.Logger) (*App, error) {
	clock := clockwork.NewRealClock()

	binary := cfg.Xray.Binary
	if binary == "" {
		found, err := xray.FindBinary()
		if err != nil {
			// Keep serving so a link can still be imported; connect reports
			// the spawn failure.
			logger.Error("xray binary not found", zap.Error(err))
			found = "xray"
		}
		binary = found
	}
	launcher, err := xray.NewLauncher(binary, cacheDir, logger)
	if err != nil {
		return nil, err
	}

	router, err := tun.NewController(tun.Options{
		StateDir:      cacheDir,
		DeviceName:    cfg.Tun.Device,
		MTU:           cfg.Tun.MTU,
		AttachTimeout: duration(cfg.Tun.AttachTimeout, 10*time.Second),
	}, logger)
	if err != nil {
		return nil, err
	}

	fetcher := subscription.NewFetcher(subscription.FetcherConfig{
		UserAgent:  cfg.Subscription.UserAgent,
		Timeout:    duration(cfg.Subscription.Timeout, 30*time.Second),
		MaxRetries: 2,
		RetryDelay: 2 * time.Second,
	})
	configs := config.NewStore(store, subscription.NewManager(fetcher, logger), clock, logger)

	sup := core.NewSupervisor(launcher, core.Options{
		HealthTimeout: duration(cfg.Xray.HealthTimeout, core.DefaultHealthTimeout),
		StopGrace:     duration(cfg.Xray.StopGrace, core.DefaultStopGrace),
		Clock:         clock,
		Logger:        logger,
	})

	var stats session.StatsSource
	if cfg.Xray.StatsPort > 0 {
		stats = xray.NewStatsCollector(launcher.Binary(), cfg.Xray.StatsPort, clock)
	}

	sess := session.New(session.Config{
		SOCKSPort:        cfg.Xray.SOCKSPort,
		HTTPPort:         cfg.Xray.HTTPPort,
		StatsPort:        cfg.Xray.StatsPort,
		LogLevel:         cfg.Xray.LogLevel,
		AllowLAN:         cfg.KillSwitch.AllowLAN,
		AllowCIDRs:       allow,
		PrivilegeRecheck: duration(cfg.Privileges.RecheckInterval, time.Hour),
	}, session.Deps{
		Storage:     store,
		Configs:     configs,
		Supervisor:  sup,
		Router:      router,
		KillSwitch:  killswitch.New(store, logger, killswitch.Options{Clock: clock}),
		SystemProxy: sysproxy.New(logger, sysproxy.Options{}),
		Latency: latency.NewTester(store, latency.TesterConfig{
			Timeout: duration(cfg.Latency.Timeout, 5*time.Second),
			Clock:   clock,
		}, logger),
		Stats:    stats,
		Resolver: net.DefaultResolver,
		Reaper:   xray.ReapOrphan,
		Clock:    clock,
		Logger:   logger,
	})

	a := &App{Config: cfg, Storage: store, Session: sess, logger: logger}

	var importURL func() rpc.ImportURL
	if cfg.Import.Enabled {
		a.importer = importserver.New(sess, importserver.Options{
			Addr:    cfg.Import.Addr,
			CertDir: filepath.Join(cacheDir, "certs"),
		}, logger)
		importURL = func() rpc.ImportURL {
			base, path := a.importer.URL()
			return rpc.ImportURL{BaseURL: base, Path: path}
		}
	}
	dispatcher := rpc.NewDispatcher(sess, importURL, logger)
	a.api = rpc.NewServer(dispatcher, sess.Events(), rpc.ServerOptions{
		Addr:    cfg.API.Addr,
		Origins: cfg.API.Origins,
	}, logger)

	sched, err := scheduler.New(sess, scheduler.Config{
		PrivilegeRecheck:    duration(cfg.Privileges.RecheckInterval, time.Hour),
		SubscriptionRefresh: duration(cfg.Subscription.RefreshInterval, 6*time.Hour),
	}, logger)
	if err != nil {
		return nil, err
	}
	a.scheduler = sched
	return a, nil
}

// Run reconciles leftover OS state, then serves the control API and the
// import server until ctx ends. On the way out the connection is stopped
// as a user stop would; kill switch rules stay.
func (a *App) Run(ctx context.Context) error {
	if err := a.Session.Start(ctx); err != nil {
		a.logger.Error("startup reconciliation incomplete", zap.Error(err))
	}
	if err := a.scheduler.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.api.Serve(gctx) })
	if a.importer != nil {
		g.Go(func() error {
			// The control API stays up when the LAN port is taken.
			if err := a.importer.Serve(gctx); err != nil {
				a.logger.Error("import server stopped", zap.Error(err))
			}
			return nil
		})
	}
	err := g.Wait()

	if stopErr := a.scheduler.Stop(); stopErr != nil {
		a.logger.Warn("failed to stop scheduler", zap.Error(stopErr))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if shutErr := a.Session.Shutdown(shutdownCtx); shutErr != nil {
		a.logger.Error("shutdown incomplete", zap.Error(shutErr))
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases resources.
func (a *App) Close() error {
	if a.Storage != nil {
		return a.Storage.Close()
	}
	return nil
}
