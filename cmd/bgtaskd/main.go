// Command bgtaskd runs the background task broker: continuous task grants
// with their anchoring notifications, and transient delay quotas.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/bgtaskd/internal/bgmode"
	"github.com/basket/bgtaskd/internal/bus"
	"github.com/basket/bgtaskd/internal/config"
	"github.com/basket/bgtaskd/internal/gateway"
	"github.com/basket/bgtaskd/internal/manager"
	"github.com/basket/bgtaskd/internal/notify"
	otelPkg "github.com/basket/bgtaskd/internal/otel"
	"github.com/basket/bgtaskd/internal/persistence"
	"github.com/basket/bgtaskd/internal/retention"
	"github.com/basket/bgtaskd/internal/telemetry"
	"github.com/basket/bgtaskd/internal/transient"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

// procDirectory answers process liveness from the kernel. Signal 0 probes
// existence without delivering anything.
type procDirectory struct{}

func (procDirectory) Alive(pid int32) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(int(pid), 0)
	return err == nil || err == syscall.EPERM
}

// inProcessProbe reports readiness of the broker's dependencies. The
// notification backend is in-process, so this is immediate; a binder-backed
// build would poll the real service here.
type inProcessProbe struct{}

func (inProcessProbe) Ready() bool { return true }

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("bgtaskd", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "fingerprint", cfg.Fingerprint())

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	pol, err := config.LoadPolicy(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := config.NewLivePolicy(pol)

	bundles := config.NewBundleTable()
	bundlesPath := filepath.Join(cfg.HomeDir, "bundles.yaml")
	if err := bundles.LoadBundles(bundlesPath); err != nil {
		fatalStartup(logger, "E_BUNDLES_LOAD", err)
	}
	logger.Info("startup phase", "phase", "policy_loaded", "bundles", bundles.Len())

	stringTable := notify.NewStringTable()
	if err := stringTable.LoadDir(cfg.StringsDir); err != nil {
		fatalStartup(logger, "E_STRINGS_LOAD", err)
	}

	notifier := notify.NewLogNotifier(logger)

	tasks := manager.New(manager.Config{
		Logger:     logger,
		Archive:    store,
		Bus:        eventBus,
		Bridge:     &notify.Bridge{Strings: stringTable, Locale: cfg.Locale},
		Notifier:   notifier,
		Validate:   &bgmode.Validator{Policy: livePolicy, Perms: bundles},
		Bundles:    bundles,
		Procs:      procDirectory{},
		Probe:      inProcessProbe{},
		Metrics:    metrics,
		ReadyRetry: time.Duration(cfg.ReadyRetryMS) * time.Millisecond,
	})
	tasks.Start(ctx)
	defer tasks.Wait()

	delays := transient.NewManager(transient.Config{
		Logger: logger,
		Policy: livePolicy,
		Notify: tasks.NotifyDelayEvent,
	})
	delays.Start(ctx)
	defer delays.Wait()
	logger.Info("startup phase", "phase", "managers_started")

	authToken, err := ensureAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	gw := gateway.New(gateway.Config{
		Logger:            logger,
		Tasks:             tasks,
		Delays:            delays,
		Metrics:           metrics,
		Tracer:            otelProvider.Tracer,
		AuthToken:         authToken,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	limiter := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	limiter.StartEviction(ctx, 10*time.Minute, time.Hour)

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: limiter.Wrap(gw.Handler()),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "subscribe", "/v1/subscribe")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	retentionSched, err := retention.NewScheduler(retention.Config{
		Store:     store,
		Logger:    logger,
		Retention: cfg.Retention,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	retentionSched.Start(ctx)
	defer retentionSched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range confWatcher.Events() {
				handleReload(logger, ev, cfg, tasks, livePolicy, bundles, bundlesPath)
				eventBus.Publish(bus.TopicConfigReloaded, ev.Path)
			}
		}()
	}

	logger.Info("startup phase", "phase", "serving")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// handleReload applies one file-change event without restarting anything.
func handleReload(logger *slog.Logger, ev config.ReloadEvent, cfg config.Config, tasks *manager.Manager, livePolicy *config.LivePolicy, bundles *config.BundleTable, bundlesPath string) {
	switch {
	case ev.Path == config.PolicyPath(cfg.HomeDir):
		pol, err := config.LoadPolicy(ev.Path)
		if err != nil {
			logger.Error("policy reload rejected", "path", ev.Path, "error", err)
			return
		}
		livePolicy.Reload(pol)
		tasks.OnPolicyChanged(livePolicy)
		logger.Info("policy reloaded", "path", ev.Path)
	case ev.Path == bundlesPath:
		if err := bundles.LoadBundles(ev.Path); err != nil {
			logger.Error("bundle table reload rejected", "path", ev.Path, "error", err)
			return
		}
		logger.Info("bundle table reloaded", "bundles", bundles.Len())
	case strings.HasPrefix(ev.Path, cfg.StringsDir):
		table := notify.NewStringTable()
		if err := table.LoadDir(cfg.StringsDir); err != nil {
			logger.Error("strings reload rejected", "dir", cfg.StringsDir, "error", err)
			return
		}
		tasks.OnStringsChanged(table)
		logger.Info("notification strings reloaded", "locales", table.Locales())
	}
}

// ensureAuthToken loads the gateway bearer token, minting and persisting one
// on first run so the ctl tool has something to read.
func ensureAuthToken(cfg config.Config) (string, error) {
	if cfg.AuthToken != "" {
		return cfg.AuthToken, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "gateway.token")
	if data, err := os.ReadFile(tokenPath); err == nil {
		if tok := strings.TrimSpace(string(data)); tok != "" {
			return tok, nil
		}
	}
	tok := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(tok+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist gateway token: %w", err)
	}
	return tok, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"bgtaskd","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
