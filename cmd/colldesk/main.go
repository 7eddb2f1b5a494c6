// Command colldesk runs the collection desk claim daemon: the assignment
// store, claim coordinator, signal notifier and the HTTP/WS gateway.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/basket/colldesk/internal/audit"
	"github.com/basket/colldesk/internal/bus"
	"github.com/basket/colldesk/internal/config"
	"github.com/basket/colldesk/internal/coordinator"
	"github.com/basket/colldesk/internal/gateway"
	otelPkg "github.com/basket/colldesk/internal/otel"
	"github.com/basket/colldesk/internal/retention"
	"github.com/basket/colldesk/internal/session"
	"github.com/basket/colldesk/internal/store"
	"github.com/basket/colldesk/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func main() {
	homeFlag := flag.String("home", "", "data directory (default: ~/.colldesk, or COLLDESK_HOME)")
	printVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *printVersion {
		fmt.Println("colldesk", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *homeFlag
	if homeDir == "" {
		homeDir = config.DefaultHomeDir()
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		fatalStartup(nil, "E_HOME_DIR", err)
	}

	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, logCloser, err := telemetry.NewLogger(homeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := audit.Init(homeDir); err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer audit.Close()

	authToken := cfg.AuthToken
	if authToken == "" {
		authToken = generateToken()
		cfg.AuthToken = authToken
		if err := cfg.Save(); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("auth token generated and saved to config.yaml")
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	if cfg.SeedFile != "" {
		if err := applySeed(ctx, st, cfg.SeedFile, logger); err != nil {
			fatalStartup(logger, "E_SEED_LOAD", err)
		}
	}

	notifier := bus.New()
	sessions := session.NewRegistry(notifier, logger)

	coord := coordinator.New(coordinator.Config{
		Store:         st,
		Notifier:      notifier,
		Logger:        logger,
		Metrics:       metrics,
		LeaseDuration: cfg.LeaseDuration(),
	})

	// Claims held by sessions that died while the daemon was down come back
	// through the same lease path as live expirations.
	var reaper *coordinator.Reaper
	if cfg.LeaseSeconds > 0 {
		reaper = coordinator.NewReaper(coord, cfg.ReapInterval())
		reaper.Start(ctx)
		defer reaper.Stop()
	} else {
		logger.Warn("lease expiry disabled; abandoned claims require an explicit release")
	}

	retJob, err := retention.New(retention.Config{
		Store:     st,
		Logger:    logger,
		Retention: cfg.Retention,
	})
	if err != nil {
		fatalStartup(logger, "E_RETENTION_INIT", err)
	}
	if retJob != nil {
		retJob.Start(ctx)
		defer retJob.Stop()
	}

	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				logger.Info("config.yaml changed; restart to apply non-reloadable settings")
			}
		}()
	}

	gw := gateway.New(gateway.Config{
		Store:             st,
		Coordinator:       coord,
		Notifier:          notifier,
		Sessions:          sessions,
		Logger:            logger,
		Metrics:           metrics,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	rateLimiter := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	rateLimiter.StartEviction(ctx, 10*time.Minute, 30*time.Minute)

	handler := gateway.NewCORSMiddleware(cfg.AllowOrigins)(
		gateway.RequestSizeLimitMiddleware(cfg.MaxBodyBytes)(
			rateLimiter.Wrap(gw.Handler())))

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: handler,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; claims stay durable in the store, so connected
	// clients just lose their signal channel and re-sync on reconnect.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

// applySeed loads the bootstrap YAML into the store. Upserts are idempotent
// and never clobber live ownership, so re-running on restart is safe.
func applySeed(ctx context.Context, st *store.Store, path string, logger *slog.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	for _, a := range seed.Agents {
		err := st.UpsertAgent(ctx, store.AgentRecord{
			AgentID:     a.AgentID,
			DisplayName: a.DisplayName,
			GroupID:     a.GroupID,
			BucketIDs:   a.BucketIDs,
			Status:      "active",
		})
		if err != nil {
			return fmt.Errorf("seed agent %s: %w", a.AgentID, err)
		}
	}
	for _, a := range seed.Accounts {
		err := st.UpsertAccount(ctx, store.Account{
			ID:           a.ID,
			DebtorName:   a.DebtorName,
			BalanceCents: a.BalanceCents,
			GroupID:      a.GroupID,
			BucketID:     a.BucketID,
		})
		if err != nil {
			return fmt.Errorf("seed account %s: %w", a.ID, err)
		}
	}
	logger.Info("seed applied", "accounts", len(seed.Accounts), "agents", len(seed.Agents))
	return nil
}

func generateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the platform is broken; bail out.
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func fatalStartup(logger *slog.Logger, code string, err error) {
	if logger != nil {
		logger.Error("startup failed", "code", code, "error", err)
	}
	fmt.Fprintf(os.Stderr, "colldesk: %s: %v\n", code, err)
	os.Exit(1)
}
