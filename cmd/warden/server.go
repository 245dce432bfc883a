package main

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/warden/pkg/auth"
	"github.com/Mindburn-Labs/warden/pkg/authz"
	"github.com/Mindburn-Labs/warden/pkg/compliance"
	"github.com/Mindburn-Labs/warden/pkg/config"
	"github.com/Mindburn-Labs/warden/pkg/detection"
	"github.com/Mindburn-Labs/warden/pkg/events"
	"github.com/Mindburn-Labs/warden/pkg/evidence"
	"github.com/Mindburn-Labs/warden/pkg/gateway"
	"github.com/Mindburn-Labs/warden/pkg/inventory"
	"github.com/Mindburn-Labs/warden/pkg/observability"
	"github.com/Mindburn-Labs/warden/pkg/patch"
	"github.com/Mindburn-Labs/warden/pkg/psa"
	"github.com/Mindburn-Labs/warden/pkg/replay"
	"github.com/Mindburn-Labs/warden/pkg/sigverify"
	"github.com/Mindburn-Labs/warden/pkg/tasks"
	"github.com/Mindburn-Labs/warden/pkg/telemetry"
	"github.com/Mindburn-Labs/warden/pkg/truststore"

	_ "github.com/lib/pq"  // postgres driver for the event archive
	_ "modernc.org/sqlite" // sqlite driver for the primary store
)

const shutdownGrace = 10 * time.Second

//nolint:gocognit,gocyclo
func runServer(stdout, stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)
	logger := slog.Default().With("component", "server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openPrimaryDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("database open failed", "error", err)
		return 1
	}
	defer db.Close()

	// Stores on the primary database.
	inv, err := inventory.NewStore(db)
	if err != nil {
		logger.Error("inventory store init failed", "error", err)
		return 1
	}
	teleStore, err := telemetry.NewSQLiteStore(db)
	if err != nil {
		logger.Error("telemetry store init failed", "error", err)
		return 1
	}
	evStore, err := events.NewSQLiteStore(db)
	if err != nil {
		logger.Error("event store init failed", "error", err)
		return 1
	}
	trustPersister, err := truststore.NewSQLitePersister(db)
	if err != nil {
		logger.Error("trust store init failed", "error", err)
		return 1
	}
	ledgerPersister, err := evidence.NewSQLitePersister(db)
	if err != nil {
		logger.Error("ledger store init failed", "error", err)
		return 1
	}

	trust := truststore.NewStore().WithPersister(trustPersister)
	if err := trust.Load(ctx); err != nil {
		logger.Error("trust store load failed", "error", err)
		return 1
	}
	ledger := evidence.NewLedger().WithPersister(ledgerPersister)
	if err := ledger.Load(ctx); err != nil {
		logger.Error("evidence ledger load failed", "error", err)
		return 1
	}

	// Redis-backed replay and rate limiting when configured; in-process
	// fallbacks otherwise.
	var (
		replays replay.Registry = replay.NewMemoryRegistry()
		limiter auth.LimiterStore
	)
	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("redis connect failed", "error", err)
			return 1
		}
		defer client.Close()
		replays = replay.NewRedisRegistry(client, replay.DefaultRetention)
		limiter = auth.NewRedisLimiterStore(client)
		logger.Info("redis connected", "url", cfg.RedisURL)
	} else {
		limiter = auth.NewInMemoryLimiterStore()
	}

	keyring := sigverify.NewKeyring(loadMasterKey(logger))

	// Taxonomy and tenant profiles.
	taxonomy := telemetry.DefaultTaxonomy()
	if cfg.TaxonomyPath != "" {
		taxonomy, err = telemetry.LoadTaxonomy(cfg.TaxonomyPath)
		if err != nil {
			logger.Error("taxonomy load failed", "path", cfg.TaxonomyPath, "error", err)
			return 1
		}
	}
	profiles := map[string]*config.TenantProfile{}
	if cfg.ProfilesDir != "" {
		profiles, err = config.LoadAllProfiles(cfg.ProfilesDir)
		if err != nil {
			logger.Error("tenant profile load failed", "dir", cfg.ProfilesDir, "error", err)
			return 1
		}
		logger.Info("tenant profiles loaded", "count", len(profiles))
	}

	gate, err := authz.NewGate()
	if err != nil {
		logger.Error("authz init failed", "error", err)
		return 1
	}

	queueOpts := []tasks.QueueOption{tasks.WithExecutionGate(gate)}
	if cfg.ExecutionDisabled {
		queueOpts = append(queueOpts, tasks.WithExecutionDisabled(true))
	}
	psaCore := psa.NewCore().WithLedger(ledger)
	for tenantID, p := range profiles {
		if p.Execution.Disabled {
			queueOpts = append(queueOpts, tasks.WithDisabledTenants(tenantID))
		}
		if len(p.Execution.DisabledAssets) > 0 {
			queueOpts = append(queueOpts, tasks.WithDisabledAssets(p.Execution.DisabledAssets...))
		}
		if len(p.Execution.CommandAllowlist) > 0 {
			queueOpts = append(queueOpts, tasks.WithTenantAllowlist(tenantID, p.Execution.CommandAllowlist...))
		}
		if p.Execution.Policy != "" {
			if err := gate.LoadPolicy(tenantID, p.Execution.Policy); err != nil {
				logger.Error("execution policy rejected", "tenant_id", tenantID, "error", err)
				return 1
			}
		}
		if p.Psa.RiskThreshold > 0 {
			psaCore.WithTenantRiskThreshold(tenantID, p.Psa.RiskThreshold)
		}
	}

	ingestOpts := []events.IngestorOption{}
	if archiveURL := os.Getenv("EVENT_ARCHIVE_URL"); archiveURL != "" {
		archiveDB, err := sql.Open("postgres", archiveURL)
		if err != nil {
			logger.Error("event archive open failed", "error", err)
			return 1
		}
		defer archiveDB.Close()
		if err := archiveDB.PingContext(ctx); err != nil {
			logger.Error("event archive ping failed", "error", err)
			return 1
		}
		archive, err := events.NewPostgresArchive(archiveDB)
		if err != nil {
			logger.Error("event archive init failed", "error", err)
			return 1
		}
		ingestOpts = append(ingestOpts, events.WithArchive(archive))
		logger.Info("event archive connected")
	}

	detect := detection.NewEngine().WithLedger(ledger)
	detect.WithHistory(gateway.NewStoreHistory(evStore, gateway.RuleEventTypes(detect)))

	keys, err := auth.NewInMemoryKeySet()
	if err != nil {
		logger.Error("keyset init failed", "error", err)
		return 1
	}

	var obs *observability.Provider
	if cfg.OTLPEndpoint != "" {
		obsCfg := observability.DefaultConfig()
		obsCfg.ServiceVersion = Version
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		obs, err = observability.New(ctx, obsCfg)
		if err != nil {
			logger.Error("observability init failed", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	g := gateway.New(gateway.Deps{
		Trust:      trust,
		Keyring:    keyring,
		Inventory:  inv,
		Telemetry:  telemetry.NewEngine(taxonomy, telemetry.NewBaselineRegistry(telemetry.DefaultWindowSize), teleStore, replays),
		Events:     events.NewIngestor(evStore, replays, ingestOpts...),
		EventStore: evStore,
		Tasks:      tasks.NewQueue(keyring, queueOpts...),
		Patches:    patch.NewOrchestrator().WithLedger(ledger).WithAssetBlocker(inv),
		Detection:  detect,
		Psa:        psaCore,
		Authz:      gate,
		Compliance: compliance.NewCore().WithLedger(ledger),

		JWTValidator:  auth.NewJWTValidator(keys),
		Limiter:       limiter,
		LimiterPolicy: auth.RatePolicy{RPM: cfg.IntakeRPM, Burst: cfg.IntakeBurst},
		IPLimiter:     auth.NewIPRateLimiter(float64(cfg.IntakeRPM)/60.0, cfg.IntakeBurst),
		Obs:           obs,

		MinAgentVersion: cfg.MinAgentVersion,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           g.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		return 1
	}
	logger.Info("server stopped")
	return 0
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// openPrimaryDB opens the primary store. A postgres:// URL selects the pq
// driver; anything else is treated as a SQLite DSN.
func openPrimaryDB(ctx context.Context, url string) (*sql.DB, error) {
	driver := "sqlite"
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		driver = "postgres"
	}
	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		// Accept a bare host:port for convenience.
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// loadMasterKey reads the tenant master key. Without one, a random ephemeral
// key is generated: intake still works within the process lifetime, but
// agents cannot hold a matching key, so this is a dev-only mode.
func loadMasterKey(logger *slog.Logger) []byte {
	if hexKey := os.Getenv("AGENT_MASTER_KEY"); hexKey != "" {
		key, err := hex.DecodeString(hexKey)
		if err == nil && len(key) >= 16 {
			return key
		}
		logger.Warn("AGENT_MASTER_KEY is not valid hex of at least 16 bytes, generating ephemeral key")
	} else {
		logger.Warn("AGENT_MASTER_KEY not set, generating ephemeral key")
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("entropy unavailable: %v", err))
	}
	return key
}
