// Command mandated runs the delegated-permission engine daemon: it opens
// the configured permission store, wires the lifecycle service, and runs
// the auto-revocation sweep loop against a market feed.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	"github.com/redis/go-redis/v9"

	"github.com/mandatehq/mandate/pkg/config"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/engine"
	"github.com/mandatehq/mandate/pkg/observability"
	"github.com/mandatehq/mandate/pkg/scope"
	"github.com/mandatehq/mandate/pkg/store"
)

func main() {
	if err := run(); err != nil {
		slog.Error("mandated exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	profile, err := loadProfile(cfg)
	if err != nil {
		return err
	}

	st, closer, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if closer != nil {
		defer closer()
	}

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "mandate-engine",
		ServiceVersion: "1.0.0",
		Environment:    envName(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	svc, err := engine.New(st, engine.Options{
		AmountThreshold:     profile.Escalation.AmountThreshold,
		VolatilityThreshold: profile.Escalation.VolatilityThreshold,
		VolatilityHardStop:  profile.Sweep.VolatilityHardStop,
		Quorum:              profile.Consensus.Quorum,
		FrequencyChecker:    frequencyChecker(cfg, profile),
		Telemetry:           telemetry,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	interval := profile.Sweep.Interval.Std()
	if interval <= 0 {
		interval = cfg.SweepInterval
	}

	go serveHealth(ctx, cfg.Port)

	slog.Info("mandated started",
		"store", cfg.StoreBackend,
		"profile", profile.Code,
		"port", cfg.Port,
		"sweep_interval", interval,
		"voting_enabled", cfg.VotingEnabled)

	err = svc.Sweeper().Run(ctx, marketSource(), interval)
	if errors.Is(err, context.Canceled) {
		slog.Info("mandated stopping")
		return nil
	}
	return err
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
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

func loadProfile(cfg *config.Config) (*config.RiskProfile, error) {
	profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.RiskProfile)
	if err == nil {
		return profile, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		slog.Warn("risk profile not found, using built-in defaults", "profile", cfg.RiskProfile)
		return config.DefaultProfile(), nil
	}
	return nil, err
}

func openStore(ctx context.Context, cfg *config.Config) (store.PermissionStore, func(), error) {
	switch cfg.StoreBackend {
	case "memory":
		return store.NewMemoryStore(), nil, nil
	case "sqlite":
		st, err := store.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "postgres":
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		if err := store.MigratePostgres(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return store.NewPostgresStore(db), func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func frequencyChecker(cfg *config.Config, profile *config.RiskProfile) scope.FrequencyChecker {
	if !profile.Frequency.UseRedis || cfg.RedisAddr == "" {
		return scope.NoopChecker{}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return scope.NewRedisChecker(client,
		profile.Frequency.Window.Std(), profile.Frequency.MaxPerWindow)
}

// healthMux serves the liveness probe. The engine itself has no network
// API; this endpoint exists for process supervisors and load balancers.
func healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func serveHealth(ctx context.Context, port string) {
	srv := &http.Server{Addr: ":" + port, Handler: healthMux()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Warn("health listener stopped", "error", err)
	}
}

func envName() string {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		return env
	}
	return "development"
}

// marketSource returns the market feed for scheduled sweeps. When
// MARKET_FEED_URL is set it polls that endpoint for a JSON snapshot;
// otherwise it serves a calm static snapshot so the sweep loop still
// handles expiry.
func marketSource() httpMarketSource {
	return httpMarketSource{
		url:    os.Getenv("MARKET_FEED_URL"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type httpMarketSource struct {
	url    string
	client *http.Client
}

func (s httpMarketSource) Snapshot(ctx context.Context) (contracts.MarketCondition, error) {
	if s.url == "" {
		return contracts.MarketCondition{
			Volatility: 0,
			Trend:      contracts.TrendSideways,
			Timestamp:  time.Now().UTC(),
		}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return contracts.MarketCondition{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return contracts.MarketCondition{}, fmt.Errorf("fetch market feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return contracts.MarketCondition{}, fmt.Errorf("market feed returned %s", resp.Status)
	}

	var market contracts.MarketCondition
	if err := json.NewDecoder(resp.Body).Decode(&market); err != nil {
		return contracts.MarketCondition{}, fmt.Errorf("decode market feed: %w", err)
	}
	return market, nil
}
