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
	"github.com/mattn/go-isatty"

	"github.com/basket/skillbus/internal/audit"
	"github.com/basket/skillbus/internal/bridge"
	"github.com/basket/skillbus/internal/bus"
	"github.com/basket/skillbus/internal/config"
	"github.com/basket/skillbus/internal/delegation"
	"github.com/basket/skillbus/internal/expiry"
	"github.com/basket/skillbus/internal/gateway"
	otelpkg "github.com/basket/skillbus/internal/otel"
	"github.com/basket/skillbus/internal/persistence"
	"github.com/basket/skillbus/internal/registry"
	"github.com/basket/skillbus/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the request bus daemon

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s approvals list           List requests blocked for sign-off
  %s approvals approve <id>   Approve a blocked request
                              Flags: -approver <name>, -reason <text>

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SKILLBUS_HOME           Data directory (default: ~/.skillbus)
  SKILLBUS_AUTH_TOKEN     Gateway bearer token (overrides auth.token file)
`)
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "approvals":
			os.Exit(runApprovalsCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

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
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected",
				"bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelpkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = otelProvider.Shutdown(context.Background()) }()
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	dbPath := filepath.Join(cfg.HomeDir, "skillbus.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated")

	trail, err := audit.New(store, eventBus, cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer trail.Close()

	reg := registry.New(store, trail, logger)

	rubric, err := bridge.LoadRubric(cfg.RubricPath)
	if err != nil {
		fatalStartup(logger, "E_RUBRIC_LOAD", err)
	}
	br := bridge.New(store, reg, trail, rubric, cfg.ArchiveDir, logger)
	logger.Info("startup phase", "phase", "rubric_loaded", "path", cfg.RubricPath)

	dbus := delegation.New(store, reg, br, trail, eventBus, logger, delegation.Config{
		DefaultQuota:    cfg.DefaultQuota,
		DispatchTimeout: cfg.DispatchTimeout(),
		Tracer:          otelProvider.Tracer,
		Metrics:         metrics,
	})

	// Re-dispatch requests a previous daemon left PENDING.
	if requeued, err := redispatchPending(ctx, store, dbus, logger); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	} else {
		logger.Info("startup phase", "phase", "recovery_scan_completed", "redispatched", requeued)
	}

	// Hot reload for the severity rubric.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if filepath.Base(ev.Path) != "rubric.yaml" {
				continue
			}
			reloaded, err := bridge.LoadRubric(cfg.RubricPath)
			if err != nil {
				logger.Error("rubric reload failed; keeping previous rubric", "error", err)
				continue
			}
			br.SetRubric(reloaded)
			logger.Info("rubric.yaml hot-reloaded")
		}
	}()

	sweeper, err := expiry.NewSweeper(expiry.Config{
		Bus:               dbus,
		Store:             store,
		Trail:             trail,
		Logger:            logger,
		Schedule:          cfg.SweepSchedule,
		RequestTTL:        cfg.RequestTTL(),
		RetentionRequests: time.Duration(cfg.RetentionRequestsDays) * 24 * time.Hour,
		RetentionAudit:    time.Duration(cfg.RetentionAuditDays) * 24 * time.Hour,
	})
	if err != nil {
		fatalStartup(logger, "E_SWEEPER_INIT", err)
	}
	sweeper.Start(ctx)
	defer sweeper.Stop()

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN_WRITE", err)
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Registry:          reg,
		Bus:               dbus,
		Trail:             trail,
		Events:            eventBus,
		Logger:            logger,
		Tracer:            otelProvider.Tracer,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "events", "/v1/events")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake, then drain in-flight handlers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	if !dbus.Drain(cfg.DrainTimeout()) {
		logger.Warn("drain timeout; abandoning in-flight handlers")
	}
	logger.Info("shutdown complete")
}

// redispatchPending re-runs the gate for requests a previous process created
// but never dispatched. Handler-less targets fail cleanly inside Dispatch.
func redispatchPending(ctx context.Context, store *persistence.Store, dbus *delegation.Bus, logger *slog.Logger) (int, error) {
	pending, err := store.ListRequestsByStatus(ctx, persistence.RequestStatusPending, 0)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, req := range pending {
		if err := dbus.Dispatch(ctx, req.ID); err != nil {
			logger.Warn("redispatch failed", "request_id", req.ID, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// loadAuthToken resolves the gateway bearer token: env var, then config,
// then the auth.token file, generating one on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("SKILLBUS_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	if cfg.AuthToken != "" {
		return cfg.AuthToken, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

// stdoutIsTerminal reports whether pretty, human-oriented output is
// appropriate for subcommand results.
func stdoutIsTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
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
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
