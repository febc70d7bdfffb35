// Command new-daily is the main entrypoint for the Telegram-to-Dailymotion
// upload bot. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: conversation expiry janitor and the channel
//     token refresher.
//   - Long-polls Telegram and dispatches each update in its own goroutine.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and
//     /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/thaimozhi-2005/New-Daily/bot"
	"github.com/thaimozhi-2005/New-Daily/config"
	"github.com/thaimozhi-2005/New-Daily/conversation"
	"github.com/thaimozhi-2005/New-Daily/dailymotion"
	"github.com/thaimozhi-2005/New-Daily/db"
	"github.com/thaimozhi-2005/New-Daily/oauth"
	"github.com/thaimozhi-2005/New-Daily/server"
	"github.com/thaimozhi-2005/New-Daily/store"
	"github.com/thaimozhi-2005/New-Daily/telegram"
	"github.com/thaimozhi-2005/New-Daily/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("new-daily", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Run database migrations: versioned migrations first, embedded SQL as
	// fallback for deployments without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		slog.Error("failed to create data dir", slog.String("dir", cfg.DataDir), slog.Any("err", err))
		os.Exit(1)
	}

	channels := store.New(database)
	conv := conversation.NewStore(cfg.ConversationTTL)
	conv.StartJanitor(ctx)

	// Background token refresher keeps channel auth warm so uploads skip
	// the token round-trip.
	oauth.StartRefresher(ctx, database, channels, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow,
		func(rctx context.Context, ch store.Channel) (string, string, error) {
			client := dailymotion.NewClient(dailymotion.Credentials{
				APIKey: ch.APIKey, APISecret: ch.APISecret, Username: ch.Username, Password: ch.Password,
			})
			defer client.Close()
			client.BaseURL = cfg.APIBase
			if _, err := client.Authenticate(rctx); err != nil {
				return "", "", err
			}
			access, refresh := client.Tokens()
			return access, refresh, nil
		})

	// Telegram transport + dispatcher
	transport, err := telegram.New(cfg.BotToken)
	if err != nil {
		slog.Error("telegram connect failed", slog.Any("err", err))
		os.Exit(1)
	}
	dispatcher := bot.New(transport, channels, conv, *cfg, database)

	go func() {
		for upd := range transport.Updates(ctx) {
			go dispatcher.HandleUpdate(ctx, upd)
		}
	}()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics)
	go func() {
		if err := server.Start(ctx, database, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
