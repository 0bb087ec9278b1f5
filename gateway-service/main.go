package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/smf-h/mini-im-gateway/pkg/auth"
	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/msglog"
	"github.com/smf-h/mini-im-gateway/pkg/otelhelper"
	"github.com/smf-h/mini-im-gateway/pkg/routestore"
	"github.com/smf-h/mini-im-gateway/pkg/store"
)

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx)
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg := loadConfig()
	instanceId := uuid.NewString()
	slog.Info("Starting IM Gateway", "instance", instanceId, "port", cfg.Port)

	// Connect to PostgreSQL with otelsql
	db, err := otelsql.Open("postgres", cfg.DbURL,
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	for attempt := 1; attempt <= 30; attempt++ {
		err = db.Ping()
		if err == nil {
			break
		}
		slog.Info("Waiting for PostgreSQL", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("Connected to PostgreSQL")

	msgStore, err := store.NewPostgresStore(ctx, db)
	if err != nil {
		slog.Error("Failed to initialize message store", "error", err)
		os.Exit(1)
	}

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NatsURL,
			nats.UserInfo(cfg.NatsUser, cfg.NatsPass),
			nats.Name("gateway-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(_ *nats.Conn) {
				slog.Info("NATS reconnected")
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	// Legacy JetStream context for the route bucket, new API for the log.
	legacyJS, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		slog.Error("Failed to create JetStream client", "error", err)
		os.Exit(1)
	}

	routes, err := routestore.New(legacyJS, cfg.RouteTTL)
	if err != nil {
		slog.Error("Failed to create route store", "error", err)
		os.Exit(1)
	}
	msgLog, err := msglog.New(ctx, js)
	if err != nil {
		slog.Error("Failed to create message log", "error", err)
		os.Exit(1)
	}
	msgIds, err := msglog.NewMsgIdIndex(ctx, js)
	if err != nil {
		slog.Error("Failed to create msg-id index", "error", err)
		os.Exit(1)
	}

	verifier, cleanup, err := buildVerifier(cfg)
	if err != nil {
		slog.Error("Failed to build token verifier", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	mirror := routestore.NewMirror()
	bus := cluster.NewBus(nc)

	gw, err := NewGateway(cfg, instanceId, routes, mirror, bus, msgLog, msgIds, msgStore, verifier)
	if err != nil {
		slog.Error("Failed to build gateway", "error", err)
		os.Exit(1)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go routes.Watch(runCtx, mirror)
	go gw.RunHeartbeat(runCtx)

	if _, err := bus.Subscribe(instanceId, gw.HandleEnvelope); err != nil {
		slog.Error("Failed to subscribe to push subject", "error", err)
		os.Exit(1)
	}
	if _, err := bus.SubscribeKicks(gw.HandleKick); err != nil {
		slog.Error("Failed to subscribe to kick subject", "error", err)
		os.Exit(1)
	}

	deliverCons, err := msgLog.Consumer(runCtx, msglog.ConsumerDeliver, deliverMaxDeliver)
	if err != nil {
		slog.Error("Failed to create deliver consumer", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := gw.RunDeliver(runCtx, deliverCons); err != nil {
			slog.Error("Deliver consumer stopped", "error", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down gateway")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	nc.Drain()
}

// buildVerifier picks JWKS when configured, otherwise the static dev tokens.
func buildVerifier(cfg Config) (auth.TokenVerifier, func(), error) {
	if cfg.JWKSURL != "" {
		v, err := auth.NewJWKSVerifier(cfg.JWKSURL, cfg.JWTIssuer)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Close, nil
	}

	tokens := make(map[string]string)
	for _, pair := range strings.Split(cfg.DevTokens, ",") {
		if token, userId, ok := strings.Cut(pair, "="); ok && token != "" && userId != "" {
			tokens[token] = userId
		}
	}
	slog.Warn("No JWKS_URL configured, using static dev tokens", "count", len(tokens))
	return &auth.StaticVerifier{Tokens: tokens}, func() {}, nil
}
