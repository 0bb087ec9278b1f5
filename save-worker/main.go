package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/leader"
	"github.com/smf-h/mini-im-gateway/pkg/msglog"
	"github.com/smf-h/mini-im-gateway/pkg/otelhelper"
	"github.com/smf-h/mini-im-gateway/pkg/routestore"
	"github.com/smf-h/mini-im-gateway/pkg/store"
)

// LeaderBucket holds the save-side lease.
const (
	LeaderBucket = "IM_LEADER"
	LeaderKey    = "save"
)

// saveMaxDeliver is effectively unbounded: a save must eventually happen, and
// replays are idempotent.
const saveMaxDeliver = -1

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
	slog.Info("Starting IM Save Worker", "instance", instanceId)

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
			nats.Name("save-worker"),
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

	routes, err := routestore.New(legacyJS, routestore.DefaultTTL)
	if err != nil {
		slog.Error("Failed to bind route store", "error", err)
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

	election, err := leader.NewElection(ctx, js, LeaderBucket, LeaderKey, instanceId,
		cfg.LeaderTTL, cfg.LeaderHeartbeat, func(leading bool) {
			slog.Info("Leadership changed", "leading", leading, "instance", instanceId)
		})
	if err != nil {
		slog.Error("Failed to set up leader election", "error", err)
		os.Exit(1)
	}

	meter := otel.Meter("save-worker")
	savedCounter, _ := meter.Int64Counter("im_save_messages_saved_total",
		metric.WithDescription("Messages persisted with a fresh serverMsgId"))
	statusCounter, _ := meter.Int64Counter("im_save_status_acks_total",
		metric.WithDescription("Recipient acks applied to message rows"))
	resentCounter, _ := meter.Int64Counter("im_save_messages_resent_total",
		metric.WithDescription("Stale SAVED messages re-pushed by the sweep"))
	droppedCounter, _ := meter.Int64Counter("im_save_messages_dropped_total",
		metric.WithDescription("Messages marked DROPPED by the sweep"))
	saveDuration, _ := otelhelper.NewDurationHistogram(meter,
		"im_save_duration_seconds", "SaveMessage duration")

	mirror := routestore.NewMirror()
	w := &Worker{
		cfg:            cfg,
		store:          msgStore,
		msgIds:         msgIds,
		bus:            cluster.NewBus(nc),
		mirror:         mirror,
		isLeader:       election.IsLeader,
		savedCounter:   savedCounter,
		statusCounter:  statusCounter,
		resentCounter:  resentCounter,
		droppedCounter: droppedCounter,
		saveDuration:   saveDuration,
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go routes.Watch(runCtx, mirror)
	go election.Run(runCtx)
	go w.RunResend(runCtx)

	sub, err := w.SubscribeStatusAcks(nc)
	if err != nil {
		slog.Error("Failed to subscribe to status acks", "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()

	saveCons, err := msgLog.Consumer(runCtx, msglog.ConsumerSave, saveMaxDeliver)
	if err != nil {
		slog.Error("Failed to create save consumer", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := w.RunSave(runCtx, saveCons); err != nil {
			slog.Error("Save consumer stopped", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down save worker")
	cancel()
	nc.Drain()
}
