package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/smf-h/mini-im-gateway/pkg/auth"
	"github.com/smf-h/mini-im-gateway/pkg/cluster"
	"github.com/smf-h/mini-im-gateway/pkg/msglog"
	"github.com/smf-h/mini-im-gateway/pkg/otelhelper"
	"github.com/smf-h/mini-im-gateway/pkg/routestore"
	"github.com/smf-h/mini-im-gateway/pkg/store"
	"github.com/smf-h/mini-im-gateway/pkg/wire"
)

// envelopeBus is the slice of *cluster.Bus the gateway publishes through.
type envelopeBus interface {
	Publish(ctx context.Context, instanceId string, env *cluster.Envelope) error
	PublishStatusAck(ctx context.Context, ack *cluster.StatusAck) error
}

// acceptLog is the append side of *msglog.Log.
type acceptLog interface {
	Append(ctx context.Context, e *msglog.Entry) error
}

// idIndex is the lookup/record surface of *msglog.MsgIdIndex.
type idIndex interface {
	Lookup(ctx context.Context, fromUserId, clientMsgId string) (string, bool, error)
	Record(ctx context.Context, fromUserId, clientMsgId, serverMsgId string) error
}

// routeWriter is the write side of *routestore.Store.
type routeWriter interface {
	Put(userId, connId, instanceId string) error
	Delete(userId, connId string) error
}

// Gateway ties one instance's connection layer to the shared route table, the
// cluster bus and the accept log.
type Gateway struct {
	cfg        Config
	instanceId string

	registry *Registry
	mirror   *routestore.Mirror
	routes   routeWriter
	bus      envelopeBus
	log      acceptLog
	msgIds   idIndex
	store    store.MessageStore
	limiter  RateLimiter
	verifier auth.TokenVerifier

	// logCooldown fail-fasts Append while the log transport is down; the
	// accept path then falls back to direct persist.
	logCooldown *cluster.Cooldown

	upgrader websocket.Upgrader

	connectionsUpDown metric.Int64UpDownCounter
	acceptedCounter   metric.Int64Counter
	deliveredCounter  metric.Int64Counter
	degradedCounter   metric.Int64Counter
	kickedCounter     metric.Int64Counter
	acceptDuration    metric.Float64Histogram
}

func NewGateway(
	cfg Config,
	instanceId string,
	routes routeWriter,
	mirror *routestore.Mirror,
	bus envelopeBus,
	log acceptLog,
	msgIds idIndex,
	msgStore store.MessageStore,
	verifier auth.TokenVerifier,
) (*Gateway, error) {
	g := &Gateway{
		cfg:         cfg,
		instanceId:  instanceId,
		registry:    NewRegistry(),
		mirror:      mirror,
		routes:      routes,
		bus:         bus,
		log:         log,
		msgIds:      msgIds,
		store:       msgStore,
		limiter:     NewTokenBucketLimiter(cfg.RatePerSec, cfg.RateBurst),
		verifier:    verifier,
		logCooldown: cluster.NewCooldown(cluster.DefaultCooldown),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if cfg.RatePerSec <= 0 {
		g.limiter = allowAll{}
	}

	meter := otel.Meter("gateway-service")
	var err error
	if g.connectionsUpDown, err = meter.Int64UpDownCounter("im_gateway_connections",
		metric.WithDescription("Currently open client connections")); err != nil {
		return nil, err
	}
	if g.acceptedCounter, err = meter.Int64Counter("im_gateway_messages_accepted_total",
		metric.WithDescription("Chat messages accepted into the pipeline")); err != nil {
		return nil, err
	}
	if g.deliveredCounter, err = meter.Int64Counter("im_gateway_messages_pushed_total",
		metric.WithDescription("Chat frames pushed to local recipients")); err != nil {
		return nil, err
	}
	if g.degradedCounter, err = meter.Int64Counter("im_gateway_degraded_accepts_total",
		metric.WithDescription("Accepts persisted directly because the log was unavailable")); err != nil {
		return nil, err
	}
	if g.kickedCounter, err = meter.Int64Counter("im_gateway_kicked_total",
		metric.WithDescription("Connections closed by ops kick")); err != nil {
		return nil, err
	}
	if g.acceptDuration, err = otelhelper.NewDurationHistogram(meter,
		"im_gateway_accept_duration_seconds", "Time from frame read to accept outcome"); err != nil {
		return nil, err
	}
	return g, nil
}

// HandleWS upgrades an HTTP request into a client connection and runs its
// read loop until the link dies.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConn(ws, g.cfg)
	ws.SetReadLimit(wire.MaxFrameSize + 1024)
	g.connectionsUpDown.Add(r.Context(), 1)
	go c.writePump(func(c *Conn) { g.cleanup(c) })

	// Handshake auth: a bearer token on the upgrade request skips the AUTH
	// frame round trip.
	if token := handshakeToken(r); token != "" {
		if userId, ok := g.verifier.VerifyToken(r.Context(), token); ok {
			g.finishAuth(c, userId)
		} else {
			c.SendError("invalid token")
			g.cleanup(c)
			return
		}
	}

	g.readLoop(c)
}

// handshakeToken extracts a bearer token from the upgrade request, from the
// Authorization header or the token query parameter.
func handshakeToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) readLoop(c *Conn) {
	defer g.cleanup(c)

	for {
		if !c.Authenticated() {
			_ = c.ws.SetReadDeadline(time.Now().Add(g.cfg.AuthGrace))
		} else {
			_ = c.ws.SetReadDeadline(time.Time{})
		}

		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.Authenticated() && isTimeout(err) {
				slog.Debug("Connection closed before AUTH", "conn", c.Id())
			}
			return
		}

		frame, err := wire.Decode(data)
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				c.SendError(perr.Reason)
				continue
			}
			// Oversized or otherwise hard-broken input: drop the link.
			c.SendError(err.Error())
			return
		}

		switch f := frame.(type) {
		case *wire.Auth:
			g.handleAuth(c, f)
		case *wire.Chat:
			if !c.Authenticated() {
				c.SendError("authentication required")
				continue
			}
			g.acceptChat(context.Background(), c, f)
		case *wire.Ack:
			if !c.Authenticated() {
				c.SendError("authentication required")
				continue
			}
			g.handleClientAck(context.Background(), c, f)
		}
	}
}

// isTimeout spots an auth-grace deadline expiry without depending on the
// concrete net error type.
func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	var t timeouter
	return errors.As(err, &t) && t.Timeout()
}

func (g *Gateway) handleAuth(c *Conn, f *wire.Auth) {
	userId, ok := g.verifier.VerifyToken(context.Background(), f.Token)
	if !ok {
		c.SendError("invalid token")
		c.Close()
		return
	}
	g.finishAuth(c, userId)
}

// finishAuth registers the connection locally, publishes its route record and
// confirms to the client. A re-AUTH on an already-bound connection rebinds it.
func (g *Gateway) finishAuth(c *Conn, userId string) {
	if c.Authenticated() && c.UserId() != userId {
		g.registry.Deregister(c)
		g.mirror.Remove(c.UserId(), c.Id())
		if err := g.routes.Delete(c.UserId(), c.Id()); err != nil {
			slog.Warn("Failed to delete stale route on re-auth", "user", c.UserId(), "error", err)
		}
	}

	c.setUser(userId)
	g.registry.Register(c)

	// Optimistic local mirror entry so this instance can resolve the route
	// before the KV watcher echoes it back.
	g.mirror.Set(userId, c.Id(), routestore.Route{
		InstanceId:  g.instanceId,
		ConnId:      c.Id(),
		ConnectedAt: time.Now().UnixMilli(),
	})
	if err := g.routes.Put(userId, c.Id(), g.instanceId); err != nil {
		slog.Warn("Failed to publish route record", "user", userId, "conn", c.Id(), "error", err)
	}

	_ = c.Send(wire.EncodeAuthOK(userId))
	slog.Info("Connection authenticated", "user", userId, "conn", c.Id())
}

// cleanup tears the connection down everywhere: socket, registry, route
// record, mirror. Racing callers collapse into one effective run.
func (g *Gateway) cleanup(c *Conn) {
	c.Close()
	c.cleanupOnce.Do(func() {
		g.connectionsUpDown.Add(context.Background(), -1)
		if !g.registry.Deregister(c) {
			return
		}

		userId := c.UserId()
		g.mirror.Remove(userId, c.Id())
		if err := g.routes.Delete(userId, c.Id()); err != nil {
			slog.Warn("Failed to delete route on disconnect", "user", userId, "conn", c.Id(), "error", err)
		}
		slog.Info("Connection closed", "user", userId, "conn", c.Id())
	})
}

// RunHeartbeat re-publishes every local route well inside the bucket TTL so
// records for live connections never expire. Blocks until ctx is cancelled.
func (g *Gateway) RunHeartbeat(ctx context.Context) {
	interval := g.cfg.RouteTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for userId, connIds := range g.registry.Snapshot() {
				for _, connId := range connIds {
					if err := g.routes.Put(userId, connId, g.instanceId); err != nil {
						slog.Warn("Route heartbeat failed", "user", userId, "error", err)
					}
				}
			}
		}
	}
}

// pushLocal delivers a frame to this instance's connections for a user. An
// empty connId fans out to every device. Returns the number of connections
// the frame was queued on.
func (g *Gateway) pushLocal(ctx context.Context, userId, connId string, frame []byte) int {
	var targets []*Conn
	if connId != "" {
		if c, ok := g.registry.Conn(userId, connId); ok {
			targets = []*Conn{c}
		}
	} else {
		targets = g.registry.Conns(userId)
	}

	n := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			slog.DebugContext(ctx, "Push skipped", "user", userId, "conn", c.Id(), "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		g.deliveredCounter.Add(ctx, int64(n))
	}
	return n
}

// pushRemote forwards a frame to every other instance currently holding a
// connection for the user. Best effort; the resend sweep covers losses.
func (g *Gateway) pushRemote(ctx context.Context, userId, connId string, frame []byte) int {
	n := 0
	for _, instance := range g.mirror.Instances(userId, g.instanceId) {
		env := &cluster.Envelope{
			Type:   cluster.EnvelopePush,
			UserId: userId,
			ConnId: connId,
			Frame:  frame,
		}
		if err := g.bus.Publish(ctx, instance, env); err != nil {
			slog.WarnContext(ctx, "Remote push failed", "user", userId, "instance", instance, "error", err)
			continue
		}
		n++
	}
	return n
}
