package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const keepAliveInterval = 30 * time.Second

// WatchHandler serves the live feed of one session to a proctor or to the
// session owner. With Redis the feed follows the session's PubSub channel,
// so sessions running on other instances can be watched too.
type WatchHandler struct {
	rdb      *redis.Client
	sessions *service.SessionService
	hub      *service.EventHub
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWatchHandler creates a new WatchHandler. rdb may be nil.
func NewWatchHandler(rdb *redis.Client, sessions *service.SessionService, hub *service.EventHub, log zerolog.Logger, allowedOrigins []string) *WatchHandler {
	return &WatchHandler{
		rdb:      rdb,
		sessions: sessions,
		hub:      hub,
		log:      log.With().Str("component", "watch_handler").Logger(),
		upgrader: ws.NewUpgrader(allowedOrigins),
	}
}

// WatchSession godoc
// WS /ws/v1/sessions/:id/watch
func (h *WatchHandler) WatchSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	snap, err := h.sessions.Snapshot(c.Request.Context(), id, claims)
	if err != nil {
		status, code := errorStatus(err)
		response.Fail(c, status, code)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	wsLog := h.log.With().
		Int("viewer_id", claims.UserID).
		Str("session_id", id.String()).
		Logger()
	wsLog.Info().Msg("Watcher attached")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Discard inbound traffic; a read error means the watcher left.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Subscribe before sending the snapshot so no event falls in between.
	if h.rdb != nil {
		pubsub := h.rdb.Subscribe(ctx, config.CacheKey.SessionEventsChannel(id))
		defer pubsub.Close()
		if _, err := pubsub.Receive(ctx); err != nil {
			wsLog.Error().Err(err).Msg("Redis subscribe failed")
			return
		}
		if err := ws.WriteTyped(conn, ws.NewMessage(ws.EventSnapshot, id, snap)); err != nil {
			return
		}
		h.followRedis(ctx, conn, wsLog, pubsub)
	} else {
		sub := h.hub.Subscribe(id)
		defer sub.Close()
		if err := ws.WriteTyped(conn, ws.NewMessage(ws.EventSnapshot, id, snap)); err != nil {
			return
		}
		h.followLocal(ctx, conn, wsLog, sub)
	}
	wsLog.Info().Msg("Watcher detached")
}

func (h *WatchHandler) followRedis(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, pubsub *redis.PubSub) {
	ch := pubsub.Channel()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Forward raw JSON directly, no need to decode.
			if err := ws.WriteRaw(conn, []byte(msg.Payload)); err != nil {
				wsLog.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-keepAlive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}

func (h *WatchHandler) followLocal(ctx context.Context, conn *websocket.Conn, wsLog zerolog.Logger, sub *service.Subscription) {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.C:
			// Timer ticks are noise for a watcher.
			if msg.Event == ws.EventTick {
				continue
			}
			if err := ws.WriteTyped(conn, msg); err != nil {
				wsLog.Debug().Err(err).Msg("Write failed")
				return
			}
		case <-keepAlive.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
				return
			}
		}
	}
}
