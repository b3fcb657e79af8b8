package handler

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	outboundBuffer = 64
	completedGrace = time.Second
)

// StreamHandler carries a candidate's camera frames and audio buffers into
// the session's stream devices and pushes session events back.
type StreamHandler struct {
	sessions *service.SessionService
	hub      *service.EventHub
	metrics  *metrics.Metrics
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewStreamHandler creates a new StreamHandler.
func NewStreamHandler(sessions *service.SessionService, hub *service.EventHub, m *metrics.Metrics, log zerolog.Logger, allowedOrigins []string) *StreamHandler {
	if m == nil {
		m = metrics.Noop()
	}
	return &StreamHandler{
		sessions: sessions,
		hub:      hub,
		metrics:  m,
		log:      log.With().Str("component", "stream_handler").Logger(),
		upgrader: ws.NewUpgrader(allowedOrigins),
	}
}

// SessionStream godoc
// WS /ws/v1/sessions/:id/stream
func (h *StreamHandler) SessionStream(c *gin.Context) {
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

	// Validate before upgrading so the client gets a proper HTTP error.
	live, err := h.sessions.Active(id, claims.UserID)
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
	conn.SetReadLimit(ws.MaxMessageBytes)

	wsLog := h.log.With().
		Int("user_id", claims.UserID).
		Str("session_id", id.String()).
		Logger()
	wsLog.Info().Msg("Candidate stream connected")

	sub := h.hub.Subscribe(id)
	defer sub.Close()

	// Every write goes through the writer goroutine; gorilla allows one
	// concurrent writer.
	out := make(chan any, outboundBuffer)
	readerDone := make(chan struct{})
	writerDone := make(chan struct{})
	go h.writeLoop(conn, wsLog, live, sub, out, readerDone, writerDone)

	h.readLoop(conn, wsLog, live, out)
	close(readerDone)
	<-writerDone

	// Without a connection nothing feeds the devices any more.
	if live.Machine.State() == proctor.StateActive {
		live.Camera.Fail("client disconnected")
		live.Microphone.Fail("client disconnected")
	}
	wsLog.Info().Msg("Candidate stream closed")
}

func (h *StreamHandler) readLoop(conn *websocket.Conn, wsLog zerolog.Logger, live *service.LiveSession, out chan<- any) {
	for {
		var msg ws.RequestPayload
		if err := ws.ReadJSON(conn, &msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		if errMsg := h.dispatch(live, &msg); errMsg != "" {
			wsLog.Debug().Str("action", string(msg.Action)).Str("error", errMsg).Msg("Rejected stream message")
			send(out, ws.ErrorResponse{Event: ws.EventError, Error: errMsg})
		} else if msg.Action == ws.ActionPing {
			send(out, ws.PongResponse{Event: ws.EventPong})
		}
	}
}

// dispatch applies one inbound message and returns an error text for the
// client, or "" on success.
func (h *StreamHandler) dispatch(live *service.LiveSession, msg *ws.RequestPayload) string {
	switch msg.Action {
	case ws.ActionFrame:
		return h.push(live.Camera, model.ModalityVision, msg.Data)
	case ws.ActionAudio:
		return h.push(live.Microphone, model.ModalityAudio, msg.Data)
	case ws.ActionDeviceReady:
		dev, ok := live.Device(string(msg.Device))
		if !ok {
			return "unknown device: " + string(msg.Device)
		}
		dev.Ready()
	case ws.ActionDeviceUnavailable:
		dev, ok := live.Device(string(msg.Device))
		if !ok {
			return "unknown device: " + string(msg.Device)
		}
		reason := msg.Reason
		if reason == "" {
			reason = "reported unavailable by client"
		}
		dev.Fail(reason)
	case ws.ActionPing:
	default:
		return "unknown action: " + string(msg.Action)
	}
	return ""
}

func (h *StreamHandler) push(dev interface{ Push([]byte) }, modality model.Modality, data string) string {
	if data == "" {
		return "data is required"
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "data must be base64"
	}
	dev.Push(raw)
	h.metrics.StreamSamplesReceived.WithLabelValues(string(modality)).Inc()
	return ""
}

func (h *StreamHandler) writeLoop(
	conn *websocket.Conn,
	wsLog zerolog.Logger,
	live *service.LiveSession,
	sub *service.Subscription,
	out <-chan any,
	readerDone <-chan struct{},
	writerDone chan<- struct{},
) {
	defer func() {
		// Unblocks the reader when the writer stops first.
		_ = conn.Close()
		close(writerDone)
	}()
	done := live.Machine.Done()
	var grace <-chan time.Time

	for {
		select {
		case <-readerDone:
			return
		case v := <-out:
			if err := ws.WriteTyped(conn, v); err != nil {
				wsLog.Debug().Err(err).Msg("Write failed")
				return
			}
		case msg := <-sub.C:
			if err := ws.WriteTyped(conn, msg); err != nil {
				wsLog.Debug().Err(err).Msg("Write failed")
				return
			}
			if msg.Event == ws.EventCompleted {
				closeNormal(conn, "session completed")
				return
			}
		case <-done:
			// The completed event is normally already queued on sub.C;
			// give it a chance to go out first.
			done = nil
			grace = time.After(completedGrace)
		case <-grace:
			closeNormal(conn, "session completed")
			return
		}
	}
}

func send(out chan<- any, v any) {
	select {
	case out <- v:
	default:
	}
}

func closeNormal(conn *websocket.Conn, text string) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
