package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

const (
	statsInterval = 5 * time.Second
	healthTimeout = 2 * time.Second
)

// HealthChecker checks a dependency. *sensor.FaceClient satisfies it.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// SystemHandler reports service health and streams proctoring stats to
// operators via SSE.
type SystemHandler struct {
	rdb       *redis.Client
	queue     worker.Queue
	sessions  *service.SessionService
	face      HealthChecker
	startTime time.Time
	interval  time.Duration
	log       zerolog.Logger
}

// NewSystemHandler creates a SystemHandler. rdb and face may be nil.
func NewSystemHandler(rdb *redis.Client, queue worker.Queue, sessions *service.SessionService, face HealthChecker, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		queue:     queue,
		sessions:  sessions,
		face:      face,
		startTime: time.Now(),
		interval:  statsInterval,
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// ---------- Health ----------

type healthStatus struct {
	Status         string            `json:"status"`
	Uptime         string            `json:"uptime"`
	ActiveSessions int               `json:"active_sessions"`
	Dependencies   map[string]string `json:"dependencies"`
}

// Health godoc
// GET /health
// Always 200 while the process serves requests; degraded dependencies are
// reported in the body since sessions keep running without them.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	st := healthStatus{
		Status:         "ok",
		Uptime:         formatDuration(time.Since(h.startTime)),
		ActiveSessions: h.sessions.ActiveCount(),
		Dependencies:   map[string]string{},
	}
	check := func(name string, fn func() error) {
		if err := fn(); err != nil {
			st.Status = "degraded"
			st.Dependencies[name] = err.Error()
			return
		}
		st.Dependencies[name] = "ok"
	}

	if h.rdb == nil {
		st.Dependencies["redis"] = "disabled"
	} else {
		check("redis", func() error { return h.rdb.Ping(ctx).Err() })
	}
	if h.face == nil {
		st.Dependencies["face_service"] = "disabled"
	} else {
		check("face_service", func() error { return h.face.Health(ctx) })
	}

	response.Success(c, http.StatusOK, st)
}

// ---------- Stats stream ----------

type queueDepths struct {
	Answers     int64 `json:"answers"`
	Scores      int64 `json:"scores"`
	Completions int64 `json:"completions"`
}

type proctoringStats struct {
	Timestamp int64                 `json:"timestamp"`
	Uptime    string                `json:"uptime"`
	Sessions  service.RegistryStats `json:"sessions"`
	Queues    *queueDepths          `json:"queues,omitempty"`
}

// StatsStream godoc
// GET /api/v1/system/stats
// Proctor tokens only. Pushes a "stats" event on connect and then every
// few seconds until the client goes away.
func (h *SystemHandler) StatsStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	if claims.TokenType != service.TokenTypeProctor {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	log := h.log.With().Int("viewer_id", claims.UserID).Logger()
	log.Debug().Msg("Stats stream opened")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		c.SSEvent("stats", h.collect(ctx))
		c.Writer.Flush()

		select {
		case <-ctx.Done():
			log.Debug().Msg("Stats stream closed")
			return
		case <-ticker.C:
		}
	}
}

func (h *SystemHandler) collect(ctx context.Context) proctoringStats {
	st := proctoringStats{
		Timestamp: time.Now().Unix(),
		Uptime:    formatDuration(time.Since(h.startTime)),
		Sessions:  h.sessions.Stats(),
	}
	if h.queue == nil {
		return st
	}
	depth := func(name string) int64 {
		n, err := h.queue.Depth(ctx, name)
		if err != nil {
			h.log.Warn().Err(err).Str("queue", name).Msg("Queue depth unavailable")
		}
		return n
	}
	st.Queues = &queueDepths{
		Answers:     depth(config.WorkerKey.PersistAnswersQueue),
		Scores:      depth(config.WorkerKey.PersistScoresQueue),
		Completions: depth(config.WorkerKey.PersistCompletionsQueue),
	}
	return st
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
