package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

const (
	subscriberBuffer = 256
	jobBuffer        = 4096
	jobTimeout       = 2 * time.Second
)

// EventHub receives session events from every state machine. It fans
// them out to in-process subscribers, publishes the audit-relevant ones
// on the session's Redis channel, queues answers and scores for the
// persistence workers and updates metrics.
//
// Machines call the hub synchronously, so anything touching the network
// runs on the hub's own goroutine (see Run) in arrival order.
type EventHub struct {
	rdb     *redis.Client
	queue   worker.Queue
	metrics *metrics.Metrics
	log     zerolog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*Subscription]struct{}

	jobs chan func(context.Context)
}

var _ proctor.Listener = (*EventHub)(nil)

// NewEventHub creates a hub. rdb and queue may be nil to disable Redis
// publishing and background persistence respectively.
func NewEventHub(rdb *redis.Client, queue worker.Queue, m *metrics.Metrics, log zerolog.Logger) *EventHub {
	if m == nil {
		m = metrics.Noop()
	}
	return &EventHub{
		rdb:     rdb,
		queue:   queue,
		metrics: m,
		log:     log.With().Str("component", "event_hub").Logger(),
		subs:    make(map[uuid.UUID]map[*Subscription]struct{}),
		jobs:    make(chan func(context.Context), jobBuffer),
	}
}

// Run executes queued side effects until ctx is cancelled, then drains
// whatever is left. Call in a goroutine.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case job := <-h.jobs:
			h.exec(context.Background(), job)
		case <-ctx.Done():
			for {
				select {
				case job := <-h.jobs:
					h.exec(context.Background(), job)
				default:
					return
				}
			}
		}
	}
}

func (h *EventHub) exec(ctx context.Context, job func(context.Context)) {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	job(ctx)
}

func (h *EventHub) enqueue(job func(context.Context)) {
	select {
	case h.jobs <- job:
	default:
		h.log.Error().Msg("Hub job queue full, side effect dropped")
	}
}

// Subscription receives the events of one session.
type Subscription struct {
	C <-chan ws.Message

	ch        chan ws.Message
	sessionID uuid.UUID
	hub       *EventHub
	once      sync.Once
}

// Subscribe registers a local subscriber for sessionID.
func (h *EventHub) Subscribe(sessionID uuid.UUID) *Subscription {
	ch := make(chan ws.Message, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, sessionID: sessionID, hub: h}

	h.mu.Lock()
	set, ok := h.subs[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.sessionID)
			}
		}
		h.mu.Unlock()
	})
}

// Subscribers reports the number of local subscribers of sessionID.
func (h *EventHub) Subscribers(sessionID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[sessionID])
}

func (h *EventHub) broadcast(msg ws.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[msg.SessionID] {
		select {
		case sub.ch <- msg:
		default:
			h.log.Debug().Str("session_id", msg.SessionID.String()).Str("event", string(msg.Event)).Msg("Slow subscriber, event dropped")
		}
	}
}

// publish broadcasts locally and forwards msg to the session's Redis channel.
func (h *EventHub) publish(msg ws.Message) {
	h.broadcast(msg)
	if h.rdb == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.log.Error().Err(err).Msg("Event marshal failed")
		return
	}
	channel := config.CacheKey.SessionEventsChannel(msg.SessionID)
	h.enqueue(func(ctx context.Context) {
		if err := h.rdb.Publish(ctx, channel, payload).Err(); err != nil {
			h.log.Warn().Err(err).Str("channel", channel).Msg("Redis publish failed")
		}
	})
}

func (h *EventHub) SessionStarted(s model.ExamSession) {
	h.publish(ws.NewMessage(ws.EventStarted, s.ID, s))
}

func (h *EventHub) Tick(sessionID uuid.UUID, remaining time.Duration) {
	h.broadcast(ws.NewMessage(ws.EventTick, sessionID, ws.TickData{RemainingSeconds: remaining.Seconds()}))
}

func (h *EventHub) ViolationRecorded(v model.Violation) {
	h.metrics.ViolationsTotal.WithLabelValues(string(v.Kind)).Inc()
	h.publish(ws.NewMessage(ws.EventViolation, v.SessionID, v))
}

func (h *EventHub) DetectionUpdated(sessionID uuid.UUID, d model.DetectionState) {
	h.broadcast(ws.NewMessage(ws.EventDetection, sessionID, d))
}

func (h *EventHub) MonitorStopped(sessionID uuid.UUID, m model.Modality, kind model.ViolationKind, reason string) {
	h.metrics.MonitorStopsTotal.WithLabelValues(string(m), string(kind)).Inc()
	h.publish(ws.NewMessage(ws.EventMonitorStopped, sessionID, ws.MonitorStoppedData{Modality: m, Kind: kind, Reason: reason}))
}

func (h *EventHub) AnswerSaved(sessionID, questionID uuid.UUID, option string) {
	h.publish(ws.NewMessage(ws.EventAnswerSaved, sessionID, ws.AnswerSavedData{QuestionID: questionID, Option: option}))
	if h.queue == nil {
		return
	}
	job := worker.AnswerJob{SessionID: sessionID, QuestionID: questionID, Option: option, AnsweredAt: time.Now()}
	h.enqueue(func(ctx context.Context) {
		if err := worker.EnqueueAnswer(ctx, h.queue, job); err != nil {
			h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Answer enqueue failed")
		}
	})
}

func (h *EventHub) SessionCompleted(s model.ExamSession) {
	h.metrics.SessionsCompleted.Inc()
	h.publish(ws.NewMessage(ws.EventCompleted, s.ID, s))
	if h.queue == nil || s.Score == nil {
		return
	}
	job := worker.ScoreJob{SessionID: s.ID, Score: *s.Score}
	h.enqueue(func(ctx context.Context) {
		if err := worker.EnqueueScore(ctx, h.queue, job); err != nil {
			h.log.Error().Err(err).Str("session_id", s.ID.String()).Msg("Score enqueue failed")
		}
	})
}

// DeferCompletion hands a completion the machine could not store to the
// completion worker. It reports false when no queue is configured.
func (h *EventHub) DeferCompletion(sessionID uuid.UUID, endedAt time.Time) bool {
	if h.queue == nil {
		return false
	}
	job := worker.CompletionJob{SessionID: sessionID, EndedAt: endedAt}
	h.enqueue(func(ctx context.Context) {
		if err := worker.EnqueueCompletion(ctx, h.queue, job); err != nil {
			h.log.Error().Err(err).Str("session_id", sessionID.String()).Msg("Completion enqueue failed")
		}
	})
	return true
}

func (h *EventHub) PersistenceFailed(sessionID uuid.UUID, op string, err error) {
	h.metrics.PersistenceErrors.WithLabelValues(op).Inc()
	h.log.Error().Err(err).Str("session_id", sessionID.String()).Str("op", op).Msg("Persistence gave up after retries")
}
