package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/sensor"
)

// Session service errors.
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionNotActive     = errors.New("session is not active")
	ErrNotSessionOwner      = errors.New("session belongs to another user")
	ErrSessionAlreadyActive = errors.New("user already has an active session")
)

const snapshotTTL = 24 * time.Hour

// finishedSession is what stays in memory after eviction when neither the
// snapshot cache nor the store can be trusted to hold the final state.
type finishedSession struct {
	snapshot   proctor.Snapshot
	violations []model.Violation
	unstored   bool
	expires    time.Time
}

// LiveSession is a running state machine plus the client-fed devices
// feeding its monitors.
type LiveSession struct {
	Machine    *proctor.Machine
	Camera     *sensor.StreamDevice
	Microphone *sensor.StreamDevice
}

// Device returns the stream device fed by the named client device.
func (l *LiveSession) Device(name string) (*sensor.StreamDevice, bool) {
	switch name {
	case "camera":
		return l.Camera, true
	case "microphone":
		return l.Microphone, true
	}
	return nil, false
}

// SessionService is the registry of live sessions. It owns exactly one
// state machine per running session and evicts it once completed.
type SessionService struct {
	cfg      *config.Config
	store    repository.Store
	detector proctor.FaceDetector
	meter    proctor.LoudnessMeter
	hub      *EventHub
	rdb      *redis.Client
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu       sync.RWMutex
	live     map[uuid.UUID]*LiveSession
	byUser   map[int]uuid.UUID
	finished map[uuid.UUID]finishedSession
	wg       sync.WaitGroup
}

// NewSessionService creates the registry. rdb may be nil, in which case
// completed snapshots are kept in memory for snapshotTTL.
func NewSessionService(
	cfg *config.Config,
	store repository.Store,
	detector proctor.FaceDetector,
	meter proctor.LoudnessMeter,
	hub *EventHub,
	rdb *redis.Client,
	m *metrics.Metrics,
	log zerolog.Logger,
) *SessionService {
	if m == nil {
		m = metrics.Noop()
	}
	return &SessionService{
		cfg:      cfg,
		store:    store,
		detector: detector,
		meter:    meter,
		hub:      hub,
		rdb:      rdb,
		metrics:  m,
		log:      log.With().Str("component", "session_service").Logger(),
		live:     make(map[uuid.UUID]*LiveSession),
		byUser:   make(map[int]uuid.UUID),
		finished: make(map[uuid.UUID]finishedSession),
	}
}

// Start creates and starts a proctored session for userID.
func (s *SessionService) Start(ctx context.Context, userID int, req model.StartSessionRequest) (*LiveSession, error) {
	s.mu.RLock()
	_, busy := s.byUser[userID]
	s.mu.RUnlock()
	if busy {
		return nil, ErrSessionAlreadyActive
	}

	duration := s.cfg.Exam.Duration
	if req.DurationSeconds > 0 {
		duration = time.Duration(req.DurationSeconds) * time.Second
	}
	limit := s.cfg.Exam.QuestionLimit
	if req.QuestionLimit > 0 {
		limit = req.QuestionLimit
	}

	sc := s.cfg.Sensors
	policy := proctor.Policy{
		GazeLeftRatio:  sc.GazeLeftRatio,
		GazeRightRatio: sc.GazeRightRatio,
		AudioThreshold: sc.AudioThreshold,
	}
	live := &LiveSession{
		Camera:     sensor.NewStreamDevice("camera", sc.OpenTimeout),
		Microphone: sensor.NewStreamDevice("microphone", sc.OpenTimeout),
	}
	live.Machine = proctor.NewMachine(proctor.Config{
		UserID:        userID,
		Duration:      duration,
		QuestionLimit: limit,
		Sensors: []proctor.Sensor{
			{Device: live.Camera, Sampler: proctor.VisionSampler{Detector: s.detector, Policy: policy}, Period: sc.CameraPeriod},
			{Device: live.Microphone, Sampler: proctor.AudioSampler{Meter: s.meter, Policy: policy}, Period: sc.AudioPeriod},
		},
	}, proctor.Deps{
		Questions: s.store,
		Store:     s.store,
		Listener:  s.hub,
		Logger:    s.log,
	})

	// Reserve the user slot before starting so a concurrent Start fails fast.
	s.mu.Lock()
	if _, busy := s.byUser[userID]; busy {
		s.mu.Unlock()
		return nil, ErrSessionAlreadyActive
	}
	s.byUser[userID] = uuid.Nil
	s.mu.Unlock()

	session, err := live.Machine.Start(ctx)
	if err != nil {
		s.mu.Lock()
		delete(s.byUser, userID)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.live[session.ID] = live
	s.byUser[userID] = session.ID
	s.mu.Unlock()
	s.metrics.ActiveSessions.Inc()

	s.wg.Add(1)
	go s.evictWhenDone(live, session.ID, userID)

	return live, nil
}

func (s *SessionService) evictWhenDone(live *LiveSession, id uuid.UUID, userID int) {
	defer s.wg.Done()
	<-live.Machine.Done()

	live.Camera.Fail("session completed")
	live.Microphone.Fail("session completed")

	snap := live.Machine.Snapshot()
	log := s.log.With().Str("session_id", id.String()).Logger()
	stored := true
	if err := live.Machine.CompletionErr(); err != nil {
		stored = false
		if snap.Session.EndedAt != nil && s.hub.DeferCompletion(id, *snap.Session.EndedAt) {
			log.Warn().Err(err).Msg("Completion not stored, handed to completion worker")
		} else {
			log.Error().Err(err).Msg("Completion not stored and no queue to retry it")
		}
	}
	cached := s.cacheSnapshot(id, snap)

	s.mu.Lock()
	if !cached || !stored {
		s.pruneFinishedLocked(time.Now())
		s.finished[id] = finishedSession{
			snapshot:   snap,
			violations: live.Machine.Violations(),
			unstored:   !stored,
			expires:    time.Now().Add(snapshotTTL),
		}
	}
	delete(s.live, id)
	if s.byUser[userID] == id {
		delete(s.byUser, userID)
	}
	s.mu.Unlock()
	s.metrics.ActiveSessions.Dec()

	log.Info().Bool("cached", cached).Bool("stored", stored).Msg("Session evicted from registry")
}

func (s *SessionService) pruneFinishedLocked(now time.Time) {
	for id, f := range s.finished {
		if now.After(f.expires) {
			delete(s.finished, id)
		}
	}
}

func (s *SessionService) lookupFinished(id uuid.UUID) (finishedSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.finished[id]
	if !ok || time.Now().After(f.expires) {
		return finishedSession{}, false
	}
	return f, true
}

// cacheSnapshot writes snap to Redis and reports whether it landed.
func (s *SessionService) cacheSnapshot(id uuid.UUID, snap proctor.Snapshot) bool {
	if s.rdb == nil {
		return false
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		s.log.Error().Err(err).Msg("Snapshot marshal failed")
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.rdb.Set(ctx, config.CacheKey.SessionSnapshotKey(id), raw, snapshotTTL).Err(); err != nil {
		s.log.Warn().Err(err).Str("session_id", id.String()).Msg("Snapshot cache write failed")
		return false
	}
	return true
}

// Live returns the running session id owned by userID.
func (s *SessionService) Live(id uuid.UUID, userID int) (*LiveSession, error) {
	s.mu.RLock()
	live, ok := s.live[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	if live.Machine.UserID() != userID {
		return nil, ErrNotSessionOwner
	}
	return live, nil
}

// Active is like Live but additionally requires the session to be active.
func (s *SessionService) Active(id uuid.UUID, userID int) (*LiveSession, error) {
	live, err := s.Live(id, userID)
	if err != nil {
		return nil, err
	}
	if live.Machine.State() != proctor.StateActive {
		return nil, ErrSessionNotActive
	}
	return live, nil
}

func (s *SessionService) lookup(id uuid.UUID) (*LiveSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live, ok := s.live[id]
	return live, ok
}

// Snapshot returns the progress projection of a session. Completed
// sessions are served from memory, then the snapshot cache, and only then
// rebuilt from the store.
func (s *SessionService) Snapshot(ctx context.Context, id uuid.UUID, viewer *Claims) (proctor.Snapshot, error) {
	if live, ok := s.lookup(id); ok {
		if !viewer.CanView(live.Machine.UserID()) {
			return proctor.Snapshot{}, ErrNotSessionOwner
		}
		return live.Machine.Snapshot(), nil
	}
	if f, ok := s.lookupFinished(id); ok {
		if !viewer.CanView(f.snapshot.Session.UserID) {
			return proctor.Snapshot{}, ErrNotSessionOwner
		}
		return f.snapshot, nil
	}

	if s.rdb != nil {
		raw, err := s.rdb.Get(ctx, config.CacheKey.SessionSnapshotKey(id)).Bytes()
		switch {
		case err == nil:
			var snap proctor.Snapshot
			if err := json.Unmarshal(raw, &snap); err == nil {
				if !viewer.CanView(snap.Session.UserID) {
					return proctor.Snapshot{}, ErrNotSessionOwner
				}
				return snap, nil
			}
		case !errors.Is(err, redis.Nil):
			s.log.Warn().Err(err).Msg("Snapshot cache read failed")
		}
	}

	stored, err := s.stored(ctx, id, viewer)
	if err != nil {
		return proctor.Snapshot{}, err
	}
	snap := proctor.Snapshot{Session: *stored, State: proctor.StateCompleted}
	if stored.Status == model.SessionStatusActive {
		// Orphaned by a restart: nothing is running it any more.
		snap.State = proctor.StateActive
	}
	if vs, err := s.store.ListViolations(ctx, id); err == nil {
		snap.ViolationCount = len(vs)
	}
	if answers, err := s.store.ListAnswers(ctx, id); err == nil {
		snap.Answers = make(map[string]string, len(answers))
		for qid, opt := range answers {
			snap.Answers[qid.String()] = opt
		}
		snap.AnsweredCount = len(answers)
	}
	return snap, nil
}

// Violations returns the violation log of a session.
func (s *SessionService) Violations(ctx context.Context, id uuid.UUID, viewer *Claims) ([]model.Violation, error) {
	if live, ok := s.lookup(id); ok {
		if !viewer.CanView(live.Machine.UserID()) {
			return nil, ErrNotSessionOwner
		}
		return live.Machine.Violations(), nil
	}
	if f, ok := s.lookupFinished(id); ok {
		if !viewer.CanView(f.snapshot.Session.UserID) {
			return nil, ErrNotSessionOwner
		}
		return f.violations, nil
	}
	if _, err := s.stored(ctx, id, viewer); err != nil {
		return nil, err
	}
	return s.store.ListViolations(ctx, id)
}

func (s *SessionService) stored(ctx context.Context, id uuid.UUID, viewer *Claims) (*model.ExamSession, error) {
	stored, err := s.store.GetSession(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if !viewer.CanView(stored.UserID) {
		return nil, ErrNotSessionOwner
	}
	return stored, nil
}

// CanWatch reports whether viewer may follow the live feed of id.
func (s *SessionService) CanWatch(ctx context.Context, id uuid.UUID, viewer *Claims) error {
	if live, ok := s.lookup(id); ok {
		if !viewer.CanView(live.Machine.UserID()) {
			return ErrNotSessionOwner
		}
		return nil
	}
	if f, ok := s.lookupFinished(id); ok {
		if !viewer.CanView(f.snapshot.Session.UserID) {
			return ErrNotSessionOwner
		}
		return nil
	}
	_, err := s.stored(ctx, id, viewer)
	return err
}

// ActiveCount reports the number of sessions in the registry.
func (s *SessionService) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// RegistryStats summarises the registry for operators.
type RegistryStats struct {
	ActiveSessions     int                    `json:"active_sessions"`
	FinishedInMemory   int                    `json:"finished_in_memory"`
	UnstoredCompletion int                    `json:"unstored_completions"`
	MonitorsRunning    map[model.Modality]int `json:"monitors_running"`
	MonitorsDisabled   map[model.Modality]int `json:"monitors_disabled"`
}

// Stats counts live sessions and the state of their monitors.
func (s *SessionService) Stats() RegistryStats {
	s.mu.RLock()
	running := make([]*LiveSession, 0, len(s.live))
	for _, l := range s.live {
		running = append(running, l)
	}
	st := RegistryStats{
		ActiveSessions:   len(s.live),
		MonitorsRunning:  map[model.Modality]int{},
		MonitorsDisabled: map[model.Modality]int{},
	}
	now := time.Now()
	for _, f := range s.finished {
		if now.After(f.expires) {
			continue
		}
		st.FinishedInMemory++
		if f.unstored {
			st.UnstoredCompletion++
		}
	}
	s.mu.RUnlock()

	for _, l := range running {
		for _, ms := range l.Machine.Snapshot().Monitors {
			switch ms.Status {
			case proctor.MonitorRunning:
				st.MonitorsRunning[ms.Modality]++
			case proctor.MonitorDisabled:
				st.MonitorsDisabled[ms.Modality]++
			}
		}
	}
	return st
}

// Shutdown submits every running session and waits for eviction.
func (s *SessionService) Shutdown(ctx context.Context) {
	s.mu.RLock()
	running := make([]*LiveSession, 0, len(s.live))
	for _, l := range s.live {
		running = append(running, l)
	}
	s.mu.RUnlock()

	for _, l := range running {
		if _, err := l.Machine.Submit(ctx); err != nil {
			s.log.Error().Err(err).Str("session_id", l.Machine.ID().String()).Msg("Submit on shutdown failed")
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("Shutdown deadline reached before all sessions were evicted")
	}
}
