package proctor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// State is the lifecycle of an exam session. Transitions only go forward:
// NotStarted -> Active -> Completed.
type State string

const (
	StateNotStarted State = "not_started"
	StateActive     State = "active"
	StateCompleted  State = "completed"
)

const (
	defaultQuestionLimit   = 20
	defaultPersistAttempts = 3
	defaultPersistTimeout  = 5 * time.Second
	defaultPersistBackoff  = 50 * time.Millisecond
)

// Config parameterizes one session.
type Config struct {
	UserID        int
	Duration      time.Duration
	TickPeriod    time.Duration
	QuestionLimit int
	Sensors       []Sensor

	PersistAttempts int
	PersistTimeout  time.Duration
	PersistBackoff  time.Duration
}

// Deps are the collaborators of a Machine.
type Deps struct {
	Questions QuestionSource
	Store     SessionStore
	Listener  Listener
	Logger    zerolog.Logger
}

// SubmitResult describes the outcome of Submit. Transitioned is false for
// every call after the first.
type SubmitResult struct {
	Session      model.ExamSession `json:"session"`
	Transitioned bool              `json:"transitioned"`
}

// Snapshot is a read-only projection of the session for display.
type Snapshot struct {
	Session          model.ExamSession      `json:"session"`
	State            State                  `json:"state"`
	CurrentIndex     int                    `json:"current_index"`
	QuestionCount    int                    `json:"question_count"`
	Answers          map[string]string      `json:"answers"`
	AnsweredCount    int                    `json:"answered_count"`
	Marked           []int                  `json:"marked"`
	RemainingSeconds float64                `json:"remaining_seconds"`
	ViolationCount   int                    `json:"violation_count"`
	Detections       []model.DetectionState `json:"detections"`
	Monitors         []MonitorState         `json:"monitors"`
}

// Machine is the exam session state machine and the single source of
// truth for one session. All mutations are serialized through its methods;
// monitors and the timer only propose changes.
type Machine struct {
	cfg       Config
	questions QuestionSource
	store     SessionStore
	listener  Listener
	log       zerolog.Logger

	mu          sync.Mutex
	state       State
	starting    bool
	session     model.ExamSession
	startedMono time.Time
	items       []model.Question
	byID        map[uuid.UUID]int
	answers     map[uuid.UUID]string
	marks       map[int]struct{}
	current     int
	violations  *ViolationLog
	timer       *Timer
	monitors    []*Monitor
	cancelRun   context.CancelFunc
	completed   chan struct{}
	// completeErr is written before completed is closed.
	completeErr error
}

// NewMachine returns a machine in the NotStarted state.
func NewMachine(cfg Config, deps Deps) *Machine {
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultExamDuration
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = time.Second
	}
	if cfg.QuestionLimit <= 0 {
		cfg.QuestionLimit = defaultQuestionLimit
	}
	if cfg.PersistAttempts <= 0 {
		cfg.PersistAttempts = defaultPersistAttempts
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.PersistBackoff <= 0 {
		cfg.PersistBackoff = defaultPersistBackoff
	}
	listener := deps.Listener
	if listener == nil {
		listener = NopListener{}
	}
	return &Machine{
		cfg:        cfg,
		questions:  deps.Questions,
		store:      deps.Store,
		listener:   listener,
		log:        deps.Logger.With().Str("component", "exam_session").Int("user_id", cfg.UserID).Logger(),
		state:      StateNotStarted,
		answers:    make(map[uuid.UUID]string),
		marks:      make(map[int]struct{}),
		violations: NewViolationLog(),
		completed:  make(chan struct{}),
	}
}

// Start loads the question snapshot, creates the session record, then
// starts the timer and every monitor. On failure the machine stays
// NotStarted and nothing is running, so Start can be retried.
func (m *Machine) Start(ctx context.Context) (model.ExamSession, error) {
	m.mu.Lock()
	if m.state != StateNotStarted || m.starting {
		m.mu.Unlock()
		return model.ExamSession{}, ErrInvalidTransition
	}
	m.starting = true
	m.mu.Unlock()

	started := false
	defer func() {
		if !started {
			m.mu.Lock()
			m.starting = false
			m.mu.Unlock()
		}
	}()

	items, err := m.questions.FetchQuestions(ctx, m.cfg.QuestionLimit)
	if err != nil {
		return model.ExamSession{}, &QuestionLoadError{Err: err}
	}
	if len(items) == 0 {
		return model.ExamSession{}, &QuestionLoadError{Err: errors.New("question bank returned no questions")}
	}

	now := time.Now()
	id, err := m.store.CreateSession(ctx, m.cfg.UserID, now)
	if err != nil {
		m.log.Error().Err(err).Msg("Session creation rejected")
		return model.ExamSession{}, &SessionCreateError{Err: err}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.mu.Lock()
	m.state = StateActive
	m.starting = false
	started = true
	m.session = model.ExamSession{
		ID:        id,
		UserID:    m.cfg.UserID,
		Status:    model.SessionStatusActive,
		StartedAt: now,
	}
	m.startedMono = now
	m.items = items
	m.byID = make(map[uuid.UUID]int, len(items))
	for i, q := range items {
		m.byID[q.ID] = i
	}
	m.log = m.log.With().Str("session_id", id.String()).Logger()
	m.timer = NewTimer(m.cfg.Duration, m.cfg.TickPeriod, m.onTick, m.onExpire)
	m.monitors = make([]*Monitor, 0, len(m.cfg.Sensors))
	for _, s := range m.cfg.Sensors {
		m.monitors = append(m.monitors, newMonitor(s, m, m.log, m.onDetection, m.onMonitorStopped))
	}
	m.cancelRun = cancel
	session := m.session
	timer, monitors := m.timer, m.monitors
	m.mu.Unlock()

	m.log.Info().
		Int("questions", len(items)).
		Dur("duration", m.cfg.Duration).
		Int("sensors", len(monitors)).
		Msg("Exam session started")

	m.listener.SessionStarted(session)
	timer.Start()
	for _, mon := range monitors {
		mon.Start(runCtx)
	}
	return session, nil
}

// Answer upserts the selected option for a question of this session.
func (m *Machine) Answer(questionID uuid.UUID, option string) error {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return ErrInvalidTransition
	}
	idx, ok := m.byID[questionID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownQuestion
	}
	if !m.items[idx].HasOption(option) {
		m.mu.Unlock()
		return ErrInvalidOption
	}
	m.answers[questionID] = option
	id := m.session.ID
	m.mu.Unlock()

	m.listener.AnswerSaved(id, questionID, option)
	return nil
}

// ToggleMark flips the review flag of the question at index and returns
// whether it is now marked.
func (m *Machine) ToggleMark(index int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return false, ErrInvalidTransition
	}
	if index < 0 || index >= len(m.items) {
		return false, ErrUnknownQuestion
	}
	if _, ok := m.marks[index]; ok {
		delete(m.marks, index)
		return false, nil
	}
	m.marks[index] = struct{}{}
	return true, nil
}

// Navigate jumps to index, clamped to the question range.
func (m *Machine) Navigate(index int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return m.current, ErrInvalidTransition
	}
	m.current = clamp(index, 0, len(m.items)-1)
	return m.current, nil
}

// Next moves forward one question; a no-op on the last one.
func (m *Machine) Next() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return m.current, ErrInvalidTransition
	}
	if m.current < len(m.items)-1 {
		m.current++
	}
	return m.current, nil
}

// Previous moves back one question; a no-op on the first one.
func (m *Machine) Previous() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateActive {
		return m.current, ErrInvalidTransition
	}
	if m.current > 0 {
		m.current--
	}
	return m.current, nil
}

// Submit completes the session. Only the first call transitions; later or
// concurrent calls wait for that transition to finish and return it with
// Transitioned=false. A PersistenceError is returned when the final state
// could not be stored; the local completion stands regardless.
func (m *Machine) Submit(ctx context.Context) (SubmitResult, error) {
	return m.submit(ctx, "user")
}

func (m *Machine) submit(ctx context.Context, trigger string) (SubmitResult, error) {
	m.mu.Lock()
	switch m.state {
	case StateNotStarted:
		m.mu.Unlock()
		return SubmitResult{}, ErrInvalidTransition
	case StateCompleted:
		done := m.completed
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return SubmitResult{}, ctx.Err()
		}
		return SubmitResult{Session: m.Session()}, nil
	}

	endedAt := time.Now()
	score := m.scoreLocked()
	m.state = StateCompleted
	m.session.Status = model.SessionStatusCompleted
	m.session.EndedAt = &endedAt
	m.session.Score = &score
	session := m.session
	timer, monitors, cancel := m.timer, m.monitors, m.cancelRun
	m.mu.Unlock()

	timer.Stop()
	cancel()
	for _, mon := range monitors {
		mon.Stop()
	}

	m.log.Info().
		Str("trigger", trigger).
		Float64("score", score).
		Int("violations", m.violations.Len()).
		Msg("Exam session completed")

	err := m.persist(ctx, "complete_session", func(ctx context.Context) error {
		return m.store.CompleteSession(ctx, session.ID, endedAt)
	})
	m.completeErr = err
	close(m.completed)

	m.listener.SessionCompleted(session)
	return SubmitResult{Session: session, Transitioned: true}, err
}

// RecordViolation appends v to the violation log and persists it
// immediately. Session id, wall time and monotonic offset are assigned
// here. A PersistenceError leaves the entry in the local log.
func (m *Machine) RecordViolation(ctx context.Context, v model.Violation) (model.Violation, error) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return v, ErrInvalidTransition
	}
	now := time.Now()
	v.SessionID = m.session.ID
	v.RecordedAt = now
	v.Offset = now.Sub(m.startedMono)
	stored := m.violations.Append(v)
	m.mu.Unlock()

	m.log.Warn().
		Str("kind", string(stored.Kind)).
		Int("seq", stored.Seq).
		Dur("offset", stored.Offset).
		Msg("Violation recorded")

	m.listener.ViolationRecorded(stored)

	err := m.persist(ctx, "append_violation", func(ctx context.Context) error {
		return m.store.AppendViolation(ctx, stored.SessionID, stored)
	})
	return stored, err
}

// Done is closed once the session has completed and its final state was
// handed to the store.
func (m *Machine) Done() <-chan struct{} { return m.completed }

// CompletionErr returns the PersistenceError of the completion write, or
// nil when it was stored. Only meaningful once Done is closed.
func (m *Machine) CompletionErr() error {
	select {
	case <-m.completed:
		return m.completeErr
	default:
		return nil
	}
}

// ID returns the session id, or uuid.Nil before Start.
func (m *Machine) ID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.ID
}

// UserID returns the owning user.
func (m *Machine) UserID() int { return m.cfg.UserID }

// State returns the lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns a copy of the session record.
func (m *Machine) Session() model.ExamSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// Violations returns the violation log in append order.
func (m *Machine) Violations() []model.Violation {
	return m.violations.Entries()
}

// Questions returns the candidate view of the question snapshot.
func (m *Machine) Questions() []model.QuestionForCandidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.QuestionForCandidate, len(m.items))
	for i := range m.items {
		out[i] = m.items[i].ForCandidate(i)
	}
	return out
}

// Snapshot projects the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{
		Session:        m.session,
		State:          m.state,
		CurrentIndex:   m.current,
		QuestionCount:  len(m.items),
		Answers:        make(map[string]string, len(m.answers)),
		AnsweredCount:  len(m.answers),
		Marked:         make([]int, 0, len(m.marks)),
		ViolationCount: m.violations.Len(),
	}
	for qid, opt := range m.answers {
		snap.Answers[qid.String()] = opt
	}
	for idx := range m.marks {
		snap.Marked = append(snap.Marked, idx)
	}
	timer, monitors := m.timer, m.monitors
	m.mu.Unlock()

	sort.Ints(snap.Marked)
	switch {
	case timer != nil:
		snap.RemainingSeconds = timer.Remaining().Seconds()
	case snap.State == StateNotStarted:
		snap.RemainingSeconds = m.cfg.Duration.Seconds()
	}
	for _, mon := range monitors {
		snap.Detections = append(snap.Detections, mon.Detection())
		snap.Monitors = append(snap.Monitors, mon.State())
	}
	return snap
}

// scoreLocked sums the points of correctly answered questions.
func (m *Machine) scoreLocked() float64 {
	var total float64
	for _, q := range m.items {
		if ans, ok := m.answers[q.ID]; ok && ans == q.CorrectAnswer {
			total += q.Points
		}
	}
	return total
}

func (m *Machine) onTick(remaining time.Duration) {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	id := m.session.ID
	m.mu.Unlock()
	m.listener.Tick(id, remaining)
}

func (m *Machine) onExpire() {
	m.log.Info().Msg("Time is up, submitting")
	if _, err := m.submit(context.Background(), "timer"); err != nil && !errors.Is(err, ErrInvalidTransition) {
		m.log.Error().Err(err).Msg("Automatic submit failed to persist")
	}
}

func (m *Machine) onDetection(d model.DetectionState) {
	m.listener.DetectionUpdated(m.ID(), d)
}

func (m *Machine) onMonitorStopped(modality model.Modality, kind model.ViolationKind, reason string) {
	m.listener.MonitorStopped(m.ID(), modality, kind, reason)
}

// persist retries fn a few times. The caller's cancellation is ignored so
// that a dropped client cannot abort the write of integrity evidence.
func (m *Machine) persist(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx = context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= m.cfg.PersistAttempts; attempt++ {
		actx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
		err = fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		m.log.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("Persistence failed")
		if attempt < m.cfg.PersistAttempts {
			time.Sleep(time.Duration(attempt) * m.cfg.PersistBackoff)
		}
	}
	m.listener.PersistenceFailed(m.ID(), op, err)
	return &PersistenceError{Op: op, Err: err}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
