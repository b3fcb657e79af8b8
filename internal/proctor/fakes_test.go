package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func sampleQuestions(n int) []model.Question {
	qs := make([]model.Question, n)
	for i := range qs {
		qs[i] = model.Question{
			ID:            uuid.New(),
			Prompt:        fmt.Sprintf("Question %d", i+1),
			Options:       []string{"A", "B", "C", "D"},
			CorrectAnswer: "B",
			Difficulty:    model.DifficultyMedium,
			Subject:       "general",
			Points:        float64(i + 1),
		}
	}
	return qs
}

type fakeSource struct {
	questions []model.Question
	err       error
}

func (f *fakeSource) FetchQuestions(_ context.Context, limit int) ([]model.Question, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.questions) {
		return f.questions[:limit], nil
	}
	return f.questions, nil
}

type fakeStore struct {
	mu          sync.Mutex
	createErr   error
	appendErr   error
	completeErr error
	created     []uuid.UUID
	violations  []model.Violation
	completions []time.Time
}

func (s *fakeStore) CreateSession(_ context.Context, _ int, _ time.Time) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return uuid.Nil, s.createErr
	}
	id := uuid.New()
	s.created = append(s.created, id)
	return id, nil
}

func (s *fakeStore) AppendViolation(_ context.Context, _ uuid.UUID, v model.Violation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.violations = append(s.violations, v)
	return nil
}

func (s *fakeStore) CompleteSession(_ context.Context, _ uuid.UUID, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, endedAt)
	return s.completeErr
}

func (s *fakeStore) storedViolations() []model.Violation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Violation, len(s.violations))
	copy(out, s.violations)
	return out
}

func (s *fakeStore) completionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completions)
}

// fakeDevice hands out frames from a channel. A nil openErr opens fine.
type fakeDevice struct {
	openErr error
	frames  chan []byte

	mu     sync.Mutex
	opened int
	closed int
}

func newFakeDevice(buffer int) *fakeDevice {
	return &fakeDevice{frames: make(chan []byte, buffer)}
}

func unavailableDevice() *fakeDevice {
	return &fakeDevice{openErr: fmt.Errorf("permission denied: %w", ErrDeviceUnavailable)}
}

func (d *fakeDevice) Open(_ context.Context) (Capture, error) {
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.mu.Lock()
	d.opened++
	d.mu.Unlock()
	return &fakeCapture{dev: d}, nil
}

func (d *fakeDevice) counts() (opened, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.closed
}

type fakeCapture struct {
	dev *fakeDevice
}

func (c *fakeCapture) Read(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-c.dev.frames:
		if !ok {
			return nil, ErrDeviceUnavailable
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeCapture) Close() error {
	c.dev.mu.Lock()
	c.dev.closed++
	c.dev.mu.Unlock()
	return nil
}

// scriptedDetector returns script[i] for the i-th frame and signals on
// drained once the script is exhausted.
type scriptedDetector struct {
	mu      sync.Mutex
	script  [][]model.FaceDetection
	calls   int
	err     error
	drained chan struct{}
}

func newScriptedDetector(script ...[]model.FaceDetection) *scriptedDetector {
	return &scriptedDetector{script: script, drained: make(chan struct{})}
}

func (d *scriptedDetector) DetectFaces(_ context.Context, _ []byte) ([]model.FaceDetection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.calls >= len(d.script) {
		return nil, errors.New("script exhausted")
	}
	out := d.script[d.calls]
	d.calls++
	if d.calls == len(d.script) {
		close(d.drained)
	}
	return out, nil
}

type constMeter float64

func (m constMeter) SampleLoudness([]byte) float64 { return float64(m) }

func centeredFace() model.FaceDetection {
	return model.FaceDetection{
		Box:        model.BoundingBox{X: 20, Y: 20, Width: 60, Height: 60},
		Landmarks:  model.FaceLandmarks{LeftEye: model.Point{X: 40, Y: 40}, RightEye: model.Point{X: 60, Y: 40}, Nose: model.Point{X: 50, Y: 55}},
		Confidence: 0.97,
	}
}

func faceLooking(dir model.GazeDirection) model.FaceDetection {
	f := centeredFace()
	switch dir {
	case model.GazeLeft:
		f.Landmarks.Nose.X = 56 // ratio 16/4
	case model.GazeRight:
		f.Landmarks.Nose.X = 44 // ratio 4/16
	}
	return f
}

func faces(fs ...model.FaceDetection) []model.FaceDetection { return fs }

type recordingListener struct {
	NopListener
	mu         sync.Mutex
	started    int
	ticks      int
	violations []model.Violation
	stopped    []model.Modality
	completed  []model.ExamSession
	answers    int
}

func (l *recordingListener) SessionStarted(model.ExamSession) {
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
}

func (l *recordingListener) Tick(uuid.UUID, time.Duration) {
	l.mu.Lock()
	l.ticks++
	l.mu.Unlock()
}

func (l *recordingListener) ViolationRecorded(v model.Violation) {
	l.mu.Lock()
	l.violations = append(l.violations, v)
	l.mu.Unlock()
}

func (l *recordingListener) MonitorStopped(_ uuid.UUID, m model.Modality, _ model.ViolationKind, _ string) {
	l.mu.Lock()
	l.stopped = append(l.stopped, m)
	l.mu.Unlock()
}

func (l *recordingListener) AnswerSaved(uuid.UUID, uuid.UUID, string) {
	l.mu.Lock()
	l.answers++
	l.mu.Unlock()
}

func (l *recordingListener) SessionCompleted(s model.ExamSession) {
	l.mu.Lock()
	l.completed = append(l.completed, s)
	l.mu.Unlock()
}

func (l *recordingListener) tickCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ticks
}

func (l *recordingListener) completedSessions() []model.ExamSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]model.ExamSession(nil), l.completed...)
}
