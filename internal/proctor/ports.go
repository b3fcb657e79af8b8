package proctor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionSource is the question bank boundary.
type QuestionSource interface {
	FetchQuestions(ctx context.Context, limit int) ([]model.Question, error)
}

// SessionStore persists session lifecycle and integrity evidence.
type SessionStore interface {
	CreateSession(ctx context.Context, userID int, startedAt time.Time) (uuid.UUID, error)
	AppendViolation(ctx context.Context, sessionID uuid.UUID, v model.Violation) error
	CompleteSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time) error
}

// FaceDetector is the vision analyzer capability.
type FaceDetector interface {
	DetectFaces(ctx context.Context, frame []byte) ([]model.FaceDetection, error)
}

// LoudnessMeter is the audio analyzer capability. Levels are in [0,100].
type LoudnessMeter interface {
	SampleLoudness(buf []byte) float64
}

// CaptureDevice acquires a capture resource. Open fails with
// ErrDeviceUnavailable when the device cannot be used.
type CaptureDevice interface {
	Open(ctx context.Context) (Capture, error)
}

// Capture is an acquired device handle. Read blocks until the next raw
// sample is available. Close must be safe to call once on every exit path.
type Capture interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Listener observes session events for display and fan-out. Calls are
// made outside the session lock and must not block for long.
type Listener interface {
	SessionStarted(s model.ExamSession)
	Tick(sessionID uuid.UUID, remaining time.Duration)
	ViolationRecorded(v model.Violation)
	DetectionUpdated(sessionID uuid.UUID, d model.DetectionState)
	MonitorStopped(sessionID uuid.UUID, m model.Modality, kind model.ViolationKind, reason string)
	PersistenceFailed(sessionID uuid.UUID, op string, err error)
	AnswerSaved(sessionID uuid.UUID, questionID uuid.UUID, option string)
	SessionCompleted(s model.ExamSession)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) SessionStarted(model.ExamSession)                                      {}
func (NopListener) Tick(uuid.UUID, time.Duration)                                         {}
func (NopListener) ViolationRecorded(model.Violation)                                     {}
func (NopListener) DetectionUpdated(uuid.UUID, model.DetectionState)                      {}
func (NopListener) MonitorStopped(uuid.UUID, model.Modality, model.ViolationKind, string) {}
func (NopListener) PersistenceFailed(uuid.UUID, string, error)                            {}
func (NopListener) AnswerSaved(uuid.UUID, uuid.UUID, string)                              {}
func (NopListener) SessionCompleted(model.ExamSession)                                    {}
