package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

// ScoreUpdate is one final score to write.
type ScoreUpdate struct {
	SessionID uuid.UUID
	Score     float64
}

// Store is the full persistence surface used by the service layer. Both
// the PostgreSQL and the SQLite backends implement it.
type Store interface {
	FetchQuestions(ctx context.Context, limit int) ([]model.Question, error)
	CreateQuestion(ctx context.Context, q *model.Question) error

	CreateSession(ctx context.Context, userID int, startedAt time.Time) (uuid.UUID, error)
	AppendViolation(ctx context.Context, sessionID uuid.UUID, v model.Violation) error
	CompleteSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time) error

	GetSession(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error)
	ListViolations(ctx context.Context, sessionID uuid.UUID) ([]model.Violation, error)
	UpsertAnswer(ctx context.Context, sessionID, questionID uuid.UUID, option string, answeredAt time.Time) error
	ListAnswers(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]string, error)
	SaveScore(ctx context.Context, sessionID uuid.UUID, score float64) error
	SaveScores(ctx context.Context, batch []ScoreUpdate) error
}
