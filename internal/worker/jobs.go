package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// AnswerJob asks the answer worker to persist one answer.
type AnswerJob struct {
	SessionID  uuid.UUID `json:"session_id"`
	QuestionID uuid.UUID `json:"question_id"`
	Option     string    `json:"option"`
	AnsweredAt time.Time `json:"answered_at"`
}

// ScoreJob asks the scoring worker to persist a final score.
type ScoreJob struct {
	SessionID uuid.UUID `json:"session_id"`
	Score     float64   `json:"score"`
}

// CompletionJob asks the completion worker to mark a session completed
// after the synchronous write gave up.
type CompletionJob struct {
	SessionID uuid.UUID `json:"session_id"`
	EndedAt   time.Time `json:"ended_at"`
}

// EnqueueAnswer pushes an AnswerJob onto the answers queue.
func EnqueueAnswer(ctx context.Context, q Queue, job AnswerJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.Push(ctx, config.WorkerKey.PersistAnswersQueue, raw)
}

// EnqueueScore pushes a ScoreJob onto the scores queue.
func EnqueueScore(ctx context.Context, q Queue, job ScoreJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.Push(ctx, config.WorkerKey.PersistScoresQueue, raw)
}

// EnqueueCompletion pushes a CompletionJob onto the completions queue.
func EnqueueCompletion(ctx context.Context, q Queue, job CompletionJob) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.Push(ctx, config.WorkerKey.PersistCompletionsQueue, raw)
}
