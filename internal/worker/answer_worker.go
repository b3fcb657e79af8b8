package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

const (
	AnswerPollTimeout = 1 * time.Second
	AnswerRetryDelay  = 5 * time.Second
)

// AnswerWriter is the store capability the answer worker needs.
type AnswerWriter interface {
	UpsertAnswer(ctx context.Context, sessionID, questionID uuid.UUID, option string, answeredAt time.Time) error
}

// AnswerWorker consumes persist_answers_queue and UPSERTs answers. A
// failed write is retried before the next job is taken, and the store
// ignores writes older than the stored answer.
type AnswerWorker struct {
	orderedConsumer
	store AnswerWriter
}

// NewAnswerWorker creates a new AnswerWorker.
func NewAnswerWorker(store AnswerWriter, queue Queue, log zerolog.Logger) *AnswerWorker {
	w := &AnswerWorker{store: store}
	w.orderedConsumer = orderedConsumer{
		queue:      queue,
		name:       config.WorkerKey.PersistAnswersQueue,
		log:        log.With().Str("component", "answer_worker").Logger(),
		retryDelay: AnswerRetryDelay,
		pollWait:   AnswerPollTimeout,
		handle:     w.persist,
	}
	return w
}

// Start begins the worker loop and returns once ctx is cancelled and the
// queue has been drained. Call in a goroutine.
func (w *AnswerWorker) Start(ctx context.Context) {
	w.run(ctx)
}

func (w *AnswerWorker) persist(ctx context.Context, raw []byte) error {
	var job AnswerJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("%w: %v", errDropJob, err)
	}
	if job.AnsweredAt.IsZero() {
		job.AnsweredAt = time.Now()
	}
	if err := w.store.UpsertAnswer(ctx, job.SessionID, job.QuestionID, job.Option, job.AnsweredAt); err != nil {
		return fmt.Errorf("session %s question %s: %w", job.SessionID, job.QuestionID, err)
	}
	return nil
}
