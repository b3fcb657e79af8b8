package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const CompletionRetryDelay = 10 * time.Second

// CompletionWriter is the store capability the completion worker needs.
type CompletionWriter interface {
	CompleteSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time) error
}

// CompletionWorker keeps retrying session completions that could not be
// stored while the candidate was submitting.
type CompletionWorker struct {
	orderedConsumer
	store CompletionWriter
}

func NewCompletionWorker(store CompletionWriter, queue Queue, log zerolog.Logger) *CompletionWorker {
	w := &CompletionWorker{store: store}
	w.orderedConsumer = orderedConsumer{
		queue:      queue,
		name:       config.WorkerKey.PersistCompletionsQueue,
		log:        log.With().Str("component", "completion_worker").Logger(),
		retryDelay: CompletionRetryDelay,
		pollWait:   AnswerPollTimeout,
		handle:     w.persist,
	}
	return w
}

// Start runs until ctx is cancelled. Call in a goroutine.
func (w *CompletionWorker) Start(ctx context.Context) {
	w.run(ctx)
}

func (w *CompletionWorker) persist(ctx context.Context, raw []byte) error {
	var job CompletionJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("%w: %v", errDropJob, err)
	}
	err := w.store.CompleteSession(ctx, job.SessionID, job.EndedAt)
	switch {
	case err == nil:
		w.log.Info().Str("session_id", job.SessionID.String()).Msg("Deferred completion persisted")
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %v", errDropJob, err)
	}
	return fmt.Errorf("complete session %s: %w", job.SessionID, err)
}
