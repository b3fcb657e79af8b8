package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

const (
	ScoreBatchSize    = 50
	ScoreBatchTimeout = 2 * time.Second
	ScorePollTimeout  = 1 * time.Second
)

// ScoreWriter is the store capability the scoring worker needs.
type ScoreWriter interface {
	SaveScore(ctx context.Context, sessionID uuid.UUID, score float64) error
	SaveScores(ctx context.Context, batch []repository.ScoreUpdate) error
}

type ScoringWorker struct {
	store ScoreWriter
	queue Queue
	log   zerolog.Logger
}

func NewScoringWorker(store ScoreWriter, queue Queue, log zerolog.Logger) *ScoringWorker {
	return &ScoringWorker{
		store: store,
		queue: queue,
		log:   log.With().Str("component", "scoring_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ScoringWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ScoringWorker started")

	batch := make([]repository.ScoreUpdate, 0, ScoreBatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= ScoreBatchSize || time.Since(lastFlush) >= ScoreBatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			for {
				raw, err := w.queue.TryPop(context.Background(), config.WorkerKey.PersistScoresQueue)
				if err != nil {
					break
				}
				if u, ok := w.decode(raw); ok {
					batch = append(batch, u)
				}
			}
			w.flushSafe(context.Background(), batch)
			return

		default:
			raw, err := w.queue.Pop(ctx, config.WorkerKey.PersistScoresQueue, ScorePollTimeout)
			if err != nil {
				if !errors.Is(err, ErrQueueEmpty) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("Queue pop error")
					sleepCtx(ctx, time.Second)
				}
				continue
			}
			if u, ok := w.decode(raw); ok {
				batch = append(batch, u)
			}
		}
	}
}

func (w *ScoringWorker) decode(raw []byte) (repository.ScoreUpdate, bool) {
	var job ScoreJob
	if err := json.Unmarshal(raw, &job); err != nil {
		w.log.Error().Err(err).Msg("Invalid JSON payload")
		return repository.ScoreUpdate{}, false
	}
	return repository.ScoreUpdate{SessionID: job.SessionID, Score: job.Score}, true
}

// ----------------------------------------------------------------
// Batch write with per-item fallback
// ----------------------------------------------------------------

func (w *ScoringWorker) flushSafe(ctx context.Context, batch []repository.ScoreUpdate) {
	if len(batch) == 0 {
		return
	}

	err := w.store.SaveScores(ctx, batch)
	if err == nil {
		w.log.Debug().Int("count", len(batch)).Msg("Scores persisted")
		return
	}
	w.log.Warn().Err(err).Msg("bulk score update failed, using fallback")

	for _, u := range batch {
		err := w.store.SaveScore(ctx, u.SessionID, u.Score)
		switch {
		case err == nil:
		case errors.Is(err, repository.ErrNotFound):
			w.log.Error().Err(err).Msg("Score for unknown session dropped")
		default:
			w.log.Error().Err(err).Msg("SaveScore failed, requeueing")
			raw, _ := json.Marshal(ScoreJob{SessionID: u.SessionID, Score: u.Score})
			_ = w.queue.Push(context.WithoutCancel(ctx), config.WorkerKey.PersistScoresQueue, raw)
		}
	}
}
