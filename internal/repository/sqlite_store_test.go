package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "proctor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedQuestions(t *testing.T, s *SQLiteStore, n int) []model.Question {
	t.Helper()
	out := make([]model.Question, n)
	for i := range out {
		q := model.Question{
			Prompt:        "2 + 2 = ?",
			Options:       []string{"3", "4", "5"},
			CorrectAnswer: "4",
			Difficulty:    model.DifficultyEasy,
			Subject:       "math",
			Points:        2,
		}
		require.NoError(t, s.CreateQuestion(context.Background(), &q))
		out[i] = q
	}
	return out
}

func TestSQLiteFetchQuestions(t *testing.T) {
	s := openTestStore(t)
	seeded := seedQuestions(t, s, 5)

	got, err := s.FetchQuestions(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, got, 3)

	byID := make(map[uuid.UUID]model.Question)
	for _, q := range seeded {
		byID[q.ID] = q
	}
	for _, q := range got {
		want, ok := byID[q.ID]
		require.True(t, ok)
		assert.Equal(t, want, q)
	}

	all, err := s.FetchQuestions(context.Background(), 50)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestSQLiteCreateQuestionRejectsForeignAnswer(t *testing.T) {
	s := openTestStore(t)
	err := s.CreateQuestion(context.Background(), &model.Question{Prompt: "?", Options: []string{"a"}, CorrectAnswer: "b"})
	assert.Error(t, err)
}

func TestSQLiteSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	started := time.Now()

	id, err := s.CreateSession(ctx, 42, started)
	require.NoError(t, err)

	got, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 42, got.UserID)
	assert.Equal(t, model.SessionStatusActive, got.Status)
	assert.Nil(t, got.EndedAt)
	assert.Equal(t, started.UnixMicro(), got.StartedAt.UnixMicro())

	ended := started.Add(time.Hour)
	require.NoError(t, s.CompleteSession(ctx, id, ended))
	require.NoError(t, s.CompleteSession(ctx, id, ended.Add(time.Minute)), "second completion is a no-op")
	require.NoError(t, s.SaveScore(ctx, id, 7.5))

	got, err = s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, ended.UnixMicro(), got.EndedAt.UnixMicro())
	require.NotNil(t, got.Score)
	assert.Equal(t, 7.5, *got.Score)
}

func TestSQLiteMissingSession(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.CompleteSession(ctx, uuid.New(), time.Now()), ErrNotFound)
	assert.ErrorIs(t, s.SaveScore(ctx, uuid.New(), 1), ErrNotFound)
}

func TestSQLiteViolationsSurviveRoundTripWithIntactChain(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	id, err := s.CreateSession(ctx, 1, time.Now())
	require.NoError(t, err)

	log := proctor.NewViolationLog()
	kinds := []model.ViolationKind{model.ViolationNoFace, model.ViolationLookingAway, model.ViolationSuspiciousAudio}
	for i, k := range kinds {
		v := log.Append(model.Violation{
			SessionID:   id,
			Kind:        k,
			Description: string(k),
			Modality:    model.ModalityVision,
			RecordedAt:  time.Now(),
			Offset:      time.Duration(i+1) * 1500 * time.Microsecond,
		})
		require.NoError(t, s.AppendViolation(ctx, id, v))
	}
	// Retried delivery must not duplicate.
	require.NoError(t, s.AppendViolation(ctx, id, log.Entries()[0]))

	stored, err := s.ListViolations(ctx, id)
	require.NoError(t, err)
	require.Len(t, stored, 3)
	for i, v := range stored {
		assert.Equal(t, i+1, v.Seq)
		assert.Equal(t, kinds[i], v.Kind)
		assert.Equal(t, time.Duration(i+1)*1500*time.Microsecond, v.Offset)
	}
	assert.NoError(t, proctor.VerifyChain(stored))
}

func TestSQLiteUpsertAnswer(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	qs := seedQuestions(t, s, 1)
	id, err := s.CreateSession(ctx, 1, time.Now())
	require.NoError(t, err)

	at := time.Now()
	require.NoError(t, s.UpsertAnswer(ctx, id, qs[0].ID, "3", at))
	require.NoError(t, s.UpsertAnswer(ctx, id, qs[0].ID, "4", at.Add(time.Second)))

	answers, err := s.ListAnswers(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]string{qs[0].ID: "4"}, answers)
}

func TestSQLiteUpsertAnswerIgnoresOlderWrite(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	qs := seedQuestions(t, s, 1)
	id, err := s.CreateSession(ctx, 1, time.Now())
	require.NoError(t, err)

	at := time.Now()
	require.NoError(t, s.UpsertAnswer(ctx, id, qs[0].ID, "new", at))
	require.NoError(t, s.UpsertAnswer(ctx, id, qs[0].ID, "old", at.Add(-time.Second)))

	answers, err := s.ListAnswers(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new", answers[qs[0].ID])
}

func TestSQLiteSaveScoresBatch(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	var batch []ScoreUpdate
	for i := 0; i < 3; i++ {
		id, err := s.CreateSession(ctx, i, time.Now())
		require.NoError(t, err)
		batch = append(batch, ScoreUpdate{SessionID: id, Score: float64(i * 10)})
	}
	require.NoError(t, s.SaveScores(ctx, batch))
	require.NoError(t, s.SaveScores(ctx, nil))

	for _, u := range batch {
		got, err := s.GetSession(ctx, u.SessionID)
		require.NoError(t, err)
		require.NotNil(t, got.Score)
		assert.Equal(t, u.Score, *got.Score)
	}
}
