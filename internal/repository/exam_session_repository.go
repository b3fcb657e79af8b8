package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamSessionRepository handles exam session data access in PostgreSQL.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

// CreateSession inserts an active session and returns its id.
func (r *ExamSessionRepository) CreateSession(ctx context.Context, userID int, startedAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		`INSERT INTO exam_sessions (user_id, status, started_at)
		 VALUES ($1, $2, $3)
		 RETURNING id`,
		userID, model.SessionStatusActive, startedAt,
	).Scan(&id)
	return id, err
}

// AppendViolation stores one violation log entry. Re-delivery of the same
// seq is a no-op so retries are safe.
func (r *ExamSessionRepository) AppendViolation(ctx context.Context, sessionID uuid.UUID, v model.Violation) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_violations (session_id, seq, kind, description, modality, recorded_at, offset_us, digest)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		sessionID, v.Seq, v.Kind, v.Description, v.Modality, v.RecordedAt, v.Offset.Microseconds(), v.Digest)
	return err
}

// CompleteSession flips an active session to completed. Completing an
// already completed session leaves ended_at untouched.
func (r *ExamSessionRepository) CompleteSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $1, ended_at = $2
		 WHERE id = $3 AND status = $4`,
		model.SessionStatusCompleted, endedAt, sessionID, model.SessionStatusActive)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// SaveScore writes the final score of a session.
func (r *ExamSessionRepository) SaveScore(ctx context.Context, sessionID uuid.UUID, score float64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions SET score = $1 WHERE id = $2`, score, sessionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SaveScores writes a batch of final scores in one statement.
func (r *ExamSessionRepository) SaveScores(ctx context.Context, batch []ScoreUpdate) error {
	if len(batch) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(batch))
	scores := make([]float64, len(batch))
	for i, u := range batch {
		ids[i] = u.SessionID
		scores[i] = u.Score
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions AS s
		 SET score = t.score
		 FROM UNNEST($1::uuid[], $2::float8[]) AS t (id, score)
		 WHERE s.id = t.id`,
		ids, scores)
	return err
}

// UpsertAnswer stores the selected option for a question unless a newer
// answer is already stored.
func (r *ExamSessionRepository) UpsertAnswer(ctx context.Context, sessionID, questionID uuid.UUID, option string, answeredAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_answers (session_id, question_id, option, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_id)
		 DO UPDATE SET option = EXCLUDED.option, updated_at = EXCLUDED.updated_at
		 WHERE session_answers.updated_at <= EXCLUDED.updated_at`,
		sessionID, questionID, option, answeredAt)
	return err
}

// ListAnswers returns the persisted answers of a session keyed by question.
func (r *ExamSessionRepository) ListAnswers(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, option FROM session_answers WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]string)
	for rows.Next() {
		var (
			qid    uuid.UUID
			option string
		)
		if err := rows.Scan(&qid, &option); err != nil {
			return nil, err
		}
		out[qid] = option
	}
	return out, rows.Err()
}

// GetSession retrieves a session by id.
func (r *ExamSessionRepository) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, status, started_at, ended_at, score
		 FROM exam_sessions WHERE id = $1`, sessionID,
	).Scan(&s.ID, &s.UserID, &s.Status, &s.StartedAt, &s.EndedAt, &s.Score)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListViolations returns the persisted violation log in seq order.
func (r *ExamSessionRepository) ListViolations(ctx context.Context, sessionID uuid.UUID) ([]model.Violation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT seq, session_id, kind, description, modality, recorded_at, offset_us, digest
		 FROM session_violations
		 WHERE session_id = $1
		 ORDER BY seq`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Violation
	for rows.Next() {
		var (
			v        model.Violation
			offsetUS int64
		)
		if err := rows.Scan(&v.Seq, &v.SessionID, &v.Kind, &v.Description, &v.Modality, &v.RecordedAt, &offsetUS, &v.Digest); err != nil {
			return nil, err
		}
		v.Offset = time.Duration(offsetUS) * time.Microsecond
		out = append(out, v)
	}
	return out, rows.Err()
}
