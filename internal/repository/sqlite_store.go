package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
	_ "modernc.org/sqlite"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStore is a single-node Store backed by an embedded SQLite file.
// Timestamps are stored as UTC unix microseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

// FetchQuestions draws up to limit random questions.
func (s *SQLiteStore) FetchQuestions(ctx context.Context, limit int) ([]model.Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, options, correct_answer, difficulty, subject, points
		 FROM questions
		 ORDER BY random()
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var (
			q       model.Question
			id      string
			options string
		)
		if err := rows.Scan(&id, &q.Prompt, &options, &q.CorrectAnswer, &q.Difficulty, &q.Subject, &q.Points); err != nil {
			return nil, err
		}
		if q.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("question id %q: %w", id, err)
		}
		if err := json.Unmarshal([]byte(options), &q.Options); err != nil {
			return nil, fmt.Errorf("question %s options: %w", id, err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CreateQuestion inserts a question, assigning an id when it has none.
func (s *SQLiteStore) CreateQuestion(ctx context.Context, q *model.Question) error {
	if !q.HasOption(q.CorrectAnswer) {
		return fmt.Errorf("correct answer %q is not one of the options", q.CorrectAnswer)
	}
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	options, err := json.Marshal(q.Options)
	if err != nil {
		return err
	}
	difficulty := q.Difficulty
	if difficulty == "" {
		difficulty = model.DifficultyMedium
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO questions (id, prompt, options, correct_answer, difficulty, subject, points, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID.String(), q.Prompt, string(options), q.CorrectAnswer, string(difficulty), q.Subject, q.Points, toMicros(time.Now()))
	return err
}

// CreateSession inserts an active session and returns its id.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID int, startedAt time.Time) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exam_sessions (id, user_id, status, started_at) VALUES (?, ?, ?, ?)`,
		id.String(), userID, string(model.SessionStatusActive), toMicros(startedAt))
	if err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// AppendViolation stores one violation log entry; re-delivery is a no-op.
func (s *SQLiteStore) AppendViolation(ctx context.Context, sessionID uuid.UUID, v model.Violation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_violations (session_id, seq, kind, description, modality, recorded_at, offset_us, digest)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (session_id, seq) DO NOTHING`,
		sessionID.String(), v.Seq, string(v.Kind), v.Description, string(v.Modality), toMicros(v.RecordedAt), v.Offset.Microseconds(), v.Digest)
	return err
}

// CompleteSession flips an active session to completed.
func (s *SQLiteStore) CompleteSession(ctx context.Context, sessionID uuid.UUID, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exam_sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
		string(model.SessionStatusCompleted), toMicros(endedAt), sessionID.String(), string(model.SessionStatusActive))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
	}
	return nil
}

// SaveScore writes the final score of a session.
func (s *SQLiteStore) SaveScore(ctx context.Context, sessionID uuid.UUID, score float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE exam_sessions SET score = ? WHERE id = ?`, score, sessionID.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// SaveScores writes a batch of final scores in one transaction.
func (s *SQLiteStore) SaveScores(ctx context.Context, batch []ScoreUpdate) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `UPDATE exam_sessions SET score = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, u := range batch {
		if _, err := stmt.ExecContext(ctx, u.Score, u.SessionID.String()); err != nil {
			return fmt.Errorf("score for %s: %w", u.SessionID, err)
		}
	}
	return tx.Commit()
}

// UpsertAnswer stores the selected option for a question unless a newer
// answer is already stored.
func (s *SQLiteStore) UpsertAnswer(ctx context.Context, sessionID, questionID uuid.UUID, option string, answeredAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_answers (session_id, question_id, option, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (session_id, question_id)
		 DO UPDATE SET option = excluded.option, updated_at = excluded.updated_at
		 WHERE session_answers.updated_at <= excluded.updated_at`,
		sessionID.String(), questionID.String(), option, toMicros(answeredAt))
	return err
}

// ListAnswers returns the persisted answers of a session keyed by question.
func (s *SQLiteStore) ListAnswers(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT question_id, option FROM session_answers WHERE session_id = ?`, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]string)
	for rows.Next() {
		var qid, option string
		if err := rows.Scan(&qid, &option); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(qid)
		if err != nil {
			return nil, err
		}
		out[id] = option
	}
	return out, rows.Err()
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	var (
		out       model.ExamSession
		status    string
		startedAt int64
		endedAt   sql.NullInt64
		score     sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, status, started_at, ended_at, score FROM exam_sessions WHERE id = ?`,
		sessionID.String(),
	).Scan(&out.UserID, &status, &startedAt, &endedAt, &score)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	out.ID = sessionID
	out.Status = model.SessionStatus(status)
	out.StartedAt = fromMicros(startedAt)
	if endedAt.Valid {
		t := fromMicros(endedAt.Int64)
		out.EndedAt = &t
	}
	if score.Valid {
		v := score.Float64
		out.Score = &v
	}
	return &out, nil
}

// ListViolations returns the persisted violation log in seq order.
func (s *SQLiteStore) ListViolations(ctx context.Context, sessionID uuid.UUID) ([]model.Violation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, description, modality, recorded_at, offset_us, digest
		 FROM session_violations
		 WHERE session_id = ?
		 ORDER BY seq`, sessionID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Violation
	for rows.Next() {
		var (
			v          model.Violation
			kind       string
			modality   string
			recordedAt int64
			offsetUS   int64
		)
		if err := rows.Scan(&v.Seq, &kind, &v.Description, &modality, &recordedAt, &offsetUS, &v.Digest); err != nil {
			return nil, err
		}
		v.SessionID = sessionID
		v.Kind = model.ViolationKind(kind)
		v.Modality = model.Modality(modality)
		v.RecordedAt = fromMicros(recordedAt)
		v.Offset = time.Duration(offsetUS) * time.Microsecond
		out = append(out, v)
	}
	return out, rows.Err()
}

var _ Store = (*SQLiteStore)(nil)
