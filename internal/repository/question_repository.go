package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// QuestionRepository handles question bank access in PostgreSQL.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// FetchQuestions draws up to limit random questions. The returned order is
// the order of the session snapshot.
func (r *QuestionRepository) FetchQuestions(ctx context.Context, limit int) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, prompt, options, correct_answer, difficulty, subject, points
		 FROM questions
		 ORDER BY random()
		 LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Prompt, &q.Options, &q.CorrectAnswer, &q.Difficulty, &q.Subject, &q.Points); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// CreateQuestion inserts a new question.
func (r *QuestionRepository) CreateQuestion(ctx context.Context, q *model.Question) error {
	return r.pool.QueryRow(ctx,
		`INSERT INTO questions (prompt, options, correct_answer, difficulty, subject, points)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		q.Prompt, q.Options, q.CorrectAnswer, q.Difficulty, q.Subject, q.Points,
	).Scan(&q.ID)
}
