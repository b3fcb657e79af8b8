package repository

import "github.com/jackc/pgx/v5/pgxpool"

// PostgresStore combines the PostgreSQL repositories into a Store.
type PostgresStore struct {
	*QuestionRepository
	*ExamSessionRepository
}

// NewPostgresStore builds a Store over pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		QuestionRepository:    NewQuestionRepository(pool),
		ExamSessionRepository: NewExamSessionRepository(pool),
	}
}

var _ Store = (*PostgresStore)(nil)
