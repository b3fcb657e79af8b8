package model

import (
	"github.com/google/uuid"
)

// Difficulty grades a question.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// Question is a multiple-choice item as fetched from the question bank.
// A session holds an immutable, ordered snapshot of these.
type Question struct {
	ID            uuid.UUID  `json:"id"`
	Prompt        string     `json:"prompt"`
	Options       []string   `json:"options"`
	CorrectAnswer string     `json:"-"`
	Difficulty    Difficulty `json:"difficulty"`
	Subject       string     `json:"subject"`
	Points        float64    `json:"points"`
}

// HasOption reports whether option is one of the question's choices.
func (q *Question) HasOption(option string) bool {
	for _, o := range q.Options {
		if o == option {
			return true
		}
	}
	return false
}

// QuestionForCandidate is a question without the correct answer, sent to candidates.
type QuestionForCandidate struct {
	ID         uuid.UUID  `json:"id"`
	Index      int        `json:"index"`
	Prompt     string     `json:"prompt"`
	Options    []string   `json:"options"`
	Difficulty Difficulty `json:"difficulty"`
	Subject    string     `json:"subject"`
	Points     float64    `json:"points"`
}

// ForCandidate strips the answer key from q.
func (q *Question) ForCandidate(index int) QuestionForCandidate {
	opts := make([]string, len(q.Options))
	copy(opts, q.Options)
	return QuestionForCandidate{
		ID:         q.ID,
		Index:      index,
		Prompt:     q.Prompt,
		Options:    opts,
		Difficulty: q.Difficulty,
		Subject:    q.Subject,
		Points:     q.Points,
	}
}
