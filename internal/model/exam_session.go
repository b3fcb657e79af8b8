package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates persisted exam session states.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// ExamSession represents one timed attempt at the exam.
// EndedAt is non-nil iff Status is completed.
type ExamSession struct {
	ID        uuid.UUID     `json:"id"`
	UserID    int           `json:"user_id"`
	Status    SessionStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
	Score     *float64      `json:"score,omitempty"`
}

// StartSessionRequest is the payload for starting a proctored session.
type StartSessionRequest struct {
	DurationSeconds int `json:"duration_seconds" binding:"omitempty,min=5,max=28800"`
	QuestionLimit   int `json:"question_limit" binding:"omitempty,min=1,max=500"`
}

// AnswerRequest upserts one answer.
type AnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	Option     string `json:"option" binding:"required,notblank,max=1000"`
}

// NavigateRequest moves the current-question pointer. Exactly one of
// Index or Direction is used; Direction wins when both are present.
type NavigateRequest struct {
	Index     *int   `json:"index" binding:"omitempty"`
	Direction string `json:"direction" binding:"omitempty,oneof=next previous"`
}
