package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
)

// SessionHandler exposes the exam session operations over REST.
type SessionHandler struct {
	sessions *service.SessionService
	log      zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(sessions *service.SessionService, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		log:      log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/sessions
// Loads a question snapshot, creates the session record, starts the timer
// and the monitors.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	var req model.StartSessionRequest
	if fields := validator.BindOptional(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	live, err := h.sessions.Start(c.Request.Context(), claims.UserID, req)
	if err != nil {
		h.fail(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"session":   live.Machine.Session(),
		"questions": live.Machine.Questions(),
		"snapshot":  live.Machine.Snapshot(),
	})
}

// GetSession godoc
// GET /api/v1/sessions/:id
// Returns the progress snapshot. Also serves completed sessions so a
// reloaded client can show the final state.
func (h *SessionHandler) GetSession(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}
	snap, err := h.sessions.Snapshot(c.Request.Context(), id, claims)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// GetQuestions godoc
// GET /api/v1/sessions/:id/questions
func (h *SessionHandler) GetQuestions(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}
	live, err := h.sessions.Live(id, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"questions": live.Machine.Questions()})
}

// SaveAnswer godoc
// PUT /api/v1/sessions/:id/answers
func (h *SessionHandler) SaveAnswer(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	questionID, err := uuid.Parse(req.QuestionID)
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	live, err := h.sessions.Live(id, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := live.Machine.Answer(questionID, req.Option); err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": questionID, "option": req.Option})
}

// ToggleMark godoc
// POST /api/v1/sessions/:id/marks/:index
func (h *SessionHandler) ToggleMark(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	live, err := h.sessions.Live(id, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}
	marked, err := live.Machine.ToggleMark(index)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"index": index, "marked": marked})
}

// Navigate godoc
// POST /api/v1/sessions/:id/navigate
// Body is {index} for an absolute jump or {direction: next|previous}.
func (h *SessionHandler) Navigate(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}
	if req.Index == nil && req.Direction == "" {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, map[string]string{
			"index": "index or direction is required",
		})
		return
	}

	live, err := h.sessions.Live(id, claims.UserID)
	if err != nil {
		h.fail(c, err)
		return
	}

	var current int
	switch req.Direction {
	case "next":
		current, err = live.Machine.Next()
	case "previous":
		current, err = live.Machine.Previous()
	default:
		current, err = live.Machine.Navigate(*req.Index)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"current_index": current})
}

// Submit godoc
// POST /api/v1/sessions/:id/submit
// Idempotent: later calls return the already completed session.
func (h *SessionHandler) Submit(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}

	live, err := h.sessions.Live(id, claims.UserID)
	if errors.Is(err, service.ErrSessionNotFound) {
		// Already evicted: answer from the completed record.
		snap, serr := h.sessions.Snapshot(c.Request.Context(), id, claims)
		if serr != nil {
			h.fail(c, serr)
			return
		}
		response.Success(c, http.StatusOK, proctor.SubmitResult{Session: snap.Session})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := live.Machine.Submit(c.Request.Context())
	var perr *proctor.PersistenceError
	if errors.As(err, &perr) {
		// Completion stands locally; report it with the failure flagged.
		h.log.Warn().Err(err).Str("session_id", id.String()).Msg("Submitted but completion not persisted")
		c.Header("X-Persistence-Error", perr.Op)
		response.Success(c, http.StatusOK, res)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetViolations godoc
// GET /api/v1/sessions/:id/violations
func (h *SessionHandler) GetViolations(c *gin.Context) {
	claims, id, ok := h.claimsAndID(c)
	if !ok {
		return
	}
	vs, err := h.sessions.Violations(c.Request.Context(), id, claims)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"violations":   vs,
		"chain_intact": proctor.VerifyChain(vs) == nil,
	})
}

func (h *SessionHandler) claimsAndID(c *gin.Context) (*service.Claims, uuid.UUID, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, uuid.Nil, false
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, uuid.Nil, false
	}
	return claims, id, true
}

// fail maps service and state machine errors onto the response envelope.
func (h *SessionHandler) fail(c *gin.Context, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.Fail(c, status, code)
}

func errorStatus(err error) (int, response.ErrCode) {
	var (
		createErr *proctor.SessionCreateError
		loadErr   *proctor.QuestionLoadError
		persist   *proctor.PersistenceError
	)
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, service.ErrNotSessionOwner):
		return http.StatusForbidden, response.ErrNotSessionOwner
	case errors.Is(err, service.ErrSessionAlreadyActive):
		return http.StatusConflict, response.ErrSessionAlreadyActive
	case errors.Is(err, service.ErrSessionNotActive):
		return http.StatusConflict, response.ErrSessionNotActive
	case errors.Is(err, proctor.ErrInvalidTransition):
		return http.StatusConflict, response.ErrInvalidTransition
	case errors.Is(err, proctor.ErrUnknownQuestion):
		return http.StatusUnprocessableEntity, response.ErrUnknownQuestion
	case errors.Is(err, proctor.ErrInvalidOption):
		return http.StatusUnprocessableEntity, response.ErrInvalidOption
	case errors.As(err, &loadErr):
		return http.StatusServiceUnavailable, response.ErrQuestionLoadFailed
	case errors.As(err, &createErr):
		return http.StatusServiceUnavailable, response.ErrSessionCreateFailed
	case errors.As(err, &persist):
		return http.StatusServiceUnavailable, response.ErrPersistenceFailed
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
