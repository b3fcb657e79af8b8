package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/sensor"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	validator.Setup()
	m.Run()
}

type env struct {
	router *gin.Engine
	auth   *service.AuthService
	store  *repository.SQLiteStore
	m      *metrics.Metrics
}

func newEnv(t *testing.T, openTimeout time.Duration) *env {
	t.Helper()
	cfg := &config.Config{
		GinMode:   gin.TestMode,
		JWTSecret: "handler-test-secret",
		JWTExpiry: time.Hour,
		Exam:      config.ExamConfig{Duration: time.Minute, QuestionLimit: 3},
		Sensors: config.SensorConfig{
			CameraPeriod:   20 * time.Millisecond,
			AudioPeriod:    20 * time.Millisecond,
			OpenTimeout:    openTimeout,
			FaceSkip:       true,
			GazeLeftRatio:  1.15,
			GazeRightRatio: 0.85,
			AudioThreshold: 30,
		},
	}

	store, err := repository.OpenSQLite(filepath.Join(t.TempDir(), "handler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	for i := 0; i < 3; i++ {
		q := model.Question{
			Prompt:        "pick a",
			Options:       []string{"a", "b"},
			CorrectAnswer: "a",
			Difficulty:    model.DifficultyEasy,
			Subject:       "test",
			Points:        1,
		}
		require.NoError(t, store.CreateQuestion(context.Background(), &q))
	}

	log := zerolog.Nop()
	m := metrics.Noop()
	queue := worker.NewMemoryQueue(64)
	hub := service.NewEventHub(nil, queue, m, log)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	face := sensor.NewFaceClient("", true)
	sessions := service.NewSessionService(cfg, store, face, sensor.PCMMeter{}, hub, nil, m, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions.Shutdown(ctx)
		hubCancel()
	})

	auth := service.NewAuthService(cfg)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessions, log),
		Stream:  handler.NewStreamHandler(sessions, hub, m, log, nil),
		Watch:   handler.NewWatchHandler(nil, sessions, hub, log, nil),
		System:  handler.NewSystemHandler(nil, queue, sessions, face, log),
	}
	return &env{
		router: router.SetupRouter(auth, handlers, nil, cfg),
		auth:   auth,
		store:  store,
		m:      m,
	}
}

func (e *env) token(t *testing.T, userID int, typ service.TokenType) string {
	t.Helper()
	tok, err := e.auth.IssueToken(userID, typ)
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code   string            `json:"code"`
		Fields map[string]string `json:"fields"`
	} `json:"error"`
	Metadata struct {
		RequestID string `json:"request_id"`
	} `json:"metadata"`
}

func (e *env) do(t *testing.T, method, path, token string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

type startData struct {
	Session   model.ExamSession            `json:"session"`
	Questions []model.QuestionForCandidate `json:"questions"`
}

func (e *env) start(t *testing.T, token string) startData {
	t.Helper()
	code, res := e.do(t, http.MethodPost, "/api/v1/sessions", token, nil)
	require.Equal(t, http.StatusCreated, code)
	var data startData
	require.NoError(t, json.Unmarshal(res.Data, &data))
	return data
}

func TestSessionLifecycleOverREST(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	tok := e.token(t, 10, service.TokenTypeCandidate)

	started := e.start(t, tok)
	require.Len(t, started.Questions, 3)
	base := "/api/v1/sessions/" + started.Session.ID.String()

	code, res := e.do(t, http.MethodPost, "/api/v1/sessions", tok, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "SESSION_ALREADY_ACTIVE", res.Error.Code)

	qid := started.Questions[0].ID.String()
	code, res = e.do(t, http.MethodPut, base+"/answers", tok, map[string]string{"question_id": qid, "option": "z"})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "INVALID_OPTION", res.Error.Code)

	code, _ = e.do(t, http.MethodPut, base+"/answers", tok, map[string]string{"question_id": qid, "option": "a"})
	assert.Equal(t, http.StatusOK, code)

	code, res = e.do(t, http.MethodPost, base+"/marks/2", tok, nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"index":2,"marked":true}`, string(res.Data))

	code, res = e.do(t, http.MethodPost, base+"/navigate", tok, map[string]string{"direction": "next"})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"current_index":1}`, string(res.Data))

	code, res = e.do(t, http.MethodPost, base+"/navigate", tok, map[string]int{"index": 99})
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"current_index":2}`, string(res.Data))

	code, res = e.do(t, http.MethodGet, base, tok, nil)
	require.Equal(t, http.StatusOK, code)
	var snap struct {
		AnsweredCount int   `json:"answered_count"`
		Marked        []int `json:"marked"`
		CurrentIndex  int   `json:"current_index"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &snap))
	assert.Equal(t, 1, snap.AnsweredCount)
	assert.Equal(t, []int{2}, snap.Marked)
	assert.Equal(t, 2, snap.CurrentIndex)

	var submit struct {
		Session      model.ExamSession `json:"session"`
		Transitioned bool              `json:"transitioned"`
	}
	code, res = e.do(t, http.MethodPost, base+"/submit", tok, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(res.Data, &submit))
	assert.True(t, submit.Transitioned)
	assert.Equal(t, model.SessionStatusCompleted, submit.Session.Status)
	require.NotNil(t, submit.Session.Score)
	assert.Equal(t, 1.0, *submit.Session.Score)

	code, res = e.do(t, http.MethodPost, base+"/submit", tok, nil)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(res.Data, &submit))
	assert.False(t, submit.Transitioned)
	assert.Equal(t, model.SessionStatusCompleted, submit.Session.Status)

	stored, err := e.store.GetSession(context.Background(), started.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, stored.Status)
}

func TestSessionAccessControl(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	owner := e.token(t, 1, service.TokenTypeCandidate)
	other := e.token(t, 2, service.TokenTypeCandidate)
	proctor := e.token(t, 3, service.TokenTypeProctor)

	started := e.start(t, owner)
	base := "/api/v1/sessions/" + started.Session.ID.String()

	code, res := e.do(t, http.MethodGet, base, "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "TOKEN_REQUIRED", res.Error.Code)
	assert.NotEmpty(t, res.Metadata.RequestID)

	code, res = e.do(t, http.MethodGet, base, other, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_SESSION_OWNER", res.Error.Code)

	code, _ = e.do(t, http.MethodPost, base+"/submit", other, nil)
	assert.Equal(t, http.StatusForbidden, code)

	// Proctors may read but not operate.
	code, _ = e.do(t, http.MethodGet, base, proctor, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, base+"/violations", proctor, nil)
	assert.Equal(t, http.StatusOK, code)
	code, res = e.do(t, http.MethodPost, base+"/submit", proctor, nil)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "CANDIDATE_ACCESS_ONLY", res.Error.Code)

	code, res = e.do(t, http.MethodGet, "/api/v1/sessions/not-a-uuid", owner, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_ID", res.Error.Code)

	code, res = e.do(t, http.MethodGet, "/api/v1/sessions/00000000-0000-0000-0000-000000000001", owner, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_FOUND", res.Error.Code)
}

func TestRequestValidation(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	tok := e.token(t, 4, service.TokenTypeCandidate)

	code, res := e.do(t, http.MethodPost, "/api/v1/sessions", tok, map[string]int{"duration_seconds": 1})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", res.Error.Code)
	assert.Contains(t, res.Error.Fields, "duration_seconds")

	started := e.start(t, tok)
	base := "/api/v1/sessions/" + started.Session.ID.String()

	code, res = e.do(t, http.MethodPut, base+"/answers", tok, map[string]string{
		"question_id": started.Questions[0].ID.String(),
		"option":      "   ",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, res.Error.Fields, "option")

	code, res = e.do(t, http.MethodPut, base+"/answers", tok, map[string]string{
		"question_id": "00000000-0000-0000-0000-000000000009",
		"option":      "a",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "UNKNOWN_QUESTION", res.Error.Code)

	code, _ = e.do(t, http.MethodPost, base+"/navigate", tok, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, res = e.do(t, http.MethodPost, base+"/marks/7", tok, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, code)
	assert.Equal(t, "UNKNOWN_QUESTION", res.Error.Code)
}

func TestViolationsEndpointReportsDeviceTimeouts(t *testing.T) {
	e := newEnv(t, 30*time.Millisecond)
	tok := e.token(t, 5, service.TokenTypeCandidate)
	started := e.start(t, tok)
	path := "/api/v1/sessions/" + started.Session.ID.String() + "/violations"

	var body struct {
		Violations  []model.Violation `json:"violations"`
		ChainIntact bool              `json:"chain_intact"`
	}
	require.Eventually(t, func() bool {
		code, res := e.do(t, http.MethodGet, path, tok, nil)
		if code != http.StatusOK {
			return false
		}
		_ = json.Unmarshal(res.Data, &body)
		return len(body.Violations) == 2
	}, 2*time.Second, 20*time.Millisecond)
	assert.True(t, body.ChainIntact)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)

	code, res := e.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	var st struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &st))
	assert.Equal(t, "ok", st.Status)
	assert.Equal(t, "disabled", st.Dependencies["redis"])
	assert.Equal(t, "ok", st.Dependencies["face_service"])

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestStatsStreamForProctor(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	e.start(t, e.token(t, 31, service.TokenTypeCandidate))

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/system/stats", nil).WithContext(ctx)
	req.Header.Set("Authorization", "Bearer "+e.token(t, 900, service.TokenTypeProctor))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	require.Contains(t, body, "event:stats")

	var first struct {
		Sessions struct {
			ActiveSessions int `json:"active_sessions"`
		} `json:"sessions"`
		Queues *struct {
			Completions int64 `json:"completions"`
		} `json:"queues"`
	}
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data:") {
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &first))
			break
		}
	}
	assert.Equal(t, 1, first.Sessions.ActiveSessions)
	require.NotNil(t, first.Queues)
	assert.Zero(t, first.Queues.Completions)
}

func TestStatsStreamRejectsCandidates(t *testing.T) {
	e := newEnv(t, 50*time.Millisecond)
	code, res := e.do(t, http.MethodGet, "/api/v1/system/stats", e.token(t, 5, service.TokenTypeCandidate), nil)
	assert.Equal(t, http.StatusForbidden, code)
	require.NotNil(t, res.Error)
	assert.Equal(t, "FORBIDDEN", res.Error.Code)
}

func wsURL(srv *httptest.Server, path, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path + "?token=" + token
}

type wsEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func TestCandidateStream(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	tok := e.token(t, 6, service.TokenTypeCandidate)
	started := e.start(t, tok)
	path := "/ws/v1/sessions/" + started.Session.ID.String() + "/stream"

	// Another candidate cannot attach.
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, path, e.token(t, 7, service.TokenTypeCandidate)), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, path, tok), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "ping"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "frame", "data": "%%%"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "device_unavailable", "device": "camera", "reason": "permission denied"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"action": "device_unavailable", "device": "microphone"}))

	var (
		gotPong   bool
		gotError  bool
		kinds     []string
		stoppedOf []string
	)
	for !(gotPong && gotError && len(kinds) == 2 && len(stoppedOf) == 2) {
		var ev wsEvent
		require.NoError(t, conn.ReadJSON(&ev))
		switch ev.Event {
		case "pong":
			gotPong = true
		case "error":
			gotError = true
			assert.Equal(t, "data must be base64", ev.Error)
		case "violation":
			var v model.Violation
			require.NoError(t, json.Unmarshal(ev.Data, &v))
			kinds = append(kinds, string(v.Kind))
		case "monitor_stopped":
			var d struct {
				Modality string `json:"modality"`
			}
			require.NoError(t, json.Unmarshal(ev.Data, &d))
			stoppedOf = append(stoppedOf, d.Modality)
		}
	}
	assert.ElementsMatch(t, []string{"camera_error", "audio_error"}, kinds)
	assert.ElementsMatch(t, []string{"vision", "audio"}, stoppedOf)

	// Submitting over REST completes the stream.
	code, _ := e.do(t, http.MethodPost, "/api/v1/sessions/"+started.Session.ID.String()+"/submit", tok, nil)
	require.Equal(t, http.StatusOK, code)
	for {
		var ev wsEvent
		if err := conn.ReadJSON(&ev); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		if ev.Event == "completed" {
			continue
		}
	}
}

func TestWatchFeedForProctor(t *testing.T) {
	e := newEnv(t, 5*time.Second)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	tok := e.token(t, 8, service.TokenTypeCandidate)
	started := e.start(t, tok)
	id := started.Session.ID.String()

	watcher, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ws/v1/sessions/"+id+"/watch", e.token(t, 99, service.TokenTypeProctor)), nil)
	require.NoError(t, err)
	defer watcher.Close()
	require.NoError(t, watcher.SetReadDeadline(time.Now().Add(5*time.Second)))

	var first wsEvent
	require.NoError(t, watcher.ReadJSON(&first))
	assert.Equal(t, "snapshot", first.Event)

	code, _ := e.do(t, http.MethodPut, "/api/v1/sessions/"+id+"/answers", tok, map[string]string{
		"question_id": started.Questions[0].ID.String(),
		"option":      "b",
	})
	require.Equal(t, http.StatusOK, code)

	for {
		var ev wsEvent
		require.NoError(t, watcher.ReadJSON(&ev))
		assert.NotEqual(t, "tick", ev.Event)
		if ev.Event == "answer_saved" {
			break
		}
	}
}
