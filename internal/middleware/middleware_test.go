package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stretchr/testify/assert"
)

type stubValidator map[string]*service.Claims

func (s stubValidator) ValidateToken(tok string) (*service.Claims, error) {
	if c, ok := s[tok]; ok {
		return c, nil
	}
	return nil, errors.New("bad token")
}

var tokens = stubValidator{
	"cand":    {TokenType: service.TokenTypeCandidate, UserID: 1},
	"proctor": {TokenType: service.TokenTypeProctor, UserID: 2},
}

func init() { gin.SetMode(gin.TestMode) }

func serve(h gin.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	r := gin.New()
	r.GET("/x", h, func(c *gin.Context) {
		c.String(http.StatusOK, "%d", GetClaims(c).UserID)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func withHeader(tok string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req
}

func TestRequireCandidateJWT(t *testing.T) {
	h := RequireCandidateJWT(tokens)

	w := serve(h, withHeader("cand"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Body.String())

	assert.Equal(t, http.StatusForbidden, serve(h, withHeader("proctor")).Code)
	assert.Equal(t, http.StatusUnauthorized, serve(h, withHeader("nope")).Code)

	w = serve(h, withHeader(""))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "TOKEN_REQUIRED")
}

func TestRequireAnyJWTAcceptsProctor(t *testing.T) {
	w := serve(RequireAnyJWT(tokens), withHeader("proctor"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "2", w.Body.String())
}

func TestWSAuthReadsQueryToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x?token=cand", nil)
	assert.Equal(t, http.StatusOK, serve(RequireCandidateWSAuth(tokens), req).Code)

	req = httptest.NewRequest(http.MethodGet, "/x?token=proctor", nil)
	assert.Equal(t, http.StatusForbidden, serve(RequireCandidateWSAuth(tokens), req).Code)

	req = httptest.NewRequest(http.MethodGet, "/x?token=proctor", nil)
	assert.Equal(t, http.StatusOK, serve(RequireAnyWSAuth(tokens), req).Code)

	// Header tokens are ignored on the upgrade path.
	assert.Equal(t, http.StatusUnauthorized, serve(RequireAnyWSAuth(tokens), withHeader("cand")).Code)
}

func TestRateLimiterPerUser(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := NewRateLimiter(ctx, 2, time.Hour)

	r := gin.New()
	r.GET("/x", RequireAnyJWT(tokens), rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	do := func(tok string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, withHeader(tok))
		return w.Code
	}
	assert.Equal(t, http.StatusNoContent, do("cand"))
	assert.Equal(t, http.StatusNoContent, do("cand"))
	assert.Equal(t, http.StatusTooManyRequests, do("cand"))
	// A different user has its own bucket.
	assert.Equal(t, http.StatusNoContent, do("proctor"))
}
