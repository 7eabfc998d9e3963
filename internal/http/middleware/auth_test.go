// README: Tests for the auth, recovery and logging middleware.
package middleware_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"freight/internal/http/middleware"
	"freight/internal/infra"
)

// stubVerifier is a test double for infra.TokenVerifier.
type stubVerifier struct {
	token *infra.Token
	err   error
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, _ string) (*infra.Token, error) {
	return s.token, s.err
}

func newTestRouter(verifier infra.TokenVerifier) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Recovery(zap.NewNop()), middleware.Logging(zap.NewNop()), middleware.Auth(verifier))
	r.GET("/test", func(c *gin.Context) {
		actor := middleware.Caller(c)
		c.JSON(http.StatusOK, gin.H{
			"uid":       middleware.CallerUID(c),
			"role":      middleware.CallerRole(c),
			"actor_id":  actor.ID,
			"actor_rol": actor.Role,
		})
	})
	r.GET("/panic", func(*gin.Context) { panic("boom") })
	return r
}

func get(r *gin.Engine, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuth_MissingHeader(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.Token{UID: "user1"}})
	if w := get(r, "/test", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_InvalidBearerPrefix(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.Token{UID: "user1"}})
	if w := get(r, "/test", "Token sometoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	if w := get(r, "/test", "Bearer "); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for empty token, got %d", w.Code)
	}
}

func TestAuth_VerifierError(t *testing.T) {
	r := newTestRouter(&stubVerifier{err: errors.New("bad token")})
	if w := get(r, "/test", "Bearer invalidtoken"); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
}

func TestAuth_ValidToken_UIDAndRolePopulated(t *testing.T) {
	token := &infra.Token{
		UID:    "driver123",
		Claims: map[string]interface{}{"role": "driver"},
	}
	r := newTestRouter(&stubVerifier{token: token})
	w := get(r, "/test", "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["uid"] != "driver123" || body["actor_id"] != "driver123" {
		t.Errorf("unexpected uid in body: %v", body)
	}
	if body["role"] != "driver" {
		t.Errorf("expected raw role claim, got %q", body["role"])
	}
	if body["actor_rol"] != "DRIVER" {
		t.Errorf("expected parsed role DRIVER, got %q", body["actor_rol"])
	}
}

func TestAuth_ValidToken_NoRoleClaim(t *testing.T) {
	token := &infra.Token{
		UID:    "shipper456",
		Claims: map[string]interface{}{},
	}
	r := newTestRouter(&stubVerifier{token: token})
	w := get(r, "/test", "Bearer validtoken")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["uid"] != "shipper456" || body["actor_rol"] != "" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestAuth_UnknownRoleClaim(t *testing.T) {
	token := &infra.Token{UID: "u1", Claims: map[string]interface{}{"role": "admin"}}
	r := newTestRouter(&stubVerifier{token: token})
	w := get(r, "/test", "Bearer validtoken")
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body["actor_rol"] != "" {
		t.Errorf("unknown role must not map to a known role, got %q", body["actor_rol"])
	}
}

func TestOptionalAuth(t *testing.T) {
	gin.SetMode(gin.TestMode)
	verifier := &stubVerifier{token: &infra.Token{UID: "driver123"}}
	r := gin.New()
	r.GET("/open", middleware.OptionalAuth(verifier), func(c *gin.Context) {
		c.String(http.StatusOK, middleware.CallerUID(c))
	})

	w := get(r, "/open", "")
	if w.Code != http.StatusOK || w.Body.String() != "" {
		t.Errorf("anonymous: expected 200 with no caller, got %d %q", w.Code, w.Body.String())
	}
	w = get(r, "/open", "Bearer validtoken")
	if w.Code != http.StatusOK || w.Body.String() != "driver123" {
		t.Errorf("token: expected caller driver123, got %d %q", w.Code, w.Body.String())
	}

	verifier.token, verifier.err = nil, errors.New("bad token")
	if w = get(r, "/open", "Bearer forged"); w.Code != http.StatusUnauthorized {
		t.Errorf("bad token: expected 401, got %d", w.Code)
	}
}

func TestRecovery(t *testing.T) {
	r := newTestRouter(&stubVerifier{token: &infra.Token{UID: "user1"}})
	w := get(r, "/panic", "Bearer validtoken")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
