package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"bitbucket.org/mmdatafocus/renovation_backend/utils"
	"github.com/gin-gonic/gin"
)

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware())
	r.GET("/open", func(c *gin.Context) {
		if utils.IsAuthorized(c.Request.Context()) {
			c.String(http.StatusOK, "yes")
			return
		}
		c.String(http.StatusOK, "no")
	})
	r.GET("/closed", RequireAuthorized(), func(c *gin.Context) {
		username, _ := utils.GetUsernameFromContext(c.Request.Context())
		c.String(http.StatusOK, username)
	})
	return r
}

func TestAuthMiddlewareWithoutHeaderPassesUnauthorized(t *testing.T) {
	r := newAuthRouter()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/open", nil))
	if w.Code != http.StatusOK || w.Body.String() != "no" {
		t.Fatalf("expected 200/no, got %d/%s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/closed", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthMiddlewareRejectsInvalidToken(t *testing.T) {
	r := newAuthRouter()
	req := httptest.NewRequest(http.MethodGet, "/open", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	t.Setenv("API_SECRET", "test-secret")
	token, err := utils.JwtGenerate(7, "ops", "admin")
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	r := newAuthRouter()
	req := httptest.NewRequest(http.MethodGet, "/closed", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "ops" {
		t.Fatalf("expected 200/ops, got %d/%s", w.Code, w.Body.String())
	}
}
