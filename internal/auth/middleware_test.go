package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(s *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/callback", s.Middleware(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return router
}

func doCallback(router http.Handler, header, value string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/callback", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareAcceptsBearerAndHeader(t *testing.T) {
	router := newTestRouter(NewService("s3cret"))

	if rec := doCallback(router, "Authorization", "Bearer s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("bearer token rejected: %d", rec.Code)
	}
	if rec := doCallback(router, "X-Callback-Token", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("header token rejected: %d", rec.Code)
	}
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	router := newTestRouter(NewService("s3cret"))

	if rec := doCallback(router, "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := doCallback(router, "Authorization", "Bearer nope"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareDisabledWithoutToken(t *testing.T) {
	s := NewService("  ")
	if s.Enabled() {
		t.Fatalf("blank token should disable callbacks")
	}
	if rec := doCallback(newTestRouter(s), "Authorization", "Bearer anything"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	b, _ := GenerateToken()
	if len(a) != 64 || a == b {
		t.Fatalf("unexpected tokens %q %q", a, b)
	}
}
