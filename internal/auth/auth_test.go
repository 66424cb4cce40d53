package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const testKey = "test-signing-key"

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("user_123", "t@example.com", "idp", testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := Parse(pair.AccessToken, testKey, "idp")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "user_123" || claims.Email != "t@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestParseRejectsIssuerMismatch(t *testing.T) {
	pair, err := Issue("user_123", "", "other", testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, testKey, "idp"); err == nil {
		t.Fatal("expected issuer mismatch")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	pair, err := Issue("user_123", "", "", testKey, -time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := Parse(pair.AccessToken, testKey, ""); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestRequire(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := Verifier{SigningKey: testKey}
	r := gin.New()
	r.GET("/me", v.Require(), func(c *gin.Context) {
		claims, _ := FromContext(c)
		c.String(http.StatusOK, claims.Subject)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: got %d", w.Code)
	}

	pair, _ := Issue("user_9", "", "", testKey, time.Minute, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "user_9" {
		t.Fatalf("got %d %q", w.Code, w.Body.String())
	}
}

func TestOptionalPassesWithoutToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v := Verifier{SigningKey: testKey}
	r := gin.New()
	r.GET("/sync", v.Optional(), func(c *gin.Context) {
		_, ok := FromContext(c)
		if ok {
			c.Status(http.StatusConflict)
			return
		}
		c.Status(http.StatusNoContent)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/sync", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("got %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/sync", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: got %d", w.Code)
	}
}
