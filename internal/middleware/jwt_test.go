package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

const secret = "test-secret"

func newProtectedRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/queue", JWTAuth(secret), RequireRole(RoleOperator), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ParticipantIDKey))
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	operatorToken, err := IssueToken(secret, "desk-1", RoleOperator, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	callerToken, _ := IssueToken(secret, "u1", RoleCaller, time.Hour)
	expired, _ := IssueToken(secret, "desk-1", RoleOperator, -time.Minute)
	foreign, _ := IssueToken("other-secret", "desk-1", RoleOperator, time.Hour)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Token " + operatorToken, http.StatusUnauthorized},
		{"expired", "Bearer " + expired, http.StatusUnauthorized},
		{"wrong secret", "Bearer " + foreign, http.StatusUnauthorized},
		{"caller role", "Bearer " + callerToken, http.StatusForbidden},
		{"operator", "Bearer " + operatorToken, http.StatusOK},
	}

	router := newProtectedRouter()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/queue", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d (%s)", tt.want, rec.Code, rec.Body.String())
			}
			if tt.want == http.StatusOK && rec.Body.String() != "desk-1" {
				t.Fatalf("participant id not propagated: %q", rec.Body.String())
			}
		})
	}
}
