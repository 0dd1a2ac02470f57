package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() { gin.SetMode(gin.TestMode) }

func signToken(t *testing.T, secret, userID, role string, exp time.Time) string {
	t.Helper()
	claims := JWTClaims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func protectedEngine(roles ...string) *gin.Engine {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/p", JWTAuth(testSecret), RequireRole(roles...), func(c *gin.Context) {
		c.String(http.StatusOK, OperatorID(c).String())
	})
	return r
}

func do(r *gin.Engine, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/p", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := protectedEngine(RoleCashier, RoleSupervisor)
	uid := uuid.NewString()

	w := do(r, signToken(t, testSecret, uid, RoleCashier, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uid, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))

	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, signToken(t, "other", uid, RoleCashier, time.Now().Add(time.Hour))).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, signToken(t, testSecret, uid, RoleCashier, time.Now().Add(-time.Minute))).Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, signToken(t, testSecret, "not-a-uuid", RoleCashier, time.Now().Add(time.Hour))).Code)
}

func TestRequireRole(t *testing.T) {
	r := protectedEngine(RoleSupervisor, RoleAdmin)
	w := do(r, signToken(t, testSecret, uuid.NewString(), RoleCashier, time.Now().Add(time.Hour)))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "FORBIDDEN")
}

func TestRequestIDPropagates(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.String(http.StatusOK, c.GetString(RequestIDKey)) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestRecoveryHidesPanic(t *testing.T) {
	r := gin.New()
	r.Use(Recovery())
	r.GET("/", func(*gin.Context) { panic("db password leaked") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}

func TestIPLimiterWindow(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newIPLimiter("test", 2, time.Minute)
	l.now = func() time.Time { return now }

	ok, _ := l.allow("1.1.1.1")
	assert.True(t, ok)
	ok, _ = l.allow("1.1.1.1")
	assert.True(t, ok)
	ok, _ = l.allow("1.1.1.1")
	assert.False(t, ok)
	ok, _ = l.allow("2.2.2.2")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 2, l.purge())
	ok, _ = l.allow("1.1.1.1")
	assert.True(t, ok)
}
