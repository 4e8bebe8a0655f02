package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/peerlink/safety/internal/auth"
)

func serve(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ============================================================================
// Origins / CORS
// ============================================================================

func TestOrigins(t *testing.T) {
	o := ParseOrigins(" http://a.test/ , https://b.test,,")
	assert.False(t, o.Any())
	assert.True(t, o.Allowed("http://a.test"))
	assert.True(t, o.Allowed("https://b.test/"))
	assert.False(t, o.Allowed("https://evil.test"))
	assert.True(t, o.Allowed(""), "native clients send no origin")

	assert.True(t, ParseOrigins("").Any())
	assert.True(t, ParseOrigins("*").Allowed("https://anything.test"))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "https://evil.test")
	assert.False(t, o.CheckOrigin(req))
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("http://a.test"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://a.test")
	w := serve(r, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://a.test", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://other.test")
	w = serve(r, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

// ============================================================================
// Auth
// ============================================================================

func TestJWTAndRoles(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwt := auth.NewJWTService("secret", 1)
	r := gin.New()
	r.Use(JWT(jwt))
	r.GET("/me", func(c *gin.Context) { c.String(http.StatusOK, UserID(c)) })
	r.GET("/mod", RequireModerator(), func(c *gin.Context) { c.Status(http.StatusOK) })

	userTok, err := jwt.Generate("u1", auth.RoleUser, "fp")
	require.NoError(t, err)
	modTok, err := jwt.Generate("m1", auth.RoleModerator, "")
	require.NoError(t, err)
	expired, err := auth.NewJWTService("secret", -1).Generate("u1", auth.RoleUser, "")
	require.NoError(t, err)

	call := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return serve(r, req)
	}

	w := call("/me", userTok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1", w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, call("/me", "").Code)
	w = call("/me", expired)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "token expired")

	assert.Equal(t, http.StatusForbidden, call("/mod", userTok).Code)
	assert.Equal(t, http.StatusOK, call("/mod", modTok).Code)
}

func TestRequireRole_WithoutJWT(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/mod", RequireRole(auth.RoleModerator), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusUnauthorized, serve(r, httptest.NewRequest(http.MethodGet, "/mod", nil)).Code)
}

// ============================================================================
// Logger
// ============================================================================

func TestLogger_RequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zap.DebugLevel)
	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/boom", func(c *gin.Context) { c.Status(http.StatusInternalServerError) })

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	generated := w.Header().Get(HeaderRequestID)
	assert.Len(t, generated, 36)

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(HeaderRequestID, "req-42")
	w = serve(r, req)
	assert.Equal(t, "req-42", w.Header().Get(HeaderRequestID))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, zap.ErrorLevel, entries[1].Level)
	assert.Equal(t, "req-42", entries[1].ContextMap()["request_id"])
}
