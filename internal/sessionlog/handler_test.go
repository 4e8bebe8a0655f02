package sessionlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerlink/safety/internal/auth"
	"github.com/peerlink/safety/internal/middleware"
	"github.com/peerlink/safety/internal/models"
	"github.com/peerlink/safety/internal/reputation"
)

// ============================================================================
// Fakes
// ============================================================================

type memStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	reports  map[uuid.UUID]*models.ViolationReport
}

func newMemStore() *memStore {
	return &memStore{sessions: map[uuid.UUID]*models.Session{}, reports: map[uuid.UUID]*models.ViolationReport{}}
}

func (m *memStore) Get(_ context.Context, id uuid.UUID) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id], nil
}

func (m *memStore) ListByUser(_ context.Context, userID string, limit int) ([]models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Session
	for _, s := range m.sessions {
		if (s.LocalUserID == userID || s.RemoteUserID == userID) && len(out) < limit {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (m *memStore) InsertReport(_ context.Context, rep *models.ViolationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	rep.ID = id.String()
	rep.CreatedAt = time.Now()
	cp := *rep
	m.reports[id] = &cp
	return nil
}

func (m *memStore) GetReport(_ context.Context, id uuid.UUID) (*models.ViolationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reports[id], nil
}

func (m *memStore) ConfirmReport(_ context.Context, id uuid.UUID) (*models.ViolationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.reports[id]
	if !ok || rep.Confirmed {
		return nil, nil
	}
	rep.Confirmed = true
	cp := *rep
	return &cp, nil
}

func (m *memStore) ListReportsByUser(_ context.Context, userID string) ([]models.ViolationReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ViolationReport
	for _, r := range m.reports {
		if r.UserID == userID {
			out = append(out, *r)
		}
	}
	return out, nil
}

type memQueue struct {
	mu     sync.Mutex
	events []reputation.Event
}

func (q *memQueue) EnqueueReputationEvent(_ context.Context, ev interface{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, ev.(reputation.Event))
	return nil
}

type presigner struct{ err error }

func (p presigner) GeneratePresignedDownloadURL(_ context.Context, key string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "https://evidence.example/" + key + "?sig=1", nil
}

func router(h *Handler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ContextUserID, c.GetHeader("X-User"))
		c.Set(middleware.ContextUserRole, c.GetHeader("X-Role"))
		c.Next()
	})
	r.GET("/sessions", h.ListSessions)
	r.GET("/sessions/:id", h.GetSession)
	r.POST("/reports", h.FileReport)
	r.GET("/reports/me", h.MyReports)
	r.POST("/reports/:id/confirm", h.ConfirmReport)
	r.GET("/reports/:id/evidence", h.Evidence)
	return r
}

func call(r http.Handler, method, path, user, role string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", user)
	req.Header.Set("X-Role", role)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func seedSession(m *memStore, local, remote string) uuid.UUID {
	id := uuid.New()
	m.sessions[id] = &models.Session{ID: id, LocalUserID: local, RemoteUserID: remote, StartedAt: time.Now()}
	return id
}

// ============================================================================
// Sessions
// ============================================================================

func TestHandler_SessionVisibility(t *testing.T) {
	store := newMemStore()
	id := seedSession(store, "alice", "bob")
	r := router(NewHandler(store, nil, nil, nil))

	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/sessions/"+id.String(), "bob", auth.RoleUser, nil).Code)
	assert.Equal(t, http.StatusNotFound, call(r, http.MethodGet, "/sessions/"+id.String(), "eve", auth.RoleUser, nil).Code)
	assert.Equal(t, http.StatusOK, call(r, http.MethodGet, "/sessions/"+id.String(), "mod", auth.RoleModerator, nil).Code)
	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodGet, "/sessions/nope", "bob", auth.RoleUser, nil).Code)

	w := call(r, http.MethodGet, "/sessions?limit=10", "alice", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), id.String())
	assert.Equal(t, http.StatusBadRequest, call(r, http.MethodGet, "/sessions?limit=-1", "alice", auth.RoleUser, nil).Code)
}

// ============================================================================
// Reports
// ============================================================================

func TestHandler_FileAndConfirmReport(t *testing.T) {
	store := newMemStore()
	q := &memQueue{}
	id := seedSession(store, "alice", "bob")
	r := router(NewHandler(store, q, nil, nil))

	w := call(r, http.MethodPost, "/reports", "alice", auth.RoleUser, FileReportRequest{
		SessionID: id.String(),
		Type:      models.ViolationGesture,
		Detail:    "rude gesture",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		Data models.ViolationReport `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "bob", created.Data.UserID)
	assert.Equal(t, "user", created.Data.Source)

	require.Len(t, q.events, 1)
	assert.Equal(t, reputation.EventReportFiled, q.events[0].Kind)
	assert.Equal(t, "bob", q.events[0].UserID)
	assert.Equal(t, "alice", q.events[0].FromUserID)
	assert.False(t, q.events[0].Confirmed)

	w = call(r, http.MethodPost, "/reports/"+created.Data.ID+"/confirm", "mod", auth.RoleModerator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, q.events, 2)
	assert.True(t, q.events[1].Confirmed, "confirmation is a second deduction")
	assert.Equal(t, "alice", q.events[1].FromUserID)

	w = call(r, http.MethodPost, "/reports/"+created.Data.ID+"/confirm", "mod", auth.RoleModerator, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Len(t, q.events, 2)

	w = call(r, http.MethodGet, "/reports/me", "bob", auth.RoleUser, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Data.ID)
}

func TestHandler_ReportRequiresParticipant(t *testing.T) {
	store := newMemStore()
	q := &memQueue{}
	id := seedSession(store, "alice", "bob")
	r := router(NewHandler(store, q, nil, nil))

	w := call(r, http.MethodPost, "/reports", "eve", auth.RoleUser, FileReportRequest{SessionID: id.String()})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = call(r, http.MethodPost, "/reports", "alice", auth.RoleUser, FileReportRequest{SessionID: uuid.New().String()})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = call(r, http.MethodPost, "/reports", "alice", auth.RoleUser, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, q.events)
}

func TestHandler_Evidence(t *testing.T) {
	store := newMemStore()
	key := "evidence/s/0.png"
	rep := &models.ViolationReport{SessionID: "s", UserID: "bob", Source: "ai", EvidenceKey: &key}
	require.NoError(t, store.InsertReport(context.Background(), rep))
	bare := &models.ViolationReport{SessionID: "s", UserID: "bob", Source: "ai"}
	require.NoError(t, store.InsertReport(context.Background(), bare))

	assert.Equal(t, http.StatusServiceUnavailable,
		call(router(NewHandler(store, nil, nil, nil)), http.MethodGet, "/reports/"+rep.ID+"/evidence", "mod", auth.RoleModerator, nil).Code)

	r := router(NewHandler(store, nil, presigner{}, nil))
	w := call(r, http.MethodGet, "/reports/"+rep.ID+"/evidence", "mod", auth.RoleModerator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "https://evidence.example/evidence/s/0.png")
	assert.Equal(t, http.StatusNotFound, call(r, http.MethodGet, "/reports/"+bare.ID+"/evidence", "mod", auth.RoleModerator, nil).Code)

	r = router(NewHandler(store, nil, presigner{err: errors.New("expired credentials")}, nil))
	assert.Equal(t, http.StatusInternalServerError, call(r, http.MethodGet, "/reports/"+rep.ID+"/evidence", "mod", auth.RoleModerator, nil).Code)
}
