package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/artpar/sitedeploy/internal/core/domain"
	"github.com/artpar/sitedeploy/internal/shell/deploy"
	"github.com/artpar/sitedeploy/internal/shell/docker"
	"github.com/artpar/sitedeploy/internal/shell/ledger"
	"github.com/artpar/sitedeploy/internal/shell/portpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// stubService implements DeployService for testing.
type stubService struct {
	url      string
	err      error
	versions []domain.DeployVersion
	health   deploy.Health

	deployed   []DeployRequest
	stopped    []DeployRequest
	rolledBack []int
}

func (s *stubService) Deploy(_ context.Context, appID, userID int64) (string, error) {
	s.deployed = append(s.deployed, DeployRequest{AppID: appID, UserID: userID})
	return s.url, s.err
}

func (s *stubService) Stop(_ context.Context, appID, userID int64) error {
	s.stopped = append(s.stopped, DeployRequest{AppID: appID, UserID: userID})
	return s.err
}

func (s *stubService) Rollback(_ context.Context, _ int64, version int) (string, error) {
	s.rolledBack = append(s.rolledBack, version)
	return s.url, s.err
}

func (s *stubService) ListVersions(context.Context, int64) ([]domain.DeployVersion, error) {
	return s.versions, s.err
}

func (s *stubService) Health(context.Context) deploy.Health {
	return s.health
}

type stubGate struct {
	mu   sync.Mutex
	seen map[int64]bool
}

func (g *stubGate) ShouldTrigger(_ context.Context, appID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = make(map[int64]bool)
	}
	if g.seen[appID] {
		return false
	}
	g.seen[appID] = true
	return true
}

type stubQueue struct {
	mu   sync.Mutex
	jobs []string
}

func (q *stubQueue) Enqueue(appID int64, siteURL string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, fmt.Sprintf("%d %s", appID, siteURL))
	return true
}

func newTestHandler(svc *stubService) http.Handler {
	return NewHandler(Config{Service: svc}).Routes()
}

func doRequest(t *testing.T, h http.Handler, method, target string, body any) (*httptest.ResponseRecorder, Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp Response
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

// =============================================================================
// Deploy Handler Tests
// =============================================================================

func TestHandleDeploy_Success(t *testing.T) {
	svc := &stubService{url: "http://deploy.test:4001"}
	rec, resp := doRequest(t, newTestHandler(svc), http.MethodPost, "/api/deploy", DeployRequest{AppID: 7, UserID: 3})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Code)
	assert.Equal(t, map[string]any{"appId": float64(7), "url": "http://deploy.test:4001"}, resp.Data)
	assert.Equal(t, []DeployRequest{{AppID: 7, UserID: 3}}, svc.deployed)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestHandleDeploy_InvalidJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/deploy", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	newTestHandler(&stubService{}).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleDeploy_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid app", fmt.Errorf("%w: 0", domain.ErrInvalidAppID), http.StatusBadRequest},
		{"no source", fmt.Errorf("%w: app 7", docker.ErrSourceNotFound), http.StatusNotFound},
		{"pool exhausted", portpool.ErrPoolExhausted, http.StatusConflict},
		{"version conflict", ledger.ErrVersionConflict, http.StatusConflict},
		{"engine down", deploy.ErrEngineUnavailable, http.StatusServiceUnavailable},
		{"build failed", fmt.Errorf("%w: exit 1", docker.ErrBuildFailed), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{err: tt.err}
			rec, resp := doRequest(t, newTestHandler(svc), http.MethodPost, "/api/deploy", DeployRequest{AppID: 7})
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.status, resp.Code)
			assert.Equal(t, tt.err.Error(), resp.Message)
			assert.Nil(t, resp.Data)
		})
	}
}

func TestHandleStop(t *testing.T) {
	svc := &stubService{}
	rec, resp := doRequest(t, newTestHandler(svc), http.MethodPost, "/api/deploy/stop", DeployRequest{AppID: 7, UserID: 2})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, resp.Data)
	assert.Equal(t, []DeployRequest{{AppID: 7, UserID: 2}}, svc.stopped)
}

func TestHandleRollback(t *testing.T) {
	svc := &stubService{url: "http://deploy.test:4001"}
	rec, resp := doRequest(t, newTestHandler(svc), http.MethodPost, "/api/deploy/rollback?appId=7&version=2", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Code)
	assert.Equal(t, []int{2}, svc.rolledBack)
}

func TestHandleRollback_BadQuery(t *testing.T) {
	h := newTestHandler(&stubService{})
	for _, target := range []string{
		"/api/deploy/rollback?version=2",
		"/api/deploy/rollback?appId=-1&version=2",
		"/api/deploy/rollback?appId=7",
		"/api/deploy/rollback?appId=7&version=0",
	} {
		rec, _ := doRequest(t, h, http.MethodPost, target, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleRollback_NotRollbackable(t *testing.T) {
	svc := &stubService{err: ledger.ErrVersionNotRollbackable}
	rec, _ := doRequest(t, newTestHandler(svc), http.MethodPost, "/api/deploy/rollback?appId=7&version=2", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleListVersions(t *testing.T) {
	svc := &stubService{versions: []domain.DeployVersion{
		{ID: 2, AppID: 7, Version: 2, Status: domain.DeployStatusRunning},
		{ID: 1, AppID: 7, Version: 1, Status: domain.DeployStatusStopped},
	}}
	rec, resp := doRequest(t, newTestHandler(svc), http.MethodGet, "/api/deploy/versions?appId=7", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	versions := data["versions"].([]any)
	require.Len(t, versions, 2)
	assert.Equal(t, "RUNNING", versions[0].(map[string]any)["status"])
}

func TestHandleListVersions_EmptyIsArray(t *testing.T) {
	rec, _ := doRequest(t, newTestHandler(&stubService{}), http.MethodGet, "/api/deploy/versions?appId=7", nil)
	assert.Contains(t, rec.Body.String(), `"versions":[]`)
}

// =============================================================================
// Health Handler Tests
// =============================================================================

func TestHandleHealth(t *testing.T) {
	svc := &stubService{health: deploy.Health{EngineAvailable: true, PortsInUse: 2, PortCapacity: 1000}}
	rec, resp := doRequest(t, newTestHandler(svc), http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]any)
	assert.Equal(t, float64(2), data["portsInUse"])
}

func TestHandleHealth_NoEngineNoFallback(t *testing.T) {
	rec, _ := doRequest(t, newTestHandler(&stubService{}), http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// =============================================================================
// Preview Tests
// =============================================================================

type previewEnv struct {
	root  string
	queue *stubQueue
	h     http.Handler
}

func newPreviewEnv(t *testing.T) *previewEnv {
	t.Helper()
	root := t.TempDir()
	queue := &stubQueue{}
	h := NewHandler(Config{
		Service:        &stubService{},
		OutputRoot:     root,
		PreviewBaseURL: "http://localhost:8123/",
		Gate:           &stubGate{},
		Captures:       queue,
	}).Routes()
	return &previewEnv{root: root, queue: queue, h: h}
}

func (e *previewEnv) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(e.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (e *previewEnv) get(target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestPreview_ServesIndexAndTriggersCaptureOnce(t *testing.T) {
	env := newPreviewEnv(t)
	env.write(t, "html_12/index.html", "<h1>twelve</h1>")

	for i := 0; i < 3; i++ {
		rec := env.get("/static/html_12/")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "twelve")
	}

	assert.Equal(t, []string{"12 http://localhost:8123/static/html_12/"}, env.queue.jobs)
}

func TestPreview_PrefersDist(t *testing.T) {
	env := newPreviewEnv(t)
	env.write(t, "vue_project_5/index.html", "source")
	env.write(t, "vue_project_5/dist/index.html", "built")

	rec := env.get("/static/vue_project_5/")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "built", rec.Body.String())
}

func TestPreview_SPAFallbackAndAssets(t *testing.T) {
	env := newPreviewEnv(t)
	env.write(t, "vue_project_5/dist/index.html", "app shell")
	env.write(t, "vue_project_5/dist/assets/app.js", "console.log(1)")

	rec := env.get("/static/vue_project_5/assets/app.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log(1)", rec.Body.String())

	rec = env.get("/static/vue_project_5/settings/profile")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "app shell", rec.Body.String())

	rec = env.get("/static/vue_project_5/missing.css")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPreview_RejectsTraversalAndUnknownKeys(t *testing.T) {
	env := newPreviewEnv(t)
	env.write(t, "secret.txt", "nope")
	env.write(t, "html_3/index.html", "three")

	assert.Equal(t, http.StatusNotFound, env.get("/static/missing_9/").Code)

	rec := env.get("/static/html_3/../secret.txt")
	assert.NotContains(t, rec.Body.String(), "nope")
}

func TestPreview_RedirectsBareKey(t *testing.T) {
	env := newPreviewEnv(t)
	env.write(t, "html_3/index.html", "three")

	rec := env.get("/static/html_3")
	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "/static/html_3/", rec.Header().Get("Location"))
}

func TestPreview_NonAppKeySkipsCapture(t *testing.T) {
	env := newPreviewEnv(t)
	env.write(t, "landing/index.html", "hello")

	assert.Equal(t, http.StatusOK, env.get("/static/landing/").Code)
	assert.Empty(t, env.queue.jobs)
}

// =============================================================================
// Published Site Tests
// =============================================================================

func TestPublishedSites(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "aB3xY9"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "aB3xY9", "index.html"), []byte("published"), 0o644))

	h := NewHandler(Config{Service: &stubService{}, PublishRoot: root}).Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deploy/aB3xY9/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "published", rec.Body.String())
}
