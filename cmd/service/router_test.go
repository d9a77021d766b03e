package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quka-ai/conhub/app/core"
	"github.com/quka-ai/conhub/app/logic/v1/process"
	"github.com/quka-ai/conhub/app/response"
	"github.com/quka-ai/conhub/cmd/service/handler"
	"github.com/quka-ai/conhub/pkg/types"
)

type apiResult struct {
	Meta response.Meta   `json:"meta"`
	Data json.RawMessage `json:"data"`
}

type testServer struct {
	t      *testing.T
	core   *core.Core
	engine *gin.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	t.Setenv("CONHUB_DATABASE_URL", "")
	t.Setenv("CONHUB_REDIS_URL", "")
	t.Setenv("CONHUB_REDIS_ADDR", "")
	t.Setenv("CONHUB_JWT_SECRET", "router-test-secret")

	app := core.MustSetupCore(core.LoadBaseConfigFromENV())
	proc := process.NewProcess(app)
	t.Cleanup(func() {
		proc.Stop()
		app.Close()
	})

	setupHttpRouter(&handler.HttpSrv{Core: app, Engine: app.HttpEngine()})
	return &testServer{t: t, core: app, engine: app.HttpEngine()}
}

func (s *testServer) token(tenantID string) string {
	token, err := s.core.Auth().Issue(tenantID, "user-1", time.Hour)
	require.NoError(s.t, err)
	return token
}

func (s *testServer) do(method, path, token string, body any) (int, apiResult) {
	s.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var res apiResult
	if w.Header().Get("Content-Type") != "" && w.Body.Len() > 0 && w.Body.Bytes()[0] == '{' {
		require.NoError(s.t, json.Unmarshal(w.Body.Bytes(), &res))
	}
	return w.Code, res
}

func decode[T any](t *testing.T, res apiResult) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(res.Data, &v))
	return v
}

func TestAPIRequiresToken(t *testing.T) {
	s := newTestServer(t)

	code, res := s.do(http.MethodGet, "/api/v1/sync", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "auth", res.Meta.Kind)
	assert.NotEmpty(t, res.Meta.RequestID)

	code, _ = s.do(http.MethodGet, "/api/v1/sync", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, res = s.do(http.MethodGet, "/api/v1/sync", s.token("tenant-a"), nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, decode[[]*types.SyncJob](t, res))
}

func TestAPISyncAndQuery(t *testing.T) {
	s := newTestServer(t)
	token := s.token("tenant-a")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.py"), []byte("def greet(name): return f\"hi {name}\"\n"), 0o644))

	code, res := s.do(http.MethodPost, "/api/v1/accounts", token, map[string]any{"connector_kind": types.CONNECTOR_LOCAL_FS})
	require.Equal(t, http.StatusOK, code, res.Meta.Message)
	account := decode[types.ConnectedAccount](t, res)

	code, res = s.do(http.MethodPost, "/api/v1/accounts/"+account.ID+"/sources", token, map[string]any{
		"kind":         types.ITEM_CODE_REPO,
		"name":         "demo",
		"external_ref": dir,
	})
	require.Equal(t, http.StatusOK, code, res.Meta.Message)

	code, res = s.do(http.MethodPost, "/api/v1/sync", token, map[string]any{"account_id": account.ID})
	require.Equal(t, http.StatusOK, code, res.Meta.Message)
	jobID := decode[handler.StartSyncResponse](t, res).JobID
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		job, err := s.core.Syncer().Status(context.Background(), "tenant-a", jobID)
		return err == nil && job.Status == types.JOB_COMPLETED
	}, 10*time.Second, 20*time.Millisecond)

	code, res = s.do(http.MethodGet, "/api/v1/sync/"+jobID, token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, types.JOB_COMPLETED, decode[types.SyncJob](t, res).Status)

	code, res = s.do(http.MethodPost, "/api/v1/query", token, map[string]any{"query": "greet", "strategy": types.STRATEGY_VECTOR})
	require.Equal(t, http.StatusOK, code, res.Meta.Message)
	answer := decode[types.ContextResponse](t, res)
	require.NotEmpty(t, answer.Blocks)
	assert.Contains(t, answer.Blocks[0].Content, "greet")

	code, res = s.do(http.MethodGet, "/api/v1/accounts/"+account.ID+"/sync", token, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]*types.SyncJob](t, res), 1)

	t.Run("other tenant", func(t *testing.T) {
		other := s.token("tenant-b")
		code, res := s.do(http.MethodGet, "/api/v1/sync/"+jobID, other, nil)
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "not_found", res.Meta.Kind)

		code, _ = s.do(http.MethodPost, "/api/v1/webhooks/"+account.ID, other, map[string]any{"event": "push"})
		assert.Equal(t, http.StatusNotFound, code)
	})

	t.Run("bad request", func(t *testing.T) {
		code, res := s.do(http.MethodPost, "/api/v1/query", token, map[string]any{})
		assert.Equal(t, http.StatusBadRequest, code)
		assert.Equal(t, "invalid", res.Meta.Kind)
	})

	t.Run("disconnect", func(t *testing.T) {
		code, _ := s.do(http.MethodDelete, "/api/v1/accounts/"+account.ID, token, nil)
		require.Equal(t, http.StatusOK, code)

		code, res := s.do(http.MethodPost, "/api/v1/query", token, map[string]any{"query": "greet", "strategy": types.STRATEGY_VECTOR})
		require.Equal(t, http.StatusOK, code)
		assert.Empty(t, decode[types.ContextResponse](t, res).Blocks)
	})
}

func TestRobotQueryWithoutScope(t *testing.T) {
	s := newTestServer(t)
	code, res := s.do(http.MethodPost, "/api/v1/robots/robot-1/query", s.token("tenant-a"), map[string]any{
		"query":    "status",
		"strategy": types.STRATEGY_VECTOR,
	})
	// tokens without a robots claim may query any robot of their tenant
	assert.Equal(t, http.StatusOK, code, res.Meta.Message)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/api/v1/sync", "", nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "conhub_core_api_error")
}
