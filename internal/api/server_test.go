package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/agentlab/internal/agentclient"
	"github.com/xela07ax/agentlab/internal/dialog"
	"github.com/xela07ax/agentlab/internal/domain"
	"github.com/xela07ax/agentlab/internal/infra"
	"github.com/xela07ax/agentlab/internal/infra/auth"
	"github.com/xela07ax/agentlab/internal/nlu"
	"github.com/xela07ax/agentlab/internal/orchestrator"
	"github.com/xela07ax/agentlab/internal/registry"
	"github.com/xela07ax/agentlab/internal/supervisor"
	"github.com/xela07ax/agentlab/internal/workspace"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

// echoAgent — агент, который всегда жив и здоровается.
type echoAgent struct {
	mu      sync.Mutex
	stopped bool
}

func (a *echoAgent) Health(context.Context, int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.stopped
}

func (a *echoAgent) SendMessage(_ context.Context, port int, text, _ string) *agentclient.MessageResult {
	return &agentclient.MessageResult{
		Success:        true,
		Port:           port,
		Replies:        []string{"Здравствуйте!"},
		Classification: agentclient.Classify(text),
	}
}

func (a *echoAgent) Stop(_ context.Context, port int) *agentclient.StopResult {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
	return &agentclient.StopResult{Success: true, Port: port, Method: "signal", Reason: "terminated 1 process(es)"}
}

func (a *echoAgent) Forget(int) {}

type syncSink struct {
	store dialog.Store
}

func (s syncSink) Log(e domain.DialogEntry) {
	_ = s.store.WriteBatch(context.Background(), []domain.DialogEntry{e})
}

func newService(t *testing.T) *orchestrator.Service {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	fs := afero.NewBasePathFs(afero.NewOsFs(), filepath.Join(dir, "fs"))
	tpl := map[string]string{
		workspace.ConfigFile:  "language: ru\n",
		workspace.DomainFile:  "version: \"3.1\"\nintents:\n  - greet\n",
		workspace.NLUFile:     "version: \"3.1\"\nnlu:\n- intent: greet\n  examples: |\n    - привет\n    - здравствуйте\n",
		workspace.StoriesFile: "stories: []\n",
	}
	for rel, body := range tpl {
		p := filepath.Join("/templates/faq_agent", rel)
		require.NoError(t, fs.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, afero.WriteFile(fs, p, []byte(body), 0o644))
	}
	ws := workspace.NewProvisioner(fs, "/agents", "/templates", map[string]string{"faq": "faq_agent"}, logger)

	reg := registry.New(
		registry.NewFileStore(filepath.Join(dir, "agents_state.json")),
		registry.NewPortAllocatorWithCheck(func(int) bool { return true }),
		ws,
		registry.Options{PortLower: 5005, PortUpper: 6000},
		logger,
	)
	require.NoError(t, reg.Load())

	sup := supervisor.New(supervisor.Config{
		Backend:        supervisor.BackendSimulated,
		SimulatedDelay: 100 * time.Millisecond,
	}, reg, ws, nil, logger)
	t.Cleanup(func() { _ = sup.Close(context.Background()) })

	store, err := dialog.Open(context.Background(), "sqlite", filepath.Join(dir, "dialogs.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return orchestrator.NewService(orchestrator.Deps{
		Registry: reg,
		Trainer:  sup,
		Client:   &echoAgent{},
		NLU:      nlu.NewCodec(fs, logger),
		Sink:     syncSink{store: store},
		Log:      store,
	}, logger)
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestServer_Health(t *testing.T) {
	srv := NewServer(newService(t), Options{}, zaptest.NewLogger(t))
	rec := do(t, srv, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(infra.TraceHeader))
}

func TestServer_AgentLifecycle(t *testing.T) {
	srv := NewServer(newService(t), Options{}, zaptest.NewLogger(t))

	rec := do(t, srv, http.MethodPost, "/api/agents", domain.CreateAgentRequest{Name: "Support", Type: domain.AgentTypeFAQ}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	a := decode[domain.Agent](t, rec)
	assert.Equal(t, int64(1), a.ID)
	assert.Equal(t, domain.StatusReady, a.Status)

	rec = do(t, srv, http.MethodGet, "/api/agents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]domain.Agent](t, rec), 1)

	rec = do(t, srv, http.MethodGet, "/api/agents/1", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/42", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[errorBody](t, rec).Error)

	rec = do(t, srv, http.MethodGet, "/api/agents/abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/agents", domain.CreateAgentRequest{Name: "", Type: domain.AgentTypeFAQ}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/agents", bytes.NewBufferString("{not json"))
	bad := httptest.NewRecorder()
	srv.ServeHTTP(bad, req)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	// Обучение
	rec = do(t, srv, http.MethodPost, "/api/agents/1/train", nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = do(t, srv, http.MethodPost, "/api/agents/1/train", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.Eventually(t, func() bool {
		rec := do(t, srv, http.MethodGet, "/api/agents/1/training", nil, "")
		return decode[supervisor.Job](t, rec).State == supervisor.JobSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[orchestrator.HealthStatus](t, rec).Alive)

	// Остановка и удаление
	rec = do(t, srv, http.MethodPost, "/api/agents/1/stop", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	stop := decode[map[string]interface{}](t, rec)
	assert.Equal(t, true, stop["success"])

	rec = do(t, srv, http.MethodDelete, "/api/agents/1", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodDelete, "/api/agents/1", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_MessagesAndLogs(t *testing.T) {
	srv := NewServer(newService(t), Options{}, zaptest.NewLogger(t))
	rec := do(t, srv, http.MethodPost, "/api/agents", domain.CreateAgentRequest{Name: "Support", Type: domain.AgentTypeFAQ}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, http.MethodPost, "/api/agents/1/message", orchestrator.MessageRequest{Message: "привет"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	msg := decode[orchestrator.MessageResponse](t, rec)
	assert.True(t, msg.Success)
	assert.Equal(t, []string{"Здравствуйте!"}, msg.Response)
	assert.Equal(t, "greet", msg.Intent)
	assert.NotEmpty(t, msg.TraceID)

	rec = do(t, srv, http.MethodPost, "/api/agents/1/message", orchestrator.MessageRequest{Message: "  "}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/logs?limit=10", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]domain.DialogEntry](t, rec)
	require.Len(t, logs, 1)
	assert.Equal(t, msg.LogID, logs[0].ID)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/logs?limit=-1", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/logs/"+msg.LogID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodGet, "/api/agents/1/logs/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/logs/statistics", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[orchestrator.LogStats](t, rec).TotalDialogs)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/logs/intents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"greet"}, decode[orchestrator.LogIntents](t, rec).Intents)

	rec = do(t, srv, http.MethodDelete, "/api/agents/1/logs", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]interface{}](t, rec)["deleted"])
}

func TestServer_Intents(t *testing.T) {
	srv := NewServer(newService(t), Options{}, zaptest.NewLogger(t))
	rec := do(t, srv, http.MethodPost, "/api/agents", domain.CreateAgentRequest{Name: "Support", Type: domain.AgentTypeFAQ}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/intents", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]nlu.Intent](t, rec), 1)

	in := nlu.Intent{Name: "faq_delivery", Examples: []nlu.Example{
		nlu.ParseExample("когда доставка"),
		nlu.ParseExample("доставка в [Москву](city)"),
	}}
	rec = do(t, srv, http.MethodPost, "/api/agents/1/intents", in, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodPost, "/api/agents/1/intents", in, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/1", nil, "")
	assert.True(t, decode[domain.Agent](t, rec).RequiresTraining)

	in.Name = "faq_shipping"
	rec = do(t, srv, http.MethodPut, "/api/agents/1/intents/faq_delivery", in, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, srv, http.MethodDelete, "/api/agents/1/intents/faq_delivery", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, srv, http.MethodDelete, "/api/agents/1/intents/faq_shipping", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/nlu", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	data := decode[nlu.Data](t, rec)
	assert.Equal(t, []string{"greet"}, data.IntentNames())

	rec = do(t, srv, http.MethodPut, "/api/agents/1/nlu", map[string]interface{}{"nlu_data": data}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[orchestrator.NLUUpdateResult](t, rec).IntentsCount)

	rec = do(t, srv, http.MethodPut, "/api/agents/1/nlu", map[string]interface{}{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Entities(t *testing.T) {
	srv := NewServer(newService(t), Options{}, zaptest.NewLogger(t))
	rec := do(t, srv, http.MethodPost, "/api/agents", domain.CreateAgentRequest{Name: "Support", Type: domain.AgentTypeFAQ}, "")
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/entities", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]nlu.Entity](t, rec))

	city := nlu.Entity{Name: "city", Examples: []string{"Москва", "Казань"}}
	rec = do(t, srv, http.MethodPost, "/api/agents/1/entities", city, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = do(t, srv, http.MethodPost, "/api/agents/1/entities", city, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "entity names are unique")

	rec = do(t, srv, http.MethodGet, "/api/agents/1", nil, "")
	assert.True(t, decode[domain.Agent](t, rec).RequiresTraining)

	city.Examples = append(city.Examples, "Самара")
	rec = do(t, srv, http.MethodPut, "/api/agents/1/entities/city", city, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, srv, http.MethodPut, "/api/agents/1/entities/region", city, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, srv, http.MethodGet, "/api/agents/1/entities", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[[]nlu.Entity](t, rec)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"Москва", "Казань", "Самара"}, got[0].Examples)

	rec = do(t, srv, http.MethodDelete, "/api/agents/1/entities/city", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, srv, http.MethodDelete, "/api/agents/1/entities/city", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Auth(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	iss := auth.NewIssuer([]domain.Operator{
		{Username: "admin", PasswordHash: string(hash), Scopes: []string{domain.ScopeAgentsRead, domain.ScopeAgentsWrite}},
		{Username: "viewer", PasswordHash: string(hash), Scopes: []string{domain.ScopeAgentsRead}},
	}, key, time.Hour)

	srv := NewServer(newService(t), Options{
		Validator: auth.NewValidator(&key.PublicKey),
		Issuer:    iss,
	}, zaptest.NewLogger(t))

	login := func(user, pass string) (int, string) {
		rec := do(t, srv, http.MethodPost, "/auth/token", domain.LoginRequest{Username: user, Password: pass}, "")
		if rec.Code != http.StatusOK {
			return rec.Code, ""
		}
		return rec.Code, decode[domain.TokenResponse](t, rec).AccessToken
	}

	code, _ := login("admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	_, admin := login("admin", "secret")
	_, viewer := login("viewer", "secret")
	require.NotEmpty(t, admin)
	require.NotEmpty(t, viewer)

	create := domain.CreateAgentRequest{Name: "Support", Type: domain.AgentTypeFAQ}
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/api/agents", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, srv, http.MethodGet, "/api/agents", nil, "garbage").Code)
	assert.Equal(t, http.StatusForbidden, do(t, srv, http.MethodPost, "/api/agents", create, viewer).Code)
	assert.Equal(t, http.StatusCreated, do(t, srv, http.MethodPost, "/api/agents", create, admin).Code)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/api/agents/1", nil, viewer).Code)

	// health остается публичным
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/health", nil, "").Code)
}
