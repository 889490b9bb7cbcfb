package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RehabSessionHub/api/handlers"
	"RehabSessionHub/internal/module"
	"RehabSessionHub/internal/session"
	"RehabSessionHub/internal/testutil"
)

type stack struct {
	srv    *httptest.Server
	coord  *session.Coordinator
	stream *SessionStream
}

func newStack(t *testing.T) *stack {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := testutil.NewMemoryStore()
	coord := testutil.NewCoordinator(t, store)
	registry := module.DefaultRegistry()

	stream := NewSessionStream(coord)
	go stream.Run(ctx)

	api := NewAPIServer(Config{EngineSecret: testutil.EngineSecret}, Routes{
		Engine:        handlers.NewEngineHandler(coord),
		Dashboard:     handlers.NewDashboardHandler(coord, session.NewHistory(store, store, registry), registry),
		System:        handlers.NewSystemHandler("memory", nil, coord, map[string]handlers.ClientCounter{"session": stream}),
		SessionStream: stream,
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &stack{srv: srv, coord: coord, stream: stream}
}

func (s *stack) request(t *testing.T, method, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, s.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestEngineRoutesRequireSecret(t *testing.T) {
	s := newStack(t)

	resp := s.request(t, http.MethodGet, "/api/v1/engine/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/api/v1/engine/session", "", map[string]string{HeaderEngineSecret: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/api/v1/engine/session", "", map[string]string{HeaderEngineSecret: testutil.EngineSecret})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDashboardRoutesRequireUser(t *testing.T) {
	s := newStack(t)

	resp := s.request(t, http.MethodGet, "/api/v1/dashboard/session", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = s.request(t, http.MethodGet, "/api/v1/dashboard/session", "", map[string]string{HeaderUserID: testutil.ClinicianID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	s := newStack(t)

	resp := s.request(t, http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health handlers.HealthCheck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "healthy", health.Checks["store"])
}

func TestCORSPreflight(t *testing.T) {
	s := newStack(t)

	resp := s.request(t, http.MethodOptions, "/api/v1/dashboard/sessions", "", map[string]string{
		"Origin":                         "http://dashboard.local",
		"Access-Control-Request-Method":  http.MethodPost,
		"Access-Control-Request-Headers": HeaderUserID,
	})
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSessionStreamPushesTransitions(t *testing.T) {
	s := newStack(t)
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/api/v1/ws/session"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(url+"?user_id="+testutil.ClinicianID, nil)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	var snapshot session.Event
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, session.EventSnapshot, snapshot.Type)
	assert.Nil(t, snapshot.Session)

	require.Eventually(t, func() bool { return s.stream.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	body := fmt.Sprintf(`{"module":"GAME2","patient":{"name":"Ravi","ailment":"frozen shoulder"},"params":%s}`, testutil.GrabParamsJSON)
	created := s.request(t, http.MethodPost, "/api/v1/dashboard/sessions", body, map[string]string{HeaderUserID: testutil.ClinicianID})
	require.Equal(t, http.StatusCreated, created.StatusCode)

	var msg struct {
		Type    session.EventType `json:"type"`
		Session struct {
			ID     string `json:"id"`
			Module string `json:"module"`
		} `json:"session"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, session.EventCreated, msg.Type)
	assert.Equal(t, "GAME2", msg.Session.Module)

	current, ok := s.coord.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, current.ID, msg.Session.ID)
}
