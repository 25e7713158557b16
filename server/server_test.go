package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"simbridge/broadcast"
	"simbridge/control"
	"simbridge/domain"
	"simbridge/process"
	"simbridge/remote"
	"simbridge/sim"
)

type fakeAgent struct {
	running bool
}

func (a *fakeAgent) Start() error {
	if a.running {
		return process.ErrAlreadyRunning
	}
	a.running = true
	return nil
}

func (a *fakeAgent) Stop() error {
	if !a.running {
		return process.ErrNotRunning
	}
	a.running = false
	return nil
}

func (a *fakeAgent) Running() bool { return a.running }

func newTestServer(t *testing.T, ctrl domain.ControlSource, agent AgentProcess) (*Server, *httptest.Server) {
	t.Helper()
	env, err := sim.New(sim.Config{Seed: 1})
	require.NoError(t, err)

	srv := New(env, ctrl, agent, broadcast.Config{FPS: 30, Width: broadcast.MinWidth, Height: broadcast.MinHeight, Quality: 80})
	_, err = srv.Session().Reset(domain.ResetOptions{})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return srv, ts
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp.StatusCode
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/game"
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, control.Static(false), nil)

	var body map[string]any
	status := getJSON(t, ts.URL+"/health", &body)

	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["environment_initialized"])
	assert.Equal(t, float64(0), body["connected_clients"])
}

func TestStatsCountsRoles(t *testing.T) {
	_, ts := newTestServer(t, control.Static(false), nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(domain.Inbound{Type: domain.TypeIdentify, Role: "rl_agent"}))
	var reply domain.Outbound
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, domain.TypeIdentified, reply.Type)
	assert.Equal(t, domain.RoleAgent, reply.Role)

	var stats map[string]int
	getJSON(t, ts.URL+"/stats", &stats)
	assert.Equal(t, map[string]int{"clients": 1, "operators": 0, "agents": 1}, stats)
}

func TestAgentRoutes(t *testing.T) {
	agent := &fakeAgent{}
	_, ts := newTestServer(t, control.Static(false), agent)

	steps := []struct {
		method  string
		path    string
		running bool
		message string
	}{
		{http.MethodGet, "/api/agent/status", false, ""},
		{http.MethodPost, "/api/agent/start", true, "Agent started"},
		{http.MethodPost, "/api/agent/start", true, "Agent already running"},
		{http.MethodGet, "/api/agent/status", true, ""},
		{http.MethodPost, "/api/agent/stop", false, "Agent stopped"},
		{http.MethodPost, "/api/agent/stop", false, "Agent not running"},
	}

	for _, step := range steps {
		var body agentResponse
		var status int
		if step.method == http.MethodGet {
			status = getJSON(t, ts.URL+step.path, &body)
		} else {
			status = postJSON(t, ts.URL+step.path, &body)
		}
		assert.Equal(t, http.StatusOK, status, step.path)
		assert.Equal(t, step.running, body.Running, step.path)
		assert.Equal(t, step.message, body.Message, step.path)
	}
}

func TestAgentRoutesWithoutSupervisor(t *testing.T) {
	_, ts := newTestServer(t, control.NewManual(domain.ModeOperator), nil)

	var body agentResponse
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/agent/status", &body))
	assert.False(t, body.Running)

	assert.Equal(t, http.StatusConflict, postJSON(t, ts.URL+"/api/agent/start", &body))
}

func TestRemoteEnvEndToEnd(t *testing.T) {
	_, ts := newTestServer(t, control.Static(true), nil)

	env := remote.New(wsURL(ts), remote.WithSize(72, 128), remote.WithMaxSteps(3))
	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { env.Close() })

	obs, info, err := env.Reset(remote.ResetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 72, 128}, obs.Shape())
	assert.Zero(t, info.StepCount)

	for i := 1; i <= 3; i++ {
		tr, err := env.Step(domain.RotateLeft)
		require.NoError(t, err)
		require.Empty(t, tr.Info.Error)
		assert.False(t, tr.Info.Skipped)
		assert.Equal(t, i, tr.Info.StepCount)
		assert.Equal(t, []int{3, 72, 128}, tr.Observation.Shape())
		assert.Equal(t, i == 3, tr.Truncated)
	}
}

func TestRemoteEnvSkippedUnderOperatorControl(t *testing.T) {
	_, ts := newTestServer(t, control.Static(false), nil)

	env := remote.New(wsURL(ts), remote.WithSize(36, 64))
	require.NoError(t, env.Start(context.Background()))
	t.Cleanup(func() { env.Close() })

	tr, err := env.Step(domain.MoveAhead)
	require.NoError(t, err)
	assert.True(t, tr.Info.Skipped)
	assert.Equal(t, domain.ReasonUserControl, tr.Info.Reason)
	assert.False(t, tr.Terminated)
	assert.Zero(t, tr.Info.StepCount)
}

func TestSetResolutionIsCapped(t *testing.T) {
	_, ts := newTestServer(t, control.Static(false), nil)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "set_resolution", "width": 60000, "height": 60000}))
	var reply domain.Outbound
	require.NoError(t, conn.ReadJSON(&reply))
	require.Equal(t, domain.TypeResolutionSet, reply.Type)
	assert.Equal(t, broadcast.MaxWidth, reply.Width)
	assert.Equal(t, broadcast.MaxHeight, reply.Height)
}
