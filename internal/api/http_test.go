package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/sentinel/internal/model"
	"github.com/sentinelops/sentinel/internal/store"
)

type fakeResponder struct {
	result   string
	reverted []model.ResponseAction
}

func (f *fakeResponder) Revert(action model.ResponseAction) string {
	f.reverted = append(f.reverted, action)
	return f.result
}

type fakeStats map[string]interface{}

func (f fakeStats) Stats() map[string]interface{} { return f }

func newTestServer(t *testing.T, st *store.MemoryStore, responder Responder, agent StatsSource) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := httptest.NewServer(NewServer(st, responder, agent, logger).Router())
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestServer_Health(t *testing.T) {
	srv := newTestServer(t, store.NewMemoryStore(10, 10, 10), &fakeResponder{}, nil)

	var body map[string]string
	resp := getJSON(t, srv.URL+"/healthz", &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestServer_ListAlertsEmpty(t *testing.T) {
	srv := newTestServer(t, store.NewMemoryStore(10, 10, 10), &fakeResponder{}, nil)

	var alerts []model.Alert
	resp := getJSON(t, srv.URL+"/api/alerts", &alerts)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
}

func TestServer_ListAlertsPaged(t *testing.T) {
	st := store.NewMemoryStore(100, 100, 100)
	for i := 0; i < 10; i++ {
		st.AddAlert(model.Alert{ID: fmt.Sprintf("a%d", i), Severity: model.SeverityLow})
	}
	srv := newTestServer(t, st, &fakeResponder{}, nil)

	var alerts []model.Alert
	getJSON(t, srv.URL+"/api/alerts?offset=2&limit=3", &alerts)
	require.Len(t, alerts, 3)
	assert.Equal(t, "a2", alerts[0].ID)
	assert.Equal(t, "a4", alerts[2].ID)
}

func TestServer_ListInvestigations(t *testing.T) {
	st := store.NewMemoryStore(100, 100, 100)
	st.AddInvestigation(model.InvestigationReport{AlertID: "a1", Verdict: model.VerdictMalicious, RiskScore: 0.9})
	srv := newTestServer(t, st, &fakeResponder{}, nil)

	var reports []model.InvestigationReport
	getJSON(t, srv.URL+"/api/investigations", &reports)
	require.Len(t, reports, 1)
	assert.Equal(t, model.VerdictMalicious, reports[0].Verdict)
}

func TestServer_ListActions(t *testing.T) {
	st := store.NewMemoryStore(100, 100, 100)
	st.AddAction(model.ResponseAction{ActionID: "x1", ActionType: model.ActionBlockIP, Target: "203.0.113.7"})
	srv := newTestServer(t, st, &fakeResponder{}, nil)

	var actions []model.ResponseAction
	getJSON(t, srv.URL+"/api/actions", &actions)
	require.Len(t, actions, 1)
	assert.Equal(t, model.ActionBlockIP, actions[0].ActionType)
}

func TestServer_Revert(t *testing.T) {
	st := store.NewMemoryStore(100, 100, 100)
	st.AddAction(model.ResponseAction{ActionID: "x1", ActionType: model.ActionBlockIP, Target: "203.0.113.7"})
	responder := &fakeResponder{result: "reverted"}
	srv := newTestServer(t, st, responder, nil)

	resp, err := http.Post(srv.URL+"/api/actions/x1/revert", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "reverted", body["result"])
	require.Len(t, responder.reverted, 1)
	assert.Equal(t, "203.0.113.7", responder.reverted[0].Target)

	found, ok := st.FindAction("x1")
	require.True(t, ok)
	assert.True(t, found.Reverted)
}

func TestServer_RevertNoopLeavesRecord(t *testing.T) {
	st := store.NewMemoryStore(100, 100, 100)
	st.AddAction(model.ResponseAction{ActionID: "x1", ActionType: model.ActionMonitor})
	srv := newTestServer(t, st, &fakeResponder{result: "noop"}, nil)

	resp, err := http.Post(srv.URL+"/api/actions/x1/revert", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	found, _ := st.FindAction("x1")
	assert.False(t, found.Reverted)
}

func TestServer_RevertUnknownAction(t *testing.T) {
	srv := newTestServer(t, store.NewMemoryStore(10, 10, 10), &fakeResponder{result: "reverted"}, nil)

	resp, err := http.Post(srv.URL+"/api/actions/missing/revert", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_RevertRequiresPost(t *testing.T) {
	srv := newTestServer(t, store.NewMemoryStore(10, 10, 10), &fakeResponder{}, nil)

	resp, err := http.Get(srv.URL + "/api/actions/x1/revert")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServer_Stats(t *testing.T) {
	st := store.NewMemoryStore(100, 100, 100)
	st.AddAlert(model.Alert{ID: "a1", Severity: model.SeverityHigh})
	srv := newTestServer(t, st, &fakeResponder{}, fakeStats{"states_learned": 3})

	var body map[string]interface{}
	getJSON(t, srv.URL+"/api/stats", &body)

	counts, ok := body["counts"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 1, counts["alerts"])

	agent, ok := body["policy_agent"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 3, agent["states_learned"])
}

func TestServer_StatsWithoutAgent(t *testing.T) {
	srv := newTestServer(t, store.NewMemoryStore(10, 10, 10), &fakeResponder{}, nil)

	var body map[string]interface{}
	getJSON(t, srv.URL+"/api/stats", &body)
	_, hasAgent := body["policy_agent"]
	assert.False(t, hasAgent)
}
