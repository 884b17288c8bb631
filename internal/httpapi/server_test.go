package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tanglab/llamabroker/internal/observability"
	"github.com/tanglab/llamabroker/internal/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *session.Store, *observability.Metrics) {
	t.Helper()
	store := session.NewStore()
	metrics := observability.NewMetrics(prometheus.NewRegistry(), "test")
	srv := httptest.NewServer(New(store, metrics).Router())
	t.Cleanup(srv.Close)
	return srv, store, metrics
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var body map[string]string
	if code := getJSON(t, srv.URL+"/healthz", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestStatsSnapshot(t *testing.T) {
	srv, _, metrics := newTestServer(t)
	metrics.RecordOutcome(observability.OutcomeCompleted, 40*time.Millisecond)
	metrics.RecordOutcome(observability.OutcomeFailed, 10*time.Millisecond)

	var snap observability.Snapshot
	if code := getJSON(t, srv.URL+"/v1/stats", &snap); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if snap.Processed != 2 {
		t.Fatalf("Processed = %d, want 2", snap.Processed)
	}
	if snap.Errors != 1 {
		t.Fatalf("Errors = %d, want 1", snap.Errors)
	}
	if snap.AvgLatencyMs <= 0 {
		t.Fatalf("AvgLatencyMs = %v, want positive", snap.AvgLatencyMs)
	}
}

func TestListSessions(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.GetOrCreate("s1", "p")
	store.GetOrCreate("s2", "p")
	store.Acquire("s2")

	var body struct {
		Count    int      `json:"count"`
		InFlight int      `json:"in_flight"`
		Sessions []string `json:"sessions"`
	}
	if code := getJSON(t, srv.URL+"/v1/sessions", &body); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if body.Count != 2 || len(body.Sessions) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.InFlight != 1 {
		t.Fatalf("InFlight = %d, want 1", body.InFlight)
	}
}

func TestGetSession(t *testing.T) {
	srv, store, _ := newTestServer(t)
	store.GetOrCreate("s1", "prompt")

	var sess session.Session
	if code := getJSON(t, srv.URL+"/v1/sessions/s1", &sess); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if sess.Key != "s1" || sess.SystemPrompt != "prompt" {
		t.Fatalf("session = %+v", sess)
	}

	if code := getJSON(t, srv.URL+"/v1/sessions/ghost", nil); code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", code)
	}
}
