package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/insight-technology/restful-functions/internal/engine"
)

func getHealth(t *testing.T, url string) (int, healthResponse) {
	t.Helper()
	resp, err := http.Get(url + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var body healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp.StatusCode, body
}

func TestHealthzReportsFunctionsAndRunningTasks(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/wait", `{}`)
	resp.Body.Close()

	status, body := getHealth(t, ts.URL)
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if body.Status != healthOK {
		t.Errorf("status field = %q, want %q", body.Status, healthOK)
	}
	if body.Functions != len(srv.engine.Registry().List()) {
		t.Errorf("functions = %d, want %d", body.Functions, len(srv.engine.Registry().List()))
	}
	if body.RunningTasks != 1 {
		t.Errorf("running_tasks = %d, want 1", body.RunningTasks)
	}
}

func TestHealthzDrainingAfterShutdown(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	if err := srv.engine.Shutdown(context.Background(), engine.ShutdownTerminate); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	status, body := getHealth(t, ts.URL)
	if status != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", status)
	}
	if body.Status != healthDraining {
		t.Errorf("status field = %q, want %q", body.Status, healthDraining)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	http.Get(ts.URL + "/healthz")

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	body := string(bodyBytes)
	for _, name := range []string{
		"rf_http_requests_total",
		"rf_http_request_duration_seconds",
		"rf_http_requests_in_flight",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

// routesRecorded returns the route labels seen on rf_http_requests_total.
func routesRecorded(t *testing.T) map[string]bool {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var family *dto.MetricFamily
	for _, fam := range families {
		if fam.GetName() == "rf_http_requests_total" {
			family = fam
			break
		}
	}
	if family == nil {
		t.Fatal("rf_http_requests_total not registered")
	}

	routes := make(map[string]bool)
	for _, m := range family.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == "route" {
				routes[lp.GetValue()] = true
			}
		}
	}
	return routes
}

func TestMetricsLabelByRoutePattern(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/task/info/01ROUTELABELTEST")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()

	resp = postJSON(t, ts.URL+"/addition", `{"x": 1, "y": 2}`)
	resp.Body.Close()

	routes := routesRecorded(t)
	for _, want := range []string{"/task/info/{task_id}", "/{function}"} {
		if !routes[want] {
			t.Errorf("route %q not recorded; have %v", want, routes)
		}
	}
	if routes["/task/info/01ROUTELABELTEST"] {
		t.Error("raw path recorded as route label")
	}
}
