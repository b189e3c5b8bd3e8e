package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/styxy-dev/styxy/internal/allocator"
	"github.com/styxy-dev/styxy/internal/autoalloc"
	"github.com/styxy-dev/styxy/internal/catalogue"
	"github.com/styxy-dev/styxy/internal/eventring"
	"github.com/styxy-dev/styxy/internal/instance"
	"github.com/styxy-dev/styxy/internal/model"
	"github.com/styxy-dev/styxy/internal/observeq"
	"github.com/styxy-dev/styxy/internal/prober"
	"github.com/styxy-dev/styxy/internal/reaper"
	"github.com/styxy-dev/styxy/internal/registry"
	"github.com/styxy-dev/styxy/internal/userconfig"
)

func newTestServer(t *testing.T, token string) (*httptest.Server, *http.Client) {
	t.Helper()

	dir := t.TempDir()
	uc := userconfig.New(filepath.Join(dir, "config.json"), "")
	cat := catalogue.New(uc)
	if err := cat.Load(); err != nil {
		t.Fatalf("catalogue.Load: %v", err)
	}

	reg := registry.New()
	p := prober.New()
	auto := autoalloc.New(uc, cat, func() model.AutoAllocationConfig {
		return model.AutoAllocationConfig{Enabled: false}
	}, nil)
	alloc := allocator.New(cat, reg, p, auto)

	reap := reaper.New(reaper.Config{CleanupStale: false}, reg, p, nil)
	obs := observeq.New(cat, reg, p)
	instances := instance.New(0)
	events := eventring.New(10)

	srv := New(Deps{
		Allocator:  alloc,
		Registry:   reg,
		Prober:     p,
		Catalogue:  cat,
		UserConfig: uc,
		Instances:  instances,
		Observer:   obs,
		Reaper:     reap,
		Events:     events,
		Token:      token,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ts.Client()
}

func TestHealthEndpointNoAuthRequired(t *testing.T) {
	ts, client := newTestServer(t, "secret-token")

	resp, err := client.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestAllocateAndCheck(t *testing.T) {
	ts, client := newTestServer(t, "")

	body, _ := json.Marshal(map[string]any{
		"service_type": "dev",
		"instance_id":  "test-instance",
	})
	resp, err := client.Post(ts.URL+"/allocate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /allocate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var allocated map[string]any
	json.NewDecoder(resp.Body).Decode(&allocated)
	if allocated["success"] != true {
		t.Fatalf("expected success=true, got %+v", allocated)
	}

	port := int(allocated["port"].(float64))
	checkResp, err := client.Get(fmt.Sprintf("%s/check/%d", ts.URL, port))
	if err != nil {
		t.Fatalf("GET /check: %v", err)
	}
	defer checkResp.Body.Close()

	var check map[string]any
	json.NewDecoder(checkResp.Body).Decode(&check)
	if check["available"] != false {
		t.Errorf("expected allocated port to be unavailable, got %+v", check)
	}
}

func TestAllocateUnknownServiceTypeWithoutAutoAllocationFails(t *testing.T) {
	ts, client := newTestServer(t, "")

	body, _ := json.Marshal(map[string]any{
		"service_type": "does-not-exist",
		"instance_id":  "test-instance",
	})
	resp, err := client.Post(ts.URL+"/allocate", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /allocate: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}

	var errBody map[string]any
	json.NewDecoder(resp.Body).Decode(&errBody)
	if errBody["errorKind"] != "unknownServiceType" {
		t.Errorf("expected errorKind unknownServiceType, got %+v", errBody)
	}
}

func TestReleaseUnknownLockIDReturns404(t *testing.T) {
	ts, client := newTestServer(t, "")

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/allocate/nonexistent", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("DELETE /allocate/{lockId}: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	ts, client := newTestServer(t, "secret-token")

	resp, err := client.Get(ts.URL + "/allocations")
	if err != nil {
		t.Fatalf("GET /allocations: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/allocations", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, _ := client.Do(req)
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", resp2.StatusCode)
	}

	req2, _ := http.NewRequest(http.MethodGet, ts.URL+"/allocations", nil)
	req2.Header.Set("Authorization", "Bearer secret-token")
	resp3, err := client.Do(req2)
	if err != nil {
		t.Fatalf("GET with correct token: %v", err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Errorf("expected 200 with correct token, got %d", resp3.StatusCode)
	}
}

func TestInstanceRegisterAndHeartbeat(t *testing.T) {
	ts, client := newTestServer(t, "")

	body, _ := json.Marshal(map[string]any{"instance_id": "editor-1"})
	resp, err := client.Post(ts.URL+"/instance/register", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /instance/register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/instance/editor-1/heartbeat", nil)
	hbResp, err := client.Do(req)
	if err != nil {
		t.Fatalf("PUT heartbeat: %v", err)
	}
	defer hbResp.Body.Close()
	if hbResp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", hbResp.StatusCode)
	}
}

func TestSuggestReturnsAvailablePort(t *testing.T) {
	ts, client := newTestServer(t, "")

	resp, err := client.Get(ts.URL + "/suggest/dev?count=1")
	if err != nil {
		t.Fatalf("GET /suggest/dev: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	json.NewDecoder(resp.Body).Decode(&body)
	ports, ok := body["ports"].([]any)
	if !ok || len(ports) == 0 {
		t.Fatalf("expected at least one suggested port, got %+v", body)
	}
}

func TestScanRejectsInvalidRange(t *testing.T) {
	ts, client := newTestServer(t, "")

	resp, err := client.Get(ts.URL + "/scan?start=100&end=50")
	if err != nil {
		t.Fatalf("GET /scan: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for descending range, got %d", resp.StatusCode)
	}
}

func TestCleanupWithoutForceRunsOneSweep(t *testing.T) {
	ts, client := newTestServer(t, "")

	resp, err := client.Post(ts.URL+"/cleanup", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /cleanup: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusReportsCounts(t *testing.T) {
	ts, client := newTestServer(t, "")

	resp, err := client.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var status map[string]any
	json.NewDecoder(resp.Body).Decode(&status)
	if _, ok := status["allocation_count"]; !ok {
		t.Errorf("expected allocation_count field, got %+v", status)
	}
}
