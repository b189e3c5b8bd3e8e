package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/styxy-dev/styxy/internal/model"
)

func writeConfig(t *testing.T, stateDir string, doc model.AutoAllocationConfig) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"auto_allocation": doc})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "config.json"), data, 0600); err != nil {
		t.Fatal(err)
	}
}

func newTestDaemon(t *testing.T) (*Daemon, *httptest.Server, *http.Client) {
	t.Helper()

	stateDir := t.TempDir()
	d, err := New(Config{StateDir: stateDir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d.recovery.Run(ctx)

	ts := httptest.NewServer(d.Handler())
	t.Cleanup(ts.Close)

	return d, ts, ts.Client()
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) map[string]any {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	out["_status"] = resp.StatusCode
	return out
}

// S1 — Preferred port is free.
func TestScenarioPreferredPortFree(t *testing.T) {
	_, ts, client := newTestDaemon(t)

	res := doJSON(t, client, http.MethodPost, ts.URL+"/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "i1",
	})
	if res["port"] != float64(3000) {
		t.Fatalf("expected port 3000, got %+v", res)
	}

	check := doJSON(t, client, http.MethodGet, ts.URL+"/check/3000", nil)
	if check["available"] != false {
		t.Errorf("expected port 3000 to be unavailable after allocation, got %+v", check)
	}
}

// S2 — Preferred port externally held.
func TestScenarioPreferredPortExternallyHeld(t *testing.T) {
	_, ts, client := newTestDaemon(t)

	ln, err := net.Listen("tcp", "127.0.0.1:3000")
	if err != nil {
		t.Skipf("port 3000 unavailable in this environment: %v", err)
	}
	defer ln.Close()

	res := doJSON(t, client, http.MethodPost, ts.URL+"/allocate", map[string]any{
		"service_type": "dev",
		"instance_id":  "i1",
	})
	if res["port"] != float64(3001) {
		t.Fatalf("expected fallback to port 3001, got %+v", res)
	}
}

// S3 — Singleton reuse.
func TestScenarioSingletonReuse(t *testing.T) {
	_, ts, client := newTestDaemon(t)

	first := doJSON(t, client, http.MethodPost, ts.URL+"/allocate", map[string]any{
		"service_type": "ai",
		"instance_id":  "iA",
	})
	if first["port"] != float64(11430) {
		t.Fatalf("expected port 11430, got %+v", first)
	}

	second := doJSON(t, client, http.MethodPost, ts.URL+"/allocate", map[string]any{
		"service_type": "ai",
		"instance_id":  "iB",
	})
	if second["port"] != float64(11430) || second["existing"] != true {
		t.Fatalf("expected existing reuse of port 11430, got %+v", second)
	}
	if second["lock_id"] != first["lock_id"] {
		t.Fatalf("expected same lock id, got %+v vs %+v", first, second)
	}

	lockID := first["lock_id"].(string)
	release := doJSON(t, client, http.MethodDelete, ts.URL+"/allocate/"+lockID, nil)
	if release["success"] != true {
		t.Fatalf("expected first release to succeed, got %+v", release)
	}

	again := doJSON(t, client, http.MethodDelete, ts.URL+"/allocate/"+lockID, nil)
	if again["errorKind"] != "lockNotFound" {
		t.Fatalf("expected lockNotFound on second release, got %+v", again)
	}
}

// S4 — Auto-allocation path.
func TestScenarioAutoAllocation(t *testing.T) {
	stateDir := t.TempDir()
	writeConfig(t, stateDir, model.AutoAllocationConfig{
		Enabled:          true,
		Placement:        model.PlacementAfter,
		DefaultChunkSize: 10,
		GapSize:          10,
		MinPort:          1024,
		MaxPort:          65535,
	})

	d, err := New(Config{StateDir: stateDir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(d.Handler())
	t.Cleanup(ts.Close)
	client := ts.Client()

	res := doJSON(t, client, http.MethodPost, ts.URL+"/allocate", map[string]any{
		"service_type": "grafana",
		"instance_id":  "i1",
	})
	if res["port"] != float64(11510) {
		t.Fatalf("expected auto-allocated port 11510, got %+v", res)
	}
	if res["auto_allocated"] != true {
		t.Errorf("expected auto_allocated=true, got %+v", res)
	}

	st, ok := d.catalogue.Get("grafana")
	if !ok || st.Range.Lo != 11510 || st.Range.Hi != 11519 {
		t.Fatalf("expected catalogue range [11510,11519] for grafana, got %+v (ok=%v)", st, ok)
	}
}

// S5 — Concurrent singleton races.
func TestScenarioConcurrentSingletonRace(t *testing.T) {
	_, ts, client := newTestDaemon(t)

	var wg sync.WaitGroup
	results := make([]map[string]any, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = doJSON(t, client, http.MethodPost, ts.URL+"/allocate", map[string]any{
				"service_type": "ai",
				"instance_id":  "i" + strconv.Itoa(i),
			})
		}(i)
	}
	wg.Wait()

	ports := map[float64]bool{}
	existingCount := 0
	for _, r := range results {
		ports[r["port"].(float64)] = true
		if r["existing"] == true {
			existingCount++
		}
	}
	if len(ports) != 1 {
		t.Fatalf("expected exactly one distinct port across 5 concurrent allocations, got %v", ports)
	}
	if existingCount != 4 {
		t.Fatalf("expected 4 existing=true responses, got %d", existingCount)
	}
}

// S7 — Startup recovery on corrupted snapshot.
func TestScenarioCorruptedSnapshotRecovery(t *testing.T) {
	stateDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(stateDir, "snapshot.json"), []byte("corrupted"), 0600); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, stateDir, model.AutoAllocationConfig{})
	// Enable backup-on-corruption explicitly, as spec.md's S7 requires.
	cfgData, _ := json.Marshal(map[string]any{
		"recovery": map[string]any{
			"system_recovery": map[string]any{"backup_corrupted_state": true},
		},
	})
	if err := os.WriteFile(filepath.Join(stateDir, "config.json"), cfgData, 0600); err != nil {
		t.Fatal(err)
	}

	d, err := New(Config{StateDir: stateDir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	report := d.recovery.Run(ctx)

	if len(report.Warnings) == 0 {
		t.Fatalf("expected a warning about auto-repaired state, got %+v", report)
	}

	matches, _ := filepath.Glob(filepath.Join(stateDir, "snapshot.json.corrupt.*"))
	if len(matches) != 1 {
		t.Fatalf("expected exactly one corrupt-snapshot backup file, got %v", matches)
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("reading backup: %v", err)
	}
	if string(data) != "corrupted" {
		t.Errorf("expected backup to preserve original bytes, got %q", data)
	}
}

func TestStartAndStopLifecycle(t *testing.T) {
	stateDir := t.TempDir()
	d, err := New(Config{StateDir: stateDir, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestNotifyMutationDebouncesSnapshotSave(t *testing.T) {
	stateDir := t.TempDir()
	d, err := New(Config{StateDir: stateDir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	d.NotifyMutation()
	d.NotifyMutation()
	d.NotifyMutation()

	time.Sleep(saveDebounce + 100*time.Millisecond)

	if _, err := os.Stat(filepath.Join(stateDir, "snapshot.json")); err != nil {
		t.Fatalf("expected snapshot.json to exist after debounce window, got: %v", err)
	}
}
