// Package httpapi serves the Styxy daemon's HTTP surface (spec.md §4.9,
// §6): allocate/release, check/scan, instance registration, passive
// observation, cleanup, status/health, and config introspection. Grounded
// on the teacher's internal/api/server.go almost verbatim: bare
// http.ServeMux with Go 1.22 method+path patterns, a writeJSON helper, and
// bearer-token middleware built on crypto/subtle.ConstantTimeCompare.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/styxy-dev/styxy/internal/allocator"
	"github.com/styxy-dev/styxy/internal/allocerr"
	"github.com/styxy-dev/styxy/internal/audit"
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

// Registry is the subset of registry.Registry the HTTP surface reads.
type Registry interface {
	ListAll() []model.Allocation
	LookupByPort(port int) (model.Allocation, bool)
	Count() int
}

// Server serves the Styxy HTTP API.
type Server struct {
	allocator  *allocator.Allocator
	registry   Registry
	prober     *prober.Prober
	cat        *catalogue.Catalogue
	userConfig *userconfig.Store
	instances  *instance.Registry
	observer   *observeq.Observer
	reaper     *reaper.Reaper
	events     *eventring.Ring

	server    *http.Server
	logger    *slog.Logger
	token     string
	startedAt time.Time
}

// Deps bundles every component the HTTP surface delegates to.
type Deps struct {
	Allocator  *allocator.Allocator
	Registry   Registry
	Prober     *prober.Prober
	Catalogue  *catalogue.Catalogue
	UserConfig *userconfig.Store
	Instances  *instance.Registry
	Observer   *observeq.Observer
	Reaper     *reaper.Reaper
	Events     *eventring.Ring
	// Token is the bearer token required on every endpoint except
	// /health and /status. Empty disables auth.
	Token string
}

// New creates a Server and wires its ServeMux.
func New(d Deps) *Server {
	s := &Server{
		allocator:  d.Allocator,
		registry:   d.Registry,
		prober:     d.Prober,
		cat:        d.Catalogue,
		userConfig: d.UserConfig,
		instances:  d.Instances,
		observer:   d.Observer,
		reaper:     d.Reaper,
		events:     d.Events,
		logger:     slog.With("component", "httpapi"),
		token:      d.Token,
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /allocate", s.allocate)
	mux.HandleFunc("DELETE /allocate/{lockId}", s.release)
	mux.HandleFunc("GET /check/{port}", s.check)
	mux.HandleFunc("GET /scan", s.scan)
	mux.HandleFunc("GET /allocations", s.listAllocations)
	mux.HandleFunc("GET /instance/list", s.listInstances)
	mux.HandleFunc("POST /instance/register", s.registerInstance)
	mux.HandleFunc("PUT /instance/{id}/heartbeat", s.heartbeatInstance)
	mux.HandleFunc("GET /observe/{port}", s.observePort)
	mux.HandleFunc("GET /observe/all", s.observeAll)
	mux.HandleFunc("GET /suggest/{serviceType}", s.suggest)
	mux.HandleFunc("GET /observation-stats", s.observationStats)
	mux.HandleFunc("POST /cleanup", s.cleanup)
	mux.HandleFunc("GET /status", s.status)
	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /config", s.config)

	var handler http.Handler = mux
	if s.token != "" {
		handler = s.requireToken(mux)
	}

	s.server = &http.Server{
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

// Handler returns the server's http.Handler, for tests and for embedding
// behind another listener (e.g. httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe starts the HTTP surface on addr and blocks until it stops.
func (s *Server) ListenAndServe(addr string) error {
	s.server.Addr = addr
	s.logger.Info("HTTP API listening", "addr", addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts the HTTP surface down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// requireToken exempts /health and /status, and requires a matching bearer
// token on every other endpoint.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/status" {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		provided := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type allocateRequest struct {
	ServiceType   string `json:"service_type"`
	ServiceName   string `json:"service_name,omitempty"`
	InstanceID    string `json:"instance_id"`
	PreferredPort int    `json:"preferred_port,omitempty"`
	ProjectPath   string `json:"project_path,omitempty"`
	ProcessID     int    `json:"process_id,omitempty"`
	DryRun        bool   `json:"dry_run,omitempty"`
}

func (s *Server) allocate(w http.ResponseWriter, r *http.Request) {
	var req allocateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, allocerr.New(allocerr.InvalidRequest, "malformed request body"))
		return
	}

	res, err := s.allocator.Allocate(r.Context(), allocator.Request{
		ServiceType:   req.ServiceType,
		ServiceName:   req.ServiceName,
		InstanceID:    req.InstanceID,
		PreferredPort: req.PreferredPort,
		ProjectPath:   req.ProjectPath,
		ProcessID:     req.ProcessID,
		DryRun:        req.DryRun,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]any{
		"success":        true,
		"port":           res.Port,
		"lock_id":        res.LockID,
		"existing":       res.Existing,
		"auto_allocated": res.AutoAllocated,
	}
	if req.DryRun {
		body["message"] = "dry run: the port was free when checked but is not reserved"
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) release(w http.ResponseWriter, r *http.Request) {
	lockID := r.PathValue("lockId")
	alloc, err := s.allocator.Release(lockID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "port": alloc.Port})
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		writeError(w, allocerr.New(allocerr.InvalidRequest, "port must be an integer"))
		return
	}
	writeJSON(w, http.StatusOK, s.checkPort(port))
}

func (s *Server) checkPort(port int) map[string]any {
	alloc, allocated := s.registry.LookupByPort(port)
	out := map[string]any{
		"port":      port,
		"available": !allocated && s.prober.Probe(port),
	}
	if allocated {
		out["allocation"] = alloc
	}
	return out
}

func (s *Server) scan(w http.ResponseWriter, r *http.Request) {
	start, err1 := strconv.Atoi(r.URL.Query().Get("start"))
	end, err2 := strconv.Atoi(r.URL.Query().Get("end"))
	if err1 != nil || err2 != nil || start <= 0 || end < start {
		writeError(w, allocerr.New(allocerr.InvalidRequest, "start and end must be a valid ascending port range"))
		return
	}

	const maxScanWidth = 2000
	if end-start+1 > maxScanWidth {
		end = start + maxScanWidth - 1
	}

	out := make([]map[string]any, 0, end-start+1)
	for p := start; p <= end; p++ {
		out = append(out, s.checkPort(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listAllocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"allocations": s.registry.ListAll()})
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instances": s.instances.List()})
}

type registerInstanceRequest struct {
	InstanceID       string            `json:"instance_id,omitempty"`
	ProcessID        int               `json:"process_id,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

func (s *Server) registerInstance(w http.ResponseWriter, r *http.Request) {
	var req registerInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, allocerr.New(allocerr.InvalidRequest, "malformed request body"))
		return
	}

	id, err := s.instances.Register(req.InstanceID, req.ProcessID, req.WorkingDirectory, req.Metadata)
	if err != nil {
		writeError(w, allocerr.New(allocerr.InvalidRequest, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": id})
}

func (s *Server) heartbeatInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.instances.Heartbeat(id); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) observePort(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(r.PathValue("port"))
	if err != nil {
		writeError(w, allocerr.New(allocerr.InvalidRequest, "port must be an integer"))
		return
	}
	writeJSON(w, http.StatusOK, s.observer.Observe(port))
}

func (s *Server) observeAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"observations": s.observer.ObserveAll()})
}

func (s *Server) suggest(w http.ResponseWriter, r *http.Request) {
	serviceType := r.PathValue("serviceType")
	count := 1
	if c := r.URL.Query().Get("count"); c != "" {
		if parsed, err := strconv.Atoi(c); err == nil && parsed > 0 {
			count = parsed
		}
	}
	ports, err := s.observer.Suggest(serviceType, count)
	if err != nil {
		writeError(w, allocerr.New(allocerr.UnknownServiceType, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ports": ports})
}

func (s *Server) observationStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.observer.Stats())
}

type cleanupRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request) {
	var req cleanupRequest
	if r.ContentLength > 0 {
		json.NewDecoder(r.Body).Decode(&req) // best-effort: an absent/empty body means force=false
	}

	if req.Force {
		released := s.reaper.ForceSweep(0)
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "released": released})
		return
	}

	s.reaper.Sweep()
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var recent []audit.Entry
	if s.events != nil {
		recent = s.events.Last(50)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds":     time.Since(s.startedAt).Seconds(),
		"instance_count":     s.instances.Count(),
		"allocation_count":   s.registry.Count(),
		"memory_alloc_bytes": mem.Alloc,
		"recent_events":      recent,
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) config(w http.ResponseWriter, r *http.Request) {
	doc, err := s.userConfig.Load()
	if err != nil {
		writeError(w, allocerr.New(allocerr.Internal, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service_types":   s.cat.All(),
		"auto_allocation": doc.AutoAllocation,
		"recovery":        doc.Recovery,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	ae, ok := allocerr.As(err)
	if !ok {
		ae = allocerr.New(allocerr.Internal, err.Error())
	}

	status := http.StatusInternalServerError
	switch ae.Kind {
	case allocerr.InvalidRequest:
		status = http.StatusBadRequest
	case allocerr.UnknownServiceType, allocerr.NoPortsAvailable, allocerr.NoRangeAvailable:
		status = http.StatusConflict
	case allocerr.LockNotFound:
		status = http.StatusNotFound
	case allocerr.ConfigLockTimeout:
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"success": false, "error": ae.Message, "errorKind": ae.Kind}
	if ae.Hint != "" {
		body["hint"] = ae.Hint
	}
	writeJSON(w, status, body)
}

// Compile-time check that *registry.Registry satisfies the Registry
// interface.
var _ Registry = (*registry.Registry)(nil)
