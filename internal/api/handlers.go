package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hydrotwin/hydrotwin/internal/app/monitor"
	"github.com/hydrotwin/hydrotwin/internal/app/simulator"
	"github.com/hydrotwin/hydrotwin/internal/domain"
)

// maxDefinitionBytes caps uploaded network definitions.
const maxDefinitionBytes = 16 << 20 // 16 MB

// ─── Network management ─────────────────────────────────────────────────────

func (s *Server) handleNetworkUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxDefinitionBytes); err != nil {
		writeError(w, fmt.Errorf("%w: parse upload: %v", domain.ErrInvalidConfig, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing file field", domain.ErrInvalidConfig))
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".inp") {
		writeError(w, fmt.Errorf("%w: file must be a .inp definition", domain.ErrInvalidConfig))
		return
	}

	networkID := uuid.New()
	if err := os.MkdirAll(s.networksDir, 0700); err != nil {
		writeError(w, err)
		return
	}
	path := filepath.Join(s.networksDir, networkID.String()+".inp")
	dst, err := os.Create(path)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := io.Copy(dst, io.LimitReader(file, maxDefinitionBytes)); err != nil {
		dst.Close()
		os.Remove(path)
		writeError(w, err)
		return
	}
	if err := dst.Close(); err != nil {
		writeError(w, err)
		return
	}

	network := domain.Network{
		ID:             networkID,
		Name:           header.Filename,
		DefinitionPath: path,
		UploadedAt:     time.Now(),
	}
	if err := s.store.UpsertNetwork(r.Context(), network); err != nil {
		os.Remove(path)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"network_id": networkID,
		"name":       header.Filename,
	})
}

func (s *Server) handleNetworkList(w http.ResponseWriter, r *http.Request) {
	networks, err := s.store.ListNetworks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	type entry struct {
		NetworkID        uuid.UUID `json:"network_id"`
		Name             string    `json:"name"`
		UploadedAt       time.Time `json:"uploaded_at"`
		BaselineComputed bool      `json:"baseline_computed"`
	}
	out := make([]entry, 0, len(networks))
	for _, n := range networks {
		out = append(out, entry{
			NetworkID: n.ID, Name: n.Name,
			UploadedAt: n.UploadedAt, BaselineComputed: n.HasBaseline(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"networks": out})
}

func (s *Server) handleComputeBaseline(w http.ResponseWriter, r *http.Request) {
	networkID, err := uuid.Parse(chi.URLParam(r, "networkID"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: bad network id", domain.ErrInvalidConfig))
		return
	}
	force := r.URL.Query().Get("force") == "true"

	summary, err := s.registry.Compute(r.Context(), networkID, force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"summary": summary,
	})
}

// ─── Simulator control ──────────────────────────────────────────────────────

type startSimulatorRequest struct {
	NetworkID uuid.UUID `json:"network_id"`
	simulator.Config
}

func (s *Server) handleSimulatorStart(w http.ResponseWriter, r *http.Request) {
	req := startSimulatorRequest{Config: simulator.DefaultConfig()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode request: %v", domain.ErrInvalidConfig, err))
		return
	}
	if req.NetworkID == uuid.Nil {
		writeError(w, fmt.Errorf("%w: network_id is required", domain.ErrInvalidConfig))
		return
	}

	if err := s.simulator.Start(r.Context(), req.NetworkID, req.Config); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.simulator.Status(),
	})
}

type stopRequest struct {
	NetworkID uuid.UUID `json:"network_id"`
}

func (s *Server) handleSimulatorStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req) // body optional
	}
	if req.NetworkID != uuid.Nil && s.simulator.Status().NetworkID != req.NetworkID {
		writeError(w, fmt.Errorf("%w: simulator is running for a different network", domain.ErrInvalidConfig))
		return
	}

	if err := s.simulator.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": s.simulator.Status()})
}

func (s *Server) handleSimulatorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        s.simulator.Status(),
		"configuration": s.simulator.Config(),
	})
}

func (s *Server) handleClearReadings(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NetworkID == uuid.Nil {
		writeError(w, fmt.Errorf("%w: network_id is required", domain.ErrInvalidConfig))
		return
	}

	readings, err := s.store.DeleteReadings(r.Context(), req.NetworkID)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := s.store.DeleteGenerationLogs(r.Context(), req.NetworkID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"readings_deleted": readings,
		"logs_deleted":     logs,
	})
}

// ─── Monitor control ────────────────────────────────────────────────────────

type startMonitorRequest struct {
	NetworkID uuid.UUID `json:"network_id"`
	monitor.Config
}

func (s *Server) handleMonitorStart(w http.ResponseWriter, r *http.Request) {
	req := startMonitorRequest{Config: monitor.DefaultConfig()}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: decode request: %v", domain.ErrInvalidConfig, err))
		return
	}
	if req.NetworkID == uuid.Nil {
		writeError(w, fmt.Errorf("%w: network_id is required", domain.ErrInvalidConfig))
		return
	}

	if err := s.monitor.Start(r.Context(), req.NetworkID, req.Config); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  s.monitor.Status(),
	})
}

func (s *Server) handleMonitorStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.NetworkID != uuid.Nil && s.monitor.Status().NetworkID != req.NetworkID {
		writeError(w, fmt.Errorf("%w: monitor is running for a different network", domain.ErrInvalidConfig))
		return
	}

	if err := s.monitor.Stop(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": s.monitor.Status()})
}

func (s *Server) handleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        s.monitor.Status(),
		"configuration": s.monitor.Config(),
	})
}

// ─── Queries ────────────────────────────────────────────────────────────────

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	networkID, err := uuid.Parse(q.Get("network_id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: network_id is required", domain.ErrInvalidConfig))
		return
	}

	filter := domain.AnomalyFilter{
		Severity: domain.Severity(q.Get("severity")),
		Limit:    100,
	}
	switch filter.Severity {
	case "", domain.SeverityMedium, domain.SeverityHigh, domain.SeverityCritical:
	default:
		writeError(w, fmt.Errorf("%w: unknown severity %q", domain.ErrInvalidConfig, filter.Severity))
		return
	}

	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: bad start_time", domain.ErrInvalidConfig))
			return
		}
		filter.From = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, fmt.Errorf("%w: bad end_time", domain.ErrInvalidConfig))
			return
		}
		filter.To = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > domain.MaxAnomalyPageSize {
			writeError(w, fmt.Errorf("%w: limit must be within [1, %d]", domain.ErrInvalidConfig, domain.MaxAnomalyPageSize))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, fmt.Errorf("%w: offset must be non-negative", domain.ErrInvalidConfig))
			return
		}
		filter.Offset = n
	}

	page, err := s.store.QueryAnomalies(r.Context(), networkID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	networkID, err := uuid.Parse(q.Get("network_id"))
	if err != nil {
		writeError(w, fmt.Errorf("%w: network_id is required", domain.ErrInvalidConfig))
		return
	}

	window := 5.0
	if v := q.Get("time_window_minutes"); v != "" {
		window, err = strconv.ParseFloat(v, 64)
		if err != nil || window < 0.1 || window > 60 {
			writeError(w, fmt.Errorf("%w: time_window_minutes must be within [0.1, 60]", domain.ErrInvalidConfig))
			return
		}
	}

	m, err := s.aggregator.Metrics(r.Context(), networkID, window)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}
