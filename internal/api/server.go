package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetalerts/internal/alerts"
	"fleetalerts/internal/broadcast"
	"fleetalerts/internal/config"
	"fleetalerts/internal/engine"
	"fleetalerts/internal/model"
	"fleetalerts/internal/notify"
	"fleetalerts/internal/pipeline"
	"fleetalerts/internal/vehicles"
)

type EngineControl interface {
	ActiveAlerts(ctx context.Context, limit int) ([]model.Alert, error)
	Acknowledge(ctx context.Context, alertID string) (bool, error)
	Stats() engine.Stats
	Reset()
}

type QueueStats interface {
	Stats() pipeline.Stats
}

type SummarySource interface {
	LastSummary() (broadcast.Summary, bool)
}

// Subscribers is the websocket endpoint.
type Subscribers interface {
	http.Handler
	Len() int
}

// Deps are the components the API exposes. Any of them may be nil.
type Deps struct {
	Engine      EngineControl
	Escalations *notify.EscalationSet
	Alerts      *alerts.Store
	Vehicles    *vehicles.Store
	Queue       QueueStats
	Summary     SummarySource
	Hub         Subscribers
	Telemetry   http.Handler
	Metrics     http.Handler
}

type Server struct {
	cfg     *config.Manager
	deps    Deps
	logger  *slog.Logger
	version string
	started time.Time
}

type statusResponse struct {
	Status      string       `json:"status"`
	Time        string       `json:"time"`
	Version     string       `json:"version"`
	ConfigPath  string       `json:"config_path"`
	Ingest      ingestStatus `json:"ingest"`
	API         apiStatus    `json:"api"`
	Storage     string       `json:"storage"`
	Subscribers int          `json:"subscribers"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	UDP       bool `json:"udp"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	Workers   int  `json:"workers"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

func NewServer(cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		version: version,
		started: time.Now().UTC(),
	}
}

func Start(ctx context.Context, cfg *config.Manager, deps Deps, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, deps, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/summary", s.handleSummary)
	mux.HandleFunc("/alerts", s.handleAlerts)
	mux.HandleFunc("/alerts/active", s.handleActive)
	mux.HandleFunc("/alerts/ack", s.handleAck)
	mux.HandleFunc("/vehicles", s.handleVehicles)
	mux.HandleFunc("/vehicles/", s.handleVehicles)
	mux.HandleFunc("/escalations", s.handleEscalations)
	mux.HandleFunc("/admin/clear", s.handleClear)
	if s.deps.Hub != nil {
		mux.Handle("/ws", s.deps.Hub)
	}
	if s.deps.Telemetry != nil {
		mux.Handle("/telemetry", s.deps.Telemetry)
	}
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics)
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			UDP:       cfg.Ingest.UDP.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			Workers:   cfg.Ingest.Workers,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: cfg.Storage.Driver,
	}
	if s.deps.Hub != nil {
		resp.Subscribers = s.deps.Hub.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{}
	if s.deps.Engine != nil {
		resp["engine"] = s.deps.Engine.Stats()
	}
	if s.deps.Queue != nil {
		resp["pipeline"] = s.deps.Queue.Stats()
	}
	if s.deps.Hub != nil {
		resp["subscribers"] = s.deps.Hub.Len()
	}
	if s.deps.Vehicles != nil {
		resp["vehicles"] = s.deps.Vehicles.Len()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Summary == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	summary, ok := s.deps.Summary.LastSummary()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleAlerts lists recent lifecycle events from the in-memory ring.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Alerts == nil {
		writeJSON(w, http.StatusOK, map[string]any{"alerts": []model.AlertEvent{}, "count": 0})
		return
	}
	q := r.URL.Query()
	var list []model.AlertEvent
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.deps.Alerts.Since(ts)
	case q.Get("vehicle_id") != "":
		list = s.deps.Alerts.ForVehicle(q.Get("vehicle_id"))
	default:
		list = s.deps.Alerts.List(parseLimit(q.Get("limit")))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	list, err := s.deps.Engine.ActiveAlerts(r.Context(), parseLimit(r.URL.Query().Get("limit")))
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("active alerts query failed", "err", err)
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	if vehicle := r.URL.Query().Get("vehicle_id"); vehicle != "" {
		filtered := list[:0]
		for _, a := range list {
			if a.VehicleID == vehicle {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}
	if list == nil {
		list = []model.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Engine == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		AlertID string `json:"alert_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.AlertID) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	ok, err := s.deps.Engine.Acknowledge(r.Context(), strings.TrimSpace(req.AlertID))
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.deps.Vehicles == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/vehicles")
	id = strings.TrimPrefix(id, "/")
	if id != "" {
		latest, updated, ok := s.deps.Vehicles.Get(id)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		resp := map[string]any{
			"vehicle_id": id,
			"updated_at": updated.Format(time.RFC3339Nano),
			"telemetry":  latest.Snapshot(),
		}
		if s.deps.Escalations != nil {
			resp["escalated"] = s.deps.Escalations.Contains(id)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	all := s.deps.Vehicles.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicles": all,
		"count":    len(all),
	})
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if s.deps.Escalations == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		list := s.deps.Escalations.List()
		writeJSON(w, http.StatusOK, map[string]any{
			"vehicles": list,
			"count":    len(list),
		})
	case http.MethodDelete:
		vehicle := strings.TrimSpace(r.URL.Query().Get("vehicle_id"))
		if vehicle == "" {
			n := s.deps.Escalations.ClearAll()
			writeJSON(w, http.StatusOK, map[string]any{"cleared": n})
			return
		}
		if !s.deps.Escalations.Clear(vehicle) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cleared": 1})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if s.deps.Engine != nil {
			s.deps.Engine.Reset()
		} else if s.deps.Alerts != nil {
			s.deps.Alerts.Clear()
		}
		if s.deps.Vehicles != nil {
			s.deps.Vehicles.Clear()
		}
	case "alerts":
		if s.deps.Alerts != nil {
			s.deps.Alerts.Clear()
		}
	case "vehicles":
		if s.deps.Vehicles != nil {
			s.deps.Vehicles.Clear()
		}
	case "engine":
		if s.deps.Engine != nil {
			s.deps.Engine.Reset()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if s.logger != nil {
		s.logger.Info("state cleared", "target", target)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func parseLimit(v string) int {
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
