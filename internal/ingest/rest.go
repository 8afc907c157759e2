package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"fleetalerts/internal/config"
	"fleetalerts/internal/normalize"
)

const maxBodyBytes = 2 << 20

type RESTServer struct {
	cfg    *config.Manager
	sink   Sink
	logger *slog.Logger
}

func NewRESTServer(cfg *config.Manager, sink Sink, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, sink: sink, logger: logger}
}

// StartREST serves POST /telemetry on the ingest address until ctx is done.
func StartREST(ctx context.Context, cfg *config.Manager, sink Sink, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, sink, logger)
	mux := http.NewServeMux()
	mux.Handle("/telemetry", server)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	httpServer := &http.Server{Addr: current.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

// ServeHTTP accepts one telemetry object or an array of them.
func (s *RESTServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	var list []map[string]interface{}
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		var obj map[string]interface{}
		if err := json.Unmarshal(trim, &obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = append(list, obj)
	}

	cfg := s.cfg.Get()
	accepted, failed, dropped := 0, 0, 0
	for _, obj := range list {
		fields := ParseJSONMap(obj)
		fields.Raw = "rest"
		t, err := normalize.Normalize(*fields, cfg)
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("rest normalize error", "err", err)
			}
			failed++
			continue
		}
		t.Source = "rest"
		if !s.sink.Submit(r.Context(), t) {
			dropped++
			continue
		}
		accepted++
	}

	w.Header().Set("Content-Type", "application/json")
	if accepted == 0 && dropped > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": accepted,
		"failed":   failed,
		"dropped":  dropped,
	})
}
