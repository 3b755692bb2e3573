package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"scentd/internal/config"
	"scentd/internal/model"
	"scentd/internal/observability"
)

const sourceREST = "rest"

type RESTServer struct {
	parser  *Parser
	out     chan<- model.Reading
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewRESTServer(parser *Parser, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) *RESTServer {
	return &RESTServer{parser: parser, out: out, logger: logger, metrics: metrics}
}

func (s *RESTServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/readings", s.handleReadings)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// StartREST serves the asynchronous reading intake. Readings are queued and
// answered immediately; results reach clients through the API and sinks.
func StartREST(ctx context.Context, cfg *config.Manager, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) *http.Server {
	current := cfg.Get().Ingest
	if !current.REST.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.REST.Addr)
	}
	server := NewRESTServer(NewParser(current.Parser.Timezone), out, logger, metrics)
	httpServer := &http.Server{
		Addr:              current.REST.Addr,
		Handler:           metrics.WrapHandler("ingest_readings", server.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
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

func (s *RESTServer) handleReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	accepted := 0
	failed := 0
	if trim[0] == '[' {
		var list []map[string]any
		if err := json.Unmarshal(trim, &list); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, obj := range list {
			if s.processMap(r.Context(), obj) {
				accepted++
			} else {
				failed++
			}
		}
	} else {
		var obj map[string]any
		if err := json.Unmarshal(trim, &obj); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if s.processMap(r.Context(), obj) {
			accepted++
		} else {
			failed++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"accepted": accepted,
		"failed":   failed,
	})
}

func (s *RESTServer) processMap(ctx context.Context, obj map[string]any) bool {
	reading := ParseJSONMap(obj, s.parser.Location())
	reading.Source = sourceREST
	return SendNonBlocking(context.WithoutCancel(ctx), s.out, *reading, s.logger, s.metrics)
}
