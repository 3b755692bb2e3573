package api

import (
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"scentd/internal/api/web"
	"scentd/internal/config"
	"scentd/internal/engine"
	"scentd/internal/history"
	"scentd/internal/ingest"
	"scentd/internal/latest"
	"scentd/internal/model"
	"scentd/internal/observability"
	"scentd/internal/storage"
)

// Engine is the part of the inference engine the API drives.
type Engine interface {
	Predict(ctx context.Context, r model.Reading) (model.Record, error)
	Reset()
	UpdateConfig(cfg *config.Config) error
	Status() engine.Status
}

type Options struct {
	Config  *config.Manager
	Engine  Engine
	Latest  *latest.Store
	History *history.Store
	Storage storage.Store
	Hub     *Hub
	Metrics *observability.Metrics
	Logger  *slog.Logger
	Version string
}

type Server struct {
	cfg     *config.Manager
	engine  Engine
	latest  *latest.Store
	history *history.Store
	store   storage.Store
	hub     *Hub
	metrics *observability.Metrics
	logger  *slog.Logger
	version string
	parser  *ingest.Parser
}

type statusResponse struct {
	Status     string        `json:"status"`
	Time       string        `json:"time"`
	Version    string        `json:"version"`
	ConfigPath string        `json:"config_path"`
	Engine     engine.Status `json:"engine"`
	Ingest     ingestStatus  `json:"ingest"`
	Publish    bool          `json:"mqtt_publish"`
	Storage    storageStatus `json:"storage"`
	Streams    int           `json:"stream_clients"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
	MQTT      bool `json:"mqtt"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver,omitempty"`
}

type pipelineInfo struct {
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Debounce    bool   `json:"debounce"`
	Reduced     bool   `json:"reduced_tier"`
	Active      bool   `json:"active"`
}

type recordMeta struct {
	ID        string         `json:"id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Emitter   map[string]int `json:"emitter_control,omitempty"`
}

type predictResponse struct {
	recordMeta
	*model.Prediction
}

type failureResponse struct {
	recordMeta
	*model.Failure
}

func NewServer(opts Options) *Server {
	tz := "UTC"
	if opts.Config != nil {
		tz = opts.Config.Get().Ingest.Parser.Timezone
	}
	return &Server{
		cfg:     opts.Config,
		engine:  opts.Engine,
		latest:  opts.Latest,
		history: opts.History,
		store:   opts.Storage,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		version: opts.Version,
		parser:  ingest.NewParser(tz),
	}
}

// Router builds the route table wrapped in access logging and, when origins
// are configured, CORS.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	handle := func(path, name string, h http.HandlerFunc, methods ...string) {
		r.Handle(path, s.metrics.WrapHandler(name, h)).Methods(methods...)
	}
	handle("/health", "health", s.handleHealth, http.MethodGet)
	handle("/predict", "predict", s.handlePredict, http.MethodPost)
	handle("/predictions", "predictions", s.handlePredictions, http.MethodGet)
	handle("/predictions/{device}", "prediction", s.handlePrediction, http.MethodGet)
	handle("/history", "history", s.handleHistory, http.MethodGet)
	handle("/export.csv", "export", s.handleExport, http.MethodGet)
	handle("/status", "status", s.handleStatus, http.MethodGet)
	handle("/pipelines", "pipelines", s.handlePipelines, http.MethodGet)
	handle("/pipeline", "pipeline", s.handleSetPipeline, http.MethodPost)
	handle("/admin/reset", "admin_reset", s.handleReset, http.MethodPost)
	handle("/admin/clear", "admin_clear", s.handleClear, http.MethodPost)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	if s.hub != nil {
		handle("/stream", "stream", s.hub.ServeWS, http.MethodGet)
	}
	r.HandleFunc("/ui", func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, "/ui/", http.StatusMovedPermanently)
	})
	if uiFS, err := fs.Sub(web.FS, "."); err == nil {
		r.PathPrefix("/ui/").Handler(http.StripPrefix("/ui/", http.FileServer(http.FS(uiFS))))
	}

	var h http.Handler = r
	if s.cfg != nil {
		if origins := s.cfg.Get().API.Origins; len(origins) > 0 {
			h = handlers.CORS(
				handlers.AllowedOrigins(origins),
				handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
				handlers.AllowedHeaders([]string{"Content-Type"}),
			)(h)
		}
	}
	return handlers.CustomLoggingHandler(io.Discard, h, s.logRequest)
}

func (s *Server) logRequest(_ io.Writer, p handlers.LogFormatterParams) {
	if s.logger == nil {
		return
	}
	s.logger.Debug("http request",
		"method", p.Request.Method,
		"path", p.URL.Path,
		"status", p.StatusCode,
		"bytes", p.Size,
		"remote", p.Request.RemoteAddr,
	)
}

func Start(ctx context.Context, opts Options) *http.Server {
	if opts.Config == nil {
		return nil
	}
	current := opts.Config.Get().API
	logger := opts.Logger
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(opts)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Router(),
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
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err == nil {
		var reading *model.Reading
		reading, err = ingest.ParseJSONBytes(body, s.parser.Location())
		if err == nil {
			reading.Source = "api"
			rec, perr := s.engine.Predict(r.Context(), *reading)
			writeJSON(w, statusFor(perr), toResponse(rec))
			return
		}
	}
	f := model.NewFailure(string(engine.KindInvalidInput), err)
	s.metrics.Failure(string(engine.KindInvalidInput))
	writeJSON(w, http.StatusBadRequest, failureResponse{recordMeta{Timestamp: time.Now().UTC()}, &f})
}

func toResponse(rec model.Record) any {
	meta := recordMeta{
		ID:        rec.ID,
		DeviceID:  rec.DeviceID,
		Timestamp: rec.Timestamp,
		Emitter:   rec.Emitter,
	}
	if rec.Prediction != nil {
		return predictResponse{meta, rec.Prediction}
	}
	f := rec.Failure
	if f == nil {
		nf := model.NewFailure(string(engine.KindPredictionFailure), nil)
		f = &nf
	}
	return failureResponse{meta, f}
}

func statusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch engine.KindOf(err) {
	case engine.KindInvalidInput:
		return http.StatusBadRequest
	case engine.KindInsufficientSensors:
		return http.StatusUnprocessableEntity
	case engine.KindModelUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) handlePredictions(w http.ResponseWriter, _ *http.Request) {
	if s.latest == nil {
		writeJSON(w, http.StatusOK, map[string]any{"predictions": map[string]model.Record{}, "count": 0})
		return
	}
	all := s.latest.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"predictions": all,
		"count":       len(all),
	})
}

func (s *Server) handlePrediction(w http.ResponseWriter, r *http.Request) {
	device := mux.Vars(r)["device"]
	if s.latest == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rec, updated, ok := s.latest.Get(device)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":  device,
		"updated_at": updated.Format(time.RFC3339Nano),
		"record":     rec,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSON(w, http.StatusOK, map[string]any{"records": []model.Record{}, "count": 0})
		return
	}
	q := r.URL.Query()
	limit := queryInt(q.Get("limit"))
	var list []model.Record
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		list = s.history.Since(ts)
		if device := q.Get("device"); device != "" {
			list = filterDevice(list, device)
		}
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	case q.Get("device") != "":
		list = s.history.ForDevice(q.Get("device"), limit)
	default:
		list = s.history.List(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": list,
		"count":   len(list),
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "storage disabled", http.StatusNotFound)
		return
	}
	q := r.URL.Query()
	query := storage.Query{DeviceID: q.Get("device"), Limit: queryInt(q.Get("limit"))}
	if v := q.Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		query.Since = ts
	}
	records, err := s.store.ListPredictions(r.Context(), query)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("export predictions", "err", err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="predictions.csv"`)
	if err := storage.WriteCSV(w, records); err != nil && s.logger != nil {
		s.logger.Warn("write csv export", "err", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Engine:     s.engine.Status(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
			MQTT:      cfg.Ingest.MQTT.Enabled,
		},
		Publish: cfg.Publish.Enabled,
		Storage: storageStatus{Enabled: s.store != nil},
		Streams: s.hub.Clients(),
	}
	if s.store != nil {
		resp.Storage.Driver = cfg.Storage.Driver
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePipelines(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	list := make([]pipelineInfo, 0, len(cfg.Pipelines))
	for version, p := range cfg.Pipelines {
		list = append(list, pipelineInfo{
			Version:     version,
			Description: p.Description,
			Debounce:    p.Debounce,
			Reduced:     p.Reduced.Enabled(),
			Active:      version == cfg.Pipeline,
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	writeJSON(w, http.StatusOK, map[string]any{
		"active":    cfg.Pipeline,
		"pipelines": list,
	})
}

func (s *Server) handleSetPipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var req struct {
		Pipeline string `json:"pipeline"`
	}
	if err := json.Unmarshal(body, &req); err != nil || strings.TrimSpace(req.Pipeline) == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	next, err := s.cfg.Get().WithPipeline(strings.TrimSpace(req.Pipeline))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	if err := s.engine.UpdateConfig(next); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	if err := s.cfg.Set(next); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if s.logger != nil {
		s.logger.Info("pipeline switched", "pipeline", next.Pipeline)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"pipeline": next.Pipeline,
		"engine":   s.engine.Status(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, _ *http.Request) {
	s.engine.Reset()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
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
		if s.latest != nil {
			s.latest.Clear()
		}
		if s.history != nil {
			s.history.Clear()
		}
	case "history":
		if s.history != nil {
			s.history.Clear()
		}
	case "latest", "predictions":
		if s.latest != nil {
			s.latest.Clear()
		}
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func filterDevice(list []model.Record, device string) []model.Record {
	out := list[:0:0]
	for _, rec := range list {
		if rec.DeviceID == device {
			out = append(out, rec)
		}
	}
	return out
}

func queryInt(v string) int {
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
