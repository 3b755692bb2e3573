package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"scentd/internal/config"
	"scentd/internal/emitter"
	"scentd/internal/history"
	"scentd/internal/latest"
	"scentd/internal/model"
	"scentd/internal/observability"
	"scentd/internal/storage"
)

// Sink receives every processed record after it has been stored.
type Sink interface {
	Name() string
	Publish(ctx context.Context, rec model.Record) error
}

type Engine struct {
	logger   *slog.Logger
	latest   *latest.Store
	history  *history.Store
	store    storage.Store
	metrics  *observability.Metrics
	cfg      atomic.Value
	pipeline atomic.Value
	emitter  atomic.Value
	debounce *Debouncer
	cooldown *Cooldown
	deDupe   *DedupeCache
	sinksMu  sync.RWMutex
	sinks    []Sink
	started  time.Time
	handled  atomic.Uint64
	failed   atomic.Uint64
}

type Status struct {
	StartedAt    time.Time           `json:"started_at"`
	Pipeline     string              `json:"pipeline"`
	Description  string              `json:"description,omitempty"`
	Tiers        map[model.Tier]bool `json:"tiers_loaded"`
	Sensors      []string            `json:"sensors"`
	DebounceMode string              `json:"debounce_mode"`
	DebounceOn   bool                `json:"debounce_enabled"`
	Debounce     DebounceState       `json:"debounce"`
	Processed    uint64              `json:"processed"`
	Failed       uint64              `json:"failed"`
}

// NewEngine loads the active pipeline's model artifacts. latestStore,
// historyStore and store may be nil.
func NewEngine(cfg *config.Config, logger *slog.Logger, latestStore *latest.Store, historyStore *history.Store, store storage.Store) (*Engine, error) {
	version, pc := cfg.Active()
	p, err := LoadPipeline(version, pc, cfg.BaseDir, logger)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		logger:   logger,
		latest:   latestStore,
		history:  historyStore,
		store:    store,
		debounce: NewDebouncer(cfg.Debounce.Threshold),
		cooldown: NewCooldown(),
		deDupe:   NewDedupeCache(),
		started:  time.Now().UTC(),
	}
	e.cfg.Store(cfg)
	e.pipeline.Store(p)
	e.emitter.Store(emitter.NewMapper(cfg.Emitters))
	return e, nil
}

// SetMetrics attaches Prometheus metrics; call before Start.
func (e *Engine) SetMetrics(m *observability.Metrics) {
	e.metrics = m
	e.reportTiers(e.currentPipeline())
}

func (e *Engine) AddSink(s Sink) {
	if s == nil {
		return
	}
	e.sinksMu.Lock()
	e.sinks = append(e.sinks, s)
	e.sinksMu.Unlock()
}

// UpdateConfig reloads the active pipeline's artifacts and swaps them in.
// On error the running pipeline stays active. The debounce state is kept.
func (e *Engine) UpdateConfig(cfg *config.Config) error {
	version, pc := cfg.Active()
	p, err := LoadPipeline(version, pc, cfg.BaseDir, e.logger)
	if err != nil {
		return err
	}
	e.cfg.Store(cfg)
	e.pipeline.Store(p)
	e.emitter.Store(emitter.NewMapper(cfg.Emitters))
	e.debounce.SetThreshold(cfg.Debounce.Threshold)
	e.reportTiers(p)
	if e.logger != nil {
		e.logger.Info("pipeline loaded", "pipeline", version, "tiers", p.Loaded())
	}
	return nil
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) currentPipeline() *Pipeline {
	return e.pipeline.Load().(*Pipeline)
}

func (e *Engine) mapper() *emitter.Mapper {
	return e.emitter.Load().(*emitter.Mapper)
}

func (e *Engine) Start(ctx context.Context, in <-chan model.Reading) {
	go func() {
		for {
			select {
			case r, ok := <-in:
				if !ok {
					return
				}
				e.Process(ctx, r)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Process handles one queued reading. It returns false when the reading was
// a redelivery inside the dedupe window.
func (e *Engine) Process(ctx context.Context, r model.Reading) (model.Record, bool) {
	cfg := e.config()
	if e.isDuplicate(r, cfg.Ingest.DedupeWindow) {
		e.metrics.Duplicate()
		return model.Record{}, false
	}
	e.metrics.Ingested(sourceOf(r))
	rec, _ := e.infer(cfg, r)
	e.record(ctx, rec)
	return rec, true
}

// Predict runs inference synchronously for request/response callers. The
// record is stored and published like a queued one; err carries the
// failure kind.
func (e *Engine) Predict(ctx context.Context, r model.Reading) (model.Record, error) {
	cfg := e.config()
	e.metrics.Ingested(sourceOf(r))
	rec, err := e.infer(cfg, r)
	e.record(ctx, rec)
	return rec, err
}

func (e *Engine) infer(cfg *config.Config, r model.Reading) (model.Record, error) {
	now := time.Now().UTC()
	rec := model.Record{
		ID:         uuid.NewString(),
		DeviceID:   r.DeviceID,
		Timestamp:  r.Timestamp.UTC(),
		ReceivedAt: now,
		Source:     r.Source,
		Values:     finiteValues(r.Values),
	}
	if rec.DeviceID == "" {
		rec.DeviceID = cfg.Ingest.Parser.DefaultDeviceID
	}
	if r.Timestamp.IsZero() {
		rec.Timestamp = now
	}

	p := e.currentPipeline()
	start := time.Now()
	pred, err := p.Infer(r.Values, InferOptions{
		Debouncer:    e.debouncerFor(cfg),
		FeaturesUsed: cfg.Diagnostics.FeaturesUsed,
	})
	e.handled.Add(1)
	if err != nil {
		kind := KindOf(err)
		f := model.NewFailure(string(kind), err)
		rec.Failure = &f
		rec.Emitter = e.mapper().Off()
		e.failed.Add(1)
		e.metrics.Failure(string(kind))
		if e.logger != nil {
			e.logger.Warn("prediction failed",
				"device_id", rec.DeviceID,
				"pipeline", p.Version,
				"error_kind", kind,
				"err", err,
			)
		}
		return rec, err
	}

	rec.Prediction = &pred
	rec.Emitter = e.mapper().Map(pred.PredictedScent, pred.Confidence)
	e.metrics.Prediction(p.Version, string(pred.ModelTier), pred.PredictedScent, pred.Debounced, time.Since(start))
	e.warnSubstituted(cfg, rec.DeviceID, pred.Substituted)
	if e.logger != nil {
		e.logger.Info("prediction",
			"device_id", rec.DeviceID,
			"scent", pred.PredictedScent,
			"confidence", pred.Confidence,
			"tier", pred.ModelTier,
			"pipeline", p.Version,
			"debounced", pred.Debounced,
		)
	}
	return rec, nil
}

func (e *Engine) debouncerFor(cfg *config.Config) *Debouncer {
	if cfg.Debounce.Mode == config.DebouncePerCall {
		return NewDebouncer(cfg.Debounce.Threshold)
	}
	return e.debounce
}

func (e *Engine) warnSubstituted(cfg *config.Config, deviceID string, fields []string) {
	if e.logger == nil {
		return
	}
	for _, f := range fields {
		if e.cooldown.Allow(deviceID, f, cfg.Diagnostics.MissingSensorWarnEvery) {
			e.logger.Warn("sensor missing, baseline substituted", "device_id", deviceID, "field", f)
		}
	}
}

func (e *Engine) record(ctx context.Context, rec model.Record) {
	if e.latest != nil {
		e.latest.Update(rec)
	}
	if e.history != nil {
		e.history.Add(rec)
	}
	if e.store != nil {
		if err := e.store.SavePrediction(ctx, rec); err != nil {
			e.metrics.SinkError("storage")
			if e.logger != nil {
				e.logger.Error("store prediction", "id", rec.ID, "err", err)
			}
		}
	}
	e.sinksMu.RLock()
	sinks := e.sinks
	e.sinksMu.RUnlock()
	for _, s := range sinks {
		if err := s.Publish(ctx, rec); err != nil {
			e.metrics.SinkError(s.Name())
			if e.logger != nil {
				e.logger.Warn("sink publish failed", "sink", s.Name(), "device_id", rec.DeviceID, "err", err)
			}
		}
	}
}

// Reset clears the debounce run and the dedupe and warning caches.
func (e *Engine) Reset() {
	e.debounce.Reset()
	e.deDupe.Reset()
	e.cooldown.Reset()
}

func (e *Engine) Debouncer() *Debouncer {
	return e.debounce
}

func (e *Engine) Status() Status {
	cfg := e.config()
	p := e.currentPipeline()
	return Status{
		StartedAt:    e.started,
		Pipeline:     p.Version,
		Description:  p.Config().Description,
		Tiers:        p.Loaded(),
		Sensors:      p.Sensors(),
		DebounceMode: cfg.Debounce.Mode,
		DebounceOn:   p.DebounceEnabled(),
		Debounce:     e.debounce.State(),
		Processed:    e.handled.Load(),
		Failed:       e.failed.Load(),
	}
}

func (e *Engine) isDuplicate(r model.Reading, window time.Duration) bool {
	if window <= 0 || r.Timestamp.IsZero() {
		return false
	}
	return e.deDupe.Seen(hashReading(r), time.Now().UTC(), window)
}

func (e *Engine) reportTiers(p *Pipeline) {
	for tier, loaded := range p.Loaded() {
		e.metrics.SetTierLoaded(p.Version, string(tier), loaded)
	}
}

func sourceOf(r model.Reading) string {
	if r.Source == "" {
		return "direct"
	}
	return r.Source
}
