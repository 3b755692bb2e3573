package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"scentd/internal/config"
	"scentd/internal/model"
)

// Store persists processed records. Implementations must be safe for
// concurrent use.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	SavePrediction(ctx context.Context, rec model.Record) error
	ListPredictions(ctx context.Context, q Query) ([]model.Record, error)
}

// Query selects records newest-first by timestamp; results are returned
// oldest first. Zero fields do not filter.
type Query struct {
	DeviceID string
	Since    time.Time
	Limit    int
}

const defaultListLimit = 1000

var ErrUnsupportedDriver = errors.New("unsupported storage driver")

func NewStore(cfg config.StorageConfig) (Store, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	case "clickhouse":
		return NewClickHouse(cfg.DSN)
	default:
		return nil, ErrUnsupportedDriver
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

type row struct {
	ID              string
	Timestamp       time.Time
	ReceivedAt      time.Time
	DeviceID        string
	Source          string
	Scent           string
	Confidence      float64
	ModelTier       string
	PipelineVersion string
	Debounced       bool
	ErrorKind       string
	ValuesJSON      string
	PredictionJSON  string
	FailureJSON     string
	EmitterJSON     string
}

func toRow(rec model.Record) row {
	r := row{
		ID:          rec.ID,
		Timestamp:   rec.Timestamp.UTC(),
		ReceivedAt:  rec.ReceivedAt.UTC(),
		DeviceID:    rec.DeviceID,
		Source:      rec.Source,
		Scent:       rec.Scent(),
		Confidence:  rec.Confidence(),
		ValuesJSON:  encodeJSON(rec.Values),
		EmitterJSON: encodeJSON(rec.Emitter),
	}
	if p := rec.Prediction; p != nil {
		r.ModelTier = string(p.ModelTier)
		r.PipelineVersion = p.PipelineVersion
		r.Debounced = p.Debounced
		r.PredictionJSON = encodeJSON(p)
	}
	if f := rec.Failure; f != nil {
		r.ErrorKind = f.Kind
		r.FailureJSON = encodeJSON(f)
	}
	return r
}

func (r row) record() (model.Record, error) {
	rec := model.Record{
		ID:         r.ID,
		DeviceID:   r.DeviceID,
		Timestamp:  r.Timestamp.UTC(),
		ReceivedAt: r.ReceivedAt.UTC(),
		Source:     r.Source,
	}
	if err := decodeJSON(r.ValuesJSON, &rec.Values); err != nil {
		return rec, err
	}
	if err := decodeJSON(r.EmitterJSON, &rec.Emitter); err != nil {
		return rec, err
	}
	if r.PredictionJSON != "" {
		rec.Prediction = &model.Prediction{}
		if err := decodeJSON(r.PredictionJSON, rec.Prediction); err != nil {
			return rec, err
		}
	}
	if r.FailureJSON != "" {
		rec.Failure = &model.Failure{}
		if err := decodeJSON(r.FailureJSON, rec.Failure); err != nil {
			return rec, err
		}
	}
	return rec, nil
}

func reverse(recs []model.Record) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

func limitOf(q Query) int {
	if q.Limit <= 0 {
		return defaultListLimit
	}
	return q.Limit
}

func encodeJSON(value any) string {
	data, _ := json.Marshal(value)
	return string(data)
}

func decodeJSON(data string, dst any) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), dst)
}
