package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scentd/internal/model"
)

// Fixed width so that text comparison orders timestamps.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:scentd.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS predictions (
			id TEXT PRIMARY KEY,
			ts TEXT NOT NULL,
			received_at TEXT NOT NULL,
			device_id TEXT NOT NULL,
			source TEXT,
			scent TEXT NOT NULL,
			confidence REAL NOT NULL,
			model_tier TEXT,
			pipeline_version TEXT,
			debounced INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT,
			values_json TEXT,
			prediction_json TEXT,
			failure_json TEXT,
			emitter_json TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_ts ON predictions(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_device_ts ON predictions(device_id, ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SavePrediction(ctx context.Context, rec model.Record) error {
	if s.db == nil {
		return nil
	}
	r := toRow(rec)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (id, ts, received_at, device_id, source, scent, confidence, model_tier,
			pipeline_version, debounced, error_kind, values_json, prediction_json, failure_json, emitter_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Timestamp.Format(sqliteTimeLayout),
		r.ReceivedAt.Format(sqliteTimeLayout),
		r.DeviceID,
		r.Source,
		r.Scent,
		r.Confidence,
		r.ModelTier,
		r.PipelineVersion,
		r.Debounced,
		r.ErrorKind,
		r.ValuesJSON,
		r.PredictionJSON,
		r.FailureJSON,
		r.EmitterJSON,
	)
	return err
}

func (s *sqliteStore) ListPredictions(ctx context.Context, q Query) ([]model.Record, error) {
	if s.db == nil {
		return nil, nil
	}
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UTC().Format(sqliteTimeLayout))
	}
	query := `SELECT id, ts, received_at, device_id, COALESCE(source, ''), scent, confidence,
		COALESCE(values_json, ''), COALESCE(prediction_json, ''), COALESCE(failure_json, ''), COALESCE(emitter_json, '')
		FROM predictions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limitOf(q))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Record, 0)
	for rows.Next() {
		var r row
		var ts, received string
		if err := rows.Scan(&r.ID, &ts, &received, &r.DeviceID, &r.Source, &r.Scent, &r.Confidence,
			&r.ValuesJSON, &r.PredictionJSON, &r.FailureJSON, &r.EmitterJSON); err != nil {
			return nil, err
		}
		if r.Timestamp, err = time.Parse(sqliteTimeLayout, ts); err != nil {
			return nil, fmt.Errorf("predictions.ts %q: %w", ts, err)
		}
		if r.ReceivedAt, err = time.Parse(sqliteTimeLayout, received); err != nil {
			return nil, fmt.Errorf("predictions.received_at %q: %w", received, err)
		}
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}
