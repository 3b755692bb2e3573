package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"scentd/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/scentd?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS predictions (
			id TEXT PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			received_at TIMESTAMPTZ NOT NULL,
			device_id TEXT NOT NULL,
			source TEXT,
			scent TEXT NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			model_tier TEXT,
			pipeline_version TEXT,
			debounced BOOLEAN NOT NULL DEFAULT FALSE,
			error_kind TEXT,
			values_json JSONB,
			prediction_json JSONB,
			failure_json JSONB,
			emitter_json JSONB
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

func (s *postgresStore) SavePrediction(ctx context.Context, rec model.Record) error {
	if s.db == nil {
		return nil
	}
	r := toRow(rec)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (id, ts, received_at, device_id, source, scent, confidence, model_tier,
			pipeline_version, debounced, error_kind, values_json, prediction_json, failure_json, emitter_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, '')::jsonb, NULLIF($14, '')::jsonb, $15)`,
		r.ID,
		r.Timestamp,
		r.ReceivedAt,
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

func (s *postgresStore) ListPredictions(ctx context.Context, q Query) ([]model.Record, error) {
	if s.db == nil {
		return nil, nil
	}
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if q.DeviceID != "" {
		args = append(args, q.DeviceID)
		where = append(where, fmt.Sprintf("device_id = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UTC())
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	query := `SELECT id, ts, received_at, device_id, COALESCE(source, ''), scent, confidence,
		COALESCE(values_json::text, ''), COALESCE(prediction_json::text, ''),
		COALESCE(failure_json::text, ''), COALESCE(emitter_json::text, '')
		FROM predictions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limitOf(q))
	query += fmt.Sprintf(" ORDER BY ts DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Record, 0)
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.ReceivedAt, &r.DeviceID, &r.Source, &r.Scent, &r.Confidence,
			&r.ValuesJSON, &r.PredictionJSON, &r.FailureJSON, &r.EmitterJSON); err != nil {
			return nil, err
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
