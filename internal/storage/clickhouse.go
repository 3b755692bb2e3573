package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"scentd/internal/model"
)

type clickhouseStore struct {
	conn driver.Conn
}

func NewClickHouse(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "clickhouse://default:@localhost:9000/default"
	}
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse dsn: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.Compression == nil {
		opts.Compression = &clickhouse.Compression{Method: clickhouse.CompressionLZ4}
	}
	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &clickhouseStore{conn: conn}, nil
}

func (s *clickhouseStore) Init(ctx context.Context) error {
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	return s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS scent_predictions (
			id String,
			ts DateTime64(3, 'UTC'),
			received_at DateTime64(3, 'UTC'),
			device_id LowCardinality(String),
			source LowCardinality(String),
			scent LowCardinality(String),
			confidence Float64,
			model_tier LowCardinality(String),
			pipeline_version LowCardinality(String),
			debounced UInt8,
			error_kind LowCardinality(String),
			values_json String,
			prediction_json String,
			failure_json String,
			emitter_json String
		) ENGINE = MergeTree()
		ORDER BY (device_id, ts)`)
}

func (s *clickhouseStore) Close() error {
	return s.conn.Close()
}

func (s *clickhouseStore) SavePrediction(ctx context.Context, rec model.Record) error {
	r := toRow(rec)
	var debounced uint8
	if r.Debounced {
		debounced = 1
	}
	err := s.conn.Exec(ctx, `
		INSERT INTO scent_predictions (id, ts, received_at, device_id, source, scent, confidence, model_tier,
			pipeline_version, debounced, error_kind, values_json, prediction_json, failure_json, emitter_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Timestamp,
		r.ReceivedAt,
		r.DeviceID,
		r.Source,
		r.Scent,
		r.Confidence,
		r.ModelTier,
		r.PipelineVersion,
		debounced,
		r.ErrorKind,
		r.ValuesJSON,
		r.PredictionJSON,
		r.FailureJSON,
		r.EmitterJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert prediction: %w", err)
	}
	return nil
}

func (s *clickhouseStore) ListPredictions(ctx context.Context, q Query) ([]model.Record, error) {
	where := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if q.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, q.DeviceID)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.UTC())
	}
	query := `SELECT id, ts, received_at, device_id, source, scent, confidence,
		values_json, prediction_json, failure_json, emitter_json
		FROM scent_predictions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC LIMIT ?"
	args = append(args, limitOf(q))

	rows, err := s.conn.Query(ctx, query, args...)
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
