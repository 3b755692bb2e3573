package ingest

import (
	"context"
	"log/slog"
	"time"

	"scentd/internal/model"
	"scentd/internal/observability"
)

// SendNonBlocking queues r for the engine worker and drops it when the
// channel is full.
func SendNonBlocking(ctx context.Context, out chan<- model.Reading, r model.Reading, logger *slog.Logger, metrics *observability.Metrics) bool {
	select {
	case out <- r:
		return true
	case <-ctx.Done():
		return false
	default:
		metrics.Dropped(r.Source, "queue_full")
		if logger != nil {
			logger.Warn("reading channel full, dropping reading", "device_id", r.DeviceID, "source", r.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func handleLine(ctx context.Context, parser *Parser, line, source string, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) {
	r, err := parser.ParseLine(line)
	if err != nil {
		metrics.Dropped(source, "parse")
		if logger != nil {
			logger.Warn("reading parse error", "source", source, "err", err)
		}
		return
	}
	if r == nil {
		return
	}
	r.Source = source
	SendNonBlocking(ctx, out, *r, logger, metrics)
}
