package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"scentd/internal/config"
	"scentd/internal/model"
	"scentd/internal/observability"
)

const sourceKafka = "kafka"

func StartKafka(ctx context.Context, cfg *config.Manager, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) {
	current := cfg.Get().Ingest
	if !current.Kafka.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Kafka.Brokers, "topic", current.Kafka.Topic, "group_id", current.Kafka.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Kafka.Brokers,
		Topic:    current.Kafka.Topic,
		GroupID:  current.Kafka.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	parser := NewParser(current.Parser.Timezone)
	go func() {
		defer reader.Close()
		for {
			m, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka read error", "err", err)
				}
				if !BackoffSleep(ctx, time.Second) {
					return
				}
				continue
			}
			r, err := parser.ParseLine(string(m.Value))
			if err != nil || r == nil {
				metrics.Dropped(sourceKafka, "parse")
				continue
			}
			if r.DeviceID == "" && len(m.Key) > 0 {
				r.DeviceID = string(m.Key)
			}
			r.Source = sourceKafka
			SendNonBlocking(ctx, out, *r, logger, metrics)
		}
	}()
}
