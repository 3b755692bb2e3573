package ingest

import (
	"context"
	"log/slog"

	"scentd/internal/config"
	"scentd/internal/model"
	"scentd/internal/mqtt"
	"scentd/internal/observability"
)

const sourceMQTT = "mqtt"

// Subscriber is the part of the MQTT client the reading intake needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, h mqtt.Handler) error
}

// StartMQTT subscribes to the reading topic. The device ID comes from the
// topic's wildcard segment and wins over any device_id in the payload.
func StartMQTT(ctx context.Context, cfg *config.Manager, sub Subscriber, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) error {
	current := cfg.Get().Ingest
	if !current.MQTT.Enabled || sub == nil {
		if logger != nil {
			logger.Info("mqtt ingest disabled")
		}
		return nil
	}
	filter := current.MQTT.Topic
	parser := NewParser(current.Parser.Timezone)
	return sub.Subscribe(filter, current.MQTT.QoS, func(topic string, payload []byte) {
		handleMQTTMessage(ctx, parser, filter, topic, payload, out, logger, metrics)
	})
}

func handleMQTTMessage(ctx context.Context, parser *Parser, filter, topic string, payload []byte, out chan<- model.Reading, logger *slog.Logger, metrics *observability.Metrics) {
	r, err := parser.ParseLine(string(payload))
	if err != nil || r == nil {
		metrics.Dropped(sourceMQTT, "parse")
		if logger != nil {
			logger.Warn("mqtt reading parse error", "topic", topic, "err", err)
		}
		return
	}
	if id := mqtt.DeviceFromTopic(filter, topic); id != "" {
		r.DeviceID = id
	}
	r.Source = sourceMQTT
	SendNonBlocking(ctx, out, *r, logger, metrics)
}
