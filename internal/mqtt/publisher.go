package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"scentd/internal/config"
	"scentd/internal/model"
)

const publishTimeout = 5 * time.Second

type publishFunc func(topic string, qos byte, retain bool, payload []byte, timeout time.Duration) error

// Publisher forwards processed records to the broker: the record itself on
// the prediction topic and the emitter control map on the emitter topic.
type Publisher struct {
	publish         publishFunc
	predictionTopic string
	emitterTopic    string
	qos             byte
	retain          bool
}

func NewPublisher(c *Client, cfg config.PublishConfig) *Publisher {
	return newPublisher(c.Publish, cfg)
}

func newPublisher(fn publishFunc, cfg config.PublishConfig) *Publisher {
	return &Publisher{
		publish:         fn,
		predictionTopic: cfg.PredictionTopic,
		emitterTopic:    cfg.EmitterTopic,
		qos:             cfg.QoS,
		retain:          cfg.Retain,
	}
}

func (p *Publisher) Name() string { return "mqtt" }

func (p *Publisher) Publish(_ context.Context, rec model.Record) error {
	if p.predictionTopic != "" {
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		if err := p.publish(FormatTopic(p.predictionTopic, rec.DeviceID), p.qos, p.retain, payload, publishTimeout); err != nil {
			return err
		}
	}
	if p.emitterTopic != "" && rec.Emitter != nil {
		payload, err := json.Marshal(rec.Emitter)
		if err != nil {
			return fmt.Errorf("marshal emitter control: %w", err)
		}
		if err := p.publish(FormatTopic(p.emitterTopic, rec.DeviceID), p.qos, p.retain, payload, publishTimeout); err != nil {
			return err
		}
	}
	return nil
}

// FormatTopic replaces the {device_id} placeholder.
func FormatTopic(pattern, deviceID string) string {
	return strings.ReplaceAll(pattern, "{device_id}", deviceID)
}

// DeviceFromTopic returns the topic segment matched by the single-level
// wildcard in filter, e.g. filter "scent/+/reading" and topic
// "scent/esp32-1/reading" give "esp32-1".
func DeviceFromTopic(filter, topic string) string {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, seg := range fs {
		if seg == "+" && i < len(ts) {
			return ts[i]
		}
	}
	return ""
}
