package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel    string                    `json:"log_level" yaml:"log_level"`
	LogFormat   string                    `json:"log_format" yaml:"log_format"`
	Pipeline    string                    `json:"pipeline" yaml:"pipeline"`
	Pipelines   map[string]PipelineConfig `json:"pipelines" yaml:"pipelines"`
	Debounce    DebounceConfig            `json:"debounce" yaml:"debounce"`
	Diagnostics DiagnosticsConfig         `json:"diagnostics" yaml:"diagnostics"`
	Emitters    EmitterConfig             `json:"emitters" yaml:"emitters"`
	Ingest      IngestConfig              `json:"ingest" yaml:"ingest"`
	MQTT        MQTTConfig                `json:"mqtt" yaml:"mqtt"`
	Publish     PublishConfig             `json:"publish" yaml:"publish"`
	API         APIConfig                 `json:"api" yaml:"api"`
	Storage     StorageConfig             `json:"storage" yaml:"storage"`
	Latest      StoreConfig               `json:"latest" yaml:"latest"`
	History     StoreConfig               `json:"history" yaml:"history"`

	// BaseDir is the directory of the loaded file; relative model paths resolve against it.
	BaseDir string `json:"-" yaml:"-"`
}

const (
	DebouncePersistent = "persistent"
	DebouncePerCall    = "per_call"
)

type DebounceConfig struct {
	Mode      string `json:"mode" yaml:"mode"`
	Threshold int    `json:"threshold" yaml:"threshold"`
}

type DiagnosticsConfig struct {
	FeaturesUsed           bool          `json:"features_used" yaml:"features_used"`
	MissingSensorWarnEvery time.Duration `json:"missing_sensor_warn_every" yaml:"missing_sensor_warn_every"`
}

type EmitterConfig struct {
	Channels     int                       `json:"channels" yaml:"channels"`
	MinIntensity int                       `json:"min_intensity" yaml:"min_intensity"`
	Scents       map[string]EmitterChannel `json:"scents" yaml:"scents"`
}

type EmitterChannel struct {
	Channel   int `json:"channel" yaml:"channel"`
	Intensity int `json:"intensity" yaml:"intensity"`
}

type IngestConfig struct {
	ChannelBuffer int              `json:"channel_buffer" yaml:"channel_buffer"`
	DedupeWindow  time.Duration    `json:"dedupe_window" yaml:"dedupe_window"`
	REST          RESTConfig       `json:"rest" yaml:"rest"`
	TCPStream     TCPStreamConfig  `json:"tcp_stream" yaml:"tcp_stream"`
	FileTail      FileTailConfig   `json:"file_tail" yaml:"file_tail"`
	Kafka         KafkaConfig      `json:"kafka" yaml:"kafka"`
	MQTT          MQTTIngestConfig `json:"mqtt" yaml:"mqtt"`
	Parser        ParserConfig     `json:"parser" yaml:"parser"`
}

type RESTConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type TCPStreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type FileTailConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	StartAtEnd bool     `json:"start_at_end" yaml:"start_at_end"`
	Files      []string `json:"files" yaml:"files"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type MQTTIngestConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Topic   string `json:"topic" yaml:"topic"`
	QoS     byte   `json:"qos" yaml:"qos"`
}

type ParserConfig struct {
	Timezone        string `json:"timezone" yaml:"timezone"`
	DefaultDeviceID string `json:"default_device_id" yaml:"default_device_id"`
}

type MQTTConfig struct {
	Broker   string `json:"broker" yaml:"broker"`
	ClientID string `json:"client_id" yaml:"client_id"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
}

type PublishConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	PredictionTopic string `json:"prediction_topic" yaml:"prediction_topic"`
	EmitterTopic    string `json:"emitter_topic" yaml:"emitter_topic"`
	QoS             byte   `json:"qos" yaml:"qos"`
	Retain          bool   `json:"retain" yaml:"retain"`
}

type APIConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Addr    string   `json:"addr" yaml:"addr"`
	Origins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type StoreConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Pipeline:  "v3",
		Debounce:  DebounceConfig{Mode: DebouncePersistent, Threshold: 3},
		Diagnostics: DiagnosticsConfig{
			FeaturesUsed:           true,
			MissingSensorWarnEvery: time.Minute,
		},
		Emitters: EmitterConfig{Channels: 8, MinIntensity: 100},
		Ingest: IngestConfig{
			ChannelBuffer: 1000,
			REST:          RESTConfig{Enabled: true, Addr: ":5001"},
			TCPStream:     TCPStreamConfig{Enabled: false, Addr: ":9000"},
			FileTail:      FileTailConfig{Enabled: false, StartAtEnd: true},
			Kafka:         KafkaConfig{Enabled: false},
			MQTT:          MQTTIngestConfig{Enabled: false, Topic: "scent/+/reading", QoS: 1},
			Parser:        ParserConfig{Timezone: "UTC", DefaultDeviceID: "unknown"},
		},
		MQTT: MQTTConfig{Broker: "tcp://localhost:1883", ClientID: "scentd"},
		Publish: PublishConfig{
			Enabled:         false,
			PredictionTopic: "scent/{device_id}/prediction",
			EmitterTopic:    "scent/{device_id}/emitter",
			QoS:             1,
		},
		API:     APIConfig{Enabled: true, Addr: ":8001"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:scentd.db?_pragma=busy_timeout(5000)"},
		Latest:  StoreConfig{StoreLimit: 500},
		History: StoreConfig{StoreLimit: 1000},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(content)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.BaseDir = filepath.Dir(ResolvePath(path))
	return cfg, nil
}

// Parse decodes a JSON or YAML document on top of DefaultConfig, applies
// environment overrides and validates the result.
func Parse(content []byte) (*Config, error) {
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	ApplyEnv(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.Debounce.Mode == "" {
		cfg.Debounce.Mode = DebouncePersistent
	}
	if cfg.Debounce.Threshold <= 0 {
		cfg.Debounce.Threshold = 3
	}
	if cfg.Emitters.Channels <= 0 {
		cfg.Emitters.Channels = 8
	}
	if cfg.Latest.StoreLimit <= 0 {
		cfg.Latest.StoreLimit = 500
	}
	if cfg.History.StoreLimit <= 0 {
		cfg.History.StoreLimit = 1000
	}
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = 1000
	}
	if cfg.Ingest.Parser.Timezone == "" {
		cfg.Ingest.Parser.Timezone = "UTC"
	}
	if cfg.Ingest.Parser.DefaultDeviceID == "" {
		cfg.Ingest.Parser.DefaultDeviceID = "unknown"
	}
	if cfg.Ingest.MQTT.Topic == "" {
		cfg.Ingest.MQTT.Topic = "scent/+/reading"
	}
	for name, p := range cfg.Pipelines {
		applyPipelineDefaults(&p)
		cfg.Pipelines[name] = p
	}
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.REST.Enabled && cfg.Ingest.REST.Addr == "" {
		return errors.New("ingest.rest.addr required when ingest.rest.enabled is true")
	}
	if cfg.Ingest.TCPStream.Enabled && cfg.Ingest.TCPStream.Addr == "" {
		return errors.New("ingest.tcp_stream.addr required when ingest.tcp_stream.enabled is true")
	}
	if cfg.Ingest.FileTail.Enabled && len(cfg.Ingest.FileTail.Files) == 0 {
		return errors.New("ingest.file_tail.files required when ingest.file_tail.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if (cfg.Ingest.MQTT.Enabled || cfg.Publish.Enabled) && cfg.MQTT.Broker == "" {
		return errors.New("mqtt.broker required when mqtt ingest or publish is enabled")
	}
	if cfg.Ingest.MQTT.QoS > 2 || cfg.Publish.QoS > 2 {
		return errors.New("mqtt qos must be 0, 1 or 2")
	}
	switch cfg.Debounce.Mode {
	case DebouncePersistent, DebouncePerCall:
	default:
		return fmt.Errorf("debounce.mode must be %q or %q, got %q", DebouncePersistent, DebouncePerCall, cfg.Debounce.Mode)
	}
	if cfg.Pipeline == "" {
		return errors.New("pipeline is required")
	}
	if _, ok := cfg.Pipelines[cfg.Pipeline]; !ok {
		return fmt.Errorf("pipeline %q is not defined under pipelines", cfg.Pipeline)
	}
	for name, p := range cfg.Pipelines {
		if err := ValidatePipeline(p); err != nil {
			return fmt.Errorf("pipelines.%s: %w", name, err)
		}
	}
	for scent, ch := range cfg.Emitters.Scents {
		if ch.Channel < 0 || ch.Channel >= cfg.Emitters.Channels {
			return fmt.Errorf("emitters.scents.%s.channel out of range [0,%d)", scent, cfg.Emitters.Channels)
		}
	}
	return nil
}

// Active returns the selected pipeline version and its configuration.
func (c *Config) Active() (string, PipelineConfig) {
	return c.Pipeline, c.Pipelines[c.Pipeline]
}

// WithPipeline returns a shallow copy of c with another active version.
func (c *Config) WithPipeline(version string) (*Config, error) {
	if _, ok := c.Pipelines[version]; !ok {
		return nil, fmt.Errorf("pipeline %q is not defined", version)
	}
	next := *c
	next.Pipeline = version
	return &next, nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime atomic.Value
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	m.touch()
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	m.touch()
	return cfg, nil
}

// Set replaces the in-memory configuration without writing the file. A later
// reload from disk wins.
func (m *Manager) Set(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := Validate(cfg); err != nil {
		return err
	}
	m.cfg.Store(cfg)
	return nil
}

func (m *Manager) touch() {
	if info, err := os.Stat(m.path); err == nil {
		m.modTime.Store(info.ModTime())
	}
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	last, _ := m.modTime.Load().(time.Time)
	return info.ModTime().After(last), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				m.touch()
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}

// ResolveFrom resolves path against base unless it is already absolute.
func ResolveFrom(base, path string) string {
	if path == "" || filepath.IsAbs(path) || base == "" {
		return path
	}
	return filepath.Join(base, path)
}
