package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads KEY=VALUE pairs from the given files (".env" when none)
// into the process environment. Missing files are not an error.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		_ = godotenv.Load(f)
	}
}

// ApplyEnv overrides selected settings from SCENTD_* environment variables.
// Secrets are meant to come from here rather than from the config file.
func ApplyEnv(cfg *Config) {
	cfg.Pipeline = getEnv("SCENTD_PIPELINE", cfg.Pipeline)
	cfg.LogLevel = getEnv("SCENTD_LOG_LEVEL", cfg.LogLevel)
	cfg.API.Addr = getEnv("SCENTD_API_ADDR", cfg.API.Addr)
	cfg.MQTT.Broker = getEnv("SCENTD_MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.ClientID = getEnv("SCENTD_MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getEnv("SCENTD_MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getEnv("SCENTD_MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.Storage.Driver = getEnv("SCENTD_STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Storage.DSN = getEnv("SCENTD_STORAGE_DSN", cfg.Storage.DSN)
	if brokers := getEnv("SCENTD_KAFKA_BROKERS", ""); brokers != "" {
		cfg.Ingest.Kafka.Brokers = splitList(brokers)
	}
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
