package config

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v4"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	App       AppConfig       `yaml:"app"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	DBName   string `yaml:"name"`
	SSLMode  string `yaml:"ssl_mode"`
}

// KafkaConfig with an empty Host disables both the scan event producer and
// the assignments consumer.
type KafkaConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ScannedTopicName    string `yaml:"scanned_topic_name"`
	AssignmentTopicName string `yaml:"assignment_topic_name"`
	ConsumerGroup       string `yaml:"consumer_group"`
}

// RedisConfig with an empty Host disables the dashboard snapshot cache.
type RedisConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	KeyPrefix          string `yaml:"key_prefix"`
	SnapshotTTLSeconds int    `yaml:"snapshot_ttl_seconds"`
}

type AppConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// Storage is "postgres" or "memory".
	Storage        string   `yaml:"storage"`
	Timezone       string   `yaml:"timezone"`
	LogLevel       string   `yaml:"log_level"`
	LogFormat      string   `yaml:"log_format"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DashboardConfig struct {
	// UnmappedCarrierPolicy is "drop" or "bucket".
	UnmappedCarrierPolicy string `yaml:"unmapped_carrier_policy"`
}

func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal YAML: %w", err)
	}

	return &config, nil
}
