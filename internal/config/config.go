package config

import (
	"log"
	"time"

	"github.com/spf13/viper"
)

// ClientConfig tunes the remote entity-API client shared by every migration.
type ClientConfig struct {
	Timeout        time.Duration `mapstructure:"timeout"`
	FetchRetries   uint64        `mapstructure:"fetch_retries"`
	InsertRetries  uint64        `mapstructure:"insert_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
}

type Config struct {
	DatabaseURL string       `mapstructure:"database_url"`
	ServerPort  string       `mapstructure:"server_port"`
	JWTSecret   string       `mapstructure:"jwt_secret"`
	CORSOrigin  string       `mapstructure:"cors_origin"`
	Client      ClientConfig `mapstructure:"client"`
}

// Load reads the configuration from a YAML file and returns a Config instance.
func Load() *Config {
	v := viper.New()

	// Look for config in the current directory and ./config
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.AddConfigPath("./config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		log.Fatalf("Error reading config file: %v", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		log.Fatalf("Error unmarshalling config: %v", err)
	}

	// Fallback defaults
	if config.ServerPort == "" {
		config.ServerPort = "8080"
	}

	if config.JWTSecret == "" {
		log.Fatal("JWT secret must be set in the config file")
	}

	if config.CORSOrigin == "" {
		config.CORSOrigin = "http://localhost:3000"
	}

	if config.Client.Timeout == 0 {
		config.Client.Timeout = 30 * time.Second
	}
	if config.Client.FetchRetries == 0 {
		config.Client.FetchRetries = 5
	}
	if config.Client.InsertRetries == 0 {
		config.Client.InsertRetries = 3
	}
	if config.Client.InitialBackoff == 0 {
		config.Client.InitialBackoff = 500 * time.Millisecond
	}

	return &config
}
