package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
)

// Config holds every setting the binary consumes. It is loaded from a
// JSON file; a missing file is created with defaults so a fresh install
// has something to edit.
type Config struct {
	ListenAddr   string `json:"listen_addr"`
	LogLevel     string `json:"log_level"`
	DatabasePath string `json:"database_path"`
	TLSCertPath  string `json:"tls_cert_path"`
	TLSKeyPath   string `json:"tls_key_path"`

	// Mode gates generation: "training" only ingests, "live" also
	// generates responses.
	Mode string `json:"mode"`

	// Order is the n-gram order trained synchronously on the request
	// path; BackgroundOrders are queued for the worker.
	Order            int   `json:"order"`
	BackgroundOrders []int `json:"background_orders"`

	Temperature       float64 `json:"temperature"`
	TopK              int     `json:"top_k"`
	MaxTokens         int     `json:"max_tokens"`
	RecommendedTokens int     `json:"recommended_tokens"`
	LoopWindow        int     `json:"loop_window"`
	MinMessageTokens  int     `json:"min_message_tokens"`

	// CompactSchedule and WorkerSchedule are cron expressions (robfig
	// syntax, @every accepted) driving background maintenance.
	CompactSchedule string `json:"compact_schedule"`
	WorkerSchedule  string `json:"worker_schedule"`
	WorkerBatchSize int    `json:"worker_batch_size"`
}

// DefaultConfig creates a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":11434",
		LogLevel:          "info",
		DatabasePath:      "./data/parakeet.db?_journal_mode=WAL&_busy_timeout=5000",
		Mode:              "training",
		Order:             2,
		BackgroundOrders:  []int{3},
		Temperature:       0.8,
		TopK:              0,
		MaxTokens:         500,
		RecommendedTokens: 50,
		LoopWindow:        8,
		MinMessageTokens:  3,
		CompactSchedule:   "@every 5m",
		WorkerSchedule:    "@every 10s",
		WorkerBatchSize:   50,
	}
}

// LoadConfig reads the configuration from a JSON file at the given path.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	file, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			var data []byte
			data, err = json.MarshalIndent(config, "", "  ")
			if err != nil {
				return nil, fmt.Errorf("failed to marshal default config: %w", err)
			}
			if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
				// The process can still run with defaults.
				fmt.Printf("warning: failed to write default config file: %v\n", err)
			}
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = json.Unmarshal(file, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}
