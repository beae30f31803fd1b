// Package config holds the accelerator's process-wide configuration:
// JSON file plus environment-variable overrides, field-level defaults,
// grounded on the teacher's daemon/config/config.go shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/validation"
)

// envPrefix is prepended to every field's upper-snake-case name to form
// its environment-variable override, e.g. Threads -> XFER_THREADS.
const envPrefix = "XFER_"

// Config holds every option from the bidirectional configuration table
// plus the ambient-stack options.
type Config struct {
	ListenAddress            string            `json:"ListenAddress"`
	Threads                  int               `json:"Threads"`
	BucketSizeKB             uint64            `json:"BucketSizeKB"`
	CacheSizeMB              uint64            `json:"CacheSizeMB"`
	MaxPushTransactions      int               `json:"MaxPushTransactions"`
	MaxHttpRetries           int               `json:"MaxHttpRetries"`
	PeerConnectivityTimeout  int               `json:"PeerConnectivityTimeout"`
	PeerCommitTimeout        int               `json:"PeerCommitTimeout"`
	CommitWorkerThreadsCount int               `json:"CommitWorkerThreadsCount"`
	TransactionIdleTTL       int               `json:"TransactionIdleTTL"`
	BidirectionalPeers       map[string]string `json:"BidirectionalPeers"`
	Peers                    map[string]Peer   `json:"Peers"`

	LogLevel                 string `json:"LogLevel"`
	MetricsAddr              string `json:"MetricsAddr"`
	JaegerEndpoint           string `json:"JaegerEndpoint"`
	MaxBytesPerSecond        int64  `json:"MaxBytesPerSecond"`
	PeerDetectionCacheTTL    int    `json:"PeerDetectionCacheTTL"`
	PeerCapabilityCachePath  string `json:"PeerCapabilityCachePath"`
}

// Peer is one entry of the configured peer directory.
type Peer struct {
	BaseURL  string `json:"BaseURL"`
	Username string `json:"Username"`
	Password string `json:"Password"`
}

// DefaultConfig returns the configuration a fresh process starts from,
// before any file or environment overrides are applied.
func DefaultConfig() *Config {
	return &Config{
		ListenAddress:            "127.0.0.1:8042",
		Threads:                  6,
		BucketSizeKB:             4096,
		CacheSizeMB:              512,
		MaxPushTransactions:      10,
		MaxHttpRetries:           3,
		PeerConnectivityTimeout:  2,
		PeerCommitTimeout:        300,
		CommitWorkerThreadsCount: 1,
		TransactionIdleTTL:       600,
		BidirectionalPeers:       map[string]string{},
		Peers:                    map[string]Peer{},

		LogLevel:                "info",
		MetricsAddr:             "127.0.0.1:9100",
		JaegerEndpoint:          "",
		MaxBytesPerSecond:       0,
		PeerDetectionCacheTTL:   30,
		PeerCapabilityCachePath: "transfers-peer-capability.db",
	}
}

// Load builds a Config by starting from DefaultConfig, applying a JSON
// file at path if it exists, then applying XFER_-prefixed environment
// variable overrides. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validation.ValidateAddr(cfg.ListenAddress); err != nil {
		return nil, fmt.Errorf("ListenAddress: %w", err)
	}
	if err := validation.ValidateRangeInt(cfg.Threads, 1, 256); err != nil {
		return nil, fmt.Errorf("Threads: %w", err)
	}
	if err := validation.ValidateFilePath(cfg.PeerCapabilityCachePath, false); err != nil {
		return nil, fmt.Errorf("PeerCapabilityCachePath: %w", err)
	}
	for name, p := range cfg.Peers {
		if err := validation.ValidateStringNonEmpty(p.BaseURL); err != nil {
			return nil, fmt.Errorf("Peers[%s].BaseURL: %w", name, err)
		}
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookupEnv("LISTEN_ADDRESS"); ok {
		cfg.ListenAddress = v
	}
	if v, ok := lookupEnvInt("THREADS"); ok {
		cfg.Threads = v
	}
	if v, ok := lookupEnvUint("BUCKET_SIZE_KB"); ok {
		cfg.BucketSizeKB = v
	}
	if v, ok := lookupEnvUint("CACHE_SIZE_MB"); ok {
		cfg.CacheSizeMB = v
	}
	if v, ok := lookupEnvInt("MAX_PUSH_TRANSACTIONS"); ok {
		cfg.MaxPushTransactions = v
	}
	if v, ok := lookupEnvInt("MAX_HTTP_RETRIES"); ok {
		cfg.MaxHttpRetries = v
	}
	if v, ok := lookupEnvInt("PEER_CONNECTIVITY_TIMEOUT"); ok {
		cfg.PeerConnectivityTimeout = v
	}
	if v, ok := lookupEnvInt("PEER_COMMIT_TIMEOUT"); ok {
		cfg.PeerCommitTimeout = v
	}
	if v, ok := lookupEnvInt("COMMIT_WORKER_THREADS_COUNT"); ok {
		cfg.CommitWorkerThreadsCount = v
	}
	if v, ok := lookupEnvInt("TRANSACTION_IDLE_TTL"); ok {
		cfg.TransactionIdleTTL = v
	}
	if v, ok := lookupEnv("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnv("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := lookupEnv("JAEGER_ENDPOINT"); ok {
		cfg.JaegerEndpoint = v
	}
	if v, ok := lookupEnvInt64("MAX_BYTES_PER_SECOND"); ok {
		cfg.MaxBytesPerSecond = v
	}
	if v, ok := lookupEnvInt("PEER_DETECTION_CACHE_TTL"); ok {
		cfg.PeerDetectionCacheTTL = v
	}
	if v, ok := lookupEnv("PEER_CAPABILITY_CACHE_PATH"); ok {
		cfg.PeerCapabilityCachePath = v
	}
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	return v, ok
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvInt64(name string) (int64, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupEnvUint(name string) (uint64, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// PeerConnectivityTimeoutDuration converts the configured seconds value
// to a time.Duration for direct use by the peer detector.
func (c *Config) PeerConnectivityTimeoutDuration() time.Duration {
	return time.Duration(c.PeerConnectivityTimeout) * time.Second
}

// PeerCommitTimeoutDuration converts the configured seconds value to a
// time.Duration for direct use by push/pull jobs.
func (c *Config) PeerCommitTimeoutDuration() time.Duration {
	return time.Duration(c.PeerCommitTimeout) * time.Second
}

// TransactionIdleTTLDuration converts the configured seconds value to a
// time.Duration for the Active Push Transactions sweeper.
func (c *Config) TransactionIdleTTLDuration() time.Duration {
	return time.Duration(c.TransactionIdleTTL) * time.Second
}

// PeerDetectionCacheTTLDuration converts the configured seconds value to
// a time.Duration for PeerCapabilityCache.
func (c *Config) PeerDetectionCacheTTLDuration() time.Duration {
	return time.Duration(c.PeerDetectionCacheTTL) * time.Second
}
