package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendSQLite   = "sqlite"
	BackendBadger   = "badger"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
)

type Config struct {
	// Coordinator
	APIAddr            string
	MetadataBackend    string
	SQLitePath         string
	BadgerDir          string
	AWSRegion          string
	DynamoDBEndpoint   string // optional, e.g. DynamoDB Local
	FileTable          string
	ChunkMetadataTable string
	DirectoryTable     string
	ReplicationFactor  int
	ChunkSize          int64

	NodeHeartbeatInterval time.Duration
	NodeHeartbeatTimeout  time.Duration // nodes considered dead after this
	SweepInterval         time.Duration
	ReconcileInterval     time.Duration
	RepairWorkers         int
	RepairMaxAttempts     int
	RepairBackoff         time.Duration
	OrphanGrace           time.Duration
	RequestTimeout        time.Duration

	// Agent
	NodeID             string
	NodeHost           string
	NodeAPIPort        int
	NodeRPCPort        int
	NodeDataDir        string
	NodeCapacityBytes  int64 // 0 means probe the filesystem
	NodeDiscovery      string
	HostAliases        map[string]string
	NameNodeURL        string
	ReplicationRetries int

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	aliases, err := ParseHostAliases(os.Getenv("HOST_ALIASES"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIAddr:            getEnv("API_ADDR", ":8080"),
		MetadataBackend:    getEnv("METADATA_BACKEND", BackendSQLite),
		SQLitePath:         getEnv("SQLITE_PATH", "./namenode/metadata.db"),
		BadgerDir:          getEnv("BADGER_DIR", "./namenode/badger"),
		AWSRegion:          getEnv("AWS_REGION", "us-east-1"),
		DynamoDBEndpoint:   getEnv("DYNAMODB_ENDPOINT", ""),
		FileTable:          getEnv("FILE_TABLE", "dfs-files"),
		ChunkMetadataTable: getEnv("CHUNK_METADATA_TABLE", "dfs-chunk-metadata"),
		DirectoryTable:     getEnv("DIRECTORY_TABLE", "dfs-directories"),
		ReplicationFactor:  getEnvInt("REPLICATION_FACTOR", 3),
		ChunkSize:          getEnvInt64("CHUNK_SIZE", 64*1024*1024),

		NodeHeartbeatInterval: getEnvDuration("NODE_HEARTBEAT_INTERVAL", 3*time.Second),
		NodeHeartbeatTimeout:  getEnvDuration("NODE_HEARTBEAT_TIMEOUT", 10*time.Second),
		SweepInterval:         getEnvDuration("SWEEP_INTERVAL", time.Second),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		RepairWorkers:         getEnvInt("REPAIR_WORKERS", 4),
		RepairMaxAttempts:     getEnvInt("REPAIR_MAX_ATTEMPTS", 3),
		RepairBackoff:         getEnvDuration("REPAIR_BACKOFF", time.Second),
		OrphanGrace:           getEnvDuration("ORPHAN_GRACE", 10*time.Minute),
		RequestTimeout:        getEnvDuration("REQUEST_TIMEOUT", 30*time.Second),

		NodeID:             getEnv("NODE_ID", ""),
		NodeHost:           getEnv("NODE_HOST", ""),
		NodeAPIPort:        getEnvInt("NODE_API_PORT", 8081),
		NodeRPCPort:        getEnvInt("NODE_RPC_PORT", 9866),
		NodeDataDir:        getEnv("NODE_DATA_DIR", "./data/dfs"),
		NodeCapacityBytes:  getEnvInt64("NODE_CAPACITY_BYTES", 0),
		NodeDiscovery:      getEnv("NODE_DISCOVERY", "env"),
		HostAliases:        aliases,
		NameNodeURL:        getEnv("NAMENODE_URL", "http://localhost:8080"),
		ReplicationRetries: getEnvInt("REPLICATION_RETRIES", 3),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("REPLICATION_FACTOR must be at least 1")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.NodeHeartbeatInterval <= 0 {
		return fmt.Errorf("NODE_HEARTBEAT_INTERVAL must be positive")
	}
	// A single missed heartbeat must never be enough to declare a node dead.
	if c.NodeHeartbeatTimeout < 2*c.NodeHeartbeatInterval {
		return fmt.Errorf("NODE_HEARTBEAT_TIMEOUT (%s) must be at least twice NODE_HEARTBEAT_INTERVAL (%s)",
			c.NodeHeartbeatTimeout, c.NodeHeartbeatInterval)
	}
	if c.SweepInterval <= 0 || c.SweepInterval > c.NodeHeartbeatTimeout {
		return fmt.Errorf("SWEEP_INTERVAL must be positive and no longer than NODE_HEARTBEAT_TIMEOUT")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL must be positive")
	}
	if c.RepairWorkers < 1 {
		return fmt.Errorf("REPAIR_WORKERS must be at least 1")
	}
	if c.RepairMaxAttempts < 1 {
		return fmt.Errorf("REPAIR_MAX_ATTEMPTS must be at least 1")
	}
	if c.ReplicationRetries < 0 {
		return fmt.Errorf("REPLICATION_RETRIES must not be negative")
	}

	switch c.MetadataBackend {
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required")
		}
	case BackendBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required")
		}
	case BackendDynamoDB:
		if c.AWSRegion == "" {
			return fmt.Errorf("AWS_REGION is required")
		}
		if c.FileTable == "" || c.ChunkMetadataTable == "" || c.DirectoryTable == "" {
			return fmt.Errorf("FILE_TABLE, CHUNK_METADATA_TABLE and DIRECTORY_TABLE are required")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("METADATA_BACKEND must be one of sqlite, badger, dynamodb, memory")
	}

	if c.NodeDiscovery != "env" && c.NodeDiscovery != "ec2" {
		return fmt.Errorf("NODE_DISCOVERY must be 'env' or 'ec2'")
	}
	if c.NodeAPIPort <= 0 {
		return fmt.Errorf("NODE_API_PORT must be positive")
	}
	return nil
}

// ParseHostAliases parses "name=addr,name2=addr2".
func ParseHostAliases(s string) (map[string]string, error) {
	out := make(map[string]string)
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		name, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || name == "" || addr == "" {
			return nil, fmt.Errorf("invalid HOST_ALIASES entry %q", pair)
		}
		out[name] = addr
	}
	return out, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms") or bare seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}
