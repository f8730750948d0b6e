package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
)

// Dependency store backends
const (
	StoreLMDB     = "lmdb"
	StorePostgres = "postgres"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "OSMINDEX_"

// Config holds the global configuration shared by all commands
type Config struct {
	// Input settings
	InputFile   string
	IndexSuffix string // sidecar suffix for the blob offset cache
	FilterFile  string // YAML tag filter rules

	// Scan settings
	Workers    int
	BufferSize datasize.ByteSize // minimum rented buffer size
	QueueDepth int               // elements buffered between workers and a streaming reader
	BatchSize  int               // relations per dependency build batch

	// Replication settings
	ReplicationURL   string
	ReplicationCache string // directory for downloaded diffs, empty disables caching
	StateFile        string
	UpdateInterval   time.Duration

	// Dependency store settings
	Store       string
	LMDBPath    string
	LMDBMapSize datasize.ByteSize

	// Database settings
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	DBSchema   string

	// Logging and metrics
	Verbose         bool
	LogFile         string
	MetricsInterval time.Duration // system metrics sampling, 0 disables
	MetricsAddr     string        // prometheus listen address, empty disables
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		IndexSuffix:      ".blobidx",
		Workers:          24,
		BufferSize:       16 * datasize.MB,
		QueueDepth:       4096,
		BatchSize:        10000,
		ReplicationURL:   "https://planet.openstreetmap.org/replication",
		ReplicationCache: "./replication_cache",
		StateFile:        "./replication_state.txt",
		UpdateInterval:   60 * time.Second,
		Store:            StoreLMDB,
		LMDBPath:         "./deps.lmdb",
		LMDBMapSize:      64 * datasize.GB,
		DBHost:           "localhost",
		DBPort:           5432,
		DBName:           "osm",
		DBUser:           "postgres",
		DBSchema:         "public",
		MetricsInterval:  30 * time.Second,
	}
}

// IndexPath returns the blob offset cache path for the input file
func (c *Config) IndexPath() string {
	return c.InputFile + c.IndexSuffix
}

// ConnectionString returns a PostgreSQL connection string
func (c *Config) ConnectionString() string {
	connStr := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBName, c.DBUser,
	)
	if c.DBPassword != "" {
		connStr += fmt.Sprintf(" password=%s", c.DBPassword)
	}
	if c.DBSchema != "" && c.DBSchema != "public" {
		connStr += fmt.Sprintf(" search_path=%s", c.DBSchema)
	}
	return connStr
}

// Validate checks settings shared by every command
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.BufferSize < 16*datasize.MB {
		return fmt.Errorf("buffer size must be at least 16MB, got %s", c.BufferSize.HR())
	}
	if c.QueueDepth < 1 {
		return fmt.Errorf("queue depth must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	switch c.Store {
	case StoreLMDB:
		if c.LMDBPath == "" {
			return fmt.Errorf("lmdb path is required")
		}
		if c.LMDBMapSize < datasize.MB {
			return fmt.Errorf("lmdb map size too small: %s", c.LMDBMapSize.HR())
		}
	case StorePostgres:
		if c.DBName == "" {
			return fmt.Errorf("database name is required")
		}
	default:
		return fmt.Errorf("unknown dependency store %q (want %s or %s)", c.Store, StoreLMDB, StorePostgres)
	}
	return nil
}

// ValidateInput additionally requires an input file that exists
func (c *Config) ValidateInput() error {
	if c.InputFile == "" {
		return fmt.Errorf("input file is required")
	}
	if _, err := os.Stat(c.InputFile); err != nil {
		return fmt.Errorf("input file: %w", err)
	}
	return c.Validate()
}

// LoadEnv loads an optional .env file and applies OSMINDEX_* overrides.
// A missing file is not an error.
func (c *Config) LoadEnv(path string) error {
	if path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return c.applyEnv(os.Getenv)
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	str("INPUT", &c.InputFile)
	str("REPLICATION_URL", &c.ReplicationURL)
	str("REPLICATION_CACHE", &c.ReplicationCache)
	str("STATE_FILE", &c.StateFile)
	str("STORE", &c.Store)
	str("LMDB_PATH", &c.LMDBPath)
	str("DB_HOST", &c.DBHost)
	str("DB_NAME", &c.DBName)
	str("DB_USER", &c.DBUser)
	str("DB_PASSWORD", &c.DBPassword)
	str("DB_SCHEMA", &c.DBSchema)
	str("LOG_FILE", &c.LogFile)
	str("METRICS_ADDR", &c.MetricsAddr)

	if v := getenv(EnvPrefix + "DB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sDB_PORT: %w", EnvPrefix, err)
		}
		c.DBPort = port
	}
	if v := getenv(EnvPrefix + "WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sWORKERS: %w", EnvPrefix, err)
		}
		c.Workers = n
	}
	if v := getenv(EnvPrefix + "LMDB_MAP_SIZE"); v != "" {
		if err := c.LMDBMapSize.UnmarshalText([]byte(strings.ToUpper(v))); err != nil {
			return fmt.Errorf("%sLMDB_MAP_SIZE: %w", EnvPrefix, err)
		}
	}
	if v := getenv(EnvPrefix + "VERBOSE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sVERBOSE: %w", EnvPrefix, err)
		}
		c.Verbose = b
	}
	return nil
}

// FeedCacheDir returns the diff cache directory for one replication feed
func (c *Config) FeedCacheDir(feed string) string {
	if c.ReplicationCache == "" {
		return ""
	}
	return filepath.Join(c.ReplicationCache, feed)
}
