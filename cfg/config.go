package cfg

import (
	"flag"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// FailurePolicy decides how a stage reacts to extractor or applier
// failures: stop the task or log and keep going.
type FailurePolicy string

const (
	PolicyStop FailurePolicy = "stop"
	PolicyWarn FailurePolicy = "warn"
)

// ReplicationConfiguration controls the dispatch queue and stage loops
type ReplicationConfiguration struct {
	Partitions           int           `toml:"partitions"`
	MaxQueueSize         int           `toml:"max_queue_size"`
	MaxControlEvents     int           `toml:"max_control_events"`
	MaxCriticalSections  int           `toml:"max_critical_sections"`
	SyncEnabled          bool          `toml:"sync_enabled"`
	SyncInterval         int           `toml:"sync_interval"`
	Partitioner          string        `toml:"partitioner"`
	BlockCommitRows      int           `toml:"block_commit_rows"`
	ExtractorPolicy      FailurePolicy `toml:"extractor_failure_policy"`
	ApplierPolicy        FailurePolicy `toml:"applier_failure_policy"`
	SyncTHLWithExtractor bool          `toml:"sync_thl_with_extractor"`
	AutoSync             bool          `toml:"auto_sync"`
}

// BinlogConfiguration points the extractor at an upstream MySQL server
type BinlogConfiguration struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	ServerID uint32 `toml:"server_id"`
	Flavor   string `toml:"flavor"` // "mysql" or "mariadb"
}

// ExtractorConfiguration selects the upstream event source
type ExtractorConfiguration struct {
	Type   string              `toml:"type"` // "binlog" or "thl"
	Binlog BinlogConfiguration `toml:"binlog"`
}

// ApplierConfiguration configures one downstream applier
type ApplierConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "nats", "kafka", "csv"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	TopicPrefix     string   `toml:"topic_prefix"`
	Dir             string   `toml:"dir"` // staging directory for csv
	FieldSeparator  string   `toml:"field_separator"`
	UseQuotes       bool     `toml:"use_quotes"`
	UseHeaders      bool     `toml:"use_headers"`
	NullValue       string   `toml:"null_value"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMaxRetries int      `toml:"retry_max_retries"`
}

// ChunkerConfiguration controls bulk snapshot chunk planning
type ChunkerConfiguration struct {
	Enabled         bool   `toml:"enabled"`
	Driver          string `toml:"driver"` // "mysql" or "sqlite3"
	DSN             string `toml:"dsn"`
	ChunkSize       int64  `toml:"chunk_size"`
	ExtractChannels int    `toml:"extract_channels"`
	DefinitionsFile string `toml:"definitions_file"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// AdminConfiguration for the HTTP status surface
type AdminConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	SourceID string `toml:"source_id"`
	Service  string `toml:"service"`
	DataDir  string `toml:"data_dir"`

	Replication ReplicationConfiguration `toml:"replication"`
	Extractor   ExtractorConfiguration   `toml:"extractor"`
	Appliers    []ApplierConfiguration   `toml:"appliers"`
	Chunker     ChunkerConfiguration     `toml:"chunker"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "replicator.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	PartitionsFlag = flag.Int("partitions", 0, "Apply partition count (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	SourceID: "", // Auto-generate from machine ID
	Service:  "default",
	DataDir:  "./replicator-data",

	Replication: ReplicationConfiguration{
		Partitions:           4,
		MaxQueueSize:         100,
		MaxControlEvents:     1000,
		MaxCriticalSections:  1000,
		SyncEnabled:          true,
		SyncInterval:         2000,
		Partitioner:          "hash",
		BlockCommitRows:      10,
		ExtractorPolicy:      PolicyStop,
		ApplierPolicy:        PolicyStop,
		SyncTHLWithExtractor: false,
		AutoSync:             true,
	},

	Extractor: ExtractorConfiguration{
		Type: "thl",
		Binlog: BinlogConfiguration{
			Host:     "127.0.0.1",
			Port:     3306,
			User:     "replicator",
			ServerID: 5501,
			Flavor:   "mysql",
		},
	},

	Chunker: ChunkerConfiguration{
		Enabled:         false,
		Driver:          "mysql",
		ChunkSize:       1000,
		ExtractChannels: 4,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},

	Admin: AdminConfiguration{
		Enabled: true,
		Address: "0.0.0.0",
		Port:    8090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *PartitionsFlag != 0 {
		Config.Replication.Partitions = *PartitionsFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate source ID if not set
	if Config.SourceID == "" {
		id, err := generateSourceID()
		if err != nil {
			return fmt.Errorf("failed to generate source ID: %w", err)
		}
		Config.SourceID = id
		log.Info().Str("source_id", Config.SourceID).Msg("Auto-generated source ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateSourceID derives a stable source ID from the machine ID
func generateSourceID() (string, error) {
	id, err := machineid.ProtectedID("tungsten-replicator")
	if err != nil {
		return "", err
	}
	// A short prefix is unique enough and keeps event IDs readable
	if len(id) > 12 {
		id = id[:12]
	}
	return id, nil
}

// Validate checks configuration for errors
func Validate() error {
	r := &Config.Replication

	if r.Partitions < 1 {
		return fmt.Errorf("partitions must be >= 1")
	}
	if r.MaxQueueSize < 1 {
		return fmt.Errorf("max queue size must be >= 1")
	}
	if r.MaxControlEvents < 1 {
		return fmt.Errorf("max control events must be >= 1")
	}
	if r.MaxCriticalSections < 1 {
		return fmt.Errorf("max critical sections must be >= 1")
	}
	if r.SyncEnabled && r.SyncInterval < 1 {
		return fmt.Errorf("sync interval must be >= 1 when sync is enabled")
	}
	if r.BlockCommitRows < 1 {
		return fmt.Errorf("block commit rows must be >= 1")
	}

	validPolicies := map[FailurePolicy]bool{PolicyStop: true, PolicyWarn: true}
	if !validPolicies[r.ExtractorPolicy] {
		return fmt.Errorf("invalid extractor failure policy: %s", r.ExtractorPolicy)
	}
	if !validPolicies[r.ApplierPolicy] {
		return fmt.Errorf("invalid applier failure policy: %s", r.ApplierPolicy)
	}

	switch Config.Extractor.Type {
	case "binlog", "thl":
	default:
		return fmt.Errorf("invalid extractor type: %s", Config.Extractor.Type)
	}

	if Config.Chunker.Enabled {
		if Config.Chunker.ExtractChannels < 1 {
			return fmt.Errorf("extract channels must be >= 1")
		}
		if Config.Chunker.DSN == "" {
			return fmt.Errorf("chunker requires a dsn")
		}
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}
