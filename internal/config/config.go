package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Game     GameConfig     `yaml:"game"`
	Store    StoreConfig    `yaml:"store"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	NATS     NATSConfig     `yaml:"nats"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GameConfig holds session rules
type GameConfig struct {
	CodeLength      int           `yaml:"code_length"`
	CodeAlphabet    string        `yaml:"code_alphabet"`
	MaxCodeAttempts int           `yaml:"max_code_attempts"`
	MaxNameLength   int           `yaml:"max_name_length"`
	Countdown       time.Duration `yaml:"countdown"`
	Duration        time.Duration `yaml:"duration"`
}

// Store backends
const (
	StoreBackendMemory = "memory"
	StoreBackendFile   = "file"
	StoreBackendRedis  = "redis"
)

// StoreConfig holds session persistence configuration
type StoreConfig struct {
	Backend      string        `yaml:"backend"`
	FilePath     string        `yaml:"file_path"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Archive backends
const (
	ArchiveBackendFile     = "file"
	ArchiveBackendPostgres = "postgres"
)

// ArchiveConfig holds archive sink configuration
type ArchiveConfig struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	Prefix  string `yaml:"prefix"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	KeyPrefix    string        `yaml:"key_prefix"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxConnections  int           `yaml:"max_connections"`
	MinConnections  int           `yaml:"min_connections"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	GroupID      string        `yaml:"group_id"`
	Enabled      bool          `yaml:"enabled"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
}

// NATSConfig holds the session event publisher configuration
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// SweeperConfig holds background sweeper configuration
type SweeperConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	CompletedRetention time.Duration `yaml:"completed_retention"`
	LobbyTTL           time.Duration `yaml:"lobby_ttl"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Apply defaults
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the server cannot run with
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case StoreBackendMemory, StoreBackendFile, StoreBackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Archive.Backend {
	case ArchiveBackendFile:
	case ArchiveBackendPostgres:
		if !c.Postgres.Enabled {
			return fmt.Errorf("archive backend %q requires postgres.enabled", c.Archive.Backend)
		}
	default:
		return fmt.Errorf("unknown archive backend %q", c.Archive.Backend)
	}
	if c.Game.CodeLength < 4 {
		return fmt.Errorf("game.code_length must be at least 4, got %d", c.Game.CodeLength)
	}
	if len(c.Game.CodeAlphabet) < 2 {
		return fmt.Errorf("game.code_alphabet must have at least 2 characters")
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}

	// Game defaults
	if c.Game.CodeLength == 0 {
		c.Game.CodeLength = 6
	}
	if c.Game.CodeAlphabet == "" {
		c.Game.CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	}
	if c.Game.MaxCodeAttempts == 0 {
		c.Game.MaxCodeAttempts = 16
	}
	if c.Game.MaxNameLength == 0 {
		c.Game.MaxNameLength = 32
	}
	if c.Game.Countdown == 0 {
		c.Game.Countdown = 10 * time.Second
	}
	if c.Game.Duration == 0 {
		c.Game.Duration = 1 * time.Hour
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendFile
	}
	if c.Store.FilePath == "" {
		c.Store.FilePath = "data/sessions.json"
	}
	if c.Store.WriteTimeout == 0 {
		c.Store.WriteTimeout = 5 * time.Second
	}

	// Archive defaults
	if c.Archive.Backend == "" {
		c.Archive.Backend = ArchiveBackendFile
	}
	if c.Archive.Dir == "" {
		c.Archive.Dir = "data/archives"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "leaderboard"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "faxing"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 2
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 10
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 1
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "faxing-submissions"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "faxing-coordinator"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 50
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 200 * time.Millisecond
	}

	// NATS defaults
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "faxing.sessions"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = -1
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}

	// Sweeper defaults
	if c.Sweeper.Interval == 0 {
		c.Sweeper.Interval = 5 * time.Second
	}
	if c.Sweeper.CompletedRetention == 0 {
		c.Sweeper.CompletedRetention = 24 * time.Hour
	}
	if c.Sweeper.LobbyTTL == 0 {
		c.Sweeper.LobbyTTL = 6 * time.Hour
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sweeper.Enabled = true
	return cfg
}
