// Package config loads the engine configuration from YAML with environment
// overrides for deployment-sensitive values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/viraltrace/viraltrace/internal/compliance"
	"github.com/viraltrace/viraltrace/internal/graph"
	"github.com/viraltrace/viraltrace/internal/ingest"
	"github.com/viraltrace/viraltrace/internal/persistence/postgres"
	"github.com/viraltrace/viraltrace/internal/score"
	"github.com/viraltrace/viraltrace/internal/similarity"
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr" env:"VT_LISTEN_ADDR"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // per-request middleware deadline
}

// RedisConfig holds the similarity cache connection settings.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"VT_REDIS_ADDR"` // empty disables the cache
	Password string        `yaml:"password" env:"VT_REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LedgerConfig holds signing identity and ops-log settings.
type LedgerConfig struct {
	SignerKeyID    string `yaml:"signer_key_id"`
	PrivateKeyPath string `yaml:"private_key_path" env:"VT_LEDGER_KEY"` // ed25519 seed, hex
	OpsLogPath     string `yaml:"ops_log_path"` // empty logs denials to stderr
}

// ComplianceConfig holds the policy matrix and the issuing-authority key.
type ComplianceConfig struct {
	AuthorityKeyPath string            `yaml:"authority_key_path" env:"VT_AUTHORITY_KEY"` // ed25519 public key, hex; empty skips issuer verification
	Policy           compliance.Policy `yaml:"policy"`
}

// Config is the root engine configuration.
type Config struct {
	Server     ServerConfig            `yaml:"server"`
	Builder    graph.BuilderConfig     `yaml:"builder"`
	Score      score.Config            `yaml:"score"`
	Remote     similarity.RemoteConfig `yaml:"remote_scorer"`
	Redis      RedisConfig             `yaml:"redis"`
	Ledger     LedgerConfig            `yaml:"ledger"`
	Compliance ComplianceConfig        `yaml:"compliance"`
	Ingest     ingest.Config           `yaml:"ingest"`
	Postgres   postgres.Config         `yaml:"postgres"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:     ":8080",
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   30 * time.Second,
			RequestTimeout: 25 * time.Second,
		},
		Builder: graph.DefaultBuilderConfig(),
		Score:   score.DefaultConfig(),
		Remote:  similarity.DefaultRemoteConfig(),
		Redis: RedisConfig{
			TTL: time.Hour,
		},
		Ledger: LedgerConfig{
			SignerKeyID: "ledger-key-1",
		},
		Compliance: ComplianceConfig{
			Policy: compliance.DefaultPolicy(),
		},
		Ingest:   ingest.DefaultConfig(),
		Postgres: postgres.DefaultConfig(),
	}
}

// Load reads path over the defaults, then applies environment overrides.
// An empty path returns defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot start with.
func (c Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr is required")
	}
	if c.Builder.SimilarityThreshold < 0 || c.Builder.SimilarityThreshold > 1 {
		return fmt.Errorf("config: builder.similarity_threshold must be in [0,1]")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required when postgres is enabled")
	}
	if len(c.Compliance.Policy.Allowed) == 0 {
		return fmt.Errorf("config: compliance.policy.allowed must not be empty")
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VT_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("VT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("VT_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("VT_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Postgres.DSN = v
		cfg.Postgres.Enabled = true
	}
	if v := os.Getenv("VT_LEDGER_KEY"); v != "" {
		cfg.Ledger.PrivateKeyPath = v
	}
	if v := os.Getenv("VT_AUTHORITY_KEY"); v != "" {
		cfg.Compliance.AuthorityKeyPath = v
	}
	if v := os.Getenv("VT_REMOTE_SCORER_URL"); v != "" {
		cfg.Remote.URL = v
	}
}
