// Package config loads auditd settings from configs/auditd.yaml with
// environment overrides, e.g. SERVER_PORT for server.port.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmerrifield20/AuditForest/internal/alerts"
	"github.com/jmerrifield20/AuditForest/internal/forest"
	"github.com/jmerrifield20/AuditForest/internal/merkle"
	"github.com/spf13/viper"
)

// Config is the full auditd configuration.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Forest     ForestConfig
	Compaction CompactionConfig
	ProofCache ProofCacheConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Alerts     AlertsConfig
	Log        LogConfig

	// File is the config file that was read, empty if none was found.
	File string
}

type ServerConfig struct {
	Port         int
	CORSOrigins  []string
	RateLimitRPS int
}

// DatabaseConfig selects storage. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL string
}

type ForestConfig struct {
	PartitionStrategy      string
	MaxRecordsPerTree      int
	TemporalPartitionHours int
	HashAlgorithm          string
	HashBuckets            int
}

type CompactionConfig struct {
	Interval time.Duration
	Enabled  bool
}

// ProofCacheConfig selects the proof cache: "none", "memory" or "redis".
type ProofCacheConfig struct {
	Backend string
	TTL     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds the HS256 secret for operator tokens. An empty secret
// disables authentication on write routes.
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	TokenTTL  time.Duration
}

// AlertsConfig lists the webhooks notified when an integrity sweep fails.
type AlertsConfig struct {
	Webhooks []alerts.Endpoint
}

type LogConfig struct {
	Development bool
}

// Load reads configuration. path overrides the default search of ./configs
// and the working directory for auditd.yaml.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("auditd")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	} else {
		cfg.File = v.ConfigFileUsed()
	}

	cfg.Server = ServerConfig{
		Port:         v.GetInt("server.port"),
		CORSOrigins:  v.GetStringSlice("server.cors_origins"),
		RateLimitRPS: v.GetInt("server.rate_limit_rps"),
	}
	cfg.Database = DatabaseConfig{URL: v.GetString("database.url")}
	cfg.Forest = ForestConfig{
		PartitionStrategy:      v.GetString("forest.partition_strategy"),
		MaxRecordsPerTree:      v.GetInt("forest.max_records_per_tree"),
		TemporalPartitionHours: v.GetInt("forest.temporal_partition_hours"),
		HashAlgorithm:          v.GetString("forest.hash_algorithm"),
		HashBuckets:            v.GetInt("forest.hash_buckets"),
	}
	cfg.Compaction = CompactionConfig{
		Interval: v.GetDuration("compaction.interval"),
		Enabled:  v.GetBool("compaction.enabled"),
	}
	cfg.ProofCache = ProofCacheConfig{
		Backend: strings.ToLower(v.GetString("proof_cache.backend")),
		TTL:     v.GetDuration("proof_cache.ttl"),
	}
	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}
	cfg.Auth = AuthConfig{
		JWTSecret: v.GetString("auth.jwt_secret"),
		Issuer:    v.GetString("auth.issuer"),
		TokenTTL:  v.GetDuration("auth.token_ttl"),
	}
	if err := v.UnmarshalKey("alerts.webhooks", &cfg.Alerts.Webhooks); err != nil {
		return cfg, fmt.Errorf("alerts.webhooks: %w", err)
	}
	cfg.Log = LogConfig{Development: v.GetBool("log.development")}

	switch cfg.ProofCache.Backend {
	case "none", "memory", "redis":
	default:
		return cfg, fmt.Errorf("proof_cache.backend: unknown backend %q", cfg.ProofCache.Backend)
	}
	if _, err := cfg.Forest.Build(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := forest.DefaultConfig()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.rate_limit_rps", 50)
	v.SetDefault("database.url", "")
	v.SetDefault("forest.partition_strategy", def.Strategy.String())
	v.SetDefault("forest.max_records_per_tree", def.MaxRecordsPerTree)
	v.SetDefault("forest.temporal_partition_hours", def.TemporalPartitionHours)
	v.SetDefault("forest.hash_algorithm", string(def.HashAlgorithm))
	v.SetDefault("forest.hash_buckets", 0)
	v.SetDefault("compaction.interval", "1h")
	v.SetDefault("compaction.enabled", true)
	v.SetDefault("proof_cache.backend", "memory")
	v.SetDefault("proof_cache.ttl", "10m")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "auditd")
	v.SetDefault("auth.token_ttl", "1h")
	v.SetDefault("log.development", false)
}

// Build converts the forest section into a validated forest.Config.
func (f ForestConfig) Build() (forest.Config, error) {
	strategy, err := forest.ParseStrategy(f.PartitionStrategy)
	if err != nil {
		return forest.Config{}, fmt.Errorf("forest.partition_strategy: %w", err)
	}
	alg, err := merkle.ParseAlgorithm(f.HashAlgorithm)
	if err != nil {
		return forest.Config{}, fmt.Errorf("forest.hash_algorithm: %w", err)
	}
	cfg := forest.Config{
		Strategy:               strategy,
		MaxRecordsPerTree:      f.MaxRecordsPerTree,
		TemporalPartitionHours: f.TemporalPartitionHours,
		HashAlgorithm:          alg,
		HashBuckets:            f.HashBuckets,
	}
	if err := cfg.Validate(); err != nil {
		return forest.Config{}, fmt.Errorf("forest: %w", err)
	}
	return cfg, nil
}
