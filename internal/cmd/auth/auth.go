package auth

import (
	"context"
	"flag"
	"time"

	"go.uber.org/zap"

	entrypoint "github.com/sgrastar/authrim-sub003/internal/platform/cmd"
	server "github.com/sgrastar/authrim-sub003/internal/services/auth/app"
)

// Config holds auth command configuration.
type Config struct {
	Port     int    `env:"AUTHRIM_AUTH_PORT" envDefault:"8083"`
	LogLevel string `env:"AUTHRIM_AUTH_LOG_LEVEL" envDefault:"info"`

	StatePath   string `env:"AUTHRIM_AUTH_STATE_PATH" envDefault:"data/auth-state.db"`
	DBPath      string `env:"AUTHRIM_AUTH_DB_PATH" envDefault:"data/auth.db"`
	AuditDriver string `env:"AUTHRIM_AUTH_AUDIT_DRIVER" envDefault:"sqlite"`
	PostgresURL string `env:"AUTHRIM_AUTH_POSTGRES_URL"`

	RedisAddr     string `env:"AUTHRIM_AUTH_REDIS_ADDR"`
	RedisPassword string `env:"AUTHRIM_AUTH_REDIS_PASSWORD"`
	RedisDB       int    `env:"AUTHRIM_AUTH_REDIS_DB" envDefault:"0"`

	KafkaBrokers []string `env:"AUTHRIM_AUTH_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"AUTHRIM_AUTH_KAFKA_TOPIC" envDefault:"authrim.auth.signals"`
	SignalRate   float64  `env:"AUTHRIM_AUTH_SIGNAL_RATE" envDefault:"50"`

	Issuer     string `env:"AUTHRIM_AUTH_ISSUER"`
	SigningKey string `env:"AUTHRIM_AUTH_SIGNING_KEY"`

	CodeTTL         time.Duration `env:"AUTHRIM_AUTH_CODE_TTL" envDefault:"60s"`
	RefreshTTL      time.Duration `env:"AUTHRIM_AUTH_REFRESH_TTL" envDefault:"720h"`
	ShardLocalTTL   time.Duration `env:"AUTHRIM_AUTH_SHARD_LOCAL_TTL" envDefault:"10s"`
	ShardCacheTTL   time.Duration `env:"AUTHRIM_AUTH_SHARD_CACHE_TTL" envDefault:"5m"`
	ShardHistory    int           `env:"AUTHRIM_AUTH_SHARD_HISTORY" envDefault:"5"`
	DefaultShards   uint32        `env:"AUTHRIM_AUTH_DEFAULT_SHARDS" envDefault:"8"`
	ShardSeedFile   string        `env:"AUTHRIM_AUTH_SHARD_SEED_FILE"`
	NodeID          int64         `env:"AUTHRIM_AUTH_NODE_ID" envDefault:"1"`
	CleanupInterval time.Duration `env:"AUTHRIM_AUTH_CLEANUP_INTERVAL" envDefault:"1m"`
}

// ParseConfig reads env defaults and then flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.IntVar(&cfg.Port, "port", cfg.Port, "The auth gRPC health port")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.StatePath, "state-path", cfg.StatePath, "Path of the partition state database")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "Path of the SQLite audit database")
	fs.StringVar(&cfg.AuditDriver, "audit-driver", cfg.AuditDriver, "Audit store driver (sqlite or postgres)")
	fs.StringVar(&cfg.ShardSeedFile, "shard-seed", cfg.ShardSeedFile, "YAML file with initial shard counts")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the auth token engine.
func Run(ctx context.Context, cfg Config) error {
	logger, err := entrypoint.NewLogger(entrypoint.ServiceAuth, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	options := entrypoint.RunOptions{Logger: logger}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceAuth, options, func(ctx context.Context) error {
		return server.Run(ctx, cfg.serverConfig(logger))
	})
}

func (c Config) serverConfig(logger *zap.Logger) server.Config {
	return server.Config{
		Port:            c.Port,
		StatePath:       c.StatePath,
		DBPath:          c.DBPath,
		AuditDriver:     c.AuditDriver,
		PostgresURL:     c.PostgresURL,
		RedisAddr:       c.RedisAddr,
		RedisPassword:   c.RedisPassword,
		RedisDB:         c.RedisDB,
		KafkaBrokers:    c.KafkaBrokers,
		KafkaTopic:      c.KafkaTopic,
		SignalRate:      c.SignalRate,
		Issuer:          c.Issuer,
		SigningKey:      c.SigningKey,
		CodeTTL:         c.CodeTTL,
		RefreshTTL:      c.RefreshTTL,
		ShardLocalTTL:   c.ShardLocalTTL,
		ShardCacheTTL:   c.ShardCacheTTL,
		ShardHistory:    c.ShardHistory,
		DefaultShards:   c.DefaultShards,
		ShardSeedFile:   c.ShardSeedFile,
		NodeID:          c.NodeID,
		CleanupInterval: c.CleanupInterval,
		Logger:          logger,
	}
}
