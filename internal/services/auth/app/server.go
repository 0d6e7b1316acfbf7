package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/sgrastar/authrim-sub003/internal/platform/id"
	"github.com/sgrastar/authrim-sub003/internal/platform/timeouts"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/authcode"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/partition"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/refresh"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/shardconfig"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/shardconfig/rediscache"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/signals"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/signals/kafka"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/signing"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
	authbbolt "github.com/sgrastar/authrim-sub003/internal/services/auth/storage/bbolt"
	authpostgres "github.com/sgrastar/authrim-sub003/internal/services/auth/storage/postgres"
	authsqlite "github.com/sgrastar/authrim-sub003/internal/services/auth/storage/sqlite"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/tokens"
)

// HealthService is the health check name reported while the engine serves.
const HealthService = "auth.tokens"

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	defaultCleanupInterval = time.Minute
)

// Config carries everything the process needs to run.
type Config struct {
	Port int

	StatePath   string
	DBPath      string
	AuditDriver string
	PostgresURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	KafkaBrokers []string
	KafkaTopic   string
	SignalRate   float64

	Issuer     string
	SigningKey string

	CodeTTL         time.Duration
	RefreshTTL      time.Duration
	ShardLocalTTL   time.Duration
	ShardCacheTTL   time.Duration
	ShardHistory    int
	DefaultShards   uint32
	ShardSeedFile   string
	NodeID          int64
	CleanupInterval time.Duration

	Logger *zap.Logger
}

// Server hosts the token engine.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server

	state      *authbbolt.Store
	relational storage.RelationalStore
	redis      *redis.Client
	kafka      *kafka.Publisher
	runtime    *partition.Runtime

	engine   *tokens.Engine
	codes    *authcode.Service
	families *refresh.Service
	shards   *shardconfig.Manager
	relay    *signals.Relay

	cleanupInterval time.Duration
	logger          *zap.Logger
	closeOnce       sync.Once
}

// New opens every dependency and returns a server ready to Serve.
func New(ctx context.Context, cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{cleanupInterval: cfg.CleanupInterval, logger: logger}
	if s.cleanupInterval <= 0 {
		s.cleanupInterval = defaultCleanupInterval
	}
	if err := s.open(ctx, cfg); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *Server) open(ctx context.Context, cfg Config) error {
	seq, err := id.NewSequence(cfg.NodeID)
	if err != nil {
		return err
	}

	statePath := pathOrDefault(cfg.StatePath, filepath.Join("data", "auth-state.db"))
	if err := ensureDir(statePath); err != nil {
		return err
	}
	s.state, err = authbbolt.Open(statePath)
	if err != nil {
		return fmt.Errorf("open partition state: %w", err)
	}

	s.relational, err = OpenRelational(ctx, cfg, seq)
	if err != nil {
		return err
	}

	var cache shardconfig.Cache
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		s.redis = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		pingCtx, cancel := context.WithTimeout(ctx, timeouts.StoreRequest)
		pingErr := s.redis.Ping(pingCtx).Err()
		cancel()
		if pingErr != nil {
			return fmt.Errorf("ping redis %s: %w", addr, pingErr)
		}
		cache = rediscache.New(s.redis, "")
	}

	seeds, err := loadSeeds(cfg.ShardSeedFile)
	if err != nil {
		return err
	}
	s.shards = shardconfig.NewManager(s.relational, cache, shardconfig.Options{
		LocalTTL:          cfg.ShardLocalTTL,
		CacheTTL:          cfg.ShardCacheTTL,
		HistoryLimit:      cfg.ShardHistory,
		DefaultShardCount: cfg.DefaultShards,
		SeedCounts:        seeds,
		Logger:            s.logger.Named("shardconfig"),
	})

	seed, err := signing.DecodeSeed(cfg.SigningKey)
	if err != nil {
		return err
	}
	if len(seed) == 0 {
		s.logger.Warn("no signing key configured; using an ephemeral key")
	}
	signer, err := signing.NewKeySigner(cfg.Issuer, seed)
	if err != nil {
		return err
	}

	s.runtime = partition.New(partition.Options{Logger: s.logger.Named("partition")})
	s.codes = authcode.New(s.state, s.runtime, s.shards, authcode.Options{
		DefaultTTL: cfg.CodeTTL,
		Logger:     s.logger.Named("authcode"),
	})
	s.families = refresh.New(s.state, s.runtime, s.shards, signer, s.relational, refresh.Options{
		TTL:    cfg.RefreshTTL,
		Issuer: signer.Issuer(),
		Logger: s.logger.Named("refresh"),
	})
	s.engine = tokens.NewEngine(s.codes, s.families, s.shards, tokens.Options{
		Verifier: signer,
		Logger:   s.logger.Named("tokens"),
	})

	publisher, err := s.openPublisher(cfg)
	if err != nil {
		return err
	}
	s.relay = signals.New(s.relational, publisher, signals.Config{Rate: cfg.SignalRate}, s.logger.Named("signals"))

	s.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", cfg.Port, err)
	}
	s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	return nil
}

func (s *Server) openPublisher(cfg Config) (signals.Publisher, error) {
	brokers := make([]string, 0, len(cfg.KafkaBrokers))
	for _, broker := range cfg.KafkaBrokers {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	if len(brokers) == 0 {
		return signals.LogPublisher{Logger: s.logger.Named("signals")}, nil
	}
	publisher, err := kafka.NewPublisher(brokers, cfg.KafkaTopic)
	if err != nil {
		return nil, err
	}
	s.kafka = publisher
	return publisher, nil
}

// Engine exposes the token engine facade.
func (s *Server) Engine() *tokens.Engine {
	return s.engine
}

// Addr returns the listener address for the health endpoint.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves a server until the context ends.
func Run(ctx context.Context, cfg Config) error {
	s, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve runs the health endpoint, the cleanup loop and the signal relay until
// ctx ends or the gRPC server fails.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.cleanupLoop(serverCtx)
	}()
	go func() {
		defer wg.Done()
		if err := s.relay.Run(serverCtx); err != nil {
			s.logger.Error("signal relay stopped", zap.Error(err))
		}
	}()

	s.logger.Info("auth token engine listening", zap.String("addr", s.Addr()))
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	var err error
	select {
	case <-ctx.Done():
		s.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(timeouts.Shutdown):
			s.grpcServer.Stop()
		}
		err = <-serveErr
	case err = <-serveErr:
	}
	cancel()
	wg.Wait()

	if err == nil || errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return fmt.Errorf("serve gRPC: %w", err)
}

// Cleanup deletes expired codes and refresh state once.
func (s *Server) Cleanup(ctx context.Context, now time.Time) {
	codes, err := s.codes.CleanupExpired(ctx, now)
	if err != nil {
		s.logger.Warn("authorization code cleanup failed", zap.Error(err))
	}
	families, err := s.families.CleanupExpired(ctx, now)
	if err != nil {
		s.logger.Warn("refresh token cleanup failed", zap.Error(err))
	}
	if codes > 0 || families > 0 {
		s.logger.Info("expired token state removed", zap.Int("codes", codes), zap.Int("refresh_records", families))
	}
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.Cleanup(ctx, now)
		}
	}
}

func (s *Server) close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		if s.runtime != nil {
			s.runtime.Close()
		}
		if s.listener != nil {
			_ = s.listener.Close()
		}
		if s.kafka != nil {
			if err := s.kafka.Close(); err != nil {
				s.logger.Warn("close kafka publisher", zap.Error(err))
			}
		}
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				s.logger.Warn("close redis client", zap.Error(err))
			}
		}
		if s.relational != nil {
			if err := s.relational.Close(); err != nil {
				s.logger.Warn("close audit store", zap.Error(err))
			}
		}
		if s.state != nil {
			if err := s.state.Close(); err != nil {
				s.logger.Warn("close partition state", zap.Error(err))
			}
		}
	})
}

// OpenRelational opens the audit store selected by cfg.AuditDriver.
func OpenRelational(ctx context.Context, cfg Config, seq *id.Sequence) (storage.RelationalStore, error) {
	switch driver := strings.ToLower(strings.TrimSpace(cfg.AuditDriver)); driver {
	case "", DriverSQLite:
		path := pathOrDefault(cfg.DBPath, filepath.Join("data", "auth.db"))
		if err := ensureDir(path); err != nil {
			return nil, err
		}
		store, err := authsqlite.Open(path, authsqlite.WithSequence(seq))
		if err != nil {
			return nil, fmt.Errorf("open auth sqlite store: %w", err)
		}
		return store, nil
	case DriverPostgres:
		openCtx, cancel := context.WithTimeout(ctx, 10*timeouts.StoreRequest)
		defer cancel()
		store, err := authpostgres.Open(openCtx, cfg.PostgresURL, authpostgres.WithSequence(seq))
		if err != nil {
			return nil, fmt.Errorf("open auth postgres store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown audit driver %q", driver)
	}
}

func loadSeeds(path string) (map[string]uint32, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	return shardconfig.LoadSeed(path)
}

func pathOrDefault(path, fallback string) string {
	if path = strings.TrimSpace(path); path != "" {
		return path
	}
	return fallback
}

func ensureDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}
