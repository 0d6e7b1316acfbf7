// Package authctl implements the admin command line for the auth token engine:
// shard reconfiguration, audit event listing and health checks.
package authctl

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"

	entrypoint "github.com/sgrastar/authrim-sub003/internal/platform/cmd"
	platformgrpc "github.com/sgrastar/authrim-sub003/internal/platform/grpc"
	"github.com/sgrastar/authrim-sub003/internal/platform/id"
	server "github.com/sgrastar/authrim-sub003/internal/services/auth/app"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/generation"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/shardconfig"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/shardconfig/rediscache"
	"github.com/sgrastar/authrim-sub003/internal/services/auth/storage"
)

const usage = `usage: authctl [flags] <command>

commands:
  shards show <scope>
  shards set <scope> <count>
  shards history <scope>
  events list
  health`

// ErrUsage reports a malformed command line.
var ErrUsage = errors.New(usage)

type envConfig struct {
	DBPath      string        `env:"AUTHRIM_AUTH_DB_PATH" envDefault:"data/auth.db"`
	AuditDriver string        `env:"AUTHRIM_AUTH_AUDIT_DRIVER" envDefault:"sqlite"`
	PostgresURL string        `env:"AUTHRIM_AUTH_POSTGRES_URL"`
	RedisAddr   string        `env:"AUTHRIM_AUTH_REDIS_ADDR"`
	RedisPass   string        `env:"AUTHRIM_AUTH_REDIS_PASSWORD"`
	RedisDB     int           `env:"AUTHRIM_AUTH_REDIS_DB" envDefault:"0"`
	AuthAddr    string        `env:"AUTHRIM_AUTH_ADDR" envDefault:"localhost:8083"`
	NodeID      int64         `env:"AUTHRIM_AUTHCTL_NODE_ID" envDefault:"1023"`
	Timeout     time.Duration `env:"AUTHRIM_AUTHCTL_TIMEOUT" envDefault:"30s"`
}

// Config holds authctl configuration.
type Config struct {
	DBPath      string
	AuditDriver string
	PostgresURL string
	RedisAddr   string
	RedisPass   string
	RedisDB     int
	AuthAddr    string
	NodeID      int64
	Timeout     time.Duration

	Actor      string
	Notes      string
	Limit      int
	Kind       string
	Subject    string
	ClientID   string
	JSONOutput bool

	Command []string
}

// ParseConfig parses env defaults, flags and the positional command.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := entrypoint.ParseConfig(&envCfg); err != nil {
		return Config{}, err
	}
	cfg := Config{
		DBPath:      envCfg.DBPath,
		AuditDriver: envCfg.AuditDriver,
		PostgresURL: envCfg.PostgresURL,
		RedisAddr:   envCfg.RedisAddr,
		RedisPass:   envCfg.RedisPass,
		RedisDB:     envCfg.RedisDB,
		AuthAddr:    envCfg.AuthAddr,
		NodeID:      envCfg.NodeID,
		Timeout:     envCfg.Timeout,
		Limit:       20,
	}

	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the auth sqlite database (default: AUTHRIM_AUTH_DB_PATH or data/auth.db)")
	fs.StringVar(&cfg.AuditDriver, "audit-driver", cfg.AuditDriver, "audit store driver (sqlite or postgres)")
	fs.StringVar(&cfg.PostgresURL, "postgres-url", cfg.PostgresURL, "postgres connection url")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "redis address; when set, shard changes invalidate the shared cache")
	fs.StringVar(&cfg.AuthAddr, "auth-addr", cfg.AuthAddr, "auth gRPC address for health")
	fs.StringVar(&cfg.Actor, "actor", "", "operator recorded on audit rows (required for shards set)")
	fs.StringVar(&cfg.Notes, "notes", "", "free-form note recorded with a shard change")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "max rows to print")
	fs.StringVar(&cfg.Kind, "kind", "", "audit kind filter for events list")
	fs.StringVar(&cfg.Subject, "subject", "", "subject filter for events list")
	fs.StringVar(&cfg.ClientID, "client-id", "", "client filter for events list")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.Command = fs.Args()
	if len(cfg.Command) == 0 {
		return Config{}, ErrUsage
	}
	if cfg.Limit <= 0 {
		return Config{}, fmt.Errorf("limit must be greater than zero")
	}
	return cfg, nil
}

// Run executes cfg.Command and writes its report to out.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	switch cfg.Command[0] {
	case "health":
		return runHealth(ctx, cfg, out)
	case "shards", "events":
	default:
		return ErrUsage
	}

	store, err := server.OpenRelational(ctx, server.Config{
		DBPath:      cfg.DBPath,
		AuditDriver: cfg.AuditDriver,
		PostgresURL: cfg.PostgresURL,
	}, sequence(cfg.NodeID))
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Command[0] == "events" {
		return runEvents(ctx, cfg, store, out)
	}

	var cache shardconfig.Cache
	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPass, DB: cfg.RedisDB})
		defer client.Close()
		cache = rediscache.New(client, "")
	}
	manager := shardconfig.NewManager(store, cache, shardconfig.Options{})
	return runShards(ctx, cfg, manager, out)
}

func runShards(ctx context.Context, cfg Config, manager *shardconfig.Manager, out io.Writer) error {
	if len(cfg.Command) < 3 {
		return ErrUsage
	}
	scope := cfg.Command[2]
	if err := generation.ValidateScope(scope); err != nil {
		return err
	}
	switch cfg.Command[1] {
	case "show":
		if len(cfg.Command) != 3 {
			return ErrUsage
		}
		current, err := manager.Get(ctx, scope)
		if err != nil {
			return err
		}
		return writeConfig(out, *current, cfg.JSONOutput)
	case "set":
		if len(cfg.Command) != 4 {
			return ErrUsage
		}
		if strings.TrimSpace(cfg.Actor) == "" {
			return fmt.Errorf("-actor is required for shards set")
		}
		count, err := strconv.ParseUint(cfg.Command[3], 10, 32)
		if err != nil {
			return fmt.Errorf("shard count %q: %w", cfg.Command[3], err)
		}
		next, err := manager.SetShardCount(ctx, scope, uint32(count), cfg.Actor, cfg.Notes)
		if err != nil {
			return err
		}
		return writeConfig(out, next, cfg.JSONOutput)
	case "history":
		if len(cfg.Command) != 3 {
			return ErrUsage
		}
		records, err := manager.History(ctx, scope, cfg.Limit)
		if err != nil {
			return err
		}
		return writeHistory(out, records, cfg.JSONOutput)
	default:
		return ErrUsage
	}
}

func runEvents(ctx context.Context, cfg Config, store storage.AuditStore, out io.Writer) error {
	if len(cfg.Command) != 2 || cfg.Command[1] != "list" {
		return ErrUsage
	}
	events, err := store.ListEvents(ctx, storage.EventFilter{
		Kind:     storage.AuditKind(strings.TrimSpace(cfg.Kind)),
		Subject:  strings.TrimSpace(cfg.Subject),
		ClientID: strings.TrimSpace(cfg.ClientID),
		Limit:    cfg.Limit,
	})
	if err != nil {
		return err
	}
	if cfg.JSONOutput {
		return writeJSON(out, events)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSCOPE\tACTOR\tSUBJECT\tCLIENT\tFAMILY\tCREATED\tDETAIL")
	for _, event := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			event.ID, event.Kind, event.Scope, event.Actor, event.Subject, event.ClientID,
			event.FamilyID, event.CreatedAt.UTC().Format(time.RFC3339), event.Detail)
	}
	return w.Flush()
}

func runHealth(ctx context.Context, cfg Config, out io.Writer) error {
	if len(cfg.Command) != 1 {
		return ErrUsage
	}
	conn, err := platformgrpc.Dial(cfg.AuthAddr)
	if err != nil {
		return err
	}
	defer conn.Close()
	status, err := platformgrpc.Check(ctx, conn, server.HealthService)
	if err != nil {
		return fmt.Errorf("check %s: %w", cfg.AuthAddr, err)
	}
	_, err = fmt.Fprintf(out, "%s %s\n", server.HealthService, status)
	return err
}

func writeConfig(out io.Writer, cfg generation.ShardConfig, asJSON bool) error {
	if asJSON {
		return writeJSON(out, cfg)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "scope\t%s\n", cfg.Scope)
	fmt.Fprintf(w, "generation\t%d\n", cfg.CurrentGeneration)
	fmt.Fprintf(w, "shards\t%d\n", cfg.CurrentShardCount)
	fmt.Fprintf(w, "updated\t%s by %s\n", cfg.UpdatedAt.UTC().Format(time.RFC3339), cfg.UpdatedBy)
	for _, entry := range cfg.PreviousGenerations {
		fmt.Fprintf(w, "previous\tg%d shards=%d deprecated=%s\n",
			entry.Generation, entry.ShardCount, entry.DeprecatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func writeHistory(out io.Writer, records []storage.ShardConfigRecord, asJSON bool) error {
	if asJSON {
		type row struct {
			Scope      string    `json:"scope"`
			Generation uint64    `json:"generation"`
			ShardCount uint32    `json:"shard_count"`
			Actor      string    `json:"actor"`
			Notes      string    `json:"notes,omitempty"`
			CreatedAt  time.Time `json:"created_at"`
		}
		rows := make([]row, 0, len(records))
		for _, record := range records {
			rows = append(rows, row{record.Scope, record.Generation, record.ShardCount, record.Actor, record.Notes, record.CreatedAt})
		}
		return writeJSON(out, rows)
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GENERATION\tSHARDS\tACTOR\tCREATED\tNOTES")
	for _, record := range records {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", record.Generation, record.ShardCount, record.Actor,
			record.CreatedAt.UTC().Format(time.RFC3339), record.Notes)
	}
	return w.Flush()
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func sequence(node int64) *id.Sequence {
	seq, err := id.NewSequence(node)
	if err != nil {
		return nil
	}
	return seq
}
