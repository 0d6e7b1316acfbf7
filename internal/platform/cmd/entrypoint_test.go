package cmd

import (
	"context"
	"errors"
	"flag"
	"testing"
)

type shardEnv struct {
	StatePath string `env:"CMD_TEST_STATE_PATH" envDefault:"data/auth-state.db"`
	Shards    uint32 `env:"CMD_TEST_SHARDS" envDefault:"8"`
}

func TestParseConfigThenFlagsOverride(t *testing.T) {
	t.Setenv("CMD_TEST_STATE_PATH", "env-state.db")
	t.Setenv("CMD_TEST_SHARDS", "16")

	var cfg shardEnv
	if err := ParseConfig(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.StringVar(&cfg.StatePath, "state-path", cfg.StatePath, "state path")
	if err := ParseArgs(fs, []string{"-state-path", "flag-state.db"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if cfg.StatePath != "flag-state.db" {
		t.Fatalf("state path = %q, want flag value", cfg.StatePath)
	}
	if cfg.Shards != 16 {
		t.Fatalf("shards = %d, want env value", cfg.Shards)
	}
}

func TestParseConfigRejectsNilTarget(t *testing.T) {
	if err := ParseConfig[shardEnv](nil); err == nil {
		t.Fatal("expected error for nil target")
	}
}

func TestParseArgsRejectsNilParser(t *testing.T) {
	if err := ParseArgs(nil, nil); err == nil {
		t.Fatal("expected error for nil parser")
	}
}

func TestRunWithTelemetryRejectsMissingInputs(t *testing.T) {
	run := func(context.Context) error { return nil }
	if err := RunWithTelemetry(context.Background(), " ", RunOptions{}, run); err == nil {
		t.Fatal("expected missing service error")
	}
	if err := RunWithTelemetry(context.Background(), ServiceAuth, RunOptions{}, nil); err == nil {
		t.Fatal("expected missing run function error")
	}
}

func TestRunWithTelemetryReturnsRunError(t *testing.T) {
	t.Setenv("AUTHRIM_OTEL_ENDPOINT", "")
	want := errors.New("stopped")
	called := false
	err := RunWithTelemetry(context.Background(), ServiceAuth, RunOptions{}, func(context.Context) error {
		called = true
		return want
	})
	if !called {
		t.Fatal("expected run function to be called")
	}
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want run error", err)
	}
}
