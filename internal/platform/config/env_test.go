package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type envTestConfig struct {
	Shards  uint32        `env:"AUTHRIM_TEST_SHARDS" envDefault:"8"`
	CodeTTL time.Duration `env:"AUTHRIM_TEST_CODE_TTL" envDefault:"60s"`
	Brokers []string      `env:"AUTHRIM_TEST_BROKERS" envSeparator:","`
}

func TestParseEnvDefaults(t *testing.T) {
	var cfg envTestConfig

	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Shards != 8 || cfg.CodeTTL != time.Minute || len(cfg.Brokers) != 0 {
		t.Fatalf("defaults = %+v", cfg)
	}
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("AUTHRIM_TEST_SHARDS", "32")
	t.Setenv("AUTHRIM_TEST_CODE_TTL", "90s")
	t.Setenv("AUTHRIM_TEST_BROKERS", "k1:9092,k2:9092")

	var cfg envTestConfig
	if err := ParseEnv(&cfg); err != nil {
		t.Fatalf("parse env: %v", err)
	}
	if cfg.Shards != 32 || cfg.CodeTTL != 90*time.Second || len(cfg.Brokers) != 2 {
		t.Fatalf("overrides = %+v", cfg)
	}
}

func TestParseEnvError(t *testing.T) {
	var cfg envTestConfig
	t.Setenv("AUTHRIM_TEST_CODE_TTL", "soon")

	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
}

func TestLoadDotEnvDoesNotOverrideExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := "AUTHRIM_TEST_DOTENV_A=from-file\nAUTHRIM_TEST_DOTENV_B=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write dotenv: %v", err)
	}
	t.Setenv("AUTHRIM_TEST_DOTENV_A", "from-env")
	t.Setenv("AUTHRIM_TEST_DOTENV_B", "")
	os.Unsetenv("AUTHRIM_TEST_DOTENV_B")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv("AUTHRIM_TEST_DOTENV_A"); got != "from-env" {
		t.Fatalf("A = %q, want from-env", got)
	}
	if got := os.Getenv("AUTHRIM_TEST_DOTENV_B"); got != "from-file" {
		t.Fatalf("B = %q, want from-file", got)
	}
}
