package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgpipe.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := parseArgs(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != "127.0.0.1:5432" || cfg.User != "postgres" {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.ReadBufferSize != 8192 || cfg.QueueDepth != 64 {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Lenient || cfg.LogLevel != 0 {
		t.Fatalf("defaults: %+v", cfg)
	}
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
addr = "db.internal:5433"
user = "svc"
queue_depth = 128
lenient = true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != "db.internal:5433" || cfg.User != "svc" {
		t.Fatalf("loaded: %+v", cfg)
	}
	if cfg.QueueDepth != 128 || !cfg.Lenient {
		t.Fatalf("loaded: %+v", cfg)
	}
	// Keys the file omits keep their defaults.
	if cfg.ReadBufferSize != 8192 {
		t.Fatalf("read buffer = %d, want 8192", cfg.ReadBufferSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestFileBecomesFlagDefault(t *testing.T) {
	path := writeConfig(t, `addr = "from-file:5432"`)
	cfg, err := parseArgs([]string{"-config", path})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != "from-file:5432" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
}

func TestFlagBeatsFile(t *testing.T) {
	path := writeConfig(t, `addr = "from-file:5432"`)
	cfg, err := parseArgs([]string{"-config=" + path, "-addr", "from-flag:5432"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Addr != "from-flag:5432" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
}

func TestEnvBeatsFile(t *testing.T) {
	path := writeConfig(t, `user = "from-file"`)
	t.Setenv("PGPIPE_USER", "from-env")
	cfg, err := parseArgs([]string{"--config", path})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.User != "from-env" {
		t.Fatalf("user = %q", cfg.User)
	}
}

func TestFlagBeatsEnv(t *testing.T) {
	t.Setenv("PGPIPE_USER", "from-env")
	cfg, err := parseArgs([]string{"-user", "from-flag"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.User != "from-flag" {
		t.Fatalf("user = %q", cfg.User)
	}
}

func TestConfigPathForms(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"-config", "a.toml"}, "a.toml"},
		{[]string{"--config", "b.toml"}, "b.toml"},
		{[]string{"-config=c.toml"}, "c.toml"},
		{[]string{"--config=d.toml"}, "d.toml"},
		{[]string{"-addr", "x:1"}, ""},
	}
	for _, tt := range tests {
		if got := configPath(tt.args); got != tt.want {
			t.Fatalf("configPath(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestConfigPathEnvFallback(t *testing.T) {
	t.Setenv("PGPIPE_CONFIG", "env.toml")
	if got := configPath(nil); got != "env.toml" {
		t.Fatalf("configPath = %q", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("PGPIPE_T_STR", "v")
	t.Setenv("PGPIPE_T_INT", "17")
	t.Setenv("PGPIPE_T_BOOL", "true")
	t.Setenv("PGPIPE_T_BAD", "not-a-number")

	if got := envStr("PGPIPE_T_STR", "d"); got != "v" {
		t.Fatalf("envStr = %q", got)
	}
	if got := envStr("PGPIPE_T_UNSET", "d"); got != "d" {
		t.Fatalf("envStr fallback = %q", got)
	}
	if got := envInt("PGPIPE_T_INT", 1); got != 17 {
		t.Fatalf("envInt = %d", got)
	}
	if got := envInt("PGPIPE_T_BAD", 1); got != 1 {
		t.Fatalf("envInt bad value = %d", got)
	}
	if !envBool("PGPIPE_T_BOOL", false) {
		t.Fatal("envBool = false")
	}
	if envBool("PGPIPE_T_BAD", false) {
		t.Fatal("envBool bad value = true")
	}
}
