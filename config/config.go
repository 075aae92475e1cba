package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the client settings of the CLI. Precedence, lowest to highest: built-in defaults, TOML file,
// environment, flags.
type Config struct {
	Addr     string `toml:"addr"`
	User     string `toml:"user"`
	Password string `toml:"password"`
	Database string `toml:"database"`

	ReadBufferSize int  `toml:"read_buffer_size"`
	QueueDepth     int  `toml:"queue_depth"`
	Lenient        bool `toml:"lenient"`
	LogLevel       int  `toml:"log_level"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Addr:           "127.0.0.1:5432",
		User:           "postgres",
		ReadBufferSize: 8192,
		QueueDepth:     64,
	}
}

// Load decodes a TOML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse resolves the configuration from the command line. A -config
// flag (or PGPIPE_CONFIG) names a TOML file whose values become the
// flag defaults; environment variables sit between the two.
func Parse() (*Config, error) {
	return parseArgs(os.Args[1:])
}

func parseArgs(args []string) (*Config, error) {
	base := Default()
	if path := configPath(args); path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		base = loaded
	}

	cfg := &Config{}
	fs := flag.NewFlagSet("pgpipe", flag.ExitOnError)
	fs.String("config", "", "TOML config file")
	fs.StringVar(&cfg.Addr, "addr", envStr("PGPIPE_ADDR", base.Addr), "server address host:port")
	fs.StringVar(&cfg.User, "user", envStr("PGPIPE_USER", base.User), "auth username")
	fs.StringVar(&cfg.Password, "password", envStr("PGPIPE_PASSWORD", base.Password), "auth password")
	fs.StringVar(&cfg.Database, "database", envStr("PGPIPE_DATABASE", base.Database), "database name (defaults to the username)")
	fs.IntVar(&cfg.ReadBufferSize, "read-buffer", envInt("PGPIPE_READ_BUFFER", base.ReadBufferSize), "socket read chunk size in bytes")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", envInt("PGPIPE_QUEUE_DEPTH", base.QueueDepth), "dispatcher channel depth")
	fs.BoolVar(&cfg.Lenient, "lenient", envBool("PGPIPE_LENIENT", base.Lenient), "drop unexpected frames instead of reporting protocol errors")
	fs.IntVar(&cfg.LogLevel, "log-level", envInt("PGPIPE_LOG_LEVEL", base.LogLevel), "log verbosity (1 or more also logs the server version on connect)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// configPath finds the -config flag ahead of the full parse, falling
// back to PGPIPE_CONFIG.
func configPath(args []string) string {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return os.Getenv("PGPIPE_CONFIG")
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
