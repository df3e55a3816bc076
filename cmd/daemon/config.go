package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/devgianlu/go-ctrstream/ctr"
	"github.com/devgianlu/go-ctrstream/player"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

type Config struct {
	ConfigDir string `koanf:"config_dir"`
	LogLevel  string `koanf:"log_level"`

	Server struct {
		Enabled     bool   `koanf:"enabled"`
		Address     string `koanf:"address"`
		Port        int    `koanf:"port"`
		AllowOrigin string `koanf:"allow_origin"`
		CertFile    string `koanf:"cert_file"`
		KeyFile     string `koanf:"key_file"`

		ZeroconfBackend string `koanf:"zeroconf_backend"`
		ZeroconfName    string `koanf:"zeroconf_name"`
	} `koanf:"server"`

	Stream struct {
		StagingThreshold int           `koanf:"staging_threshold"`
		MaxChunkSize     int           `koanf:"max_chunk_size"`
		ConnectTimeout   time.Duration `koanf:"connect_timeout"`
		ReadTimeout      time.Duration `koanf:"read_timeout"`
		Proxy            string        `koanf:"proxy"`
		CounterPolicy    string        `koanf:"counter_policy"`
		OpenRetries      int           `koanf:"open_retries"`
	} `koanf:"stream"`

	Fetch struct {
		Url         string `koanf:"url"`
		Key         string `koanf:"key"`
		CounterBase string `koanf:"counter_base"`
		Offset      int64  `koanf:"offset"`
		Output      string `koanf:"output"`
	} `koanf:"fetch"`
}

func loadConfig(args []string) (*Config, error) {
	f := pflag.NewFlagSet("go-ctrstream", pflag.ContinueOnError)
	f.String("config_dir", defaultConfigDir(), "directory holding config.yml and the lock file")
	f.String("log_level", "info", "log level (trace, debug, info, warn, error)")
	f.Bool("server.enabled", false, "enable the API server")
	f.Int("server.port", 0, "API server port")
	f.String("server.zeroconf_backend", "", "advertise the API server via mDNS (builtin, avahi)")
	f.String("stream.proxy", "", "http(s) or socks5 proxy for streams")
	f.String("stream.counter_policy", ctr.CounterPolicyFull128.String(), "counter derivation policy (full128, nonce64)")
	f.String("fetch.url", "", "fetch a single resource instead of running the daemon")
	f.String("fetch.key", "", "hex encoded AES key of the fetched resource")
	f.String("fetch.counter_base", "", "hex encoded initial counter block of the fetched resource")
	f.Int64("fetch.offset", 0, "plaintext offset to start fetching from")
	f.StringP("fetch.output", "o", "-", "output file, - for stdout")
	if err := f.Parse(args); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(map[string]any{
		"log_level":                "info",
		"server.address":           "localhost",
		"server.port":              0,
		"server.zeroconf_name":     "go-ctrstream",
		"stream.staging_threshold": 0,
		"stream.max_chunk_size":    0,
		"stream.connect_timeout":   "10s",
		"stream.read_timeout":      "10s",
		"stream.counter_policy":    ctr.CounterPolicyFull128.String(),
		"stream.open_retries":      player.DefaultOpenRetries,
		"fetch.output":             "-",
	}, "."), nil); err != nil {
		return nil, fmt.Errorf("failed loading default configuration: %w", err)
	}

	configDir, _ := f.GetString("config_dir")
	configPath := filepath.Join(configDir, "config.yml")
	if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed reading configuration file %s: %w", configPath, err)
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed loading command line flags: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed unmarshalling configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.ConfigDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed creating config directory: %w", err)
	}

	return &cfg, nil
}

func (c *Config) playerOptions(log LogrusAdapter) (*player.Options, error) {
	policy, err := ctr.ParseCounterPolicy(c.Stream.CounterPolicy)
	if err != nil {
		return nil, err
	}

	return &player.Options{
		Log:              log,
		ConnectTimeout:   c.Stream.ConnectTimeout,
		ReadTimeout:      c.Stream.ReadTimeout,
		ProxyUrl:         c.Stream.Proxy,
		StagingThreshold: c.Stream.StagingThreshold,
		MaxChunkSize:     c.Stream.MaxChunkSize,
		CounterPolicy:    policy,
		OpenRetries:      c.Stream.OpenRetries,
	}, nil
}
