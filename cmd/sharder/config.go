package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/codewandler/clstr-sharder/adapters/ws"
	"github.com/codewandler/clstr-sharder/core/launch"
	"github.com/codewandler/clstr-sharder/core/sharding"
)

const (
	envToken    = "SHARDER_TOKEN"
	envNATSURL  = "NATS_URL"
	envLogLevel = "SHARDER_LOG_LEVEL"
)

type config struct {
	Token          string
	API            string
	ShardCount     int
	ClusterCount   int
	GuildsPerShard int
	Timeout        time.Duration
	Retry          bool
	Retries        int
	Respawn        bool
	RespawnDelay   time.Duration

	Transport string
	Endpoint  string
	NATSURL   string

	Worker     string
	WorkerArgs []string
	Env        map[string]string

	MetricsAddr string
	LogLevel    string
}

func defaultConfig() config {
	d := sharding.DefaultOptions()
	return config{
		ShardCount:     d.ShardCount,
		ClusterCount:   d.ClusterCount,
		GuildsPerShard: d.GuildsPerShard,
		Timeout:        d.Timeout,
		Retry:          d.Retry,
		Retries:        d.Retries,
		Respawn:        d.Respawn,
		RespawnDelay:   d.RespawnDelay,
		Transport:      launch.TransportWS,
		Endpoint:       ws.DefaultEndpoint,
	}
}

type fileConfig struct {
	Token          string            `toml:"token"`
	API            string            `toml:"api"`
	ShardCount     any               `toml:"shard_count"`
	ClusterCount   int               `toml:"cluster_count"`
	GuildsPerShard int               `toml:"guilds_per_shard"`
	Timeout        string            `toml:"timeout"`
	Retry          bool              `toml:"retry"`
	Retries        int               `toml:"retries"`
	Respawn        bool              `toml:"respawn"`
	RespawnDelay   string            `toml:"respawn_delay"`
	Transport      string            `toml:"transport"`
	Endpoint       string            `toml:"endpoint"`
	NATSURL        string            `toml:"nats_url"`
	Worker         string            `toml:"worker"`
	WorkerArgs     []string          `toml:"worker_args"`
	Env            map[string]string `toml:"env"`
	MetricsAddr    string            `toml:"metrics_addr"`
	LogLevel       string            `toml:"log_level"`
}

// loadConfig overlays the keys defined in the TOML file at path onto cfg.
func loadConfig(path string, cfg *config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("token") {
		cfg.Token = strings.TrimSpace(raw.Token)
	}
	if meta.IsDefined("api") {
		cfg.API = strings.TrimSpace(raw.API)
	}
	if meta.IsDefined("shard_count") {
		n, err := parseShardCount(raw.ShardCount)
		if err != nil {
			return err
		}
		cfg.ShardCount = n
	}
	if meta.IsDefined("cluster_count") {
		cfg.ClusterCount = raw.ClusterCount
	}
	if meta.IsDefined("guilds_per_shard") {
		cfg.GuildsPerShard = raw.GuildsPerShard
	}
	if meta.IsDefined("timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.Timeout))
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		cfg.Timeout = d
	}
	if meta.IsDefined("retry") {
		cfg.Retry = raw.Retry
	}
	if meta.IsDefined("retries") {
		cfg.Retries = raw.Retries
	}
	if meta.IsDefined("respawn") {
		cfg.Respawn = raw.Respawn
	}
	if meta.IsDefined("respawn_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RespawnDelay))
		if err != nil {
			return fmt.Errorf("parse respawn_delay: %w", err)
		}
		cfg.RespawnDelay = d
	}
	if meta.IsDefined("transport") {
		cfg.Transport = strings.ToLower(strings.TrimSpace(raw.Transport))
	}
	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("nats_url") {
		cfg.NATSURL = strings.TrimSpace(raw.NATSURL)
	}
	if meta.IsDefined("worker") {
		cfg.Worker = strings.TrimSpace(raw.Worker)
	}
	if meta.IsDefined("worker_args") {
		cfg.WorkerArgs = raw.WorkerArgs
	}
	if meta.IsDefined("env") {
		cfg.Env = raw.Env
	}
	if meta.IsDefined("metrics_addr") {
		cfg.MetricsAddr = strings.TrimSpace(raw.MetricsAddr)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	return nil
}

// parseShardCount accepts a number or "auto".
func parseShardCount(v any) (int, error) {
	switch x := v.(type) {
	case int64:
		if x < 0 {
			return 0, fmt.Errorf("shard_count must not be negative, got %d", x)
		}
		return int(x), nil
	case string:
		s := strings.TrimSpace(x)
		if strings.EqualFold(s, "auto") {
			return sharding.ShardCountAuto, nil
		}
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("shard_count must be a number or \"auto\", got %q", x)
		}
		return n, nil
	}
	return 0, fmt.Errorf("shard_count must be a number or \"auto\", got %v", v)
}

// applyEnv fills settings left empty by the file and the flags.
func (c *config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(envToken); ok && c.Token == "" {
		c.Token = v
	}
	if v, ok := lookup(envNATSURL); ok && c.NATSURL == "" {
		c.NATSURL = v
	}
	if v, ok := lookup(envLogLevel); ok && c.LogLevel == "" {
		c.LogLevel = v
	}
}

func (c config) validate() error {
	switch c.Transport {
	case launch.TransportWS, launch.TransportNATS:
	default:
		return fmt.Errorf("unsupported transport %q (want %s or %s)", c.Transport, launch.TransportWS, launch.TransportNATS)
	}
	if c.ShardCount == sharding.ShardCountAuto && c.Token == "" {
		return fmt.Errorf("automatic shard count needs a token (--token or $%s)", envToken)
	}
	if strings.TrimSpace(c.Worker) == "" {
		return fmt.Errorf("no worker executable (--worker or worker in the config file)")
	}
	return nil
}

// managerOptions maps the settings onto manager options. Transport, launcher
// and metrics are wired by run.
func (c config) managerOptions() sharding.Options {
	opts := sharding.DefaultOptions()
	opts.ShardCount = c.ShardCount
	opts.ClusterCount = c.ClusterCount
	opts.GuildsPerShard = c.GuildsPerShard
	opts.Timeout = c.Timeout
	opts.Retry = c.Retry
	opts.Retries = c.Retries
	opts.Respawn = c.Respawn
	opts.RespawnDelay = c.RespawnDelay
	opts.Env = c.Env
	return opts
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}
