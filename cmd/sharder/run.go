package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/codewandler/clstr-sharder/adapters/gateway"
	"github.com/codewandler/clstr-sharder/adapters/nats"
	promadapter "github.com/codewandler/clstr-sharder/adapters/prometheus"
	"github.com/codewandler/clstr-sharder/adapters/ws"
	"github.com/codewandler/clstr-sharder/core/ipc"
	"github.com/codewandler/clstr-sharder/core/launch"
	"github.com/codewandler/clstr-sharder/core/sharding"
)

func newRunCmd(cfg *config, resolve func(*cobra.Command) (config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn every cluster and supervise it until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := resolve(cmd)
			if err != nil {
				return err
			}
			if err := c.validate(); err != nil {
				return err
			}
			log, err := newLogger(cmd.ErrOrStderr(), c.LogLevel)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, log, c)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Token, "token", "", "bot token, $"+envToken)
	f.StringVar(&cfg.API, "api", "", "REST API base url")
	f.IntVarP(&cfg.ShardCount, "shards", "s", 0, "total shard count, 0 for the recommended count")
	f.IntVarP(&cfg.ClusterCount, "clusters", "n", 0, "number of worker processes")
	f.IntVar(&cfg.GuildsPerShard, "guilds-per-shard", 0, "guilds per shard")
	f.DurationVar(&cfg.Timeout, "timeout", 0, "readiness budget per shard")
	f.BoolVar(&cfg.Retry, "retry", true, "retry clusters that failed to spawn")
	f.IntVar(&cfg.Retries, "retries", 0, "retry passes")
	f.BoolVar(&cfg.Respawn, "respawn", true, "respawn workers that exit")
	f.DurationVar(&cfg.RespawnDelay, "respawn-delay", 0, "pause between kill and spawn")
	f.StringVar(&cfg.Transport, "transport", "", "IPC transport (ws, nats)")
	f.StringVar(&cfg.Endpoint, "endpoint", "", "websocket port, host:port or unix socket path")
	f.StringVar(&cfg.NATSURL, "nats-url", "", "NATS server url, $"+envNATSURL)
	f.StringVarP(&cfg.Worker, "worker", "w", "", "worker executable")
	f.StringSliceVar(&cfg.WorkerArgs, "worker-arg", nil, "worker argument (repeatable)")
	f.StringToStringVar(&cfg.Env, "env", nil, "extra worker environment KEY=VALUE")
	f.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve /metrics on this address")
	return cmd
}

// overlayFlag copies the value of flag name from the flag-bound config.
func overlayFlag(dst *config, flags config, name string) {
	switch name {
	case "token":
		dst.Token = flags.Token
	case "api":
		dst.API = flags.API
	case "shards":
		dst.ShardCount = flags.ShardCount
	case "clusters":
		dst.ClusterCount = flags.ClusterCount
	case "guilds-per-shard":
		dst.GuildsPerShard = flags.GuildsPerShard
	case "timeout":
		dst.Timeout = flags.Timeout
	case "retry":
		dst.Retry = flags.Retry
	case "retries":
		dst.Retries = flags.Retries
	case "respawn":
		dst.Respawn = flags.Respawn
	case "respawn-delay":
		dst.RespawnDelay = flags.RespawnDelay
	case "transport":
		dst.Transport = flags.Transport
	case "endpoint":
		dst.Endpoint = flags.Endpoint
	case "nats-url":
		dst.NATSURL = flags.NATSURL
	case "worker":
		dst.Worker = flags.Worker
	case "worker-arg":
		dst.WorkerArgs = flags.WorkerArgs
	case "env":
		dst.Env = flags.Env
	case "metrics-addr":
		dst.MetricsAddr = flags.MetricsAddr
	case "log-level":
		dst.LogLevel = flags.LogLevel
	}
}

func newTransport(log *slog.Logger, c config) (ipc.ServerTransport, launch.IPC, error) {
	switch c.Transport {
	case launch.TransportNATS:
		connect := nats.ConnectDefault(natsgo.Name("sharder"))
		if c.NATSURL != "" {
			connect = nats.ConnectURL(c.NATSURL, natsgo.Name("sharder"))
		}
		tr, err := nats.NewTransport(nats.TransportConfig{Connect: connect, Log: log})
		if err != nil {
			return nil, launch.IPC{}, err
		}
		return tr, launch.IPC{Transport: launch.TransportNATS, SubjectPrefix: tr.Prefix()}, nil
	default:
		tr := ws.NewServer(ws.ServerConfig{Endpoint: c.Endpoint, Log: log})
		return tr, launch.IPC{Transport: launch.TransportWS}, nil
	}
}

func run(ctx context.Context, log *slog.Logger, c config) error {
	tr, ipcParams, err := newTransport(log, c)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := promadapter.NewAllMetrics(reg)

	opts := c.managerOptions()
	opts.Log = log
	opts.IPC = ipcParams
	opts.Transport = tr
	opts.Launcher = &sharding.ExecLauncher{Log: log, Path: c.Worker, Args: c.WorkerArgs}
	opts.Metrics = metrics.Sharding
	opts.IPCMetrics = metrics.IPC

	if c.Token != "" {
		p, err := gateway.New(gateway.Options{Log: log, Token: c.Token, API: c.API})
		if err != nil {
			_ = tr.Close()
			return err
		}
		opts.SessionProvider = p
		if opts.Env == nil {
			opts.Env = map[string]string{}
		}
		opts.Env[envToken] = gateway.NormalizeToken(c.Token)
	}

	m, err := sharding.New(opts)
	if err != nil {
		_ = tr.Close()
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Error("failed to close manager", slog.Any("error", err))
		}
	}()
	m.Subscribe(eventLogger(log))

	if c.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              c.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("serving metrics", slog.String("addr", c.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	log.Info("spawning", slog.String("run", m.RunID()))
	if err := m.Spawn(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("spawn: %w", err)
	}
	st := m.Stats()
	log.Info("all clusters spawned",
		slog.Int("shards", st.ShardCount),
		slog.Int("clusters", st.ClusterCount),
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// eventLogger logs manager events.
func eventLogger(log *slog.Logger) func(sharding.Event) {
	return func(ev sharding.Event) {
		switch e := ev.(type) {
		case sharding.StateEvent:
			log.Debug("state", slog.String("from", e.From.String()), slog.String("to", e.To.String()))
		case sharding.DebugEvent:
			log.Debug(e.Message)
		case sharding.SpawnEvent:
			log.Info("spawning cluster", slog.Int("cluster", e.ClusterID), slog.Any("shards", e.ShardIDs), slog.Int("attempt", e.Attempt))
		case sharding.ReadyEvent:
			log.Info("cluster ready", slog.Int("cluster", e.ClusterID))
		case sharding.ExitEvent:
			log.Warn("worker exited", slog.Int("cluster", e.ClusterID), slog.String("status", e.Status.String()), slog.Any("error", e.Err))
		case sharding.ErrorEvent:
			log.Error("cluster error", slog.Int("cluster", e.ClusterID), slog.Any("error", e.Err))
		case sharding.MessageEvent:
			log.Debug("message", slog.String("from", e.From), slog.String("data", string(e.Message.D)))
		case sharding.ShardReadyEvent:
			log.Debug("shard ready", slog.Int("cluster", e.ClusterID), slog.Int("shard", e.ShardID))
		case sharding.ShardReconnectEvent:
			log.Info("shard reconnecting", slog.Int("cluster", e.ClusterID), slog.Int("shard", e.ShardID))
		case sharding.ShardResumeEvent:
			log.Info("shard resumed", slog.Int("cluster", e.ClusterID), slog.Int("shard", e.ShardID), slog.Int("replayed", e.Replayed))
		case sharding.ShardDisconnectEvent:
			attrs := []any{slog.Int("cluster", e.ClusterID), slog.Int("shard", e.ShardID)}
			if e.CloseEvent != nil {
				attrs = append(attrs, slog.Int("code", e.CloseEvent.Code), slog.String("reason", e.CloseEvent.Reason))
			}
			log.Warn("shard disconnected", attrs...)
		}
	}
}
