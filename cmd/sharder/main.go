// Command sharder spawns worker processes for a sharded real-time client and
// supervises them.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/codewandler/clstr-sharder/core/sharding"
)

func main() {
	if err := newRootCmd(os.Stdout, os.LookupEnv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer, lookupEnv func(string) (string, bool)) *cobra.Command {
	var (
		configPath string
		cfg        = defaultConfig()
	)

	root := &cobra.Command{
		Use:          "sharder",
		Short:        "Spawn and supervise sharded client workers",
		SilenceUsage: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", "", "log level (debug, info, warn, error), $"+envLogLevel)

	// resolve layers config file, changed flags and environment fallbacks.
	resolve := func(cmd *cobra.Command) (config, error) {
		out := defaultConfig()
		if configPath != "" {
			if err := loadConfig(configPath, &out); err != nil {
				return out, err
			}
		}
		cmd.Flags().Visit(func(f *pflag.Flag) {
			overlayFlag(&out, cfg, f.Name)
		})
		out.applyEnv(lookupEnv)
		return out, nil
	}

	root.AddCommand(newRunCmd(&cfg, resolve), newPlanCmd(&cfg, resolve))
	return root
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

func newPlanCmd(cfg *config, resolve func(*cobra.Command) (config, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the cluster to shard assignment without spawning anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := resolve(cmd)
			if err != nil {
				return err
			}
			if c.ShardCount == sharding.ShardCountAuto {
				return fmt.Errorf("plan needs an explicit --shards")
			}
			chunks := sharding.Partition(sharding.ShardRange(c.ShardCount), c.ClusterCount)
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "%d shards on %d clusters\n", c.ShardCount, len(chunks))
			for id, shards := range chunks {
				_, _ = fmt.Fprintf(w, "cluster %d: %s\n", id, joinInts(shards))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&cfg.ShardCount, "shards", "s", 0, "total shard count")
	cmd.Flags().IntVarP(&cfg.ClusterCount, "clusters", "n", 0, "number of worker processes")
	return cmd
}

func joinInts(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
