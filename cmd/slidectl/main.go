// Command slidectl administers a slidereviewd deployment from the shell:
// seeding the queue from a snapshot, inspecting progress, and reclaiming
// expired leases without going through the HTTP API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/slidereviewd/internal/config"
	"github.com/fyrsmithlabs/slidereviewd/internal/queue"
	"github.com/fyrsmithlabs/slidereviewd/internal/records"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "slidectl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "slidectl",
		Short:         "Administer the slide review queue",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (YAML)")

	root.AddCommand(newSeedCmd(&configPath))
	root.AddCommand(newStatsCmd(&configPath))
	root.AddCommand(newExpireCmd(&configPath))
	return root
}

func openQueue(configPath string) (*config.Config, queue.Service, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	store, err := queue.OpenStore(cfg.Queue.DBPath)
	if err != nil {
		return nil, nil, nil, err
	}
	svc, err := queue.NewService(store, cfg.Queue.LeaseDuration.Duration(), zap.NewNop(), nil, nil)
	if err != nil {
		store.Close()
		return nil, nil, nil, err
	}
	return cfg, svc, func() { store.Close() }, nil
}

func newSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Seed the queue from the CSV snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, svc, closeFn, err := openQueue(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			store := records.NewStore(cfg.Snapshot.Path, zap.NewNop())
			if err := store.Load(); err != nil {
				return err
			}

			completed := make(map[int]bool)
			for i, rec := range store.Records() {
				completed[i] = rec.IsComplete
			}
			inserted, err := svc.Populate(context.Background(), store.Len(), completed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d new items (%d records total)\n",
				inserted, store.Len())
			return nil
		},
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, closeFn, err := openQueue(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			st, err := svc.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"total:     %d\npending:   %d\nleased:    %d\ncompleted: %d\n",
				st.Total, st.Pending, st.Leased, st.Completed)
			return nil
		},
	}
}

func newExpireCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Release leases past the configured duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, svc, closeFn, err := openQueue(*configPath)
			if err != nil {
				return err
			}
			defer closeFn()

			released, err := svc.ReleaseExpired(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d expired leases\n", released)
			return nil
		},
	}
}
