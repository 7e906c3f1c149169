package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/jellyward/jellyward/internal/config"
	"github.com/jellyward/jellyward/internal/directory"
	"github.com/jellyward/jellyward/internal/logging"
	"github.com/jellyward/jellyward/internal/notify"
	"github.com/jellyward/jellyward/internal/provision"
	"github.com/jellyward/jellyward/internal/store"
	"github.com/jellyward/jellyward/internal/task"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const metricsAddr = "127.0.0.1:9602"

var rootCmd = &cobra.Command{
	Use:     "jellyward",
	Short:   "Jellyward - invite lifecycle and identity reconciliation service",
	Long:    `Jellyward links chat identities to media-server accounts managed by a jfa-go provisioning service: it issues invites, mirrors the remote directory, extends and removes accounts, and reminds members before their access expires`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Jellyward %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup, before config is available
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "jellyward",
	})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Format:    cfg.Log.Format,
		Level:     cfg.Log.Level,
		Component: "jellyward",
	})

	log.Info().Str("version", Version).Msg("Starting Jellyward")

	if err := cfg.EnsureDataDir(); err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare data directory")
	}

	inviteStore, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open invite store")
	}
	defer inviteStore.Close()

	cache, err := directory.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open directory cache")
	}
	defer cache.Close()

	if last, err := cache.LastSync(); err == nil && !last.IsZero() {
		log.Info().Time("lastSync", last).Msg("Directory mirror carried over from previous run")
	}

	client, err := provision.NewClient(provision.ClientConfig{
		BaseURL:  cfg.Provisioner.BaseURL,
		Username: cfg.Provisioner.Username,
		Password: cfg.Provisioner.Password,
		Timeout:  cfg.RemoteTimeout(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create provisioner client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startMetricsServer(ctx, metricsAddr)

	scheduler := notify.NewScheduler(inviteStore, notify.LogDelivery{}, notifyTuning(cfg))

	syncTask := directory.NewSyncTask(client, cache, cfg.RemoteTimeout())
	syncRunner := task.NewRunner("directory-sync", cfg.SyncInterval(), syncTask.Run)
	notifyRunner := task.NewRunner("expiry-notify", cfg.NotifyInterval(), func(ctx context.Context) error {
		_, err := scheduler.Pass(ctx, time.Now())
		return err
	})

	syncRunner.Start(ctx)
	notifyRunner.Start(ctx)

	// Notification tuning can change without a restart; task intervals
	// and store paths cannot.
	var watcher *config.Watcher
	if path := config.ConfigFilePath(); path != "" {
		watcher, err = config.NewWatcher(path, func(updated *config.Settings) {
			scheduler.SetTuning(notifyTuning(updated))
			logging.SetGlobalLevel(updated.Log.Level)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable, reload disabled")
		} else if err := watcher.Start(); err != nil {
			log.Warn().Err(err).Msg("Failed to start config watcher")
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if watcher != nil {
		watcher.Stop()
	}
	cancel()
	syncRunner.Wait()
	notifyRunner.Wait()
	log.Info().Msg("Shutdown complete")
}

func notifyTuning(cfg *config.Settings) notify.Tuning {
	return notify.Tuning{
		Lookahead:        cfg.Lookahead(),
		DaysBeforeExpiry: cfg.Notify.DaysBeforeExpiry,
		DedupInterval:    cfg.DedupInterval(),
	}
}
