package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lalithlochan/notifylab/internal/auth"
	"github.com/lalithlochan/notifylab/internal/config"
	"github.com/lalithlochan/notifylab/internal/db"
	"github.com/lalithlochan/notifylab/internal/observ"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "seeder",
		Short: "Seed demo experiments and manage API keys",
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("CONFIG_FILE"), "YAML config file")

	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(apikeyCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func seedCmd() *cobra.Command {
	var (
		impressions int
		randSeed    uint64
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create demo intents with variants, impressions and events",
		Long: `Create the cart_abandon and price_drop demo intents.

Each variant gets --impressions synthetic impressions; opened and conversion
events are drawn from a per-variant rate so the bandit has something to learn.
Running seed again reuses existing variants and adds more impressions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if impressions < 0 {
				return fmt.Errorf("--impressions must be >= 0, got %d", impressions)
			}
			if randSeed == 0 {
				randSeed = uint64(time.Now().UnixNano())
			}

			return withStore(cmd.Context(), func(store db.Store, logger *zap.Logger) error {
				rng := rand.New(rand.NewPCG(randSeed, randSeed>>1))
				res, err := seed(cmd.Context(), store, impressions, rng)
				if err != nil {
					return err
				}
				logger.Info("seed complete",
					zap.Int("experiments", res.Experiments),
					zap.Int("variants", res.Variants),
					zap.Int("impressions", res.Impressions),
					zap.Int("events", res.Events),
				)
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d experiments, %d new variants, %d impressions, %d events\n",
					res.Experiments, res.Variants, res.Impressions, res.Events)
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&impressions, "impressions", "n", 200, "impressions per variant")
	cmd.Flags().Uint64Var(&randSeed, "seed", 0, "random seed (0 picks one)")

	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key and print it once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(store db.Store, logger *zap.Logger) error {
				plaintext, key, err := auth.NewManager(store, auth.DefaultCost, logger).Create(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created key %q (prefix %s)\n%s\n", key.Name, key.Prefix, plaintext)
				fmt.Fprintln(cmd.ErrOrStderr(), "store this key now; it cannot be shown again")
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name, e.g. ios-sdk")
	_ = create.MarkFlagRequired("name")

	cmd.AddCommand(create)
	return cmd
}

// withStore loads config, opens the configured store and runs fn against it
func withStore(ctx context.Context, fn func(db.Store, *zap.Logger) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.StoreDriver == config.StoreMemory {
		logger.Warn("seeding the in-memory store, nothing outlives this process")
		return fn(db.NewMemoryStore(), logger)
	}

	database, err := db.New(ctx, cfg.DBConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	return fn(db.NewRepository(database, logger), logger)
}
