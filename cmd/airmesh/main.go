package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"airmesh/pkg/config"
	"airmesh/pkg/station"
	"airmesh/pkg/subscription"
	"airmesh/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "airmesh",
		Short: "Prioritized update distribution mesh",
		Long: `A mesh node that distributes prioritized updates over radio and
peer-to-peer links, with subscription matching, priority-aware caching
and coordinated retry recovery.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		subscribeCmd(),
		publishCmd(),
		configCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.LoadConfig(configFile)
	}
	cfg := config.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("no --config given and environment incomplete: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var (
		callsign    string
		dataDir     string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a mesh station",
		Long:  `Start the station daemon: state store, hygiene loops and the metrics exporter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				cfg = config.DefaultConfig()
			}
			if callsign != "" {
				cfg.Callsign = callsign
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}

			s, err := station.New(cfg, station.Dependencies{}, logger)
			if err != nil {
				return fmt.Errorf("failed to create station: %w", err)
			}
			if err := s.Start(); err != nil {
				return fmt.Errorf("failed to start station: %w", err)
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down station")
			s.Stop()
			return nil
		},
	}

	cmd.Flags().StringVar(&callsign, "callsign", "", "station callsign")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory for station state")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "prometheus exporter address, e.g. :9090")

	return cmd
}

func statusCmd() *cobra.Command {
	var plain bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show station state",
		Long:  `Open the station state and print cache usage, subscriptions and heard stations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := station.New(cfg, station.Dependencies{}, logger)
			if err != nil {
				return fmt.Errorf("failed to open station state: %w", err)
			}
			defer s.Stop()

			view, err := collectStatus(s)
			if err != nil {
				return err
			}
			if plain {
				printStatusPlain(view)
			} else {
				printStatusStyled(view)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&plain, "plain", false, "plain output without styling")
	return cmd
}

func subscribeCmd() *cobra.Command {
	var (
		subscriber string
		categories []string
		priorities []int
		keywords   []string
		maxSize    int64
	)

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Register a subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := station.New(cfg, station.Dependencies{}, logger)
			if err != nil {
				return fmt.Errorf("failed to open station state: %w", err)
			}
			defer s.Stop()

			opts := subscription.CreateOptions{
				Subscriber: types.StationID(subscriber),
				Categories: categories,
				Keywords:   keywords,
				MaxSize:    maxSize,
			}
			for _, p := range priorities {
				opts.Priorities = append(opts.Priorities, types.Priority(p))
			}

			sub, err := s.Registry().Create(opts)
			if err != nil {
				return fmt.Errorf("failed to create subscription: %w", err)
			}

			fmt.Printf("Subscription %s created for %s (categories: %s)\n",
				sub.ID, orDefault(subscriber, "<listener>"), strings.Join(categories, ", "))
			return nil
		},
	}

	cmd.Flags().StringVar(&subscriber, "subscriber", "", "subscriber callsign, empty for a receive-only listener")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "categories of interest, * for all")
	cmd.Flags().IntSliceVar(&priorities, "priority", nil, "priorities of interest (0-5), empty for all")
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "keywords of interest")
	cmd.Flags().Int64Var(&maxSize, "max-size", 0, "largest acceptable update in bytes, 0 for no limit")

	return cmd
}

func publishCmd() *cobra.Command {
	var (
		id       string
		category string
		priority int
		message  string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Admit and distribute an update",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			s, err := station.New(cfg, station.Dependencies{}, logger)
			if err != nil {
				return fmt.Errorf("failed to open station state: %w", err)
			}
			defer s.Stop()

			u := &types.Update{
				ID:         types.UpdateID(id),
				Priority:   types.Priority(priority),
				Category:   category,
				Payload:    []byte(message),
				Originator: s.Callsign(),
			}
			plan, err := s.AdmitUpdate(context.Background(), u)
			if err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}

			if plan == nil {
				fmt.Printf("Update %s admitted, no reachable subscribers yet\n", u.ID)
				return nil
			}
			fmt.Printf("Update %s routed to %d station(s) on %s (%s)\n",
				u.ID, len(plan.Targets), plan.Band, plan.BandState)
			return nil
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "update id; required for emergency updates (EMRG-####-###)")
	cmd.Flags().StringVar(&category, "category", "", "update category")
	cmd.Flags().IntVar(&priority, "priority", int(types.PriorityNormal), "priority 0 (emergency) to 5 (routine)")
	cmd.Flags().StringVar(&message, "message", "", "update payload")
	cmd.MarkFlagRequired("category")
	cmd.MarkFlagRequired("message")

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage station configuration",
	}

	var (
		callsign string
		out      string
	)
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			cfg.Callsign = callsign
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(out); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", out)
			return nil
		},
	}
	initCmd.Flags().StringVar(&callsign, "callsign", "", "station callsign")
	initCmd.Flags().StringVar(&out, "out", "airmesh.json", "output path")
	initCmd.MarkFlagRequired("callsign")

	cmd.AddCommand(initCmd)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("Airmesh Update Distribution v0.1.0")
		},
	}
}

func setupLogger(verbose bool) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
