package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/flink-studio/flinkctl/internal/cluster"
	"github.com/flink-studio/flinkctl/internal/db"
	"github.com/flink-studio/flinkctl/internal/gateway"
	"github.com/flink-studio/flinkctl/internal/orchestrator"
	"github.com/flink-studio/flinkctl/internal/repositories"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	gatewayURL string
	clusterURL string
	dbDriver   string
	dbDSN      string
	logLevel   string

	statementTimeout time.Duration
	snapshotTimeout  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "flinkctl",
		Short: "flinkctl drives streaming SQL jobs on a Flink cluster",
		Long: `flinkctl submits streaming SQL through the Flink SQL Gateway and manages
the resulting jobs: pause into a snapshot, resume from one, stop, cancel
and observe. Snapshot history is kept in a local database so a paused job
can be resumed later with the exact SQL it was started with.`,
		SilenceUsage: true,
	}

	root.AddCommand(
		newExecCmd(cfg),
		newPauseCmd(cfg),
		newStopCmd(cfg),
		newSnapshotCmd(cfg),
		newResumeCmd(cfg),
		newResumeFromCmd(cfg),
		newJobsCmd(cfg),
		newSnapshotsCmd(cfg),
		newSyncCmd(cfg),
		newMonitorCmd(cfg),
		newVersionCmd(),
	)

	root.PersistentFlags().StringVar(&cfg.gatewayURL, "gateway-url", envOrDefault("FLINKCTL_GATEWAY_URL", "http://localhost:8083"), "SQL Gateway base URL")
	root.PersistentFlags().StringVar(&cfg.clusterURL, "cluster-url", envOrDefault("FLINKCTL_CLUSTER_URL", "http://localhost:8081"), "Job REST API base URL")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("FLINKCTL_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("FLINKCTL_DB_DSN", "./flinkctl.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("FLINKCTL_LOG_LEVEL", "warn"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().DurationVar(&cfg.statementTimeout, "statement-timeout", envDurationOrDefault("FLINKCTL_STATEMENT_TIMEOUT", 60*time.Second), "Deadline for one statement to reach a terminal state")
	root.PersistentFlags().DurationVar(&cfg.snapshotTimeout, "snapshot-timeout", envDurationOrDefault("FLINKCTL_SNAPSHOT_TIMEOUT", 120*time.Second), "Deadline for one snapshot to complete")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flinkctl %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// app bundles the wired components behind every subcommand.
type app struct {
	cfg      *config
	log      *zap.Logger
	database *gorm.DB
	gw       *gateway.Client
	cl       *cluster.Client
	store    *repositories.Store
	orc      *orchestrator.Orchestrator
}

// newApp connects the database and builds the clients. The returned cleanup
// closes the database and flushes the logger.
func newApp(cfg *config) (*app, func(), error) {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("build logger: %w", err)
	}
	cleanup := func() {
		logger.Sync() //nolint:errcheck
	}

	gormLevel := gormlogger.Warn
	if cfg.logLevel == "debug" {
		gormLevel = gormlogger.Info
	}
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLevel,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cleanup = func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close() //nolint:errcheck
		}
		logger.Sync() //nolint:errcheck
	}

	gw, err := gateway.New(gateway.Config{
		URL:              cfg.gatewayURL,
		StatementTimeout: cfg.statementTimeout,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	cl, err := cluster.New(cluster.Config{URL: cfg.clusterURL}, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	store := repositories.NewStore(database)
	orc := orchestrator.New(gw, cl, store, orchestrator.Config{
		SnapshotTimeout: cfg.snapshotTimeout,
	}, logger)

	return &app{
		cfg:      cfg,
		log:      logger,
		database: database,
		gw:       gw,
		cl:       cl,
		store:    store,
		orc:      orc,
	}, cleanup, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
