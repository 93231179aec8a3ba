package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tally/internal/audit"
	"github.com/smallbiznis/tally/internal/catalog"
	"github.com/smallbiznis/tally/internal/clock"
	"github.com/smallbiznis/tally/internal/cloudmetrics"
	"github.com/smallbiznis/tally/internal/config"
	"github.com/smallbiznis/tally/internal/export"
	"github.com/smallbiznis/tally/internal/invoice"
	"github.com/smallbiznis/tally/internal/limit"
	"github.com/smallbiznis/tally/internal/migration"
	"github.com/smallbiznis/tally/internal/observability"
	"github.com/smallbiznis/tally/internal/paymentprovider"
	"github.com/smallbiznis/tally/internal/providers/slack"
	"github.com/smallbiznis/tally/internal/ratelimit"
	"github.com/smallbiznis/tally/internal/redis"
	"github.com/smallbiznis/tally/internal/scheduler"
	"github.com/smallbiznis/tally/internal/server"
	"github.com/smallbiznis/tally/internal/subscription"
	"github.com/smallbiznis/tally/internal/upgrade"
	"github.com/smallbiznis/tally/internal/usage"
	"github.com/smallbiznis/tally/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tally",
		Short:   "Usage metering and billing engine",
		Version: readVersionFromEnv(),
	}
	root.AddCommand(newMigrateCmd(), newServeCmd(), newSchedulerCmd(), newWorkerCmd(), newAllCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the export worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(
				catalog.SeedModule,
				server.Module,
				fx.Invoke(export.RunWorker),
			)
		},
	}
}

func newSchedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run invoicing, usage reporting and anomaly jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(scheduler.Module)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run export workers against the Redis queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !config.Load().RedisEnabled() {
				return fmt.Errorf("worker: REDIS_ADDR is required to share the export queue with the API")
			}
			return run(fx.Invoke(export.RunWorker))
		},
	}
}

func newAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "all",
		Short: "Run migrations, then the API, export worker and scheduler in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := runMigrate(); err != nil {
				return err
			}
			return run(
				catalog.SeedModule,
				server.Module,
				fx.Invoke(export.RunWorker),
				scheduler.Module,
			)
		},
	}
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	return app.Stop(context.Background())
}

// run starts the shared infrastructure and domain services plus the given
// process roles, and blocks until a shutdown signal.
func run(roles ...fx.Option) error {
	opts := []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		redis.Module,
		ratelimit.Module,
		cloudmetrics.Module,
		audit.Module,
		slack.Module,
		catalog.Module,
		usage.Module,
		limit.Module,
		subscription.Module,
		paymentprovider.Module,
		invoice.Module,
		upgrade.Module,
		export.Module,
	}
	app := fx.New(append(opts, roles...)...)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func registerSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}
