package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/oriys/vega/internal/api"
	"github.com/oriys/vega/internal/config"
	"github.com/oriys/vega/internal/driver"
	"github.com/oriys/vega/internal/inventory"
	"github.com/oriys/vega/internal/lock"
	"github.com/oriys/vega/internal/logging"
	"github.com/oriys/vega/internal/metrics"
	"github.com/oriys/vega/internal/observability"
	"github.com/oriys/vega/internal/orchestrator"
	"github.com/oriys/vega/internal/planner"
	"github.com/oriys/vega/internal/policy"
	"github.com/oriys/vega/internal/queue"
	"github.com/oriys/vega/internal/scheduler"
	"github.com/oriys/vega/internal/store"
	"github.com/oriys/vega/internal/worker"
)

func daemonCmd() *cobra.Command {
	var (
		listenAddr string
		logLevel   string
		workers    int
		simulate   bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Vega migration control plane daemon",
		Long:  "Run the scheduler loop, migration workers, and intake API in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if pgDSN != "" {
				cfg.Postgres.DSN = pgDSN
			}
			if redisAddr != "" {
				cfg.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("listen") {
				cfg.Daemon.ListenAddr = listenAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cmd.Flags().Changed("workers") {
				cfg.Worker.Count = workers
			}
			if cmd.Flags().Changed("simulate") {
				cfg.Worker.Simulate = simulate
			}

			logging.SetFormat(cfg.Daemon.LogFormat)
			logging.SetLevelFromString(cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), observability.Config{
				Enabled:     cfg.Tracing.Enabled,
				Exporter:    "otlp-http",
				Endpoint:    cfg.Tracing.Endpoint,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRate:  cfg.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.InitPrometheus("vega")

			// Store: "memory" keeps everything in-process for dry-runs.
			var st store.Store
			if cfg.Postgres.DSN == "memory" {
				st = store.NewMemoryStore()
				logging.Op().Warn("using in-memory store, state is lost on restart")
			} else {
				pg, err := store.NewPostgresStore(context.Background(), cfg.Postgres.DSN)
				if err != nil {
					return fmt.Errorf("connect postgres: %w", err)
				}
				st = pg
			}
			defer st.Close()

			// Lock and queue: Redis in production, in-process for dry-runs.
			var (
				locker lock.Locker
				q      queue.Queue
			)
			if cfg.Redis.Addr == "local" {
				locker = lock.NewLocalLocker()
				q = queue.NewChannelQueue(0)
				logging.Op().Warn("using in-process lock and queue, do not run more than one daemon")
			} else {
				rdb := redis.NewClient(&redis.Options{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
				if err := rdb.Ping(context.Background()).Err(); err != nil {
					return fmt.Errorf("connect redis: %w", err)
				}
				defer rdb.Close()
				locker = lock.NewRedisLocker(rdb)
				q = queue.NewRedisQueue(rdb)
			}
			defer q.Close()

			drv, err := buildDriver(cfg.Driver)
			if err != nil {
				return err
			}
			if closer, ok := drv.(interface{ Close() error }); ok {
				defer closer.Close()
			}

			orch := orchestrator.New(st, drv, orchestrator.Config{
				PollInterval:  cfg.Worker.PollInterval,
				PollTimeout:   cfg.Worker.PollTimeout,
				ForceSimulate: cfg.Worker.Simulate,
			})

			pool := worker.New(st, q, locker, orch, worker.Config{
				Workers:    cfg.Worker.Count,
				LockTTL:    cfg.Worker.LockTTL,
				LockWait:   cfg.Worker.LockWait,
				MaxRetries: cfg.Worker.MaxRetries,
				RetryDelay: cfg.Worker.RetryBackoff,
			})
			pool.Start()
			defer pool.Stop()

			inv := inventory.New(cfg.Inventory.BaseURL, cfg.Inventory.Token, cfg.Inventory.Timeout)
			pl := planner.New(planner.Config{
				Policy: policy.Config{
					HighCPU: cfg.Scheduler.HighCPU,
					HighMem: cfg.Scheduler.HighMem,
					LowCPU:  cfg.Scheduler.LowCPU,
					LowMem:  cfg.Scheduler.LowMem,
					Profile: cfg.Scheduler.ScoreProfile,
					WCPU:    cfg.Scheduler.WCPU,
					WMem:    cfg.Scheduler.WMem,
					WLoad:   cfg.Scheduler.WLoad,
				},
				MaxPlan:                       cfg.Scheduler.MaxPlan,
				MaxEmergencyMigrationsPerHost: cfg.Scheduler.MaxEmergencyMigrationsPerHost,
				VMCooldown:                    cfg.Scheduler.MigrationCooldown,
				HostCooldown:                  cfg.Scheduler.HostCooldown,
			})
			sched := scheduler.New(inv, st, q, pl, scheduler.Config{
				RebalanceInterval:       cfg.Scheduler.RebalanceInterval,
				MaxConcurrentMigrations: cfg.Scheduler.MaxConcurrentMigrations,
				EmergencyCPU:            cfg.Scheduler.EmergencyCPU,
				StaleQueuedAfter:        cfg.Scheduler.StaleQueuedAfter,
				RequeueCron:             cfg.Scheduler.RequeueCron,
			})
			if err := sched.Start(); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}
			defer sched.Stop()

			apiSrv := api.NewServer(api.ServerConfig{
				Store:     st,
				Queue:     q,
				Alerts:    sched,
				AuthToken: cfg.Daemon.AuthToken,
			})
			httpSrv := apiSrv.Start(cfg.Daemon.ListenAddr)

			logging.Op().Info("vega daemon started",
				"listen", cfg.Daemon.ListenAddr,
				"driver", cfg.Driver.Type,
				"workers", cfg.Worker.Count,
				"simulate", cfg.Worker.Simulate)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				logging.Op().Warn("api shutdown incomplete", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenAddr, "listen", ":8090", "API listen address")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	cmd.Flags().IntVar(&workers, "workers", 2, "Migration worker count")
	cmd.Flags().BoolVar(&simulate, "simulate", false, "Run all migrations in simulate mode")

	return cmd
}

// buildDriver selects the hypervisor driver from configuration.
func buildDriver(cfg config.DriverConfig) (driver.Driver, error) {
	switch cfg.Type {
	case "", "rest":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("rest driver requires XAPI_BASE_URL")
		}
		return driver.NewRESTDriver(cfg.BaseURL, cfg.Token, cfg.Timeout), nil
	case "ssh":
		if cfg.SSHHost == "" {
			return nil, fmt.Errorf("ssh driver requires XAPI_SSH_HOST")
		}
		return driver.NewSSHDriver(cfg.SSHHost, cfg.SSHUser, cfg.SSHKeyPath, cfg.SSHTimeout), nil
	default:
		return nil, fmt.Errorf("unknown driver type %q", cfg.Type)
	}
}
