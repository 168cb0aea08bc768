package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/okian/scanreward/internal/adapters/http/api"
	app "github.com/okian/scanreward/internal/app"
	"github.com/okian/scanreward/internal/config"
	"github.com/okian/scanreward/pkg/logger"
	"github.com/okian/scanreward/pkg/metrics"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/urfave/cli/v2"
)

// HTTP server timeout constants. Writes allow for a full payout run.
const (
	readTimeout            = 10 * time.Second
	writeTimeout           = 15 * time.Minute
	idleTimeout            = 60 * time.Second
	readHeaderTimeout      = 5 * time.Second
	shutdownTimeout        = 30 * time.Second
	systemMetricsInterval  = 10 * time.Second
	serviceMetricsInterval = 30 * time.Second
)

const (
	flagEnvFile = "env-file"
	flagConfig  = "config"
	flagEpoch   = "epoch"
)

func main() {
	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp(os.Stdout).RunContext(ctx, os.Args); err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		stop()
		os.Exit(1)
	}
}

// newApp builds the command tree. svcOpts are appended to every service the
// commands construct.
func newApp(out io.Writer, svcOpts ...app.Option) *cli.App {
	return &cli.App{
		Name:        "scanreward",
		Usage:       "Epoch reward distribution engine",
		Description: "Ranks scanner agents by epoch performance and pays the reward pool from the treasury.",
		Writer:      out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagEnvFile,
				Usage: "load environment variables from `FILE` before reading config",
			},
			&cli.StringFlag{
				Name:    flagConfig,
				Usage:   "YAML config `FILE`",
				EnvVars: []string{config.EnvConfigFile},
			},
		},
		Before: func(c *cli.Context) error {
			if path := c.String(flagEnvFile); path != "" {
				if err := godotenv.Load(path); err != nil {
					return fmt.Errorf("load env file %s: %w", path, err)
				}
			}
			if path := c.String(flagConfig); path != "" {
				return os.Setenv(config.EnvConfigFile, path)
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(svcOpts),
			distributeCommand(svcOpts),
			retryFailedCommand(svcOpts),
			historyCommand(svcOpts),
			treasuryCommand(svcOpts),
			epochsCommand(svcOpts),
			sweepCommand(svcOpts),
		},
	}
}

// loadConfig reads configuration and applies the configured log level.
func loadConfig(ctx context.Context) (*config.Config, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, err
	}
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		logger.Get().Warn(ctx, "invalid log_level; falling back to info",
			logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}
	return cfg, nil
}

func serveCommand(svcOpts []app.Option) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API and the lifecycle scheduler",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			cfg, err := loadConfig(ctx)
			if err != nil {
				return err
			}
			log := logger.Get()

			opts := append([]app.Option{app.WithLogger(log.Named("service")), app.WithScheduler()}, svcOpts...)
			svc := app.New(cfg, opts...)
			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("failed to start service: %w", err)
			}
			defer svc.Stop(context.Background())

			go startSystemMetricsUpdater(ctx)
			go startServiceMetricsUpdater(ctx, svc)

			mux := http.NewServeMux()
			api.NewServer(svc.Engine(), svc).Register(ctx, mux)

			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           api.WithCORS(mux, cfg.AllowedOrigins()),
				ReadTimeout:       readTimeout,
				WriteTimeout:      writeTimeout,
				IdleTimeout:       idleTimeout,
				ReadHeaderTimeout: readHeaderTimeout,
			}

			serveErr := make(chan error, 1)
			go func() {
				log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
			case err := <-serveErr:
				if err != nil {
					return fmt.Errorf("HTTP server failed: %w", err)
				}
			}
			log.Info(ctx, "shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error(ctx, "server shutdown failed", logger.Error(err))
			}
			log.Info(ctx, "server stopped")
			return nil
		},
	}
}

// startSystemMetricsUpdater samples host memory, CPU and goroutines.
func startSystemMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateSystemMetrics()
		}
	}
}

func updateSystemMetrics() {
	if vm, err := mem.VirtualMemory(); err == nil {
		metrics.UpdateSystemMemoryUsage(vm.Used)
	}
	// Zero interval compares against the previous call instead of blocking.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		metrics.UpdateSystemCPUPercent(pct[0])
	}
	metrics.UpdateGoroutineCount(runtime.NumGoroutine())
}

// startServiceMetricsUpdater refreshes the treasury gauges between runs.
func startServiceMetricsUpdater(ctx context.Context, svc *app.Service) {
	ticker := time.NewTicker(serviceMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eng := svc.Engine()
			if eng == nil {
				continue
			}
			if _, err := eng.TreasuryStatus(ctx); err != nil {
				logger.Get().Warn(ctx, "treasury refresh failed", logger.Error(err))
			}
		}
	}
}
