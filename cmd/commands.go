package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	app "github.com/okian/scanreward/internal/app"
	"github.com/okian/scanreward/internal/config"
	"github.com/okian/scanreward/internal/domain/model"
	"github.com/urfave/cli/v2"
)

var epochFlag = &cli.StringFlag{
	Name:     flagEpoch,
	Aliases:  []string{"e"},
	Usage:    "epoch `ID`",
	Required: true,
}

func distributeCommand(svcOpts []app.Option) *cli.Command {
	return &cli.Command{
		Name:  "distribute",
		Usage: "pay out a closed epoch",
		Flags: []cli.Flag{epochFlag},
		Action: func(c *cli.Context) error {
			return withService(c, svcOpts, func(ctx context.Context, _ *config.Config, svc *app.Service) error {
				res, err := svc.Engine().Distribute(ctx, c.String(flagEpoch))
				return printRun(c.App.Writer, res, err)
			})
		},
	}
}

func retryFailedCommand(svcOpts []app.Option) *cli.Command {
	return &cli.Command{
		Name:  "retry-failed",
		Usage: "re-attempt the failed transfers of a distributed epoch",
		Flags: []cli.Flag{epochFlag},
		Action: func(c *cli.Context) error {
			return withService(c, svcOpts, func(ctx context.Context, _ *config.Config, svc *app.Service) error {
				res, err := svc.Engine().RetryFailed(ctx, c.String(flagEpoch))
				return printRun(c.App.Writer, res, err)
			})
		},
	}
}

func historyCommand(svcOpts []app.Option) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "show the consolidated distribution of an epoch",
		Flags: []cli.Flag{
			epochFlag,
			&cli.BoolFlag{Name: "runs", Usage: "list every recorded run instead"},
		},
		Action: func(c *cli.Context) error {
			return withService(c, svcOpts, func(ctx context.Context, _ *config.Config, svc *app.Service) error {
				id := c.String(flagEpoch)
				if c.Bool("runs") {
					runs, err := svc.Engine().Runs(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(c.App.Writer, runs)
				}
				res, err := svc.Engine().DistributionHistory(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, res)
			})
		},
	}
}

func treasuryCommand(svcOpts []app.Option) *cli.Command {
	return &cli.Command{
		Name:  "treasury",
		Usage: "show treasury balances",
		Action: func(c *cli.Context) error {
			return withService(c, svcOpts, func(ctx context.Context, _ *config.Config, svc *app.Service) error {
				st, err := svc.Engine().TreasuryStatus(ctx)
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, st)
			})
		},
	}
}

func epochsCommand(svcOpts []app.Option) *cli.Command {
	return &cli.Command{
		Name:  "epochs",
		Usage: "list epochs",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "status", Usage: "filter by `STATUS` (PENDING, ACTIVE, CLOSED)"},
		},
		Action: func(c *cli.Context) error {
			var statuses []model.EpochStatus
			for _, raw := range c.StringSlice("status") {
				s := model.EpochStatus(strings.ToUpper(strings.TrimSpace(raw)))
				if !s.Valid() {
					return fmt.Errorf("unknown epoch status %q", raw)
				}
				statuses = append(statuses, s)
			}
			return withService(c, svcOpts, func(ctx context.Context, _ *config.Config, svc *app.Service) error {
				epochs, err := svc.Engine().Epochs(ctx, statuses...)
				if err != nil {
					return err
				}
				return printJSON(c.App.Writer, epochs)
			})
		},
	}
}

func sweepCommand(svcOpts []app.Option) *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "run one lifecycle pass: open and close epochs by time and pay closed ones",
		Action: func(c *cli.Context) error {
			return withService(c, svcOpts, func(ctx context.Context, cfg *config.Config, svc *app.Service) error {
				spec := cfg.Schedule
				if spec == "" {
					spec = "@hourly"
				}
				sched, err := app.NewScheduler(svc.Engine(), svc.Store(), spec)
				if err != nil {
					return err
				}
				report, err := sched.Sweep(ctx)
				if err != nil {
					return err
				}
				failed := make(map[string]string, len(report.Failed))
				for id, ferr := range report.Failed {
					failed[id] = ferr.Error()
				}
				return printJSON(c.App.Writer, map[string]interface{}{
					"activated":   nonNil(report.Activated),
					"closed":      nonNil(report.Closed),
					"distributed": nonNil(report.Distributed),
					"failed":      failed,
				})
			})
		},
	}
}

// withService loads config, starts a service without the scheduler, runs fn
// and stops the service.
func withService(c *cli.Context, svcOpts []app.Option,
	fn func(ctx context.Context, cfg *config.Config, svc *app.Service) error,
) error {
	ctx := c.Context
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc := app.New(cfg, svcOpts...)
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	defer svc.Stop(context.Background())
	return fn(ctx, cfg, svc)
}

// printRun writes the run when one was produced, then reports err. A run
// that lost the race for its epoch is reported as a conflict.
func printRun(w io.Writer, res model.DistributionResult, err error) error {
	if res.RunID != "" || res.Status != "" {
		if perr := printJSON(w, res); perr != nil {
			return perr
		}
	}
	if err != nil {
		return err
	}
	if res.Discarded {
		return fmt.Errorf("epoch %s: %w", res.EpochID, model.ErrConflict)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
