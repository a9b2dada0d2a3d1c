package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"tdl-archive-manager/internal/api"
	"tdl-archive-manager/internal/config"
	"tdl-archive-manager/internal/scheduler"
)

// stopTimeout bounds how long shutdown waits for a running batch.
const stopTimeout = 30 * time.Minute

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	common := addCommonFlags(fs)
	addr := fs.String("addr", "", "API listen address (default from api.host and api.port)")
	noAPI := fs.Bool("no-api", false, "run the scheduler without the admin API")
	runNow := fs.Bool("run-now", false, "run the scheduled batch once right after startup")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, common, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger
	if err := a.tool.CheckDependencies(); err != nil {
		logger.Warn("tdl not available, jobs will fail until it is installed", "error", err)
	}

	hub := api.NewHub(a.cfg.API.CORSOrigins, logger)
	sch, err := a.newScheduler(a.notifier(hub))
	if err != nil {
		return err
	}
	a.metrics.TrackInFlight(func() int { return len(sch.InFlight()) })
	watchConfig(ctx, a, sch)

	if err := sch.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if !*noAPI {
		srv, err := api.New(api.Options{
			Store:       a.store,
			Scheduler:   sch,
			Renamer:     a.service,
			Hub:         hub,
			Metrics:     a.metrics.Handler(),
			Logger:      logger,
			CORSOrigins: a.cfg.API.CORSOrigins,
			JWTSecret:   a.cfg.API.JWTSecret,
			DiskPath:    a.cfg.Downloads.BaseDirectory,
		})
		if err != nil {
			return err
		}
		listen := strings.TrimSpace(*addr)
		if listen == "" {
			listen = a.cfg.API.Addr()
		}
		g.Go(func() error { return srv.Run(gctx, listen) })
	}
	if *runNow {
		g.Go(func() error {
			sch.RunScheduled(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down, waiting for running jobs")
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return sch.Stop(stopCtx)
	})
	return g.Wait()
}

// watchConfig applies scheduler changes from the config file without a
// restart. Other settings need one.
func watchConfig(ctx context.Context, a *app, sch *scheduler.Scheduler) {
	var mu sync.Mutex
	current := a.cfg.Scheduler
	config.Watch(a.viper, a.logger, func(cfg *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		next := cfg.Scheduler
		if next.CronSchedule != current.CronSchedule {
			if err := sch.UpdateCron(ctx, next.CronSchedule); err != nil {
				a.logger.Warn("cron update from config rejected", "cron", next.CronSchedule, "error", err)
			} else {
				current.CronSchedule = next.CronSchedule
			}
		}
		if next.Enabled != current.Enabled {
			if err := sch.SetGlobalEnabled(ctx, next.Enabled); err != nil {
				a.logger.Warn("scheduler toggle from config failed", "error", err)
			} else {
				current.Enabled = next.Enabled
			}
		}
		if next.Timezone != current.Timezone {
			a.logger.Warn("scheduler.timezone changes need a restart", "timezone", next.Timezone)
		}
	})
}
