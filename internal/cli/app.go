package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"tdl-archive-manager/internal/archive"
	"tdl-archive-manager/internal/config"
	"tdl-archive-manager/internal/logging"
	"tdl-archive-manager/internal/metrics"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/scheduler"
	"tdl-archive-manager/internal/store"
	"tdl-archive-manager/internal/supervisor"
	"tdl-archive-manager/internal/tdl"
)

// commonFlags are accepted by every command that touches the store.
type commonFlags struct {
	config  *string
	envFile *string
	json    *bool
	verbose *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:  fs.String("config", "", "config file (default: config.yaml in ., ./config or ~/.tdl-archive-manager)"),
		envFile: fs.String("env-file", ".env", "dotenv file loaded before the environment"),
		json:    fs.Bool("json", false, "print JSON output"),
		verbose: fs.Bool("verbose", false, "log at debug level"),
	}
}

type appOptions struct {
	ReadOnly bool
	// Quiet raises the log level to warn for interactive commands.
	Quiet bool
}

// app is the wired runtime shared by the commands.
type app struct {
	cfg     *config.Config
	viper   *viper.Viper
	logger  *slog.Logger
	store   store.Store
	tool    *tdl.Client
	metrics *metrics.Metrics
	service *archive.Service

	closers []func() error
}

func openApp(ctx context.Context, flags commonFlags, opts appOptions) (*app, error) {
	cfg, v, err := config.Load(config.Options{
		Path:    strings.TrimSpace(*flags.config),
		EnvFile: strings.TrimSpace(*flags.envFile),
	})
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	switch {
	case *flags.verbose:
		level = "debug"
	case opts.Quiet && level != "debug":
		level = "warn"
	}
	logger, closeLog, err := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format, File: cfg.Logging.File})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, viper: v, logger: logger, closers: []func() error{closeLog}}

	st, err := store.Open(ctx, cfg.Store.DSN, store.OpenOptions{ReadOnly: opts.ReadOnly})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)

	a.tool = tdl.New(tdl.Options{Binary: cfg.TDL.Path, Namespace: cfg.TDL.Namespace})
	a.metrics = metrics.New()
	d := cfg.Downloads
	runner := supervisor.New(supervisor.Options{
		Policy: supervisor.Policy{
			PollInterval:    d.PollInterval(),
			IdleTimeout:     d.IdleTimeout(),
			TotalTimeout:    d.TotalTimeout(),
			KillGrace:       d.KillGrace(),
			SessionLockPath: cfg.TDL.SessionLockPath,
			LockWait:        d.LockWait(),
		},
		Logger:  logger,
		Observe: a.metrics.ObserveOutcome,
	})
	svc, err := archive.New(archive.Options{
		Store:            st,
		Tool:             a.tool,
		Runner:           runner,
		Logger:           logger,
		ExportsDir:       cfg.Exports.BaseDirectory,
		DownloadsDir:     d.BaseDirectory,
		LogsDir:          cfg.Logs.Directory,
		OrganizeBySource: d.OrganizeBySource,
		IncludeContent:   cfg.Exports.IncludeContent,
		IncludeAll:       cfg.Exports.IncludeAll,
		Incremental:      cfg.Exports.Incremental,
		SessionLockPath:  cfg.TDL.SessionLockPath,
		LockWait:         d.LockWait(),
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.service = svc
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) discord() *notify.Discord {
	dc := a.cfg.Discord
	return notify.NewDiscord(notify.DiscordOptions{
		WebhookURL:       dc.WebhookURL,
		NotifyOnStart:    dc.NotifyOnStart,
		NotifyOnComplete: dc.NotifyOnComplete,
		NotifyOnError:    dc.NotifyOnError,
		NotifyOnBatch:    dc.NotifyOnBatch,
		Logger:           a.logger,
	})
}

// notifier fans events out to Discord, metrics and any extra sinks.
func (a *app) notifier(extra ...notify.Notifier) notify.Notifier {
	n := notify.Multi{a.metrics}
	if d := a.discord(); d.Enabled() {
		n = append(n, d)
	}
	return append(n, extra...)
}

func (a *app) newScheduler(n notify.Notifier) (*scheduler.Scheduler, error) {
	sc := a.cfg.Scheduler
	return scheduler.New(scheduler.Options{
		Store:        a.store,
		Orchestrator: a.service,
		Notifier:     n,
		Logger:       a.logger,
		CronSchedule: sc.CronSchedule,
		Timezone:     sc.Timezone,
		Enabled:      sc.Enabled,
	})
}

// resolveSource accepts an internal id or an external chat id.
func (a *app) resolveSource(ctx context.Context, ref string) (model.Source, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Source{}, errors.New("--source is required")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil && id > 0 {
		src, err := a.store.GetSource(ctx, id)
		if err == nil {
			return src, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return model.Source{}, err
		}
	}
	return a.store.GetSourceByExternalID(ctx, ref)
}

// targetSources resolves --source, or every active source with --all.
func (a *app) targetSources(ctx context.Context, ref string, all bool) ([]model.Source, error) {
	if all {
		if strings.TrimSpace(ref) != "" {
			return nil, errors.New("use either --source or --all")
		}
		return a.store.ListSources(ctx, store.SourceFilter{ActiveOnly: true})
	}
	src, err := a.resolveSource(ctx, ref)
	if err != nil {
		return nil, err
	}
	return []model.Source{src}, nil
}

func parseJobType(raw string) (string, error) {
	jobType := strings.ToLower(strings.TrimSpace(raw))
	if !model.IsJobType(jobType) {
		return "", fmt.Errorf("invalid --job %q (want %s)", raw, strings.Join(model.JobTypes, " or "))
	}
	return jobType, nil
}
