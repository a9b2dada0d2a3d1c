package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"tdl-archive-manager/internal/archive"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/store"
)

type sourceResult struct {
	SourceID   int64                   `json:"source_id"`
	ExternalID string                  `json:"external_id"`
	Export     *model.ExportRun        `json:"export,omitempty"`
	Download   *archive.DownloadResult `json:"download,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

func runExport(args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "source id or chat id")
	all := fs.Bool("all", false, "export every active source")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	return eachSource(common, *ref, *all, func(ctx context.Context, a *app, src model.Source) sourceResult {
		res := sourceResult{SourceID: src.ID, ExternalID: src.ExternalID}
		run, err := a.service.ExportMessages(ctx, src.ID)
		if run.ID != 0 {
			res.Export = &run
		}
		if err != nil {
			res.Error = err.Error()
		}
		return res
	})
}

func runDownload(args []string) error {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "source id or chat id")
	all := fs.Bool("all", false, "download for every active source")
	exportID := fs.Int64("export", 0, "download from this export instead of the latest completed one")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *exportID > 0 && *all {
		return errors.New("--export cannot be combined with --all")
	}
	return eachSource(common, *ref, *all, func(ctx context.Context, a *app, src model.Source) sourceResult {
		res := sourceResult{SourceID: src.ID, ExternalID: src.ExternalID}
		id := *exportID
		if id == 0 {
			exp, err := a.service.LatestCompletedExport(ctx, src.ID)
			if err != nil {
				res.Error = err.Error()
				return res
			}
			id = exp.ID
		}
		dl, err := a.service.DownloadFromExport(ctx, id)
		if dl.Run.ID != 0 {
			res.Download = &dl
		}
		if err != nil {
			res.Error = err.Error()
		}
		return res
	})
}

func runSync(args []string) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "source id or chat id")
	all := fs.Bool("all", false, "sync every active source")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	return eachSource(common, *ref, *all, func(ctx context.Context, a *app, src model.Source) sourceResult {
		res := sourceResult{SourceID: src.ID, ExternalID: src.ExternalID}
		out, err := a.service.SyncSource(ctx, src.ID)
		if out.Export.ID != 0 {
			res.Export = &out.Export
		}
		res.Download = out.Download
		if err != nil {
			res.Error = err.Error()
		}
		return res
	})
}

// eachSource runs fn for the targeted sources in order, stopping early on
// interrupt, and fails when any source failed.
func eachSource(common commonFlags, ref string, all bool, fn func(context.Context, *app, model.Source) sourceResult) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, common, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.tool.CheckDependencies(); err != nil {
		return err
	}

	sources, err := a.targetSources(ctx, ref, all)
	if err != nil {
		return err
	}
	results := make([]sourceResult, 0, len(sources))
	failed := 0
	for _, src := range sources {
		if ctx.Err() != nil {
			break
		}
		res := fn(ctx, a, src)
		if res.Error != "" {
			failed++
		}
		results = append(results, res)
		if !*common.json {
			printSourceResult(src, res)
		}
	}
	if *common.json {
		if err := printJSON(results); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d source(s) failed", failed, len(sources))
	}
	return ctx.Err()
}

func printSourceResult(src model.Source, res sourceResult) {
	fmt.Printf("%s (%d)\n", src.Label(), src.ID)
	if exp := res.Export; exp != nil {
		fmt.Printf("  export %d: %s, %d messages, %d media\n", exp.ID, exp.Status, exp.MessageCount, exp.MediaCount)
	}
	if dl := res.Download; dl != nil {
		fmt.Printf("  download %d: %s, %d new files (%s), %d already present\n",
			dl.Run.ID, dl.Run.Status, dl.Run.FilesCount, notify.FormatBytes(dl.Run.BytesCount), dl.Skipped)
		if dl.Outcome != "" {
			fmt.Printf("  tool outcome: %s\n", dl.Outcome)
		}
	}
	if res.Error != "" {
		fmt.Printf("  error: %s\n", res.Error)
	}
}

// runJob goes through the scheduler, so the run is recorded in the job
// history and notifications fire like for a scheduled job.
func runJob(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "source id or chat id")
	job := fs.String("job", model.JobTypeSync, "job type: sync|download")
	scheduled := fs.Bool("scheduled", false, "run the scheduled batch for every enabled schedule")
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
	sch, err := a.newScheduler(a.notifier())
	if err != nil {
		return err
	}

	if *scheduled {
		batch := sch.RunScheduled(ctx)
		if *common.json {
			return printJSON(batch)
		}
		fmt.Printf("batch: %d source(s), %d job(s), %d failed, %d new files (%s) in %s\n",
			batch.Sources, batch.Jobs, batch.Failures, batch.Files, notify.FormatBytes(batch.Bytes), batch.Duration.Round(time.Second))
		for _, row := range batch.Rows {
			printJobEvent(row)
		}
		if batch.Failures > 0 {
			return fmt.Errorf("%d job(s) failed", batch.Failures)
		}
		return nil
	}

	jobType, err := parseJobType(*job)
	if err != nil {
		return err
	}
	src, err := a.resolveSource(ctx, *ref)
	if err != nil {
		return err
	}
	ev := sch.RunJob(ctx, src.ID, jobType, model.TriggerManual)
	if *common.json {
		if err := printJSON(ev); err != nil {
			return err
		}
	} else {
		printJobEvent(ev)
	}
	if ev.Failed() {
		return errors.New(ev.Error)
	}
	return nil
}

func printJobEvent(ev notify.JobEvent) {
	label := ev.SourceName
	if label == "" {
		label = fmt.Sprintf("source %d", ev.SourceID)
	}
	switch ev.Phase {
	case notify.PhaseSkipped:
		fmt.Printf("%s %s: skipped (%s)\n", label, ev.JobType, ev.Reason)
	case notify.PhaseFailed:
		fmt.Printf("%s %s: failed after %s: %s\n", label, ev.JobType, ev.Duration.Round(time.Millisecond), ev.Error)
	default:
		fmt.Printf("%s %s: %s in %s, %d messages, %d media, %d new files (%s)\n",
			label, ev.JobType, ev.Phase, ev.Duration.Round(time.Millisecond), ev.Messages, ev.Media, ev.Files, notify.FormatBytes(ev.Bytes))
	}
}

func runJobs(args []string) error {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "only jobs of this source")
	job := fs.String("job", "", "only this job type")
	status := fs.String("status", "", "only this status")
	limit := fs.Int("limit", 20, "maximum rows")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	filter := store.JobLogFilter{Limit: *limit, Status: strings.TrimSpace(*status)}
	if strings.TrimSpace(*job) != "" {
		jobType, err := parseJobType(*job)
		if err != nil {
			return err
		}
		filter.JobType = jobType
	}
	if filter.Status != "" && !model.IsKnownStatus(filter.Status) {
		return fmt.Errorf("invalid --status %q", filter.Status)
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{ReadOnly: true, Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()
	if strings.TrimSpace(*ref) != "" {
		src, err := a.resolveSource(ctx, *ref)
		if err != nil {
			return err
		}
		filter.SourceID = src.ID
	}

	jobs, err := a.store.ListJobLogs(ctx, filter)
	if err != nil {
		return err
	}
	if *common.json {
		return printJSON(jobs)
	}
	if len(jobs) == 0 {
		fmt.Println("no jobs recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tJOB\tTRIGGER\tSTATUS\tSTARTED\tDURATION\tFILES\tSIZE\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%s\t%.1fs\t%d\t%s\t%s\n",
			j.ID, j.SourceID, j.JobType, j.Trigger, j.Status,
			j.StartedAt.Local().Format("2006-01-02 15:04"), j.DurationSeconds,
			j.FilesDownloaded, notify.FormatBytes(j.BytesDownloaded), truncateRunes(firstLine(j.Error), 60))
	}
	return w.Flush()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
