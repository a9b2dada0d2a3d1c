package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/store"
)

func runImport(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	common := addCommonFlags(fs)
	filter := fs.String("filter", "", "tdl chat filter expression")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.service.ImportSources(ctx, strings.TrimSpace(*filter))
	if err != nil {
		return err
	}
	total, err := a.store.CountSources(ctx)
	if err != nil {
		return err
	}
	if *common.json {
		return printJSON(map[string]int{"imported": n, "sources": total})
	}
	fmt.Printf("imported: %d\n", n)
	fmt.Printf("sources: %d\n", total)
	return nil
}

func runAddSource(args []string) error {
	fs := flag.NewFlagSet("add", flag.ContinueOnError)
	common := addCommonFlags(fs)
	chatID := fs.String("chat", "", "Telegram chat id or username")
	name := fs.String("name", "", "display name (default: chat id)")
	folder := fs.String("folder", "", "download folder name (default: chat id)")
	syncEnabled := fs.Bool("sync", false, "enable scheduled sync")
	downloadEnabled := fs.Bool("download", false, "enable scheduled download")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	id := strings.TrimSpace(*chatID)
	if id == "" {
		var err error
		if id, err = promptRequired("chat id"); err != nil {
			return err
		}
	}
	if err := model.ValidateFolderName(*folder); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := a.service.AddSource(ctx, model.Source{
		ExternalID: id,
		Name:       strings.TrimSpace(*name),
		Active:     true,
	})
	if err != nil {
		return err
	}
	if f := strings.TrimSpace(*folder); f != "" {
		src.FolderName = f
		if err := a.store.UpdateSource(ctx, src); err != nil {
			return err
		}
	}
	sch, err := a.newScheduler(nil)
	if err != nil {
		return err
	}
	wanted := map[string]bool{model.JobTypeSync: *syncEnabled, model.JobTypeDownload: *downloadEnabled}
	for _, jobType := range model.JobTypes {
		if !wanted[jobType] {
			continue
		}
		if _, err := sch.SetEnabled(ctx, src.ID, jobType, true); err != nil {
			return err
		}
	}
	if src, err = a.store.GetSource(ctx, src.ID); err != nil {
		return err
	}
	if *common.json {
		return printJSON(src)
	}
	fmt.Printf("source added: %d (%s)\n", src.ID, src.Label())
	fmt.Printf("folder: %s\n", src.FolderOrID())
	return nil
}

func runListSources(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	common := addCommonFlags(fs)
	activeOnly := fs.Bool("active-only", false, "only list active sources")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{ReadOnly: true, Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := a.store.ListSources(ctx, store.SourceFilter{ActiveOnly: *activeOnly})
	if err != nil {
		return err
	}
	if *common.json {
		return printJSON(sources)
	}
	if len(sources) == 0 {
		fmt.Println("no sources; run `tdl-archive-manager import` first")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHAT\tNAME\tACTIVE\tSYNC\tDOWNLOAD\tFOLDER\tCHECKPOINT")
	for _, src := range sources {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			src.ID, src.ExternalID, truncateRunes(src.Label(), 32),
			boolToYN(src.Active), boolToYN(src.SyncEnabled), boolToYN(src.DownloadEnabled),
			src.FolderOrID(), formatCheckpoint(src.LastSuccessfulDownloadTimestamp))
	}
	return w.Flush()
}

func runRemoveSource(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "source id or chat id")
	yes := fs.Bool("yes", false, "skip confirmation")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := a.resolveSource(ctx, *ref)
	if err != nil {
		return err
	}
	if !*yes {
		ok, err := promptConfirm(fmt.Sprintf("Remove source %q and its run history? Downloaded files are kept", src.Label()))
		if err != nil {
			return err
		}
		if !ok {
			return errors.New("remove cancelled")
		}
	}
	if err := a.store.DeleteSource(ctx, src.ID); err != nil {
		return err
	}
	if *common.json {
		return printJSON(map[string]any{"removed": src.ID, "external_id": src.ExternalID})
	}
	fmt.Printf("source removed: %d (%s)\n", src.ID, src.Label())
	return nil
}

func runFolder(args []string) error {
	fs := flag.NewFlagSet("folder", flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "source id or chat id")
	name := fs.String("name", "", "folder name; empty resets to the chat id")
	rename := fs.Bool("rename", false, "apply canonical file names in the new folder afterwards")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	folder := strings.TrimSpace(*name)
	if err := model.ValidateFolderName(folder); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	src, err := a.resolveSource(ctx, *ref)
	if err != nil {
		return err
	}
	src.FolderName = folder
	if err := a.store.UpdateSource(ctx, src); err != nil {
		return err
	}
	renamed := 0
	if *rename {
		if renamed, err = a.service.RenameSourceFiles(ctx, src.ID); err != nil {
			return err
		}
	}
	if *common.json {
		return printJSON(map[string]any{"source": src, "destination": a.service.Destination(src), "renamed": renamed})
	}
	fmt.Printf("folder: %s\n", src.FolderOrID())
	fmt.Printf("destination: %s\n", a.service.Destination(src))
	if *rename {
		fmt.Printf("renamed: %d\n", renamed)
	}
	return nil
}

func runToggle(args []string, enabled bool) error {
	name := "disable"
	if enabled {
		name = "enable"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "source id or chat id")
	all := fs.Bool("all", false, "apply to every active source")
	job := fs.String("job", model.JobTypeSync, "job type: sync|download")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}
	jobType, err := parseJobType(*job)
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := a.targetSources(ctx, *ref, *all)
	if err != nil {
		return err
	}
	sch, err := a.newScheduler(nil)
	if err != nil {
		return err
	}
	out := make([]model.Schedule, 0, len(sources))
	for _, src := range sources {
		s, err := sch.SetEnabled(ctx, src.ID, jobType, enabled)
		if err != nil {
			return err
		}
		out = append(out, s)
	}
	if *common.json {
		return printJSON(out)
	}
	for _, s := range out {
		fmt.Printf("%s %s: source %d\n", jobType, name+"d", s.SourceID)
	}
	return nil
}

func runRename(args []string) error {
	fs := flag.NewFlagSet("rename", flag.ContinueOnError)
	common := addCommonFlags(fs)
	ref := fs.String("source", "", "source id or chat id")
	all := fs.Bool("all", false, "rename for every active source")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := openApp(ctx, common, appOptions{Quiet: true})
	if err != nil {
		return err
	}
	defer a.Close()

	sources, err := a.targetSources(ctx, *ref, *all)
	if err != nil {
		return err
	}
	result := map[string]int{}
	for _, src := range sources {
		n, err := a.service.RenameSourceFiles(ctx, src.ID)
		if err != nil {
			return err
		}
		result[src.ExternalID] = n
		if !*common.json {
			fmt.Printf("%s: renamed %d\n", src.Label(), n)
		}
	}
	if *common.json {
		return printJSON(result)
	}
	return nil
}

func formatCheckpoint(ts *int64) string {
	if ts == nil {
		return "-"
	}
	return time.Unix(*ts, 0).UTC().Format(time.RFC3339)
}
