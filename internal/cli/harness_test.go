//go:build !windows

package cli

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/store"
)

const harnessTDLScript = `#!/usr/bin/env bash
set -euo pipefail
mode="$1 ${2:-}"
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift ;;
  esac
  shift
done
case "$mode" in
  "chat ls")
    echo '[{"id":777,"visible_name":"Harness","type":"channel","username":"harness"},{"id":888,"visible_name":"Other","type":"group","username":""}]'
    ;;
  "chat export")
    cat > "$out" <<'JSON'
{"messages":[{"id":1,"date":1000},{"id":2,"date":2000}]}
JSON
    ;;
  *)
    echo "unexpected invocation: $*" >&2
    exit 1
    ;;
esac
`

func writeHarness(t *testing.T) (cfgPath, statePath string, run func(args ...string) error) {
	t.Helper()
	tmp := t.TempDir()
	fakeBin := filepath.Join(tmp, "bin")
	if err := os.MkdirAll(fakeBin, 0o755); err != nil {
		t.Fatal(err)
	}
	tdlPath := filepath.Join(fakeBin, "tdl")
	if err := os.WriteFile(tdlPath, []byte(harnessTDLScript), 0o755); err != nil {
		t.Fatal(err)
	}

	statePath = filepath.Join(tmp, "state", "state.json")
	cfg := strings.Join([]string{
		"tdl:",
		"  path: " + tdlPath,
		"store:",
		"  dsn: file://" + filepath.ToSlash(statePath),
		"downloads:",
		"  base_directory: " + filepath.Join(tmp, "downloads"),
		"exports:",
		"  base_directory: " + filepath.Join(tmp, "exports"),
		"logs:",
		"  directory: " + filepath.Join(tmp, "logs"),
		"logging:",
		"  level: warn",
		"scheduler:",
		"  enabled: false",
		"",
	}, "\n")
	cfgPath = filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	envFile := filepath.Join(tmp, "missing.env")
	run = func(args ...string) error {
		full := append([]string{args[0], "--config", cfgPath, "--env-file", envFile}, args[1:]...)
		return Run(full)
	}
	return cfgPath, statePath, run
}

func TestHarnessSourceLifecycle(t *testing.T) {
	_, statePath, run := writeHarness(t)

	steps := [][]string{
		{"import"},
		{"import"},
		{"enable", "--source", "777", "--job", "download"},
		{"folder", "--source", "777", "--name", "harness-media"},
		{"sync", "--source", "777"},
		{"run", "--source", "777", "--job", "download"},
		{"remove", "--source", "888", "--yes"},
	}
	for _, args := range steps {
		if err := run(args...); err != nil {
			t.Fatalf("%s failed: %v", strings.Join(args, " "), err)
		}
	}

	st, err := store.Open(context.Background(), "file://"+filepath.ToSlash(statePath), store.OpenOptions{ReadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	sources, err := st.ListSources(ctx, store.SourceFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(sources) != 1 {
		t.Fatalf("expected one source after remove, got %d", len(sources))
	}
	src := sources[0]
	if src.ExternalID != "777" || src.Name != "Harness" {
		t.Fatalf("unexpected source: %+v", src)
	}
	if !src.DownloadEnabled || src.SyncEnabled {
		t.Fatalf("unexpected flags: sync=%t download=%t", src.SyncEnabled, src.DownloadEnabled)
	}
	if src.FolderName != "harness-media" {
		t.Fatalf("expected folder harness-media, got %q", src.FolderName)
	}

	exports, err := st.ListExportRuns(ctx, store.ExportFilter{SourceID: src.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(exports) != 1 || exports[0].Status != model.StatusCompleted || exports[0].MessageCount != 2 || exports[0].MediaCount != 0 {
		t.Fatalf("unexpected exports: %+v", exports)
	}

	sch, err := st.GetSchedule(ctx, src.ID, model.JobTypeDownload)
	if err != nil {
		t.Fatal(err)
	}
	if !sch.Enabled {
		t.Fatal("expected download schedule enabled")
	}

	// The download job is skipped because the export has no media, so no
	// job log is written.
	jobs, err := st.ListJobLogs(ctx, store.JobLogFilter{SourceID: src.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected no job logs for a skipped job, got %+v", jobs)
	}
}

func TestHarnessRejectsBadInput(t *testing.T) {
	_, _, run := writeHarness(t)
	if err := run("import"); err != nil {
		t.Fatal(err)
	}

	cases := [][]string{
		{"folder", "--source", "777", "--name", "../escape"},
		{"enable", "--source", "777", "--job", "rename"},
		{"enable", "--source", "777", "--all"},
		{"remove", "--source", "does-not-exist", "--yes"},
		{"jobs", "--status", "bogus"},
	}
	for _, args := range cases {
		if err := run(args...); err == nil {
			t.Fatalf("expected %s to fail", strings.Join(args, " "))
		}
	}
	if err := Run([]string{"frobnicate"}); err == nil {
		t.Fatal("expected unknown command error")
	}
}
