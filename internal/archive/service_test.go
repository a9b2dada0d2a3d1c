package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tdl-archive-manager/internal/manifest"
	"tdl-archive-manager/internal/model"
	"tdl-archive-manager/internal/store"
	"tdl-archive-manager/internal/supervisor"
	"tdl-archive-manager/internal/tdl"
)

const twoMedia = `[{"id":1,"date":1000,"file":"a.jpg"},{"id":2,"date":2000,"file":"b.jpg"}]`

type fakeTool struct {
	manifest  string
	exportErr error
	chats     []tdl.Chat
	exports   []tdl.ExportOptions
}

func (f *fakeTool) ListChats(ctx context.Context, filter string) ([]tdl.Chat, error) {
	return f.chats, nil
}

func (f *fakeTool) Export(ctx context.Context, opts tdl.ExportOptions, logPath string) error {
	f.exports = append(f.exports, opts)
	if f.exportErr != nil {
		return f.exportErr
	}
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(opts.OutputPath, []byte(f.manifest), 0o644)
}

func (f *fakeTool) DownloadCommand(opts tdl.DownloadOptions) (supervisor.Command, error) {
	return supervisor.Command{Path: "tdl", Args: []string{"dl", "-f", opts.ManifestPath, "-d", opts.Destination}}, nil
}

// fakeRunner drops files into the destination like the tool would and
// returns a canned outcome.
type fakeRunner struct {
	files   map[string]string
	kind    supervisor.Kind
	calls   int
	lastCmd supervisor.Command
}

func (f *fakeRunner) Run(cmd supervisor.Command, logPath string, verify func() bool) supervisor.Outcome {
	f.calls++
	f.lastCmd = cmd
	dest := cmd.Args[len(cmd.Args)-1]
	for name, body := range f.files {
		_ = os.WriteFile(filepath.Join(dest, name), []byte(body), 0o644)
	}
	kind := f.kind
	if kind == "" {
		kind = supervisor.KindIdleKilled
	}
	out := supervisor.Outcome{Kind: kind, ExitCode: -1}
	switch kind {
	case supervisor.KindExited:
		out.ExitCode = 0
	case supervisor.KindExitFailure:
		out.ExitCode = 1
	case supervisor.KindTimeoutUnverified:
		if verify() {
			out.Kind = supervisor.KindTimeoutVerified
		}
	}
	return out
}

type fixture struct {
	svc    *Service
	store  *store.MemoryStore
	tool   *fakeTool
	runner *fakeRunner
	root   string
	src    model.Source
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	st := store.NewMemoryStore()
	src, err := st.UpsertSource(context.Background(), model.Source{ExternalID: "-100777", Name: "Photos", Active: true})
	require.NoError(t, err)

	f := &fixture{
		store:  st,
		tool:   &fakeTool{manifest: twoMedia},
		runner: &fakeRunner{},
		root:   root,
		src:    src,
		now:    time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := New(Options{
		Store:            st,
		Tool:             f.tool,
		Runner:           f.runner,
		Reconciler:       manifest.NewReconciler(logger),
		Logger:           logger,
		ExportsDir:       filepath.Join(root, "exports"),
		DownloadsDir:     filepath.Join(root, "downloads"),
		LogsDir:          filepath.Join(root, "logs"),
		OrganizeBySource: true,
		IncludeContent:   true,
		Incremental:      true,
		Now:              func() time.Time { return f.now },
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) dest() string {
	return filepath.Join(f.root, "downloads", f.src.ExternalID)
}

func (f *fixture) put(t *testing.T, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(f.dest(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(f.dest(), name), []byte(body), 0o644))
}

func (f *fixture) names(t *testing.T) []string {
	t.Helper()
	entries, err := os.ReadDir(f.dest())
	require.NoError(t, err)
	out := []string{}
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func (f *fixture) checkpoint(t *testing.T) *int64 {
	t.Helper()
	src, err := f.store.GetSource(context.Background(), f.src.ID)
	require.NoError(t, err)
	return src.LastSuccessfulDownloadTimestamp
}

func TestExportMessagesStartsAfterCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.AdvanceCheckpoint(ctx, f.src.ID, 1000)
	require.NoError(t, err)

	run, err := f.svc.ExportMessages(ctx, f.src.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, run.Status)
	assert.Equal(t, int64(1001), run.StartTimestamp)
	assert.Equal(t, f.now.Unix(), run.EndTimestamp)
	assert.Equal(t, 2, run.MessageCount)
	assert.Equal(t, 2, run.MediaCount)
	assert.Equal(t, filepath.Join(f.root, "exports", "-100777", "export_20260304_050607.json"), run.ManifestPath)

	require.Len(t, f.tool.exports, 1)
	assert.Equal(t, "-100777", f.tool.exports[0].ChatID)
	assert.True(t, f.tool.exports[0].WithContent)

	stored, err := f.store.GetExportRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, stored.Status)

	src, err := f.store.GetSource(ctx, f.src.ID)
	require.NoError(t, err)
	require.NotNil(t, src.LastCheckedAt)
}

func TestExportMessagesFromEpochWithoutCheckpoint(t *testing.T) {
	f := newFixture(t)
	run, err := f.svc.ExportMessages(context.Background(), f.src.ID)
	require.NoError(t, err)
	assert.Zero(t, run.StartTimestamp)
}

func TestExportFailureFinalizesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tool.exportErr = errors.New("tdl failed: exit status 1\nFLOOD_WAIT")

	run, err := f.svc.ExportMessages(ctx, f.src.ID)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, run.Status)

	stored, err := f.store.GetExportRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "FLOOD_WAIT")
}

func TestDownloadCountsOnlyNewFilesAndAdvancesCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, err := f.svc.ExportMessages(ctx, f.src.ID)
	require.NoError(t, err)

	f.put(t, "1.jpg", "old")
	f.runner.files = map[string]string{"-100777_2_b.jpg": "fresh"}

	res, err := f.svc.DownloadFromExport(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, res.Run.Status)
	assert.Equal(t, 1, res.Run.FilesCount)
	assert.Equal(t, int64(len("fresh")), res.Run.BytesCount)
	assert.Equal(t, 1, res.Pending)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, supervisor.KindIdleKilled, res.Outcome)
	assert.Equal(t, []string{"1.jpg", "2.jpg"}, f.names(t))

	// The tool only saw the still-missing record.
	pending := f.runner.lastCmd.Args[2]
	assert.Contains(t, filepath.Base(pending), "_pending_")
	data, err := os.ReadFile(pending)
	require.NoError(t, err)
	var records []map[string]any
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 1)
	assert.EqualValues(t, 2, records[0]["id"])

	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, int64(2000), *res.Checkpoint)
	assert.Equal(t, int64(2000), *f.checkpoint(t))
}

func TestDownloadWithEverythingPresentSkipsTool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, err := f.svc.ExportMessages(ctx, f.src.ID)
	require.NoError(t, err)
	f.put(t, "1.jpg", "a")
	f.put(t, "2_1.jpg", "b")

	res, err := f.svc.DownloadFromExport(ctx, exp.ID)
	require.NoError(t, err)
	assert.Zero(t, f.runner.calls)
	assert.Equal(t, model.StatusCompleted, res.Run.Status)
	assert.Zero(t, res.Run.FilesCount)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, int64(2000), *f.checkpoint(t))
}

func TestDownloadFailureRenamesPartialFilesAndKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, err := f.svc.ExportMessages(ctx, f.src.ID)
	require.NoError(t, err)
	f.runner.files = map[string]string{"a.jpg": "partial"}
	f.runner.kind = supervisor.KindExitFailure

	res, err := f.svc.DownloadFromExport(ctx, exp.ID)
	require.Error(t, err)
	assert.Equal(t, model.StatusFailed, res.Run.Status)
	assert.Equal(t, 1, res.Run.FilesCount)
	assert.Equal(t, []string{"1.jpg"}, f.names(t))
	assert.Nil(t, f.checkpoint(t))

	stored, err := f.store.GetDownloadRun(ctx, res.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, stored.Status)
	assert.Contains(t, stored.Error, "exited with code 1")
}

func TestDownloadTimeoutIsVerifiedAgainstLastFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exp, err := f.svc.ExportMessages(ctx, f.src.ID)
	require.NoError(t, err)

	f.runner.kind = supervisor.KindTimeoutUnverified
	f.runner.files = map[string]string{"a.jpg": "x"}
	res, err := f.svc.DownloadFromExport(ctx, exp.ID)
	require.Error(t, err)
	assert.Equal(t, supervisor.KindTimeoutUnverified, res.Outcome)

	f.runner.files = map[string]string{"b.jpg": "y"}
	res, err = f.svc.DownloadFromExport(ctx, exp.ID)
	require.NoError(t, err)
	assert.Equal(t, supervisor.KindTimeoutVerified, res.Outcome)
	assert.Equal(t, 1, res.Run.FilesCount)
	assert.Equal(t, int64(2000), *f.checkpoint(t))
}

func TestCheckpointNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.AdvanceCheckpoint(ctx, f.src.ID, 5000)
	require.NoError(t, err)

	f.svc.incremental = false
	exp, err := f.svc.ExportMessages(ctx, f.src.ID)
	require.NoError(t, err)
	f.runner.files = map[string]string{"a.jpg": "x", "b.jpg": "y"}

	res, err := f.svc.DownloadFromExport(ctx, exp.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, int64(5000), *res.Checkpoint)
}

func TestDownloadRejectsUnfinishedExport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tool.exportErr = errors.New("boom")
	exp, _ := f.svc.ExportMessages(ctx, f.src.ID)

	_, err := f.svc.DownloadFromExport(ctx, exp.ID)
	require.Error(t, err)
	assert.Zero(t, f.runner.calls)
	runs, err := f.store.ListDownloadRuns(ctx, store.DownloadFilter{SourceID: f.src.ID})
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSyncSourceSkipsDownloadWithoutMedia(t *testing.T) {
	f := newFixture(t)
	f.tool.manifest = `{"messages":[{"id":1,"date":5,"text":"hi"}]}`

	res, err := f.svc.SyncSource(context.Background(), f.src.ID)
	require.NoError(t, err)
	assert.Nil(t, res.Download)
	assert.Equal(t, 1, res.Export.MessageCount)
	assert.Zero(t, f.runner.calls)
}

func TestSyncSourceStopsAfterExportFailure(t *testing.T) {
	f := newFixture(t)
	f.tool.exportErr = errors.New("boom")

	res, err := f.svc.SyncSource(context.Background(), f.src.ID)
	require.Error(t, err)
	assert.Nil(t, res.Download)
	assert.Zero(t, f.runner.calls)
}

func TestSyncSourceExportsThenDownloads(t *testing.T) {
	f := newFixture(t)
	f.runner.files = map[string]string{"a.jpg": "x", "b.jpg": "y"}

	res, err := f.svc.SyncSource(context.Background(), f.src.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Download)
	assert.Equal(t, res.Export.ID, res.Download.Run.ExportID)
	assert.Equal(t, 2, res.Download.Run.FilesCount)
}

func TestImportSourcesKeepsExistingFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	src := f.src
	src.SyncEnabled = true
	require.NoError(t, f.store.UpdateSource(ctx, src))

	f.tool.chats = []tdl.Chat{
		{ID: "-100777", VisibleName: "Photos renamed", Type: "channel"},
		{ID: "42", VisibleName: "Alice", Type: "private", Username: "alice"},
		{ID: ""},
	}
	n, err := f.svc.ImportSources(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := f.store.GetSourceByExternalID(ctx, "-100777")
	require.NoError(t, err)
	assert.Equal(t, "Photos renamed", got.Name)
	assert.True(t, got.SyncEnabled)

	alice, err := f.store.GetSourceByExternalID(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, "alice", alice.Username)
	assert.True(t, alice.Active)
}

func TestRenameSourceFilesUsesAllCompletedExports(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ExportMessages(ctx, f.src.ID)
	require.NoError(t, err)
	f.now = f.now.Add(time.Minute)
	f.tool.manifest = `[{"id":3,"date":3000,"file":"c.jpg"}]`
	_, err = f.svc.ExportMessages(ctx, f.src.ID)
	require.NoError(t, err)

	f.put(t, "a.jpg", "1")
	f.put(t, "c.jpg", "3")
	f.put(t, "notes.txt", "n")

	n, err := f.svc.RenameSourceFiles(ctx, f.src.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"1.jpg", "3.jpg", "notes.txt"}, f.names(t))
}

func TestDestinationHonorsFolderName(t *testing.T) {
	f := newFixture(t)
	src := f.src
	src.FolderName = "../family"
	assert.Equal(t, filepath.Join(f.root, "downloads", ".._family"), f.svc.Destination(src))

	f.svc.organizeBySource = false
	assert.Equal(t, filepath.Join(f.root, "downloads"), f.svc.Destination(src))
	assert.False(t, strings.Contains(safeFolder("a/b"), "/"))
}
