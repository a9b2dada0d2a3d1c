package tdl

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func setupFakeTDL(t *testing.T, tmp, body string) string {
	t.Helper()
	fakeBin := filepath.Join(tmp, "bin")
	if err := os.MkdirAll(fakeBin, 0o755); err != nil {
		t.Fatal(err)
	}
	script := "#!/usr/bin/env bash\nset -euo pipefail\n" + body
	if err := os.WriteFile(filepath.Join(fakeBin, "tdl"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", fakeBin+":"+os.Getenv("PATH"))
	return filepath.Join(tmp, "args.txt")
}

func TestExportArgs(t *testing.T) {
	c := New(Options{Namespace: "work"})
	args, err := c.ExportArgs(ExportOptions{
		ChatID:         "-100123",
		OutputPath:     "/x/export.json",
		StartTimestamp: -5,
		EndTimestamp:   2000,
		WithContent:    true,
		All:            true,
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"-n", "work", "chat", "export", "-c", "-100123", "-o", "/x/export.json", "-i", "0,2000", "--with-content", "--all"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected args:\n got %v\nwant %v", args, want)
	}

	if _, err := c.ExportArgs(ExportOptions{ChatID: "1", OutputPath: "o", StartTimestamp: 10, EndTimestamp: 5}); err == nil {
		t.Fatal("expected inverted range to be rejected")
	}
	if _, err := c.ExportArgs(ExportOptions{OutputPath: "o"}); err == nil {
		t.Fatal("expected missing chat id to be rejected")
	}
}

func TestDownloadCommand(t *testing.T) {
	cmd, err := New(Options{Binary: "/opt/tdl"}).DownloadCommand(DownloadOptions{ManifestPath: "m.json", Destination: "out"})
	if err != nil {
		t.Fatal(err)
	}
	if cmd.Path != "/opt/tdl" {
		t.Fatalf("unexpected binary %q", cmd.Path)
	}
	want := []string{"dl", "-f", "m.json", "-d", "out", "--skip-same", "--continue"}
	if !reflect.DeepEqual(cmd.Args, want) {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
	if _, err := New(Options{}).DownloadCommand(DownloadOptions{ManifestPath: "m.json"}); err == nil {
		t.Fatal("expected missing destination to be rejected")
	}
}

func TestListChatsDecodesToolOutput(t *testing.T) {
	tmp := t.TempDir()
	argsFile := setupFakeTDL(t, tmp, `echo "$@" > "`+filepath.Join(tmp, "args.txt")+`"
cat <<'JSON'
[{"id":-1001,"type":"channel","visible_name":"News","username":"news","topics":null},
 {"id":42,"type":"private","visible_name":"Alice","username":""}]
JSON
`)

	chats, err := New(Options{}).ListChats(context.Background(), "Type == 'channel'")
	if err != nil {
		t.Fatalf("list chats failed: %v", err)
	}
	if len(chats) != 2 {
		t.Fatalf("expected 2 chats, got %d", len(chats))
	}
	if chats[0].ID.String() != "-1001" || chats[0].VisibleName != "News" || chats[0].Username != "news" {
		t.Fatalf("unexpected first chat: %+v", chats[0])
	}
	raw, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "chat ls -o json -f Type == 'channel'") {
		t.Fatalf("unexpected args: %s", raw)
	}
}

func TestListChatsSurfacesFailure(t *testing.T) {
	tmp := t.TempDir()
	setupFakeTDL(t, tmp, "echo 'not logged in' >&2\nexit 2\n")

	_, err := New(Options{}).ListChats(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExportWritesLogAndKeepsTail(t *testing.T) {
	tmp := t.TempDir()
	setupFakeTDL(t, tmp, `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
for i in $(seq 1 3); do echo "exporting $i"; done
if [ "${FAIL_EXPORT:-}" = "1" ]; then echo "flood wait" >&2; exit 1; fi
echo '[]' > "$out"
`)
	c := New(Options{})
	out := filepath.Join(tmp, "exports", "1", "export.json")
	logPath := filepath.Join(tmp, "logs", "export_1.log")

	if err := c.Export(context.Background(), ExportOptions{ChatID: "1", OutputPath: out, EndTimestamp: 10}, logPath); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected manifest written: %v", err)
	}
	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logData), "exporting 3") {
		t.Fatalf("expected tool output in log, got:\n%s", logData)
	}

	t.Setenv("FAIL_EXPORT", "1")
	err = c.Export(context.Background(), ExportOptions{ChatID: "1", OutputPath: out, EndTimestamp: 10}, logPath)
	if err == nil || !strings.Contains(err.Error(), "flood wait") {
		t.Fatalf("expected failure with output tail, got %v", err)
	}
}

func TestExportSurvivesOversizedOutputLine(t *testing.T) {
	tmp := t.TempDir()
	setupFakeTDL(t, tmp, `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
head -c 3145728 /dev/zero | tr '\0' x
echo
echo "after the long line"
echo '[]' > "$out"
`)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	out := filepath.Join(tmp, "export.json")
	logPath := filepath.Join(tmp, "export.log")

	if err := New(Options{}).Export(ctx, ExportOptions{ChatID: "1", OutputPath: out, EndTimestamp: 10}, logPath); err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("export only returned because the context expired")
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("expected manifest written after the long line: %v", err)
	}
	logData, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(logData), "remainder discarded") {
		t.Fatalf("expected scan stop noted in log, got %d bytes", len(logData))
	}
}

func TestTailBufferKeepsMostRecentLines(t *testing.T) {
	b := &tailBuffer{max: 10}
	for _, line := range []string{"aaaa", "bbbb", "cccc"} {
		b.add(line)
	}
	if got := b.String(); got != "bbbb\ncccc" {
		t.Fatalf("unexpected tail %q", got)
	}
	b.add(strings.Repeat("z", 25))
	if got := b.String(); got != strings.Repeat("z", 10) {
		t.Fatalf("unexpected oversized tail %q", got)
	}
}

func TestDependencyStatus(t *testing.T) {
	tmp := t.TempDir()
	setupFakeTDL(t, tmp, "exit 0\n")
	if err := New(Options{}).CheckDependencies(); err != nil {
		t.Fatalf("expected fake tdl on PATH: %v", err)
	}
	if err := New(Options{Binary: "definitely-not-a-tdl-binary"}).CheckDependencies(); err == nil {
		t.Fatal("expected missing binary to be reported")
	}
}
