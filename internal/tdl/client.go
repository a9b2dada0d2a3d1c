// Package tdl builds command lines for the tdl CLI and runs its short-lived
// commands. Long-running downloads are handed to the supervisor instead.
package tdl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"tdl-archive-manager/internal/supervisor"
)

const DefaultBinary = "tdl"

type Options struct {
	Binary    string
	Namespace string
}

type Client struct {
	binary    string
	namespace string
}

func New(opts Options) *Client {
	binary := strings.TrimSpace(opts.Binary)
	if binary == "" {
		binary = DefaultBinary
	}
	return &Client{binary: binary, namespace: strings.TrimSpace(opts.Namespace)}
}

func (c *Client) Binary() string {
	return c.binary
}

type Chat struct {
	ID          json.Number `json:"id"`
	VisibleName string      `json:"visible_name"`
	Type        string      `json:"type"`
	Username    string      `json:"username"`
}

type ExportOptions struct {
	ChatID         string
	OutputPath     string
	StartTimestamp int64
	EndTimestamp   int64
	WithContent    bool
	All            bool
}

type DownloadOptions struct {
	ManifestPath string
	Destination  string
}

type DependencyReport struct {
	TDLFound bool   `json:"tdl_found"`
	TDLPath  string `json:"tdl_path,omitempty"`
}

func (c *Client) DependencyStatus() DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(c.binary); err == nil {
		report.TDLFound = true
		report.TDLPath = path
	}
	return report
}

func (c *Client) CheckDependencies() error {
	if !c.DependencyStatus().TDLFound {
		return fmt.Errorf("missing dependency: %s is not installed or not on PATH", c.binary)
	}
	return nil
}

func (c *Client) withGlobals(args []string) []string {
	if c.namespace == "" {
		return args
	}
	return append([]string{"-n", c.namespace}, args...)
}

func (c *Client) ExportArgs(opts ExportOptions) ([]string, error) {
	if strings.TrimSpace(opts.ChatID) == "" {
		return nil, fmt.Errorf("chat id is required")
	}
	if strings.TrimSpace(opts.OutputPath) == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if opts.StartTimestamp < 0 {
		opts.StartTimestamp = 0
	}
	if opts.EndTimestamp < opts.StartTimestamp {
		return nil, fmt.Errorf("invalid time range %d,%d", opts.StartTimestamp, opts.EndTimestamp)
	}
	args := []string{
		"chat", "export",
		"-c", opts.ChatID,
		"-o", opts.OutputPath,
		"-i", strconv.FormatInt(opts.StartTimestamp, 10) + "," + strconv.FormatInt(opts.EndTimestamp, 10),
	}
	if opts.WithContent {
		args = append(args, "--with-content")
	}
	if opts.All {
		args = append(args, "--all")
	}
	return c.withGlobals(args), nil
}

// DownloadCommand targets a manifest with skip and resume semantics so a
// rerun only fetches what is missing.
func (c *Client) DownloadCommand(opts DownloadOptions) (supervisor.Command, error) {
	if strings.TrimSpace(opts.ManifestPath) == "" {
		return supervisor.Command{}, fmt.Errorf("manifest path is required")
	}
	if strings.TrimSpace(opts.Destination) == "" {
		return supervisor.Command{}, fmt.Errorf("destination is required")
	}
	args := []string{"dl", "-f", opts.ManifestPath, "-d", opts.Destination, "--skip-same", "--continue"}
	return supervisor.Command{Path: c.binary, Args: c.withGlobals(args)}, nil
}

func (c *Client) ListChats(ctx context.Context, filter string) ([]Chat, error) {
	args := []string{"chat", "ls", "-o", "json"}
	if strings.TrimSpace(filter) != "" {
		args = append(args, "-f", filter)
	}
	cmd := exec.CommandContext(ctx, c.binary, c.withGlobals(args)...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s chat ls failed: %w: %s", c.binary, err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, fmt.Errorf("%s chat ls returned empty output", c.binary)
	}
	var chats []Chat
	if err := json.Unmarshal(stdout.Bytes(), &chats); err != nil {
		return nil, fmt.Errorf("parse chat list: %w", err)
	}
	return chats, nil
}

// Export runs a synchronous export with combined output appended to
// logPath. The returned error carries the tail of the tool's output.
func (c *Client) Export(ctx context.Context, opts ExportOptions, logPath string) error {
	args, err := c.ExportArgs(opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(opts.OutputPath), 0o755); err != nil {
		return fmt.Errorf("create export directory: %w", err)
	}

	var logWriter io.Writer = io.Discard
	if strings.TrimSpace(logPath) != "" {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open export log: %w", err)
		}
		defer f.Close()
		logWriter = f
		_, _ = fmt.Fprintf(f, "$ %s %s\n", c.binary, strings.Join(args, " "))
	}
	return c.runCommand(ctx, args, logWriter)
}

func (c *Client) runCommand(ctx context.Context, args []string, logWriter io.Writer) error {
	cmd := exec.CommandContext(ctx, c.binary, args...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", c.binary, err)
	}

	tail := &tailBuffer{max: 8192}
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			tail.add(line)
			_, _ = io.WriteString(logWriter, line+"\n")
			mu.Unlock()
		}
		if err := scanner.Err(); err != nil {
			mu.Lock()
			tail.add("output scan stopped: " + err.Error())
			_, _ = fmt.Fprintf(logWriter, "[output scan stopped: %v; remainder discarded]\n", err)
			mu.Unlock()
		}
		// Keep the pipe flowing so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}

	wg.Add(2)
	go read(stdoutPipe)
	go read(stderrPipe)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		mu.Lock()
		defer mu.Unlock()
		return fmt.Errorf("%s failed: %w\n%s", c.binary, err, strings.TrimSpace(tail.String()))
	}
	return nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// tailBuffer keeps the most recent lines up to max bytes.
type tailBuffer struct {
	max   int
	size  int
	lines []string
}

func (b *tailBuffer) add(line string) {
	if len(line) > b.max {
		line = line[len(line)-b.max:]
	}
	b.lines = append(b.lines, line)
	b.size += len(line) + 1
	for b.size > b.max && len(b.lines) > 1 {
		b.size -= len(b.lines[0]) + 1
		b.lines = b.lines[1:]
	}
}

func (b *tailBuffer) String() string {
	return strings.Join(b.lines, "\n")
}
