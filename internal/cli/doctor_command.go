package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"

	"tdl-archive-manager/internal/api"
	"tdl-archive-manager/internal/config"
	"tdl-archive-manager/internal/notify"
	"tdl-archive-manager/internal/runstore"
	"tdl-archive-manager/internal/scheduler"
	"tdl-archive-manager/internal/store"
	"tdl-archive-manager/internal/tdl"
)

// lowDiskBytes is the free-space threshold below which doctor fails the
// downloads volume check.
const lowDiskBytes = 1 << 30

type doctorResult struct {
	OK     bool          `json:"ok"`
	Config string        `json:"config,omitempty"`
	Checks []doctorCheck `json:"checks"`
}

type doctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	common := addCommonFlags(fs)
	pingDiscord := fs.Bool("ping-discord", false, "send a test message to the configured Discord webhook")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := config.Load(config.Options{Path: strings.TrimSpace(*common.config), EnvFile: strings.TrimSpace(*common.envFile)})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	res := doctor(ctx, cfg, *pingDiscord)

	if *common.json {
		return printJSON(res)
	}
	if res.Config != "" {
		fmt.Printf("config: %s\n", res.Config)
	}
	for _, c := range res.Checks {
		status := "ok"
		if !c.OK {
			status = "fail"
		}
		fmt.Printf("%s: %s (%s)\n", c.Name, status, c.Message)
	}
	if !res.OK {
		return errors.New("doctor checks failed")
	}
	fmt.Println("doctor: all checks passed")
	return nil
}

func doctor(ctx context.Context, cfg *config.Config, pingDiscord bool) doctorResult {
	checks := make([]doctorCheck, 0, 8)
	add := func(name string, ok bool, msg string) {
		checks = append(checks, doctorCheck{Name: name, OK: ok, Message: msg})
	}

	dep := tdl.New(tdl.Options{Binary: cfg.TDL.Path}).DependencyStatus()
	add("dependency:tdl", dep.TDLFound, dependencyMessage(dep.TDLFound, dep.TDLPath, cfg.TDL.Path))

	for _, dir := range []struct{ name, path string }{
		{"directory:downloads", cfg.Downloads.BaseDirectory},
		{"directory:exports", cfg.Exports.BaseDirectory},
		{"directory:logs", cfg.Logs.Directory},
	} {
		ok, msg := ensureWritableDir(dir.path)
		add(dir.name, ok, msg)
	}

	if st, err := store.Open(ctx, cfg.Store.DSN, store.OpenOptions{ReadOnly: true}); err != nil {
		add("store", false, err.Error())
	} else {
		n, err := st.CountSources(ctx)
		if err != nil {
			add("store", false, err.Error())
		} else {
			add("store", true, fmt.Sprintf("%d source(s)", n))
		}
		_ = st.Close()
	}

	if u, err := disk.UsageWithContext(ctx, cfg.Downloads.BaseDirectory); err != nil {
		add("disk:downloads", false, err.Error())
	} else {
		add("disk:downloads", u.Free >= lowDiskBytes,
			fmt.Sprintf("%s free of %s (%.1f%% used)", notify.FormatBytes(int64(u.Free)), notify.FormatBytes(int64(u.Total)), u.UsedPercent))
	}

	sc := cfg.Scheduler
	if next, err := scheduler.NextFire(sc.CronSchedule, sc.Timezone, time.Now()); err != nil {
		add("scheduler", false, err.Error())
	} else if !sc.Enabled {
		add("scheduler", true, "disabled (manual triggers only)")
	} else {
		add("scheduler", true, fmt.Sprintf("%q, next run %s", sc.CronSchedule, next.Format(time.RFC3339)))
	}

	if pingDiscord {
		d := notify.NewDiscord(notify.DiscordOptions{WebhookURL: cfg.Discord.WebhookURL, Attempts: 1})
		if err := d.Ping(ctx); err != nil {
			add("discord", false, err.Error())
		} else {
			add("discord", true, "test message delivered")
		}
	}

	if strings.TrimSpace(cfg.API.JWTSecret) == "" && !isLoopbackHost(cfg.API.Host) {
		add("api:auth", false, "api.host is not loopback but api.jwt_secret is empty")
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return doctorResult{OK: ok, Config: cfg.File, Checks: checks}
}

func isLoopbackHost(host string) bool {
	switch strings.TrimSpace(host) {
	case "127.0.0.1", "localhost", "::1":
		return true
	}
	return false
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "tdl-archive-manager-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return true, "writable: " + abs
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	common := addCommonFlags(fs)
	subject := fs.String("subject", "admin", "token subject")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime (0 = no expiry)")
	fs.SetOutput(flag.CommandLine.Output())
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := config.Load(config.Options{Path: strings.TrimSpace(*common.config), EnvFile: strings.TrimSpace(*common.envFile)})
	if err != nil {
		return err
	}
	now := time.Now()
	token, err := api.MintToken(cfg.API.JWTSecret, strings.TrimSpace(*subject), *ttl, now)
	if err != nil {
		return fmt.Errorf("%w (set api.jwt_secret or TDLAM_API_JWT_SECRET)", err)
	}
	if *common.json {
		out := map[string]any{"token": token, "subject": *subject}
		if *ttl > 0 {
			out["expires_at"] = now.Add(*ttl).UTC()
		}
		return printJSON(out)
	}
	fmt.Println(token)
	return nil
}
