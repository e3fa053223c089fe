// Package doctor checks that the host can run the daemon.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/db"
	"github.com/g960059/tmuxgram/internal/render"
)

const (
	StatusPass = "pass"
	StatusWarn = "warn"
	StatusFail = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type Result struct {
	OK       bool     `json:"ok"`
	Checks   []Check  `json:"checks"`
	Warnings []string `json:"warnings,omitempty"`
}

// VersionProbe asks the tmux server binary for its version.
type VersionProbe interface {
	Version(ctx context.Context) (string, error)
}

type Options struct {
	Config config.Config
	Tmux   VersionProbe
	// LookPath defaults to exec.LookPath.
	LookPath func(file string) (string, error)
}

func Run(ctx context.Context, opts Options) Result {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	cfg := opts.Config

	out := Result{OK: true}
	add := func(c Check) {
		out.Checks = append(out.Checks, c)
		switch c.Status {
		case StatusWarn:
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		case StatusFail:
			out.OK = false
		}
	}

	add(checkTmux(ctx, opts.LookPath, opts.Tmux))
	add(checkToken(cfg))
	add(checkSocket(cfg.TmuxSocket))
	dbCheck, allowed := checkDatabase(ctx, cfg.DBPath)
	add(dbCheck)
	add(checkAllowList(cfg, allowed))
	add(checkFont(cfg.Font))
	add(checkLock(cfg.LockPath))
	return out
}

func checkTmux(ctx context.Context, lookPath func(string) (string, error), probe VersionProbe) Check {
	path, err := lookPath("tmux")
	if err != nil {
		return Check{Name: "tmux", Status: StatusFail, Message: "tmux not found on PATH"}
	}
	if probe == nil {
		return Check{Name: "tmux", Status: StatusPass, Message: "found", Path: path}
	}
	version, err := probe.Version(ctx)
	if err != nil {
		return Check{Name: "tmux", Status: StatusFail, Message: fmt.Sprintf("tmux -V failed: %v", err), Path: path}
	}
	return Check{Name: "tmux", Status: StatusPass, Message: version, Path: path}
}

func checkToken(cfg config.Config) Check {
	if cfg.BotToken == "" {
		return Check{Name: "bot_token", Status: StatusFail, Message: fmt.Sprintf("not set; add bot_token to the config or export %s", config.TokenEnv)}
	}
	if os.Getenv(config.TokenEnv) != "" {
		return Check{Name: "bot_token", Status: StatusPass, Message: "set from " + config.TokenEnv}
	}
	return Check{Name: "bot_token", Status: StatusPass, Message: "set in config"}
}

func checkSocket(socket string) Check {
	if socket == "" {
		return Check{Name: "tmux_socket", Status: StatusPass, Message: "default tmux server"}
	}
	dir := filepath.Dir(socket)
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return Check{Name: "tmux_socket", Status: StatusWarn, Message: "directory does not exist yet; it is created with the first session", Path: socket}
	}
	if err != nil {
		return Check{Name: "tmux_socket", Status: StatusFail, Message: fmt.Sprintf("stat error: %v", err), Path: socket}
	}
	if !info.IsDir() {
		return Check{Name: "tmux_socket", Status: StatusFail, Message: "parent is not a directory", Path: socket}
	}
	probe, err := os.CreateTemp(dir, ".tmuxgram-doctor-*")
	if err != nil {
		return Check{Name: "tmux_socket", Status: StatusFail, Message: "directory is not writable", Path: socket}
	}
	_ = probe.Close()
	_ = os.Remove(probe.Name())
	return Check{Name: "tmux_socket", Status: StatusPass, Message: "directory writable", Path: socket}
}

// checkDatabase opens (and migrates) the state database and reports how many
// chats it allow-lists, or -1 when it could not be read.
func checkDatabase(ctx context.Context, path string) (Check, int) {
	store, err := db.OpenMigrated(ctx, path)
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}, -1
	}
	defer store.Close() //nolint:errcheck
	version, err := db.SchemaVersion(ctx, store.DB())
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}, -1
	}
	chats, err := store.ListAllowedChats(ctx)
	if err != nil {
		return Check{Name: "database", Status: StatusFail, Message: err.Error(), Path: path}, -1
	}
	return Check{Name: "database", Status: StatusPass, Message: fmt.Sprintf("schema version %d", version), Path: path}, len(chats)
}

func checkAllowList(cfg config.Config, stored int) Check {
	total := len(cfg.AllowedChats) + max(stored, 0)
	if total == 0 {
		return Check{Name: "allowed_chats", Status: StatusWarn, Message: "no chat is allowed; run `tmuxgram allow <chat id>`"}
	}
	return Check{Name: "allowed_chats", Status: StatusPass, Message: fmt.Sprintf("%d in config, %d in database", len(cfg.AllowedChats), max(stored, 0))}
}

func checkFont(font config.FontConfig) Check {
	if font.Path == "" {
		return Check{Name: "font", Status: StatusPass, Message: "built-in bitmap face"}
	}
	_, err := render.New(render.Options{
		FontPath:   font.Path,
		Size:       font.Size,
		LineHeight: font.LineHeight,
		DPI:        font.DPI,
		Scale:      font.Scale,
	})
	if err != nil {
		return Check{Name: "font", Status: StatusWarn, Message: fmt.Sprintf("%v; the bitmap face is used instead", err), Path: font.Path}
	}
	return Check{Name: "font", Status: StatusPass, Message: "loaded", Path: font.Path}
}

// checkLock reports whether a daemon currently holds the instance lock.
func checkLock(path string) Check {
	if path == "" {
		return Check{Name: "daemon", Status: StatusWarn, Message: "no lock path configured"}
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Check{Name: "daemon", Status: StatusWarn, Message: "not running", Path: path}
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return Check{Name: "daemon", Status: StatusWarn, Message: fmt.Sprintf("lock check failed: %v", err), Path: path}
	}
	if locked {
		_ = lock.Unlock()
		return Check{Name: "daemon", Status: StatusWarn, Message: "not running", Path: path}
	}
	return Check{Name: "daemon", Status: StatusPass, Message: "running", Path: path}
}
