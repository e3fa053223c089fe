package doctor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/gofrs/flock"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/model"
)

type fixedVersion struct {
	version string
	err     error
}

func (f fixedVersion) Version(context.Context) (string, error) { return f.version, f.err }

func foundTmux(string) (string, error) { return "/usr/bin/tmux", nil }

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.BotToken = "123:abc"
	cfg.AllowedChats = []model.ChatID{1}
	cfg.DBPath = filepath.Join(dir, "state.db")
	cfg.LockPath = filepath.Join(dir, "tmuxgramd.lock")
	cfg.TmuxSocket = filepath.Join(dir, "tmux.sock")
	return cfg
}

func findCheck(t *testing.T, result Result, name string) Check {
	t.Helper()
	for _, c := range result.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %s missing from %+v", name, result.Checks)
	return Check{}
}

func TestDoctorPassesOnHealthySetup(t *testing.T) {
	t.Setenv(config.TokenEnv, "")
	cfg := testConfig(t)
	result := Run(context.Background(), Options{Config: cfg, Tmux: fixedVersion{version: "tmux 3.4"}, LookPath: foundTmux})
	if !result.OK {
		t.Fatalf("expected ok, got %+v", result)
	}
	if got := findCheck(t, result, "tmux"); got.Message != "tmux 3.4" {
		t.Fatalf("unexpected tmux check: %+v", got)
	}
	if got := findCheck(t, result, "database"); got.Status != StatusPass {
		t.Fatalf("unexpected database check: %+v", got)
	}
	if got := findCheck(t, result, "daemon"); got.Status != StatusWarn || got.Message != "not running" {
		t.Fatalf("unexpected daemon check: %+v", got)
	}
}

func TestDoctorFailsWithoutTmuxOrToken(t *testing.T) {
	cfg := testConfig(t)
	cfg.BotToken = ""
	missing := func(string) (string, error) { return "", errors.New("not found") }

	result := Run(context.Background(), Options{Config: cfg, LookPath: missing})
	if result.OK {
		t.Fatalf("expected failure, got %+v", result)
	}
	if got := findCheck(t, result, "tmux"); got.Status != StatusFail {
		t.Fatalf("unexpected tmux check: %+v", got)
	}
	if got := findCheck(t, result, "bot_token"); got.Status != StatusFail {
		t.Fatalf("unexpected token check: %+v", got)
	}
}

func TestDoctorFailsWhenTmuxVersionFails(t *testing.T) {
	result := Run(context.Background(), Options{
		Config:   testConfig(t),
		Tmux:     fixedVersion{err: errors.New("exec format error")},
		LookPath: foundTmux,
	})
	if got := findCheck(t, result, "tmux"); got.Status != StatusFail {
		t.Fatalf("unexpected tmux check: %+v", got)
	}
}

func TestDoctorWarnsWithoutAllowedChats(t *testing.T) {
	cfg := testConfig(t)
	cfg.AllowedChats = nil
	result := Run(context.Background(), Options{Config: cfg, LookPath: foundTmux})
	if !result.OK {
		t.Fatalf("warnings must not fail the run: %+v", result)
	}
	if got := findCheck(t, result, "allowed_chats"); got.Status != StatusWarn {
		t.Fatalf("unexpected allow-list check: %+v", got)
	}
	if len(result.Warnings) == 0 {
		t.Fatalf("expected warnings")
	}
}

func TestDoctorWarnsOnUnreadableFont(t *testing.T) {
	cfg := testConfig(t)
	cfg.Font.Path = filepath.Join(t.TempDir(), "missing.ttf")
	result := Run(context.Background(), Options{Config: cfg, LookPath: foundTmux})
	if got := findCheck(t, result, "font"); got.Status != StatusWarn {
		t.Fatalf("unexpected font check: %+v", got)
	}
}

func TestDoctorSocketChecks(t *testing.T) {
	if got := checkSocket(""); got.Status != StatusPass {
		t.Fatalf("default socket should pass: %+v", got)
	}
	missing := filepath.Join(t.TempDir(), "nope", "tmux.sock")
	if got := checkSocket(missing); got.Status != StatusWarn {
		t.Fatalf("missing dir should warn: %+v", got)
	}
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, nil, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := checkSocket(filepath.Join(file, "tmux.sock")); got.Status != StatusFail {
		t.Fatalf("file parent should fail: %+v", got)
	}
}

func TestDoctorSeesRunningDaemon(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmuxgramd.lock")
	held := flock.New(path)
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("take lock: %v %v", locked, err)
	}
	defer held.Unlock() //nolint:errcheck

	if got := checkLock(path); got.Status != StatusPass || got.Message != "running" {
		t.Fatalf("expected running daemon, got %+v", got)
	}
}
