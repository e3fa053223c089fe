package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"

	"github.com/g960059/tmuxgram/internal/model"
)

const (
	// TokenEnv overrides bot_token from the config file.
	TokenEnv = "TMUXGRAM_BOT_TOKEN"

	DefaultMaxMessageLength = 4096
)

type FontConfig struct {
	// Path is a TTF/OTF file. Empty selects the built-in bitmap face.
	Path       string
	Size       float64
	LineHeight int
	DPI        float64
	Scale      int
}

type CustomCommand struct {
	Command     string
	Description string
}

type HealthPolicy struct {
	DownWindow       time.Duration
	DownFailures     int
	RecoverSuccesses int
}

type Config struct {
	BotToken         string
	AllowedChats     []model.ChatID
	OutputMode       model.OutputMode
	OutputModeByChat map[model.ChatID]model.OutputMode
	OutputDelay      time.Duration
	PollInterval     time.Duration
	IdleTimeout      time.Duration
	ScreenLines      int
	CaptureLines     int
	SessionPrefix    string
	MaxMessageLength int
	TmuxSocket       string
	// Terminal is the host program /open uses: "iterm2", "terminal", or a
	// shell command reading $SESSION and $SOCKET. Empty disables /open.
	Terminal         string
	DBPath           string
	LockPath         string
	CommandTimeout   time.Duration
	RetryBackoff     []time.Duration
	Font             FontConfig
	CustomCommands   map[string]CustomCommand
	SendRate         float64
	SendBurst        int
	Health           HealthPolicy
	LogLevel         string
	LogFormat        string
}

func DefaultConfig() Config {
	return Config{
		OutputMode:       model.OutputModeText,
		OutputModeByChat: map[model.ChatID]model.OutputMode{},
		OutputDelay:      500 * time.Millisecond,
		PollInterval:     5 * time.Second,
		IdleTimeout:      30 * time.Second,
		ScreenLines:      50,
		CaptureLines:     200,
		SessionPrefix:    "tg-",
		MaxMessageLength: DefaultMaxMessageLength,
		DBPath:           defaultStatePath("state.db"),
		LockPath:         defaultStatePath("tmuxgramd.lock"),
		CommandTimeout:   5 * time.Second,
		RetryBackoff:     []time.Duration{250 * time.Millisecond, 1 * time.Second},
		Font: FontConfig{
			Size:       14,
			LineHeight: 18,
			DPI:        72,
			Scale:      2,
		},
		CustomCommands: map[string]CustomCommand{},
		SendRate:       20,
		SendBurst:      5,
		Health: HealthPolicy{
			DownWindow:       30 * time.Second,
			DownFailures:     3,
			RecoverSuccesses: 2,
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// BuiltinCommands are the chat commands custom commands may not shadow.
var BuiltinCommands = map[string]struct{}{
	"start": {}, "help": {}, "screen": {}, "mode": {}, "new": {}, "exec": {},
	"cd": {}, "ls": {}, "pwd": {}, "enter": {}, "up": {}, "down": {}, "left": {},
	"right": {}, "esc": {}, "tab": {}, "ctrl": {}, "alt": {}, "shift": {}, "cmd": {},
	"sessions": {}, "attach": {}, "detach": {}, "status": {}, "stop": {}, "open": {},
}

// fileConfig mirrors the on-disk layout. Durations are milliseconds.
type fileConfig struct {
	BotToken         string                 `json:"bot_token" toml:"bot_token"`
	AllowedChats     []int64                `json:"allowed_chats" toml:"allowed_chats"`
	OutputMode       string                 `json:"output_mode" toml:"output_mode"`
	OutputModeByChat map[string]string      `json:"output_mode_by_chat" toml:"output_mode_by_chat"`
	OutputDelayMS    int64                  `json:"output_delay_ms" toml:"output_delay_ms"`
	PollIntervalMS   int64                  `json:"poll_interval_ms" toml:"poll_interval_ms"`
	IdleTimeoutMS    int64                  `json:"idle_timeout_ms" toml:"idle_timeout_ms"`
	ScreenLines      int                    `json:"screen_lines" toml:"screen_lines"`
	CaptureLines     int                    `json:"capture_lines" toml:"capture_lines"`
	SessionPrefix    string                 `json:"session_prefix" toml:"session_prefix"`
	MaxMessageLength int                    `json:"max_message_length" toml:"max_message_length"`
	TmuxSocket       string                 `json:"tmux_socket" toml:"tmux_socket"`
	Terminal         string                 `json:"terminal" toml:"terminal"`
	DBPath           string                 `json:"db_path" toml:"db_path"`
	LockPath         string                 `json:"lock_path" toml:"lock_path"`
	CommandTimeoutMS int64                  `json:"command_timeout_ms" toml:"command_timeout_ms"`
	RetryBackoffMS   []int64                `json:"retry_backoff_ms" toml:"retry_backoff_ms"`
	Font             *fileFont              `json:"font" toml:"font"`
	CustomCommands   map[string]fileCommand `json:"custom_commands" toml:"custom_commands"`
	SendRate         float64                `json:"send_rate" toml:"send_rate"`
	SendBurst        int                    `json:"send_burst" toml:"send_burst"`
	Health           *fileHealth            `json:"health" toml:"health"`
	LogLevel         string                 `json:"log_level" toml:"log_level"`
	LogFormat        string                 `json:"log_format" toml:"log_format"`
}

type fileFont struct {
	Path       string  `json:"path" toml:"path"`
	Size       float64 `json:"size" toml:"size"`
	LineHeight int     `json:"line_height" toml:"line_height"`
	DPI        float64 `json:"dpi" toml:"dpi"`
	Scale      int     `json:"scale" toml:"scale"`
}

type fileCommand struct {
	Command     string `json:"command" toml:"command"`
	Description string `json:"description" toml:"description"`
}

type fileHealth struct {
	DownWindowMS     int64 `json:"down_window_ms" toml:"down_window_ms"`
	DownFailures     int   `json:"down_failures" toml:"down_failures"`
	RecoverSuccesses int   `json:"recover_successes" toml:"recover_successes"`
}

// Load reads a .toml file or a JSON file that may carry comments and
// trailing commas. Missing values keep their defaults.
func Load(path string, logger *slog.Logger) (Config, error) {
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(raw), &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(jsonc.ToJSON(raw), &fc); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg := DefaultConfig()
	cfg.apply(fc, logger)
	if token := strings.TrimSpace(os.Getenv(TokenEnv)); token != "" {
		cfg.BotToken = token
	}
	return cfg, nil
}

// LoadOptional is Load for the default path: a missing file yields the
// defaults plus the token from the environment.
func LoadOptional(path string, logger *slog.Logger) (Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := DefaultConfig()
		cfg.BotToken = strings.TrimSpace(os.Getenv(TokenEnv))
		return cfg, nil
	}
	return Load(path, logger)
}

func (c *Config) apply(fc fileConfig, logger *slog.Logger) {
	c.BotToken = strings.TrimSpace(fc.BotToken)
	for _, id := range fc.AllowedChats {
		c.AllowedChats = append(c.AllowedChats, model.ChatID(id))
	}
	if mode, ok := model.ParseOutputMode(fc.OutputMode); ok {
		c.OutputMode = mode
	}
	for key, value := range fc.OutputModeByChat {
		chatID, err := model.ParseChatID(key)
		if err != nil {
			logger.Warn("ignoring output mode for invalid chat id", "component", "config", "chat", key)
			continue
		}
		if mode, ok := model.ParseOutputMode(value); ok {
			c.OutputModeByChat[chatID] = mode
		}
	}
	c.OutputDelay = positiveMillis(fc.OutputDelayMS, c.OutputDelay)
	c.PollInterval = positiveMillis(fc.PollIntervalMS, c.PollInterval)
	c.IdleTimeout = positiveMillis(fc.IdleTimeoutMS, c.IdleTimeout)
	c.ScreenLines = positiveInt(fc.ScreenLines, c.ScreenLines)
	c.CaptureLines = positiveInt(fc.CaptureLines, c.CaptureLines)
	if prefix := strings.TrimSpace(fc.SessionPrefix); prefix != "" {
		c.SessionPrefix = prefix
	}
	c.MaxMessageLength = positiveInt(fc.MaxMessageLength, c.MaxMessageLength)
	c.TmuxSocket = strings.TrimSpace(fc.TmuxSocket)
	c.Terminal = strings.TrimSpace(fc.Terminal)
	if fc.DBPath != "" {
		c.DBPath = expandHome(fc.DBPath)
	}
	if fc.LockPath != "" {
		c.LockPath = expandHome(fc.LockPath)
	}
	c.CommandTimeout = positiveMillis(fc.CommandTimeoutMS, c.CommandTimeout)
	if fc.RetryBackoffMS != nil {
		backoff := make([]time.Duration, 0, len(fc.RetryBackoffMS))
		for _, ms := range fc.RetryBackoffMS {
			if ms >= 0 {
				backoff = append(backoff, time.Duration(ms)*time.Millisecond)
			}
		}
		c.RetryBackoff = backoff
	}
	if fc.Font != nil {
		c.Font.Path = expandHome(strings.TrimSpace(fc.Font.Path))
		c.Font.Size = positiveFloat(fc.Font.Size, c.Font.Size)
		c.Font.LineHeight = positiveInt(fc.Font.LineHeight, c.Font.LineHeight)
		c.Font.DPI = positiveFloat(fc.Font.DPI, c.Font.DPI)
		c.Font.Scale = positiveInt(fc.Font.Scale, c.Font.Scale)
	}
	for name, cmd := range fc.CustomCommands {
		name = strings.ToLower(strings.TrimSpace(name))
		if _, builtin := BuiltinCommands[name]; builtin {
			logger.Warn("custom command shadows a builtin, skipped", "component", "config", "command", name)
			continue
		}
		if name == "" || strings.TrimSpace(cmd.Command) == "" {
			continue
		}
		c.CustomCommands[name] = CustomCommand{Command: cmd.Command, Description: cmd.Description}
	}
	c.SendRate = positiveFloat(fc.SendRate, c.SendRate)
	c.SendBurst = positiveInt(fc.SendBurst, c.SendBurst)
	if fc.Health != nil {
		c.Health.DownWindow = positiveMillis(fc.Health.DownWindowMS, c.Health.DownWindow)
		c.Health.DownFailures = positiveInt(fc.Health.DownFailures, c.Health.DownFailures)
		c.Health.RecoverSuccesses = positiveInt(fc.Health.RecoverSuccesses, c.Health.RecoverSuccesses)
	}
	if fc.LogLevel != "" {
		c.LogLevel = strings.ToLower(fc.LogLevel)
	}
	if fc.LogFormat != "" {
		c.LogFormat = strings.ToLower(fc.LogFormat)
	}
}

// Validate checks what the daemon needs before it can serve chats.
func (c Config) Validate() error {
	var errs []error
	if c.BotToken == "" {
		errs = append(errs, fmt.Errorf("bot_token is required (or set %s)", TokenEnv))
	}
	if c.MaxMessageLength <= 0 {
		errs = append(errs, errors.New("max_message_length must be positive"))
	}
	if c.PollInterval <= 0 || c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("poll and idle intervals must be positive"))
	}
	return errors.Join(errs...)
}

// OutputModeFor resolves the configured mode for a chat, without store overrides.
func (c Config) OutputModeFor(chatID model.ChatID) model.OutputMode {
	if mode, ok := c.OutputModeByChat[chatID]; ok {
		return mode
	}
	if c.OutputMode == "" {
		return model.OutputModeText
	}
	return c.OutputMode
}

// DefaultPath is where tmuxgram looks for its config when --config is not given.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tmuxgram.json"
	}
	return filepath.Join(home, ".config", "tmuxgram", "config.json")
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".local", "state", "tmuxgram", name)
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func positiveMillis(ms int64, fallback time.Duration) time.Duration {
	if ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func positiveInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func positiveFloat(v, fallback float64) float64 {
	if v > 0 {
		return v
	}
	return fallback
}
