// Package cli implements the tmuxgram operator command.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/db"
	"github.com/g960059/tmuxgram/internal/doctor"
	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/output"
	"github.com/g960059/tmuxgram/internal/tmux"
)

// Version is stamped by the build.
var Version = "dev"

var errChecksFailed = errors.New("checks failed")

// usageError marks bad invocations; they exit with status 2.
type usageError struct{ error }

type Runner struct {
	out    io.Writer
	errOut io.Writer
	// tmuxRunner and lookPath are replaced in tests.
	tmuxRunner tmux.Runner
	lookPath   func(string) (string, error)

	configPath string
}

func NewRunner(out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{out: out, errOut: errOut, tmuxRunner: tmux.OSRunner{}}
}

// Run executes args and returns the process exit code.
func (r *Runner) Run(ctx context.Context, args []string) int {
	root := r.rootCommand()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	if !errors.Is(err, errChecksFailed) {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	}
	var usage usageError
	if errors.As(err, &usage) {
		return 2
	}
	return 1
}

func (r *Runner) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "tmuxgram",
		Short:         "Operate the tmuxgram Telegram bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(r.out)
	root.SetErr(r.errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	root.PersistentFlags().StringVar(&r.configPath, "config", "", "config file (default "+config.DefaultPath()+")")

	root.AddCommand(
		r.sessionsCommand(),
		r.captureCommand(),
		r.allowCommand(),
		r.denyCommand(),
		r.allowedCommand(),
		r.doctorCommand(),
		r.versionCommand(),
	)
	return root
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return usageError{fmt.Errorf("usage: %s", cmd.UseLine())}
		}
		return nil
	}
}

func (r *Runner) loadConfig() (config.Config, error) {
	logger := slog.New(slog.NewTextHandler(r.errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if r.configPath != "" {
		return config.Load(r.configPath, logger)
	}
	return config.LoadOptional(config.DefaultPath(), logger)
}

func (r *Runner) tmuxClient(cfg config.Config) *tmux.Client {
	return tmux.NewClient(tmux.NewExecutorWithRunner(r.tmuxRunner, cfg.CommandTimeout, cfg.RetryBackoff), cfg.TmuxSocket)
}

func (r *Runner) openStore(ctx context.Context, cfg config.Config) (*db.Store, error) {
	return db.OpenMigrated(ctx, cfg.DBPath)
}

func (r *Runner) writeJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = r.out.Write(raw)
	_, _ = fmt.Fprintln(r.out)
	return nil
}

func (r *Runner) sessionsCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List tmux sessions on the configured server",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			sessions, err := r.tmuxClient(cfg).ListSessions(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut {
				type item struct {
					Name     string    `json:"name"`
					Windows  int       `json:"windows"`
					Attached bool      `json:"attached"`
					Created  time.Time `json:"created"`
					Bot      bool      `json:"bot"`
				}
				items := make([]item, 0, len(sessions))
				for _, s := range sessions {
					items = append(items, item{s.Name, s.Windows, s.Attached, s.Created, strings.HasPrefix(s.Name, cfg.SessionPrefix)})
				}
				return r.writeJSON(items)
			}
			if len(sessions) == 0 {
				_, _ = fmt.Fprintln(r.out, "no tmux sessions")
				return nil
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "NAME\tWINDOWS\tATTACHED\tOWNER")
			for _, s := range sessions {
				owner := "-"
				if strings.HasPrefix(s.Name, cfg.SessionPrefix) {
					owner = "chat " + strings.TrimPrefix(s.Name, cfg.SessionPrefix)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%t\t%s\n", s.Name, s.Windows, s.Attached, owner)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) captureCommand() *cobra.Command {
	var (
		lines   int
		visible bool
	)
	cmd := &cobra.Command{
		Use:   "capture <session>",
		Short: "Print a session's screen the way the bot would send it",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			client := r.tmuxClient(cfg)
			ctx := cmd.Context()
			name := args[0]
			ok, err := client.SessionExists(ctx, name)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s", model.ErrSessionNotFound, name)
			}
			method := model.CaptureFull
			if visible {
				method = model.CaptureVisible
			}
			if lines <= 0 {
				lines = cfg.CaptureLines
			}
			raw, err := client.Capture(ctx, model.TargetForSession(name), method, lines)
			if err != nil {
				return err
			}
			text := output.TrimOutput(raw)
			if text == "" {
				text = output.EmptyScreenText
			}
			_, _ = fmt.Fprintln(r.out, text)
			return nil
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 0, "history lines for a full capture (default capture_lines)")
	cmd.Flags().BoolVar(&visible, "visible", false, "capture only the visible screen")
	return cmd
}

func parseChatArg(raw string) (model.ChatID, error) {
	chat, err := model.ParseChatID(raw)
	if err != nil {
		return 0, usageError{fmt.Errorf("invalid chat id %q", raw)}
	}
	return chat, nil
}

func (r *Runner) allowCommand() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "allow <chat-id>",
		Short: "Allow a chat to drive the terminal",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChatArg(args[0])
			if err != nil {
				return err
			}
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			store, err := r.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if err := store.AllowChat(cmd.Context(), chat, note, "cli"); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(r.out, "chat %s allowed\n", chat)
			return nil
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "free-form note stored with the chat")
	return cmd
}

func (r *Runner) denyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deny <chat-id>",
		Short: "Remove a chat from the allow-list",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			chat, err := parseChatArg(args[0])
			if err != nil {
				return err
			}
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			store, err := r.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			if err := store.DenyChat(cmd.Context(), chat); err != nil {
				if errors.Is(err, db.ErrNotFound) {
					return fmt.Errorf("chat %s is not in the allow-list", chat)
				}
				return err
			}
			_, _ = fmt.Fprintf(r.out, "chat %s denied\n", chat)
			for _, configured := range cfg.AllowedChats {
				if configured == chat {
					_, _ = fmt.Fprintln(r.out, mutedStyle.Render("note: the chat is still listed in allowed_chats in the config file"))
				}
			}
			return nil
		},
	}
}

func (r *Runner) allowedCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "allowed",
		Short: "List allowed chats",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			store, err := r.openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close() //nolint:errcheck
			stored, err := store.ListAllowedChats(cmd.Context())
			if err != nil {
				return err
			}

			type item struct {
				ChatID  model.ChatID `json:"chat_id"`
				Source  string       `json:"source"`
				Note    string       `json:"note,omitempty"`
				AddedBy string       `json:"added_by,omitempty"`
				AddedAt *time.Time   `json:"added_at,omitempty"`
			}
			var items []item
			for _, chat := range cfg.AllowedChats {
				items = append(items, item{ChatID: chat, Source: "config"})
			}
			for _, a := range stored {
				addedAt := a.AddedAt
				items = append(items, item{ChatID: a.ChatID, Source: "database", Note: a.Note, AddedBy: a.AddedBy, AddedAt: &addedAt})
			}
			if jsonOut {
				if items == nil {
					items = []item{}
				}
				return r.writeJSON(items)
			}
			if len(items) == 0 {
				_, _ = fmt.Fprintln(r.out, "no chats allowed")
				return nil
			}
			tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "CHAT\tSOURCE\tADDED\tNOTE")
			for _, it := range items {
				added := "-"
				if it.AddedAt != nil {
					added = it.AddedAt.Local().Format(time.DateTime)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.ChatID, it.Source, added, it.Note)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) doctorCommand() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the daemon can run on this host",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := r.loadConfig()
			if err != nil {
				return err
			}
			result := doctor.Run(cmd.Context(), doctor.Options{
				Config:   cfg,
				Tmux:     r.tmuxClient(cfg),
				LookPath: r.lookPath,
			})
			if jsonOut {
				if err := r.writeJSON(result); err != nil {
					return err
				}
			} else {
				r.printDoctor(result)
			}
			if !result.OK {
				return errChecksFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func (r *Runner) printDoctor(result doctor.Result) {
	_, _ = fmt.Fprintln(r.out, titleStyle.Render("tmuxgram doctor"))
	for _, check := range result.Checks {
		line := fmt.Sprintf("%s %s: %s", statusBadge(check.Status), check.Name, check.Message)
		if check.Path != "" {
			line += " " + mutedStyle.Render("("+check.Path+")")
		}
		_, _ = fmt.Fprintln(r.out, line)
	}
	if result.OK {
		_, _ = fmt.Fprintln(r.out, statusBadge("pass")+" ready")
	} else {
		_, _ = fmt.Fprintln(r.out, statusBadge("fail")+" not ready")
	}
}

func (r *Runner) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, _ = fmt.Fprintf(r.out, "tmuxgram %s\n", Version)
			return nil
		},
	}
}
