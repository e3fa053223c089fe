// Package bot turns chat messages into terminal actions.
package bot

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/g960059/tmuxgram/internal/config"
	"github.com/g960059/tmuxgram/internal/model"
	"github.com/g960059/tmuxgram/internal/monitor"
	"github.com/g960059/tmuxgram/internal/tmux"
	"github.com/g960059/tmuxgram/internal/transport"
)

const (
	// switchDelay lets a freshly created or attached session draw its prompt.
	switchDelay     = 200 * time.Millisecond
	defaultMaxPages = 10
)

type Sessions interface {
	Resolve(ctx context.Context, chat model.ChatID) (model.Target, error)
	Reset(ctx context.Context, chat model.ChatID) (model.Target, error)
	Attach(ctx context.Context, chat model.ChatID, name string) (bool, error)
	Detach(chat model.ChatID)
	CurrentBinding(chat model.ChatID) (string, bool)
	SessionName(chat model.ChatID) string
}

type Terminal interface {
	SendTextAndEnter(ctx context.Context, target model.Target, text string) error
	SendLiteralText(ctx context.Context, target model.Target, text string) error
	SendKey(ctx context.Context, target model.Target, key string) error
	ListSessions(ctx context.Context) ([]tmux.SessionInfo, error)
	OpenInTerminal(ctx context.Context, terminal, session string) error
}

type Output interface {
	CaptureAndSend(ctx context.Context, chat model.ChatID, target model.Target, delay time.Duration) error
	SendScreen(ctx context.Context, chat model.ChatID, target model.Target, pages int) error
}

type Watcher interface {
	StartWith(ctx context.Context, chat model.ChatID, target model.Target, immediate func(context.Context) error) error
	Stop(chat model.ChatID) bool
	Active() []monitor.Status
}

type Modes interface {
	Mode(chat model.ChatID) model.OutputMode
	Override(chat model.ChatID) (model.OutputMode, bool)
	Set(ctx context.Context, chat model.ChatID, mode model.OutputMode) error
	Clear(ctx context.Context, chat model.ChatID) error
}

type Authorizer interface {
	IsAuthorized(ctx context.Context, chat model.ChatID) bool
}

// Replier sends plain HTML replies.
type Replier interface {
	SendText(ctx context.Context, chat model.ChatID, html string) error
}

// HealthReporter is optional; /status shows delivery health when set.
type HealthReporter interface {
	Health(chat model.ChatID) transport.Health
}

type Deps struct {
	Sessions Sessions
	Terminal Terminal
	Output   Output
	Watcher  Watcher
	Modes    Modes
	Auth     Authorizer
	Reply    Replier
	Health   HealthReporter
}

type Options struct {
	OutputDelay    time.Duration
	CustomCommands map[string]config.CustomCommand
	MaxPages       int
	// Terminal is passed to OpenInTerminal; empty disables /open.
	Terminal       string
}

// MenuEntry is one line of the command menu.
type MenuEntry struct {
	Name        string
	Description string
}

type handlerFunc func(ctx context.Context, chat model.ChatID, args string) error

type Dispatcher struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	handlers map[string]handlerFunc
}

func NewDispatcher(deps Deps, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.MaxPages <= 0 {
		opts.MaxPages = defaultMaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{deps: deps, opts: opts, logger: logger.With("component", "bot")}
	d.handlers = map[string]handlerFunc{
		"start":    d.handleStart,
		"help":     d.handleHelp,
		"exec":     d.handleExec,
		"cd":       d.handleCd,
		"ls":       d.shellLine("ls -alh"),
		"pwd":      d.shellLine("pwd"),
		"screen":   d.handleScreen,
		"mode":     d.handleMode,
		"new":      d.handleNew,
		"sessions": d.handleSessions,
		"attach":   d.handleAttach,
		"detach":   d.handleDetach,
		"status":   d.handleStatus,
		"stop":     d.handleStop,
		"open":     d.handleOpen,
	}
	for name, key := range keyCommands {
		d.handlers[name] = d.keyPress(key)
	}
	for name, prefix := range modifierPrefixes {
		d.handlers[name] = d.modifierPress(name, prefix)
	}
	return d
}

// Handle authorizes msg, runs it and reports failures back to the chat.
func (d *Dispatcher) Handle(ctx context.Context, msg model.Message) {
	log := d.logger.With("chat", msg.Chat)
	if !d.deps.Auth.IsAuthorized(ctx, msg.Chat) {
		log.Warn("rejected message from unauthorized chat", "user", msg.UserID, "username", msg.Username)
		d.reply(ctx, msg.Chat, fmt.Sprintf(
			"This chat is not authorized.\nAsk the operator to run: <code>tmuxgram allow %d</code>", int64(msg.Chat)))
		return
	}

	cmd, ok := parseCommand(msg.Text)
	if !ok {
		if err := d.typeText(ctx, msg.Chat, msg.Text); err != nil {
			d.fail(ctx, msg.Chat, "text", err)
		}
		return
	}
	handler := d.handlers[cmd.name]
	if handler == nil {
		if custom, ok := d.opts.CustomCommands[cmd.name]; ok {
			handler = d.shellLine(custom.Command)
		}
	}
	if handler == nil {
		d.reply(ctx, msg.Chat, fmt.Sprintf("Unknown command /%s. Send /help for the list.", html.EscapeString(cmd.name)))
		return
	}
	log.Debug("command", "name", cmd.name)
	if err := handler(ctx, msg.Chat, cmd.args); err != nil {
		d.fail(ctx, msg.Chat, cmd.name, err)
	}
}

func (d *Dispatcher) fail(ctx context.Context, chat model.ChatID, what string, err error) {
	if ctx.Err() != nil {
		return
	}
	d.logger.Warn("command failed", "chat", chat, "command", what, "err", err)
	d.reply(ctx, chat, "Error: "+html.EscapeString(err.Error()))
}

func (d *Dispatcher) reply(ctx context.Context, chat model.ChatID, text string) {
	if err := d.deps.Reply.SendText(ctx, chat, text); err != nil {
		d.logger.Warn("reply failed", "chat", chat, "err", err)
	}
}

// drive resolves the chat's session, then runs send and the immediate
// delivery inside the watch's critical section, so no poll tick can report
// the command's output before the reply does.
func (d *Dispatcher) drive(ctx context.Context, chat model.ChatID, send func(context.Context, model.Target) error) error {
	target, err := d.deps.Sessions.Resolve(ctx, chat)
	if err != nil {
		return err
	}
	return d.deps.Watcher.StartWith(ctx, chat, target, func(ctx context.Context) error {
		if err := send(ctx, target); err != nil {
			return err
		}
		return d.deps.Output.CaptureAndSend(ctx, chat, target, d.opts.OutputDelay)
	})
}

func (d *Dispatcher) runLine(ctx context.Context, chat model.ChatID, line string) error {
	return d.drive(ctx, chat, func(ctx context.Context, target model.Target) error {
		return d.deps.Terminal.SendTextAndEnter(ctx, target, line)
	})
}

// typeText sends plain text as keystrokes without Enter and without
// capturing; the user finishes the line with /enter.
func (d *Dispatcher) typeText(ctx context.Context, chat model.ChatID, text string) error {
	target, err := d.deps.Sessions.Resolve(ctx, chat)
	if err != nil {
		return err
	}
	return d.deps.Terminal.SendLiteralText(ctx, target, text)
}

// shellLine runs a fixed line; arguments are substituted for $args or
// appended.
func (d *Dispatcher) shellLine(template string) handlerFunc {
	return func(ctx context.Context, chat model.ChatID, args string) error {
		return d.runLine(ctx, chat, expandCustom(template, strings.TrimSpace(args)))
	}
}

func (d *Dispatcher) keyPress(key string) handlerFunc {
	return func(ctx context.Context, chat model.ChatID, _ string) error {
		return d.drive(ctx, chat, func(ctx context.Context, target model.Target) error {
			return d.deps.Terminal.SendKey(ctx, target, key)
		})
	}
}

func (d *Dispatcher) modifierPress(name, prefix string) handlerFunc {
	return func(ctx context.Context, chat model.ChatID, args string) error {
		key := parseModifierKey(args)
		if key == "" {
			d.reply(ctx, chat, fmt.Sprintf("Usage: /%s + &lt;key&gt;", name))
			return nil
		}
		return d.drive(ctx, chat, func(ctx context.Context, target model.Target) error {
			return d.deps.Terminal.SendKey(ctx, target, prefix+key)
		})
	}
}

func (d *Dispatcher) handleStart(ctx context.Context, chat model.ChatID, _ string) error {
	d.reply(ctx, chat, "tmuxgram is connected to a terminal for this chat.\n"+
		"Send /exec &lt;command&gt; to run something, or /help for every command.")
	return nil
}

func (d *Dispatcher) handleHelp(ctx context.Context, chat model.ChatID, _ string) error {
	var b strings.Builder
	b.WriteString("<b>Commands</b>\n")
	for _, entry := range builtinMenu {
		fmt.Fprintf(&b, "/%s %s\n", entry.Name, html.EscapeString(entry.Description))
	}
	if names := d.customNames(); len(names) > 0 {
		b.WriteString("\n<b>Custom commands</b>\n")
		for _, name := range names {
			fmt.Fprintf(&b, "/%s %s\n", name, html.EscapeString(d.customDescription(name)))
		}
	}
	b.WriteString("\nPlain text is typed into the terminal without Enter.\n")
	b.WriteString("After a command the screen is watched and changes are pushed until it has been idle for a while.")
	d.reply(ctx, chat, b.String())
	return nil
}

func (d *Dispatcher) handleExec(ctx context.Context, chat model.ChatID, args string) error {
	if strings.TrimSpace(args) == "" {
		d.reply(ctx, chat, "Usage: /exec &lt;command&gt;")
		return nil
	}
	return d.runLine(ctx, chat, args)
}

func (d *Dispatcher) handleCd(ctx context.Context, chat model.ChatID, args string) error {
	dir := strings.TrimSpace(args)
	if dir == "" {
		d.reply(ctx, chat, "Usage: /cd &lt;path&gt;")
		return nil
	}
	return d.runLine(ctx, chat, "cd "+dir)
}

func (d *Dispatcher) handleScreen(ctx context.Context, chat model.ChatID, args string) error {
	target, err := d.deps.Sessions.Resolve(ctx, chat)
	if err != nil {
		return err
	}
	return d.deps.Output.SendScreen(ctx, chat, target, parsePages(args, d.opts.MaxPages))
}

func (d *Dispatcher) handleMode(ctx context.Context, chat model.ChatID, args string) error {
	arg := strings.ToLower(strings.TrimSpace(args))
	switch arg {
	case "":
		source := "configured"
		if _, ok := d.deps.Modes.Override(chat); ok {
			source = "set for this chat"
		}
		d.reply(ctx, chat, fmt.Sprintf("Output mode: <b>%s</b> (%s)\nUsage: /mode text | image | reset",
			d.deps.Modes.Mode(chat), source))
		return nil
	case "reset":
		if err := d.deps.Modes.Clear(ctx, chat); err != nil {
			return err
		}
		d.reply(ctx, chat, fmt.Sprintf("Output mode reset to <b>%s</b>.", d.deps.Modes.Mode(chat)))
		return nil
	}
	mode, ok := model.ParseOutputMode(arg)
	if !ok {
		d.reply(ctx, chat, "Unknown mode. Choose text, image or reset.")
		return nil
	}
	if err := d.deps.Modes.Set(ctx, chat, mode); err != nil {
		return err
	}
	d.reply(ctx, chat, fmt.Sprintf("Output mode set to <b>%s</b>.", mode))
	return nil
}

// handleNew replaces the default session. The old watch refers to the killed
// session, so it is stopped rather than re-armed.
func (d *Dispatcher) handleNew(ctx context.Context, chat model.ChatID, _ string) error {
	d.deps.Watcher.Stop(chat)
	target, err := d.deps.Sessions.Reset(ctx, chat)
	if err != nil {
		return err
	}
	if err := d.deps.Output.CaptureAndSend(ctx, chat, target, switchDelay); err != nil {
		return err
	}
	d.reply(ctx, chat, fmt.Sprintf("Started a new session <code>%s</code>.", html.EscapeString(target.Session())))
	return nil
}

func (d *Dispatcher) handleSessions(ctx context.Context, chat model.ChatID, _ string) error {
	sessions, err := d.deps.Terminal.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		d.reply(ctx, chat, "No tmux sessions.")
		return nil
	}
	bound, _ := d.deps.Sessions.CurrentBinding(chat)
	current := d.deps.Sessions.SessionName(chat)
	var b strings.Builder
	b.WriteString("<b>tmux sessions</b>\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "• <code>%s</code> %d win", html.EscapeString(s.Name), s.Windows)
		if s.Attached {
			b.WriteString(", attached")
		}
		switch {
		case s.Name == bound:
			b.WriteString(" ← bound")
		case bound == "" && s.Name == current:
			b.WriteString(" ← default")
		}
		b.WriteString("\n")
	}
	d.reply(ctx, chat, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (d *Dispatcher) handleAttach(ctx context.Context, chat model.ChatID, args string) error {
	name := strings.TrimSpace(args)
	if name == "" {
		d.reply(ctx, chat, "Usage: /attach &lt;session&gt;")
		return nil
	}
	ok, err := d.deps.Sessions.Attach(ctx, chat, name)
	if err != nil {
		return err
	}
	if !ok {
		d.reply(ctx, chat, fmt.Sprintf("Session <code>%s</code> does not exist. Send /sessions to list them.", html.EscapeString(name)))
		return nil
	}
	d.deps.Watcher.Stop(chat)
	target, err := d.deps.Sessions.Resolve(ctx, chat)
	if err != nil {
		return err
	}
	if err := d.deps.Output.CaptureAndSend(ctx, chat, target, switchDelay); err != nil {
		return err
	}
	d.reply(ctx, chat, fmt.Sprintf("Attached to <code>%s</code>.", html.EscapeString(name)))
	return nil
}

func (d *Dispatcher) handleDetach(ctx context.Context, chat model.ChatID, _ string) error {
	bound, ok := d.deps.Sessions.CurrentBinding(chat)
	if !ok {
		d.reply(ctx, chat, "No session is attached.")
		return nil
	}
	d.deps.Sessions.Detach(chat)
	d.deps.Watcher.Stop(chat)
	d.reply(ctx, chat, fmt.Sprintf("Detached from <code>%s</code>. Commands now go to the default session.", html.EscapeString(bound)))
	return nil
}

func (d *Dispatcher) handleStatus(ctx context.Context, chat model.ChatID, _ string) error {
	var b strings.Builder
	session := d.deps.Sessions.SessionName(chat)
	if _, ok := d.deps.Sessions.CurrentBinding(chat); ok {
		fmt.Fprintf(&b, "Session: <code>%s</code> (attached)\n", html.EscapeString(session))
	} else {
		fmt.Fprintf(&b, "Session: <code>%s</code> (default)\n", html.EscapeString(session))
	}
	fmt.Fprintf(&b, "Output mode: %s\n", d.deps.Modes.Mode(chat))

	watching := "off"
	for _, st := range d.deps.Watcher.Active() {
		if st.Chat == chat {
			watching = fmt.Sprintf("on, last change %s ago", time.Since(st.LastChangeAt).Round(time.Second))
			break
		}
	}
	fmt.Fprintf(&b, "Watching: %s", watching)
	if d.deps.Health != nil {
		fmt.Fprintf(&b, "\nDelivery: %s", d.deps.Health.Health(chat))
	}
	d.reply(ctx, chat, b.String())
	return nil
}

func (d *Dispatcher) handleStop(ctx context.Context, chat model.ChatID, _ string) error {
	if d.deps.Watcher.Stop(chat) {
		d.reply(ctx, chat, "Stopped watching the screen.")
	} else {
		d.reply(ctx, chat, "The screen is not being watched.")
	}
	return nil
}

func (d *Dispatcher) handleOpen(ctx context.Context, chat model.ChatID, _ string) error {
	if strings.TrimSpace(d.opts.Terminal) == "" {
		d.reply(ctx, chat, "No terminal program is configured. Set \"terminal\" in the config file, for example \"iterm2\".")
		return nil
	}
	target, err := d.deps.Sessions.Resolve(ctx, chat)
	if err != nil {
		return err
	}
	session := target.Session()
	if err := d.deps.Terminal.OpenInTerminal(ctx, d.opts.Terminal, session); err != nil {
		return err
	}
	d.reply(ctx, chat, fmt.Sprintf("Opened <code>%s</code> in a terminal on the host.", html.EscapeString(session)))
	return nil
}

func (d *Dispatcher) customNames() []string {
	names := make([]string, 0, len(d.opts.CustomCommands))
	for name := range d.opts.CustomCommands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) customDescription(name string) string {
	cmd := d.opts.CustomCommands[name]
	if cmd.Description != "" {
		return cmd.Description
	}
	return cmd.Command
}

// Menu lists every command for the client's command picker.
func (d *Dispatcher) Menu() []MenuEntry {
	menu := append([]MenuEntry(nil), builtinMenu...)
	for _, name := range d.customNames() {
		menu = append(menu, MenuEntry{Name: name, Description: d.customDescription(name)})
	}
	return menu
}

var builtinMenu = []MenuEntry{
	{"exec", "<command> run a shell command"},
	{"cd", "<path> change directory"},
	{"ls", "list files"},
	{"pwd", "print the working directory"},
	{"screen", "[n] show the screen, n pages"},
	{"mode", "[text|image|reset] show or change the output mode"},
	{"new", "start a fresh default session"},
	{"sessions", "list tmux sessions"},
	{"attach", "<session> drive another tmux session"},
	{"detach", "go back to the default session"},
	{"status", "show session, mode and watch state"},
	{"stop", "stop watching the screen"},
	{"open", "open the session in a terminal on the host"},
	{"enter", "press Enter"},
	{"tab", "press Tab"},
	{"esc", "press Escape"},
	{"up", "arrow up"},
	{"down", "arrow down"},
	{"left", "arrow left"},
	{"right", "arrow right"},
	{"ctrl", "+ <key> Ctrl combination"},
	{"alt", "+ <key> Alt combination"},
	{"shift", "+ <key> Shift combination"},
	{"cmd", "+ <key> Cmd combination, sent as Ctrl"},
	{"help", "list commands"},
}
