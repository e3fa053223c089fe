package model

import (
	"errors"
	"strconv"
	"strings"
)

var (
	ErrBackendUnavailable = errors.New("backend_unavailable")
	ErrSessionNotFound    = errors.New("session_not_found")
)

// ChatID identifies a chat on the transport side.
type ChatID int64

func (c ChatID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

func ParseChatID(raw string) (ChatID, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return ChatID(v), nil
}

// Target addresses one session/window/pane in tmux, e.g. "=tg-42:0.0".
type Target string

// TargetForSession pins the first pane of session. The "=" prefix makes tmux
// match the session name exactly; without it a vanished "tg-1" would resolve
// to "tg-12" by prefix.
func TargetForSession(session string) Target {
	return Target("=" + session + ":0.0")
}

func (t Target) String() string {
	return string(t)
}

// Session returns the session part of the target.
func (t Target) Session() string {
	name, _, _ := strings.Cut(string(t), ":")
	return strings.TrimPrefix(name, "=")
}

type OutputMode string

const (
	OutputModeText  OutputMode = "text"
	OutputModeImage OutputMode = "image"
)

func ParseOutputMode(raw string) (OutputMode, bool) {
	switch OutputMode(strings.ToLower(strings.TrimSpace(raw))) {
	case OutputModeText:
		return OutputModeText, true
	case OutputModeImage:
		return OutputModeImage, true
	default:
		return "", false
	}
}

// CaptureMethod is how much of a pane gets captured.
type CaptureMethod string

const (
	CaptureFull    CaptureMethod = "full"
	CaptureVisible CaptureMethod = "visible"
)

// CaptureMethod returns the capture method paired with the mode. Image mode
// only renders the visible screen so pictures stay readable.
func (m OutputMode) CaptureMethod() CaptureMethod {
	if m == OutputModeImage {
		return CaptureVisible
	}
	return CaptureFull
}

// PaneState is the raw material of a pane signature.
type PaneState struct {
	SessionID   string
	WindowID    string
	PaneID      string
	HistorySize int64
	CursorX     int
	CursorY     int
	Width       int
	Height      int
	Dead        bool
	Command     string
	Activity    string
}

// Message is one inbound chat message.
type Message struct {
	Chat     ChatID
	UserID   int64
	Username string
	Text     string
}
