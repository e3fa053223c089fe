package tmux

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/g960059/tmuxgram/internal/model"
)

const paneStateFields = 11

func parsePaneState(output string) (model.PaneState, error) {
	line := strings.TrimRight(strings.TrimSpace(output), "\r")
	parts := splitFields(line, paneStateFields)
	if len(parts) != paneStateFields {
		return model.PaneState{}, fmt.Errorf("invalid tmux display-message line: %q", line)
	}
	if !strings.HasPrefix(parts[2], "%") {
		return model.PaneState{}, fmt.Errorf("invalid tmux pane id: %q", parts[2])
	}
	state := model.PaneState{
		SessionID: parts[0],
		WindowID:  parts[1],
		PaneID:    parts[2],
		Dead:      strings.TrimSpace(parts[8]) == "1",
		Command:   parts[9],
		Activity:  strings.TrimSpace(parts[10]),
	}
	var err error
	if state.HistorySize, err = strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64); err != nil {
		return model.PaneState{}, fmt.Errorf("invalid history_size %q: %w", parts[3], err)
	}
	ints := []*int{&state.CursorX, &state.CursorY, &state.Width, &state.Height}
	for i, dst := range ints {
		raw := strings.TrimSpace(parts[4+i])
		if *dst, err = strconv.Atoi(raw); err != nil {
			return model.PaneState{}, fmt.Errorf("invalid pane field %d %q: %w", 4+i, raw, err)
		}
	}
	return state, nil
}

// Digest hashes every pane state field. Any field change yields a new digest.
func Digest(s model.PaneState) string {
	payload := strings.Join([]string{
		s.SessionID,
		s.WindowID,
		s.PaneID,
		strconv.FormatInt(s.HistorySize, 10),
		strconv.Itoa(s.CursorX),
		strconv.Itoa(s.CursorY),
		strconv.Itoa(s.Width),
		strconv.Itoa(s.Height),
		strconv.FormatBool(s.Dead),
		s.Command,
		s.Activity,
	}, "|")
	sum := blake3.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}
