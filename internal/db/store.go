package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/g960059/tmuxgram/internal/model"
)

var ErrNotFound = errors.New("not found")

// Store keeps the little state that must survive restarts and be shared with
// the CLI: per-chat output modes and the chat allow-list.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

type AllowedChat struct {
	ChatID  model.ChatID
	Note    string
	AddedBy string
	AddedAt time.Time
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// OpenMigrated opens the store and brings its schema up to date.
func OpenMigrated(ctx context.Context, path string) (*Store, error) {
	s, err := Open(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := ApplyMigrations(ctx, s.db); err != nil {
		s.Close() //nolint:errcheck
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) SetOutputMode(ctx context.Context, chat model.ChatID, mode model.OutputMode) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO chat_preferences(chat_id, output_mode, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET
	output_mode=excluded.output_mode,
	updated_at=excluded.updated_at
`, int64(chat), string(mode), ts(s.now()))
	if err != nil {
		return fmt.Errorf("set output mode: %w", err)
	}
	return nil
}

// ClearOutputMode drops a chat's override. Clearing a missing override is
// not an error.
func (s *Store) ClearOutputMode(ctx context.Context, chat model.ChatID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM chat_preferences WHERE chat_id = ?`, int64(chat)); err != nil {
		return fmt.Errorf("clear output mode: %w", err)
	}
	return nil
}

func (s *Store) GetOutputMode(ctx context.Context, chat model.ChatID) (model.OutputMode, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT output_mode FROM chat_preferences WHERE chat_id = ?`, int64(chat)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get output mode: %w", err)
	}
	return model.OutputMode(raw), nil
}

func (s *Store) ListOutputModes(ctx context.Context) (map[model.ChatID]model.OutputMode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, output_mode FROM chat_preferences`)
	if err != nil {
		return nil, fmt.Errorf("list output modes: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := map[model.ChatID]model.OutputMode{}
	for rows.Next() {
		var (
			chat int64
			mode string
		)
		if err := rows.Scan(&chat, &mode); err != nil {
			return nil, fmt.Errorf("scan output mode: %w", err)
		}
		out[model.ChatID(chat)] = model.OutputMode(mode)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output modes: %w", err)
	}
	return out, nil
}

// AllowChat adds or updates an allow-list entry.
func (s *Store) AllowChat(ctx context.Context, chat model.ChatID, note, addedBy string) error {
	if addedBy == "" {
		addedBy = "cli"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO allowed_chats(chat_id, note, added_at, added_by)
VALUES (?, ?, ?, ?)
ON CONFLICT(chat_id) DO UPDATE SET
	note=excluded.note,
	added_by=excluded.added_by
`, int64(chat), note, ts(s.now()), addedBy)
	if err != nil {
		return fmt.Errorf("allow chat: %w", err)
	}
	return nil
}

// DenyChat removes a chat from the allow-list. It returns ErrNotFound when
// the chat was not listed.
func (s *Store) DenyChat(ctx context.Context, chat model.ChatID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM allowed_chats WHERE chat_id = ?`, int64(chat))
	if err != nil {
		return fmt.Errorf("deny chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deny chat rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) IsChatAllowed(ctx context.Context, chat model.ChatID) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM allowed_chats WHERE chat_id = ?`, int64(chat)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check allowed chat: %w", err)
	}
	return true, nil
}

func (s *Store) ListAllowedChats(ctx context.Context) ([]AllowedChat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT chat_id, note, added_by, added_at FROM allowed_chats ORDER BY chat_id`)
	if err != nil {
		return nil, fmt.Errorf("list allowed chats: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []AllowedChat
	for rows.Next() {
		var (
			chat    int64
			entry   AllowedChat
			addedAt string
		)
		if err := rows.Scan(&chat, &entry.Note, &entry.AddedBy, &addedAt); err != nil {
			return nil, fmt.Errorf("scan allowed chat: %w", err)
		}
		entry.ChatID = model.ChatID(chat)
		if entry.AddedAt, err = parseTS(addedAt); err != nil {
			return nil, fmt.Errorf("parse added_at for chat %d: %w", chat, err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allowed chats: %w", err)
	}
	return out, nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
