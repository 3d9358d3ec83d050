// Package store implements domain.Store on embedded databases: SQLite for
// the default deployment and Pebble as a key-value alternative.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"reskit/internal/domain"
)

// SQLiteStore implements domain.Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store db: %w", err)
	}

	// SQLite write safety: single writer. Append relies on this to take the
	// per-chat timestamp floor and insert atomically.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store pragma: %w", err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store db: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id         TEXT PRIMARY KEY,
			username   TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS projects (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			owner_id    TEXT NOT NULL,
			members     TEXT NOT NULL DEFAULT '[]',
			is_public   INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS files (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			owner_id   TEXT NOT NULL,
			members    TEXT NOT NULL DEFAULT '[]',
			data       BLOB,
			created_at INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS chats (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL UNIQUE,
			members     TEXT NOT NULL DEFAULT '[]',
			created_at  INTEGER NOT NULL,
			answered_at INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS messages (
			id                 TEXT PRIMARY KEY,
			chat_id            TEXT NOT NULL REFERENCES chats(id),
			actor              TEXT NOT NULL,
			content            TEXT NOT NULL DEFAULT '',
			attachments        TEXT NOT NULL DEFAULT '[]',
			pending_tool_calls TEXT,
			ts                 INTEGER NOT NULL,
			UNIQUE (chat_id, ts)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages (chat_id, ts);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Checkpoint folds the write-ahead log back into the main database file.
func (s *SQLiteStore) Checkpoint(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

// --- Messages ---

func (s *SQLiteStore) Append(ctx context.Context, msg *domain.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	attachments, err := marshalList(msg.Attachments)
	if err != nil {
		return "", err
	}
	var pending sql.NullString
	if msg.HasPendingCalls() {
		enc, err := domain.EncodeToolCalls(msg.PendingToolCalls)
		if err != nil {
			return "", err
		}
		pending = sql.NullString{String: enc, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("append: begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM chats WHERE id = ?", msg.ChatID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.ErrChatNotFound
		}
		return "", fmt.Errorf("append: lookup chat: %w", err)
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx, "SELECT MAX(ts) FROM messages WHERE chat_id = ?", msg.ChatID).Scan(&last); err != nil {
		return "", fmt.Errorf("append: last timestamp: %w", err)
	}
	var lastTS time.Time
	if last.Valid {
		lastTS = fromMicros(last.Int64)
	}
	ts := domain.NextTimestamp(lastTS, s.now())

	id := msg.ID
	if id == "" {
		id = newID(ts)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (id, chat_id, actor, content, attachments, pending_tool_calls, ts) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id, msg.ChatID, msg.Actor(), msg.Content, attachments, pending, toMicros(ts),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("message %s: %w", id, domain.ErrDuplicate)
		}
		return "", fmt.Errorf("append: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("append: commit: %w", err)
	}

	msg.ID = id
	msg.Timestamp = ts
	return id, nil
}

func (s *SQLiteStore) ListByChat(ctx context.Context, chatID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, actor, content, attachments, pending_tool_calls, ts FROM messages WHERE chat_id = ? ORDER BY ts",
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var (
			m           domain.Message
			actor       string
			attachments string
			pending     sql.NullString
			ts          int64
		)
		if err := rows.Scan(&m.ID, &m.ChatID, &actor, &m.Content, &attachments, &pending, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = domain.RoleFromActor(actor)
		if m.Role == domain.RoleUser {
			m.AuthorID = actor
		}
		m.Timestamp = fromMicros(ts)
		if m.Attachments, err = unmarshalList(attachments); err != nil {
			return nil, err
		}
		if pending.Valid && pending.String != "" {
			calls, err := domain.DecodeToolCalls(pending.String)
			if err != nil {
				s.logger.Warn("store: unreadable pending tool calls", "message_id", m.ID, "error", err)
			} else {
				m.PendingToolCalls = calls
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Chats ---

func (s *SQLiteStore) CreateChat(ctx context.Context, chat *domain.Chat) error {
	if chat.ID == "" || chat.ProjectID == "" {
		return fmt.Errorf("chat id and project id are required: %w", domain.ErrInvalidInput)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = s.now().UTC()
	}
	members, err := marshalList(chat.Members)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO chats (id, project_id, members, created_at, answered_at) VALUES (?, ?, ?, ?, ?)",
		chat.ID, chat.ProjectID, members, toMicros(chat.CreatedAt), toMicros(chat.AnsweredAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("chat for project %s: %w", chat.ProjectID, domain.ErrDuplicate)
		}
		return fmt.Errorf("create chat: %w", err)
	}
	return nil
}

const chatColumns = "id, project_id, members, created_at, answered_at"

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE id = ?", chatID)
	return scanChat(row)
}

func (s *SQLiteStore) ChatByProject(ctx context.Context, projectID string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+chatColumns+" FROM chats WHERE project_id = ?", projectID)
	return scanChat(row)
}

func (s *SQLiteStore) ListChats(ctx context.Context) ([]domain.Chat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+chatColumns+" FROM chats ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []domain.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, *c)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) MarkAnswered(ctx context.Context, chatID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE chats SET answered_at = MAX(answered_at, ?) WHERE id = ?",
		toMicros(at), chatID,
	)
	if err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrChatNotFound
	}
	return nil
}

// --- Directory ---

func (s *SQLiteStore) SaveUser(ctx context.Context, u *domain.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			email    = excluded.email`,
		u.ID, u.Username, u.Email, toMicros(u.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var (
		u       domain.User
		created int64
	)
	err := s.db.QueryRowContext(ctx, "SELECT id, username, email, created_at FROM users WHERE id = ?", id).
		Scan(&u.ID, &u.Username, &u.Email, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.CreatedAt = fromMicros(created)
	return &u, nil
}

func (s *SQLiteStore) SaveProject(ctx context.Context, p *domain.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	members, err := marshalList(p.Members)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, owner_id, members, is_public, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name        = excluded.name,
			description = excluded.description,
			owner_id    = excluded.owner_id,
			members     = excluded.members,
			is_public   = excluded.is_public`,
		p.ID, p.Name, p.Description, p.OwnerID, members, p.IsPublic, toMicros(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save project: %w", err)
	}
	return nil
}

const projectColumns = "id, name, description, owner_id, members, is_public, created_at"

func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+projectColumns+" FROM projects WHERE id = ?", id)
	return scanProject(row)
}

func (s *SQLiteStore) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	// Membership lives in a JSON array; filter in Go to keep the schema flat.
	rows, err := s.db.QueryContext(ctx, "SELECT "+projectColumns+" FROM projects ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		if p.IsMember(userID) {
			out = append(out, *p)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveFile(ctx context.Context, f *domain.File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	members, err := marshalList(f.Members)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files (id, name, owner_id, members, data, created_at) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name    = excluded.name,
			members = excluded.members,
			data    = excluded.data`,
		f.ID, f.Name, f.OwnerID, members, f.Data, toMicros(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetFile(ctx context.Context, id string) (*domain.File, error) {
	return getFile(ctx, s.db, id)
}

func (s *SQLiteStore) ShareFile(ctx context.Context, fileID string, members []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("share file: begin: %w", err)
	}
	defer tx.Rollback()

	f, err := getFile(ctx, tx, fileID)
	if err != nil {
		return err
	}
	if !f.ShareWith(members) {
		return nil
	}
	enc, err := marshalList(f.Members)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "UPDATE files SET members = ? WHERE id = ?", enc, fileID); err != nil {
		return fmt.Errorf("share file: %w", err)
	}
	return tx.Commit()
}

// --- helpers ---

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getFile(ctx context.Context, q queryer, id string) (*domain.File, error) {
	var (
		f       domain.File
		members string
		created int64
	)
	err := q.QueryRowContext(ctx, "SELECT id, name, owner_id, members, data, created_at FROM files WHERE id = ?", id).
		Scan(&f.ID, &f.Name, &f.OwnerID, &members, &f.Data, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrFileNotFound
		}
		return nil, fmt.Errorf("get file: %w", err)
	}
	if f.Members, err = unmarshalList(members); err != nil {
		return nil, err
	}
	f.CreatedAt = fromMicros(created)
	return &f, nil
}

func scanChat(row scanner) (*domain.Chat, error) {
	var (
		c                 domain.Chat
		members           string
		created, answered int64
	)
	if err := row.Scan(&c.ID, &c.ProjectID, &members, &created, &answered); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrChatNotFound
		}
		return nil, fmt.Errorf("scan chat: %w", err)
	}
	var err error
	if c.Members, err = unmarshalList(members); err != nil {
		return nil, err
	}
	c.CreatedAt = fromMicros(created)
	c.AnsweredAt = fromMicros(answered)
	return &c, nil
}

func scanProject(row scanner) (*domain.Project, error) {
	var (
		p       domain.Project
		members string
		created int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.OwnerID, &members, &p.IsPublic, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrProjectNotFound
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	var err error
	if p.Members, err = unmarshalList(members); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMicros(created)
	return &p, nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(b), nil
}

func unmarshalList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("unmarshal list: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	// modernc reports constraint failures only through the message text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}
