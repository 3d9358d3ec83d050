package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"reskit/internal/domain"
)

// PebbleStore implements domain.Store on a Pebble key-value database.
//
// Key layout:
//
//	chat:<id>                 chat record
//	chatproj:<project>        chat id of the project's chat
//	msg:<chat>:<ts>           message record, ts zero-padded unix micros
//	msgid:<id>                marker for message id uniqueness
//	user:<id>, project:<id>, file:<id>
type PebbleStore struct {
	db     *pebble.DB
	logger *slog.Logger
	now    func() time.Time

	// mu serializes read-modify-write sequences.
	mu sync.Mutex
}

type pebbleMessage struct {
	ID          string   `json:"id"`
	ChatID      string   `json:"chat_id"`
	Actor       string   `json:"actor"`
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty"`
	ToolCalls   string   `json:"pending_tool_calls,omitempty"`
	TS          int64    `json:"ts"`
}

type pebbleChat struct {
	ID         string   `json:"id"`
	ProjectID  string   `json:"project_id"`
	Members    []string `json:"members"`
	CreatedAt  int64    `json:"created_at"`
	AnsweredAt int64    `json:"answered_at"`
}

type pebbleFile struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	OwnerID   string   `json:"owner_id"`
	Members   []string `json:"members"`
	Data      []byte   `json:"data"`
	CreatedAt int64    `json:"created_at"`
}

// NewPebbleStore opens (or creates) a Pebble database in dir.
func NewPebbleStore(dir string, logger *slog.Logger) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &PebbleStore{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Checkpoint flushes memtables to disk.
func (s *PebbleStore) Checkpoint(_ context.Context) error {
	return s.db.Flush()
}

func msgPrefix(chatID string) []byte { return []byte("msg:" + chatID + ":") }

func msgKey(chatID string, ts int64) []byte {
	return []byte(fmt.Sprintf("msg:%s:%020d", chatID, ts))
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *PebbleStore) getJSON(key string, v any) (bool, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

func (s *PebbleStore) has(key string) (bool, error) {
	_, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) setJSON(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Set([]byte(key), b, pebble.Sync)
}

// --- Messages ---

func (s *PebbleStore) Append(_ context.Context, msg *domain.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	rec := pebbleMessage{
		ChatID:      msg.ChatID,
		Actor:       msg.Actor(),
		Content:     msg.Content,
		Attachments: msg.Attachments,
	}
	if msg.HasPendingCalls() {
		enc, err := domain.EncodeToolCalls(msg.PendingToolCalls)
		if err != nil {
			return "", err
		}
		rec.ToolCalls = enc
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ok, err := s.has("chat:" + msg.ChatID)
	if err != nil {
		return "", fmt.Errorf("append: lookup chat: %w", err)
	}
	if !ok {
		return "", domain.ErrChatNotFound
	}

	last, err := s.lastTimestamp(msg.ChatID)
	if err != nil {
		return "", fmt.Errorf("append: last timestamp: %w", err)
	}
	ts := domain.NextTimestamp(last, s.now())

	rec.ID = msg.ID
	if rec.ID == "" {
		rec.ID = newID(ts)
	}
	if dup, err := s.has("msgid:" + rec.ID); err != nil {
		return "", err
	} else if dup {
		return "", fmt.Errorf("message %s: %w", rec.ID, domain.ErrDuplicate)
	}
	rec.TS = toMicros(ts)

	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("append: encode: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(msgKey(msg.ChatID, rec.TS), b, nil); err != nil {
		return "", err
	}
	if err := batch.Set([]byte("msgid:"+rec.ID), nil, nil); err != nil {
		return "", err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return "", fmt.Errorf("append: commit: %w", err)
	}

	msg.ID = rec.ID
	msg.Timestamp = ts
	return rec.ID, nil
}

func (s *PebbleStore) lastTimestamp(chatID string) (time.Time, error) {
	prefix := msgPrefix(chatID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return time.Time{}, err
	}
	defer iter.Close()
	if !iter.Last() {
		return time.Time{}, iter.Error()
	}
	var rec pebbleMessage
	if err := json.Unmarshal(iter.Value(), &rec); err != nil {
		return time.Time{}, err
	}
	return fromMicros(rec.TS), nil
}

func (s *PebbleStore) ListByChat(_ context.Context, chatID string) ([]domain.Message, error) {
	prefix := msgPrefix(chatID)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer iter.Close()

	msgs := []domain.Message{}
	for iter.First(); iter.Valid(); iter.Next() {
		var rec pebbleMessage
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", iter.Key(), err)
		}
		m := domain.Message{
			ID:          rec.ID,
			ChatID:      rec.ChatID,
			Role:        domain.RoleFromActor(rec.Actor),
			Content:     rec.Content,
			Attachments: rec.Attachments,
			Timestamp:   fromMicros(rec.TS),
		}
		if m.Role == domain.RoleUser {
			m.AuthorID = rec.Actor
		}
		if rec.ToolCalls != "" {
			calls, err := domain.DecodeToolCalls(rec.ToolCalls)
			if err != nil {
				s.logger.Warn("store: unreadable pending tool calls", "message_id", rec.ID, "error", err)
			} else {
				m.PendingToolCalls = calls
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, iter.Error()
}

// --- Chats ---

func (s *PebbleStore) CreateChat(_ context.Context, chat *domain.Chat) error {
	if chat.ID == "" || chat.ProjectID == "" {
		return fmt.Errorf("chat id and project id are required: %w", domain.ErrInvalidInput)
	}
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{"chatproj:" + chat.ProjectID, "chat:" + chat.ID} {
		exists, err := s.has(key)
		if err != nil {
			return fmt.Errorf("create chat: %w", err)
		}
		if exists {
			return fmt.Errorf("chat for project %s: %w", chat.ProjectID, domain.ErrDuplicate)
		}
	}

	b, err := json.Marshal(pebbleChat{
		ID:         chat.ID,
		ProjectID:  chat.ProjectID,
		Members:    chat.Members,
		CreatedAt:  toMicros(chat.CreatedAt),
		AnsweredAt: toMicros(chat.AnsweredAt),
	})
	if err != nil {
		return fmt.Errorf("create chat: encode: %w", err)
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set([]byte("chat:"+chat.ID), b, nil); err != nil {
		return err
	}
	if err := batch.Set([]byte("chatproj:"+chat.ProjectID), []byte(chat.ID), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (s *PebbleStore) GetChat(_ context.Context, chatID string) (*domain.Chat, error) {
	var rec pebbleChat
	ok, err := s.getJSON("chat:"+chatID, &rec)
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	return rec.toDomain(), nil
}

func (s *PebbleStore) ChatByProject(ctx context.Context, projectID string) (*domain.Chat, error) {
	val, closer, err := s.db.Get([]byte("chatproj:" + projectID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, domain.ErrChatNotFound
		}
		return nil, fmt.Errorf("chat by project: %w", err)
	}
	chatID := string(val)
	closer.Close()
	return s.GetChat(ctx, chatID)
}

func (s *PebbleStore) ListChats(_ context.Context) ([]domain.Chat, error) {
	prefix := []byte("chat:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer iter.Close()

	var chats []domain.Chat
	for iter.First(); iter.Valid(); iter.Next() {
		var rec pebbleChat
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode chat %s: %w", iter.Key(), err)
		}
		chats = append(chats, *rec.toDomain())
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(chats, func(i, j int) bool { return chats[i].CreatedAt.Before(chats[j].CreatedAt) })
	return chats, nil
}

func (s *PebbleStore) MarkAnswered(_ context.Context, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec pebbleChat
	ok, err := s.getJSON("chat:"+chatID, &rec)
	if err != nil {
		return fmt.Errorf("mark answered: %w", err)
	}
	if !ok {
		return domain.ErrChatNotFound
	}
	if v := toMicros(at); v > rec.AnsweredAt {
		rec.AnsweredAt = v
		return s.setJSON("chat:"+chatID, rec)
	}
	return nil
}

func (c pebbleChat) toDomain() *domain.Chat {
	return &domain.Chat{
		ID:         c.ID,
		ProjectID:  c.ProjectID,
		Members:    c.Members,
		CreatedAt:  fromMicros(c.CreatedAt),
		AnsweredAt: fromMicros(c.AnsweredAt),
	}
}

// --- Directory ---

func (s *PebbleStore) SaveUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing domain.User
	if ok, err := s.getJSON("user:"+u.ID, &existing); err != nil {
		return fmt.Errorf("save user: %w", err)
	} else if ok {
		u.CreatedAt = existing.CreatedAt
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	return s.setJSON("user:"+u.ID, u)
}

func (s *PebbleStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	var u domain.User
	ok, err := s.getJSON("user:"+id, &u)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

func (s *PebbleStore) SaveProject(_ context.Context, p *domain.Project) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	return s.setJSON("project:"+p.ID, p)
}

func (s *PebbleStore) GetProject(_ context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	ok, err := s.getJSON("project:"+id, &p)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if !ok {
		return nil, domain.ErrProjectNotFound
	}
	return &p, nil
}

func (s *PebbleStore) ListProjects(_ context.Context, userID string) ([]domain.Project, error) {
	prefix := []byte("project:")
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixEnd(prefix)})
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer iter.Close()

	var out []domain.Project
	for iter.First(); iter.Valid(); iter.Next() {
		var p domain.Project
		if err := json.Unmarshal(iter.Value(), &p); err != nil {
			return nil, fmt.Errorf("decode project %s: %w", iter.Key(), err)
		}
		if p.IsMember(userID) {
			out = append(out, p)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PebbleStore) SaveFile(_ context.Context, f *domain.File) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putFile(f)
}

func (s *PebbleStore) putFile(f *domain.File) error {
	return s.setJSON("file:"+f.ID, pebbleFile{
		ID:        f.ID,
		Name:      f.Name,
		OwnerID:   f.OwnerID,
		Members:   f.Members,
		Data:      f.Data,
		CreatedAt: toMicros(f.CreatedAt),
	})
}

func (s *PebbleStore) GetFile(_ context.Context, id string) (*domain.File, error) {
	var rec pebbleFile
	ok, err := s.getJSON("file:"+id, &rec)
	if err != nil {
		return nil, fmt.Errorf("get file: %w", err)
	}
	if !ok {
		return nil, domain.ErrFileNotFound
	}
	return &domain.File{
		ID:        rec.ID,
		Name:      rec.Name,
		OwnerID:   rec.OwnerID,
		Members:   rec.Members,
		Data:      rec.Data,
		CreatedAt: fromMicros(rec.CreatedAt),
	}, nil
}

func (s *PebbleStore) ShareFile(ctx context.Context, fileID string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if !f.ShareWith(members) {
		return nil
	}
	return s.putFile(f)
}

// keyspaceSize counts keys under prefix. Used by tests and diagnostics.
func (s *PebbleStore) keyspaceSize(prefix string) (int, error) {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: p, UpperBound: prefixEnd(p)})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	n := 0
	for iter.First(); iter.Valid(); iter.Next() {
		if !strings.HasPrefix(string(iter.Key()), prefix) {
			break
		}
		n++
	}
	return n, iter.Error()
}
