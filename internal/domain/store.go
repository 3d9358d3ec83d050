package domain

import (
	"context"
	"time"
)

// MessageStore persists the append-only per-chat message log.
type MessageStore interface {
	// Append assigns the message ID (when empty) and a timestamp strictly
	// greater than every earlier message in the chat, then persists it. The
	// assigned values are also written back into msg.
	Append(ctx context.Context, msg *Message) (string, error)
	// ListByChat returns the chat's messages ordered by ascending timestamp.
	// An unknown chat yields an empty slice.
	ListByChat(ctx context.Context, chatID string) ([]Message, error)
}

// ChatStore persists chat records.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *Chat) error
	GetChat(ctx context.Context, chatID string) (*Chat, error)
	// ChatByProject returns the project's chat or ErrChatNotFound.
	ChatByProject(ctx context.Context, projectID string) (*Chat, error)
	// ListChats returns every chat, used by the recovery sweep.
	ListChats(ctx context.Context) ([]Chat, error)
	// MarkAnswered advances the answered cursor. It never moves backwards.
	MarkAnswered(ctx context.Context, chatID string, at time.Time) error
}

// Directory holds users, projects and uploaded files.
type Directory interface {
	SaveUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (*User, error)
	SaveProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, id string) (*Project, error)
	// ListProjects returns projects userID owns or is a member of.
	ListProjects(ctx context.Context, userID string) ([]Project, error)
	SaveFile(ctx context.Context, f *File) error
	GetFile(ctx context.Context, id string) (*File, error)
	// ShareFile adds members to the file's reader list.
	ShareFile(ctx context.Context, fileID string, members []string) error
}

// Store is the full persistence surface used by the service.
type Store interface {
	MessageStore
	ChatStore
	Directory
	Close() error
}
