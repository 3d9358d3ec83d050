package domain

import (
	"slices"
	"time"
)

// Chat is a conversation scoped to a project. It is created lazily on the
// first message sent to the project.
type Chat struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Members   []string  `json:"members"`
	CreatedAt time.Time `json:"created_at"`
	// AnsweredAt is the timestamp of the newest user message the assistant
	// has finished answering. Zero means nothing has been answered yet.
	AnsweredAt time.Time `json:"answered_at,omitzero"`
}

// HasMember reports whether userID may read the chat.
func (c *Chat) HasMember(userID string) bool {
	return slices.Contains(c.Members, userID)
}

// NeedsAnswer reports whether a user message at ts is newer than the
// answered cursor.
func (c *Chat) NeedsAnswer(ts time.Time) bool {
	return ts.After(c.AnsweredAt)
}
