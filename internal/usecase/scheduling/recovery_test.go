package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reskit/internal/domain"
)

type fakeChats struct {
	chats   []domain.Chat
	logs    map[string][]domain.Message
	listErr error
}

func (f *fakeChats) ListChats(context.Context) ([]domain.Chat, error) {
	return f.chats, f.listErr
}

func (f *fakeChats) ListByChat(_ context.Context, chatID string) ([]domain.Message, error) {
	if chatID == "broken" {
		return nil, errors.New("disk on fire")
	}
	return f.logs[chatID], nil
}

type fakeTrigger struct {
	chats  []string
	reject map[string]bool
}

func (f *fakeTrigger) Trigger(chatID string) bool {
	f.chats = append(f.chats, chatID)
	return !f.reject[chatID]
}

func TestRecoverySweep(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	user := func(ts time.Time) domain.Message {
		return domain.Message{Role: domain.RoleUser, AuthorID: "u", Content: "q", Timestamp: ts}
	}
	reply := func(ts time.Time) domain.Message {
		return domain.Message{Role: domain.RoleAssistant, Content: "a", Timestamp: ts}
	}

	src := &fakeChats{
		chats: []domain.Chat{
			{ID: "answered", AnsweredAt: t0},
			{ID: "pending", AnsweredAt: t0},
			{ID: "never", AnsweredAt: time.Time{}},
			{ID: "empty"},
			{ID: "broken"},
			{ID: "assistant-only"},
		},
		logs: map[string][]domain.Message{
			"answered":       {user(t0), reply(t0.Add(time.Second))},
			"pending":        {user(t0), reply(t0.Add(time.Second)), user(t0.Add(2 * time.Second))},
			"never":          {user(t0)},
			"assistant-only": {reply(t0)},
		},
	}
	trig := &fakeTrigger{}
	r := NewRecovery(src, trig, newTestLogger())

	n, err := r.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"pending", "never"}, trig.chats)
}

func TestRecoverySweepCountsAcceptedTriggersOnly(t *testing.T) {
	src := &fakeChats{
		chats: []domain.Chat{{ID: "a"}, {ID: "b"}},
		logs: map[string][]domain.Message{
			"a": {{Role: domain.RoleUser, AuthorID: "u", Content: "x", Timestamp: time.Unix(1, 0)}},
			"b": {{Role: domain.RoleUser, AuthorID: "u", Content: "y", Timestamp: time.Unix(2, 0)}},
		},
	}
	trig := &fakeTrigger{reject: map[string]bool{"b": true}}

	n, err := NewRecovery(src, trig, newTestLogger()).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, trig.chats, 2)
}

func TestRecoverySweepListError(t *testing.T) {
	src := &fakeChats{listErr: errors.New("db closed")}
	_, err := NewRecovery(src, &fakeTrigger{}, newTestLogger()).Sweep(context.Background())
	assert.ErrorContains(t, err, "db closed")
}

func TestRecoveryAction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	src := &fakeChats{chats: []domain.Chat{{ID: "a"}}}

	err := NewRecovery(src, &fakeTrigger{}, newTestLogger()).Action()(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
