package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"reskit/internal/domain"
	"reskit/internal/infra/config"
)

// --- test doubles ---

type testBus struct {
	mu       sync.Mutex
	handlers []domain.EventHandler
}

func (b *testBus) Publish(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	hs := make([]domain.EventHandler, len(b.handlers))
	copy(hs, b.handlers)
	b.mu.Unlock()
	for _, h := range hs {
		h(ctx, event)
	}
}

func (b *testBus) Subscribe(_ domain.EventType, _ domain.EventHandler) func() { return func() {} }

func (b *testBus) SubscribeAll(handler domain.EventHandler) func() {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		b.handlers = nil
		b.mu.Unlock()
	}
}

func (b *testBus) Close() {}

type fakeProjects struct {
	projects map[string]*domain.Project
}

func (f *fakeProjects) GetProject(_ context.Context, userID, projectID string) (*domain.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return nil, domain.NewDomainError("GetProject", domain.ErrProjectNotFound, projectID)
	}
	if !p.CanView(userID) {
		return nil, domain.NewDomainError("GetProject", domain.ErrUnauthorizedProject, projectID)
	}
	return p, nil
}

func newTestProjects() *fakeProjects {
	return &fakeProjects{projects: map[string]*domain.Project{
		"p-1":      {ID: "p-1", OwnerID: "u-1", Members: []string{"u-2"}},
		"p-2":      {ID: "p-2", OwnerID: "u-1"},
		"p-public": {ID: "p-public", OwnerID: "u-9", IsPublic: true},
	}}
}

func newTestAuth() Authenticator {
	return NewStaticTokenAuth([]config.TokenConfig{
		{Token: "token-1", UserID: "u-1", Username: "ada"},
		{Token: "token-2", UserID: "u-2", Username: "grace"},
		{Token: "token-3", UserID: "u-3", Username: "outsider"},
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, bus domain.EventBus, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(bus, newTestAuth(), newTestProjects(), "127.0.0.1:0", discardLogger(), opts...)
	srv.Attach()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Stop(context.Background())
	})
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func call(t *testing.T, ws *websocket.Conn, id uint64, method string, payload any) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	raw, _ := json.Marshal(payload)
	if err := wsjson.Write(ctx, ws, Frame{Type: FrameTypeRequest, ID: id, Method: method, Payload: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
	return readFrame(t, ws)
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var f Frame
	if err := wsjson.Read(ctx, ws, &f); err != nil {
		t.Fatalf("read: %v", err)
	}
	return f
}

// --- tests ---

func TestServerLifecycle(t *testing.T) {
	srv := NewServer(&testBus{}, newTestAuth(), newTestProjects(), "127.0.0.1:0", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for srv.BoundAddr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	resp, err := http.Get("http://" + srv.BoundAddr() + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t, &testBus{})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws?token=nope", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSubscribeReceivesRoomEvents(t *testing.T) {
	bus := &testBus{}
	_, ts := newTestServer(t, bus)
	ws := dialWS(t, ts, "token-2")

	resp := call(t, ws, 1, MethodSubscribe, RoomRequest{ProjectID: "p-1"})
	if resp.Type != FrameTypeResponse || resp.ID != 1 || resp.Error != nil {
		t.Fatalf("subscribe response = %+v", resp)
	}

	ctx := context.Background()
	bus.Publish(ctx, domain.NewEvent(domain.EventNewMessage, "p-2", "c-2", map[string]string{"room": "other"}))
	bus.Publish(ctx, domain.NewEvent(domain.EventTurnStarted, "p-1", "c-1", domain.TurnEvent{ChatID: "c-1"}))
	bus.Publish(ctx, domain.NewEvent(domain.EventNewMessage, "", "c-1", nil))
	bus.Publish(ctx, domain.NewEvent(domain.EventNewCard, "p-1", "c-1", domain.CardEvent{Cards: domain.Paper{ArxivID: "1706.03762"}}))

	f := readFrame(t, ws)
	if f.Type != FrameTypeEvent || f.Method != string(domain.EventNewCard) {
		t.Fatalf("frame = %+v, want the new_card event", f)
	}
	var ev domain.Event
	if err := json.Unmarshal(f.Payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Room != "p-1" || ev.ChatID != "c-1" {
		t.Errorf("event = %+v", ev)
	}
	var card domain.CardEvent
	if err := json.Unmarshal(ev.Payload, &card); err != nil {
		t.Fatal(err)
	}
	if card.Cards.ArxivID != "1706.03762" {
		t.Errorf("card = %+v", card)
	}
}

func TestSubscribeRequiresMembership(t *testing.T) {
	_, ts := newTestServer(t, &testBus{})

	tests := []struct {
		name    string
		token   string
		payload any
		code    domain.ErrorCode
	}{
		{"not a member", "token-3", RoomRequest{ProjectID: "p-1"}, domain.CodeUnauthorizedProj},
		{"public project is view only", "token-3", RoomRequest{ProjectID: "p-public"}, domain.CodeUnauthorizedProj},
		{"unknown project", "token-1", RoomRequest{ProjectID: "missing"}, domain.CodeProjectNotFound},
		{"no project id", "token-1", map[string]string{}, domain.CodeRPCInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := dialWS(t, ts, tt.token)
			resp := call(t, ws, 7, MethodSubscribe, tt.payload)
			if resp.Error == nil {
				t.Fatalf("expected error, got %+v", resp)
			}
			if resp.Error.Code != string(tt.code) {
				t.Errorf("code = %s, want %s", resp.Error.Code, tt.code)
			}
		})
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := &testBus{}
	_, ts := newTestServer(t, bus)
	ws := dialWS(t, ts, "token-1")

	call(t, ws, 1, MethodSubscribe, RoomRequest{ProjectID: "p-1"})
	resp := call(t, ws, 2, MethodUnsubscribe, RoomRequest{ProjectID: "p-1"})
	if resp.Error != nil {
		t.Fatalf("unsubscribe: %+v", resp.Error)
	}

	bus.Publish(context.Background(), domain.NewEvent(domain.EventNewMessage, "p-1", "c-1", nil))

	pong := call(t, ws, 3, MethodPing, nil)
	if pong.Type != FrameTypeResponse || pong.ID != 3 || string(pong.Payload) != `"pong"` {
		t.Errorf("next frame = %+v, want pong", pong)
	}
}

func TestRPCHandlers(t *testing.T) {
	srv, ts := newTestServer(t, &testBus{})
	srv.RegisterHandler("whoami", func(_ context.Context, c *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(c.UserID)
	})
	ws := dialWS(t, ts, "token-1")

	resp := call(t, ws, 1, "whoami", nil)
	if string(resp.Payload) != `"u-1"` {
		t.Errorf("whoami = %s", resp.Payload)
	}

	resp = call(t, ws, 2, "nope", nil)
	if resp.Error == nil || resp.Error.Code != string(domain.CodeRPCMethodNotFound) {
		t.Errorf("unknown method = %+v", resp)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://app.example.org", "localhost:*", "*.example.com"})
	want := []string{"app.example.org", "localhost:*", "*.example.com"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("patterns = %v, want %v", got, want)
	}
}
