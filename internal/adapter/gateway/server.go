// Package gateway serves the REST API and the realtime websocket rooms.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"reskit/internal/domain"
)

// RPCHandler handles a single RPC method call.
type RPCHandler func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error)

// ProjectLookup resolves a project the caller may view.
type ProjectLookup interface {
	GetProject(ctx context.Context, userID, projectID string) (*domain.Project, error)
}

const sendQueueSize = 64

// clientConn tracks a single WebSocket connection and the rooms it joined.
type clientConn struct {
	id        uint64
	info      *ClientInfo
	ws        *websocket.Conn
	sendCh    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.RWMutex
	rooms map[string]struct{}
}

func (c *clientConn) join(room string) {
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
}

func (c *clientConn) leave(room string) {
	c.mu.Lock()
	delete(c.rooms, room)
	c.mu.Unlock()
}

func (c *clientConn) inRoom(room string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[room]
	return ok
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server exposes client-facing events to websocket subscribers of a project
// room and serves the registered HTTP routes on the same listener.
type Server struct {
	bus        domain.EventBus
	auth       Authenticator
	projects   ProjectLookup
	clients    sync.Map // connID (uint64) -> *clientConn
	handlersMu sync.RWMutex
	handlers   map[string]RPCHandler
	logger     *slog.Logger
	addr       string
	origins    []string
	middleware []func(http.Handler) http.Handler
	metrics    *Metrics

	httpSrv    *http.Server
	boundAddr  atomic.Value // string
	nextID     atomic.Uint64
	unsubAll   func()
	httpRoutes []httpRoute
}

type httpRoute struct {
	pattern string
	handler http.Handler
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAllowedOrigins adds browser origins allowed to open websockets. Local
// origins are always allowed.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.origins = append(s.origins, origins...) }
}

// WithMiddleware wraps every HTTP route, outermost first.
func WithMiddleware(mw ...func(http.Handler) http.Handler) ServerOption {
	return func(s *Server) { s.middleware = append(s.middleware, mw...) }
}

// WithMetrics records connected websocket clients.
func WithMetrics(m *Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// NewServer creates a gateway server. projects authorizes room subscriptions.
func NewServer(bus domain.EventBus, auth Authenticator, projects ProjectLookup, addr string, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		bus:      bus,
		auth:     auth,
		projects: projects,
		handlers: make(map[string]RPCHandler),
		logger:   logger,
		addr:     addr,
		origins: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterHandler adds an RPC handler for the given method name.
// Safe to call concurrently with active connections.
func (s *Server) RegisterHandler(method string, handler RPCHandler) {
	s.handlersMu.Lock()
	s.handlers[method] = handler
	s.handlersMu.Unlock()
}

// RegisterHTTPRoute adds an HTTP handler to the gateway's mux. Patterns use
// the net/http method syntax, e.g. "GET /api/v1/projects/{id}".
// Must be called before Handler or Start.
func (s *Server) RegisterHTTPRoute(pattern string, handler http.Handler) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Handler returns the gateway's HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.Handle(route.pattern, route.handler)
	}
	var h http.Handler = mux
	for i := len(s.middleware) - 1; i >= 0; i-- {
		h = s.middleware[i](h)
	}
	return h
}

// Attach subscribes the server to the event bus. Start calls it; tests that
// serve Handler directly call it themselves.
func (s *Server) Attach() {
	if s.unsubAll != nil {
		return
	}
	s.unsubAll = s.bus.SubscribeAll(s.Deliver)
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.Attach()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}

	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.close()
		cc.ws.Close(websocket.StatusGoingAway, "server shutting down")
		s.clients.Delete(key)
		return true
	})

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the actual address the server bound to. Empty until Start
// has bound its listener.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}

// Deliver pushes a client-facing event to the members of its room. Events
// relayed from other replicas enter here without touching the local bus.
// A full send queue drops the frame.
func (s *Server) Deliver(_ context.Context, event domain.Event) {
	if !event.Type.Client() || event.Room == "" {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	frame := Frame{Type: FrameTypeEvent, Method: string(event.Type), Payload: payload}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		if !cc.inRoom(event.Room) {
			return true
		}
		select {
		case cc.sendCh <- frame:
		default:
			s.logger.Warn("gateway: dropped event for slow client",
				"conn_id", cc.id, "event", event.Type, "room", event.Room)
		}
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientInfo, err := s.auth.Authenticate(TokenFromRequest(r))
	if err != nil {
		writeError(w, err)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns(s.origins),
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		id:     connID,
		info:   clientInfo,
		ws:     ws,
		sendCh: make(chan Frame, sendQueueSize),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
	s.clients.Store(connID, cc)
	if s.metrics != nil {
		s.metrics.WSClients.Inc()
	}

	s.logger.Info("gateway client connected", "conn_id", connID, "user_id", clientInfo.UserID)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.close()
	s.clients.Delete(connID)
	if s.metrics != nil {
		s.metrics.WSClients.Dec()
	}
	ws.Close(websocket.StatusNormalClosure, "")
	s.logger.Info("gateway client disconnected", "conn_id", connID)
}

// originPatterns turns configured origins such as https://app.example.org
// into the host patterns the websocket library matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			o = u.Host
		}
		out = append(out, o)
	}
	return out
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		default:
		}

		var frame Frame
		if err := wsjson.Read(ctx, cc.ws, &frame); err != nil {
			return
		}
		if frame.Type != FrameTypeRequest {
			continue
		}
		go s.dispatchRPC(ctx, cc, frame)
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case <-cc.done:
			return
		case frame := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatchRPC(ctx context.Context, cc *clientConn, req Frame) {
	var (
		result json.RawMessage
		err    error
	)
	switch req.Method {
	case MethodSubscribe:
		result, err = s.subscribe(ctx, cc, req.Payload)
	case MethodUnsubscribe:
		result, err = s.unsubscribe(cc, req.Payload)
	case MethodPing:
		result = json.RawMessage(`"pong"`)
	default:
		s.handlersMu.RLock()
		handler, ok := s.handlers[req.Method]
		s.handlersMu.RUnlock()
		if !ok {
			err = fmt.Errorf("%q: %w", req.Method, domain.ErrRPCMethodNotFound)
			break
		}
		result, err = handler(ctx, cc.info, req.Payload)
	}
	s.sendResponse(cc, req.ID, result, err)
}

func parseRoom(payload json.RawMessage) (string, error) {
	var req RoomRequest
	if err := json.Unmarshal(payload, &req); err != nil || req.ProjectID == "" {
		return "", fmt.Errorf("project_id is required: %w", domain.ErrRPCInvalidPayload)
	}
	return req.ProjectID, nil
}

// subscribe joins the project's room. Only project members may listen.
func (s *Server) subscribe(ctx context.Context, cc *clientConn, payload json.RawMessage) (json.RawMessage, error) {
	projectID, err := parseRoom(payload)
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetProject(ctx, cc.info.UserID, projectID)
	if err != nil {
		return nil, err
	}
	if !project.IsMember(cc.info.UserID) {
		return nil, domain.NewDomainError("gateway.subscribe", domain.ErrUnauthorizedProject, projectID)
	}
	cc.join(project.ID)
	s.logger.Debug("gateway client joined room", "conn_id", cc.id, "room", project.ID)
	return json.Marshal(map[string]any{"project_id": project.ID, "subscribed": true})
}

func (s *Server) unsubscribe(cc *clientConn, payload json.RawMessage) (json.RawMessage, error) {
	projectID, err := parseRoom(payload)
	if err != nil {
		return nil, err
	}
	cc.leave(projectID)
	return json.Marshal(map[string]any{"project_id": projectID, "subscribed": false})
}

func (s *Server) sendResponse(cc *clientConn, id uint64, result json.RawMessage, err error) {
	resp := Frame{
		Type:    FrameTypeResponse,
		ID:      id,
		Payload: result,
	}
	if err != nil {
		resp.Payload = nil
		resp.Error = &FrameError{Code: string(domain.ErrorCodeOf(err)), Message: err.Error()}
	}
	select {
	case cc.sendCh <- resp:
	case <-cc.done:
	default:
		s.logger.Warn("gateway: dropped RPC response for slow client", "frame_id", id)
	}
}
