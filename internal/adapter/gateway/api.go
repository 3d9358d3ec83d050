package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"reskit/internal/domain"
	"reskit/internal/infra/middleware"
	"reskit/internal/usecase"
)

// ChatAPI is the application surface the REST handlers call.
type ChatAPI interface {
	SendMessage(ctx context.Context, userID, projectID, text string, attachments []string) (*usecase.SendResult, error)
	ReadMessages(ctx context.Context, userID, projectID string, after time.Time) ([]usecase.MessageView, error)
	UploadFile(ctx context.Context, userID, name string, data []byte) (*domain.File, error)
	UploadBase64(ctx context.Context, userID, name, payload string) (*domain.File, error)
	SearchPapers(ctx context.Context, query, category string) ([]domain.Paper, error)
	CreateProject(ctx context.Context, userID, name, description string, members []string, public bool) (*domain.Project, error)
	GetProject(ctx context.Context, userID, projectID string) (*domain.Project, error)
	ListProjects(ctx context.Context, userID string) ([]domain.Project, error)
}

// APIDeps holds what the REST handlers need.
type APIDeps struct {
	Chat           ChatAPI
	Auth           Authenticator
	Metrics        *Metrics // nil disables /metrics
	MaxUploadBytes int64
	Logger         *slog.Logger
}

type clientKey struct{}

func contextWithClient(ctx context.Context, c *ClientInfo) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the authenticated caller of a request.
func ClientFromContext(ctx context.Context) (*ClientInfo, bool) {
	c, ok := ctx.Value(clientKey{}).(*ClientInfo)
	return c, ok
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := auth.Authenticate(TokenFromRequest(r))
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithClient(r.Context(), c)))
	})
}

// RateLimitKey buckets authenticated callers by user and everyone else by
// client IP.
func RateLimitKey(auth Authenticator, trustedProxies []string) func(*http.Request) string {
	return func(r *http.Request) string {
		if c, err := auth.Authenticate(TokenFromRequest(r)); err == nil {
			return "user:" + c.UserID
		}
		return "ip:" + middleware.ClientIP(r, trustedProxies)
	}
}

type api struct {
	deps APIDeps
}

// RegisterAPI registers the REST endpoints on s.
func RegisterAPI(s *Server, deps APIDeps) {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = 32 << 20
	}
	a := &api{deps: deps}
	authed := func(h http.HandlerFunc) http.Handler { return RequireAuth(deps.Auth, h) }

	s.RegisterHTTPRoute("GET /healthz", http.HandlerFunc(a.healthz))
	if deps.Metrics != nil {
		s.RegisterHTTPRoute("GET /metrics", deps.Metrics.Handler())
	}
	s.RegisterHTTPRoute("POST /api/v1/messages", authed(a.sendMessage))
	s.RegisterHTTPRoute("GET /api/v1/projects/{id}/messages", authed(a.readMessages))
	s.RegisterHTTPRoute("POST /api/v1/files", authed(a.uploadFile))
	s.RegisterHTTPRoute("POST /api/v1/papers/search", authed(a.searchPapers))
	s.RegisterHTTPRoute("GET /api/v1/projects", authed(a.listProjects))
	s.RegisterHTTPRoute("POST /api/v1/projects", authed(a.createProject))
	s.RegisterHTTPRoute("GET /api/v1/projects/{id}", authed(a.getProject))
}

func (a *api) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func caller(r *http.Request) *ClientInfo {
	c, _ := ClientFromContext(r.Context())
	return c
}

// decodeJSON reads a JSON body of at most 1 MiB into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return fmt.Errorf("request body: %w: %v", domain.ErrInvalidInput, err)
	}
	return nil
}

func isJSON(r *http.Request) bool {
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mt == "application/json"
}

type sendMessageRequest struct {
	ProjectID   string   `json:"project_id"`
	Message     string   `json:"message"`
	Attachments []string `json:"attachments"`
}

type sendMessageResponse struct {
	Message   string `json:"message"`
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

func (a *api) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := a.deps.Chat.SendMessage(r.Context(), caller(r).UserID, req.ProjectID, req.Message, req.Attachments)
	if err != nil {
		a.logFailure(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sendMessageResponse{
		Message:   "Message sent successfully",
		ChatID:    res.ChatID,
		MessageID: res.MessageID,
	})
}

func (a *api) readMessages(w http.ResponseWriter, r *http.Request) {
	after, err := usecase.ParseAfter(r.URL.Query().Get("after"))
	if err != nil {
		writeError(w, err)
		return
	}
	views, err := a.deps.Chat.ReadMessages(r.Context(), caller(r).UserID, r.PathValue("id"), after)
	if err != nil {
		a.logFailure(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

type base64Upload struct {
	Name string `json:"name"`
	Data string `json:"data"`
}

type uploadResponse struct {
	Message  string `json:"message"`
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// uploadFile accepts either a multipart form with a "file" part or a JSON
// body carrying base64 data.
func (a *api) uploadFile(w http.ResponseWriter, r *http.Request) {
	userID := caller(r).UserID
	r.Body = http.MaxBytesReader(w, r.Body, a.deps.MaxUploadBytes)

	var (
		f   *domain.File
		err error
	)
	if isJSON(r) {
		var req base64Upload
		if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, uploadError(fmt.Errorf("request body: %w: %w", domain.ErrInvalidInput, err)))
			return
		}
		f, err = a.deps.Chat.UploadBase64(r.Context(), userID, req.Name, req.Data)
	} else {
		f, err = a.uploadMultipart(r, userID)
	}
	if err != nil {
		writeError(w, uploadError(err))
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{
		Message:  "File uploaded successfully",
		ID:       f.ID,
		Filename: f.Name,
	})
}

func (a *api) uploadMultipart(r *http.Request, userID string) (*domain.File, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return nil, fmt.Errorf("multipart form: %w: %w", domain.ErrInvalidInput, err)
	}
	part, header, err := r.FormFile("file")
	if err != nil {
		return nil, fmt.Errorf("no file part in the request: %w", domain.ErrInvalidInput)
	}
	defer part.Close()
	data, err := io.ReadAll(part)
	if err != nil {
		return nil, err
	}
	return a.deps.Chat.UploadFile(r.Context(), userID, header.Filename, data)
}

func uploadError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return fmt.Errorf("upload exceeds %d bytes: %w", tooLarge.Limit, domain.ErrInvalidInput)
	}
	return err
}

type paperSearchRequest struct {
	Query    string `json:"query"`
	Category string `json:"category"`
}

func (a *api) searchPapers(w http.ResponseWriter, r *http.Request) {
	var req paperSearchRequest
	if isJSON(r) {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	} else {
		req.Query = r.FormValue("query")
		req.Category = r.FormValue("category")
	}
	papers, err := a.deps.Chat.SearchPapers(r.Context(), req.Query, req.Category)
	if err != nil {
		a.logFailure(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, papers)
}

// projectSummary is the list view of a project.
type projectSummary struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

func (a *api) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := a.deps.Chat.ListProjects(r.Context(), caller(r).UserID)
	if err != nil {
		a.logFailure(r, err)
		writeError(w, err)
		return
	}
	out := make([]projectSummary, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectSummary{ID: p.ID, Name: p.Name, OwnerID: p.OwnerID})
	}
	writeJSON(w, http.StatusOK, out)
}

type createProjectRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
	IsPublic    bool     `json:"is_public"`
}

func (a *api) createProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := a.deps.Chat.CreateProject(r.Context(), caller(r).UserID,
		strings.TrimSpace(req.Name), req.Description, req.Members, req.IsPublic)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *api) getProject(w http.ResponseWriter, r *http.Request) {
	p, err := a.deps.Chat.GetProject(r.Context(), caller(r).UserID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *api) logFailure(r *http.Request, err error) {
	if statusFor(err) < http.StatusInternalServerError || a.deps.Logger == nil {
		return
	}
	a.deps.Logger.Error("api request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"code", domain.ErrorCodeOf(err),
		"error", err,
	)
}
