// Package arxiv implements domain.PaperSource over the arXiv Atom query API.
package arxiv

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"reskit/internal/domain"
	"reskit/internal/infra/config"
	"reskit/internal/infra/tracer"
)

const (
	defaultBaseURL = "https://export.arxiv.org/api/query"
	maxFeedSize    = 4 << 20
	maxErrorDetail = 256
)

// Client queries arXiv. Requests are paced by a token bucket shared by every
// caller of the client.
type Client struct {
	client     *http.Client
	baseURL    string
	maxResults int
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// New creates a client from config. A nil httpClient gets one with the
// configured timeout.
func New(cfg config.ArxivConfig, httpClient *http.Client, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	limit := rate.Inf
	burst := cfg.Burst
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	return &Client{
		client:     httpClient,
		baseURL:    cfg.BaseURL,
		maxResults: cfg.MaxResults,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger,
	}
}

// Search returns papers matching query. Category "all" (or empty) searches
// every archive; anything else restricts results to that archive.
func (c *Client) Search(ctx context.Context, query, category string) ([]domain.Paper, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Paper{}, nil
	}
	q := url.Values{}
	q.Set("search_query", SearchQuery(query, category))
	q.Set("start", "0")
	q.Set("max_results", strconv.Itoa(c.maxResults))
	return c.query(ctx, "search", q)
}

// ByIDs returns the papers with the given ids in feed order.
func (c *Client) ByIDs(ctx context.Context, ids []string) ([]domain.Paper, error) {
	if len(ids) == 0 {
		return []domain.Paper{}, nil
	}
	q := url.Values{}
	q.Set("id_list", strings.Join(ids, ","))
	q.Set("max_results", strconv.Itoa(len(ids)))
	return c.query(ctx, "id_list", q)
}

// SearchQuery renders the search_query parameter.
func SearchQuery(query, category string) string {
	sq := "all:" + query
	if category != "" && category != "all" {
		sq = fmt.Sprintf("%s AND cat:%s*", sq, category)
	}
	return sq
}

func (c *Client) query(ctx context.Context, kind string, q url.Values) ([]domain.Paper, error) {
	ctx, span := tracer.StartSpan(ctx, "arxiv.query",
		trace.WithAttributes(tracer.StringAttr("arxiv.kind", kind)),
	)
	defer span.End()

	if err := c.limiter.Wait(ctx); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("arxiv rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/atom+xml")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		tracer.RecordError(span, err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("arxiv request: %w: %w", domain.ErrTimeout, err)
		}
		return nil, fmt.Errorf("arxiv request: %w: %v", domain.ErrPaperSource, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("read feed: %w: %v", domain.ErrPaperSource, err)
	}
	if resp.StatusCode != http.StatusOK {
		err := mapStatus(resp.StatusCode, body)
		tracer.RecordError(span, err)
		return nil, err
	}

	papers, err := ParseFeed(body)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(tracer.IntAttr("arxiv.results", len(papers)))
	tracer.SetOK(span)

	c.logger.Debug("arxiv query completed",
		"kind", kind,
		"results", len(papers),
		"duration", time.Since(start),
	)
	return papers, nil
}

func mapStatus(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("arxiv HTTP %d: %w", status, domain.ErrRateLimit)
	}
	return fmt.Errorf("arxiv HTTP %d: %w: %s", status, domain.ErrPaperSource, detail)
}

type atomFeed struct {
	Entries []atomEntry `xml:"http://www.w3.org/2005/Atom entry"`
}

type atomEntry struct {
	ID        string       `xml:"http://www.w3.org/2005/Atom id"`
	Title     string       `xml:"http://www.w3.org/2005/Atom title"`
	Summary   string       `xml:"http://www.w3.org/2005/Atom summary"`
	Published string       `xml:"http://www.w3.org/2005/Atom published"`
	Authors   []atomAuthor `xml:"http://www.w3.org/2005/Atom author"`
	Links     []atomLink   `xml:"http://www.w3.org/2005/Atom link"`
}

type atomAuthor struct {
	Name string `xml:"http://www.w3.org/2005/Atom name"`
}

type atomLink struct {
	Href  string `xml:"href,attr"`
	Title string `xml:"title,attr"`
}

var (
	absPrefix = regexp.MustCompile(`^https?://arxiv\.org/abs/`)
	versionRe = regexp.MustCompile(`v\d+$`)
	spaceRe   = regexp.MustCompile(`\s+`)
)

// ParseFeed decodes an Atom feed into papers.
func ParseFeed(data []byte) ([]domain.Paper, error) {
	var feed atomFeed
	if err := xml.Unmarshal(data, &feed); err != nil {
		return nil, fmt.Errorf("decode feed: %w: %v", domain.ErrPaperSource, err)
	}
	papers := make([]domain.Paper, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		p := domain.Paper{
			Title:     collapse(e.Title),
			Summary:   strings.TrimSpace(e.Summary),
			Published: strings.TrimSpace(e.Published),
			ArxivID:   NormalizeID(e.ID),
			Authors:   make([]string, 0, len(e.Authors)),
		}
		for _, a := range e.Authors {
			if name := strings.TrimSpace(a.Name); name != "" {
				p.Authors = append(p.Authors, name)
			}
		}
		for _, l := range e.Links {
			if l.Title == "pdf" {
				p.PDFLink = l.Href
				break
			}
		}
		papers = append(papers, p)
	}
	return papers, nil
}

// NormalizeID turns an entry id such as http://arxiv.org/abs/1706.03762v7
// into the bare id 1706.03762.
func NormalizeID(id string) string {
	id = absPrefix.ReplaceAllString(strings.TrimSpace(id), "")
	return versionRe.ReplaceAllString(id, "")
}

func collapse(s string) string {
	return spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
}
