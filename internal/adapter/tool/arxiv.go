package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"reskit/internal/domain"
	"reskit/internal/infra/tracer"
)

// maxArxivIDs bounds one id_list lookup.
const maxArxivIDs = 50

// ArxivCategories are the top-level archives accepted by search_arxiv.
var ArxivCategories = []string{
	"all", "astro-ph", "cond-mat", "gr-qc", "hep-ex", "hep-lat", "hep-ph", "hep-th",
	"math-ph", "nlin", "nucl-ex", "nucl-th", "physics", "quant-ph", "math", "cs",
	"q-bio", "q-fin", "stat", "eess", "econ",
}

// SearchArxivTool searches the paper source by free text within a category.
type SearchArxivTool struct {
	papers domain.PaperSource
	logger *slog.Logger
}

// NewSearchArxivTool creates the search_arxiv tool.
func NewSearchArxivTool(papers domain.PaperSource, logger *slog.Logger) *SearchArxivTool {
	return &SearchArxivTool{papers: papers, logger: logger}
}

func (t *SearchArxivTool) Name() string { return "search_arxiv" }
func (t *SearchArxivTool) Description() string {
	return "Search for academic papers on arXiv based on a query and category."
}

func (t *SearchArxivTool) Schema() domain.ToolSchema {
	enum, _ := json.Marshal(ArxivCategories)
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {
					"type": "string",
					"description": "The search query."
				},
				"category": {
					"type": "string",
					"enum": ` + string(enum) + `,
					"description": "The category to search in (e.g., all, astro-ph, cond-mat, gr-qc, hep-ex, hep-lat, hep-ph, hep-th, math-ph, nlin, nucl-ex, nucl-th, physics, quant-ph, math, cs, q-bio, q-fin, stat, eess, econ)."
				}
			},
			"required": ["query", "category"]
		}`),
	}
}

type searchArxivParams struct {
	Query    string `json:"query"`
	Category string `json:"category"`
}

func (t *SearchArxivTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.search_arxiv", t.logger, params,
		func(ctx context.Context, span trace.Span, p searchArxivParams) (any, error) {
			if p.Category == "" {
				p.Category = "all"
			}
			if err := ValidateEnum("category", p.Category, ArxivCategories...); err != nil {
				return nil, err
			}
			span.SetAttributes(
				tracer.StringAttr("arxiv.query", p.Query),
				tracer.StringAttr("arxiv.category", p.Category),
			)
			papers, err := t.papers.Search(ctx, p.Query, p.Category)
			if err != nil {
				return nil, err
			}
			if papers == nil {
				papers = []domain.Paper{}
			}
			span.SetAttributes(tracer.IntAttr("arxiv.results", len(papers)))
			return papers, nil
		},
	)
}

// ReadFromArxivTool resolves papers by id and hands their PDFs to the model
// as file parts.
type ReadFromArxivTool struct {
	papers domain.PaperSource
	logger *slog.Logger
}

// NewReadFromArxivTool creates the read_from_arxiv tool.
func NewReadFromArxivTool(papers domain.PaperSource, logger *slog.Logger) *ReadFromArxivTool {
	return &ReadFromArxivTool{papers: papers, logger: logger}
}

func (t *ReadFromArxivTool) Name() string { return "read_from_arxiv" }
func (t *ReadFromArxivTool) Description() string {
	return "Fetch details of specific papers from arXiv based on their arXiv IDs. The file will be provided as an attachment if available. Use this to fetch content of papers."
}

func (t *ReadFromArxivTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  arxivIDsSchema("A list of arXiv IDs of the papers to fetch."),
	}
}

type arxivIDsParams struct {
	ArxivIDs []string `json:"arxiv_ids"`
}

func (t *ReadFromArxivTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.read_from_arxiv", t.logger, params,
		func(ctx context.Context, span trace.Span, p arxivIDsParams) (any, error) {
			ids := cleanIDs(p.ArxivIDs)
			if err := ValidateMaxItems("arxiv_ids", ids, maxArxivIDs); err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("arxiv.ids", len(ids)))

			parts := []domain.ContentPart{}
			if len(ids) == 0 {
				return parts, nil
			}
			papers, err := t.papers.ByIDs(ctx, ids)
			if err != nil {
				return nil, err
			}
			for _, paper := range papers {
				if paper.PDFLink == "" {
					continue
				}
				parts = append(parts, domain.ContentPart{
					Type: domain.PartFile,
					File: &domain.FilePart{Filename: path.Base(paper.PDFLink), FileData: paper.PDFLink},
				})
			}
			return parts, nil
		},
	)
}

func arxivIDsSchema(description string) json.RawMessage {
	desc, _ := json.Marshal(description)
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"arxiv_ids": {
				"type": "array",
				"items": {"type": "string"},
				"description": ` + string(desc) + `
			}
		},
		"required": ["arxiv_ids"]
	}`)
}

// cleanIDs trims ids and drops blanks, keeping order.
func cleanIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
