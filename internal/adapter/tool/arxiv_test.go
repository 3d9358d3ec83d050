package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"reskit/internal/domain"
)

var attention = domain.Paper{
	Title:     "Attention Is All You Need",
	Authors:   []string{"Ashish Vaswani", "Noam Shazeer"},
	Summary:   "The dominant sequence transduction models...",
	PDFLink:   "http://arxiv.org/pdf/1706.03762v7",
	Published: "2017-06-12T17:57:34Z",
	ArxivID:   "1706.03762",
}

var bert = domain.Paper{
	Title:   "BERT",
	PDFLink: "http://arxiv.org/pdf/1810.04805v2",
	ArxivID: "1810.04805",
}

func TestSearchArxiv(t *testing.T) {
	papers := newFakePapers(attention)
	tool := NewSearchArxivTool(papers, nopLogger())

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"transformers","category":"cs"}`))
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Body)
	}
	var got []domain.Paper
	if err := json.Unmarshal(res.Body, &got); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ArxivID != "1706.03762" {
		t.Errorf("papers = %+v", got)
	}
	if papers.query != "transformers" || papers.category != "cs" {
		t.Errorf("search called with %q/%q", papers.query, papers.category)
	}
}

func TestSearchArxivDefaults(t *testing.T) {
	papers := newFakePapers()
	papers.results = nil
	tool := NewSearchArxivTool(papers, nopLogger())

	res, _ := tool.Execute(context.Background(), json.RawMessage(`{}`))
	if res.IsError {
		t.Fatalf("unexpected error: %s", res.Body)
	}
	if papers.category != "all" || papers.query != "" {
		t.Errorf("defaults = %q/%q", papers.query, papers.category)
	}
	if string(res.Body) != "[]" {
		t.Errorf("empty search body = %s, want []", res.Body)
	}
}

func TestSearchArxivBadCategory(t *testing.T) {
	tool := NewSearchArxivTool(newFakePapers(), nopLogger())
	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"query":"x","category":"biology"}`))
	if !res.IsError || !strings.Contains(bodyText(t, res), "invalid category") {
		t.Errorf("res = %s", res.Body)
	}
}

func TestSearchArxivSourceError(t *testing.T) {
	papers := newFakePapers()
	papers.err = fmt.Errorf("status 503: %w", domain.ErrPaperSource)
	tool := NewSearchArxivTool(papers, nopLogger())

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"query":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsError || !res.IsRetryable {
		t.Errorf("flags = %+v", res)
	}
}

func TestSearchArxivSchemaListsCategories(t *testing.T) {
	schema := NewSearchArxivTool(nil, nopLogger()).Schema()
	var doc struct {
		Properties struct {
			Category struct {
				Enum []string `json:"enum"`
			} `json:"category"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema.Parameters, &doc); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	if len(doc.Properties.Category.Enum) != len(ArxivCategories) {
		t.Errorf("enum = %v", doc.Properties.Category.Enum)
	}
	if strings.Join(doc.Required, ",") != "query,category" {
		t.Errorf("required = %v", doc.Required)
	}
}

func TestReadFromArxiv(t *testing.T) {
	noPDF := domain.Paper{ArxivID: "0000.00000"}
	papers := newFakePapers(attention, bert, noPDF)
	tool := NewReadFromArxivTool(papers, nopLogger())

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"arxiv_ids":["1706.03762"," ","1810.04805","0000.00000"]}`))
	if err != nil {
		t.Fatal(err)
	}
	want := `[{"type":"file","file":{"filename":"1706.03762v7","file_data":"http://arxiv.org/pdf/1706.03762v7"}},` +
		`{"type":"file","file":{"filename":"1810.04805v2","file_data":"http://arxiv.org/pdf/1810.04805v2"}}]`
	if string(res.Body) != want {
		t.Errorf("body =\n%s\nwant\n%s", res.Body, want)
	}
	if got := strings.Join(papers.lookups[0], ","); got != "1706.03762,1810.04805,0000.00000" {
		t.Errorf("lookup ids = %s", got)
	}
}

func TestReadFromArxivNoIDs(t *testing.T) {
	papers := newFakePapers(attention)
	tool := NewReadFromArxivTool(papers, nopLogger())

	res, _ := tool.Execute(context.Background(), nil)
	if res.IsError || string(res.Body) != "[]" {
		t.Errorf("res = %s", res.Body)
	}
	if len(papers.lookups) != 0 {
		t.Error("no lookup expected without ids")
	}
}

func TestReadFromArxivTooManyIDs(t *testing.T) {
	ids := make([]string, maxArxivIDs+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("id-%d", i)
	}
	params, _ := json.Marshal(map[string][]string{"arxiv_ids": ids})

	res, _ := NewReadFromArxivTool(newFakePapers(), nopLogger()).Execute(context.Background(), params)
	if !res.IsError {
		t.Error("expected error for oversized id list")
	}
}

func TestReadFromArxivSourceError(t *testing.T) {
	papers := newFakePapers()
	papers.err = errors.New("boom")
	res, _ := NewReadFromArxivTool(papers, nopLogger()).Execute(context.Background(), json.RawMessage(`{"arxiv_ids":["1"]}`))
	if !res.IsError || bodyText(t, res) != "Error: boom" {
		t.Errorf("res = %s", res.Body)
	}
}
