package domain

import "context"

// Paper is the metadata of one arXiv paper.
type Paper struct {
	Title     string   `json:"title"`
	Authors   []string `json:"authors"`
	Summary   string   `json:"summary"`
	PDFLink   string   `json:"pdf_link"`
	Published string   `json:"published"`
	ArxivID   string   `json:"arxiv_id"`
}

// PaperSource looks up paper metadata.
type PaperSource interface {
	// Search returns papers matching query within category ("all" for any).
	Search(ctx context.Context, query, category string) ([]Paper, error)
	// ByIDs returns the papers with the given arXiv ids, in feed order.
	ByIDs(ctx context.Context, ids []string) ([]Paper, error)
}
