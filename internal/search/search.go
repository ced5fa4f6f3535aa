package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultContract ResultType = "contract"
	ResultComment  ResultType = "comment"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type       ResultType `json:"type"`
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Snippet    string     `json:"snippet"`
	ContractID string     `json:"contractId"`
	ChangeType string     `json:"changeType,omitempty"`
	// Score is the engine's ranking score; the Postgres fallback leaves it 0.
	Score float64 `json:"score,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text             string
	FilterType       ResultType // empty = all types
	FilterContractID string
	Limit            int
	Offset           int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// ContractRecord is the data we index for a contract. Excerpt is the
// flattened body text, never markup.
type ContractRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Excerpt string `json:"excerpt"`
}

// CommentRecord is the data we index for a comment or tracked change.
type CommentRecord struct {
	ID         string `json:"id"`
	ContractID string `json:"contractId"`
	Body       string `json:"body"`
	AnchorText string `json:"anchorText"`
	ChangeType string `json:"changeType"`
	Author     string `json:"author"`
}
