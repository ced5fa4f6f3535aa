package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"clm/api/internal/dom"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const commentDocument = `to_tsvector('simple', c.body || ' ' || COALESCE(c.anchor_json->>'text', ''))`

// Search runs a UNION ALL over contracts and comments using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	dataSQL, countSQL, args := buildPgQuery(q)
	if dataSQL == "" {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ContractID, &r.ChangeType); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

func buildPgQuery(q Query) (dataSQL, countSQL string, args []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := max(q.Offset, 0)

	tsQuery := "plainto_tsquery('simple', $1)"
	args = []any{q.Text}
	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultContract {
		where := "to_tsvector('simple', ct.title || ' ' || ct.body) @@ " + tsQuery
		if q.FilterContractID != "" {
			args = append(args, q.FilterContractID)
			where += fmt.Sprintf(" AND ct.id = $%d", len(args))
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'contract'::text AS type, ct.id, ct.title,
				ts_headline('simple', ct.title, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				ct.id AS contract_id,
				''::text AS change_type,
				ts_rank(to_tsvector('simple', ct.title || ' ' || ct.body), %s) AS rank
			FROM contracts ct
			WHERE %s`, tsQuery, tsQuery, where))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		where := commentDocument + " @@ " + tsQuery
		if q.FilterContractID != "" {
			args = append(args, q.FilterContractID)
			where += fmt.Sprintf(" AND c.contract_id = $%d", len(args))
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.id, COALESCE(c.anchor_json->>'text', '') AS title,
				ts_headline('simple', c.body, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				c.contract_id,
				c.change_type,
				ts_rank(%s, %s) AS rank
			FROM comments c
			WHERE %s`, tsQuery, commentDocument, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return "", "", nil
	}
	union := strings.Join(subQueries, " UNION ALL ")
	countSQL = fmt.Sprintf("SELECT count(*) FROM (%s) sub", union)
	dataSQL = fmt.Sprintf(`SELECT type, id, title, snippet, contract_id, change_type
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, union, limit, offset)
	return dataSQL, countSQL, args
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ContractRecord, []CommentRecord, error) {
	contractRows, err := p.db.QueryContext(ctx, `SELECT id, title, body FROM contracts`)
	if err != nil {
		return nil, nil, fmt.Errorf("load contracts: %w", err)
	}
	defer contractRows.Close()

	contracts := make([]ContractRecord, 0)
	for contractRows.Next() {
		var c ContractRecord
		var body string
		if err := contractRows.Scan(&c.ID, &c.Title, &body); err != nil {
			return nil, nil, fmt.Errorf("scan contract: %w", err)
		}
		c.Excerpt = Excerpt(body)
		contracts = append(contracts, c)
	}
	if err := contractRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate contracts: %w", err)
	}

	commentRows, err := p.db.QueryContext(ctx, `
		SELECT id, contract_id, body, COALESCE(anchor_json->>'text', ''), change_type, author_name
		FROM comments
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer commentRows.Close()

	comments := make([]CommentRecord, 0)
	for commentRows.Next() {
		var c CommentRecord
		if err := commentRows.Scan(&c.ID, &c.ContractID, &c.Body, &c.AnchorText, &c.ChangeType, &c.Author); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := commentRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}
	return contracts, comments, nil
}

// Excerpt is the flattened text of a contract body, cut to a size the index
// accepts comfortably. Unparseable bodies index as empty.
func Excerpt(body string) string {
	root, err := dom.ParseString(body)
	if err != nil {
		return ""
	}
	text := strings.Join(strings.Fields(dom.Flatten(root).String()), " ")
	const maxRunes = 4000
	if runes := []rune(text); len(runes) > maxRunes {
		return string(runes[:maxRunes])
	}
	return text
}
