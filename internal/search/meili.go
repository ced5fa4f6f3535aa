package search

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const (
	idxContracts = "clm_contracts"
	idxComments  = "clm_comments"

	healthInterval = 10 * time.Second
)

var errUnhealthy = errors.New("meilisearch unhealthy")

// indexSpec describes one Meilisearch index and how its hits map onto
// results. contractField is the attribute a contract filter applies to.
type indexSpec struct {
	uid           string
	kind          ResultType
	contractField string
	filterable    []string
	searchable    []string
	title         string
	snippet       string
}

var indexSpecs = []indexSpec{
	{
		uid:           idxContracts,
		kind:          ResultContract,
		contractField: "id",
		filterable:    []string{"id"},
		searchable:    []string{"title", "excerpt"},
		title:         "title",
		snippet:       "excerpt",
	},
	{
		uid:           idxComments,
		kind:          ResultComment,
		contractField: "contractId",
		filterable:    []string{"contractId", "changeType", "author"},
		searchable:    []string{"anchorText", "body"},
		title:         "anchorText",
		snippet:       "body",
	},
}

func specFor(uid string) (indexSpec, bool) {
	i := slices.IndexFunc(indexSpecs, func(s indexSpec) bool { return s.uid == uid })
	if i < 0 {
		return indexSpec{}, false
	}
	return indexSpecs[i], true
}

// Meili is the primary Searcher. A background health check refreshes its
// health flag, so a dead server costs one failed request, not one per search.
type Meili struct {
	client  meili.ServiceManager
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// NewMeili returns a client even when the server is down; Healthy stays
// false until the health check sees it.
func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger,
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}
	go m.watchHealth()
	return m
}

func (m *Meili) configureIndexes() {
	for _, spec := range indexSpecs {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: spec.uid, PrimaryKey: "id"}); err != nil {
			m.logger.Debug("create index", zap.String("index", spec.uid), zap.Error(err))
		}
		index := m.client.Index(spec.uid)
		filterable := make([]interface{}, 0, len(spec.filterable))
		for _, attr := range spec.filterable {
			filterable = append(filterable, attr)
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			m.logger.Warn("update filterable attributes", zap.String("index", spec.uid), zap.Error(err))
		}
		searchable := slices.Clone(spec.searchable)
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			m.logger.Warn("update searchable attributes", zap.String("index", spec.uid), zap.Error(err))
		}
	}
}

func (m *Meili) watchHealth() {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Swap(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the health check. It is safe to call more than once.
func (m *Meili) Close() {
	m.once.Do(func() { close(m.done) })
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs one multi-search over the selected indexes and merges the hits
// by ranking score.
func (m *Meili) Search(_ context.Context, q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, errUnhealthy
	}
	reqs := buildRequests(q)
	if len(reqs) == 0 {
		return nil, 0, nil
	}
	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: reqs})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		spec, ok := specFor(sr.IndexUID)
		if !ok {
			continue
		}
		total += int(sr.EstimatedTotalHits)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, spec.kind))
		}
	}
	slices.SortStableFunc(results, func(a, b Result) int { return cmp.Compare(b.Score, a.Score) })
	return results, total, nil
}

func buildRequests(q Query) []*meili.SearchRequest {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	var reqs []*meili.SearchRequest
	for _, spec := range indexSpecs {
		if q.FilterType != "" && q.FilterType != spec.kind {
			continue
		}
		req := &meili.SearchRequest{
			IndexUID:              spec.uid,
			Query:                 q.Text,
			Limit:                 limit,
			Offset:                int64(max(q.Offset, 0)),
			AttributesToHighlight: []string{spec.title, spec.snippet},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}
		if q.FilterContractID != "" {
			req.Filter = []string{fmt.Sprintf("%s = %q", spec.contractField, q.FilterContractID)}
		}
		reqs = append(reqs, req)
	}
	return reqs
}

func hitToResult(hit meili.Hit, kind ResultType) Result {
	r := Result{
		Type:       kind,
		ID:         hitString(hit, "id"),
		ContractID: hitString(hit, "contractId"),
	}
	var formatted map[string]string
	if raw, ok := hit["_formatted"]; ok {
		_ = json.Unmarshal(raw, &formatted)
	}
	pick := func(key string) string {
		if v := strings.TrimSpace(formatted[key]); v != "" {
			return v
		}
		return hitString(hit, key)
	}
	if raw, ok := hit["_rankingScore"]; ok {
		_ = json.Unmarshal(raw, &r.Score)
	}

	switch kind {
	case ResultContract:
		r.Title, r.Snippet = pick("title"), pick("excerpt")
		r.ContractID = r.ID
	case ResultComment:
		r.Title, r.Snippet = pick("anchorText"), pick("body")
		r.ChangeType = hitString(hit, "changeType")
	}
	return r
}

func hitString(hit meili.Hit, key string) string {
	var s string
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func addDocuments[T any](m *Meili, uid string, docs []T) error {
	if len(docs) == 0 {
		return nil
	}
	if _, err := m.client.Index(uid).AddDocuments(docs, nil); err != nil {
		return fmt.Errorf("index %d documents into %s: %w", len(docs), uid, err)
	}
	return nil
}

func (m *Meili) IndexContract(c ContractRecord) error {
	return addDocuments(m, idxContracts, []ContractRecord{c})
}

func (m *Meili) IndexComment(c CommentRecord) error {
	return addDocuments(m, idxComments, []CommentRecord{c})
}

func (m *Meili) IndexContracts(contracts []ContractRecord) error {
	return addDocuments(m, idxContracts, contracts)
}

func (m *Meili) IndexComments(comments []CommentRecord) error {
	return addDocuments(m, idxComments, comments)
}

func (m *Meili) DeleteComment(id string) error {
	if _, err := m.client.Index(idxComments).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("delete comment %s from index: %w", id, err)
	}
	return nil
}
