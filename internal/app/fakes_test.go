package app

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"clm/api/internal/anchor"
	"clm/api/internal/export"
	"clm/api/internal/gitrepo"
	"clm/api/internal/highlight"
	"clm/api/internal/notify"
	"clm/api/internal/search"
	"clm/api/internal/store"
)

type memoryStore struct {
	mu        sync.Mutex
	contracts map[string]store.Contract
	order     []string
	comments  map[string][]store.Comment
	audit     []store.AuditEvent
	pingErr   error
	clock     time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		contracts: make(map[string]store.Contract),
		comments:  make(map[string][]store.Comment),
		clock:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memoryStore) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memoryStore) ListContracts(context.Context) ([]store.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Contract, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.contracts[id])
	}
	return out, nil
}

func (m *memoryStore) GetContract(_ context.Context, id string) (store.Contract, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return store.Contract{}, sql.ErrNoRows
	}
	return c, nil
}

func (m *memoryStore) InsertContract(_ context.Context, item store.Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[item.ID]; ok {
		return nil
	}
	now := m.tick()
	item.CreatedAt, item.UpdatedAt = now, now
	m.contracts[item.ID] = item
	m.order = append(m.order, item.ID)
	return nil
}

func (m *memoryStore) UpdateContractBody(_ context.Context, id, body, digest, updatedBy string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[id]
	if !ok {
		return false, nil
	}
	c.Body, c.BodyDigest, c.UpdatedBy, c.UpdatedAt = body, digest, updatedBy, m.tick()
	m.contracts[id] = c
	return true, nil
}

func (m *memoryStore) ListComments(_ context.Context, contractID string) ([]store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.comments[contractID]), nil
}

func (m *memoryStore) GetComment(_ context.Context, contractID, commentID string) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.comments[contractID] {
		if c.ID == commentID {
			return c, nil
		}
	}
	return store.Comment{}, sql.ErrNoRows
}

func (m *memoryStore) InsertComment(_ context.Context, item store.Comment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.contracts[item.ContractID]; !ok {
		return fmt.Errorf("insert comment: unknown contract %s", item.ContractID)
	}
	if item.ChangeType == "" {
		item.ChangeType = "comment"
	}
	now := m.tick()
	item.CreatedAt, item.UpdatedAt = now, now
	m.comments[item.ContractID] = append(m.comments[item.ContractID], item)
	return nil
}

func (m *memoryStore) DeleteComment(_ context.Context, contractID, commentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.comments[contractID]
	for i, c := range items {
		if c.ID == commentID {
			m.comments[contractID] = slices.Delete(items, i, i+1)
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) UpdateTrackChange(_ context.Context, contractID, commentID, changeType, originalText, newText string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.comments[contractID]
	for i := range items {
		if items[i].ID == commentID {
			items[i].ChangeType = changeType
			items[i].OriginalText = originalText
			items[i].NewText = newText
			items[i].UpdatedAt = m.tick()
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryStore) InsertAuditEvent(_ context.Context, event store.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.ID = int64(len(m.audit) + 1)
	event.CreatedAt = m.tick()
	m.audit = append(m.audit, event)
	return nil
}

func (m *memoryStore) ListAuditEvents(_ context.Context, contractID string, limit int) ([]store.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.AuditEvent, 0)
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if m.audit[i].ContractID == contractID {
			out = append(out, m.audit[i])
		}
	}
	return out, nil
}

func (m *memoryStore) Ping(context.Context) error { return m.pingErr }

func (m *memoryStore) auditTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.audit))
	for _, ev := range m.audit {
		out = append(out, ev.EventType)
	}
	return out
}

type memoryGit struct {
	mu      sync.Mutex
	content map[string][]gitrepo.Content
	commits map[string][]store.CommitInfo
}

func newMemoryGit() *memoryGit {
	return &memoryGit{
		content: make(map[string][]gitrepo.Content),
		commits: make(map[string][]store.CommitInfo),
	}
}

func (g *memoryGit) EnsureContractRepo(contractID string, initial gitrepo.Content, author string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.content[contractID]; ok {
		return nil
	}
	g.append(contractID, initial, author, "Import contract baseline")
	return nil
}

func (g *memoryGit) CommitContent(contractID string, content gitrepo.Content, author, message string) (store.CommitInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.content[contractID]; !ok {
		return store.CommitInfo{}, fmt.Errorf("open repo: %s missing", contractID)
	}
	return g.append(contractID, content, author, message), nil
}

func (g *memoryGit) append(contractID string, content gitrepo.Content, author, message string) store.CommitInfo {
	info := store.CommitInfo{
		Hash:      fmt.Sprintf("%07x", len(g.commits[contractID])+1),
		Message:   message,
		Author:    author,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	g.content[contractID] = append(g.content[contractID], content)
	g.commits[contractID] = append(g.commits[contractID], info)
	return info
}

func (g *memoryGit) History(contractID string, limit int) ([]store.CommitInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	commits, ok := g.commits[contractID]
	if !ok {
		return nil, fmt.Errorf("open repo: %s missing", contractID)
	}
	out := make([]store.CommitInfo, 0, len(commits))
	for i := len(commits) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, commits[i])
	}
	return out, nil
}

func (g *memoryGit) head(contractID string) gitrepo.Content {
	g.mu.Lock()
	defer g.mu.Unlock()
	items := g.content[contractID]
	return items[len(items)-1]
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

func (n *recordingNotifier) last(eventType string) (notify.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.events) - 1; i >= 0; i-- {
		if n.events[i].Type == eventType {
			return n.events[i], true
		}
	}
	return notify.Event{}, false
}

type recordingSearch struct {
	mu        sync.Mutex
	contracts []search.ContractRecord
	comments  []search.CommentRecord
	deleted   []string
	queries   []search.Query
}

func (s *recordingSearch) Search(_ context.Context, q search.Query) search.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, q)
	return search.Response{
		Results: []search.Result{{Type: search.ResultComment, ID: "cmt_1", Title: "Party A", ContractID: "ctr_1"}},
		Total:   1,
		Query:   q.Text,
	}
}

func (s *recordingSearch) IndexContract(c search.ContractRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts = append(s.contracts, c)
}

func (s *recordingSearch) IndexComment(c search.CommentRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments = append(s.comments, c)
}

func (s *recordingSearch) DeleteComment(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, id)
}

func storeComment(contractID, id string, a anchor.Anchor) store.Comment {
	return store.Comment{
		ID:         id,
		ContractID: contractID,
		Author:     "Marcus K.",
		Body:       "Pinned before the edit",
		ChangeType: "comment",
		Anchor:     a,
	}
}

func exportRequest(contractID string) export.Request {
	return export.Request{ContractID: contractID, Format: export.FormatHTML, IncludeComments: true}
}

func highlightOutcome(id string, applied, degraded bool) highlight.Outcome {
	return highlight.Outcome{ID: id, Applied: applied, Degraded: degraded}
}
