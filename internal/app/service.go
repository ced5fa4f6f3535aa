package app

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"clm/api/internal/anchor"
	"clm/api/internal/cache"
	"clm/api/internal/config"
	"clm/api/internal/dom"
	"clm/api/internal/export"
	"clm/api/internal/gitrepo"
	"clm/api/internal/highlight"
	"clm/api/internal/notify"
	"clm/api/internal/search"
	"clm/api/internal/store"
	"clm/api/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"
)

type dataStore interface {
	ListContracts(context.Context) ([]store.Contract, error)
	GetContract(context.Context, string) (store.Contract, error)
	InsertContract(context.Context, store.Contract) error
	UpdateContractBody(context.Context, string, string, string, string) (bool, error)
	ListComments(context.Context, string) ([]store.Comment, error)
	GetComment(context.Context, string, string) (store.Comment, error)
	InsertComment(context.Context, store.Comment) error
	DeleteComment(context.Context, string, string) (bool, error)
	UpdateTrackChange(context.Context, string, string, string, string, string) (bool, error)
	InsertAuditEvent(context.Context, store.AuditEvent) error
	ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error)
	Ping(ctx context.Context) error
}

type gitService interface {
	EnsureContractRepo(string, gitrepo.Content, string) error
	CommitContent(string, gitrepo.Content, string, string) (store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
}

type renderCache interface {
	Get(context.Context, string, string) (cache.Rendered, error)
	Put(context.Context, cache.Rendered) error
	Invalidate(context.Context, string) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexContract(search.ContractRecord)
	IndexComment(search.CommentRecord)
	DeleteComment(string)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type Option func(*Service)

// WithCache keeps highlighted bodies between workspace loads.
func WithCache(c renderCache) Option {
	return func(s *Service) { s.cache = c }
}

func WithSearch(idx searchIndex) Option {
	return func(s *Service) { s.search = idx }
}

func WithNotifier(n notify.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

func WithExporter(e exporter) Option {
	return func(s *Service) { s.exporter = e }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type Service struct {
	cfg         config.Config
	store       dataStore
	git         gitService
	cache       renderCache
	search      searchIndex
	notifier    notify.Notifier
	exporter    exporter
	highlighter *highlight.Highlighter
	logger      *zap.Logger
	renders     singleflight.Group
	now         func() time.Time
}

func New(cfg config.Config, dataStore dataStore, gitService gitService, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		git:    gitService,
		logger: zap.NewNop(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.highlighter = highlight.New(s.logger)
	return s
}

type ContractView struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Digest    string `json:"digest"`
	UpdatedBy string `json:"updatedBy"`
	UpdatedAt string `json:"updatedAt"`
}

type CommentView struct {
	ID           string          `json:"id"`
	Author       string          `json:"author"`
	Body         string          `json:"body"`
	ChangeType   string          `json:"changeType"`
	OriginalText string          `json:"originalText,omitempty"`
	NewText      string          `json:"newText,omitempty"`
	Anchor       anchor.Anchor   `json:"anchor"`
	Strategy     anchor.Strategy `json:"strategy,omitempty"`
	Applied      bool            `json:"applied"`
	Degraded     bool            `json:"degraded"`
	CreatedAt    string          `json:"createdAt"`
}

// Workspace is a contract body with every comment highlighted in it.
type Workspace struct {
	Contract ContractView  `json:"contract"`
	HTML     string        `json:"html"`
	Comments []CommentView `json:"comments"`
	Applied  int           `json:"applied"`
	Failed   int           `json:"failed"`
	Degraded []string      `json:"degraded"`
	Cached   bool          `json:"cached"`
}

type SelectionInput struct {
	Start       *int     `json:"start"`
	End         *int     `json:"end"`
	StartPath   dom.Path `json:"startPath"`
	StartOffset int      `json:"startOffset"`
	EndPath     dom.Path `json:"endPath"`
	EndOffset   int      `json:"endOffset"`
}

type CreateCommentInput struct {
	Body         string          `json:"body"`
	ChangeType   string          `json:"changeType"`
	OriginalText string          `json:"originalText"`
	NewText      string          `json:"newText"`
	Anchor       *anchor.Anchor  `json:"anchor"`
	Selection    *SelectionInput `json:"selection"`
}

type TrackChangeInput struct {
	ChangeType   string `json:"changeType"`
	OriginalText string `json:"originalText"`
	NewText      string `json:"newText"`
}

type CreateContractInput struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type SaveContractInput struct {
	Body    string `json:"body"`
	Message string `json:"message"`
}

type SubmitEditsInput struct {
	HTML    string `json:"html"`
	Message string `json:"message"`
}

const seedContractBody = `<h2>1. Parties</h2>` +
	`<p>This Master Services Agreement is made between Party A and Party B.</p>` +
	`<h2>2. Payment</h2>` +
	`<p>Party A agrees to pay Party A within 30 days of each invoice.</p>` +
	`<p>Late payments accrue interest at 1.5% per month.</p>`

func (s *Service) Bootstrap(ctx context.Context) error {
	contracts, err := s.store.ListContracts(ctx)
	if err != nil {
		return err
	}
	if len(contracts) > 0 {
		return nil
	}

	const owner = "Avery"
	contract, err := s.CreateContract(ctx, CreateContractInput{
		ID:    "msa-001",
		Title: "Master Services Agreement",
		Body:  seedContractBody,
	}, owner)
	if err != nil {
		return fmt.Errorf("seed contract: %w", err)
	}

	seeds := []struct {
		author, body, needle string
		nth                  int
	}{
		{author: "Marcus K.", body: "Which entity is Party A here?", needle: "Party A", nth: 0},
		{author: "Sarah R.", body: "Net 30 is too short for our AP cycle.", needle: "30 days", nth: 0},
	}
	root, err := dom.ParseString(contract.Body)
	if err != nil {
		return fmt.Errorf("parse seed body: %w", err)
	}
	flat := dom.Flatten(root)
	for _, seed := range seeds {
		hits := flat.IndexAll(seed.needle)
		if len(hits) <= seed.nth {
			continue
		}
		start := hits[seed.nth]
		end := start + utf8.RuneCountInString(seed.needle)
		if _, err := s.CreateComment(ctx, contract.ID, seed.author, CreateCommentInput{
			Body:      seed.body,
			Selection: &SelectionInput{Start: &start, End: &end},
		}); err != nil {
			return fmt.Errorf("seed comment: %w", err)
		}
	}
	return nil
}

func (s *Service) ListContracts(ctx context.Context) ([]ContractView, error) {
	contracts, err := s.store.ListContracts(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]ContractView, 0, len(contracts))
	for _, c := range contracts {
		items = append(items, contractView(c))
	}
	return items, nil
}

func (s *Service) CreateContract(ctx context.Context, input CreateContractInput, actor string) (store.Contract, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Contract{}, validationError("title is required")
	}
	body, err := s.cleanBody(input.Body)
	if err != nil {
		return store.Contract{}, err
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = util.NewID("ctr")
	}
	contract := store.Contract{
		ID:         id,
		Title:      title,
		Body:       body,
		BodyDigest: bodyDigest(body),
		UpdatedBy:  actor,
	}
	if err := s.store.InsertContract(ctx, contract); err != nil {
		return store.Contract{}, err
	}
	if err := s.git.EnsureContractRepo(id, gitrepo.Content{Title: title, Body: body, Digest: contract.BodyDigest}, actor); err != nil {
		return store.Contract{}, err
	}
	s.indexContract(contract)
	s.audit(ctx, "contract.created", actor, id, "", nil)
	return s.store.GetContract(ctx, id)
}

// Workspace loads the contract and its comments and highlights every
// comment in the body.
func (s *Service) Workspace(ctx context.Context, contractID string) (Workspace, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return Workspace{}, err
	}
	comments, err := s.store.ListComments(ctx, contractID)
	if err != nil {
		return Workspace{}, err
	}

	set := commentSet(comments)
	if s.cache != nil {
		item, err := s.cache.Get(ctx, contractID, contract.BodyDigest)
		switch {
		case err == nil && item.Covers(set):
			return buildWorkspace(contract, comments, item, nil, true), nil
		case err == nil:
			s.logger.Debug("rendered cache stale", zap.String("contract_id", contractID))
		case !errors.Is(err, cache.ErrMiss):
			s.logger.Warn("rendered cache read failed", zap.String("contract_id", contractID), zap.Error(err))
		}
	}

	v, err, _ := s.renders.Do(contractID+"@"+contract.BodyDigest+"@"+setDigest(set), func() (any, error) {
		return s.render(contract, comments)
	})
	if err != nil {
		return Workspace{}, err
	}
	pass := v.(renderPass)

	if s.cache != nil {
		if err := s.cache.Put(ctx, pass.item); err != nil {
			s.logger.Warn("rendered cache write failed", zap.String("contract_id", contractID), zap.Error(err))
		}
	}
	if len(pass.item.Degraded) > 0 {
		s.notify(ctx, notify.Event{
			Type:       notify.EventAnchorDegraded,
			ContractID: contractID,
			Payload:    map[string]any{"commentIds": pass.item.Degraded},
		})
	}
	return buildWorkspace(contract, comments, pass.item, pass.outcomes, false), nil
}

type renderPass struct {
	item     cache.Rendered
	outcomes map[string]highlight.Outcome
}

func (s *Service) render(contract store.Contract, comments []store.Comment) (renderPass, error) {
	root, err := dom.ParseString(contract.Body)
	if err != nil {
		return renderPass{}, fmt.Errorf("parse contract body: %w", err)
	}
	report, err := s.highlighter.HighlightAll(root, store.Targets(comments))
	if err != nil {
		return renderPass{}, fmt.Errorf("highlight contract: %w", err)
	}
	out, err := dom.Render(root)
	if err != nil {
		return renderPass{}, fmt.Errorf("render contract: %w", err)
	}

	pass := renderPass{
		item: cache.Rendered{
			ContractID: contract.ID,
			Digest:     contract.BodyDigest,
			Comments:   commentSet(comments),
			HTML:       out,
			Applied:    report.Applied,
			Failed:     report.Failed,
			Degraded:   report.Degraded(),
			RenderedAt: s.now(),
		},
		outcomes: make(map[string]highlight.Outcome, len(report.Outcomes)),
	}
	for _, o := range report.Outcomes {
		pass.outcomes[o.ID] = o
		if !o.Applied {
			pass.item.Unplaced = append(pass.item.Unplaced, o.ID)
		}
	}
	return pass, nil
}

// BuildAnchor captures an anchor for a selection in the clean contract body.
func (s *Service) BuildAnchor(ctx context.Context, contractID string, sel SelectionInput) (anchor.Anchor, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return anchor.Anchor{}, err
	}
	root, err := dom.ParseString(contract.Body)
	if err != nil {
		return anchor.Anchor{}, fmt.Errorf("parse contract body: %w", err)
	}
	return buildAnchor(root, sel)
}

func buildAnchor(root *html.Node, sel SelectionInput) (anchor.Anchor, error) {
	var r dom.Range
	switch {
	case sel.Start != nil && sel.End != nil:
		var ok bool
		r, ok = dom.Flatten(root).Range(*sel.Start, *sel.End)
		if !ok || *sel.Start >= *sel.End {
			return anchor.Anchor{}, validationError("selection is out of range")
		}
	case len(sel.StartPath) > 0 && len(sel.EndPath) > 0:
		startNode, ok := dom.Resolve(root, sel.StartPath)
		if !ok {
			return anchor.Anchor{}, validationError("startPath does not resolve")
		}
		endNode, ok := dom.Resolve(root, sel.EndPath)
		if !ok {
			return anchor.Anchor{}, validationError("endPath does not resolve")
		}
		r = dom.Range{
			Start: dom.Boundary{Node: startNode, Offset: sel.StartOffset},
			End:   dom.Boundary{Node: endNode, Offset: sel.EndOffset},
		}
	default:
		return anchor.Anchor{}, validationError("selection requires start/end offsets or paths")
	}

	a, err := anchor.New(root, r)
	if errors.Is(err, anchor.ErrEmptySelection) || errors.Is(err, anchor.ErrDetached) {
		return anchor.Anchor{}, validationError(err.Error())
	}
	if err != nil {
		return anchor.Anchor{}, err
	}
	return a, nil
}

func (s *Service) CreateComment(ctx context.Context, contractID, author string, input CreateCommentInput) (Workspace, error) {
	changeType := strings.ToLower(strings.TrimSpace(input.ChangeType))
	if changeType == "" {
		changeType = string(highlight.ChangeComment)
	}
	if !highlight.ChangeType(changeType).Valid() {
		return Workspace{}, validationError("invalid change type")
	}
	body := strings.TrimSpace(input.Body)
	if body == "" && changeType == string(highlight.ChangeComment) {
		return Workspace{}, validationError("body is required")
	}

	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return Workspace{}, err
	}

	var a anchor.Anchor
	switch {
	case input.Anchor != nil && strings.TrimSpace(input.Anchor.Text) != "":
		a = *input.Anchor
		if a.Fingerprint == "" {
			a.Fingerprint = anchor.Fingerprint(a.Text, a.BeforeContext, a.AfterContext)
		}
	case input.Selection != nil:
		root, err := dom.ParseString(contract.Body)
		if err != nil {
			return Workspace{}, fmt.Errorf("parse contract body: %w", err)
		}
		if a, err = buildAnchor(root, *input.Selection); err != nil {
			return Workspace{}, err
		}
	default:
		return Workspace{}, validationError("anchor or selection is required")
	}

	comment := store.Comment{
		ID:           util.NewID("cmt"),
		ContractID:   contractID,
		Author:       author,
		Body:         body,
		ChangeType:   changeType,
		OriginalText: strings.TrimSpace(input.OriginalText),
		NewText:      strings.TrimSpace(input.NewText),
		Anchor:       a,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return Workspace{}, err
	}

	s.patchRendered(ctx, contract, func(root *html.Node, item *cache.Rendered) {
		out, err := s.highlighter.HighlightOne(root, comment.Target())
		if err == nil {
			recordOutcome(item, out, false)
			item.Track(comment.ID, comment.ChangeType)
		}
	})
	s.indexComment(comment)
	s.audit(ctx, "comment.created", author, contractID, comment.ID, map[string]any{"changeType": changeType})
	s.notify(ctx, notify.Event{Type: notify.EventCommentCreated, ContractID: contractID, CommentID: comment.ID})
	return s.Workspace(ctx, contractID)
}

func (s *Service) DeleteComment(ctx context.Context, contractID, commentID, actor string) (Workspace, error) {
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return Workspace{}, err
	}
	ok, err := s.store.DeleteComment(ctx, contractID, commentID)
	if err != nil {
		return Workspace{}, err
	}
	if !ok {
		return Workspace{}, sql.ErrNoRows
	}

	s.patchRendered(ctx, contract, func(root *html.Node, item *cache.Rendered) {
		s.highlighter.Remove(root, commentID)
		forgetOutcome(item, commentID)
		delete(item.Comments, commentID)
	})
	if s.search != nil {
		s.search.DeleteComment(commentID)
	}
	s.audit(ctx, "comment.deleted", actor, contractID, commentID, nil)
	s.notify(ctx, notify.Event{Type: notify.EventCommentDeleted, ContractID: contractID, CommentID: commentID})
	return s.Workspace(ctx, contractID)
}

// UpdateTrackChange rewrites the change fields of a comment and restyles its
// marker.
func (s *Service) UpdateTrackChange(ctx context.Context, contractID, commentID, actor string, input TrackChangeInput) (Workspace, error) {
	changeType := strings.ToLower(strings.TrimSpace(input.ChangeType))
	if changeType != string(highlight.ChangeInsert) && changeType != string(highlight.ChangeDelete) {
		return Workspace{}, validationError("changeType must be insert or delete")
	}
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return Workspace{}, err
	}
	if err := s.updateTrackChange(ctx, contract, commentID, actor, changeType, input.OriginalText, input.NewText); err != nil {
		return Workspace{}, err
	}
	return s.Workspace(ctx, contractID)
}

func (s *Service) updateTrackChange(ctx context.Context, contract store.Contract, commentID, actor, changeType, originalText, newText string) error {
	ok, err := s.store.UpdateTrackChange(ctx, contract.ID, commentID, changeType, originalText, newText)
	if err != nil {
		return err
	}
	if !ok {
		return sql.ErrNoRows
	}
	comment, err := s.store.GetComment(ctx, contract.ID, commentID)
	if err != nil {
		return err
	}

	s.patchRendered(ctx, contract, func(root *html.Node, item *cache.Rendered) {
		out, err := s.highlighter.HighlightOne(root, comment.Target())
		if err == nil {
			recordOutcome(item, out, true)
			item.Track(comment.ID, comment.ChangeType)
		}
	})
	s.indexComment(comment)
	s.audit(ctx, "comment.track_change", actor, contract.ID, commentID, map[string]any{
		"changeType":   changeType,
		"originalText": originalText,
		"newText":      newText,
	})
	s.notify(ctx, notify.Event{
		Type:       notify.EventTrackChange,
		ContractID: contract.ID,
		CommentID:  commentID,
		Payload:    map[string]any{"changeType": changeType, "originalText": originalText, "newText": newText},
	})
	return nil
}

// SaveContract stores a new body. Live markers are stripped first, so a
// rendered workspace can be saved back as is.
func (s *Service) SaveContract(ctx context.Context, contractID, actor string, input SaveContractInput) (map[string]any, error) {
	body, err := s.cleanBody(input.Body)
	if err != nil {
		return nil, err
	}
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}

	digest := bodyDigest(body)
	if digest == contract.BodyDigest {
		return map[string]any{"contractId": contractID, "changed": false, "digest": digest}, nil
	}

	ok, err := s.store.UpdateContractBody(ctx, contractID, body, digest, actor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, sql.ErrNoRows
	}

	message := strings.TrimSpace(input.Message)
	if message == "" {
		message = "Update contract body"
	}
	commit, err := s.git.CommitContent(contractID, gitrepo.Content{Title: contract.Title, Body: body, Digest: digest}, actor, message)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, contractID); err != nil {
			s.logger.Warn("rendered cache invalidate failed", zap.String("contract_id", contractID), zap.Error(err))
		}
	}
	contract.Body = body
	s.indexContract(contract)
	s.audit(ctx, "contract.saved", actor, contractID, "", map[string]any{"commit": commit.Hash})
	s.notify(ctx, notify.Event{
		Type:       notify.EventContractSaved,
		ContractID: contractID,
		Payload:    map[string]any{"digest": digest, "commit": commit.Hash},
	})
	return map[string]any{
		"contractId": contractID,
		"changed":    true,
		"digest":     digest,
		"commit":     commitView(commit),
	}, nil
}

// SubmitEdits takes a rendered body the user edited, records every marker
// whose text changed as a tracked change and saves the body.
func (s *Service) SubmitEdits(ctx context.Context, contractID, actor string, input SubmitEditsInput) (map[string]any, error) {
	if strings.TrimSpace(input.HTML) == "" {
		return nil, validationError("html is required")
	}
	root, err := dom.ParseString(input.HTML)
	if err != nil {
		return nil, validationError("html could not be parsed")
	}
	contract, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListComments(ctx, contractID)
	if err != nil {
		return nil, err
	}

	scan := highlight.Scan(root, store.Targets(comments))
	changes := make([]map[string]any, 0, len(scan.Changes))
	for _, change := range scan.Changes {
		err := s.updateTrackChange(ctx, contract, change.ID, actor, string(change.ChangeType), change.OriginalText, change.NewText)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, err
		}
		changes = append(changes, map[string]any{
			"id":           change.ID,
			"changeType":   change.ChangeType,
			"originalText": change.OriginalText,
			"newText":      change.NewText,
		})
	}

	s.highlighter.RemoveAll(root)
	body, err := dom.Render(root)
	if err != nil {
		return nil, fmt.Errorf("render edited body: %w", err)
	}
	saved, err := s.SaveContract(ctx, contractID, actor, SaveContractInput{Body: body, Message: input.Message})
	if err != nil {
		return nil, err
	}
	missing := scan.Missing
	if missing == nil {
		missing = []string{}
	}
	return map[string]any{
		"contractId": contractID,
		"changes":    changes,
		"missing":    missing,
		"save":       saved,
	}, nil
}

func (s *Service) History(ctx context.Context, contractID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetContract(ctx, contractID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	commits, err := s.git.History(contractID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		items = append(items, commitView(c))
	}
	return map[string]any{"contractId": contractID, "commits": items}, nil
}

func (s *Service) Audit(ctx context.Context, contractID string, limit int) ([]store.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.store.ListAuditEvents(ctx, contractID, limit)
}

func (s *Service) Export(ctx context.Context, req export.Request) (*export.Result, error) {
	if s.exporter == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	return s.exporter.Export(ctx, req)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// cleanBody parses body, removes any live markers and renders it back.
func (s *Service) cleanBody(body string) (string, error) {
	root, err := dom.ParseString(body)
	if err != nil {
		return "", validationError("body could not be parsed")
	}
	s.highlighter.RemoveAll(root)
	out, err := dom.Render(root)
	if err != nil {
		return "", fmt.Errorf("render body: %w", err)
	}
	return out, nil
}

// patchRendered applies an incremental change to the cached rendering. With
// no cached entry the next workspace load renders from scratch.
func (s *Service) patchRendered(ctx context.Context, contract store.Contract, patch func(*html.Node, *cache.Rendered)) {
	if s.cache == nil {
		return
	}
	item, err := s.cache.Get(ctx, contract.ID, contract.BodyDigest)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("rendered cache read failed", zap.String("contract_id", contract.ID), zap.Error(err))
		}
		return
	}
	root, err := dom.ParseString(item.HTML)
	if err != nil {
		s.invalidate(ctx, contract.ID)
		return
	}
	patch(root, &item)
	out, err := dom.Render(root)
	if err != nil {
		s.invalidate(ctx, contract.ID)
		return
	}
	item.HTML = out
	item.RenderedAt = s.now()
	if err := s.cache.Put(ctx, item); err != nil {
		s.logger.Warn("rendered cache write failed", zap.String("contract_id", contract.ID), zap.Error(err))
	}
}

func (s *Service) invalidate(ctx context.Context, contractID string) {
	if err := s.cache.Invalidate(ctx, contractID); err != nil {
		s.logger.Warn("rendered cache invalidate failed", zap.String("contract_id", contractID), zap.Error(err))
	}
}

func (s *Service) indexContract(c store.Contract) {
	if s.search == nil {
		return
	}
	s.search.IndexContract(search.ContractRecord{ID: c.ID, Title: c.Title, Excerpt: search.Excerpt(c.Body)})
}

func (s *Service) indexComment(c store.Comment) {
	if s.search == nil {
		return
	}
	s.search.IndexComment(search.CommentRecord{
		ID:         c.ID,
		ContractID: c.ContractID,
		Body:       c.Body,
		AnchorText: c.Anchor.Text,
		ChangeType: c.ChangeType,
		Author:     c.Author,
	})
}

func (s *Service) notify(ctx context.Context, ev notify.Event) {
	if s.notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("notify failed", zap.String("type", ev.Type), zap.String("contract_id", ev.ContractID), zap.Error(err))
	}
}

func (s *Service) audit(ctx context.Context, eventType, actor, contractID, commentID string, payload map[string]any) {
	event := store.AuditEvent{
		EventType:  eventType,
		ActorName:  actor,
		ContractID: contractID,
		Payload:    payload,
	}
	if commentID != "" {
		event.CommentID = &commentID
	}
	if err := s.store.InsertAuditEvent(ctx, event); err != nil {
		s.logger.Warn("audit write failed", zap.String("event", eventType), zap.Error(err))
	}
}

// recordOutcome folds a single-comment pass into the cached summary.
// replacing says whether the id was already counted.
func recordOutcome(item *cache.Rendered, out highlight.Outcome, replacing bool) {
	if replacing {
		forgetOutcome(item, out.ID)
	}
	if out.Applied {
		item.Applied++
	} else {
		item.Failed++
		item.Unplaced = append(item.Unplaced, out.ID)
	}
	if out.Degraded {
		item.Degraded = append(item.Degraded, out.ID)
	}
}

func forgetOutcome(item *cache.Rendered, id string) {
	if i := slices.Index(item.Unplaced, id); i >= 0 {
		item.Unplaced = slices.Delete(item.Unplaced, i, i+1)
		item.Failed = max(item.Failed-1, 0)
	} else {
		item.Applied = max(item.Applied-1, 0)
	}
	if i := slices.Index(item.Degraded, id); i >= 0 {
		item.Degraded = slices.Delete(item.Degraded, i, i+1)
	}
}

func buildWorkspace(contract store.Contract, comments []store.Comment, item cache.Rendered, outcomes map[string]highlight.Outcome, cached bool) Workspace {
	views := make([]CommentView, 0, len(comments))
	for _, c := range comments {
		view := CommentView{
			ID:           c.ID,
			Author:       c.Author,
			Body:         c.Body,
			ChangeType:   c.ChangeType,
			OriginalText: c.OriginalText,
			NewText:      c.NewText,
			Anchor:       c.Anchor,
			Applied:      !slices.Contains(item.Unplaced, c.ID),
			Degraded:     slices.Contains(item.Degraded, c.ID),
			CreatedAt:    formatTime(c.CreatedAt),
		}
		if o, ok := outcomes[c.ID]; ok {
			view.Strategy = o.Strategy
		}
		views = append(views, view)
	}
	degraded := item.Degraded
	if degraded == nil {
		degraded = []string{}
	}
	return Workspace{
		Contract: contractView(contract),
		HTML:     item.HTML,
		Comments: views,
		Applied:  item.Applied,
		Failed:   item.Failed,
		Degraded: degraded,
		Cached:   cached,
	}
}

func contractView(c store.Contract) ContractView {
	return ContractView{
		ID:        c.ID,
		Title:     c.Title,
		Digest:    c.BodyDigest,
		UpdatedBy: c.UpdatedBy,
		UpdatedAt: formatTime(c.UpdatedAt),
	}
}

func commitView(c store.CommitInfo) map[string]any {
	return map[string]any{
		"hash":      c.Hash,
		"message":   strings.TrimSpace(c.Message),
		"author":    c.Author,
		"createdAt": formatTime(c.CreatedAt),
		"added":     c.Added,
		"removed":   c.Removed,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// commentSet is the id to change type view a cached rendering is validated
// against.
func commentSet(comments []store.Comment) map[string]string {
	set := make(map[string]string, len(comments))
	for _, c := range comments {
		set[c.ID] = c.ChangeType
	}
	return set
}

func setDigest(set map[string]string) string {
	var b strings.Builder
	for _, id := range slices.Sorted(maps.Keys(set)) {
		b.WriteString(id)
		b.WriteByte('=')
		b.WriteString(set[id])
		b.WriteByte(';')
	}
	return bodyDigest(b.String())
}

// bodyDigest identifies a clean body; cached renderings are keyed on it.
func bodyDigest(body string) string {
	sum := blake2b.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}
