package export

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"clm/api/internal/dom"
	"clm/api/internal/gitrepo"
	"clm/api/internal/highlight"
	"clm/api/internal/store"

	"go.uber.org/zap"
)

// DataStore is the read side the exporter needs.
type DataStore interface {
	GetContract(ctx context.Context, id string) (store.Contract, error)
	ListComments(ctx context.Context, contractID string) ([]store.Comment, error)
}

// History serves bodies of earlier versions.
type History interface {
	GetContentByHash(contractID, hash string) (gitrepo.Content, error)
}

// Service provides contract export functionality
type Service struct {
	store       DataStore
	history     History
	printer     PDFPrinter
	uploader    Uploader
	highlighter *highlight.Highlighter
	logger      *zap.Logger
	now         func() time.Time
}

// NewService creates a new export service. history and uploader may be nil.
func NewService(store DataStore, history History, printer PDFPrinter, uploader Uploader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:       store,
		history:     history,
		printer:     printer,
		uploader:    uploader,
		highlighter: highlight.New(logger),
		logger:      logger,
		now:         time.Now,
	}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	if req.Format != FormatPDF && req.Format != FormatHTML {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
	if req.Upload && s.uploader == nil {
		return nil, ErrStorageDisabled
	}

	contract, err := s.store.GetContract(ctx, req.ContractID)
	if err != nil {
		return nil, fmt.Errorf("get contract: %w", err)
	}

	body := contract.Body
	version := ""
	if req.Version != "" && req.Version != "latest" {
		if s.history == nil {
			return nil, fmt.Errorf("%w: history unavailable", ErrContentUnavailable)
		}
		content, err := s.history.GetContentByHash(req.ContractID, req.Version)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
		}
		body = content.Body
		version = req.Version
	}

	root, err := dom.ParseString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrContentUnavailable, err)
	}

	data := TemplateData{
		Title:     contract.Title,
		Version:   version,
		UpdatedBy: contract.UpdatedBy,
		UpdatedAt: contract.UpdatedAt,
	}
	result := &Result{}

	if req.IncludeComments {
		comments, err := s.store.ListComments(ctx, req.ContractID)
		if err != nil {
			return nil, fmt.Errorf("list comments: %w", err)
		}
		report, err := s.highlighter.HighlightAll(root, store.Targets(comments))
		if err != nil {
			return nil, fmt.Errorf("highlight comments: %w", err)
		}
		result.Applied = report.Applied
		result.Degraded = report.Degraded()
		data.Comments = templateComments(comments, report)
	}

	contentHTML, err := dom.Render(root)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}
	data.ContentHTML = template.HTML(contentHTML)

	page, err := RenderContractHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch req.Format {
	case FormatPDF:
		pdf, err := s.printer.PrintPDF(ctx, page)
		if err != nil {
			return nil, err
		}
		result.Data = pdf
		result.MimeType = "application/pdf"
	case FormatHTML:
		result.Data = []byte(page)
		result.MimeType = "text/html; charset=utf-8"
	}
	result.Filename = sanitizeFilename(contract.Title) + "." + string(req.Format)

	if req.Upload {
		key := fmt.Sprintf("%s/%s-%s", req.ContractID, s.now().UTC().Format("20060102T150405Z"), result.Filename)
		link, err := s.uploader.Upload(ctx, key, result.Data, result.MimeType)
		if err != nil {
			return nil, fmt.Errorf("upload export: %w", err)
		}
		result.URL = link
		s.logger.Info("export uploaded", zap.String("contract_id", req.ContractID), zap.String("key", key))
	}
	return result, nil
}

func templateComments(comments []store.Comment, report highlight.Report) []TemplateComment {
	outcomes := make(map[string]highlight.Outcome, len(report.Outcomes))
	for _, o := range report.Outcomes {
		outcomes[o.ID] = o
	}
	out := make([]TemplateComment, 0, len(comments))
	for i, c := range comments {
		o := outcomes[c.ID]
		out = append(out, TemplateComment{
			ID:           c.ID,
			Number:       i + 1,
			Author:       c.Author,
			Body:         c.Body,
			ChangeType:   c.ChangeType,
			AnchorText:   c.Anchor.Text,
			OriginalText: c.OriginalText,
			NewText:      c.NewText,
			Degraded:     o.Degraded,
			Missing:      !o.Applied,
		})
	}
	return out
}
