package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

var documentTemplate = template.Must(template.New("contract").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		if t.IsZero() {
			return ""
		}
		return t.Format(layout)
	},
}).Parse(contractTemplate))

// TemplateData holds data for contract template rendering
type TemplateData struct {
	Title       string
	Version     string
	ContentHTML template.HTML
	UpdatedBy   string
	UpdatedAt   time.Time
	Comments    []TemplateComment
}

// TemplateComment is one entry of the comment appendix.
type TemplateComment struct {
	ID           string
	Number       int
	Author       string
	Body         string
	ChangeType   string
	AnchorText   string
	OriginalText string
	NewText      string
	Degraded     bool
	Missing      bool
}

// RenderContractHTML renders the contract template with provided data
func RenderContractHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const contractTemplate = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Georgia, serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .comment-highlight { background: #fff3b0; }
    .track-insert { background: #d4f7d4; text-decoration: underline; }
    .track-delete { background: #fbd5d5; text-decoration: line-through; }
    .comment-icon { font-size: 0.7em; vertical-align: super; }
    .comment { background: #f5f5f5; padding: 0.75rem 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .comment.degraded { border-left-color: #c77700; }
    .comment.missing { border-left-color: #b00020; }
    .quote { font-style: italic; color: #444; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{if .UpdatedBy}}{{.UpdatedBy}} | {{end}}{{formatDate .UpdatedAt "Jan 2, 2006"}}{{if .Version}} | version {{.Version}}{{end}}</div>
  <div class="contract-body">{{.ContentHTML}}</div>
  {{if .Comments}}
  <h2>Comments</h2>
  {{range .Comments}}
  <div class="comment {{lower .ChangeType}}{{if .Degraded}} degraded{{end}}{{if .Missing}} missing{{end}}" id="comment-{{.ID}}">
    <strong>{{.Number}}. {{.Author}}</strong> ({{.ChangeType}})
    <div class="quote">&ldquo;{{.AnchorText}}&rdquo;</div>
    {{if .NewText}}<div>{{.OriginalText}} &rarr; {{.NewText}}</div>{{end}}
    <p>{{.Body}}</p>
    {{if .Degraded}}<div class="meta">anchor position approximated</div>{{end}}
    {{if .Missing}}<div class="meta">anchor could not be placed</div>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
