package store

import (
	"time"

	"clm/api/internal/anchor"
)

type Contract struct {
	ID    string
	Title string
	// Body is the clean rendered HTML; it never contains live markers.
	Body       string
	BodyDigest string
	UpdatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Comment is a bubble comment or tracked change pinned to contract text.
type Comment struct {
	ID           string
	ContractID   string
	Author       string
	Body         string
	ChangeType   string
	OriginalText string
	NewText      string
	Anchor       anchor.Anchor
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
	Added     int
	Removed   int
}

type AuditEvent struct {
	ID         int64
	EventType  string
	ActorName  string
	ContractID string
	CommentID  *string
	Payload    map[string]any
	CreatedAt  time.Time
}
