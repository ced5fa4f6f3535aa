package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) ListContracts(ctx context.Context) ([]Contract, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, body_digest, updated_by_name, created_at, updated_at
		FROM contracts
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	items := make([]Contract, 0)
	for rows.Next() {
		var item Contract
		if err := rows.Scan(&item.ID, &item.Title, &item.BodyDigest, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contracts: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetContract(ctx context.Context, contractID string) (Contract, error) {
	var item Contract
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, body, body_digest, updated_by_name, created_at, updated_at
		FROM contracts
		WHERE id=$1
	`, contractID).Scan(&item.ID, &item.Title, &item.Body, &item.BodyDigest, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Contract{}, err
	}
	return item, nil
}

func (s *PostgresStore) InsertContract(ctx context.Context, item Contract) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contracts (id, title, body, body_digest, updated_by_name)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.Body, item.BodyDigest, item.UpdatedBy)
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateContractBody(ctx context.Context, contractID, body, digest, updatedBy string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE contracts
		SET body=$2, body_digest=$3, updated_by_name=$4, updated_at=NOW()
		WHERE id=$1
	`, contractID, body, digest, updatedBy)
	if err != nil {
		return false, fmt.Errorf("update contract body: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update contract body rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, contractID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, contract_id, author_name, body, change_type, COALESCE(original_text, ''), COALESCE(new_text, ''), anchor_json::text, created_at, updated_at
		FROM comments
		WHERE contract_id=$1
		ORDER BY created_at ASC
	`, contractID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetComment(ctx context.Context, contractID, commentID string) (Comment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, contract_id, author_name, body, change_type, COALESCE(original_text, ''), COALESCE(new_text, ''), anchor_json::text, created_at, updated_at
		FROM comments
		WHERE contract_id=$1 AND id=$2
	`, contractID, commentID)
	return scanComment(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComment(row rowScanner) (Comment, error) {
	var item Comment
	var anchorJSON string
	if err := row.Scan(
		&item.ID,
		&item.ContractID,
		&item.Author,
		&item.Body,
		&item.ChangeType,
		&item.OriginalText,
		&item.NewText,
		&anchorJSON,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Comment{}, err
	}
	if err := json.Unmarshal([]byte(anchorJSON), &item.Anchor); err != nil {
		return Comment{}, fmt.Errorf("decode anchor for comment %s: %w", item.ID, err)
	}
	return item, nil
}

func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	changeType := item.ChangeType
	if changeType == "" {
		changeType = "comment"
	}
	anchorJSON, err := json.Marshal(item.Anchor)
	if err != nil {
		return fmt.Errorf("encode anchor: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comments (id, contract_id, author_name, body, change_type, original_text, new_text, anchor_json, anchor_fingerprint, absolute_pos)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8::jsonb, $9, $10)
	`, item.ID, item.ContractID, item.Author, item.Body, changeType, item.OriginalText, item.NewText, string(anchorJSON), item.Anchor.Fingerprint, item.Anchor.AbsolutePos)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteComment(ctx context.Context, contractID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE contract_id=$1 AND id=$2`, contractID, commentID)
	if err != nil {
		return false, fmt.Errorf("delete comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete comment rows: %w", err)
	}
	return affected > 0, nil
}

// UpdateTrackChange rewrites the change fields of a comment. Anchors are
// immutable once created.
func (s *PostgresStore) UpdateTrackChange(ctx context.Context, contractID, commentID, changeType, originalText, newText string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE comments
		SET change_type=$3, original_text=NULLIF($4, ''), new_text=NULLIF($5, ''), updated_at=NOW()
		WHERE contract_id=$1 AND id=$2
	`, contractID, commentID, changeType, originalText, newText)
	if err != nil {
		return false, fmt.Errorf("update track change: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update track change rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode audit payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, actor_name, contract_id, comment_id, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
	`, event.EventType, event.ActorName, event.ContractID, event.CommentID, string(payloadJSON))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, contractID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, actor_name, contract_id, comment_id, payload::text, created_at
		FROM audit_events
		WHERE contract_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, contractID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var commentID sql.NullString
		var payload string
		if err := rows.Scan(&item.ID, &item.EventType, &item.ActorName, &item.ContractID, &commentID, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if commentID.Valid {
			item.CommentID = &commentID.String
		}
		if err := json.Unmarshal([]byte(payload), &item.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
