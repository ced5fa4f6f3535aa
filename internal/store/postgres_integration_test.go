package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"clm/api/internal/anchor"
	"clm/api/internal/dom"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getTestDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CLM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CLM_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func openTestStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	db, err := Open(ctx, getTestDatabaseURL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, resetPublicSchema(ctx, db))
	_, err = ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations"))
	require.NoError(t, err)
	return NewPostgresStore(db)
}

func TestCommentLifecyclePostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertContract(ctx, Contract{ID: "ctr_1", Title: "Supply Agreement", Body: "<p>Party A agrees to pay.</p>", UpdatedBy: "ana"}))
	a := anchor.Anchor{Text: "Party A", AfterContext: "agrees to pay.", StartPath: dom.Path{0, 0}, EndPath: dom.Path{0, 0}, EndOffset: 7, Fingerprint: "abc"}
	require.NoError(t, s.InsertComment(ctx, Comment{ID: "cmt_1", ContractID: "ctr_1", Author: "ana", Body: "Which entity?", Anchor: a}))

	comments, err := s.ListComments(ctx, "ctr_1")
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "comment", comments[0].ChangeType)
	assert.Equal(t, a.Text, comments[0].Anchor.Text)
	assert.Equal(t, a.StartPath, comments[0].Anchor.StartPath)

	updated, err := s.UpdateTrackChange(ctx, "ctr_1", "cmt_1", "insert", "Party A", "Party B")
	require.NoError(t, err)
	assert.True(t, updated)

	got, err := s.GetComment(ctx, "ctr_1", "cmt_1")
	require.NoError(t, err)
	assert.Equal(t, "insert", got.ChangeType)
	assert.Equal(t, "Party B", got.NewText)

	_, err = s.UpdateTrackChange(ctx, "ctr_1", "cmt_1", "rewrite", "", "")
	require.Error(t, err, "change_type check constraint")

	deleted, err := s.DeleteComment(ctx, "ctr_1", "cmt_1")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = s.GetComment(ctx, "ctr_1", "cmt_1")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestContractBodyAndAuditPostgres(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertContract(ctx, Contract{ID: "ctr_2", Title: "NDA"}))
	ok, err := s.UpdateContractBody(ctx, "ctr_2", "<p>Confidential.</p>", "digest", "ben")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.UpdateContractBody(ctx, "missing", "", "", "ben")
	require.NoError(t, err)
	assert.False(t, ok)

	commentID := "cmt_9"
	require.NoError(t, s.InsertAuditEvent(ctx, AuditEvent{EventType: "comment.created", ActorName: "ben", ContractID: "ctr_2", CommentID: &commentID}))
	events, err := s.ListAuditEvents(ctx, "ctr_2", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].CommentID)
	assert.Equal(t, commentID, *events[0].CommentID)

	contracts, err := s.ListContracts(ctx)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "digest", contracts[0].BodyDigest)
}
