package gitrepo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestContractRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Content{Title: "Supply Agreement", Body: "<p>Party A agrees to pay.</p>"}
	if err := svc.EnsureContractRepo("ctr-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureContractRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "ctr-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}
	if err := svc.EnsureContractRepo("ctr-1", Content{Title: "ignored"}, "Avery"); err != nil {
		t.Fatalf("second EnsureContractRepo() error = %v", err)
	}

	updated := initial
	updated.Body = "<p>Party A agrees to pay promptly.</p>"
	commit, err := svc.CommitContent("ctr-1", updated, "Avery", "Tighten payment clause")
	if err != nil {
		t.Fatalf("CommitContent() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}
	if commit.Added != len(" promptly") || commit.Removed != 0 {
		t.Fatalf("unexpected change stats: +%d -%d", commit.Added, commit.Removed)
	}

	history, err := svc.History("ctr-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].Added != commit.Added {
		t.Fatalf("history stats mismatch: %+v", history[0])
	}
	if history[1].Added != len("Party A agrees to pay.") {
		t.Fatalf("baseline should count the whole body as added: %+v", history[1])
	}

	changed, err := svc.GetContentByHash("ctr-1", commit.Hash)
	if err != nil {
		t.Fatalf("GetContentByHash() error = %v", err)
	}
	if changed.Body != updated.Body {
		t.Fatalf("unexpected content: %+v", changed)
	}

	head, info, err := svc.GetHeadContent("ctr-1")
	if err != nil {
		t.Fatalf("GetHeadContent() error = %v", err)
	}
	if head.Title != "Supply Agreement" || info.Hash != commit.Hash {
		t.Fatalf("unexpected head: %+v %+v", head, info)
	}
}

func TestHistoryLimit(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.EnsureContractRepo("ctr-1", Content{Title: "NDA"}, "Avery"); err != nil {
		t.Fatalf("EnsureContractRepo() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := svc.CommitContent("ctr-1", Content{Title: "NDA", Body: fmt.Sprintf("<p>rev %d</p>", i)}, "Avery", "edit"); err != nil {
			t.Fatalf("CommitContent() error = %v", err)
		}
	}
	history, err := svc.History("ctr-1", 2)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
}

func TestMissingRepo(t *testing.T) {
	svc := New(t.TempDir())
	if _, _, err := svc.GetHeadContent("missing"); err == nil {
		t.Fatal("expected error for missing repo")
	}
	if _, err := svc.History("missing", 5); err == nil {
		t.Fatal("expected error for missing repo")
	}
}

func TestChangeStatsIgnoresMarkup(t *testing.T) {
	added, removed := ChangeStats("<p>net 30 days</p>", "<p><b>net</b> 45 days</p>")
	if added != 2 || removed != 2 {
		t.Fatalf("expected +2 -2, got +%d -%d", added, removed)
	}
	if a, r := ChangeStats("", ""); a != 0 || r != 0 {
		t.Fatalf("expected no changes, got +%d -%d", a, r)
	}
}

func TestConcurrentCommitContent(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := Content{Title: "Doc", Body: "<p>base</p>"}
	if err := svc.EnsureContractRepo("ctr-1", initial, "Avery"); err != nil {
		t.Fatalf("EnsureContractRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			next := initial
			next.Body = fmt.Sprintf("<p>body-%02d</p>", idx)
			if _, err := svc.CommitContent("ctr-1", next, "Avery", fmt.Sprintf("Commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitContent() concurrent error = %v", err)
		}
	}

	history, err := svc.History("ctr-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers+1 {
		t.Fatalf("expected %d commits in history, got %d", writers+1, len(history))
	}

	head, _, err := svc.GetHeadContent("ctr-1")
	if err != nil {
		t.Fatalf("GetHeadContent() error = %v", err)
	}
	if !strings.HasPrefix(head.Body, "<p>body-") {
		t.Fatalf("unexpected head content after concurrent commits: %+v", head)
	}
}

func TestSanitizeEmail(t *testing.T) {
	if got := sanitizeEmail("Ana María-Lopez"); got != "Ana.Mara.Lopez" {
		t.Fatalf("unexpected sanitized name %q", got)
	}
	if got := sanitizeEmail("!!!"); got != "user" {
		t.Fatalf("expected fallback, got %q", got)
	}
}
