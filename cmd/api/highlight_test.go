package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"clm/api/internal/highlight"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const body = `<p>Party A agrees to pay Party A within 30 days.</p>`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestHighlightFile(t *testing.T) {
	dir := t.TempDir()
	bodyPath := writeFile(t, dir, "body.html", body)
	anchorsPath := writeFile(t, dir, "anchors.json", `[
		{"id": "cmt_1", "anchor": {"text": "30 days", "absolutePos": 37}},
		{"id": "cmt_2", "changeType": "DELETE", "anchor": {"text": "Party A", "absolutePos": 22}}
	]`)

	out, report, err := highlightFile(highlight.New(nil), bodyPath, anchorsPath)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Applied)
	assert.Contains(t, out, `<span class="comment-highlight" data-comment-id="cmt_1">30 days`)
	assert.Contains(t, out, `<span class="track-delete" data-comment-id="cmt_2">Party A`)
}

func TestLoadTargetsRejectsMissingIDs(t *testing.T) {
	dir := t.TempDir()
	_, err := loadTargets(writeFile(t, dir, "anchors.json", `[{"anchor": {"text": "x"}}]`))
	assert.ErrorContains(t, err, "entry 0 has no id")

	_, err = loadTargets(writeFile(t, dir, "broken.json", `{`))
	assert.ErrorContains(t, err, "parse anchors")
}

func TestPrintReport(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	printReport(&buf, highlight.Report{
		Applied: 2,
		Failed:  1,
		Outcomes: []highlight.Outcome{
			{ID: "a", Applied: true, Strategy: "exact"},
			{ID: "b", Applied: true, Degraded: true, Strategy: "fallback"},
			{ID: "c", Err: highlight.ErrNotApplied},
		},
	})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "2 applied  1 failed", lines[0])
	assert.Contains(t, lines[1], "a (exact)")
	assert.Contains(t, lines[2], "b placed by fallback")
	assert.Contains(t, lines[3], "c: resolved range could not be wrapped")
}

func TestWatchFilesRerunsOnChange(t *testing.T) {
	logger = zap.NewNop()
	dir := t.TempDir()
	bodyPath := writeFile(t, dir, "body.html", body)
	anchorsPath := writeFile(t, dir, "anchors.json", `[{"id": "cmt_1", "anchor": {"text": "30 days", "absolutePos": 37}}]`)
	outFile := filepath.Join(dir, "out.html")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		var summary bytes.Buffer
		done <- watchFiles(ctx, highlight.New(nil), bodyPath, anchorsPath, outFile, &bytes.Buffer{}, &summary)
	}()

	read := func() string {
		raw, _ := os.ReadFile(outFile)
		return string(raw)
	}
	assert.Eventually(t, func() bool { return strings.Contains(read(), "cmt_1") }, 5*time.Second, 20*time.Millisecond)

	writeFile(t, dir, "anchors.json", `[{"id": "cmt_9", "anchor": {"text": "Party A", "absolutePos": 0}}]`)
	assert.Eventually(t, func() bool { return strings.Contains(read(), "cmt_9") }, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
