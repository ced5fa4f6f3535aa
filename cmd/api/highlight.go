package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"clm/api/internal/anchor"
	"clm/api/internal/dom"
	"clm/api/internal/highlight"

	"github.com/fatih/color"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	anchorsPath string
	outPath     string
	watch       bool
)

var highlightCmd = &cobra.Command{
	Use:   "highlight BODY.html",
	Short: "Highlight saved anchors in a contract body file",
	Long: `Resolves every anchor in the --anchors file against the body and prints
the body with comment markers applied, followed by a summary on stderr.

The anchors file is a JSON array:
  [{"id": "cmt_1", "changeType": "comment", "anchor": {"text": "Party A", ...}}]

With --watch the pass re-runs whenever either file changes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h := highlight.New(logger)
		if !watch {
			return highlightOnce(h, args[0], anchorsPath, outPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watchFiles(ctx, h, args[0], anchorsPath, outPath, cmd.OutOrStdout(), cmd.ErrOrStderr())
	},
}

// anchoredComment is one entry of the anchors file.
type anchoredComment struct {
	ID           string        `json:"id"`
	ChangeType   string        `json:"changeType"`
	OriginalText string        `json:"originalText"`
	Anchor       anchor.Anchor `json:"anchor"`
}

func loadTargets(path string) ([]highlight.Target, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read anchors: %w", err)
	}
	var items []anchoredComment
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("parse anchors %s: %w", path, err)
	}
	targets := make([]highlight.Target, 0, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			return nil, fmt.Errorf("anchors %s: entry %d has no id", path, i)
		}
		ct := highlight.ChangeType(strings.ToLower(item.ChangeType))
		if !ct.Valid() {
			ct = highlight.ChangeComment
		}
		targets = append(targets, highlight.Target{
			ID:           item.ID,
			Anchor:       item.Anchor,
			ChangeType:   ct,
			OriginalText: item.OriginalText,
		})
	}
	return targets, nil
}

// highlightFile renders the body at bodyPath with every target applied.
func highlightFile(h *highlight.Highlighter, bodyPath, anchorsPath string) (string, highlight.Report, error) {
	body, err := os.ReadFile(bodyPath)
	if err != nil {
		return "", highlight.Report{}, fmt.Errorf("read body: %w", err)
	}
	targets, err := loadTargets(anchorsPath)
	if err != nil {
		return "", highlight.Report{}, err
	}
	root, err := dom.ParseString(string(body))
	if err != nil {
		return "", highlight.Report{}, err
	}
	report, err := h.HighlightAll(root, targets)
	if err != nil {
		return "", highlight.Report{}, err
	}
	out, err := dom.Render(root)
	if err != nil {
		return "", highlight.Report{}, err
	}
	return out, report, nil
}

func highlightOnce(h *highlight.Highlighter, bodyPath, anchorsPath, outPath string, stdout, summary io.Writer) error {
	out, report, err := highlightFile(h, bodyPath, anchorsPath)
	if err != nil {
		return err
	}
	if outPath == "" {
		fmt.Fprintln(stdout, out)
	} else if err := os.WriteFile(outPath, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	printReport(summary, report)
	return nil
}

func printReport(w io.Writer, report highlight.Report) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	fmt.Fprintf(w, "%s applied  %s failed\n", green(report.Applied), red(report.Failed))
	for _, o := range report.Outcomes {
		switch {
		case !o.Applied:
			fmt.Fprintf(w, "  %s %s: %v\n", red("✗"), o.ID, o.Err)
		case o.Degraded:
			fmt.Fprintf(w, "  %s %s placed by fallback, needs review\n", yellow("!"), o.ID)
		default:
			fmt.Fprintf(w, "  %s %s (%s)\n", green("✓"), o.ID, o.Strategy)
		}
	}
}

// watchFiles re-runs the pass on every change to either file. Writes made
// while a pass is in flight collapse into one follow-up pass.
func watchFiles(ctx context.Context, h *highlight.Highlighter, bodyPath, anchorsPath, outPath string, stdout, summary io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer watcher.Close()

	watched := map[string]bool{}
	for _, p := range []string{bodyPath, anchorsPath} {
		abs, err := filepath.Abs(p)
		if err != nil {
			return err
		}
		watched[abs] = true
		// Editors often replace files on save, so watch the directory.
		if err := watcher.Add(filepath.Dir(abs)); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
	}

	session := highlight.NewSession(func() {
		if err := highlightOnce(h, bodyPath, anchorsPath, outPath, stdout, summary); err != nil {
			logger.Warn("highlight pass failed", zap.Error(err))
		}
	}, cfg.HighlightSettle, logger)
	defer session.Close()

	session.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Clean(ev.Name)] || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("file changed", zap.String("path", ev.Name), zap.String("op", ev.Op.String()))
			session.Trigger()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		}
	}
}
