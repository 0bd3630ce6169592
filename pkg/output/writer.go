// Package output persists raw crawled pages and the append-only run log
// under the configured output directory.
package output

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// Writer writes audit files to disk.
type Writer struct {
	OutputDir string
}

// New creates a Writer targeting the given output directory, creating it
// when missing.
func New(outputDir string) (*Writer, error) {
	if outputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	return &Writer{OutputDir: outputDir}, nil
}

// PagePath is the deterministic file location for a page number.
func (w *Writer) PagePath(page int) string {
	return filepath.Join(w.OutputDir, fmt.Sprintf("page-%d.md", page))
}

// WritePage stores the raw crawled text of one page, replacing any earlier copy.
func (w *Writer) WritePage(page int, content string) (string, error) {
	path := w.PagePath(page)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing file %s: %w", path, err)
	}
	return path, nil
}

// OpenLog opens name inside the output directory for appending. Absolute
// names are used as given.
func (w *Writer) OpenLog(name string) (*os.File, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.OutputDir, name)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening log file %s: %w", path, err)
	}
	return f, nil
}

// NewLogger builds the run logger: human-readable records on console at
// level, plus every record at debug level as JSON on logFile when non-nil.
func NewLogger(console io.Writer, logFile io.Writer, level slog.Level) *slog.Logger {
	consoleHandler := slog.NewTextHandler(console, &slog.HandlerOptions{Level: level})
	if logFile == nil {
		return slog.New(consoleHandler)
	}

	fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(fanout{consoleHandler, fileHandler})
}
