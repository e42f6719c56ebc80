package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Writer appends completed turns to a per-date markdown transcript, the
// file the Drive export ships.
type Writer struct {
	dir string
	mu  sync.Mutex
}

func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

func (w *Writer) Append(rec TurnRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", w.dir, err)
	}

	date := rec.CreatedAt.UTC().Format("2006-01-02")
	path := filepath.Join(w.dir, date+".md")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := fmt.Fprintf(f, "%s\n\n", rec.FormatMarkdown()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func (w *Writer) CurrentPath() string {
	date := time.Now().UTC().Format("2006-01-02")
	return filepath.Join(w.dir, date+".md")
}

func (rec TurnRecord) FormatMarkdown() string {
	ts := rec.CreatedAt.UTC().Format("15:04:05")
	return fmt.Sprintf("**[%s] user:** %s\n\n**assistant:** %s", ts, strings.TrimSpace(rec.UserText), strings.TrimSpace(rec.ReplyText))
}
