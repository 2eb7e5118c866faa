// Package artifact writes Markdown documents to disk. Analysis reports get
// YAML front matter plus a JSON metadata sidecar, under one directory per
// channel; exports and activity reports are single Markdown files. Files are written atomically (write .tmp then rename) so readers
// never observe a partial report.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Citation mirrors a "[timestamp] @user" reference found in the report.
type Citation struct {
	Timestamp string `json:"timestamp" yaml:"timestamp"`
	Username  string `json:"username" yaml:"username"`
}

// Metadata describes one analysis run. It is the front matter of the
// Markdown file and the body of the JSON sidecar.
type Metadata struct {
	RunID             string     `json:"run_id" yaml:"run_id"`
	ChannelID         string     `json:"channel_id" yaml:"channel_id"`
	Channel           string     `json:"channel" yaml:"channel"`
	Platform          string     `json:"platform" yaml:"platform"`
	Model             string     `json:"model" yaml:"model"`
	GeneratedAt       time.Time  `json:"generated_at" yaml:"generated_at"`
	WindowStart       time.Time  `json:"window_start" yaml:"window_start"`
	WindowEnd         time.Time  `json:"window_end" yaml:"window_end"`
	WindowStartCursor int64      `json:"window_start_cursor" yaml:"window_start_cursor"`
	WindowEndCursor   int64      `json:"window_end_cursor" yaml:"window_end_cursor"`
	MessagesAnalyzed  int        `json:"messages_analyzed" yaml:"messages_analyzed"`
	EstimatedTokens   int        `json:"estimated_tokens" yaml:"estimated_tokens"`
	PromptTokens      int64      `json:"prompt_tokens" yaml:"prompt_tokens"`
	CompletionTokens  int64      `json:"completion_tokens" yaml:"completion_tokens"`
	Truncated         bool       `json:"truncated" yaml:"truncated"`
	CitationsCount    int        `json:"citations_count" yaml:"citations_count"`
	Citations         []Citation `json:"citations,omitempty" yaml:"-"`
}

// Writer deposits report files under a root directory.
type Writer struct {
	dir string
}

// NewWriter creates a Writer rooted at dir. Channel directories are created
// on first write.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// Dir returns the root directory.
func (w *Writer) Dir() string { return w.dir }

// Write stores <dir>/<channel>/<run_id>.md and <run_id>.json and returns
// the Markdown path.
func (w *Writer) Write(meta Metadata, report string) (string, error) {
	if meta.RunID == "" {
		return "", fmt.Errorf("artifact: run id required")
	}
	channelDir := filepath.Join(w.dir, safeName(meta.ChannelID))
	if err := os.MkdirAll(channelDir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir %s: %w", channelDir, err)
	}

	front, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("artifact: front matter: %w", err)
	}
	md := "---\n" + string(front) + "---\n\n" + strings.TrimSpace(report) + "\n"
	mdPath := filepath.Join(channelDir, meta.RunID+".md")
	if err := writeAtomic(mdPath, []byte(md)); err != nil {
		return "", err
	}

	sidecar, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("artifact: metadata: %w", err)
	}
	if err := writeAtomic(filepath.Join(channelDir, meta.RunID+".json"), sidecar); err != nil {
		return "", err
	}
	return mdPath, nil
}

// WriteDocument stores <dir>/<sub>/<name>.md with front rendered as YAML
// front matter and returns its path. An empty sub writes at the root.
func (w *Writer) WriteDocument(sub, name string, front any, body string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("artifact: document name required")
	}
	dir := w.dir
	if sub != "" {
		dir = filepath.Join(dir, safeName(sub))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("artifact: mkdir %s: %w", dir, err)
	}
	md := strings.TrimSpace(body) + "\n"
	if front != nil {
		fm, err := yaml.Marshal(front)
		if err != nil {
			return "", fmt.Errorf("artifact: front matter: %w", err)
		}
		md = "---\n" + string(fm) + "---\n\n" + md
	}
	path := filepath.Join(dir, safeName(name)+".md")
	if err := writeAtomic(path, []byte(md)); err != nil {
		return "", err
	}
	return path, nil
}

// ReadMetadata loads the JSON sidecar written next to a report.
func ReadMetadata(mdPath string) (*Metadata, error) {
	data, err := os.ReadFile(strings.TrimSuffix(mdPath, ".md") + ".json")
	if err != nil {
		return nil, fmt.Errorf("artifact: read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("artifact: parse metadata: %w", err)
	}
	return &m, nil
}

func writeAtomic(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("artifact: write tmp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("artifact: rename: %w", err)
	}
	return nil
}

// safeName keeps a channel ID usable as a single path element.
func safeName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
