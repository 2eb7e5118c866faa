// Package ocr runs the tesseract executable over downloaded images.
package ocr

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Config selects the tesseract binary and its language packs.
type Config struct {
	Binary   string        `yaml:"binary"`
	Language string        `yaml:"language"`
	Timeout  time.Duration `yaml:"timeout"`
}

func (c *Config) defaults() {
	if c.Binary == "" {
		c.Binary = "tesseract"
	}
	if c.Language == "" {
		c.Language = "eng"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
}

// Tesseract extracts text by shelling out to tesseract.
type Tesseract struct {
	cfg Config
}

// New returns a Tesseract runner.
func New(cfg Config) *Tesseract {
	cfg.defaults()
	return &Tesseract{cfg: cfg}
}

// Available reports whether the binary can be found on PATH.
func (t *Tesseract) Available() bool {
	_, err := exec.LookPath(t.cfg.Binary)
	return err == nil
}

// ExtractText returns the text tesseract reads from the image at path,
// with surrounding whitespace trimmed.
func (t *Tesseract) ExtractText(ctx context.Context, path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("ocr: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.cfg.Binary, path, "stdout", "-l", t.cfg.Language)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("ocr: tesseract %s: %w: %s", filepath.Base(path), err, msg)
		}
		return "", fmt.Errorf("ocr: tesseract %s: %w", filepath.Base(path), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".webp": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// IsImage reports whether the file at path is an image, by extension first
// and by sniffing its first bytes otherwise.
func IsImage(path string) bool {
	if imageExts[strings.ToLower(filepath.Ext(path))] {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(head[:n]), "image/")
}
