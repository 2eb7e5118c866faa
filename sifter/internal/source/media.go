package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
)

// maxMediaBytes caps a single download.
const maxMediaBytes = 50 << 20

// Downloader fetches media over HTTP into a local directory. Files are
// named by a hash of their URL, so repeated downloads reuse the same path.
type Downloader struct {
	dir    string
	client *http.Client
}

// NewDownloader creates a Downloader writing under dir. client may be nil.
func NewDownloader(dir string, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Downloader{dir: dir, client: client}
}

// Fetch downloads rawURL and returns the local path. Network failures and
// 5xx responses wrap SourceUnavailable; other statuses wrap
// MediaUnavailable.
func (d *Downloader) Fetch(ctx context.Context, rawURL string) (string, error) {
	if d.dir == "" {
		return "", fmt.Errorf("%w: no media directory configured", errkind.MediaUnavailable)
	}
	sum := sha256.Sum256([]byte(rawURL))
	base := hex.EncodeToString(sum[:12])
	matches, _ := filepath.Glob(filepath.Join(d.dir, base+"*"))
	for _, m := range matches {
		if !strings.HasSuffix(m, ".tmp") {
			return m, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errkind.MediaUnavailable, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: media %s: %w", errkind.SourceUnavailable, redact(rawURL), err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: media %s: status %d", errkind.SourceUnavailable, redact(rawURL), resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("%w: media %s: status %d", errkind.MediaUnavailable, redact(rawURL), resp.StatusCode)
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %w", errkind.MediaUnavailable, err)
	}
	target := filepath.Join(d.dir, base+mediaExt(rawURL, resp.Header.Get("Content-Type")))
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("%w: %w", errkind.MediaUnavailable, err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxMediaBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > maxMediaBytes {
		err = fmt.Errorf("larger than %d bytes", maxMediaBytes)
	}
	if err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: media %s: %w", errkind.MediaUnavailable, redact(rawURL), err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("%w: %w", errkind.MediaUnavailable, err)
	}
	return target, nil
}

func mediaExt(rawURL, contentType string) string {
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
			return strings.ToLower(ext)
		}
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		if exts, _ := mime.ExtensionsByType(mt); len(exts) > 0 {
			return exts[0]
		}
	}
	return ""
}

// redact drops the path of Bot API file URLs, which embed the bot token.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid url>"
	}
	if strings.HasPrefix(u.Path, "/file/bot") {
		return u.Scheme + "://" + u.Host + "/file/bot<redacted>"
	}
	u.RawQuery = ""
	return u.String()
}

// mediaKindFor classifies a MIME type.
func mediaKindFor(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return MediaVideo
	case mimeType == "":
		return MediaOther
	}
	return MediaDocument
}
