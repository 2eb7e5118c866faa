// Package browser manages the Chrome instance used to read web clients:
// launch with a persistent profile, connect via Rod, recycle on age or
// memory, and open stealth tabs.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// Config configures the browser manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an already running Chrome.
	// Empty launches a local Chrome.
	RemoteURL string `yaml:"remote_url"`

	// Bin is the Chrome binary. Empty lets the launcher find or fetch one.
	Bin string `yaml:"bin"`

	// UserDataDir holds the profile, and with it the logged-in session.
	UserDataDir string `yaml:"user_data_dir"`

	// Headful shows the window, for the first interactive login.
	Headful bool `yaml:"headful"`

	// MemoryLimit in bytes of JS heap before a recycle. Default: 1GB.
	MemoryLimit int64 `yaml:"memory_limit"`

	// RecycleInterval is the maximum lifetime of a Chrome process. Default: 4h.
	RecycleInterval time.Duration `yaml:"recycle_interval"`

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string `yaml:"resource_blocking"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = 1 << 30
	}
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns one Chrome process. It starts lazily on the first tab.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
	stop    context.CancelFunc
}

// NewManager creates a Manager. Chrome is not started until needed.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// Browser returns a connected browser, launching or recycling Chrome when
// there is none or the current one has outlived RecycleInterval.
func (m *Manager) Browser(ctx context.Context) (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil && time.Since(m.startAt) > m.cfg.RecycleInterval {
		m.cfg.Logger.Info("browser: recycle interval reached", "uptime", time.Since(m.startAt))
		m.cleanup()
	}
	if m.browser != nil {
		return m.browser, nil
	}

	b, err := m.launch()
	if err != nil {
		return nil, err
	}
	m.browser = b
	m.startAt = time.Now()

	monCtx, cancel := context.WithCancel(context.Background())
	m.stop = cancel
	go m.monitorLoop(monCtx, b)
	return b, nil
}

// Close shuts Chrome down. The manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	log := m.cfg.Logger

	wsURL := m.cfg.RemoteURL
	if wsURL != "" {
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().
			Headless(!m.cfg.Headful).
			Set("disable-blink-features", "AutomationControlled")
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		if m.cfg.UserDataDir != "" {
			l = l.UserDataDir(m.cfg.UserDataDir)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		log.Info("browser: launched local chrome", "headful", m.cfg.Headful, "profile", m.cfg.UserDataDir)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

func (m *Manager) cleanup() {
	if m.stop != nil {
		m.stop()
		m.stop = nil
	}
	if m.browser != nil {
		m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		// Kill, not Cleanup: Cleanup would delete the profile directory.
		m.lnch.Kill()
		m.lnch = nil
	}
}

// monitorLoop drops the browser once its JS heap passes MemoryLimit; the
// next Browser call relaunches it.
func (m *Manager) monitorLoop(ctx context.Context, b *rod.Browser) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			used, err := jsHeapUsage(b)
			if err != nil {
				m.cfg.Logger.Debug("browser: heap check failed", "error", err)
				continue
			}
			if used <= m.cfg.MemoryLimit {
				continue
			}
			m.cfg.Logger.Info("browser: memory limit exceeded", "used", used, "limit", m.cfg.MemoryLimit)
			m.mu.Lock()
			if m.browser == b {
				m.cleanup()
			}
			m.mu.Unlock()
			return
		}
	}
}

// jsHeapUsage reads the JS heap of the first open page.
func jsHeapUsage(b *rod.Browser) (int64, error) {
	pages, err := b.Pages()
	if err != nil || len(pages) == 0 {
		return 0, fmt.Errorf("no pages for heap check")
	}
	res, err := pages[0].Eval(`() => performance.memory ? performance.memory.usedJSHeapSize : 0`)
	if err != nil {
		return 0, err
	}
	return int64(res.Value.Int()), nil
}
