// Package lock arbitrates runs that share the store. A lease is an
// advisory, expiring claim on a scope, renewed by a heartbeat goroutine
// while the owner runs. A lease that stops being renewed goes stale and the
// next acquirer takes it over. A lease held by a process that no longer
// exists on this host is broken at once.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/signalsifter/idgen"
	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

// PlatformPrefix prefixes platform-wide scopes.
const PlatformPrefix = "platform:"

// Job scopes serialize the stages that run across all channels.
const (
	EnrichScope   = "enrich"
	AnalysisScope = "analysis"
)

// ChannelScope is the scope of a single channel.
func ChannelScope(channelID string) string { return "channel:" + channelID }

// PlatformScope is the platform-wide scope of a platform.
func PlatformScope(platform string) string { return PlatformPrefix + strings.ToLower(platform) }

// Config tunes lease lifetime and cross-platform polling.
type Config struct {
	TTL          time.Duration `yaml:"ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
}

func (c *Config) defaults() {
	if c.TTL <= 0 {
		c.TTL = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = 12
	}
}

// Coordinator hands out leases backed by the store.
type Coordinator struct {
	store    *store.Store
	cfg      Config
	logger   *slog.Logger
	ownerID  string
	hostname string
	now      func() time.Time
	alive    func(pid int) bool
}

// New creates a Coordinator. All leases it acquires share one owner id.
func New(s *store.Store, cfg Config, logger *slog.Logger) *Coordinator {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Coordinator{
		store:    s,
		cfg:      cfg,
		logger:   logger,
		ownerID:  idgen.OwnerID(),
		hostname: host,
		now:      time.Now,
		alive:    processAlive,
	}
}

// OwnerID returns the identity written into lease rows.
func (c *Coordinator) OwnerID() string { return c.ownerID }

// Acquire claims scope. A scope held by a live lease yields LockBusy at
// once. A platform scope additionally waits, polling up to MaxPolls times,
// while another platform holds its own platform scope.
func (c *Coordinator) Acquire(ctx context.Context, scope string) (*Lease, error) {
	exclusive := ""
	if strings.HasPrefix(scope, PlatformPrefix) {
		exclusive = PlatformPrefix
	}
	log := c.logger.With("scope", scope)

	for attempt := 0; ; attempt++ {
		now := c.now()
		row := &store.Lease{
			Scope:      scope,
			OwnerID:    c.ownerID,
			Hostname:   c.hostname,
			PID:        os.Getpid(),
			AcquiredAt: now.UnixMilli(),
			RenewedAt:  now.UnixMilli(),
			ExpiresAt:  now.Add(c.cfg.TTL).UnixMilli(),
		}
		ok, blocker, err := c.store.ClaimLease(ctx, row, exclusive)
		if err != nil {
			return nil, err
		}
		if ok {
			log.Debug("lock: acquired")
			l := &Lease{scope: scope, coord: c, stop: make(chan struct{}), done: make(chan struct{})}
			go l.heartbeat()
			return l, nil
		}

		if c.orphaned(blocker) {
			log.Warn("lock: breaking lease of exited process",
				"held_by", blocker.Scope, "owner", blocker.OwnerID, "pid", blocker.PID)
			if err := c.store.ReleaseLease(ctx, blocker.Scope, blocker.OwnerID); err != nil {
				return nil, err
			}
			continue
		}

		crossPlatform := blocker != nil && blocker.Scope != scope
		if !crossPlatform || attempt >= c.cfg.MaxPolls {
			return nil, busyError(scope, blocker)
		}
		log.Info("lock: waiting for other platform", "held_by", blocker.Scope, "attempt", attempt+1)
		if err := sleepCtx(ctx, c.cfg.PollInterval); err != nil {
			return nil, err
		}
	}
}

// AcquireAll claims scopes in order. On failure, the scopes already taken
// are released.
func (c *Coordinator) AcquireAll(ctx context.Context, scopes ...string) (*Set, error) {
	set := &Set{}
	for _, scope := range scopes {
		l, err := c.Acquire(ctx, scope)
		if err != nil {
			set.Release()
			return nil, err
		}
		set.leases = append(set.leases, l)
	}
	return set, nil
}

// orphaned reports whether l was taken by a process of this host that has
// since exited.
func (c *Coordinator) orphaned(l *store.Lease) bool {
	if l == nil || l.Hostname != c.hostname || l.PID <= 0 || l.PID == os.Getpid() {
		return false
	}
	return !c.alive(l.PID)
}

func busyError(scope string, blocker *store.Lease) error {
	if blocker == nil {
		return fmt.Errorf("%w: %s", errkind.LockBusy, scope)
	}
	return fmt.Errorf("%w: %s held by %s (%s) until %s", errkind.LockBusy, scope,
		blocker.OwnerID, blocker.Scope, time.UnixMilli(blocker.ExpiresAt).UTC().Format(time.RFC3339))
}

// Lease is a held scope. Release it on every exit path.
type Lease struct {
	scope string
	coord *Coordinator
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

// Scope returns the leased scope.
func (l *Lease) Scope() string { return l.scope }

// Release stops renewal and deletes the lease row. It uses a detached
// context so a cancelled run still releases. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.coord.store.ReleaseLease(ctx, l.scope, l.coord.ownerID); err != nil {
			l.coord.logger.Error("lock: release failed", "scope", l.scope, "error", err)
			return
		}
		l.coord.logger.Debug("lock: released", "scope", l.scope)
	})
}

func (l *Lease) heartbeat() {
	defer close(l.done)
	ticker := time.NewTicker(l.coord.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := l.coord.now()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := l.coord.store.RenewLease(ctx, l.scope, l.coord.ownerID,
				now.UnixMilli(), now.Add(l.coord.cfg.TTL).UnixMilli())
			cancel()
			if err != nil {
				l.coord.logger.Warn("lock: renew failed", "scope", l.scope, "error", err)
				continue
			}
			if !ok {
				l.coord.logger.Error("lock: lease lost", "scope", l.scope)
				return
			}
		}
	}
}

// Set is a group of leases released together in reverse order.
type Set struct {
	leases []*Lease
}

// Release releases every lease of the set.
func (s *Set) Release() {
	if s == nil {
		return
	}
	for i := len(s.leases) - 1; i >= 0; i-- {
		s.leases[i].Release()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
