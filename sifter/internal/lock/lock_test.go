package lock

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/signalsifter/dbopen"
	"github.com/hazyhaar/signalsifter/sifter/internal/errkind"
	"github.com/hazyhaar/signalsifter/sifter/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.NewStore(dbopen.OpenMemory(t, dbopen.WithSchema(store.Schema)))
}

func TestAcquire_BusyThenRelease(t *testing.T) {
	// WHAT: A second coordinator gets LockBusy until the first releases.
	// WHY: Two runs must not work the same channel concurrently.
	s := newTestStore(t)
	ctx := context.Background()
	a := New(s, Config{}, nil)
	b := New(s, Config{}, nil)

	la, err := a.Acquire(ctx, ChannelScope("ch_1"))
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := b.Acquire(ctx, ChannelScope("ch_1")); !errors.Is(err, errkind.LockBusy) {
		t.Fatalf("second acquire: got %v, want LockBusy", err)
	}
	la.Release()
	la.Release()

	lb, err := b.Acquire(ctx, ChannelScope("ch_1"))
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	lb.Release()
}

func TestAcquire_StaleLeaseReclaimed(t *testing.T) {
	// WHAT: A lease whose holder stopped renewing is taken over.
	// WHY: A crashed run must not block its channel forever.
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Hour).UnixMilli()
	dead := &store.Lease{Scope: "enrich", OwnerID: "gone:1:x", AcquiredAt: past, RenewedAt: past, ExpiresAt: past + 1000}
	if ok, _, err := s.ClaimLease(ctx, dead, ""); !ok || err != nil {
		t.Fatalf("seed stale lease: %v %v", ok, err)
	}

	c := New(s, Config{}, nil)
	l, err := c.Acquire(ctx, "enrich")
	if err != nil {
		t.Fatalf("acquire stale scope: %v", err)
	}
	defer l.Release()
	got, _ := s.GetLease(ctx, "enrich")
	if got.OwnerID != c.OwnerID() {
		t.Fatalf("owner: got %q, want %q", got.OwnerID, c.OwnerID())
	}
}

func TestAcquire_CrossPlatformGivesUp(t *testing.T) {
	// WHAT: A platform scope polls a bounded number of times, then reports LockBusy.
	// WHY: Independent platform jobs must not contend for the store, nor wait forever.
	s := newTestStore(t)
	ctx := context.Background()
	tg := New(s, Config{}, nil)
	held, err := tg.Acquire(ctx, PlatformScope("telegram"))
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	dc := New(s, Config{PollInterval: 5 * time.Millisecond, MaxPolls: 3}, nil)
	start := time.Now()
	_, err = dc.Acquire(ctx, PlatformScope("discord"))
	if !errors.Is(err, errkind.LockBusy) {
		t.Fatalf("got %v, want LockBusy", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Error("gave up without polling")
	}
}

func TestAcquire_CrossPlatformWaitsForRelease(t *testing.T) {
	// WHAT: The waiting platform acquires once the other platform releases.
	// WHY: Polling is a wait, not an immediate failure.
	s := newTestStore(t)
	ctx := context.Background()
	tg := New(s, Config{}, nil)
	held, err := tg.Acquire(ctx, PlatformScope("telegram"))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		held.Release()
	}()

	dc := New(s, Config{PollInterval: 10 * time.Millisecond, MaxPolls: 50}, nil)
	l, err := dc.Acquire(ctx, PlatformScope("discord"))
	if err != nil {
		t.Fatalf("acquire after wait: %v", err)
	}
	l.Release()
}

func TestAcquireAll_RollsBack(t *testing.T) {
	// WHAT: When a later scope is busy, earlier scopes of the set are released.
	// WHY: A failed multi-scope acquire must not leak leases.
	s := newTestStore(t)
	ctx := context.Background()
	other := New(s, Config{}, nil)
	held, _ := other.Acquire(ctx, "analysis")
	defer held.Release()

	c := New(s, Config{}, nil)
	if _, err := c.AcquireAll(ctx, ChannelScope("ch_1"), "analysis"); !errors.Is(err, errkind.LockBusy) {
		t.Fatalf("got %v, want LockBusy", err)
	}
	if l, _ := s.GetLease(ctx, ChannelScope("ch_1")); l != nil {
		t.Fatalf("channel lease leaked: %+v", l)
	}
}

func TestHeartbeat_Renews(t *testing.T) {
	// WHAT: A held lease's expiry moves forward while the owner runs.
	// WHY: Long runs must not look stale to other acquirers.
	s := newTestStore(t)
	ctx := context.Background()
	c := New(s, Config{TTL: 30 * time.Millisecond}, nil)
	l, err := c.Acquire(ctx, "enrich")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()
	first, _ := s.GetLease(ctx, "enrich")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		cur, _ := s.GetLease(ctx, "enrich")
		if cur != nil && cur.ExpiresAt > first.ExpiresAt {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("lease was never renewed")
}

func exitedPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	if err := cmd.Run(); err != nil {
		t.Fatalf("run helper process: %v", err)
	}
	return cmd.ProcessState.Pid()
}

func TestAcquire_ExitedHolderBroken(t *testing.T) {
	// WHAT: A live-by-TTL lease whose same-host holder process has exited is taken over at once.
	// WHY: A killed run would otherwise block its scope until the TTL runs out.
	s := newTestStore(t)
	ctx := context.Background()
	host, _ := os.Hostname()
	now := time.Now().UnixMilli()
	orphan := &store.Lease{Scope: ChannelScope("ch_1"), OwnerID: "dead:1:x", Hostname: host, PID: exitedPID(t),
		AcquiredAt: now, RenewedAt: now, ExpiresAt: now + time.Hour.Milliseconds()}
	if ok, _, err := s.ClaimLease(ctx, orphan, ""); !ok || err != nil {
		t.Fatalf("seed lease: %v %v", ok, err)
	}

	c := New(s, Config{}, nil)
	if c.alive(orphan.PID) {
		t.Skip("helper pid already reused")
	}
	l, err := c.Acquire(ctx, ChannelScope("ch_1"))
	if err != nil {
		t.Fatalf("acquire over exited holder: %v", err)
	}
	defer l.Release()
	if got, _ := s.GetLease(ctx, ChannelScope("ch_1")); got.OwnerID != c.OwnerID() {
		t.Fatalf("owner: got %q", got.OwnerID)
	}
}

func TestAcquire_LiveOrRemoteHolderKept(t *testing.T) {
	// WHAT: A lease of a running process, or of a process on another host, still yields LockBusy.
	// WHY: Liveness can only be checked for local processes.
	s := newTestStore(t)
	ctx := context.Background()
	host, _ := os.Hostname()
	now := time.Now().UnixMilli()
	expires := now + time.Hour.Milliseconds()
	seeds := []*store.Lease{
		{Scope: "enrich", OwnerID: "parent:1:x", Hostname: host, PID: os.Getppid(), AcquiredAt: now, RenewedAt: now, ExpiresAt: expires},
		{Scope: "analysis", OwnerID: "remote:1:x", Hostname: host + "-elsewhere", PID: exitedPID(t), AcquiredAt: now, RenewedAt: now, ExpiresAt: expires},
	}
	c := New(s, Config{}, nil)
	for _, seed := range seeds {
		if ok, _, err := s.ClaimLease(ctx, seed, ""); !ok || err != nil {
			t.Fatalf("seed %s: %v %v", seed.Scope, ok, err)
		}
		if _, err := c.Acquire(ctx, seed.Scope); !errors.Is(err, errkind.LockBusy) {
			t.Errorf("%s: got %v, want LockBusy", seed.Scope, err)
		}
	}
}
