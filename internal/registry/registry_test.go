package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/types"
)

var (
	alice = types.Principal{UserID: "alice"}
	bob   = types.Principal{UserID: "bob"}
	admin = types.Principal{UserID: "root", Roles: []string{"admin"}}
)

func testRegistryConfig() *config.Config {
	return &config.Config{
		SessionTTL:         30 * time.Minute,
		SessionSweepEvery:  0, // sweep manually in tests
		MaxSessions:        100,
		MaxContextsPerSess: 8,
		MaxPagesPerContext: 4,
		DefaultTimeout:     30 * time.Second,
	}
}

func newTestRegistry(t *testing.T, cfg *config.Config) *Registry {
	t.Helper()
	if cfg == nil {
		cfg = testRegistryConfig()
	}
	r := New(cfg, events.NewBus(), nil)
	t.Cleanup(r.Close)
	return r
}

func TestCreateSessionRequiresPrincipal(t *testing.T) {
	r := newTestRegistry(t, nil)
	_, err := r.CreateSession(types.Principal{}, 0, nil)
	if types.KindOf(err) != types.KindUnauthorized {
		t.Errorf("kind = %v, want Unauthorized", types.KindOf(err))
	}
}

func TestSessionLimit(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxSessions = 2
	r := newTestRegistry(t, cfg)

	for i := 0; i < 2; i++ {
		if _, err := r.CreateSession(alice, 0, nil); err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
	}
	_, err := r.CreateSession(alice, 0, nil)
	if types.KindOf(err) != types.KindResourceExhausted {
		t.Errorf("kind = %v, want ResourceExhausted", types.KindOf(err))
	}
	if !errors.Is(err, types.ErrTooManySessions) {
		t.Errorf("err = %v, want ErrTooManySessions", err)
	}
}

func TestSessionAuthorization(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, err := r.CreateSession(alice, 0, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if _, err := r.GetSession(bob, s.ID); types.KindOf(err) != types.KindPermissionDenied {
		t.Errorf("cross-principal kind = %v, want PermissionDenied", types.KindOf(err))
	}
	if _, err := r.GetSession(admin, s.ID); err != nil {
		t.Errorf("admin access: %v", err)
	}
	if err := r.DeleteSession(bob, s.ID); types.KindOf(err) != types.KindPermissionDenied {
		t.Errorf("cross-principal delete kind = %v, want PermissionDenied", types.KindOf(err))
	}
}

func TestSessionExpiryAndSweep(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, err := r.CreateSession(alice, 20*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := r.GetSession(alice, s.ID); !errors.Is(err, types.ErrSessionExpired) {
		t.Errorf("expired get = %v, want ErrSessionExpired", err)
	}

	bus := r.bus
	sub := bus.Subscribe(events.TopicSessionExpired)
	defer sub.Close()

	r.sweepExpired()
	if sessions, _, _ := r.Counts(); sessions != 0 {
		t.Errorf("sessions = %d after sweep, want 0", sessions)
	}
	select {
	case ev := <-sub.C:
		if ev.Payload["session_id"] != s.ID {
			t.Errorf("expired event for %v, want %s", ev.Payload["session_id"], s.ID)
		}
	case <-time.After(time.Second):
		t.Error("no session.expired event")
	}
}

func TestUpdateSessionMetadata(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, _ := r.CreateSession(alice, 0, map[string]string{"env": "test", "job": "crawl"})

	if _, err := r.UpdateSessionMetadata(alice, s.ID, map[string]string{"env": "prod", "job": ""}); err != nil {
		t.Fatalf("UpdateSessionMetadata: %v", err)
	}
	md := s.Snapshot().Metadata
	if md["env"] != "prod" {
		t.Errorf("env = %q, want prod", md["env"])
	}
	if _, ok := md["job"]; ok {
		t.Error("empty patch value should delete the key")
	}
}

func TestExtendSession(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, _ := r.CreateSession(alice, time.Minute, nil)
	before := s.ExpiresAt()

	if _, err := r.ExtendSession(alice, s.ID, time.Hour); err != nil {
		t.Fatalf("ExtendSession: %v", err)
	}
	if !s.ExpiresAt().After(before.Add(30 * time.Minute)) {
		t.Errorf("expiry %v not extended past %v", s.ExpiresAt(), before)
	}
}

func TestListSessionsScoping(t *testing.T) {
	r := newTestRegistry(t, nil)
	r.CreateSession(alice, 0, nil)
	r.CreateSession(alice, 0, nil)
	r.CreateSession(bob, 0, nil)

	got, err := r.ListSessions(alice, ListFilter{})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("alice sees %d sessions, want 2", len(got))
	}

	// The filter cannot widen a non-admin's view.
	got, _ = r.ListSessions(alice, ListFilter{UserID: "bob"})
	if len(got) != 2 {
		t.Errorf("filtered non-admin sees %d sessions, want own 2", len(got))
	}

	got, _ = r.ListSessions(admin, ListFilter{})
	if len(got) != 3 {
		t.Errorf("admin sees %d sessions, want 3", len(got))
	}
	got, _ = r.ListSessions(admin, ListFilter{UserID: "bob"})
	if len(got) != 1 {
		t.Errorf("admin filtered sees %d sessions, want 1", len(got))
	}
}

func TestContextLimitPerSession(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxContextsPerSess = 1
	r := newTestRegistry(t, cfg)
	s, _ := r.CreateSession(alice, 0, nil)

	if _, err := r.CreateContext(alice, s.ID, types.ContextConfig{}); err != nil {
		t.Fatalf("first context: %v", err)
	}
	_, err := r.CreateContext(alice, s.ID, types.ContextConfig{})
	if types.KindOf(err) != types.KindResourceExhausted {
		t.Errorf("kind = %v, want ResourceExhausted", types.KindOf(err))
	}
}

func TestContextDefaultsAndValidation(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, _ := r.CreateSession(alice, 0, nil)

	c, err := r.CreateContext(alice, s.ID, types.ContextConfig{})
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	if c.Config.Viewport.Width != 1280 || c.Config.Viewport.Height != 720 {
		t.Errorf("default viewport = %dx%d, want 1280x720", c.Config.Viewport.Width, c.Config.Viewport.Height)
	}
	if c.Config.DefaultTimeout != 30*time.Second {
		t.Errorf("default timeout = %v, want 30s", c.Config.DefaultTimeout)
	}
	if c.State() != StatePending {
		t.Errorf("state = %v, want PENDING", c.State())
	}

	_, err = r.CreateContext(alice, s.ID, types.ContextConfig{
		Viewport: types.Viewport{Width: 99, Height: 720},
	})
	if types.KindOf(err) != types.KindInvalidArgument {
		t.Errorf("bad viewport kind = %v, want InvalidArgument", types.KindOf(err))
	}
}

func TestPageLimitPerContext(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.MaxPagesPerContext = 2
	r := newTestRegistry(t, cfg)
	s, _ := r.CreateSession(alice, 0, nil)
	c, _ := r.CreateContext(alice, s.ID, types.ContextConfig{})

	for i := 0; i < 2; i++ {
		if _, err := r.CreatePage(alice, c.ID); err != nil {
			t.Fatalf("page %d: %v", i, err)
		}
	}
	_, err := r.CreatePage(alice, c.ID)
	if types.KindOf(err) != types.KindResourceExhausted {
		t.Errorf("kind = %v, want ResourceExhausted", types.KindOf(err))
	}
}

// poolForTest builds a fake-driver pool so cascade tests exercise real leases.
func poolForTest(t *testing.T, cfg *config.Config, bus *events.Bus) *browser.Pool {
	t.Helper()
	cfg.PoolMin = 1
	cfg.PoolMax = 2
	cfg.PoolTargetIdle = 1
	cfg.AcquireTimeout = time.Second
	cfg.HealthInterval = time.Hour
	cfg.DrainTimeout = 200 * time.Millisecond
	cfg.WaiterQueueBound = 8
	cfg.LaunchMaxRetries = 1
	cfg.LaunchRetryBackoff = time.Millisecond

	p, err := browser.NewPool(cfg, browser.NewFakeDriver(), bus)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func TestDeleteSessionCascade(t *testing.T) {
	cfg := testRegistryConfig()
	bus := events.NewBus()
	r := New(cfg, bus, nil)
	t.Cleanup(r.Close)
	pool := poolForTest(t, cfg, bus)

	var released []string
	r.SetOnContextClose(func(id string) { released = append(released, id) })

	s, _ := r.CreateSession(alice, 0, nil)
	c, _ := r.CreateContext(alice, s.ID, types.ContextConfig{})
	pg, _ := r.CreatePage(alice, c.ID)

	lease, err := pool.Acquire(context.Background(), browser.AcquireRequest{ContextID: c.ID})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.BindLease(lease); err != nil {
		t.Fatalf("BindLease: %v", err)
	}
	driverPage, err := lease.Instance().NewPage(context.Background(), browser.PageOptions{})
	if err != nil {
		t.Fatalf("NewPage: %v", err)
	}
	pg.Attach(driverPage)

	if err := r.DeleteSession(alice, s.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	sessions, contexts, pages := r.Counts()
	if sessions != 0 || contexts != 0 || pages != 0 {
		t.Errorf("counts after cascade = %d/%d/%d, want 0/0/0", sessions, contexts, pages)
	}
	if len(released) != 1 || released[0] != c.ID {
		t.Errorf("close hook got %v, want [%s]", released, c.ID)
	}
	if got := pool.Stats().InUse; got != 0 {
		t.Errorf("pool InUse = %d after cascade, want 0", got)
	}
	if c.State() != StateClosed {
		t.Errorf("context state = %v, want CLOSED", c.State())
	}
}

func TestBindLeaseTwiceFails(t *testing.T) {
	cfg := testRegistryConfig()
	bus := events.NewBus()
	r := New(cfg, bus, nil)
	t.Cleanup(r.Close)
	pool := poolForTest(t, cfg, bus)

	s, _ := r.CreateSession(alice, 0, nil)
	c, _ := r.CreateContext(alice, s.ID, types.ContextConfig{})

	lease, err := pool.Acquire(context.Background(), browser.AcquireRequest{ContextID: c.ID})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	if err := c.BindLease(lease); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if c.State() != StateActive {
		t.Errorf("state = %v, want ACTIVE", c.State())
	}
	if err := c.BindLease(lease); err == nil {
		t.Error("second bind should fail")
	}
}

func TestMarkRecovering(t *testing.T) {
	cfg := testRegistryConfig()
	bus := events.NewBus()
	r := New(cfg, bus, nil)
	t.Cleanup(r.Close)
	pool := poolForTest(t, cfg, bus)

	s, _ := r.CreateSession(alice, 0, nil)
	c, _ := r.CreateContext(alice, s.ID, types.ContextConfig{})
	pg, _ := r.CreatePage(alice, c.ID)

	lease, err := pool.Acquire(context.Background(), browser.AcquireRequest{ContextID: c.ID})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := c.BindLease(lease); err != nil {
		t.Fatalf("BindLease: %v", err)
	}
	driverPage, _ := lease.Instance().NewPage(context.Background(), browser.PageOptions{})
	pg.Attach(driverPage)

	sub := bus.Subscribe(events.TopicContextStateChanged)
	defer sub.Close()

	r.MarkRecovering(c.ID)

	if c.State() != StateRecovering {
		t.Errorf("state = %v, want RECOVERING", c.State())
	}
	if c.Lease() != nil {
		t.Error("lease should be dropped")
	}
	if pg.Driver() != nil {
		t.Error("page driver handle should be detached")
	}
	select {
	case ev := <-sub.C:
		if ev.Payload["state"] != string(StateRecovering) {
			t.Errorf("event state = %v, want RECOVERING", ev.Payload["state"])
		}
	case <-time.After(time.Second):
		t.Error("no context.state_changed event")
	}
}

func TestCloseContextRemovesFromSession(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, _ := r.CreateSession(alice, 0, nil)
	c, _ := r.CreateContext(alice, s.ID, types.ContextConfig{})

	if err := r.CloseContext(alice, c.ID); err != nil {
		t.Fatalf("CloseContext: %v", err)
	}
	if _, err := r.GetContext(alice, c.ID); types.KindOf(err) != types.KindNotFound {
		t.Errorf("closed context kind = %v, want NotFound", types.KindOf(err))
	}
	list, _ := r.ListContexts(alice, s.ID)
	if len(list) != 0 {
		t.Errorf("ListContexts = %d entries, want 0", len(list))
	}
}

func TestGetPageAuthorizesThroughContext(t *testing.T) {
	r := newTestRegistry(t, nil)
	s, _ := r.CreateSession(alice, 0, nil)
	c, _ := r.CreateContext(alice, s.ID, types.ContextConfig{})
	pg, _ := r.CreatePage(alice, c.ID)

	if _, _, err := r.GetPage(bob, pg.ID); types.KindOf(err) != types.KindPermissionDenied {
		t.Errorf("cross-principal kind = %v, want PermissionDenied", types.KindOf(err))
	}
	got, gotCtx, err := r.GetPage(alice, pg.ID)
	if err != nil || got.ID != pg.ID || gotCtx.ID != c.ID {
		t.Errorf("GetPage = (%v, %v, %v)", got, gotCtx, err)
	}
}
