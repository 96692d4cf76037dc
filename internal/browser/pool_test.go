package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/types"
)

func testPoolConfig() *config.Config {
	return &config.Config{
		Headless:           true,
		PoolMin:            1,
		PoolMax:            2,
		PoolTargetIdle:     1,
		PoolIdleGrace:      time.Hour,
		AcquireTimeout:     500 * time.Millisecond,
		WaiterQueueBound:   8,
		HealthInterval:     time.Hour, // quiet by default; tests shorten it
		DrainTimeout:       200 * time.Millisecond,
		LaunchMaxRetries:   1,
		LaunchRetryBackoff: 10 * time.Millisecond,
	}
}

func newTestPool(t *testing.T, cfg *config.Config) (*Pool, *FakeDriver) {
	t.Helper()
	driver := NewFakeDriver()
	pool, err := NewPool(cfg, driver, events.NewBus())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	t.Cleanup(func() { _ = pool.Shutdown(context.Background()) })
	return pool, driver
}

func TestPoolPreWarm(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 2
	cfg.PoolMax = 3

	pool, driver := newTestPool(t, cfg)

	if got := driver.Launches(); got != 2 {
		t.Errorf("expected 2 pre-warm launches, got %d", got)
	}
	stats := pool.Stats()
	if stats.Idle != 2 {
		t.Errorf("expected 2 idle instances, got %d", stats.Idle)
	}
}

func TestAcquireRelease(t *testing.T) {
	pool, _ := newTestPool(t, testPoolConfig())

	lease, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "ctx-1"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if lease.ContextID() != "ctx-1" {
		t.Errorf("expected context id on lease, got %q", lease.ContextID())
	}

	stats := pool.Stats()
	if stats.InUse != 1 {
		t.Errorf("expected 1 in-use instance, got %d", stats.InUse)
	}
	if stats.Acquired != 1 {
		t.Errorf("expected acquired counter 1, got %d", stats.Acquired)
	}

	lease.Release()
	lease.Release() // idempotent

	stats = pool.Stats()
	if stats.InUse != 0 || stats.Idle != 1 {
		t.Errorf("expected instance back to idle, got in_use=%d idle=%d", stats.InUse, stats.Idle)
	}
	if stats.Released != 1 {
		t.Errorf("expected released counter 1 after double release, got %d", stats.Released)
	}
}

func TestAcquireLaunchesUpToMax(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 2
	pool, driver := newTestPool(t, cfg)

	l1, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "c1"})
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	defer l1.Release()

	l2, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "c2"})
	if err != nil {
		t.Fatalf("second acquire should launch a new instance: %v", err)
	}
	defer l2.Release()

	if driver.Launches() < 2 {
		t.Errorf("expected a second launch, got %d", driver.Launches())
	}
	if l1.InstanceID() == l2.InstanceID() {
		t.Error("expected distinct instances for concurrent leases")
	}
}

func TestSaturationDeadlineAndFIFOWake(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 1
	cfg.AcquireTimeout = 300 * time.Millisecond
	pool, _ := newTestPool(t, cfg)

	held, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "holder"})
	if err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}

	// Saturated: a second acquire times out with ResourceExhausted.
	start := time.Now()
	_, err = pool.Acquire(context.Background(), AcquireRequest{ContextID: "blocked"})
	elapsed := time.Since(start)
	if !errors.Is(err, types.ErrAcquireTimeout) {
		t.Fatalf("expected ErrAcquireTimeout, got %v", err)
	}
	if types.KindOf(err) != types.KindResourceExhausted {
		t.Errorf("expected ResourceExhausted kind, got %v", types.KindOf(err))
	}
	if elapsed < 200*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("timeout fired at unexpected elapsed %v", elapsed)
	}

	// Two waiters queue; a release must wake the first in FIFO order.
	type result struct {
		order int
		lease *Lease
		err   error
	}
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		order := i
		go func() {
			defer wg.Done()
			lease, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "waiter"})
			results <- result{order: order, lease: lease, err: err}
		}()
		// Ensure deterministic enqueue order.
		time.Sleep(50 * time.Millisecond)
	}

	held.Release()

	first := <-results
	if first.err != nil {
		t.Fatalf("first waiter failed: %v", first.err)
	}
	if first.order != 0 {
		t.Errorf("expected first-enqueued waiter to wake first, got order %d", first.order)
	}

	first.lease.Release()
	second := <-results
	if second.err != nil {
		t.Fatalf("second waiter failed: %v", second.err)
	}
	second.lease.Release()
	wg.Wait()
}

func TestWaiterQueueBound(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 1
	cfg.WaiterQueueBound = 1
	cfg.AcquireTimeout = 2 * time.Second
	pool, _ := newTestPool(t, cfg)

	held, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "holder"})
	if err != nil {
		t.Fatalf("holder acquire failed: %v", err)
	}
	defer held.Release()

	// Fill the single waiter slot.
	go func() {
		lease, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "queued"})
		if err == nil {
			lease.Release()
		}
	}()
	time.Sleep(50 * time.Millisecond)

	_, err = pool.Acquire(context.Background(), AcquireRequest{ContextID: "rejected"})
	if !errors.Is(err, types.ErrPoolExhausted) {
		t.Fatalf("expected immediate ErrPoolExhausted with full queue, got %v", err)
	}
}

func TestReportCrashDetachesAndReplaces(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 1
	pool, driver := newTestPool(t, cfg)

	var mu sync.Mutex
	var detached []string
	pool.SetDetachFunc(func(ids []string) {
		mu.Lock()
		detached = append(detached, ids...)
		mu.Unlock()
	})

	lease, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "ctx-crash"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	crashed := driver.Instances()[0]
	crashed.Crash()
	pool.ReportCrash(lease.InstanceID(), "test crash")

	mu.Lock()
	got := append([]string(nil), detached...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "ctx-crash" {
		t.Errorf("expected detached context [ctx-crash], got %v", got)
	}
	if !crashed.Closed() {
		t.Error("expected crashed instance to be closed")
	}

	// The pool fell below its minimum, so a replacement must arrive and be
	// acquirable.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Stats().Idle > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	replacement, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "ctx-new"})
	if err != nil {
		t.Fatalf("acquire after crash recovery failed: %v", err)
	}
	if replacement.InstanceID() == lease.InstanceID() {
		t.Error("expected a fresh instance after crash")
	}
	replacement.Release()

	stats := pool.Stats()
	if stats.Crashes != 1 {
		t.Errorf("expected 1 recorded crash, got %d", stats.Crashes)
	}
}

func TestHealthLoopReplacesUnhealthy(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 1
	cfg.HealthInterval = 30 * time.Millisecond
	pool, driver := newTestPool(t, cfg)

	// A hard failure replaces the instance on the next pass.
	driver.Instances()[0].Crash()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Stats().Replaced > 0 && pool.Stats().Idle > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	stats := pool.Stats()
	if stats.Replaced == 0 {
		t.Fatal("expected crashed instance to be replaced by the health loop")
	}
	if stats.Idle == 0 {
		t.Fatal("expected a healthy replacement instance")
	}
	if !driver.Instances()[0].Closed() {
		t.Error("expected the unhealthy instance to be closed")
	}
}

func TestIdleTrim(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 1
	cfg.PoolMax = 3
	cfg.PoolTargetIdle = 1
	cfg.PoolIdleGrace = 10 * time.Millisecond
	cfg.HealthInterval = 30 * time.Millisecond
	pool, _ := newTestPool(t, cfg)

	// Force the pool up to max, then release everything.
	var leases []*Lease
	for i := 0; i < 3; i++ {
		l, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "c"})
		if err != nil {
			t.Fatalf("acquire %d failed: %v", i, err)
		}
		leases = append(leases, l)
	}
	for _, l := range leases {
		l.Release()
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pool.Stats().Idle <= 1 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if idle := pool.Stats().Idle; idle > 1 {
		t.Errorf("expected idle trimmed to target 1, got %d", idle)
	}
}

func TestLaunchRetryBackoff(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 1
	cfg.LaunchMaxRetries = 2

	driver := NewFakeDriver()
	driver.LaunchErr = errors.New("boom")
	driver.LaunchErrCount = 2

	pool, err := NewPool(cfg, driver, events.NewBus())
	if err != nil {
		t.Fatalf("expected launch to succeed after retries, got %v", err)
	}
	defer pool.Shutdown(context.Background())

	if driver.Launches() != 3 {
		t.Errorf("expected 3 launch attempts, got %d", driver.Launches())
	}
}

func TestAcquireAfterShutdown(t *testing.T) {
	pool, driver := newTestPool(t, testPoolConfig())

	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := pool.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown should be a no-op: %v", err)
	}

	if _, err := pool.Acquire(context.Background(), AcquireRequest{}); !errors.Is(err, types.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
	for _, inst := range driver.Instances() {
		if !inst.Closed() {
			t.Error("expected all instances closed after shutdown")
		}
	}
}

func TestPoolEvents(t *testing.T) {
	cfg := testPoolConfig()
	cfg.PoolMin = 0
	cfg.PoolMax = 1

	driver := NewFakeDriver()
	bus := events.NewBus()
	sub := bus.Subscribe("browser.*")
	defer sub.Close()

	pool, err := NewPool(cfg, driver, bus)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	defer pool.Shutdown(context.Background())

	lease, err := pool.Acquire(context.Background(), AcquireRequest{ContextID: "c"})
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer lease.Release()

	select {
	case ev := <-sub.C:
		if ev.Topic != events.TopicBrowserLaunched {
			t.Errorf("expected browser.launched, got %s", ev.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for browser.launched event")
	}
}
