package proxy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/types"
)

const twoProxyPool = `proxies:
  - id: p1
    protocol: http
    host: p1.example.com
    port: 8080
    priority: 10
  - id: p2
    protocol: http
    host: p2.example.com
    port: 8080
    priority: 5
`

func writePoolFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing pool file: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, poolYAML, strategy string) *Manager {
	t.Helper()
	cfg := &config.Config{
		ProxyPoolPath:     writePoolFile(t, poolYAML),
		ProxyStrategy:     strategy,
		FailoverThreshold: 3,
		AllowLocalProxies: true,
	}
	m, err := NewManager(cfg, events.NewBus())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestLoadPoolFile(t *testing.T) {
	t.Run("defaults missing ids to addr", func(t *testing.T) {
		path := writePoolFile(t, `proxies:
  - protocol: http
    host: 10.0.0.1
    port: 3128
`)
		eps, err := loadPoolFile(path)
		if err != nil {
			t.Fatalf("loadPoolFile: %v", err)
		}
		if len(eps) != 1 || eps[0].ID != "10.0.0.1:3128" {
			t.Errorf("got %+v, want single endpoint with id 10.0.0.1:3128", eps)
		}
		if !eps[0].Healthy {
			t.Error("loaded endpoint should start healthy")
		}
	})

	t.Run("rejects duplicate ids", func(t *testing.T) {
		path := writePoolFile(t, `proxies:
  - id: dup
    protocol: http
    host: a.example.com
    port: 8080
  - id: dup
    protocol: http
    host: b.example.com
    port: 8080
`)
		if _, err := loadPoolFile(path); err == nil {
			t.Error("expected duplicate id error")
		}
	})

	t.Run("rejects bad protocol", func(t *testing.T) {
		path := writePoolFile(t, `proxies:
  - id: bad
    protocol: ftp
    host: a.example.com
    port: 21
`)
		if _, err := loadPoolFile(path); err == nil {
			t.Error("expected protocol error")
		}
	})
}

func TestDisabledPolicyGetsNoProxy(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "round-robin")

	// No policy configured at all.
	ep, err := m.GetProxyForURL("https://example.com/", "ctx-1")
	if err != nil || ep != nil {
		t.Errorf("no policy: got (%v, %v), want (nil, nil)", ep, err)
	}

	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: false})
	ep, err = m.GetProxyForURL("https://example.com/", "ctx-1")
	if err != nil || ep != nil {
		t.Errorf("disabled policy: got (%v, %v), want (nil, nil)", ep, err)
	}
}

func TestStickyAssignment(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "round-robin")
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true})

	first, err := m.GetProxyForURL("https://example.com/", "ctx-1")
	if err != nil || first == nil {
		t.Fatalf("first lookup: (%v, %v)", first, err)
	}
	for i := 0; i < 5; i++ {
		ep, err := m.GetProxyForURL("https://example.org/page", "ctx-1")
		if err != nil || ep == nil || ep.ID != first.ID {
			t.Fatalf("lookup %d: got (%v, %v), want sticky %s", i, ep, err, first.ID)
		}
	}
}

func TestRoundRobinSpreadsContexts(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "round-robin")
	m.ConfigureContextProxy("ctx-a", types.ProxyPolicy{Enabled: true})
	m.ConfigureContextProxy("ctx-b", types.ProxyPolicy{Enabled: true})

	a, _ := m.GetProxyForURL("https://example.com/", "ctx-a")
	b, _ := m.GetProxyForURL("https://example.com/", "ctx-b")
	if a == nil || b == nil {
		t.Fatalf("lookups returned nil: %v %v", a, b)
	}
	if a.ID == b.ID {
		t.Errorf("round-robin assigned both contexts to %s", a.ID)
	}
}

func TestPriorityStrategy(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "priority")
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true})

	ep, err := m.GetProxyForURL("https://example.com/", "ctx-1")
	if err != nil || ep == nil {
		t.Fatalf("lookup: (%v, %v)", ep, err)
	}
	if ep.ID != "p1" {
		t.Errorf("got %s, want highest-priority p1", ep.ID)
	}
}

func TestLeastFailuresStrategy(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "least-failures")
	// One failure on p1, below the failover threshold.
	m.ReportFailure("p1", errors.New("connect timeout"))

	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true})
	ep, err := m.GetProxyForURL("https://example.com/", "ctx-1")
	if err != nil || ep == nil {
		t.Fatalf("lookup: (%v, %v)", ep, err)
	}
	if ep.ID != "p2" {
		t.Errorf("got %s, want p2 with fewer failures", ep.ID)
	}
}

func TestTagFiltering(t *testing.T) {
	m := newTestManager(t, `proxies:
  - id: eu
    protocol: http
    host: eu.example.com
    port: 8080
    tags: [eu, residential]
  - id: us
    protocol: http
    host: us.example.com
    port: 8080
    tags: [us]
`, "round-robin")
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true, Tags: []string{"eu"}})

	for i := 0; i < 3; i++ {
		ep, err := m.GetProxyForURL("https://example.com/", "ctx-1")
		if err != nil || ep == nil || ep.ID != "eu" {
			t.Fatalf("lookup %d: got (%v, %v), want eu", i, ep, err)
		}
	}
}

func TestBypassPatterns(t *testing.T) {
	m := newTestManager(t, `proxies:
  - id: p1
    protocol: http
    host: p1.example.com
    port: 8080
    bypass: ["*.internal", "10.0.0.0/8"]
`, "round-robin")
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true})

	tests := []struct {
		url       string
		wantProxy bool
	}{
		{"https://example.com/", true},
		{"https://db.internal/", false},
		{"http://10.1.2.3:9000/health", false},
		{"http://11.1.2.3/", true},
	}
	for _, tt := range tests {
		ep, err := m.GetProxyForURL(tt.url, "ctx-1")
		if err != nil {
			t.Errorf("GetProxyForURL(%q): %v", tt.url, err)
			continue
		}
		if (ep != nil) != tt.wantProxy {
			t.Errorf("GetProxyForURL(%q) proxy=%v, want %v", tt.url, ep != nil, tt.wantProxy)
		}
	}
}

func TestFailoverRotatesStickyContext(t *testing.T) {
	// Priority strategy makes the initial pick deterministic (p1).
	m := newTestManager(t, twoProxyPool, "priority")
	sub := m.bus.Subscribe("proxy.*")
	defer sub.Close()

	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true})
	ep, _ := m.GetProxyForURL("https://example.com/", "ctx-1")
	if ep == nil || ep.ID != "p1" {
		t.Fatalf("initial assignment = %v, want p1", ep)
	}

	// Threshold is 3: two failures keep p1 healthy and assigned.
	m.ReportFailure("p1", errors.New("502"))
	m.ReportFailure("p1", errors.New("502"))
	ep, _ = m.GetProxyForURL("https://example.com/", "ctx-1")
	if ep == nil || ep.ID != "p1" {
		t.Fatalf("below threshold: got %v, want p1", ep)
	}

	m.ReportFailure("p1", errors.New("502"))
	ep, err := m.GetProxyForURL("https://example.com/", "ctx-1")
	if err != nil || ep == nil || ep.ID != "p2" {
		t.Fatalf("after failover: got (%v, %v), want p2", ep, err)
	}

	// Re-admission does not move the context back.
	m.ReportSuccess("p1")
	ep, _ = m.GetProxyForURL("https://example.com/", "ctx-1")
	if ep == nil || ep.ID != "p2" {
		t.Errorf("after re-admission: got %v, want sticky p2", ep)
	}

	var sawUnhealthy, sawRotated bool
	for done := false; !done; {
		select {
		case ev := <-sub.C:
			switch ev.Topic {
			case events.TopicProxyUnhealthy:
				sawUnhealthy = true
			case events.TopicProxyRotated:
				sawRotated = true
			}
		case <-time.After(200 * time.Millisecond):
			done = true
		}
		if sawUnhealthy && sawRotated {
			break
		}
	}
	if !sawUnhealthy || !sawRotated {
		t.Errorf("events: unhealthy=%v rotated=%v, want both", sawUnhealthy, sawRotated)
	}
}

func TestRotateOnError(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "priority")
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true, RotateOnError: true})

	ep, _ := m.GetProxyForURL("https://example.com/", "ctx-1")
	if ep == nil || ep.ID != "p1" {
		t.Fatalf("initial assignment = %v, want p1", ep)
	}

	// A single failure stays below the failover threshold but still
	// rotates this context on its next lookup.
	m.ReportFailure("p1", errors.New("tunnel failed"))
	ep, err := m.GetProxyForURL("https://example.com/", "ctx-1")
	if err != nil || ep == nil || ep.ID != "p2" {
		t.Fatalf("after error: got (%v, %v), want p2", ep, err)
	}

	stats := m.Stats()
	if stats.Rotations != 1 {
		t.Errorf("Rotations = %d, want 1", stats.Rotations)
	}
}

func TestRotationInterval(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "round-robin")
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{
		Enabled:          true,
		RotationInterval: 10 * time.Millisecond,
	})

	first, _ := m.GetProxyForURL("https://example.com/", "ctx-1")
	if first == nil {
		t.Fatal("initial lookup returned nil")
	}
	time.Sleep(25 * time.Millisecond)
	second, err := m.GetProxyForURL("https://example.com/", "ctx-1")
	if err != nil || second == nil {
		t.Fatalf("second lookup: (%v, %v)", second, err)
	}
	if second.ID == first.ID {
		t.Errorf("interval rotation kept %s", first.ID)
	}
}

func TestNoHealthyEndpoint(t *testing.T) {
	m := newTestManager(t, `proxies:
  - id: p1
    protocol: http
    host: p1.example.com
    port: 8080
`, "round-robin")
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true})

	m.ReportFailure("p1", errors.New("down"))
	m.ReportFailure("p1", errors.New("down"))
	m.ReportFailure("p1", errors.New("down"))

	_, err := m.GetProxyForURL("https://example.com/", "ctx-1")
	if types.KindOf(err) != types.KindUpstreamProxyFailure {
		t.Errorf("kind = %v, want UpstreamProxyFailure", types.KindOf(err))
	}
}

func TestReleaseContext(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "round-robin")
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true})

	if ep, _ := m.GetProxyForURL("https://example.com/", "ctx-1"); ep == nil {
		t.Fatal("lookup returned nil")
	}
	m.ReleaseContext("ctx-1")

	if got := m.Stats().Assignments; got != 0 {
		t.Errorf("Assignments = %d after release, want 0", got)
	}
	// Policy is gone too, so the next lookup assigns nothing.
	if ep, _ := m.GetProxyForURL("https://example.com/", "ctx-1"); ep != nil {
		t.Errorf("lookup after release = %v, want nil", ep)
	}
}

func TestReloadPreservesHealthState(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "round-robin")

	m.ReportFailure("p1", errors.New("down"))
	m.ReportFailure("p1", errors.New("down"))
	m.ReportFailure("p1", errors.New("down"))

	// Rewrite the pool: keep p1, replace p2 with p3.
	if err := os.WriteFile(m.cfg.ProxyPoolPath, []byte(`proxies:
  - id: p1
    protocol: http
    host: p1.example.com
    port: 8080
  - id: p3
    protocol: socks5
    host: p3.example.com
    port: 1080
`), 0o644); err != nil {
		t.Fatalf("rewriting pool file: %v", err)
	}
	if err := m.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	stats := m.Stats()
	if len(stats.Endpoints) != 2 {
		t.Fatalf("endpoints = %d, want 2", len(stats.Endpoints))
	}
	for _, ep := range stats.Endpoints {
		switch ep.ID {
		case "p1":
			if ep.Healthy {
				t.Error("p1 should stay unhealthy across reload")
			}
			if ep.ConsecutiveFailures != 3 {
				t.Errorf("p1 ConsecutiveFailures = %d, want 3", ep.ConsecutiveFailures)
			}
		case "p3":
			if !ep.Healthy {
				t.Error("p3 should start healthy")
			}
		default:
			t.Errorf("unexpected endpoint %s", ep.ID)
		}
	}
}

func TestProbeReAdmitsEndpoint(t *testing.T) {
	m := newTestManager(t, twoProxyPool, "round-robin")
	m.probeFn = func(e *Endpoint) (time.Duration, error) {
		return 20 * time.Millisecond, nil
	}

	m.ReportFailure("p1", errors.New("down"))
	m.ReportFailure("p1", errors.New("down"))
	m.ReportFailure("p1", errors.New("down"))
	if m.Stats().Healthy != 1 {
		t.Fatalf("Healthy = %d before probe, want 1", m.Stats().Healthy)
	}

	m.probeAll()

	stats := m.Stats()
	if stats.Healthy != 2 {
		t.Errorf("Healthy = %d after probe, want 2", stats.Healthy)
	}
	for _, ep := range stats.Endpoints {
		if ep.LatencyEWMA == 0 {
			t.Errorf("endpoint %s has no latency sample", ep.ID)
		}
	}
}

func TestEmptyPoolManager(t *testing.T) {
	cfg := &config.Config{}
	m, err := NewManager(cfg, events.NewBus())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()

	if m.Enabled() {
		t.Error("manager with no pool should be disabled")
	}
	m.ConfigureContextProxy("ctx-1", types.ProxyPolicy{Enabled: true})
	if ep, err := m.GetProxyForURL("https://example.com/", "ctx-1"); ep != nil || err != nil {
		t.Errorf("empty pool lookup: got (%v, %v), want (nil, nil)", ep, err)
	}
}
