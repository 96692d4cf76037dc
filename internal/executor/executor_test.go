package executor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/proxy"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/types"
)

var alice = types.Principal{UserID: "alice"}

func testExecConfig() *config.Config {
	return &config.Config{
		PoolMin:            1,
		PoolMax:            2,
		PoolTargetIdle:     1,
		AcquireTimeout:     time.Second,
		WaiterQueueBound:   8,
		HealthInterval:     time.Hour,
		DrainTimeout:       200 * time.Millisecond,
		LaunchMaxRetries:   1,
		LaunchRetryBackoff: time.Millisecond,

		SessionTTL:         30 * time.Minute,
		MaxSessions:        100,
		MaxContextsPerSess: 8,
		MaxPagesPerContext: 8,

		DefaultTimeout: 2 * time.Second,
		MaxActionTime:  5 * time.Second,
		HistorySize:    100,
		BatchParallel:  4,
	}
}

type execFixture struct {
	cfg    *config.Config
	bus    *events.Bus
	reg    *registry.Registry
	pool   *browser.Pool
	driver *browser.FakeDriver
	exec   *Executor
	ctxID  string
}

func newFixture(t *testing.T, cfg *config.Config, pm *proxy.Manager, ccfg types.ContextConfig) *execFixture {
	t.Helper()
	if cfg == nil {
		cfg = testExecConfig()
	}
	bus := events.NewBus()
	reg := registry.New(cfg, bus, nil)
	t.Cleanup(reg.Close)

	driver := browser.NewFakeDriver()
	pool, err := browser.NewPool(cfg, driver, bus)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pool.Shutdown(ctx)
	})

	exec := New(cfg, reg, pool, pm, bus)
	t.Cleanup(exec.Close)

	s, err := reg.CreateSession(alice, 0, nil)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	c, err := reg.CreateContext(alice, s.ID, ccfg)
	if err != nil {
		t.Fatalf("CreateContext: %v", err)
	}
	return &execFixture{cfg: cfg, bus: bus, reg: reg, pool: pool, driver: driver, exec: exec, ctxID: c.ID}
}

func (f *execFixture) navigate(t *testing.T, url string) *Result {
	t.Helper()
	res, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionNavigate, URL: url})
	if err != nil {
		t.Fatalf("navigate %s: %v", url, err)
	}
	return res
}

func TestNavigateCreatesPageAndBinds(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})

	res := f.navigate(t, "https://example.com")
	if res.FinalURL != "https://example.com/" {
		t.Errorf("FinalURL = %q, want https://example.com/", res.FinalURL)
	}
	if res.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
	if res.PageID == "" {
		t.Error("navigate should auto-create a page")
	}

	c, _ := f.reg.GetContext(alice, f.ctxID)
	if c.State() != registry.StateActive {
		t.Errorf("context state = %v, want ACTIVE", c.State())
	}
	if got := f.pool.Stats().InUse; got != 1 {
		t.Errorf("pool InUse = %d, want 1", got)
	}
}

func TestNonNavigateWithoutPage(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})

	_, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionContent})
	if !errors.Is(err, types.ErrPageNotFound) {
		t.Errorf("err = %v, want ErrPageNotFound", err)
	}
}

func TestUnknownActionRejected(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})

	_, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: "teleport"})
	if types.KindOf(err) != types.KindInvalidArgument {
		t.Errorf("kind = %v, want InvalidArgument", types.KindOf(err))
	}
	if !errors.Is(err, types.ErrUnsupportedAction) {
		t.Errorf("err = %v, want ErrUnsupportedAction", err)
	}
}

func TestCrossPrincipalExecuteDenied(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})

	_, err := f.exec.Execute(context.Background(), types.Principal{UserID: "mallory"}, f.ctxID,
		&types.Action{Type: types.ActionNavigate, URL: "https://example.com"})
	if types.KindOf(err) != types.KindPermissionDenied {
		t.Errorf("kind = %v, want PermissionDenied", types.KindOf(err))
	}
}

func TestNavigateURLPolicy(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})

	// Exactly at the length cap passes; one past fails.
	base := "https://example.com/"
	ok := base + strings.Repeat("a", types.MaxURLLength-len(base))
	f.navigate(t, ok)

	_, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionNavigate, URL: ok + "a"})
	if types.KindOf(err) != types.KindInvalidArgument {
		t.Errorf("over-length kind = %v, want InvalidArgument", types.KindOf(err))
	}

	tests := []struct {
		url  string
		kind types.Kind
	}{
		{"http://169.254.169.254/latest/meta-data/", types.KindBlockedByPolicy},
		{"http://localhost:8080/", types.KindBlockedByPolicy},
		{"ftp://example.com/", types.KindBlockedByPolicy},
		{"https://example.com/login?redirect=https://evil.example/", types.KindBlockedByPolicy},
	}
	for _, tt := range tests {
		_, err := f.exec.Execute(context.Background(), alice, f.ctxID,
			&types.Action{Type: types.ActionNavigate, URL: tt.url})
		if types.KindOf(err) != tt.kind {
			t.Errorf("navigate(%q) kind = %v, want %v", tt.url, types.KindOf(err), tt.kind)
		}
	}
}

func TestEvaluateScriptPolicy(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})
	f.navigate(t, "https://example.com")

	_, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionEvaluate, Code: "eval('alert(1)')"})
	if types.KindOf(err) != types.KindBlockedByPolicy {
		t.Fatalf("kind = %v, want BlockedByPolicy", types.KindOf(err))
	}

	// The rejection is recorded with its kind.
	recs, err := f.exec.History(alice, f.ctxID, 1)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 || recs[0].OK || recs[0].Kind != types.KindBlockedByPolicy {
		t.Errorf("history head = %+v, want failed BlockedByPolicy record", recs)
	}
	if recs[0].Params["code"] != "[REDACTED]" {
		t.Errorf("code param = %v, want [REDACTED]", recs[0].Params["code"])
	}
}

func TestEvaluateReturnsValue(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})
	res := f.navigate(t, "https://example.com")

	p, _, err := f.reg.GetPage(alice, res.PageID)
	if err != nil {
		t.Fatalf("GetPage: %v", err)
	}
	p.Driver().(*browser.FakePage).EvalResult = 42

	got, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionEvaluate, Code: "1 + 41"})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got.Value != 42 {
		t.Errorf("Value = %v, want 42", got.Value)
	}
}

func TestHistoryNavigate(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})
	f.navigate(t, "https://example.com")
	f.navigate(t, "https://example.org")

	// Forward at the top of the stack fails before touching the driver.
	_, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionHistoryNavigate, Direction: "forward"})
	if !errors.Is(err, types.ErrNoHistory) {
		t.Errorf("forward err = %v, want ErrNoHistory", err)
	}

	res, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionHistoryNavigate, Direction: "back"})
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	if res.History == nil || res.History.Index != 1 {
		t.Errorf("history state = %+v, want index 1", res.History)
	}

	if _, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionHistoryNavigate, Direction: "refresh"}); err != nil {
		t.Errorf("refresh: %v", err)
	}
}

func TestWaitDurationRespectsTimeout(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})
	f.navigate(t, "https://example.com")

	start := time.Now()
	_, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionWait, DurationMs: 5000, TimeoutMs: 50})
	if types.KindOf(err) != types.KindTimeout {
		t.Errorf("kind = %v, want Timeout", types.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("wait took %v, deadline not applied", elapsed)
	}
}

func TestCookieRoundTrip(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})
	f.navigate(t, "https://example.com")

	ctx := context.Background()
	if _, err := f.exec.Execute(ctx, alice, f.ctxID, &types.Action{
		Type:     types.ActionCookie,
		CookieOp: "set",
		Cookies:  []types.Cookie{{Name: "sid", Value: "abc"}, {Name: "theme", Value: "dark"}},
	}); err != nil {
		t.Fatalf("set: %v", err)
	}

	res, err := f.exec.Execute(ctx, alice, f.ctxID,
		&types.Action{Type: types.ActionCookie, CookieOp: "get"})
	if err != nil || len(res.Cookies) != 2 {
		t.Fatalf("get = (%v, %v), want 2 cookies", res, err)
	}

	if _, err := f.exec.Execute(ctx, alice, f.ctxID,
		&types.Action{Type: types.ActionCookie, CookieOp: "delete", Name: "sid"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	res, _ = f.exec.Execute(ctx, alice, f.ctxID,
		&types.Action{Type: types.ActionCookie, CookieOp: "get"})
	if len(res.Cookies) != 1 || res.Cookies[0].Name != "theme" {
		t.Errorf("after delete = %v, want only theme", res.Cookies)
	}

	// SameSite=None without Secure is rejected at validation.
	_, err = f.exec.Execute(ctx, alice, f.ctxID, &types.Action{
		Type:     types.ActionCookie,
		CookieOp: "set",
		Cookies:  []types.Cookie{{Name: "x", Value: "1", SameSite: "None"}},
	})
	if types.KindOf(err) != types.KindInvalidArgument {
		t.Errorf("kind = %v, want InvalidArgument", types.KindOf(err))
	}
}

func TestUploadPrefixEnforced(t *testing.T) {
	cfg := testExecConfig()
	cfg.UploadDir = t.TempDir()
	f := newFixture(t, cfg, nil, types.ContextConfig{})
	f.navigate(t, "https://example.com")

	_, err := f.exec.Execute(context.Background(), alice, f.ctxID, &types.Action{
		Type: types.ActionUpload, Selector: "#file", FilePath: "/etc/passwd",
	})
	if types.KindOf(err) != types.KindBlockedByPolicy {
		t.Errorf("outside prefix kind = %v, want BlockedByPolicy", types.KindOf(err))
	}

	path := filepath.Join(cfg.UploadDir, "doc.pdf")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := f.exec.Execute(context.Background(), alice, f.ctxID, &types.Action{
		Type: types.ActionUpload, Selector: "#file", FilePath: path,
	}); err != nil {
		t.Errorf("inside prefix: %v", err)
	}
}

func TestHistoryRingBounded(t *testing.T) {
	cfg := testExecConfig()
	cfg.HistorySize = 3
	f := newFixture(t, cfg, nil, types.ContextConfig{})
	f.navigate(t, "https://example.com")

	for i := 0; i < 4; i++ {
		if _, err := f.exec.Execute(context.Background(), alice, f.ctxID,
			&types.Action{Type: types.ActionContent}); err != nil {
			t.Fatalf("content %d: %v", i, err)
		}
	}

	recs, _ := f.exec.History(alice, f.ctxID, 0)
	if len(recs) != 3 {
		t.Fatalf("ring holds %d records, want 3", len(recs))
	}
	for _, r := range recs {
		if r.Type != types.ActionContent {
			t.Errorf("oldest records should be evicted, found %s", r.Type)
		}
	}

	m, err := f.exec.Metrics(alice, f.ctxID)
	if err != nil {
		t.Fatalf("Metrics: %v", err)
	}
	if m.Total != 5 || m.Succeeded != 5 {
		t.Errorf("Total/Succeeded = %d/%d, want 5/5 (counters outlive the ring)", m.Total, m.Succeeded)
	}
	if m.ByType[types.ActionNavigate] != 1 || m.ByType[types.ActionContent] != 4 {
		t.Errorf("ByType = %v", m.ByType)
	}
	if m.MinDuration < 0 || m.P95Duration < m.MinDuration || m.MaxDuration < m.P95Duration {
		t.Errorf("duration ordering violated: %+v", m)
	}
}

func TestBatchSizeCap(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})

	actions := make([]types.Action, types.MaxBatchSize+1)
	for i := range actions {
		actions[i] = types.Action{Type: types.ActionContent}
	}
	_, err := f.exec.ExecuteBatch(context.Background(), alice, f.ctxID, actions, BatchOptions{StopOnError: true})
	if !errors.Is(err, types.ErrBatchTooLarge) {
		t.Errorf("err = %v, want ErrBatchTooLarge", err)
	}
}

func TestBatchStopOnError(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})

	actions := []types.Action{
		{Type: types.ActionNavigate, URL: "https://example.com"},
		{Type: types.ActionClick}, // missing selector
		{Type: types.ActionContent},
	}

	items, err := f.exec.ExecuteBatch(context.Background(), alice, f.ctxID, actions, BatchOptions{StopOnError: true})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("stopOnError ran %d items, want 2", len(items))
	}
	if items[1].Kind != types.KindInvalidArgument {
		t.Errorf("item 1 kind = %v, want InvalidArgument", items[1].Kind)
	}

	items, err = f.exec.ExecuteBatch(context.Background(), alice, f.ctxID, actions, BatchOptions{StopOnError: false})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("continue-on-error ran %d items, want 3", len(items))
	}
	if items[2].Error != "" {
		t.Errorf("item 2 = %+v, want success", items[2])
	}
}

func TestBatchParallelRequiresDistinctPages(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})
	res := f.navigate(t, "https://example.com")

	actions := []types.Action{
		{Type: types.ActionContent, PageID: res.PageID},
		{Type: types.ActionContent, PageID: res.PageID},
	}
	_, err := f.exec.ExecuteBatch(context.Background(), alice, f.ctxID, actions, BatchOptions{StopOnError: true, Parallel: 2})
	if types.KindOf(err) != types.KindInvalidArgument {
		t.Errorf("repeated page kind = %v, want InvalidArgument", types.KindOf(err))
	}

	actions[1].PageID = ""
	_, err = f.exec.ExecuteBatch(context.Background(), alice, f.ctxID, actions, BatchOptions{StopOnError: true, Parallel: 2})
	if types.KindOf(err) != types.KindInvalidArgument {
		t.Errorf("missing page kind = %v, want InvalidArgument", types.KindOf(err))
	}
}

func TestBatchParallelDistinctPages(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})
	first := f.navigate(t, "https://example.com")

	second, err := f.reg.CreatePage(alice, f.ctxID)
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	// Realize the second page through a targeted navigate.
	if _, err := f.exec.Execute(context.Background(), alice, f.ctxID, &types.Action{
		Type: types.ActionNavigate, URL: "https://example.org", PageID: second.ID,
	}); err != nil {
		t.Fatalf("navigate second page: %v", err)
	}

	actions := []types.Action{
		{Type: types.ActionContent, PageID: first.PageID},
		{Type: types.ActionContent, PageID: second.ID},
	}
	items, err := f.exec.ExecuteBatch(context.Background(), alice, f.ctxID, actions, BatchOptions{StopOnError: true, Parallel: 2})
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	for _, item := range items {
		if item.Error != "" {
			t.Errorf("item %d failed: %s", item.Index, item.Error)
		}
		if item.Result == nil || item.Result.Content == "" {
			t.Errorf("item %d has no content", item.Index)
		}
	}
}

func TestHistoryPrunedOnContextClose(t *testing.T) {
	f := newFixture(t, nil, nil, types.ContextConfig{})
	f.navigate(t, "https://example.com")

	if err := f.reg.CloseContext(alice, f.ctxID); err != nil {
		t.Fatalf("CloseContext: %v", err)
	}

	// The pruner consumes context.closed asynchronously.
	deadline := time.After(time.Second)
	for {
		f.exec.mu.Lock()
		_, ok := f.exec.histories[f.ctxID]
		f.exec.mu.Unlock()
		if !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("history not pruned after context.closed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func proxyManagerForTest(t *testing.T, cfg *config.Config) *proxy.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proxies.yaml")
	pool := `proxies:
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
	if err := os.WriteFile(path, []byte(pool), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.ProxyPoolPath = path
	cfg.ProxyStrategy = "priority"
	cfg.FailoverThreshold = 3
	cfg.AllowLocalProxies = true

	pm, err := proxy.NewManager(cfg, events.NewBus())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(func() { pm.Close() })
	return pm
}

func TestNavigateRotatesProxyOnUpstreamFailure(t *testing.T) {
	cfg := testExecConfig()
	pm := proxyManagerForTest(t, cfg)
	policy := types.ProxyPolicy{Enabled: true, RotateOnError: true}
	f := newFixture(t, cfg, pm, types.ContextConfig{ProxyPolicy: policy})
	pm.ConfigureContextProxy(f.ctxID, policy)

	res := f.navigate(t, "https://example.com")

	// The first browser was launched through the priority endpoint.
	if insts := f.driver.Instances(); insts[len(insts)-1].Options().ProxyURL != "http://p1.example.com:8080" {
		t.Fatalf("launch proxy = %q, want p1", insts[len(insts)-1].Options().ProxyURL)
	}

	p, _, _ := f.reg.GetPage(alice, res.PageID)
	p.Driver().(*browser.FakePage).NavigateErr = types.Ef(types.KindUpstreamProxyFailure,
		"page.Navigate", "net::ERR_TUNNEL_CONNECTION_FAILED")

	// The failure rotates the context to p2 and the retry succeeds there.
	res2, err := f.exec.Execute(context.Background(), alice, f.ctxID,
		&types.Action{Type: types.ActionNavigate, URL: "https://example.org"})
	if err != nil {
		t.Fatalf("retried navigate: %v", err)
	}
	if res2.FinalURL != "https://example.org/" {
		t.Errorf("FinalURL = %q", res2.FinalURL)
	}

	insts := f.driver.Instances()
	if got := insts[len(insts)-1].Options().ProxyURL; got != "http://p2.example.com:8080" {
		t.Errorf("retry launch proxy = %q, want p2", got)
	}
	if pm.Stats().Rotations != 1 {
		t.Errorf("Rotations = %d, want 1", pm.Stats().Rotations)
	}
}
