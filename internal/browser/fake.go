package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/browsergrid/browsergrid/internal/types"
)

// FakeDriver is an in-memory Driver used by tests across packages, so the
// pool, executor, and core can be exercised without a Chrome binary.
type FakeDriver struct {
	mu        sync.Mutex
	instances []*FakeInstance

	// LaunchErr, when set, fails the next LaunchErrCount launches.
	LaunchErr      error
	LaunchErrCount int

	// LaunchDelay simulates slow process startup.
	LaunchDelay time.Duration

	launches atomic.Int64
}

// NewFakeDriver returns an empty fake driver.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{}
}

// Launches returns the number of Launch calls, including failed ones.
func (d *FakeDriver) Launches() int {
	return int(d.launches.Load())
}

// Instances returns all instances launched so far.
func (d *FakeDriver) Instances() []*FakeInstance {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*FakeInstance, len(d.instances))
	copy(out, d.instances)
	return out
}

func (d *FakeDriver) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	d.launches.Add(1)

	if d.LaunchDelay > 0 {
		select {
		case <-time.After(d.LaunchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.LaunchErr != nil && d.LaunchErrCount > 0 {
		d.LaunchErrCount--
		return nil, types.E(types.KindInternal, "browser.Launch",
			fmt.Errorf("%w: %v", types.ErrLaunchFailed, d.LaunchErr))
	}

	inst := &FakeInstance{
		id:      uuid.NewString(),
		opts:    opts,
		healthy: true,
	}
	d.instances = append(d.instances, inst)
	return inst, nil
}

// FakeInstance is a controllable in-memory browser process.
type FakeInstance struct {
	id   string
	opts LaunchOptions

	mu      sync.Mutex
	healthy bool
	crashed bool
	closed  bool
	pages   []*FakePage
}

func (i *FakeInstance) ID() string { return i.id }

// Options returns the launch options this instance was created with.
func (i *FakeInstance) Options() LaunchOptions { return i.opts }

// SetHealthy flips the health-probe outcome.
func (i *FakeInstance) SetHealthy(ok bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.healthy = ok
}

// Crash simulates the process dying: subsequent health probes fail hard and
// every page operation returns a crash error.
func (i *FakeInstance) Crash() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.crashed = true
	i.healthy = false
}

// Closed reports whether Close was called.
func (i *FakeInstance) Closed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

func (i *FakeInstance) Healthy(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.crashed || i.closed {
		return types.E(types.KindBrowserCrashed, "browser.Healthy", types.ErrBrowserCrashed)
	}
	if !i.healthy {
		return types.E(types.KindInternal, "browser.Healthy", types.ErrBrowserUnhealthy)
	}
	return nil
}

func (i *FakeInstance) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.crashed || i.closed {
		return nil, types.E(types.KindBrowserCrashed, "browser.NewPage", types.ErrBrowserCrashed)
	}
	p := &FakePage{
		inst:      i,
		viewport:  opts.Viewport.Normalize(),
		userAgent: opts.UserAgent,
		cookies:   map[string]types.Cookie{},
		history:   []string{"about:blank"},
		index:     0,
	}
	i.pages = append(i.pages, p)
	return p, nil
}

func (i *FakeInstance) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	return nil
}

// FakePage records actions and keeps enough state (history stack, cookies,
// viewport) for round-trip assertions in tests.
type FakePage struct {
	inst *FakeInstance

	mu        sync.Mutex
	history   []string
	index     int
	viewport  types.Viewport
	userAgent string
	cookies   map[string]types.Cookie
	actions   []string
	closed    bool

	// NavigateErr fails the next navigation when set.
	NavigateErr error
	// EvalResult is returned by Evaluate when EvalFn is nil.
	EvalResult any
	// EvalFn, when set, computes Evaluate results.
	EvalFn func(code string, args []any) (any, error)
	// MissingSelectors lists selectors that are never found.
	MissingSelectors []string
}

// Actions returns the recorded action log.
func (p *FakePage) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.actions))
	copy(out, p.actions)
	return out
}

// Viewport returns the last applied viewport.
func (p *FakePage) Viewport() types.Viewport {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.viewport
}

// UserAgent returns the last applied user agent.
func (p *FakePage) UserAgent() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userAgent
}

func (p *FakePage) check(op string) error {
	if p.inst != nil {
		p.inst.mu.Lock()
		crashed := p.inst.crashed || p.inst.closed
		p.inst.mu.Unlock()
		if crashed {
			return types.E(types.KindBrowserCrashed, op, types.ErrBrowserCrashed)
		}
	}
	if p.closed {
		return types.E(types.KindNotFound, op, types.ErrPageNotFound)
	}
	return nil
}

func (p *FakePage) record(format string, args ...any) {
	p.actions = append(p.actions, fmt.Sprintf(format, args...))
}

func (p *FakePage) missing(selector string) bool {
	for _, s := range p.MissingSelectors {
		if s == selector {
			return true
		}
	}
	return false
}

// normalizeURL mirrors browser address-bar normalization: an empty path
// becomes "/".
func normalizeURL(url string) string {
	rest := url
	if i := strings.Index(url, "://"); i >= 0 {
		rest = url[i+3:]
	}
	if !strings.ContainsAny(rest, "/?#") {
		return url + "/"
	}
	return url
}

func (p *FakePage) Navigate(ctx context.Context, url, waitUntil string) (NavigateResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.Navigate"); err != nil {
		return NavigateResult{}, err
	}
	if p.NavigateErr != nil {
		err := p.NavigateErr
		p.NavigateErr = nil
		return NavigateResult{}, err
	}
	final := normalizeURL(url)
	p.history = p.history[:p.index+1]
	p.history = append(p.history, final)
	p.index++
	p.record("navigate %s", final)
	return NavigateResult{FinalURL: final, StatusCode: 200}, nil
}

func (p *FakePage) Reload(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.Reload"); err != nil {
		return err
	}
	p.record("reload")
	return nil
}

func (p *FakePage) Back(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.Back"); err != nil {
		return err
	}
	if p.index == 0 {
		return types.E(types.KindInvalidArgument, "page.Back", types.ErrNoHistory)
	}
	p.index--
	p.record("back")
	return nil
}

func (p *FakePage) Forward(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.Forward"); err != nil {
		return err
	}
	if p.index >= len(p.history)-1 {
		return types.E(types.KindInvalidArgument, "page.Forward", types.ErrNoHistory)
	}
	p.index++
	p.record("forward")
	return nil
}

func (p *FakePage) HistoryInfo(ctx context.Context) (int, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.HistoryInfo"); err != nil {
		return 0, 0, err
	}
	return len(p.history), p.index, nil
}

func (p *FakePage) Evaluate(ctx context.Context, code string, args []any) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.Evaluate"); err != nil {
		return nil, err
	}
	p.record("evaluate")
	if p.EvalFn != nil {
		return p.EvalFn(code, args)
	}
	return p.EvalResult, nil
}

func (p *FakePage) WaitSelector(ctx context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.WaitSelector"); err != nil {
		return err
	}
	if p.missing(selector) {
		return types.E(types.KindTimeout, "page.WaitSelector",
			fmt.Errorf("%w: %s", types.ErrElementNotFound, selector))
	}
	p.record("waitSelector %s", selector)
	return nil
}

func (p *FakePage) WaitFunction(ctx context.Context, code string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.WaitFunction"); err != nil {
		return err
	}
	p.record("waitFunction")
	return nil
}

func (p *FakePage) selectorAction(op, verb, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check(op); err != nil {
		return err
	}
	if p.missing(selector) {
		return types.E(types.KindTimeout, op,
			fmt.Errorf("%w: %s", types.ErrElementNotFound, selector))
	}
	p.record("%s %s", verb, selector)
	return nil
}

func (p *FakePage) Click(ctx context.Context, selector, button string, clickCount int) error {
	return p.selectorAction("page.Click", "click", selector)
}

func (p *FakePage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	return p.selectorAction("page.Type", "type", selector)
}

func (p *FakePage) SelectOptions(ctx context.Context, selector string, values []string) error {
	return p.selectorAction("page.Select", "select", selector)
}

func (p *FakePage) Hover(ctx context.Context, selector string) error {
	return p.selectorAction("page.Hover", "hover", selector)
}

func (p *FakePage) Focus(ctx context.Context, selector string) error {
	return p.selectorAction("page.Focus", "focus", selector)
}

func (p *FakePage) Blur(ctx context.Context, selector string) error {
	return p.selectorAction("page.Blur", "blur", selector)
}

func (p *FakePage) UploadFile(ctx context.Context, selector, path string) error {
	return p.selectorAction("page.UploadFile", "upload", selector)
}

func (p *FakePage) SetViewport(ctx context.Context, v types.Viewport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.SetViewport"); err != nil {
		return err
	}
	p.viewport = v.Normalize()
	p.record("setViewport %dx%d", v.Width, v.Height)
	return nil
}

func (p *FakePage) SetUserAgent(ctx context.Context, ua string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.SetUserAgent"); err != nil {
		return err
	}
	p.userAgent = ua
	p.record("setUserAgent")
	return nil
}

func (p *FakePage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.Screenshot"); err != nil {
		return nil, err
	}
	p.record("screenshot")
	return []byte("fake-image-bytes"), nil
}

func (p *FakePage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.PDF"); err != nil {
		return nil, err
	}
	p.record("pdf")
	return []byte("%PDF-fake"), nil
}

func (p *FakePage) Content(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.Content"); err != nil {
		return "", err
	}
	p.record("content")
	return "<html><body>fake</body></html>", nil
}

func (p *FakePage) Cookies(ctx context.Context) ([]types.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.Cookies"); err != nil {
		return nil, err
	}
	out := make([]types.Cookie, 0, len(p.cookies))
	for _, c := range p.cookies {
		out = append(out, c)
	}
	return out, nil
}

func (p *FakePage) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.SetCookies"); err != nil {
		return err
	}
	for _, c := range cookies {
		p.cookies[c.Name] = c
	}
	p.record("setCookies %d", len(cookies))
	return nil
}

func (p *FakePage) DeleteCookie(ctx context.Context, name, domain, path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.DeleteCookie"); err != nil {
		return err
	}
	delete(p.cookies, name)
	p.record("deleteCookie %s", name)
	return nil
}

func (p *FakePage) ClearCookies(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.check("page.ClearCookies"); err != nil {
		return err
	}
	p.cookies = map[string]types.Cookie{}
	p.record("clearCookies")
	return nil
}

func (p *FakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.history[p.index]
}

func (p *FakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
