package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/ysmood/gson"

	"github.com/browsergrid/browsergrid/internal/security"
	"github.com/browsergrid/browsergrid/internal/types"
)

// RodDriver launches Chromium processes via go-rod and CDP.
type RodDriver struct{}

// NewRodDriver returns the production driver.
func NewRodDriver() *RodDriver {
	return &RodDriver{}
}

// newLauncher builds a configured launcher. Launchers are single-use, so a
// fresh one is created per launch.
func newLauncher(opts LaunchOptions) *launcher.Launcher {
	l := launcher.New()

	if opts.BrowserPath != "" {
		l = l.Bin(opts.BrowserPath)
	}

	if opts.Headless {
		l = l.Set("headless", "new")
	} else {
		// Rod enables headless by default; disable explicitly when a
		// virtual display is in use.
		l = l.Headless(false)
	}

	// Container flags
	l = l.Set("no-sandbox").
		Set("disable-setuid-sandbox").
		Set("disable-dev-shm-usage")

	if opts.ProxyURL != "" {
		l = l.Set("proxy-server", opts.ProxyURL)
		log.Debug().Str("proxy", security.RedactProxyURL(opts.ProxyURL)).Msg("Browser proxy configured")
	}

	// Prevent WebRTC from leaking the real public IP past the proxy.
	l = l.Set("force-webrtc-ip-handling-policy", "disable_non_proxied_udp")

	// Keep navigator.webdriver and the automation infobar off.
	l = l.Set("disable-blink-features", "AutomationControlled")
	l = l.Delete("enable-automation")

	if opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	l = l.Set("accept-lang", "en-US,en;q=0.9").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-infobars").
		Set("window-size", "1920,1080")

	// Stability in constrained environments
	l = l.Set("disable-background-networking").
		Set("disable-default-apps").
		Set("disable-extensions").
		Set("disable-sync").
		Set("mute-audio").
		Set("no-zygote")

	return l
}

// Launch starts a browser process and connects to it over CDP.
func (d *RodDriver) Launch(ctx context.Context, opts LaunchOptions) (Instance, error) {
	select {
	case <-ctx.Done():
		return nil, classify("browser.Launch", ctx.Err())
	default:
	}

	url, err := newLauncher(opts).Launch()
	if err != nil {
		return nil, types.E(types.KindInternal, "browser.Launch",
			fmt.Errorf("%w: %v", types.ErrLaunchFailed, err))
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, types.E(types.KindInternal, "browser.Launch",
			fmt.Errorf("%w: %v", types.ErrLaunchFailed, err))
	}

	if opts.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn().Err(err).Msg("Failed to set IgnoreCertErrors")
		}
	}

	inst := &rodInstance{
		id:      uuid.NewString(),
		browser: b,
	}
	log.Debug().Str("instance_id", inst.id).Str("url", url).Msg("Browser spawned")
	return inst, nil
}

type rodInstance struct {
	id      string
	browser *rod.Browser
}

func (i *rodInstance) ID() string { return i.id }

// Healthy opens and closes a blank page. A responsive CDP connection plus a
// working target lifecycle is a good enough liveness signal.
func (i *rodInstance) Healthy(ctx context.Context) error {
	page, err := i.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return classify("browser.Healthy", err)
	}
	defer page.Close()

	if err := page.Context(ctx).Navigate("about:blank"); err != nil {
		return classify("browser.Healthy", err)
	}
	return nil
}

func (i *rodInstance) NewPage(ctx context.Context, opts PageOptions) (Page, error) {
	b := i.browser
	if opts.Incognito {
		ib, err := b.Incognito()
		if err != nil {
			return nil, classify("browser.NewPage", err)
		}
		b = ib
	}

	var p *rod.Page
	var err error
	if opts.Stealth {
		p, err = stealth.Page(b)
	} else {
		p, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	}
	if err != nil {
		return nil, classify("browser.NewPage", err)
	}

	rp := &rodPage{page: p}
	if opts.Viewport.Width > 0 && opts.Viewport.Height > 0 {
		if err := rp.SetViewport(ctx, opts.Viewport); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	if opts.UserAgent != "" {
		if err := rp.SetUserAgent(ctx, opts.UserAgent); err != nil {
			_ = p.Close()
			return nil, err
		}
	}
	return rp, nil
}

func (i *rodInstance) Close() error {
	return i.browser.Close()
}

type rodPage struct {
	page    *rod.Page
	lastURL string
}

func lifecycleEvent(waitUntil string) proto.PageLifecycleEventName {
	switch waitUntil {
	case "domcontentloaded":
		return proto.PageLifecycleEventNameDOMContentLoaded
	case "networkidle0":
		return proto.PageLifecycleEventNameNetworkIdle
	case "networkidle2":
		return proto.PageLifecycleEventNameNetworkAlmostIdle
	default:
		return proto.PageLifecycleEventNameLoad
	}
}

func (p *rodPage) Navigate(ctx context.Context, url, waitUntil string) (NavigateResult, error) {
	page := p.page.Context(ctx)

	wait := page.WaitNavigation(lifecycleEvent(waitUntil))
	if err := page.Navigate(url); err != nil {
		return NavigateResult{}, classify("page.Navigate", err)
	}
	wait()

	if err := ctx.Err(); err != nil {
		return NavigateResult{}, classify("page.Navigate", err)
	}

	info, err := page.Info()
	if err != nil {
		return NavigateResult{}, classify("page.Navigate", err)
	}
	p.lastURL = info.URL
	// CDP does not expose the response status through the navigate call;
	// 0 means unobserved.
	return NavigateResult{FinalURL: info.URL, StatusCode: 0}, nil
}

func (p *rodPage) Reload(ctx context.Context) error {
	if err := p.page.Context(ctx).Reload(); err != nil {
		return classify("page.Reload", err)
	}
	return nil
}

func (p *rodPage) Back(ctx context.Context) error {
	if err := p.page.Context(ctx).NavigateBack(); err != nil {
		return classify("page.Back", err)
	}
	return nil
}

func (p *rodPage) Forward(ctx context.Context) error {
	if err := p.page.Context(ctx).NavigateForward(); err != nil {
		return classify("page.Forward", err)
	}
	return nil
}

func (p *rodPage) HistoryInfo(ctx context.Context) (int, int, error) {
	res, err := proto.PageGetNavigationHistory{}.Call(p.page.Context(ctx))
	if err != nil {
		return 0, 0, classify("page.HistoryInfo", err)
	}
	return len(res.Entries), res.CurrentIndex, nil
}

func (p *rodPage) Evaluate(ctx context.Context, code string, args []any) (any, error) {
	obj, err := p.page.Context(ctx).Eval(code, args...)
	if err != nil {
		return nil, classify("page.Evaluate", err)
	}
	return gsonValue(obj.Value), nil
}

// gsonValue unwraps a CDP remote-object value into plain Go values.
// Numbers come back as float64 or int per gson's JSON decoding.
func gsonValue(v gson.JSON) any {
	if v.Nil() {
		return nil
	}
	return v.Val()
}

func (p *rodPage) WaitSelector(ctx context.Context, selector string) error {
	if _, err := p.page.Context(ctx).Element(selector); err != nil {
		return classifyElement("page.WaitSelector", selector, err)
	}
	return nil
}

func (p *rodPage) WaitFunction(ctx context.Context, code string) error {
	if err := p.page.Context(ctx).Wait(rod.Eval(code)); err != nil {
		return classify("page.WaitFunction", err)
	}
	return nil
}

func (p *rodPage) element(ctx context.Context, op, selector string) (*rod.Element, error) {
	el, err := p.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, classifyElement(op, selector, err)
	}
	return el, nil
}

func mouseButton(button string) proto.InputMouseButton {
	switch button {
	case "right":
		return proto.InputMouseButtonRight
	case "middle":
		return proto.InputMouseButtonMiddle
	default:
		return proto.InputMouseButtonLeft
	}
}

func (p *rodPage) Click(ctx context.Context, selector, button string, clickCount int) error {
	el, err := p.element(ctx, "page.Click", selector)
	if err != nil {
		return err
	}
	if clickCount < 1 {
		clickCount = 1
	}
	if err := el.Click(mouseButton(button), clickCount); err != nil {
		return classify("page.Click", err)
	}
	return nil
}

func (p *rodPage) Type(ctx context.Context, selector, text string, delay time.Duration) error {
	el, err := p.element(ctx, "page.Type", selector)
	if err != nil {
		return err
	}
	if delay > 0 {
		// A single pre-input pause; per-keystroke pacing is not worth a
		// CDP round-trip per rune.
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return classify("page.Type", ctx.Err())
		}
	}
	if err := el.Input(text); err != nil {
		return classify("page.Type", err)
	}
	return nil
}

func (p *rodPage) SelectOptions(ctx context.Context, selector string, values []string) error {
	el, err := p.element(ctx, "page.Select", selector)
	if err != nil {
		return err
	}
	if err := el.Select(values, true, rod.SelectorTypeText); err != nil {
		return classify("page.Select", err)
	}
	return nil
}

func (p *rodPage) Hover(ctx context.Context, selector string) error {
	el, err := p.element(ctx, "page.Hover", selector)
	if err != nil {
		return err
	}
	if err := el.Hover(); err != nil {
		return classify("page.Hover", err)
	}
	return nil
}

func (p *rodPage) Focus(ctx context.Context, selector string) error {
	el, err := p.element(ctx, "page.Focus", selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return classify("page.Focus", err)
	}
	return nil
}

func (p *rodPage) Blur(ctx context.Context, selector string) error {
	el, err := p.element(ctx, "page.Blur", selector)
	if err != nil {
		return err
	}
	if _, err := el.Eval(`() => this.blur()`); err != nil {
		return classify("page.Blur", err)
	}
	return nil
}

func (p *rodPage) UploadFile(ctx context.Context, selector, path string) error {
	el, err := p.element(ctx, "page.UploadFile", selector)
	if err != nil {
		return err
	}
	if err := el.SetFiles([]string{path}); err != nil {
		return classify("page.UploadFile", err)
	}
	return nil
}

func (p *rodPage) SetViewport(ctx context.Context, v types.Viewport) error {
	v = v.Normalize()
	err := p.page.Context(ctx).SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             v.Width,
		Height:            v.Height,
		DeviceScaleFactor: v.DeviceScaleFactor,
		Mobile:            v.IsMobile,
	})
	if err != nil {
		return classify("page.SetViewport", err)
	}
	return nil
}

func (p *rodPage) SetUserAgent(ctx context.Context, ua string) error {
	err := p.page.Context(ctx).SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua})
	if err != nil {
		return classify("page.SetUserAgent", err)
	}
	return nil
}

func (p *rodPage) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	format := proto.PageCaptureScreenshotFormatPng
	if opts.Format == "jpeg" {
		format = proto.PageCaptureScreenshotFormatJpeg
	}

	if opts.Selector != "" {
		el, err := p.element(ctx, "page.Screenshot", opts.Selector)
		if err != nil {
			return nil, err
		}
		data, err := el.Screenshot(format, opts.Quality)
		if err != nil {
			return nil, classify("page.Screenshot", err)
		}
		return data, nil
	}

	req := &proto.PageCaptureScreenshot{Format: format}
	if opts.Quality > 0 && format == proto.PageCaptureScreenshotFormatJpeg {
		q := opts.Quality
		req.Quality = &q
	}
	if opts.Clip != nil {
		req.Clip = &proto.PageViewport{
			X:      opts.Clip.X,
			Y:      opts.Clip.Y,
			Width:  opts.Clip.Width,
			Height: opts.Clip.Height,
			Scale:  1,
		}
	}

	data, err := p.page.Context(ctx).Screenshot(opts.FullPage, req)
	if err != nil {
		return nil, classify("page.Screenshot", err)
	}
	return data, nil
}

func (p *rodPage) PDF(ctx context.Context, opts PDFOptions) ([]byte, error) {
	landscape := opts.Landscape
	r, err := p.page.Context(ctx).PDF(&proto.PagePrintToPDF{Landscape: landscape})
	if err != nil {
		return nil, classify("page.PDF", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, classify("page.PDF", err)
	}
	return data, nil
}

func (p *rodPage) Content(ctx context.Context) (string, error) {
	html, err := p.page.Context(ctx).HTML()
	if err != nil {
		return "", classify("page.Content", err)
	}
	return html, nil
}

func (p *rodPage) Cookies(ctx context.Context) ([]types.Cookie, error) {
	raw, err := p.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, classify("page.Cookies", err)
	}
	cookies := make([]types.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, types.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  int64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

func (p *rodPage) SetCookies(ctx context.Context, cookies []types.Cookie) error {
	params := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if c.SameSite != "" {
			param.SameSite = proto.NetworkCookieSameSite(c.SameSite)
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		params = append(params, param)
	}
	if err := p.page.Context(ctx).SetCookies(params); err != nil {
		return classify("page.SetCookies", err)
	}
	return nil
}

func (p *rodPage) DeleteCookie(ctx context.Context, name, domain, path string) error {
	err := proto.NetworkDeleteCookies{
		Name:   name,
		Domain: domain,
		Path:   path,
	}.Call(p.page.Context(ctx))
	if err != nil {
		return classify("page.DeleteCookie", err)
	}
	return nil
}

func (p *rodPage) ClearCookies(ctx context.Context) error {
	if err := (proto.NetworkClearBrowserCookies{}).Call(p.page.Context(ctx)); err != nil {
		return classify("page.ClearCookies", err)
	}
	return nil
}

func (p *rodPage) URL() string { return p.lastURL }

func (p *rodPage) Close() error { return p.page.Close() }

// classify maps driver and context errors into the protocol-neutral
// taxonomy. Rod-specific error types must not escape this package.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var typed *types.Error
	if errors.As(err, &typed) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return types.E(types.KindTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return types.E(types.KindCanceled, op, types.ErrCanceled)
	}

	var evalErr *rod.EvalError
	if errors.As(err, &evalErr) {
		return types.E(types.KindScriptRuntimeError, op, err)
	}

	if crashIndicated(err) {
		return types.E(types.KindBrowserCrashed, op,
			fmt.Errorf("%w: %v", types.ErrBrowserCrashed, err))
	}

	return types.E(types.KindInternal, op, err)
}

// classifyElement handles errors from element resolution, where a deadline
// almost always means the selector never matched.
func classifyElement(op, selector string, err error) error {
	var notFound *rod.ElementNotFoundError
	if errors.As(err, &notFound) || errors.Is(err, context.DeadlineExceeded) {
		return types.E(types.KindTimeout, op,
			fmt.Errorf("%w: %s", types.ErrElementNotFound, selector))
	}
	return classify(op, err)
}

// crashIndicated reports whether an error looks like the browser process or
// its CDP connection died, as opposed to a page-level failure.
func crashIndicated(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	for _, s := range []string{
		"use of closed network connection",
		"connection reset by peer",
		"websocket: close",
		"target closed",
		"session closed",
		"browser has been closed",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
