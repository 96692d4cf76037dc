// Package browser provides the browser driver abstraction and the pool that
// manages long-lived browser processes. The pool maintains a bounded set of
// instances that are leased to contexts and reused, dramatically reducing
// memory usage compared to spawning a browser per request.
package browser

import (
	"context"
	"time"

	"github.com/browsergrid/browsergrid/internal/types"
)

// LaunchOptions configures a browser process launch.
type LaunchOptions struct {
	Headless         bool
	BrowserPath      string
	ProxyURL         string
	IgnoreCertErrors bool
}

// Key returns the configuration key used to group compatible instances in
// the pool. Instances launched with different keys are never shared.
func (o LaunchOptions) Key() string {
	k := "headed"
	if o.Headless {
		k = "headless"
	}
	if o.ProxyURL != "" {
		k += "|proxy=" + o.ProxyURL
	}
	return k
}

// PageOptions configures creation of a page inside an instance.
type PageOptions struct {
	// Stealth applies anti-detection patches before any navigation.
	Stealth bool
	// Incognito places the page in a fresh browser context with its own
	// cookie jar and storage partition.
	Incognito bool
	Viewport  types.Viewport
	UserAgent string
}

// ScreenshotOptions configures a screenshot capture.
type ScreenshotOptions struct {
	Selector string // capture a single element when set
	FullPage bool
	Format   string // png (default) or jpeg
	Quality  int    // jpeg only, 0 = driver default
	Clip     *types.Clip
}

// PDFOptions configures PDF rendering.
type PDFOptions struct {
	Landscape bool
}

// NavigateResult is the outcome of a completed navigation.
type NavigateResult struct {
	FinalURL   string
	StatusCode int // 0 when the driver cannot observe the response status
}

// Driver launches browser processes. Implementations classify their native
// errors into the internal/types taxonomy at this boundary; callers never
// see driver-specific error types.
type Driver interface {
	Launch(ctx context.Context, opts LaunchOptions) (Instance, error)
}

// Instance is a running browser process.
type Instance interface {
	// ID is the driver-assigned identifier, stable for the process lifetime.
	ID() string

	// Healthy probes liveness: the connection must be responsive and a
	// cheap in-browser operation must complete within the context deadline.
	Healthy(ctx context.Context) error

	NewPage(ctx context.Context, opts PageOptions) (Page, error)

	Close() error
}

// Page is a browsing surface inside an instance.
type Page interface {
	Navigate(ctx context.Context, url, waitUntil string) (NavigateResult, error)
	Reload(ctx context.Context) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	// HistoryInfo returns the history length and the current entry index.
	HistoryInfo(ctx context.Context) (length, index int, err error)

	Evaluate(ctx context.Context, code string, args []any) (any, error)
	WaitSelector(ctx context.Context, selector string) error
	WaitFunction(ctx context.Context, code string) error

	Click(ctx context.Context, selector, button string, clickCount int) error
	Type(ctx context.Context, selector, text string, delay time.Duration) error
	SelectOptions(ctx context.Context, selector string, values []string) error
	Hover(ctx context.Context, selector string) error
	Focus(ctx context.Context, selector string) error
	Blur(ctx context.Context, selector string) error
	UploadFile(ctx context.Context, selector, path string) error

	SetViewport(ctx context.Context, v types.Viewport) error
	SetUserAgent(ctx context.Context, ua string) error

	Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error)
	PDF(ctx context.Context, opts PDFOptions) ([]byte, error)
	Content(ctx context.Context) (string, error)

	Cookies(ctx context.Context) ([]types.Cookie, error)
	SetCookies(ctx context.Context, cookies []types.Cookie) error
	DeleteCookie(ctx context.Context, name, domain, path string) error
	ClearCookies(ctx context.Context) error

	// URL is the last known URL; it does not hit the browser.
	URL() string

	Close() error
}
