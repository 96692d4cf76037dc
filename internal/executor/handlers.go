package executor

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/types"
)

// dispatch routes a validated, pre-checked action to its handler.
func (e *Executor) dispatch(ctx context.Context, principal types.Principal, c *registry.Context, page *registry.Page, action *types.Action) (*Result, error) {
	d := page.Driver()
	if d == nil {
		return nil, types.E(types.KindBrowserCrashed, "executor.dispatch", types.ErrBrowserCrashed)
	}

	switch action.Type {
	case types.ActionNavigate:
		return e.navigate(ctx, c, page, action)

	case types.ActionClick:
		button := action.Button
		if button == "" {
			button = "left"
		}
		count := action.ClickCount
		if count == 0 {
			count = 1
		}
		return &Result{}, d.Click(ctx, action.Selector, button, count)

	case types.ActionTypeText:
		return &Result{}, d.Type(ctx, action.Selector, action.Text, time.Duration(action.DelayMs)*time.Millisecond)

	case types.ActionScreenshot:
		format := action.Format
		if format == "" {
			format = "png"
		}
		img, err := d.Screenshot(ctx, browser.ScreenshotOptions{
			Selector: action.Selector,
			FullPage: action.FullPage,
			Format:   format,
			Quality:  action.Quality,
			Clip:     action.Clip,
		})
		if err != nil {
			return nil, err
		}
		return &Result{Image: img, Format: format, Size: len(img)}, nil

	case types.ActionEvaluate:
		value, err := d.Evaluate(ctx, action.Code, action.Args)
		if err != nil {
			return nil, err
		}
		return &Result{Value: value}, nil

	case types.ActionWait:
		return e.wait(ctx, d, action)

	case types.ActionCookie:
		return e.cookie(ctx, d, action)

	case types.ActionHistoryNavigate:
		return e.historyNavigate(ctx, page, d, action)

	case types.ActionSetViewport:
		return &Result{}, d.SetViewport(ctx, action.Viewport.Normalize())

	case types.ActionSelect:
		return &Result{}, d.SelectOptions(ctx, action.Selector, action.Values)

	case types.ActionHover:
		return &Result{}, d.Hover(ctx, action.Selector)

	case types.ActionFocus:
		return &Result{}, d.Focus(ctx, action.Selector)

	case types.ActionBlur:
		return &Result{}, d.Blur(ctx, action.Selector)

	case types.ActionPDF:
		data, err := d.PDF(ctx, browser.PDFOptions{Landscape: action.Landscape})
		if err != nil {
			return nil, err
		}
		return &Result{Image: data, Format: "pdf", Size: len(data)}, nil

	case types.ActionSetUserAgent:
		return &Result{}, d.SetUserAgent(ctx, action.UserAgent)

	case types.ActionUpload:
		return &Result{}, d.UploadFile(ctx, action.Selector, action.FilePath)

	case types.ActionContent:
		html, err := d.Content(ctx)
		if err != nil {
			return nil, err
		}
		return &Result{Content: html}, nil

	default:
		// Validate rejected unknown types already; reaching here is a bug.
		return nil, types.Ef(types.KindInternal, "executor.dispatch", "unhandled action %q", action.Type)
	}
}

// navigate drives the page to the URL, reporting proxy health and, under a
// rotateOnError policy, rebinding once to a rotated endpoint when the
// upstream proxy is at fault.
func (e *Executor) navigate(ctx context.Context, c *registry.Context, page *registry.Page, action *types.Action) (*Result, error) {
	var endpointID string
	if e.proxy != nil {
		if ep, err := e.proxy.GetProxyForURL(action.URL, c.ID); err == nil && ep != nil {
			endpointID = ep.ID
		}
	}

	nav, err := page.Driver().Navigate(ctx, action.URL, action.WaitUntil)
	if err == nil {
		if endpointID != "" {
			e.proxy.ReportSuccess(endpointID)
		}
		page.SetURL(nav.FinalURL)
		return &Result{FinalURL: nav.FinalURL, StatusCode: nav.StatusCode}, nil
	}

	if endpointID != "" && isProxyFailure(err) {
		e.proxy.ReportFailure(endpointID, err)
		if c.Config.ProxyPolicy.RotateOnError {
			return e.navigateRetry(ctx, c, page, action, err)
		}
	}
	return nil, err
}

// navigateRetry rebinds the context to a browser launched with the rotated
// proxy and repeats the navigation once.
func (e *Executor) navigateRetry(ctx context.Context, c *registry.Context, page *registry.Page, action *types.Action, cause error) (*Result, error) {
	log.Info().
		Str("context_id", c.ID).
		Err(cause).
		Msg("Retrying navigation through rotated proxy")

	if d := page.Detach(); d != nil {
		d.Close()
	}
	c.ReleaseLease()

	if err := e.realizePage(ctx, c, page, action); err != nil {
		return nil, err
	}

	var endpointID string
	if ep, err := e.proxy.GetProxyForURL(action.URL, c.ID); err == nil && ep != nil {
		endpointID = ep.ID
	}
	nav, err := page.Driver().Navigate(ctx, action.URL, action.WaitUntil)
	if err != nil {
		if endpointID != "" && isProxyFailure(err) {
			e.proxy.ReportFailure(endpointID, err)
		}
		return nil, err
	}
	if endpointID != "" {
		e.proxy.ReportSuccess(endpointID)
	}
	page.SetURL(nav.FinalURL)
	return &Result{FinalURL: nav.FinalURL, StatusCode: nav.StatusCode}, nil
}

// proxyErrorMarkers are Chromium network error codes that implicate the
// upstream proxy rather than the target site.
var proxyErrorMarkers = []string{
	"ERR_PROXY_CONNECTION_FAILED",
	"ERR_TUNNEL_CONNECTION_FAILED",
	"ERR_SOCKS_CONNECTION_FAILED",
	"ERR_SOCKS_CONNECTION_HOST_UNREACHABLE",
	"ERR_PROXY_AUTH_REQUESTED",
	"ERR_NO_SUPPORTED_PROXIES",
}

func isProxyFailure(err error) bool {
	if types.KindOf(err) == types.KindUpstreamProxyFailure {
		return true
	}
	msg := err.Error()
	for _, marker := range proxyErrorMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func (e *Executor) wait(ctx context.Context, d browser.Page, action *types.Action) (*Result, error) {
	switch {
	case action.Selector != "":
		return &Result{}, d.WaitSelector(ctx, action.Selector)
	case action.Code != "":
		return &Result{}, d.WaitFunction(ctx, action.Code)
	default:
		select {
		case <-time.After(time.Duration(action.DurationMs) * time.Millisecond):
			return &Result{}, nil
		case <-ctx.Done():
			return nil, types.E(types.KindTimeout, "executor.wait", ctx.Err())
		}
	}
}

func (e *Executor) cookie(ctx context.Context, d browser.Page, action *types.Action) (*Result, error) {
	switch action.CookieOp {
	case "set":
		return &Result{}, d.SetCookies(ctx, action.Cookies)
	case "get":
		cookies, err := d.Cookies(ctx)
		if err != nil {
			return nil, err
		}
		if action.Name != "" {
			filtered := cookies[:0]
			for _, c := range cookies {
				if c.Name == action.Name {
					filtered = append(filtered, c)
				}
			}
			cookies = filtered
		}
		return &Result{Cookies: cookies}, nil
	case "delete":
		var domain, path string
		if len(action.Cookies) > 0 {
			domain = action.Cookies[0].Domain
			path = action.Cookies[0].Path
		}
		return &Result{}, d.DeleteCookie(ctx, action.Name, domain, path)
	case "clear":
		return &Result{}, d.ClearCookies(ctx)
	default:
		return nil, types.Ef(types.KindInvalidArgument, "executor.cookie", "invalid cookie op %q", action.CookieOp)
	}
}

// historyNavigate probes the history position first so back/forward at a
// boundary fail with NoHistory instead of a driver error.
func (e *Executor) historyNavigate(ctx context.Context, page *registry.Page, d browser.Page, action *types.Action) (*Result, error) {
	const op = "executor.historyNavigate"

	length, index, err := d.HistoryInfo(ctx)
	if err != nil {
		return nil, err
	}

	switch action.Direction {
	case "back":
		if index <= 0 {
			return nil, types.E(types.KindInvalidArgument, op, types.ErrNoHistory)
		}
		err = d.Back(ctx)
		index--
	case "forward":
		if index >= length-1 {
			return nil, types.E(types.KindInvalidArgument, op, types.ErrNoHistory)
		}
		err = d.Forward(ctx)
		index++
	case "refresh":
		err = d.Reload(ctx)
	}
	if err != nil {
		return nil, err
	}
	page.SetURL(d.URL())
	return &Result{History: &HistoryState{Length: length, Index: index}}, nil
}
