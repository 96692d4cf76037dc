// Package executor runs page actions through a fixed pipeline: authorize,
// validate, resolve the target page, run policy pre-checks, dispatch with a
// bounded timeout, and record the outcome.
package executor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/proxy"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/security"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Result is the protocol-neutral outcome of one action. Only the fields
// relevant to the action type are populated.
type Result struct {
	Action   types.ActionType `json:"action" msgpack:"action"`
	PageID   string           `json:"pageId,omitempty" msgpack:"pageId,omitempty"`
	Duration time.Duration    `json:"duration" msgpack:"duration"`
	Warnings []string         `json:"warnings,omitempty" msgpack:"warnings,omitempty"`

	FinalURL   string         `json:"finalUrl,omitempty" msgpack:"finalUrl,omitempty"`
	StatusCode int            `json:"statusCode,omitempty" msgpack:"statusCode,omitempty"`
	Value      any            `json:"value,omitempty" msgpack:"value,omitempty"`
	Image      []byte         `json:"image,omitempty" msgpack:"image,omitempty"`
	Format     string         `json:"format,omitempty" msgpack:"format,omitempty"`
	Size       int            `json:"size,omitempty" msgpack:"size,omitempty"`
	Cookies    []types.Cookie `json:"cookies,omitempty" msgpack:"cookies,omitempty"`
	Content    string         `json:"content,omitempty" msgpack:"content,omitempty"`
	History    *HistoryState  `json:"history,omitempty" msgpack:"history,omitempty"`
}

// HistoryState reports the browser history position after historyNavigate.
type HistoryState struct {
	Length int `json:"length" msgpack:"length"`
	Index  int `json:"index" msgpack:"index"`
}

// BatchOptions controls ExecuteBatch. Adapters default StopOnError to true
// when the caller omits it.
type BatchOptions struct {
	StopOnError bool `json:"stopOnError" msgpack:"stopOnError"`
	Parallel    int  `json:"parallel,omitempty" msgpack:"parallel,omitempty"`
}

// BatchItem pairs one batch action with its outcome.
type BatchItem struct {
	Index  int        `json:"index" msgpack:"index"`
	Result *Result    `json:"result,omitempty" msgpack:"result,omitempty"`
	Error  string     `json:"error,omitempty" msgpack:"error,omitempty"`
	Kind   types.Kind `json:"kind,omitempty" msgpack:"kind,omitempty"`
}

// Executor dispatches actions against registered contexts.
type Executor struct {
	cfg   *config.Config
	reg   *registry.Registry
	pool  *browser.Pool
	proxy *proxy.Manager
	bus   *events.Bus

	mu        sync.Mutex
	histories map[string]*history

	closeSub *events.Subscription
	wg       sync.WaitGroup
}

// New creates an executor. It prunes context history when the registry
// publishes context.closed.
func New(cfg *config.Config, reg *registry.Registry, pool *browser.Pool, pm *proxy.Manager, bus *events.Bus) *Executor {
	e := &Executor{
		cfg:       cfg,
		reg:       reg,
		pool:      pool,
		proxy:     pm,
		bus:       bus,
		histories: make(map[string]*history),
	}
	e.closeSub = bus.Subscribe(events.TopicContextClosed)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for ev := range e.closeSub.C {
			if id, ok := ev.Payload["context_id"].(string); ok {
				e.dropHistory(id)
			}
		}
	}()
	return e
}

// Close stops the history pruner.
func (e *Executor) Close() {
	e.closeSub.Close()
	e.wg.Wait()
}

func (e *Executor) historyFor(contextID string) *history {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.histories[contextID]
	if !ok {
		h = newHistory(e.cfg.HistorySize)
		e.histories[contextID] = h
	}
	return h
}

func (e *Executor) dropHistory(contextID string) {
	e.mu.Lock()
	delete(e.histories, contextID)
	e.mu.Unlock()
}

// History returns up to limit records for the context, newest first.
func (e *Executor) History(principal types.Principal, contextID string, limit int) ([]ActionRecord, error) {
	if _, err := e.reg.GetContext(principal, contextID); err != nil {
		return nil, err
	}
	return e.historyFor(contextID).records(limit), nil
}

// Metrics returns the context's aggregated action metrics.
func (e *Executor) Metrics(principal types.Principal, contextID string) (ContextMetrics, error) {
	if _, err := e.reg.GetContext(principal, contextID); err != nil {
		return ContextMetrics{}, err
	}
	return e.historyFor(contextID).metrics(), nil
}

// Execute runs one action against the context, serialized with other
// actions on the same context.
func (e *Executor) Execute(ctx context.Context, principal types.Principal, contextID string, action *types.Action) (*Result, error) {
	c, err := e.reg.GetContext(principal, contextID)
	if err != nil {
		return nil, err
	}

	c.LockActions()
	defer c.UnlockActions()
	return e.executeOnContext(ctx, principal, c, action)
}

// executeOnContext runs the validate → resolve → pre-check → dispatch →
// record pipeline. Callers hold the context action lock (or guarantee page
// disjointness for parallel batches).
func (e *Executor) executeOnContext(ctx context.Context, principal types.Principal, c *registry.Context, action *types.Action) (*Result, error) {
	if err := action.Validate(); err != nil {
		kind := types.KindOf(err)
		if kind == types.KindInternal {
			kind = types.KindInvalidArgument
		}
		return nil, types.E(kind, "executor.Execute", err)
	}

	warnings, err := e.preCheck(action)
	if err != nil {
		e.record(c, action, "", time.Now(), time.Now(), warnings, err)
		return nil, err
	}

	page, err := e.resolvePage(ctx, principal, c, action)
	if err != nil {
		return nil, err
	}

	timeout := action.Timeout(c.Config.DefaultTimeout, e.cfg.MaxActionTime)
	actCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	res, err := e.dispatch(actCtx, principal, c, page, action)
	end := time.Now()

	if res == nil {
		res = &Result{}
	}
	res.Action = action.Type
	res.PageID = page.ID
	res.Duration = end.Sub(start)
	res.Warnings = append(warnings, res.Warnings...)

	e.record(c, action, page.ID, start, end, res.Warnings, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// preCheck runs the policy validators before any browser work.
func (e *Executor) preCheck(action *types.Action) ([]string, error) {
	switch action.Type {
	case types.ActionNavigate:
		check, err := security.ValidateNavigationURL(action.URL, security.URLPolicy{
			AllowFileURLs:       e.cfg.AllowFileURLs,
			AllowPrivateNetwork: e.cfg.AllowPrivateNetwork,
			BlockedHosts:        e.cfg.BlockedHosts,
		})
		if err != nil {
			kind, reason := classifyURLError(err)
			metrics.BlockedNavigations.WithLabelValues(reason).Inc()
			return nil, types.E(kind, "executor.navigate", err)
		}
		return check.Warnings, nil

	case types.ActionEvaluate:
		return e.checkScript(action.Code)

	case types.ActionWait:
		if action.Code != "" {
			return e.checkScript(action.Code)
		}

	case types.ActionUpload:
		if err := e.checkUploadPath(action.FilePath); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (e *Executor) checkScript(code string) ([]string, error) {
	check, err := security.ValidateScript(code)
	if err != nil {
		metrics.BlockedScripts.Inc()
		return nil, types.E(types.KindBlockedByPolicy, "executor.evaluate", err)
	}
	return check.Warnings, nil
}

func (e *Executor) checkUploadPath(path string) error {
	const op = "executor.upload"
	if e.cfg.UploadDir == "" {
		return types.Ef(types.KindBlockedByPolicy, op, "file uploads are not enabled")
	}
	if !strings.HasPrefix(path, strings.TrimSuffix(e.cfg.UploadDir, "/")+"/") {
		return types.Ef(types.KindBlockedByPolicy, op,
			"file path is outside the allowed upload directory")
	}
	return nil
}

// classifyURLError maps validator errors onto the taxonomy: malformed input
// is the caller's mistake, everything else is policy.
func classifyURLError(err error) (types.Kind, string) {
	switch {
	case errors.Is(err, security.ErrInvalidURL), errors.Is(err, security.ErrURLTooLong),
		errors.Is(err, security.ErrHostTooLong):
		return types.KindInvalidArgument, "invalid"
	case errors.Is(err, security.ErrPrivateIPBlocked), errors.Is(err, security.ErrLocalhostBlocked):
		return types.KindBlockedByPolicy, "private_network"
	case errors.Is(err, security.ErrMetadataBlocked):
		return types.KindBlockedByPolicy, "metadata"
	case errors.Is(err, security.ErrRedirectBypass):
		return types.KindBlockedByPolicy, "redirect_bypass"
	case errors.Is(err, security.ErrBlockedScheme):
		return types.KindBlockedByPolicy, "scheme"
	default:
		return types.KindBlockedByPolicy, "host"
	}
}

// resolvePage finds the action's target page, binding the context to a
// browser and realizing the page in it as needed. A navigate against a
// context with no pages creates one; anything else fails with PageNotFound.
func (e *Executor) resolvePage(ctx context.Context, principal types.Principal, c *registry.Context, action *types.Action) (*registry.Page, error) {
	const op = "executor.resolvePage"

	var page *registry.Page
	if action.PageID != "" {
		p, owner, err := e.reg.GetPage(principal, action.PageID)
		if err != nil {
			return nil, err
		}
		if owner.ID != c.ID {
			return nil, types.E(types.KindNotFound, op, types.ErrPageNotFound)
		}
		page = p
	} else {
		page = mostRecentPage(e.reg.PagesOf(c))
		if page == nil {
			if action.Type != types.ActionNavigate {
				return nil, types.E(types.KindNotFound, op, types.ErrPageNotFound)
			}
			p, err := e.reg.CreatePage(principal, c.ID)
			if err != nil {
				return nil, err
			}
			page = p
		}
	}

	if page.Driver() == nil {
		if err := e.realizePage(ctx, c, page, action); err != nil {
			return nil, err
		}
	}
	return page, nil
}

func mostRecentPage(pages []*registry.Page) *registry.Page {
	var best *registry.Page
	var bestUsed time.Time
	for _, p := range pages {
		if info := p.Snapshot(); best == nil || info.LastUsed.After(bestUsed) {
			best = p
			bestUsed = info.LastUsed
		}
	}
	return best
}

// realizePage binds the context's lease (acquiring one when unbound, which
// also re-binds RECOVERING contexts) and opens the page in the instance.
func (e *Executor) realizePage(ctx context.Context, c *registry.Context, page *registry.Page, action *types.Action) error {
	lease := c.Lease()
	if lease == nil {
		proxyURL := ""
		if ep, err := e.lookupProxy(action, c.ID); err != nil {
			return err
		} else if ep != nil {
			proxyURL = ep.URL()
		}

		l, err := e.pool.Acquire(ctx, browser.AcquireRequest{
			ContextID: c.ID,
			ProxyURL:  proxyURL,
		})
		if err != nil {
			return err
		}
		if err := c.BindLease(l); err != nil {
			l.Release()
			return err
		}
		lease = l
	}

	d, err := lease.Instance().NewPage(ctx, browser.PageOptions{
		Stealth:   c.Config.Stealth,
		Incognito: c.Config.Incognito,
		Viewport:  c.Config.Viewport,
		UserAgent: c.Config.UserAgent,
	})
	if err != nil {
		return err
	}
	page.Attach(d)
	return nil
}

// lookupProxy resolves the context's proxy for the action's target URL.
func (e *Executor) lookupProxy(action *types.Action, contextID string) (*proxy.Endpoint, error) {
	if e.proxy == nil {
		return nil, nil
	}
	return e.proxy.GetProxyForURL(action.URL, contextID)
}

// record appends the action to the context's history ring, updates metrics,
// and publishes the lifecycle event. Runs after dispatch, outside registry
// critical sections.
func (e *Executor) record(c *registry.Context, action *types.Action, pageID string, start, end time.Time, warnings []string, err error) {
	status := "success"
	kind := types.Kind("")
	if err != nil {
		status = "error"
		kind = types.KindOf(err)
	}
	duration := end.Sub(start)

	e.historyFor(c.ID).append(ActionRecord{
		ID:       uuid.NewString(),
		Type:     action.Type,
		PageID:   pageID,
		OK:       err == nil,
		Kind:     kind,
		Duration: duration,
		At:       start,
		Params:   security.RedactActionParams(actionParams(action)),
		Warnings: warnings,
	})

	metrics.RecordAction(string(action.Type), status, duration)

	topic := events.TopicPageAction
	if action.Type == types.ActionNavigate {
		topic = events.TopicPageNavigation
	}
	e.bus.Publish(topic, "internal", map[string]any{
		"context_id": c.ID,
		"page_id":    pageID,
		"action":     string(action.Type),
		"ok":         err == nil,
		"kind":       string(kind),
		"duration":   duration.Milliseconds(),
	})

	evt := log.Debug()
	if err != nil {
		evt = log.Warn().Err(err)
	}
	evt.
		Str("context_id", c.ID).
		Str("action", string(action.Type)).
		Dur("duration", duration).
		Msg("Action executed")
}

// actionParams extracts the loggable parameters of an action.
func actionParams(a *types.Action) map[string]any {
	params := map[string]any{}
	if a.URL != "" {
		params["url"] = a.URL
	}
	if a.Selector != "" {
		params["selector"] = a.Selector
	}
	if a.Text != "" {
		params["text"] = a.Text
	}
	if a.Code != "" {
		params["code"] = a.Code
	}
	if a.Direction != "" {
		params["direction"] = a.Direction
	}
	if a.CookieOp != "" {
		params["cookieOp"] = a.CookieOp
	}
	if len(a.Cookies) > 0 {
		params["cookies"] = len(a.Cookies)
	}
	if a.Viewport != nil {
		params["viewport"] = map[string]any{"width": a.Viewport.Width, "height": a.Viewport.Height}
	}
	if a.UserAgent != "" {
		params["userAgent"] = a.UserAgent
	}
	if a.FilePath != "" {
		params["filePath"] = a.FilePath
	}
	if len(params) == 0 {
		return nil
	}
	return params
}

// ExecuteBatch runs up to MaxBatchSize actions against one context.
// Parallel batches require every action to name a distinct page.
func (e *Executor) ExecuteBatch(ctx context.Context, principal types.Principal, contextID string, actions []types.Action, opts BatchOptions) ([]BatchItem, error) {
	const op = "executor.ExecuteBatch"
	if len(actions) == 0 {
		return nil, types.Ef(types.KindInvalidArgument, op, "batch is empty")
	}
	if len(actions) > types.MaxBatchSize {
		return nil, types.E(types.KindInvalidArgument, op, types.ErrBatchTooLarge)
	}

	c, err := e.reg.GetContext(principal, contextID)
	if err != nil {
		return nil, err
	}

	parallel := opts.Parallel
	if parallel > e.cfg.BatchParallel {
		parallel = e.cfg.BatchParallel
	}
	if parallel > 1 {
		return e.executeParallel(ctx, principal, c, actions, parallel)
	}

	c.LockActions()
	defer c.UnlockActions()

	items := make([]BatchItem, 0, len(actions))
	for i := range actions {
		res, err := e.executeOnContext(ctx, principal, c, &actions[i])
		item := BatchItem{Index: i, Result: res}
		if err != nil {
			item.Error = err.Error()
			item.Kind = types.KindOf(err)
		}
		items = append(items, item)
		if err != nil && opts.StopOnError {
			break
		}
	}
	return items, nil
}

func (e *Executor) executeParallel(ctx context.Context, principal types.Principal, c *registry.Context, actions []types.Action, parallel int) ([]BatchItem, error) {
	const op = "executor.ExecuteBatch"
	seen := make(map[string]bool, len(actions))
	for i := range actions {
		id := actions[i].PageID
		if id == "" {
			return nil, types.Ef(types.KindInvalidArgument, op,
				"parallel batches require an explicit pageId on every action")
		}
		if seen[id] {
			return nil, types.Ef(types.KindInvalidArgument, op,
				"parallel batches require distinct pages, %s repeats", id)
		}
		seen[id] = true
	}

	items := make([]BatchItem, len(actions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i := range actions {
		g.Go(func() error {
			res, err := e.executeOnContext(gctx, principal, c, &actions[i])
			items[i] = BatchItem{Index: i, Result: res}
			if err != nil {
				items[i].Error = err.Error()
				items[i].Kind = types.KindOf(err)
			}
			return nil
		})
	}
	g.Wait()
	return items, nil
}
