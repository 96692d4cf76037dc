package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/types"
)

const maxSessionTTL = 24 * time.Hour

// ListFilter narrows ListSessions. Non-admin callers are always restricted
// to their own sessions regardless of the filter.
type ListFilter struct {
	UserID string
}

// Registry is the session, context, and page bookkeeper.
type Registry struct {
	cfg   *config.Config
	bus   *events.Bus
	store Store

	// mu guards the principal index and the session counter.
	mu          sync.Mutex
	byPrincipal map[string]map[string]bool
	sessions    int

	// onContextClose releases external per-context state (proxy
	// assignments). Set once during wiring, before traffic.
	onContextClose func(contextID string)

	stopCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// New creates a registry over the given store and starts the expiry sweeper.
func New(cfg *config.Config, bus *events.Bus, store Store) *Registry {
	if store == nil {
		store = NewMemStore()
	}
	r := &Registry{
		cfg:         cfg,
		bus:         bus,
		store:       store,
		byPrincipal: make(map[string]map[string]bool),
		stopCh:      make(chan struct{}),
	}
	if cfg.SessionSweepEvery > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.sweepLoop()
		}()
	}
	return r
}

// SetOnContextClose registers the hook invoked whenever a context closes,
// including cascades and expiry sweeps.
func (r *Registry) SetOnContextClose(fn func(contextID string)) {
	r.mu.Lock()
	r.onContextClose = fn
	r.mu.Unlock()
}

func (r *Registry) contextCloseHook() func(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onContextClose
}

// authorize verifies the principal may act on a resource owned by ownerID.
func authorize(op string, principal types.Principal, ownerID string) error {
	if principal.UserID == "" {
		return types.E(types.KindUnauthorized, op, types.ErrNoPrincipal)
	}
	if principal.UserID != ownerID && !principal.IsAdmin() {
		return types.E(types.KindPermissionDenied, op, types.ErrNotOwner)
	}
	return nil
}

// CreateSession registers a session for the principal. A non-positive ttl
// uses the configured default; ttl is capped at 24h.
func (r *Registry) CreateSession(principal types.Principal, ttl time.Duration, metadata map[string]string) (*Session, error) {
	const op = "registry.CreateSession"
	if principal.UserID == "" {
		return nil, types.E(types.KindUnauthorized, op, types.ErrNoPrincipal)
	}
	if ttl <= 0 {
		ttl = r.cfg.SessionTTL
	}
	if ttl > maxSessionTTL {
		ttl = maxSessionTTL
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, types.Ef(types.KindInternal, op, "registry is shut down")
	}
	if r.sessions >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return nil, types.E(types.KindResourceExhausted, op, types.ErrTooManySessions)
	}
	r.sessions++

	now := time.Now()
	s := &Session{
		ID:           uuid.NewString(),
		Principal:    principal,
		CreatedAt:    now,
		expiresAt:    now.Add(ttl),
		lastActivity: now,
		metadata:     copyMeta(metadata),
		contexts:     make(map[string]bool),
	}
	idx := r.byPrincipal[principal.UserID]
	if idx == nil {
		idx = make(map[string]bool)
		r.byPrincipal[principal.UserID] = idx
	}
	idx[s.ID] = true
	r.mu.Unlock()

	r.store.PutSession(s)
	r.publishGauges()
	r.bus.Publish(events.TopicSessionCreated, "internal", map[string]any{
		"session_id": s.ID,
		"user_id":    principal.UserID,
	})
	log.Info().
		Str("session_id", s.ID).
		Str("user_id", principal.UserID).
		Dur("ttl", ttl).
		Msg("Session created")
	return s, nil
}

// GetSession fetches a session the principal owns. Expired sessions report
// NotFound even before the sweeper removes them.
func (r *Registry) GetSession(principal types.Principal, id string) (*Session, error) {
	const op = "registry.GetSession"
	s, ok := r.store.GetSession(id)
	if !ok {
		return nil, types.E(types.KindNotFound, op, types.ErrSessionNotFound)
	}
	if err := authorize(op, principal, s.Principal.UserID); err != nil {
		return nil, err
	}
	if s.Expired(time.Now()) {
		return nil, types.E(types.KindNotFound, op, types.ErrSessionExpired)
	}
	s.touch(time.Now())
	return s, nil
}

// ListSessions returns the sessions visible to the principal, sorted by id.
func (r *Registry) ListSessions(principal types.Principal, filter ListFilter) ([]*Session, error) {
	const op = "registry.ListSessions"
	if principal.UserID == "" {
		return nil, types.E(types.KindUnauthorized, op, types.ErrNoPrincipal)
	}
	userID := filter.UserID
	if !principal.IsAdmin() {
		userID = principal.UserID
	}

	now := time.Now()
	var out []*Session
	r.store.ForEachSession(func(s *Session) bool {
		if userID != "" && s.Principal.UserID != userID {
			return true
		}
		if s.Expired(now) {
			return true
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateSessionMetadata merges patch into the session metadata. An empty
// value removes the key.
func (r *Registry) UpdateSessionMetadata(principal types.Principal, id string, patch map[string]string) (*Session, error) {
	s, err := r.GetSession(principal, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for k, v := range patch {
		if v == "" {
			delete(s.metadata, k)
		} else {
			s.metadata[k] = v
		}
	}
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return s, nil
}

// ExtendSession pushes the expiry out by ttl from now (default TTL when
// non-positive, capped at 24h).
func (r *Registry) ExtendSession(principal types.Principal, id string, ttl time.Duration) (*Session, error) {
	s, err := r.GetSession(principal, id)
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = r.cfg.SessionTTL
	}
	if ttl > maxSessionTTL {
		ttl = maxSessionTTL
	}
	now := time.Now()
	s.mu.Lock()
	s.expiresAt = now.Add(ttl)
	s.lastActivity = now
	s.mu.Unlock()
	return s, nil
}

// DeleteSession removes the session and cascades: every context is closed,
// releasing its lease, pages, and proxy assignment.
func (r *Registry) DeleteSession(principal types.Principal, id string) error {
	const op = "registry.DeleteSession"
	s, ok := r.store.GetSession(id)
	if !ok {
		return types.E(types.KindNotFound, op, types.ErrSessionNotFound)
	}
	if err := authorize(op, principal, s.Principal.UserID); err != nil {
		return err
	}
	r.removeSession(s, events.TopicSessionDeleted)
	return nil
}

// removeSession is the shared teardown path for delete and expiry.
func (r *Registry) removeSession(s *Session, topic string) {
	for _, ctxID := range s.contextIDs() {
		if c, ok := r.store.GetContext(ctxID); ok {
			r.closeContext(c)
		}
	}

	r.store.DeleteSession(s.ID)
	r.mu.Lock()
	if idx := r.byPrincipal[s.Principal.UserID]; idx != nil {
		delete(idx, s.ID)
		if len(idx) == 0 {
			delete(r.byPrincipal, s.Principal.UserID)
		}
	}
	r.sessions--
	r.mu.Unlock()

	r.publishGauges()
	r.bus.Publish(topic, "internal", map[string]any{
		"session_id": s.ID,
		"user_id":    s.Principal.UserID,
	})
	log.Info().Str("session_id", s.ID).Str("topic", topic).Msg("Session removed")
}

// CreateContext adds a context to the session. The config snapshot is
// immutable from here on.
func (r *Registry) CreateContext(principal types.Principal, sessionID string, ccfg types.ContextConfig) (*Context, error) {
	const op = "registry.CreateContext"
	s, err := r.GetSession(principal, sessionID)
	if err != nil {
		return nil, err
	}

	if ccfg.Viewport.Width == 0 && ccfg.Viewport.Height == 0 {
		ccfg.Viewport = types.Viewport{Width: 1280, Height: 720}
	}
	ccfg.Viewport = ccfg.Viewport.Normalize()
	if err := ccfg.Viewport.Validate(); err != nil {
		return nil, types.E(types.KindInvalidArgument, op, err)
	}
	if ccfg.DefaultTimeout <= 0 {
		ccfg.DefaultTimeout = r.cfg.DefaultTimeout
	}

	c := &Context{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Owner:     s.Principal.UserID,
		Config:    ccfg,
		CreatedAt: time.Now(),
		state:     StatePending,
		pages:     make(map[string]bool),
	}

	s.mu.Lock()
	if len(s.contexts) >= r.cfg.MaxContextsPerSess {
		s.mu.Unlock()
		return nil, types.Ef(types.KindResourceExhausted, op,
			"session %s has reached the context limit of %d", sessionID, r.cfg.MaxContextsPerSess)
	}
	s.contexts[c.ID] = true
	s.mu.Unlock()

	r.store.PutContext(c)
	r.publishGauges()
	r.bus.Publish(events.TopicContextCreated, "internal", map[string]any{
		"context_id": c.ID,
		"session_id": sessionID,
	})
	return c, nil
}

// GetContext fetches a context the principal owns.
func (r *Registry) GetContext(principal types.Principal, id string) (*Context, error) {
	const op = "registry.GetContext"
	c, ok := r.store.GetContext(id)
	if !ok {
		return nil, types.E(types.KindNotFound, op, types.ErrContextNotFound)
	}
	if err := authorize(op, principal, c.Owner); err != nil {
		return nil, err
	}
	if c.State() == StateClosed {
		return nil, types.E(types.KindNotFound, op, types.ErrContextClosed)
	}
	return c, nil
}

// ListContexts returns the session's open contexts, sorted by id.
func (r *Registry) ListContexts(principal types.Principal, sessionID string) ([]*Context, error) {
	s, err := r.GetSession(principal, sessionID)
	if err != nil {
		return nil, err
	}
	var out []*Context
	for _, id := range s.contextIDs() {
		if c, ok := r.store.GetContext(id); ok && c.State() != StateClosed {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CloseContext closes a context the principal owns.
func (r *Registry) CloseContext(principal types.Principal, id string) error {
	const op = "registry.CloseContext"
	c, ok := r.store.GetContext(id)
	if !ok {
		return types.E(types.KindNotFound, op, types.ErrContextNotFound)
	}
	if err := authorize(op, principal, c.Owner); err != nil {
		return err
	}
	if s, ok := r.store.GetSession(c.SessionID); ok {
		s.mu.Lock()
		delete(s.contexts, c.ID)
		s.mu.Unlock()
	}
	r.closeContext(c)
	return nil
}

// closeContext tears a context down: pages detached and closed, lease
// released, external state released, events published.
func (r *Registry) closeContext(c *Context) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()

	for _, pageID := range c.pageIDs() {
		if p, ok := r.store.GetPage(pageID); ok {
			if d := p.detach(); d != nil {
				if err := d.Close(); err != nil {
					log.Debug().Str("page_id", pageID).Err(err).Msg("Error closing page")
				}
			}
			r.store.DeletePage(pageID)
		}
	}

	if l := c.takeLease(); l != nil {
		l.Release()
	}
	if hook := r.contextCloseHook(); hook != nil {
		hook(c.ID)
	}

	r.store.DeleteContext(c.ID)
	r.publishGauges()
	r.bus.Publish(events.TopicContextClosed, "internal", map[string]any{
		"context_id": c.ID,
		"session_id": c.SessionID,
	})
}

// MarkRecovering detaches contexts from a crashed browser: the lease
// reference is dropped (the pool already discarded the instance) and page
// handles are invalidated. Wired as the pool's detach callback.
func (r *Registry) MarkRecovering(contextIDs ...string) {
	for _, id := range contextIDs {
		c, ok := r.store.GetContext(id)
		if !ok {
			continue
		}
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			continue
		}
		c.state = StateRecovering
		c.lease = nil
		c.mu.Unlock()

		for _, pageID := range c.pageIDs() {
			if p, ok := r.store.GetPage(pageID); ok {
				p.detach()
			}
		}
		r.bus.Publish(events.TopicContextStateChanged, "internal", map[string]any{
			"context_id": id,
			"state":      string(StateRecovering),
		})
		log.Warn().Str("context_id", id).Msg("Context detached from crashed browser")
	}
}

// CreatePage registers a page record in the context. The driver handle is
// attached by the core when the page is realized in the browser.
func (r *Registry) CreatePage(principal types.Principal, contextID string) (*Page, error) {
	const op = "registry.CreatePage"
	c, err := r.GetContext(principal, contextID)
	if err != nil {
		return nil, err
	}

	p := &Page{
		ID:        uuid.NewString(),
		ContextID: contextID,
		CreatedAt: time.Now(),
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil, types.E(types.KindNotFound, op, types.ErrContextClosed)
	}
	if len(c.pages) >= r.cfg.MaxPagesPerContext {
		c.mu.Unlock()
		return nil, types.Ef(types.KindResourceExhausted, op,
			"context %s has reached the page limit of %d", contextID, r.cfg.MaxPagesPerContext)
	}
	c.pages[p.ID] = true
	c.mu.Unlock()

	r.store.PutPage(p)
	return p, nil
}

// GetPage fetches a page and its owning context, authorizing the principal.
func (r *Registry) GetPage(principal types.Principal, pageID string) (*Page, *Context, error) {
	const op = "registry.GetPage"
	p, ok := r.store.GetPage(pageID)
	if !ok {
		return nil, nil, types.E(types.KindNotFound, op, types.ErrPageNotFound)
	}
	c, err := r.GetContext(principal, p.ContextID)
	if err != nil {
		return nil, nil, err
	}
	return p, c, nil
}

// PagesOf returns the live page records of a context.
func (r *Registry) PagesOf(c *Context) []*Page {
	var out []*Page
	for _, id := range c.pageIDs() {
		if p, ok := r.store.GetPage(id); ok {
			out = append(out, p)
		}
	}
	return out
}

// ClosePage closes one page, leaving the context open.
func (r *Registry) ClosePage(principal types.Principal, pageID string) error {
	p, c, err := r.GetPage(principal, pageID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.pages, p.ID)
	c.mu.Unlock()

	if d := p.detach(); d != nil {
		if err := d.Close(); err != nil {
			log.Debug().Str("page_id", pageID).Err(err).Msg("Error closing page")
		}
	}
	r.store.DeletePage(pageID)
	return nil
}

// Counts returns live entity totals.
func (r *Registry) Counts() (sessions, contexts, pages int) {
	return r.store.Counts()
}

func (r *Registry) publishGauges() {
	sessions, contexts, _ := r.store.Counts()
	metrics.UpdateRegistryMetrics(sessions, contexts)
}

func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SessionSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

// sweepExpired removes sessions past expiry. Two phases: collect under the
// store's read locks, then tear down outside them.
func (r *Registry) sweepExpired() {
	now := time.Now()
	var expired []*Session
	r.store.ForEachSession(func(s *Session) bool {
		if s.Expired(now) {
			expired = append(expired, s)
		}
		return true
	})

	for _, s := range expired {
		r.removeSession(s, events.TopicSessionExpired)
		metrics.SessionsExpired.Inc()
	}
	if len(expired) > 0 {
		log.Info().Int("count", len(expired)).Msg("Swept expired sessions")
	}
}

// Close stops the sweeper and tears down every remaining session.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()

	var all []*Session
	r.store.ForEachSession(func(s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		r.removeSession(s, events.TopicSessionDeleted)
	}
	log.Debug().Msg("Registry closed")
}

func copyMeta(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
