// Package registry tracks sessions, browser contexts, and pages. It is pure
// bookkeeping: browser leases and proxy assignments are bound by the core
// service and only recorded here. All entities are reached through a
// pluggable Store; authorization is enforced on every lookup.
package registry

import (
	"sync"
	"time"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/types"
)

// ContextState is the lifecycle state of a browser context.
type ContextState string

const (
	// StatePending means no browser lease has been bound yet.
	StatePending ContextState = "PENDING"
	// StateActive means the context is bound to a live browser instance.
	StateActive ContextState = "ACTIVE"
	// StateRecovering means the bound browser crashed; the next acquisition
	// re-binds the context to a fresh instance.
	StateRecovering ContextState = "RECOVERING"
	// StateClosed is terminal.
	StateClosed ContextState = "CLOSED"
)

// Session owns a set of contexts on behalf of one principal.
type Session struct {
	ID        string
	Principal types.Principal
	CreatedAt time.Time

	// mu serializes operations against this session.
	mu           sync.Mutex
	expiresAt    time.Time
	lastActivity time.Time
	metadata     map[string]string
	contexts     map[string]bool
}

// SessionInfo is the wire-safe snapshot of a session.
type SessionInfo struct {
	ID           string            `json:"id" msgpack:"id"`
	UserID       string            `json:"userId" msgpack:"userId"`
	CreatedAt    time.Time         `json:"createdAt" msgpack:"createdAt"`
	ExpiresAt    time.Time         `json:"expiresAt" msgpack:"expiresAt"`
	LastActivity time.Time         `json:"lastActivity" msgpack:"lastActivity"`
	Metadata     map[string]string `json:"metadata,omitempty" msgpack:"metadata,omitempty"`
	ContextCount int               `json:"contextCount" msgpack:"contextCount"`
}

// Snapshot copies the session state for serialization.
func (s *Session) Snapshot() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	md := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		md[k] = v
	}
	return SessionInfo{
		ID:           s.ID,
		UserID:       s.Principal.UserID,
		CreatedAt:    s.CreatedAt,
		ExpiresAt:    s.expiresAt,
		LastActivity: s.lastActivity,
		Metadata:     md,
		ContextCount: len(s.contexts),
	}
}

// Expired reports whether the session is past its expiry.
func (s *Session) Expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.After(s.expiresAt)
}

// ExpiresAt returns the current expiry deadline.
func (s *Session) ExpiresAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expiresAt
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

func (s *Session) contextIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.contexts))
	for id := range s.contexts {
		ids = append(ids, id)
	}
	return ids
}

// Context is one isolated browsing context inside a session. Its Config is
// an immutable snapshot taken at creation.
type Context struct {
	ID        string
	SessionID string
	Owner     string // principal user id, denormalized for authorization
	Config    types.ContextConfig
	CreatedAt time.Time

	// actionMu serializes action execution so the record/metrics/event
	// tail of two concurrent actions never interleaves.
	actionMu sync.Mutex

	mu    sync.Mutex
	state ContextState
	lease *browser.Lease
	pages map[string]bool
}

// ContextInfo is the wire-safe snapshot of a context.
type ContextInfo struct {
	ID        string              `json:"id" msgpack:"id"`
	SessionID string              `json:"sessionId" msgpack:"sessionId"`
	State     ContextState        `json:"state" msgpack:"state"`
	Config    types.ContextConfig `json:"config" msgpack:"config"`
	CreatedAt time.Time           `json:"createdAt" msgpack:"createdAt"`
	PageCount int                 `json:"pageCount" msgpack:"pageCount"`
}

// Snapshot copies the context state for serialization.
func (c *Context) Snapshot() ContextInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ContextInfo{
		ID:        c.ID,
		SessionID: c.SessionID,
		State:     c.state,
		Config:    c.Config,
		CreatedAt: c.CreatedAt,
		PageCount: len(c.pages),
	}
}

// State returns the current lifecycle state.
func (c *Context) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LockActions serializes action execution on this context.
func (c *Context) LockActions() { c.actionMu.Lock() }

// UnlockActions releases the action serialization lock.
func (c *Context) UnlockActions() { c.actionMu.Unlock() }

// Lease returns the bound browser lease, or nil when unbound.
func (c *Context) Lease() *browser.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease
}

// BindLease attaches a pool lease and moves the context to ACTIVE. Binding
// over an existing lease is an invariant violation and is rejected.
func (c *Context) BindLease(l *browser.Lease) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return types.E(types.KindNotFound, "registry.BindLease", types.ErrContextClosed)
	}
	if c.lease != nil {
		return types.Ef(types.KindInternal, "registry.BindLease", "context %s already bound", c.ID)
	}
	c.lease = l
	c.state = StateActive
	return nil
}

// ReleaseLease releases the bound lease and returns the context to PENDING
// so the next action re-binds to a fresh instance.
func (c *Context) ReleaseLease() {
	c.mu.Lock()
	l := c.lease
	c.lease = nil
	if c.state == StateActive {
		c.state = StatePending
	}
	c.mu.Unlock()
	if l != nil {
		l.Release()
	}
}

// takeLease detaches and returns the bound lease, if any.
func (c *Context) takeLease() *browser.Lease {
	c.mu.Lock()
	defer c.mu.Unlock()
	l := c.lease
	c.lease = nil
	return l
}

func (c *Context) pageIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pages))
	for id := range c.pages {
		ids = append(ids, id)
	}
	return ids
}

// Page is one tab inside a context. The driver handle is attached by the
// core once the page exists in the browser.
type Page struct {
	ID        string
	ContextID string
	CreatedAt time.Time

	mu       sync.Mutex
	driver   browser.Page
	url      string
	lastUsed time.Time
}

// PageInfo is the wire-safe snapshot of a page.
type PageInfo struct {
	ID        string    `json:"id" msgpack:"id"`
	ContextID string    `json:"contextId" msgpack:"contextId"`
	URL       string    `json:"url,omitempty" msgpack:"url,omitempty"`
	Ready     bool      `json:"ready" msgpack:"ready"`
	CreatedAt time.Time `json:"createdAt" msgpack:"createdAt"`
	LastUsed  time.Time `json:"lastUsed" msgpack:"lastUsed"`
}

// Snapshot copies the page state for serialization.
func (p *Page) Snapshot() PageInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PageInfo{
		ID:        p.ID,
		ContextID: p.ContextID,
		URL:       p.url,
		Ready:     p.driver != nil,
		CreatedAt: p.CreatedAt,
		LastUsed:  p.lastUsed,
	}
}

// Attach binds the live driver page handle.
func (p *Page) Attach(d browser.Page) {
	p.mu.Lock()
	p.driver = d
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// Driver returns the live page handle, or nil when the page is not bound
// (never navigated, or detached after a crash).
func (p *Page) Driver() browser.Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.driver
}

// SetURL records the page's last known URL.
func (p *Page) SetURL(u string) {
	p.mu.Lock()
	p.url = u
	p.lastUsed = time.Now()
	p.mu.Unlock()
}

// Detach drops the driver handle without closing it, for pages whose
// backing browser is gone or being swapped.
func (p *Page) Detach() browser.Page {
	return p.detach()
}

// detach drops the driver handle and returns it for closing.
func (p *Page) detach() browser.Page {
	p.mu.Lock()
	d := p.driver
	p.driver = nil
	p.mu.Unlock()
	return d
}
