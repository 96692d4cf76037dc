// Package core is the service facade the transport adapters call. It owns
// the cross-component wiring (crash detach, proxy release) and exposes the
// stable operation set; adapters contain no business logic.
package core

import (
	"context"
	"time"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/executor"
	"github.com/browsergrid/browsergrid/internal/proxy"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Service bundles the core components behind the adapter-facing API.
type Service struct {
	cfg   *config.Config
	bus   *events.Bus
	reg   *registry.Registry
	pool  *browser.Pool
	proxy *proxy.Manager
	exec  *executor.Executor

	started time.Time
}

// New wires the components together: browser crashes detach contexts into
// RECOVERING, and closing a context releases its proxy assignment.
func New(cfg *config.Config, bus *events.Bus, reg *registry.Registry, pool *browser.Pool, pm *proxy.Manager, exec *executor.Executor) *Service {
	pool.SetDetachFunc(func(contextIDs []string) {
		reg.MarkRecovering(contextIDs...)
	})
	if pm != nil {
		reg.SetOnContextClose(pm.ReleaseContext)
	}
	return &Service{
		cfg:     cfg,
		bus:     bus,
		reg:     reg,
		pool:    pool,
		proxy:   pm,
		exec:    exec,
		started: time.Now(),
	}
}

// Bus exposes the event bus for push adapters.
func (s *Service) Bus() *events.Bus { return s.bus }

// CreateSession registers a session for the principal.
func (s *Service) CreateSession(principal types.Principal, ttl time.Duration, metadata map[string]string) (registry.SessionInfo, error) {
	sess, err := s.reg.CreateSession(principal, ttl, metadata)
	if err != nil {
		return registry.SessionInfo{}, err
	}
	return sess.Snapshot(), nil
}

// GetSession fetches one session.
func (s *Service) GetSession(principal types.Principal, id string) (registry.SessionInfo, error) {
	sess, err := s.reg.GetSession(principal, id)
	if err != nil {
		return registry.SessionInfo{}, err
	}
	return sess.Snapshot(), nil
}

// ListSessions lists the sessions visible to the principal.
func (s *Service) ListSessions(principal types.Principal, filter registry.ListFilter) ([]registry.SessionInfo, error) {
	sessions, err := s.reg.ListSessions(principal, filter)
	if err != nil {
		return nil, err
	}
	out := make([]registry.SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out, nil
}

// UpdateSessionMetadata merges the patch into the session metadata.
func (s *Service) UpdateSessionMetadata(principal types.Principal, id string, patch map[string]string) (registry.SessionInfo, error) {
	sess, err := s.reg.UpdateSessionMetadata(principal, id, patch)
	if err != nil {
		return registry.SessionInfo{}, err
	}
	return sess.Snapshot(), nil
}

// ExtendSession pushes the session expiry out by ttl.
func (s *Service) ExtendSession(principal types.Principal, id string, ttl time.Duration) (registry.SessionInfo, error) {
	sess, err := s.reg.ExtendSession(principal, id, ttl)
	if err != nil {
		return registry.SessionInfo{}, err
	}
	return sess.Snapshot(), nil
}

// DeleteSession removes the session and everything under it.
func (s *Service) DeleteSession(principal types.Principal, id string) error {
	return s.reg.DeleteSession(principal, id)
}

// CreateContext adds a context to the session and registers its proxy
// policy with the proxy manager.
func (s *Service) CreateContext(principal types.Principal, sessionID string, ccfg types.ContextConfig) (registry.ContextInfo, error) {
	c, err := s.reg.CreateContext(principal, sessionID, ccfg)
	if err != nil {
		return registry.ContextInfo{}, err
	}
	if s.proxy != nil && ccfg.ProxyPolicy.Enabled {
		s.proxy.ConfigureContextProxy(c.ID, ccfg.ProxyPolicy)
	}
	return c.Snapshot(), nil
}

// GetContext fetches one context.
func (s *Service) GetContext(principal types.Principal, id string) (registry.ContextInfo, error) {
	c, err := s.reg.GetContext(principal, id)
	if err != nil {
		return registry.ContextInfo{}, err
	}
	return c.Snapshot(), nil
}

// ListContexts lists the session's open contexts.
func (s *Service) ListContexts(principal types.Principal, sessionID string) ([]registry.ContextInfo, error) {
	contexts, err := s.reg.ListContexts(principal, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]registry.ContextInfo, 0, len(contexts))
	for _, c := range contexts {
		out = append(out, c.Snapshot())
	}
	return out, nil
}

// CloseContext closes one context, releasing its browser and proxy.
func (s *Service) CloseContext(principal types.Principal, id string) error {
	return s.reg.CloseContext(principal, id)
}

// CreatePage adds a page record to the context. The page is realized in the
// browser on its first action.
func (s *Service) CreatePage(principal types.Principal, contextID string) (registry.PageInfo, error) {
	p, err := s.reg.CreatePage(principal, contextID)
	if err != nil {
		return registry.PageInfo{}, err
	}
	return p.Snapshot(), nil
}

// GetPage fetches one page.
func (s *Service) GetPage(principal types.Principal, pageID string) (registry.PageInfo, error) {
	p, _, err := s.reg.GetPage(principal, pageID)
	if err != nil {
		return registry.PageInfo{}, err
	}
	return p.Snapshot(), nil
}

// ClosePage closes one page, leaving its context open.
func (s *Service) ClosePage(principal types.Principal, pageID string) error {
	return s.reg.ClosePage(principal, pageID)
}

// Execute runs one action against the context.
func (s *Service) Execute(ctx context.Context, principal types.Principal, contextID string, action *types.Action) (*executor.Result, error) {
	return s.exec.Execute(ctx, principal, contextID, action)
}

// ExecuteBatch runs a bounded batch of actions against the context.
func (s *Service) ExecuteBatch(ctx context.Context, principal types.Principal, contextID string, actions []types.Action, opts executor.BatchOptions) ([]executor.BatchItem, error) {
	return s.exec.ExecuteBatch(ctx, principal, contextID, actions, opts)
}

// ActionHistory returns the context's recent action records, newest first.
func (s *Service) ActionHistory(principal types.Principal, contextID string, limit int) ([]executor.ActionRecord, error) {
	return s.exec.History(principal, contextID, limit)
}

// ContextMetrics returns the context's aggregated action metrics.
func (s *Service) ContextMetrics(principal types.Principal, contextID string) (executor.ContextMetrics, error) {
	return s.exec.Metrics(principal, contextID)
}
