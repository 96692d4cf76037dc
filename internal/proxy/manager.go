package proxy

import (
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/browsergrid/browsergrid/internal/config"
	"github.com/browsergrid/browsergrid/internal/events"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/security"
	"github.com/browsergrid/browsergrid/internal/types"
)

// Assignment is the sticky binding of a context to an endpoint.
type Assignment struct {
	ContextID         string    `json:"contextId"`
	EndpointID        string    `json:"endpointId"`
	AssignedAt        time.Time `json:"assignedAt"`
	ErrorsSinceAssign int       `json:"errorsSinceAssign"`
	NextRotation      time.Time `json:"nextRotation"`
}

// Stats summarizes pool and assignment state.
type Stats struct {
	Endpoints   []Endpoint `json:"endpoints"`
	Healthy     int        `json:"healthy"`
	Assignments int        `json:"assignments"`
	Rotations   int64      `json:"rotations"`
	Failures    int64      `json:"failures"`
}

// Manager owns the proxy endpoint pool. Contexts get sticky assignments
// that rotate on a timer, on error (per policy), or when the assigned
// endpoint goes unhealthy.
type Manager struct {
	cfg *config.Config
	bus *events.Bus

	mu          sync.Mutex
	endpoints   []*Endpoint
	byID        map[string]*Endpoint
	policies    map[string]types.ProxyPolicy
	assignments map[string]*Assignment
	rrIndex     int
	rotations   int64
	failures    int64

	// probeFn checks one endpoint; replaced in tests.
	probeFn func(e *Endpoint) (time.Duration, error)

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

// NewManager loads the pool file (when configured), starts the health
// prober, and optionally watches the file for hot reload. An empty pool
// path yields a manager that assigns no proxies.
func NewManager(cfg *config.Config, bus *events.Bus) (*Manager, error) {
	m := &Manager{
		cfg:         cfg,
		bus:         bus,
		byID:        make(map[string]*Endpoint),
		policies:    make(map[string]types.ProxyPolicy),
		assignments: make(map[string]*Assignment),
		stopCh:      make(chan struct{}),
	}
	m.probeFn = m.dialProbe

	if cfg.ProxyPoolPath == "" {
		log.Info().Msg("No proxy pool configured")
		return m, nil
	}

	eps, err := loadPoolFile(cfg.ProxyPoolPath)
	if err != nil {
		return nil, err
	}
	for _, e := range eps {
		if err := security.ValidateProxyURL(e.URL(), cfg.AllowLocalProxies); err != nil {
			return nil, err
		}
	}
	m.setEndpoints(eps)
	log.Info().
		Int("endpoints", len(eps)).
		Str("strategy", cfg.ProxyStrategy).
		Msg("Proxy pool loaded")

	if cfg.ProxyHotReload {
		if err := m.startWatcher(); err != nil {
			log.Warn().Err(err).Msg("Failed to start proxy pool watcher, hot-reload disabled")
		}
	}

	if cfg.ProbeInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.probeLoop()
		}()
	}
	return m, nil
}

// Enabled reports whether any endpoints are configured.
func (m *Manager) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.endpoints) > 0
}

func (m *Manager) setEndpoints(eps []*Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Preserve health state across reloads by endpoint id.
	for _, e := range eps {
		if old, ok := m.byID[e.ID]; ok {
			e.Healthy = old.Healthy
			e.ConsecutiveFailures = old.ConsecutiveFailures
			e.TotalFailures = old.TotalFailures
			e.LastError = old.LastError
			e.LastSuccess = old.LastSuccess
			e.LatencyEWMA = old.LatencyEWMA
		}
	}

	m.endpoints = eps
	m.byID = make(map[string]*Endpoint, len(eps))
	for _, e := range eps {
		m.byID[e.ID] = e
	}

	// Drop assignments pointing at removed endpoints.
	for ctxID, a := range m.assignments {
		if _, ok := m.byID[a.EndpointID]; !ok {
			delete(m.assignments, ctxID)
		}
	}
	m.publishHealthGaugeLocked()
}

// ConfigureContextProxy records the proxy policy for a context.
func (m *Manager) ConfigureContextProxy(contextID string, policy types.ProxyPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[contextID] = policy
}

// ReleaseContext retires a context's assignment and policy. Called from
// the context-close cascade.
func (m *Manager) ReleaseContext(contextID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.assignments, contextID)
	delete(m.policies, contextID)
}

// GetProxyForURL resolves the proxy for a navigation. It returns nil when
// the context's policy is disabled, no healthy endpoint exists and none is
// assigned, or the URL's host matches the assigned endpoint's bypass list.
func (m *Manager) GetProxyForURL(rawURL, contextID string) (*Endpoint, error) {
	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Hostname()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	policy, ok := m.policies[contextID]
	if !ok || !policy.Enabled || len(m.endpoints) == 0 {
		return nil, nil
	}

	a := m.assignments[contextID]
	now := time.Now()

	rotateCause := ""
	switch {
	case a == nil:
		rotateCause = "initial"
	case !m.byID[a.EndpointID].Healthy:
		rotateCause = "unhealthy"
	case policy.RotateOnError && a.ErrorsSinceAssign > 0:
		rotateCause = "error"
	case !a.NextRotation.IsZero() && now.After(a.NextRotation):
		rotateCause = "interval"
	}

	if rotateCause != "" {
		ep := m.selectLocked(policy.Tags, assignedID(a))
		if ep == nil {
			// Nothing healthy to rotate to; keep the current endpoint
			// if there is one.
			if a == nil {
				return nil, types.E(types.KindUpstreamProxyFailure, "proxy.GetProxyForURL", types.ErrNoHealthyProxy)
			}
		} else {
			prev := assignedID(a)
			a = &Assignment{
				ContextID:  contextID,
				EndpointID: ep.ID,
				AssignedAt: now,
			}
			if policy.RotationInterval > 0 {
				a.NextRotation = now.Add(policy.RotationInterval)
			} else if m.cfg.RotationInterval > 0 {
				a.NextRotation = now.Add(m.cfg.RotationInterval)
			}
			m.assignments[contextID] = a
			if rotateCause == "initial" {
				m.bus.Publish(events.TopicProxyAssigned, "internal", map[string]any{
					"context_id":  contextID,
					"endpoint_id": ep.ID,
				})
			} else {
				m.rotations++
				metrics.ProxyRotations.WithLabelValues(rotateCause).Inc()
				m.bus.Publish(events.TopicProxyRotated, "internal", map[string]any{
					"context_id":  contextID,
					"endpoint_id": ep.ID,
					"previous":    prev,
					"cause":       rotateCause,
				})
				log.Info().
					Str("context_id", contextID).
					Str("endpoint_id", ep.ID).
					Str("cause", rotateCause).
					Msg("Rotated context proxy")
			}
		}
	}

	ep := m.byID[a.EndpointID]
	if host != "" && matchesBypass(host, ep.Bypass) {
		return nil, nil
	}
	snapshot := *ep
	return &snapshot, nil
}

func assignedID(a *Assignment) string {
	if a == nil {
		return ""
	}
	return a.EndpointID
}

// selectLocked applies the configured strategy over healthy, tag-matching
// endpoints, preferring not to re-pick excludeID.
func (m *Manager) selectLocked(tags []string, excludeID string) *Endpoint {
	var candidates []*Endpoint
	for _, e := range m.endpoints {
		if e.Healthy && e.HasTag(tags) && e.ID != excludeID {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 && excludeID != "" {
		// Only the excluded endpoint remains; re-use it if healthy.
		if e, ok := m.byID[excludeID]; ok && e.Healthy && e.HasTag(tags) {
			return e
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	switch m.cfg.ProxyStrategy {
	case "priority":
		best := candidates[0]
		for _, e := range candidates[1:] {
			if e.Priority > best.Priority {
				best = e
			}
		}
		return best
	case "least-failures":
		best := candidates[0]
		for _, e := range candidates[1:] {
			if e.TotalFailures < best.TotalFailures {
				best = e
			}
		}
		return best
	case "random":
		return candidates[rand.Intn(len(candidates))]
	default: // round-robin
		m.rrIndex++
		return candidates[m.rrIndex%len(candidates)]
	}
}

// ReportSuccess resets an endpoint's failure streak.
func (m *Manager) ReportSuccess(endpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byID[endpointID]
	if !ok {
		return
	}
	e.ConsecutiveFailures = 0
	e.LastError = ""
	e.LastSuccess = time.Now()
	if !e.Healthy {
		e.Healthy = true
		log.Info().Str("endpoint_id", endpointID).Msg("Proxy endpoint re-admitted")
		m.publishHealthGaugeLocked()
	}
	for _, a := range m.assignments {
		if a.EndpointID == endpointID {
			a.ErrorsSinceAssign = 0
		}
	}
}

// ReportFailure increments failure counters; at the failover threshold the
// endpoint is marked unhealthy and proxy.unhealthy is published.
func (m *Manager) ReportFailure(endpointID string, cause error) {
	m.mu.Lock()
	e, ok := m.byID[endpointID]
	if !ok {
		m.mu.Unlock()
		return
	}
	e.ConsecutiveFailures++
	e.TotalFailures++
	m.failures++
	if cause != nil {
		e.LastError = cause.Error()
	}
	for _, a := range m.assignments {
		if a.EndpointID == endpointID {
			a.ErrorsSinceAssign++
		}
	}

	nowUnhealthy := e.Healthy && e.ConsecutiveFailures >= m.cfg.FailoverThreshold
	if nowUnhealthy {
		e.Healthy = false
		m.publishHealthGaugeLocked()
	}
	fails := e.ConsecutiveFailures
	m.mu.Unlock()

	metrics.ProxyFailures.Inc()
	if nowUnhealthy {
		log.Warn().
			Str("endpoint_id", endpointID).
			Int("consecutive_failures", fails).
			Msg("Proxy endpoint marked unhealthy")
		m.bus.Publish(events.TopicProxyUnhealthy, "internal", map[string]any{
			"endpoint_id":          endpointID,
			"consecutive_failures": fails,
		})
	}
}

// Stats returns a snapshot of the pool.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Assignments: len(m.assignments),
		Rotations:   m.rotations,
		Failures:    m.failures,
	}
	for _, e := range m.endpoints {
		s.Endpoints = append(s.Endpoints, *e)
		if e.Healthy {
			s.Healthy++
		}
	}
	return s
}

func (m *Manager) publishHealthGaugeLocked() {
	healthy := 0
	for _, e := range m.endpoints {
		if e.Healthy {
			healthy++
		}
	}
	metrics.ProxyHealthy.Set(float64(healthy))
}

// Reload re-reads the pool file, preserving health state by endpoint id.
func (m *Manager) Reload() error {
	eps, err := loadPoolFile(m.cfg.ProxyPoolPath)
	if err != nil {
		return err
	}
	for _, e := range eps {
		if err := security.ValidateProxyURL(e.URL(), m.cfg.AllowLocalProxies); err != nil {
			return err
		}
	}
	m.setEndpoints(eps)
	log.Info().Int("endpoints", len(eps)).Msg("Proxy pool hot-reloaded")
	return nil
}

func (m *Manager) startWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.cfg.ProxyPoolPath); err != nil {
		watcher.Close()
		return err
	}
	m.watcher = watcher

	m.wg.Add(1)
	go m.watchFile()
	log.Info().Str("path", m.cfg.ProxyPoolPath).Msg("Hot-reload enabled for proxy pool file")
	return nil
}

func (m *Manager) watchFile() {
	defer m.wg.Done()

	// Coalesce rapid editor write bursts.
	const debounceDelay = 100 * time.Millisecond
	var debounce *time.Timer

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				if err := m.Reload(); err != nil {
					log.Warn().Err(err).Msg("Proxy pool hot-reload failed, keeping previous pool")
				}
			})

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Proxy pool watcher error")

		case <-m.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}

func (m *Manager) probeLoop() {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeAll()
		}
	}
}

func (m *Manager) probeAll() {
	m.mu.Lock()
	targets := make([]*Endpoint, len(m.endpoints))
	copy(targets, m.endpoints)
	m.mu.Unlock()

	for _, e := range targets {
		latency, err := m.probeFn(e)
		if err != nil {
			log.Debug().Str("endpoint_id", e.ID).Err(err).Msg("Proxy probe failed")
			m.ReportFailure(e.ID, err)
			continue
		}
		m.mu.Lock()
		if e.LatencyEWMA == 0 {
			e.LatencyEWMA = latency
		} else {
			e.LatencyEWMA = (e.LatencyEWMA*4 + latency) / 5
		}
		m.mu.Unlock()
		m.ReportSuccess(e.ID)
	}
}

// Close stops the prober and file watcher.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}
