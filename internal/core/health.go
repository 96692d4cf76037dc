package core

import (
	"time"

	"github.com/browsergrid/browsergrid/internal/browser"
	"github.com/browsergrid/browsergrid/internal/proxy"
)

// Component states reported by Health.
const (
	ComponentOperational = "operational"
	ComponentDegraded    = "degraded"
	ComponentDown        = "down"
)

// Overall health states.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus is the observability snapshot exposed to adapters.
type HealthStatus struct {
	Status     string            `json:"status" msgpack:"status"`
	UptimeMs   int64             `json:"uptimeMs" msgpack:"uptimeMs"`
	Components map[string]string `json:"components" msgpack:"components"`

	Pool     browser.PoolStats `json:"pool" msgpack:"pool"`
	Proxy    *proxy.Stats      `json:"proxy,omitempty" msgpack:"proxy,omitempty"`
	Sessions int               `json:"sessions" msgpack:"sessions"`
	Contexts int               `json:"contexts" msgpack:"contexts"`
	Pages    int               `json:"pages" msgpack:"pages"`

	EventsPublished int64 `json:"eventsPublished" msgpack:"eventsPublished"`
	EventsDropped   int64 `json:"eventsDropped" msgpack:"eventsDropped"`
}

// Health reports overall and per-component status. The pool is down with no
// usable instances, degraded while any instance is unhealthy; the proxy
// manager is degraded when every endpoint is unhealthy.
func (s *Service) Health() HealthStatus {
	poolStats := s.pool.Stats()
	sessions, contexts, pages := s.reg.Counts()
	published, dropped := s.bus.Stats()

	components := map[string]string{
		"registry": ComponentOperational,
		"events":   ComponentOperational,
	}

	switch {
	case poolStats.Capacity == 0:
		components["pool"] = ComponentDown
	case poolStats.Unhealthy > 0:
		components["pool"] = ComponentDegraded
	default:
		components["pool"] = ComponentOperational
	}

	h := HealthStatus{
		UptimeMs:        time.Since(s.started).Milliseconds(),
		Components:      components,
		Pool:            poolStats,
		Sessions:        sessions,
		Contexts:        contexts,
		Pages:           pages,
		EventsPublished: published,
		EventsDropped:   dropped,
	}

	if s.proxy != nil && s.proxy.Enabled() {
		ps := s.proxy.Stats()
		h.Proxy = &ps
		switch {
		case ps.Healthy == 0:
			components["proxy"] = ComponentDown
		case ps.Healthy < len(ps.Endpoints):
			components["proxy"] = ComponentDegraded
		default:
			components["proxy"] = ComponentOperational
		}
	}

	h.Status = StatusHealthy
	for _, state := range components {
		if state == ComponentDown {
			h.Status = StatusUnhealthy
			break
		}
		if state == ComponentDegraded {
			h.Status = StatusDegraded
		}
	}
	return h
}
