// Package proxy assigns upstream network proxies to browser contexts under
// a rotation and failover policy driven by health signals.
package proxy

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Endpoint is one upstream proxy. The yaml-tagged fields come from the pool
// file; the health fields are runtime state guarded by the manager mutex.
type Endpoint struct {
	ID       string   `yaml:"id" json:"id"`
	Protocol string   `yaml:"protocol" json:"protocol"` // http, https, socks5
	Host     string   `yaml:"host" json:"host"`
	Port     int      `yaml:"port" json:"port"`
	Username string   `yaml:"username,omitempty" json:"-"`
	Password string   `yaml:"password,omitempty" json:"-"`
	Bypass   []string `yaml:"bypass,omitempty" json:"bypass,omitempty"`
	Tags     []string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Priority int      `yaml:"priority,omitempty" json:"priority,omitempty"`

	Healthy             bool          `yaml:"-" json:"healthy"`
	ConsecutiveFailures int           `yaml:"-" json:"consecutiveFailures"`
	TotalFailures       int64         `yaml:"-" json:"totalFailures"`
	LastError           string        `yaml:"-" json:"lastError,omitempty"`
	LastSuccess         time.Time     `yaml:"-" json:"lastSuccess,omitempty"`
	LatencyEWMA         time.Duration `yaml:"-" json:"latencyEwma,omitempty"`
}

// URL renders the endpoint as a proxy URL suitable for a browser launch
// flag, including credentials when present.
func (e *Endpoint) URL() string {
	u := &url.URL{
		Scheme: e.Protocol,
		Host:   fmt.Sprintf("%s:%d", e.Host, e.Port),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u.String()
}

// Addr returns the dialable host:port.
func (e *Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, fmt.Sprintf("%d", e.Port))
}

// HasTag reports whether the endpoint carries any of the given tags. An
// empty filter matches everything.
func (e *Endpoint) HasTag(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	for _, want := range tags {
		for _, have := range e.Tags {
			if want == have {
				return true
			}
		}
	}
	return false
}

func (e *Endpoint) validate() error {
	switch e.Protocol {
	case "http", "https", "socks5":
	default:
		return fmt.Errorf("endpoint %q: invalid protocol %q", e.ID, e.Protocol)
	}
	if e.Host == "" {
		return fmt.Errorf("endpoint %q: host is required", e.ID)
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("endpoint %q: port %d out of range", e.ID, e.Port)
	}
	return nil
}

// poolFile is the YAML shape of the proxy pool file.
type poolFile struct {
	Proxies []*Endpoint `yaml:"proxies"`
}

// loadPoolFile parses the pool file, defaults missing IDs to host:port,
// and rejects duplicates.
func loadPoolFile(path string) ([]*Endpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy pool file: %w", err)
	}

	var f poolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid proxy pool YAML: %w", err)
	}

	seen := make(map[string]bool, len(f.Proxies))
	for _, e := range f.Proxies {
		if e.ID == "" {
			e.ID = e.Addr()
		}
		if err := e.validate(); err != nil {
			return nil, err
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("duplicate proxy endpoint id %q", e.ID)
		}
		seen[e.ID] = true
		e.Healthy = true
	}
	return f.Proxies, nil
}

// matchesBypass reports whether host matches any bypass pattern. Patterns
// are shell globs ("*.internal") or CIDRs ("10.0.0.0/8").
func matchesBypass(host string, patterns []string) bool {
	host = strings.ToLower(host)
	ip := net.ParseIP(host)
	for _, p := range patterns {
		if strings.Contains(p, "/") {
			_, cidr, err := net.ParseCIDR(p)
			if err == nil && ip != nil && cidr.Contains(ip) {
				return true
			}
			continue
		}
		if ok, err := path.Match(strings.ToLower(p), host); err == nil && ok {
			return true
		}
	}
	return false
}
