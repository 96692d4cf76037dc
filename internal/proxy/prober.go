package proxy

import (
	"fmt"
	"net"
	"time"

	xproxy "golang.org/x/net/proxy"
)

const probeTimeout = 5 * time.Second

// probeTarget is the address SOCKS5 probes attempt to reach through the
// endpoint. TCP reachability of the endpoint itself is enough for http(s).
const probeTarget = "example.com:80"

// dialProbe is the default health probe. For http/https endpoints it
// verifies the proxy port accepts TCP connections; for socks5 it performs
// the handshake by dialing through the endpoint.
func (m *Manager) dialProbe(e *Endpoint) (time.Duration, error) {
	start := time.Now()

	switch e.Protocol {
	case "socks5":
		var auth *xproxy.Auth
		if e.Username != "" {
			auth = &xproxy.Auth{User: e.Username, Password: e.Password}
		}
		dialer, err := xproxy.SOCKS5("tcp", e.Addr(), auth, &net.Dialer{Timeout: probeTimeout})
		if err != nil {
			return 0, fmt.Errorf("socks5 dialer: %w", err)
		}
		conn, err := dialer.Dial("tcp", probeTarget)
		if err != nil {
			return 0, fmt.Errorf("socks5 probe: %w", err)
		}
		conn.Close()

	default:
		conn, err := net.DialTimeout("tcp", e.Addr(), probeTimeout)
		if err != nil {
			return 0, fmt.Errorf("tcp probe: %w", err)
		}
		conn.Close()
	}

	return time.Since(start), nil
}
