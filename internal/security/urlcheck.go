// Package security provides security utilities for input validation.
package security

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// URL validation errors.
var (
	ErrInvalidURL       = errors.New("invalid URL")
	ErrURLTooLong       = errors.New("URL exceeds maximum length")
	ErrBlockedScheme    = errors.New("URL scheme not allowed")
	ErrBlockedHost      = errors.New("host not allowed")
	ErrHostTooLong      = errors.New("host exceeds maximum length")
	ErrPrivateIPBlocked = errors.New("private/internal IP addresses are not allowed")
	ErrLocalhostBlocked = errors.New("localhost URLs are not allowed")
	ErrMetadataBlocked  = errors.New("cloud metadata URLs are not allowed")
	ErrRedirectBypass   = errors.New("query parameter carries an embedded redirect URL")
)

// Validation limits.
const (
	MaxURLLength  = 2048
	MaxHostLength = 253
)

// URLPolicy configures navigation URL validation. The zero value is the
// strictest policy: http/https only, no private networks.
type URLPolicy struct {
	AllowFileURLs       bool
	AllowPrivateNetwork bool
	BlockedHosts        []string // Additional blocked hostnames, lowercase
}

// URLCheck is the outcome of validating a navigation URL. Warnings are
// advisory; they never block navigation.
type URLCheck struct {
	Warnings []string
}

// defaultBlockedHosts contains hostnames that should never be navigated to.
var defaultBlockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true, // GCP metadata
	"metadata":                 true, // Generic cloud metadata
	"instance-data":            true, // AWS instance metadata hostname
}

// cloudMetadataIPs contains IP addresses used by cloud provider metadata
// services. These must be blocked to prevent SSRF access to cloud credentials.
var cloudMetadataIPs = []net.IP{
	net.ParseIP("169.254.169.254"), // AWS, GCP, Azure, DigitalOcean, OpenStack
	net.ParseIP("169.254.170.2"),   // AWS ECS task metadata
	net.ParseIP("100.100.100.200"), // Alibaba Cloud
	net.ParseIP("192.0.0.192"),     // Oracle Cloud Instance Metadata (IMDS)
	net.ParseIP("fd00:ec2::254"),   // AWS IPv6 metadata
	net.ParseIP("fc00:ec2::254"),   // AWS IPv6 metadata (alternate)
}

// redirectParamNames are query parameters commonly abused to smuggle a
// second URL past host-based filtering.
var redirectParamNames = map[string]bool{
	"redirect": true, "url": true, "next": true,
	"continue": true, "return": true, "goto": true,
}

// dynamicDNSSuffixes trigger a warning: such hosts can repoint to internal
// addresses after validation (DNS rebinding).
var dynamicDNSSuffixes = []string{
	".duckdns.org", ".no-ip.com", ".no-ip.org", ".dyndns.org",
	".ddns.net", ".hopto.org", ".nip.io", ".sslip.io", ".xip.io",
}

// freeTLDs trigger a warning; they are heavily used for throwaway
// phishing/malware infrastructure.
var freeTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq"}

// ValidateNavigationURL checks whether a URL is safe to navigate to under
// the given policy. Checks run in a fixed order: length, parse, scheme,
// host shape, blocked hosts, private-network prohibition, redirect-bypass
// scan. The returned URLCheck carries non-blocking warnings.
func ValidateNavigationURL(rawURL string, policy URLPolicy) (URLCheck, error) {
	var check URLCheck

	if rawURL == "" {
		return check, ErrInvalidURL
	}
	if len(rawURL) > MaxURLLength {
		return check, ErrURLTooLong
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return check, ErrInvalidURL
	}

	scheme := strings.ToLower(parsed.Scheme)
	switch scheme {
	case "http", "https":
	case "file":
		if !policy.AllowFileURLs {
			return check, ErrBlockedScheme
		}
		// file: URLs carry no host or query; nothing further to check.
		return check, nil
	default:
		return check, ErrBlockedScheme
	}

	hostname := strings.ToLower(parsed.Hostname())
	if hostname == "" {
		return check, ErrInvalidURL
	}
	if len(hostname) > MaxHostLength {
		return check, ErrHostTooLong
	}

	if defaultBlockedHosts[hostname] {
		return check, ErrBlockedHost
	}
	for _, blocked := range policy.BlockedHosts {
		if hostname == blocked {
			return check, ErrBlockedHost
		}
	}

	if !policy.AllowPrivateNetwork {
		if isLocalhostHostname(hostname) {
			return check, ErrLocalhostBlocked
		}
		// Try to parse the host as an IP, including the encoded forms
		// (decimal, octal, hex, shortened) used to bypass naive filters.
		if ip := parseIPWithNormalization(hostname); ip != nil {
			ip = normalizeIPv4Mapped(ip)
			if err := validateIP(ip); err != nil {
				return check, err
			}
		}
	}

	if err := scanRedirectParams(parsed); err != nil {
		return check, err
	}

	check.Warnings = hostWarnings(hostname)
	return check, nil
}

// scanRedirectParams rejects URLs whose query parameters smuggle another
// URL under a redirect-style name, including doubly-encoded schemes.
func scanRedirectParams(u *url.URL) error {
	if u.RawQuery == "" {
		return nil
	}
	for key, values := range u.Query() {
		if !redirectParamNames[strings.ToLower(key)] {
			continue
		}
		for _, v := range values {
			if looksLikeURL(v) {
				return ErrRedirectBypass
			}
			// A doubly-encoded scheme survives one decode pass.
			if decoded, err := url.QueryUnescape(v); err == nil && decoded != v && looksLikeURL(decoded) {
				return ErrRedirectBypass
			}
		}
	}
	return nil
}

// looksLikeURL reports whether a query value embeds an absolute URL.
func looksLikeURL(v string) bool {
	lower := strings.ToLower(strings.TrimSpace(v))
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "//") ||
		strings.HasPrefix(lower, "file://") ||
		strings.Contains(lower, "%2f%2f") // encoded //
}

// hostWarnings returns advisory warnings for suspicious but not forbidden
// hosts.
func hostWarnings(hostname string) []string {
	var warnings []string
	for _, suffix := range dynamicDNSSuffixes {
		if strings.HasSuffix(hostname, suffix) {
			warnings = append(warnings, "host uses a dynamic DNS provider")
			break
		}
	}
	for _, tld := range freeTLDs {
		if strings.HasSuffix(hostname, tld) {
			warnings = append(warnings, "host uses a free TLD")
			break
		}
	}
	return warnings
}

// parseIPWithNormalization parses an IP address string, handling various
// encoding formats that could be used to bypass SSRF protections:
// - Standard dotted decimal (192.168.1.1)
// - Decimal encoding (3232235777 for 192.168.1.1)
// - Octal encoding (0300.0250.01.01 for 192.168.1.1)
// - Hex encoding (0xC0.0xA8.0x01.0x01 for 192.168.1.1)
// - Shortened forms (127.1 for 127.0.0.1)
func parseIPWithNormalization(hostname string) net.IP {
	// First try standard parsing (handles most cases including IPv6)
	if ip := net.ParseIP(hostname); ip != nil {
		return ip
	}

	// Try parsing as a single decimal number (e.g., 2130706433 for 127.0.0.1)
	if num, err := strconv.ParseUint(hostname, 10, 32); err == nil {
		return net.IPv4(byte(num>>24), byte(num>>16), byte(num>>8), byte(num))
	}

	// Try parsing with octal/hex components (e.g., 0177.0.0.1 or 0x7f.0.0.1)
	parts := strings.Split(hostname, ".")
	if len(parts) == 4 {
		var octets [4]byte
		for i, part := range parts {
			val, err := parseIntWithBase(part)
			if err != nil || val > 255 {
				return nil
			}
			octets[i] = byte(val)
		}
		return net.IPv4(octets[0], octets[1], octets[2], octets[3])
	}

	// Handle shortened IP forms (e.g., 127.1 -> 127.0.0.1)
	if len(parts) == 2 {
		first, err1 := parseIntWithBase(parts[0])
		second, err2 := parseIntWithBase(parts[1])
		if err1 == nil && err2 == nil && first <= 255 && second <= 0xFFFFFF {
			return net.IPv4(byte(first), byte(second>>16), byte(second>>8), byte(second))
		}
	}

	return nil
}

// parseIntWithBase parses an integer that may be in decimal, octal
// (0-prefixed), or hexadecimal (0x-prefixed) format.
func parseIntWithBase(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty string")
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}

	if strings.HasPrefix(s, "0") && len(s) > 1 && s[1] != 'x' && s[1] != 'X' {
		return strconv.ParseUint(s[1:], 8, 64)
	}

	return strconv.ParseUint(s, 10, 64)
}

// normalizeIPv4Mapped converts IPv4-mapped IPv6 addresses (::ffff:x.x.x.x)
// to IPv4. This prevents bypasses using IPv6 notation to hide IPv4 addresses.
func normalizeIPv4Mapped(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4
	}
	return ip
}

// isLocalhostHostname checks if a hostname is a localhost variant.
func isLocalhostHostname(hostname string) bool {
	localHostnames := []string{
		"localhost",
		"localhost.localdomain",
		"local",
		"ip6-localhost",
		"ip6-loopback",
	}

	for _, local := range localHostnames {
		if hostname == local {
			return true
		}
	}

	if strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	if strings.HasPrefix(hostname, "localhost.") {
		return true
	}

	return false
}

// isLoopbackIP checks if an IP is in the loopback range.
// For IPv4, this is the entire 127.0.0.0/8 range (not just 127.0.0.1).
// For IPv6, this is ::1.
func isLoopbackIP(ip net.IP) bool {
	if ip4 := ip.To4(); ip4 != nil {
		return ip4[0] == 127
	}
	return ip.Equal(net.IPv6loopback)
}

// validateIP checks if an IP address is safe to access.
func validateIP(ip net.IP) error {
	if isLoopbackIP(ip) {
		return ErrLocalhostBlocked
	}

	// RFC 1918 for IPv4, RFC 4193 (unique-local) for IPv6
	if ip.IsPrivate() {
		return ErrPrivateIPBlocked
	}

	// 169.254.0.0/16 for IPv4, fe80::/10 for IPv6
	if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return ErrPrivateIPBlocked
	}

	if isCloudMetadataIP(ip) {
		return ErrMetadataBlocked
	}

	// 0.0.0.0 and :: resolve to "this host" on most stacks
	if ip.IsUnspecified() {
		return ErrPrivateIPBlocked
	}

	return nil
}

// isCloudMetadataIP checks if an IP is a cloud provider metadata service.
func isCloudMetadataIP(ip net.IP) bool {
	for _, metadataIP := range cloudMetadataIPs {
		if ip.Equal(metadataIP) {
			return true
		}
	}
	return false
}

// Proxy URL validation errors.
var (
	ErrInvalidProxyURL    = errors.New("invalid proxy URL")
	ErrBlockedProxyScheme = errors.New("proxy URL scheme not allowed (must be http, https, or socks5)")
)

// allowedProxySchemes defines the permitted schemes for proxy endpoints.
var allowedProxySchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// ValidateProxyURL validates a proxy URL for safe use. Unlike navigation
// URLs this allows socks5 and, when allowPrivate is set, private/localhost
// addresses (local proxies are a common deployment).
func ValidateProxyURL(proxyURL string, allowPrivate bool) error {
	if proxyURL == "" {
		return nil // Empty proxy is valid (means no proxy)
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return ErrInvalidProxyURL
	}

	if !allowedProxySchemes[strings.ToLower(parsed.Scheme)] {
		return ErrBlockedProxyScheme
	}
	if parsed.Host == "" {
		return ErrInvalidProxyURL
	}
	if allowPrivate {
		return nil
	}

	hostname := strings.ToLower(parsed.Hostname())
	if defaultBlockedHosts[hostname] || isLocalhostHostname(hostname) {
		return ErrLocalhostBlocked
	}
	if ip := parseIPWithNormalization(hostname); ip != nil {
		return validateIP(normalizeIPv4Mapped(ip))
	}
	// Hostnames are not resolved here; resolution happens through the proxy.
	return nil
}
