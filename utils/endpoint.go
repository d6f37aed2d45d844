// Package utils holds small helpers shared by the transport and service packages.
package utils

import (
	"fmt"
	"net"
	"strconv"
)

// ParseEndpoint splits "host:port" and validates the port range.
func ParseEndpoint(endpoint string) (host string, port int, _ error) {
	h, p, err := net.SplitHostPort(endpoint)
	if err != nil {
		return "", 0, fmt.Errorf("endpoint:%s format failed: %w", endpoint, err)
	}
	port, err = strconv.Atoi(p)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("endpoint:%s port invalid", endpoint)
	}
	return h, port, nil
}

// JoinHostPort is net.JoinHostPort for an int port.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// IsAnyHost reports whether host names no specific interface.
func IsAnyHost(host string) bool {
	if host == "" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsUnspecified()
}

// DialHost picks the host to dial for a target advertised by a peer. Targets
// that name no interface mean "the host you reached me on".
func DialHost(target, fallback string) string {
	if IsAnyHost(target) {
		return fallback
	}
	return target
}

// HostOf returns the host part of addr, or addr itself when it has no port.
func HostOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	h, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return h
}
