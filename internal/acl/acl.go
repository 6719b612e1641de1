package acl

import (
	"fmt"
	"net"
	"strings"
)

// List represents a collection of networks allowed to connect
type List struct {
	nets []*net.IPNet
}

// New creates an ACL from CIDR blocks or bare IP addresses. A bare address
// is treated as a single-host network. Blank entries are skipped.
func New(entries []string) (*List, error) {
	var nets []*net.IPNet
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		n, err := parseEntry(entry)
		if err != nil {
			return nil, err
		}
		nets = append(nets, n)
	}

	return &List{nets: nets}, nil
}

func parseEntry(entry string) (*net.IPNet, error) {
	if strings.Contains(entry, "/") {
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, err
		}
		return n, nil
	}

	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address: %s", entry)
	}
	if v4 := ip.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// Allows checks if the given IP address is allowed by this ACL
// If no networks are configured, all IPs are allowed
func (l *List) Allows(ip net.IP) bool {
	if len(l.nets) == 0 {
		return true
	}

	for _, n := range l.nets {
		if n.Contains(ip) {
			return true
		}
	}

	return false
}

// AllowsAddr checks the IP part of a network address such as a connection's
// RemoteAddr. Addresses without a parseable IP are refused unless the list is empty.
func (l *List) AllowsAddr(addr net.Addr) bool {
	if len(l.nets) == 0 {
		return true
	}

	var ip net.IP
	switch a := addr.(type) {
	case *net.TCPAddr:
		ip = a.IP
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return false
		}
		ip = net.ParseIP(host)
	}
	if ip == nil {
		return false
	}
	return l.Allows(ip)
}

// Len returns the number of configured networks.
func (l *List) Len() int {
	return len(l.nets)
}
