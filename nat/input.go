package nat

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// ParseDestination validates user input of the form "IP:port". The IP must
// be IPv4 and the port within [0, 65535].
func ParseDestination(input string) (netip.AddrPort, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return netip.AddrPort{}, fmt.Errorf("%w: empty destination, use IP:port (e.g. 8.8.8.8:53)", ErrInvalidAddressFormat)
	}

	// Brackets are only meaningful around IPv6 literals.
	host, portStr, err := net.SplitHostPort(s)
	if err != nil || strings.ContainsAny(s, "[]") {
		return netip.AddrPort{}, fmt.Errorf("%w: %q, use IP:port (e.g. 8.8.8.8:53)", ErrInvalidAddressFormat, s)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil || !addr.Is4() {
		return netip.AddrPort{}, fmt.Errorf("%w: invalid destination IP address %q", ErrInvalidAddressFormat, host)
	}

	port, err := strconv.Atoi(portStr)
	if errors.Is(err, strconv.ErrRange) {
		return netip.AddrPort{}, fmt.Errorf("%w: %s, port must be between 0 and 65535", ErrPortOutOfRange, portStr)
	}
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("%w: invalid destination port %q", ErrInvalidAddressFormat, portStr)
	}
	if port < 0 || port > int(MaxPort) {
		return netip.AddrPort{}, fmt.Errorf("%w: %d, port must be between 0 and 65535", ErrPortOutOfRange, port)
	}

	return netip.AddrPortFrom(addr, uint16(port)), nil
}
