package allocation

import (
	"net/netip"
	"sort"
	"strconv"
	"strings"

	"fleet-panel/internal/apperr"
)

const (
	DefaultMaxAddresses = 256
	// MaxPortsPerRange bounds a single lo-hi segment.
	MaxPortsPerRange = 1000
)

// ParseAddresses expands a single IPv4/IPv6 address or a CIDR block into
// every address it covers, network and broadcast included. Blocks with
// more than max addresses are rejected before anything is expanded.
func ParseAddresses(spec string, max int) ([]string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, apperr.Wrap(apperr.ErrInvalidAddress, "ip address or cidr is required")
	}
	if max <= 0 {
		max = DefaultMaxAddresses
	}

	if !strings.Contains(spec, "/") {
		addr, err := netip.ParseAddr(spec)
		if err != nil || addr.Zone() != "" {
			return nil, apperr.Wrap(apperr.ErrInvalidAddress, "invalid ip address %q", spec)
		}
		return []string{addr.Unmap().String()}, nil
	}

	prefix, err := netip.ParsePrefix(spec)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalidAddress, "invalid cidr %q", spec)
	}
	prefix = prefix.Masked()

	hostBits := prefix.Addr().BitLen() - prefix.Bits()
	// 2^hostBits > max, without overflowing for large IPv6 blocks.
	if hostBits >= 63 || uint64(1)<<uint(hostBits) > uint64(max) {
		return nil, apperr.Wrap(apperr.ErrRangeTooLarge, "cidr %s expands beyond %d addresses", spec, max)
	}

	count := 1 << uint(hostBits)
	out := make([]string, 0, count)
	addr := prefix.Addr()
	for i := 0; i < count; i++ {
		out = append(out, addr.String())
		addr = addr.Next()
	}
	return out, nil
}

// ParsePorts expands "25565", "25565-25570", "25565,25567" or any comma
// list mixing both into a sorted, deduplicated port list.
func ParsePorts(spec string) ([]int, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, apperr.Wrap(apperr.ErrInvalidPortSpec, "ports are required")
	}

	seen := make(map[int]struct{})
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, apperr.Wrap(apperr.ErrInvalidPortSpec, "empty entry in port list %q", spec)
		}

		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			p, err := parsePort(part)
			if err != nil {
				return nil, err
			}
			seen[p] = struct{}{}
			continue
		}

		start, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		end, err := parsePort(hi)
		if err != nil {
			return nil, err
		}
		if start > end {
			return nil, apperr.Wrap(apperr.ErrInvalidPortSpec, "invalid port range %q", part)
		}
		if end-start+1 > MaxPortsPerRange {
			return nil, apperr.Wrap(apperr.ErrInvalidPortSpec, "port range %q exceeds %d ports", part, MaxPortsPerRange)
		}
		for p := start; p <= end; p++ {
			seen[p] = struct{}{}
		}
	}

	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

func parsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return 0, apperr.Wrap(apperr.ErrInvalidPortSpec, "invalid port %q", s)
	}
	return p, nil
}
