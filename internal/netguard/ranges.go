package netguard

import "net/netip"

var reservedV4 = mustPrefixes(
	"0.0.0.0/8",       // "this" network
	"10.0.0.0/8",      // RFC1918
	"100.64.0.0/10",   // CGNAT
	"127.0.0.0/8",     // loopback
	"169.254.0.0/16",  // link-local, cloud metadata
	"172.16.0.0/12",   // RFC1918
	"192.0.0.0/24",    // IETF protocol assignments
	"192.0.2.0/24",    // TEST-NET-1
	"192.88.99.0/24",  // 6to4 relay anycast
	"192.168.0.0/16",  // RFC1918
	"198.18.0.0/15",   // benchmarking
	"198.51.100.0/24", // TEST-NET-2
	"203.0.113.0/24",  // TEST-NET-3
	"224.0.0.0/4",     // multicast
	"240.0.0.0/4",     // reserved, includes broadcast
)

var reservedV6 = mustPrefixes(
	"::/128",        // unspecified
	"::1/128",       // loopback
	"100::/64",      // discard-only
	"2001::/32",     // Teredo
	"2001:db8::/32", // documentation
	"64:ff9b:1::/48",
	"fc00::/7",  // unique local
	"fe80::/10", // link-local
	"fec0::/10", // site-local (deprecated)
	"ff00::/8",  // multicast
)

var (
	nat64  = netip.MustParsePrefix("64:ff9b::/96")
	sixTo4 = netip.MustParsePrefix("2002::/16")
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// IsReserved reports whether addr must never be fetched from. IPv4 addresses
// embedded in IPv6 (mapped, NAT64, 6to4) are checked as IPv4.
func IsReserved(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.WithZone("")
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	if addr.Is4() {
		for _, p := range reservedV4 {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	b := addr.As16()
	if nat64.Contains(addr) {
		return IsReserved(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
	}
	if sixTo4.Contains(addr) {
		return IsReserved(netip.AddrFrom4([4]byte{b[2], b[3], b[4], b[5]}))
	}
	// IPv4-compatible form ::a.b.c.d
	if isZero(b[:12]) {
		return true
	}
	for _, p := range reservedV6 {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func isZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
