package transport

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Addr is a protocol-annotated network address in the textual forms
// /ip4/<host>/tcp/<port> and /ip4/<host>/udp/<port>/quic (ip6 likewise).
type Addr struct {
	Network string // "tcp" or "quic"
	Host    string
	Port    int
}

// ParseAddr parses the textual address form.
func ParseAddr(s string) (Addr, error) {
	parts := strings.Split(strings.TrimPrefix(s, "/"), "/")
	if len(parts) < 4 {
		return Addr{}, fmt.Errorf("%w: %q", ErrUnsupported, s)
	}

	switch parts[0] {
	case "ip4", "ip6", "dns":
	default:
		return Addr{}, fmt.Errorf("%w: unknown address family %q", ErrUnsupported, parts[0])
	}
	host := parts[1]
	if host == "" {
		return Addr{}, fmt.Errorf("%w: empty host in %q", ErrUnsupported, s)
	}

	port, err := strconv.Atoi(parts[3])
	if err != nil || port <= 0 || port > 65535 {
		return Addr{}, fmt.Errorf("%w: bad port in %q", ErrUnsupported, s)
	}

	switch parts[2] {
	case "tcp":
		if len(parts) != 4 {
			return Addr{}, fmt.Errorf("%w: trailing components in %q", ErrUnsupported, s)
		}
		return Addr{Network: "tcp", Host: host, Port: port}, nil
	case "udp":
		if len(parts) != 5 || parts[4] != "quic" {
			return Addr{}, fmt.Errorf("%w: udp address without quic upgrade in %q", ErrUnsupported, s)
		}
		return Addr{Network: "quic", Host: host, Port: port}, nil
	default:
		return Addr{}, fmt.Errorf("%w: unknown protocol %q", ErrUnsupported, parts[2])
	}
}

// ParseAddrs parses a list of textual addresses, skipping none: the first
// malformed entry fails the whole list.
func ParseAddrs(in []string) ([]Addr, error) {
	out := make([]Addr, 0, len(in))
	for _, s := range in {
		a, err := ParseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// String returns the canonical textual form.
func (a Addr) String() string {
	family := "ip4"
	if ip := net.ParseIP(a.Host); ip != nil && ip.To4() == nil {
		family = "ip6"
	} else if ip == nil {
		family = "dns"
	}
	switch a.Network {
	case "quic":
		return fmt.Sprintf("/%s/%s/udp/%d/quic", family, a.Host, a.Port)
	default:
		return fmt.Sprintf("/%s/%s/%s/%d", family, a.Host, a.Network, a.Port)
	}
}

// HostPort returns the host:port form handed to the raw transport.
func (a Addr) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// addrRecord tracks dial outcomes for one address of one peer.
type addrRecord struct {
	addr        Addr
	lastSuccess time.Time
	lastFailure time.Time
	failures    int
}

// AddrBook tracks known addresses per peer and their freshness. The
// transport layer is the sole writer; the DHT reads it when assembling
// peer hints.
type AddrBook struct {
	mu    sync.RWMutex
	peers map[string][]*addrRecord
}

// NewAddrBook creates an empty address book.
func NewAddrBook() *AddrBook {
	return &AddrBook{peers: make(map[string][]*addrRecord)}
}

// Add records addresses for a peer without touching freshness.
func (ab *AddrBook) Add(peerID string, addrs ...Addr) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	for _, a := range addrs {
		if ab.find(peerID, a) == nil {
			ab.peers[peerID] = append(ab.peers[peerID], &addrRecord{addr: a})
		}
	}
}

// MarkSuccess records a successful dial or inbound connection on an address.
func (ab *AddrBook) MarkSuccess(peerID string, a Addr) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	rec := ab.find(peerID, a)
	if rec == nil {
		rec = &addrRecord{addr: a}
		ab.peers[peerID] = append(ab.peers[peerID], rec)
	}
	rec.lastSuccess = time.Now()
	rec.failures = 0
}

// MarkFailure records a failed dial attempt on an address.
func (ab *AddrBook) MarkFailure(peerID string, a Addr) {
	ab.mu.Lock()
	defer ab.mu.Unlock()
	rec := ab.find(peerID, a)
	if rec == nil {
		rec = &addrRecord{addr: a}
		ab.peers[peerID] = append(ab.peers[peerID], rec)
	}
	rec.lastFailure = time.Now()
	rec.failures++
}

// Addrs returns a peer's known addresses, freshest first: recently
// successful addresses before untried ones before recently failed ones.
func (ab *AddrBook) Addrs(peerID string) []Addr {
	ab.mu.RLock()
	defer ab.mu.RUnlock()

	recs := ab.peers[peerID]
	sorted := make([]*addrRecord, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].lastSuccess.Equal(sorted[j].lastSuccess) {
			return sorted[i].lastSuccess.After(sorted[j].lastSuccess)
		}
		return sorted[i].failures < sorted[j].failures
	})

	out := make([]Addr, len(sorted))
	for i, r := range sorted {
		out[i] = r.addr
	}
	return out
}

// AddrStrings returns a peer's addresses in textual form.
func (ab *AddrBook) AddrStrings(peerID string) []string {
	addrs := ab.Addrs(peerID)
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, fmt.Errorf("failed to split address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("failed to parse port in %q: %w", s, err)
	}
	return host, port, nil
}

func (ab *AddrBook) find(peerID string, a Addr) *addrRecord {
	for _, rec := range ab.peers[peerID] {
		if rec.addr == a {
			return rec
		}
	}
	return nil
}
