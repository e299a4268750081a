// Package nodename implements the short identifiers shared across escapers,
// servers, resolvers and user-groups.
package nodename

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Name is equality-by-bytes
type Name struct {
	b []byte
}

func New(s string) Name {
	return Name{b: []byte(s)}
}

func (n Name) String() string {
	return string(n.b)
}

func (n Name) IsEmpty() bool {
	return len(n.b) == 0
}

func (n Name) Equal(o Name) bool {
	return bytes.Equal(n.b, o.b)
}

// Addr is a host (domain name or IP literal) + port, optionally weighted
// for selection among a pool of peers.
type Addr struct {
	Host   string
	Port   uint16
	Weight uint32
}

func (a Addr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ParseAddr parses "host:port" or "host:port#weight".
func ParseAddr(s string) (Addr, error) {
	weight := uint32(1)
	if i := strings.IndexByte(s, '#'); i >= 0 {
		w, err := strconv.ParseUint(s[i+1:], 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("nodename: invalid weight in %q: %w", s, err)
		}
		weight = uint32(w)
		s = s[:i]
	}

	host, portS, err := splitHostPort(s)
	if err != nil {
		return Addr{}, err
	}
	port, err := strconv.ParseUint(portS, 10, 16)
	if err != nil {
		return Addr{}, fmt.Errorf("nodename: invalid port in %q: %w", s, err)
	}

	return Addr{Host: host, Port: uint16(port), Weight: weight}, nil
}

func splitHostPort(s string) (host, port string, err error) {
	i := strings.LastIndexByte(s, ':')
	if i < 0 {
		return "", "", fmt.Errorf("nodename: missing port in %q", s)
	}
	return s[:i], s[i+1:], nil
}
