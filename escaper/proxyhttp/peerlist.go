package proxyhttp

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
)

func base64Std(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

// parsePeerList parses one "host:port[#weight]" entry per line, blank lines
// and "#"-prefixed comments ignored. This is the wire format admin pushes
// use to refresh a chain-proxy pool.
func parsePeerList(data []byte) ([]escaper.Peer, error) {
	var peers []escaper.Peer
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		addr, err := nodename.ParseAddr(string(line))
		if err != nil {
			return nil, fmt.Errorf("peer list: %w", err)
		}
		peers = append(peers, escaper.Peer{Addr: addr, Weight: addr.Weight})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return peers, nil
}
