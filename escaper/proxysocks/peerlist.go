package proxysocks

import (
	"bufio"
	"bytes"
	"fmt"

	"github.com/nabbar/edgeproxy/escaper"
	"github.com/nabbar/edgeproxy/nodename"
)

// parsePeerList parses one "host:port[#weight]" entry per line, blank lines
// and "#"-prefixed comments ignored — the same wire format as proxyhttp's
// admin-pushed peer list.
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
