package escaper

import (
	"hash/fnv"
	"math/rand"
	"sort"

	"github.com/nabbar/edgeproxy/nodename"
)

// PickPolicy enumerates the weighted-peer selection policies shared by
// proxy-http/s and proxy-socks4a/5/5s.
type PickPolicy int

const (
	PickRandom PickPolicy = iota
	PickKetama
	PickRendezvous
	PickJumpHash
	PickRoundRobin
)

// Peer is one weighted member of a proxy pool.
type Peer struct {
	Addr   nodename.Addr
	Weight uint32
}

// Picker selects a Peer for a given selection key (e.g. client address or
// destination host), so that identical keys tend to land on the same peer
// for policies that care about consistency (Ketama, Rendezvous, JumpHash).
type Picker struct {
	policy  PickPolicy
	peers   []Peer
	rrIndex int
}

func NewPicker(policy PickPolicy, peers []Peer) *Picker {
	return &Picker{policy: policy, peers: peers}
}

func (p *Picker) Pick(key string) (Peer, bool) {
	if len(p.peers) == 0 {
		return Peer{}, false
	}

	switch p.policy {
	case PickRoundRobin:
		idx := p.rrIndex % len(p.peers)
		p.rrIndex++
		return p.peers[idx], true
	case PickKetama:
		return p.pickKetama(key), true
	case PickRendezvous:
		return p.pickRendezvous(key), true
	case PickJumpHash:
		return p.pickJumpHash(key), true
	default:
		totalWeight := uint32(0)
		for _, peer := range p.peers {
			totalWeight += peer.Weight
		}
		if totalWeight == 0 {
			return p.peers[rand.Intn(len(p.peers))], true
		}
		r := uint32(rand.Int63n(int64(totalWeight)))
		acc := uint32(0)
		for _, peer := range p.peers {
			acc += peer.Weight
			if r < acc {
				return peer, true
			}
		}
		return p.peers[len(p.peers)-1], true
	}
}

func fnvHash(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// pickKetama places peers on a consistent-hash ring, weighted by replica
// count proportional to Weight.
func (p *Picker) pickKetama(key string) Peer {
	type ringPoint struct {
		hash uint64
		peer int
	}
	var ring []ringPoint
	for i, peer := range p.peers {
		replicas := int(peer.Weight)
		if replicas <= 0 {
			replicas = 1
		}
		for r := 0; r < replicas; r++ {
			ring = append(ring, ringPoint{hash: fnvHash(peer.Addr.String() + "#" + itoa(r)), peer: i})
		}
	}
	sort.Slice(ring, func(i, j int) bool { return ring[i].hash < ring[j].hash })

	h := fnvHash(key)
	idx := sort.Search(len(ring), func(i int) bool { return ring[i].hash >= h })
	if idx == len(ring) {
		idx = 0
	}
	return p.peers[ring[idx].peer]
}

// pickRendezvous implements highest-random-weight (HRW) hashing.
func (p *Picker) pickRendezvous(key string) Peer {
	best := -1
	var bestScore float64 = -1
	for i, peer := range p.peers {
		score := float64(fnvHash(key+"#"+peer.Addr.String())) * float64(peer.Weight+1)
		if score > bestScore {
			bestScore = score
			best = i
		}
	}
	return p.peers[best]
}

// pickJumpHash implements Google's jump consistent hash over peer count,
// then maps the weight-0 unweighted bucket back to a concrete Peer.
func (p *Picker) pickJumpHash(key string) Peer {
	h := fnvHash(key)
	n := int64(len(p.peers))
	var b, j int64 = -1, 0
	for j < n {
		b = j
		h = h*2862933555777941757 + 1
		j = int64(float64(b+1) * (float64(int64(1)<<31) / float64((h>>33)+1)))
	}
	if b < 0 {
		b = 0
	}
	return p.peers[b]
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
