// Package peers holds the two peer directories the accelerator consults
// when routing a transfer: the read-only Orthanc peer table (who, where,
// credentials) and the bidirectional table (which peers it may pull from
// instead of push to).
package peers

import (
	"sort"

	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
)

// OrthancPeers is a read-only directory mapping peer name to its
// connection coordinates.
type OrthancPeers struct {
	byName map[string]httpqueue.Peer
}

// NewOrthancPeers builds a directory from a name-to-peer map, typically
// decoded straight from configuration.
func NewOrthancPeers(entries map[string]httpqueue.Peer) OrthancPeers {
	byName := make(map[string]httpqueue.Peer, len(entries))
	for name, p := range entries {
		p.Name = name
		byName[name] = p
	}
	return OrthancPeers{byName: byName}
}

// Get looks up a peer by name.
func (p OrthancPeers) Get(name string) (httpqueue.Peer, bool) {
	peer, ok := p.byName[name]
	return peer, ok
}

// Names returns every configured peer name, sorted for deterministic
// fan-out order.
func (p OrthancPeers) Names() []string {
	names := make([]string, 0, len(p.byName))
	for name := range p.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of configured peers.
func (p OrthancPeers) Count() int {
	return len(p.byName)
}

// BidirectionalPeers maps a peer name to the name this process is known
// by from that peer's point of view. Its presence for a given peer makes
// a /transfers/send request use pull mode instead of push mode.
type BidirectionalPeers struct {
	selfNameAt map[string]string
}

// NewBidirectionalPeers builds a bidirectional table from configuration.
func NewBidirectionalPeers(entries map[string]string) BidirectionalPeers {
	cp := make(map[string]string, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return BidirectionalPeers{selfNameAt: cp}
}

// SelfNameAt returns the name this process is known by at peer, and
// whether the peer is configured as bidirectional at all.
func (b BidirectionalPeers) SelfNameAt(peer string) (string, bool) {
	name, ok := b.selfNameAt[peer]
	return name, ok
}

// Contains reports whether peer is registered in the bidirectional table.
func (b BidirectionalPeers) Contains(peer string) bool {
	_, ok := b.selfNameAt[peer]
	return ok
}
