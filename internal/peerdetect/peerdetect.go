// Package peerdetect implements the Peer Detector: a fan-out GET to
// /plugins across every configured peer, classifying each as Disabled,
// Installed or Bidirectional, with a short-TTL result cache so repeated
// /transfers/peers calls under load don't re-fan-out every time.
package peerdetect

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/peers"
)

// pluginName is the identity string a peer running this protocol
// reports in its /plugins answer.
const pluginName = "transfers-accelerator"

// Classification is a peer's tri-state transfer-protocol capability.
type Classification int

const (
	// Disabled means the peer did not answer, or its /plugins list did
	// not include this plugin.
	Disabled Classification = iota
	// Installed means the peer runs this protocol.
	Installed
	// Bidirectional means the peer runs this protocol and is also
	// registered in the local bidirectional table, so /transfers/send
	// to it may use pull mode.
	Bidirectional
)

func (c Classification) String() string {
	switch c {
	case Installed:
		return "installed"
	case Bidirectional:
		return "bidirectional"
	default:
		return "disabled"
	}
}

// MarshalJSON renders the classification the way /transfers/peers reports
// it: a flat {disabled,installed,bidirectional} object rather than a bare
// string, matching SPEC_FULL.md's §6 surface table.
func (c Classification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Disabled      bool `json:"disabled"`
		Installed     bool `json:"installed"`
		Bidirectional bool `json:"bidirectional"`
	}{
		Disabled:      c == Disabled,
		Installed:     c == Installed || c == Bidirectional,
		Bidirectional: c == Bidirectional,
	})
}

// Cache is the narrow TTL-cache interface the Detector needs; satisfied
// by *PeerCapabilityCache (bolt-backed) or any in-memory stand-in.
type Cache interface {
	Get(peer string) (Classification, bool)
	Put(peer string, c Classification) error
}

// Detector fans a /plugins GET out across every configured peer and
// classifies each one, consulting and refreshing a TTL cache.
type Detector struct {
	orthancPeers  peers.OrthancPeers
	bidirectional peers.BidirectionalPeers
	cache         Cache
	timeout       time.Duration
	maxRetries    int
	client        *http.Client
	logger        *observability.Logger
	metrics       *observability.Metrics
}

// New builds a Detector.
func New(orthancPeers peers.OrthancPeers, bidirectional peers.BidirectionalPeers, cache Cache, timeout time.Duration, maxRetries int, client *http.Client, logger *observability.Logger, metrics *observability.Metrics) *Detector {
	if client == nil {
		client = &http.Client{}
	}
	return &Detector{
		orthancPeers:  orthancPeers,
		bidirectional: bidirectional,
		cache:         cache,
		timeout:       timeout,
		maxRetries:    maxRetries,
		client:        client,
		logger:        logger,
		metrics:       metrics,
	}
}

// Detect classifies every configured peer, returning a map of peer name
// to classification. Cached, non-expired results are served without a
// network round trip; everything else is fanned out concurrently, one
// goroutine and one single-query httpqueue.Queue per peer still owed a
// probe (a Queue is bound to one peer, so cross-peer fan-out happens at
// this level rather than inside a single Queue).
func (d *Detector) Detect(ctx context.Context) (map[string]Classification, error) {
	result := make(map[string]Classification, d.orthancPeers.Count())
	var toProbe []string
	for _, name := range d.orthancPeers.Names() {
		if d.cache != nil {
			if c, ok := d.cache.Get(name); ok {
				result[name] = d.applyBidirectional(name, c)
				continue
			}
		}
		toProbe = append(toProbe, name)
	}
	if len(toProbe) == 0 {
		return result, nil
	}

	var mu sync.Mutex
	probed := make(map[string]Classification, len(toProbe))

	var wg sync.WaitGroup
	wg.Add(len(toProbe))
	for _, name := range toProbe {
		name := name
		go func() {
			defer wg.Done()
			c := d.probe(ctx, name)
			mu.Lock()
			probed[name] = c
			mu.Unlock()
		}()
	}
	wg.Wait()

	for name, c := range probed {
		if d.cache != nil {
			_ = d.cache.Put(name, c)
		}
		result[name] = d.applyBidirectional(name, c)
	}
	return result, nil
}

func (d *Detector) probe(ctx context.Context, name string) Classification {
	peer, ok := d.orthancPeers.Get(name)
	if !ok {
		return Disabled
	}

	var installed bool
	query := &httpqueue.Query{
		Method: http.MethodGet,
		Path:   "/plugins",
		HandleAnswer: func(answer []byte) error {
			var list []string
			if err := json.Unmarshal(answer, &list); err != nil {
				// A malformed or absent plugin list just means the peer
				// doesn't run this protocol, not a query failure.
				return nil
			}
			for _, entry := range list {
				if entry == pluginName {
					installed = true
					break
				}
			}
			return nil
		},
	}

	queue := httpqueue.NewQueue("peer-detect", peer, []*httpqueue.Query{query}, 1, d.maxRetries, d.timeout, d.client, d.logger, d.metrics)
	if err := queue.Run(ctx); err != nil {
		return Disabled
	}
	if installed {
		return Installed
	}
	return Disabled
}

func (d *Detector) applyBidirectional(name string, c Classification) Classification {
	if c == Installed && d.bidirectional.Contains(name) {
		return Bidirectional
	}
	return c
}
