package peerdetect

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/peers"
)

type memCache struct {
	entries map[string]Classification
}

func newMemCache() *memCache { return &memCache{entries: map[string]Classification{}} }

func (m *memCache) Get(peer string) (Classification, bool) {
	c, ok := m.entries[peer]
	return c, ok
}

func (m *memCache) Put(peer string, c Classification) error {
	m.entries[peer] = c
	return nil
}

func TestDetectClassifiesInstalledAndDisabled(t *testing.T) {
	installedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["transfers-accelerator", "other-plugin"]`))
	}))
	defer installedSrv.Close()

	disabledSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`["other-plugin"]`))
	}))
	defer disabledSrv.Close()

	orthancPeers := peers.NewOrthancPeers(map[string]httpqueue.Peer{
		"a": {BaseURL: installedSrv.URL},
		"b": {BaseURL: disabledSrv.URL},
	})
	bidirectional := peers.NewBidirectionalPeers(map[string]string{"a": "self-at-a"})

	detector := New(orthancPeers, bidirectional, newMemCache(), time.Second, 0, nil, nil, nil)
	result, err := detector.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result["a"] != Bidirectional {
		t.Fatalf("expected peer a Bidirectional, got %v", result["a"])
	}
	if result["b"] != Disabled {
		t.Fatalf("expected peer b Disabled, got %v", result["b"])
	}
}

func TestDetectUsesCacheWithoutReprobing(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`["transfers-accelerator"]`))
	}))
	defer srv.Close()

	orthancPeers := peers.NewOrthancPeers(map[string]httpqueue.Peer{"a": {BaseURL: srv.URL}})
	cache := newMemCache()
	cache.entries["a"] = Installed

	detector := New(orthancPeers, peers.NewBidirectionalPeers(nil), cache, time.Second, 0, nil, nil, nil)
	result, err := detector.Detect(context.Background())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if result["a"] != Installed {
		t.Fatalf("expected Installed from cache, got %v", result["a"])
	}
	if calls != 0 {
		t.Fatalf("expected no network calls when cache hit, got %d", calls)
	}
}

func TestPeerCapabilityCacheTTLExpiry(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenPeerCapabilityCache(filepath.Join(dir, "peers.db"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenPeerCapabilityCache: %v", err)
	}
	defer cache.Close()

	if err := cache.Put("a", Installed); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if c, ok := cache.Get("a"); !ok || c != Installed {
		t.Fatalf("expected fresh hit, got %v %v", c, ok)
	}

	time.Sleep(20 * time.Millisecond)
	if _, ok := cache.Get("a"); ok {
		t.Fatal("expected entry to have expired")
	}

	if _, err := os.Stat(filepath.Join(dir, "peers.db")); err != nil {
		t.Fatalf("expected bolt db file on disk: %v", err)
	}
}

func TestPeerCapabilityCacheGCRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	cache, err := OpenPeerCapabilityCache(filepath.Join(dir, "peers.db"), 10*time.Millisecond)
	if err != nil {
		t.Fatalf("OpenPeerCapabilityCache: %v", err)
	}
	defer cache.Close()

	cache.Put("a", Installed)
	cache.Put("b", Disabled)
	time.Sleep(20 * time.Millisecond)

	removed, err := cache.GC()
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 entries removed, got %d", removed)
	}
}
