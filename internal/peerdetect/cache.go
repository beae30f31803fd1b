package peerdetect

import (
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketPeerCapability = []byte("peer_capability")

type cachedEntry struct {
	Classification Classification `json:"classification"`
	StoredAt       int64          `json:"stored_at"`
}

// PeerCapabilityCache is a bolt-backed TTL cache of peer classifications,
// keyed by peer name, so /transfers/peers under load doesn't re-fan-out
// the /plugins probe on every call and a restart doesn't start every
// peer back at "unknown" mid-burst.
type PeerCapabilityCache struct {
	db  *bolt.DB
	ttl time.Duration
	now func() time.Time
}

// OpenPeerCapabilityCache opens (creating if absent) a bolt database at
// path for peer classification results.
func OpenPeerCapabilityCache(path string, ttl time.Duration) (*PeerCapabilityCache, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketPeerCapability)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &PeerCapabilityCache{db: db, ttl: ttl, now: time.Now}, nil
}

// Close closes the underlying bolt database.
func (c *PeerCapabilityCache) Close() error {
	return c.db.Close()
}

// Get returns peer's cached classification if present and not yet
// expired under the configured TTL.
func (c *PeerCapabilityCache) Get(peer string) (Classification, bool) {
	var entry cachedEntry
	var found bool
	_ = c.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketPeerCapability)
		if bk == nil {
			return nil
		}
		v := bk.Get([]byte(peer))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &entry); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if !found {
		return Disabled, false
	}
	if c.now().Sub(time.Unix(0, entry.StoredAt)) > c.ttl {
		return Disabled, false
	}
	return entry.Classification, true
}

// Put stores peer's freshly-probed classification, timestamped now.
func (c *PeerCapabilityCache) Put(peer string, classification Classification) error {
	encoded, err := json.Marshal(cachedEntry{Classification: classification, StoredAt: c.now().UnixNano()})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketPeerCapability)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put([]byte(peer), encoded)
	})
}

// GC removes every cached entry older than the configured TTL, matching
// the teacher's bolt-backed CAS walk-and-delete-expired pattern.
func (c *PeerCapabilityCache) GC() (int, error) {
	cutoff := c.now().Add(-c.ttl).UnixNano()
	removed := 0
	err := c.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketPeerCapability)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		cur := bk.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			var entry cachedEntry
			if err := json.Unmarshal(v, &entry); err != nil || entry.StoredAt < cutoff {
				if err := cur.Delete(); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}
