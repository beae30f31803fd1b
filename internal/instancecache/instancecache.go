// Package instancecache implements the process-wide LRU instance byte
// cache: a budgeted, read-through cache keyed by instance ID that
// coalesces concurrent misses for the same ID into a single host read.
package instancecache

import (
	"container/list"
	"sync"

	"github.com/orthanc-team/transfers-accelerator/internal/host"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

type entry struct {
	id    string
	bytes []byte
	md5   string
}

// Cache is a strict-LRU byte cache under a fixed size budget. Concurrent
// Gets of distinct IDs proceed in parallel; concurrent Gets of the same ID
// share one host read. Never stores a partial instance.
type Cache struct {
	host    host.Backend
	metrics *observability.Metrics
	budget  uint64

	mu       sync.Mutex
	used     uint64
	elements map[string]*list.Element
	order    *list.List
	inflight map[string]*sync.WaitGroup
}

// New builds a Cache backed by h with a byte budget.
func New(h host.Backend, budgetBytes uint64, metrics *observability.Metrics) *Cache {
	return &Cache{
		host:     h,
		metrics:  metrics,
		budget:   budgetBytes,
		elements: make(map[string]*list.Element),
		order:    list.New(),
		inflight: make(map[string]*sync.WaitGroup),
	}
}

// GetInstanceInfo returns size and MD5 for id, reading through the host on
// a miss. The MD5 returned is always the hash of what was actually read.
func (c *Cache) GetInstanceInfo(id string) (uint64, string, error) {
	b, md5, err := c.GetChunk(id, 0, 0)
	if err != nil {
		return 0, "", err
	}
	return uint64(len(b)), md5, nil
}

// GetChunk returns exactly size bytes of instance id starting at offset (0
// size means "to the end"), along with the MD5 of the returned slice. A
// range that extends past the end of the instance fails with OutOfRange.
func (c *Cache) GetChunk(id string, offset, size uint64) ([]byte, string, error) {
	full, err := c.load(id)
	if err != nil {
		return nil, "", err
	}
	if offset > uint64(len(full)) {
		return nil, "", xferr.New(xferr.KindOutOfRange, "offset beyond instance length")
	}
	end := uint64(len(full))
	if size > 0 {
		if offset+size > end {
			return nil, "", xferr.New(xferr.KindOutOfRange, "range beyond instance length")
		}
		end = offset + size
	}
	slice := full[offset:end]
	return slice, toolbox.MD5Hex(slice), nil
}

// load returns the full byte content of id, from cache or read-through,
// coalescing concurrent misses for the same id into one host read.
func (c *Cache) load(id string) ([]byte, error) {
	c.mu.Lock()
	if el, ok := c.elements[id]; ok {
		c.order.MoveToFront(el)
		e := el.Value.(*entry)
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.RecordCacheHit()
		}
		return e.bytes, nil
	}
	if wg, ok := c.inflight[id]; ok {
		c.mu.Unlock()
		wg.Wait()
		c.mu.Lock()
		el, ok := c.elements[id]
		c.mu.Unlock()
		if !ok {
			return nil, xferr.New(xferr.KindUnknown, "instance load failed on a coalesced miss")
		}
		return el.Value.(*entry).bytes, nil
	}

	wg := &sync.WaitGroup{}
	wg.Add(1)
	c.inflight[id] = wg
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordCacheMiss()
	}

	b, err := c.host.GetInstanceBytes(id)
	defer func() {
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		wg.Done()
	}()
	if err != nil {
		return nil, xferr.Wrap(xferr.KindUnknown, err)
	}

	c.store(id, b)
	return b, nil
}

func (c *Cache) store(id string, b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[id]; ok {
		c.used -= uint64(len(el.Value.(*entry).bytes))
		c.order.Remove(el)
		delete(c.elements, id)
	}

	e := &entry{id: id, bytes: b, md5: toolbox.MD5Hex(b)}
	el := c.order.PushFront(e)
	c.elements[id] = el
	c.used += uint64(len(b))

	for c.used > c.budget && c.order.Len() > 0 {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		oe := oldest.Value.(*entry)
		c.order.Remove(oldest)
		delete(c.elements, oe.id)
		c.used -= uint64(len(oe.bytes))
	}

	if c.metrics != nil {
		c.metrics.CacheBytesUsed.Set(float64(c.used))
	}
}

// UsedBytes reports bytes currently resident in the cache, for health checks.
func (c *Cache) UsedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// BudgetBytes reports the configured size budget, for health checks.
func (c *Cache) BudgetBytes() uint64 {
	return c.budget
}
