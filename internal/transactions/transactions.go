// Package transactions implements the Active Push Transactions table: a
// bounded map of in-flight inbound push transactions, with capacity-bound
// eviction of the oldest idle entry and a background TTL sweeper.
package transactions

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orthanc-team/transfers-accelerator/internal/downloadarea"
	"github.com/orthanc-team/transfers-accelerator/internal/host"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/scheduler"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

type entry struct {
	id          string
	area        *downloadarea.Area
	buckets     []scheduler.Bucket
	compression toolbox.BucketCompression
	lastTouch   time.Time
}

// Table is the bounded map of active push transactions.
type Table struct {
	host        host.Backend
	logger      *observability.Logger
	metrics     *observability.Metrics
	capacity    int
	idleTTL     time.Duration
	commitWorkers int

	mu        sync.Mutex
	entries   map[string]*entry
	lastSweep time.Time
}

// New builds a Table with the given capacity (0 disables receiving pushes)
// and idle TTL used both for eviction-under-pressure and the sweeper.
func New(h host.Backend, capacity int, idleTTL time.Duration, commitWorkers int, logger *observability.Logger, metrics *observability.Metrics) *Table {
	return &Table{
		host:          h,
		logger:        logger,
		metrics:       metrics,
		capacity:      capacity,
		idleTTL:       idleTTL,
		commitWorkers: commitWorkers,
		entries:       make(map[string]*entry),
		lastSweep:     time.Now(),
	}
}

// LastSweep returns when Sweep last ran, for health reporting.
func (t *Table) LastSweep() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSweep
}

// Create allocates a new transaction for instances/buckets/compression. If
// the table is at capacity, the oldest entry idle longer than the TTL is
// evicted first; if none qualifies, Create fails with KindCapacity.
func (t *Table) Create(instances []instance.Info, buckets []scheduler.Bucket, compression toolbox.BucketCompression) (string, error) {
	t.mu.Lock()
	if t.capacity <= 0 {
		t.mu.Unlock()
		return "", xferr.New(xferr.KindCapacity, "receiving pushes is disabled")
	}
	if len(t.entries) >= t.capacity {
		if !t.evictOldestIdleLocked() {
			t.mu.Unlock()
			return "", xferr.New(xferr.KindCapacity, "too many active push transactions")
		}
	}
	t.mu.Unlock()

	area, err := downloadarea.New(instances, t.host, t.commitWorkers, t.logger, t.metrics)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	t.mu.Lock()
	t.entries[id] = &entry{
		id:          id,
		area:        area,
		buckets:     buckets,
		compression: compression,
		lastTouch:   time.Now(),
	}
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.PushTransactionsActive.Set(float64(t.Count()))
	}
	if t.logger != nil {
		t.logger.WithTransaction(id).Info("push transaction created")
	}
	return id, nil
}

// evictOldestIdleLocked removes the oldest entry whose last_touch is older
// than the idle TTL. Must be called with t.mu held. Reports whether an
// entry was evicted.
func (t *Table) evictOldestIdleLocked() bool {
	var oldestID string
	var oldest *entry
	cutoff := time.Now().Add(-t.idleTTL)

	for id, e := range t.entries {
		if e.lastTouch.After(cutoff) {
			continue
		}
		if oldest == nil || e.lastTouch.Before(oldest.lastTouch) {
			oldestID, oldest = id, e
		}
	}
	if oldest == nil {
		return false
	}
	oldest.area.Clear()
	delete(t.entries, oldestID)
	if t.metrics != nil {
		t.metrics.PushTransactionsEvicted.Inc()
	}
	return true
}

// Store dispatches bytes into the transaction's download area at the
// bucket indexed by chunkIndex.
func (t *Table) Store(id string, chunkIndex int, data []byte) error {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return xferr.New(xferr.KindUnknown, "unknown transaction: "+id)
	}
	if chunkIndex < 0 || chunkIndex >= len(e.buckets) {
		t.mu.Unlock()
		return xferr.New(xferr.KindOutOfRange, "bucket index out of range")
	}
	bucket := e.buckets[chunkIndex]
	e.lastTouch = time.Now()
	t.mu.Unlock()

	return e.area.WriteBucket(bucket, data, e.compression)
}

// Commit runs the transaction's area.Commit() and removes it from the
// table regardless of outcome.
func (t *Table) Commit(id string) error {
	e, err := t.take(id)
	if err != nil {
		return err
	}
	err = e.area.Commit()
	if t.metrics != nil {
		t.metrics.PushTransactionsActive.Set(float64(t.Count()))
	}
	return err
}

// Discard removes the transaction and clears its area. Idempotent on an
// unknown id.
func (t *Table) Discard(id string) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	t.mu.Unlock()

	if ok {
		e.area.Clear()
		if t.metrics != nil {
			t.metrics.PushTransactionsActive.Set(float64(t.Count()))
		}
	}
}

func (t *Table) take(id string) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return nil, xferr.New(xferr.KindUnknown, "unknown transaction: "+id)
	}
	delete(t.entries, id)
	return e, nil
}

// Count returns the number of currently active transactions.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Sweep removes every entry idle longer than the table's TTL, clearing
// each one's area. Intended to be called periodically by a background
// goroutine (see RunSweeper).
func (t *Table) Sweep() int {
	cutoff := time.Now().Add(-t.idleTTL)

	t.mu.Lock()
	var stale []*entry
	for id, e := range t.entries {
		if e.lastTouch.Before(cutoff) {
			stale = append(stale, e)
			delete(t.entries, id)
		}
	}
	t.lastSweep = time.Now()
	t.mu.Unlock()

	for _, e := range stale {
		e.area.Clear()
	}
	if t.metrics != nil && len(stale) > 0 {
		t.metrics.PushTransactionsActive.Set(float64(t.Count()))
	}
	return len(stale)
}

// RunSweeper runs Sweep on interval until stop is closed.
func (t *Table) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// DiscardAll clears every active transaction, for graceful shutdown.
func (t *Table) DiscardAll() {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*entry)
	t.mu.Unlock()

	for _, e := range entries {
		e.area.Clear()
	}
}
