// Package downloadarea implements the per-job scratch region instances are
// written into before being committed to the host, grounded bit-exactly on
// the legacy plugin's DownloadArea.
package downloadarea

import (
	"fmt"
	"os"
	"sync"

	"github.com/orthanc-team/transfers-accelerator/internal/host"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/scheduler"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

// slot holds one instance's scratch file, presized to its final length.
type slot struct {
	info instance.Info
	path string
	mu   sync.Mutex
}

func newSlot(info instance.Info) (*slot, error) {
	f, err := os.CreateTemp("", "transfers-*.part")
	if err != nil {
		return nil, xferr.Wrap(xferr.KindInternal, err)
	}
	path := f.Name()
	if info.Size > 0 {
		if _, err := f.WriteAt([]byte{0}, int64(info.Size)-1); err != nil {
			f.Close()
			os.Remove(path)
			return nil, xferr.Wrap(xferr.KindInternal, err)
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, xferr.Wrap(xferr.KindInternal, err)
	}
	return &slot{info: info, path: path}, nil
}

// writeChunk writes size bytes at offset, bounds-checked against the
// instance's declared size.
func (s *slot) writeChunk(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > s.info.Size {
		return xferr.New(xferr.KindOutOfRange, fmt.Sprintf("WriteChunk out of bounds for instance %s", s.info.ID))
	}
	if len(data) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_WRONLY, 0o600)
	if err != nil {
		return xferr.Wrap(xferr.KindInternal, err)
	}
	defer f.Close()
	if _, err := f.WriteAt(data, int64(offset)); err != nil {
		return xferr.Wrap(xferr.KindInternal, err)
	}
	return nil
}

func (s *slot) readAll() ([]byte, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		return nil, xferr.Wrap(xferr.KindInternal, err)
	}
	return b, nil
}

func (s *slot) remove() {
	os.Remove(s.path)
}

// Area is one job's scratch region: one slot per expected instance.
type Area struct {
	host    host.Backend
	logger  *observability.Logger
	metrics *observability.Metrics
	workers int

	mu        sync.Mutex
	slots     map[string]*slot
	totalSize uint64
	failed    bool
	failure   error
}

// New builds an Area expecting exactly infos, each presized on disk.
func New(infos []instance.Info, h host.Backend, commitWorkers int, logger *observability.Logger, metrics *observability.Metrics) (*Area, error) {
	if commitWorkers < 1 {
		commitWorkers = 1
	}
	a := &Area{
		host:    h,
		logger:  logger,
		metrics: metrics,
		workers: commitWorkers,
		slots:   make(map[string]*slot, len(infos)),
	}
	for _, info := range infos {
		s, err := newSlot(info)
		if err != nil {
			a.Clear()
			return nil, err
		}
		a.slots[info.ID] = s
		a.totalSize += info.Size
	}
	return a, nil
}

// NewFromPlan builds an Area from a scheduler.Plan's instance list.
func NewFromPlan(plan scheduler.Plan, h host.Backend, commitWorkers int, logger *observability.Logger, metrics *observability.Metrics) (*Area, error) {
	return New(plan.ListInstances(), h, commitWorkers, logger, metrics)
}

func (a *Area) lookup(id string) (*slot, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.slots[id]
	if !ok {
		return nil, xferr.New(xferr.KindUnknown, "unknown instance: "+id)
	}
	return s, nil
}

// WriteUncompressedBucket writes an already-decompressed bucket payload
// into the owning instances' slots at their declared chunk offsets.
func (a *Area) WriteUncompressedBucket(bucket scheduler.Bucket, data []byte) error {
	if uint64(len(data)) != bucket.TotalSize() {
		return xferr.New(xferr.KindProtocol, fmt.Sprintf("bucket payload size %d != declared %d", len(data), bucket.TotalSize()))
	}
	if len(data) == 0 {
		return nil
	}

	pos := uint64(0)
	for _, chunk := range bucket.Chunks {
		if pos+chunk.Size > uint64(len(data)) {
			return xferr.New(xferr.KindInternal, "bucket chunk walk overran payload")
		}
		s, err := a.lookup(chunk.InstanceID)
		if err != nil {
			return err
		}
		if err := s.writeChunk(chunk.Offset, data[pos:pos+chunk.Size]); err != nil {
			return err
		}
		pos += chunk.Size
	}
	if pos != uint64(len(data)) {
		return xferr.New(xferr.KindInternal, "bucket chunk walk did not consume the full payload")
	}
	return nil
}

// WriteBucket decompresses payload per compression, then delegates to
// WriteUncompressedBucket.
func (a *Area) WriteBucket(bucket scheduler.Bucket, payload []byte, compression toolbox.BucketCompression) error {
	decompressed, err := toolbox.Decompress(payload, compression)
	if err != nil {
		return xferr.Wrap(xferr.KindProtocol, err)
	}
	return a.WriteUncompressedBucket(bucket, decompressed)
}

// WriteInstance writes a whole instance in one shot, verifying size and
// MD5 against the declared InstanceInfo before touching disk.
func (a *Area) WriteInstance(id string, data []byte) error {
	s, err := a.lookup(id)
	if err != nil {
		return err
	}
	md5 := toolbox.MD5Hex(data)
	if uint64(len(data)) != s.info.Size || md5 != s.info.MD5 {
		return xferr.New(xferr.KindCorrupted, "instance "+id+" failed size/MD5 check before write")
	}
	return s.writeChunk(0, data)
}

// CheckMD5 runs the commit pipeline in simulate mode: every slot is read
// back and MD5-verified, but nothing is imported to the host.
func (a *Area) CheckMD5() error {
	return a.commit(true)
}

// Commit runs the commit pipeline: every slot is read back, MD5-verified,
// and on match handed to the host's ImportInstance. On any mismatch the
// area is marked failed and the error propagated; other in-flight commits
// are allowed to finish their current item.
func (a *Area) Commit() error {
	return a.commit(false)
}

type commitItem struct {
	s *slot
}

// commit drains the area's slots through a's configured number of commit
// workers. The item channel is closed once every slot has been enqueued;
// workers range over it until it closes, then the dispatcher waits on a
// WaitGroup for every worker to return — no null-sentinel shutdown.
func (a *Area) commit(simulate bool) error {
	a.mu.Lock()
	items := make([]commitItem, 0, len(a.slots))
	for _, s := range a.slots {
		items = append(items, commitItem{s: s})
	}
	a.slots = make(map[string]*slot)
	a.mu.Unlock()

	ch := make(chan commitItem, len(items))
	for _, it := range items {
		ch <- it
	}
	close(ch)

	var wg sync.WaitGroup
	wg.Add(a.workers)
	for i := 0; i < a.workers; i++ {
		go func() {
			defer wg.Done()
			for it := range ch {
				a.commitOne(it.s, simulate)
			}
		}()
	}
	wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failed {
		return a.failure
	}
	return nil
}

func (a *Area) commitOne(s *slot, simulate bool) {
	defer s.remove()

	content, err := s.readAll()
	if err != nil {
		a.markFailed(s.info.ID, err)
		return
	}

	md5 := toolbox.MD5Hex(content)
	if md5 != s.info.MD5 {
		err := xferr.New(xferr.KindCorrupted, "MD5 mismatch committing instance "+s.info.ID)
		if a.metrics != nil {
			a.metrics.RecordCommit(false)
		}
		if a.logger != nil {
			a.logger.CommitResult(s.info.ID, false, xferr.KindCorrupted.String())
		}
		a.markFailed(s.info.ID, err)
		return
	}

	if !simulate {
		if err := a.host.ImportInstance(s.info.ID, content); err != nil {
			if a.metrics != nil {
				a.metrics.RecordCommit(false)
			}
			a.markFailed(s.info.ID, xferr.Wrap(xferr.KindInternal, err))
			return
		}
	}

	if a.metrics != nil {
		a.metrics.RecordCommit(true)
	}
	if a.logger != nil {
		a.logger.CommitResult(s.info.ID, true, "")
	}
}

func (a *Area) markFailed(instanceID string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failed = true
	a.failure = err
}

// Clear discards every slot and deletes its scratch file. Safe to call
// after a partial Setup failure or a failed Commit.
func (a *Area) Clear() {
	a.mu.Lock()
	slots := a.slots
	a.slots = make(map[string]*slot)
	a.mu.Unlock()

	for _, s := range slots {
		s.remove()
	}
}

// TotalSize returns the sum of every expected instance's declared size.
func (a *Area) TotalSize() uint64 {
	return a.totalSize
}
