// Package scheduler implements the bucket packer (TransferScheduler in the
// legacy plugin): given an ordered instance list and a target bucket size,
// it produces a deterministic sequence of TransferBuckets.
package scheduler

import (
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
)

// Chunk is a contiguous slice (instance_id, offset, size) of one instance,
// read and written as one piece of a bucket's payload.
type Chunk struct {
	InstanceID string `json:"ID"`
	Offset     uint64 `json:"Offset"`
	Size       uint64 `json:"Size"`
}

// Bucket is an ordered sequence of chunks forming one HTTP payload.
type Bucket struct {
	Chunks []Chunk
}

// TotalSize returns the sum of every chunk's size in the bucket.
func (b Bucket) TotalSize() uint64 {
	var total uint64
	for _, c := range b.Chunks {
		total += c.Size
	}
	return total
}

// Plan is the packer's output: the ordered buckets plus aggregate totals,
// and the instance list the buckets were built from (so a receiver can
// recreate a DownloadArea without re-deriving it from the buckets).
type Plan struct {
	Buckets        []Bucket
	TotalBytes     uint64
	TotalInstances int
	Instances      []instance.Info
}

// ListInstances returns the instance list backing this plan.
func (p Plan) ListInstances() []instance.Info {
	return p.Instances
}

// DefaultMaxSize returns the legacy default max bucket size: 2x the target.
// The open question of whether a stricter cap is required was resolved in
// SPEC_FULL.md §9: no hard cap is imposed beyond this.
func DefaultMaxSize(targetSize uint64) uint64 {
	return 2 * targetSize
}

// Pack walks infos in order and slices them into buckets per the algorithm:
//
//  1. Starting a bucket, an instance that fits within maxSize becomes one
//     whole chunk.
//  2. An instance that fits in the bucket's remaining room is appended whole.
//  3. An instance that would overflow maxSize is split: a head chunk fills
//     the bucket to maxSize, the bucket is emitted, and the tail repeats
//     from a fresh bucket (possibly splitting again, for instances larger
//     than maxSize itself).
//  4. A bucket is emitted as soon as it reaches targetSize.
//
// The final, possibly short, bucket is emitted once every instance has been
// placed. Packing never produces a zero-length chunk.
func Pack(infos []instance.Info, targetSize, maxSize uint64) Plan {
	if maxSize < targetSize {
		maxSize = DefaultMaxSize(targetSize)
	}

	var buckets []Bucket
	var current Bucket
	var currentSize uint64

	emit := func() {
		if len(current.Chunks) > 0 {
			buckets = append(buckets, current)
		}
		current = Bucket{}
		currentSize = 0
	}

	for _, info := range infos {
		remaining := info.Size
		offset := uint64(0)

		for remaining > 0 {
			switch {
			case currentSize == 0 && remaining <= maxSize:
				// Rule 1: whole instance (or whole remaining tail) as one chunk.
				current.Chunks = append(current.Chunks, Chunk{info.ID, offset, remaining})
				currentSize += remaining
				offset += remaining
				remaining = 0

			case currentSize != 0 && currentSize+remaining <= maxSize:
				// Rule 2: append whole remaining tail to the current bucket.
				current.Chunks = append(current.Chunks, Chunk{info.ID, offset, remaining})
				currentSize += remaining
				offset += remaining
				remaining = 0

			default:
				// Rule 3: fill to maxSize, emit, continue with the tail.
				room := maxSize - currentSize
				if room >= 1 {
					current.Chunks = append(current.Chunks, Chunk{info.ID, offset, room})
					currentSize += room
					offset += room
					remaining -= room
				}
				emit()
				continue
			}

			if currentSize >= targetSize {
				// Rule 4.
				emit()
			}
		}
	}
	emit()

	return Plan{
		Buckets:        buckets,
		TotalBytes:     instance.TotalSize(infos),
		TotalInstances: len(infos),
		Instances:      infos,
	}
}
