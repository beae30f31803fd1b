// Package instance defines the InstanceInfo record shared across the
// scheduler, cache, and download area, grounded on the legacy
// DicomInstanceInfo value type.
package instance

// Info is the immutable typed record describing one opaque instance:
// its stable ID, its byte length, and its MD5 digest. The invariant
// size == len(bytes) && md5 == MD5(bytes) is established by whoever
// constructs an Info (the instance cache on read-through, or a
// deserialized wire payload) and is never re-derived here.
type Info struct {
	ID   string `json:"ID"`
	Size uint64 `json:"Size"`
	MD5  string `json:"MD5"`
}

// New builds an Info from already-known fields.
func New(id string, size uint64, md5 string) Info {
	return Info{ID: id, Size: size, MD5: md5}
}

// TotalSize sums the Size of every instance in the slice.
func TotalSize(infos []Info) uint64 {
	var total uint64
	for _, i := range infos {
		total += i.Size
	}
	return total
}

// Index returns a lookup from instance ID to Info, for O(1) access by
// components (scheduler, download area) that received the list once and
// need repeated random access afterward.
func Index(infos []Info) map[string]Info {
	idx := make(map[string]Info, len(infos))
	for _, i := range infos {
		idx[i.ID] = i
	}
	return idx
}
