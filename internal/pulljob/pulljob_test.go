package pulljob

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/host"
	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
)

func TestPullJobSuccessfulRun(t *testing.T) {
	payload := []byte("0123456789")
	info := instance.New("a", uint64(len(payload)), toolbox.MD5Hex(payload))

	mux := http.NewServeMux()
	mux.HandleFunc("/transfers/lookup", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "sticky"})
		json.NewEncoder(w).Encode(lookupResponse{
			Instances:      []instance.Info{info},
			Originator:     "remote-1",
			CountInstances: 1,
			TotalSize:      uint64(len(payload)),
		})
	})
	mux.HandleFunc("/transfers/chunks/a", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "sticky" {
			t.Errorf("chunk GET missing pinned cookie")
		}
		w.Write(payload)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := host.NewMemoryBackend()

	job := New("job-1", httpqueue.Peer{Name: "peer", BaseURL: srv.URL}, []string{"a"}, Config{
		Threads:        2,
		MaxHTTPRetries: 1,
		RegularTimeout: time.Second,
		CommitTimeout:  time.Second,
		Compression:    toolbox.BucketCompressionNone,
		TargetBucket:   4096,
		CommitWorkers:  1,
	}, backend, nil, nil)

	if err := job.Run(context.Background(), srv.Client()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State() != StateDone {
		t.Fatalf("expected StateDone, got %v", job.State())
	}
	imported, ok := backend.Imported("a")
	if !ok {
		t.Fatal("expected instance a imported")
	}
	if string(imported) != string(payload) {
		t.Fatalf("imported content mismatch: got %q", imported)
	}
}

func TestPullJobFailsOnBadChunk(t *testing.T) {
	payload := []byte("0123456789")
	info := instance.New("a", uint64(len(payload)), toolbox.MD5Hex(payload))

	mux := http.NewServeMux()
	mux.HandleFunc("/transfers/lookup", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(lookupResponse{Instances: []instance.Info{info}, Originator: "remote-1"})
	})
	mux.HandleFunc("/transfers/chunks/a", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong size"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := host.NewMemoryBackend()
	job := New("job-2", httpqueue.Peer{Name: "peer", BaseURL: srv.URL}, []string{"a"}, Config{
		Threads:        1,
		MaxHTTPRetries: 0,
		RegularTimeout: time.Second,
		CommitTimeout:  time.Second,
		Compression:    toolbox.BucketCompressionNone,
		TargetBucket:   4096,
		CommitWorkers:  1,
	}, backend, nil, nil)

	if err := job.Run(context.Background(), srv.Client()); err == nil {
		t.Fatal("expected job to fail on bucket size mismatch")
	}
	if job.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", job.State())
	}
	if _, ok := backend.Imported("a"); ok {
		t.Fatal("instance should not have been imported after failure")
	}
}

// TestPullJobSplitAcrossBuckets packs one instance across two buckets (the
// same scenario scheduler_test.go's TestPackSplitAcrossBuckets exercises for
// the packer alone) and round-trips a full pull, to guard against
// bucketPullPath silently dropping the split tail's offset: a regression
// there would make the server serve the tail instance's bytes from 0 instead
// of from its real split point, reassembling the wrong bytes and failing
// with a spurious MD5 mismatch at commit instead of a clear protocol error.
func TestPullJobSplitAcrossBuckets(t *testing.T) {
	payload := make([]byte, 2500)
	for i := range payload {
		payload[i] = byte(i)
	}
	info := instance.New("a", uint64(len(payload)), toolbox.MD5Hex(payload))

	var mu sync.Mutex
	seenOffsets := map[uint64]bool{}

	mux := http.NewServeMux()
	mux.HandleFunc("/transfers/lookup", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(lookupResponse{
			Instances:      []instance.Info{info},
			Originator:     "remote-1",
			CountInstances: 1,
			TotalSize:      uint64(len(payload)),
		})
	})
	mux.HandleFunc("/transfers/chunks/a", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		offsetStr := q.Get("offset")
		if offsetStr == "" {
			t.Errorf("chunk GET missing offset query parameter")
			return
		}
		offset, err := strconv.ParseUint(offsetStr, 10, 64)
		if err != nil {
			t.Errorf("bad offset query parameter %q: %v", offsetStr, err)
			return
		}
		size, err := strconv.ParseUint(q.Get("size"), 10, 64)
		if err != nil {
			t.Errorf("bad size query parameter: %v", err)
			return
		}
		if offset+size > uint64(len(payload)) {
			t.Errorf("requested range [%d,%d) exceeds payload", offset, offset+size)
			return
		}
		mu.Lock()
		seenOffsets[offset] = true
		mu.Unlock()
		w.Write(payload[offset : offset+size])
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	backend := host.NewMemoryBackend()

	// TargetBucket 1024 with the job's default max (2x target, 2048) splits
	// this 2500-byte instance into a 2048-byte head bucket and a 452-byte
	// tail bucket whose lone chunk starts at offset 2048.
	job := New("job-3", httpqueue.Peer{Name: "peer", BaseURL: srv.URL}, []string{"a"}, Config{
		Threads:        2,
		MaxHTTPRetries: 1,
		RegularTimeout: time.Second,
		CommitTimeout:  time.Second,
		Compression:    toolbox.BucketCompressionNone,
		TargetBucket:   1024,
		CommitWorkers:  1,
	}, backend, nil, nil)

	if err := job.Run(context.Background(), srv.Client()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State() != StateDone {
		t.Fatalf("expected StateDone, got %v", job.State())
	}
	if !seenOffsets[2048] {
		t.Fatalf("expected a chunk GET carrying offset=2048 for the split tail, saw offsets %v", seenOffsets)
	}
	imported, ok := backend.Imported("a")
	if !ok {
		t.Fatal("expected instance a imported")
	}
	if string(imported) != string(payload) {
		t.Fatal("imported content mismatch after split-bucket pull")
	}
}
