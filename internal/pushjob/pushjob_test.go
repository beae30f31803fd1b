package pushjob

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/scheduler"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
)

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memCache) GetChunk(id string, offset, size uint64) ([]byte, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.data[id]
	end := offset + size
	if size == 0 || end > uint64(len(b)) {
		end = uint64(len(b))
	}
	slice := b[offset:end]
	return slice, toolbox.MD5Hex(slice), nil
}

func TestPushJobSuccessfulRun(t *testing.T) {
	var committed bool
	mux := http.NewServeMux()
	mux.HandleFunc("/transfers/push", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "sticky"})
		json.NewEncoder(w).Encode(createTransactionResponse{ID: "tx1", Path: "/transfers/push/tx1"})
	})
	mux.HandleFunc("/transfers/push/tx1/0", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value != "sticky" {
			t.Errorf("bucket PUT missing pinned cookie")
		}
		io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/transfers/push/tx1/commit", func(w http.ResponseWriter, r *http.Request) {
		committed = true
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache := &memCache{data: map[string][]byte{"a": []byte("0123456789")}}
	plan := scheduler.Pack([]instance.Info{instance.New("a", 10, toolbox.MD5Hex([]byte("0123456789")))}, 4096, 0)

	job := New("job-1", httpqueue.Peer{Name: "peer", BaseURL: srv.URL}, plan, Config{
		Threads:        2,
		MaxHTTPRetries: 1,
		RegularTimeout: time.Second,
		CommitTimeout:  time.Second,
		Compression:    toolbox.BucketCompressionNone,
	}, cache, nil, nil)

	if err := job.Run(context.Background(), srv.Client()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.State() != StateDone {
		t.Fatalf("expected StateDone, got %v", job.State())
	}
	if !committed {
		t.Fatal("expected commit request to have been sent")
	}
}

func TestPushJobDiscardsOnBucketFailure(t *testing.T) {
	var discarded bool
	mux := http.NewServeMux()
	mux.HandleFunc("/transfers/push", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(createTransactionResponse{ID: "tx1", Path: "/transfers/push/tx1"})
	})
	mux.HandleFunc("/transfers/push/tx1/0", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/transfers/push/tx1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			discarded = true
		}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cache := &memCache{data: map[string][]byte{"a": []byte("0123456789")}}
	plan := scheduler.Pack([]instance.Info{instance.New("a", 10, toolbox.MD5Hex([]byte("0123456789")))}, 4096, 0)

	job := New("job-2", httpqueue.Peer{Name: "peer", BaseURL: srv.URL}, plan, Config{
		Threads:        1,
		MaxHTTPRetries: 0,
		RegularTimeout: time.Second,
		CommitTimeout:  time.Second,
		Compression:    toolbox.BucketCompressionNone,
	}, cache, nil, nil)

	if err := job.Run(context.Background(), srv.Client()); err == nil {
		t.Fatal("expected job to fail")
	}
	if job.State() != StateFailed {
		t.Fatalf("expected StateFailed, got %v", job.State())
	}
	if !discarded {
		t.Fatal("expected the transaction to have been discarded")
	}
}
