package httpqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestQueueRunSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	var handled int32
	queries := []*Query{
		{Method: http.MethodGet, Path: "/a", HandleAnswer: func(b []byte) error { atomic.AddInt32(&handled, 1); return nil }},
		{Method: http.MethodGet, Path: "/b", HandleAnswer: func(b []byte) error { atomic.AddInt32(&handled, 1); return nil }},
	}

	q := NewQueue("job-1", Peer{Name: "peer", BaseURL: srv.URL}, queries, 2, 1, time.Second, srv.Client(), nil, nil)
	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if handled != 2 {
		t.Fatalf("expected 2 answers handled, got %d", handled)
	}
	if q.Status() != Success {
		t.Fatalf("expected Success, got %v", q.Status())
	}
	if q.Completed() != q.Scheduled() {
		t.Fatalf("Completed()=%d Scheduled()=%d", q.Completed(), q.Scheduled())
	}
}

func TestQueueRunPermanentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	queries := []*Query{{Method: http.MethodGet, Path: "/x"}}
	q := NewQueue("job-2", Peer{Name: "peer", BaseURL: srv.URL}, queries, 1, 2, time.Second, srv.Client(), nil, nil)

	if err := q.Run(context.Background()); err == nil {
		t.Fatal("expected error for protocol failure")
	}
	if q.Status() != Failure {
		t.Fatalf("expected Failure, got %v", q.Status())
	}
}

func TestQueueRetriesTransientFailure(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queries := []*Query{{Method: http.MethodGet, Path: "/retry"}}
	q := NewQueue("job-3", Peer{Name: "peer", BaseURL: srv.URL}, queries, 1, 3, time.Second, srv.Client(), nil, nil)

	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestCookiePinning(t *testing.T) {
	var sawCookieOnSecond bool
	first := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
			first = false
		} else {
			if c, err := r.Cookie("session"); err == nil && c.Value == "abc" {
				sawCookieOnSecond = true
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	queries := []*Query{
		{Method: http.MethodGet, Path: "/one"},
		{Method: http.MethodGet, Path: "/two"},
	}
	q := NewQueue("job-4", Peer{Name: "peer", BaseURL: srv.URL}, queries, 1, 1, time.Second, srv.Client(), nil, nil)
	if err := q.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sawCookieOnSecond {
		t.Fatal("expected the second request to carry the pinned session cookie")
	}
}
