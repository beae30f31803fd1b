// Package httpqueue implements the HTTP query queue and runner: a bounded
// worker pool that executes a job's queries against one peer, with
// exponential-backoff retry, speed estimation, and session cookie pinning.
package httpqueue

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/ratelimit"
	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

// QueryStatus is the lifecycle state of one Query within a Queue.
type QueryStatus int

const (
	Pending QueryStatus = iota
	InProgress
	Done
	Failed
)

// QueueStatus is the aggregate terminal status of a Queue's run.
type QueueStatus int

const (
	Running QueueStatus = iota
	Success
	Failure
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// Peer is the set of coordinates a Queue needs to reach one remote.
type Peer struct {
	Name     string
	BaseURL  string
	Username string
	Password string
}

// Query is one HTTP request: method, URI, an optional body producer, and an
// answer handler invoked synchronously on the worker goroutine.
type Query struct {
	Method       string
	Path         string
	Headers      map[string]string
	ReadBody     func() (body io.Reader, size int64, err error)
	HandleAnswer func([]byte) error

	mu     sync.Mutex
	status QueryStatus
}

// Status reports the query's current lifecycle state.
func (q *Query) Status() QueryStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}

func (q *Query) setStatus(s QueryStatus) {
	q.mu.Lock()
	q.status = s
	q.mu.Unlock()
}

// Queue is a bounded producer/consumer FIFO of Queries run against one peer.
type Queue struct {
	jobID      string
	peer       Peer
	queries    []*Query
	threads    int
	maxRetries int
	timeout    time.Duration
	client     *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics

	cookieMu sync.RWMutex
	cookie   string
	hasCookie bool

	limiter *ratelimit.TokenBucket

	downloaded atomic.Uint64
	uploaded   atomic.Uint64
	speedBits  atomic.Uint64

	stopped atomic.Bool
	failed  atomic.Bool
}

// NewQueue builds a Queue for jobID's queries against peer.
func NewQueue(jobID string, peer Peer, queries []*Query, threads, maxRetries int, timeout time.Duration, client *http.Client, logger *observability.Logger, metrics *observability.Metrics) *Queue {
	if threads < 1 {
		threads = 1
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Queue{
		jobID:      jobID,
		peer:       peer,
		queries:    queries,
		threads:    threads,
		maxRetries: maxRetries,
		timeout:    timeout,
		client:     client,
		logger:     logger,
		metrics:    metrics,
	}
}

// SetLimiter attaches a process-wide outbound byte-rate limiter, consulted
// before each request body is sent. A nil limiter (the default) disables
// shaping entirely.
func (q *Queue) SetLimiter(limiter *ratelimit.TokenBucket) {
	q.limiter = limiter
}

// Stop requests that the runner drain in-flight workers and accept no new
// work. Idempotent; workers observe it between requests, not mid-request.
func (q *Queue) Stop() {
	q.stopped.Store(true)
}

// SeedCookie pins cookie onto every request this queue sends, as if it had
// been harvested from a prior response. Used to carry session affinity
// across the separate Queues that make up one job's successive stages.
func (q *Queue) SeedCookie(cookie string) {
	if cookie == "" {
		return
	}
	q.cookieMu.Lock()
	q.cookie = cookie
	q.hasCookie = true
	q.cookieMu.Unlock()
}

// Cookie returns the currently pinned cookie, if any.
func (q *Queue) Cookie() (string, bool) {
	return q.currentCookie()
}

// Scheduled returns the total number of queries in the queue.
func (q *Queue) Scheduled() int {
	return len(q.queries)
}

// Completed returns the number of queries that have reached a terminal
// state (Done or Failed).
func (q *Queue) Completed() int {
	n := 0
	for _, query := range q.queries {
		if s := query.Status(); s == Done || s == Failed {
			n++
		}
	}
	return n
}

// SpeedKBs returns the last sampled exponentially-smoothed throughput.
func (q *Queue) SpeedKBs() float64 {
	return math.Float64frombits(q.speedBits.Load())
}

// Status reports the aggregate queue status: Running while anything is
// still Pending/InProgress, Success iff every query reached Done, Failure
// iff any query reached Failed.
func (q *Queue) Status() QueueStatus {
	anyFailed := false
	anyUnfinished := false
	for _, query := range q.queries {
		switch query.Status() {
		case Failed:
			anyFailed = true
		case Pending, InProgress:
			anyUnfinished = true
		}
	}
	if anyUnfinished {
		return Running
	}
	if anyFailed {
		return Failure
	}
	return Success
}

// Run drains the queue through q.threads workers and blocks until every
// query has reached a terminal state. It returns an error iff any query
// permanently failed; queries already in flight are allowed to finish but
// their results are discarded from the queue's verdict.
func (q *Queue) Run(ctx context.Context) error {
	if len(q.queries) == 0 {
		return nil
	}
	if q.metrics != nil {
		q.metrics.QueriesScheduledTotal.Add(float64(len(q.queries)))
	}

	sampleCtx, cancelSample := context.WithCancel(ctx)
	defer cancelSample()
	go q.sampleSpeed(sampleCtx)

	work := make(chan *Query, len(q.queries))
	for _, query := range q.queries {
		work <- query
	}
	close(work)

	workers := q.threads
	if workers > len(q.queries) {
		workers = len(q.queries)
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for query := range work {
				if q.stopped.Load() {
					query.setStatus(Failed)
					q.failed.Store(true)
					continue
				}
				query.setStatus(InProgress)
				err := q.executeWithRetry(ctx, query)
				if err != nil {
					query.setStatus(Failed)
					q.failed.Store(true)
					if q.metrics != nil {
						q.metrics.RecordQueryFailed(xferr.KindOf(err).String())
					}
					if q.logger != nil {
						q.logger.WithJob(q.jobID).Error(err, "http query failed permanently")
					}
				} else {
					query.setStatus(Done)
					if q.metrics != nil {
						q.metrics.QueriesCompletedTotal.Inc()
					}
				}
			}
		}()
	}
	wg.Wait()

	if q.failed.Load() {
		return xferr.New(xferr.KindTransport, "one or more http queries failed permanently")
	}
	return nil
}

func (q *Queue) sampleSpeed(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	var lastTotal uint64
	var smoothed float64
	const alpha = 0.3

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := q.downloaded.Load() + q.uploaded.Load()
			deltaKB := float64(total-lastTotal) / 1024.0
			instant := deltaKB / 0.25
			smoothed = alpha*instant + (1-alpha)*smoothed
			lastTotal = total
			q.speedBits.Store(math.Float64bits(smoothed))
		}
	}
}

func (q *Queue) executeWithRetry(ctx context.Context, query *Query) error {
	backoff := initialBackoff
	var lastErr error
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		err := q.executeOnce(ctx, query)
		if err == nil {
			return nil
		}
		lastErr = err
		if xferr.KindOf(err) != xferr.KindTransport {
			return err
		}
		if attempt == q.maxRetries {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return xferr.Wrap(xferr.KindTransport, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return lastErr
}

func (q *Queue) executeOnce(ctx context.Context, query *Query) error {
	reqCtx := ctx
	var cancel context.CancelFunc
	if q.timeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	var body io.Reader
	var bodySize int64
	if query.ReadBody != nil {
		b, size, err := query.ReadBody()
		if err != nil {
			return xferr.Wrap(xferr.KindInternal, err)
		}
		body = b
		bodySize = size
	}

	req, err := http.NewRequestWithContext(reqCtx, query.Method, q.peer.BaseURL+query.Path, body)
	if err != nil {
		return xferr.Wrap(xferr.KindInternal, err)
	}
	if bodySize > 0 {
		req.ContentLength = bodySize
	}
	for k, v := range query.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("sender-transfer-id", q.jobID)
	if q.peer.Username != "" {
		req.SetBasicAuth(q.peer.Username, q.peer.Password)
	}
	if cookie, ok := q.currentCookie(); ok {
		req.Header.Set("Cookie", cookie)
	}

	if q.limiter != nil && bodySize > 0 {
		q.limiter.Wait(int(bodySize))
	}

	start := time.Now()
	resp, err := q.client.Do(req)
	if err != nil {
		return xferr.Wrap(xferr.KindTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return xferr.Wrap(xferr.KindTransport, err)
	}
	if q.metrics != nil {
		q.metrics.BucketTransferSeconds.Observe(time.Since(start).Seconds())
	}
	q.downloaded.Add(uint64(len(respBody)))
	if bodySize > 0 {
		q.uploaded.Add(uint64(bodySize))
	}
	if q.metrics != nil {
		if len(respBody) > 0 {
			q.metrics.BytesTotal.WithLabelValues("downloaded").Add(float64(len(respBody)))
		}
		if bodySize > 0 {
			q.metrics.BytesTotal.WithLabelValues("uploaded").Add(float64(bodySize))
		}
	}

	q.harvestCookie(resp)

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout {
		return xferr.New(xferr.KindTransport, fmt.Sprintf("peer %s returned %d", q.peer.Name, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return xferr.New(xferr.KindProtocol, fmt.Sprintf("peer %s returned %d", q.peer.Name, resp.StatusCode))
	}

	if query.HandleAnswer != nil {
		if err := query.HandleAnswer(respBody); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) currentCookie() (string, bool) {
	q.cookieMu.RLock()
	defer q.cookieMu.RUnlock()
	return q.cookie, q.hasCookie
}

// harvestCookie pins the value of the *last* Set-Cookie header, matching
// the legacy protocol quirk peers on the other end of the wire expect.
func (q *Queue) harvestCookie(resp *http.Response) {
	values := resp.Header.Values("Set-Cookie")
	if len(values) == 0 {
		return
	}
	q.cookieMu.Lock()
	q.cookie = values[len(values)-1]
	q.hasCookie = true
	q.cookieMu.Unlock()
}
