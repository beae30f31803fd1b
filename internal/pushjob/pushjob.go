// Package pushjob implements the outbound Push Job: a tagged-variant state
// machine (CreateTransaction -> PushBuckets -> Finalize -> Done/Failed)
// grounded on the legacy plugin's PushJob state classes.
package pushjob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/ratelimit"
	"github.com/orthanc-team/transfers-accelerator/internal/scheduler"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

// ChunkReader is the narrow read side of the instance cache a push job
// needs to assemble bucket payloads from locally-held instance bytes.
type ChunkReader interface {
	GetChunk(id string, offset, size uint64) ([]byte, string, error)
}

// State is this job's current step, modeled as a tagged variant rather
// than an object hierarchy of state subclasses.
type State int

const (
	StateCreateTransaction State = iota
	StatePushBuckets
	StateFinalize
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreateTransaction:
		return "CreateTransaction"
	case StatePushBuckets:
		return "PushBuckets"
	case StateFinalize:
		return "Finalize"
	case StateDone:
		return "Done"
	default:
		return "Failed"
	}
}

// Config holds the fixed parameters of a push job, supplied once at creation.
type Config struct {
	Threads        int
	MaxHTTPRetries int
	RegularTimeout time.Duration
	CommitTimeout  time.Duration
	Compression    toolbox.BucketCompression
	Limiter        *ratelimit.TokenBucket
}

type createTransactionRequest struct {
	Buckets     []scheduler.Bucket `json:"Buckets"`
	Instances   []instance.Info    `json:"Instances"`
	Compression string             `json:"Compression"`
}

type createTransactionResponse struct {
	ID   string `json:"ID"`
	Path string `json:"Path"`
}

// Job is one outbound push: pack a local instance set into buckets, push
// them to a remote peer's transaction, then commit or discard.
type Job struct {
	ID     string
	Peer   httpqueue.Peer
	Plan   scheduler.Plan
	Config Config

	cache   ChunkReader
	logger  *observability.Logger
	metrics *observability.Metrics

	mu              sync.Mutex
	state           State
	transactionPath string
	cookie          string
	commitOnFinalize bool
	completed       int
	scheduled       int
	speedKBs        float64
	startedAt       time.Time
	err             error
}

// New builds a Job ready to Run. cache supplies bucket payload bytes.
func New(id string, peer httpqueue.Peer, plan scheduler.Plan, cfg Config, cache ChunkReader, logger *observability.Logger, metrics *observability.Metrics) *Job {
	return &Job{
		ID:        id,
		Peer:      peer,
		Plan:      plan,
		Config:    cfg,
		cache:     cache,
		logger:    logger,
		metrics:   metrics,
		state:     StateCreateTransaction,
		scheduled: len(plan.Buckets),
		startedAt: time.Now(),
	}
}

// State reports the job's current step.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress matches the legacy (1 + completed) / (2 + scheduled) formula;
// the constant 2 accounts for the CreateTransaction and Finalize steps.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return float64(1+j.completed) / float64(2+j.scheduled)
}

// Err returns the terminal error, if the job failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Run drives the job through CreateTransaction, PushBuckets and Finalize
// until it reaches Done or Failed.
func (j *Job) Run(ctx context.Context, client *http.Client) error {
	if j.logger != nil {
		j.logger.WithJob(j.ID).JobStarted(j.ID, "push", j.Peer.Name, j.Plan.TotalInstances, j.Plan.TotalBytes)
	}
	if j.metrics != nil {
		j.metrics.RecordJobStart()
	}

	for {
		next, err := j.step(ctx, client)
		j.mu.Lock()
		j.state = next
		if err != nil {
			j.err = err
		}
		j.mu.Unlock()

		if next == StateDone || next == StateFailed {
			outcome := "success"
			if next == StateFailed {
				outcome = "failure"
			}
			if j.metrics != nil {
				j.metrics.RecordJobEnd("push", outcome, time.Since(j.startedAt).Seconds())
			}
			if j.logger != nil {
				j.logger.WithJob(j.ID).JobFinished(j.ID, next.String(), time.Since(j.startedAt))
			}
			return err
		}
	}
}

func (j *Job) step(ctx context.Context, client *http.Client) (State, error) {
	switch j.State() {
	case StateCreateTransaction:
		return j.stepCreateTransaction(ctx, client)
	case StatePushBuckets:
		return j.stepPushBuckets(ctx, client)
	case StateFinalize:
		return j.stepFinalize(ctx, client)
	default:
		return StateFailed, xferr.New(xferr.KindInternal, "push job stepped from a terminal state")
	}
}

func (j *Job) stepCreateTransaction(ctx context.Context, client *http.Client) (State, error) {
	body := createTransactionRequest{
		Buckets:     j.Plan.Buckets,
		Instances:   j.Plan.Instances,
		Compression: j.Config.Compression.String(),
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return StateFailed, xferr.Wrap(xferr.KindInternal, err)
	}

	var response createTransactionResponse
	query := &httpqueue.Query{
		Method:  http.MethodPost,
		Path:    "/transfers/push",
		Headers: map[string]string{"Content-Type": "application/json"},
		ReadBody: func() (io.Reader, int64, error) {
			return bytes.NewReader(encoded), int64(len(encoded)), nil
		},
		HandleAnswer: func(answer []byte) error {
			if err := json.Unmarshal(answer, &response); err != nil {
				return xferr.New(xferr.KindProtocol, "malformed push transaction response: "+err.Error())
			}
			if response.Path == "" {
				return xferr.New(xferr.KindProtocol, "push transaction response missing Path")
			}
			return nil
		},
	}

	queue := httpqueue.NewQueue(j.ID, j.Peer, []*httpqueue.Query{query}, 1, j.Config.MaxHTTPRetries, j.Config.CommitTimeout, client, j.logger, j.metrics)
	if err := queue.Run(ctx); err != nil {
		return StateFailed, err
	}

	j.mu.Lock()
	j.transactionPath = response.Path
	if cookie, ok := queue.Cookie(); ok {
		j.cookie = cookie
	}
	j.mu.Unlock()

	return StatePushBuckets, nil
}

func (j *Job) stepPushBuckets(ctx context.Context, client *http.Client) (State, error) {
	j.mu.Lock()
	path := j.transactionPath
	cookie := j.cookie
	j.mu.Unlock()

	queries := make([]*httpqueue.Query, len(j.Plan.Buckets))
	for i, bucket := range j.Plan.Buckets {
		bucket := bucket
		queries[i] = &httpqueue.Query{
			Method:  http.MethodPut,
			Path:    fmt.Sprintf("%s/%d", path, i),
			Headers: map[string]string{"Content-Type": j.Config.Compression.ContentType()},
			ReadBody: func() (io.Reader, int64, error) {
				payload, err := j.assembleBucket(bucket)
				if err != nil {
					return nil, 0, err
				}
				compressed, err := toolbox.Compress(payload, j.Config.Compression)
				if err != nil {
					return nil, 0, xferr.Wrap(xferr.KindInternal, err)
				}
				return bytes.NewReader(compressed), int64(len(compressed)), nil
			},
			HandleAnswer: func([]byte) error { return nil },
		}
	}

	queue := httpqueue.NewQueue(j.ID, j.Peer, queries, j.Config.Threads, j.Config.MaxHTTPRetries, j.Config.RegularTimeout, client, j.logger, j.metrics)
	queue.SeedCookie(cookie)
	queue.SetLimiter(j.Config.Limiter)

	done := make(chan error, 1)
	go func() { done <- queue.Run(ctx) }()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	var runErr error
loop:
	for {
		select {
		case runErr = <-done:
			break loop
		case <-ticker.C:
			j.updateProgress(queue)
		}
	}
	j.updateProgress(queue)

	j.mu.Lock()
	j.commitOnFinalize = runErr == nil
	if cookie, ok := queue.Cookie(); ok {
		j.cookie = cookie
	}
	j.mu.Unlock()

	return StateFinalize, nil
}

func (j *Job) updateProgress(queue *httpqueue.Queue) {
	j.mu.Lock()
	j.completed = queue.Completed()
	j.speedKBs = queue.SpeedKBs()
	j.mu.Unlock()
	if j.logger != nil {
		j.logger.WithJob(j.ID).JobProgress(j.ID, j.completed, j.scheduled, j.speedKBs)
	}
}

// stepFinalize commits the transaction if every bucket PUT succeeded,
// otherwise discards it. A discarded transaction always fails the job,
// matching the legacy FinalState which returns Failure() on the discard
// path regardless of whether the DELETE itself succeeded.
func (j *Job) stepFinalize(ctx context.Context, client *http.Client) (State, error) {
	j.mu.Lock()
	path := j.transactionPath
	cookie := j.cookie
	commit := j.commitOnFinalize
	j.mu.Unlock()

	method := http.MethodDelete
	reqPath := path
	if commit {
		method = http.MethodPost
		reqPath = path + "/commit"
	}

	query := &httpqueue.Query{Method: method, Path: reqPath, HandleAnswer: func([]byte) error { return nil }}
	queue := httpqueue.NewQueue(j.ID, j.Peer, []*httpqueue.Query{query}, 1, j.Config.MaxHTTPRetries, j.Config.CommitTimeout, client, j.logger, j.metrics)
	queue.SeedCookie(cookie)

	err := queue.Run(ctx)
	if !commit {
		if err != nil {
			return StateFailed, err
		}
		return StateFailed, xferr.New(xferr.KindTransport, "push buckets failed; transaction discarded")
	}
	if err != nil {
		return StateFailed, err
	}
	return StateDone, nil
}

func (j *Job) assembleBucket(bucket scheduler.Bucket) ([]byte, error) {
	var buf bytes.Buffer
	for _, chunk := range bucket.Chunks {
		b, _, err := j.cache.GetChunk(chunk.InstanceID, chunk.Offset, chunk.Size)
		if err != nil {
			return nil, err
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}
