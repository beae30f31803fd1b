// Package pulljob implements the outbound Pull Job: a tagged-variant state
// machine (Lookup -> PullBuckets -> Commit -> Done/Failed) grounded on the
// legacy plugin's BucketPullQuery and DownloadArea collaboration.
package pulljob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/downloadarea"
	"github.com/orthanc-team/transfers-accelerator/internal/host"
	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/scheduler"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

// State is this job's current step.
type State int

const (
	StateLookup State = iota
	StatePullBuckets
	StateCommit
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLookup:
		return "Lookup"
	case StatePullBuckets:
		return "PullBuckets"
	case StateCommit:
		return "Commit"
	case StateDone:
		return "Done"
	default:
		return "Failed"
	}
}

// Config holds the fixed parameters of a pull job.
type Config struct {
	Threads        int
	MaxHTTPRetries int
	RegularTimeout time.Duration
	CommitTimeout  time.Duration
	Compression    toolbox.BucketCompression
	TargetBucket   uint64
	CommitWorkers  int
}

type lookupResponse struct {
	Instances      []instance.Info `json:"Instances"`
	Originator     string          `json:"Originator"`
	CountInstances int             `json:"CountInstances"`
	TotalSize      uint64          `json:"TotalSize"`
	TotalSizeMB    uint            `json:"TotalSizeMB"`
}

// Job is one outbound pull: look up a remote resource set, pull its
// buckets into a local download area, then commit.
type Job struct {
	ID        string
	Peer      httpqueue.Peer
	Resources any
	Config    Config

	host    host.Backend
	logger  *observability.Logger
	metrics *observability.Metrics

	mu         sync.Mutex
	state      State
	cookie     string
	originator string
	plan       scheduler.Plan
	area       *downloadarea.Area
	completed  int
	scheduled  int
	speedKBs   float64
	startedAt  time.Time
	err        error
}

// New builds a Job ready to Run. resources is the opaque resource set
// (Patients/Studies/Series/Instances) posted to the remote's lookup route.
func New(id string, peer httpqueue.Peer, resources any, cfg Config, h host.Backend, logger *observability.Logger, metrics *observability.Metrics) *Job {
	return &Job{
		ID:        id,
		Peer:      peer,
		Resources: resources,
		Config:    cfg,
		host:      h,
		logger:    logger,
		metrics:   metrics,
		state:     StateLookup,
		startedAt: time.Now(),
	}
}

func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress matches the legacy (1 + completed) / (2 + scheduled) formula.
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return float64(1+j.completed) / float64(2+j.scheduled)
}

func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Run drives the job through Lookup, PullBuckets and Commit until it
// reaches Done or Failed.
func (j *Job) Run(ctx context.Context, client *http.Client) error {
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
				if j.area != nil {
					j.area.Clear()
				}
			}
			if j.metrics != nil {
				j.metrics.RecordJobEnd("pull", outcome, time.Since(j.startedAt).Seconds())
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
	case StateLookup:
		return j.stepLookup(ctx, client)
	case StatePullBuckets:
		return j.stepPullBuckets(ctx, client)
	case StateCommit:
		return j.stepCommit()
	default:
		return StateFailed, xferr.New(xferr.KindInternal, "pull job stepped from a terminal state")
	}
}

func (j *Job) stepLookup(ctx context.Context, client *http.Client) (State, error) {
	encoded, err := json.Marshal(j.Resources)
	if err != nil {
		return StateFailed, xferr.Wrap(xferr.KindInternal, err)
	}

	var response lookupResponse
	query := &httpqueue.Query{
		Method:  http.MethodPost,
		Path:    "/transfers/lookup",
		Headers: map[string]string{"Content-Type": "application/json"},
		ReadBody: func() (io.Reader, int64, error) {
			return bytes.NewReader(encoded), int64(len(encoded)), nil
		},
		HandleAnswer: func(answer []byte) error {
			if err := json.Unmarshal(answer, &response); err != nil {
				return xferr.New(xferr.KindProtocol, "malformed lookup response: "+err.Error())
			}
			return nil
		},
	}

	queue := httpqueue.NewQueue(j.ID, j.Peer, []*httpqueue.Query{query}, 1, j.Config.MaxHTTPRetries, j.Config.RegularTimeout, client, j.logger, j.metrics)
	if err := queue.Run(ctx); err != nil {
		return StateFailed, err
	}

	area, err := downloadarea.New(response.Instances, j.host, j.Config.CommitWorkers, j.logger, j.metrics)
	if err != nil {
		return StateFailed, err
	}

	plan := scheduler.Pack(response.Instances, j.Config.TargetBucket, scheduler.DefaultMaxSize(j.Config.TargetBucket))

	j.mu.Lock()
	j.area = area
	j.plan = plan
	j.originator = response.Originator
	j.scheduled = len(plan.Buckets)
	if cookie, ok := queue.Cookie(); ok {
		j.cookie = cookie
	}
	j.mu.Unlock()

	if j.logger != nil {
		j.logger.WithJob(j.ID).JobStarted(j.ID, "pull", j.Peer.Name, response.CountInstances, response.TotalSize)
	}

	return StatePullBuckets, nil
}

func (j *Job) stepPullBuckets(ctx context.Context, client *http.Client) (State, error) {
	j.mu.Lock()
	plan := j.plan
	area := j.area
	cookie := j.cookie
	j.mu.Unlock()

	queries := make([]*httpqueue.Query, len(plan.Buckets))
	for i, bucket := range plan.Buckets {
		bucket := bucket
		queries[i] = &httpqueue.Query{
			Method: http.MethodGet,
			Path:   bucketPullPath(bucket, j.Config.Compression),
			HandleAnswer: func(answer []byte) error {
				return area.WriteBucket(bucket, answer, j.Config.Compression)
			},
		}
	}

	queue := httpqueue.NewQueue(j.ID, j.Peer, queries, j.Config.Threads, j.Config.MaxHTTPRetries, j.Config.RegularTimeout, client, j.logger, j.metrics)
	queue.SeedCookie(cookie)

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

	if runErr != nil {
		return StateFailed, runErr
	}
	return StateCommit, nil
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

func (j *Job) stepCommit() (State, error) {
	j.mu.Lock()
	area := j.area
	j.mu.Unlock()

	if err := area.Commit(); err != nil {
		return StateFailed, err
	}
	return StateDone, nil
}

// bucketPullPath builds the /transfers/chunks/<id1.id2...> GET URI for a
// whole bucket. Only the bucket's first chunk can have a nonzero offset
// (the packer only ever splits mid-instance at a bucket's leading edge),
// so that offset is the one that must travel on the wire; every other
// chunk starts its instance at byte 0.
func bucketPullPath(bucket scheduler.Bucket, compression toolbox.BucketCompression) string {
	ids := make([]string, len(bucket.Chunks))
	for i, c := range bucket.Chunks {
		ids[i] = c.InstanceID
	}
	offset := uint64(0)
	if len(bucket.Chunks) > 0 {
		offset = bucket.Chunks[0].Offset
	}
	return fmt.Sprintf("/transfers/chunks/%s?offset=%d&size=%d&compression=%s", strings.Join(ids, "."), offset, bucket.TotalSize(), compression.String())
}
