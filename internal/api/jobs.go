package api

import (
	"sync"

	"github.com/google/uuid"
)

// jobRecord tracks the polled state of one background pull or push job,
// independent of which concrete job type produced it.
type jobRecord struct {
	mu       sync.Mutex
	id       string
	kind     string
	state    string
	progress float64
	err      error
	done     bool
	result   any
}

func (r *jobRecord) update(state string, progress float64) {
	r.mu.Lock()
	r.state = state
	r.progress = progress
	r.mu.Unlock()
}

func (r *jobRecord) finish(err error, result any) {
	r.mu.Lock()
	r.done = true
	r.err = err
	r.result = result
	if err != nil {
		r.state = "Failed"
	} else {
		r.state = "Done"
	}
	r.mu.Unlock()
}

func (r *jobRecord) snapshot() jobStatusResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := jobStatusResponse{
		ID:       r.id,
		Kind:     r.kind,
		State:    r.state,
		Progress: r.progress,
	}
	if r.err != nil {
		resp.Error = r.err.Error()
	}
	return resp
}

// jobRegistry is the generic job registry SPEC_FULL.md §1 names as a
// host-supplied capability, implemented here in-process since this
// service owns the jobs it schedules.
type jobRegistry struct {
	mu   sync.Mutex
	jobs map[string]*jobRecord
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*jobRecord)}
}

func (j *jobRegistry) create(kind string) *jobRecord {
	rec := &jobRecord{id: uuid.NewString(), kind: kind, state: "Pending"}
	j.mu.Lock()
	j.jobs[rec.id] = rec
	j.mu.Unlock()
	return rec
}

func (j *jobRegistry) get(id string) (*jobRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.jobs[id]
	return rec, ok
}

type jobStatusResponse struct {
	ID       string  `json:"ID"`
	Kind     string  `json:"Kind"`
	State    string  `json:"State"`
	Progress float64 `json:"Progress"`
	Error    string  `json:"Error,omitempty"`
}
