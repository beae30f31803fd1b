// Package api wires the transfer accelerator's components to the REST
// surface described in SPEC_FULL.md §6, grounded on the teacher's
// daemon/api/server/server.go handler/DTO/writeJSON conventions.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/host"
	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/instancecache"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/peerdetect"
	"github.com/orthanc-team/transfers-accelerator/internal/peers"
	"github.com/orthanc-team/transfers-accelerator/internal/pulljob"
	"github.com/orthanc-team/transfers-accelerator/internal/pushjob"
	"github.com/orthanc-team/transfers-accelerator/internal/ratelimit"
	"github.com/orthanc-team/transfers-accelerator/internal/scheduler"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
	"github.com/orthanc-team/transfers-accelerator/internal/transactions"
	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

// ResourceResolver is the host-side capability, out of this
// specification's scope, that turns an opaque resource list
// (Patients/Studies/Series/Instances) into the concrete instance set it
// covers. A real deployment backs this with the imaging server's own
// index; tests and cmd/transfers-accelerator's localIndexResolver are
// stand-ins.
type ResourceResolver interface {
	ResolveInstances(resources json.RawMessage) ([]instance.Info, error)
}

// Config bundles the per-process options the Server needs beyond the
// components it orchestrates.
type Config struct {
	PluginUUID     string
	Threads        int
	MaxHTTPRetries int
	RegularTimeout time.Duration
	CommitTimeout  time.Duration
	BucketSize     uint64
	Compression    toolbox.BucketCompression
}

// Server owns every shared, long-lived component and exposes the full
// HTTP surface as one *http.ServeMux. There is no package-level mutable
// state; everything lives on this struct, built once in main.
type Server struct {
	cfg Config

	host         host.Backend
	resolver     ResourceResolver
	cache        *instancecache.Cache
	transactions *transactions.Table
	orthancPeers peers.OrthancPeers
	bidirectional peers.BidirectionalPeers
	detector     *peerdetect.Detector
	limiter      *ratelimit.TokenBucket
	health       *observability.HealthChecker
	logger       *observability.Logger
	metrics      *observability.Metrics
	client       *http.Client

	jobs *jobRegistry
}

// New builds a Server from its collaborators.
func New(cfg Config, h host.Backend, resolver ResourceResolver, cache *instancecache.Cache, txTable *transactions.Table, orthancPeers peers.OrthancPeers, bidirectional peers.BidirectionalPeers, detector *peerdetect.Detector, limiter *ratelimit.TokenBucket, health *observability.HealthChecker, logger *observability.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:           cfg,
		host:          h,
		resolver:      resolver,
		cache:         cache,
		transactions:  txTable,
		orthancPeers:  orthancPeers,
		bidirectional: bidirectional,
		detector:      detector,
		limiter:       limiter,
		health:        health,
		logger:        logger,
		metrics:       metrics,
		client:        &http.Client{},
		jobs:          newJobRegistry(),
	}
}

// Handler builds the full routed mux for this server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/transfers/lookup", s.handleLookup)
	mux.HandleFunc("/transfers/chunks/", s.handleChunks)
	mux.HandleFunc("/transfers/pull", s.handlePull)
	mux.HandleFunc("/transfers/send", s.handleSend)
	mux.HandleFunc("/transfers/push", s.handlePushCreate)
	mux.HandleFunc("/transfers/push/", s.handlePushPrefix)
	mux.HandleFunc("/transfers/peers", s.handlePeers)
	mux.HandleFunc("/transfers/jobs/", s.handleJobStatus)
	mux.HandleFunc("/plugins", s.handlePlugins)
	if s.health != nil {
		mux.HandleFunc("/healthz", s.health.Handler())
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) runPullJob(rec *jobRecord, peer httpqueue.Peer, resources any) {
	job := pulljob.New(rec.id, peer, resources, pulljob.Config{
		Threads:        s.cfg.Threads,
		MaxHTTPRetries: s.cfg.MaxHTTPRetries,
		RegularTimeout: s.cfg.RegularTimeout,
		CommitTimeout:  s.cfg.CommitTimeout,
		Compression:    s.cfg.Compression,
		TargetBucket:   s.cfg.BucketSize,
		CommitWorkers:  4,
	}, s.host, s.logger, s.metrics)

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					rec.update(job.State().String(), job.Progress())
				}
			}
		}()
		err := job.Run(context.Background(), s.client)
		close(stop)
		rec.finish(err, nil)
	}()
}

func (s *Server) runPushJob(rec *jobRecord, peer httpqueue.Peer, plan scheduler.Plan) {
	job := pushjob.New(rec.id, peer, plan, pushjob.Config{
		Threads:        s.cfg.Threads,
		MaxHTTPRetries: s.cfg.MaxHTTPRetries,
		RegularTimeout: s.cfg.RegularTimeout,
		CommitTimeout:  s.cfg.CommitTimeout,
		Compression:    s.cfg.Compression,
		Limiter:        s.limiter,
	}, s.cache, s.logger, s.metrics)

	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		stop := make(chan struct{})
		go func() {
			for {
				select {
				case <-stop:
					return
				case <-ticker.C:
					rec.update(job.State().String(), job.Progress())
				}
			}
		}()
		err := job.Run(context.Background(), s.client)
		close(stop)
		rec.finish(err, nil)
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"Error"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := xferr.KindOf(err)
	writeJSON(w, kind.HTTPStatus(), errorBody{Error: err.Error()})
}
