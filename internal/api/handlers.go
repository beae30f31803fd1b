package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/scheduler"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
	"github.com/orthanc-team/transfers-accelerator/internal/xferr"
)

type lookupResponse struct {
	Instances      []instance.Info `json:"Instances"`
	Originator     string          `json:"Originator"`
	CountInstances int             `json:"CountInstances"`
	TotalSize      uint64          `json:"TotalSize"`
	TotalSizeMB    uint64          `json:"TotalSizeMB"`
}

// handleLookup resolves the posted resource set to its instance index,
// mirroring LookupInstances in the legacy plugin.
func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, xferr.Wrap(xferr.KindProtocol, err))
		return
	}

	instances, err := s.resolver.ResolveInstances(json.RawMessage(body))
	if err != nil {
		writeError(w, err)
		return
	}

	total := instance.TotalSize(instances)
	writeJSON(w, http.StatusOK, lookupResponse{
		Instances:      instances,
		Originator:     s.cfg.PluginUUID,
		CountInstances: len(instances),
		TotalSize:      total,
		TotalSizeMB:    total / (1024 * 1024),
	})
}

// handleChunks serves a GET across one or more instance IDs, honoring
// offset/size/compression query parameters, matching the legacy
// ServeChunks byte-walking algorithm exactly.
func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	idList := strings.TrimPrefix(r.URL.Path, "/transfers/chunks/")
	if idList == "" {
		writeError(w, xferr.New(xferr.KindProtocol, "missing instance id list"))
		return
	}
	ids := strings.Split(idList, ".")

	q := r.URL.Query()
	offset, _ := strconv.ParseUint(q.Get("offset"), 10, 64)
	requestedSize, _ := strconv.ParseUint(q.Get("size"), 10, 64)
	compression, err := toolbox.StringToBucketCompression(q.Get("compression"))
	if err != nil {
		compression = toolbox.BucketCompressionNone
	}

	var buf bytes.Buffer
	for _, id := range ids {
		if requestedSize != 0 && uint64(buf.Len()) >= requestedSize {
			break
		}
		instanceSize, _, err := s.cache.GetInstanceInfo(id)
		if err != nil {
			writeError(w, err)
			return
		}
		if offset >= instanceSize {
			offset -= instanceSize
			continue
		}

		toRead := instanceSize - offset
		if requestedSize != 0 {
			remaining := requestedSize - uint64(buf.Len())
			if remaining < toRead {
				toRead = remaining
			}
		}

		chunk, _, err := s.cache.GetChunk(id, offset, toRead)
		if err != nil {
			writeError(w, err)
			return
		}
		buf.Write(chunk)
		offset = 0
	}

	payload := buf.Bytes()
	contentType := "application/octet-stream"
	if compression == toolbox.BucketCompressionGzip {
		compressed, err := toolbox.Compress(payload, toolbox.BucketCompressionGzip)
		if err != nil {
			writeError(w, xferr.Wrap(xferr.KindInternal, err))
			return
		}
		payload = compressed
		contentType = "application/gzip"
	}

	w.Header().Set("Content-Type", contentType)
	w.Write(payload)
}

type pullRequest struct {
	Peer      string          `json:"Peer"`
	Resources json.RawMessage `json:"Resources"`
}

type jobCreatedResponse struct {
	ID   string `json:"ID"`
	Path string `json:"Path"`
}

// handlePull schedules a local pull job against the body's peer/resources.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xferr.New(xferr.KindProtocol, "invalid JSON body"))
		return
	}
	peer, ok := s.orthancPeers.Get(req.Peer)
	if !ok {
		writeError(w, xferr.New(xferr.KindUnknown, "unknown peer: "+req.Peer))
		return
	}

	rec := s.jobs.create("pull")
	s.runPullJob(rec, peer, req.Resources)
	writeJSON(w, http.StatusOK, jobCreatedResponse{ID: rec.id, Path: "/transfers/jobs/" + rec.id})
}

type sendRequest struct {
	Peer      string          `json:"Peer"`
	Resources json.RawMessage `json:"Resources"`
}

type sendViaPullResponse struct {
	Peer      string `json:"Peer"`
	RemoteJob string `json:"RemoteJob"`
	URL       string `json:"URL"`
}

// handleSend chooses pull vs push mode per the bidirectional table: if
// the peer is registered bidirectionally, this process asks the remote
// to pull from it (delegated, one HTTP call); otherwise it schedules a
// local push job to the remote, matching ScheduleSend's branch.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xferr.New(xferr.KindProtocol, "invalid JSON body"))
		return
	}
	peer, ok := s.orthancPeers.Get(req.Peer)
	if !ok {
		writeError(w, xferr.New(xferr.KindUnknown, "unknown peer: "+req.Peer))
		return
	}

	if remoteSelf, pullMode := s.bidirectional.SelfNameAt(req.Peer); pullMode {
		delegated := pullRequest{Peer: remoteSelf, Resources: req.Resources}
		encoded, _ := json.Marshal(delegated)
		resp, err := s.client.Post(peer.BaseURL+"/transfers/pull", "application/json", bytes.NewReader(encoded))
		if err != nil {
			writeError(w, xferr.Wrap(xferr.KindTransport, err))
			return
		}
		defer resp.Body.Close()
		var remoteJob jobCreatedResponse
		if err := json.NewDecoder(resp.Body).Decode(&remoteJob); err != nil {
			writeError(w, xferr.New(xferr.KindProtocol, "malformed remote pull response"))
			return
		}
		writeJSON(w, http.StatusOK, sendViaPullResponse{
			Peer:      req.Peer,
			RemoteJob: remoteJob.ID,
			URL:       peer.BaseURL + remoteJob.Path,
		})
		return
	}

	instances, err := s.resolver.ResolveInstances(req.Resources)
	if err != nil {
		writeError(w, err)
		return
	}
	plan := scheduler.Pack(instances, s.cfg.BucketSize, scheduler.DefaultMaxSize(s.cfg.BucketSize))

	rec := s.jobs.create("push")
	s.runPushJob(rec, peer, plan)
	writeJSON(w, http.StatusOK, jobCreatedResponse{ID: rec.id, Path: "/transfers/jobs/" + rec.id})
}

type pushCreateRequest struct {
	Buckets     []scheduler.Bucket `json:"Buckets"`
	Instances   []instance.Info    `json:"Instances"`
	Compression string             `json:"Compression"`
}

// handlePushCreate creates an inbound transaction, matching CreatePush.
func (s *Server) handlePushCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req pushCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xferr.New(xferr.KindProtocol, "invalid JSON body"))
		return
	}
	compression, err := toolbox.StringToBucketCompression(req.Compression)
	if err != nil {
		writeError(w, xferr.New(xferr.KindProtocol, "invalid Compression value"))
		return
	}

	id, err := s.transactions.Create(req.Instances, req.Buckets, compression)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobCreatedResponse{ID: id, Path: "/transfers/push/" + id})
}

// handlePushPrefix dispatches /transfers/push/<tx>[/<i>|/commit], matching
// StorePush/CommitPush/DiscardPush.
func (s *Server) handlePushPrefix(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/transfers/push/")
	parts := strings.SplitN(rest, "/", 2)
	txID := parts[0]
	if txID == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		s.transactions.Discard(txID)
		writeJSON(w, http.StatusOK, struct{}{})

	case len(parts) == 2 && parts[1] == "commit" && r.Method == http.MethodPost:
		if err := s.transactions.Commit(txID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})

	case len(parts) == 2 && r.Method == http.MethodPut:
		index, err := strconv.Atoi(parts[1])
		if err != nil {
			writeError(w, xferr.New(xferr.KindUnknown, "malformed bucket index"))
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, xferr.Wrap(xferr.KindProtocol, err))
			return
		}
		if err := s.transactions.Store(txID, index, body); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})

	default:
		http.NotFound(w, r)
	}
}

// handlePeers reports every configured peer's transfer-protocol
// classification.
func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	result, err := s.detector.Detect(r.Context())
	if err != nil {
		writeError(w, xferr.Wrap(xferr.KindTransport, err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleJobStatus polls the status of any job this process scheduled.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/transfers/jobs/")
	rec, ok := s.jobs.get(id)
	if !ok {
		writeError(w, xferr.New(xferr.KindUnknown, "unknown job: "+id))
		return
	}
	writeJSON(w, http.StatusOK, rec.snapshot())
}

// handlePlugins answers the Peer Detector's identity probe.
func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []string{"transfers-accelerator"})
}
