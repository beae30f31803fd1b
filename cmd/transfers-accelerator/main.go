// Command transfers-accelerator runs the content-addressed transfer
// accelerator as a standalone HTTP service, grounded on the teacher's
// daemon/main.go wiring (flags, observability bring-up, signal-driven
// graceful shutdown).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orthanc-team/transfers-accelerator/internal/api"
	"github.com/orthanc-team/transfers-accelerator/internal/config"
	"github.com/orthanc-team/transfers-accelerator/internal/host"
	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/instance"
	"github.com/orthanc-team/transfers-accelerator/internal/instancecache"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/peerdetect"
	"github.com/orthanc-team/transfers-accelerator/internal/peers"
	"github.com/orthanc-team/transfers-accelerator/internal/ratelimit"
	"github.com/orthanc-team/transfers-accelerator/internal/toolbox"
	"github.com/orthanc-team/transfers-accelerator/internal/transactions"
)

// localIndexResolver is the standalone deployment's ResourceResolver: it
// treats the posted resource payload as a bare JSON array of instance
// IDs and looks each one up against the local backend. A real Orthanc
// deployment of this accelerator replaces it with the server's own
// Patients/Studies/Series/Instances index.
type localIndexResolver struct {
	backend host.Backend
}

func (r localIndexResolver) ResolveInstances(resources json.RawMessage) ([]instance.Info, error) {
	var ids []string
	if err := json.Unmarshal(resources, &ids); err != nil {
		return nil, fmt.Errorf("resources must be a JSON array of instance ids: %w", err)
	}
	infos := make([]instance.Info, 0, len(ids))
	for _, id := range ids {
		content, err := r.backend.GetInstanceBytes(id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, instance.New(id, uint64(len(content)), toolbox.MD5Hex(content)))
	}
	return infos, nil
}

func main() {
	configPath := flag.String("config", "", "Path to JSON configuration file")
	listenAddr := flag.String("listen-addr", "", "Override the configured listen address")
	flag.Parse()

	logger := observability.NewLogger("transfers-accelerator", "1.0.0", os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker("1.0.0")

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load configuration")
	}
	if *listenAddr != "" {
		cfg.ListenAddress = *listenAddr
	}
	logger.Info("configuration loaded")

	if cfg.JaegerEndpoint != "" {
		os.Setenv("OTEL_EXPORTER_JAEGER_ENDPOINT", cfg.JaegerEndpoint)
	}
	if shutdown, err := observability.InitTracing(context.Background(), "transfers-accelerator"); err == nil {
		defer shutdown(context.Background())
	}

	backend := host.NewMemoryBackend()
	cache := instancecache.New(backend, cfg.CacheSizeMB*1024*1024, metrics)
	txTable := transactions.New(backend, cfg.MaxPushTransactions, cfg.TransactionIdleTTLDuration(), cfg.CommitWorkerThreadsCount, logger, metrics)

	peerEntries := make(map[string]httpqueue.Peer, len(cfg.Peers))
	for name, p := range cfg.Peers {
		peerEntries[name] = httpqueue.Peer{Name: name, BaseURL: p.BaseURL, Username: p.Username, Password: p.Password}
	}
	orthancPeers := peers.NewOrthancPeers(peerEntries)
	bidirectional := peers.NewBidirectionalPeers(cfg.BidirectionalPeers)

	capabilityCache, err := peerdetect.OpenPeerCapabilityCache(cfg.PeerCapabilityCachePath, cfg.PeerDetectionCacheTTLDuration())
	if err != nil {
		logger.Fatal(err, "failed to open peer capability cache")
	}
	defer capabilityCache.Close()

	httpClient := &http.Client{Timeout: cfg.PeerConnectivityTimeoutDuration()}
	detector := peerdetect.New(orthancPeers, bidirectional, capabilityCache, cfg.PeerConnectivityTimeoutDuration(), cfg.MaxHttpRetries, httpClient, logger, metrics)

	apiServer := api.New(api.Config{
		PluginUUID:     uuidSeed(),
		Threads:        cfg.Threads,
		MaxHTTPRetries: cfg.MaxHttpRetries,
		RegularTimeout: cfg.PeerConnectivityTimeoutDuration(),
		CommitTimeout:  cfg.PeerCommitTimeoutDuration(),
		BucketSize:     cfg.BucketSizeKB * 1024,
	}, backend, localIndexResolver{backend: backend}, cache, txTable, orthancPeers, bidirectional, detector, buildLimiter(cfg), health, logger, metrics)

	health.RegisterCheck("listener", observability.ListenerCheck(cfg.ListenAddress))
	health.RegisterCheck("peer_capability_cache", observability.PeerCapabilityCacheCheck(true))
	health.RegisterCheck("instance_cache", observability.InstanceCacheCheck(cache.UsedBytes, cache.BudgetBytes))

	stopSweeper := make(chan struct{})
	go txTable.RunSweeper(cfg.TransactionIdleTTLDuration(), stopSweeper)
	health.RegisterCheck("active_push_transactions_sweeper", observability.SweeperCheck(txTable.LastSweep, cfg.TransactionIdleTTLDuration()))

	server := &http.Server{Addr: cfg.ListenAddress, Handler: apiServer.Handler()}

	go func() {
		logger.Info("transfers-accelerator listening on " + cfg.ListenAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")
	close(stopSweeper)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error(err, "error shutting down HTTP server")
	}

	txTable.DiscardAll()
	logger.Info("transfers-accelerator stopped")
}

// uuidSeed gives this process a stable originator identity for the
// lifetime of the run; Orthanc itself assigns this in production via its
// own plugin UUID.
func uuidSeed() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "transfers-accelerator"
	}
	return "transfers-accelerator@" + hostname
}

// buildLimiter returns the configured bandwidth shaper, or nil when
// MaxBytesPerSecond is unset (shaping disabled).
func buildLimiter(cfg *config.Config) *ratelimit.TokenBucket {
	if cfg.MaxBytesPerSecond <= 0 {
		return nil
	}
	return ratelimit.NewTokenBucket(float64(cfg.MaxBytesPerSecond), int(cfg.MaxBytesPerSecond))
}
