// Command transfers-detect runs the Peer Detector once against a
// configuration file's peer directory and prints each peer's classified
// transfer-protocol capability, grounded on the teacher's small
// single-purpose CLIs (daemon/cmd/casgc).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"

	"golang.org/x/term"

	"github.com/orthanc-team/transfers-accelerator/internal/config"
	"github.com/orthanc-team/transfers-accelerator/internal/httpqueue"
	"github.com/orthanc-team/transfers-accelerator/internal/observability"
	"github.com/orthanc-team/transfers-accelerator/internal/peerdetect"
	"github.com/orthanc-team/transfers-accelerator/internal/peers"
)

func main() {
	configPath := flag.String("config", "", "Path to JSON configuration file")
	cachePath := flag.String("cache", "", "Override the peer capability cache path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}
	if *cachePath != "" {
		cfg.PeerCapabilityCachePath = *cachePath
	}

	peerEntries := make(map[string]httpqueue.Peer, len(cfg.Peers))
	for name, p := range cfg.Peers {
		peerEntries[name] = httpqueue.Peer{Name: name, BaseURL: p.BaseURL, Username: p.Username, Password: p.Password}
	}
	orthancPeers := peers.NewOrthancPeers(peerEntries)
	bidirectional := peers.NewBidirectionalPeers(cfg.BidirectionalPeers)

	if orthancPeers.Count() == 0 {
		fmt.Println("no peers configured")
		return
	}

	cache, err := peerdetect.OpenPeerCapabilityCache(cfg.PeerCapabilityCachePath, cfg.PeerDetectionCacheTTLDuration())
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening peer capability cache: %v\n", err)
		os.Exit(1)
	}
	defer cache.Close()

	logger := observability.NewLogger("transfers-detect", "1.0.0", os.Stderr)
	metrics := observability.NewMetrics()
	detector := peerdetect.New(orthancPeers, bidirectional, cache, cfg.PeerConnectivityTimeoutDuration(), cfg.MaxHttpRetries, http.DefaultClient, logger, metrics)

	result, err := detector.Detect(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "detecting peers: %v\n", err)
		os.Exit(1)
	}

	printTable(result)
}

func printTable(result map[string]peerdetect.Classification) {
	width := 80
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}

	names := make([]string, 0, len(result))
	for name := range result {
		names = append(names, name)
	}
	sort.Strings(names)

	nameWidth := len("PEER")
	for _, name := range names {
		if len(name) > nameWidth {
			nameWidth = len(name)
		}
	}
	if nameWidth+20 > width {
		nameWidth = width - 20
	}

	fmt.Printf("%-*s  %s\n", nameWidth, "PEER", "CLASSIFICATION")
	for _, name := range names {
		fmt.Printf("%-*s  %s\n", nameWidth, name, result[name].String())
	}
}
