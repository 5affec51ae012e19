// Command confmand runs one node of a confman cluster: the raft consensus
// engine, its write-ahead log and state machine, the content-addressed blob
// side-channel, and the gRPC/HTTP surfaces peers and clients reach it
// through. It exposes no client-facing REST API — spec.md §1 places that
// out of scope — only the inter-node consensus RPCs and the internal blob
// transfer endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ancrist/confman/pkg/blob"
	"github.com/ancrist/confman/pkg/cluster"
	"github.com/ancrist/confman/pkg/consensus"
	"github.com/ancrist/confman/pkg/propose"
	"github.com/ancrist/confman/pkg/readbarrier"
	"github.com/ancrist/confman/pkg/statemachine"
	"github.com/ancrist/confman/pkg/store"
	grpctransport "github.com/ancrist/confman/pkg/transport/grpc"
	"github.com/ancrist/confman/pkg/wal"
)

func main() {
	nodeID := flag.String("id", "", "node ID")
	addr := flag.String("addr", "", "gRPC consensus listen address (e.g., localhost:5000)")
	blobAddr := flag.String("blob-addr", "", "internal blob transfer listen address (e.g., localhost:5001)")
	peers := flag.String("peers", "", "comma-separated peer list (id1=addr1,id2=addr2)")
	dataDir := flag.String("data-dir", "", "directory for WAL, snapshots, and blob storage")
	backend := flag.String("store", "bolt", "state machine storage backend: bolt or mem")
	blobToken := flag.String("blob-token", "", "bearer token required on internal blob requests (empty disables auth)")
	flag.Parse()

	if *nodeID == "" || *addr == "" || *blobAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	dir := *dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/confman-%s", *nodeID)
	}
	walDir := dir + "/raft-log"
	snapDir := dir + "/snapshots"
	blobDir := dir + "/blobs"
	for _, d := range []string{walDir, snapDir, blobDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			log.Fatalf("confmand: create %s: %v", d, err)
		}
	}

	peerAddrs := make(map[string]string)
	peerIDs := make([]string, 0)
	if *peers != "" {
		for _, p := range strings.Split(*peers, ",") {
			parts := strings.SplitN(p, "=", 2)
			if len(parts) != 2 {
				continue
			}
			peerAddrs[parts[0]] = parts[1]
			if parts[0] != *nodeID {
				peerIDs = append(peerIDs, parts[0])
			}
		}
	}
	peerAddrs[*nodeID] = *addr

	logger := log.New(os.Stderr, fmt.Sprintf("[confmand %s] ", *nodeID), log.LstdFlags)
	logger.Printf("gRPC address: %s", *addr)
	logger.Printf("blob address: %s", *blobAddr)
	logger.Printf("peers: %v", peerIDs)
	logger.Printf("data dir: %s", dir)

	walLog, err := wal.Open(dir, wal.Options{Logger: logger})
	if err != nil {
		logger.Fatalf("open WAL: %v", err)
	}
	defer walLog.Close()

	var st store.Store
	switch *backend {
	case "mem":
		st = store.NewMemStore()
	case "bolt":
		boltStore, err := store.OpenBoltStore(dir + "/store.db")
		if err != nil {
			logger.Fatalf("open store: %v", err)
		}
		defer boltStore.Close()
		st = boltStore
	default:
		logger.Fatalf("unknown -store backend %q", *backend)
	}

	applier := statemachine.New(st, logger, snapDir)

	members := cluster.NewManager()
	for id, addr := range peerAddrs {
		if err := members.AddMember(id, addr, true); err != nil {
			logger.Fatalf("register member %s: %v", id, err)
		}
		if err := members.ActivateMember(id); err != nil {
			logger.Fatalf("activate member %s: %v", id, err)
		}
	}

	transport := grpctransport.New(*addr, peerAddrs)

	cfg := consensus.Config{
		ID:                 *nodeID,
		Peers:              peerIDs,
		ElectionTimeoutMin: 150 * time.Millisecond,
		ElectionTimeoutMax: 300 * time.Millisecond,
		HeartbeatInterval:  50 * time.Millisecond,
		SnapshotInterval:   10000,
		RequestTimeout:     2 * time.Second,
	}
	node := consensus.New(cfg, walLog, applier, transport, members, logger)
	transport.SetNode(node)

	if err := transport.Start(); err != nil {
		logger.Fatalf("start transport: %v", err)
	}
	node.Start()

	blobStore, err := blob.New(blobDir)
	if err != nil {
		logger.Fatalf("open blob store: %v", err)
	}
	blobHandler := blob.NewHandler(blobStore, *blobToken, logger)
	blobServer := &http.Server{Addr: *blobAddr, Handler: blobHandler}
	go func() {
		logger.Printf("blob transfer listening on %s", *blobAddr)
		if err := blobServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("blob server error: %v", err)
		}
	}()

	proposer := propose.New(node, propose.Options{Logger: logger})
	barrier := readbarrier.New(node, transport, readbarrier.Options{OnFailure: readbarrier.FailureReject})

	// No client-facing API lives in this binary (spec.md §1 places it out
	// of scope), so proposer/barrier have no request-driven caller here.
	// A periodic self-check is the one thing this process itself needs
	// from the read barrier: an early log line when this node cannot
	// confirm a linearizable read, well before an embedding host's own
	// health check would notice.
	stopProbe := make(chan struct{})
	go runReadinessProbe(barrier, logger, stopProbe)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Println("shutting down")
	close(stopProbe)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	blobServer.Shutdown(ctx)
	proposer.Stop()
	transport.Stop()
	node.Stop()

	logger.Println("shutdown complete")
}

// runReadinessProbe confirms a linearizable read is obtainable every few
// seconds, purely as a liveness signal in this process's own log — it does
// not serve the result anywhere.
func runReadinessProbe(barrier *readbarrier.Barrier, logger *log.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := barrier.Read(ctx); err != nil {
				logger.Printf("readiness probe: cannot confirm a linearizable read: %v", err)
			}
			cancel()
		}
	}
}
