// Command juicetokensd bootstraps a single JuiceTokens participant: it
// loads configuration, opens (or creates) the on-disk key-value store,
// replays the write-ahead journal, wires together the crypto, personal
// chain, denomination clock, four-packet engine, lifecycle manager and
// time attestor, and serves a health endpoint until it receives a
// shutdown signal. Networking (the actual transport a Send/Listen call
// runs over) is a collaborator supplied by whatever embeds pkg/node; this
// binary only demonstrates a running, healthy node.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"

	"github.com/juicetokens/core/pkg/attestationstore"
	"github.com/juicetokens/core/pkg/config"
	"github.com/juicetokens/core/pkg/kv"
	"github.com/juicetokens/core/pkg/node"
	"github.com/juicetokens/core/pkg/timeattest"
)

// HealthStatus tracks the health of the node's components for the /health
// endpoint.
type HealthStatus struct {
	Status        string `json:"status"`
	Store         string `json:"store"`
	Engine        string `json:"engine"`
	TimeSource    string `json:"time_source"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	startTime time.Time
	mu        sync.RWMutex
}

var healthStatus = &HealthStatus{
	Status:     "starting",
	Store:      "unknown",
	Engine:     "unknown",
	TimeSource: "unknown",
	startTime:  time.Now(),
}

func (h *HealthStatus) Set(field *string, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*field = value
	h.updateOverallLocked()
}

func (h *HealthStatus) updateOverallLocked() {
	if h.Store != "connected" {
		h.Status = "error"
		return
	}
	if h.TimeSource != "connected" {
		h.Status = "degraded"
		return
	}
	h.Status = "ok"
}

func (h *HealthStatus) ToJSON() []byte {
	h.mu.Lock()
	h.UptimeSeconds = int64(time.Since(h.startTime).Seconds())
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	data, _ := json.Marshal(h)
	return data
}

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("juicetokensd: starting up")

	var (
		userID     = flag.String("user-id", "", "participant user id (overrides JT_USER_ID)")
		listenAddr = flag.String("listen-addr", ":8090", "address for the /health HTTP endpoint")
		configFile = flag.String("config-file", "", "optional YAML config file (overrides JT_CONFIG_FILE)")
		showHelp   = flag.Bool("help", false, "show this help message")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if *configFile != "" {
		os.Setenv("JT_CONFIG_FILE", *configFile)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("juicetokensd: loading configuration: %v", err)
	}
	if *userID != "" {
		log.Printf("juicetokensd: CLI override of user id: %s", *userID)
		cfg.UserID = *userID
	}
	if cfg.UserID == "" {
		log.Fatal("juicetokensd: a user id is required (set --user-id or JT_USER_ID)")
	}
	log.Printf("juicetokensd: participant %s, data dir %s", cfg.UserID, cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		log.Fatalf("juicetokensd: creating data dir: %v", err)
	}

	db, err := dbm.NewGoLevelDB("juicetokens", cfg.DataDir)
	if err != nil {
		log.Fatalf("juicetokensd: opening store: %v", err)
	}
	store := kv.NewDBAdapter(db)
	healthStatus.Set(&healthStatus.Store, "connected")
	log.Printf("juicetokensd: opened on-disk store at %s", cfg.DataDir)

	ctx, cancel := context.WithCancel(context.Background())

	attestStore := attestationstore.NewInMemoryStore()
	n, err := node.New(ctx, cfg, store, attestStore, log.New(log.Writer(), "[Node] ", log.LstdFlags))
	if err != nil {
		cancel()
		log.Fatalf("juicetokensd: bootstrapping node: %v", err)
	}
	healthStatus.Set(&healthStatus.Engine, "active")

	replayed, err := n.Replay()
	if err != nil {
		cancel()
		log.Fatalf("juicetokensd: replaying write-ahead journal: %v", err)
	}
	if replayed > 0 {
		log.Printf("juicetokensd: replayed %d unapplied write-ahead record(s)", replayed)
	}

	checkCtx, checkCancel := context.WithTimeout(ctx, 5*time.Second)
	_, confidence, status := n.TimeAttestor.Integrity(checkCtx)
	checkCancel()
	log.Printf("juicetokensd: time attestation status=%s confidence=%.2f", status, confidence)
	if status == timeattest.StatusUntrusted {
		healthStatus.Set(&healthStatus.TimeSource, "disconnected")
	} else {
		healthStatus.Set(&healthStatus.TimeSource, "connected")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if healthStatus.Status == "ok" {
			w.WriteHeader(http.StatusOK)
		} else if healthStatus.Status == "degraded" {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		w.Write(healthStatus.ToJSON())
	})

	httpServer := &http.Server{Addr: *listenAddr, Handler: mux}
	go func() {
		log.Printf("juicetokensd: health endpoint listening on %s", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("juicetokensd: health endpoint failed: %v", err)
		}
	}()

	log.Printf("juicetokensd: ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("juicetokensd: shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("juicetokensd: health endpoint shutdown error: %v", err)
	}

	if err := n.Close(); err != nil {
		log.Printf("juicetokensd: node close error: %v", err)
	}
	log.Printf("juicetokensd: stopped")
}

func printHelp() {
	fmt.Println("juicetokensd - JuiceTokens participant node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  juicetokensd [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --user-id=ID         participant user id (required; or set JT_USER_ID)")
	fmt.Println("  --listen-addr=ADDR   address for the /health endpoint (default :8090)")
	fmt.Println("  --config-file=PATH   optional YAML config override file")
	fmt.Println("  --help               show this help message")
}
