// Command czar runs the coordinator process: it holds the worker
// connection pool, the result merger, and the durable job-status journal
// that an embedding SQL front end (out of scope here, see SPEC_FULL.md
// §2.3) drives through package qdisp to dispatch and track user queries.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/qservgo/qserv/internal/ccontrol"
	"github.com/qservgo/qserv/internal/config"
	"github.com/qservgo/qserv/internal/czarstats"
	"github.com/qservgo/qserv/internal/ids"
	"github.com/qservgo/qserv/internal/observability"
	"github.com/qservgo/qserv/internal/qdisp"
	"github.com/qservgo/qserv/internal/qmeta"
	"github.com/qservgo/qserv/internal/quicutil"
	"github.com/qservgo/qserv/internal/validation"
)

// newCzarId derives a process-local CzarId from a fresh random UUID, so
// a journal shared across a rolling restart's overlapping old and new
// czar processes can tell which one wrote a given entry.
func newCzarId() ids.CzarId {
	id := uuid.New()
	return ids.CzarId(binary.LittleEndian.Uint32(id[:4]))
}

// Coordinator bundles the long-lived pieces cmd/czar wires together at
// startup, the ones an embedding SQL front end needs to build qdisp.Query
// instances (see qdisp.NewQuery).
type Coordinator struct {
	CzarId      ids.CzarId
	Config      *config.CzarConfig
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	Stats       *czarstats.CzarStats
	Journal     *qmeta.Journal
	Messages    *qmeta.MessageStore
	Merger      *ccontrol.Merger
	WorkerPool  *qdisp.StaticWorkerPool
	Boot        *qdisp.BootBroadcaster
}

func main() {
	configPath := flag.String("config", "czar.yaml", "czar config file")
	observAddr := flag.String("observ-addr", "", "override the configured metrics/health address")
	flag.Parse()

	czarId := newCzarId()
	logger := observability.NewLogger("qserv-czar", "1.0.0", os.Stdout)

	cfg, err := config.LoadCzarConfig(*configPath)
	if err != nil {
		logger.Info(fmt.Sprintf("no config at %s, using defaults: %v", *configPath, err))
		cfg = config.DefaultCzarConfig()
	}
	if *observAddr != "" {
		cfg.MetricsAddress = *observAddr
	}
	if err := validation.ValidateAddr(cfg.MetricsAddress); err != nil {
		logger.Fatal(err, "invalid metrics_address")
	}
	if err := validation.ValidateFilePath(cfg.JournalPath, false); err != nil {
		logger.Fatal(err, "invalid journal_path")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "qserv-czar"); err == nil {
		defer shutdown(context.Background())
	}

	journal, err := qmeta.OpenJournal(cfg.JournalPath)
	if err != nil {
		logger.Fatal(err, "failed to open job status journal")
	}
	defer journal.Close()

	messages := qmeta.NewMessageStore(cfg.MessageStoreMaxSize, journal)
	merger := ccontrol.NewMerger()
	stats := czarstats.New(cfg.ProgressWindowLen, prometheus.DefaultRegisterer)

	clientTLS := quicutil.MakeClientTLSConfig()
	clientTLS.NextProtos = []string{"qserv-czar-worker"}

	pool := qdisp.NewStaticWorkerPool(cfg.Workers, clientTLS)
	defer pool.Close()

	for wname := range cfg.Workers {
		healthChecker.RegisterCheck("worker_"+wname, workerReachableCheck(pool, wname))
	}

	coord := &Coordinator{
		CzarId:     czarId,
		Config:     cfg,
		Logger:     logger,
		Metrics:    metrics,
		Stats:      stats,
		Journal:    journal,
		Messages:   messages,
		Merger:     merger,
		WorkerPool: pool,
		Boot:       qdisp.NewBootBroadcaster(pool, stats),
	}
	_ = coord

	go startObservabilityServer(cfg.MetricsAddress, metrics, healthChecker, logger)

	logger.Info(fmt.Sprintf("czar %d ready: %d worker(s) configured", coord.CzarId, len(cfg.Workers)))
	logger.Info("press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down czar")
}

// workerReachableCheck reports whether pool can currently reach wname,
// dialing it on demand the same way QueryRequest.Dispatch would.
func workerReachableCheck(pool *qdisp.StaticWorkerPool, wname string) observability.HealthCheckFunc {
	return func(ctx context.Context) observability.ComponentHealth {
		if _, err := pool.Connection(wname); err != nil {
			return observability.ComponentHealth{Status: observability.HealthStatusDegraded, Message: err.Error()}
		}
		return observability.ComponentHealth{Status: observability.HealthStatusOK}
	}
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	server := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
