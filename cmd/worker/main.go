package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/qservgo/qserv/internal/config"
	"github.com/qservgo/qserv/internal/memman"
	"github.com/qservgo/qserv/internal/observability"
	"github.com/qservgo/qserv/internal/quicutil"
	"github.com/qservgo/qserv/internal/ratelimit"
	"github.com/qservgo/qserv/internal/transport"
	"github.com/qservgo/qserv/internal/validation"
	"github.com/qservgo/qserv/internal/wcontrol"
	"github.com/qservgo/qserv/internal/worker"
	"github.com/qservgo/qserv/internal/wsched"
)

func main() {
	configPath := flag.String("config", "worker.yaml", "worker config file")
	quicAddr := flag.String("quic-addr", "", "override the configured QUIC listen address")
	observAddr := flag.String("observ-addr", "", "override the configured metrics/health address")
	flag.Parse()

	logger := observability.NewLogger("qserv-worker", "1.0.0", os.Stdout)

	cfg, err := config.LoadWorkerConfig(*configPath)
	if err != nil {
		logger.Info(fmt.Sprintf("no config at %s, using defaults: %v", *configPath, err))
		cfg = config.DefaultWorkerConfig()
	}
	if *quicAddr != "" {
		cfg.QUICAddress = *quicAddr
	}
	if *observAddr != "" {
		cfg.MetricsAddress = *observAddr
	}
	if err := validation.ValidateAddr(cfg.QUICAddress); err != nil {
		logger.Fatal(err, "invalid quic_address")
	}
	if err := validation.ValidateAddr(cfg.MetricsAddress); err != nil {
		logger.Fatal(err, "invalid metrics_address")
	}

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker("1.0.0")
	if shutdown, err := observability.InitTracing(context.Background(), "qserv-worker"); err == nil {
		defer shutdown(context.Background())
	}

	exec, err := worker.NewSQLExecutor(cfg.DatabasePath, metrics)
	if err != nil {
		logger.Fatal(err, "failed to open chunk database")
	}
	defer exec.Close()

	mm := memman.NewBudgetMemMan(cfg.MemManBudgetMB)
	group := wsched.NewGroupScheduler(cfg.GroupMaxThreads)
	snail := wsched.NewScanScheduler("snail", 0, 1<<30, cfg.SnailMaxActiveChunk, cfg.SnailMaxThreads, -100, mm)

	bands := make([]*wsched.ScanScheduler, 0, len(cfg.ScanBands))
	for _, b := range cfg.ScanBands {
		bands = append(bands, wsched.NewScanScheduler(b.Name, b.MinRating, b.MaxRating, b.MaxActiveChunks, b.MaxThreads, b.Priority, mm))
	}
	blend := wsched.NewBlendScheduler(cfg.SchedMaxThreads, group, bands, snail)

	transmitMgr := wcontrol.NewTransmitMgr(cfg.MaxTransmits, cfg.MaxPerQid)

	srv := worker.NewServer(cfg.WorkerName, blend, transmitMgr, exec, logger, metrics, cfg.NumPollers)

	healthChecker.RegisterCheck("database", observability.DatabaseCheck(exec.DB()))
	healthChecker.RegisterCheck("quic_listener", observability.QUICListenerCheck(cfg.QUICAddress))

	certPEM, keyPEM, err := quicutil.GenerateSelfSignedCert()
	if err != nil {
		logger.Fatal(err, "failed to generate TLS certificate")
	}
	tlsConfig, err := quicutil.MakeTLSConfig(certPEM, keyPEM)
	if err != nil {
		logger.Fatal(err, "failed to build TLS config")
	}
	tlsConfig.NextProtos = []string{"qserv-czar-worker"}

	listener, err := transport.Listen(cfg.QUICAddress, tlsConfig)
	if err != nil {
		logger.Fatal(err, "failed to start QUIC listener")
	}
	defer listener.Close()
	logger.Info("worker " + cfg.WorkerName + " listening on " + cfg.QUICAddress)

	go startObservabilityServer(cfg.MetricsAddress, metrics, healthChecker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go srv.Run(ctx)

	tb := ratelimit.NewTokenBucket(100, 200)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if !tb.Allow(1) {
				time.Sleep(10 * time.Millisecond)
				continue
			}
			conn, err := listener.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error(err, "failed to accept QUIC connection")
				metrics.RecordQUICConnection(false)
				continue
			}
			metrics.RecordQUICConnection(true)
			go srv.HandleConnection(ctx, conn)
		}
	}()

	logger.Info("worker running, press Ctrl+C to stop")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down worker")
	cancel()
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
