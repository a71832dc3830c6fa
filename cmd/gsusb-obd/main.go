package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/kstaniek/gsusb-obd/internal/metrics"
	"github.com/kstaniek/gsusb-obd/internal/server"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, showVersion, err := parseFlags(args, os.Stderr)
	if showVersion {
		fmt.Printf("gsusb-obd %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer stop()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	sess, info, err := openSession(ctx, cfg, l)
	if err != nil {
		l.Error("device_init_error", "error", err)
		return 1
	}
	defer closeSession(sess, l)

	h := initHub(cfg, l)
	srv := server.NewServer(
		server.WithHub(h),
		server.WithListenAddr(cfg.listenAddr),
		server.WithLogger(l),
	)
	srv.SetDevice(info)
	srvCtx, cancelSrv := context.WithCancel(context.Background())
	defer cancelSrv()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(srvCtx); err != nil {
			l.Error("feed_server_error", "error", err)
			stop()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		port := portOf(srv.Addr())
		cleanupMDNS, err := startMDNS(ctx, cfg, port)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		if cfg.mdnsEnable {
			l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", port)
		}
		<-ctx.Done()
		cleanupMDNS()
	}()

	// Ready while the feed listens and the device loop runs.
	var looping atomic.Bool
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return looping.Load() && ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	looping.Store(true)
	var loopErr error
	switch cfg.mode {
	case modeMonitor:
		mirror, cleanupMirror, err := initMirror(ctx, cfg, l)
		if err != nil {
			l.Error("mirror_init_error", "error", err)
			loopErr = err
			break
		}
		loopErr = runMonitor(ctx, sess, h, mirror, l)
		cleanupMirror()
	default:
		loopErr = runOBD(ctx, cfg, sess, h, srv, l)
	}
	looping.Store(false)

	if ctx.Err() != nil {
		l.Info("shutdown_signal")
	}
	stop()
	cancelSrv()
	if loopErr != nil {
		l.Error("device_loop_error", "error", loopErr)
		return 1
	}
	return 0
}
