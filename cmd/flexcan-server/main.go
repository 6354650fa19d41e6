package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kstaniek/go-flexcan/internal/flexcan"
	"github.com/kstaniek/go-flexcan/internal/logging"
	"github.com/kstaniek/go-flexcan/internal/metrics"
	"github.com/kstaniek/go-flexcan/internal/server"
	"github.com/kstaniek/go-flexcan/internal/socketcan"
	"github.com/kstaniek/go-flexcan/internal/transport"
)

const shutdownTimeout = 3 * time.Second

var openSocketCAN = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

func main() {
	cfg, showVersion, err := parseFlags(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if showVersion {
		fmt.Printf("flexcan-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel, os.Stderr)
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}
	if err := run(ctx, cfg, l, nil); err != nil {
		l.Error("gateway_error", "error", err)
		stop()
		os.Exit(1)
	}
	l.Info("shutdown_complete")
}

// run brings the controller up, serves clients until ctx ends and tears
// everything down in reverse order. onReady, when set, receives the bound
// listen address.
func run(ctx context.Context, cfg *appConfig, l *slog.Logger, onReady func(addr string)) error {
	ccfg, err := cfg.controllerConfig()
	if err != nil {
		return err
	}
	be, err := openBackend(cfg, l)
	if err != nil {
		return err
	}
	defer func() {
		if err := be.close(); err != nil {
			l.Warn("backend_close_error", "error", err)
		}
	}()

	h := initHub(cfg, l)
	opts := append([]flexcan.Option{
		flexcan.WithConsumer(h),
		flexcan.WithLogger(logging.ForDevice(l, ccfg.Name)),
	}, be.opts...)
	dev, err := flexcan.New(be.hal, ccfg, opts...)
	if err != nil {
		return err
	}
	if cfg.probe {
		if err := dev.Probe(); err != nil {
			return err
		}
	}
	if err := metrics.RegisterDevice(ccfg.Name, dev.Stats); err != nil {
		l.Warn("metrics_register_failed", "error", err)
	}
	if err := dev.Open(ctx); err != nil {
		metrics.IncError(metrics.ErrLifecycle)
		return err
	}
	h.LinkUp()
	l.Info("controller_open", "devtype", ccfg.DevType.Name, "bitrate", dev.Config().BitTiming.Bitrate, "hal", cfg.hal)
	defer func() {
		if err := dev.Close(); err != nil {
			metrics.IncError(metrics.ErrLifecycle)
			l.Warn("controller_close_error", "error", err)
		}
		h.LinkDown()
	}()

	txq := transport.NewControllerTx(ctx, dev, cfg.txQueue, cfg.txWait, l)
	defer txq.Close()

	var bridge *socketcan.Bridge
	if cfg.canIf != "" {
		sc, err := openSocketCAN(cfg.canIf)
		if err != nil {
			return fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		bridge = socketcan.NewBridge(sc, h, txq, cfg.hubBuffer, l)
		l.Info("socketcan_open", "if", cfg.canIf)
	}

	srv := server.New(
		server.WithListenAddr(cfg.listenAddr),
		server.WithHub(h),
		server.WithSink(txq),
		server.WithLogger(l),
		server.WithMaxClients(cfg.maxClients),
		server.WithHandshakeTimeout(cfg.handshakeTO),
		server.WithReadDeadline(cfg.clientReadTO),
	)
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil && h.Link()
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		select {
		case <-srv.Ready():
		case <-gctx.Done():
			return nil
		}
		if onReady != nil {
			onReady(srv.Addr())
		}
		if err := runMDNS(gctx, cfg, listenPort(srv.Addr())); err != nil {
			l.Warn("mdns_start_failed", "error", err)
		}
		return nil
	})
	g.Go(func() error { return runMetricsLogger(gctx, cfg.logMetricsEvery, dev, l) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
	}
	return g.Wait()
}
