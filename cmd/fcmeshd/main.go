// fcmeshd daemon -- mesh overlay network node.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/fcmesh/fcmeshd/internal/addr"
	"github.com/fcmesh/fcmeshd/internal/config"
	"github.com/fcmesh/fcmeshd/internal/cryptoauth"
	"github.com/fcmesh/fcmeshd/internal/dht"
	"github.com/fcmesh/fcmeshd/internal/ducttape"
	coremetrics "github.com/fcmesh/fcmeshd/internal/metrics"
	"github.com/fcmesh/fcmeshd/internal/tun"
	appversion "github.com/fcmesh/fcmeshd/internal/version"
	"github.com/fcmesh/fcmeshd/internal/wire"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// maintenanceInterval paces the between-frame housekeeping pass that
// expires stale outer sessions.
const maintenanceInterval = 1 * time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	// 1. Parse flags.
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("fcmeshd"))
		return 0
	}

	// 2. Load config.
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not set up yet; use a temporary stderr logger.
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	// 3. Set up logger.
	logger := newLogger(cfg.Log)

	logger.Info("fcmeshd starting",
		slog.String("version", appversion.Version),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("tun", cfg.Tun.Name),
	)

	if err := runNode(cfg, logger); err != nil {
		logger.Error("fcmeshd exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logger.Info("fcmeshd stopped")
	return 0
}

// newLogger builds the slog logger from the log configuration.
func newLogger(lc config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: config.ParseLogLevel(lc.Level)}
	var handler slog.Handler
	if lc.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// runNode wires the packet core to its collaborators and runs the dispatch
// loop until a termination signal arrives.
func runNode(cfg *config.Config, logger *slog.Logger) error {
	privateKey, err := cfg.Node.Key()
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}

	// Prometheus metrics collector.
	reg := prometheus.NewRegistry()
	collector := coremetrics.NewCollector(reg)

	// Tunnel device.
	dev, err := tun.Open(cfg.Tun.Name)
	if err != nil {
		return fmt.Errorf("open tun device: %w", err)
	}
	defer dev.Close()

	// Routing layer. The router module needs the node's own identity,
	// derived from the same private key the core will use.
	ca, err := cryptoauth.New(privateKey, logger)
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}
	self, err := addr.FromKey(ca.PublicKey(), addr.SelfLabel)
	if err != nil {
		return fmt.Errorf("node identity: %w", err)
	}

	registry := dht.NewRegistry()
	router := dht.NewRouterModule(self, registry, logger)
	if err := registry.Register(router); err != nil {
		return fmt.Errorf("register router module: %w", err)
	}

	// The label-switch fabric is an external collaborator; its peering
	// transport attaches here. Until one is connected the sink drops
	// outbound frames, which is also what a fabric with no peers does.
	sink := &switchSink{logger: logger}

	core, err := ducttape.Register(
		privateKey, registry, router, sink, tun.NewWriter(dev), collector, logger,
	)
	if err != nil {
		return fmt.Errorf("register core: %w", err)
	}

	logger.Info("node identity derived",
		slog.String("address", core.OurAddress().Addr().String()),
	)

	return runLoops(cfg, core, dev, reg, logger)
}

// runLoops starts the dispatch loop and the metrics server under an
// errgroup with a signal-aware context.
func runLoops(
	cfg *config.Config,
	core *ducttape.Core,
	dev tun.Device,
	reg *prometheus.Registry,
	logger *slog.Logger,
) error {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return dispatchLoop(gCtx, cfg, core, dev, logger)
	})

	if cfg.Metrics.Addr != "" {
		srv := newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, srv, cfg.Metrics.Addr)
		})
	}

	// Shutdown goroutine: unblocks the tun read on cancellation.
	g.Go(func() error {
		<-gCtx.Done()
		return dev.Close()
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run node: %w", err)
	}
	return nil
}

// dispatchLoop is the single dispatch goroutine: every frame is processed
// to completion before the next, and session maintenance runs between
// frames, so the core needs no locking.
func dispatchLoop(
	ctx context.Context,
	cfg *config.Config,
	core *ducttape.Core,
	dev tun.Device,
	logger *slog.Logger,
) error {
	buf := make([]byte, tun.MTU)
	lastMaintenance := time.Now()

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := dev.ReadPacket(buf)
		if err != nil {
			if errors.Is(err, tun.ErrClosed) || ctx.Err() != nil {
				logger.Info("dispatch loop stopped")
				return nil
			}
			return fmt.Errorf("tun read: %w", err)
		}

		f := wire.FromPayload(buf[:n], wire.DefaultHeadroom)
		if err := core.IP6FromTun(f); err != nil {
			logger.Debug("tun frame dropped", slog.String("error", err.Error()))
		}
		f.Free()

		if cfg.Node.SessionMaxAge > 0 && time.Since(lastMaintenance) > maintenanceInterval {
			dropped := core.ExpireOuterSessions(time.Now().Add(-cfg.Node.SessionMaxAge))
			if dropped > 0 {
				logger.Info("expired outer sessions", slog.Int("count", dropped))
			}
			lastMaintenance = time.Now()
		}
	}
}

// newMetricsServer builds the Prometheus metrics HTTP server.
func newMetricsServer(mc config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(mc.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// listenAndServe runs an HTTP server until the context is cancelled, then
// shuts it down gracefully.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// switchSink is the stand-in fabric attachment point: outbound frames are
// counted into the log and dropped until a peering transport is connected.
type switchSink struct {
	logger *slog.Logger
}

// WriteFrame implements the core's FrameWriter.
func (s *switchSink) WriteFrame(f *wire.Frame) error {
	s.logger.Debug("switch frame dropped, no fabric attached",
		slog.Int("bytes", f.Len()),
	)
	return nil
}
