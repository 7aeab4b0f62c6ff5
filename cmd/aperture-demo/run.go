package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sirupsen/logrus"

	"github.com/khryptorgraphics/aperturebalancer/internal/config"
	"github.com/khryptorgraphics/aperturebalancer/internal/httpserver"
	"github.com/khryptorgraphics/aperturebalancer/internal/transport"
	"github.com/khryptorgraphics/aperturebalancer/pkg/clock"
	"github.com/khryptorgraphics/aperturebalancer/pkg/loadbalancer"
	"github.com/khryptorgraphics/aperturebalancer/pkg/timerqueue"
)

func (app *application) buildRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the aperture demo",
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.run(cmd.Context())
		},
	}
}

// echoServer is a trivial synthetic backend: it accepts connections and
// immediately closes them, giving DialFactory something real to dial
// without standing up an actual application server.
func echoServer(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}
}

func (app *application) run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := app.logger
	cfg := app.cfg

	metrics := loadbalancer.NewMetrics(prometheus.DefaultRegisterer, cfg.Service.Name)

	mono := clock.New()
	timers := timerqueue.New()
	defer timers.Close()

	lbCfg := cfg.Balancer.ToLB(cfg.Service.Name)
	controller := loadbalancer.NewApertureController[string](lbCfg, timers, mono, metrics, logger)
	defer controller.Close()

	var listeners []net.Listener
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	for i := 0; i < cfg.Load.Endpoints; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("aperture-demo: listen for synthetic endpoint %d: %w", i, err)
		}
		listeners = append(listeners, ln)
		go echoServer(ctx, ln)

		addr := ln.Addr().String()
		if _, err := controller.AddSink(addr, transport.DialFactory(2*time.Second)); err != nil {
			logger.WithField("endpoint", addr).WithError(err).Warn("aperture-demo: initial dial failed")
		}
	}

	var httpSrv *httpserver.Server
	if cfg.Metrics.Enabled {
		httpSrv = httpserver.New(cfg.Metrics.Listen, cfg.Metrics.Path, controller, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	if httpSrv != nil {
		g.Go(func() error { return httpSrv.Start(gctx) })
	}
	g.Go(func() error { return generateLoad(gctx, cfg.Load, controller, logger) })

	logger.WithFields(map[string]interface{}{
		"endpoints": cfg.Load.Endpoints,
		"min_size":  lbCfg.MinSize,
	}).Info("aperture-demo: started")

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// generateLoad issues synthetic requests against the controller at
// cfg.RequestsPerSec, holding each node for cfg.RequestLatency before
// returning it, and randomly failing cfg.FailureRate of them via
// OnNodeDown to exercise the backfill path.
func generateLoad(ctx context.Context, cfg config.LoadConfig, controller *loadbalancer.ApertureController[string], logger *logrus.Logger) error {
	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		requestID := uuid.New().String()
		node, err := controller.Get()
		if err != nil {
			logger.WithField("request_id", requestID).WithError(err).Debug("aperture-demo: no routable endpoint")
			continue
		}

		go func(node *loadbalancer.Node[string]) {
			time.Sleep(cfg.RequestLatency)
			if cfg.FailureRate > 0 && rand.Float64() < cfg.FailureRate {
				logger.WithFields(logrus.Fields{
					"request_id": requestID,
					"endpoint":   node.Endpoint,
				}).Debug("aperture-demo: simulated endpoint failure")
				controller.OnNodeDown(node)
				return
			}
			controller.Put(node)
		}(node)
	}
}
