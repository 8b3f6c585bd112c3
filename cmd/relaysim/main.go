// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Command relaysim runs a simulated network of nodes relaying transactions
// and reports how the rebroadcast layer keeps their mempools converged.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/btcsuite/txrelay/internal/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// metricsShutdownTimeout is the time the metrics server is given to finish
// outstanding requests on shutdown.
const metricsShutdownTimeout = 5 * time.Second

// serveMetrics serves the prometheus registry on the passed address until the
// context is canceled.
func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.RsimLog.Infof("Metrics server listening on %s", addr)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		return err

	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			metricsShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errChan; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// relaysimMain is the real main function for relaysim.  It is necessary to
// work around the fact that deferred functions do not run when os.Exit() is
// called.
func relaysimMain() error {
	// Load configuration and parse command line.  This also initializes
	// logging and configures it accordingly.
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() {
		if log.LogRotator != nil {
			log.LogRotator.Close()
		}
	}()

	sim, err := newSimulation(cfg)
	if err != nil {
		log.RsimLog.Errorf("Unable to build the network: %v", err)
		return err
	}

	// The simulation finishing stops the metrics server as well.
	ctx, cancel := context.WithCancel(interruptListener())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if cfg.MetricsListen != "" {
		g.Go(func() error {
			return serveMetrics(gctx, cfg.MetricsListen)
		})
	}
	g.Go(func() error {
		defer cancel()
		return sim.run(gctx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		log.RsimLog.Errorf("Simulation failed: %v", err)
	}
	return err
}

func main() {
	// Work around defer not working after os.Exit()
	if err := relaysimMain(); err != nil {
		os.Exit(1)
	}
}
