// Command shmbusd owns a bus name and hands every announced shared memory region to a
// logging handler. Configuration comes from SHMBUS_* environment variables.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/srediag/shmbus/adapter"
	"github.com/srediag/shmbus/internal/logging"
	"github.com/srediag/shmbus/pkg/bridge"
)

const shutdownTimeout = 5 * time.Second

var log = logging.Internal.Named("shmbusd")

func main() {
	if err := run(); err != nil {
		log.Errorf("%v", err)
		_ = log.Sync()
		os.Exit(1)
	}
}

func run() error {
	cfg, err := bridge.LoadConfig()
	if err != nil {
		return err
	}
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logging.SetLogLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := func(_ context.Context, d bridge.Delivery) error {
		log.Infof("command %d from %s: %q", d.CommandType, d.Region, d.Text())
		return nil
	}
	server, err := bridge.NewServer(cfg, handler,
		bridge.WithRegionOptions(adapter.RegionOptions(nil, nil, log)...),
		bridge.WithServerLogger(log))
	if err != nil {
		return err
	}
	if err := server.Start(ctx); err != nil {
		return err
	}

	health := healthcheck.NewMetricsHandler(prometheus.DefaultRegisterer, bridge.EnvPrefix)
	adapter.RegisterHealth(health, "bridge", server, 0)
	health.AddReadinessCheck("shm-capacity", adapter.ShmCapacityCheck(uint64(cfg.RegionSize)))
	health.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))

	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: cfg.HealthAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("health and metrics on %s", cfg.HealthAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	shutdown, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdown); serr != nil {
		log.Warnf("http shutdown: %v", serr)
	}
	if serr := server.Stop(shutdown); serr != nil {
		log.Warnf("stop bridge: %v", serr)
	}
	handled, failed := server.Stats()
	log.Infof("handled %d deliveries, %d failed", handled, failed)
	return err
}
