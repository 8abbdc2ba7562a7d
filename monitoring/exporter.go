package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/lightninglabs/escrowd/escrowcfg"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Exporter serves the metrics of a gatherer on /metrics.
type Exporter struct {
	cfg      *escrowcfg.Prometheus
	gatherer prometheus.Gatherer

	started sync.Once
	server  *http.Server
	addr    net.Addr
}

// NewExporter creates an exporter for the gatherer.
func NewExporter(cfg *escrowcfg.Prometheus,
	gatherer prometheus.Gatherer) *Exporter {

	return &Exporter{
		cfg:      cfg,
		gatherer: gatherer,
	}
}

// Start binds the listener and serves in the background. Calling it again is
// a no-op.
func (e *Exporter) Start() error {
	var startErr error
	e.started.Do(func() {
		lis, err := net.Listen("tcp", e.cfg.Listen)
		if err != nil {
			startErr = err
			return
		}
		e.addr = lis.Addr()

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			e.gatherer, promhttp.HandlerOpts{},
		))
		e.server = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		log.Infof("Prometheus exporter started on %v/metrics", e.addr)

		go func() {
			err := e.server.Serve(lis)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("Prometheus exporter stopped: %v", err)
			}
		}()
	})

	return startErr
}

// Addr returns the bound address, nil before Start.
func (e *Exporter) Addr() net.Addr {
	return e.addr
}

// Stop shuts the server down.
func (e *Exporter) Stop() error {
	if e.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return e.server.Shutdown(ctx)
}
