package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Probe is the HTTP liveness/metrics listener: a small http.Server
// exposing /healthz and /metrics.
type Probe struct {
	addr    string
	status  *Status
	metrics *Metrics
	logger  *zap.Logger
	server  *http.Server
}

func NewProbe(addr string, status *Status, metrics *Metrics, logger *zap.Logger) *Probe {
	p := &Probe{addr: addr, status: status, metrics: metrics, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", p.handleHealthz)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	p.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return p
}

func (p *Probe) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(p.status.Snapshot()); err != nil {
		p.logger.Warn("healthz: encode failed", zap.Error(err))
	}
}

// Run blocks serving HTTP until ctx is cancelled, then shuts the
// server down with a bounded grace period, mirroring the Supervisor's
// own shutdown pattern.
func (p *Probe) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := p.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.server.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("probe: shutdown error", zap.Error(err))
		}
		<-errCh
		return ctx.Err()
	}
}
