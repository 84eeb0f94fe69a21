package cnc

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/coder/quartz"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/daqkit/daqctl/pkg/runset"
)

const shutdownTimeout = 10 * time.Second

// Server is the whole control daemon as one service: the registry, the
// liveness watchdog and the operator HTTP listener. Stopping it stops
// every active run and returns all components to the pool.
type Server struct {
	services.Service

	cfg      Config
	logger   log.Logger
	registry *Registry
	watchdog *Watchdog

	httpServer *http.Server
	listener   net.Listener
}

// NewServer assembles the control daemon. Metrics go to reg; a nil reg
// keeps them unregistered.
func NewServer(cfg Config, sinks runset.Sinks, reg prometheus.Registerer, logger log.Logger, clock quartz.Clock) *Server {
	met := NewMetrics(reg)
	registry := NewRegistry(cfg, sinks, met, runset.NewMetrics(reg), logger, clock)

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		watchdog: NewWatchdog(registry, logger),
	}

	router := mux.NewRouter()
	NewAPI(registry, logger).RegisterRoutes(router)
	router.HandleFunc("/ready", s.readyHandler).Methods(http.MethodGet)
	router.Handle("/metrics", metricsHandler(reg)).Methods(http.MethodGet)
	s.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.Service = services.NewBasicService(s.starting, s.running, s.stopping).WithName("cnc")
	return s
}

// Registry exposes the registry, primarily so components colocated in the
// same process can register directly.
func (s *Server) Registry() *Registry { return s.registry }

// Addr is the bound HTTP address, useful when listening on port 0. Only
// valid once the service is running.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// starting binds the listener before the service reports running, so
// Addr is usable as soon as StartAndAwaitRunning returns.
func (s *Server) starting(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.HTTPListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.cfg.HTTPListenAddr)
	}
	s.listener = listener

	if err := services.StartAndAwaitRunning(ctx, s.watchdog); err != nil {
		_ = listener.Close()
		return errors.Wrap(err, "starting watchdog")
	}
	level.Info(s.logger).Log("msg", "listening for operator requests", "addr", listener.Addr())
	return nil
}

func (s *Server) running(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	}
}

func (s *Server) stopping(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var savedErr error
	if s.listener != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			savedErr = err
		}
	}
	if err := services.StopAndAwaitTerminated(ctx, s.watchdog); err != nil && savedErr == nil {
		savedErr = err
	}
	if err := s.registry.Shutdown(ctx); err != nil && savedErr == nil {
		savedErr = err
	}
	return savedErr
}

func (s *Server) readyHandler(w http.ResponseWriter, _ *http.Request) {
	if st := s.watchdog.State(); st != services.Running {
		http.Error(w, "Watchdog is not Running: "+st.String(), http.StatusServiceUnavailable)
		return
	}
	http.Error(w, "ready", http.StatusOK)
}

func metricsHandler(reg prometheus.Registerer) http.Handler {
	if g, ok := reg.(prometheus.Gatherer); ok {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
