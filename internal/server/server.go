package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"devicefarm/internal/api"
	"devicefarm/internal/config"
	"devicefarm/internal/device"
	"devicefarm/internal/device/emulator"
	"devicefarm/internal/device/mock"
	"devicefarm/internal/eventbus"
	"devicefarm/internal/monitor"
	"devicefarm/internal/pool"
	"devicefarm/internal/supervisor"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

type Server struct {
	cfg        *config.Config
	deps       *Dependency
	store      *config.Store
	backend    device.Backend
	emulator   *emulator.Backend
	registry   *pool.Registry
	supervisor *supervisor.Supervisor
	httpServer *http.Server
	logger     *slog.Logger
}

func NewServer(cfg *config.Config, deps *Dependency) *Server {
	logger := deps.Logger

	store := config.NewStore(cfg.Farm)
	ports := device.NewPortAllocator(func() (int, int) {
		farm := store.Get()
		return farm.StartPort, farm.EndPort
	}, nil)

	var (
		backend device.Backend
		emu     *emulator.Backend
	)
	if deps.Docker != nil {
		emu = emulator.NewBackend(deps.Docker, store, ports, logger)
		backend = emu
	} else {
		logger.Warn("Running with the mock device backend")
		backend = mock.NewBackend(ports, logger)
	}

	var bus eventbus.EventBus = eventbus.NopBus{}
	if deps.Redis != nil {
		bus = eventbus.NewRedisBus(deps.Redis, logger)
	}

	registry := pool.NewRegistry(backend, store, bus, logger)

	collector := monitor.NewPoolCollector(func() []monitor.DeviceSample {
		all := registry.All()
		samples := make([]monitor.DeviceSample, len(all))
		for i, pd := range all {
			samples[i] = monitor.DeviceSample{
				Group:  pd.GroupID(),
				State:  string(pd.Device.State),
				Status: string(pd.Status),
			}
		}
		return samples
	})
	if err := prometheus.Register(collector); err != nil {
		logger.Warn("Failed to register pool collector", "error", err)
	}

	// http.Server.Shutdown 不会取消请求 ctx，SSE 长连接需要单独通知
	closing := make(chan struct{})
	var closeOnce sync.Once

	router := api.NewRouter(registry, store, bus, closing, logger)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	httpServer.RegisterOnShutdown(func() {
		closeOnce.Do(func() { close(closing) })
	})

	return &Server{
		cfg:        cfg,
		deps:       deps,
		store:      store,
		backend:    backend,
		emulator:   emu,
		registry:   registry,
		supervisor: supervisor.New(registry, store, logger),
		httpServer: httpServer,
		logger:     logger,
	}
}

// Start runs until ctx is cancelled or a listener fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	if s.emulator != nil {
		if _, err := s.emulator.PruneOrphans(ctx); err != nil {
			s.logger.Warn("Failed to prune orphan containers", "error", err)
		}
	}

	s.supervisor.Start()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		handler := monitor.NewMetricsHandler(prometheus.DefaultGatherer, s.healthChecks())
		return monitor.StartMetricsServer(gctx, s.cfg.Metrics.Addr, handler, s.logger)
	})

	g.Go(func() error {
		s.logger.Info("Starting API server", "addr", s.cfg.Server.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("Shutdown signal received, draining...")
		return s.Shutdown()
	})

	return g.Wait()
}

// healthChecks 只包含已启用的依赖
func (s *Server) healthChecks() map[string]monitor.HealthCheck {
	checks := make(map[string]monitor.HealthCheck)
	if s.deps.Docker != nil {
		checks["docker"] = func(ctx context.Context) error {
			_, err := s.deps.Docker.Ping(ctx)
			return err
		}
	}
	if s.deps.Redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return s.deps.Redis.Ping(ctx).Err()
		}
	}
	return checks
}

// Shutdown gives the HTTP drain and the device teardown separate budgets,
// so slow clients cannot leave containers running.
func (s *Server) Shutdown() error {
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancelHTTP()

	if err := s.httpServer.Shutdown(httpCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	s.supervisor.Stop()

	registryCtx, cancelRegistry := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancelRegistry()

	if err := s.registry.Shutdown(registryCtx); err != nil {
		s.logger.Error("Device registry shutdown error", "error", err)
		return err
	}

	s.logger.Info("Server stopped gracefully")
	return nil
}
