package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/budget-optimizer/internal/controller"
	"github.com/ChuLiYu/budget-optimizer/internal/metrics"
	"github.com/ChuLiYu/budget-optimizer/internal/observability"
	"github.com/ChuLiYu/budget-optimizer/internal/scenario"
	"github.com/ChuLiYu/budget-optimizer/internal/server"
	"github.com/ChuLiYu/budget-optimizer/internal/trialstore"
)

const serviceName = "budget-optimizer"

// service is everything `run` owns.
type service struct {
	cfg      *Config
	log      *slog.Logger
	store    trialstore.Store
	ctrl     *controller.Controller
	metrics  *metrics.Collector
	shutdown observability.ShutdownFunc
}

// newService wires the store, model, controller, metrics and tracing.
// logOut receives logs and stdout spans.
func newService(ctx context.Context, cfg *Config, logOut io.Writer, reg prometheus.Registerer) (*service, error) {
	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format, logOut)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	tp, shutdown, err := observability.InitTracing(cfg.Tracing, serviceName, logOut)
	if err != nil {
		return nil, err
	}
	svc := &service{cfg: cfg, log: logger, shutdown: shutdown}

	model, err := cfg.buildModel()
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("failed to build revenue model: %w", err)
	}

	store, err := trialstore.Open(ctx, cfg.Storage, logger)
	if err != nil {
		svc.close()
		return nil, fmt.Errorf("failed to open trial store: %w", err)
	}
	svc.store = store

	if cfg.Metrics.Enabled {
		svc.metrics = metrics.NewCollector(reg)
	}

	ctrl, err := controller.NewController(controller.Config{
		Store:          store,
		Model:          model,
		Validator:      scenario.NewValidator(cfg.Channels),
		Optimizer:      cfg.Optimizer,
		CacheSize:      cfg.Model.CacheSize,
		Metrics:        svc.metrics,
		TracerProvider: tp,
		Logger:         logger,
	})
	if err != nil {
		svc.close()
		return nil, err
	}
	svc.ctrl = ctrl

	logger.Info("service configured",
		"storage", cfg.Storage.Backend,
		"model", model.Name(),
		"channels", len(cfg.Channels),
		"metrics", cfg.Metrics.Enabled,
		"tracing", cfg.Tracing.Enabled)
	return svc, nil
}

// serve runs the gRPC server on lis until ctx is cancelled.
func (s *service) serve(ctx context.Context, lis net.Listener, resume bool) error {
	if s.metrics != nil {
		go func() {
			s.log.Info("starting metrics server", "port", s.cfg.Metrics.Port)
			if err := s.metrics.StartServer(ctx, s.cfg.Metrics.Port); err != nil {
				s.log.Error("metrics server error", "error", err)
			}
		}()
	}

	if resume {
		n, err := s.ctrl.ResumeAll(ctx)
		if err != nil {
			s.log.Warn("some studies could not be resumed", "error", err)
		}
		s.log.Info("resumed studies", "count", n)
	}

	s.log.Info("system started successfully")
	return server.NewServer(s.ctrl, s.log).Serve(ctx, lis)
}

// close stops every job, then releases the store and the tracer.
func (s *service) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.ctrl != nil {
		errs = append(errs, s.ctrl.Shutdown(ctx))
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.shutdown != nil {
		errs = append(errs, s.shutdown(ctx))
	}
	return errors.Join(errs...)
}

func runService(ctx context.Context, cfg *Config, resume bool, logOut io.Writer) error {
	svc, err := newService(ctx, cfg, logOut, nil)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Server.Address)
	if err != nil {
		svc.close()
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Address, err)
	}

	serveErr := svc.serve(ctx, lis, resume)
	svc.log.Info("received shutdown signal, stopping gracefully...")
	if err := svc.close(); err != nil {
		svc.log.Error("shutdown incomplete", "error", err)
	}
	svc.log.Info("system stopped. Goodbye!")
	return serveErr
}
