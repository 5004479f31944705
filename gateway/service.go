// Package gateway assembles the collection pipeline: scheduler, connection
// pools, value cache, subscription index, dispatcher, transports and store,
// wired from configuration and run as one service.
package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wombatwebcg/Wombat.CommGateway-sub000/config"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/connpool"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/dispatch"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/errors"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/executor"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/metric"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/pkg/retry"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/scheduler"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/store"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/subscription"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/transport/natshub"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/transport/wsserver"
	"github.com/wombatwebcg/Wombat.CommGateway-sub000/valuecache"
)

// hierarchyGraceDelay gives collaborating services time to settle before
// the first full hierarchy rebuild
const hierarchyGraceDelay = 2 * time.Second

// Service owns the assembled pipeline and its startup/shutdown order
type Service struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.Registry

	storage    *store.SQLite
	sched      *scheduler.Scheduler
	pools      *connpool.Manager
	cache      *valuecache.Cache
	index      *subscription.Index
	dispatcher *dispatch.Dispatcher
	exec       *executor.Executor
	hub        *natshub.Hub
	ws         *wsserver.Server
	diag       *http.Server

	lifecycleMu sync.Mutex
	running     bool
}

// New builds every component from configuration and wires the pipeline:
// scheduler feeds the executor, the executor writes the cache, the cache
// notifies the dispatcher, the dispatcher fans out to the transports.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	registry := metric.NewRegistry()
	metrics := registry.CoreMetrics()

	// A database file still locked by a shutting-down predecessor clears
	// within the backoff window; schema errors abort the first attempt
	storage, err := retry.DoWithResult(context.Background(), retry.Persistent(),
		func() (*store.SQLite, error) { return store.Open(cfg.Store.DSN) })
	if err != nil {
		return nil, err
	}

	index := subscription.NewIndex(logger)

	hub := natshub.New(natshub.Options{
		URL:            cfg.NATS.URL,
		MaxReconnects:  cfg.NATS.MaxReconnects,
		ReconnectWait:  cfg.NATS.ReconnectWait,
		SubjectPrefix:  cfg.NATS.SubjectPrefix,
		CommandSubject: cfg.NATS.CommandSubject,
	}, index, logger, metrics)

	ws := wsserver.New(wsserver.Options{
		Addr:           cfg.WebSocket.Addr,
		Path:           cfg.WebSocket.Path,
		SendBufferSize: cfg.WebSocket.SendBufferSize,
		PingInterval:   cfg.WebSocket.PingInterval,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
	}, index, logger, metrics)

	dispatcher := dispatch.New(index, logger,
		dispatch.WithSink(hub),
		dispatch.WithSink(ws),
		dispatch.WithMetrics(metrics))

	cache := valuecache.New(valuecache.Options{
		FlushInterval:   cfg.Cache.FlushInterval,
		PushInterval:    cfg.Cache.PushInterval,
		CleanupInterval: cfg.Cache.MaxAge / 4,
		MaxAge:          cfg.Cache.MaxAge,
	}, logger,
		valuecache.WithNotifier(dispatcher),
		valuecache.WithFlushSink(store.NewHistory(storage.DB(), logger)),
		valuecache.WithMetrics(metrics))

	sched := scheduler.New(cfg.Collection.TickInterval, logger,
		scheduler.WithMetrics(metrics))

	pools := connpool.NewManager(connpool.Options{
		MaxSize:             cfg.Pool.MaxSize,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		AcquirePollInterval: cfg.Pool.AcquirePollInterval,
		HealthCheckInterval: cfg.Pool.HealthCheckInterval,
		IdleExpiry:          cfg.Pool.IdleExpiry,
		ActiveExpiry:        cfg.Pool.ActiveExpiry,
	}, logger,
		connpool.WithMetrics(metrics),
		connpool.WithSweepInterval(cfg.Pool.HealthSweepInterval))

	exec := executor.New(executor.Options{
		Workers:         cfg.Collection.Workers,
		QueueSize:       cfg.Collection.QueueSize,
		DefaultScanRate: cfg.Collection.DefaultScanRate,
	}, sched, pools, cache, index, storage, logger,
		executor.WithMetrics(metrics),
		executor.WithWorkerMetrics(registry))

	return &Service{
		cfg:        cfg,
		logger:     logger.With("component", "gateway"),
		registry:   registry,
		storage:    storage,
		sched:      sched,
		pools:      pools,
		cache:      cache,
		index:      index,
		dispatcher: dispatcher,
		exec:       exec,
		hub:        hub,
		ws:         ws,
	}, nil
}

// Start brings the pipeline up in dependency order: transports first so
// subscribers can connect, then the pools, cache and executor, then the
// scheduler so nothing fires before its consumers exist. Idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.running {
		return nil
	}

	if err := s.hub.Start(ctx); err != nil {
		// The gateway keeps collecting without the hub; the websocket
		// transport still delivers
		s.logger.Warn("hub unavailable, continuing without it", "error", err)
	}
	if err := s.ws.Start(ctx); err != nil {
		return errors.Wrap(err, "Service", "Start", "start websocket server")
	}
	if err := s.pools.Start(ctx); err != nil {
		return errors.Wrap(err, "Service", "Start", "start connection pools")
	}
	if err := s.cache.Start(ctx); err != nil {
		return errors.Wrap(err, "Service", "Start", "start value cache")
	}
	if err := s.exec.Start(ctx); err != nil {
		return errors.Wrap(err, "Service", "Start", "start executor")
	}

	registered, err := s.exec.RegisterFromStore(ctx)
	if err != nil {
		return errors.Wrap(err, "Service", "Start", "register points from store")
	}

	if err := s.sched.Start(ctx); err != nil {
		return errors.Wrap(err, "Service", "Start", "start scheduler")
	}

	s.startDiagnostics()

	// Full hierarchy rebuild after a grace delay; direct point
	// subscriptions route correctly in the meantime
	go func() {
		timer := time.NewTimer(hierarchyGraceDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := s.index.Refresh(ctx, s.storage); err != nil {
			s.logger.Error("hierarchy rebuild failed", "error", err)
		}
	}()

	s.running = true
	s.logger.Info("gateway started", "points", registered)
	return nil
}

// Stop tears the pipeline down in reverse order with a bounded wait per
// component; idempotent
func (s *Service) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running {
		return nil
	}

	if err := s.sched.Stop(timeout); err != nil {
		s.logger.Warn("scheduler stop", "error", err)
	}
	if err := s.exec.Stop(timeout); err != nil {
		s.logger.Warn("executor stop", "error", err)
	}
	if err := s.cache.Stop(timeout); err != nil {
		s.logger.Warn("cache stop", "error", err)
	}
	if err := s.pools.Stop(timeout); err != nil {
		s.logger.Warn("pool manager stop", "error", err)
	}
	if err := s.ws.Stop(timeout); err != nil {
		s.logger.Warn("websocket server stop", "error", err)
	}
	if err := s.hub.Stop(timeout); err != nil {
		s.logger.Warn("hub stop", "error", err)
	}

	if s.diag != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.diag.Shutdown(ctx); err != nil {
			s.logger.Warn("diagnostics stop", "error", err)
		}
	}

	if err := s.storage.Close(); err != nil {
		s.logger.Warn("store close", "error", err)
	}

	s.running = false
	s.logger.Info("gateway stopped")
	return nil
}

// startDiagnostics serves the metrics endpoint when configured
func (s *Service) startDiagnostics() {
	if s.cfg.Diagnostics.Addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.registry.Handler())
	s.diag = &http.Server{Addr: s.cfg.Diagnostics.Addr, Handler: mux}

	go func() {
		if err := s.diag.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("diagnostics listener failed",
				"addr", s.cfg.Diagnostics.Addr, "error", err)
		}
	}()
	s.logger.Info("diagnostics listening", "addr", s.cfg.Diagnostics.Addr)
}

// Executor exposes the notification surface for the external CRUD layer
func (s *Service) Executor() *executor.Executor {
	return s.exec
}

// Dispatcher exposes distribution statistics for diagnostics
func (s *Service) Dispatcher() *dispatch.Dispatcher {
	return s.dispatcher
}

// Scheduler exposes scheduling statistics for diagnostics
func (s *Service) Scheduler() *scheduler.Scheduler {
	return s.sched
}
