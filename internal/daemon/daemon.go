// Package daemon wires the ledger components together and serves the API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/agentledger/internal/api"
	"github.com/tutu-network/agentledger/internal/app/accounts"
	"github.com/tutu-network/agentledger/internal/app/catalog"
	"github.com/tutu-network/agentledger/internal/app/dispatcher"
	"github.com/tutu-network/agentledger/internal/app/reconcile"
	"github.com/tutu-network/agentledger/internal/app/settlement"
	"github.com/tutu-network/agentledger/internal/domain"
	"github.com/tutu-network/agentledger/internal/infra/events"
	"github.com/tutu-network/agentledger/internal/infra/llm"
	"github.com/tutu-network/agentledger/internal/infra/memstore"
	"github.com/tutu-network/agentledger/internal/infra/observability"
	"github.com/tutu-network/agentledger/internal/infra/remote"
	"github.com/tutu-network/agentledger/internal/infra/sqlite"
)

// Daemon owns every long-lived component.
type Daemon struct {
	Config     Config
	Store      domain.LedgerStore
	Accounts   *accounts.Store
	Catalog    *catalog.Catalog
	Engine     *settlement.Engine
	Dispatcher *dispatcher.Dispatcher // nil unless dispatcher.enabled
	Reconciler *reconcile.Reconciler  // nil unless remote.dsn is set
	Tracer     *observability.Tracer
	Live       *api.LiveHub

	remote *remote.Store
	nats   *events.Publisher
	logger *zap.Logger
}

// New builds the daemon from cfg. Close releases everything New opened.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Daemon, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Daemon{Config: cfg, logger: logger}
	if err := d.init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) init(ctx context.Context) error {
	cfg := d.Config

	// ─── Local ledger ───────────────────────────────────────────────────
	if cfg.Ledger.Memory {
		d.Store = memstore.New()
		d.logger.Warn("using in-memory ledger; balances are lost on exit")
	} else {
		db, err := sqlite.Open(cfg.LedgerDir())
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		d.Store = db
		d.logger.Info("ledger opened", zap.String("path", db.Path()))
	}

	// ─── Events ─────────────────────────────────────────────────────────
	d.Live = api.NewLiveHub()
	sinks := events.Multi{d.Live}
	if cfg.NATS.URL != "" {
		p, err := events.Connect(cfg.NATS.URL, d.logger)
		if err != nil {
			return err
		}
		d.nats = p
		sinks = append(sinks, p)
	}

	// ─── Accounts & catalog ─────────────────────────────────────────────
	accCfg := accounts.DefaultConfig()
	accCfg.Events = sinks
	d.Accounts = accounts.New(d.Store, accCfg, d.logger)

	catCfg := catalog.DefaultConfig()
	catCfg.Seed = cfg.Catalog.Seed
	if cfg.Catalog.SectorsFile != "" {
		spec, err := catalog.LoadSpec(cfg.Catalog.SectorsFile)
		if err != nil {
			return err
		}
		catCfg.Spec = spec
	}
	d.Catalog = catalog.New(d.Store, catCfg, d.logger)
	if _, err := d.Catalog.Seed(ctx); err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}

	// ─── Settlement ─────────────────────────────────────────────────────
	backend, err := d.backend()
	if err != nil {
		return err
	}
	d.Tracer = observability.NewTracer(observability.DefaultTracerConfig())
	d.Engine = settlement.New(d.Accounts, d.Catalog, backend, sinks, d.Tracer, settlement.Config{
		LeaseTTL:       duration(cfg.Settlement.LeaseTTL),
		ConfirmTimeout: duration(cfg.Settlement.ConfirmTimeout),
		CommitRetries:  cfg.Settlement.CommitRetries,
		Backoff:        duration(cfg.Settlement.RetryBackoff),
	}, d.logger)

	// Settlements confirmed before a crash are committed before serving.
	restored, err := d.Engine.LoadPending(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		if n, err := d.Engine.RetryPending(ctx); err != nil {
			d.logger.Warn("restored settlements still pending", zap.Int("committed", n), zap.Error(err))
		}
	}

	if cfg.Dispatcher.Enabled {
		if _, err := d.Accounts.Register(ctx, cfg.Dispatcher.Operator); err != nil {
			return fmt.Errorf("register operator: %w", err)
		}
		d.Dispatcher = dispatcher.New(d.Engine, d.Catalog, d.Accounts, dispatcher.Config{
			OperatorID:     cfg.Dispatcher.Operator,
			Interval:       duration(cfg.Dispatcher.Interval),
			AttemptTimeout: duration(cfg.Dispatcher.AttemptTimeout),
			History:        cfg.Dispatcher.History,
		}, d.logger)
	}

	// ─── Remote ─────────────────────────────────────────────────────────
	if cfg.Remote.DSN != "" {
		rs, err := remote.Open(ctx, cfg.Remote.DSN, d.logger)
		if err != nil {
			// Offline is a supported mode: settle locally, reconcile later.
			d.logger.Warn("remote store unavailable, running offline", zap.Error(err))
		} else {
			d.remote = rs
			tasks, err := d.Store.ListTasks(ctx, domain.TaskFilter{})
			if err == nil {
				err = rs.PublishTasks(ctx, tasks)
			}
			if err != nil {
				d.logger.Warn("publish task board", zap.Error(err))
			}
			d.Reconciler = reconcile.New(d.Accounts, rs, reconcile.Config{
				Timeout: duration(cfg.Sync.Timeout),
			}, d.logger)
		}
	}
	return nil
}

func (d *Daemon) backend() (domain.ExecutionBackend, error) {
	cfg := d.Config.LLM
	if cfg.Backend == "static" {
		return llm.Static{}, nil
	}
	b, err := llm.New(llm.Config{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}, d.logger)
	if err != nil {
		return nil, fmt.Errorf("execution backend: %w", err)
	}
	return b, nil
}

// Handler builds the HTTP API over the daemon's components.
func (d *Daemon) Handler() http.Handler {
	s := api.NewServer(d.Accounts, d.Catalog, d.Engine, d.logger)
	s.SetTracer(d.Tracer)
	s.SetLiveHub(d.Live)
	if d.Dispatcher != nil {
		s.SetDispatcher(d.Dispatcher)
	}
	if d.Reconciler != nil {
		s.SetReconciler(d.Reconciler)
	}
	if d.Config.API.Metrics {
		s.EnableMetrics()
	}
	return s.Handler()
}

// Serve runs the background workers and the HTTP server until ctx is done.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.Dispatcher != nil {
		if err := d.Dispatcher.Start(ctx); err != nil {
			return err
		}
		defer d.Dispatcher.Stop()
	} else {
		go d.retryPending(ctx, duration(d.Config.Dispatcher.Interval))
	}
	if d.Reconciler != nil && d.Config.Dispatcher.Operator != "" {
		if interval := duration(d.Config.Sync.Interval); interval > 0 {
			go d.Reconciler.Run(ctx, interval, d.Config.Dispatcher.Operator)
		}
	}

	srv := &http.Server{
		Addr:              d.Config.API.Addr(),
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		d.logger.Info("listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// retryPending drains parked settlements when no dispatcher ticks do it.
func (d *Daemon) retryPending(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.Engine.Pending() == 0 {
				continue
			}
			n, err := d.Engine.RetryPending(ctx)
			if err != nil {
				d.logger.Warn("retry pending settlements", zap.Int("committed", n), zap.Error(err))
			}
		}
	}
}

// Close releases stores and connections.
func (d *Daemon) Close() error {
	var errs []error
	if d.nats != nil {
		errs = append(errs, d.nats.Close())
	}
	if d.remote != nil {
		d.remote.Close()
	}
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	return errors.Join(errs...)
}
