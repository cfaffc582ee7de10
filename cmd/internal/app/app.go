// Package app wires the ledger daemon: config, logging, stores, the credential
// pipeline, redemptions and the HTTP surface.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"ledger/cmd/internal/api"
	"ledger/cmd/internal/credentials"
	"ledger/cmd/internal/creds"
	"ledger/cmd/internal/events"
	"ledger/cmd/internal/issuer"
	"ledger/cmd/internal/redeem"
	"ledger/cmd/internal/telemetry"
	"ledger/cmd/security/blind"
)

// App is the ledger runtime. It owns the stores and every background worker.
type App struct {
	cfg Config
	log Logger

	stores    Stores
	metrics   *telemetry.Metrics
	hub       *events.Hub
	gateway   *events.Gateway
	engine    *credentials.Engine
	scheduler *credentials.Scheduler
	refiller  *credentials.Refiller
	redeemer  *redeem.Coordinator
	api       *api.Handler

	handler   http.Handler
	closeOnce sync.Once
}

// New opens the stores and wires the runtime. Callers Close or Run the App.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	stores, err := OpenStores(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a, err := wire(cfg, log, stores)
	if err != nil {
		_ = stores.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg Config, log Logger, stores Stores) (*App, error) {
	client, err := issuer.New(cfg.IssuerURL,
		issuer.WithHTTPClient(&http.Client{Timeout: cfg.IssuerTimeout}),
		issuer.WithLogger(log),
		issuer.WithPaymentID(cfg.PaymentID),
	)
	if err != nil {
		return nil, err
	}

	var lister issuer.KeyLister
	if cfg.RemoteKeys {
		lister = client
	}
	keys := issuer.NewKeySet(map[creds.TriggerType][]string{
		creds.TriggerAdGrant:   cfg.PromotionKeys,
		creds.TriggerPromotion: cfg.PromotionKeys,
		creds.TriggerSKUOrder:  cfg.SKUKeys,
	}, lister, cfg.KeysTTL, log)

	metrics := telemetry.NewMetrics()
	hub := events.NewHub(log)
	pub := events.NewPublisher(hub)

	engineOpts := []credentials.Option{
		credentials.WithObserver(metrics),
		credentials.WithObserver(pub),
	}
	if cfg.UnblindWorkers > 0 {
		engineOpts = append(engineOpts, credentials.WithUnblindWorkers(cfg.UnblindWorkers))
	}
	engine, err := credentials.NewEngine(credentials.Deps{
		Batches:    stores.Batches,
		Tokens:     stores.Tokens,
		Capability: blind.New(),
		Issuer:     client,
		Keys:       keys,
		Logger:     log,
	}, engineOpts...)
	if err != nil {
		return nil, err
	}

	policy := cfg.RetryPolicy()
	scheduler := credentials.NewScheduler(engine, policy,
		credentials.WithSchedulerLogger(log),
		credentials.WithRetryHook(metrics.ObserveRetry),
	)

	redeemer := redeem.New(stores.Tokens, client, policy,
		redeem.WithLogger(log),
		redeem.WithObserver(metrics),
		redeem.WithObserver(pub),
		redeem.WithMaxRetries(cfg.RedeemMaxRetries),
	)

	var refiller *credentials.Refiller
	if cfg.RefillMin > 0 {
		refiller = credentials.NewRefiller(stores.Batches, stores.Tokens, scheduler, cfg.Refill(), log)
	}

	apiHandler, err := api.NewHandler(log, api.Deps{
		Starter:  scheduler,
		Batches:  stores.Batches,
		Tokens:   stores.Tokens,
		Redeemer: redeemer,
	}, api.Config{MaxBodyBytes: cfg.MaxBodyBytes})
	if err != nil {
		scheduler.Close()
		return nil, err
	}

	gwCfg := events.DefaultGatewayConfig()
	gwCfg.AllowedOrigins = cfg.WSAllowedOrigins
	gwCfg.OriginRequired = cfg.WSOriginRequired
	gwCfg.DevInsecure = cfg.WSDevInsecure
	gwCfg.SendQueueSize = cfg.WSSendQueueSize

	a := &App{
		cfg:       cfg,
		log:       log,
		stores:    stores,
		metrics:   metrics,
		hub:       hub,
		gateway:   events.NewGateway(log, hub, gwCfg),
		engine:    engine,
		scheduler: scheduler,
		refiller:  refiller,
		redeemer:  redeemer,
		api:       apiHandler,
	}

	mux := http.NewServeMux()
	registerHTTP(mux, a)
	a.handler = WithRequestLogging(WithSecurityHeaders(mux), log, metrics)
	return a, nil
}

// Handler is the full HTTP surface, middleware included.
func (a *App) Handler() http.Handler { return a.handler }

// Run listens on cfg.HTTPAddr and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.Close()
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln and the refill loop until ctx is done or the
// server fails, then stops every job and closes the stores.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	defer a.Close()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", ln.Addr().String(), "store", a.cfg.StoreDriver, "refill", a.refiller != nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})
	if a.refiller != nil {
		g.Go(func() error {
			a.refiller.Run(gctx, a.cfg.RefillInterval)
			return nil
		})
	}

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close stops in-flight jobs and releases the stores. Safe to call twice.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.scheduler.Close()
		if err := a.stores.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	})
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
