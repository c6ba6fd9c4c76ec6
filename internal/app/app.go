// Package app wires the record store, broker, services and HTTP surface into
// one process with an ordered startup and shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"

	"github.com/drblury/cardiocheck/internal/correlation"
	"github.com/drblury/cardiocheck/internal/dispatch"
	"github.com/drblury/cardiocheck/internal/httpapi"
	"github.com/drblury/cardiocheck/internal/metrics"
	"github.com/drblury/cardiocheck/internal/risk"
	configpkg "github.com/drblury/cardiocheck/internal/runtime/config"
	errspkg "github.com/drblury/cardiocheck/internal/runtime/errors"
	"github.com/drblury/cardiocheck/internal/runtime/logging"
	"github.com/drblury/cardiocheck/internal/store"
	"github.com/drblury/cardiocheck/transport"

	// Registered transports.
	_ "github.com/drblury/cardiocheck/transport/channel"
	_ "github.com/drblury/cardiocheck/transport/jetstream"
)

// Options override collaborators, mostly for tests.
type Options struct {
	// Transports resolves the broker. Nil uses transport.DefaultRegistry.
	Transports *transport.Registry
	// Store replaces opening the configured driver. The app does not close it.
	Store *store.GormStore
	// Registry receives the metrics. Nil creates a private registry.
	Registry *prometheus.Registry
}

// App is one running cardiocheck process.
type App struct {
	cfg    *configpkg.Config
	logger logging.ServiceLogger
	opts   Options

	store     *store.GormStore
	ownsStore bool
	broker    transport.Broker
	registry  *prometheus.Registry
	metrics   *metrics.Collector
	domains   *risk.Registry

	cardiac     *dispatch.Service[risk.CardiacInput]
	sleep       *dispatch.Service[risk.SleepInput]
	correlation *correlation.Service

	handler http.Handler
	server  *http.Server

	// lost is closed when the broker connection closes outside shutdown.
	lost     chan struct{}
	lostOnce sync.Once
	stopping atomic.Bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New validates cfg and returns an uninitialised app.
func New(cfg *configpkg.Config, logger logging.ServiceLogger, opts Options) (*App, error) {
	if err := configpkg.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Transports == nil {
		opts.Transports = transport.DefaultRegistry
	}
	return &App{cfg: cfg, logger: logger, opts: opts, lost: make(chan struct{})}, nil
}

// Init opens the store, connects the broker and builds the services. On
// failure everything opened so far is released.
func (a *App) Init(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			err = errors.Join(err, a.release(context.WithoutCancel(ctx)))
		}
	}()

	a.logger.Info("Initialising cardiocheck", logging.LogFields{"config": a.cfg.String()})

	if err := a.initStore(ctx); err != nil {
		return err
	}
	if err := a.initDomains(); err != nil {
		return err
	}
	a.initMetrics()
	if err := a.initBroker(ctx); err != nil {
		return err
	}
	if err := a.initServices(); err != nil {
		return err
	}
	a.initHTTP()
	return nil
}

func (a *App) initStore(ctx context.Context) error {
	if a.opts.Store != nil {
		a.store = a.opts.Store
	} else {
		s, err := store.Open(a.cfg.Store.Driver, a.cfg.Store.DSN)
		if err != nil {
			return err
		}
		a.store, a.ownsStore = s, true
	}
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	return nil
}

func (a *App) initDomains() error {
	var kinds []risk.Kind
	for _, d := range a.cfg.Domains {
		switch d.Name {
		case risk.CardiacName:
			kinds = append(kinds, risk.Cardiac(d.Subject))
		case risk.SleepName:
			kinds = append(kinds, risk.Sleep(d.Subject))
		default:
			return fmt.Errorf("%w: %q", errspkg.ErrUnknownDomain, d.Name)
		}
	}
	domains, err := risk.NewRegistry(kinds...)
	if err != nil {
		return err
	}
	a.domains = domains
	return nil
}

func (a *App) initMetrics() {
	a.registry = a.opts.Registry
	if a.registry == nil {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}
	a.metrics = metrics.New(a.cfg.Metrics.Namespace, a.registry)
	if err := a.metrics.Register(); err != nil {
		a.logger.Error("Metrics registration failed", err, nil)
	}
}

func (a *App) initBroker(ctx context.Context) error {
	opts := a.cfg.BrokerOptions()
	opts.OnStateChange = func(state transport.State) {
		a.metrics.ObserveState(state)
		a.logger.Debug("Broker state changed", logging.LogFields{"state": state.String()})
		if state == transport.StateClosed && !a.stopping.Load() {
			a.lostOnce.Do(func() { close(a.lost) })
		}
	}
	broker, err := a.opts.Transports.Build(ctx, opts, a.logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	a.broker = broker
	a.metrics.ObserveState(broker.State())
	return nil
}

func (a *App) initServices() error {
	opts := dispatch.Options{Logger: a.logger, Metrics: a.metrics, Breaker: a.newBreaker()}

	for _, name := range a.domains.Names() {
		kind, _ := a.domains.Lookup(name)
		switch d := kind.(type) {
		case *risk.Domain[risk.CardiacInput]:
			svc, err := dispatch.New(d, a.broker, a.store, opts)
			if err != nil {
				return err
			}
			a.cardiac = svc
		case *risk.Domain[risk.SleepInput]:
			svc, err := dispatch.New(d, a.broker, a.store, opts)
			if err != nil {
				return err
			}
			a.sleep = svc
		}
	}

	cc := a.cfg.Consumer
	svc, err := correlation.New(a.broker, a.store, a.domains, correlation.Config{
		Stream:           a.cfg.Streams.Result.Name,
		CompletedSubject: cc.CompletedSubject,
		CompletedDurable: cc.CompletedDurable,
		ConsumeFailures:  cc.ConsumeFailures,
		FailedSubject:    cc.FailedSubject,
		FailedDurable:    cc.FailedDurable,
		MaxAckPending:    cc.MaxAckPending,
		MaxDeliver:       cc.MaxDeliver,
		AckWait:          cc.AckWait,
		NakDelay:         cc.NakDelay,
		HandlerTimeout:   cc.HandlerTimeout,
	}, correlation.Options{Logger: a.logger, Metrics: a.metrics})
	if err != nil {
		return err
	}
	a.correlation = svc
	return nil
}

func (a *App) newBreaker() *gobreaker.TwoStepCircuitBreaker {
	if !a.cfg.Breaker.Enabled {
		return nil
	}
	return dispatch.NewBreaker(dispatch.BreakerSettings{
		Name:                "job-publish",
		ConsecutiveFailures: a.cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         a.cfg.Breaker.OpenTimeout,
	}, a.logger)
}

func (a *App) initHTTP() {
	deps := httpapi.Deps{
		Records: a.store,
		Broker:  a.broker,
		Logger:  a.logger,
	}
	// Typed nil pointers must not reach the interface fields.
	if a.cardiac != nil {
		deps.Cardiac = a.cardiac
	}
	if a.sleep != nil {
		deps.Sleep = a.sleep
	}
	if a.cfg.Metrics.Enabled {
		deps.Metrics = promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{})
	}
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	a.handler = httpapi.NewRouter(deps)
	a.server = &http.Server{
		Addr:         a.cfg.HTTP.Address,
		Handler:      a.handler,
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
	}
}

// Handler returns the HTTP handler. Valid after Init.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Broker returns the connected broker. Valid after Init.
func (a *App) Broker() transport.Broker {
	return a.broker
}

// Store returns the record store. Valid after Init.
func (a *App) Store() *store.GormStore {
	return a.store
}

// Run starts result correlation and serves HTTP until ctx is cancelled, the
// listener fails or the broker connection is lost for good, then shuts down.
func (a *App) Run(ctx context.Context) error {
	if a.server == nil {
		return errors.New("app: Run called before Init")
	}
	if err := a.correlation.Start(ctx); err != nil {
		return errors.Join(fmt.Errorf("start correlation: %w", err), a.Shutdown(context.WithoutCancel(ctx)))
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return errors.Join(fmt.Errorf("listen %s: %w", a.server.Addr, err), a.Shutdown(context.WithoutCancel(ctx)))
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	a.logger.Info("Serving HTTP", logging.LogFields{"address": ln.Addr().String()})

	serveErr := make(chan error, 1)
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("http server: %w", err)
	case <-a.lost:
		runErr = errspkg.ErrConnectionLost
		a.logger.Error("Stopping, results can no longer be correlated", runErr, nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Shutdown stops accepting requests, stops the result consumers, drains the
// broker and closes the store, in that order. Later calls return the first
// result.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.stopping.Store(true)
		a.logger.Info("Shutting down", nil)
		var errs []error
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		errs = append(errs, a.release(ctx))
		a.shutdownErr = errors.Join(errs...)
	})
	return a.shutdownErr
}

func (a *App) release(ctx context.Context) error {
	a.stopping.Store(true)
	var errs []error
	if a.correlation != nil {
		if err := a.correlation.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop correlation: %w", err))
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close broker: %w", err))
		}
	}
	if a.store != nil && a.ownsStore {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		a.ownsStore = false
	}
	return errors.Join(errs...)
}
