package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ratewatch/internal/alerting"
	"ratewatch/internal/config"
	"ratewatch/internal/consumer"
	"ratewatch/internal/fetcher"
	"ratewatch/internal/publisher"
	"ratewatch/internal/scheduler"
	"ratewatch/internal/storage"
	"ratewatch/internal/transport"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// ShowOptions configure the marks listing.
type ShowOptions struct {
	Limit      int
	ActiveOnly bool
	OwnerID    int64
}

// RunOptions configure the combined run command.
type RunOptions struct {
	// Driver overrides transport.driver; "memory" connects both services in-process.
	Driver string
}

func (a *App) newSource() (fetcher.RateSource, error) {
	src := a.Config.Source
	switch src.Kind {
	case config.SourceHTTP:
		return fetcher.NewHTTPSource(fetcher.HTTPOptions{
			URL:       src.URL,
			RatePath:  src.RatePath,
			Timeout:   src.RequestTimeout,
			UserAgent: src.UserAgent,
		}, a.Logger), nil
	case config.SourceERC4626:
		return fetcher.NewVaultSource(fetcher.VaultOptions{
			RPCURL:       src.URL,
			VaultAddress: src.VaultAddress,
			Decimals:     src.Decimals,
			Timeout:      src.RequestTimeout,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

func (a *App) newSink() alerting.Sink {
	sinks := alerting.Fanout{alerting.NewLogSink(a.Logger)}
	if tg := a.Config.Alerting.Telegram; tg.Enabled {
		sinks = append(sinks, alerting.NewTelegramSink(alerting.TelegramOptions{
			BotToken:  tg.BotToken,
			ChatID:    tg.ChatID,
			BaseURL:   tg.APIBase,
			Timeout:   tg.Timeout,
			RateLimit: tg.RateLimit,
			Burst:     tg.Burst,
		}, a.Logger))
	}
	return sinks
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured; the mark store is required")
	}
	return store, closeStore, nil
}

func (a *App) newPublisher(source fetcher.RateSource, broker transport.Broker, locker storage.AdvisoryLocker) *publisher.Publisher {
	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	opts := publisher.Options{
		PublishTimeout: a.Config.Transport.PublishTimeout,
		ReconnectDelay: a.Config.Transport.ReconnectDelay,
	}
	if locker != nil {
		opts.Locker = locker
		opts.LockKey = a.Config.Scheduler.AdvisoryLockKey
	}
	return publisher.New(sched, source, broker, opts, a.Logger)
}

func (a *App) newConsumer(store storage.MarkStore, sink alerting.Sink, broker transport.Broker) *consumer.Consumer {
	return consumer.New(store, sink, broker, consumer.Options{
		HandleTimeout:   a.Config.Consumer.HandleTimeout,
		RedeliveryDelay: a.Config.Consumer.RedeliveryDelay,
		ReconnectDelay:  a.Config.Transport.ReconnectDelay,
	}, a.Logger)
}

// RunPublisher executes the rate tracker until SIGINT/SIGTERM.
func (a *App) RunPublisher(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source, err := a.newSource()
	if err != nil {
		return err
	}
	broker, err := transport.New(a.Config.Transport, transport.RolePublisher, a.Logger)
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	var locker storage.AdvisoryLocker
	if store != nil {
		defer closeStore()
		locker = store
	}

	return a.finish("rate tracker", a.newPublisher(source, broker, locker).Run(ctx))
}

// RunConsumer executes the mark evaluator until SIGINT/SIGTERM.
func (a *App) RunConsumer(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	broker, err := transport.New(a.Config.Transport, transport.RoleConsumer, a.Logger)
	if err != nil {
		return err
	}

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.finish("mark evaluator", a.newConsumer(store, a.newSink(), broker).Run(ctx))
}

// RunAll executes both services in one process. A failure in either stops both.
func (a *App) RunAll(ctx context.Context, opts RunOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	source, err := a.newSource()
	if err != nil {
		return err
	}

	tcfg := a.Config.Transport
	if opts.Driver != "" {
		tcfg.Driver = opts.Driver
	}

	var pubBroker, subBroker transport.Broker
	if tcfg.Driver == config.DriverMemory {
		shared := transport.NewMemoryBroker(0)
		pubBroker, subBroker = shared, shared.Peer()
	} else {
		if pubBroker, err = transport.New(tcfg, transport.RolePublisher, a.Logger); err != nil {
			return err
		}
		if subBroker, err = transport.New(tcfg, transport.RoleConsumer, a.Logger); err != nil {
			return err
		}
	}

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	return a.finish("pipeline", runPipeline(ctx,
		a.newPublisher(source, pubBroker, store),
		a.newConsumer(store, a.newSink(), subBroker),
	))
}

func runPipeline(ctx context.Context, pub *publisher.Publisher, sub *consumer.Consumer) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sub.Run(gctx) })
	g.Go(func() error { return pub.Run(gctx) })
	return g.Wait()
}

func (a *App) finish(name string, err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msgf("%s terminated with error", name)
		return err
	}
	a.Logger.Info().Msgf("%s stopped", name)
	return nil
}
