// Package app wires the configured printers, ingestion channels and side
// services together and runs them until the process is asked to stop.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/paxapos/fiscalberry-sub001/config"
	"github.com/paxapos/fiscalberry-sub001/discover"
	"github.com/paxapos/fiscalberry-sub001/driver"
	"github.com/paxapos/fiscalberry-sub001/errpub"
	"github.com/paxapos/fiscalberry-sub001/ingest"
	"github.com/paxapos/fiscalberry-sub001/internal/task"
	"github.com/paxapos/fiscalberry-sub001/logger"
	"github.com/paxapos/fiscalberry-sub001/router"
	"github.com/paxapos/fiscalberry-sub001/translator"
)

// Option customizes an App.
type Option func(*options)

type options struct {
	logger      logger.Logger
	driverOpts  []driver.Option
	amqpDialer  ingest.AMQPDialer
	discoverOpt []discover.Option
	portLister  func() ([]string, error)
}

// WithLogger sets the application logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDriverOptions appends options used to construct every driver.
func WithDriverOptions(opts ...driver.Option) Option {
	return func(o *options) { o.driverOpts = append(o.driverOpts, opts...) }
}

// WithAMQPDialer replaces the broker dialer of the queue channel and the error publisher.
func WithAMQPDialer(d ingest.AMQPDialer) Option {
	return func(o *options) { o.amqpDialer = d }
}

// WithDiscoverOptions appends options of the discover client.
func WithDiscoverOptions(opts ...discover.Option) Option {
	return func(o *options) { o.discoverOpt = append(o.discoverOpt, opts...) }
}

// WithPortLister replaces the serial port enumeration reported by discover.
func WithPortLister(fn func() ([]string, error)) Option {
	return func(o *options) { o.portLister = fn }
}

// App is the runtime context of the process. It owns every component built
// from the configuration; nothing is shared through package state besides
// the default logger.
type App struct {
	cfg    *config.Config
	logger logger.Logger
	ports  func() ([]string, error)

	hub      *router.Hub
	queue    *ingest.QueueChannel
	socket   *ingest.SocketChannel
	reporter *errpub.Publisher
	discover *discover.Discoverer

	mu      sync.Mutex
	running bool
}

// New builds the application from cfg. No device or network is touched
// until Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{logger: logger.GetLogger(), portLister: driver.ListSerialPorts}
	for _, opt := range opts {
		opt(o)
	}

	a := &App{cfg: cfg, logger: o.logger, ports: o.portLister}

	hub, err := buildHub(cfg, o)
	if err != nil {
		return nil, err
	}
	a.hub = hub

	var pubOpts []errpub.Option
	if o.amqpDialer != nil {
		pubOpts = append(pubOpts, errpub.WithDialer(o.amqpDialer))
	}
	a.reporter, err = errpub.New(errpub.Config{
		URL:        cfg.Queue.URL,
		Tenant:     cfg.Tenant,
		DeviceUUID: cfg.UUID,
	}, append(pubOpts, errpub.WithLogger(o.logger))...)
	if err != nil {
		return nil, err
	}

	chOpts := []ingest.ChannelOption{
		ingest.WithLogger(o.logger),
		ingest.WithStateHandler(a.logStateChange),
	}
	if a.reporter.Enabled() {
		chOpts = append(chOpts, ingest.WithErrorReporter(a.reporter))
	}
	if o.amqpDialer != nil {
		chOpts = append(chOpts, ingest.WithAMQPDialer(o.amqpDialer))
	}

	if cfg.QueueEnabled() {
		a.queue, err = ingest.NewQueueChannel(ingest.QueueConfig{
			URL:             cfg.Queue.URL,
			Exchange:        cfg.Queue.Exchange,
			Queue:           cfg.UUID,
			RoutingKey:      cfg.UUID,
			Prefetch:        cfg.Queue.Prefetch,
			MaxRedeliveries: cfg.Queue.MaxRedeliveries,
			Backoff: ingest.Backoff{
				InitialDelay: cfg.Queue.Backoff.Initial,
				MaxDelay:     cfg.Queue.Backoff.Max,
				Multiplier:   cfg.Queue.Backoff.Multiplier,
				Jitter:       cfg.Queue.Backoff.Jitter,
			},
		}, hub, chOpts...)
		if err != nil {
			return nil, err
		}
	}

	if cfg.SocketEnabled() {
		a.socket, err = ingest.NewSocketChannel(ingest.SocketConfig{
			URL:                         cfg.Socket.Host,
			Namespace:                   cfg.Socket.Namespace,
			UUID:                        cfg.UUID,
			ReconnectDelay:              cfg.Socket.ReconnectDelay,
			ReconnectDelayMax:           cfg.Socket.ReconnectDelayMax,
			ReconnectOnServerDisconnect: cfg.Socket.ReconnectOnServerDisconnect,
		}, hub, chOpts...)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Discover {
		a.discover, err = discover.New(cfg.Socket.Host, cfg.UUID, append(o.discoverOpt, discover.WithLogger(o.logger))...)
		if err != nil {
			return nil, err
		}
	}

	return a, nil
}

func buildHub(cfg *config.Config, o *options) (*router.Hub, error) {
	hub := router.NewHub(cfg.DefaultPrinter)
	for _, p := range cfg.Printers {
		r, err := router.New(router.Config{
			Name:       p.Name,
			Translator: translator.Variant(p.Translator),
			Driver:     driver.Config{Variant: driver.Variant(p.Driver), Params: driver.Params(p.Params)},
		}, router.WithLogger(o.logger), router.WithDriverOptions(o.driverOpts...))
		if err != nil {
			_ = hub.Close()
			return nil, err
		}
		if err := hub.Add(r); err != nil {
			_ = r.Close()
			_ = hub.Close()

			return nil, err
		}
	}

	return hub, nil
}

// Hub returns the printer hub.
func (a *App) Hub() *router.Hub { return a.hub }

// Queue returns the queue channel, or nil when disabled.
func (a *App) Queue() *ingest.QueueChannel { return a.queue }

// Socket returns the socket channel, or nil when disabled.
func (a *App) Socket() *ingest.SocketChannel { return a.socket }

// Run starts the printers and the enabled channels and blocks until ctx is
// done or a channel ends with an error. Printer start failures are logged
// and the channels still run, so later commands report the device error.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("app: already running")
	}
	a.running = true
	a.mu.Unlock()

	defer a.shutdown()

	if err := a.hub.Start(ctx); err != nil {
		a.logger.Warn("some printers failed to start", "error", err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	tasks := task.NewManager(ctx, a.logger)
	stopOnError := func(name string) task.ExitFunc {
		return func(err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				cancel(fmt.Errorf("%s channel: %w", name, err))
			}
		}
	}

	if a.reporter.Enabled() {
		_ = tasks.Run("errpub", a.reporter.Run, nil)
	}
	if a.queue != nil {
		if err := tasks.Run("queue", a.queue.Run, stopOnError("queue")); err != nil {
			return err
		}
	}
	if a.socket != nil {
		if err := tasks.Run("socket", a.socket.Run, stopOnError("socket")); err != nil {
			tasks.Stop()
			tasks.Wait()

			return err
		}
	}
	if a.discover != nil {
		_ = tasks.Run("discover", a.register, nil)
	}
	if interval := a.cfg.Log.StatsInterval; interval > 0 {
		_ = tasks.Interval("stats", func(context.Context) bool {
			a.logStats()
			return true
		}, interval, false)
	}

	a.logger.Info("fiscalberry running",
		"uuid", a.cfg.UUID,
		"printers", a.hub.Names(),
		"queue", a.queue != nil,
		"socket", a.socket != nil,
	)

	<-ctx.Done()
	tasks.Stop()
	tasks.Wait()

	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}

	return nil
}

func (a *App) shutdown() {
	if err := a.hub.Close(); err != nil {
		a.logger.Error("failed to close printers", "error", err)
	}
	if err := a.reporter.Close(); err != nil {
		a.logger.Error("failed to close error publisher", "error", err)
	}
	a.logger.Info("fiscalberry stopped")
}

// register posts the device description to the hub once.
func (a *App) register(ctx context.Context) error {
	if _, err := a.discover.Send(ctx, a.Describe()); err != nil {
		// registration never stops the process
		a.logger.Warn("discover failed", "error", err)
	}

	return nil
}

// Description is the device description sent to discover.
type Description struct {
	UUID              string                 `json:"uuid"`
	Tenant            string                 `json:"tenant,omitempty"`
	DefaultPrinter    string                 `json:"default_printer"`
	Printers          []config.PrinterConfig `json:"printers"`
	InstalledPrinters []string               `json:"installed_printers"`
}

// Describe returns the device description.
func (a *App) Describe() Description {
	d := Description{
		UUID:           a.cfg.UUID,
		Tenant:         a.cfg.Tenant,
		DefaultPrinter: a.cfg.DefaultPrinter,
		Printers:       a.cfg.Printers,
	}

	ports, err := a.ports()
	if err != nil {
		a.logger.Debug("cannot list serial ports", "error", err)
	}
	d.InstalledPrinters = ports
	if d.InstalledPrinters == nil {
		d.InstalledPrinters = []string{}
	}

	return d
}

func (a *App) logStateChange(prev ingest.State, next ingest.State) {
	a.logger.Info("channel state changed", "prev", prev.String(), "state", next.String())
}

func (a *App) logStats() {
	for _, name := range a.hub.Names() {
		r, _ := a.hub.Get(name)
		m := r.Metrics()
		a.logger.Info("printer stats",
			"printer", name,
			"dispatch", m.DispatchCount.Load(),
			"dispatch_err", m.DispatchErrCount.Load(),
			"calls", m.CallCount.Load(),
			"reconnects", m.ReconnectCount.Load(),
		)
	}

	if a.queue != nil {
		a.logChannelStats("queue", a.queue.Metrics())
	}
	if a.socket != nil {
		a.logChannelStats("socket", a.socket.Metrics())
	}
	if a.reporter.Enabled() {
		m := a.reporter.Metrics()
		a.logger.Info("error publisher stats",
			"published", m.PublishCount.Load(),
			"publish_err", m.PublishErrCount.Load(),
			"dropped", m.DropCount.Load(),
		)
	}
}

func (a *App) logChannelStats(name string, m *ingest.ChannelMetrics) {
	a.logger.Info("channel stats",
		"channel", name,
		"received", m.ReceivedCount.Load(),
		"ack", m.AckCount.Load(),
		"nack", m.NackCount.Load(),
		"dead_letter", m.DeadLetterCount.Load(),
		"conn_fail", m.ConnFailCount.Load(),
	)
}
