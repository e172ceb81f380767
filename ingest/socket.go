package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/logger"
	"github.com/paxapos/fiscalberry-sub001/sio"
)

// Socket channel defaults.
const (
	DefaultNamespace = "/paxaprinter"
	EventJoin        = "join"
	EventCommand     = "command"
	UUIDHeader       = "X-Uuid"
)

// SocketConfig configures a SocketChannel.
type SocketConfig struct {
	// URL is the hub base URL.
	URL       string
	Namespace string
	// UUID identifies the device; it is sent in the handshake header and the join event.
	UUID              string
	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	// ReconnectOnServerDisconnect keeps the channel running after the hub
	// disconnects the namespace. By default Run returns ErrServerDisconnect.
	ReconnectOnServerDisconnect bool
}

// SocketChannel receives commands as Socket.IO events and acknowledges each
// one with the dispatch outcome.
type SocketChannel struct {
	cfg        SocketConfig
	dispatcher Dispatcher
	logger     logger.Logger
	reporter   ErrorReporter
	state      *StateMgr
	metrics    ChannelMetrics
	client     *sio.Client

	mu     sync.Mutex
	cancel context.CancelFunc
}

// socketAck is the acknowledgement of a command event.
type socketAck struct {
	Reply *command.Reply `json:"rta,omitempty"`
	Err   string         `json:"err,omitempty"`
}

// NewSocketChannel validates cfg and creates a SocketChannel dispatching to d.
func NewSocketChannel(cfg SocketConfig, d Dispatcher, opts ...ChannelOption) (*SocketChannel, error) {
	if d == nil {
		return nil, fmt.Errorf("%w: socket channel needs a dispatcher", command.ErrConfiguration)
	}
	if cfg.UUID == "" {
		return nil, fmt.Errorf("%w: socket channel needs a device uuid", command.ErrConfiguration)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = sio.DefaultReconnectDelay
	}

	o := newChannelOptions(opts)
	l := o.logger.With("channel", "socket")

	header := http.Header{}
	header.Set(UUIDHeader, cfg.UUID)

	client, err := sio.NewClient(sio.Config{
		URL:               cfg.URL,
		Namespace:         cfg.Namespace,
		Header:            header,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectDelayMax: cfg.ReconnectDelayMax,
	}, sio.WithLogger(l))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", command.ErrConfiguration, err)
	}

	s := &SocketChannel{
		cfg:        cfg,
		dispatcher: d,
		logger:     l,
		reporter:   o.reporter,
		state:      NewStateMgr(l, o.stateHandlers...),
		client:     client,
	}

	client.OnDial(s.onDial)
	client.OnConnect(s.onConnect)
	client.OnDisconnect(s.onDisconnect)
	client.OnReconnecting(s.onReconnecting)
	client.On(EventCommand, s.handleCommand)

	return s, nil
}

// State returns the channel state manager.
func (s *SocketChannel) State() *StateMgr { return s.state }

// Metrics returns the channel counters.
func (s *SocketChannel) Metrics() *ChannelMetrics { return &s.metrics }

// Run serves the hub until ctx is done or Stop is called, returning nil.
// A server-initiated disconnect returns ErrServerDisconnect unless the
// channel is configured to reconnect.
func (s *SocketChannel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	defer cancel()
	defer s.state.ToStopped()

	for {
		err := s.client.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, sio.ErrServerDisconnect) || !s.cfg.ReconnectOnServerDisconnect {
			return err
		}

		s.logger.Warn("hub disconnected the namespace, reconnecting", "retry_in", s.cfg.ReconnectDelay)
		if sleep(ctx, s.cfg.ReconnectDelay) != nil {
			return nil
		}
	}
}

// Stop ends Run.
func (s *SocketChannel) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
}

func (s *SocketChannel) onDial(_ int) {
	s.metrics.incConnAttemptCount()
	if err := s.state.ToConnecting(); err != nil {
		s.logger.Debug("ignored state change", "error", err)
	}
}

func (s *SocketChannel) onConnect(_ context.Context) {
	s.metrics.resetConnRetryGauge()
	if err := s.state.ToConnected(); err != nil {
		s.logger.Debug("ignored state change", "error", err)
	}

	if err := s.client.Emit(EventJoin, s.cfg.UUID); err != nil {
		s.logger.Error("failed to join hub", "uuid", s.cfg.UUID, "error", err)
		return
	}
	s.logger.Info("joined hub", "uuid", s.cfg.UUID)
}

func (s *SocketChannel) onDisconnect(err error) {
	s.logger.Info("disconnected from hub", "error", err)
	if err := s.state.ToReconnecting(); err != nil {
		s.logger.Debug("ignored state change", "error", err)
	}
}

func (s *SocketChannel) onReconnecting(_ int, _ time.Duration) {
	s.metrics.incConnFailCount()
	s.metrics.incConnRetryGauge()
	// already Reconnecting when a connected session ended
	_ = s.state.ToReconnecting()
}

func (s *SocketChannel) handleCommand(ctx context.Context, args []json.RawMessage) []any {
	s.metrics.incReceivedCount()

	if !s.state.IsConnected() {
		s.metrics.incNackCount()
		return []any{socketAck{Err: ErrNotConnected.Error()}}
	}

	reply, err := guard(s.logger, func() (*command.Reply, error) {
		return s.process(ctx, args)
	})
	if err != nil {
		s.metrics.incDispatchErrCount()
		s.metrics.incNackCount()
		s.logger.Error("failed to process socket command", "kind", command.Kind(err), "error", err)
		report(ctx, s.reporter, err, map[string]any{"channel": "socket"})

		return []any{socketAck{Err: err.Error()}}
	}

	s.metrics.incAckCount()

	return []any{socketAck{Reply: reply}}
}

func (s *SocketChannel) process(ctx context.Context, args []json.RawMessage) (*command.Reply, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: command event without payload", command.ErrValidation)
	}

	body := []byte(args[0])
	// some hubs send the payload as a JSON encoded string
	var str string
	if json.Unmarshal(body, &str) == nil {
		body = []byte(str)
	}

	cmd, err := command.Parse(body)
	if err != nil {
		return nil, err
	}

	return s.dispatcher.Dispatch(ctx, cmd)
}
