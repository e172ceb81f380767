package sio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/paxapos/fiscalberry-sub001/logger"
)

var (
	// ErrServerDisconnect is returned by Run when the server disconnects the namespace.
	ErrServerDisconnect = errors.New("sio: server disconnected the namespace")
	// ErrConnectRefused is returned when the server answers CONNECT with an error.
	ErrConnectRefused = errors.New("sio: namespace connect refused")
	// ErrNotConnected is returned by Emit while the namespace is not connected.
	ErrNotConnected = errors.New("sio: not connected")
	// ErrTransportClosed is reported when the Engine.IO transport closes.
	ErrTransportClosed = errors.New("sio: transport closed")
)

// Defaults.
const (
	DefaultPath              = "/socket.io/"
	DefaultReconnectDelay    = 2 * time.Second
	DefaultReconnectDelayMax = 15 * time.Second
	DefaultDialTimeout       = 10 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultPingInterval      = 25 * time.Second
	defaultPingTimeout       = 20 * time.Second
	eventQueueSize           = 16
)

// Config configures a Client.
type Config struct {
	// URL is the hub base URL (http, https, ws or wss).
	URL string
	// Path is the Engine.IO endpoint path, DefaultPath when empty.
	Path string
	// Namespace is the Socket.IO namespace, "/" when empty.
	Namespace string
	// Header is sent with the websocket handshake.
	Header http.Header
	// Auth is the optional CONNECT payload.
	Auth any

	ReconnectDelay    time.Duration
	ReconnectDelayMax time.Duration
	// MaxReconnects bounds consecutive reconnect attempts; 0 is unlimited.
	MaxReconnects int
	DialTimeout   time.Duration
}

// EventHandler handles one event. The returned values, when not nil, are
// sent as the acknowledgement if the server asked for one.
type EventHandler func(ctx context.Context, args []json.RawMessage) []any

// Client is a Socket.IO client bound to one namespace.
type Client struct {
	cfg    Config
	wsURL  string
	dialer *websocket.Dialer
	logger logger.Logger

	handlers *xsync.MapOf[string, EventHandler]
	acks     *xsync.MapOf[uint64, chan []json.RawMessage]
	nextID   atomic.Uint64

	connMu    sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool

	hookMu         sync.RWMutex
	onConnect      func(ctx context.Context)
	onDisconnect   func(err error)
	onReconnecting func(attempt int, delay time.Duration)
	onDial         func(attempt int)
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// NewClient validates cfg and creates a Client. No connection is made until Run.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "/"
	}
	if !strings.HasPrefix(cfg.Namespace, "/") {
		cfg.Namespace = "/" + cfg.Namespace
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReconnectDelayMax < cfg.ReconnectDelay {
		cfg.ReconnectDelayMax = max(DefaultReconnectDelayMax, cfg.ReconnectDelay)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.MaxReconnects < 0 {
		return nil, fmt.Errorf("sio: invalid max reconnects %d", cfg.MaxReconnects)
	}

	wsURL, err := websocketURL(cfg.URL, cfg.Path)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		wsURL:    wsURL,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout, Proxy: http.ProxyFromEnvironment},
		logger:   logger.GetLogger(),
		handlers: xsync.NewMapOf[string, EventHandler](),
		acks:     xsync.NewMapOf[uint64, chan []json.RawMessage](),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("namespace", cfg.Namespace)

	return c, nil
}

func websocketURL(raw, path string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("sio: invalid url %q", raw)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("sio: unsupported url scheme %q", u.Scheme)
	}

	u.Path = "/" + strings.Trim(path, "/") + "/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// On registers the handler of event, replacing any previous one.
func (c *Client) On(event string, h EventHandler) {
	c.handlers.Store(event, h)
}

// OnConnect sets the hook invoked every time the namespace connects.
// It runs on the event goroutine, before any event of that session.
func (c *Client) OnConnect(fn func(ctx context.Context)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onConnect = fn
}

// OnDisconnect sets the hook invoked when a connected session ends.
func (c *Client) OnDisconnect(fn func(err error)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onDisconnect = fn
}

// OnReconnecting sets the hook invoked before every reconnect delay.
func (c *Client) OnReconnecting(fn func(attempt int, delay time.Duration)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onReconnecting = fn
}

// OnDial sets the hook invoked before every dial; attempt is 0 for the first one.
func (c *Client) OnDial(fn func(attempt int)) {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	c.onDial = fn
}

// Connected reports whether the namespace is connected.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run connects and serves events until ctx is done, MaxReconnects is
// exceeded or the server disconnects the namespace.
func (c *Client) Run(ctx context.Context) error {
	attempt := 0
	for {
		c.hookMu.RLock()
		dialHook := c.onDial
		c.hookMu.RUnlock()
		if dialHook != nil {
			dialHook(attempt)
		}

		wasConnected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrServerDisconnect) {
			c.logger.Warn("server disconnected the namespace")
			return err
		}
		if wasConnected {
			attempt = 0
		}

		attempt++
		if c.cfg.MaxReconnects > 0 && attempt > c.cfg.MaxReconnects {
			return fmt.Errorf("sio: giving up after %d reconnect attempts: %w", c.cfg.MaxReconnects, err)
		}

		delay := c.reconnectDelay(attempt)
		c.logger.Warn("socket connection lost, reconnecting", "error", err, "attempt", attempt, "delay", delay)

		c.hookMu.RLock()
		hook := c.onReconnecting
		c.hookMu.RUnlock()
		if hook != nil {
			hook(attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (c *Client) reconnectDelay(attempt int) time.Duration {
	delay := c.cfg.ReconnectDelay
	for i := 1; i < attempt && delay < c.cfg.ReconnectDelayMax; i++ {
		delay *= 2
	}

	return min(delay, c.cfg.ReconnectDelayMax)
}

// Emit sends event with args.
func (c *Client) Emit(event string, args ...any) error {
	p, err := EventPacket(c.cfg.Namespace, event, args...)
	if err != nil {
		return err
	}

	return c.writePacket(p)
}

// EmitWithAck sends event and waits for the server acknowledgement.
func (c *Client) EmitWithAck(ctx context.Context, event string, args ...any) ([]json.RawMessage, error) {
	p, err := EventPacket(c.cfg.Namespace, event, args...)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	ch := make(chan []json.RawMessage, 1)
	c.acks.Store(id, ch)
	defer c.acks.Delete(id)

	p.HasID, p.ID = true, id
	if err := c.writePacket(p); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case args, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}

		return args, nil
	}
}

func (c *Client) writePacket(p Packet) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	return c.writeText(string(engineMessage) + p.Encode())
}

func (c *Client) writeText(msg string) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	_ = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return fmt.Errorf("sio: write: %w", err)
	}

	return nil
}

// session runs one transport connection. It reports whether the namespace
// got connected and the error that ended the session.
func (c *Client) session(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	hs, err := c.readHandshake(conn)
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets := make(chan Packet, eventQueueSize)
	errc := make(chan error, 1)
	go c.readLoop(sessCtx, conn, hs, packets, errc)

	defer c.teardown(conn)

	connect := Packet{Type: PacketConnect, Namespace: c.cfg.Namespace}
	if c.cfg.Auth != nil {
		data, err := json.Marshal(c.cfg.Auth)
		if err != nil {
			return false, fmt.Errorf("sio: encode auth: %w", err)
		}
		connect.Data = data
	}
	if err := c.writeText(string(engineMessage) + connect.Encode()); err != nil {
		return false, err
	}

	connected := false
	defer func() {
		if connected {
			c.hookMu.RLock()
			hook := c.onDisconnect
			c.hookMu.RUnlock()
			if hook != nil {
				hook(err)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if connected {
				_ = c.writeText(string(engineMessage) + Packet{Type: PacketDisconnect, Namespace: c.cfg.Namespace}.Encode())
			}
			err = ctx.Err()

			return connected, err

		case err = <-errc:
			return connected, err

		case p := <-packets:
			switch p.Type {
			case PacketConnect:
				connected = true
				c.connected.Store(true)
				c.logger.Info("socket namespace connected", "sid", hs.SID)

				c.hookMu.RLock()
				hook := c.onConnect
				c.hookMu.RUnlock()
				if hook != nil {
					hook(sessCtx)
				}

			case PacketConnectError:
				err = fmt.Errorf("%w: %s", ErrConnectRefused, string(p.Data))
				return connected, err

			case PacketDisconnect:
				err = ErrServerDisconnect
				return connected, err

			case PacketEvent:
				c.handleEvent(sessCtx, p)
			}
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.wsURL, c.cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("sio: dial %s: %w", c.wsURL, err)
	}

	return conn, nil
}

func (c *Client) readHandshake(conn *websocket.Conn) (handshake, error) {
	var hs handshake

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.DialTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return hs, fmt.Errorf("sio: read open packet: %w", err)
	}
	if len(data) == 0 || data[0] != engineOpen {
		return hs, fmt.Errorf("sio: expected open packet, got %q", data)
	}
	if err := json.Unmarshal(data[1:], &hs); err != nil {
		return hs, fmt.Errorf("sio: decode open packet: %w", err)
	}

	return hs, nil
}

// readLoop reads transport messages. Pings and acks are handled here so a
// slow event handler never starves the heartbeat.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, hs handshake, packets chan<- Packet, errc chan<- error) {
	interval := time.Duration(hs.PingInterval) * time.Millisecond
	if interval <= 0 {
		interval = defaultPingInterval
	}
	timeout := time.Duration(hs.PingTimeout) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}

	fail := func(err error) {
		select {
		case errc <- err:
		default:
		}
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(interval + timeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			fail(fmt.Errorf("sio: read: %w", err))
			return
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case enginePing:
			if err := c.writeText(string(enginePong)); err != nil {
				fail(err)
				return
			}

		case engineClose:
			fail(ErrTransportClosed)
			return

		case engineMessage:
			p, err := DecodePacket(string(data[1:]))
			if err != nil {
				c.logger.Warn("dropping socket packet", "error", err)
				continue
			}
			if p.Namespace != c.cfg.Namespace {
				continue
			}

			if p.Type == PacketAck {
				c.resolveAck(p)
				continue
			}

			select {
			case packets <- p:
			case <-ctx.Done():
				return
			}

			// the session ends on these; stop reading so the packet wins over the close
			if p.Type == PacketDisconnect || p.Type == PacketConnectError {
				return
			}
		}
	}
}

func (c *Client) resolveAck(p Packet) {
	if !p.HasID {
		return
	}

	ch, ok := c.acks.LoadAndDelete(p.ID)
	if !ok {
		c.logger.Debug("ack for unknown id", "id", p.ID)
		return
	}

	args, err := p.Args()
	if err != nil {
		c.logger.Warn("invalid ack payload", "id", p.ID, "error", err)
	}
	ch <- args
}

func (c *Client) handleEvent(ctx context.Context, p Packet) {
	name, args, err := p.Event()
	if err != nil {
		c.logger.Warn("dropping socket event", "error", err)
		return
	}

	h, ok := c.handlers.Load(name)
	if !ok {
		c.logger.Debug("no handler for socket event", "event", name)
		return
	}

	reply := h(ctx, args)
	if !p.HasID {
		return
	}

	ack, err := AckPacket(c.cfg.Namespace, p.ID, reply...)
	if err != nil {
		c.logger.Error("failed to encode ack", "event", name, "error", err)
		return
	}
	if err := c.writePacket(ack); err != nil {
		c.logger.Warn("failed to send ack", "event", name, "error", err)
	}
}

// teardown closes the transport and fails pending acks.
func (c *Client) teardown(conn *websocket.Conn) {
	c.connected.Store(false)

	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()

	c.acks.Range(func(id uint64, ch chan []json.RawMessage) bool {
		if _, ok := c.acks.LoadAndDelete(id); ok {
			close(ch)
		}
		return true
	})
}
