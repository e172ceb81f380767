// Package siotest provides an in-process Socket.IO hub for tests.
package siotest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/paxapos/fiscalberry-sub001/sio"
)

// ErrTimeout is returned when an expected packet does not arrive in time.
var ErrTimeout = errors.New("siotest: timeout")

// Server is a Socket.IO hub accepting clients on one namespace.
type Server struct {
	*httptest.Server

	Namespace    string
	PingInterval time.Duration
	PingTimeout  time.Duration
	// RejectConnect answers CONNECT with a connect error when set.
	RejectConnect atomic.Bool

	upgrader websocket.Upgrader
	conns    chan *Conn
	sids     atomic.Uint64

	mu  sync.Mutex
	all []*websocket.Conn
}

// NewServer starts a hub for namespace.
func NewServer(namespace string) *Server {
	s := &Server{
		Namespace:    namespace,
		PingInterval: 25 * time.Second,
		PingTimeout:  20 * time.Second,
		conns:        make(chan *Conn, 16),
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))

	return s
}

// Close drops every client and shuts the server down.
func (s *Server) Close() {
	s.mu.Lock()
	for _, ws := range s.all {
		_ = ws.Close()
	}
	s.all = nil
	s.mu.Unlock()

	s.Server.Close()
}

// Accept returns the next client whose namespace connected.
func (s *Server) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("%w: no client connected", ErrTimeout)
	}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.all = append(s.all, ws)
	s.mu.Unlock()

	c := &Conn{
		ns:      s.Namespace,
		ws:      ws,
		header:  r.Header.Clone(),
		packets: make(chan sio.Packet, 64),
		pongs:   make(chan struct{}, 8),
		done:    make(chan struct{}),
	}

	open, _ := json.Marshal(map[string]any{
		"sid":          fmt.Sprintf("sid-%d", s.sids.Add(1)),
		"upgrades":     []string{},
		"pingInterval": s.PingInterval.Milliseconds(),
		"pingTimeout":  s.PingTimeout.Milliseconds(),
		"maxPayload":   1000000,
	})
	if err := c.writeText("0" + string(open)); err != nil {
		_ = ws.Close()
		return
	}

	// wait for the namespace CONNECT
	_, data, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return
	}
	p, err := sio.DecodePacket(strings.TrimPrefix(string(data), "4"))
	if err != nil || p.Type != sio.PacketConnect || p.Namespace != s.Namespace {
		_ = c.writeText("4" + sio.Packet{Type: sio.PacketConnectError, Namespace: p.Namespace, Data: json.RawMessage(`{"message":"Invalid namespace"}`)}.Encode())
		_ = ws.Close()
		return
	}
	c.auth = p.Data

	if s.RejectConnect.Load() {
		_ = c.writeText("4" + sio.Packet{Type: sio.PacketConnectError, Namespace: s.Namespace, Data: json.RawMessage(`{"message":"not authorized"}`)}.Encode())
		_ = ws.Close()
		return
	}

	if err := c.writeText("4" + sio.Packet{Type: sio.PacketConnect, Namespace: s.Namespace, Data: json.RawMessage(`{"sid":"ns"}`)}.Encode()); err != nil {
		_ = ws.Close()
		return
	}

	s.conns <- c
	c.readLoop()
}

// Conn is the server side of one client session.
type Conn struct {
	ns      string
	ws      *websocket.Conn
	header  http.Header
	auth    json.RawMessage
	writeMu sync.Mutex
	nextID  atomic.Uint64
	packets chan sio.Packet
	pongs   chan struct{}
	done    chan struct{}
	once    sync.Once
}

// Header returns the handshake request headers.
func (c *Conn) Header() http.Header { return c.header }

// Auth returns the CONNECT payload.
func (c *Conn) Auth() json.RawMessage { return c.auth }

// Done is closed when the client connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readLoop() {
	defer c.once.Do(func() { close(c.done) })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case '3':
			select {
			case c.pongs <- struct{}{}:
			default:
			}
		case '4':
			p, err := sio.DecodePacket(string(data[1:]))
			if err == nil {
				c.packets <- p
			}
		}
	}
}

func (c *Conn) writeText(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Emit sends event to the client without asking for an acknowledgement.
func (c *Conn) Emit(event string, args ...any) error {
	p, err := sio.EventPacket(c.ns, event, args...)
	if err != nil {
		return err
	}

	return c.writeText("4" + p.Encode())
}

// EmitWithAck sends event asking for an acknowledgement and returns its id.
func (c *Conn) EmitWithAck(event string, args ...any) (uint64, error) {
	p, err := sio.EventPacket(c.ns, event, args...)
	if err != nil {
		return 0, err
	}
	p.HasID, p.ID = true, c.nextID.Add(1)

	return p.ID, c.writeText("4" + p.Encode())
}

// Ack answers a client event that asked for an acknowledgement.
func (c *Conn) Ack(id uint64, args ...any) error {
	p, err := sio.AckPacket(c.ns, id, args...)
	if err != nil {
		return err
	}

	return c.writeText("4" + p.Encode())
}

// ReadPacket returns the next packet sent by the client.
func (c *Conn) ReadPacket(timeout time.Duration) (sio.Packet, error) {
	select {
	case p := <-c.packets:
		return p, nil
	case <-c.done:
		select {
		case p := <-c.packets:
			return p, nil
		default:
		}

		return sio.Packet{}, fmt.Errorf("siotest: connection closed")
	case <-time.After(timeout):
		return sio.Packet{}, fmt.Errorf("%w: no packet", ErrTimeout)
	}
}

// ReadEvent returns the next event sent by the client.
func (c *Conn) ReadEvent(timeout time.Duration) (sio.Packet, string, []json.RawMessage, error) {
	for {
		p, err := c.ReadPacket(timeout)
		if err != nil {
			return p, "", nil, err
		}
		if p.Type != sio.PacketEvent {
			continue
		}
		name, args, err := p.Event()

		return p, name, args, err
	}
}

// ReadAck returns the arguments of the client acknowledgement for id.
func (c *Conn) ReadAck(id uint64, timeout time.Duration) ([]json.RawMessage, error) {
	for {
		p, err := c.ReadPacket(timeout)
		if err != nil {
			return nil, err
		}
		if p.Type == sio.PacketAck && p.HasID && p.ID == id {
			return p.Args()
		}
	}
}

// Ping sends an Engine.IO ping and waits for the pong.
func (c *Conn) Ping(timeout time.Duration) error {
	if err := c.writeText("2"); err != nil {
		return err
	}

	select {
	case <-c.pongs:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: no pong", ErrTimeout)
	}
}

// DisconnectNamespace sends a server-side namespace disconnect.
func (c *Conn) DisconnectNamespace() error {
	return c.writeText("4" + sio.Packet{Type: sio.PacketDisconnect, Namespace: c.ns}.Encode())
}

// Drop closes the transport without any goodbye.
func (c *Conn) Drop() error {
	return c.ws.Close()
}
