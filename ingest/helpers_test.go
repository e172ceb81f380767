package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"github.com/paxapos/fiscalberry-sub001/command"
)

const waitTimeout = 2 * time.Second

var testBackoff = Backoff{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}

type dispatchFunc func(ctx context.Context, cmd *command.Command) (*command.Reply, error)

func (f dispatchFunc) Dispatch(ctx context.Context, cmd *command.Command) (*command.Reply, error) {
	return f(ctx, cmd)
}

func okDispatcher() dispatchFunc {
	return func(context.Context, *command.Command) (*command.Reply, error) {
		return &command.Reply{Fields: []string{"00", "00"}}, nil
	}
}

// fakeAcknowledger records how deliveries were settled.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	requeue []bool
}

var _ amqp.Acknowledger = (*fakeAcknowledger)(nil)

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	a.requeue = append(a.requeue, requeue)

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (int, int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.acks), len(a.nacks)
}

func (a *fakeAcknowledger) requeued() []bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return append([]bool(nil), a.requeue...)
}

type declaration struct {
	kind string
	name string
	args []string
}

type publishing struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu           sync.Mutex
	declarations []declaration
	publishes    []publishing
	prefetch     int
	deliveries   chan amqp.Delivery
	publishErr   error
	closed       atomic.Bool
}

func (c *fakeChannel) record(kind, name string, args ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declarations = append(c.declarations, declaration{kind: kind, name: name, args: args})
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.record("exchange", name, kind)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	c.record("queue", name)

	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.record("bind", name, key, exchange)
	return nil
}

func (c *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefetch = prefetchCount

	return nil
}

func (c *fakeChannel) Consume(queue, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto ack is not allowed")
	}
	c.record("consume", queue)

	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.publishes = append(c.publishes, publishing{exchange: exchange, key: key, msg: msg})

	return nil
}

func (c *fakeChannel) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeChannel) published() []publishing {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]publishing(nil), c.publishes...)
}

func (c *fakeChannel) declared() []declaration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]declaration(nil), c.declarations...)
}

type fakeConn struct {
	ch       *fakeChannel
	mu       sync.Mutex
	notify   chan *amqp.Error
	closed   atomic.Bool
	notified chan struct{}
}

func (c *fakeConn) Channel() (AMQPChannel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	c.notify = receiver
	c.mu.Unlock()
	close(c.notified)

	return receiver
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// breakConnection simulates the broker closing the connection.
func (c *fakeConn) breakConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"}
}

// fakeBroker hands out a new connection per dial. The first failDials dials fail.
type fakeBroker struct {
	mu        sync.Mutex
	failDials int
	dials     int
	conns     []*fakeConn
	connCh    chan *fakeConn
}

func newFakeBroker(failDials int) *fakeBroker {
	return &fakeBroker{failDials: failDials, connCh: make(chan *fakeConn, 16)}
}

func (b *fakeBroker) dial(string) (AMQPConnection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dials <= b.failDials {
		return nil, errors.New("connection refused")
	}

	conn := &fakeConn{
		ch:       &fakeChannel{deliveries: make(chan amqp.Delivery, 16)},
		notified: make(chan struct{}),
	}
	b.conns = append(b.conns, conn)
	b.connCh <- conn

	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

// nextConn waits for the next established connection and its consumer.
func (b *fakeBroker) nextConn(t *testing.T) *fakeConn {
	t.Helper()

	select {
	case conn := <-b.connCh:
		select {
		case <-conn.notified:
		case <-time.After(waitTimeout):
			t.Fatal("consumer was not set up")
		}

		return conn
	case <-time.After(waitTimeout):
		t.Fatal("no broker connection")
	}

	return nil
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Body:         []byte(body),
		ContentType:  "application/json",
		RoutingKey:   "dev-1",
	}
}

// stateRecorder collects state transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) handler(_ State, next State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, next)
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]State(nil), r.states...)
}

func requireEventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitTimeout, 5*time.Millisecond, msg)
}
