package errpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/ingest"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu         sync.Mutex
	calls      []string
	publishes  []published
	publishErr error
}

func (c *fakeChannel) log(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, fmt.Sprintf(format, args...))
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	c.log("exchange %s %s durable=%v", name, kind, durable)
	return nil
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	c.log("queue %s durable=%v", name, durable)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	c.log("bind %s %s %s", name, key, exchange)
	return nil
}

func (c *fakeChannel) Qos(int, int, bool) error { return nil }

func (c *fakeChannel) Consume(string, string, bool, bool, bool, bool, amqp.Table) (<-chan amqp.Delivery, error) {
	return nil, errors.New("not a consumer")
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.publishes = append(c.publishes, published{exchange: exchange, key: key, msg: msg})

	return nil
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) recorded() ([]string, []published) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.calls...), append([]published(nil), c.publishes...)
}

type fakeConn struct {
	ch     *fakeChannel
	closed bool
}

func (c *fakeConn) Channel() (ingest.AMQPChannel, error) { return c.ch, nil }

func (c *fakeConn) NotifyClose(r chan *amqp.Error) chan *amqp.Error { return r }

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeBroker struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	block   chan struct{} // when set, dials wait for it to close
	conns   []*fakeConn
}

func (b *fakeBroker) dial(string) (ingest.AMQPConnection, error) {
	if b.block != nil {
		<-b.block
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &fakeConn{ch: &fakeChannel{}}
	b.conns = append(b.conns, conn)

	return conn, nil
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

func (b *fakeBroker) conn(i int) *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i >= len(b.conns) {
		return nil
	}

	return b.conns[i]
}

func newTestPublisher(t *testing.T, b *fakeBroker, opts ...Option) *Publisher {
	t.Helper()

	opts = append([]Option{WithDialer(b.dial)}, opts...)
	p, err := New(Config{URL: "amqp://localhost", Tenant: "acme", DeviceUUID: "dev-1"}, opts...)
	require.NoError(t, err)
	p.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	return p
}

// runPublisher runs the publisher loop until the test ends.
func runPublisher(t *testing.T, p *Publisher) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		_ = p.Close()
	})
}

func publishedTo(b *fakeBroker, i int) []published {
	c := b.conn(i)
	if c == nil {
		return nil
	}
	_, pubs := c.ch.recorded()

	return pubs
}

func TestPublisher_Report(t *testing.T) {
	b := &fakeBroker{}
	p := newTestPublisher(t, b)
	runPublisher(t, p)
	assert.Zero(t, b.dialCount(), "connects lazily")

	p.Report(context.Background(), fmt.Errorf("%w: too many NAKs", command.ErrCommunication), map[string]any{"queue": "dev-1"})

	require.Eventually(t, func() bool { return len(publishedTo(b, 0)) == 1 }, time.Second, 5*time.Millisecond)
	calls, pubs := b.conn(0).ch.recorded()
	assert.Equal(t, []string{
		"exchange fiscalberry_errors direct durable=true",
		"queue acme_errors durable=true",
		"bind acme_errors acme fiscalberry_errors",
	}, calls)

	pub := pubs[0]
	assert.Equal(t, Exchange, pub.exchange)
	assert.Equal(t, "acme", pub.key)
	assert.Equal(t, amqp.Persistent, pub.msg.DeliveryMode)
	assert.Equal(t, "application/json", pub.msg.ContentType)

	var msg Message
	require.NoError(t, json.Unmarshal(pub.msg.Body, &msg))
	assert.Equal(t, Message{
		Timestamp:  "2026-03-01T12:00:00Z",
		Tenant:     "acme",
		ErrorType:  TypeCommandExecution,
		Message:    "communication error: too many NAKs",
		DeviceUUID: "dev-1",
		Context:    map[string]any{"queue": "dev-1"},
	}, msg)

	// the connection is reused
	p.Report(context.Background(), command.ErrTransport, nil)
	require.Eventually(t, func() bool { return len(publishedTo(b, 0)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, b.dialCount())
	assert.Equal(t, uint64(2), p.Metrics().PublishCount.Load())
}

func TestPublisher_FailuresAreSwallowed(t *testing.T) {
	b := &fakeBroker{dialErr: errors.New("connection refused")}
	p := newTestPublisher(t, b, WithBackoff(ingest.Backoff{}))
	runPublisher(t, p)

	require.NotPanics(t, func() {
		p.Report(context.Background(), command.ErrTransport, nil)
	})
	require.Eventually(t, func() bool { return p.Metrics().PublishErrCount.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Error(t, p.Publish(context.Background(), TypeProcessing, "boom", nil))
	assert.Equal(t, 2, b.dialCount())
}

func TestPublisher_ReportDoesNotBlockOnHungBroker(t *testing.T) {
	b := &fakeBroker{block: make(chan struct{})}
	p := newTestPublisher(t, b, WithBufferSize(4))
	runPublisher(t, p)
	// registered after runPublisher so it runs first and the loop can exit
	t.Cleanup(func() { close(b.block) })

	start := time.Now()
	for i := 0; i < 20; i++ {
		p.Report(context.Background(), command.ErrTransport, nil)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	// one report is held by the loop, four wait in the buffer
	assert.GreaterOrEqual(t, p.Metrics().DropCount.Load(), uint64(15))
}

func TestPublisher_BacksOffAfterFailure(t *testing.T) {
	b := &fakeBroker{dialErr: errors.New("connection refused")}
	p := newTestPublisher(t, b, WithBackoff(ingest.Backoff{InitialDelay: time.Hour, Multiplier: 2}))
	runPublisher(t, p)

	for i := 0; i < 3; i++ {
		p.Report(context.Background(), command.ErrTransport, nil)
	}
	require.Eventually(t, func() bool { return b.dialCount() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.dialCount(), "no redial during backoff")
	assert.Equal(t, uint64(1), p.Metrics().PublishErrCount.Load())
}

func TestPublisher_ReconnectsAfterPublishFailure(t *testing.T) {
	b := &fakeBroker{}
	p := newTestPublisher(t, b)

	require.NoError(t, p.Publish(context.Background(), TypeProcessing, "first", nil))
	b.conns[0].ch.publishErr = errors.New("channel closed")

	err := p.Publish(context.Background(), TypeProcessing, "second", nil)
	require.ErrorIs(t, err, command.ErrTransport)
	assert.True(t, b.conns[0].closed)

	require.NoError(t, p.Publish(context.Background(), TypeProcessing, "third", nil))
	require.NotNil(t, b.conn(1))
	assert.Len(t, publishedTo(b, 1), 1)
	require.NoError(t, p.Close())
	assert.True(t, b.conns[1].closed)
}

func TestPublisher_Disabled(t *testing.T) {
	b := &fakeBroker{}
	p, err := New(Config{}, WithDialer(b.dial))
	require.NoError(t, err)

	assert.False(t, p.Enabled())
	p.Report(context.Background(), command.ErrTransport, nil)
	require.ErrorIs(t, p.Publish(context.Background(), TypeProcessing, "x", nil), ErrDisabled)
	assert.Zero(t, b.dialCount())
	assert.Zero(t, p.Metrics().DropCount.Load())

	_, err = New(Config{Tenant: "acme"})
	require.ErrorIs(t, err, command.ErrConfiguration)
}

func TestTypeOf(t *testing.T) {
	_, parseErr := command.Parse([]byte(`{"commandNumber": `))
	_, typeErr := command.Parse([]byte(`{"commandNumber": "x"}`))
	_, missingErr := command.Parse([]byte(`{"fields": []}`))

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "syntax", err: parseErr, want: TypeJSONDecode},
		{name: "type", err: typeErr, want: TypeJSONDecode},
		{name: "validation", err: missingErr, want: TypeValidation},
		{name: "translation", err: fmt.Errorf("%w: bad field", command.ErrTranslation), want: TypeTranslator},
		{name: "printer", err: &command.FiscalPrinterError{PrinterErrors: []string{"offline"}}, want: TypePrinter},
		{name: "communication", err: command.ErrCommunication, want: TypeCommandExecution},
		{name: "transport", err: command.ErrTransport, want: TypeCommandExecution},
		{name: "other", err: errors.New("boom"), want: TypeProcessing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TypeOf(tt.err))
		})
	}
}

func TestPublisher_LogsUnpublishedErrors(t *testing.T) {
	warned := make(chan struct{})
	m := logger.NewMockLogger()
	m.On("Warn", "error not published", mock.Anything).Once().Run(func(mock.Arguments) { close(warned) })
	m.AllowAll()

	b := &fakeBroker{dialErr: errors.New("connection refused")}
	p, err := New(Config{URL: "amqp://localhost", Tenant: "acme"}, WithDialer(b.dial), WithLogger(m))
	require.NoError(t, err)
	runPublisher(t, p)

	p.Report(context.Background(), command.ErrTransport, nil)
	select {
	case <-warned:
	case <-time.After(time.Second):
		t.Fatal("unpublished error was not logged")
	}
	m.AssertNotCalled(t, "Info", "error publisher connected", mock.Anything)
}
