// Package errpub publishes command failures to a per-tenant error queue
// so they can be monitored remotely.
package errpub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/paxapos/fiscalberry-sub001/command"
	"github.com/paxapos/fiscalberry-sub001/ingest"
	"github.com/paxapos/fiscalberry-sub001/logger"
)

// Exchange is the durable direct exchange receiving every tenant's errors.
const Exchange = "fiscalberry_errors"

const publishTimeout = 5 * time.Second

// DefaultBufferSize is the number of reports waiting for the publisher loop
// before new ones are dropped.
const DefaultBufferSize = 64

// DefaultBackoff spaces redials after a broker failure.
var DefaultBackoff = ingest.Backoff{InitialDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: true}

// Error types carried in the error_type field.
const (
	TypeCommandExecution = "COMMAND_EXECUTION_ERROR"
	TypeTranslator       = "TRANSLATOR_ERROR"
	TypeJSONDecode       = "JSON_DECODE_ERROR"
	TypePrinter          = "PRINTER_ERROR"
	TypeValidation       = "VALIDATION_ERROR"
	TypeProcessing       = "PROCESSING_ERROR"
)

// ErrDisabled is returned by Publish when no tenant is configured.
var ErrDisabled = errors.New("errpub: no tenant configured")

// Config configures a Publisher.
type Config struct {
	// URL is the broker address.
	URL string
	// Tenant selects the <tenant>_errors queue. An empty tenant disables publishing.
	Tenant     string
	DeviceUUID string
}

// Message is the published error document.
type Message struct {
	Timestamp  string         `json:"timestamp"`
	Tenant     string         `json:"tenant"`
	ErrorType  string         `json:"error_type"`
	Message    string         `json:"message"`
	DeviceUUID string         `json:"device_uuid"`
	Context    map[string]any `json:"context"`
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher logger.
func WithLogger(l logger.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithBufferSize sets how many reports may wait for publishing.
func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.bufSize = n
		}
	}
}

// WithBackoff sets the delay between publish attempts after a failure.
func WithBackoff(b ingest.Backoff) Option {
	return func(p *Publisher) {
		p.backoff = b
	}
}

// WithDialer replaces the broker dialer.
func WithDialer(d ingest.AMQPDialer) Option {
	return func(p *Publisher) {
		if d != nil {
			p.dial = d
		}
	}
}

// Metrics holds publisher counters.
type Metrics struct {
	PublishCount    atomic.Uint64
	PublishErrCount atomic.Uint64
	DropCount       atomic.Uint64
}

// Publisher sends error documents to the tenant error queue. Report only
// queues the document; Run publishes queued documents, connecting on first
// use and backing off after a failure. Failures are logged and never
// surface to the reporting channel.
type Publisher struct {
	cfg     Config
	dial    ingest.AMQPDialer
	logger  logger.Logger
	now     func() time.Time
	bufSize int
	backoff ingest.Backoff
	rng     *rand.Rand
	reports chan Message
	metrics Metrics

	mu   sync.Mutex
	conn ingest.AMQPConnection
	ch   ingest.AMQPChannel
}

var _ ingest.ErrorReporter = (*Publisher)(nil)

// New creates a Publisher. No connection is made until the first error.
func New(cfg Config, opts ...Option) (*Publisher, error) {
	if cfg.Tenant != "" && cfg.URL == "" {
		return nil, fmt.Errorf("%w: error publisher needs a broker url", command.ErrConfiguration)
	}
	if cfg.DeviceUUID == "" {
		cfg.DeviceUUID = "unknown"
	}

	p := &Publisher{
		cfg:     cfg,
		dial:    ingest.DialAMQP,
		logger:  logger.GetLogger(),
		now:     time.Now,
		bufSize: DefaultBufferSize,
		backoff: DefaultBackoff,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.reports = make(chan Message, p.bufSize)
	p.logger = p.logger.With("component", "errpub", "tenant", cfg.Tenant)

	return p, nil
}

// Enabled reports whether a tenant is configured.
func (p *Publisher) Enabled() bool { return p.cfg.Tenant != "" }

// Queue returns the tenant error queue name.
func (p *Publisher) Queue() string { return p.cfg.Tenant + "_errors" }

// Metrics returns the publisher counters.
func (p *Publisher) Metrics() *Metrics { return &p.metrics }

// Report queues err, classified by TypeOf, for the publisher loop. It never
// blocks; when the buffer is full the report is dropped and logged.
func (p *Publisher) Report(_ context.Context, err error, details map[string]any) {
	if err == nil || !p.Enabled() {
		return
	}

	select {
	case p.reports <- p.message(TypeOf(err), err.Error(), details):
	default:
		p.metrics.DropCount.Add(1)
		p.logger.Warn("error report dropped, buffer full", "error_type", TypeOf(err), "error", err)
	}
}

// Run publishes queued reports until ctx is done. After a failed publish
// the next attempt waits for the backoff delay; reports arriving meanwhile
// stay queued or are dropped by Report.
func (p *Publisher) Run(ctx context.Context) error {
	if !p.Enabled() {
		<-ctx.Done()
		return nil
	}

	failures := 0
	for {
		var msg Message
		select {
		case <-ctx.Done():
			return nil
		case msg = <-p.reports:
		}

		if err := p.publish(ctx, msg); err != nil {
			failures++
			p.metrics.PublishErrCount.Add(1)
			delay := p.backoff.Delay(failures, p.rng)
			p.logger.Warn("error not published", "error_type", msg.ErrorType, "retry_in", delay, "error", err)

			if !wait(ctx, delay) {
				return nil
			}

			continue
		}
		failures = 0
	}
}

// Publish sends one error document synchronously.
func (p *Publisher) Publish(ctx context.Context, errorType, message string, details map[string]any) error {
	if !p.Enabled() {
		return ErrDisabled
	}

	return p.publish(ctx, p.message(errorType, message, details))
}

func (p *Publisher) message(errorType, message string, details map[string]any) Message {
	if details == nil {
		details = map[string]any{}
	}

	return Message{
		Timestamp:  p.now().Format(time.RFC3339Nano),
		Tenant:     p.cfg.Tenant,
		ErrorType:  errorType,
		Message:    message,
		DeviceUUID: p.cfg.DeviceUUID,
		Context:    details,
	}
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("errpub: encode message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	err = p.ch.PublishWithContext(ctx, Exchange, p.cfg.Tenant, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.now(),
		Body:         body,
	})
	if err != nil {
		p.closeLocked()
		return fmt.Errorf("%w: publish error document: %w", command.ErrTransport, err)
	}
	p.metrics.PublishCount.Add(1)
	p.logger.Debug("error published", "error_type", msg.ErrorType, "queue", p.Queue())

	return nil
}

// Close releases the broker connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeLocked()

	return nil
}

func (p *Publisher) connectLocked() error {
	if p.ch != nil {
		return nil
	}

	conn, err := p.dial(p.cfg.URL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	queue := p.Queue()
	if err := declare(ch, queue, p.cfg.Tenant); err != nil {
		_ = ch.Close()
		_ = conn.Close()

		return err
	}

	p.conn, p.ch = conn, ch
	p.logger.Info("error publisher connected", "exchange", Exchange, "queue", queue)

	return nil
}

func declare(ch ingest.AMQPChannel, queue, key string) error {
	if err := ch.ExchangeDeclare(Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare exchange %s: %w", command.ErrTransport, Exchange, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("%w: declare queue %s: %w", command.ErrTransport, queue, err)
	}
	if err := ch.QueueBind(queue, key, Exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind queue %s: %w", command.ErrTransport, queue, err)
	}

	return nil
}

func (p *Publisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// wait sleeps for d and reports false when ctx ended first.
func wait(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// TypeOf classifies err into one of the published error types.
func TypeOf(err error) string {
	var (
		syntaxErr *json.SyntaxError
		typeErr   *json.UnmarshalTypeError
	)

	switch {
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return TypeJSONDecode
	case errors.Is(err, command.ErrValidation):
		return TypeValidation
	case errors.Is(err, command.ErrTranslation):
		return TypeTranslator
	case errors.Is(err, command.ErrFiscalPrinter):
		return TypePrinter
	case errors.Is(err, command.ErrCommunication), errors.Is(err, command.ErrTransport):
		return TypeCommandExecution
	default:
		return TypeProcessing
	}
}
