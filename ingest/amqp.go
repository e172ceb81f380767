package ingest

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/paxapos/fiscalberry-sub001/command"
)

// Broker connection defaults.
const (
	DefaultAMQPHeartbeat   = 10 * time.Second
	DefaultAMQPDialTimeout = 10 * time.Second
	amqpConnectionName     = "fiscalberry"
)

// AMQPChannel is the subset of *amqp.Channel used by this module.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConnection is the subset of *amqp.Connection used by this module.
type AMQPConnection interface {
	Channel() (AMQPChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// AMQPDialer opens a broker connection.
type AMQPDialer func(url string) (AMQPConnection, error)

var _ AMQPChannel = (*amqp.Channel)(nil)

type amqpConnection struct {
	conn *amqp.Connection
}

// DialAMQP is the default AMQPDialer.
func DialAMQP(url string) (AMQPConnection, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat:  DefaultAMQPHeartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(DefaultAMQPDialTimeout),
		Properties: amqp.Table{"connection_name": amqpConnectionName},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial broker: %w", command.ErrTransport, err)
	}

	return &amqpConnection{conn: conn}, nil
}

func (c *amqpConnection) Channel() (AMQPChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", command.ErrTransport, err)
	}

	return ch, nil
}

func (c *amqpConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *amqpConnection) Close() error {
	return c.conn.Close()
}
