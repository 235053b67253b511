// Package amqppub publishes outbox entries to RabbitMQ. It is the queue
// transport for commands and replies: each entry becomes one persistent
// publishing on a topic exchange, routed by the entry's topic.
package amqppub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// Publisher sends messages through a shared connection and a pool of
// channels, since amqp channels are not safe for concurrent use.
type Publisher struct {
	conn     *amqp.Connection
	exchange string
	pool     chan *pooledChannel
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
}

type pooledChannel struct {
	channel     *amqp.Channel
	notifyClose chan *amqp.Error
}

type publisherConfig struct {
	poolSize int
	logger   *slog.Logger
}

func (c publisherConfig) withDefaults() publisherConfig {
	if c.poolSize <= 0 {
		c.poolSize = 10
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherConfig)

// WithPoolSize sets the channel pool size.
func WithPoolSize(n int) PublisherOption {
	return func(c *publisherConfig) { c.poolSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PublisherOption {
	return func(c *publisherConfig) { c.logger = l }
}

// New connects to the broker and declares the durable topic exchange
// all messages go through.
func New(url, exchange string, opts ...PublisherOption) (*Publisher, error) {
	var config publisherConfig
	for _, opt := range opts {
		opt(&config)
	}
	config = config.withDefaults()

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	p := &Publisher{
		conn:     conn,
		exchange: exchange,
		pool:     make(chan *pooledChannel, config.poolSize),
		logger:   config.logger,
	}
	for i := 0; i < config.poolSize; i++ {
		pc, err := p.newChannel()
		if err != nil {
			p.Close()
			return nil, err
		}
		p.pool <- pc
	}
	return p, nil
}

// Publish sends one persistent message. topic is the routing key, key
// travels as the message id header, msgType as the AMQP type field.
func (p *Publisher) Publish(ctx context.Context, topic, key, msgType, payload string, headers map[string]string) error {
	pc, err := p.getChannel()
	if err != nil {
		return err
	}
	defer p.releaseChannel(pc)

	table := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		table[k] = v
	}

	err = pc.channel.Publish(p.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    key,
		Type:         msgType,
		Headers:      table,
		Body:         []byte(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s/%s: %w", p.exchange, topic, err)
	}
	return nil
}

// Close drains the pool and closes the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	close(p.pool)
	for pc := range p.pool {
		pc.channel.Close()
	}
	return p.conn.Close()
}

func (p *Publisher) newChannel() (*pooledChannel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &pooledChannel{
		channel:     ch,
		notifyClose: ch.NotifyClose(make(chan *amqp.Error)),
	}, nil
}

// getChannel takes a live channel from the pool, discarding any that
// closed while pooled, or opens a fresh one when the pool runs dry.
func (p *Publisher) getChannel() (*pooledChannel, error) {
	for {
		select {
		case pc := <-p.pool:
			select {
			case err := <-pc.notifyClose:
				p.logger.Debug("discarding closed channel", slog.Any("error", err))
				continue
			default:
				return pc, nil
			}
		default:
			return p.newChannel()
		}
	}
}

func (p *Publisher) releaseChannel(pc *pooledChannel) {
	select {
	case err := <-pc.notifyClose:
		p.logger.Debug("discarding closed channel", slog.Any("error", err))
		return
	default:
	}
	select {
	case p.pool <- pc:
	default:
		pc.channel.Close()
	}
}
