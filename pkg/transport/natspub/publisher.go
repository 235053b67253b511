// Package natspub publishes outbox entries to NATS JetStream. It is the
// stream transport for domain events: durable subjects under a single
// stream, with the outbox key doubling as the JetStream message id for
// broker-side dedup.
package natspub

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Config holds configuration for the stream publisher.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the JetStream stream events are published into.
	StreamName string

	// StreamSubjects are the subjects the stream captures.
	StreamSubjects []string

	// MaxAge is how long the stream retains events.
	MaxAge time.Duration

	// MaxBytes is the maximum bytes the stream can store.
	MaxBytes int64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:            nats.DefaultURL,
		StreamName:     "EVENTS",
		StreamSubjects: []string{"events.>"},
		MaxAge:         7 * 24 * time.Hour,
		MaxBytes:       1024 * 1024 * 1024, // 1 GB
	}
}

// Publisher publishes to a JetStream stream it ensures on startup.
type Publisher struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	streamName string
}

// New connects to NATS and creates or updates the stream.
func New(config Config) (*Publisher, error) {
	nc, err := nats.Connect(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	p := &Publisher{nc: nc, js: js, streamName: config.StreamName}
	if err := p.ensureStream(config); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return p, nil
}

func (p *Publisher) ensureStream(config Config) error {
	streamConfig := &nats.StreamConfig{
		Name:      config.StreamName,
		Subjects:  config.StreamSubjects,
		Retention: nats.LimitsPolicy,
		MaxAge:    config.MaxAge,
		MaxBytes:  config.MaxBytes,
		Storage:   nats.FileStorage,
		Replicas:  1,
	}

	stream, err := p.js.StreamInfo(config.StreamName)
	if err != nil {
		if _, err := p.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}

	if stream.Config.MaxAge != config.MaxAge || stream.Config.MaxBytes != config.MaxBytes {
		if _, err := p.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("failed to update stream: %w", err)
		}
	}
	return nil
}

// Publish publishes one message to the stream. key becomes the
// JetStream message id, so redeliveries of the same outbox entry are
// deduplicated broker-side within the dedup window.
func (p *Publisher) Publish(ctx context.Context, topic, key, msgType, payload string, headers map[string]string) error {
	msg := nats.NewMsg(topic)
	msg.Data = []byte(payload)
	msg.Header.Set("type", msgType)
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if key != "" {
		opts = append(opts, nats.MsgId(key))
	}
	if _, err := p.js.PublishMsg(msg, opts...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() error {
	return p.nc.Drain()
}
