// Package rabbitmq feeds service events from an AMQP queue into the event router.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/sync-coordinator/internal/events"
	"github.com/Checker-Finance/sync-coordinator/pkg/model"
)

// EventHandler is satisfied by *events.Router.
type EventHandler interface {
	HandleServiceEvent(ctx context.Context, ev model.ServiceEvent) error
}

// Consumer reads service events from one queue.
type Consumer struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	queue    string
	handler  EventHandler
	logger   *zap.Logger
	done     chan struct{}
	closeOne sync.Once
}

// NewConsumer dials url and opens a channel.
func NewConsumer(url, queue string, handler EventHandler, logger *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	return &Consumer{
		conn:    conn,
		channel: channel,
		queue:   queue,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Start declares the queue and consumes it until ctx ends or Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	if _, err := c.channel.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", c.queue, err)
	}
	if err := c.channel.Qos(16, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	msgs, err := c.channel.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.queue, err)
	}

	c.logger.Info("rabbitmq.consuming", zap.String("queue", c.queue))
	go c.consume(ctx, msgs)
	return nil
}

func (c *Consumer) consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warn("rabbitmq.channel_closed", zap.String("queue", c.queue))
				return
			}
			c.handleDelivery(ctx, msg)
		}
	}
}

type outcome int

const (
	ack outcome = iota
	reject
	requeue
)

func (c *Consumer) handleDelivery(ctx context.Context, msg amqp.Delivery) {
	var err error
	switch c.process(ctx, msg.Body) {
	case ack:
		err = msg.Ack(false)
	case reject:
		err = msg.Reject(false)
	case requeue:
		err = msg.Nack(false, true)
	}
	if err != nil {
		c.logger.Error("rabbitmq.settle_failed", zap.Uint64("delivery_tag", msg.DeliveryTag), zap.Error(err))
	}
}

// process decides how a message is settled: malformed events are dropped, copies of an event
// that is already in flight or already handled are acknowledged, unexpected errors are retried.
func (c *Consumer) process(ctx context.Context, body []byte) outcome {
	var ev model.ServiceEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		c.logger.Error("rabbitmq.decode_failed", zap.Error(err))
		return reject
	}

	err := c.handler.HandleServiceEvent(ctx, ev)
	var ve *model.ValidationError
	switch {
	case err == nil:
		return ack
	case errors.As(err, &ve):
		c.logger.Warn("rabbitmq.invalid_event", zap.String("event_id", ev.EventID), zap.Error(err))
		return reject
	case errors.Is(err, events.ErrDuplicateEvent), errors.Is(err, events.ErrEventInFlight):
		c.logger.Info("rabbitmq.duplicate_event", zap.String("event_id", ev.EventID), zap.Error(err))
		return ack
	default:
		c.logger.Warn("rabbitmq.event_deferred", zap.String("event_id", ev.EventID), zap.Error(err))
		return requeue
	}
}

// Close stops consuming and closes the connection. Safe to call more than once.
func (c *Consumer) Close() error {
	var err error
	c.closeOne.Do(func() {
		close(c.done)
		if c.channel != nil {
			_ = c.channel.Close()
		}
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}
