/*
Package feed consumes bulk points adjustment batches from RabbitMQ.

PURPOSE:
  The upstream platform publishes revenue snapshots as JSON batches:

    {"batch_id": "2026-08-29", "rows": [
        {"external_id": "ks-1001", "amount": 350.5},
        {"external_id": "ks-1002", "amount": 120}
    ]}

  Each message is decoded and handed to the engine's bulk adjustment
  path. Amounts are decoded as json.Number and forwarded as strings so
  the engine can parse them into decimals without a float64 round trip.

DELIVERY SEMANTICS:
  - Malformed payloads are nacked without requeue; redelivery cannot fix
    them.
  - A decoded batch is always acked: per-row failures are the engine's
    result, not a delivery failure, and redelivering the batch would
    re-apply overwrites.
  - The connection is re-established with backoff when the broker drops
    it.

SEE ALSO:
  - engine/adjust.go: what happens to each row
*/
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/warp/redemption-engine/engine"
)

const (
	reconnectDelay       = 5 * time.Second
	maxReconnectAttempts = 10
	batchTimeout         = 60 * time.Second
)

// Adjuster is the slice of the engine the consumer needs.
type Adjuster interface {
	ApplyTransactions(ctx context.Context, rows []engine.AdjustmentRow) engine.AdjustmentResult
}

// Config holds the broker settings for the adjustment feed.
type Config struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

type Consumer struct {
	cfg      Config
	log      *logrus.Logger
	adjuster Adjuster

	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// New connects to the broker and declares the durable feed queue.
func New(cfg Config, log *logrus.Logger, adjuster Adjuster) (*Consumer, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = cfg.Workers
	}

	c := &Consumer{cfg: cfg, log: log, adjuster: adjuster}
	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return c, nil
}

func (c *Consumer) connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("failed to dial RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.channel = ch
	c.mu.Unlock()

	c.log.WithField("queue", c.cfg.Queue).Info("connected to RabbitMQ")
	return nil
}

// Start consumes until ctx is cancelled, reconnecting on broker failures.
func (c *Consumer) Start(ctx context.Context) error {
	for {
		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.WithError(err).Error("feed consumer stopped, reconnecting")
			if err := c.reconnect(ctx); err != nil {
				return err
			}
			continue
		}
		return nil
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	c.mu.RLock()
	channel := c.channel
	c.mu.RUnlock()

	if channel == nil {
		return fmt.Errorf("channel is not initialized")
	}

	msgs, err := channel.Consume(
		c.cfg.Queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.log.WithField("workers", c.cfg.Workers).Info("starting feed workers")

	done := make(chan struct{})
	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, msgs, i, done)
	}

	select {
	case <-ctx.Done():
	case <-done:
	}
	c.wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("delivery channel closed")
}

func (c *Consumer) reconnect(ctx context.Context) error {
	c.closeConnection()

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		c.log.WithField("attempt", attempt).Info("attempting to reconnect to RabbitMQ")

		if err := c.connect(); err == nil {
			return nil
		}

		delay := reconnectDelay * time.Duration(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
	return fmt.Errorf("max reconnection attempts reached")
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, workerID int, done chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				select {
				case done <- struct{}{}:
				default:
				}
				return
			}
			c.processMessage(ctx, msg, workerID)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg amqp.Delivery, workerID int) {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	batch, err := decodeBatch(msg.Body)
	if err != nil {
		c.log.WithFields(logrus.Fields{
			"worker_id": workerID,
			"error":     err,
		}).Error("failed to decode feed message")
		// Redelivery cannot fix a malformed payload.
		_ = msg.Nack(false, false)
		return
	}

	result := c.adjuster.ApplyTransactions(ctx, batch.rows())

	c.log.WithFields(logrus.Fields{
		"worker_id": workerID,
		"batch_id":  batch.BatchID,
		"total":     result.Total,
		"updated":   result.UpdatedCount,
		"not_found": result.NotFoundCount,
		"errors":    len(result.ErrorRecords),
	}).Info("feed batch applied")

	if err := msg.Ack(false); err != nil {
		c.log.WithError(err).Warn("failed to ack feed message")
	}
}

func (c *Consumer) closeConnection() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close tears down the broker connection.
func (c *Consumer) Close() {
	c.closeConnection()
	c.wg.Wait()
	c.log.Info("feed consumer closed")
}

// =============================================================================
// MESSAGE FORMAT
// =============================================================================

type batchMessage struct {
	BatchID string    `json:"batch_id"`
	Rows    []feedRow `json:"rows"`
}

type feedRow struct {
	ExternalID string      `json:"external_id"`
	Amount     json.Number `json:"amount"`
}

func decodeBatch(body []byte) (batchMessage, error) {
	var batch batchMessage
	if err := json.Unmarshal(body, &batch); err != nil {
		return batchMessage{}, fmt.Errorf("unmarshal batch: %w", err)
	}
	if len(batch.Rows) == 0 {
		return batchMessage{}, fmt.Errorf("batch has no rows")
	}
	return batch, nil
}

// rows converts the wire format into engine rows. Amounts stay textual;
// the engine parses them into decimals.
func (b batchMessage) rows() []engine.AdjustmentRow {
	out := make([]engine.AdjustmentRow, len(b.Rows))
	for i, r := range b.Rows {
		out[i] = engine.AdjustmentRow{
			ExternalID: r.ExternalID,
			RawAmount:  r.Amount.String(),
		}
	}
	return out
}
