package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQPQueue maps each topic to a durable RabbitMQ queue of the same name.
// Up to prefetch deliveries per topic are handled at once.
type AMQPQueue struct {
	conn     *amqp.Connection
	pub      *amqp.Channel
	pubMu    sync.Mutex
	prefetch int
	log      zerolog.Logger

	mu      sync.Mutex
	retries map[string]int
	wg      sync.WaitGroup
}

func DialAMQP(url string, prefetch int, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	q := newAMQPQueue(prefetch, log)
	q.conn = conn
	q.pub = ch
	return q, nil
}

func newAMQPQueue(prefetch int, log zerolog.Logger) *AMQPQueue {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQPQueue{
		prefetch: prefetch,
		retries:  make(map[string]int),
		log:      log.With().Str("component", "amqp").Logger(),
	}
}

// SetRetries enables redelivery of failed jobs on topic. RabbitMQ only
// reports whether a delivery was seen before, so any n > 0 means one
// redelivery. Topics default to no retries.
func (q *AMQPQueue) SetRetries(topic string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries[topic] = n
}

func (q *AMQPQueue) retriesFor(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retries[topic]
}

func declare(ch *amqp.Channel, topic string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
}

func (q *AMQPQueue) Publish(topic string, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if _, err := declare(q.pub, topic); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	return q.pub.Publish(
		"",    // default exchange
		topic, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
}

// Subscribe consumes topic on a dedicated channel.
func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return err
	}
	if _, err := declare(ch, topic); err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	deliveries, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go q.consume(topic, deliveries, handler)
	return nil
}

// consume hands each delivery to its own goroutine, at most prefetch at a
// time, so one long dispatch does not hold back other campaigns.
func (q *AMQPQueue) consume(topic string, deliveries <-chan amqp.Delivery, handler Handler) {
	slots := make(chan struct{}, q.prefetch)
	for d := range deliveries {
		slots <- struct{}{}
		q.wg.Add(1)
		go func(d amqp.Delivery) {
			defer func() {
				<-slots
				q.wg.Done()
			}()
			q.handleDelivery(topic, d, handler)
		}(d)
	}
	q.log.Info().Str("topic", topic).Msg("consumer stopped")
}

func (q *AMQPQueue) handleDelivery(topic string, d amqp.Delivery, handler Handler) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		q.log.Warn().Err(err).Str("topic", topic).Msg("invalid job")
		_ = d.Ack(false)
		return
	}
	err := handler(msg)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	log := q.log.With().Err(err).Str("topic", topic).Interface("msg", msg).Logger()
	switch {
	case q.retriesFor(topic) == 0:
		log.Error().Msg("job failed, dropping")
		_ = d.Ack(false)
	case d.Redelivered:
		log.Error().Msg("job failed after redelivery, dropping")
		_ = d.Ack(false)
	default:
		log.Warn().Msg("job failed, requeueing")
		_ = d.Nack(false, true)
	}
}

// Wait blocks until every delivery being handled has finished, or ctx ends.
func (q *AMQPQueue) Wait(ctx context.Context) error {
	return waitGroup(ctx, &q.wg)
}

func (q *AMQPQueue) Close() error {
	_ = q.pub.Close()
	return q.conn.Close()
}

var _ Queue = (*AMQPQueue)(nil)
