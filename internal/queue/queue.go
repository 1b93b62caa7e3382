package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Topics
const (
	// TopicScheduleFired carries a schedule id from a trigger to the campaign builder.
	TopicScheduleFired = "schedule.fired"
	// TopicCampaignDispatch carries a campaign id to the dispatch loop.
	TopicCampaignDispatch = "campaign.dispatch"
)

// Message is the payload of every job.
type Message struct {
	CampaignID int64 `json:"campaign_id,omitempty"`
	ScheduleID int64 `json:"schedule_id,omitempty"`
}

type Handler func(msg Message) error

// Queue interface
type Queue interface {
	Publish(topic string, msg Message) error
	Subscribe(topic string, handler Handler) error
}

// InMemoryQueue runs every published job on its own goroutine, so publishers
// never wait for handlers.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	retries  map[string]int
	backoff  time.Duration
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// NewInMemoryQueue creates a new queue. Topics have no retries unless
// configured with SetRetries.
func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers: make(map[string][]Handler),
		retries:  make(map[string]int),
		backoff:  500 * time.Millisecond,
		log:      log.With().Str("component", "queue").Logger(),
	}
}

// SetRetries sets how many extra attempts a failed job on topic gets.
func (q *InMemoryQueue) SetRetries(topic string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.retries[topic] = n
}

// SetBackoff sets the base delay between attempts; attempt n waits n*base.
func (q *InMemoryQueue) SetBackoff(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backoff = d
}

// jobPayload wraps a message payload with retry info
type jobPayload struct {
	Topic      string
	Msg        Message
	RetryCount int
	MaxRetries int
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, msg Message) error {
	q.mu.Lock()
	handlers := append([]Handler(nil), q.handlers[topic]...)
	maxRetries := q.retries[topic]
	backoff := q.backoff
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		job := jobPayload{Topic: topic, Msg: msg, MaxRetries: maxRetries}
		q.wg.Add(1)
		go func(h Handler) {
			defer q.wg.Done()
			q.processJob(h, job, backoff)
		}(handler)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(handler Handler, job jobPayload, backoff time.Duration) {
	for {
		err := handler(job.Msg)
		if err == nil {
			return
		}

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			q.log.Error().Err(err).Str("topic", job.Topic).Interface("msg", job.Msg).
				Int("attempts", job.RetryCount).Msg("job permanently failed")
			return
		}
		q.log.Warn().Err(err).Str("topic", job.Topic).Interface("msg", job.Msg).
			Int("attempt", job.RetryCount).Int("max_retries", job.MaxRetries).Msg("job failed, retrying")

		time.Sleep(time.Duration(job.RetryCount) * backoff)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Wait blocks until every job published so far has finished.
func (q *InMemoryQueue) Wait() {
	q.wg.Wait()
}

// WaitContext is Wait bounded by ctx.
func (q *InMemoryQueue) WaitContext(ctx context.Context) error {
	return waitGroup(ctx, &q.wg)
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Queue = (*InMemoryQueue)(nil)
