/*Package broker is the in-process publish/subscribe redistribution layer.

It decouples the components that change shadows from the components that
want to know about it. Delivery is at-least-once per subscriber for a given
session, with bounded retries; there is no durable queueing across restarts,
durability lives in the shadow store.
*/
package broker

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/hydronix-io/shadowd/core/logger"
)

// Handler consumes a delivered message. A non-nil error triggers a bounded
// redelivery for this subscriber only.
type Handler func(ctx context.Context, topic string, payload []byte) error

// Subscription ties one subscriber to a topic pattern.
type Subscription struct {
	pattern string
	handler Handler
}

// Pattern returns the topic pattern of the subscription.
func (s *Subscription) Pattern() string {
	return s.pattern
}

// Broker delivers topic-matched messages to any number of local subscribers.
type Broker struct {
	mutex         sync.RWMutex
	subscriptions map[*Subscription]struct{}

	workers  []chan job
	wg       sync.WaitGroup
	maxTries int
	delay    time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

type job struct {
	sub        *Subscription
	topic      string
	payload    []byte
	loggerData []byte
	tries      int
}

// Builder is a builder helper for the Broker.
type Builder struct {
	// Workers is the size of the delivery worker pool. Optional, defaults to 4.
	Workers int
	// MaxDeliveryAttempts bounds redelivery per subscriber. Optional, defaults to 3.
	MaxDeliveryAttempts int
	// RetryDelay is the pause before a redelivery. Optional, defaults to 100ms.
	RetryDelay time.Duration
	// QueueSize is the per-worker queue capacity. Optional, defaults to 256.
	QueueSize int
}

// ErrQueueFull is returned when a subscriber's delivery queue is saturated.
var ErrQueueFull = errors.New("delivery queue full")

// New returns a running broker.
func New(b *Builder) *Broker {
	if b == nil {
		b = &Builder{}
	}
	workers := b.Workers
	if workers <= 0 {
		workers = 4
	}
	maxTries := b.MaxDeliveryAttempts
	if maxTries <= 0 {
		maxTries = 3
	}
	delay := b.RetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	queueSize := b.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	br := &Broker{
		subscriptions: make(map[*Subscription]struct{}),
		workers:       make([]chan job, workers),
		maxTries:      maxTries,
		delay:         delay,
		closed:        make(chan struct{}),
	}
	for i := range br.workers {
		br.workers[i] = make(chan job, queueSize)
		br.wg.Add(1)
		go br.worker(br.workers[i])
	}
	return br
}

// Subscribe registers a handler for all topics matching pattern. The single
// level wildcard '+' matches exactly one segment, the trailing multi-level
// wildcard '#' matches one or more segments.
func (b *Broker) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("handler is missing")
	}
	sub := &Subscription{pattern: pattern, handler: handler}
	b.mutex.Lock()
	b.subscriptions[sub] = struct{}{}
	b.mutex.Unlock()
	return sub, nil
}

// Unsubscribe removes the subscription. Messages still queued for it are
// discarded.
func (b *Broker) Unsubscribe(sub *Subscription) {
	b.mutex.Lock()
	delete(b.subscriptions, sub)
	b.mutex.Unlock()
}

// Publish delivers the payload to all subscribers whose pattern matches
// topic. It never blocks on a slow subscriber; a saturated subscriber queue
// is logged and counted as a failed delivery for that subscriber alone.
func (b *Broker) Publish(ctx context.Context, topic string, payload []byte) error {
	if strings.ContainsAny(topic, "+#") {
		return errors.New("topic must not contain wildcards")
	}
	select {
	case <-b.closed:
		return errors.New("broker is closed")
	default:
	}

	loggerData := logger.SerializeLoggerContext(ctx)

	b.mutex.RLock()
	var matched []*Subscription
	for sub := range b.subscriptions {
		if MatchTopic(sub.pattern, topic) {
			matched = append(matched, sub)
		}
	}
	b.mutex.RUnlock()

	for _, sub := range matched {
		b.enqueue(job{sub: sub, topic: topic, payload: payload, loggerData: loggerData, tries: 1})
	}
	return nil
}

// enqueue routes the job to a worker keyed by subscriber and topic, so that
// deliveries for one device topic to one subscriber stay in publish order.
func (b *Broker) enqueue(j job) {
	h := fnv.New32a()
	h.Write([]byte(j.topic))
	h.Write([]byte(j.sub.pattern))
	queue := b.workers[int(h.Sum32())%len(b.workers)]
	select {
	case queue <- j:
	default:
		logger.Default().Warnln("broker: delivery queue full, dropping message on topic", j.topic)
	}
}

func (b *Broker) worker(jobs chan job) {
	defer b.wg.Done()
	for {
		select {
		case <-b.closed:
			return
		case j := <-jobs:
			b.deliver(j)
		}
	}
}

func (b *Broker) deliver(j job) {
	b.mutex.RLock()
	_, live := b.subscriptions[j.sub]
	b.mutex.RUnlock()
	if !live {
		return
	}

	ctx := logger.ContextWithLoggerFromData(context.Background(), j.loggerData)
	rlog := logger.FromContext(ctx)

	err := callHandler(ctx, j)
	if err == nil {
		return
	}
	if j.tries >= b.maxTries {
		rlog.WithError(err).Errorf("broker: delivery on topic %s failed after %d attempts, giving up", j.topic, j.tries)
		return
	}
	rlog.WithError(err).Warnf("broker: delivery on topic %s failed, attempt %d of %d", j.topic, j.tries, b.maxTries)
	j.tries++
	time.AfterFunc(b.delay, func() {
		select {
		case <-b.closed:
		default:
			b.enqueue(j)
		}
	})
}

func callHandler(ctx context.Context, j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("recovered from panic in subscriber")
		}
	}()
	return j.sub.handler(ctx, j.topic, j.payload)
}

// Close stops the delivery workers. Queued messages are dropped; the broker
// is an ephemeral fan-out layer.
func (b *Broker) Close() {
	b.closeOnce.Do(func() { close(b.closed) })
	b.wg.Wait()
}

// ValidatePattern checks a subscription pattern. '+' must occupy a whole
// segment; '#' must occupy the last segment.
func ValidatePattern(pattern string) error {
	if len(pattern) == 0 {
		return errors.New("empty pattern")
	}
	segments := strings.Split(pattern, "/")
	for i, segment := range segments {
		if strings.ContainsAny(segment, "+#") && len(segment) != 1 {
			return errors.New("wildcard must occupy a whole segment")
		}
		if segment == "#" && i != len(segments)-1 {
			return errors.New("multi-level wildcard must be the last segment")
		}
	}
	return nil
}

// MatchTopic reports whether the topic matches the subscription pattern.
// '+' matches exactly one segment, a trailing '#' matches one or more
// segments.
func MatchTopic(pattern, topic string) bool {
	patternSegments := strings.Split(pattern, "/")
	topicSegments := strings.Split(topic, "/")

	for i, p := range patternSegments {
		if p == "#" {
			return len(topicSegments) > i
		}
		if i >= len(topicSegments) {
			return false
		}
		if p != "+" && p != topicSegments[i] {
			return false
		}
	}
	return len(patternSegments) == len(topicSegments)
}
