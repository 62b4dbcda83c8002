/*Package transport bridges the device-facing MQTT transport and the
internal event bus.

Inbound raw messages are parsed, classified by topic suffix and republished
as typed events on the internal bus; outbound commands are serialized to the
device-specific command topic. The adapter owns the connection lifecycle:
it reconnects with bounded exponential backoff and re-subscribes to all
previously held filters before resuming message delivery.
*/
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/logger"
)

// PublishError is returned when an outbound publish fails after all retry
// attempts are exhausted.
type PublishError struct {
	Topic    string
	Attempts int
	Err      error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %s failed after %d attempts: %v", e.Topic, e.Attempts, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Adapter is the device-to-platform transport adapter.
type Adapter struct {
	namespace string
	bus       *broker.Broker
	client    mqtt.Client

	maxPublishAttempts int
	publishTimeout     time.Duration
	reconnectMax       time.Duration

	filtersMutex sync.Mutex
	filters      map[string]byte

	closeOnce sync.Once
	closed    chan struct{}

	// injectable for tests
	publish func(topic string, payload []byte) error
}

// Builder is a builder helper for the Adapter.
type Builder struct {
	// BrokerURL is the device-facing MQTT broker address, e.g.
	// "tcp://localhost:1883". This is mandatory.
	BrokerURL string
	// ClientID is the MQTT client id of the platform. This is mandatory.
	ClientID string
	// Namespace is the leading topic segment of the device tree. This is
	// mandatory.
	Namespace string
	// Bus is the internal broker. This is mandatory.
	Bus *broker.Broker
	// Username and Password are optional transport credentials.
	Username string
	Password string
	// MaxPublishAttempts bounds outbound publish retries. Optional,
	// defaults to 5.
	MaxPublishAttempts int
	// MaxReconnectElapsedTime bounds one reconnect backoff cycle.
	// Optional, defaults to 5 minutes.
	MaxReconnectElapsedTime time.Duration
}

// New returns a new transport adapter. The adapter does not connect until
// Start is called.
func New(b *Builder) *Adapter {
	if len(b.BrokerURL) == 0 {
		panic("BrokerURL is missing")
	}
	if len(b.ClientID) == 0 {
		panic("ClientID is missing")
	}
	if len(b.Namespace) == 0 {
		panic("Namespace is missing")
	}
	if b.Bus == nil {
		panic("Bus is missing")
	}
	maxAttempts := b.MaxPublishAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	reconnectMax := b.MaxReconnectElapsedTime
	if reconnectMax <= 0 {
		reconnectMax = 5 * time.Minute
	}

	a := &Adapter{
		namespace:          b.Namespace,
		bus:                b.Bus,
		maxPublishAttempts: maxAttempts,
		publishTimeout:     5 * time.Second,
		reconnectMax:       reconnectMax,
		filters:            make(map[string]byte),
		closed:             make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.BrokerURL)
	opts.SetClientID(b.ClientID)
	if len(b.Username) > 0 {
		opts.SetUsername(b.Username)
		opts.SetPassword(b.Password)
	}
	opts.SetCleanSession(true)
	// reconnection is handled by the adapter so that re-subscription is
	// guaranteed to happen before message delivery resumes
	opts.SetAutoReconnect(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Default().WithError(err).Warnln("transport: connection lost")
		go a.reconnect()
	})
	a.client = mqtt.NewClient(opts)
	a.publish = a.publishMQTT
	return a
}

// Start connects to the transport and subscribes to all platform-inbound
// device topics. It blocks until the first connection attempt cycle
// succeeds or the context is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	if err := a.connect(ctx); err != nil {
		return err
	}
	for _, filter := range inboundFilters(a.namespace) {
		if err := a.SubscribeFilter(filter); err != nil {
			return err
		}
	}
	return nil
}

// SubscribeFilter subscribes to an additional transport filter. The filter
// is re-established after every reconnect.
func (a *Adapter) SubscribeFilter(filter string) error {
	a.filtersMutex.Lock()
	a.filters[filter] = 1
	a.filtersMutex.Unlock()

	token := a.client.Subscribe(filter, 1, a.onMessage)
	if !token.WaitTimeout(a.publishTimeout) {
		return fmt.Errorf("subscribe to %s timed out", filter)
	}
	return token.Error()
}

// connect establishes the transport connection with bounded exponential
// backoff, then re-subscribes all held filters before returning.
func (a *Adapter) connect(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = a.reconnectMax

	operation := func() error {
		select {
		case <-a.closed:
			return backoff.Permanent(errors.New("adapter is closed"))
		default:
		}
		token := a.client.Connect()
		token.Wait()
		return token.Error()
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return err
	}

	a.filtersMutex.Lock()
	filters := make([]string, 0, len(a.filters))
	for filter := range a.filters {
		filters = append(filters, filter)
	}
	a.filtersMutex.Unlock()

	for _, filter := range filters {
		token := a.client.Subscribe(filter, 1, a.onMessage)
		token.Wait()
		if err := token.Error(); err != nil {
			return fmt.Errorf("cannot re-subscribe to %s: %w", filter, err)
		}
	}
	logger.Default().Infoln("transport: connected,", len(filters), "filters subscribed")
	return nil
}

func (a *Adapter) reconnect() {
	select {
	case <-a.closed:
		return
	default:
	}
	if err := a.connect(context.Background()); err != nil {
		logger.Default().WithError(err).Errorln("transport: reconnect failed")
	}
}

// onMessage is the transport message callback. It must never crash the
// subscription loop: malformed payloads are logged and dropped.
func (a *Adapter) onMessage(_ mqtt.Client, msg mqtt.Message) {
	// handleRaw stamps the context logger itself, so that a
	// device-supplied correlation id ends up in the log fields
	if err := a.handleRaw(context.Background(), msg.Topic(), msg.Payload()); err != nil {
		logger.Default().WithError(err).Warnln("transport: dropping message on topic", msg.Topic())
	}
}

// handleRaw turns one raw transport message into a typed internal event and
// publishes it on the internal bus.
func (a *Adapter) handleRaw(ctx context.Context, topic string, payload []byte) error {
	deviceID, kind, err := ParseTopic(a.namespace, topic)
	if err != nil {
		return err
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return fmt.Errorf("payload is not a JSON object: %w", err)
	}

	correlationID, _ := fields["correlation_id"].(string)
	if len(correlationID) == 0 {
		correlationID = uuid.New().String()
	}
	ctx, _ = logger.ContextWithCorrelationID(ctx, correlationID)

	message := Message{
		DeviceID:      deviceID,
		Kind:          kind,
		CorrelationID: correlationID,
		ReceivedAt:    time.Now().UTC(),
		Payload:       payload,
	}
	envelope, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return a.bus.Publish(ctx, IngestTopic(deviceID, kind), envelope)
}

// PublishCommand serializes the command and publishes it to the device's
// command topic. It assigns a command id if the command has none and
// returns that id immediately; delivery confirmation, if any, arrives later
// as a separate command-response message.
func (a *Adapter) PublishCommand(ctx context.Context, deviceID string, command map[string]interface{}) (string, error) {
	if len(deviceID) == 0 {
		return "", errors.New("device id is missing")
	}
	commandID, _ := command["command_id"].(string)
	if len(commandID) == 0 {
		commandID = uuid.New().String()
		withID := make(map[string]interface{}, len(command)+1)
		for k, v := range command {
			withID[k] = v
		}
		withID["command_id"] = commandID
		command = withID
	}
	payload, err := json.Marshal(command)
	if err != nil {
		return "", err
	}

	topic := DeviceTopic(a.namespace, deviceID, suffixCommands)
	if err := a.publishWithRetry(ctx, topic, payload); err != nil {
		return "", err
	}
	logger.FromContext(ctx).Debugln("transport: published command", commandID, "for device", deviceID)
	return commandID, nil
}

// publishWithRetry retries a failed publish with backoff up to the
// configured maximum attempt count, then fails loudly instead of dropping
// silently.
func (a *Adapter) publishWithRetry(ctx context.Context, topic string, payload []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // bounded by the attempt count

	var lastErr error
	for attempt := 1; attempt <= a.maxPublishAttempts; attempt++ {
		lastErr = a.publish(topic, payload)
		if lastErr == nil {
			return nil
		}
		logger.FromContext(ctx).WithError(lastErr).Warnf("transport: publish to %s failed, attempt %d of %d", topic, attempt, a.maxPublishAttempts)
		select {
		case <-ctx.Done():
			return &PublishError{Topic: topic, Attempts: attempt, Err: ctx.Err()}
		case <-a.closed:
			return &PublishError{Topic: topic, Attempts: attempt, Err: errors.New("adapter is closed")}
		case <-time.After(bo.NextBackOff()):
		}
	}
	return &PublishError{Topic: topic, Attempts: a.maxPublishAttempts, Err: lastErr}
}

func (a *Adapter) publishMQTT(topic string, payload []byte) error {
	token := a.client.Publish(topic, 1, false, payload)
	if !token.WaitTimeout(a.publishTimeout) {
		return fmt.Errorf("publish to %s timed out", topic)
	}
	return token.Error()
}

// Close shuts the adapter down. Pending reconnect attempts are cancelled.
func (a *Adapter) Close() {
	a.closeOnce.Do(func() {
		close(a.closed)
		if a.client.IsConnected() {
			a.client.Disconnect(250)
		}
	})
}
