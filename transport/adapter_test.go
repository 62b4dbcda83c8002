package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/logger"
)

func newTestAdapter(t *testing.T, bus *broker.Broker) *Adapter {
	t.Helper()
	a := New(&Builder{
		BrokerURL: "tcp://localhost:1883",
		ClientID:  "test-platform",
		Namespace: "hydronix",
		Bus:       bus,
	})
	t.Cleanup(a.Close)
	return a
}

func TestHandleRawPublishesTypedEnvelope(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := newTestAdapter(t, bus)

	envelopes := make(chan Message, 1)
	_, err := bus.Subscribe(IngestPattern(KindTelemetry), func(ctx context.Context, topic string, payload []byte) error {
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		envelopes <- m
		return nil
	})
	require.NoError(t, err)

	raw := []byte(`{"temperature":124.6,"status":"HEATING"}`)
	err = a.handleRaw(context.Background(), "hydronix/devices/boiler-1/telemetry", raw)
	require.NoError(t, err)

	select {
	case m := <-envelopes:
		assert.Equal(t, "boiler-1", m.DeviceID)
		assert.Equal(t, KindTelemetry, m.Kind)
		assert.NotEmpty(t, m.CorrelationID)
		assert.False(t, m.ReceivedAt.IsZero())
		assert.JSONEq(t, string(raw), string(m.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope was published")
	}
}

func TestHandleRawKeepsDeviceCorrelationID(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := newTestAdapter(t, bus)

	envelopes := make(chan Message, 1)
	correlationIDs := make(chan string, 1)
	_, err := bus.Subscribe(IngestPattern(KindEvent), func(ctx context.Context, topic string, payload []byte) error {
		var m Message
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		envelopes <- m
		correlationIDs <- logger.CorrelationIDFromContext(ctx)
		return nil
	})
	require.NoError(t, err)

	raw := []byte(`{"correlation_id":"corr-42","event":"door_open"}`)
	err = a.handleRaw(context.Background(), "hydronix/devices/boiler-1/events", raw)
	require.NoError(t, err)

	select {
	case m := <-envelopes:
		assert.Equal(t, "corr-42", m.CorrelationID)
		// the id also travels in the logging context across the bus hop
		assert.Equal(t, "corr-42", <-correlationIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope was published")
	}
}

func TestHandleRawRejectsMalformed(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := newTestAdapter(t, bus)

	err := a.handleRaw(context.Background(), "other/devices/boiler-1/telemetry", []byte(`{}`))
	assert.Error(t, err)

	err = a.handleRaw(context.Background(), "hydronix/devices/boiler-1/telemetry", []byte(`not json`))
	assert.Error(t, err)
}

func TestPublishCommandAssignsCommandID(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := newTestAdapter(t, bus)

	var mutex sync.Mutex
	var publishedTopic string
	var publishedPayload []byte
	a.publish = func(topic string, payload []byte) error {
		mutex.Lock()
		defer mutex.Unlock()
		publishedTopic = topic
		publishedPayload = payload
		return nil
	}

	commandID, err := a.PublishCommand(context.Background(), "boiler-1", map[string]interface{}{"command": "reset"})
	require.NoError(t, err)
	require.NotEmpty(t, commandID)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, "hydronix/devices/boiler-1/commands", publishedTopic)
	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(publishedPayload, &sent))
	assert.Equal(t, "reset", sent["command"])
	assert.Equal(t, commandID, sent["command_id"])
}

func TestPublishCommandKeepsExistingCommandID(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := newTestAdapter(t, bus)
	a.publish = func(topic string, payload []byte) error { return nil }

	commandID, err := a.PublishCommand(context.Background(), "boiler-1",
		map[string]interface{}{"command": "reset", "command_id": "cmd-7"})
	require.NoError(t, err)
	assert.Equal(t, "cmd-7", commandID)
}

func TestPublishCommandRetriesThenFails(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := New(&Builder{
		BrokerURL:          "tcp://localhost:1883",
		ClientID:           "test-platform",
		Namespace:          "hydronix",
		Bus:                bus,
		MaxPublishAttempts: 3,
	})
	defer a.Close()

	var mutex sync.Mutex
	attempts := 0
	a.publish = func(topic string, payload []byte) error {
		mutex.Lock()
		defer mutex.Unlock()
		attempts++
		return errors.New("broker unavailable")
	}

	_, err := a.PublishCommand(context.Background(), "boiler-1", map[string]interface{}{"command": "reset"})
	var publishErr *PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, 3, publishErr.Attempts)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, 3, attempts)
}

func TestPublishCommandRecoversWithinAttempts(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := newTestAdapter(t, bus)

	var mutex sync.Mutex
	attempts := 0
	a.publish = func(topic string, payload []byte) error {
		mutex.Lock()
		defer mutex.Unlock()
		attempts++
		if attempts < 2 {
			return errors.New("transient")
		}
		return nil
	}

	_, err := a.PublishCommand(context.Background(), "boiler-1", map[string]interface{}{"command": "reset"})
	require.NoError(t, err)
}

func TestSubscribeFilterIsRecordedForReconnect(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := newTestAdapter(t, bus)

	// the client is not connected, so the subscription itself fails; the
	// filter is still recorded and re-established on the next connect
	err := a.SubscribeFilter("hydronix/devices/+/telemetry")
	assert.Error(t, err)

	a.filtersMutex.Lock()
	defer a.filtersMutex.Unlock()
	assert.Contains(t, a.filters, "hydronix/devices/+/telemetry")
}

func TestPublishCommandNeedsDeviceID(t *testing.T) {
	bus := broker.New(nil)
	defer bus.Close()
	a := newTestAdapter(t, bus)

	_, err := a.PublishCommand(context.Background(), "", map[string]interface{}{"command": "reset"})
	assert.Error(t, err)
}
