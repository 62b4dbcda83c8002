package reconciler

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/shadow"
	"github.com/hydronix-io/shadowd/transport"
)

func newTestService(t *testing.T) (*Service, shadow.Store, *broker.Broker, chan ShadowEvent) {
	t.Helper()
	store := shadow.NewMemoryStore(nil)
	bus := broker.New(nil)
	t.Cleanup(bus.Close)

	service := New(&Builder{Store: store, Bus: bus})
	require.NoError(t, service.Start())
	t.Cleanup(service.Stop)

	events := make(chan ShadowEvent, 16)
	_, err := bus.Subscribe(ShadowTopicPattern, func(ctx context.Context, topic string, payload []byte) error {
		var event ShadowEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return err
		}
		events <- event
		return nil
	})
	require.NoError(t, err)
	return service, store, bus, events
}

func nextEvent(t *testing.T, events chan ShadowEvent) ShadowEvent {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("no shadow event was published")
		return ShadowEvent{}
	}
}

func TestProcessDeviceMessageCreatesAndUpdates(t *testing.T) {
	ctx := context.Background()
	service, store, _, events := newTestService(t)

	raw := []byte(`{"device_id":"wh-001","temperature":124.6,"status":"HEATING"}`)
	require.NoError(t, service.ProcessDeviceMessage(ctx, raw))

	event := nextEvent(t, events)
	assert.Equal(t, "wh-001", event.DeviceID)
	assert.Equal(t, int64(1), event.Version)
	assert.Equal(t, 124.6, event.Reported["temperature"])
	status := event.Reported["operational_status"].(map[string]interface{})
	assert.Equal(t, "HEATING", status["state"])
	assert.Equal(t, true, status["operational"])

	// a second report overwrites the temperature and leaves the status alone
	raw = []byte(`{"device_id":"wh-001","temperature":118.2}`)
	require.NoError(t, service.ProcessDeviceMessage(ctx, raw))

	event = nextEvent(t, events)
	assert.Equal(t, int64(2), event.Version)
	assert.Equal(t, 118.2, event.Reported["temperature"])
	status = event.Reported["operational_status"].(map[string]interface{})
	assert.Equal(t, "HEATING", status["state"])

	s, err := store.Get(ctx, "wh-001")
	require.NoError(t, err)
	assert.Len(t, s.History, 2)
}

func TestInvalidMessagesAreDroppedWithoutWrites(t *testing.T) {
	ctx := context.Background()
	service, store, _, events := newTestService(t)

	// unparseable, missing device id, nothing recognized: all dropped
	require.NoError(t, service.ProcessDeviceMessage(ctx, []byte(`not json`)))
	require.NoError(t, service.ProcessDeviceMessage(ctx, []byte(`{"temperature":22.0}`)))
	require.NoError(t, service.ProcessDeviceMessage(ctx, []byte(`{"device_id":"wh-001","vendor_blob":"x"}`)))

	select {
	case event := <-events:
		t.Fatalf("unexpected shadow event for device %s", event.DeviceID)
	case <-time.After(200 * time.Millisecond):
	}
	_, err := store.Get(ctx, "wh-001")
	assert.ErrorIs(t, err, shadow.ErrShadowNotFound)
}

func TestIngestEnvelopeFromBus(t *testing.T) {
	ctx := context.Background()
	_, _, bus, events := newTestService(t)

	// the payload has no device_id; it is inherited from the envelope
	message := transport.Message{
		DeviceID:      "wh-001",
		Kind:          transport.KindTelemetry,
		CorrelationID: "corr-1",
		ReceivedAt:    time.Now().UTC(),
		Payload:       json.RawMessage(`{"temperature":99.0}`),
	}
	envelope, err := json.Marshal(message)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, transport.IngestTopic("wh-001", transport.KindTelemetry), envelope))

	event := nextEvent(t, events)
	assert.Equal(t, "wh-001", event.DeviceID)
	assert.Equal(t, 99.0, event.Reported["temperature"])
}

func TestDesiredUpdatesAreBroadcastToo(t *testing.T) {
	ctx := context.Background()
	_, store, _, events := newTestService(t)

	_, err := store.UpdateDesired(ctx, "wh-001", map[string]interface{}{"target_temperature": 120.0})
	require.NoError(t, err)

	event := nextEvent(t, events)
	assert.Equal(t, "wh-001", event.DeviceID)
	assert.Equal(t, 120.0, event.Desired["target_temperature"])
}
