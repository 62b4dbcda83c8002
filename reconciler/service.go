/*Package reconciler is the use-case layer between the transport adapter and
the shadow store.

It consumes typed inbound device messages from the internal bus, transforms
them into shadow deltas, applies them to the store, and republishes every
committed shadow on the internal bus under the device's shadow topic.
*/
package reconciler

import (
	"context"
	"time"

	"github.com/goccy/go-json"

	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/logger"
	"github.com/hydronix-io/shadowd/shadow"
	"github.com/hydronix-io/shadowd/transport"
)

// ShadowEvent is the outward-facing message published on the internal bus
// after every committed shadow change.
type ShadowEvent struct {
	DeviceID  string                 `json:"device_id"`
	Reported  map[string]interface{} `json:"reported"`
	Desired   map[string]interface{} `json:"desired"`
	Version   int64                  `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
}

// ShadowTopic returns the internal bus topic carrying the post-commit
// shadow snapshots of one device.
func ShadowTopic(deviceID string) string {
	return "shadows/" + deviceID
}

// ShadowTopicPattern matches the shadow topics of all devices.
const ShadowTopicPattern = "shadows/+"

// Service is the shadow reconciliation service.
type Service struct {
	store shadow.Store
	bus   *broker.Broker
	subs  []*broker.Subscription
}

// Builder is a builder helper for the Service.
type Builder struct {
	// Store is the shadow store. This is mandatory.
	Store shadow.Store
	// Bus is the internal broker. This is mandatory.
	Bus *broker.Broker
}

// New returns a new reconciliation service. It registers itself as the
// store's change listener; call Start to begin consuming inbound device
// messages.
func New(b *Builder) *Service {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Bus == nil {
		panic("Bus is missing")
	}
	s := &Service{store: b.Store, bus: b.Bus}
	s.store.RegisterOnChange(s.onShadowUpdated)
	return s
}

// Start subscribes the service to the inbound device message topics.
func (s *Service) Start() error {
	for _, kind := range []transport.Kind{transport.KindTelemetry, transport.KindEvent} {
		sub, err := s.bus.Subscribe(transport.IngestPattern(kind), s.handleIngest)
		if err != nil {
			return err
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

// Stop unsubscribes the service from the internal bus.
func (s *Service) Stop() {
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	s.subs = nil
}

// handleIngest consumes one typed event from the transport adapter.
func (s *Service) handleIngest(ctx context.Context, topic string, payload []byte) error {
	var message transport.Message
	if err := json.Unmarshal(payload, &message); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("reconciler: dropping malformed envelope on topic", topic)
		return nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(message.Payload, &fields); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("reconciler: dropping malformed payload for device", message.DeviceID)
		return nil
	}
	// the adapter derived the device id from the topic; messages without
	// one in the payload inherit it
	if _, ok := fields["device_id"]; !ok && len(message.DeviceID) > 0 {
		fields["device_id"] = message.DeviceID
	}
	return s.processFields(ctx, fields)
}

// ProcessDeviceMessage parses and validates one raw device message and
// applies it to the shadow store. Invalid messages are dropped with a
// logged warning; they cause zero store writes and zero publishes.
func (s *Service) ProcessDeviceMessage(ctx context.Context, raw []byte) error {
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		logger.FromContext(ctx).WithError(err).Warnln("reconciler: dropping unparseable device message")
		return nil
	}
	return s.processFields(ctx, fields)
}

func (s *Service) processFields(ctx context.Context, fields map[string]interface{}) error {
	rlog := logger.FromContext(ctx)

	deviceID, _ := fields["device_id"].(string)
	if len(deviceID) == 0 {
		rlog.Warnln("reconciler: dropping device message without device_id")
		return nil
	}

	delta := MapTelemetry(fields, time.Now().UTC())
	if delta == nil {
		// no recognized telemetry field: a no-op write would only
		// churn the history
		rlog.Warnln("reconciler: dropping message without telemetry fields for device", deviceID)
		return nil
	}

	_, err := s.store.UpdateReported(ctx, deviceID, delta)
	if err != nil {
		// storage unavailability is not recoverable here; redelivery
		// is the transport's responsibility
		rlog.WithError(err).Errorln("reconciler: cannot update reported state for device", deviceID)
		return err
	}
	return nil
}

// onShadowUpdated is the store's change-notification handler. It runs after
// every commit and republishes the resulting snapshot on the internal bus.
// A publish failure is logged; the storage write already committed.
func (s *Service) onShadowUpdated(deviceID string, sh *shadow.Shadow) {
	ctx, rlog := logger.ContextWithLogger(context.Background())

	event := ShadowEvent{
		DeviceID:  deviceID,
		Reported:  sh.Reported,
		Desired:   sh.Desired,
		Version:   sh.Version,
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		rlog.WithError(err).Errorln("reconciler: cannot marshal shadow event for device", deviceID)
		return
	}
	if err := s.bus.Publish(ctx, ShadowTopic(deviceID), payload); err != nil {
		rlog.WithError(err).Errorln("reconciler: cannot publish shadow event for device", deviceID)
	}
}
