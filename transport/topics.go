package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Kind classifies an inbound device message by its topic suffix.
type Kind string

// the message kinds carried on the device-facing transport
const (
	KindTelemetry       Kind = "telemetry"
	KindEvent           Kind = "event"
	KindCommandResponse Kind = "command_response"
)

// topic suffixes on the device-facing transport
const (
	suffixTelemetry       = "telemetry"
	suffixEvents          = "events"
	suffixCommands        = "commands"
	suffixCommandResponse = "command_response"
)

// Message is the typed internal event produced from a raw transport
// message. It travels on the internal bus under its ingest topic.
type Message struct {
	DeviceID      string          `json:"device_id"`
	Kind          Kind            `json:"kind"`
	CorrelationID string          `json:"correlation_id"`
	ReceivedAt    time.Time       `json:"received_at"`
	Payload       json.RawMessage `json:"payload"`
}

// DeviceTopic returns the transport topic for one device and suffix,
// following the scheme <namespace>/devices/<device_id>/<suffix>.
func DeviceTopic(namespace, deviceID, suffix string) string {
	return namespace + "/devices/" + deviceID + "/" + suffix
}

// inboundFilters returns the transport subscription filters for all
// platform-inbound message kinds.
func inboundFilters(namespace string) []string {
	return []string{
		DeviceTopic(namespace, "+", suffixTelemetry),
		DeviceTopic(namespace, "+", suffixEvents),
		DeviceTopic(namespace, "+", suffixCommandResponse),
	}
}

// ParseTopic extracts the device id and message kind from a transport
// topic. It fails on topics outside the namespace's device tree.
func ParseTopic(namespace, topic string) (deviceID string, kind Kind, err error) {
	segments := strings.Split(topic, "/")
	if len(segments) != 4 || segments[0] != namespace || segments[1] != "devices" || len(segments[2]) == 0 {
		return "", "", fmt.Errorf("topic %q is not a device topic", topic)
	}
	deviceID = segments[2]
	switch segments[3] {
	case suffixTelemetry:
		kind = KindTelemetry
	case suffixEvents:
		kind = KindEvent
	case suffixCommandResponse:
		kind = KindCommandResponse
	default:
		return "", "", fmt.Errorf("unknown message kind %q on topic %q", segments[3], topic)
	}
	return deviceID, kind, nil
}

// IngestTopic returns the canonical internal bus topic for an inbound
// device message.
func IngestTopic(deviceID string, kind Kind) string {
	return "ingest/" + deviceID + "/" + string(kind)
}

// IngestPattern returns the internal bus subscription pattern for all
// inbound messages of one kind.
func IngestPattern(kind Kind) string {
	return "ingest/+/" + string(kind)
}
