package reconciler

import (
	"strings"
	"time"
)

// passThroughFields are copied from a device message into the reported
// state verbatim.
var passThroughFields = []string{"temperature", "pressure", "flow_rate", "energy_usage"}

// operationalStates maps a raw device status string to whether the device
// counts as operational.
var operationalStates = map[string]bool{
	"ONLINE":      true,
	"ACTIVE":      true,
	"RUNNING":     true,
	"HEATING":     true,
	"IDLE":        true,
	"OFFLINE":     false,
	"ERROR":       false,
	"FAULT":       false,
	"MAINTENANCE": false,
}

// MapTelemetry transforms a validated device message into a partial
// reported-state document, using the fixed field-mapping table. It returns
// nil if the message contains no recognized telemetry field; unknown fields
// are ignored, not rejected.
func MapTelemetry(fields map[string]interface{}, at time.Time) map[string]interface{} {
	delta := map[string]interface{}{}

	for _, name := range passThroughFields {
		if v, ok := fields[name]; ok {
			delta[name] = v
		}
	}

	if raw, ok := fields["status"].(string); ok && len(raw) > 0 {
		state := strings.ToUpper(raw)
		operational, known := operationalStates[state]
		if !known {
			operational = false
		}
		delta["operational_status"] = map[string]interface{}{
			"state":       state,
			"operational": operational,
			"updated_at":  at.Format(time.RFC3339),
		}
	}

	telemetry := map[string]interface{}{}
	if v, ok := fields["temperature"]; ok {
		telemetry["temperature"] = v
	}
	if v, ok := fields["target_temperature"]; ok {
		telemetry["target_temperature"] = v
	}
	if v, ok := fields["heating_active"]; ok {
		telemetry["heating_active"] = v
	}
	if len(telemetry) > 0 {
		delta["telemetry"] = telemetry
	}

	if len(delta) == 0 {
		return nil
	}
	return delta
}
