/*Package shadow maintains the authoritative, versioned state twin for every
connected device.

A shadow holds two independently mutable documents: the reported state as
last asserted by the device itself, and the desired state as asserted by an
operator or automation. Every successful mutation increments the version by
exactly one and appends an immutable history entry.
*/
package shadow

import (
	"time"
)

// Section selects which side of the shadow a delta applies to.
type Section string

// the two shadow document sections
const (
	SectionReported Section = "reported"
	SectionDesired  Section = "desired"
)

// Metadata carries the shadow lifecycle timestamps.
type Metadata struct {
	CreatedAt   time.Time `json:"created_at"`
	LastUpdated time.Time `json:"last_updated"`
}

// HistoryEntry is one historical snapshot of the reported state. Entries are
// immutable once written and kept in chronological order.
type HistoryEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	State     map[string]interface{} `json:"state"`
	Metrics   map[string]float64     `json:"metrics,omitempty"`
}

// Shadow is the authoritative twin of one physical device.
type Shadow struct {
	DeviceID string                 `json:"device_id"`
	Reported map[string]interface{} `json:"reported"`
	Desired  map[string]interface{} `json:"desired"`
	Version  int64                  `json:"version"`
	Metadata Metadata               `json:"metadata"`
	History  []HistoryEntry         `json:"history,omitempty"`
}

// Delta is the unit of change applied to a shadow: a partial document for
// either the reported or the desired section.
type Delta struct {
	DeviceID string                 `json:"device_id"`
	Section  Section                `json:"section"`
	Fields   map[string]interface{} `json:"fields"`
	// MessageID is an optional client-supplied idempotency token.
	MessageID string `json:"message_id,omitempty"`
}

// Clone returns a deep copy of the shadow. Stores hand clones to change
// callbacks so that subscribers can never mutate the authoritative document.
func (s *Shadow) Clone() *Shadow {
	if s == nil {
		return nil
	}
	c := &Shadow{
		DeviceID: s.DeviceID,
		Reported: cloneFields(s.Reported),
		Desired:  cloneFields(s.Desired),
		Version:  s.Version,
		Metadata: s.Metadata,
	}
	if s.History != nil {
		c.History = make([]HistoryEntry, len(s.History))
		for i, e := range s.History {
			c.History[i] = HistoryEntry{
				Timestamp: e.Timestamp,
				State:     cloneFields(e.State),
				Metrics:   cloneMetrics(e.Metrics),
			}
		}
	}
	return c
}

func cloneFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}
	c := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if m, ok := v.(map[string]interface{}); ok {
			c[k] = cloneFields(m)
		} else {
			c[k] = v
		}
	}
	return c
}

func cloneMetrics(metrics map[string]float64) map[string]float64 {
	if metrics == nil {
		return nil
	}
	c := make(map[string]float64, len(metrics))
	for k, v := range metrics {
		c[k] = v
	}
	return c
}

// merge overlays partial onto base with shallow key overwrite and returns
// the merged document. Neither argument is modified.
func merge(base, partial map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(partial))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return merged
}

// metricsOf extracts the numeric fields of a state document. These form the
// metrics sub-map of a history entry.
func metricsOf(state map[string]interface{}) map[string]float64 {
	var metrics map[string]float64
	for k, v := range state {
		var f float64
		switch n := v.(type) {
		case float64:
			f = n
		case float32:
			f = float64(n)
		case int:
			f = float64(n)
		case int64:
			f = float64(n)
		default:
			continue
		}
		if metrics == nil {
			metrics = make(map[string]float64)
		}
		metrics[k] = f
	}
	return metrics
}
