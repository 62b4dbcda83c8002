package gateway

import (
	"context"
	"errors"
	"strings"

	"github.com/goccy/go-json"

	"github.com/hydronix-io/shadowd/core/access"
	"github.com/hydronix-io/shadowd/core/logger"
	"github.com/hydronix-io/shadowd/reconciler"
	"github.com/hydronix-io/shadowd/shadow"
)

// Request is one inbound client frame naming an operation.
type Request struct {
	Action   string                 `json:"action"`
	DeviceID string                 `json:"device_id,omitempty"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	// Pattern subscribes to a topic pattern instead of a single device.
	// Only the shadows namespace is allowed.
	Pattern string `json:"pattern,omitempty"`
	// ExpectedVersion turns update_desired into a conditional write.
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
}

// Response is one outbound frame.
type Response struct {
	Type      string      `json:"type"` // ok, state, delta, event, error
	Action    string      `json:"action,omitempty"`
	DeviceID  string      `json:"device_id,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Topic     string      `json:"topic,omitempty"`
	Version   int64       `json:"version,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	// Original echoes the frame that caused an error response, for
	// client-side correlation. It is a string, not raw JSON: malformed
	// frames must still echo back intact.
	Original string `json:"original,omitempty"`
}

func (c *connection) respond(response Response) {
	data, err := json.Marshal(response)
	if err != nil {
		logger.Default().WithError(err).Errorln("gateway: cannot marshal response")
		return
	}
	c.enqueue(data)
}

// forwardEvent delivers a broker message to the client as an event frame.
func (c *connection) forwardEvent(topic string, payload []byte) {
	c.respond(Response{
		Type:  "event",
		Topic: topic,
		Data:  json.RawMessage(payload),
	})
}

// dispatch executes one inbound frame. Internal errors become structured
// error responses on the connection; only authentication failures ever
// close it.
func (c *connection) dispatch(ctx context.Context, data []byte) {
	rlog := logger.FromContext(ctx)

	var request Request
	if err := json.Unmarshal(data, &request); err != nil {
		c.respond(Response{
			Type:     "error",
			Error:    "malformed request",
			Original: string(data),
		})
		return
	}
	if len(request.Action) == 0 {
		c.respond(Response{
			Type:     "error",
			Error:    "request names no action",
			Original: string(data),
		})
		return
	}

	// authorize before executing; a denied operation never touches state
	if _, known := access.RequiredPermission(request.Action); !known {
		c.respond(Response{
			Type:      "error",
			Action:    request.Action,
			RequestID: request.RequestID,
			Error:     "unknown operation " + request.Action,
			Original:  string(data),
		})
		return
	}
	if err := c.identity.Authorize(request.Action); err != nil {
		rlog.Warnln("gateway: denied operation", request.Action, "for role", c.identity.Role)
		c.respond(Response{
			Type:      "error",
			Action:    request.Action,
			RequestID: request.RequestID,
			Error:     err.Error(),
			Original:  string(data),
		})
		return
	}

	response := c.execute(ctx, &request)
	response.Action = request.Action
	response.RequestID = request.RequestID
	if response.Type == "error" {
		response.Original = string(data)
	}
	c.respond(response)
}

func (c *connection) execute(ctx context.Context, request *Request) Response {
	switch request.Action {
	case "get_state":
		return c.getState(ctx, request)
	case "get_delta":
		return c.getDelta(ctx, request)
	case "subscribe":
		return c.handleSubscribe(request)
	case "unsubscribe":
		return c.handleUnsubscribe(request)
	case "update_reported":
		return c.update(ctx, request, shadow.SectionReported)
	case "update_desired":
		return c.update(ctx, request, shadow.SectionDesired)
	case "update_mode":
		return c.updateField(ctx, request, "mode")
	case "update_temperature":
		return c.updateField(ctx, request, "target_temperature")
	case "delete_shadow":
		return c.deleteShadow(ctx, request)
	case "reset_device":
		return c.resetDevice(ctx, request)
	}
	return Response{Type: "error", Error: "unknown operation " + request.Action}
}

func (c *connection) getState(ctx context.Context, request *Request) Response {
	if len(request.DeviceID) == 0 {
		return Response{Type: "error", Error: "device_id is missing"}
	}
	s, err := c.gw.store.Get(ctx, request.DeviceID)
	if err != nil {
		return storeError(request.DeviceID, err)
	}
	return Response{Type: "state", DeviceID: s.DeviceID, Version: s.Version, Data: s}
}

// getDelta returns the fields of the desired state that differ from the
// reported state, the set a device still has to reconcile.
func (c *connection) getDelta(ctx context.Context, request *Request) Response {
	if len(request.DeviceID) == 0 {
		return Response{Type: "error", Error: "device_id is missing"}
	}
	s, err := c.gw.store.Get(ctx, request.DeviceID)
	if err != nil {
		return storeError(request.DeviceID, err)
	}
	delta := map[string]interface{}{}
	for k, desired := range s.Desired {
		reported, ok := s.Reported[k]
		if !ok || !equalValues(desired, reported) {
			delta[k] = desired
		}
	}
	return Response{Type: "delta", DeviceID: s.DeviceID, Version: s.Version, Data: delta}
}

func (c *connection) handleSubscribe(request *Request) Response {
	pattern := request.Pattern
	if len(pattern) == 0 {
		if len(request.DeviceID) == 0 {
			return Response{Type: "error", Error: "subscribe needs a device_id or a pattern"}
		}
		pattern = reconciler.ShadowTopic(request.DeviceID)
	}
	// clients may only subscribe within the shadows namespace
	if !strings.HasPrefix(pattern, "shadows/") {
		return Response{Type: "error", Error: "pattern is outside the shadows namespace"}
	}
	if err := c.subscribe(pattern); err != nil {
		return Response{Type: "error", Error: err.Error()}
	}
	return Response{Type: "ok", Topic: pattern}
}

func (c *connection) handleUnsubscribe(request *Request) Response {
	pattern := request.Pattern
	if len(pattern) == 0 && len(request.DeviceID) > 0 {
		pattern = reconciler.ShadowTopic(request.DeviceID)
	}
	if len(pattern) == 0 {
		return Response{Type: "error", Error: "unsubscribe needs a device_id or a pattern"}
	}
	if !c.unsubscribe(pattern) {
		return Response{Type: "error", Error: "no subscription for " + pattern}
	}
	return Response{Type: "ok", Topic: pattern}
}

func (c *connection) update(ctx context.Context, request *Request, section shadow.Section) Response {
	if len(request.DeviceID) == 0 {
		return Response{Type: "error", Error: "device_id is missing"}
	}
	if len(request.Payload) == 0 {
		return Response{Type: "error", Error: "payload is empty"}
	}

	var (
		s   *shadow.Shadow
		err error
	)
	switch section {
	case shadow.SectionReported:
		s, err = c.gw.store.UpdateReported(ctx, request.DeviceID, request.Payload)
	case shadow.SectionDesired:
		if request.ExpectedVersion != nil {
			s, err = c.gw.store.UpdateDesiredIfVersion(ctx, request.DeviceID, request.Payload, *request.ExpectedVersion)
		} else {
			s, err = c.gw.store.UpdateDesired(ctx, request.DeviceID, request.Payload)
		}
	}
	if err != nil {
		return storeError(request.DeviceID, err)
	}
	// subscribers, including the writer, receive the change through the
	// broadcast path; the direct response only acknowledges the commit
	return Response{Type: "ok", DeviceID: request.DeviceID, Version: s.Version}
}

// updateField is the convenience form behind update_mode and
// update_temperature: a single-field desired-state write.
func (c *connection) updateField(ctx context.Context, request *Request, field string) Response {
	if len(request.DeviceID) == 0 {
		return Response{Type: "error", Error: "device_id is missing"}
	}
	value, ok := request.Payload[field]
	if !ok {
		return Response{Type: "error", Error: "payload has no " + field}
	}
	s, err := c.gw.store.UpdateDesired(ctx, request.DeviceID, map[string]interface{}{field: value})
	if err != nil {
		return storeError(request.DeviceID, err)
	}
	return Response{Type: "ok", DeviceID: request.DeviceID, Version: s.Version}
}

func (c *connection) deleteShadow(ctx context.Context, request *Request) Response {
	if len(request.DeviceID) == 0 {
		return Response{Type: "error", Error: "device_id is missing"}
	}
	if err := c.gw.store.Delete(ctx, request.DeviceID); err != nil {
		return storeError(request.DeviceID, err)
	}
	return Response{Type: "ok", DeviceID: request.DeviceID}
}

func (c *connection) resetDevice(ctx context.Context, request *Request) Response {
	if len(request.DeviceID) == 0 {
		return Response{Type: "error", Error: "device_id is missing"}
	}
	if c.gw.commands == nil {
		return Response{Type: "error", Error: "no command publisher configured"}
	}
	command := map[string]interface{}{"command": "reset"}
	for k, v := range request.Payload {
		command[k] = v
	}
	commandID, err := c.gw.commands.PublishCommand(ctx, request.DeviceID, command)
	if err != nil {
		return Response{Type: "error", Error: err.Error()}
	}
	return Response{Type: "ok", DeviceID: request.DeviceID, Data: map[string]string{"command_id": commandID}}
}

func storeError(deviceID string, err error) Response {
	switch {
	case errors.Is(err, shadow.ErrShadowNotFound):
		return Response{Type: "error", DeviceID: deviceID, Error: "no shadow for device " + deviceID}
	default:
		var conflict *shadow.VersionConflictError
		if errors.As(err, &conflict) {
			return Response{Type: "error", DeviceID: deviceID, Error: conflict.Error(), Version: conflict.Actual}
		}
		return Response{Type: "error", DeviceID: deviceID, Error: err.Error()}
	}
}

func equalValues(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
