package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/access"
	"github.com/hydronix-io/shadowd/shadow"
)

type fakeCommandPublisher struct {
	lastDeviceID string
	lastCommand  map[string]interface{}
}

func (f *fakeCommandPublisher) PublishCommand(ctx context.Context, deviceID string, command map[string]interface{}) (string, error) {
	f.lastDeviceID = deviceID
	f.lastCommand = command
	return "cmd-1", nil
}

type gatewayEnv struct {
	store    shadow.Store
	bus      *broker.Broker
	commands *fakeCommandPublisher
	server   *httptest.Server
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	env := &gatewayEnv{
		store:    shadow.NewMemoryStore(nil),
		bus:      broker.New(nil),
		commands: &fakeCommandPublisher{},
	}
	t.Cleanup(env.bus.Close)

	router := mux.NewRouter()
	gw := MustNew(&Builder{
		Store: env.store,
		Bus:   env.bus,
		Validator: access.NewValidator(&access.ValidatorBuilder{
			Secret:                    "gateway-test-secret",
			EnableInsecureDebugAccess: true,
		}),
		Commands: env.commands,
		Router:   router,
	})
	t.Cleanup(gw.Close)

	env.server = httptest.NewServer(router)
	t.Cleanup(env.server.Close)
	return env
}

func (e *gatewayEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws"
	if len(token) > 0 {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, wantedType string) Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var response Response
		require.NoError(t, conn.ReadJSON(&response))
		if response.Type == wantedType {
			return response
		}
	}
}

func TestUnauthenticatedConnectionIsClosed(t *testing.T) {
	env := newGatewayEnv(t)

	conn := env.dial(t, "")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestInvalidTokenIsClosed(t *testing.T) {
	env := newGatewayEnv(t)

	conn := env.dial(t, "garbage")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestGetState(t *testing.T) {
	env := newGatewayEnv(t)
	_, err := env.store.UpdateReported(context.Background(), "boiler-1", map[string]interface{}{"temperature": 85.0})
	require.NoError(t, err)

	conn := env.dial(t, "debug:read_only")
	require.NoError(t, conn.WriteJSON(Request{Action: "get_state", DeviceID: "boiler-1", RequestID: "r1"}))

	state := readFrame(t, conn, "state")
	assert.Equal(t, "boiler-1", state.DeviceID)
	assert.Equal(t, int64(1), state.Version)
	assert.Equal(t, "r1", state.RequestID)
}

func TestGetStateNotFound(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial(t, "debug:read_only")

	require.NoError(t, conn.WriteJSON(Request{Action: "get_state", DeviceID: "no-such-device"}))
	errFrame := readFrame(t, conn, "error")
	assert.Contains(t, errFrame.Error, "no shadow for device")
}

func TestMalformedFrameEchoesOriginal(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial(t, "debug:read_only")

	// the echoed original is not valid JSON; the error frame must still
	// reach the client intact
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{broken`)))
	errFrame := readFrame(t, conn, "error")
	assert.Equal(t, "malformed request", errFrame.Error)
	assert.Equal(t, `{broken`, errFrame.Original)

	// the connection survives and keeps serving
	require.NoError(t, conn.WriteJSON(Request{Action: "get_state", DeviceID: "x"}))
	readFrame(t, conn, "error")
}

func TestReadOnlyClientIsDeniedWrites(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()
	_, err := env.store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 85.0})
	require.NoError(t, err)

	conn := env.dial(t, "debug:read_only")
	require.NoError(t, conn.WriteJSON(Request{
		Action:   "update_desired",
		DeviceID: "boiler-1",
		Payload:  map[string]interface{}{"target_temperature": 99.0},
	}))
	errFrame := readFrame(t, conn, "error")
	assert.Contains(t, errFrame.Error, "not authorized")
	assert.Contains(t, errFrame.Original, "update_desired")

	// the denied write left the shadow untouched
	s, err := env.store.Get(ctx, "boiler-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Version)
	assert.NotContains(t, s.Desired, "target_temperature")
}

func TestOperatorUpdatesDesired(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial(t, "debug:operator")

	require.NoError(t, conn.WriteJSON(Request{
		Action:   "update_desired",
		DeviceID: "boiler-1",
		Payload:  map[string]interface{}{"target_temperature": 120.0},
	}))
	ok := readFrame(t, conn, "ok")
	assert.Equal(t, int64(1), ok.Version)

	s, err := env.store.Get(context.Background(), "boiler-1")
	require.NoError(t, err)
	assert.Equal(t, 120.0, s.Desired["target_temperature"])
}

func TestConditionalUpdateConflict(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()
	_, err := env.store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 85.0})
	require.NoError(t, err)

	conn := env.dial(t, "debug:operator")
	stale := int64(7)
	require.NoError(t, conn.WriteJSON(Request{
		Action:          "update_desired",
		DeviceID:        "boiler-1",
		Payload:         map[string]interface{}{"target_temperature": 120.0},
		ExpectedVersion: &stale,
	}))
	errFrame := readFrame(t, conn, "error")
	assert.Contains(t, errFrame.Error, "version conflict")
	// the conflict response reports the actual version
	assert.Equal(t, int64(1), errFrame.Version)
}

func TestUpdateTemperatureShortcut(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial(t, "debug:operator")

	require.NoError(t, conn.WriteJSON(Request{
		Action:   "update_temperature",
		DeviceID: "boiler-1",
		Payload:  map[string]interface{}{"target_temperature": 118.0},
	}))
	readFrame(t, conn, "ok")

	s, err := env.store.Get(context.Background(), "boiler-1")
	require.NoError(t, err)
	assert.Equal(t, 118.0, s.Desired["target_temperature"])
}

func TestSubscribeAndBroadcast(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()
	conn := env.dial(t, "debug:read_only")

	require.NoError(t, conn.WriteJSON(Request{Action: "subscribe", DeviceID: "boiler-1"}))
	ok := readFrame(t, conn, "ok")
	assert.Equal(t, "shadows/boiler-1", ok.Topic)

	require.NoError(t, env.bus.Publish(ctx, "shadows/boiler-1", []byte(`{"version":1}`)))
	event := readFrame(t, conn, "event")
	assert.Equal(t, "shadows/boiler-1", event.Topic)

	// unsubscribe stops the stream
	require.NoError(t, conn.WriteJSON(Request{Action: "unsubscribe", DeviceID: "boiler-1"}))
	readFrame(t, conn, "ok")
	require.NoError(t, env.bus.Publish(ctx, "shadows/boiler-1", []byte(`{"version":2}`)))

	// the very next frame is the response to this request, not a stale event
	require.NoError(t, conn.WriteJSON(Request{Action: "get_state", DeviceID: "nothing"}))
	var frame Response
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
	assert.Contains(t, frame.Error, "no shadow for device")
}

func TestSubscribePatternMustStayInNamespace(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial(t, "debug:read_only")

	require.NoError(t, conn.WriteJSON(Request{Action: "subscribe", Pattern: "ingest/+/telemetry"}))
	errFrame := readFrame(t, conn, "error")
	assert.Contains(t, errFrame.Error, "namespace")

	require.NoError(t, conn.WriteJSON(Request{Action: "subscribe", Pattern: "shadows/+"}))
	readFrame(t, conn, "ok")
}

func TestDeleteShadowNeedsAdmin(t *testing.T) {
	env := newGatewayEnv(t)
	ctx := context.Background()
	_, err := env.store.UpdateReported(ctx, "boiler-1", map[string]interface{}{"temperature": 85.0})
	require.NoError(t, err)

	operator := env.dial(t, "debug:operator")
	require.NoError(t, operator.WriteJSON(Request{Action: "delete_shadow", DeviceID: "boiler-1"}))
	errFrame := readFrame(t, operator, "error")
	assert.Contains(t, errFrame.Error, "not authorized")

	admin := env.dial(t, "debug:admin")
	require.NoError(t, admin.WriteJSON(Request{Action: "delete_shadow", DeviceID: "boiler-1"}))
	readFrame(t, admin, "ok")

	_, err = env.store.Get(ctx, "boiler-1")
	assert.ErrorIs(t, err, shadow.ErrShadowNotFound)
}

func TestResetDevice(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial(t, "debug:admin")

	require.NoError(t, conn.WriteJSON(Request{
		Action:   "reset_device",
		DeviceID: "boiler-1",
		Payload:  map[string]interface{}{"mode": "factory"},
	}))
	readFrame(t, conn, "ok")

	assert.Equal(t, "boiler-1", env.commands.lastDeviceID)
	assert.Equal(t, "reset", env.commands.lastCommand["command"])
	assert.Equal(t, "factory", env.commands.lastCommand["mode"])
}

func TestConnectionStateAccessors(t *testing.T) {
	c := &connection{state: stateConnecting}
	assert.Equal(t, stateConnecting, c.currentState())

	c.setState(stateAuthenticating)
	assert.Equal(t, stateAuthenticating, c.currentState())
	c.setState(stateAuthenticated)
	assert.Equal(t, stateAuthenticated, c.currentState())
}

func TestUnknownOperation(t *testing.T) {
	env := newGatewayEnv(t)
	conn := env.dial(t, "debug:admin")

	require.NoError(t, conn.WriteJSON(Request{Action: "self_destruct"}))
	errFrame := readFrame(t, conn, "error")
	assert.Contains(t, errFrame.Error, "unknown operation")
}
