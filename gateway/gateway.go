/*Package gateway is the client-facing entry point for real-time shadow
access.

Clients connect over a persistent websocket, authenticate with a bearer
token, and then issue operations: point-in-time reads, permission-checked
writes, and subscriptions to the post-commit shadow event stream. A write
never shortcuts back to the caller's socket; it flows through the shadow
store's commit path and the internal broker like every other change, so all
subscribers observe one consistent ordered stream.
*/
package gateway

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/access"
	"github.com/hydronix-io/shadowd/core/logger"
	"github.com/hydronix-io/shadowd/shadow"
)

// CommandPublisher publishes an outbound command to a device. The transport
// adapter implements it.
type CommandPublisher interface {
	PublishCommand(ctx context.Context, deviceID string, command map[string]interface{}) (string, error)
}

// Gateway accepts long-lived duplex client connections.
type Gateway struct {
	store     shadow.Store
	bus       *broker.Broker
	validator *access.Validator
	commands  CommandPublisher

	upgrader      websocket.Upgrader
	sendQueueSize int

	mutex       sync.Mutex
	connections map[*connection]struct{}
}

// Builder is a builder helper for the Gateway.
type Builder struct {
	// Store is the shadow store. This is mandatory.
	Store shadow.Store
	// Bus is the internal broker. This is mandatory.
	Bus *broker.Broker
	// Validator authenticates connection credentials. This is mandatory.
	Validator *access.Validator
	// Commands publishes device commands for the reset_device operation.
	// Optional; without it reset_device reports an error.
	Commands CommandPublisher
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// SendQueueSize is the per-connection outbound queue capacity.
	// Optional, defaults to 64. When a slow client saturates its queue,
	// the oldest pending message is dropped.
	SendQueueSize int
	// CheckOrigin overrides the websocket origin check. Optional.
	CheckOrigin func(r *http.Request) bool
}

// MustNew realizes the gateway and adds the websocket route to the router.
func MustNew(b *Builder) *Gateway {
	if b.Store == nil {
		panic("Store is missing")
	}
	if b.Bus == nil {
		panic("Bus is missing")
	}
	if b.Validator == nil {
		panic("Validator is missing")
	}
	if b.Router == nil {
		panic("Router is missing")
	}
	sendQueueSize := b.SendQueueSize
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	g := &Gateway{
		store:         b.Store,
		bus:           b.Bus,
		validator:     b.Validator,
		commands:      b.Commands,
		sendQueueSize: sendQueueSize,
		connections:   make(map[*connection]struct{}),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if b.CheckOrigin != nil {
		g.upgrader.CheckOrigin = b.CheckOrigin
	}

	logger.Default().Infoln("gateway: handle route /ws GET")
	b.Router.HandleFunc("/ws", g.handleWebsocket).Methods(http.MethodGet)
	return g
}

// handleWebsocket accepts the transport handshake first, as the websocket
// protocol requires, and only then authenticates. A connection that fails
// authentication is closed with a policy-violation code and never reaches
// the authenticated state.
func (g *Gateway) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	ctx, rlog := logger.ContextWithLogger(r.Context())

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Warnln("gateway: websocket upgrade failed")
		return
	}

	c := newConnection(g, ws)
	c.setState(stateAuthenticating)

	identity, err := g.validator.Authenticate(r)
	if err != nil {
		rlog.WithError(err).Warnln("gateway: closing unauthenticated connection")
		c.closeWithPolicyViolation(err.Error())
		return
	}
	c.identity = identity
	c.setState(stateAuthenticated)
	_, rlog = logger.ContextWithLoggerIdentity(ctx, identity.Username)
	rlog.Infoln("gateway: connection", c.id, "authenticated as", identity.Username, "with role", identity.Role)

	g.mutex.Lock()
	g.connections[c] = struct{}{}
	g.mutex.Unlock()

	go c.writeLoop()
	c.readLoop()
}

func (g *Gateway) remove(c *connection) {
	g.mutex.Lock()
	delete(g.connections, c)
	g.mutex.Unlock()
}

// Close tears down all client connections.
func (g *Gateway) Close() {
	g.mutex.Lock()
	connections := make([]*connection, 0, len(g.connections))
	for c := range g.connections {
		connections = append(connections, c)
	}
	g.mutex.Unlock()
	for _, c := range connections {
		c.teardown()
	}
}
