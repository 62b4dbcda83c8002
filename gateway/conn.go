package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hydronix-io/shadowd/broker"
	"github.com/hydronix-io/shadowd/core/access"
	"github.com/hydronix-io/shadowd/core/logger"
)

// connState is the lifecycle state of one client connection.
type connState int32

// the connection states: a connection that fails authentication goes
// directly to closing and never reaches the authenticated state
const (
	stateConnecting connState = iota
	stateAuthenticating
	stateAuthenticated
	stateClosing
	stateClosed
)

const writeTimeout = 10 * time.Second

// connection is one live duplex client connection.
type connection struct {
	id       string
	gw       *Gateway
	ws       *websocket.Conn
	identity *access.Identity

	stateMutex sync.Mutex
	state      connState

	send chan []byte

	subsMutex     sync.Mutex
	subscriptions map[string]*broker.Subscription

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(g *Gateway, ws *websocket.Conn) *connection {
	return &connection{
		id:            uuid.New().String(),
		gw:            g,
		ws:            ws,
		state:         stateConnecting,
		send:          make(chan []byte, g.sendQueueSize),
		subscriptions: make(map[string]*broker.Subscription),
		done:          make(chan struct{}),
	}
}

func (c *connection) setState(s connState) {
	c.stateMutex.Lock()
	c.state = s
	c.stateMutex.Unlock()
}

func (c *connection) currentState() connState {
	c.stateMutex.Lock()
	defer c.stateMutex.Unlock()
	return c.state
}

// readLoop consumes inbound frames until the connection dies. Malformed
// frames produce an error response, they never crash the handler.
func (c *connection) readLoop() {
	defer c.teardown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Default().WithError(err).Debugln("gateway: connection", c.id, "read error")
			}
			return
		}
		ctx, _ := logger.ContextWithLoggerIdentity(context.Background(), c.identity.Username)
		c.dispatch(ctx, data)
	}
}

// writeLoop is the single writer on the websocket.
func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.teardown()
				return
			}
		}
	}
}

// enqueue places a frame on the bounded outbound queue. A slow client must
// not block broadcast delivery to other connections: when the queue is
// full, the oldest pending frame is dropped.
func (c *connection) enqueue(data []byte) {
	for {
		select {
		case <-c.done:
			return
		case c.send <- data:
			return
		default:
		}
		select {
		case <-c.send:
			logger.Default().Warnln("gateway: outbound queue full, dropping oldest frame for connection", c.id)
		default:
		}
	}
}

// subscribe registers a broker subscription owned by this connection.
func (c *connection) subscribe(pattern string) error {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()
	if _, ok := c.subscriptions[pattern]; ok {
		return nil // idempotent
	}
	sub, err := c.gw.bus.Subscribe(pattern, func(ctx context.Context, topic string, payload []byte) error {
		c.forwardEvent(topic, payload)
		return nil
	})
	if err != nil {
		return err
	}
	c.subscriptions[pattern] = sub
	return nil
}

func (c *connection) unsubscribe(pattern string) bool {
	c.subsMutex.Lock()
	defer c.subsMutex.Unlock()
	sub, ok := c.subscriptions[pattern]
	if !ok {
		return false
	}
	c.gw.bus.Unsubscribe(sub)
	delete(c.subscriptions, pattern)
	return true
}

// teardown removes all subscriptions owned by this connection and releases
// its resources. It must not affect other connections or the shadow data.
func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		c.setState(stateClosing)
		close(c.done)

		c.subsMutex.Lock()
		for _, sub := range c.subscriptions {
			c.gw.bus.Unsubscribe(sub)
		}
		c.subscriptions = make(map[string]*broker.Subscription)
		c.subsMutex.Unlock()

		c.gw.remove(c)
		c.ws.Close()
		c.setState(stateClosed)
	})
}

// closeWithPolicyViolation closes an unauthenticated connection with the
// policy-violation close code.
func (c *connection) closeWithPolicyViolation(reason string) {
	c.setState(stateClosing)
	message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(websocket.CloseMessage, message)
	c.teardown()
}
