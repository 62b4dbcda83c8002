/*Package devicebroker is an embedded MQTT broker for the device-facing
transport.

Deployments without an external MQTT broker run this one. It confines every
device to its own topic subtree: a device may publish telemetry, events and
command responses under its own device id and subscribe to its own command
topic, nothing else. Devices are identified by their MQTT client id; with
TLS enabled, the client certificate common name must match the client id.

The platform's transport adapter connects like any other client, under the
configured platform client id, and is exempt from the device topic policy.
*/
package devicebroker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/hydronix-io/shadowd/core/logger"
)

// mqttServer is the part of the gmqtt server the broker drives. Run and
// Stop live on the value returned by gmqtt.NewServer, not on the
// gmqtt.Server plugin interface.
type mqttServer interface {
	Run()
	Stop(ctx context.Context) error
}

// Broker is the embedded MQTT broker.
type Broker struct {
	p      *plugin
	server mqttServer
}

// Builder is a builder helper for the Broker.
type Builder struct {
	// Addr is the listen address, e.g. ":1883". This is mandatory.
	Addr string
	// Namespace is the leading topic segment of the device tree. This is
	// mandatory.
	Namespace string
	// PlatformClientID is the client id of the platform's transport
	// adapter, exempt from the device topic policy. This is mandatory.
	PlatformClientID string
	// CACertFile, CertFile and KeyFile enable TLS with mutual
	// authentication. Optional; without them the broker listens in the
	// clear and trusts client ids, which is only acceptable for local
	// development.
	CACertFile string
	CertFile   string
	KeyFile    string
}

// plugin enforces the device topic policy via the GMQTT hooks
type plugin struct {
	namespace        string
	platformClientID string
	tlsEnabled       bool

	certNamesMutex sync.RWMutex
	certNames      map[net.Conn]string

	service gmqtt.Server
}

// MustNewBroker returns a new embedded broker. The broker does not accept
// connections until Run is called.
func MustNewBroker(b *Builder) *Broker {
	if len(b.Addr) == 0 {
		panic("Addr is missing")
	}
	if len(b.Namespace) == 0 {
		panic("Namespace is missing")
	}
	if len(b.PlatformClientID) == 0 {
		panic("PlatformClientID is missing")
	}

	p := &plugin{
		namespace:        b.Namespace,
		platformClientID: b.PlatformClientID,
		certNames:        make(map[net.Conn]string),
	}

	var (
		ln  net.Listener
		err error
	)
	if len(b.CertFile) > 0 || len(b.KeyFile) > 0 {
		crt, err := tls.LoadX509KeyPair(b.CertFile, b.KeyFile)
		if err != nil {
			panic(err)
		}
		caCert, err := os.ReadFile(b.CACertFile)
		if err != nil {
			panic(err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			panic("cannot parse CA certificate")
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{crt},
			ClientCAs:    caCertPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
		ln, err = tls.Listen("tcp", b.Addr, tlsConfig)
		if err != nil {
			panic(err)
		}
		p.tlsEnabled = true
	} else {
		logger.Default().Warnln("devicebroker: TLS is disabled, trusting client ids")
		ln, err = net.Listen("tcp", b.Addr)
		if err != nil {
			panic(err)
		}
	}

	server := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(p),
	)
	return &Broker{p: p, server: server}
}

// Run starts the broker. It returns immediately; call Stop for a graceful
// shutdown.
func (b *Broker) Run() {
	b.server.Run()
	logger.Default().Infoln("devicebroker: listening")
}

// Stop shuts the broker down.
func (b *Broker) Stop(ctx context.Context) error {
	return b.server.Stop(ctx)
}

// PublishMessageQ1 publishes an MQTT message with quality level 1.
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements the plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.service = service
	return nil
}

// Unload implements the plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements the plugin interface
func (p *plugin) Name() string { return "shadowd device broker" }

// HookWrapper implements the plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// OnAcceptWrapper records the TLS certificate common name of the connection
// so that OnConnect can match it against the MQTT client id.
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			commonName := state.VerifiedChains[0][0].Subject.CommonName
			p.certNamesMutex.Lock()
			p.certNames[conn] = commonName
			p.certNamesMutex.Unlock()
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client id matches the certificate
// common name when TLS is enabled.
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		if len(clientID) == 0 {
			return packets.CodeNotAuthorized
		}
		if p.tlsEnabled {
			p.certNamesMutex.RLock()
			commonName := p.certNames[client.Connection()]
			p.certNamesMutex.RUnlock()
			if clientID != commonName {
				logger.Default().Warnln("devicebroker: connect denied,", clientID, "does not match certificate", commonName)
				return packets.CodeNotAuthorized
			}
		}
		logger.Default().Infoln("devicebroker: connect", clientID)
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces the topic policy: a device may only subscribe
// to its own command topic.
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if clientID == p.platformClientID {
			return subscribe(ctx, client, topic)
		}
		if topic.Name != p.namespace+"/devices/"+clientID+"/commands" {
			logger.Default().Warnln("devicebroker: subscribe denied for", clientID, "on", topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper enforces the topic policy: a device may only publish
// platform-inbound message kinds under its own device id.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		if clientID == p.platformClientID {
			return arrived(ctx, client, msg)
		}
		prefix := p.namespace + "/devices/" + clientID + "/"
		suffix := strings.TrimPrefix(msg.Topic(), prefix)
		switch suffix {
		case "telemetry", "events", "command_response":
			return arrived(ctx, client, msg)
		}
		logger.Default().Warnln("devicebroker: publish denied for", clientID, "on", msg.Topic())
		return false
	}
}
