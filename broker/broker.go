// Package broker accepts client connections over websockets, records channel
// ownership in the cluster and moves packets between the client and the
// router.
package broker

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/PelionIoT/chanmesh/cluster"
	. "github.com/PelionIoT/chanmesh/logging"
	"github.com/PelionIoT/chanmesh/protocol"
	"github.com/PelionIoT/chanmesh/session"
)

const (
	SignInAckOK      = "0"
	SignInAckRefused = "1"
)

const (
	DefaultSignInTimeout = time.Second * 10
	DefaultWriteWait     = time.Second * 10
	DefaultPongWait      = time.Second * 60
	DefaultWriteTimeout  = time.Second * 10
)

type OwnershipWriter interface {
	Connect(ctx context.Context, channelID string) (cluster.OwnershipRecord, error)
	Disconnect(ctx context.Context, channelID string, status cluster.ChannelStatus) error
}

type PacketRouter interface {
	Route(ctx context.Context, channelID string, packet protocol.Packet) (protocol.Packet, error)
}

type BrokerConfig struct {
	Session    *session.Session
	Owners     OwnershipWriter
	Router     PacketRouter
	OutboxSize int
	// How long a new connection has to send its sign in
	SignInTimeout time.Duration
	// How long ownership writes may take
	WriteTimeout time.Duration
	PongWait     time.Duration
}

type Broker struct {
	session       *session.Session
	owners        OwnershipWriter
	router        PacketRouter
	upgrader      websocket.Upgrader
	outboxSize    int
	signInTimeout time.Duration
	writeTimeout  time.Duration
	pongWait      time.Duration
}

func NewBroker(config BrokerConfig) *Broker {
	if config.SignInTimeout == 0 {
		config.SignInTimeout = DefaultSignInTimeout
	}

	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}

	if config.PongWait == 0 {
		config.PongWait = DefaultPongWait
	}

	return &Broker{
		session:       config.Session,
		owners:        config.Owners,
		router:        config.Router,
		outboxSize:    config.OutboxSize,
		signInTimeout: config.SignInTimeout,
		writeTimeout:  config.WriteTimeout,
		pongWait:      config.PongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (broker *Broker) Attach(router *mux.Router) {
	router.HandleFunc("/channels", func(w http.ResponseWriter, r *http.Request) {
		conn, err := broker.upgrader.Upgrade(w, r, nil)

		if err != nil {
			Log.Warningf("GET /channels: Unable to upgrade connection from %s: %v", r.RemoteAddr, err.Error())

			return
		}

		broker.Accept(conn)
	}).Methods("GET")
}

// ChannelLost tears down the local session of a channel whose ownership moved
// to another node.
func (broker *Broker) ChannelLost(channelID string) {
	if _, ok := broker.session.Close(channelID); ok {
		Log.Infof("Closed local session for channel %s since it is now owned elsewhere", channelID)
	}
}

// Accept runs one client connection until it closes.
func (broker *Broker) Accept(conn *websocket.Conn) {
	channel, err := broker.signIn(conn)

	if err != nil {
		closeWSConnection(conn, websocket.ClosePolicyViolation)

		return
	}

	done := make(chan struct{})

	go broker.writePump(conn, channel, done)

	broker.readPump(conn, channel)

	_, stillOwned := broker.session.Close(channel.ID())
	<-done

	if !stillOwned {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), broker.writeTimeout)
	defer cancel()

	if err := broker.owners.Disconnect(ctx, channel.ID(), cluster.ChannelClosed); err != nil {
		Log.Warningf("Unable to record disconnect of channel %s: %v", channel.ID(), err.Error())
	}
}

func (broker *Broker) signIn(conn *websocket.Conn) (*session.Channel, error) {
	conn.SetReadDeadline(time.Now().Add(broker.signInTimeout))

	_, frame, err := conn.ReadMessage()

	if err != nil {
		Log.Infof("Connection from %s closed before signing in: %v", conn.RemoteAddr(), err.Error())

		return nil, err
	}

	if !protocol.CheckIsSignIn(string(frame)) {
		Log.Warningf("Connection from %s did not start with a sign in", conn.RemoteAddr())

		return nil, &protocol.PacketError{Reason: "expected sign in", Raw: string(frame)}
	}

	packet, err := protocol.Read(string(frame))

	if err != nil {
		Log.Warningf("Connection from %s sent an invalid sign in: %v", conn.RemoteAddr(), err.Error())

		return nil, err
	}

	signIn := packet.(protocol.SignIn)
	channel := session.NewChannel(signIn.ClientID, conn.RemoteAddr().String(), broker.outboxSize)

	ctx, cancel := context.WithTimeout(context.Background(), broker.writeTimeout)
	defer cancel()

	// the session must exist before the ownership record points here
	broker.session.Add(channel)

	if _, err := broker.owners.Connect(ctx, channel.ID()); err != nil {
		Log.Warningf("Unable to record ownership of channel %s for client %s: %v", channel.ID(), signIn.ClientID, err.Error())

		broker.session.Close(channel.ID())
		writePacket(conn, protocol.SignInAck{Code: SignInAckRefused})

		return nil, err
	}

	Log.Infof("Client %s signed in from %s on channel %s", signIn.ClientID, conn.RemoteAddr(), channel.ID())

	channel.Send(protocol.SignInAck{Code: SignInAckOK})

	return channel, nil
}

func (broker *Broker) readPump(conn *websocket.Conn, channel *session.Channel) {
	defer channel.Close()

	conn.SetReadDeadline(time.Now().Add(broker.pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(broker.pongWait))

		return nil
	})

	for {
		_, frame, err := conn.ReadMessage()

		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				Log.Infof("Channel %s closed by client", channel.ID())
			} else if !channel.IsClosed() {
				Log.Warningf("Channel %s read failed: %v", channel.ID(), err.Error())
			}

			return
		}

		conn.SetReadDeadline(time.Now().Add(broker.pongWait))

		packet, err := protocol.Read(string(frame))

		if err != nil {
			// a bad frame does not end the session
			Log.Warningf("Channel %s sent an invalid packet: %v", channel.ID(), err.Error())

			continue
		}

		switch packet.(type) {
		case protocol.HeartBeat:
			broker.route(channel, packet)
		default:
			Log.Debugf("Channel %s sent unexpected %s packet", channel.ID(), packet.Type())
		}
	}
}

func (broker *Broker) route(channel *session.Channel, packet protocol.Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), broker.writeTimeout)
	defer cancel()

	if _, err := broker.router.Route(ctx, channel.ID(), packet); err != nil {
		Log.Warningf("Unable to route %s for channel %s: %v", packet.Type(), channel.ID(), err.Error())
	}
}

func (broker *Broker) writePump(conn *websocket.Conn, channel *session.Channel, done chan struct{}) {
	pingTicker := time.NewTicker(broker.pongWait * 9 / 10)

	defer func() {
		pingTicker.Stop()
		closeWSConnection(conn, websocket.CloseNormalClosure)
		close(done)
	}()

	for {
		select {
		case packet := <-channel.Outbox():
			if err := writePacket(conn, packet); err != nil {
				Log.Warningf("Unable to write to channel %s: %v", channel.ID(), err.Error())

				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(DefaultWriteWait))

			if err := conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				Log.Warningf("Unable to ping channel %s: %v", channel.ID(), err.Error())

				return
			}
		case <-channel.Done():
			return
		}
	}
}

func writePacket(conn *websocket.Conn, packet protocol.Packet) error {
	encoded, err := protocol.Write(packet)

	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(DefaultWriteWait))

	return conn.WriteMessage(websocket.TextMessage, []byte(encoded))
}

func closeWSConnection(conn *websocket.Conn, closeCode int) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, ""))
	conn.Close()
}
