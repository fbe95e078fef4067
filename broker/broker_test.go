package broker_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	. "github.com/PelionIoT/chanmesh/broker"
	"github.com/PelionIoT/chanmesh/cluster"
	"github.com/PelionIoT/chanmesh/protocol"
	"github.com/PelionIoT/chanmesh/session"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type fakeOwners struct {
	lock         sync.Mutex
	connected    []string
	disconnected []string
	refuse       bool
}

func (owners *fakeOwners) Connect(ctx context.Context, channelID string) (cluster.OwnershipRecord, error) {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	if owners.refuse {
		return cluster.OwnershipRecord{}, errors.New("refused")
	}

	owners.connected = append(owners.connected, channelID)

	return cluster.OwnershipRecord{ChannelID: channelID, NodeID: 1, Status: cluster.ChannelEstablished}, nil
}

func (owners *fakeOwners) Disconnect(ctx context.Context, channelID string, status cluster.ChannelStatus) error {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	owners.disconnected = append(owners.disconnected, channelID)

	return nil
}

func (owners *fakeOwners) Connected() []string {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	return append([]string{}, owners.connected...)
}

func (owners *fakeOwners) Disconnected() []string {
	owners.lock.Lock()
	defer owners.lock.Unlock()

	return append([]string{}, owners.disconnected...)
}

// localRouter delivers every packet to the local session like a router whose
// node owns every channel
type localRouter struct {
	session *session.Session
}

func (router *localRouter) Route(ctx context.Context, channelID string, packet protocol.Packet) (protocol.Packet, error) {
	return packet, router.session.Send(channelID, packet)
}

var _ = Describe("Broker", func() {
	var sess *session.Session
	var owners *fakeOwners
	var broker *Broker
	var server *httptest.Server

	BeforeEach(func() {
		sess = session.NewSession()
		owners = &fakeOwners{}
		broker = NewBroker(BrokerConfig{
			Session: sess,
			Owners:  owners,
			Router:  &localRouter{session: sess},
		})

		r := mux.NewRouter()
		broker.Attach(r)
		server = httptest.NewServer(r)
	})

	AfterEach(func() {
		server.Close()
	})

	dial := func() *websocket.Conn {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/channels"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)

		Expect(err).Should(BeNil())

		return conn
	}

	send := func(conn *websocket.Conn, packet protocol.Packet) {
		encoded, err := protocol.Write(packet)

		Expect(err).Should(BeNil())
		Expect(conn.WriteMessage(websocket.TextMessage, []byte(encoded))).Should(Succeed())
	}

	receive := func(conn *websocket.Conn) protocol.Packet {
		conn.SetReadDeadline(time.Now().Add(time.Second * 5))
		_, frame, err := conn.ReadMessage()

		Expect(err).Should(BeNil())

		packet, err := protocol.Read(string(frame))

		Expect(err).Should(BeNil())

		return packet
	}

	Context("A client signs in", func() {
		It("should record ownership and acknowledge the sign in", func() {
			conn := dial()
			defer conn.Close()

			send(conn, protocol.SignIn{ClientID: "client-1", Username: "user", Password: "pass"})

			Expect(receive(conn)).Should(Equal(protocol.SignInAck{Code: SignInAckOK}))
			Expect(owners.Connected()).Should(HaveLen(1))
			Expect(sess.Len()).Should(Equal(1))

			channel, ok := sess.Find(owners.Connected()[0])

			Expect(ok).Should(BeTrue())
			Expect(channel.ClientID()).Should(Equal("client-1"))
		})

		It("should echo heart beats back through the router", func() {
			conn := dial()
			defer conn.Close()

			send(conn, protocol.SignIn{ClientID: "client-1"})
			receive(conn)
			send(conn, protocol.HeartBeat{Seq: 7})

			Expect(receive(conn)).Should(Equal(protocol.HeartBeat{Seq: 7}))
		})

		It("should skip invalid frames without closing the channel", func() {
			conn := dial()
			defer conn.Close()

			send(conn, protocol.SignIn{ClientID: "client-1"})
			receive(conn)
			Expect(conn.WriteMessage(websocket.TextMessage, []byte("99,garbage"))).Should(Succeed())
			send(conn, protocol.HeartBeat{Seq: 8})

			Expect(receive(conn)).Should(Equal(protocol.HeartBeat{Seq: 8}))
		})

		It("should record a disconnect once the client goes away", func() {
			conn := dial()

			send(conn, protocol.SignIn{ClientID: "client-1"})
			receive(conn)

			channelID := owners.Connected()[0]

			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()

			Eventually(owners.Disconnected, time.Second*5).Should(Equal([]string{channelID}))
			Eventually(sess.Len, time.Second*5).Should(Equal(0))
		})
	})

	Context("The first frame is not a sign in", func() {
		It("should close the connection without recording ownership", func() {
			conn := dial()
			defer conn.Close()

			send(conn, protocol.HeartBeat{Seq: 1})

			conn.SetReadDeadline(time.Now().Add(time.Second * 5))
			_, _, err := conn.ReadMessage()

			Expect(websocket.IsCloseError(err, websocket.ClosePolicyViolation)).Should(BeTrue())
			Expect(owners.Connected()).Should(BeEmpty())
		})
	})

	Context("The ownership write is refused", func() {
		It("should reply with a refused acknowledgement", func() {
			owners.refuse = true

			conn := dial()
			defer conn.Close()

			send(conn, protocol.SignIn{ClientID: "client-1"})

			Expect(receive(conn)).Should(Equal(protocol.SignInAck{Code: SignInAckRefused}))
			Expect(sess.Len()).Should(Equal(0))
		})
	})

	Context("The channel is taken over by another node", func() {
		It("should close the client connection without recording a disconnect", func() {
			conn := dial()
			defer conn.Close()

			send(conn, protocol.SignIn{ClientID: "client-1"})
			receive(conn)

			broker.ChannelLost(owners.Connected()[0])

			conn.SetReadDeadline(time.Now().Add(time.Second * 5))
			_, _, err := conn.ReadMessage()

			Expect(err).ShouldNot(BeNil())
			Consistently(owners.Disconnected, time.Millisecond*200).Should(BeEmpty())
		})
	})
})
