package session_test

import (
	. "github.com/PelionIoT/chanmesh/error"
	"github.com/PelionIoT/chanmesh/protocol"
	. "github.com/PelionIoT/chanmesh/session"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Session", func() {
	var session *Session

	BeforeEach(func() {
		session = NewSession()
	})

	It("should give every channel a distinct id", func() {
		a := NewChannel("client", "127.0.0.1:1", 1)
		b := NewChannel("client", "127.0.0.1:1", 1)

		Expect(a.ID()).ShouldNot(Equal(b.ID()))
		Expect(a.ID()).ShouldNot(BeEmpty())
	})

	It("should queue packets for a live channel", func() {
		channel := NewChannel("client", "127.0.0.1:1", 2)
		session.Add(channel)

		Expect(session.Send(channel.ID(), protocol.HeartBeat{Seq: 1})).Should(BeNil())
		Expect(channel.Outbox()).Should(Receive(Equal(protocol.HeartBeat{Seq: 1})))
	})

	It("should not block when the outbox is full", func() {
		channel := NewChannel("client", "127.0.0.1:1", 1)
		session.Add(channel)

		Expect(session.Send(channel.ID(), protocol.HeartBeat{Seq: 1})).Should(BeNil())
		Expect(session.Send(channel.ID(), protocol.HeartBeat{Seq: 2})).Should(Equal(EOutboxFull))
	})

	It("should report EUnknownChannel for channels it does not hold", func() {
		Expect(session.Send("nope", protocol.HeartBeat{})).Should(Equal(EUnknownChannel))
	})

	It("should close and forget a channel", func() {
		channel := NewChannel("client", "127.0.0.1:1", 1)
		session.Add(channel)

		closed, ok := session.Close(channel.ID())

		Expect(ok).Should(BeTrue())
		Expect(closed).Should(BeIdenticalTo(channel))
		Expect(channel.Done()).Should(BeClosed())
		Expect(session.Send(channel.ID(), protocol.HeartBeat{})).Should(Equal(EUnknownChannel))

		_, ok = session.Close(channel.ID())

		Expect(ok).Should(BeFalse())
	})

	It("should clear channels closed directly", func() {
		a := NewChannel("a", "127.0.0.1:1", 1)
		b := NewChannel("b", "127.0.0.1:2", 1)
		session.Add(a)
		session.Add(b)
		a.Close()

		Expect(session.ClearClosed()).Should(Equal(1))
		Expect(session.Len()).Should(Equal(1))
		Expect(session.ChannelIDs()).Should(Equal([]string{b.ID()}))
	})
})
