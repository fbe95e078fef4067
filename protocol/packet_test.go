package protocol_test

import (
	. "github.com/PelionIoT/chanmesh/protocol"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Packet", func() {
	Describe("Read", func() {
		It("should decode a sign in", func() {
			packet, err := Read("1,device-7,alice,secret")

			Expect(err).Should(BeNil())
			Expect(packet).Should(Equal(SignIn{ClientID: "device-7", Username: "alice", Password: "secret"}))
		})

		It("should decode a heartbeat", func() {
			packet, err := Read("3,42\n")

			Expect(err).Should(BeNil())
			Expect(packet).Should(Equal(HeartBeat{Seq: 42}))
			Expect(packet.Type()).Should(Equal(HeartBeatType))
		})

		It("should reject malformed packets", func() {
			for _, raw := range []string{"", "3", "x,1", "9,1", "1,a,b", "3,-1", "3,abc", "2,a,b"} {
				_, err := Read(raw)

				Expect(err).ShouldNot(BeNil(), raw)
				Expect(err).Should(BeAssignableToTypeOf(&PacketError{}))
			}
		})
	})

	Describe("Write", func() {
		It("should encode every packet type", func() {
			Expect(Write(SignIn{ClientID: "d", Username: "u", Password: "p"})).Should(Equal("1,d,u,p"))
			Expect(Write(SignInAck{Code: "0"})).Should(Equal("2,0"))
			Expect(Write(HeartBeat{})).Should(Equal("3,0"))
		})

		It("should refuse a field containing the separator", func() {
			_, err := Write(SignIn{ClientID: "a,b"})

			Expect(err).ShouldNot(BeNil())
		})

		It("should decode what it encodes", func() {
			for _, packet := range []Packet{SignIn{ClientID: "d", Username: "u", Password: "p"}, SignInAck{Code: "1"}, HeartBeat{Seq: 4294967295}} {
				raw, err := Write(packet)

				Expect(err).Should(BeNil())
				Expect(Read(raw)).Should(Equal(packet))
			}
		})
	})

	Describe("CheckIsSignIn", func() {
		It("should only accept sign in packets", func() {
			Expect(CheckIsSignIn("1,a,b,c")).Should(BeTrue())
			Expect(CheckIsSignIn("3,1")).Should(BeFalse())
			Expect(CheckIsSignIn("garbage")).Should(BeFalse())
		})
	})
})
