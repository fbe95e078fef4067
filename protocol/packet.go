// Package protocol implements the text framing spoken between clients and
// brokers. A packet is a comma separated list whose first field is the
// numeric packet type:
//
//	1,<client id>,<username>,<password>   sign in
//	2,<code>                              sign in acknowledgement
//	3,<sequence>                          heartbeat
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

type PacketType uint8

const (
	SignInType    PacketType = 1
	SignInAckType PacketType = 2
	HeartBeatType PacketType = 3
)

const separator = ","

func (packetType PacketType) String() string {
	switch packetType {
	case SignInType:
		return "SignIn"
	case SignInAckType:
		return "SignInAck"
	case HeartBeatType:
		return "HeartBeat"
	}

	return fmt.Sprintf("PacketType(%d)", uint8(packetType))
}

// Packet is implemented only by the packet types in this package.
type Packet interface {
	Type() PacketType
	fields() []string
}

type SignIn struct {
	ClientID string
	Username string
	Password string
}

func (signIn SignIn) Type() PacketType {
	return SignInType
}

func (signIn SignIn) fields() []string {
	return []string{signIn.ClientID, signIn.Username, signIn.Password}
}

type SignInAck struct {
	Code string
}

func (signInAck SignInAck) Type() PacketType {
	return SignInAckType
}

func (signInAck SignInAck) fields() []string {
	return []string{signInAck.Code}
}

type HeartBeat struct {
	Seq uint32
}

func (heartBeat HeartBeat) Type() PacketType {
	return HeartBeatType
}

func (heartBeat HeartBeat) fields() []string {
	return []string{strconv.FormatUint(uint64(heartBeat.Seq), 10)}
}

type PacketError struct {
	Reason string
	Raw    string
}

func (packetError *PacketError) Error() string {
	return fmt.Sprintf("Invalid packet %q: %s", packetError.Raw, packetError.Reason)
}

// Write encodes a packet. Fields may not contain the separator since the
// framing has no escaping.
func Write(packet Packet) (string, error) {
	fields := packet.fields()
	encoded := make([]string, 0, len(fields)+1)
	encoded = append(encoded, strconv.Itoa(int(packet.Type())))

	for _, field := range fields {
		if strings.Contains(field, separator) {
			return "", &PacketError{Reason: fmt.Sprintf("%s field contains a separator", packet.Type()), Raw: field}
		}

		encoded = append(encoded, field)
	}

	return strings.Join(encoded, separator), nil
}

func Read(raw string) (Packet, error) {
	fields := strings.Split(strings.TrimSpace(raw), separator)

	if len(fields) < 2 {
		return nil, &PacketError{Reason: "missing fields", Raw: raw}
	}

	packetType, err := strconv.ParseUint(fields[0], 10, 8)

	if err != nil {
		return nil, &PacketError{Reason: "bad packet type", Raw: raw}
	}

	fields = fields[1:]

	switch PacketType(packetType) {
	case SignInType:
		if len(fields) != 3 {
			return nil, &PacketError{Reason: "sign in takes 3 fields", Raw: raw}
		}

		return SignIn{ClientID: fields[0], Username: fields[1], Password: fields[2]}, nil
	case SignInAckType:
		if len(fields) != 1 {
			return nil, &PacketError{Reason: "sign in ack takes 1 field", Raw: raw}
		}

		return SignInAck{Code: fields[0]}, nil
	case HeartBeatType:
		if len(fields) != 1 {
			return nil, &PacketError{Reason: "heartbeat takes 1 field", Raw: raw}
		}

		seq, err := strconv.ParseUint(fields[0], 10, 32)

		if err != nil {
			return nil, &PacketError{Reason: "bad heartbeat sequence", Raw: raw}
		}

		return HeartBeat{Seq: uint32(seq)}, nil
	}

	return nil, &PacketError{Reason: "unknown packet type", Raw: raw}
}

// CheckIsSignIn reports whether raw looks like a sign in without fully
// decoding it.
func CheckIsSignIn(raw string) bool {
	header := raw

	if i := strings.Index(raw, separator); i >= 0 {
		header = raw[:i]
	}

	packetType, err := strconv.ParseUint(strings.TrimSpace(header), 10, 8)

	return err == nil && PacketType(packetType) == SignInType
}
