// Package session tracks the client channels that terminate on this node.
package session

import (
	"errors"
	"sync"

	. "github.com/PelionIoT/chanmesh/error"
	"github.com/PelionIoT/chanmesh/protocol"
	"github.com/PelionIoT/chanmesh/util"
)

const DefaultOutboxSize = 64

var EOutboxFull = errors.New("The channel outbox is full")
var EChannelClosed = errors.New("The channel is closed")

// Channel is one client connection. Packets queued with Send are written to
// the client by whoever drains Outbox.
type Channel struct {
	id            string
	clientID      string
	remoteAddress string
	outbox        chan protocol.Packet
	done          chan struct{}
	closeOnce     sync.Once
}

func NewChannel(clientID string, remoteAddress string, outboxSize int) *Channel {
	if outboxSize <= 0 {
		outboxSize = DefaultOutboxSize
	}

	return &Channel{
		id:            util.UUID(),
		clientID:      clientID,
		remoteAddress: remoteAddress,
		outbox:        make(chan protocol.Packet, outboxSize),
		done:          make(chan struct{}),
	}
}

func (channel *Channel) ID() string {
	return channel.id
}

func (channel *Channel) ClientID() string {
	return channel.clientID
}

func (channel *Channel) RemoteAddress() string {
	return channel.remoteAddress
}

func (channel *Channel) Outbox() <-chan protocol.Packet {
	return channel.outbox
}

// Done is closed when the channel is closed
func (channel *Channel) Done() <-chan struct{} {
	return channel.done
}

func (channel *Channel) IsClosed() bool {
	select {
	case <-channel.done:
		return true
	default:
		return false
	}
}

func (channel *Channel) Close() {
	channel.closeOnce.Do(func() {
		close(channel.done)
	})
}

// Send queues a packet without blocking. Delivery to the client is best
// effort.
func (channel *Channel) Send(packet protocol.Packet) error {
	if channel.IsClosed() {
		return EChannelClosed
	}

	select {
	case channel.outbox <- packet:
		return nil
	default:
		return EOutboxFull
	}
}

type Session struct {
	channels map[string]*Channel
	lock     sync.RWMutex
}

func NewSession() *Session {
	return &Session{
		channels: make(map[string]*Channel),
	}
}

func (session *Session) Add(channel *Channel) {
	session.lock.Lock()
	defer session.lock.Unlock()

	session.channels[channel.ID()] = channel
}

func (session *Session) Find(channelID string) (*Channel, bool) {
	session.lock.RLock()
	defer session.lock.RUnlock()

	channel, ok := session.channels[channelID]

	return channel, ok
}

// Close closes a channel and forgets it.
func (session *Session) Close(channelID string) (*Channel, bool) {
	session.lock.Lock()
	channel, ok := session.channels[channelID]
	delete(session.channels, channelID)
	session.lock.Unlock()

	if ok {
		channel.Close()
	}

	return channel, ok
}

// Send delivers packet to a channel with a live session on this node.
func (session *Session) Send(channelID string, packet protocol.Packet) error {
	channel, ok := session.Find(channelID)

	if !ok || channel.IsClosed() {
		return EUnknownChannel
	}

	return channel.Send(packet)
}

// ClearClosed forgets channels that were closed without going through Close
// and returns how many were removed.
func (session *Session) ClearClosed() int {
	session.lock.Lock()
	defer session.lock.Unlock()

	cleared := 0

	for channelID, channel := range session.channels {
		if channel.IsClosed() {
			delete(session.channels, channelID)
			cleared++
		}
	}

	return cleared
}

func (session *Session) Len() int {
	session.lock.RLock()
	defer session.lock.RUnlock()

	return len(session.channels)
}

func (session *Session) ChannelIDs() []string {
	session.lock.RLock()
	defer session.lock.RUnlock()

	channelIDs := make([]string, 0, len(session.channels))

	for channelID := range session.channels {
		channelIDs = append(channelIDs, channelID)
	}

	return channelIDs
}
