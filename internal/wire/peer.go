package wire

import (
	"errors"
	"sync"
)

// Role describes how the local node treats the remote end of a peer.
type Role string

const (
	// RoleServer marks a peer that should receive everything we have,
	// unprompted. Clients sync toward servers eagerly.
	RoleServer Role = "server"
	// RoleClient marks a peer we only answer; it tells us what it wants.
	RoleClient Role = "client"
	// RolePeer is symmetric: answer requests, push updates for
	// subscribed CoValues.
	RolePeer Role = "peer"
)

// ErrPeerClosed is returned by Send after Close.
var ErrPeerClosed = errors.New("wire: peer closed")

// Peer is one bidirectional message channel to a remote node. Incoming
// carries messages from the remote; Send queues messages toward it.
// The transport owns Incoming and closes it when the connection drops.
type Peer struct {
	ID       string
	Role     Role
	Incoming <-chan Message

	mu       sync.Mutex
	outgoing chan<- Message
	closed   bool
	onClose  func()
}

// NewPeer wires a peer around a pair of channels. onClose, if non-nil,
// runs exactly once when the peer is closed locally.
func NewPeer(id string, role Role, incoming <-chan Message, outgoing chan<- Message, onClose func()) *Peer {
	return &Peer{ID: id, Role: role, Incoming: incoming, outgoing: outgoing, onClose: onClose}
}

// Send queues a message to the remote. It blocks if the outgoing buffer
// is full and fails once the peer is closed.
func (p *Peer) Send(m Message) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPeerClosed
	}
	out := p.outgoing
	p.mu.Unlock()
	out <- m
	return nil
}

// Close tears down the sending side. Safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.outgoing)
	onClose := p.onClose
	p.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

// Closed reports whether Close has been called.
func (p *Peer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// NewPipePeers connects two nodes in process. The first return value is
// the peer node A holds (representing B, with B's role from A's point of
// view); the second is the mirror image for node B. Closing one side
// closes its outgoing channel, which the other side observes as its
// incoming stream ending, like a dropped socket.
func NewPipePeers(aID, bID string, roleOfB, roleOfA Role, buffer int) (*Peer, *Peer) {
	aToB := make(chan Message, buffer)
	bToA := make(chan Message, buffer)
	forA := NewPeer(bID, roleOfB, bToA, aToB, nil)
	forB := NewPeer(aID, roleOfA, aToB, bToA, nil)
	return forA, forB
}
