package node

import (
	"slices"

	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/crypto"
	"github.com/weftlabs/weft/internal/wire"
)

// peerState is the node's bookkeeping for one peer: the connection, an
// optimistic view of what the remote has (advanced as we send, replaced
// on corrections), and which CoValues the remote is interested in.
type peerState struct {
	peer       *wire.Peer
	known      map[coval.ID]*coval.KnownState
	subscribed map[coval.ID]bool
}

func (ps *peerState) assumedKnown(id coval.ID) *coval.KnownState {
	k := ps.known[id]
	if k == nil {
		e := coval.EmptyKnownState(id)
		k = &e
		ps.known[id] = k
	}
	return k
}

// syncManager implements the load/known/content/done protocol for all
// of a node's peers. Every method runs on the node's run loop; nothing
// here takes locks.
type syncManager struct {
	n     *Node
	peers map[string]*peerState
}

func newSyncManager(n *Node) *syncManager {
	return &syncManager{n: n, peers: make(map[string]*peerState)}
}

func (m *syncManager) peerIDs() []string {
	out := make([]string, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// addPeer registers the peer. Toward servers the node announces every
// loaded CoValue: the load both subscribes us to updates and tells the
// server what we have, so it can pull what it is missing.
func (m *syncManager) addPeer(p *wire.Peer) {
	ps := &peerState{
		peer:       p,
		known:      make(map[coval.ID]*coval.KnownState),
		subscribed: make(map[coval.ID]bool),
	}
	m.peers[p.ID] = ps
	if p.Role != wire.RoleServer {
		return
	}
	ids := m.n.registry.IDs()
	slices.Sort(ids)
	for _, id := range ids {
		core, ok := m.n.registry.CoreByID(id)
		if !ok {
			continue
		}
		ps.subscribed[id] = true
		m.send(ps, wire.LoadFromKnown(core.KnownState()))
	}
}

func (m *syncManager) removePeer(id string) {
	ps, ok := m.peers[id]
	if !ok {
		return
	}
	delete(m.peers, id)
	ps.peer.Close()
}

func (m *syncManager) closeAll() {
	for id := range m.peers {
		m.removePeer(id)
	}
}

// requestLoad asks every peer for a CoValue we do not have.
func (m *syncManager) requestLoad(id coval.ID) {
	for _, pid := range m.peerIDs() {
		ps := m.peers[pid]
		ps.subscribed[id] = true
		m.send(ps, &wire.LoadMessage{ID: id, Header: false, Sessions: map[crypto.SessionID]int{}})
	}
}

func (m *syncManager) handleMessage(peerID string, msg wire.Message) {
	ps, ok := m.peers[peerID]
	if !ok {
		return
	}
	switch t := msg.(type) {
	case *wire.LoadMessage:
		m.handleLoad(ps, t)
	case *wire.KnownMessage:
		m.handleKnown(ps, t)
	case *wire.ContentMessage:
		m.handleContent(ps, t)
	case *wire.DoneMessage:
		m.n.loadExhausted(t.ID, peerID)
	}
}

// handleLoad answers a peer's request: dependency content first, then
// our known state for the requested CoValue, the transactions the peer
// is missing, and done. A load for a CoValue we do not have gets an
// empty known state and, if we have upstream servers, a forwarded load
// so the answer can arrive later.
func (m *syncManager) handleLoad(ps *peerState, msg *wire.LoadMessage) {
	ks := msg.KnownState()
	ps.subscribed[msg.ID] = true
	ps.known[msg.ID] = cloned(ks)

	core, ok := m.n.registry.CoreByID(msg.ID)
	if !ok {
		m.send(ps, wire.KnownFromState(coval.EmptyKnownState(msg.ID), false, ""))
		for _, pid := range m.peerIDs() {
			upstream := m.peers[pid]
			if upstream == ps || upstream.peer.Role != wire.RoleServer {
				continue
			}
			upstream.subscribed[msg.ID] = true
			m.send(upstream, &wire.LoadMessage{ID: msg.ID, Header: false, Sessions: map[crypto.SessionID]int{}})
		}
		return
	}
	// Dependencies travel first so the requested value is verifiable on
	// arrival, then the known/content/done triple for the value itself.
	visited := map[coval.ID]bool{msg.ID: true}
	for _, dep := range core.DependencyIDs() {
		m.sendNewContent(ps, dep, msg.ID, visited)
	}
	m.send(ps, wire.KnownFromState(core.KnownState(), false, ""))
	m.sendOwnContent(ps, core, "")
	m.send(ps, &wire.DoneMessage{ID: msg.ID})
}

// handleKnown updates the optimistic view of the peer and sends the
// difference. Corrections replace the view outright; regular knowns
// only advance it.
func (m *syncManager) handleKnown(ps *peerState, msg *wire.KnownMessage) {
	ks := msg.KnownState()
	ps.subscribed[msg.ID] = true
	if msg.IsCorrection {
		ps.known[msg.ID] = cloned(ks)
	} else if existing := ps.known[msg.ID]; existing != nil {
		existing.CombineWith(ks)
	} else {
		ps.known[msg.ID] = cloned(ks)
	}
	if !ks.Header {
		m.n.loadExhausted(msg.ID, ps.peer.ID)
	}
	m.sendNewContent(ps, msg.ID, "", make(map[coval.ID]bool))
}

// handleContent applies incoming transactions. Batches that assume more
// than we have trigger a correction: a known message with isCorrection
// telling the peer exactly where to restart from. Batches that overlap
// what we already have are trimmed, so redelivery is idempotent.
func (m *syncManager) handleContent(ps *peerState, msg *wire.ContentMessage) {
	core, ok := m.n.registry.CoreByID(msg.ID)
	if !ok {
		if msg.Header == nil {
			m.send(ps, wire.KnownFromState(coval.EmptyKnownState(msg.ID), true, ""))
			return
		}
		header := *msg.Header
		if header.ID() != msg.ID {
			m.n.log.Warn("content header does not hash to its id",
				"peer", ps.peer.ID, "id", msg.ID, "derived", header.ID())
			return
		}
		core = m.n.adopt(coval.NewCore(header, m.n.registry))
	}

	assumed := ps.assumedKnown(msg.ID)
	assumed.Header = true

	sessions := make([]crypto.SessionID, 0, len(msg.New))
	for s := range msg.New {
		sessions = append(sessions, s)
	}
	slices.Sort(sessions)

	invalidAssumptions := false
	for _, session := range sessions {
		sc := msg.New[session]
		count := 0
		if l, ok := core.SessionLog(session); ok {
			count = l.Count()
		}
		switch {
		case sc.After > count:
			invalidAssumptions = true
		case sc.After+len(sc.NewTransactions) <= count:
			assumed.Advance(session, sc.After+len(sc.NewTransactions))
		default:
			drop := count - sc.After
			err := core.TryAddTransactions(session, count, sc.NewTransactions[drop:], sc.LastSignature)
			if err != nil {
				m.n.log.Warn("rejected content",
					"peer", ps.peer.ID, "id", msg.ID, "session", session, "err", err)
				continue
			}
			assumed.Advance(session, sc.After+len(sc.NewTransactions))
		}
	}

	if invalidAssumptions {
		m.send(ps, wire.KnownFromState(core.KnownState(), true, ""))
	}
	m.n.loadResolved(core)
}

// coreUpdated pushes an append to everyone who cares: subscribed peers,
// and servers unconditionally.
func (m *syncManager) coreUpdated(core *coval.Core) {
	id := core.ID()
	for _, pid := range m.peerIDs() {
		ps := m.peers[pid]
		if ps.peer.Role == wire.RoleServer || ps.subscribed[id] {
			m.sendNewContent(ps, id, "", make(map[coval.ID]bool))
		}
	}
}

// sendNewContent sends everything the peer is missing for one CoValue,
// dependencies first so the receiver can always validate what follows.
// The visited set terminates cycles between mutually-referencing
// CoValues; asDependencyOf tells the receiver why unrequested content
// is arriving.
func (m *syncManager) sendNewContent(ps *peerState, id coval.ID, asDependencyOf coval.ID, visited map[coval.ID]bool) {
	if visited[id] {
		return
	}
	visited[id] = true
	core, ok := m.n.registry.CoreByID(id)
	if !ok {
		return
	}

	for _, dep := range core.DependencyIDs() {
		m.sendNewContent(ps, dep, id, visited)
	}
	m.sendOwnContent(ps, core, asDependencyOf)
}

// sendOwnContent sends one CoValue's missing transactions without
// recursing into dependencies.
func (m *syncManager) sendOwnContent(ps *peerState, core *coval.Core, asDependencyOf coval.ID) {
	id := core.ID()
	assumed := ps.assumedKnown(id)
	var header *coval.Header
	if !assumed.Header {
		h := core.Header()
		header = &h
	}
	pieces := core.ContentPieces(assumed.Sessions)
	if header == nil && len(pieces) == 0 {
		return
	}
	if len(pieces) == 0 {
		// Header-only announcement for a CoValue with no transactions.
		pieces = [][]coval.SessionPatch{nil}
	}

	priority := contentPriority(core.Header())
	for i, piece := range pieces {
		msg := &wire.ContentMessage{
			ID:             id,
			New:            make(map[crypto.SessionID]wire.SessionNewContent, len(piece)),
			Priority:       priority,
			AsDependencyOf: asDependencyOf,
		}
		if i == 0 {
			msg.Header = header
		}
		for _, patch := range piece {
			msg.New[patch.Session] = wire.SessionNewContent{
				After:           patch.After,
				LastSignature:   patch.LastSignature,
				NewTransactions: patch.NewTransactions,
			}
			assumed.Advance(patch.Session, patch.After+len(patch.NewTransactions))
		}
		m.send(ps, msg)
	}
	assumed.Header = true
}

// contentPriority ranks messages for transports that reorder their send
// queues: groups first (everything else depends on them), file streams
// last.
func contentPriority(h coval.Header) int {
	switch {
	case h.Ruleset.Type == coval.RulesetGroup:
		return 0
	case h.Type == coval.TypeCoStream:
		return 5
	default:
		return 3
	}
}

func (m *syncManager) send(ps *peerState, msg wire.Message) {
	if err := ps.peer.Send(msg); err != nil {
		m.n.log.Debug("send to closed peer", "peer", ps.peer.ID)
	}
}

func cloned(k coval.KnownState) *coval.KnownState {
	c := k.Clone()
	return &c
}
