// Package node ties the pieces together: a local node owns an identity,
// a registry of loaded CoValues, and a set of peers, and runs the sync
// protocol between them on a single-writer event loop.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weftlabs/weft/internal/canonical"
	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/crypto"
	"github.com/weftlabs/weft/internal/wire"
)

// ErrNodeClosed is returned by operations submitted after Close.
var ErrNodeClosed = errors.New("node: closed")

// ErrUnavailable is returned by Load when no connected peer has the
// requested CoValue.
var ErrUnavailable = errors.New("node: covalue unavailable")

// UniquenessGenerator produces header uniqueness nonces.
// Implemented by UUIDGenerator (production) and FixedGenerator (tests).
type UniquenessGenerator interface {
	Generate() string
}

// UUIDGenerator issues UUIDv7 nonces: unique and time-sortable.
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator issues deterministic nonces for tests.
type FixedGenerator struct {
	Prefix string

	mu sync.Mutex
	n  int
}

func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.Prefix, g.n)
}

// loadRequest tracks one in-flight Load: who is waiting and which peers
// have not yet said whether they have the CoValue.
type loadRequest struct {
	waiters []chan *coval.Core
	pending map[string]bool
}

// Node is a single participant: identity, loaded CoValues, peers.
//
// All mutation of node-level state (peer set, load requests, sync
// bookkeeping) happens on the single-writer Run loop. External callers
// submit work through the event queue; the coval layer carries its own
// locking so handles remain usable from the caller's goroutine.
type Node struct {
	agent    *crypto.Agent
	session  crypto.SessionID
	registry *coval.Registry
	queue    *eventQueue
	sync     *syncManager
	log      *slog.Logger
	clock    func() int64
	uniq     UniquenessGenerator

	loads       map[coval.ID]*loadRequest
	unavailable map[coval.ID]bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option configures a Node.
type Option func(*Node)

// WithLogger sets the logger used by the run loop.
func WithLogger(log *slog.Logger) Option {
	return func(n *Node) { n.log = log }
}

// WithClock replaces the wall clock, for deterministic tests.
func WithClock(now func() int64) Option {
	return func(n *Node) { n.clock = now }
}

// WithUniqueness replaces the header nonce generator.
func WithUniqueness(g UniquenessGenerator) Option {
	return func(n *Node) { n.uniq = g }
}

// New creates a node for the given identity with a fresh session.
func New(agent *crypto.Agent, opts ...Option) *Node {
	n := &Node{
		agent:       agent,
		session:     crypto.NewSessionID(agent.ID()),
		registry:    coval.NewRegistry(),
		queue:       newEventQueue(),
		log:         slog.Default(),
		clock:       func() int64 { return time.Now().UnixMilli() },
		uniq:        UUIDGenerator{},
		loads:       make(map[coval.ID]*loadRequest),
		unavailable: make(map[coval.ID]bool),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.sync = newSyncManager(n)
	return n
}

// Agent returns the node's identity.
func (n *Node) Agent() *crypto.Agent { return n.agent }

// Session returns the session all local writes through this node's
// handles append into.
func (n *Node) Session() crypto.SessionID { return n.session }

// Registry exposes the arena of loaded cores.
func (n *Node) Registry() *coval.Registry { return n.registry }

// Run processes events until the context is cancelled or the node is
// closed. Must be called from exactly one goroutine.
func (n *Node) Run(ctx context.Context) error {
	for {
		if e, ok := n.queue.TryDequeue(); ok {
			n.dispatch(e)
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, open := <-n.queue.Wait():
			if !open {
				for {
					e, ok := n.queue.TryDequeue()
					if !ok {
						return nil
					}
					n.dispatch(e)
				}
			}
		}
	}
}

func (n *Node) dispatch(e event) {
	switch e.typ {
	case eventPeerMessage:
		n.sync.handleMessage(e.peerID, e.msg)
	case eventPeerClosed:
		n.sync.removePeer(e.peerID)
		n.failLoadsFor(e.peerID)
	case eventCoreUpdated:
		n.sync.coreUpdated(e.core)
	case eventTask:
		e.task()
	}
}

// Close shuts the node down: peers are closed, pending loads fail, and
// Run returns once the queue drains.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.queue.Enqueue(event{typ: eventTask, task: func() {
			n.sync.closeAll()
			for id, lr := range n.loads {
				resolveLoad(lr, nil)
				delete(n.loads, id)
			}
			n.queue.Close()
		}})
	})
	n.wg.Wait()
}

// AddPeer connects a peer and starts pumping its messages into the run
// loop. For server-role peers the node immediately announces everything
// it has, which both subscribes it to updates and uploads local state.
func (n *Node) AddPeer(p *wire.Peer) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		for msg := range p.Incoming {
			if !n.queue.Enqueue(event{typ: eventPeerMessage, peerID: p.ID, msg: msg}) {
				return
			}
		}
		n.queue.Enqueue(event{typ: eventPeerClosed, peerID: p.ID})
	}()
	n.queue.Enqueue(event{typ: eventTask, task: func() {
		n.sync.addPeer(p)
	}})
}

// RemovePeer disconnects a peer by ID.
func (n *Node) RemovePeer(id string) {
	n.queue.Enqueue(event{typ: eventTask, task: func() {
		n.sync.removePeer(id)
		n.failLoadsFor(id)
	}})
}

// Load returns a handle for the CoValue, fetching it from peers if it
// is not loaded yet. Cancelling the context abandons the wait but not
// the fetch: content that arrives later is still cached.
func (n *Node) Load(ctx context.Context, id coval.ID) (*coval.Handle, error) {
	result := make(chan *coval.Core, 1)
	ok := n.queue.Enqueue(event{typ: eventTask, task: func() {
		n.startLoad(id, result)
	}})
	if !ok {
		return nil, ErrNodeClosed
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case core := <-result:
		if core == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, id)
		}
		return n.handleFor(core), nil
	}
}

// startLoad runs on the run loop.
func (n *Node) startLoad(id coval.ID, result chan *coval.Core) {
	if core, ok := n.registry.CoreByID(id); ok {
		result <- core
		return
	}
	peers := n.sync.peerIDs()
	if len(peers) == 0 {
		result <- nil
		return
	}
	lr := n.loads[id]
	if lr == nil {
		lr = &loadRequest{pending: make(map[string]bool)}
		n.loads[id] = lr
		for _, pid := range peers {
			lr.pending[pid] = true
		}
		n.sync.requestLoad(id)
	}
	lr.waiters = append(lr.waiters, result)
}

// loadResolved runs on the run loop when a core for a pending load
// became available.
func (n *Node) loadResolved(core *coval.Core) {
	delete(n.unavailable, core.ID())
	lr := n.loads[core.ID()]
	if lr == nil {
		return
	}
	delete(n.loads, core.ID())
	resolveLoad(lr, core)
}

// loadExhausted runs on the run loop when a peer reported it does not
// have the CoValue (or disconnected). When the last pending peer is
// exhausted the load fails as unavailable.
func (n *Node) loadExhausted(id coval.ID, peerID string) {
	lr := n.loads[id]
	if lr == nil {
		return
	}
	delete(lr.pending, peerID)
	if len(lr.pending) > 0 {
		return
	}
	delete(n.loads, id)
	n.unavailable[id] = true
	resolveLoad(lr, nil)
}

func (n *Node) failLoadsFor(peerID string) {
	for id := range n.loads {
		n.loadExhausted(id, peerID)
	}
}

func resolveLoad(lr *loadRequest, core *coval.Core) {
	for _, w := range lr.waiters {
		w <- core
	}
}

// adopt wires a core into this node: registry, clock, update hook, and
// an announce to interested peers. Returns the registered core, which
// is the existing one when the ID was already loaded.
func (n *Node) adopt(core *coval.Core) *coval.Core {
	registered := n.registry.Add(core)
	if registered != core {
		return registered
	}
	core.SetClock(n.clock)
	core.OnUpdate(func(c *coval.Core) {
		n.queue.Enqueue(event{typ: eventCoreUpdated, core: c})
	})
	n.queue.Enqueue(event{typ: eventCoreUpdated, core: core})
	return core
}

func (n *Node) handleFor(core *coval.Core) *coval.Handle {
	return coval.NewHandle(core, n.agent, n.session)
}

func (n *Node) newHeader(t coval.CoType, ruleset coval.Ruleset, meta canonical.Object) coval.Header {
	return coval.Header{
		Type:       t,
		Ruleset:    ruleset,
		Meta:       meta,
		CreatedAt:  n.clock(),
		Uniqueness: n.uniq.Generate(),
	}
}

// CreateGroup creates a group with this node's identity as initial
// admin and an initialized read key.
func (n *Node) CreateGroup() (*coval.Handle, error) {
	header := n.newHeader(coval.TypeCoMap, coval.Ruleset{
		Type:         coval.RulesetGroup,
		InitialAdmin: n.agent.ID(),
	}, nil)
	h := n.handleFor(n.adopt(coval.NewCore(header, n.registry)))
	g, err := h.Group()
	if err != nil {
		return nil, err
	}
	if err := g.InitializeReadKey(); err != nil {
		return nil, fmt.Errorf("node: initialize group key: %w", err)
	}
	return h, nil
}

// CreateMap creates a CoMap owned by the given group. A nil owner
// creates an ungoverned map that anyone may write to.
func (n *Node) CreateMap(owner *coval.Handle) (*coval.Handle, error) {
	return n.createOwned(coval.TypeCoMap, owner)
}

// CreateList creates a CoList owned by the given group.
func (n *Node) CreateList(owner *coval.Handle) (*coval.Handle, error) {
	return n.createOwned(coval.TypeCoList, owner)
}

// CreateStream creates a CoStream owned by the given group.
func (n *Node) CreateStream(owner *coval.Handle) (*coval.Handle, error) {
	return n.createOwned(coval.TypeCoStream, owner)
}

func (n *Node) createOwned(t coval.CoType, owner *coval.Handle) (*coval.Handle, error) {
	ruleset := coval.Ruleset{Type: coval.RulesetUnsafeAllowAll}
	if owner != nil {
		if owner.Core().Header().Ruleset.Type != coval.RulesetGroup {
			return nil, fmt.Errorf("node: owner %s is not a group", owner.Core().ID())
		}
		ruleset = coval.Ruleset{Type: coval.RulesetOwnedByGroup, Group: owner.Core().ID()}
	}
	header := n.newHeader(t, ruleset, nil)
	return n.handleFor(n.adopt(coval.NewCore(header, n.registry))), nil
}

// Account bundles a fresh identity with its personal group and profile.
type Account struct {
	Agent   *crypto.Agent
	Group   *coval.Handle
	Profile *coval.Handle
}

// CreateAccount generates a new identity, its personal group (the new
// agent as initial admin), and a profile map carrying the display name.
// All three are loaded into this node.
func (n *Node) CreateAccount(name string) (*Account, error) {
	agent, err := crypto.NewAgent()
	if err != nil {
		return nil, fmt.Errorf("node: create account: %w", err)
	}
	session := crypto.NewSessionID(agent.ID())

	groupHeader := n.newHeader(coval.TypeCoMap, coval.Ruleset{
		Type:         coval.RulesetGroup,
		InitialAdmin: agent.ID(),
	}, nil)
	groupHandle := coval.NewHandle(n.adopt(coval.NewCore(groupHeader, n.registry)), agent, session)
	g, err := groupHandle.Group()
	if err != nil {
		return nil, err
	}
	if err := g.InitializeReadKey(); err != nil {
		return nil, fmt.Errorf("node: initialize account key: %w", err)
	}

	profileHeader := n.newHeader(coval.TypeCoMap, coval.Ruleset{
		Type:  coval.RulesetOwnedByGroup,
		Group: groupHandle.Core().ID(),
	}, canonical.Object{"type": canonical.String("profile")})
	profileHandle := coval.NewHandle(n.adopt(coval.NewCore(profileHeader, n.registry)), agent, session)
	m, err := profileHandle.Map()
	if err != nil {
		return nil, err
	}
	if err := m.Set("name", canonical.String(name), coval.Trusting); err != nil {
		return nil, fmt.Errorf("node: set profile name: %w", err)
	}

	return &Account{Agent: agent, Group: groupHandle, Profile: profileHandle}, nil
}
