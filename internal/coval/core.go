package coval

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/crypto"
)

// Dependencies resolves CoValue IDs to loaded cores. The local node's
// registry implements it; cores use it to reach their owning group.
// Edges between CoValues are always ID references resolved through this
// interface, never embedded pointers, so circular graphs are
// representable and every walk can carry a visited set.
type Dependencies interface {
	CoreByID(id ID) (*Core, bool)
}

// Content is the materialized state of a CoValue: *MapState, *ListState,
// *StreamState, or *GroupState depending on header type and ruleset.
type Content interface {
	coContent()
}

type cachedContent struct {
	content      Content
	groupVersion uint64
}

// Core owns one CoValue: its immutable header and the per-session
// transaction logs, mutated only by appending verified transactions.
// A Core is exclusively owned by the node that loaded it; peers mutate
// it only by sending transactions through the sync layer, which
// re-validates everything regardless of source.
type Core struct {
	id     ID
	header Header

	// mu guards everything below. Exported methods take it; unexported
	// helpers assume the caller holds it. Cross-core calls only ever go
	// from a content core to its owning group core, so lock order is
	// acyclic.
	mu   sync.Mutex
	logs map[crypto.SessionID]*SessionLog
	deps Dependencies
	now  func() int64

	// version increments on every append; dependents use it to notice
	// staleness of materializations that read this core's state.
	version uint64

	contentCache map[crypto.AgentID]cachedContent
	groupCache   *GroupState

	onUpdate func(*Core)
}

// NewCore creates the core for a header. The ID is derived
// deterministically from the header, so creating the same header twice
// yields the same ID.
func NewCore(header Header, deps Dependencies) *Core {
	return &Core{
		id:           header.ID(),
		header:       header,
		logs:         make(map[crypto.SessionID]*SessionLog),
		deps:         deps,
		now:          func() int64 { return time.Now().UnixMilli() },
		contentCache: make(map[crypto.AgentID]cachedContent),
	}
}

// ID returns the CoValue's content-derived identifier.
func (c *Core) ID() ID { return c.id }

// Header returns the immutable creation record.
func (c *Core) Header() Header { return c.header }

// Version returns the append counter, used for cache staleness checks.
func (c *Core) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// SetClock replaces the wall clock used for madeAt stamps. Tests install
// a deterministic clock here.
func (c *Core) SetClock(now func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// OnUpdate registers the hook fired after every successful append. The
// sync manager uses it to push new content to subscribed peers. The hook
// runs outside the core's lock and must not block.
func (c *Core) OnUpdate(fn func(*Core)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// Sessions returns all session IDs with at least one transaction,
// sorted.
func (c *Core) Sessions() []crypto.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionsLocked()
}

func (c *Core) sessionsLocked() []crypto.SessionID {
	out := make([]crypto.SessionID, 0, len(c.logs))
	for s := range c.logs {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// SessionLog returns the log for one session, if present.
func (c *Core) SessionLog(session crypto.SessionID) (*SessionLog, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.logs[session]
	return l, ok
}

// KnownState snapshots what this node has for the CoValue: header
// presence and per-session transaction counts. O(sessions).
func (c *Core) KnownState() KnownState {
	c.mu.Lock()
	defer c.mu.Unlock()
	sessions := make(map[crypto.SessionID]int, len(c.logs))
	for s, l := range c.logs {
		sessions[s] = l.Count()
	}
	return KnownState{ID: c.id, Header: true, Sessions: sessions}
}

// ContentPieces slices out everything the peer with the given session
// counts is missing, segmented at signature checkpoints so each piece's
// LastSignature verifies independently. The outer slice is the sequence
// of content messages to send; sessions advance in lockstep across
// pieces.
func (c *Core) ContentPieces(known map[crypto.SessionID]int) [][]SessionPatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	var pieces [][]SessionPatch
	for _, session := range c.sessionsLocked() {
		after := known[session]
		chunks := c.logs[session].chunksSince(session, after)
		for i, chunk := range chunks {
			if i >= len(pieces) {
				pieces = append(pieces, nil)
			}
			pieces[i] = append(pieces[i], chunk)
		}
	}
	return pieces
}

// TryAddTransactions appends transactions received from a peer (or
// replayed from storage). The batch must continue the session log at
// exactly its current count and the signature must cover the extended
// hash chain. Roles are not checked here: a batch may predate a role
// change we already know about, so permission is evaluated per
// transaction at materialization, against the role the writer held at
// the transaction's time. Rejections are typed; nothing here panics on
// malformed input.
func (c *Core) TryAddTransactions(session crypto.SessionID, after int, txs []Transaction, lastSignature crypto.Signature) error {
	if len(txs) == 0 {
		return nil
	}
	c.mu.Lock()
	err := c.tryAddLocked(session, after, txs, lastSignature)
	fn := c.onUpdate
	c.mu.Unlock()
	if err == nil && fn != nil {
		fn(c)
	}
	return err
}

func (c *Core) tryAddLocked(session crypto.SessionID, after int, txs []Transaction, lastSignature crypto.Signature) error {
	log := c.logs[session]
	count := 0
	if log != nil {
		count = log.Count()
	}
	if after != count {
		return rejected(BadIndex, c.id, session, after, "batch starts at %d, log has %d transactions", after, count)
	}

	agent, err := crypto.AgentOfSession(session)
	if err != nil {
		return rejected(BadSignature, c.id, session, after, "unparseable session: %v", err)
	}
	signer, err := crypto.SignerOf(agent)
	if err != nil {
		return rejected(BadSignature, c.id, session, after, "unparseable agent: %v", err)
	}

	if log == nil {
		log = newSessionLog(c.id, session)
	}
	tip := log.chainTip
	txBytes := make([][]byte, len(txs))
	for i, tx := range txs {
		b, err := tx.canonicalBytes()
		if err != nil {
			return rejected(BadSignature, c.id, session, after+i, "unhashable transaction: %v", err)
		}
		txBytes[i] = b
		tip = chainNext(tip, b)
	}
	if !crypto.Verify(signer, []byte(tip), lastSignature) {
		return rejected(BadSignature, c.id, session, after, "signature does not cover log through index %d", after+len(txs)-1)
	}

	c.logs[session] = log
	log.append(txs, txBytes, tip, lastSignature)
	c.noteAppend()
	return nil
}

// makeTransaction is the local edit path: build, encrypt if private,
// sign, gate, append. Returns the new transaction's index.
func (c *Core) makeTransaction(agent *crypto.Agent, session crypto.SessionID, privacy Privacy, ops []map[string]any) (int, error) {
	c.mu.Lock()
	index, err := c.makeLocked(agent, session, privacy, ops)
	fn := c.onUpdate
	c.mu.Unlock()
	if err == nil && fn != nil {
		fn(c)
	}
	return index, err
}

func (c *Core) makeLocked(agent *crypto.Agent, session crypto.SessionID, privacy Privacy, ops []map[string]any) (int, error) {
	changes, err := encodeChanges(ops)
	if err != nil {
		return 0, err
	}

	log := c.logs[session]
	if log == nil {
		log = newSessionLog(c.id, session)
	}
	index := log.Count()

	tx := Transaction{Privacy: privacy, MadeAt: c.now()}
	switch privacy {
	case Trusting:
		tx.Changes = changes
	case Private:
		keyID, secret, err := c.writingKey(agent)
		if err != nil {
			return 0, err
		}
		ctx := crypto.NonceContext{In: string(c.id), Session: string(session), Index: index}
		enc, err := crypto.Encrypt(secret, []byte(changes), ctx)
		if err != nil {
			return 0, fmt.Errorf("coval: encrypt transaction: %w", err)
		}
		tx.EncryptedChanges = enc
		tx.KeyUsed = keyID
	default:
		return 0, fmt.Errorf("coval: unknown privacy %q", privacy)
	}

	b, err := tx.canonicalBytes()
	if err != nil {
		return 0, err
	}
	tip := chainNext(log.chainTip, b)
	sig := agent.Signer().Sign([]byte(tip))

	if err := c.writeGate(agent.ID()); err != nil {
		return 0, err
	}

	c.logs[session] = log
	log.append([]Transaction{tx}, [][]byte{b}, tip, sig)
	c.noteAppend()
	return index, nil
}

func (c *Core) noteAppend() {
	c.version++
	clear(c.contentCache)
	c.groupCache = nil
}

// writeGate is the local edit path's early feedback: it rejects a new
// transaction whose author holds no write capability right now, before
// the transaction is signed and announced. Synced content is never
// gated this way. A replicated batch may predate a role change, so its
// transactions are appended structurally and judged at materialization
// against the role the writer held at each transaction's time.
// Fine-grained rule outcomes (invite ceilings, admin immutability) are
// not decided here either; those are silent no-ops at materialization
// so that uncoordinated peers converge on the same effective state.
func (c *Core) writeGate(agent crypto.AgentID) error {
	switch c.header.Ruleset.Type {
	case RulesetUnsafeAllowAll:
		return nil
	case RulesetGroup:
		gs, err := c.groupStateLocked()
		if err != nil {
			return err
		}
		if gs.RoleOf(agent) == RoleRevoked {
			return rejected(PermissionDenied, c.id, "", 0, "agent %s is revoked in this group", agent)
		}
		return nil
	case RulesetOwnedByGroup:
		gs, err := c.owningGroupState()
		if err != nil {
			return err
		}
		switch gs.RoleOf(agent) {
		case RoleAdmin, RoleWriter:
			return nil
		default:
			return rejected(PermissionDenied, c.id, "", 0, "agent %s may not write to values owned by group %s", agent, c.header.Ruleset.Group)
		}
	default:
		return rejected(PermissionDenied, c.id, "", 0, "unknown ruleset %q", c.header.Ruleset.Type)
	}
}

// writingKey resolves the owning group's current read key for encrypting
// a new private transaction.
func (c *Core) writingKey(agent *crypto.Agent) (crypto.KeyID, crypto.KeySecret, error) {
	if c.header.Ruleset.Type != RulesetOwnedByGroup {
		return "", nil, rejected(DecryptionUnavailable, c.id, "", 0, "private transactions require an owning group")
	}
	gs, err := c.owningGroupState()
	if err != nil {
		return "", nil, err
	}
	keyID := gs.CurrentKeyID()
	if keyID == "" {
		return "", nil, rejected(DecryptionUnavailable, c.id, "", 0, "owning group has no read key")
	}
	secret, ok := gs.ReadKey(agent, keyID)
	if !ok {
		return "", nil, rejected(DecryptionUnavailable, c.id, "", 0, "no revelation of %s readable by %s", keyID, agent.ID())
	}
	return keyID, secret, nil
}

// groupState materializes this core as a group. Only valid for cores
// with ruleset type group.
func (c *Core) groupState() (*GroupState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupStateLocked()
}

func (c *Core) groupStateLocked() (*GroupState, error) {
	if c.header.Ruleset.Type != RulesetGroup {
		return nil, fmt.Errorf("coval: %s is not a group", c.id)
	}
	if c.groupCache != nil {
		return c.groupCache, nil
	}
	gs := reduceGroup(c)
	c.groupCache = gs
	return gs, nil
}

// owningGroupState resolves and materializes the owning group of an
// ownedByGroup core.
func (c *Core) owningGroupState() (*GroupState, error) {
	groupCore, ok := c.deps.CoreByID(c.header.Ruleset.Group)
	if !ok {
		return nil, rejected(PermissionDenied, c.id, "", 0, "owning group %s is not loaded", c.header.Ruleset.Group)
	}
	return groupCore.groupState()
}

// CurrentContent materializes the CoValue for the given reader. The
// result is memoized per reader agent and recomputed lazily after
// appends (here or in the owning group). Private transactions the
// reader cannot decrypt reduce as redacted, not as errors.
func (c *Core) CurrentContent(agent *crypto.Agent) (Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.header.Ruleset.Type == RulesetGroup {
		return c.groupStateLocked()
	}

	var cacheKey crypto.AgentID
	if agent != nil {
		cacheKey = agent.ID()
	}
	groupVersion := uint64(0)
	if c.header.Ruleset.Type == RulesetOwnedByGroup {
		if groupCore, ok := c.deps.CoreByID(c.header.Ruleset.Group); ok {
			groupVersion = groupCore.Version()
		}
	}
	if cached, ok := c.contentCache[cacheKey]; ok && cached.groupVersion == groupVersion {
		return cached.content, nil
	}

	txs, err := c.validTransactions(agent)
	if err != nil {
		return nil, err
	}
	var content Content
	switch c.header.Type {
	case TypeCoMap:
		content = reduceMap(txs)
	case TypeCoList:
		content = reduceList(txs)
	case TypeCoStream:
		content = reduceStream(txs)
	default:
		return nil, fmt.Errorf("coval: unknown covalue type %q", c.header.Type)
	}
	c.contentCache[cacheKey] = cachedContent{content: content, groupVersion: groupVersion}
	return content, nil
}

// DependencyIDs lists the CoValues a receiving peer must have before it
// can validate or decrypt this one: the owning group for ownedByGroup
// rulesets, and any CoValue IDs referenced from set ops for groups.
func (c *Core) DependencyIDs() []ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.header.Ruleset.Type {
	case RulesetOwnedByGroup:
		return []ID{c.header.Ruleset.Group}
	case RulesetGroup:
		var deps []ID
		seen := make(map[ID]bool)
		for _, dtx := range c.orderedTransactions(nil) {
			for _, op := range dtx.ops {
				if v, ok := op.StringValue(); ok && IsID(v) && !seen[ID(v)] {
					seen[ID(v)] = true
					deps = append(deps, ID(v))
				}
			}
		}
		return deps
	default:
		return nil
	}
}
