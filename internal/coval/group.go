package coval

import (
	"math"
	"slices"
	"strings"

	"github.com/weftlabs/weft/internal/crypto"
)

// Role is a member's capability tier within a group.
type Role string

const (
	// RoleNone marks an agent with no membership at all.
	RoleNone Role = ""

	RoleAdmin   Role = "admin"
	RoleWriter  Role = "writer"
	RoleReader  Role = "reader"
	RoleRevoked Role = "revoked"

	// Invite roles are held by throwaway invite agents. A bearer of the
	// invite secret may admit exactly one new member at exactly the
	// invite's tier, never an escalation.
	RoleAdminInvite  Role = "adminInvite"
	RoleWriterInvite Role = "writerInvite"
	RoleReaderInvite Role = "readerInvite"
)

func roleFromString(s string) (Role, bool) {
	switch Role(s) {
	case RoleAdmin, RoleWriter, RoleReader, RoleRevoked,
		RoleAdminInvite, RoleWriterInvite, RoleReaderInvite:
		return Role(s), true
	}
	return RoleNone, false
}

// readKeyEntry is the reserved group key naming the current read key.
const readKeyEntry = "readKey"

// keyIDLen is the fixed textual length of a KeyID ("key_" + 24 hex).
// Hex contains no underscore, so revelation and chain entry keys parse
// unambiguously even though agent IDs may contain "_for_" in their
// base64url material.
const keyIDLen = 28

const forSep = "_for_"

type roleEvent struct {
	at   int64
	role Role
}

type revelation struct {
	sealed crypto.Sealed
	by     crypto.AgentID
	ctx    crypto.NonceContext
}

type chainLink struct {
	via       crypto.KeyID
	encrypted crypto.Encrypted
	ctx       crypto.NonceContext
}

// GroupState is the materialized content of a group CoValue: the role
// map, the current read key, sealed per-member revelations, and the
// rotation chain linking old keys to new ones.
type GroupState struct {
	id          ID
	roles       map[crypto.AgentID]Role
	history     map[crypto.AgentID][]roleEvent
	currentKey  crypto.KeyID
	revelations map[crypto.KeyID]map[crypto.AgentID]revelation
	chain       map[crypto.KeyID][]chainLink
	usedInvites map[crypto.AgentID]bool
}

func (*GroupState) coContent() {}

// reduceGroup runs the role state machine over the group's transactions
// in canonical order. Inadmissible changes are skipped without error:
// the transaction stays in the log and simply has no effect, which every
// peer concludes independently.
func reduceGroup(c *Core) *GroupState {
	gs := &GroupState{
		id:          c.id,
		roles:       make(map[crypto.AgentID]Role),
		history:     make(map[crypto.AgentID][]roleEvent),
		revelations: make(map[crypto.KeyID]map[crypto.AgentID]revelation),
		chain:       make(map[crypto.KeyID][]chainLink),
		usedInvites: make(map[crypto.AgentID]bool),
	}
	if ia := c.header.Ruleset.InitialAdmin; ia != "" {
		gs.roles[ia] = RoleAdmin
		gs.history[ia] = []roleEvent{{at: math.MinInt64, role: RoleAdmin}}
	}

	for _, dtx := range c.orderedTransactions(nil) {
		// Groups are trusting-only: their role map must be evaluable by
		// every peer, including ones without any read key.
		if dtx.privacy != Trusting || dtx.redacted {
			continue
		}
		actorRole := gs.roles[dtx.agent]
		for _, op := range dtx.ops {
			if op.Op != opSet {
				continue
			}
			gs.applySet(dtx, actorRole, op)
			// A transaction may change its own author's role mid-flight
			// (bootstrap revelations, invite acceptance); re-read it.
			actorRole = gs.roles[dtx.agent]
		}
	}
	return gs
}

func (gs *GroupState) applySet(dtx decodedTx, actorRole Role, op Op) {
	key := op.Key
	switch {
	case key == readKeyEntry:
		if actorRole != RoleAdmin {
			return
		}
		if v, ok := op.StringValue(); ok && strings.HasPrefix(v, "key_") {
			gs.currentKey = crypto.KeyID(v)
		}

	case isKeyEntry(key):
		keyID, rest, ok := splitKeyEntry(key)
		if !ok {
			return
		}
		if strings.HasPrefix(rest, "key_") {
			// {oldKeyID}_for_{newKeyID}: old key encrypted under new.
			if actorRole != RoleAdmin {
				return
			}
			if v, ok := op.StringValue(); ok {
				gs.chain[keyID] = append(gs.chain[keyID], chainLink{
					via:       crypto.KeyID(rest),
					encrypted: crypto.Encrypted(v),
					ctx:       gs.entryContext(dtx, key),
				})
			}
			return
		}
		// {keyID}_for_{agentID}: sealed revelation. Admins post these
		// on creation and rotation; invite bearers post one for the
		// member they admit.
		if actorRole != RoleAdmin && !isInviteRole(actorRole) {
			return
		}
		if v, ok := op.StringValue(); ok {
			if gs.revelations[keyID] == nil {
				gs.revelations[keyID] = make(map[crypto.AgentID]revelation)
			}
			gs.revelations[keyID][crypto.AgentID(rest)] = revelation{
				sealed: crypto.Sealed(v),
				by:     dtx.agent,
				ctx:    gs.entryContext(dtx, key),
			}
		}

	default:
		// Role assignment: key is an agent ID.
		target := crypto.AgentID(key)
		v, ok := op.StringValue()
		if !ok {
			return
		}
		newRole, ok := roleFromString(v)
		if !ok {
			return
		}
		// An invite admits exactly one member. Once spent, further role
		// assignments by the same invite agent are ignored.
		if isInviteRole(actorRole) && gs.usedInvites[dtx.agent] {
			return
		}
		if !roleChangeAdmissible(actorRole, gs.roles[target], newRole) {
			return
		}
		if isInviteRole(actorRole) {
			gs.usedInvites[dtx.agent] = true
		}
		gs.roles[target] = newRole
		gs.history[target] = append(gs.history[target], roleEvent{at: dtx.madeAt, role: newRole})
	}
}

func (gs *GroupState) entryContext(dtx decodedTx, entryKey string) crypto.NonceContext {
	return crypto.NonceContext{
		In:      string(gs.id),
		Session: string(dtx.session),
		Index:   dtx.index,
		Item:    entryKey,
	}
}

// roleChangeAdmissible is the single decision point of the role state
// machine. Inadmissible changes are ignored wholesale, never downgraded:
// a writerInvite granting "admin" grants nothing.
func roleChangeAdmissible(actorRole, targetRole, newRole Role) bool {
	switch actorRole {
	case RoleAdmin:
		// Admins are immutable relative to peer admins: an existing
		// admin can never be moved off admin.
		if targetRole == RoleAdmin && newRole != RoleAdmin {
			return false
		}
		return true
	case RoleAdminInvite:
		return targetRole == RoleNone && newRole == RoleAdmin
	case RoleWriterInvite:
		return targetRole == RoleNone && newRole == RoleWriter
	case RoleReaderInvite:
		return targetRole == RoleNone && newRole == RoleReader
	default:
		return false
	}
}

func isInviteRole(r Role) bool {
	return r == RoleAdminInvite || r == RoleWriterInvite || r == RoleReaderInvite
}

func isKeyEntry(key string) bool {
	return strings.HasPrefix(key, "key_") && len(key) > keyIDLen+len(forSep) &&
		key[keyIDLen:keyIDLen+len(forSep)] == forSep
}

func splitKeyEntry(key string) (crypto.KeyID, string, bool) {
	if !isKeyEntry(key) {
		return "", "", false
	}
	return crypto.KeyID(key[:keyIDLen]), key[keyIDLen+len(forSep):], true
}

// revelationEntry formats the map key of a sealed revelation.
func revelationEntry(keyID crypto.KeyID, member crypto.AgentID) string {
	return string(keyID) + forSep + string(member)
}

// chainEntry formats the map key of a rotation chain link.
func chainEntry(oldKey, newKey crypto.KeyID) string {
	return string(oldKey) + forSep + string(newKey)
}

// RoleOf returns an agent's current role.
func (gs *GroupState) RoleOf(agent crypto.AgentID) Role {
	return gs.roles[agent]
}

// RoleAt returns an agent's role as of the given timestamp. Role changes
// are not retroactive: content is checked against the role state that
// existed when it was written.
func (gs *GroupState) RoleAt(agent crypto.AgentID, at int64) Role {
	role := RoleNone
	for _, ev := range gs.history[agent] {
		if ev.at > at {
			break
		}
		role = ev.role
	}
	return role
}

// CurrentKeyID returns the group's active read key ID, or "" before any
// key was set.
func (gs *GroupState) CurrentKeyID() crypto.KeyID {
	return gs.currentKey
}

// Members returns all agents holding a non-revoked, non-invite role,
// sorted.
func (gs *GroupState) Members() []crypto.AgentID {
	var out []crypto.AgentID
	for agent, role := range gs.roles {
		switch role {
		case RoleAdmin, RoleWriter, RoleReader:
			out = append(out, agent)
		}
	}
	slices.Sort(out)
	return out
}

// ReadKey resolves the secret for keyID as readable by the given agent:
// either through a direct sealed revelation, or by walking the rotation
// chain from a key the agent can resolve. The visited set guarantees
// termination on malformed circular chains.
func (gs *GroupState) ReadKey(reader *crypto.Agent, keyID crypto.KeyID) (crypto.KeySecret, bool) {
	if reader == nil || keyID == "" {
		return nil, false
	}
	return gs.readKey(reader, keyID, make(map[crypto.KeyID]bool))
}

func (gs *GroupState) readKey(reader *crypto.Agent, keyID crypto.KeyID, visited map[crypto.KeyID]bool) (crypto.KeySecret, bool) {
	if visited[keyID] {
		return nil, false
	}
	visited[keyID] = true

	if rev, ok := gs.revelations[keyID][reader.ID()]; ok {
		if sender, err := crypto.SealerOf(rev.by); err == nil {
			if secret, err := crypto.Unseal(rev.sealed, reader.Sealer(), sender, rev.ctx); err == nil {
				if crypto.KeyIDFor(secret) == keyID {
					return secret, true
				}
			}
		}
	}

	for _, link := range gs.chain[keyID] {
		viaSecret, ok := gs.readKey(reader, link.via, visited)
		if !ok {
			continue
		}
		plain, err := crypto.Decrypt(viaSecret, link.encrypted, link.ctx)
		if err != nil {
			continue
		}
		if crypto.KeyIDFor(plain) == keyID {
			return plain, true
		}
	}
	return nil, false
}
