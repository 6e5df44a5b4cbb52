package coval

import (
	"fmt"
	"slices"

	"github.com/weftlabs/weft/internal/crypto"
)

// Group is the management view over a group CoValue: membership, invite
// issuance, and read-key lifecycle. All operations append trusting
// transactions; whether they take effect is decided by the role state
// machine at materialization, so a caller checks success by re-reading
// the role map, not by catching an error.
type Group struct {
	h *Handle
}

// State materializes the group.
func (g *Group) State() (*GroupState, error) {
	return g.h.core.groupState()
}

// RoleOf returns a member's current role.
func (g *Group) RoleOf(agent crypto.AgentID) (Role, error) {
	gs, err := g.State()
	if err != nil {
		return RoleNone, err
	}
	return gs.RoleOf(agent), nil
}

// InitializeReadKey creates the group's first read key and reveals it to
// the acting admin. Called once right after group creation.
func (g *Group) InitializeReadKey() error {
	keyID, secret, err := crypto.NewReadKey()
	if err != nil {
		return err
	}
	ops := []map[string]any{
		{"op": opSet, "key": readKeyEntry, "value": string(keyID)},
	}
	revealOp, err := g.sealFor(keyID, secret, g.h.agent.ID())
	if err != nil {
		return err
	}
	ops = append(ops, revealOp)
	_, err = g.h.core.makeTransaction(g.h.agent, g.h.session, Trusting, ops)
	return err
}

// AddMember grants an agent a role and reveals the current read key to
// it. Role must be admin, writer or reader.
func (g *Group) AddMember(member crypto.AgentID, role Role) error {
	switch role {
	case RoleAdmin, RoleWriter, RoleReader:
	default:
		return fmt.Errorf("coval: cannot add member at role %q", role)
	}
	gs, err := g.State()
	if err != nil {
		return err
	}
	ops := []map[string]any{
		{"op": opSet, "key": string(member), "value": string(role)},
	}
	if keyID := gs.CurrentKeyID(); keyID != "" {
		secret, ok := gs.ReadKey(g.h.agent, keyID)
		if !ok {
			return rejected(DecryptionUnavailable, g.h.core.id, "", 0, "cannot resolve current read key %s to reveal it", keyID)
		}
		revealOp, err := g.sealFor(keyID, secret, member)
		if err != nil {
			return err
		}
		ops = append(ops, revealOp)
	}
	_, err = g.h.core.makeTransaction(g.h.agent, g.h.session, Trusting, ops)
	return err
}

// RotateReadKey replaces the group's read key: the new key is revealed
// to every current non-revoked member and invite, and the old key is
// encrypted under the new one so holders of the new key keep access to
// historical private transactions.
func (g *Group) RotateReadKey() error {
	return g.rotate(nil)
}

// RevokeMember sets a member to revoked and rotates the read key in the
// same transaction, excluding the member from the new key's
// revelations. The member keeps any keys it already held; it learns
// nothing encrypted after this point.
func (g *Group) RevokeMember(member crypto.AgentID) error {
	return g.rotate(&member)
}

func (g *Group) rotate(revoke *crypto.AgentID) error {
	gs, err := g.State()
	if err != nil {
		return err
	}

	var ops []map[string]any
	if revoke != nil {
		ops = append(ops, map[string]any{"op": opSet, "key": string(*revoke), "value": string(RoleRevoked)})
	}

	newKeyID, newSecret, err := crypto.NewReadKey()
	if err != nil {
		return err
	}

	for _, agent := range gs.keyRecipients() {
		if revoke != nil && agent == *revoke {
			continue
		}
		revealOp, err := g.sealFor(newKeyID, newSecret, agent)
		if err != nil {
			return err
		}
		ops = append(ops, revealOp)
	}

	if oldKeyID := gs.CurrentKeyID(); oldKeyID != "" {
		oldSecret, ok := gs.ReadKey(g.h.agent, oldKeyID)
		if ok {
			entry := chainEntry(oldKeyID, newKeyID)
			ctx := crypto.NonceContext{
				In:      string(g.h.core.id),
				Session: string(g.h.session),
				Index:   g.h.nextIndex(),
				Item:    entry,
			}
			enc, err := crypto.Encrypt(newSecret, oldSecret, ctx)
			if err != nil {
				return fmt.Errorf("coval: chain old read key: %w", err)
			}
			ops = append(ops, map[string]any{"op": opSet, "key": entry, "value": string(enc)})
		}
	}

	ops = append(ops, map[string]any{"op": opSet, "key": readKeyEntry, "value": string(newKeyID)})
	_, err = g.h.core.makeTransaction(g.h.agent, g.h.session, Trusting, ops)
	return err
}

// keyRecipients lists every agent that should receive revelations of a
// new read key: all non-revoked members plus invite agents, sorted.
func (gs *GroupState) keyRecipients() []crypto.AgentID {
	var out []crypto.AgentID
	for agent, role := range gs.roles {
		switch role {
		case RoleAdmin, RoleWriter, RoleReader, RoleAdminInvite, RoleWriterInvite, RoleReaderInvite:
			out = append(out, agent)
		}
	}
	slices.Sort(out)
	return out
}

// CreateInvite mints a throwaway invite agent carrying the given tier.
// Whoever holds the returned agent's secrets may admit, via
// AcceptInvite, exactly one member at exactly that tier. The current
// read key is revealed to the invite agent so the admitted member can
// be granted access.
func (g *Group) CreateInvite(role Role) (*crypto.Agent, error) {
	var inviteRole Role
	switch role {
	case RoleAdmin:
		inviteRole = RoleAdminInvite
	case RoleWriter:
		inviteRole = RoleWriterInvite
	case RoleReader:
		inviteRole = RoleReaderInvite
	default:
		return nil, fmt.Errorf("coval: no invite tier for role %q", role)
	}

	invite, err := crypto.NewAgent()
	if err != nil {
		return nil, err
	}
	gs, err := g.State()
	if err != nil {
		return nil, err
	}
	ops := []map[string]any{
		{"op": opSet, "key": string(invite.ID()), "value": string(inviteRole)},
	}
	if keyID := gs.CurrentKeyID(); keyID != "" {
		secret, ok := gs.ReadKey(g.h.agent, keyID)
		if !ok {
			return nil, rejected(DecryptionUnavailable, g.h.core.id, "", 0, "cannot resolve current read key %s for invite", keyID)
		}
		revealOp, err := g.sealFor(keyID, secret, invite.ID())
		if err != nil {
			return nil, err
		}
		ops = append(ops, revealOp)
	}
	if _, err := g.h.core.makeTransaction(g.h.agent, g.h.session, Trusting, ops); err != nil {
		return nil, err
	}
	return invite, nil
}

// AcceptInvite admits member at the given role, writing as the invite
// agent. The invite agent reveals the current read key to the member so
// private content becomes readable immediately.
func AcceptInvite(core *Core, invite *crypto.Agent, member crypto.AgentID, role Role) error {
	h := NewHandle(core, invite, crypto.NewSessionID(invite.ID()))
	g, err := h.Group()
	if err != nil {
		return err
	}
	gs, err := g.State()
	if err != nil {
		return err
	}
	ops := []map[string]any{
		{"op": opSet, "key": string(member), "value": string(role)},
	}
	if keyID := gs.CurrentKeyID(); keyID != "" {
		if secret, ok := gs.ReadKey(invite, keyID); ok {
			revealOp, err := g.sealFor(keyID, secret, member)
			if err != nil {
				return err
			}
			ops = append(ops, revealOp)
		}
	}
	_, err = core.makeTransaction(invite, h.session, Trusting, ops)
	return err
}

// sealFor builds a revelation op for one recipient, nonce-bound to the
// entry key and the transaction position it will land at.
func (g *Group) sealFor(keyID crypto.KeyID, secret crypto.KeySecret, recipient crypto.AgentID) (map[string]any, error) {
	sealer, err := crypto.SealerOf(recipient)
	if err != nil {
		return nil, fmt.Errorf("coval: reveal to %s: %w", recipient, err)
	}
	entry := revelationEntry(keyID, recipient)
	ctx := crypto.NonceContext{
		In:      string(g.h.core.id),
		Session: string(g.h.session),
		Index:   g.h.nextIndex(),
		Item:    entry,
	}
	sealed, err := crypto.Seal(secret, g.h.agent.Sealer(), sealer, ctx)
	if err != nil {
		return nil, fmt.Errorf("coval: reveal to %s: %w", recipient, err)
	}
	return map[string]any{"op": opSet, "key": entry, "value": string(sealed)}, nil
}
