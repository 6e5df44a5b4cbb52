package coval

import (
	"slices"

	"github.com/weftlabs/weft/internal/crypto"
)

// decodedTx is one transaction lifted out of its session log with the
// context a reduction needs: canonical position, author, and decoded ops
// (nil when the reader cannot decrypt a private transaction).
type decodedTx struct {
	session crypto.SessionID
	index   int
	madeAt  int64
	agent   crypto.AgentID
	privacy Privacy
	keyUsed crypto.KeyID
	ops     []Op
	// redacted marks a private transaction whose read key the reader
	// does not hold. Distinct from a transaction with zero ops.
	redacted bool
}

// orderedTransactions decodes every transaction of every session and
// sorts them into the canonical cross-session order: madeAt, then
// session ID (lexicographic), then in-session index. Within one session
// this preserves the session's local total order because madeAt is
// non-decreasing per session and the index breaks exact ties.
//
// The result is a pure function of the transaction set and the reader's
// key material, which is what convergence rests on.
func (c *Core) orderedTransactions(reader *crypto.Agent) []decodedTx {
	var out []decodedTx
	for _, session := range c.sessionsLocked() {
		agent, err := crypto.AgentOfSession(session)
		if err != nil {
			continue
		}
		for i, tx := range c.logs[session].Transactions() {
			d := decodedTx{
				session: session,
				index:   i,
				madeAt:  tx.MadeAt,
				agent:   agent,
				privacy: tx.Privacy,
				keyUsed: tx.KeyUsed,
			}
			switch tx.Privacy {
			case Trusting:
				ops, err := decodeChanges(tx.Changes)
				if err != nil {
					continue
				}
				d.ops = ops
			case Private:
				ops, ok := c.decryptOps(reader, session, i, tx)
				if !ok {
					d.redacted = true
				} else {
					d.ops = ops
				}
			default:
				continue
			}
			out = append(out, d)
		}
	}
	slices.SortFunc(out, compareTxOrder)
	return out
}

func compareTxOrder(a, b decodedTx) int {
	switch {
	case a.madeAt != b.madeAt:
		if a.madeAt < b.madeAt {
			return -1
		}
		return 1
	case a.session != b.session:
		if a.session < b.session {
			return -1
		}
		return 1
	case a.index != b.index:
		if a.index < b.index {
			return -1
		}
		return 1
	}
	return 0
}

// decryptOps resolves the read key a private transaction used and opens
// its changes. Failure means "redacted for this reader", never an error:
// the value renders as unavailable and may become readable once a
// revelation or rotation chain entry arrives.
func (c *Core) decryptOps(reader *crypto.Agent, session crypto.SessionID, index int, tx Transaction) ([]Op, bool) {
	if reader == nil || c.header.Ruleset.Type != RulesetOwnedByGroup {
		return nil, false
	}
	gs, err := c.owningGroupState()
	if err != nil {
		return nil, false
	}
	secret, ok := gs.ReadKey(reader, tx.KeyUsed)
	if !ok {
		return nil, false
	}
	ctx := crypto.NonceContext{In: string(c.id), Session: string(session), Index: index}
	plain, err := crypto.Decrypt(secret, tx.EncryptedChanges, ctx)
	if err != nil {
		return nil, false
	}
	ops, err := decodeChanges(string(plain))
	if err != nil {
		return nil, false
	}
	return ops, true
}

// validTransactions is the permission-filtered transaction sequence a
// content reduction consumes. Transactions by writers whose role at the
// transaction's time does not grant content writes are dropped silently.
func (c *Core) validTransactions(reader *crypto.Agent) ([]decodedTx, error) {
	ordered := c.orderedTransactions(reader)
	switch c.header.Ruleset.Type {
	case RulesetUnsafeAllowAll:
		return ordered, nil
	case RulesetOwnedByGroup:
		gs, err := c.owningGroupState()
		if err != nil {
			return nil, err
		}
		valid := make([]decodedTx, 0, len(ordered))
		for _, d := range ordered {
			switch gs.RoleAt(d.agent, d.madeAt) {
			case RoleAdmin, RoleWriter:
				valid = append(valid, d)
			}
		}
		return valid, nil
	default:
		return ordered, nil
	}
}
