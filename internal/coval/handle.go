package coval

import (
	"fmt"

	"github.com/weftlabs/weft/internal/crypto"
)

// Handle binds a core to the identity and session performing reads and
// writes through it. All typed views (Map, List, Stream, Group) are
// created from a handle.
type Handle struct {
	core    *Core
	agent   *crypto.Agent
	session crypto.SessionID
}

// NewHandle creates a view factory for core as the given identity,
// writing into the given session.
func NewHandle(core *Core, agent *crypto.Agent, session crypto.SessionID) *Handle {
	return &Handle{core: core, agent: agent, session: session}
}

// Core returns the underlying core.
func (h *Handle) Core() *Core { return h.core }

// Agent returns the identity this handle reads and writes as.
func (h *Handle) Agent() *crypto.Agent { return h.agent }

// Session returns the session local writes append into.
func (h *Handle) Session() crypto.SessionID { return h.session }

// TestWithDifferentAccount produces a read/write view over the same
// core as if a different local identity were operating, with a fresh
// session. For permission simulation and tests only; it is not a
// multi-tenant isolation boundary.
func (h *Handle) TestWithDifferentAccount(agent *crypto.Agent) *Handle {
	return &Handle{core: h.core, agent: agent, session: crypto.NewSessionID(agent.ID())}
}

// Map returns the CoMap view. The core's header must declare comap.
func (h *Handle) Map() (*Map, error) {
	if h.core.header.Type != TypeCoMap {
		return nil, wrongTypeError(h.core, TypeCoMap)
	}
	return &Map{h: h}, nil
}

// List returns the CoList view.
func (h *Handle) List() (*List, error) {
	if h.core.header.Type != TypeCoList {
		return nil, wrongTypeError(h.core, TypeCoList)
	}
	return &List{h: h}, nil
}

// Stream returns the CoStream view.
func (h *Handle) Stream() (*Stream, error) {
	if h.core.header.Type != TypeCoStream {
		return nil, wrongTypeError(h.core, TypeCoStream)
	}
	return &Stream{h: h}, nil
}

// Group returns the group management view. The core's ruleset must be
// group.
func (h *Handle) Group() (*Group, error) {
	if h.core.header.Ruleset.Type != RulesetGroup {
		return nil, fmt.Errorf("coval: %s is not a group", h.core.id)
	}
	return &Group{h: h}, nil
}

// nextIndex is the index the handle's next transaction will land at,
// needed to derive seal nonces before the transaction exists.
func (h *Handle) nextIndex() int {
	if log, ok := h.core.SessionLog(h.session); ok {
		return log.Count()
	}
	return 0
}

func wrongTypeError(c *Core, want CoType) error {
	return fmt.Errorf("coval: %s has type %q, not %q", c.id, c.header.Type, want)
}
