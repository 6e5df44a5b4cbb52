package coval

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/crypto"
	"github.com/weftlabs/weft/internal/testutil"
)

// fixture is a small world for coval tests: one registry, one shared
// deterministic clock, and a counter for unique header nonces.
type fixture struct {
	t     *testing.T
	reg   *Registry
	clock *testutil.DeterministicClock
	n     int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{
		t:     t,
		reg:   NewRegistry(),
		clock: testutil.NewDeterministicClock(1_000_000),
	}
}

func (f *fixture) agent() *crypto.Agent {
	f.t.Helper()
	agent, err := crypto.NewAgent()
	require.NoError(f.t, err)
	return agent
}

func (f *fixture) uniqueness() string {
	f.n++
	return fmt.Sprintf("u-%04d", f.n)
}

func (f *fixture) addCore(header Header) *Core {
	core := f.reg.Add(NewCore(header, f.reg))
	core.SetClock(f.clock.Now)
	return core
}

// group creates a group with admin as initial admin, read key
// initialized.
func (f *fixture) group(admin *crypto.Agent) *Handle {
	f.t.Helper()
	header := Header{
		Type:       TypeCoMap,
		Ruleset:    Ruleset{Type: RulesetGroup, InitialAdmin: admin.ID()},
		CreatedAt:  f.clock.Now(),
		Uniqueness: f.uniqueness(),
	}
	h := NewHandle(f.addCore(header), admin, crypto.NewSessionID(admin.ID()))
	g, err := h.Group()
	require.NoError(f.t, err)
	require.NoError(f.t, g.InitializeReadKey())
	return h
}

// owned creates a CoValue owned by the given group, written as the
// group handle's agent.
func (f *fixture) owned(t CoType, group *Handle) *Handle {
	f.t.Helper()
	header := Header{
		Type:       t,
		Ruleset:    Ruleset{Type: RulesetOwnedByGroup, Group: group.Core().ID()},
		CreatedAt:  f.clock.Now(),
		Uniqueness: f.uniqueness(),
	}
	return NewHandle(f.addCore(header), group.Agent(), group.Session())
}

// open creates an ungoverned CoValue anyone may write to.
func (f *fixture) open(t CoType, agent *crypto.Agent) *Handle {
	f.t.Helper()
	header := Header{
		Type:       t,
		Ruleset:    Ruleset{Type: RulesetUnsafeAllowAll},
		CreatedAt:  f.clock.Now(),
		Uniqueness: f.uniqueness(),
	}
	return NewHandle(f.addCore(header), agent, crypto.NewSessionID(agent.ID()))
}

// replicate copies everything core has beyond what dst knows into dst's
// registry, creating the core there if needed. Dependencies are not
// resolved automatically; replicate them first.
func replicate(t *testing.T, src *Core, dst *fixture) *Core {
	t.Helper()
	core, ok := dst.reg.CoreByID(src.ID())
	if !ok {
		core = dst.addCore(src.Header())
	}
	known := core.KnownState()
	for _, piece := range src.ContentPieces(known.Sessions) {
		for _, patch := range piece {
			err := core.TryAddTransactions(patch.Session, patch.After, patch.NewTransactions, patch.LastSignature)
			require.NoError(t, err)
		}
	}
	return core
}

func mapView(t *testing.T, h *Handle) *Map {
	t.Helper()
	m, err := h.Map()
	require.NoError(t, err)
	return m
}

func groupView(t *testing.T, h *Handle) *Group {
	t.Helper()
	g, err := h.Group()
	require.NoError(t, err)
	return g
}
