package coval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/canonical"
)

func TestMapLastWriteWins(t *testing.T) {
	f := newFixture(t)
	agent := f.agent()
	m := mapView(t, f.open(TypeCoMap, agent))

	require.NoError(t, m.Set("k", canonical.Int(1), Trusting))
	require.NoError(t, m.Set("k", canonical.Int(2), Trusting))
	v, ok := m.Get("k")
	require.True(t, ok)
	assert.Equal(t, canonical.Int(2), v)

	require.NoError(t, m.Delete("k", Trusting))
	_, ok = m.Get("k")
	assert.False(t, ok)

	// A set after a delete resurrects the key.
	require.NoError(t, m.Set("k", canonical.Int(3), Trusting))
	v, ok = m.Get("k")
	require.True(t, ok)
	assert.Equal(t, canonical.Int(3), v)

	keys, err := m.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)
}

func TestMapConcurrentWritesOrderedByTime(t *testing.T) {
	f := newFixture(t)
	alice := f.agent()
	bob := f.agent()
	h := f.open(TypeCoMap, alice)
	hb := h.TestWithDifferentAccount(bob)

	// Alice writes first, Bob later; the later timestamp wins no matter
	// which session it came from.
	require.NoError(t, mapView(t, h).Set("k", canonical.String("alice"), Trusting))
	require.NoError(t, mapView(t, hb).Set("k", canonical.String("bob"), Trusting))

	v, ok := mapView(t, h).Get("k")
	require.True(t, ok)
	assert.Equal(t, canonical.String("bob"), v)
}

func TestMapTimestampTieBreaksOnSession(t *testing.T) {
	f := newFixture(t)
	alice := f.agent()
	bob := f.agent()
	h := f.open(TypeCoMap, alice)
	hb := h.TestWithDifferentAccount(bob)

	// Freeze the clock so both writes carry the same timestamp.
	h.Core().SetClock(func() int64 { return 777 })
	require.NoError(t, mapView(t, h).Set("k", canonical.String("alice"), Trusting))
	require.NoError(t, mapView(t, hb).Set("k", canonical.String("bob"), Trusting))

	want := canonical.String("alice")
	if hb.Session() > h.Session() {
		want = canonical.String("bob")
	}
	v, ok := mapView(t, h).Get("k")
	require.True(t, ok)
	assert.Equal(t, want, v)
}

func TestListAppendInsertDelete(t *testing.T) {
	f := newFixture(t)
	agent := f.agent()
	h := f.open(TypeCoList, agent)
	l, err := h.List()
	require.NoError(t, err)

	require.NoError(t, l.Append(canonical.String("a"), Trusting))
	require.NoError(t, l.Append(canonical.String("b"), Trusting))
	require.NoError(t, l.Append(canonical.String("c"), Trusting))

	state, err := l.State()
	require.NoError(t, err)
	assert.Equal(t, []canonical.Value{
		canonical.String("a"), canonical.String("b"), canonical.String("c"),
	}, state.Values())

	require.NoError(t, l.InsertAt(1, canonical.String("x"), Trusting))
	state, err = l.State()
	require.NoError(t, err)
	assert.Equal(t, []canonical.Value{
		canonical.String("a"), canonical.String("x"), canonical.String("b"), canonical.String("c"),
	}, state.Values())

	require.NoError(t, l.DeleteAt(0, Trusting))
	state, err = l.State()
	require.NoError(t, err)
	assert.Equal(t, []canonical.Value{
		canonical.String("x"), canonical.String("b"), canonical.String("c"),
	}, state.Values())
	assert.Equal(t, 3, state.Len())
}

func TestListConcurrentInsertsConverge(t *testing.T) {
	f := newFixture(t)
	alice := f.agent()
	bob := f.agent()
	h := f.open(TypeCoList, alice)
	hb := h.TestWithDifferentAccount(bob)

	la, err := h.List()
	require.NoError(t, err)
	lb, err := hb.List()
	require.NoError(t, err)

	require.NoError(t, la.Append(canonical.String("base"), Trusting))

	// Both insert after the same element. Nothing is lost; the later
	// insert lands closest to the shared predecessor.
	require.NoError(t, la.InsertAt(1, canonical.String("alice"), Trusting))
	require.NoError(t, lb.InsertAt(1, canonical.String("bob"), Trusting))

	state, err := la.State()
	require.NoError(t, err)
	assert.Equal(t, []canonical.Value{
		canonical.String("base"), canonical.String("bob"), canonical.String("alice"),
	}, state.Values())

	// Replicas applying sessions in any order agree.
	other := newFixture(t)
	core := replicate(t, h.Core(), other)
	content, err := core.CurrentContent(alice)
	require.NoError(t, err)
	assert.Equal(t, state.Values(), content.(*ListState).Values())
}

func TestStreamPerSessionLogs(t *testing.T) {
	f := newFixture(t)
	alice := f.agent()
	bob := f.agent()
	h := f.open(TypeCoStream, alice)
	hb := h.TestWithDifferentAccount(bob)

	sa, err := h.Stream()
	require.NoError(t, err)
	sb, err := hb.Stream()
	require.NoError(t, err)

	require.NoError(t, sa.Push(canonical.Int(1), Trusting))
	require.NoError(t, sa.Push(canonical.Int(2), Trusting))
	require.NoError(t, sb.Push(canonical.Int(10), Trusting))

	state, err := sa.State()
	require.NoError(t, err)
	assert.Len(t, state.Sessions(), 2)

	items := state.ItemsInSession(h.Session())
	require.Len(t, items, 2)
	assert.Equal(t, canonical.Int(1), items[0].Value)
	assert.Equal(t, canonical.Int(2), items[1].Value)
	assert.Equal(t, alice.ID(), items[0].By)

	latest, ok := state.LatestFor(bob.ID())
	require.True(t, ok)
	assert.Equal(t, canonical.Int(10), latest.Value)
	assert.Len(t, state.Accounts(), 2)
}

func TestStreamFileReassembly(t *testing.T) {
	f := newFixture(t)
	agent := f.agent()
	h := f.open(TypeCoStream, agent)
	s, err := h.Stream()
	require.NoError(t, err)

	payload := []byte("hello, weft binary stream")
	info := FileInfo{MimeType: "text/plain", TotalSize: int64(len(payload)), FileName: "hello.txt"}

	require.NoError(t, s.StartFile(info, Trusting))
	require.NoError(t, s.PushChunk(payload[:10], Trusting))
	require.NoError(t, s.PushChunk(payload[10:], Trusting))

	state, err := s.State()
	require.NoError(t, err)
	got, finished := state.Bytes()
	assert.Equal(t, payload, got)
	assert.False(t, finished)
	assert.False(t, state.IsFinished())

	gotInfo, ok := state.File()
	require.True(t, ok)
	assert.Equal(t, info, gotInfo)

	require.NoError(t, s.EndFile(Trusting))
	state, err = s.State()
	require.NoError(t, err)
	got, finished = state.Bytes()
	assert.Equal(t, payload, got)
	assert.True(t, finished)
}
