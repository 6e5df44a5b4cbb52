package coval

import (
	"slices"

	"github.com/weftlabs/weft/internal/canonical"
	"github.com/weftlabs/weft/internal/crypto"
)

// startToken is the virtual predecessor of the first list element.
const startToken = "start"

type listEntry struct {
	opID    string
	after   string
	value   canonical.Value
	deleted bool
	madeAt  int64
	session crypto.SessionID
	index   int
	change  int
}

// ListState is the materialized content of a CoList. Entries are kept in
// document order including tombstones, so position tokens referenced by
// concurrent operations stay resolvable.
type ListState struct {
	entries []listEntry
}

func (*ListState) coContent() {}

// reduceList builds the convergent sequence: every insert attaches after
// its predecessor token, siblings inserted after the same predecessor
// order newest-first, and deletes tombstone rather than remove. The
// result depends only on the set of operations, not their arrival order.
func reduceList(txs []decodedTx) *ListState {
	byID := make(map[string]*listEntry)
	children := make(map[string][]*listEntry)
	tombstoned := make(map[string]bool)
	var all []*listEntry

	for _, dtx := range txs {
		if dtx.redacted {
			continue
		}
		for ci, op := range dtx.ops {
			switch op.Op {
			case opInsert:
				v, err := op.Value()
				if err != nil {
					continue
				}
				after := op.After
				if after == "" {
					after = startToken
				}
				e := &listEntry{
					opID:    OpID(dtx.session, dtx.index, ci),
					after:   after,
					value:   v,
					madeAt:  dtx.madeAt,
					session: dtx.session,
					index:   dtx.index,
					change:  ci,
				}
				byID[e.opID] = e
				children[after] = append(children[after], e)
				all = append(all, e)
			case opDelete:
				tombstoned[op.Target] = true
			}
		}
	}

	// Siblings newest-first: a later concurrent insert at the same spot
	// lands closest to the predecessor.
	for _, siblings := range children {
		slices.SortFunc(siblings, func(a, b *listEntry) int {
			return -compareEntryOrder(a, b)
		})
	}

	state := &ListState{}
	attached := make(map[string]bool)
	var walk func(token string)
	walk = func(token string) {
		for _, e := range children[token] {
			if attached[e.opID] {
				continue
			}
			attached[e.opID] = true
			e.deleted = tombstoned[e.opID]
			state.entries = append(state.entries, *e)
			walk(e.opID)
		}
	}
	walk(startToken)

	// Entries whose predecessor is not (yet) known attach at the end in
	// canonical order; they re-home once the missing content arrives.
	var orphans []*listEntry
	for _, e := range all {
		if !attached[e.opID] {
			orphans = append(orphans, e)
		}
	}
	slices.SortFunc(orphans, compareEntryOrder)
	for _, e := range orphans {
		e.deleted = tombstoned[e.opID]
		state.entries = append(state.entries, *e)
	}
	return state
}

func compareEntryOrder(a, b *listEntry) int {
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
	case a.change != b.change:
		if a.change < b.change {
			return -1
		}
		return 1
	}
	return 0
}

// Values returns the visible (non-tombstoned) values in document order.
func (l *ListState) Values() []canonical.Value {
	var out []canonical.Value
	for _, e := range l.entries {
		if !e.deleted {
			out = append(out, e.value)
		}
	}
	return out
}

// Len counts visible entries.
func (l *ListState) Len() int {
	n := 0
	for _, e := range l.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Get returns the i-th visible value. Out-of-range reports absent.
func (l *ListState) Get(i int) (canonical.Value, bool) {
	if i < 0 {
		return nil, false
	}
	n := 0
	for _, e := range l.entries {
		if e.deleted {
			continue
		}
		if n == i {
			return e.value, true
		}
		n++
	}
	return nil, false
}

// opIDAt resolves the position token of the i-th visible entry.
func (l *ListState) opIDAt(i int) (string, bool) {
	n := 0
	for _, e := range l.entries {
		if e.deleted {
			continue
		}
		if n == i {
			return e.opID, true
		}
		n++
	}
	return "", false
}

// lastToken is the position token appends attach after: the final entry
// in document order, tombstoned or not, so appends always land at the
// end.
func (l *ListState) lastToken() string {
	if len(l.entries) == 0 {
		return startToken
	}
	return l.entries[len(l.entries)-1].opID
}

// List is a read/write CoList view bound to one identity and session.
type List struct {
	h *Handle
}

// State materializes the list for this view's identity.
func (l *List) State() (*ListState, error) {
	content, err := l.h.core.CurrentContent(l.h.agent)
	if err != nil {
		return nil, err
	}
	state, ok := content.(*ListState)
	if !ok {
		return nil, wrongTypeError(l.h.core, TypeCoList)
	}
	return state, nil
}

// Append inserts value after the current end of the list.
func (l *List) Append(value canonical.Value, privacy Privacy) error {
	state, err := l.State()
	if err != nil {
		return err
	}
	return l.insertAfterToken(state.lastToken(), value, privacy)
}

// InsertAt inserts value so it becomes the i-th visible entry.
func (l *List) InsertAt(i int, value canonical.Value, privacy Privacy) error {
	state, err := l.State()
	if err != nil {
		return err
	}
	token := startToken
	if i > 0 {
		t, ok := state.opIDAt(i - 1)
		if !ok {
			token = state.lastToken()
		} else {
			token = t
		}
	}
	return l.insertAfterToken(token, value, privacy)
}

// DeleteAt tombstones the i-th visible entry. Deleting an absent
// position is a no-op.
func (l *List) DeleteAt(i int, privacy Privacy) error {
	state, err := l.State()
	if err != nil {
		return err
	}
	token, ok := state.opIDAt(i)
	if !ok {
		return nil
	}
	_, err = l.h.core.makeTransaction(l.h.agent, l.h.session, privacy, []map[string]any{
		{"op": opDelete, "target": token},
	})
	return err
}

func (l *List) insertAfterToken(token string, value canonical.Value, privacy Privacy) error {
	_, err := l.h.core.makeTransaction(l.h.agent, l.h.session, privacy, []map[string]any{
		{"op": opInsert, "after": token, "value": value},
	})
	return err
}
