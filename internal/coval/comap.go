package coval

import (
	"slices"

	"github.com/weftlabs/weft/internal/canonical"
	"github.com/weftlabs/weft/internal/crypto"
)

// mapSlot is the LWW register backing one CoMap key.
type mapSlot struct {
	value   canonical.Value
	present bool
	madeAt  int64
	session crypto.SessionID
}

// MapState is the materialized content of a CoMap: the last write per
// key in canonical order, with deletes reducing to absence.
type MapState struct {
	slots map[string]mapSlot
}

func (*MapState) coContent() {}

func reduceMap(txs []decodedTx) *MapState {
	m := &MapState{slots: make(map[string]mapSlot)}
	for _, dtx := range txs {
		if dtx.redacted {
			continue
		}
		for _, op := range dtx.ops {
			switch op.Op {
			case opSet:
				v, err := op.Value()
				if err != nil {
					continue
				}
				m.slots[op.Key] = mapSlot{value: v, present: true, madeAt: dtx.madeAt, session: dtx.session}
			case opDel:
				m.slots[op.Key] = mapSlot{present: false, madeAt: dtx.madeAt, session: dtx.session}
			}
		}
	}
	return m
}

// Get returns the current value for key. A key that was never written,
// or whose last write was a delete, reports an explicit absent, not an
// error.
func (m *MapState) Get(key string) (canonical.Value, bool) {
	slot, ok := m.slots[key]
	if !ok || !slot.present {
		return nil, false
	}
	return slot.value, true
}

// Keys returns all present keys, sorted.
func (m *MapState) Keys() []string {
	out := make([]string, 0, len(m.slots))
	for k, slot := range m.slots {
		if slot.present {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// Map is a read/write CoMap view bound to one identity and session.
type Map struct {
	h *Handle
}

// State materializes the map for this view's identity.
func (m *Map) State() (*MapState, error) {
	content, err := m.h.core.CurrentContent(m.h.agent)
	if err != nil {
		return nil, err
	}
	state, ok := content.(*MapState)
	if !ok {
		return nil, wrongTypeError(m.h.core, TypeCoMap)
	}
	return state, nil
}

// Get returns the current value for key, or absent. Materialization
// failures (such as an unloaded owning group) also report absent; use
// State to distinguish.
func (m *Map) Get(key string) (canonical.Value, bool) {
	state, err := m.State()
	if err != nil {
		return nil, false
	}
	return state.Get(key)
}

// Keys returns the present keys, sorted.
func (m *Map) Keys() ([]string, error) {
	state, err := m.State()
	if err != nil {
		return nil, err
	}
	return state.Keys(), nil
}

// Set appends one set transaction. Whether the write takes effect is
// decided by the permission engine at materialization; callers verify
// via a subsequent read.
func (m *Map) Set(key string, value canonical.Value, privacy Privacy) error {
	_, err := m.h.core.makeTransaction(m.h.agent, m.h.session, privacy, []map[string]any{
		{"op": opSet, "key": key, "value": value},
	})
	return err
}

// Delete appends a delete transaction for key.
func (m *Map) Delete(key string, privacy Privacy) error {
	_, err := m.h.core.makeTransaction(m.h.agent, m.h.session, privacy, []map[string]any{
		{"op": opDel, "key": key},
	})
	return err
}
