package coval

import (
	"maps"

	"github.com/weftlabs/weft/internal/crypto"
)

// KnownState is a peer's compact summary of what it has seen for one
// CoValue: whether it holds the header, and per session how many
// transactions it knows. It is the unit of reconciliation the sync
// protocol diffs against.
type KnownState struct {
	ID       ID                       `json:"id"`
	Header   bool                     `json:"header"`
	Sessions map[crypto.SessionID]int `json:"sessions"`
}

// EmptyKnownState is the summary for a CoValue nothing is known about.
func EmptyKnownState(id ID) KnownState {
	return KnownState{ID: id, Sessions: make(map[crypto.SessionID]int)}
}

// Clone deep-copies the state.
func (k KnownState) Clone() KnownState {
	out := KnownState{ID: k.ID, Header: k.Header, Sessions: make(map[crypto.SessionID]int, len(k.Sessions))}
	maps.Copy(out.Sessions, k.Sessions)
	return out
}

// CombineWith advances this state monotonically by another: header
// presence and session counts only ever grow.
func (k *KnownState) CombineWith(other KnownState) {
	if other.Header {
		k.Header = true
	}
	if k.Sessions == nil {
		k.Sessions = make(map[crypto.SessionID]int, len(other.Sessions))
	}
	for s, n := range other.Sessions {
		if n > k.Sessions[s] {
			k.Sessions[s] = n
		}
	}
}

// Advance records that a session now has count transactions, if that is
// an advance.
func (k *KnownState) Advance(session crypto.SessionID, count int) {
	if k.Sessions == nil {
		k.Sessions = make(map[crypto.SessionID]int)
	}
	if count > k.Sessions[session] {
		k.Sessions[session] = count
	}
}

// Covers reports whether this state already includes everything in
// other.
func (k KnownState) Covers(other KnownState) bool {
	if other.Header && !k.Header {
		return false
	}
	for s, n := range other.Sessions {
		if k.Sessions[s] < n {
			return false
		}
	}
	return true
}
