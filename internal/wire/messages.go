// Package wire defines the sync protocol surface: the four message
// shapes peers exchange and the Peer abstraction the rest of the system
// sends them through. The core is transport-agnostic; anything that can
// carry ordered JSON messages — a websocket, an in-process channel pair,
// or a storage adapter replying from disk — can be a peer.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/crypto"
)

// Action discriminates the message types on the wire.
type Action string

const (
	ActionLoad    Action = "load"
	ActionKnown   Action = "known"
	ActionContent Action = "content"
	ActionDone    Action = "done"
)

// Message is one sync protocol message.
type Message interface {
	Action() Action
	CoValue() coval.ID
}

// LoadMessage announces what the sender already has for a CoValue and
// establishes a subscription: the receiver replies with its own known
// state and any content the sender is missing.
type LoadMessage struct {
	ID       coval.ID                 `json:"id"`
	Header   bool                     `json:"header"`
	Sessions map[crypto.SessionID]int `json:"sessions"`
}

func (*LoadMessage) Action() Action      { return ActionLoad }
func (m *LoadMessage) CoValue() coval.ID { return m.ID }

// KnownMessage states the sender's known state. With IsCorrection set it
// is authoritative: the receiver must replace its optimistic assumption
// about the sender with exactly this state and resync from there.
type KnownMessage struct {
	ID             coval.ID                 `json:"id"`
	Header         bool                     `json:"header"`
	Sessions       map[crypto.SessionID]int `json:"sessions"`
	IsCorrection   bool                     `json:"isCorrection,omitempty"`
	AsDependencyOf coval.ID                 `json:"asDependencyOf,omitempty"`
}

func (*KnownMessage) Action() Action      { return ActionKnown }
func (m *KnownMessage) CoValue() coval.ID { return m.ID }

// SessionNewContent carries one session's transactions beyond the
// receiver's assumed count. LastSignature covers the session log through
// the last carried transaction, so each piece verifies independently.
type SessionNewContent struct {
	After           int                 `json:"after"`
	LastSignature   crypto.Signature    `json:"lastSignature"`
	NewTransactions []coval.Transaction `json:"newTransactions"`
}

// ContentMessage delivers missing transactions, optionally preceded by
// the header for receivers that have never seen the CoValue.
type ContentMessage struct {
	ID             coval.ID                               `json:"id"`
	Header         *coval.Header                          `json:"header,omitempty"`
	New            map[crypto.SessionID]SessionNewContent `json:"new"`
	Priority       int                                    `json:"priority,omitempty"`
	AsDependencyOf coval.ID                               `json:"asDependencyOf,omitempty"`
}

func (*ContentMessage) Action() Action      { return ActionContent }
func (m *ContentMessage) CoValue() coval.ID { return m.ID }

// DoneMessage is terminal: no more content is forthcoming for a load.
type DoneMessage struct {
	ID coval.ID `json:"id"`
}

func (*DoneMessage) Action() Action      { return ActionDone }
func (m *DoneMessage) CoValue() coval.ID { return m.ID }

// Encode serializes a message with its action discriminator.
func Encode(m Message) ([]byte, error) {
	switch msg := m.(type) {
	case *LoadMessage:
		return json.Marshal(struct {
			Action Action `json:"action"`
			*LoadMessage
		}{ActionLoad, msg})
	case *KnownMessage:
		return json.Marshal(struct {
			Action Action `json:"action"`
			*KnownMessage
		}{ActionKnown, msg})
	case *ContentMessage:
		return json.Marshal(struct {
			Action Action `json:"action"`
			*ContentMessage
		}{ActionContent, msg})
	case *DoneMessage:
		return json.Marshal(struct {
			Action Action `json:"action"`
			*DoneMessage
		}{ActionDone, msg})
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}
}

// Decode parses a message by its action discriminator.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: %w", err)
	}
	var msg Message
	switch probe.Action {
	case ActionLoad:
		msg = &LoadMessage{}
	case ActionKnown:
		msg = &KnownMessage{}
	case ActionContent:
		msg = &ContentMessage{}
	case ActionDone:
		msg = &DoneMessage{}
	default:
		return nil, fmt.Errorf("wire: unknown action %q", probe.Action)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("wire: decode %s: %w", probe.Action, err)
	}
	return msg, nil
}

// LoadFromKnown converts a core's known state into a load message.
func LoadFromKnown(k coval.KnownState) *LoadMessage {
	return &LoadMessage{ID: k.ID, Header: k.Header, Sessions: k.Sessions}
}

// KnownFromState converts a core's known state into a known message.
func KnownFromState(k coval.KnownState, isCorrection bool, asDependencyOf coval.ID) *KnownMessage {
	return &KnownMessage{
		ID:             k.ID,
		Header:         k.Header,
		Sessions:       k.Sessions,
		IsCorrection:   isCorrection,
		AsDependencyOf: asDependencyOf,
	}
}

// KnownState reinterprets a load message as a known state.
func (m *LoadMessage) KnownState() coval.KnownState {
	return coval.KnownState{ID: m.ID, Header: m.Header, Sessions: m.Sessions}
}

// KnownState reinterprets a known message as a known state.
func (m *KnownMessage) KnownState() coval.KnownState {
	return coval.KnownState{ID: m.ID, Header: m.Header, Sessions: m.Sessions}
}
