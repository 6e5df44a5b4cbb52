package coval

import (
	"encoding/json"
	"fmt"

	"github.com/weftlabs/weft/internal/canonical"
	"github.com/weftlabs/weft/internal/crypto"
)

// Privacy selects whether a transaction's changes travel in clear JSON
// or symmetrically encrypted under the group's current read key.
type Privacy string

const (
	// Trusting transactions are stored and transmitted as plaintext JSON.
	Trusting Privacy = "trusting"

	// Private transactions store only ciphertext plus the ID of the read
	// key that encrypted them.
	Private Privacy = "private"
)

// Transaction is one signed-log entry. Trusting transactions carry
// Changes (a canonical JSON array of ops); private ones carry
// EncryptedChanges and KeyUsed instead.
type Transaction struct {
	Privacy          Privacy          `json:"privacy"`
	MadeAt           int64            `json:"madeAt"`
	Changes          string           `json:"changes,omitempty"`
	EncryptedChanges crypto.Encrypted `json:"encryptedChanges,omitempty"`
	KeyUsed          crypto.KeyID     `json:"keyUsed,omitempty"`
}

// canonicalBytes is the byte form of the transaction that enters the
// session's signature hash chain. The changes string is hashed verbatim,
// never re-serialized, so every peer chains identical bytes.
func (t Transaction) canonicalBytes() ([]byte, error) {
	obj := canonical.Object{
		"privacy": canonical.String(t.Privacy),
		"madeAt":  canonical.Int(t.MadeAt),
	}
	switch t.Privacy {
	case Trusting:
		obj["changes"] = canonical.String(t.Changes)
	case Private:
		obj["encryptedChanges"] = canonical.String(t.EncryptedChanges)
		obj["keyUsed"] = canonical.String(t.KeyUsed)
	default:
		return nil, fmt.Errorf("coval: unknown privacy %q", t.Privacy)
	}
	return canonical.Marshal(obj)
}

// Op names for the three content reductions and group management.
const (
	opSet    = "set"    // comap + group: {op, key, value}
	opDel    = "del"    // comap: {op, key}
	opInsert = "insert" // colist: {op, after, value}
	opDelete = "delete" // colist: {op, target}
	opPush   = "push"   // costream: {op, value}
	opStart  = "start"  // filestream: {op, mimeType, totalSizeBytes, fileName}
	opChunk  = "chunk"  // filestream: {op, data}
	opEnd    = "end"    // filestream: {op}
)

// Op is one decoded change within a transaction. Which fields are
// meaningful depends on Op; unused fields are zero.
type Op struct {
	Op       string          `json:"op"`
	Key      string          `json:"key,omitempty"`
	RawValue json.RawMessage `json:"value,omitempty"`
	After    string          `json:"after,omitempty"`
	Target   string          `json:"target,omitempty"`
	MimeType string          `json:"mimeType,omitempty"`
	// TotalSize is the declared byte size of a file stream, from the
	// start marker.
	TotalSize int64  `json:"totalSizeBytes,omitempty"`
	FileName  string `json:"fileName,omitempty"`
	Data      string `json:"data,omitempty"`
}

// Value decodes the op's value into the canonical union. Returns an
// error for ops without a value or with non-canonical content.
func (o Op) Value() (canonical.Value, error) {
	if len(o.RawValue) == 0 {
		return nil, fmt.Errorf("coval: op %q has no value", o.Op)
	}
	return canonical.FromJSON(o.RawValue)
}

// StringValue decodes the op's value as a plain string, which is the
// shape role assignments, key IDs and revelations use.
func (o Op) StringValue() (string, bool) {
	v, err := o.Value()
	if err != nil {
		return "", false
	}
	s, ok := v.(canonical.String)
	return string(s), ok
}

// encodeChanges serializes ops into the canonical changes string stored
// in a trusting transaction (or encrypted into a private one).
func encodeChanges(ops []map[string]any) (string, error) {
	arr := make([]any, len(ops))
	for i, op := range ops {
		arr[i] = op
	}
	b, err := canonical.Marshal(arr)
	if err != nil {
		return "", fmt.Errorf("coval: encode changes: %w", err)
	}
	return string(b), nil
}

// decodeChanges parses a changes string back into ops.
func decodeChanges(changes string) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal([]byte(changes), &ops); err != nil {
		return nil, fmt.Errorf("coval: decode changes: %w", err)
	}
	return ops, nil
}

// OpID is the logical position token of a single change: the session it
// was made in, the transaction index, and the change index within that
// transaction. Position tokens stay stable under concurrent edits, which
// is what lets list operations converge.
func OpID(session crypto.SessionID, txIndex, changeIndex int) string {
	return fmt.Sprintf("%s:%d:%d", session, txIndex, changeIndex)
}
