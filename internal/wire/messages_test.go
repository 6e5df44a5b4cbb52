package wire

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weftlabs/weft/internal/coval"
	"github.com/weftlabs/weft/internal/crypto"
)

var (
	testID    = coval.ID("co_" + strings.Repeat("a", 64))
	testDepID = coval.ID("co_" + strings.Repeat("b", 64))
	sessionA  = crypto.SessionID("sealer_zAAA/session_z1")
	sessionB  = crypto.SessionID("sealer_zBBB/session_z2")
)

func testMessages() map[string]Message {
	return map[string]Message{
		"load": &LoadMessage{
			ID:       testID,
			Header:   true,
			Sessions: map[crypto.SessionID]int{sessionA: 3, sessionB: 1},
		},
		"known_correction": &KnownMessage{
			ID:             testID,
			Header:         true,
			Sessions:       map[crypto.SessionID]int{sessionA: 5},
			IsCorrection:   true,
			AsDependencyOf: testDepID,
		},
		"content": &ContentMessage{
			ID: testID,
			Header: &coval.Header{
				Type:       coval.TypeCoMap,
				Ruleset:    coval.Ruleset{Type: coval.RulesetUnsafeAllowAll},
				CreatedAt:  42,
				Uniqueness: "u-0001",
			},
			New: map[crypto.SessionID]SessionNewContent{
				sessionA: {
					After:         2,
					LastSignature: "signature_zSIG",
					NewTransactions: []coval.Transaction{{
						Privacy: coval.Trusting,
						MadeAt:  100,
						Changes: `[{"key":"k","op":"set","value":"v"}]`,
					}},
				},
			},
			Priority: 3,
		},
		"done": &DoneMessage{ID: testID},
	}
}

func TestEncodeGolden(t *testing.T) {
	g := goldie.New(t)
	for name, msg := range testMessages() {
		data, err := Encode(msg)
		require.NoError(t, err, name)
		g.Assert(t, name, data)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for name, msg := range testMessages() {
		t.Run(name, func(t *testing.T) {
			data, err := Encode(msg)
			require.NoError(t, err)
			decoded, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, msg, decoded)
			assert.Equal(t, msg.Action(), decoded.Action())
			assert.Equal(t, testID, decoded.CoValue())
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)

	_, err = Decode([]byte(`{"action":"subscribe","id":"co_x"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown action")

	_, err = Decode([]byte(`{"id":"co_x"}`))
	require.Error(t, err)
}

func TestKnownStateConversions(t *testing.T) {
	ks := coval.KnownState{
		ID:       testID,
		Header:   true,
		Sessions: map[crypto.SessionID]int{sessionA: 7},
	}

	load := LoadFromKnown(ks)
	assert.Equal(t, ks, load.KnownState())

	known := KnownFromState(ks, true, testDepID)
	assert.True(t, known.IsCorrection)
	assert.Equal(t, testDepID, known.AsDependencyOf)
	assert.Equal(t, ks, known.KnownState())
}
