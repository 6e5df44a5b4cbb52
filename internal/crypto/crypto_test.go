package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	id, secret, err := NewSigningKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(id), "signer_"))
	assert.Equal(t, id, secret.ID())

	msg := []byte("covenant of the log")
	sig := secret.Sign(msg)
	assert.True(t, strings.HasPrefix(string(sig), "sig_"))
	assert.True(t, Verify(id, msg, sig))

	assert.False(t, Verify(id, []byte("tampered"), sig), "wrong message")

	otherID, _, err := NewSigningKey()
	require.NoError(t, err)
	assert.False(t, Verify(otherID, msg, sig), "wrong signer")

	assert.False(t, Verify(id, msg, Signature("sig_AAAA")), "malformed signature")
	assert.False(t, Verify(SignerID("not_a_signer"), msg, sig), "malformed signer id")
}

func TestSealUnseal(t *testing.T) {
	senderID, sender, err := NewSealingKey()
	require.NoError(t, err)
	recipientID, recipient, err := NewSealingKey()
	require.NoError(t, err)

	ctx := NonceContext{In: "co_test", Session: "s1", Index: 0, Item: "k"}
	sealed, err := Seal([]byte("read key material"), sender, recipientID, ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(sealed), "sealed_"))

	plain, err := Unseal(sealed, recipient, senderID, ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("read key material"), plain)
}

func TestUnsealFailures(t *testing.T) {
	senderID, sender, err := NewSealingKey()
	require.NoError(t, err)
	recipientID, recipient, err := NewSealingKey()
	require.NoError(t, err)
	_, eavesdropper, err := NewSealingKey()
	require.NoError(t, err)

	ctx := NonceContext{In: "co_test", Session: "s1", Index: 3}
	sealed, err := Seal([]byte("secret"), sender, recipientID, ctx)
	require.NoError(t, err)

	_, err = Unseal(sealed, eavesdropper, senderID, ctx)
	assert.ErrorIs(t, err, ErrUnsealFailed, "wrong recipient")

	// The nonce is bound to the context; any drift breaks the box.
	_, err = Unseal(sealed, recipient, senderID, NonceContext{In: "co_test", Session: "s1", Index: 4})
	assert.ErrorIs(t, err, ErrUnsealFailed, "wrong index")

	_, err = Unseal(sealed, recipient, senderID, NonceContext{In: "co_other", Session: "s1", Index: 3})
	assert.ErrorIs(t, err, ErrUnsealFailed, "wrong covalue")
}

func TestEncryptDecrypt(t *testing.T) {
	keyID, secret, err := NewReadKey()
	require.NoError(t, err)
	assert.Equal(t, keyID, KeyIDFor(secret))
	assert.True(t, strings.HasPrefix(string(keyID), "key_"))
	assert.Len(t, string(keyID), 28, "key ids have a fixed length")

	ctx := NonceContext{In: "co_test", Session: "s1", Index: 7}
	enc, err := Encrypt(secret, []byte(`[{"op":"set"}]`), ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(enc), "enc_"))

	plain, err := Decrypt(secret, enc, ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"op":"set"}]`), plain)

	_, wrongKey, err := NewReadKey()
	require.NoError(t, err)
	_, err = Decrypt(wrongKey, enc, ctx)
	assert.ErrorIs(t, err, ErrDecryptFailed)

	_, err = Decrypt(secret, enc, NonceContext{In: "co_test", Session: "s1", Index: 8})
	assert.ErrorIs(t, err, ErrDecryptFailed, "context is part of the nonce")
}

func TestNonceItemSeparatesEntries(t *testing.T) {
	// Two seals in the same transaction reuse In/Session/Index; the
	// item keeps their nonces distinct.
	a := NonceContext{In: "co_x", Session: "s", Index: 1, Item: "key_a_for_alice"}
	b := NonceContext{In: "co_x", Session: "s", Index: 1, Item: "key_a_for_bob"}
	assert.NotEqual(t, a.nonce(), b.nonce())
}

func TestAgentAndSessionIDs(t *testing.T) {
	agent, err := NewAgent()
	require.NoError(t, err)

	id := agent.ID()
	signer, err := SignerOf(id)
	require.NoError(t, err)
	assert.Equal(t, agent.Signer().ID(), signer)
	sealer, err := SealerOf(id)
	require.NoError(t, err)
	assert.Equal(t, agent.Sealer().ID(), sealer)

	session := NewSessionID(id)
	back, err := AgentOfSession(session)
	require.NoError(t, err)
	assert.Equal(t, id, back)

	other := NewSessionID(id)
	assert.NotEqual(t, session, other, "every session id is unique")

	_, err = AgentOfSession(SessionID("garbage"))
	assert.Error(t, err)
	_, err = SignerOf(AgentID("no-separator"))
	assert.Error(t, err)
}

func TestSecretsRoundTripBytes(t *testing.T) {
	agent, err := NewAgent()
	require.NoError(t, err)

	signer, err := SignerSecretFromBytes(agent.Signer().Bytes())
	require.NoError(t, err)
	sealer, err := SealerSecretFromBytes(agent.Sealer().Bytes())
	require.NoError(t, err)

	restored := AgentFromSecrets(signer, sealer)
	assert.Equal(t, agent.ID(), restored.ID())

	msg := []byte("same key, same signatures")
	assert.True(t, Verify(restored.Signer().ID(), msg, agent.Signer().Sign(msg)))

	_, err = SignerSecretFromBytes([]byte("short"))
	assert.Error(t, err)
	_, err = SealerSecretFromBytes([]byte("short"))
	assert.Error(t, err)
}
