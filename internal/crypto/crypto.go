// Package crypto is the leaf dependency of the weft stack: Ed25519
// signing, nacl box sealing (asymmetric), nacl secretbox encryption of
// private transactions (symmetric), and generation of the random
// identifiers the rest of the system hangs state off of.
//
// Every verification failure is reported as a typed error value. Nothing
// in this package panics on attacker-controlled input; a bad signature or
// undecryptable box is an expected condition the caller maps to
// "unusable transaction", never a process fault.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/weftlabs/weft/internal/canonical"
)

var (
	// ErrVerifyFailed reports an Ed25519 signature that does not cover
	// the presented bytes.
	ErrVerifyFailed = errors.New("crypto: signature verification failed")

	// ErrUnsealFailed reports a sealed box that could not be opened with
	// the presented key pair and nonce context.
	ErrUnsealFailed = errors.New("crypto: unseal failed")

	// ErrDecryptFailed reports a symmetric ciphertext that could not be
	// opened under the presented read key.
	ErrDecryptFailed = errors.New("crypto: decrypt failed")
)

const (
	signerPrefix = "signer_"
	sealerPrefix = "sealer_"
	keyPrefix    = "key_"
	sigPrefix    = "sig_"
	sealedPrefix = "sealed_"
	encPrefix    = "enc_"
)

var b64 = base64.RawURLEncoding

// SignerID is the public half of a signing key, prefixed and
// base64url-encoded. It identifies the writer of a session log.
type SignerID string

// SignerSecret is the private half of a signing key.
type SignerSecret struct {
	priv ed25519.PrivateKey
}

// Signature is a prefixed, base64url-encoded Ed25519 signature.
type Signature string

// NewSigningKey generates an Ed25519 key pair from crypto/rand.
func NewSigningKey() (SignerID, SignerSecret, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", SignerSecret{}, fmt.Errorf("crypto: generate signing key: %w", err)
	}
	return SignerID(signerPrefix + b64.EncodeToString(pub)), SignerSecret{priv: priv}, nil
}

// ID returns the SignerID for this secret.
func (s SignerSecret) ID() SignerID {
	pub := s.priv.Public().(ed25519.PublicKey)
	return SignerID(signerPrefix + b64.EncodeToString(pub))
}

// Sign signs message and returns the signature.
func (s SignerSecret) Sign(message []byte) Signature {
	return Signature(sigPrefix + b64.EncodeToString(ed25519.Sign(s.priv, message)))
}

// Verify checks sig against message under the given signer. Malformed
// IDs and signatures verify as false, never as an error.
func Verify(id SignerID, message []byte, sig Signature) bool {
	pub, ok := decodePrefixed(string(id), signerPrefix, ed25519.PublicKeySize)
	if !ok {
		return false
	}
	raw, ok := decodePrefixed(string(sig), sigPrefix, ed25519.SignatureSize)
	if !ok {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), message, raw)
}

// SealerID is the public half of an asymmetric sealing (box) key.
type SealerID string

// SealerSecret is the private half of a sealing key.
type SealerSecret struct {
	priv *[32]byte
}

// Sealed is a prefixed, base64url-encoded box ciphertext.
type Sealed string

// NewSealingKey generates a curve25519 box key pair.
func NewSealingKey() (SealerID, SealerSecret, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return "", SealerSecret{}, fmt.Errorf("crypto: generate sealing key: %w", err)
	}
	return SealerID(sealerPrefix + b64.EncodeToString(pub[:])), SealerSecret{priv: priv}, nil
}

// ID returns the SealerID for this secret.
func (s SealerSecret) ID() SealerID {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, s.priv)
	return SealerID(sealerPrefix + b64.EncodeToString(pub[:]))
}

// NonceContext pins a sealed or encrypted payload to one position in one
// CoValue's log. Both sides derive the same 24-byte nonce from it, so no
// nonce travels on the wire and a ciphertext cannot be replayed at a
// different position.
type NonceContext struct {
	In      string // CoValue ID
	Session string // session ID, empty for header-level material
	Index   int    // transaction index within the session
	Item    string // distinguishes multiple sealed entries in one transaction
}

func (n NonceContext) nonce() [24]byte {
	obj := canonical.Object{
		"in":      canonical.String(n.In),
		"session": canonical.String(n.Session),
		"index":   canonical.Int(n.Index),
		"item":    canonical.String(n.Item),
	}
	b, err := canonical.Marshal(obj)
	if err != nil {
		// Object of fixed shape, cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(b)
	var nonce [24]byte
	copy(nonce[:], sum[:24])
	return nonce
}

// Seal encrypts plaintext from sender to recipient, authenticated, with
// the nonce derived from ctx.
func Seal(plaintext []byte, sender SealerSecret, recipient SealerID, ctx NonceContext) (Sealed, error) {
	pub, ok := decodePrefixed(string(recipient), sealerPrefix, 32)
	if !ok {
		return "", fmt.Errorf("crypto: malformed sealer ID %q", recipient)
	}
	var recipientKey [32]byte
	copy(recipientKey[:], pub)
	nonce := ctx.nonce()
	out := box.Seal(nil, plaintext, &nonce, &recipientKey, sender.priv)
	return Sealed(sealedPrefix + b64.EncodeToString(out)), nil
}

// Unseal opens a sealed box addressed to recipient from sender.
func Unseal(sealed Sealed, recipient SealerSecret, sender SealerID, ctx NonceContext) ([]byte, error) {
	pub, ok := decodePrefixed(string(sender), sealerPrefix, 32)
	if !ok {
		return nil, fmt.Errorf("crypto: malformed sealer ID %q: %w", sender, ErrUnsealFailed)
	}
	var senderKey [32]byte
	copy(senderKey[:], pub)
	raw, ok := decodePrefixed(string(sealed), sealedPrefix, -1)
	if !ok {
		return nil, ErrUnsealFailed
	}
	nonce := ctx.nonce()
	plain, ok := box.Open(nil, raw, &nonce, &senderKey, recipient.priv)
	if !ok {
		return nil, ErrUnsealFailed
	}
	return plain, nil
}

// KeyID names a symmetric read key. Derived from the secret's hash, so
// holding a secret always lets you compute which entries reference it.
type KeyID string

// KeySecret is a 32-byte symmetric read key.
type KeySecret []byte

// Encrypted is a prefixed, base64url-encoded secretbox ciphertext.
type Encrypted string

// NewReadKey generates a fresh symmetric read key.
func NewReadKey() (KeyID, KeySecret, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, fmt.Errorf("crypto: generate read key: %w", err)
	}
	return KeyIDFor(secret), secret, nil
}

// KeyIDFor derives the KeyID for a secret.
func KeyIDFor(secret KeySecret) KeyID {
	sum := canonical.HashBytes(canonical.DomainKeySecret, secret)
	return KeyID(keyPrefix + sum[:24])
}

// Encrypt symmetrically encrypts plaintext under key with the nonce
// derived from ctx.
func Encrypt(key KeySecret, plaintext []byte, ctx NonceContext) (Encrypted, error) {
	if len(key) != 32 {
		return "", fmt.Errorf("crypto: read key must be 32 bytes, got %d", len(key))
	}
	var k [32]byte
	copy(k[:], key)
	nonce := ctx.nonce()
	out := secretbox.Seal(nil, plaintext, &nonce, &k)
	return Encrypted(encPrefix + b64.EncodeToString(out)), nil
}

// Decrypt opens a symmetric ciphertext under key.
func Decrypt(key KeySecret, ciphertext Encrypted, ctx NonceContext) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: read key must be 32 bytes: %w", ErrDecryptFailed)
	}
	var k [32]byte
	copy(k[:], key)
	raw, ok := decodePrefixed(string(ciphertext), encPrefix, -1)
	if !ok {
		return nil, ErrDecryptFailed
	}
	nonce := ctx.nonce()
	plain, ok := secretbox.Open(nil, raw, &nonce, &k)
	if !ok {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// decodePrefixed strips prefix and base64url-decodes the rest. If
// wantLen >= 0 the decoded length must match exactly.
func decodePrefixed(s, prefix string, wantLen int) ([]byte, bool) {
	rest, found := strings.CutPrefix(s, prefix)
	if !found {
		return nil, false
	}
	raw, err := b64.DecodeString(rest)
	if err != nil {
		return nil, false
	}
	if wantLen >= 0 && len(raw) != wantLen {
		return nil, false
	}
	return raw, true
}
