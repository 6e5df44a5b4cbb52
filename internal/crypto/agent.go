package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// AgentID identifies one keypair-holding participant: its sealer public
// key and signer public key joined with a slash. Everything a peer needs
// to verify the agent's signatures and seal secrets for it is contained
// in the ID itself.
type AgentID string

// SessionID identifies one agent's one continuous local editing session.
// Format: <AgentID>_session_<ULID>. The ULID suffix makes concurrent
// sessions of the same agent distinct and time-sortable.
type SessionID string

// Agent holds both secrets of a participant. The zero value is not
// usable; construct via NewAgent or AgentFromSecrets.
type Agent struct {
	signer SignerSecret
	sealer SealerSecret
}

// NewAgent generates a fresh signing and sealing key pair.
func NewAgent() (*Agent, error) {
	_, signer, err := NewSigningKey()
	if err != nil {
		return nil, err
	}
	_, sealer, err := NewSealingKey()
	if err != nil {
		return nil, err
	}
	return &Agent{signer: signer, sealer: sealer}, nil
}

// ID returns the agent's composite identifier.
func (a *Agent) ID() AgentID {
	return AgentID(string(a.sealer.ID()) + "/" + string(a.signer.ID()))
}

// Signer returns the agent's signing secret.
func (a *Agent) Signer() SignerSecret { return a.signer }

// Sealer returns the agent's sealing secret.
func (a *Agent) Sealer() SealerSecret { return a.sealer }

// SignerOf extracts the signer public key from an agent ID.
func SignerOf(id AgentID) (SignerID, error) {
	_, signer, err := splitAgentID(id)
	return signer, err
}

// SealerOf extracts the sealer public key from an agent ID.
func SealerOf(id AgentID) (SealerID, error) {
	sealer, _, err := splitAgentID(id)
	return sealer, err
}

func splitAgentID(id AgentID) (SealerID, SignerID, error) {
	sealer, signer, found := strings.Cut(string(id), "/")
	if !found || !strings.HasPrefix(sealer, sealerPrefix) || !strings.HasPrefix(signer, signerPrefix) {
		return "", "", fmt.Errorf("crypto: malformed agent ID %q", id)
	}
	return SealerID(sealer), SignerID(signer), nil
}

// NewSessionID mints a session ID for the given agent from secure
// randomness.
func NewSessionID(agent AgentID) SessionID {
	return SessionID(string(agent) + "_session_" + ulid.MustNew(ulid.Now(), rand.Reader).String())
}

// AgentOfSession extracts the owning agent from a session ID.
func AgentOfSession(session SessionID) (AgentID, error) {
	agent, _, found := strings.Cut(string(session), "_session_")
	if !found {
		return "", fmt.Errorf("crypto: malformed session ID %q", session)
	}
	return AgentID(agent), nil
}

// Bytes exports the raw Ed25519 private key, for identity files.
func (s SignerSecret) Bytes() []byte {
	out := make([]byte, len(s.priv))
	copy(out, s.priv)
	return out
}

// SignerSecretFromBytes reconstructs a signing secret from its raw form.
func SignerSecretFromBytes(raw []byte) (SignerSecret, error) {
	if len(raw) != ed25519.PrivateKeySize {
		return SignerSecret{}, fmt.Errorf("crypto: signer secret must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	priv := make(ed25519.PrivateKey, len(raw))
	copy(priv, raw)
	return SignerSecret{priv: priv}, nil
}

// Bytes exports the raw curve25519 private key, for identity files.
func (s SealerSecret) Bytes() []byte {
	out := make([]byte, 32)
	copy(out, s.priv[:])
	return out
}

// SealerSecretFromBytes reconstructs a sealing secret from its raw form.
func SealerSecretFromBytes(raw []byte) (SealerSecret, error) {
	if len(raw) != 32 {
		return SealerSecret{}, fmt.Errorf("crypto: sealer secret must be 32 bytes, got %d", len(raw))
	}
	var priv [32]byte
	copy(priv[:], raw)
	return SealerSecret{priv: &priv}, nil
}

// AgentFromSecrets reassembles an agent from exported secrets.
func AgentFromSecrets(signer SignerSecret, sealer SealerSecret) *Agent {
	return &Agent{signer: signer, sealer: sealer}
}
