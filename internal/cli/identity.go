package cli

import (
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/weftlabs/weft/internal/crypto"
)

// identityFile is the on-disk form of an agent's key material.
type identityFile struct {
	Agent  string `yaml:"agent"`
	Signer string `yaml:"signer"`
	Sealer string `yaml:"sealer"`
}

// WriteIdentity persists an agent's secrets to path, readable only by
// the owner.
func WriteIdentity(path string, agent *crypto.Agent) error {
	f := identityFile{
		Agent:  string(agent.ID()),
		Signer: base64.StdEncoding.EncodeToString(agent.Signer().Bytes()),
		Sealer: base64.StdEncoding.EncodeToString(agent.Sealer().Bytes()),
	}
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

// ReadIdentity loads an agent from an identity file.
func ReadIdentity(path string) (*crypto.Agent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity: %w", err)
	}
	var f identityFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	signerRaw, err := base64.StdEncoding.DecodeString(f.Signer)
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: signer: %w", path, err)
	}
	sealerRaw, err := base64.StdEncoding.DecodeString(f.Sealer)
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: sealer: %w", path, err)
	}
	signer, err := crypto.SignerSecretFromBytes(signerRaw)
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	sealer, err := crypto.SealerSecretFromBytes(sealerRaw)
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	agent := crypto.AgentFromSecrets(signer, sealer)
	if f.Agent != "" && f.Agent != string(agent.ID()) {
		return nil, fmt.Errorf("identity %s: agent id does not match key material", path)
	}
	return agent, nil
}
