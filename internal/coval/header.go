package coval

import (
	"strings"

	"github.com/weftlabs/weft/internal/canonical"
	"github.com/weftlabs/weft/internal/crypto"
)

// ID is a content-derived CoValue identifier: the domain-separated hash
// of the value's header. Immutable once assigned, never reused.
type ID string

const idPrefix = "co_"

// IsID reports whether s is shaped like a CoValue ID. Used when scanning
// transactions for dependency references.
func IsID(s string) bool {
	return strings.HasPrefix(s, idPrefix) && len(s) == len(idPrefix)+64
}

// CoType is the content reduction a CoValue uses.
type CoType string

const (
	TypeCoMap    CoType = "comap"
	TypeCoList   CoType = "colist"
	TypeCoStream CoType = "costream"
)

// RulesetType selects the access-control mode of a CoValue.
type RulesetType string

const (
	// RulesetGroup marks the CoValue as a group: its own content is the
	// role map and key material governing itself and its owned values.
	RulesetGroup RulesetType = "group"

	// RulesetOwnedByGroup delegates all role lookups to the referenced
	// group.
	RulesetOwnedByGroup RulesetType = "ownedByGroup"

	// RulesetUnsafeAllowAll admits every structurally valid write.
	RulesetUnsafeAllowAll RulesetType = "unsafeAllowAll"
)

// Ruleset is the access-control declaration in a header.
//
// InitialAdmin bootstraps a group deterministically: the header names the
// first admin, and because the header is hashed into the ID, no later
// transaction can dispute who that was.
type Ruleset struct {
	Type         RulesetType    `json:"type"`
	Group        ID             `json:"group,omitempty"`
	InitialAdmin crypto.AgentID `json:"initialAdmin,omitempty"`
}

// Header is the immutable creation record of a CoValue. Set once, hashed
// into the ID, never mutated.
type Header struct {
	Type       CoType           `json:"type"`
	Ruleset    Ruleset          `json:"ruleset"`
	Meta       canonical.Object `json:"meta,omitempty"`
	CreatedAt  int64            `json:"createdAt"`
	Uniqueness string           `json:"uniqueness"`
}

// ID computes the content-derived identifier for this header. Identical
// headers always produce identical IDs, which makes recreation
// idempotent as long as the uniqueness nonce differs per logical create.
func (h Header) ID() ID {
	ruleset := canonical.Object{
		"type": canonical.String(h.Ruleset.Type),
	}
	if h.Ruleset.Group != "" {
		ruleset["group"] = canonical.String(h.Ruleset.Group)
	}
	if h.Ruleset.InitialAdmin != "" {
		ruleset["initialAdmin"] = canonical.String(h.Ruleset.InitialAdmin)
	}
	obj := canonical.Object{
		"type":       canonical.String(h.Type),
		"ruleset":    ruleset,
		"createdAt":  canonical.Int(h.CreatedAt),
		"uniqueness": canonical.String(h.Uniqueness),
	}
	if h.Meta != nil {
		obj["meta"] = h.Meta
	}
	return ID(idPrefix + canonical.MustHash(canonical.DomainCoValue, obj))
}
