// Copyright 2025-2026 Aiku AI

package appservice

import (
	"fmt"
	"os"
	"regexp"

	"go.mau.fi/util/random"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Registration mirrors the appservice registration YAML consumed by the
// homeserver.
type Registration struct {
	ID              string     `yaml:"id"`
	URL             string     `yaml:"url"`
	AppToken        string     `yaml:"as_token"`
	ServerToken     string     `yaml:"hs_token"`
	SenderLocalpart string     `yaml:"sender_localpart"`
	RateLimited     *bool      `yaml:"rate_limited,omitempty"`
	Namespaces      Namespaces `yaml:"namespaces"`

	// EphemeralEvents asks the homeserver to push typing, receipts and
	// presence in transactions (MSC2409). The prefixed key is the legacy
	// spelling still required by some homeserver versions.
	EphemeralEvents     bool `yaml:"push_ephemeral,omitempty"`
	SoruEphemeralEvents bool `yaml:"de.sorunome.msc2409.push_ephemeral,omitempty"`
}

// Namespaces declares which user IDs and room aliases the appservice claims.
type Namespaces struct {
	Users   NamespaceList `yaml:"users,omitempty"`
	Aliases NamespaceList `yaml:"aliases,omitempty"`
}

// Namespace is a single regex claim. Exclusive claims prevent other clients
// and appservices from creating matching users or aliases.
type Namespace struct {
	Regex     string `yaml:"regex"`
	Exclusive bool   `yaml:"exclusive"`

	compiled *regexp.Regexp `yaml:"-"`
}

// NamespaceList is a list of namespace claims checked in order.
type NamespaceList []*Namespace

// NewRegistration creates a registration with fresh random tokens and
// ephemeral event push enabled. The caller fills in the identity fields
// and namespaces before saving.
func NewRegistration() *Registration {
	return &Registration{
		AppToken:            random.String(64),
		ServerToken:         random.String(64),
		EphemeralEvents:     true,
		SoruEphemeralEvents: true,
	}
}

// LoadRegistration reads and parses a registration file, compiling the
// namespace regexes.
func LoadRegistration(path string) (*Registration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registration: %w", err)
	}
	var reg Registration
	if err = yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registration: %w", err)
	}
	if err = reg.Compile(); err != nil {
		return nil, err
	}
	return &reg, nil
}

// Save writes the registration to a file readable only by the owner, as it
// contains both tokens.
func (reg *Registration) Save(path string) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal registration: %w", err)
	}
	if err = os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write registration: %w", err)
	}
	return nil
}

// Compile compiles all namespace regexes. It must be called before the
// namespace matching helpers; LoadRegistration does it automatically.
func (reg *Registration) Compile() error {
	if err := reg.Namespaces.Users.Compile(); err != nil {
		return fmt.Errorf("invalid user namespace: %w", err)
	}
	if err := reg.Namespaces.Aliases.Compile(); err != nil {
		return fmt.Errorf("invalid alias namespace: %w", err)
	}
	return nil
}

// Compile compiles the regex of every namespace in the list.
func (nl NamespaceList) Compile() error {
	for _, ns := range nl {
		compiled, err := regexp.Compile(ns.Regex)
		if err != nil {
			return fmt.Errorf("%q: %w", ns.Regex, err)
		}
		ns.compiled = compiled
	}
	return nil
}

// Contains reports whether any compiled namespace in the list matches the
// whole input. Uncompiled namespaces never match.
func (nl NamespaceList) Contains(s string) bool {
	for _, ns := range nl {
		if ns.compiled == nil {
			continue
		}
		if match := ns.compiled.FindString(s); match == s {
			return true
		}
	}
	return false
}

// IsInUserNamespace reports whether the given user ID belongs to this
// appservice. This is the first echo prevention layer: events sent by the
// service's own virtual users must never be handled as remote input.
func (reg *Registration) IsInUserNamespace(userID id.UserID) bool {
	return reg.Namespaces.Users.Contains(string(userID))
}

// IsInAliasNamespace reports whether the given room alias belongs to this
// appservice.
func (reg *Registration) IsInAliasNamespace(alias id.RoomAlias) bool {
	return reg.Namespaces.Aliases.Contains(string(alias))
}
