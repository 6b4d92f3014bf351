// Package rules defines rule keys, keychains and schedules, and the pure
// matcher that tests a key against a flow.
package rules

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Key is one kind of permission target. Implementations are Domain,
// AnySubdomain, IPAddress, DomainRegex, Path and Skeleton.
type Key interface {
	keyType() string
	keyValue() string
	keyScope() Scope
	matchesTarget(f Flow) bool
}

// Domain matches a hostname exactly, ignoring a leading "www.".
type Domain struct {
	Domain string
	Scope  Scope
}

// AnySubdomain matches a domain and every dot-separated subdomain of it.
type AnySubdomain struct {
	Domain string
	Scope  Scope
}

// IPAddress matches the flow's resolved remote address.
type IPAddress struct {
	Address string
	Scope   Scope
}

// DomainRegex matches the hostname against a pattern where * matches any run
// of characters.
type DomainRegex struct {
	Pattern string
	Scope   Scope
}

// Path matches the full flow URL against a glob where * spans any characters,
// including slashes.
type Path struct {
	Pattern string
	Scope   Scope
}

// Skeleton has no destination constraint; it grants everything its scope admits.
type Skeleton struct {
	Scope Scope
}

func (k Domain) keyType() string       { return "domain" }
func (k AnySubdomain) keyType() string { return "anySubdomain" }
func (k IPAddress) keyType() string    { return "ipAddress" }
func (k DomainRegex) keyType() string  { return "domainRegex" }
func (k Path) keyType() string         { return "path" }
func (k Skeleton) keyType() string     { return "skeleton" }

func (k Domain) keyValue() string       { return k.Domain }
func (k AnySubdomain) keyValue() string { return k.Domain }
func (k IPAddress) keyValue() string    { return k.Address }
func (k DomainRegex) keyValue() string  { return k.Pattern }
func (k Path) keyValue() string         { return k.Pattern }
func (k Skeleton) keyValue() string     { return "" }

func (k Domain) keyScope() Scope       { return k.Scope }
func (k AnySubdomain) keyScope() Scope { return k.Scope }
func (k IPAddress) keyScope() Scope    { return k.Scope }
func (k DomainRegex) keyScope() Scope  { return k.Scope }
func (k Path) keyScope() Scope         { return k.Scope }
func (k Skeleton) keyScope() Scope     { return k.Scope }

// KeyString renders a key for logs, e.g. "domain(safe.com, unrestricted)".
func KeyString(k Key) string {
	if k == nil {
		return "<nil>"
	}
	if v := k.keyValue(); v != "" {
		return fmt.Sprintf("%s(%s, %s)", k.keyType(), v, ScopeString(k.keyScope()))
	}
	return fmt.Sprintf("%s(%s)", k.keyType(), ScopeString(k.keyScope()))
}

// FilterKey is one granted permission.
type FilterKey struct {
	ID  uuid.UUID
	Key Key
}

// NewFilterKey wraps k with a fresh random id.
func NewFilterKey(k Key) FilterKey {
	return FilterKey{ID: uuid.New(), Key: k}
}

type keyJSON struct {
	Type  string          `json:"type"`
	Value string          `json:"value,omitempty"`
	Scope json.RawMessage `json:"scope,omitempty"`
}

type filterKeyJSON struct {
	ID  uuid.UUID `json:"id"`
	Key keyJSON   `json:"key"`
}

// MarshalJSON encodes the key as {"id": ..., "key": {"type", "value", "scope"}}.
func (fk FilterKey) MarshalJSON() ([]byte, error) {
	if fk.Key == nil {
		return nil, fmt.Errorf("filter key %s has no rule", fk.ID)
	}
	scope, err := MarshalScope(fk.Key.keyScope())
	if err != nil {
		return nil, err
	}
	return json.Marshal(filterKeyJSON{
		ID: fk.ID,
		Key: keyJSON{
			Type:  fk.Key.keyType(),
			Value: fk.Key.keyValue(),
			Scope: scope,
		},
	})
}

// UnmarshalJSON decodes the envelope written by MarshalJSON.
func (fk *FilterKey) UnmarshalJSON(data []byte) error {
	var in filterKeyJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	k, err := decodeKey(in.Key)
	if err != nil {
		return fmt.Errorf("filter key %s: %w", in.ID, err)
	}
	fk.ID = in.ID
	fk.Key = k
	return nil
}

func decodeKey(in keyJSON) (Key, error) {
	scope, err := UnmarshalScope(in.Scope)
	if err != nil {
		return nil, err
	}
	if in.Type != "skeleton" && in.Value == "" {
		return nil, fmt.Errorf("%s key without value", in.Type)
	}
	switch in.Type {
	case "domain":
		return Domain{Domain: in.Value, Scope: scope}, nil
	case "anySubdomain":
		return AnySubdomain{Domain: in.Value, Scope: scope}, nil
	case "ipAddress":
		return IPAddress{Address: in.Value, Scope: scope}, nil
	case "domainRegex":
		if _, err := compileWildcard(in.Value); err != nil {
			return nil, err
		}
		return DomainRegex{Pattern: in.Value, Scope: scope}, nil
	case "path":
		if _, err := compileWildcard(in.Value); err != nil {
			return nil, err
		}
		return Path{Pattern: in.Value, Scope: scope}, nil
	case "skeleton":
		return Skeleton{Scope: scope}, nil
	default:
		return nil, fmt.Errorf("unknown key type %q", in.Type)
	}
}
