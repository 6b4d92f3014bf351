package rules

import (
	"encoding/json"
	"fmt"
)

// Scope restricts which requesting application a key applies to.
// Implementations are Unrestricted, WebBrowsers and SingleApp.
type Scope interface {
	admits(app AppDescriptor) bool
	scopeType() string
}

// Unrestricted admits every application.
type Unrestricted struct{}

// WebBrowsers admits only applications recognized as web browsers.
type WebBrowsers struct{}

// SingleApp admits only the application whose slug or bundle id equals Identifier.
type SingleApp struct {
	Identifier string
}

func (Unrestricted) admits(AppDescriptor) bool { return true }
func (Unrestricted) scopeType() string         { return "unrestricted" }

func (WebBrowsers) admits(app AppDescriptor) bool { return app.IsBrowser }
func (WebBrowsers) scopeType() string             { return "webBrowsers" }

func (s SingleApp) admits(app AppDescriptor) bool {
	if s.Identifier == "" {
		return false
	}
	return s.Identifier == app.Slug || s.Identifier == app.BundleID
}
func (SingleApp) scopeType() string { return "single" }

// ScopeMatches reports whether scope admits the application making the flow.
// A nil scope admits nothing.
func ScopeMatches(scope Scope, app AppDescriptor) bool {
	if scope == nil {
		return false
	}
	return scope.admits(app)
}

// ScopeString renders a scope for logs.
func ScopeString(scope Scope) string {
	switch s := scope.(type) {
	case nil:
		return "none"
	case SingleApp:
		return "single(" + s.Identifier + ")"
	default:
		return s.scopeType()
	}
}

type scopeJSON struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier,omitempty"`
}

func encodeScope(scope Scope) scopeJSON {
	if scope == nil {
		scope = Unrestricted{}
	}
	out := scopeJSON{Type: scope.scopeType()}
	if s, ok := scope.(SingleApp); ok {
		out.Identifier = s.Identifier
	}
	return out
}

func decodeScope(in scopeJSON) (Scope, error) {
	switch in.Type {
	case "", "unrestricted":
		return Unrestricted{}, nil
	case "webBrowsers":
		return WebBrowsers{}, nil
	case "single":
		if in.Identifier == "" {
			return nil, fmt.Errorf("single scope without identifier")
		}
		return SingleApp{Identifier: in.Identifier}, nil
	default:
		return nil, fmt.Errorf("unknown scope type %q", in.Type)
	}
}

// MarshalScope encodes a scope as {"type": ..., "identifier": ...}.
func MarshalScope(scope Scope) ([]byte, error) {
	return json.Marshal(encodeScope(scope))
}

// UnmarshalScope decodes a scope produced by MarshalScope. Empty input
// decodes to Unrestricted.
func UnmarshalScope(data []byte) (Scope, error) {
	if len(data) == 0 || string(data) == "null" {
		return Unrestricted{}, nil
	}
	var in scopeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("decode scope: %w", err)
	}
	return decodeScope(in)
}
