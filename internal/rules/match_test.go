package rules

import (
	"fmt"
	"testing"
)

var anyApp = AppDescriptor{BundleID: "com.example.app"}

func TestDomainMatchesIgnoringWWW(t *testing.T) {
	domains := []string{"safe.com", "example.org", "kids.example.co.uk"}
	for _, d := range domains {
		t.Run(d, func(t *testing.T) {
			if !Matches(Domain{Domain: d, Scope: Unrestricted{}}, Flow{Hostname: "www." + d}, anyApp) {
				t.Errorf("domain(%s) should match www.%s", d, d)
			}
			if !Matches(Domain{Domain: "www." + d, Scope: Unrestricted{}}, Flow{Hostname: d}, anyApp) {
				t.Errorf("domain(www.%s) should match %s", d, d)
			}
		})
	}
}

func TestDomainMatch(t *testing.T) {
	tests := []struct {
		name string
		rule string
		host string
		want bool
	}{
		{"exact", "safe.com", "safe.com", true},
		{"case insensitive", "Safe.COM", "SAFE.com", true},
		{"trailing dot", "safe.com", "safe.com.", true},
		{"suffix attack", "safe.com", "safe.com.evil", false},
		{"prefix attack", "safe.com", "notsafe.com", false},
		{"subdomain is not exact", "safe.com", "api.safe.com", false},
		{"unrelated", "safe.com", "unsafe.com", false},
		{"empty hostname", "safe.com", "", false},
		{"idn", "bücher.de", "xn--bcher-kva.de", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(Domain{Domain: tt.rule, Scope: Unrestricted{}}, Flow{Hostname: tt.host}, anyApp)
			if got != tt.want {
				t.Errorf("domain(%q) vs %q = %v, want %v", tt.rule, tt.host, got, tt.want)
			}
		})
	}
}

func TestAnySubdomainMatch(t *testing.T) {
	tests := []struct {
		name string
		host string
		want bool
	}{
		{"apex", "safe.com", true},
		{"www apex", "www.safe.com", true},
		{"one level", "api.safe.com", true},
		{"deep", "a.b.c.safe.com", true},
		{"sibling", "unsafe.com", false},
		{"sibling sharing suffix", "notsafe.com", false},
		{"suffix attack", "safe.com.evil", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(AnySubdomain{Domain: "safe.com", Scope: Unrestricted{}}, Flow{Hostname: tt.host}, anyApp)
			if got != tt.want {
				t.Errorf("anySubdomain(safe.com) vs %q = %v, want %v", tt.host, got, tt.want)
			}
		})
	}
}

func TestIPAddressMatch(t *testing.T) {
	tests := []struct {
		name string
		rule string
		ip   string
		want bool
	}{
		{"exact v4", "1.2.3.4", "1.2.3.4", true},
		{"different v4", "1.2.3.4", "1.2.3.5", false},
		{"v6 normalized", "2001:db8::1", "2001:0db8:0000::0001", true},
		{"v4 mapped", "1.2.3.4", "::ffff:1.2.3.4", true},
		{"absent flow ip", "1.2.3.4", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(IPAddress{Address: tt.rule, Scope: Unrestricted{}}, Flow{IPAddress: tt.ip}, anyApp)
			if got != tt.want {
				t.Errorf("ipAddress(%q) vs %q = %v, want %v", tt.rule, tt.ip, got, tt.want)
			}
		})
	}
}

func TestDomainRegexMatch(t *testing.T) {
	tests := []struct {
		pattern string
		host    string
		want    bool
	}{
		{"*.google.com", "mail.google.com", true},
		{"*.google.com", "google.com", false},
		{"google.*", "google.de", true},
		{"google.*", "GOOGLE.COM", true},
		{"goo*le.com", "google.com", true},
		{"goo*le.com", "goo.le.com", true},
		{"*.google.com", "google.com.evil.net", false},
		{"a.b", "axb", false},
		{"*", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.host, func(t *testing.T) {
			got := Matches(DomainRegex{Pattern: tt.pattern, Scope: Unrestricted{}}, Flow{Hostname: tt.host}, anyApp)
			if got != tt.want {
				t.Errorf("domainRegex(%q) vs %q = %v, want %v", tt.pattern, tt.host, got, tt.want)
			}
		})
	}
}

func TestPathMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		url     string
		want    bool
	}{
		{"schemeless glob", "example.com/kids/*", "https://example.com/kids/a/b", true},
		{"full url glob", "https://example.com/*", "https://example.com/x", true},
		{"scheme mismatch", "https://example.com/*", "http://example.com/x", false},
		{"star spans slashes", "*/watch/*", "https://youtube.com/watch/v/1", true},
		{"different path", "example.com/kids/*", "https://example.com/adults/a", false},
		{"no url", "example.com/*", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Matches(Path{Pattern: tt.pattern, Scope: Unrestricted{}}, Flow{URL: tt.url}, anyApp)
			if got != tt.want {
				t.Errorf("path(%q) vs %q = %v, want %v", tt.pattern, tt.url, got, tt.want)
			}
		})
	}
}

func TestScopeMatches(t *testing.T) {
	safari := Describe("com.apple.Safari", AppIDManifest{})
	xcode := AppDescriptor{BundleID: "com.xcode", Slug: "xcode"}

	tests := []struct {
		name  string
		scope Scope
		app   AppDescriptor
		want  bool
	}{
		{"unrestricted", Unrestricted{}, xcode, true},
		{"browsers admits browser", WebBrowsers{}, safari, true},
		{"browsers rejects xcode", WebBrowsers{}, xcode, false},
		{"single by slug", SingleApp{Identifier: "xcode"}, xcode, true},
		{"single by bundle id", SingleApp{Identifier: "com.xcode"}, xcode, true},
		{"single other app", SingleApp{Identifier: "zoom"}, xcode, false},
		{"single empty identifier", SingleApp{}, AppDescriptor{}, false},
		{"nil scope", nil, xcode, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ScopeMatches(tt.scope, tt.app); got != tt.want {
				t.Errorf("ScopeMatches(%s) = %v, want %v", ScopeString(tt.scope), got, tt.want)
			}
		})
	}
}

func TestScopedKeyRequiresBothTargetAndScope(t *testing.T) {
	key := Domain{Domain: "zoom.us", Scope: SingleApp{Identifier: "us.zoom.xos"}}
	zoom := AppDescriptor{BundleID: "us.zoom.xos"}
	chrome := Describe("com.google.Chrome", AppIDManifest{})

	if !Matches(key, Flow{Hostname: "zoom.us"}, zoom) {
		t.Error("expected zoom app to match zoom.us")
	}
	if Matches(key, Flow{Hostname: "zoom.us"}, chrome) {
		t.Error("expected chrome not to match single(zoom) key")
	}
	if Matches(key, Flow{Hostname: "example.com"}, zoom) {
		t.Error("expected zoom app not to match another host")
	}
}

func TestSkeletonMatchesAnyDestination(t *testing.T) {
	key := Skeleton{Scope: SingleApp{Identifier: "com.apple.Music"}}
	music := AppDescriptor{BundleID: "com.apple.Music"}
	if !Matches(key, Flow{Hostname: "anything.example"}, music) {
		t.Error("skeleton key should match any host for its app")
	}
	if !Matches(key, Flow{}, music) {
		t.Error("skeleton key should match a flow without metadata")
	}
	if Matches(key, Flow{Hostname: "anything.example"}, anyApp) {
		t.Error("skeleton key should not match other apps")
	}
}

func TestMatchesIsDeterministic(t *testing.T) {
	key := DomainRegex{Pattern: "*.cdn.example.com", Scope: Unrestricted{}}
	flow := Flow{Hostname: "img.cdn.example.com"}
	first := Matches(key, flow, anyApp)
	for i := 0; i < 100; i++ {
		if Matches(key, flow, anyApp) != first {
			t.Fatal("Matches returned different results for identical input")
		}
	}
}

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"WWW.Example.COM.", "example.com"},
		{"www.www.example.com", "www.example.com"},
		{" example.com ", "example.com"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeHostname(tt.input); got != tt.want {
			t.Errorf("NormalizeHostname(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWildcardCacheIsBounded(t *testing.T) {
	for i := range maxCompiledPatterns + 10 {
		k := DomainRegex{Pattern: fmt.Sprintf("*.tenant%d.example.com", i), Scope: Unrestricted{}}
		if !Matches(k, Flow{Hostname: fmt.Sprintf("cdn.tenant%d.example.com", i)}, anyApp) {
			t.Fatalf("%s did not match its own tenant", KeyString(k))
		}
		if n := compiledPatterns(); n > maxCompiledPatterns {
			t.Fatalf("cache holds %d patterns, want at most %d", n, maxCompiledPatterns)
		}
	}

	// Patterns dropped from the cache still compile on their next use.
	if !Matches(DomainRegex{Pattern: "*.tenant0.example.com", Scope: Unrestricted{}}, Flow{Hostname: "a.tenant0.example.com"}, anyApp) {
		t.Error("evicted pattern no longer matches")
	}
}
