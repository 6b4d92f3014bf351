package rules

import (
	"net/netip"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/net/idna"
)

// IPProtocol is the transport protocol number of a flow.
type IPProtocol int

// Transport protocols seen by the filter.
const (
	ProtocolOther IPProtocol = 0
	ProtocolTCP   IPProtocol = 6
	ProtocolUDP   IPProtocol = 17
)

func (p IPProtocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return "other"
	}
}

// Flow is the metadata of one in-flight connection. Empty strings mean the
// value is not known.
type Flow struct {
	ID        uuid.UUID
	UserID    uint32
	Hostname  string
	IPAddress string
	URL       string
	BundleID  string
	Port      int
	Protocol  IPProtocol
}

// Matches reports whether key k grants flow f made by app.
func Matches(k Key, f Flow, app AppDescriptor) bool {
	if k == nil {
		return false
	}
	return k.matchesTarget(f) && ScopeMatches(k.keyScope(), app)
}

func (k Domain) matchesTarget(f Flow) bool {
	host := NormalizeHostname(f.Hostname)
	return host != "" && host == NormalizeHostname(k.Domain)
}

func (k AnySubdomain) matchesTarget(f Flow) bool {
	host := NormalizeHostname(f.Hostname)
	domain := NormalizeHostname(k.Domain)
	if host == "" || domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}

func (k IPAddress) matchesTarget(f Flow) bool {
	if f.IPAddress == "" {
		return false
	}
	return normalizeIP(f.IPAddress) == normalizeIP(k.Address)
}

func (k DomainRegex) matchesTarget(f Flow) bool {
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(f.Hostname)), ".")
	if host == "" {
		return false
	}
	re, err := compileWildcard(k.Pattern)
	if err != nil {
		return false
	}
	return re.MatchString(host)
}

func (k Path) matchesTarget(f Flow) bool {
	if f.URL == "" {
		return false
	}
	re, err := compileWildcard(k.Pattern)
	if err != nil {
		return false
	}
	if re.MatchString(f.URL) {
		return true
	}
	if strings.Contains(k.Pattern, "://") {
		return false
	}
	if _, rest, ok := strings.Cut(f.URL, "://"); ok {
		return re.MatchString(rest)
	}
	return false
}

func (k Skeleton) matchesTarget(Flow) bool { return true }

// NormalizeHostname lower-cases host, drops a trailing dot, converts IDNs to
// ASCII and strips one leading "www.".
func NormalizeHostname(host string) string {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return ""
	}
	if ascii, err := idna.ToASCII(host); err == nil {
		host = ascii
	}
	return strings.TrimPrefix(host, "www.")
}

func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if addr, err := netip.ParseAddr(strings.Trim(s, "[]")); err == nil {
		return addr.Unmap().String()
	}
	return s
}

// maxCompiledPatterns bounds the wildcard cache. Patterns from replaced rule
// sets are dropped when it fills.
const maxCompiledPatterns = 4096

var wildcards = struct {
	sync.RWMutex
	m map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

// compileWildcard turns a * pattern into an anchored, case-insensitive regexp.
func compileWildcard(pattern string) (*regexp.Regexp, error) {
	wildcards.RLock()
	re, ok := wildcards.m[pattern]
	wildcards.RUnlock()
	if ok {
		return re, nil
	}

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("(?i)^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return nil, err
	}

	wildcards.Lock()
	if len(wildcards.m) >= maxCompiledPatterns {
		clear(wildcards.m)
	}
	wildcards.m[pattern] = re
	wildcards.Unlock()
	return re, nil
}

func compiledPatterns() int {
	wildcards.RLock()
	defer wildcards.RUnlock()
	return len(wildcards.m)
}
