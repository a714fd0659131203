package rules

import (
	"net/url"
	"regexp"
	"strings"
	"sync"
)

// regexCache compiles wildcard-derived patterns once and reuses them on
// every evaluation. Compile failures are cached too so a bad pattern is
// not re-parsed per call.
type patternCache struct {
	mu      sync.RWMutex
	entries map[string]*regexp.Regexp
}

var regexCache = &patternCache{entries: make(map[string]*regexp.Regexp)}

func (c *patternCache) get(expr string) *regexp.Regexp {
	c.mu.RLock()
	re, ok := c.entries[expr]
	c.mu.RUnlock()
	if ok {
		return re
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		re = nil
	}
	c.mu.Lock()
	c.entries[expr] = re
	c.mu.Unlock()
	return re
}

// wildcardExpr converts a `*` wildcard pattern to a regular expression
// fragment. Everything except `*` is matched literally.
func wildcardExpr(pattern string) string {
	return strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, `.*`)
}

// Matches evaluates a raw URL against the pattern. An unparseable URL
// never matches. Scheme and port are exact matches when present on the
// pattern; host is a full-string wildcard match, case-insensitive; path
// is a wildcard prefix match; query is a wildcard substring match over
// the raw query string with its leading `?` stripped.
func (p URLPattern) Matches(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}

	if p.Scheme != "" && !strings.EqualFold(u.Scheme, p.Scheme) {
		return false
	}
	if p.Port != "" && u.Port() != p.Port {
		return false
	}
	if p.Host != "" {
		re := regexCache.get(`(?i)^` + wildcardExpr(p.Host) + `$`)
		if re == nil || !re.MatchString(u.Hostname()) {
			return false
		}
	}
	if p.Path != "" {
		// Prefix match: the rule path anchors only the start of the
		// actual path. Deliberately asymmetric with host matching.
		re := regexCache.get(`^` + wildcardExpr(p.Path))
		if re == nil || !re.MatchString(u.Path) {
			return false
		}
	}
	if p.Query != "" {
		// Substring containment over the raw query. A pattern like
		// `id=1` also matches `id=12`; configured rules depend on
		// this, so it stays.
		re := regexCache.get(wildcardExpr(p.Query))
		if re == nil || !re.MatchString(strings.TrimPrefix(u.RawQuery, "?")) {
			return false
		}
	}
	return true
}

// MatchesMethod reports whether a request method satisfies a rule's
// method filter. An empty filter matches every method.
func MatchesMethod(method, ruleMethod string) bool {
	if ruleMethod == "" {
		return true
	}
	return strings.EqualFold(method, ruleMethod)
}
