package filter

import (
	"bufio"
	"bytes"
	"net/url"
	"strings"
)

// ruleKind is the shape of pattern a single ruleset line compiles to.
type ruleKind int

const (
	ruleSubstring ruleKind = iota
	rulePrefix
	ruleDomainSuffix
)

type rule struct {
	kind      ruleKind
	pattern   string
	exception bool
}

// Ruleset is an immutable, parsed filter list. A Ruleset is never mutated
// after ParseRuleset returns, so it needs no internal locking of its own;
// Engine is what guards concurrent access to the *current* Ruleset.
type Ruleset struct {
	rules []rule
}

// ParseRuleset compiles a text filter list into a Ruleset. It understands a
// minimal subset of the AutoProxy/Adblock-style list syntax GFWList ships
// in: comments, whitelist exceptions, domain-anchor rules, scheme-anchored
// prefix rules, and plain substring rules.
func ParseRuleset(data []byte) *Ruleset {
	rs := &Ruleset{}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "!") || strings.HasPrefix(line, "[") {
			continue
		}

		exception := false
		if strings.HasPrefix(line, "@@") {
			exception = true
			line = line[2:]
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "||"):
			rs.rules = append(rs.rules, rule{kind: ruleDomainSuffix, pattern: strings.TrimRight(line[2:], "^"), exception: exception})
		case strings.HasPrefix(line, "|http://"), strings.HasPrefix(line, "|https://"):
			rs.rules = append(rs.rules, rule{kind: rulePrefix, pattern: line[1:], exception: exception})
		default:
			rs.rules = append(rs.rules, rule{kind: ruleSubstring, pattern: line, exception: exception})
		}
	}

	return rs
}

// Match reports whether rawURL matches the ruleset. The second return
// value is false when rawURL could not be parsed at all, in which case the
// caller (the Engine) applies the fail-safe-to-proxy default.
func (rs *Ruleset) Match(rawURL string) (matched bool, ok bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false, false
	}

	host := u.Hostname()

	verdict := false
	for _, r := range rs.rules {
		hit := false
		switch r.kind {
		case ruleDomainSuffix:
			hit = host == r.pattern || strings.HasSuffix(host, "."+r.pattern)
		case rulePrefix:
			hit = strings.HasPrefix(rawURL, r.pattern)
		case ruleSubstring:
			hit = strings.Contains(rawURL, r.pattern)
		}
		if !hit {
			continue
		}
		if r.exception {
			verdict = false
		} else {
			verdict = true
		}
	}

	return verdict, true
}
