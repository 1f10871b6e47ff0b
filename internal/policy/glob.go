package policy

import "strings"

// maxGlobTargetLen is the point past which globMatch gives up on full
// backtracking and falls back to a literal-prefix check (§4.2 "bounded
// backtracking for */** (no catastrophic backtracking on adversarial
// input ≤ 10 000 chars)").
const maxGlobTargetLen = 10000

// globMatch implements the pattern language of §4.2 "Glob matcher":
// '*' (no path-separator constraint when pathAware is false, otherwise
// bound by '/'), '**' (any depth, only meaningful when pathAware),
// '?', '{a,b}' one-level brace alternation, '[abc]'/'[!abc]' classes,
// and '\x' escapes. It is a hand-rolled iterative matcher — never
// compiled to host regexp — specifically to bound backtracking: regexp
// engines (including RE2-style ones translated from these same glob
// semantics) can still blow up on pathological alternations, and the
// spec requires a linear-ish worst case with an explicit literal-prefix
// fallback past 10k characters.
func globMatch(target, pattern string, pathAware bool) bool {
	if len(target) > maxGlobTargetLen {
		return literalPrefixFallback(target, pattern)
	}
	alts := splitBraceAlternatives(pattern)
	if len(alts) > 1 {
		for _, alt := range alts {
			if globMatch(target, alt, pathAware) {
				return true
			}
		}
		return false
	}
	return matchIterative(target, pattern, pathAware)
}

// splitBraceAlternatives expands one level of "{a,b,c}" into a slice of
// concrete patterns with the brace replaced, one per alternative. A
// pattern with no brace returns a single-element slice unchanged. Only
// one level of nesting is supported (§4.2).
func splitBraceAlternatives(pattern string) []string {
	start := strings.IndexByte(pattern, '{')
	if start < 0 {
		return []string{pattern}
	}
	end := strings.IndexByte(pattern[start:], '}')
	if end < 0 {
		return []string{pattern}
	}
	end += start
	prefix, inner, suffix := pattern[:start], pattern[start+1:end], pattern[end+1:]
	parts := strings.Split(inner, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, prefix+p+suffix)
	}
	return out
}

// literalPrefixFallback is used once the target exceeds maxGlobTargetLen:
// it strips everything from the first glob metacharacter onward and
// requires the target to start with the remaining literal prefix.
func literalPrefixFallback(target, pattern string) bool {
	lit := literalPrefix(pattern)
	return strings.HasPrefix(target, lit)
}

// literalPrefix returns the portion of pattern before the first glob
// metacharacter (*, ?, [, {), honoring \x escapes.
func literalPrefix(pattern string) string {
	var b strings.Builder
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		if c == '\\' && i+1 < len(pattern) {
			b.WriteByte(pattern[i+1])
			i++
			continue
		}
		if c == '*' || c == '?' || c == '[' || c == '{' {
			break
		}
		b.WriteByte(c)
	}
	return b.String()
}

// matchIterative is a classic backtracking glob matcher using explicit
// star-restart bookkeeping (no recursion, no regexp compile) bounded to
// O(len(target) * len(pattern)) in the worst case.
func matchIterative(target, pattern string, pathAware bool) bool {
	t, p := 0, 0
	starIdx, starT := -1, -1
	doubleStarAtStar := false

	for t < len(target) {
		if p < len(pattern) {
			switch pattern[p] {
			case '\\':
				if p+1 < len(pattern) && t < len(target) && target[t] == pattern[p+1] {
					t++
					p += 2
					continue
				}
			case '?':
				if !pathAware || target[t] != '/' {
					t++
					p++
					continue
				}
			case '[':
				if end, ok := matchClass(pattern, p, target[t]); ok {
					t++
					p = end
					continue
				}
			case '*':
				isDouble := pathAware && p+1 < len(pattern) && pattern[p+1] == '*'
				starIdx = p
				starT = t
				doubleStarAtStar = isDouble
				if isDouble {
					p += 2
				} else {
					p++
				}
				continue
			default:
				if target[t] == pattern[p] {
					t++
					p++
					continue
				}
			}
		}
		if starIdx >= 0 {
			starT++
			if pathAware && !doubleStarAtStar && starT > 0 && target[starT-1] == '/' {
				return false
			}
			t = starT
			if doubleStarAtStar {
				p = starIdx + 2
			} else {
				p = starIdx + 1
			}
			continue
		}
		return false
	}
	for p < len(pattern) && pattern[p] == '*' {
		if pathAware && p+1 < len(pattern) && pattern[p+1] == '*' {
			p += 2
		} else {
			p++
		}
	}
	return p == len(pattern)
}

// matchClass matches a "[abc]"/"[!abc]" character class at pattern[start]
// ('[' itself) against ch, returning the index just past the closing ']'
// and whether it matched.
func matchClass(pattern string, start int, ch byte) (int, bool) {
	i := start + 1
	negate := false
	if i < len(pattern) && (pattern[i] == '!' || pattern[i] == '^') {
		negate = true
		i++
	}
	matched := false
	first := true
	for i < len(pattern) && (pattern[i] != ']' || first) {
		first = false
		if pattern[i] == '\\' && i+1 < len(pattern) {
			if pattern[i+1] == ch {
				matched = true
			}
			i += 2
			continue
		}
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			if pattern[i] <= ch && ch <= pattern[i+2] {
				matched = true
			}
			i += 3
			continue
		}
		if pattern[i] == ch {
			matched = true
		}
		i++
	}
	if i >= len(pattern) {
		return len(pattern), false // unterminated class: no match, consume all
	}
	i++ // skip ']'
	if negate {
		matched = !matched
	}
	return i, matched
}
