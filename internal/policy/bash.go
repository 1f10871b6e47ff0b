package policy

import "strings"

// BashCommand is a single parsed bash invocation: the executable (after
// stripping leading env assignments and wrapper binaries) and the raw
// text it was parsed from (§8 "parseBashCommand(c).raw == c").
type BashCommand struct {
	Raw        string
	Executable string
	Args       []string
}

// wrapperExecutables are stripped before reading the "real" executable
// (§4.2 "Bash argument model").
var wrapperExecutables = map[string]bool{
	"env": true, "nice": true, "nohup": true, "time": true,
	"command": true, "builtin": true,
}

// ParseBashCommand tokenizes a single command segment (already split out
// of any chain/pipeline) and determines its effective executable. It
// never spawns a shell; tokenization respects single quotes, double
// quotes, and backslash escapes per §4.2 and §9 ("Bash chain splitting").
func ParseBashCommand(segment string) BashCommand {
	tokens := tokenize(segment)
	i := 0
	// Skip leading VAR=value environment assignments.
	for i < len(tokens) && isAssignment(tokens[i]) {
		i++
	}
	// Skip wrapper executables, and their own leading env assignments,
	// one layer at a time (e.g. "env FOO=bar nice -n10 sh -c ...").
	for i < len(tokens) {
		if !wrapperExecutables[tokens[i]] {
			break
		}
		i++
		for i < len(tokens) && (isAssignment(tokens[i]) || isWrapperFlag(tokens[i])) {
			i++
		}
	}
	if i >= len(tokens) {
		return BashCommand{Raw: segment}
	}
	return BashCommand{Raw: segment, Executable: tokens[i], Args: tokens[i+1:]}
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	name := tok[:eq]
	for i, c := range name {
		if c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9') {
			continue
		}
		return false
	}
	return true
}

// isWrapperFlag treats a leading "-"-prefixed token after a wrapper
// executable as one of its own flags rather than the wrapped command
// (e.g. "nice -n10 cmd"). This is a heuristic, not full getopt parsing.
func isWrapperFlag(tok string) bool {
	return strings.HasPrefix(tok, "-")
}

// tokenize splits a string into shell-word tokens honoring single quotes
// (no escapes inside), double quotes (backslash escapes '"', '\', '$',
// '`' inside), and backslash escapes outside quotes. Whitespace outside
// quotes separates tokens.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	haveToken := false
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == '\'':
			haveToken = true
			j := strings.IndexByte(s[i+1:], '\'')
			if j < 0 {
				cur.WriteString(s[i+1:])
				i = len(s)
				continue
			}
			cur.WriteString(s[i+1 : i+1+j])
			i += j + 2
		case c == '"':
			haveToken = true
			i++
			for i < len(s) && s[i] != '"' {
				if s[i] == '\\' && i+1 < len(s) && strings.ContainsRune(`"\$`+"`", rune(s[i+1])) {
					cur.WriteByte(s[i+1])
					i += 2
					continue
				}
				cur.WriteByte(s[i])
				i++
			}
			i++ // skip closing quote (or run past end if unterminated)
		case c == '\\':
			if i+1 < len(s) {
				haveToken = true
				cur.WriteByte(s[i+1])
				i += 2
			} else {
				i++
			}
		case c == ' ' || c == '\t' || c == '\n':
			if haveToken {
				tokens = append(tokens, cur.String())
				cur.Reset()
				haveToken = false
			}
			i++
		default:
			haveToken = true
			cur.WriteByte(c)
			i++
		}
	}
	if haveToken {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// chainOperators are the segment separators recognized by
// SplitBashCommandChain, outside quotes.
var chainOperators = []string{"&&", "||", ";", "\n"}

// SplitBashCommandChain splits a compound bash command on ;, &&, ||, and
// newlines, respecting quotes and escapes, without invoking a shell
// (§8 "splitBashCommandChain(\"a && b; c\").length == 3"). Each returned
// segment is free of the chaining operator itself.
func SplitBashCommandChain(command string) []string {
	var segments []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	i := 0
	for i < len(command) {
		c := command[i]
		if !inSingle && !inDouble && c == '\\' && i+1 < len(command) {
			cur.WriteByte(c)
			cur.WriteByte(command[i+1])
			i += 2
			continue
		}
		if c == '\'' && !inDouble {
			inSingle = !inSingle
			cur.WriteByte(c)
			i++
			continue
		}
		if c == '"' && !inSingle {
			inDouble = !inDouble
			cur.WriteByte(c)
			i++
			continue
		}
		if !inSingle && !inDouble {
			if matched, width := matchChainOperator(command, i); matched {
				segments = append(segments, cur.String())
				cur.Reset()
				i += width
				continue
			}
		}
		cur.WriteByte(c)
		i++
	}
	segments = append(segments, cur.String())

	out := make([]string, 0, len(segments))
	for _, s := range segments {
		if strings.TrimSpace(s) != "" {
			out = append(out, strings.TrimSpace(s))
		}
	}
	if len(out) == 0 {
		return []string{strings.TrimSpace(command)}
	}
	return out
}

func matchChainOperator(s string, i int) (bool, int) {
	for _, op := range chainOperators {
		if strings.HasPrefix(s[i:], op) {
			return true, len(op)
		}
	}
	return false, 0
}

// SplitPipeline splits a single chain segment into pipeline stages on
// unquoted '|' (but not '||', which SplitBashCommandChain already
// consumed as a chain operator).
func SplitPipeline(segment string) []string {
	var out []string
	var cur strings.Builder
	inSingle, inDouble := false, false
	i := 0
	for i < len(segment) {
		c := segment[i]
		if !inSingle && !inDouble && c == '\\' && i+1 < len(segment) {
			cur.WriteByte(c)
			cur.WriteByte(segment[i+1])
			i += 2
			continue
		}
		if c == '\'' && !inDouble {
			inSingle = !inSingle
			cur.WriteByte(c)
			i++
			continue
		}
		if c == '"' && !inSingle {
			inDouble = !inDouble
			cur.WriteByte(c)
			i++
			continue
		}
		if !inSingle && !inDouble && c == '|' {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			i++
			continue
		}
		cur.WriteByte(c)
		i++
	}
	out = append(out, strings.TrimSpace(cur.String()))
	return out
}
