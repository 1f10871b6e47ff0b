package policy

import "regexp"

// hardDenyPatterns are compiled unconditional bash denials — the layer-1
// "hard_deny" rules of §4.2 that cannot be overridden by any rule at any
// scope. Adapted from the teacher's internal/tools/shell.go
// defaultDenyPatterns, trimmed to the categories §4.2 calls out by name
// (privilege escalation, credential exfiltration, catastrophic deletes,
// fork bombs) since tool execution itself is out of this module's scope —
// only the decision to allow/deny the call is.
var hardDenyPatterns = []*regexp.Regexp{
	// Catastrophic deletes.
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\brm\s+.*--recursive`),
	regexp.MustCompile(`\brm\s+.*--force`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),

	// Fork bombs.
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`),

	// Privilege escalation.
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bnsenter\b`),
	regexp.MustCompile(`\bunshare\b`),

	// Credential exfiltration.
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`/dev/tcp/`),
	regexp.MustCompile(`\bLD_PRELOAD\s*=`),
	regexp.MustCompile(`\bBASH_ENV\s*=`),
}

// hardDenyPathPatterns are file-tool (read/write/edit/find/ls) path globs
// that are unconditionally denied regardless of rule scope — credential
// and key material locations. Each carries the §8 Scenario 2 rule id and
// reason text.
type hardDenyPathRule struct {
	id      string
	pattern string
	reason  string
}

var hardDenyPathRules = []hardDenyPathRule{
	{id: "block-auth-json-read", pattern: "**/.pi/agent/auth.json", reason: "Protect API keys and OAuth tokens"},
	{id: "block-ssh-keys", pattern: "**/.ssh/id_*", reason: "Protect SSH private keys"},
	{id: "block-credentials-files", pattern: "**/*credentials*", reason: "Protect credential files"},
}

// matchesHardDenyBash reports whether any hard-deny bash pattern matches
// cmd, and if so returns a human reason.
func matchesHardDenyBash(cmd string) (bool, string) {
	for _, re := range hardDenyPatterns {
		if re.MatchString(cmd) {
			return true, "Denied by hard safety policy: " + re.String()
		}
	}
	return false, ""
}

// matchesHardDenyPath reports whether path matches a hard-deny file
// pattern, returning the rule id and reason for audit attribution.
func matchesHardDenyPath(path string) (bool, string, string) {
	for _, r := range hardDenyPathRules {
		if globMatch(path, r.pattern, true) {
			return true, r.id, r.reason
		}
	}
	return false, "", ""
}
