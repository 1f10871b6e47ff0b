package policy

import (
	"regexp"
	"strings"

	"github.com/duh17/hostguard/internal/policyconfig"
)

// heuristicOutcome is the result of running one structural heuristic.
type heuristicOutcome struct {
	name     string
	decision string // "allow" | "ask" | "deny" | "" (disabled / no match)
}

var pipeToShellRe = regexp.MustCompile(`\b(curl|wget)\b[^|]*\|\s*(ba)?sh\b`)
var dataEgressRe = regexp.MustCompile(`\b(curl|wget)\b.*(-d\b|--data|-F\b|--form)`)
var remoteURLRe = regexp.MustCompile(`https?://`)
var secretInURLRe = regexp.MustCompile(`(?i)[A-Z_]*_(KEY|SECRET|TOKEN)\s*=`)
var secretFilePatterns = []string{"**/.ssh/id_*", "**/agent/auth.json", "**/*credentials*"}

// runHeuristics applies §4.2 step 7 to a bash command or file-tool path,
// returning the first non-empty outcome in the order the spec lists them.
func runHeuristics(tool, command, path string, cfg *policyconfig.Heuristics) []heuristicOutcome {
	if cfg == nil {
		cfg = &policyconfig.Heuristics{}
	}
	var out []heuristicOutcome

	if tool == "bash" && command != "" {
		if sw := cfg.PipeToShell; sw != policyconfig.HeuristicDisabled {
			if pipeToShellRe.MatchString(command) {
				out = append(out, heuristicOutcome{"pipe_to_shell", heuristicDecision(sw, "ask")})
			}
		}
		if sw := cfg.DataEgress; sw != policyconfig.HeuristicDisabled {
			if dataEgressRe.MatchString(command) && remoteURLRe.MatchString(command) {
				out = append(out, heuristicOutcome{"data_egress", heuristicDecision(sw, "ask")})
			}
		}
		if sw := cfg.SecretEnvInURL; sw != policyconfig.HeuristicDisabled {
			if remoteURLRe.MatchString(command) && secretInURLRe.MatchString(command) {
				out = append(out, heuristicOutcome{"secret_in_url", heuristicDecision(sw, "deny")})
			}
		}
	}

	if path != "" {
		if sw := cfg.SecretFileAccess; sw != policyconfig.HeuristicDisabled {
			for _, pat := range secretFilePatterns {
				if globMatch(path, pat, true) {
					out = append(out, heuristicOutcome{"secret_file", heuristicDecision(sw, "ask")})
					break
				}
			}
		}
	}

	return out
}

// heuristicDecision resolves a configured switch to a concrete decision,
// falling back to def when the switch is empty (unset, not explicitly
// "false") — spec §4.2 describes the heuristics as always-on unless the
// config disables them with `false`.
func heuristicDecision(sw policyconfig.HeuristicSwitch, def string) string {
	switch sw {
	case policyconfig.HeuristicAllow:
		return "allow"
	case policyconfig.HeuristicAsk:
		return "ask"
	case policyconfig.HeuristicBlock:
		return "deny"
	case "":
		return def
	default:
		return def
	}
}

// mostRestrictive returns the most restrictive of two decisions under
// deny > ask > allow ordering, used both across heuristics and across
// bash chain segments (§4.2 "the most restrictive outcome wins").
func mostRestrictive(a, b string) string {
	rank := map[string]int{"allow": 0, "ask": 1, "deny": 2, "": -1}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func strip(s string) string { return strings.TrimSpace(s) }
