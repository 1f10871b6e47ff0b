// Package policyconfig loads the declarative policy file described in
// spec.md §6.1: a JSON5 document describing hard guardrails, default
// permissions, a fallback action, and heuristic switches. It is the input
// internal/policy compiles once into a policy.Compiled value.
package policyconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"github.com/titanous/json5"
)

// Decision mirrors protocol.Decision but also accepts "block" as a legacy
// synonym for "deny" at the JSON layer (§6.1 "block is accepted as
// synonym for deny").
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionAsk   Decision = "ask"
	DecisionDeny  Decision = "deny"
	decisionBlock Decision = "block"
)

// Normalize maps the legacy "block" spelling onto "deny".
func (d Decision) Normalize() Decision {
	if d == decisionBlock {
		return DecisionDeny
	}
	return d
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,63}$`)

// Match is the set of conditions a Permission is evaluated against. At
// least one field must be set.
type Match struct {
	Tool           string `json:"tool,omitempty"`
	Executable     string `json:"executable,omitempty"`
	CommandMatches string `json:"commandMatches,omitempty"`
	PathMatches    string `json:"pathMatches,omitempty"`
	PathWithin     string `json:"pathWithin,omitempty"`
	Domain         string `json:"domain,omitempty"`
}

func (m Match) empty() bool {
	return m.Tool == "" && m.Executable == "" && m.CommandMatches == "" &&
		m.PathMatches == "" && m.PathWithin == "" && m.Domain == ""
}

// Permission is one compiled-policy rule entry (§6.1 "A Permission is...").
type Permission struct {
	ID        string   `json:"id"`
	Decision  Decision `json:"decision"`
	Label     string   `json:"label,omitempty"`
	Reason    string   `json:"reason,omitempty"`
	Immutable bool     `json:"immutable,omitempty"`
	Match     Match    `json:"match"`
}

// HeuristicSwitch is one of allow|ask|block|false. false disables the
// heuristic entirely.
type HeuristicSwitch string

const (
	HeuristicAllow    HeuristicSwitch = "allow"
	HeuristicAsk      HeuristicSwitch = "ask"
	HeuristicBlock    HeuristicSwitch = "block"
	HeuristicDisabled HeuristicSwitch = "false"
)

// Heuristics enumerates the structural-pattern switches of §4.2 step 7.
type Heuristics struct {
	PipeToShell          HeuristicSwitch `json:"pipeToShell,omitempty"`
	DataEgress           HeuristicSwitch `json:"dataEgress,omitempty"`
	SecretEnvInURL       HeuristicSwitch `json:"secretEnvInUrl,omitempty"`
	SecretFileAccess     HeuristicSwitch `json:"secretFileAccess,omitempty"`
	BrowserUnknownDomain HeuristicSwitch `json:"browserUnknownDomain,omitempty"`
	BrowserEval          HeuristicSwitch `json:"browserEval,omitempty"`
}

// PolicyConfig is the root document of §6.1.
type PolicyConfig struct {
	SchemaVersion int          `json:"schemaVersion"`
	Mode          string       `json:"mode,omitempty"`
	Description   string       `json:"description,omitempty"`
	Fallback      Decision     `json:"fallback"`
	Guardrails    []Permission `json:"guardrails,omitempty"`
	Permissions   []Permission `json:"permissions,omitempty"`
	Heuristics    *Heuristics  `json:"heuristics,omitempty"`

	// AllowedPaths / AllowedExecutables are the per-session workspace
	// overlay described in §4.2 "Path access (workspace-configured)".
	// They are not part of the on-disk schema's strict-mode key set but
	// are populated programmatically by the orchestrator from a
	// Workspace record before compilation.
	AllowedPaths       []PathAccess `json:"-"`
	AllowedExecutables []string     `json:"-"`
}

// PathAccess grants read or read-write access to a host path.
type PathAccess struct {
	Path      string
	ReadWrite bool
}

// Load reads and strict-parses a policy config file (JSON5: comments and
// trailing commas allowed, matching the teacher's config loader).
func Load(path string) (*PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policyconfig: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse strict-parses policy config bytes, erroring on unknown top-level
// keys and on Permission entries that match nothing.
func Parse(data []byte) (*PolicyConfig, error) {
	var raw map[string]json.RawMessage
	if err := json5.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("policyconfig: parse: %w", err)
	}
	if err := checkUnknownKeys(raw, knownTopLevelKeys); err != nil {
		return nil, err
	}

	var cfg PolicyConfig
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("policyconfig: parse: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var knownTopLevelKeys = map[string]bool{
	"schemaVersion": true, "mode": true, "description": true,
	"fallback": true, "guardrails": true, "permissions": true, "heuristics": true,
}

func checkUnknownKeys(raw map[string]json.RawMessage, known map[string]bool) error {
	for k := range raw {
		if !known[k] {
			return fmt.Errorf("policyconfig: unknown top-level key %q", k)
		}
	}
	return nil
}

func (c *PolicyConfig) validate() error {
	if c.SchemaVersion != 1 {
		return fmt.Errorf("policyconfig: unsupported schemaVersion %d", c.SchemaVersion)
	}
	c.Fallback = c.Fallback.Normalize()
	switch c.Fallback {
	case DecisionAllow, DecisionAsk, DecisionDeny:
	default:
		return fmt.Errorf("policyconfig: invalid fallback %q", c.Fallback)
	}
	for i := range c.Guardrails {
		if err := c.Guardrails[i].validate(); err != nil {
			return fmt.Errorf("policyconfig: guardrails[%d]: %w", i, err)
		}
	}
	for i := range c.Permissions {
		if err := c.Permissions[i].validate(); err != nil {
			return fmt.Errorf("policyconfig: permissions[%d]: %w", i, err)
		}
	}
	return nil
}

func (p *Permission) validate() error {
	if !slugPattern.MatchString(p.ID) {
		return fmt.Errorf("id %q must be a 3-64 char slug", p.ID)
	}
	p.Decision = p.Decision.Normalize()
	switch p.Decision {
	case DecisionAllow, DecisionAsk, DecisionDeny:
	default:
		return fmt.Errorf("permission %q: invalid decision %q", p.ID, p.Decision)
	}
	if p.Match.empty() {
		return fmt.Errorf("permission %q: match requires at least one field", p.ID)
	}
	return nil
}
