// Package rules implements the RuleStore of spec §4.1: a persistent and
// ephemeral learned-rule registry spanning session, workspace, and global
// scope, with conflict detection and file-mtime-triggered hot reload.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/duh17/hostguard/internal/policy"
	"github.com/duh17/hostguard/pkg/protocol"
)

// Failure modes named in §4.1.
var (
	ErrScopeRequiresID     = errors.New("rules: scope requires an id")
	ErrConflictingDecision = errors.New("rules: conflicting decision for existing rule")
)

// Store holds session rules in memory and workspace/global rules backed
// by JSON files, reloading from disk when the file's mtime advances so
// manual edits or another process's writes are picked up.
type Store struct {
	log *slog.Logger

	globalPath    string
	workspaceRoot string // workspaceRoot/<workspaceId>.json per workspace

	mu             sync.RWMutex
	session        map[string][]protocol.Rule // sessionId -> rules
	global         []protocol.Rule
	globalMtime    time.Time
	workspace      map[string][]protocol.Rule // workspaceId -> rules (cached)
	workspaceMtime map[string]time.Time

	watcher *fsnotify.Watcher
}

// New constructs a Store persisting global rules at globalPath and
// per-workspace rules under workspaceRoot/<workspaceId>.json. log may be
// nil, in which case a discard logger is used.
func New(globalPath, workspaceRoot string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
	}
	s := &Store{
		log:            log,
		globalPath:     globalPath,
		workspaceRoot:  workspaceRoot,
		session:        make(map[string][]protocol.Rule),
		workspace:      make(map[string][]protocol.Rule),
		workspaceMtime: make(map[string]time.Time),
	}
	s.startWatch()
	return s
}

// startWatch subscribes an fsnotify watcher to the global rule file's
// directory and the workspace rule directory, so an external edit (or
// another hostguardd instance's write) is picked up without waiting for
// the next GlobalRules/WorkspaceRules call. If the watcher cannot be
// created the store silently falls back to its existing mtime-compare-
// on-read behavior.
func (s *Store) startWatch() {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("rules: file watcher unavailable, falling back to polling on read", "error", err)
		return
	}
	var watched []string
	if s.globalPath != "" {
		if dir := filepath.Dir(s.globalPath); dir != "" {
			if err := w.Add(dir); err == nil {
				watched = append(watched, dir)
			}
		}
	}
	if s.workspaceRoot != "" {
		if err := os.MkdirAll(s.workspaceRoot, 0o700); err == nil {
			if err := w.Add(s.workspaceRoot); err == nil {
				watched = append(watched, s.workspaceRoot)
			}
		}
	}
	if len(watched) == 0 {
		w.Close()
		return
	}
	s.watcher = w
	go s.watchLoop()
}

func (s *Store) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			s.handleWatchEvent(ev.Name)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("rules: file watcher error", "error", err)
		}
	}
}

func (s *Store) handleWatchEvent(path string) {
	base := filepath.Base(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalPath != "" && base == filepath.Base(s.globalPath) {
		s.loadGlobalLocked()
		return
	}
	if s.workspaceRoot != "" && strings.HasSuffix(base, ".json") {
		s.loadWorkspaceLocked(strings.TrimSuffix(base, ".json"))
	}
}

// normalize applies §4.1 "Normalization": tool trimmed or "*", pattern
// trimmed, path-normalization for file-tool patterns, and the legacy
// "block" -> "deny" mapping.
func normalize(in protocol.RuleInput) protocol.RuleInput {
	in.Tool = strings.TrimSpace(in.Tool)
	if in.Tool == "" {
		in.Tool = "*"
	}
	in.Pattern = strings.TrimSpace(in.Pattern)
	if in.Decision == "block" {
		in.Decision = protocol.DecisionDeny
	}
	if isPathTool(in.Tool) {
		in.Pattern = normalizePathPattern(in.Pattern)
	}
	return in
}

func isPathTool(tool string) bool {
	switch tool {
	case "read", "write", "edit", "find", "ls":
		return true
	default:
		return false
	}
}

// normalizePathPattern expands a leading "~" and path.Clean's the literal
// prefix while preserving any trailing glob metacharacter suffix (e.g.
// "/**", "/*.go") so cleaning never mangles the glob portion.
func normalizePathPattern(pattern string) string {
	if pattern == "" {
		return pattern
	}
	if pattern == "~" || strings.HasPrefix(pattern, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			pattern = home + pattern[1:]
		}
	}
	cut := strings.IndexAny(pattern, "*?[{")
	if cut < 0 {
		return filepath.Clean(pattern)
	}
	lastSlash := strings.LastIndexByte(pattern[:cut], '/')
	if lastSlash < 0 {
		return pattern
	}
	prefix := filepath.Clean(pattern[:lastSlash])
	return prefix + pattern[lastSlash:]
}

// signature incorporates the decision; two inputs with the same signature
// describe the literal same rule.
func signature(in protocol.RuleInput) string {
	return conflictKey(in) + "|" + string(in.Decision)
}

// conflictKey omits decision; two inputs with the same conflict key but
// different decisions cannot coexist (§4.1 "Signature vs conflict key").
func conflictKey(in protocol.RuleInput) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%s",
		in.Tool, in.Executable, in.Pattern, in.Scope, in.SessionID, in.WorkspaceID)
	return hex.EncodeToString(h.Sum(nil))
}

// Close stops the file watcher, if one was started. Safe to call on a
// Store with no watcher.
func (s *Store) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

// Add normalizes input, returns the existing rule on a signature match,
// and fails with ErrConflictingDecision when the conflict key collides
// with a different decision already on file.
func (s *Store) Add(in protocol.RuleInput) (protocol.Rule, error) {
	in = normalize(in)
	if in.Scope == protocol.ScopeSession && in.SessionID == "" {
		return protocol.Rule{}, ErrScopeRequiresID
	}
	if in.Scope == protocol.ScopeWorkspace && in.WorkspaceID == "" {
		return protocol.Rule{}, ErrScopeRequiresID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.scopedRulesLocked(in.Scope, in.SessionID, in.WorkspaceID)
	wantSig := signature(in)
	wantKey := conflictKey(in)
	for _, r := range existing {
		rSig := signature(ruleToInput(r))
		if rSig == wantSig {
			return r, nil
		}
		if conflictKey(ruleToInput(r)) == wantKey {
			return protocol.Rule{}, ErrConflictingDecision
		}
	}

	rule := protocol.Rule{
		ID:          uuid.NewString(),
		Tool:        in.Tool,
		Decision:    in.Decision,
		Executable:  in.Executable,
		Pattern:     in.Pattern,
		Scope:       in.Scope,
		SessionID:   in.SessionID,
		WorkspaceID: in.WorkspaceID,
		ExpiresAt:   in.ExpiresAt,
		Provenance:  in.Provenance,
		CreatedAt:   time.Now(),
	}
	s.appendLocked(rule)
	return rule, nil
}

func ruleToInput(r protocol.Rule) protocol.RuleInput {
	return protocol.RuleInput{
		Tool: r.Tool, Decision: r.Decision, Executable: r.Executable, Pattern: r.Pattern,
		Scope: r.Scope, SessionID: r.SessionID, WorkspaceID: r.WorkspaceID,
	}
}

func (s *Store) scopedRulesLocked(scope protocol.Scope, sessionID, workspaceID string) []protocol.Rule {
	switch scope {
	case protocol.ScopeSession:
		return s.session[sessionID]
	case protocol.ScopeWorkspace:
		return s.loadWorkspaceLocked(workspaceID)
	default:
		return s.loadGlobalLocked()
	}
}

func (s *Store) appendLocked(r protocol.Rule) {
	switch r.Scope {
	case protocol.ScopeSession:
		s.session[r.SessionID] = append(s.session[r.SessionID], r)
	case protocol.ScopeWorkspace:
		rules := append(s.loadWorkspaceLocked(r.WorkspaceID), r)
		s.workspace[r.WorkspaceID] = rules
		s.persistWorkspaceLocked(r.WorkspaceID, rules)
	default:
		rules := append(s.loadGlobalLocked(), r)
		s.global = rules
		s.persistGlobalLocked(rules)
	}
}

// Remove deletes a rule by id across all scopes, persisting the change
// when the rule was not session-scoped.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sid, rs := range s.session {
		if idx := indexOf(rs, id); idx >= 0 {
			s.session[sid] = append(rs[:idx], rs[idx+1:]...)
			return true
		}
	}
	global := s.loadGlobalLocked()
	if idx := indexOf(global, id); idx >= 0 {
		global = append(global[:idx], global[idx+1:]...)
		s.global = global
		s.persistGlobalLocked(global)
		return true
	}
	for wsID, rs := range s.workspace {
		rs = s.loadWorkspaceLocked(wsID)
		if idx := indexOf(rs, id); idx >= 0 {
			rs = append(rs[:idx], rs[idx+1:]...)
			s.workspace[wsID] = rs
			s.persistWorkspaceLocked(wsID, rs)
			return true
		}
	}
	return false
}

func indexOf(rules []protocol.Rule, id string) int {
	for i, r := range rules {
		if r.ID == id {
			return i
		}
	}
	return -1
}

// Update applies patch fields to the rule identified by id, re-normalizes
// it, and conflict-checks against its scope siblings excluding itself.
func (s *Store) Update(id string, patch protocol.RuleInput) (protocol.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, scope, err := s.findLocked(id)
	if err != nil {
		return protocol.Rule{}, err
	}

	merged := ruleToInput(rule)
	if patch.Decision != "" {
		merged.Decision = patch.Decision
	}
	if patch.Pattern != "" {
		merged.Pattern = patch.Pattern
	}
	if patch.Executable != "" {
		merged.Executable = patch.Executable
	}
	merged = normalize(merged)

	siblings := s.scopedRulesLocked(scope, rule.SessionID, rule.WorkspaceID)
	wantKey := conflictKey(merged)
	for _, sib := range siblings {
		if sib.ID == id {
			continue
		}
		if conflictKey(ruleToInput(sib)) == wantKey && sib.Decision != merged.Decision {
			return protocol.Rule{}, ErrConflictingDecision
		}
	}

	rule.Tool, rule.Decision, rule.Executable, rule.Pattern = merged.Tool, merged.Decision, merged.Executable, merged.Pattern
	if patch.ExpiresAt != nil {
		rule.ExpiresAt = patch.ExpiresAt
	}
	s.replaceLocked(rule)
	return rule, nil
}

func (s *Store) findLocked(id string) (protocol.Rule, protocol.Scope, error) {
	for _, rs := range s.session {
		if idx := indexOf(rs, id); idx >= 0 {
			return rs[idx], protocol.ScopeSession, nil
		}
	}
	if idx := indexOf(s.loadGlobalLocked(), id); idx >= 0 {
		return s.global[idx], protocol.ScopeGlobal, nil
	}
	for wsID := range s.workspace {
		rs := s.loadWorkspaceLocked(wsID)
		if idx := indexOf(rs, id); idx >= 0 {
			return rs[idx], protocol.ScopeWorkspace, nil
		}
	}
	return protocol.Rule{}, "", fmt.Errorf("rules: no rule %s", id)
}

func (s *Store) replaceLocked(r protocol.Rule) {
	switch r.Scope {
	case protocol.ScopeSession:
		rs := s.session[r.SessionID]
		if idx := indexOf(rs, r.ID); idx >= 0 {
			rs[idx] = r
		}
	case protocol.ScopeWorkspace:
		rs := s.loadWorkspaceLocked(r.WorkspaceID)
		if idx := indexOf(rs, r.ID); idx >= 0 {
			rs[idx] = r
		}
		s.workspace[r.WorkspaceID] = rs
		s.persistWorkspaceLocked(r.WorkspaceID, rs)
	default:
		rs := s.loadGlobalLocked()
		if idx := indexOf(rs, r.ID); idx >= 0 {
			rs[idx] = r
		}
		s.global = rs
		s.persistGlobalLocked(rs)
	}
}

// GetAll returns every rule across all scopes (spec §4.1 "getAll"):
// global, every workspace that has a rule file on disk (not just ones
// already read into cache), and every session still holding in-memory
// rules.
func (s *Store) GetAll() []protocol.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Rule
	out = append(out, s.loadGlobalLocked()...)
	for _, wsID := range s.allWorkspaceIDsLocked() {
		out = append(out, s.loadWorkspaceLocked(wsID)...)
	}
	for _, rs := range s.session {
		out = append(out, rs...)
	}
	return out
}

// allWorkspaceIDsLocked unions the already-cached workspace ids with every
// "<id>.json" file present in workspaceRoot, so a workspace whose rules
// were written by another hostguardd instance but never read by this one
// is still enumerated. Callers must hold s.mu.
func (s *Store) allWorkspaceIDsLocked() []string {
	seen := make(map[string]bool, len(s.workspace))
	for wsID := range s.workspace {
		seen[wsID] = true
	}
	if s.workspaceRoot != "" {
		entries, err := os.ReadDir(s.workspaceRoot)
		if err != nil {
			s.log.Warn("rules: cannot list workspace rule directory", "error", err)
		} else {
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
					continue
				}
				seen[strings.TrimSuffix(e.Name(), ".json")] = true
			}
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	return ids
}

// GlobalRules implements policy.RuleLookup.
func (s *Store) GlobalRules() []protocol.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Rule(nil), s.loadGlobalLocked()...)
}

// WorkspaceRules implements policy.RuleLookup.
func (s *Store) WorkspaceRules(workspaceID string) []protocol.Rule {
	if workspaceID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Rule(nil), s.loadWorkspaceLocked(workspaceID)...)
}

// SessionRules implements policy.RuleLookup.
func (s *Store) SessionRules(sessionID string) []protocol.Rule {
	if sessionID == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]protocol.Rule(nil), s.session[sessionID]...)
}

// FindMatching returns every rule (across session, workspace, and global
// scope) whose (tool, executable, pattern, scope) matches req, excluding
// expired rules (§4.1 "findMatching").
func (s *Store) FindMatching(req policy.Request, sessionID, workspaceID string) []protocol.Rule {
	s.mu.Lock()
	candidates := append(append(
		append([]protocol.Rule(nil), s.session[sessionID]...),
		s.loadWorkspaceLocked(workspaceID)...),
		s.loadGlobalLocked()...)
	s.mu.Unlock()

	now := time.Now()
	var out []protocol.Rule
	for _, r := range candidates {
		if r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			continue
		}
		if policy.MatchesRule(r, req) {
			out = append(out, r)
		}
	}
	return out
}

// ClearSessionRules removes all session-scoped rules for sessionID.
func (s *Store) ClearSessionRules(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.session, sessionID)
}

// SeedIfEmpty idempotently seeds global rules the first time the store
// is empty, skipping any seed entry that would conflict with a rule
// already on disk (a prior user decision always wins).
func (s *Store) SeedIfEmpty(seed []protocol.RuleInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.loadGlobalLocked()) > 0 {
		return nil
	}
	for _, in := range seed {
		in.Scope = protocol.ScopeGlobal
		in = normalize(in)
		existing := s.loadGlobalLocked()
		key := conflictKey(in)
		conflicted := false
		for _, r := range existing {
			if conflictKey(ruleToInput(r)) == key {
				conflicted = true
				break
			}
		}
		if conflicted {
			continue
		}
		rule := protocol.Rule{
			ID: uuid.NewString(), Tool: in.Tool, Decision: in.Decision,
			Executable: in.Executable, Pattern: in.Pattern, Scope: protocol.ScopeGlobal,
			Provenance: in.Provenance, CreatedAt: time.Now(),
		}
		rules := append(s.loadGlobalLocked(), rule)
		s.global = rules
		s.persistGlobalLocked(rules)
	}
	return nil
}

// EnsureWorkspaceDefaults seeds default path/executable allow rules for a
// freshly created workspace rooted at root, skipping anything that would
// conflict with a rule the user already set.
func (s *Store) EnsureWorkspaceDefaults(workspaceID, root string) error {
	if workspaceID == "" {
		return ErrScopeRequiresID
	}
	defaults := []protocol.RuleInput{
		{Tool: "*", Decision: protocol.DecisionAllow, Pattern: root + "/**", Scope: protocol.ScopeWorkspace, WorkspaceID: workspaceID, Provenance: protocol.ProvenancePreset},
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range defaults {
		in = normalize(in)
		existing := s.loadWorkspaceLocked(workspaceID)
		key := conflictKey(in)
		conflicted := false
		for _, r := range existing {
			if conflictKey(ruleToInput(r)) == key {
				conflicted = true
				break
			}
		}
		if conflicted {
			continue
		}
		rule := protocol.Rule{
			ID: uuid.NewString(), Tool: in.Tool, Decision: in.Decision, Pattern: in.Pattern,
			Scope: protocol.ScopeWorkspace, WorkspaceID: workspaceID,
			Provenance: in.Provenance, CreatedAt: time.Now(),
		}
		rules := append(s.loadWorkspaceLocked(workspaceID), rule)
		s.workspace[workspaceID] = rules
		s.persistWorkspaceLocked(workspaceID, rules)
	}
	return nil
}

// loadGlobalLocked reloads the global rule file if its mtime has
// advanced since the last read (§4.1 "Persistence"). Callers must hold
// s.mu (read or write).
func (s *Store) loadGlobalLocked() []protocol.Rule {
	if s.globalPath == "" {
		return s.global
	}
	info, err := os.Stat(s.globalPath)
	if err != nil {
		return s.global
	}
	if !info.ModTime().After(s.globalMtime) {
		return s.global
	}
	rules, err := readRuleFile(s.globalPath)
	if err != nil {
		s.log.Warn("rules: global rule file corrupt, using empty state", "error", err)
		s.global = nil
		s.globalMtime = info.ModTime()
		return s.global
	}
	s.global = rules
	s.globalMtime = info.ModTime()
	return s.global
}

func (s *Store) loadWorkspaceLocked(workspaceID string) []protocol.Rule {
	if workspaceID == "" || s.workspaceRoot == "" {
		return s.workspace[workspaceID]
	}
	path := s.workspaceFilePath(workspaceID)
	info, err := os.Stat(path)
	if err != nil {
		return s.workspace[workspaceID]
	}
	if !info.ModTime().After(s.workspaceMtime[workspaceID]) {
		return s.workspace[workspaceID]
	}
	rules, err := readRuleFile(path)
	if err != nil {
		s.log.Warn("rules: workspace rule file corrupt, using empty state", "workspaceId", workspaceID, "error", err)
		s.workspace[workspaceID] = nil
		s.workspaceMtime[workspaceID] = info.ModTime()
		return nil
	}
	s.workspace[workspaceID] = rules
	s.workspaceMtime[workspaceID] = info.ModTime()
	return rules
}

func (s *Store) workspaceFilePath(workspaceID string) string {
	return filepath.Join(s.workspaceRoot, workspaceID+".json")
}

// readRuleFile parses a JSON array of rules, discarding malformed entries
// individually rather than failing the whole file.
func readRuleFile(path string) ([]protocol.Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make([]protocol.Rule, 0, len(raw))
	for _, r := range raw {
		var rule protocol.Rule
		if err := json.Unmarshal(r, &rule); err != nil {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

func (s *Store) persistGlobalLocked(rules []protocol.Rule) {
	if s.globalPath == "" {
		return
	}
	if err := writeRuleFileAtomic(s.globalPath, rules); err != nil {
		s.log.Error("rules: failed to persist global rules", "error", err)
		return
	}
	if info, err := os.Stat(s.globalPath); err == nil {
		s.globalMtime = info.ModTime()
	}
}

func (s *Store) persistWorkspaceLocked(workspaceID string, rules []protocol.Rule) {
	if s.workspaceRoot == "" {
		return
	}
	path := s.workspaceFilePath(workspaceID)
	if err := writeRuleFileAtomic(path, rules); err != nil {
		s.log.Error("rules: failed to persist workspace rules", "workspaceId", workspaceID, "error", err)
		return
	}
	if info, err := os.Stat(path); err == nil {
		s.workspaceMtime[workspaceID] = info.ModTime()
	}
}

// writeRuleFileAtomic writes rules as a JSON array via a temp-file +
// rename, mode 0600 with a 0700 parent dir, matching the durability
// guarantee of §4.1 "Persistence".
func writeRuleFileAtomic(path string, rules []protocol.Rule) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if rules == nil {
		rules = []protocol.Rule{}
	}
	data, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "rules-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
