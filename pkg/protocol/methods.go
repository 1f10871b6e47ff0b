package protocol

// Client -> server command passthroughs the orchestrator forwards to the
// backend unmodified (§6.5 "plus a set of command passthroughs"). These do
// not get bespoke Go structs — they ride ClientCommand.Raw straight through
// to the agent, the same way the gate forwards opaque tool input.
const (
	MethodModelSet          = "model.set"
	MethodModelCycle        = "model.cycle"
	MethodThinkingLevelSet   = "thinking_level.set"
	MethodThinkingLevelCycle = "thinking_level.cycle"
	MethodCompact           = "compact"
	MethodFork              = "fork"
)
