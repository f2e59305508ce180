package subagent

import "github.com/martin/aria/pkg/tool"

// Role defines a specialist identity: its system prompt, static tool
// whitelist and iteration budget. The catalog is closed; delegation to
// an unknown role is rejected before any session is created.
type Role struct {
	Name          string
	SystemPrompt  string
	ToolAllowlist []string // tool names; never includes the delegation tool
	MaxIterations int
}

// Roles is the static catalog of spawnable specialists
var Roles = map[string]Role{
	"researcher": {
		Name: "researcher",
		SystemPrompt: "You are a research specialist. Your only mission is to find, " +
			"extract and synthesize information on the given topic. Use the search " +
			"tools available and produce a structured report with sources. Do not " +
			"converse; only report.",
		ToolAllowlist: []string{"web_search", "fetch_page", "search_notes", "current_time"},
		MaxIterations: 6,
	},
	"coder": {
		Name: "coder",
		SystemPrompt: "You are a programming specialist. Write, edit or run code " +
			"exactly as instructed and report the outcome concisely.",
		ToolAllowlist: []string{"read_file", "write_file", "run_command", "list_directory"},
		MaxIterations: 8,
	},
	"analyst": {
		Name: "analyst",
		SystemPrompt: "You are a data analysis specialist. Summarize, compare and " +
			"translate the material you are given. Report findings only.",
		ToolAllowlist: []string{"search_notes", "save_note", "current_time"},
		MaxIterations: 4,
	},
	"writer": {
		Name: "writer",
		SystemPrompt: "You are a writing specialist. Draft or edit the requested " +
			"text and return only the finished result.",
		ToolAllowlist: []string{"save_note", "search_notes"},
		MaxIterations: 4,
	},
	"home": {
		Name: "home",
		SystemPrompt: "You are a home automation specialist. Operate only the " +
			"devices named in the instructions and confirm what was done.",
		ToolAllowlist: []string{"device_state", "device_command", "current_time"},
		MaxIterations: 4,
	},
}

// PolicyFor builds the tool policy for a role. The delegation tool is
// denied explicitly so a spawned session can never recurse.
func PolicyFor(role Role, delegationTool string) *tool.Policy {
	return &tool.Policy{
		Allow: role.ToolAllowlist,
		Deny:  []string{delegationTool},
	}
}
