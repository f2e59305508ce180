package llm

import (
	"encoding/json"
	"strings"
)

// Proposal is the strict sum type produced at the system boundary from a
// RawToolCall: either a valid, fully-typed invocation or a malformed one
// carrying the rejection reason. Downstream code never branches on raw
// untyped shapes.
type Proposal struct {
	ID     string
	Name   string
	Args   map[string]interface{} // nil when malformed
	Reason string                 // non-empty when malformed
}

// Valid reports whether the proposal may proceed to schema validation
func (p Proposal) Valid() bool {
	return p.Reason == ""
}

// DecodeProposal converts a raw provider tool call into a Proposal.
// It tolerates the malformed shapes providers actually emit: absent or
// null argument maps, arguments delivered as a JSON string, non-object
// arguments, and blank names.
func DecodeProposal(raw RawToolCall) Proposal {
	p := Proposal{ID: raw.ID, Name: strings.TrimSpace(raw.Name)}

	if p.Name == "" {
		p.Reason = "tool call has no name"
		return p
	}

	switch v := raw.Arguments.(type) {
	case nil:
		p.Reason = "arguments are absent"
	case map[string]interface{}:
		p.Args = v
	case string:
		// Some providers serialize arguments as a JSON string
		trimmed := strings.TrimSpace(v)
		if trimmed == "" || trimmed == "null" {
			p.Reason = "arguments are absent"
			return p
		}
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			p.Reason = "arguments are not valid JSON: " + err.Error()
			return p
		}
		if args == nil {
			p.Reason = "arguments decoded to null"
			return p
		}
		p.Args = args
	default:
		p.Reason = "arguments are not an object"
	}

	return p
}

// DecodeProposals decodes every raw call, preserving order
func DecodeProposals(raw []RawToolCall) []Proposal {
	proposals := make([]Proposal, 0, len(raw))
	for _, rc := range raw {
		proposals = append(proposals, DecodeProposal(rc))
	}
	return proposals
}
