package tool

import (
	"context"
	"fmt"
	"strings"
)

// Handler is the function signature for tool execution
type Handler func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// Contract describes a registered tool: its schema, capability tag and
// execution function.
type Contract struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Capability  string      `json:"capability,omitempty"`
	Parameters  []Parameter `json:"parameters"`
	Exclusive   bool        `json:"exclusive,omitempty"` // must not run concurrently with other tools
	Handler     Handler     `json:"-"`
}

// Parameter defines a single tool parameter
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// InputSchema builds the JSON Schema object providers expect for this
// contract.
func (c *Contract) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, param := range c.Parameters {
		properties[param.Name] = map[string]interface{}{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Required {
			required = append(required, param.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidationError reports a proposal that failed argument validation and
// must never reach a handler.
type ValidationError struct {
	Tool     string
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 0 {
		return fmt.Sprintf("invalid call to %q", e.Tool)
	}
	return fmt.Sprintf("invalid call to %q: %s", e.Tool, strings.Join(e.Problems, "; "))
}

// Policy defines which tools an agent can use
type Policy struct {
	Allow []string `json:"allow"` // List of allowed tools (* for all)
	Deny  []string `json:"deny"`  // List of denied tools (overrides allow)
}

// Allows checks if a tool is allowed by the policy
func (p *Policy) Allows(toolName string) bool {
	if p == nil {
		// No policy means allow all
		return true
	}

	// Deny list overrides allow list
	for _, denied := range p.Deny {
		if denied == toolName || denied == "*" {
			return false
		}
	}

	for _, allowed := range p.Allow {
		if allowed == toolName || allowed == "*" {
			return true
		}
	}

	// No explicit allow means deny
	return false
}
