package orchestrator

import (
	"sort"
	"strings"

	"github.com/martin/aria/pkg/llm"
	"github.com/martin/aria/pkg/tool"
)

// recentWindow is how many trailing transcript entries bias selection
const recentWindow = 6

// priorityTools are offered ahead of unmentioned tools when the registry
// outgrows the provider cap.
var priorityTools = map[string]struct{}{
	"current_time":  {},
	"save_note":     {},
	"search_notes":  {},
	"delegate_task": {},
}

// selectTools picks at most maxTools contracts, biased toward tools
// mentioned in recent context. The delegation tool, when enabled, is
// always included. Selection is deterministic for a given transcript.
func selectTools(contracts []*tool.Contract, policy *tool.Policy, transcript []llm.Message, maxTools int, delegationTool string) []llm.ToolSchema {
	if maxTools <= 0 {
		maxTools = 20
	}

	// Recent context tail, lowercased once
	start := len(transcript) - recentWindow
	if start < 0 {
		start = 0
	}
	var recent strings.Builder
	for _, msg := range transcript[start:] {
		recent.WriteString(strings.ToLower(msg.Content))
		recent.WriteByte(' ')
	}
	tail := recent.String()

	type scored struct {
		contract *tool.Contract
		score    int
	}

	var candidates []scored
	for _, c := range contracts {
		if !policy.Allows(c.Name) {
			continue
		}
		score := strings.Count(tail, strings.ToLower(c.Name)) * 2
		if _, ok := priorityTools[c.Name]; ok {
			score++
		}
		candidates = append(candidates, scored{contract: c, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].contract.Name < candidates[j].contract.Name
	})

	if len(candidates) > maxTools {
		candidates = candidates[:maxTools]
	}

	// The delegation tool must survive truncation
	if delegationTool != "" {
		found := false
		for _, c := range candidates {
			if c.contract.Name == delegationTool {
				found = true
				break
			}
		}
		if !found {
			for _, c := range contracts {
				if c.Name == delegationTool && policy.Allows(c.Name) {
					if len(candidates) == maxTools {
						candidates = candidates[:len(candidates)-1]
					}
					candidates = append(candidates, scored{contract: c})
					break
				}
			}
		}
	}

	schemas := make([]llm.ToolSchema, 0, len(candidates))
	for _, c := range candidates {
		schemas = append(schemas, llm.ToolSchema{
			Name:        c.contract.Name,
			Description: c.contract.Description,
			InputSchema: c.contract.InputSchema(),
		})
	}
	return schemas
}
