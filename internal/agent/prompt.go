package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jumith/internal/domain"
)

// buildSystemPrompt describes the action protocol and the tools the model
// may call.
func buildSystemPrompt(now time.Time, tools []domain.ToolDefinition) string {
	var b strings.Builder
	b.WriteString("# Jumith\n\n")
	b.WriteString("You are Jumith, a helpful assistant running in the user's terminal.\n\n")
	fmt.Fprintf(&b, "## Current Time\n%s\n\n", now.Format("2006-01-02 15:04 (Monday)"))

	b.WriteString("## Protocol\n")
	b.WriteString("Reply with ONLY one JSON object per message, choosing one of:\n")
	b.WriteString(`- {"action":"search_facts","terms":["term1","term2"]} to look up what you know about the user.` + "\n")
	b.WriteString(`- {"action":"call_tool","tool":"<name>","input":{...}} to run one of the tools below.` + "\n")
	b.WriteString(`- {"action":"final","response":"..."} to answer the user.` + "\n")
	b.WriteString("If you are unsure of an answer about the user, search facts before saying you do not know. ")
	b.WriteString("Keep search terms short and specific. After a tool result, either call another tool or answer.\n\n")

	b.WriteString("## Tools\n")
	if len(tools) == 0 {
		b.WriteString("No tools are available.\n")
	}
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s", t.Name, t.Description)
		if len(t.Parameters) > 0 {
			if params, err := json.Marshal(t.Parameters); err == nil {
				fmt.Fprintf(&b, "\n  input schema: %s", params)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("\n## Rules\n")
	b.WriteString("1. Respond in the same language the user writes in.\n")
	b.WriteString("2. Never invent tool results. Some tools ask the user for approval and may be declined.\n")
	b.WriteString("3. Be helpful, accurate, and concise.")
	return b.String()
}

func renderFacts(facts []domain.Fact) string {
	if len(facts) == 0 {
		return "Fact search results: none found."
	}
	lines := make([]string, len(facts))
	for i, f := range facts {
		lines[i] = fmt.Sprintf("- %s: %s", f.Key, f.Value)
	}
	return "Fact search results:\n" + strings.Join(lines, "\n")
}
