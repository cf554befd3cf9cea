package runtime

import (
	"fmt"
	"strings"

	"github.com/collabot/collabot/internal/roles"
)

// harnessIdentity tells the agent it is running orchestrated and headless.
// It sits between the project context and the role body in the composed
// system prompt.
const harnessIdentity = `You are an agent managed by Collabot, an orchestration service. You run unattended: no human is watching your terminal, and interactive prompts will never be answered. Work autonomously within your role. Progress you print is relayed to a chat channel, so keep standalone updates short and meaningful.`

// resultInstructions asks task agents for a machine-readable final message.
// Conversational agents are exempt; their replies go straight to a human.
const resultInstructions = `When your work is finished, make your final message a single JSON object with this shape:
{"status": "success|partial|failed|blocked", "summary": "one or two sentences on what happened", "changes": ["files or areas changed"], "issues": ["problems encountered"], "questions": ["decisions needing human input"], "pr_url": "link if you opened a PR"}
Only status and summary are required. Do not wrap the object in a code fence or add text after it.`

// systemPrompt composes the layered system prompt: project context first,
// then the harness layer, the role body, and prior work on the task.
func (r *Runtime) systemPrompt(role *roles.Role, projectContext, taskContext string) string {
	layers := make([]string, 0, 4)
	if s := strings.TrimSpace(projectContext); s != "" {
		layers = append(layers, s)
	}
	layers = append(layers, r.harnessLayer(role))
	if s := strings.TrimSpace(role.Prompt); s != "" {
		layers = append(layers, s)
	}
	if s := strings.TrimSpace(taskContext); s != "" {
		layers = append(layers, s)
	}
	return strings.Join(layers, "\n\n")
}

func (r *Runtime) harnessLayer(role *roles.Role) string {
	parts := []string{harnessIdentity}
	if role.Category != roles.CategoryConversational {
		parts = append(parts, resultInstructions)
		if budget := r.agent.MaxBudgetUsd; budget > 0 {
			parts = append(parts, fmt.Sprintf("Budget: stop and report partial results before your API spend exceeds $%.2f.", budget))
		}
	}
	return strings.Join(parts, "\n\n")
}
