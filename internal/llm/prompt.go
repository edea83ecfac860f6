package llm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/danielpatrickdp/chunkforge/internal/delta"
	"github.com/danielpatrickdp/chunkforge/internal/orchestrator"
	"github.com/danielpatrickdp/chunkforge/internal/state"
)

const generateSystem = "You are a novelist writing one chunk of a longer story. " +
	"Continue the prose directly. Never contradict the established rules, flags or timeline. " +
	"Reply with prose only."

const extractSystem = "You read one chunk of story prose and report what it changed. " +
	"Reply using exactly the section headers shown, one \"- \" item per line, or None for an empty section. " +
	"Capabilities, flags and facts are written as \"- name: value\"."

// #region generate-prompt
// generatePrompt renders the user message for one chunk.
func generatePrompt(pc orchestrator.PromptContext, st state.CanonicalState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Premise: %s\n", pc.Premise)
	if pc.Setting != "" {
		fmt.Fprintf(&b, "Setting: %s\n", pc.Setting)
	}
	if pc.Narrator != "" {
		fmt.Fprintf(&b, "Narrator: %s\n", pc.Narrator)
	}
	fmt.Fprintf(&b, "Chunk: %d\n", pc.ChunkIndex)

	if len(pc.ActiveRules) > 0 {
		b.WriteString("\nRules:\n")
		for _, r := range pc.ActiveRules {
			fmt.Fprintf(&b, "- %s: %s\n", r.ID, r.Text)
		}
	}
	writeValues(&b, "Irreversible flags", st.IrreversibleFlags)
	writeValues(&b, "Capabilities", st.Capabilities)
	writeValues(&b, "World facts", st.WorldFacts)
	if len(pc.RecentTimeline) > 0 {
		b.WriteString("\nTimeline so far:\n")
		for _, t := range pc.RecentTimeline {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	if pc.PriorProse != "" {
		fmt.Fprintf(&b, "\nThe story so far ends with:\n%s\n", pc.PriorProse)
	}

	words := pc.ChunkWords
	if words <= 0 || (pc.RemainingWords > 0 && pc.RemainingWords < words) {
		words = pc.RemainingWords
	}
	fmt.Fprintf(&b, "\nWrite the next %d words.", words)
	return b.String()
}

func writeValues(b *strings.Builder, title string, m map[string]state.Value) {
	if len(m) == 0 {
		return
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, k := range names {
		fmt.Fprintf(b, "- %s: %s\n", k, m[k])
	}
}

// #endregion generate-prompt

// #region extract-prompt
// extractPrompt renders the user message asking for a delta of prose.
func extractPrompt(prose string, st state.CanonicalState) string {
	var b strings.Builder
	b.WriteString("Known rules:\n")
	for _, r := range st.Rules {
		fmt.Fprintf(&b, "- %s: %s\n", r.ID, r.Text)
	}
	writeValues(&b, "Current flags", st.IrreversibleFlags)
	fmt.Fprintf(&b, "\nProse:\n%s\n\nAnswer in this format:\n%s", prose, delta.Render(delta.Empty(0)))
	return b.String()
}

// #endregion extract-prompt
