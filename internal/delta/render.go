package delta

import (
	"fmt"
	"strings"
)

// sectionHeaders is the canonical header text written by Render.
var sectionHeaders = map[Section]string{
	SectionRuleViolations: "RULE VIOLATIONS",
	SectionCapabilities:   "ENTITY CAPABILITIES",
	SectionFlags:          "IRREVERSIBLE FLAGS",
	SectionWorldFacts:     "WORLD FACTS",
	SectionTimeline:       "TIMELINE COMMITMENTS",
}

// Render writes the delta in the canonical extraction format. Every section is
// emitted, with "None" for empty ones, so Parse(Render(d)) reproduces d as long
// as no string value itself reads as a boolean or number.
func Render(d StateDelta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DELTA-FORMAT: %d\n", FormatVersion)
	for _, sec := range Sections {
		fmt.Fprintf(&b, "\n%s:\n", sectionHeaders[sec])
		var lines []string
		switch sec {
		case SectionRuleViolations:
			lines = d.RuleViolations
		case SectionCapabilities:
			lines = pairs(d.CapabilityChanges)
		case SectionFlags:
			lines = pairs(d.IrreversibleFlagChanges)
		case SectionWorldFacts:
			lines = pairs(d.WorldFacts)
		case SectionTimeline:
			lines = d.NewTimelineCommitments
		}
		if len(lines) == 0 {
			b.WriteString("None\n")
			continue
		}
		for _, l := range lines {
			fmt.Fprintf(&b, "- %s\n", l)
		}
	}
	return b.String()
}

func pairs(changes []Change) []string {
	out := make([]string, len(changes))
	for i, c := range changes {
		out[i] = fmt.Sprintf("%s: %s", c.Name, c.Value)
	}
	return out
}
