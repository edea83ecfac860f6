package state

import "fmt"

// seedRules is the catalogue Initialize draws from, in order.
var seedRules = []struct {
	text string
	kind RuleKind
}{
	{"Do not leave the marked path once the lights go out.", RuleBoundary},
	{"Nothing may be opened between midnight and 3:00 AM.", RuleTemporal},
	{"Every arrival must be written in the logbook before entering.", RuleProcedural},
	{"Never answer a voice that calls your name from behind you.", RuleBehavioral},
	{"The east wing stays locked; the key is not to be used.", RuleBoundary},
	{"Leave before sunrise or stay until the following dusk.", RuleTemporal},
	{"Count the doors each time you pass the corridor.", RuleProcedural},
	{"Do not look at reflections after the second bell.", RuleBehavioral},
	{"Nothing brought in from outside may be taken back out.", RuleBoundary},
	{"The radio must be switched off at 2:14 AM exactly.", RuleTemporal},
	{"Refill the lamp oil before it burns below the line.", RuleProcedural},
	{"Do not speak to the other guests about the rules.", RuleBehavioral},
}

// seedRule returns the n-th seeded rule (1-based). Indices past the catalogue wrap
// around and carry an ordinal suffix so texts stay unique.
func seedRule(n int) Rule {
	entry := seedRules[(n-1)%len(seedRules)]
	text := entry.text
	if round := (n - 1) / len(seedRules); round > 0 {
		text = fmt.Sprintf("%s (variant %d)", text, round+1)
	}
	return Rule{
		ID:                 fmt.Sprintf("rule_%d", n),
		Text:               text,
		Kind:               entry.kind,
		Active:             true,
		EstablishedAtChunk: 0,
	}
}
