package delta

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/danielpatrickdp/chunkforge/internal/state"
)

// #region headers
// headerAliases maps normalized header text to its section.
var headerAliases = map[string]Section{
	"RULE VIOLATIONS":          SectionRuleViolations,
	"RULES VIOLATED":           SectionRuleViolations,
	"VIOLATED RULES":           SectionRuleViolations,
	"ENTITY CAPABILITIES":      SectionCapabilities,
	"CAPABILITIES":             SectionCapabilities,
	"CAPABILITY CHANGES":       SectionCapabilities,
	"IRREVERSIBLE FLAGS":       SectionFlags,
	"IRREVERSIBLE STATE":       SectionFlags,
	"WORLD FACTS":              SectionWorldFacts,
	"WORLD STATE":              SectionWorldFacts,
	"TIMELINE COMMITMENTS":     SectionTimeline,
	"NEW TIMELINE COMMITMENTS": SectionTimeline,
	"TIMELINE":                 SectionTimeline,
}

var (
	versionLine   = regexp.MustCompile(`(?i)^delta-format\s*:\s*(\S+)$`)
	ruleIDToken   = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)
	spokenRuleRef = regexp.MustCompile(`(?i)^rule[\s#_-]*(\d+)\b`)
	numberedItem  = regexp.MustCompile(`^\d+[.)]\s+`)
)

// #endregion headers

// #region parse
// Parse converts extraction text into a StateDelta. Malformed lines and unknown
// sections are skipped and reported as warnings. Only text that is empty, not
// valid UTF-8, declares an unsupported format version, or contains no
// recognized section at all is rejected with an *ExtractionFormatError.
func Parse(text string, chunkIndex int) (StateDelta, []Warning, error) {
	if strings.TrimSpace(text) == "" {
		return StateDelta{}, nil, &ExtractionFormatError{Reason: "empty extraction text"}
	}
	if !utf8.ValidString(text) {
		return StateDelta{}, nil, &ExtractionFormatError{Reason: "extraction text is not valid UTF-8"}
	}

	d := StateDelta{ChunkIndex: chunkIndex, Timestamp: time.Now().UTC()}
	var warnings []Warning
	var current Section
	inUnknown := false
	sawContent := false

	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "```") || isRule(line) {
			continue
		}

		if !sawContent {
			sawContent = true
			if m := versionLine.FindStringSubmatch(line); m != nil {
				v, err := strconv.Atoi(m[1])
				if err != nil || v != FormatVersion {
					return StateDelta{}, nil, &ExtractionFormatError{
						Reason: fmt.Sprintf("unsupported delta format version %q", m[1]),
						Line:   lineNo,
					}
				}
				continue
			}
		}

		if sec, inline, ok := matchHeader(line); ok {
			current, inUnknown = sec, false
			if !d.Has(sec) {
				d.Present = append(d.Present, sec)
			}
			if inline == "" {
				continue
			}
			line = inline
		} else if looksLikeHeader(line) {
			current, inUnknown = "", true
			warnings = append(warnings, Warning{
				Code:    WarnUnknownSection,
				Line:    lineNo,
				Message: fmt.Sprintf("ignoring section %q", cleanHeader(line)),
			})
			continue
		}

		if inUnknown || current == "" {
			continue
		}

		item := stripBullet(line)
		if isNone(item) {
			continue
		}
		if w, ok := parseItem(&d, current, item, lineNo); !ok {
			warnings = append(warnings, w)
		}
	}

	if len(d.Present) == 0 {
		return StateDelta{}, warnings, &ExtractionFormatError{Reason: "no recognized sections"}
	}
	return d, warnings, nil
}

// #endregion parse

// #region items
func parseItem(d *StateDelta, sec Section, item string, lineNo int) (Warning, bool) {
	malformed := func(msg string) (Warning, bool) {
		return Warning{Code: WarnMalformedLine, Section: sec, Line: lineNo, Message: msg}, false
	}

	switch sec {
	case SectionRuleViolations:
		ids, ok := readRuleIDs(item)
		if !ok {
			return malformed(fmt.Sprintf("cannot read rule id from %q", item))
		}
		d.RuleViolations = append(d.RuleViolations, ids...)

	case SectionCapabilities, SectionFlags, SectionWorldFacts:
		name, raw, ok := splitPair(item)
		if !ok {
			return malformed(fmt.Sprintf("expected name: value, got %q", item))
		}
		c := Change{Name: name, Value: ParseValue(raw)}
		switch sec {
		case SectionCapabilities:
			d.CapabilityChanges = append(d.CapabilityChanges, c)
		case SectionFlags:
			d.IrreversibleFlagChanges = append(d.IrreversibleFlagChanges, c)
		default:
			d.WorldFacts = append(d.WorldFacts, c)
		}

	case SectionTimeline:
		text := trimQuotes(item)
		if text == "" {
			return malformed("empty timeline commitment")
		}
		d.NewTimelineCommitments = append(d.NewTimelineCommitments, text)
	}
	return Warning{}, true
}

// readRuleIDs reads a comma-separated list of rule references. A ": description"
// suffix ends the list, so commas inside a description are not read as ids.
func readRuleIDs(item string) ([]string, bool) {
	refs := item
	if i := strings.Index(refs, ":"); i > 0 {
		refs = refs[:i]
	}
	var ids []string
	for _, part := range strings.Split(refs, ",") {
		id, ok := readRuleID(part)
		if !ok {
			// "Rule 3 (late, twice)": a comma inside the note.
			if id, ok := readRuleID(refs); ok {
				return []string{id}, true
			}
			return nil, false
		}
		ids = append(ids, id)
	}
	return ids, true
}

// readRuleID accepts "rule_3", "rule_3: note" and "Rule 3 (note)".
func readRuleID(part string) (string, bool) {
	part = trimQuotes(strings.TrimSpace(part))
	if m := spokenRuleRef.FindStringSubmatch(part); m != nil {
		return "rule_" + m[1], true
	}
	id := part
	if i := strings.IndexAny(id, ":( \t"); i >= 0 {
		id = id[:i]
	}
	id = trimQuotes(id)
	if id == "" || !ruleIDToken.MatchString(id) {
		return "", false
	}
	return id, true
}

// splitPair splits "name: value", "name = value" or "name -> value".
func splitPair(item string) (string, string, bool) {
	idx, width := -1, 0
	for _, sep := range []string{"->", ":", "="} {
		if i := strings.Index(item, sep); i > 0 && (idx == -1 || i < idx) {
			idx, width = i, len(sep)
		}
	}
	if idx <= 0 {
		return "", "", false
	}
	name := trimQuotes(strings.TrimSpace(item[:idx]))
	value := strings.TrimSpace(item[idx+width:])
	if name == "" || value == "" {
		return "", "", false
	}
	return name, value, true
}

// ParseValue reads a delta value: booleans, numbers, otherwise text.
// A trailing parenthetical note is ignored when detecting booleans and numbers.
func ParseValue(raw string) state.Value {
	raw = trimQuotes(strings.TrimSpace(raw))
	head := raw
	if i := strings.Index(raw, " ("); i > 0 && strings.HasSuffix(raw, ")") {
		head = strings.TrimSpace(raw[:i])
	}
	switch strings.ToLower(strings.TrimSuffix(head, ".")) {
	case "true", "yes":
		return state.BoolValue(true)
	case "false", "no":
		return state.BoolValue(false)
	}
	// inf and nan parse as floats but are kept as text: they cannot be encoded.
	if n, err := strconv.ParseFloat(head, 64); err == nil && !math.IsInf(n, 0) && !math.IsNaN(n) {
		return state.NumberValue(n)
	}
	return state.StringValue(raw)
}

// #endregion items

// #region header-helpers
func matchHeader(line string) (Section, string, bool) {
	head, inline := line, ""
	if i := strings.Index(line, ":"); i >= 0 {
		head, inline = line[:i], strings.TrimSpace(line[i+1:])
	}
	if sec, ok := headerAliases[normalizeHeader(head)]; ok {
		return sec, strings.Trim(inline, "* "), true
	}
	return "", "", false
}

func looksLikeHeader(line string) bool {
	if isNone(line) {
		return false
	}
	if strings.HasPrefix(line, "#") {
		return true
	}
	if strings.HasPrefix(line, "**") && strings.HasSuffix(strings.TrimSuffix(line, ":"), "**") {
		return true
	}
	if !strings.HasSuffix(line, ":") || strings.HasPrefix(line, "-") {
		return false
	}
	letters := 0
	for _, r := range line {
		if unicode.IsLower(r) {
			return false
		}
		if unicode.IsLetter(r) {
			letters++
		}
	}
	return letters > 0
}

func normalizeHeader(s string) string {
	s = cleanHeader(s)
	s = strings.ReplaceAll(s, "_", " ")
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

func cleanHeader(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "# ")
	s = strings.Trim(s, "*: ")
	return s
}

func stripBullet(line string) string {
	for _, p := range []string{"- ", "* ", "• ", "+ "} {
		if strings.HasPrefix(line, p) {
			return strings.TrimSpace(line[len(p):])
		}
	}
	if loc := numberedItem.FindStringIndex(line); loc != nil {
		return strings.TrimSpace(line[loc[1]:])
	}
	return line
}

func isNone(item string) bool {
	item = strings.ToLower(strings.Trim(item, "*_. "))
	return item == "none" || item == "n/a"
}

// isRule reports markdown horizontal rules, which some extractors emit between sections.
func isRule(line string) bool {
	return line == "---" || line == "***" || line == "___"
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') || (first == '`' && last == '`') {
			return strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	return s
}

// #endregion header-helpers
