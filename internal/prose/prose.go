// Package prose holds the text helpers shared by the chunk loop: word counts,
// the bounded context tail, and final assembly.
package prose

import "strings"

// Separator joins chunk prose in the assembled output.
const Separator = "\n\n"

// #region count
// WordCount counts whitespace-delimited words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// #endregion count

// #region tail
// Tail returns the last maxWords words of the concatenated chunks, so the
// prompt context stays bounded no matter how long the story grows.
// maxWords <= 0 returns "".
func Tail(chunks []string, maxWords int) string {
	if maxWords <= 0 {
		return ""
	}
	var words []string
	for i := len(chunks) - 1; i >= 0 && len(words) < maxWords; i-- {
		fields := strings.Fields(chunks[i])
		need := maxWords - len(words)
		if len(fields) > need {
			fields = fields[len(fields)-need:]
		}
		words = append(fields, words...)
	}
	return strings.Join(words, " ")
}

// #endregion tail

// #region join
// Join concatenates chunk prose in order with Separator, trimming each chunk.
func Join(chunks []string) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if c = strings.TrimSpace(c); c != "" {
			parts = append(parts, c)
		}
	}
	return strings.Join(parts, Separator)
}

// #endregion join
