package qq

import "strings"

// breakpoints, in priority order: paragraph break, line break, sentence
// punctuation (CJK and ASCII), comma, space. The first class with a match
// past the floor wins; later classes are never consulted.
var breakpoints = [][]string{
	{"\n\n"},
	{"\n"},
	{"。", "！", "？", ".", "!", "?"},
	{"，", ","},
	{" "},
}

// splitMessage splits s into chunks of at most maxLen characters, cutting at
// the best breakpoint in the last 30% of each candidate chunk so sentences
// and paragraphs survive intact. Concatenating the chunks reproduces s
// exactly; no chunk is empty.
func splitMessage(s string, maxLen int) []string {
	if maxLen <= 0 {
		return []string{s}
	}

	var chunks []string
	runes := []rune(s)
	for len(runes) > maxLen {
		candidate := string(runes[:maxLen])
		floor := len(string(runes[:maxLen*7/10]))

		cut := len(candidate)
		for _, class := range breakpoints {
			best := -1
			for _, bp := range class {
				if i := strings.LastIndex(candidate, bp); i >= floor && i+len(bp) > best {
					best = i + len(bp) // cut after the breakpoint
				}
			}
			if best > 0 {
				cut = best
				break
			}
		}

		chunk := candidate[:cut]
		chunks = append(chunks, chunk)
		runes = runes[len([]rune(chunk)):]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
