package chunk

import "strings"

// packLines is the generic fallback strategy for any log kind: line-oriented
// packing that preserves order and never splits a line, used when a
// structure-specific strategy finds no boundaries to split on.
func packLines(content string, maxChars int) []string {
	lines := strings.SplitAfter(content, "\n")
	var chunks []string
	var cur strings.Builder
	for _, line := range lines {
		if cur.Len() > 0 && cur.Len()+len(line) > maxChars {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	if len(chunks) == 0 {
		chunks = append(chunks, content)
	}
	return chunks
}
