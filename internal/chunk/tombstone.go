package chunk

import (
	"regexp"

	"github.com/anrdispatch/dispatchd/internal/cost"
)

// sectionMarkerPattern splits tombstone content at the section markers
// called out in the design: the crash-signal banner, backtrace, stack,
// memory-near, code-around, registers, and memory-map headers.
var sectionMarkerPattern = regexp.MustCompile(`(?m)^(\*\*\* \*\*\* \*\*\*|backtrace:|stack:|memory near|code around|registers:|memory map:)`)

// criticalMarkers identifies the sections kept in Quick mode's top-3 filter.
var criticalMarkers = map[string]bool{
	"*** *** ***": true,
	"backtrace:":  true,
	"stack:":      true,
}

// splitTombstone splits content at section markers. In Quick mode, only the
// first three sections containing a critical marker are kept; in MaxToken
// mode every section is kept; otherwise sections are merged up to maxChars.
func splitTombstone(content string, mode cost.Mode, maxChars int) []string {
	locs := sectionMarkerPattern.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}

	sections := make([]string, 0, len(locs)+1)
	if locs[0][0] > 0 {
		sections = append(sections, content[:locs[0][0]])
	}
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		sections = append(sections, content[loc[0]:end])
	}

	if mode == cost.ModeQuick {
		var kept []string
		count := 0
		for _, s := range sections {
			if count >= 3 {
				break
			}
			if isCriticalSection(s) {
				kept = append(kept, s)
				count++
			}
		}
		if len(kept) == 0 {
			kept = sections
		}
		sections = kept
	}

	if mode == cost.ModeMaxToken {
		return sections
	}

	var chunks []string
	var cur string
	for _, s := range sections {
		if cur != "" && len(cur)+len(s) > maxChars {
			chunks = append(chunks, cur)
			cur = ""
		}
		cur += s
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	return chunks
}

func isCriticalSection(section string) bool {
	for marker := range criticalMarkers {
		if len(section) >= len(marker) && section[:len(marker)] == marker {
			return true
		}
	}
	return false
}
