package chunk

import (
	"regexp"
	"strings"

	"github.com/anrdispatch/dispatchd/internal/cost"
)

// threadHeaderPattern splits ANR content at thread-block boundaries: a line
// beginning with a quoted thread name, priority, and thread id, mirroring
// the original analyzer's regex `\n(?="[^"]*" prio=\d+ tid=\d+)`.
var threadHeaderPattern = regexp.MustCompile(`(?m)^"[^"]*"\s+prio=\d+\s+tid=\d+`)

// splitANR packs ANR thread blocks into chunks bounded by maxChars and the
// mode's thread cap, re-prepending the header block (everything before the
// first thread) to every chunk.
func splitANR(content string, mode cost.Mode, maxChars int) []string {
	locs := threadHeaderPattern.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return nil
	}

	header := content[:locs[0][0]]
	blocks := make([]string, 0, len(locs))
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		blocks = append(blocks, content[loc[0]:end])
	}

	threadLimit := threadCap(mode)
	var chunks []string
	var cur strings.Builder
	cur.WriteString(header)
	curThreads := 0
	curLen := len(header)

	flush := func() {
		if curThreads == 0 {
			return
		}
		chunks = append(chunks, cur.String())
		cur.Reset()
		cur.WriteString(header)
		curLen = len(header)
		curThreads = 0
	}

	for _, block := range blocks {
		if curThreads > 0 && (curLen+len(block) > maxChars || (threadLimit > 0 && curThreads >= threadLimit)) {
			flush()
		}
		cur.WriteString(block)
		curLen += len(block)
		curThreads++
	}
	flush()

	return chunks
}

// ANRMetadata captures structural facts extracted from an ANR trace for
// audit-record purposes. Prompt generation itself is out of scope; this is
// metadata extraction only.
type ANRMetadata struct {
	PID             string
	Package         string
	Timestamp       string
	MainThreadState string
	TotalThreads    int
}

var (
	pidPattern       = regexp.MustCompile(`(?m)^----- pid (\d+) at ([\d-]+\s[\d:.]+)`)
	packagePattern   = regexp.MustCompile(`(?m)^Cmd line:\s*(\S+)`)
	mainStatePattern = regexp.MustCompile(`(?m)^Main thread state:\s*(\S+)`)
)

// ExtractANRMetadata extracts pid/package/timestamp/main-thread-state/
// total-thread-count from an ANR trace via regex, mirroring the original
// analyzer's extract_key_info.
func ExtractANRMetadata(content string) ANRMetadata {
	var md ANRMetadata
	if m := pidPattern.FindStringSubmatch(content); m != nil {
		md.PID = m[1]
		md.Timestamp = m[2]
	}
	if m := packagePattern.FindStringSubmatch(content); m != nil {
		md.Package = m[1]
	}
	if m := mainStatePattern.FindStringSubmatch(content); m != nil {
		md.MainThreadState = m[1]
	}
	md.TotalThreads = len(threadHeaderPattern.FindAllStringIndex(content, -1))
	return md
}
