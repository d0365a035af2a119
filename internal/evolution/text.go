package evolution

import (
	"regexp"
	"strings"
)

var textFenceRe = regexp.MustCompile("(?s)```[ \\t]*(?i:text)?[ \\t]*\\r?\\n(.*?)```")

// candidateText returns the body of the last ```text fence in a reply, or
// the trimmed reply when it holds no fence.
func candidateText(reply string) string {
	matches := textFenceRe.FindAllStringSubmatch(reply, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		if body := strings.TrimSpace(matches[i][1]); body != "" {
			return body
		}
	}
	return strings.TrimSpace(reply)
}
