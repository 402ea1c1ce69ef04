package filemon

import "strings"

// ExtractNewChanges returns the lines of currentContent that follow the last
// line of lastContent.
//
// The last line of lastContent is searched for from the end of currentContent,
// so when a line repeats the latest occurrence wins. If lastContent has no
// lines or its last line no longer appears, all of currentContent's lines are
// returned. This is a suffix match for append-mostly files, not a diff: edits
// in the middle of a file, or an appended line equal to the old last line, are
// reported imprecisely.
//
// Lines are split on "\n" with a trailing "\r" ignored, trailing blank lines do
// not count as content, and the result is joined with "\n". An empty result
// means there is nothing to record.
func ExtractNewChanges(lastContent, currentContent string) string {
	currentLines := splitLines(currentContent)
	if len(currentLines) == 0 {
		return ""
	}

	lastLines := splitLines(lastContent)
	if len(lastLines) == 0 {
		return strings.Join(currentLines, "\n")
	}
	lastLine := lastLines[len(lastLines)-1]

	for i := len(currentLines) - 1; i >= 0; i-- {
		if currentLines[i] == lastLine {
			return strings.Join(currentLines[i+1:], "\n")
		}
	}
	return strings.Join(currentLines, "\n")
}

// splitLines splits s on "\n", drops a trailing "\r" from each line and
// discards trailing empty lines.
func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
