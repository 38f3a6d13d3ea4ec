package pipeline

import (
	"regexp"
	"strings"
)

// noisePatterns strips obviously content-free boilerplate the CLI
// frequently emits (ANSI control sequences, repeated separator lines).
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`),             // ANSI escapes
	regexp.MustCompile(`(?m)^[-=_*]{10,}\s*$`),              // separator lines
	regexp.MustCompile(`(?m)^\s*\.\.\.\s*$`),                // bare ellipsis lines
}

// Clean normalizes raw content: strips ANSI/noise, collapses runs of
// blank lines, and trims. Returns ("", false) when the result is
// shorter than minLength or is newline-only, signalling the caller to
// drop the capture without treating it as an error.
func Clean(raw string, minLength int) (string, bool) {
	s := raw
	for _, re := range noisePatterns {
		s = re.ReplaceAllString(s, "")
	}
	s = collapseBlankLines(s)
	s = strings.TrimSpace(s)

	if s == "" {
		return "", false
	}
	if strings.Trim(s, "\n\r\t ") == "" {
		return "", false
	}
	if len(s) < minLength {
		return "", false
	}
	return s, true
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := false
	for _, l := range lines {
		isBlank := strings.TrimSpace(l) == ""
		if isBlank && blank {
			continue
		}
		out = append(out, l)
		blank = isBlank
	}
	return strings.Join(out, "\n")
}
