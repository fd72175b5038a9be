package logutil

import "strings"

// maxLogValueLen bounds how much of a caller-supplied value (command text,
// device output) ends up in a single log line.
const maxLogValueLen = 200

// SanitizeForLog removes newlines and control characters from user-provided
// strings to prevent log injection attacks where attackers could inject
// fake log entries by including newline characters.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Truncate sanitizes s and shortens it to a loggable length, marking the cut.
func Truncate(s string) string {
	s = SanitizeForLog(s)
	if len(s) <= maxLogValueLen {
		return s
	}
	return s[:maxLogValueLen] + "...(truncated)"
}
