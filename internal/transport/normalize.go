package transport

import "strings"

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

// NormalizeLineEndings rewrites every \r\n, \r and \n in s to eol.
func NormalizeLineEndings(s, eol string) string {
	s = lineBreaks.Replace(s)
	if eol == "\n" {
		return s
	}
	return strings.ReplaceAll(s, "\n", eol)
}
