package buffer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
)

// GrepOptions filters read output by a regular expression with optional
// surrounding context.
type GrepOptions struct {
	Pattern         string `json:"pattern"`
	CaseInsensitive bool   `json:"case_insensitive,omitempty"`
	Invert          bool   `json:"invert,omitempty"`
	Before          int    `json:"before,omitempty"`
	After           int    `json:"after,omitempty"`
	Context         int    `json:"context,omitempty"`
}

func (o *GrepOptions) compile() (*regexp.Regexp, error) {
	if o.Before < 0 || o.After < 0 || o.Context < 0 {
		return nil, errcodes.New(errcodes.InvalidParameter, "grep context must not be negative")
	}
	pattern := o.Pattern
	if o.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errcodes.Wrap(errcodes.PatternSyntaxError, err, "invalid pattern %q", o.Pattern)
	}
	return re, nil
}

// Grep returns the lines of text matching opts, numbered from 1. Matching
// lines are written "N:text" and context lines "N-text". Overlapping context
// windows are merged so no line appears twice, and "--" separates groups
// that are not adjacent.
func Grep(text string, opts GrepOptions) (string, error) {
	re, err := opts.compile()
	if err != nil {
		return "", err
	}
	before := max(opts.Before, opts.Context)
	after := max(opts.After, opts.Context)

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	if text == "" {
		return "", nil
	}

	matched := make([]bool, len(lines))
	include := make([]bool, len(lines))
	for i, line := range lines {
		if re.MatchString(line) != opts.Invert {
			matched[i] = true
			lo := max(i-before, 0)
			hi := min(i+after, len(lines)-1)
			for j := lo; j <= hi; j++ {
				include[j] = true
			}
		}
	}

	var sb strings.Builder
	last := -1
	for i, line := range lines {
		if !include[i] {
			continue
		}
		if last >= 0 && i > last+1 {
			sb.WriteString("--\n")
		}
		sb.WriteString(strconv.Itoa(i + 1))
		if matched[i] {
			sb.WriteByte(':')
		} else {
			sb.WriteByte('-')
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
		last = i
	}
	return sb.String(), nil
}
