package buffer

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
)

// Mode selects which part of the buffer a read returns.
type Mode string

const (
	// ModeDiff returns output appended since the previous diff read.
	ModeDiff Mode = "diff"
	// ModeLastPage returns roughly the last Lines lines.
	ModeLastPage Mode = "last_page"
	// ModeNumPages returns the last Pages pages of PageLines lines each.
	ModeNumPages Mode = "num_pages"
	// ModeAll returns the entire retained buffer.
	ModeAll Mode = "all"
)

// PageLines is the number of lines in a page.
const PageLines = 25

// MaxPages bounds num_pages reads.
const MaxPages = 10

// ReadOptions controls a buffer read.
type ReadOptions struct {
	Mode  Mode
	Pages int // num_pages: number of pages, default 1
	Lines int // last_page: number of lines, default PageLines
	// Raw disables ANSI escape stripping and CR cleanup.
	Raw  bool
	Grep *GrepOptions
}

// ParseMode validates a mode name. Empty selects diff.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeDiff:
		return ModeDiff, nil
	case ModeLastPage, "recent", "last":
		return ModeLastPage, nil
	case ModeNumPages, "pages":
		return ModeNumPages, nil
	case ModeAll:
		return ModeAll, nil
	}
	return "", errcodes.New(errcodes.InvalidParameter, "unknown read mode %q (use diff, last_page, num_pages or all)", s)
}

// Validate checks options without reading. Grep patterns are compiled so
// syntax errors surface before any cursor moves.
func (o ReadOptions) Validate() error {
	if _, err := ParseMode(string(o.Mode)); err != nil {
		return err
	}
	if o.Pages < 0 || o.Pages > MaxPages {
		return errcodes.New(errcodes.InvalidParameter, "pages must be between 1 and %d", MaxPages)
	}
	if o.Lines < 0 {
		return errcodes.New(errcodes.InvalidParameter, "lines must not be negative")
	}
	if o.Grep != nil {
		if _, err := o.Grep.compile(); err != nil {
			return err
		}
	}
	return nil
}

// Read returns buffer content according to opts. Only diff reads move the
// cursor. Invalid options leave the cursor untouched.
func (b *Buffer) Read(opts ReadOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}
	mode, _ := ParseMode(string(opts.Mode))

	var raw []byte
	switch {
	case mode == ModeDiff && opts.Raw:
		raw = b.Diff()
	case mode == ModeDiff:
		raw = b.diffComplete()
	default:
		raw = b.Bytes()
	}

	text := string(raw)
	if !opts.Raw {
		text = Clean(text)
	}

	switch mode {
	case ModeLastPage:
		n := opts.Lines
		if n == 0 {
			n = PageLines
		}
		text = LastLines(text, n)
	case ModeNumPages:
		pages := opts.Pages
		if pages == 0 {
			pages = 1
		}
		text = LastLines(text, pages*PageLines)
	}

	if opts.Grep != nil && opts.Grep.Pattern != "" {
		return Grep(text, *opts.Grep)
	}
	return text, nil
}

// LastLines returns the last n lines of s. A trailing partial line counts as
// a line; a trailing newline does not start a new one.
func LastLines(s string, n int) string {
	if n <= 0 || s == "" {
		return ""
	}
	end := len(s)
	if strings.HasSuffix(s, "\n") {
		end--
	}
	idx := end
	for i := 0; i < n; i++ {
		j := strings.LastIndexByte(s[:idx], '\n')
		if j < 0 {
			return s
		}
		idx = j
	}
	return s[idx+1:]
}

// maxPendingEscape bounds how long an unterminated escape sequence at the end
// of a diff may be before it is returned as is.
const maxPendingEscape = 64

// pendingTail returns how many trailing bytes of p may still change meaning
// once more output arrives: an escape sequence that has not terminated yet,
// or carriage returns that a following newline would fold away.
func pendingTail(p []byte) int {
	if i := bytes.LastIndexByte(p, 0x1b); i >= 0 && len(p)-i <= maxPendingEscape {
		tail := p[i:]
		if bytes.IndexByte(tail, '\n') < 0 {
			if loc := ansiEscape.FindIndex(tail); loc == nil || loc[0] != 0 {
				return len(tail)
			}
		}
	}
	n := 0
	for n < len(p) && p[len(p)-1-n] == '\r' {
		n++
	}
	return n
}

var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]|\x1b[()][0-9A-Za-z]|\x1b[=>78cDEHM]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)`)

// Clean strips ANSI escape sequences and carriage returns that precede a
// newline, which device consoles emit liberally.
func Clean(s string) string {
	s = ansiEscape.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\r\r\n", "\n")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\x00", "")
}
