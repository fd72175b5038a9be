package transport

import (
	"strings"

	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
)

// namedKeys maps keystroke names to the VT100 sequences consoles expect.
var namedKeys = map[string]string{
	"enter":     "\r",
	"return":    "\r",
	"tab":       "\t",
	"space":     " ",
	"backspace": "\x7f",
	"delete":    "\x1b[3~",
	"esc":       "\x1b",
	"escape":    "\x1b",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
	"pageup":    "\x1b[5~",
	"pagedown":  "\x1b[6~",
	"insert":    "\x1b[2~",
	"f1":        "\x1bOP",
	"f2":        "\x1bOQ",
	"f3":        "\x1bOR",
	"f4":        "\x1bOS",
	"f5":        "\x1b[15~",
	"f6":        "\x1b[17~",
	"f7":        "\x1b[18~",
	"f8":        "\x1b[19~",
	"f9":        "\x1b[20~",
	"f10":       "\x1b[21~",
	"f11":       "\x1b[23~",
	"f12":       "\x1b[24~",
}

// Keystroke resolves a key name such as "up", "f2" or "ctrl+c" to the bytes
// to send. Keystrokes are always written raw.
func Keystroke(name string) ([]byte, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if seq, ok := namedKeys[key]; ok {
		return []byte(seq), nil
	}
	for _, prefix := range []string{"ctrl+", "ctrl-", "^"} {
		if rest, ok := strings.CutPrefix(key, prefix); ok && len(rest) == 1 {
			c := rest[0]
			switch {
			case c >= 'a' && c <= 'z':
				return []byte{c - 'a' + 1}, nil
			case c == '[':
				return []byte{0x1b}, nil
			case c == '\\':
				return []byte{0x1c}, nil
			case c == ']':
				return []byte{0x1d}, nil
			case c == '^' || c == '6':
				// Cisco escape sequence prefix (Ctrl+Shift+6).
				return []byte{0x1e}, nil
			}
		}
	}
	return nil, errcodes.New(errcodes.InvalidParameter, "unknown keystroke %q", name)
}
