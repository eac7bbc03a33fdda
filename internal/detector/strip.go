package detector

import "strings"

const (
	esc = 0x1b
	bel = 0x07
)

// stripControlSequences removes CSI sequences (ESC [ ... finalByte), OSC
// sequences (ESC ] ... BEL), and two-byte charset designators (ESC ( X /
// ESC ) X), retaining the plain text in between. Grounded on
// other_examples/e914d0d2_emiliobool-agent-deck__internal-tmux-tmux.go.go's
// normalizeContent, reimplemented as a single byte-scanning pass rather
// than its sequence of regex substitutions since the spec calls for exactly
// these three sequence shapes and nothing more (rich terminal emulation is
// an explicit Non-goal).
func stripControlSequences(b []byte) string {
	var out strings.Builder
	out.Grow(len(b))

	i := 0
	n := len(b)
	for i < n {
		c := b[i]
		if c != esc {
			out.WriteByte(c)
			i++
			continue
		}

		// Lone ESC at end of chunk: drop it.
		if i+1 >= n {
			i = n
			break
		}

		switch b[i+1] {
		case '[': // CSI: ESC [ params... finalByte (finalByte in 0x40-0x7E)
			j := i + 2
			for j < n && !(b[j] >= 0x40 && b[j] <= 0x7E) {
				j++
			}
			if j < n {
				j++ // consume final byte
			}
			i = j

		case ']': // OSC: ESC ] ... BEL (or ESC \ string terminator)
			j := i + 2
			for j < n {
				if b[j] == bel {
					j++
					break
				}
				if b[j] == esc && j+1 < n && b[j+1] == '\\' {
					j += 2
					break
				}
				j++
			}
			i = j

		case '(', ')': // charset designator: ESC ( X / ESC ) X
			if i+2 < n {
				i += 3
			} else {
				i = n
			}

		default:
			// Unrecognized two-byte escape; drop just the ESC and its
			// following byte to stay forward-progress-safe.
			i += 2
		}
	}

	return out.String()
}

// StripControlSequences exposes stripControlSequences for callers outside
// this package that need the same cleanup applied to a byte range before
// recording it (e.g. transcript capture).
func StripControlSequences(b []byte) string {
	return stripControlSequences(b)
}
