// Package markdown keeps streamed markdown renderable while it is still arriving, and renders it.
package markdown

import "strings"

// Lookahead bounds how long an unresolved inline construct (an unclosed code span or emphasis) may be
// withheld. Past this many bytes the text is released as-is.
const Lookahead = 96

// Merger accumulates the raw chunks of one content block and releases only the part that is safe to
// hand to a markdown renderer. Whatever it withholds is released by a later Merge once the construct
// resolves, or by Flush when the block ends. The zero value is ready to use.
type Merger struct {
	pending string
}

// Merge returns the delta to append to prev, the text already emitted for the block. Concatenating every
// delta plus the final Flush reproduces the concatenation of every chunk exactly.
func (m *Merger) Merge(prev, chunk string) string {
	if chunk == "" {
		return ""
	}

	safe, held := SafeSplit(prev, m.pending+chunk)
	m.pending = held
	return safe
}

// Flush releases the withheld suffix verbatim and resets the merger.
func (m *Merger) Flush() string {
	p := m.pending
	m.pending = ""
	return p
}

// Pending returns the currently withheld suffix.
func (m *Merger) Pending() string {
	return m.pending
}

// SafeSplit splits candidate, the not-yet-emitted text following emitted, into the prefix that can be
// emitted now and the suffix that must be withheld. Emitted text is never reconsidered.
func SafeSplit(emitted, candidate string) (safe, held string) {
	full := emitted + candidate
	cut := holdFrom(full)
	if cut < len(emitted) {
		cut = len(emitted)
	}
	cut -= len(emitted)
	return candidate[:cut], candidate[cut:]
}

// holdFrom returns the index in text from which the tail is ambiguous, or len(text).
func holdFrom(text string) int {
	lineStart := strings.LastIndexByte(text, '\n') + 1
	line := text[lineStart:]
	inFence := fenceOpen(text[:lineStart])

	if fencePrefix(line, inFence) {
		return lineStart
	}
	if inFence {
		return len(text)
	}

	hold := len(line)

	trail := len(line)
	for trail > 0 && isMarker(line[trail-1]) {
		trail--
	}
	if len(line)-trail <= Lookahead {
		hold = trail
	}

	if open := unclosedInline(line[:trail]); open >= 0 && len(line)-open <= Lookahead {
		hold = min(hold, open)
	}

	return lineStart + hold
}

func isMarker(c byte) bool {
	return c == '`' || c == '*' || c == '_' || c == '~'
}

// fencePrefix reports whether an unterminated line is, or may still become, a code fence line.
func fencePrefix(line string, inFence bool) bool {
	rest := strings.TrimLeft(line, " ")
	if len(line)-len(rest) > 3 || rest == "" {
		return false
	}
	if rest[0] != '`' && rest[0] != '~' {
		return false
	}

	run := 0
	for run < len(rest) && rest[run] == rest[0] {
		run++
	}
	if run == len(rest) {
		return true
	}
	// An opening fence whose info string has not been terminated yet.
	return run >= 3 && !inFence
}

// fenceOpen reports whether text, made of complete lines, leaves a fenced code block open.
func fenceOpen(text string) bool {
	var (
		open      bool
		fenceChar byte
		fenceLen  int
	)
	for _, line := range strings.Split(text, "\n") {
		rest := strings.TrimLeft(line, " ")
		if len(line)-len(rest) > 3 || len(rest) < 3 {
			continue
		}
		c := rest[0]
		if c != '`' && c != '~' {
			continue
		}
		run := 0
		for run < len(rest) && rest[run] == c {
			run++
		}
		if run < 3 {
			continue
		}
		if !open {
			open, fenceChar, fenceLen = true, c, run
			continue
		}
		if c == fenceChar && run >= fenceLen && strings.TrimSpace(rest[run:]) == "" {
			open = false
		}
	}
	return open
}

// unclosedInline returns the index of the earliest inline construct in line that is opened but not
// closed, or -1. Code spans win over emphasis: markers inside a closed span are literal.
func unclosedInline(line string) int {
	open := -1
	emphasis := map[string]int{"**": -1, "__": -1, "~~": -1}

	for i := 0; i < len(line); {
		if line[i] == '`' {
			run := 1
			for i+run < len(line) && line[i+run] == '`' {
				run++
			}
			end := closingRun(line, i+run, run)
			if end < 0 {
				open = i
				break
			}
			i = end + run
			continue
		}

		if i+1 < len(line) {
			if pos, ok := emphasis[line[i:i+2]]; ok {
				if pos < 0 {
					emphasis[line[i:i+2]] = i
				} else {
					emphasis[line[i:i+2]] = -1
				}
				i += 2
				continue
			}
		}
		i++
	}

	for _, pos := range emphasis {
		if pos >= 0 && (open < 0 || pos < open) {
			open = pos
		}
	}
	return open
}

// closingRun finds a backtick run of exactly n characters at or after from.
func closingRun(line string, from, n int) int {
	for i := from; i < len(line); {
		if line[i] != '`' {
			i++
			continue
		}
		run := 1
		for i+run < len(line) && line[i+run] == '`' {
			run++
		}
		if run == n {
			return i
		}
		i += run
	}
	return -1
}
