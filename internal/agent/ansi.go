package agent

import "strings"

// StripANSI removes ANSI escape sequences in a single pass. Regex-based
// stripping can backtrack catastrophically on malformed sequences in captured
// pane text, so this walks the bytes directly.
func StripANSI(content string) string {
	// \x1b is ESC, \x9b is the 8-bit CSI introducer.
	if strings.IndexByte(content, '\x1b') < 0 && strings.IndexByte(content, '\x9b') < 0 {
		return content
	}

	var b strings.Builder
	b.Grow(len(content))

	i := 0
	for i < len(content) {
		if content[i] == '\x1b' {
			if i+1 < len(content) && content[i+1] == '[' {
				// CSI: ESC [ params... final-letter
				j := i + 2
				for j < len(content) {
					c := content[j]
					j++
					if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
						break
					}
				}
				i = j
				continue
			}
			if i+1 < len(content) && content[i+1] == ']' {
				// OSC: ESC ] ... BEL or ST
				if bel := strings.Index(content[i:], "\x07"); bel != -1 {
					i += bel + 1
					continue
				}
				if st := strings.Index(content[i:], "\x1b\\"); st != -1 {
					i += st + 2
					continue
				}
			}
			// Two-byte escape (ESC c, ESC 7, ...), or a bare trailing ESC.
			i += 2
			continue
		}
		if content[i] == '\x9b' {
			j := i + 1
			for j < len(content) {
				c := content[j]
				j++
				if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
					break
				}
			}
			i = j
			continue
		}
		b.WriteByte(content[i])
		i++
	}

	return b.String()
}
