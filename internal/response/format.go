package response

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Format cleans narrative text. It is idempotent: Format(Format(s)) == Format(s).
//
// Steps, in order: normalise line endings, drop lines that are only a fence
// marker, drop stray ``` runs, collapse inner whitespace while keeping
// indentation, trim line ends, cap blank runs at one line, capitalise the
// first letter of each line, trim the result.
func Format(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	// Stripping ``` can turn a line into a new fence marker, so repeat until stable.
	for {
		before := text
		text = strings.ReplaceAll(dropFenceLines(text), "```", "")
		if text == before {
			break
		}
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, line := range lines {
		line = capitalize(collapseInner(line))
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func dropFenceLines(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if !isFenceMarker(line) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// isFenceMarker matches lines like "~~~" or "~~~ python".
func isFenceMarker(line string) bool {
	f, ok := parseFence(line)
	return ok && !strings.ContainsAny(f.info, " \t")
}

// collapseInner keeps leading indentation, squeezes later runs of spaces
// and tabs to one space, and drops trailing whitespace.
func collapseInner(line string) string {
	body := strings.TrimLeftFunc(line, unicode.IsSpace)
	indent := line[:len(line)-len(body)]
	body = strings.TrimRightFunc(body, unicode.IsSpace)
	if body == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(line))
	b.WriteString(indent)
	space := false
	for _, r := range body {
		if r == ' ' || r == '\t' {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// capitalize upper-cases the first non-indent rune when it is a lowercase letter.
func capitalize(line string) string {
	body := strings.TrimLeftFunc(line, unicode.IsSpace)
	if body == "" {
		return line
	}
	r, size := utf8.DecodeRuneInString(body)
	if !unicode.IsLower(r) {
		return line
	}
	indent := line[:len(line)-len(body)]
	return indent + string(unicode.ToUpper(r)) + body[size:]
}
