package response

import (
	"strings"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// fence describes an opening fence line.
type fence struct {
	char   byte
	length int
	info   string
}

// parseFence reports whether line opens or closes a fenced segment.
func parseFence(line string) (fence, bool) {
	trimmed := strings.TrimSpace(line)
	if len(trimmed) < 3 {
		return fence{}, false
	}
	c := trimmed[0]
	if c != '`' && c != '~' {
		return fence{}, false
	}
	n := 0
	for n < len(trimmed) && trimmed[n] == c {
		n++
	}
	if n < 3 {
		return fence{}, false
	}
	info := strings.TrimSpace(trimmed[n:])
	if c == '`' && strings.Contains(info, "`") {
		return fence{}, false
	}
	return fence{char: c, length: n, info: info}, true
}

func (f fence) closedBy(line string) bool {
	g, ok := parseFence(line)
	return ok && g.char == f.char && g.length >= f.length && g.info == ""
}

// language takes the first word of the info string, e.g. "go" in "go title=main.go".
func (f fence) language() (lang, filename string) {
	fields := strings.Fields(f.info)
	if len(fields) == 0 {
		return "", ""
	}
	lang = fields[0]
	for _, fld := range fields[1:] {
		if v, ok := strings.CutPrefix(fld, "title="); ok {
			filename = strings.Trim(v, `"'`)
		} else if v, ok := strings.CutPrefix(fld, "filename="); ok {
			filename = strings.Trim(v, `"'`)
		}
	}
	// Forms like ```main.go carry a filename instead of a language.
	if strings.Contains(lang, ".") && filename == "" {
		filename = lang
		lang = lang[strings.LastIndex(lang, ".")+1:]
	}
	return normalizeLanguage(lang), filename
}

// scanFences extracts fenced segments with at least minLen non-space
// characters. It returns them along with the text that remains once they
// are cut out. Short segments stay in the text for Format to flatten.
// An unterminated fence runs to the end of the text.
func scanFences(text string, minLen int) ([]domain.CodeBlock, string) {
	if text == "" {
		return nil, ""
	}
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")

	var (
		blocks []domain.CodeBlock
		rest   []string
	)
	for i := 0; i < len(lines); i++ {
		open, ok := parseFence(lines[i])
		if !ok {
			rest = append(rest, lines[i])
			continue
		}

		j := i + 1
		for j < len(lines) && !open.closedBy(lines[j]) {
			j++
		}
		body := strings.Join(lines[i+1:min(j, len(lines))], "\n")

		if substance(body) < minLen {
			rest = append(rest, lines[i:min(j+1, len(lines))]...)
		} else {
			lang, filename := open.language()
			blocks = append(blocks, domain.CodeBlock{
				Language: lang,
				Content:  strings.TrimRight(body, "\n"),
				Filename: filename,
				Source:   domain.CodeSourceFenced,
			})
		}
		i = j
	}
	return blocks, strings.Join(rest, "\n")
}
