package response

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// codeEntry accepts the field spellings seen in structured code payloads.
type codeEntry struct {
	Language string `json:"language"`
	Lang     string `json:"lang"`
	Type     string `json:"type"`
	Content  string `json:"content"`
	Code     string `json:"code"`
	Source   string `json:"source"`
	Filename string `json:"filename"`
	Name     string `json:"name"`
}

func (e codeEntry) block() (domain.CodeBlock, bool) {
	content := firstNonEmpty(e.Content, e.Code, e.Source)
	if strings.TrimSpace(content) == "" {
		return domain.CodeBlock{}, false
	}
	return domain.CodeBlock{
		Language: normalizeLanguage(firstNonEmpty(e.Language, e.Lang, e.Type)),
		Content:  strings.TrimRight(content, "\n"),
		Filename: firstNonEmpty(e.Filename, e.Name),
		Source:   domain.CodeSourceStructured,
	}, true
}

// knownLanguageKeys orders per-language maps such as {"html": ..., "css": ...}.
var knownLanguageKeys = []string{"html", "css", "javascript", "js", "typescript", "ts", "jsx", "tsx", "python", "go", "sql", "json"}

// structuredBlocks tries codeBlocks, then code, then codeData.
func structuredBlocks(raw *domain.RawReply) []domain.CodeBlock {
	for _, field := range []json.RawMessage{raw.CodeBlocks, raw.Code, raw.CodeData} {
		if blocks := decodeCode(field); len(blocks) > 0 {
			return blocks
		}
	}
	return nil
}

// decodeCode handles a string, an object, an array of objects, or a
// language-keyed map of strings.
func decodeCode(raw json.RawMessage) []domain.CodeBlock {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || strings.TrimSpace(s) == "" {
			return nil
		}
		return []domain.CodeBlock{{Content: strings.TrimRight(s, "\n"), Source: domain.CodeSourceStructured}}

	case '[':
		var entries []json.RawMessage
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil
		}
		var blocks []domain.CodeBlock
		for _, e := range entries {
			blocks = append(blocks, decodeCode(e)...)
		}
		return blocks

	case '{':
		var entry codeEntry
		if err := json.Unmarshal(raw, &entry); err == nil {
			if b, ok := entry.block(); ok {
				return []domain.CodeBlock{b}
			}
		}
		var byLang map[string]json.RawMessage
		if err := json.Unmarshal(raw, &byLang); err != nil {
			return nil
		}
		return blocksByLanguage(byLang)
	}
	return nil
}

func blocksByLanguage(m map[string]json.RawMessage) []domain.CodeBlock {
	var blocks []domain.CodeBlock
	add := func(key string) {
		var s string
		if err := json.Unmarshal(m[key], &s); err != nil || strings.TrimSpace(s) == "" {
			return
		}
		blocks = append(blocks, domain.CodeBlock{
			Language: normalizeLanguage(key),
			Content:  strings.TrimRight(s, "\n"),
			Source:   domain.CodeSourceStructured,
		})
	}
	for _, key := range knownLanguageKeys {
		if _, ok := m[key]; ok {
			add(key)
		}
	}
	return blocks
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
