// Package response turns raw backend replies into narrative text plus code blocks.
package response

import (
	"log/slog"
	"strings"
	"unicode"

	"github.com/ashureev/shsh-assist/internal/domain"
)

// Config holds extraction settings.
type Config struct {
	// MinCodeLength is the minimum number of non-space characters a fenced
	// segment needs to count as code.
	MinCodeLength   int
	DefaultLanguage string
}

// DefaultConfig returns default extraction settings.
func DefaultConfig() Config {
	return Config{
		MinCodeLength:   10,
		DefaultLanguage: "html",
	}
}

// Options are per-call parse settings.
type Options struct {
	CodeExpected bool
	// Language is the requested code language; empty means the default.
	Language string
}

// Processor parses replies. It holds no mutable state and is safe for
// concurrent use.
type Processor struct {
	cfg    Config
	logger *slog.Logger
}

// NewProcessor creates a processor.
func NewProcessor(cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MinCodeLength <= 0 {
		cfg.MinCodeLength = def.MinCodeLength
	}
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		cfg.DefaultLanguage = def.DefaultLanguage
	}
	return &Processor{cfg: cfg, logger: logger}
}

// Parse splits raw into narrative and code blocks. The first strategy that
// yields code wins: structured fields, then fenced segments in the message,
// then a placeholder when opts.CodeExpected is set. Parse never returns an
// empty block list when code was expected.
func (p *Processor) Parse(raw *domain.RawReply, opts Options) domain.ParsedReply {
	var message string
	if raw != nil {
		message = raw.Message
	}

	fenced, rest := scanFences(message, p.cfg.MinCodeLength)
	narrative := Format(rest)

	var blocks []domain.CodeBlock
	if raw != nil {
		blocks = structuredBlocks(raw)
	}
	if len(blocks) == 0 {
		blocks = fenced
	}
	if len(blocks) == 0 && opts.CodeExpected {
		lang := p.language(opts.Language)
		p.logger.Debug("no code found in reply, using placeholder", "language", lang)
		blocks = []domain.CodeBlock{Placeholder(lang)}
	}

	for i := range blocks {
		if blocks[i].Language == "" {
			blocks[i].Language = p.language(opts.Language)
		}
	}
	return domain.ParsedReply{Narrative: narrative, CodeBlocks: blocks}
}

// Fallback builds the reply used when no backend answer is available.
func (p *Processor) Fallback(opts Options) domain.ParsedReply {
	parsed := domain.ParsedReply{
		Narrative: "The assistant is unavailable right now. Please try again shortly.",
	}
	if opts.CodeExpected {
		parsed.CodeBlocks = []domain.CodeBlock{Placeholder(p.language(opts.Language))}
	}
	return parsed
}

func (p *Processor) language(requested string) string {
	if lang := normalizeLanguage(requested); lang != "" {
		return lang
	}
	return normalizeLanguage(p.cfg.DefaultLanguage)
}

// Placeholder returns a minimal comment stub in lang flagged as fallback.
func Placeholder(lang string) domain.CodeBlock {
	open, closeMark := commentSyntax(lang)
	lines := []string{
		"No code was returned for this request.",
		"Rephrase the request or try again.",
	}
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(open)
		b.WriteString(l)
		b.WriteString(closeMark)
	}
	return domain.CodeBlock{
		Language:   lang,
		Content:    b.String(),
		Source:     domain.CodeSourceFallback,
		IsFallback: true,
	}
}

func commentSyntax(lang string) (string, string) {
	switch lang {
	case "html", "xml", "svg", "markdown", "md", "vue":
		return "<!-- ", " -->"
	case "css", "scss", "less":
		return "/* ", " */"
	case "python", "py", "ruby", "rb", "bash", "sh", "shell", "zsh", "yaml", "yml", "toml", "perl", "r", "dockerfile", "makefile":
		return "# ", ""
	case "sql", "lua", "haskell", "hs":
		return "-- ", ""
	default:
		return "// ", ""
	}
}

func normalizeLanguage(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// substance counts non-space runes.
func substance(s string) int {
	n := 0
	for _, r := range s {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}
