// Package frame turns raw stream text into complete JSON objects,
// buffering a trailing partial object across arrivals.
package frame

import (
	"encoding/json"
	"log/slog"
	"strings"
)

// DefaultMaxRemainder bounds how much unconsumed text a Parser retains.
const DefaultMaxRemainder = 1 << 20

// Parser accumulates stream text and yields complete JSON objects.
// Two framings are understood: newline-delimited (or directly
// concatenated) objects, and arbitrary layouts recovered by a
// string-aware brace-depth scan. A Parser is not safe for concurrent use.
type Parser struct {
	remainder    string
	maxRemainder int
	logger       *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger used for dropped-fragment warnings.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// WithMaxRemainder caps the retained partial frame in bytes.
func WithMaxRemainder(n int) Option {
	return func(p *Parser) { p.maxRemainder = n }
}

// NewParser creates a Parser with an empty remainder.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		maxRemainder: DefaultMaxRemainder,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed appends text to the retained remainder and returns every complete
// object now available, in stream order. It never fails: malformed
// objects are dropped with a warning.
func (p *Parser) Feed(text string) []json.RawMessage {
	buf := p.remainder + text
	out, rest := p.scanLines(buf)
	more, rest := p.scanDepth(rest)
	out = append(out, more...)

	if len(rest) > p.maxRemainder {
		p.logger.Warn("frame remainder exceeds limit, discarding",
			"size", len(rest),
			"limit", p.maxRemainder,
		)
		rest = ""
	}
	p.remainder = rest
	return out
}

// Flush returns any complete objects still buffered and discards the
// rest. Call it when the stream ends.
func (p *Parser) Flush() []json.RawMessage {
	out, rest := p.scanDepth(p.remainder)
	if strings.TrimSpace(rest) != "" {
		p.logger.Warn("discarding incomplete frame at end of stream", "size", len(rest))
	}
	p.remainder = ""
	return out
}

// Remainder returns the unconsumed trailing text.
func (p *Parser) Remainder() string {
	return p.remainder
}

// Reset drops any buffered text.
func (p *Parser) Reset() {
	p.remainder = ""
}

// scanLines is the newline-delimited pass. A "}{" boundary counts as a
// line break. Each non-blank line must look like an object; the first
// line that does not, and everything after it, is returned as rest.
func (p *Parser) scanLines(text string) (out []json.RawMessage, rest string) {
	pos := 0
	for pos < len(text) {
		end, next := nextSegment(text, pos)
		line := strings.TrimSpace(text[pos:end])
		if line == "" {
			pos = next
			continue
		}
		if !strings.HasPrefix(line, "{") || !strings.HasSuffix(line, "}") {
			return out, text[pos:]
		}
		if json.Valid([]byte(line)) {
			out = append(out, json.RawMessage(line))
			pos = next
			continue
		}

		// The line may be an object cut at a "}{" inside a string
		// literal; let the string-aware scan find its true end.
		start := pos + strings.IndexByte(text[pos:end], '{')
		objEnd, complete := scanObject(text, start)
		if !complete {
			return out, text[pos:]
		}
		obj := text[start:objEnd]
		if json.Valid([]byte(obj)) {
			out = append(out, json.RawMessage(obj))
			pos = objEnd
			continue
		}
		p.drop(line)
		pos = next
	}
	return out, ""
}

// scanDepth is the brace-depth pass: it emits every complete top-level
// object and returns the text from the first incomplete object on.
// Text outside objects is skipped.
func (p *Parser) scanDepth(text string) (out []json.RawMessage, rest string) {
	pos := 0
	for {
		i := strings.IndexByte(text[pos:], '{')
		if i < 0 {
			if junk := strings.TrimSpace(text[pos:]); junk != "" {
				p.logger.Debug("skipping text outside JSON objects", "size", len(junk))
			}
			return out, ""
		}
		start := pos + i
		end, complete := scanObject(text, start)
		if !complete {
			return out, text[start:]
		}
		obj := text[start:end]
		if json.Valid([]byte(obj)) {
			out = append(out, json.RawMessage(obj))
		} else {
			p.drop(obj)
		}
		pos = end
	}
}

func (p *Parser) drop(fragment string) {
	preview := fragment
	if len(preview) > 80 {
		preview = preview[:80]
	}
	p.logger.Warn("dropping malformed JSON fragment", "size", len(fragment), "preview", preview)
}

// nextSegment finds the end of the line starting at pos. It returns the
// exclusive end of the line content and the start of the next line.
func nextSegment(text string, pos int) (end, next int) {
	for k := pos; k < len(text); k++ {
		switch text[k] {
		case '\n':
			return k, k + 1
		case '}':
			if k+1 < len(text) && text[k+1] == '{' {
				return k + 1, k + 1
			}
		}
	}
	return len(text), len(text)
}

// scanObject walks from the '{' at start to its matching '}', ignoring
// braces inside string literals. It returns the index just past the
// closing brace, or complete=false if the text ends first.
func scanObject(text string, start int) (end int, complete bool) {
	depth := 0
	inString := false
	escaped := false
	for k := start; k < len(text); k++ {
		c := text[k]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return k + 1, true
			}
		}
	}
	return len(text), false
}
