package chatwire

import (
	"encoding/json"
	"strconv"
	"strings"
)

// PartialParseState classifies the outcome of ParsePartialJSON.
type PartialParseState string

// The outcomes of a partial JSON parse. A repaired parse means the input was
// a truncated document whose longest valid prefix-value was recovered.
const (
	PartialParseSuccessful PartialParseState = "successful-parse"
	PartialParseRepaired   PartialParseState = "repaired-parse"
	PartialParseFailed     PartialParseState = "failed-parse"
)

// ParsePartialJSON parses text that may be an incomplete prefix of a JSON
// document, as produced by a streaming tool input. Complete documents parse
// as-is. Truncated documents yield the best valid prefix-value: open strings,
// objects and arrays are closed, dangling object keys without a value are
// dropped, and truncated literals are dropped. When nothing can be recovered
// the returned value is nil and the state is PartialParseFailed.
func ParsePartialJSON(text string) (any, PartialParseState) {
	if text == "" {
		return nil, PartialParseFailed
	}

	var complete any
	if err := json.Unmarshal([]byte(text), &complete); err == nil {
		return complete, PartialParseSuccessful
	}

	p := &partialParser{s: text}
	p.skipSpace()
	value, ok := p.parseValue()
	if !ok {
		return nil, PartialParseFailed
	}
	return value, PartialParseRepaired
}

// partialParser is a tolerant recursive-descent parser over a JSON prefix.
// It never backtracks; truncation at any position yields whatever was
// completely parsed before it.
type partialParser struct {
	s string
	i int
}

func (p *partialParser) eof() bool { return p.i >= len(p.s) }

func (p *partialParser) skipSpace() {
	for !p.eof() {
		switch p.s[p.i] {
		case ' ', '\t', '\n', '\r':
			p.i++
		default:
			return
		}
	}
}

func (p *partialParser) parseValue() (any, bool) {
	if p.eof() {
		return nil, false
	}
	switch c := p.s[p.i]; {
	case c == '{':
		return p.parseObject()
	case c == '[':
		return p.parseArray()
	case c == '"':
		return p.parseString()
	case c == 't', c == 'f', c == 'n':
		return p.parseLiteral()
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	default:
		p.i = len(p.s)
		return nil, false
	}
}

func (p *partialParser) parseObject() (any, bool) {
	p.i++ // consume '{'
	obj := map[string]any{}
	for {
		p.skipSpace()
		if p.eof() {
			return obj, true
		}
		if p.s[p.i] == '}' {
			p.i++
			return obj, true
		}
		if p.s[p.i] == ',' {
			p.i++
			continue
		}
		if p.s[p.i] != '"' {
			p.i = len(p.s)
			return obj, true
		}
		key, _ := p.parseString()
		p.skipSpace()
		if p.eof() || p.s[p.i] != ':' {
			// Dangling key without a value is dropped.
			return obj, true
		}
		p.i++ // consume ':'
		p.skipSpace()
		if p.eof() {
			return obj, true
		}
		value, ok := p.parseValue()
		if !ok {
			return obj, true
		}
		name, _ := key.(string)
		obj[name] = value
	}
}

func (p *partialParser) parseArray() (any, bool) {
	p.i++ // consume '['
	arr := []any{}
	for {
		p.skipSpace()
		if p.eof() {
			return arr, true
		}
		if p.s[p.i] == ']' {
			p.i++
			return arr, true
		}
		if p.s[p.i] == ',' {
			p.i++
			continue
		}
		value, ok := p.parseValue()
		if !ok {
			return arr, true
		}
		arr = append(arr, value)
	}
}

func (p *partialParser) parseString() (any, bool) {
	p.i++ // consume opening quote
	start := p.i
	for !p.eof() {
		switch p.s[p.i] {
		case '\\':
			p.i += 2
		case '"':
			raw := p.s[start:p.i]
			p.i++
			return decodeStringContent(raw), true
		default:
			p.i++
		}
	}
	// Unterminated string: keep the partial content, trimming any truncated
	// escape sequence at the cut point.
	raw := p.s[start:min(p.i, len(p.s))]
	raw = trimTruncatedEscape(raw)
	return decodeStringContent(raw), true
}

func (p *partialParser) parseLiteral() (any, bool) {
	for _, lit := range []struct {
		text  string
		value any
	}{
		{"true", true},
		{"false", false},
		{"null", nil},
	} {
		rest := p.s[p.i:]
		if strings.HasPrefix(rest, lit.text) {
			p.i += len(lit.text)
			return lit.value, true
		}
		// A truncated literal at the end of input is dropped.
		if strings.HasPrefix(lit.text, rest) {
			p.i = len(p.s)
			return nil, false
		}
	}
	p.i = len(p.s)
	return nil, false
}

func (p *partialParser) parseNumber() (any, bool) {
	start := p.i
	for !p.eof() {
		c := p.s[p.i]
		if c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E' || (c >= '0' && c <= '9') {
			p.i++
			continue
		}
		break
	}
	raw := p.s[start:p.i]
	// Trim trailing characters of a truncated number (e.g. "12." or "1e").
	for raw != "" {
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f, true
		}
		raw = raw[:len(raw)-1]
	}
	return nil, false
}

// trimTruncatedEscape removes an escape sequence cut off by the end of input,
// including partial \uXXXX sequences.
func trimTruncatedEscape(raw string) string {
	// Count trailing backslashes: an odd count means a dangling escape.
	trailing := 0
	for i := len(raw) - 1; i >= 0 && raw[i] == '\\'; i-- {
		trailing++
	}
	if trailing%2 == 1 {
		return raw[:len(raw)-1]
	}
	// Detect a truncated \uXXXX sequence within the last five characters.
	if idx := strings.LastIndex(raw, `\u`); idx >= 0 && len(raw)-idx < 6 {
		if !escapedBackslashAt(raw, idx) {
			return raw[:idx]
		}
	}
	return raw
}

// escapedBackslashAt reports whether the backslash at idx is itself escaped.
func escapedBackslashAt(raw string, idx int) bool {
	count := 0
	for i := idx - 1; i >= 0 && raw[i] == '\\'; i-- {
		count++
	}
	return count%2 == 1
}

// decodeStringContent decodes the raw inner content of a JSON string.
func decodeStringContent(raw string) any {
	var s string
	if err := json.Unmarshal([]byte(`"`+raw+`"`), &s); err != nil {
		return raw
	}
	return s
}
