// Package jsonx decodes webhook payloads that are almost, but not quite,
// valid JSON: NapCat pushes occasionally carry stray control characters or
// legacy-encoded bytes. Decoding is a total function; errors come back as
// diagnostic data, never as panics or opaque failures.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

const contextRadius = 15

// Diagnostic describes one failed parse in enough detail to debug the
// payload from logs alone. It is embedded verbatim in 400 responses.
type Diagnostic struct {
	ErrorType   string   `json:"error"`
	Message     string   `json:"details"`
	Offset      int      `json:"error_position"`
	Line        int      `json:"line"`
	Column      int      `json:"column"`
	Char        string   `json:"error_char"`
	CharHex     string   `json:"error_char_hex"`
	Context     string   `json:"context"`
	HexContext  string   `json:"hex_context"`
	DataLength  int      `json:"data_length"`
	Suggestions []string `json:"suggestions,omitempty"`
	DecodeError string   `json:"decode_error,omitempty"`
}

// Result is the outcome of Decode. Diag is nil iff the payload parsed.
type Result struct {
	Value           interface{}
	Text            string
	Encoding        string
	ControlsRemoved int
	Diag            *Diagnostic
}

func (r Result) OK() bool { return r.Diag == nil }

type fallbackEncoding struct {
	name string
	enc  encoding.Encoding
}

var fallbacks = []fallbackEncoding{
	{"gbk", simplifiedchinese.GBK},
	{"gb2312", simplifiedchinese.HZGB2312},
	{"latin-1", charmap.ISO8859_1},
	{"cp1252", charmap.Windows1252},
}

// Decode turns raw bytes into a parsed JSON value or a Diagnostic.
func Decode(raw []byte) Result {
	text, enc, decodeErr := decodeText(raw)
	cleaned, removed := StripControlChars(text)

	var value interface{}
	if err := json.Unmarshal([]byte(cleaned), &value); err != nil {
		diag := buildDiagnostic(cleaned, err)
		if decodeErr != "" {
			diag.DecodeError = decodeErr
		}
		return Result{Text: cleaned, Encoding: enc, ControlsRemoved: removed, Diag: diag}
	}

	return Result{Value: value, Text: cleaned, Encoding: enc, ControlsRemoved: removed}
}

// decodeText prefers UTF-8 and falls through a fixed list of legacy
// encodings. The last resort keeps UTF-8 with replacement runes and
// reports the original decode failure.
func decodeText(raw []byte) (text, enc, decodeErr string) {
	if utf8.Valid(raw) {
		return string(raw), "utf-8", ""
	}

	for _, fb := range fallbacks {
		out, err := fb.enc.NewDecoder().Bytes(raw)
		if err != nil {
			continue
		}
		decoded := string(out)
		if strings.ContainsRune(decoded, utf8.RuneError) {
			continue
		}
		return decoded, fb.name, ""
	}

	return string(raw), "utf-8", "invalid UTF-8 byte sequence, decoded with replacement characters"
}

// StripControlChars removes control characters in 0x00-0x08, 0x0B, 0x0C,
// 0x0E-0x1F and 0x7F, preserving \t, \n and \r. Idempotent.
func StripControlChars(s string) (string, int) {
	removed := 0
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isStrippedControl(c) {
			removed++
			continue
		}
		b.WriteByte(c)
	}
	if removed == 0 {
		return s, 0
	}
	return b.String(), removed
}

func isStrippedControl(c byte) bool {
	switch {
	case c <= 0x08:
		return true
	case c == 0x0B || c == 0x0C:
		return true
	case c >= 0x0E && c <= 0x1F:
		return true
	case c == 0x7F:
		return true
	}
	return false
}

func buildDiagnostic(data string, parseErr error) *Diagnostic {
	runes := []rune(data)
	pos := errorOffset(data, parseErr)

	diag := &Diagnostic{
		ErrorType:  "JSON parse failed",
		Message:    parseErr.Error(),
		Offset:     pos,
		DataLength: len(runes),
		Char:       "EOF",
		CharHex:    "EOF",
	}

	if pos < len(runes) {
		diag.Char = string(runes[pos])
		diag.CharHex = fmt.Sprintf("0x%02x", runes[pos])
	}

	diag.Line, diag.Column = lineColumn(runes, pos)

	start := pos - contextRadius
	if start < 0 {
		start = 0
	}
	end := pos + contextRadius
	if end > len(runes) {
		end = len(runes)
	}
	context := runes[start:end]
	diag.Context = string(context)

	hexParts := make([]string, len(context))
	for i, r := range context {
		hexParts[i] = fmt.Sprintf("%02x", r)
	}
	diag.HexContext = strings.Join(hexParts, " ")

	diag.Suggestions = suggestions(data)
	return diag
}

// errorOffset maps the parser error onto a rune index into data. The
// encoding/json offset counts bytes consumed, so for invalid-character
// errors the offending byte sits just before it; when the input simply
// ended the position is the end of the data.
func errorOffset(data string, err error) int {
	byteOff := len(data)
	serr, isSyntax := err.(*json.SyntaxError)
	if isSyntax && !strings.Contains(serr.Error(), "unexpected end") {
		byteOff = int(serr.Offset)
		if byteOff > 0 {
			byteOff--
		}
	}
	if byteOff > len(data) {
		byteOff = len(data)
	}

	// Byte offset to rune index.
	idx := 0
	for i := range data {
		if i >= byteOff {
			return idx
		}
		idx++
	}
	return idx
}

func lineColumn(runes []rune, pos int) (line, col int) {
	line, col = 1, 1
	for i := 0; i < pos && i < len(runes); i++ {
		if runes[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

func suggestions(data string) []string {
	var out []string
	if strings.Count(data, `"`)%2 != 0 {
		out = append(out, "检查是否有未闭合的引号")
	}
	if strings.Contains(data, ",}") || strings.Contains(data, ",]") {
		out = append(out, "检查是否有多余的逗号")
	}
	if len(data) > 2 && !strings.Contains(data, `\`) && strings.Contains(data[1:len(data)-1], `"`) {
		out = append(out, "检查是否有未转义的引号")
	}
	return out
}
