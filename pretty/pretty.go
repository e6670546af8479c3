// Package pretty renders STP payloads for a human reader: JSON command/
// response/event bodies annotated with field names from a resolved
// schema, and raw STP/0 XML reindented for readability. Adapted from
// highlight/highlight.go (SQL/plan highlighting via chroma+lipgloss) onto
// JSON payloads, and from dragonkeeper's utils.py pretty-print helpers
// (pretty_print_fields / pretty_print_payload_item / pretty_print_XML) for
// the field-name annotation and XML reindent logic.
package pretty

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/kaidoh/stp-proxy/schema"
)

var (
	lexer     chroma.Lexer
	formatter chroma.Formatter
	style     *chroma.Style
)

func init() {
	lexer = lexers.Get("json")
	formatter = formatters.Get("terminal256")
	style = styles.Get("monokai")
}

// JSON returns s with ANSI terminal syntax highlighting applied. On error
// or empty input the original string is returned unchanged.
func JSON(s string) string {
	if s == "" {
		return s
	}
	iterator, err := lexer.Tokenise(nil, s)
	if err != nil {
		return s
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return s
	}
	return strings.TrimRight(buf.String(), "\n")
}

// Payload renders a JSON-array command/response/event payload annotated
// with the field names from a resolved schema field list, then applies
// JSON highlighting. Fields past the end of the payload array are left
// out. A payload that fails to parse as a JSON array falls back to plain
// JSON highlighting of the raw bytes.
func Payload(fields []schema.Field, raw []byte) string {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return JSON(string(raw))
	}

	var buf bytes.Buffer
	buf.WriteString("{\n")
	for i, f := range fields {
		if i >= len(items) {
			break
		}
		writeField(&buf, 1, f, items[i])
	}
	buf.WriteString("}")
	return JSON(buf.String())
}

func writeField(buf *bytes.Buffer, indent int, f schema.Field, raw json.RawMessage) {
	pad := strings.Repeat("  ", indent)
	value := annotateValue(f, raw)
	fmt.Fprintf(buf, "%s%q: %s,\n", pad, f.Name, value)
}

// annotateValue substitutes an enum label for a numeric value when the
// field carries an enum, otherwise returns the raw JSON text unchanged.
// Submessages are not expanded recursively here: the schema's field tree
// already carries the "recursive" marker that would otherwise loop
// forever, and the original only ever prints one level of nesting in its
// payload annotator.
func annotateValue(f schema.Field, raw json.RawMessage) string {
	if len(f.Enum) == 0 {
		return string(raw)
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil || n < 0 || n >= len(f.Enum) {
		return string(raw)
	}
	label, _ := json.Marshal(f.Enum[n])
	return string(label)
}

// XML reindents an STP/0 XML payload for readability, the Go-native
// rendition of dragonkeeper's regex-based pretty_print_XML: a streaming
// decoder/encoder round trip instead of hand-rolled tag matching.
func XML(s string) string {
	if !strings.HasPrefix(strings.TrimSpace(s), "<") {
		return s
	}

	dec := xml.NewDecoder(strings.NewReader(s))
	var out bytes.Buffer
	enc := xml.NewEncoder(&out)
	enc.Indent("", "  ")

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return s
		}
		if err := enc.EncodeToken(tok); err != nil {
			return s
		}
	}
	if err := enc.Flush(); err != nil {
		return s
	}
	return out.String()
}
