// Package jsonc reads the commented-JSON descriptors checked into the
// registry (pdfset, relevance policy, extraction policy, manifests).
//
// Only line comments introduced by // outside string literals are
// recognized. Comment bytes are replaced rather than removed so byte offsets
// in parse errors still line up with the source file.
package jsonc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

// Strip returns data with // comments blanked out.
func Strip(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)

	inString := false
	escaped := false
	for i := 0; i < len(out); i++ {
		c := out[i]
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
		switch {
		case c == '"':
			inString = true
		case c == '/' && i+1 < len(out) && out[i+1] == '/':
			for i < len(out) && out[i] != '\n' {
				out[i] = ' '
				i++
			}
		}
	}
	return out
}

// Unmarshal parses JSONC data into out.
func Unmarshal(data []byte, out any) error {
	return json.Unmarshal(Strip(data), out)
}

// ReadFile loads a JSONC file into out.
func ReadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

// Marshal renders v as indented JSON preceded by // header lines. The
// comments are cosmetic; Strip recovers plain JSON.
func Marshal(header []string, v any) ([]byte, error) {
	var buf bytes.Buffer
	for _, line := range header {
		buf.WriteString("// ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
