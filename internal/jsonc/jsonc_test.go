package jsonc_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lode/internal/jsonc"
)

func TestUnmarshalStripsComments(t *testing.T) {
	src := []byte(`{
  // schema note
  "schema_version": 1,
  "parts": ["P06", "P08"] // trailing comment
}`)
	var out struct {
		SchemaVersion int      `json:"schema_version"`
		Parts         []string `json:"parts"`
	}
	if err := jsonc.Unmarshal(src, &out); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if out.SchemaVersion != 1 || len(out.Parts) != 2 {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestUnmarshalKeepsSlashesInsideStrings(t *testing.T) {
	src := []byte(`{"url": "https://example.test//corpus", "note": "escaped \" // not a comment"}`)
	var out map[string]string
	if err := jsonc.Unmarshal(src, &out); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}
	if out["url"] != "https://example.test//corpus" {
		t.Fatalf("url mangled: %q", out["url"])
	}
	if out["note"] != `escaped " // not a comment` {
		t.Fatalf("note mangled: %q", out["note"])
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.jsonc")
	if err := os.WriteFile(path, []byte("// policy\n{\"in_scope_parts\": [\"P06\"]}\n"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	var out map[string]any
	if err := jsonc.ReadFile(path, &out); err != nil {
		t.Fatalf("ReadFile returned error: %v", err)
	}
	if _, ok := out["in_scope_parts"]; !ok {
		t.Fatalf("missing key: %v", out)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := jsonc.Marshal([]string{"anchor registry", "machine-written"},
		map[string]any{"standard_id": "ISO-99999", "anchors": []any{}})
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "// anchor registry\n// machine-written\n") {
		t.Fatalf("header missing: %q", text)
	}
	var out map[string]any
	if err := jsonc.Unmarshal(data, &out); err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if out["standard_id"] != "ISO-99999" {
		t.Fatalf("round trip lost data: %v", out)
	}
}

func TestReadFileReportsParseErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jsonc")
	if err := os.WriteFile(path, []byte("{\"a\": }"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}
	var out map[string]any
	if err := jsonc.ReadFile(path, &out); err == nil {
		t.Fatal("expected parse error")
	}
}
