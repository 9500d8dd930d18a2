package prewarm

import (
	"strings"
	"testing"
)

func TestNormalizeForQuery(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Torque  Wrench", "torque wrench"},
		{"  leading\tand trailing \n", "leading and trailing"},
		{"MIXED Case", "mixed case"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeForQuery(tc.in); got != tc.want {
			t.Errorf("NormalizeForQuery(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("torque: 4.5 n-m, wrench_type a")
	want := []string{"torque", "4", "5", "n", "m", "wrench_type", "a"}
	if len(got) != len(want) {
		t.Fatalf("Tokens = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("token[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitBlocks(t *testing.T) {
	text := "first line\n\n  \nsecond line\r\n"
	blocks := SplitBlocks(text)
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks: %+v", len(blocks), blocks)
	}
	if blocks[0].Text != "first line" || blocks[0].Start != 0 || blocks[0].End != 10 {
		t.Errorf("block 0 = %+v", blocks[0])
	}
	if blocks[1].Text != "second line" {
		t.Errorf("block 1 = %+v", blocks[1])
	}
	if blocks[1].Start != strings.Index(text, "second") {
		t.Errorf("block 1 start = %d", blocks[1].Start)
	}
	if got := text[blocks[1].Start : blocks[1].Start+len("second line")]; got != "second line" {
		t.Errorf("offsets do not address the source text: %q", got)
	}
}

func TestSplitBlocksBlankPage(t *testing.T) {
	for _, text := range []string{"", "\n\n", "   \n\t\n"} {
		blocks := SplitBlocks(text)
		if len(blocks) != 1 || blocks[0].Text != "" {
			t.Errorf("SplitBlocks(%q) = %+v, want single empty block", text, blocks)
		}
	}
}

func TestStableIdentifiers(t *testing.T) {
	sha := TextSHA256("some page text")
	if len(sha) != 64 {
		t.Fatalf("text sha length = %d", len(sha))
	}
	record := PageRecordID("Part1", 3, "primary", sha)
	if len(record) != 24 {
		t.Errorf("record id length = %d", len(record))
	}
	if record != PageRecordID("Part1", 3, "primary", sha) {
		t.Error("record id not stable")
	}
	if record == PageRecordID("Part1", 3, "ocr_fallback", sha) {
		t.Error("record id ignores method")
	}
	block := BlockID(record, 0, sha)
	if len(block) != 24 || block == BlockID(record, 1, sha) {
		t.Errorf("block id not ordinal-sensitive: %q", block)
	}
}
