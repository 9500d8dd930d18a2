// Package prewarm owns the verbatim prewarm cache: the run-scoped,
// data-plane artifacts carrying extracted source text that the query engine
// searches. Nothing written here is ever committed; the only promoted
// derivatives are hashes and identifiers.
//
// Whole-file artifacts go out temp-then-rename; the anchor-text-link file is
// append-only with one canonical JSON record per line, so a crashed append
// can be truncated back to the last newline and replayed.
package prewarm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// PageText is one extracted page of verbatim text.
type PageText struct {
	RecordID   string `json:"record_id"`
	Part       string `json:"part"`
	Page       int    `json:"page"`
	Method     string `json:"method"`
	Text       string `json:"text"`
	TextSHA256 string `json:"text_sha256"`
}

// PageBlock is one non-blank line-level block of a page.
type PageBlock struct {
	BlockID     string `json:"block_id"`
	RecordID    string `json:"record_id"`
	Ordinal     int    `json:"ordinal"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	Text        string `json:"text"`
	TextSHA256  string `json:"text_sha256"`
}

// PageSignature is the non-verbatim mirror of PageText used by replay.
type PageSignature struct {
	RecordID   string `json:"record_id"`
	Part       string `json:"part"`
	Page       int    `json:"page"`
	TextSHA256 string `json:"text_sha256"`
}

// UnitSlice is one normalized text span of a unit.
type UnitSlice struct {
	SliceID       string         `json:"slice_id"`
	UnitID        string         `json:"unit_id"`
	Part          string         `json:"part"`
	Page          int            `json:"page"`
	UnitType      string         `json:"unit_type"`
	Ordinal       int            `json:"ordinal"`
	StartOffset   int            `json:"start_offset"`
	EndOffset     int            `json:"end_offset"`
	Text          string         `json:"text"`
	TextSHA256    string         `json:"text_sha256"`
	SourceLocator map[string]any `json:"source_locator"`
}

// UnitTextLink ties a unit back to the page record it came from.
type UnitTextLink struct {
	UnitID   string   `json:"unit_id"`
	RecordID string   `json:"record_id"`
	Part     string   `json:"part"`
	Page     int      `json:"page"`
	Method   string   `json:"method"`
	SliceIDs []string `json:"slice_ids"`
}

// QuerySourceRow feeds the query indexer: normalized text plus tokens per
// slice.
type QuerySourceRow struct {
	UnitID         string   `json:"unit_id"`
	SliceID        string   `json:"slice_id"`
	Part           string   `json:"part"`
	Page           int      `json:"page"`
	UnitType       string   `json:"unit_type"`
	NormalizedText string   `json:"normalized_text"`
	Tokens         []string `json:"tokens"`
}

// AnchorTextLink ties a published anchor to the verbatim slices behind it.
// Verbatim-bearing via the slice text hashes' lineage; data plane only.
type AnchorTextLink struct {
	AnchorID      string   `json:"anchor_id"`
	UnitID        string   `json:"unit_id"`
	Part          string   `json:"part"`
	UnitType      string   `json:"unit_type"`
	SliceIDs      []string `json:"slice_ids"`
	TextSHA256Set []string `json:"text_sha256_set"`
}

// TextSHA256 hashes verbatim text for signatures and identifiers.
func TextSHA256(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// PageRecordID derives the stable identity of one extracted page.
func PageRecordID(part string, page int, method, textSHA string) string {
	return shortHash(fmt.Sprintf("%s:%d:%s:%s", part, page, method, textSHA))
}

// BlockID derives the stable identity of one page block.
func BlockID(recordID string, ordinal int, textSHA string) string {
	return shortHash(fmt.Sprintf("%s:%d:%s", recordID, ordinal, textSHA))
}

func shortHash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])[:24]
}

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	tokenRE      = regexp.MustCompile(`[a-z0-9_]+`)
	lowerCaser   = cases.Lower(language.Und)
)

// NormalizeForQuery folds verbatim text into the deterministic search form:
// NFC, case-folded, whitespace collapsed to single spaces.
func NormalizeForQuery(text string) string {
	folded := lowerCaser.String(norm.NFC.String(text))
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(folded), " ")
}

// Tokens splits normalized text into index tokens.
func Tokens(normalized string) []string {
	return tokenRE.FindAllString(normalized, -1)
}

// Block is one non-blank span of page text with its byte offsets.
type Block struct {
	Start int
	End   int
	Text  string
}

// SplitBlocks slices page text into non-blank line blocks. A page with no
// printable content yields a single empty block so every page keeps a block
// row.
func SplitBlocks(text string) []Block {
	if text == "" {
		return []Block{{}}
	}
	var blocks []Block
	offset := 0
	for _, rawLine := range strings.SplitAfter(text, "\n") {
		line := strings.TrimRight(rawLine, "\r\n")
		start := offset
		end := offset + len(line)
		if strings.TrimSpace(line) != "" {
			blocks = append(blocks, Block{Start: start, End: end, Text: line})
		}
		offset += len(rawLine)
	}
	if len(blocks) == 0 {
		blocks = append(blocks, Block{})
	}
	return blocks
}
