package query

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"lode/internal/anchor"
	"lode/internal/extract"
	"lode/internal/ingest"
	"lode/internal/normalize"
	"lode/internal/publish"
	"lode/internal/runstate"
	"lode/internal/services"
	"lode/internal/testsupport"
)

func seedEngine(t *testing.T, texts []string, publishRun bool) (*Engine, *runstate.Run) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	testsupport.WritePDFSet(t, cfg, "ISO-99999", "2026", "Part1")
	testsupport.WriteRelevantPolicy(t, cfg, []string{"Part1"}, []string{"Part1"})
	run := testsupport.NewRun(t, cfg, "")
	testsupport.SeedPageTexts(t, run, "Part1", texts)

	summary := ingest.Summary{
		RunID: run.ID, Mode: run.Mode, StandardID: "ISO-99999", Edition: "2026",
		ResolvedParts: map[string]ingest.ResolvedPart{"Part1": {SHA256: "aa11"}},
	}
	if err := run.Writer.WriteJSON(ingest.SummaryPath(run.Paths), summary); err != nil {
		t.Fatalf("write ingest summary: %v", err)
	}
	decisions := make([]any, 0, len(texts))
	for page := range texts {
		decisions = append(decisions, extract.Decision{
			Part: "Part1", Page: page + 1, Method: extract.MethodPrimary,
		})
	}
	if err := run.Writer.WriteRecords(extract.DecisionsPath(run), decisions); err != nil {
		t.Fatalf("write decisions: %v", err)
	}
	ctx := context.Background()
	if err := normalize.NewStage().Execute(ctx, run); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := anchor.NewStage().Execute(ctx, run); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if publishRun {
		if err := publish.NewStage().Execute(ctx, run); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	return NewEngine(run.Paths, "docs/usage-guidelines.md"), run
}

func TestBuildIndexDeterministic(t *testing.T) {
	engine, _ := seedEngine(t, []string{
		"The fastener torque shall be recorded.",
		"Torque values apply to every fastener.",
	}, false)
	ctx := context.Background()

	first, err := engine.BuildIndex(ctx)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	if first.PostingCount != 2 {
		t.Errorf("posting count = %d, want 2", first.PostingCount)
	}
	if first.TokenCount == 0 || first.PhraseCount == 0 {
		t.Errorf("empty token/phrase tables: %+v", first)
	}

	second, err := engine.BuildIndex(ctx)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if first.Signature != second.Signature {
		t.Errorf("rebuild changed signature: %s vs %s", first.Signature, second.Signature)
	}
	if first.PostingCount != second.PostingCount || first.TokenCount != second.TokenCount {
		t.Errorf("rebuild changed counts: %+v vs %+v", first, second)
	}
}

func TestSearchWord(t *testing.T) {
	engine, _ := seedEngine(t, []string{
		"The fastener torque shall be recorded.",
		"Torque values apply to every fastener.",
		"This page covers adhesives only.",
	}, false)
	ctx := context.Background()
	if _, err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	result, err := engine.Search(ctx, SearchOptions{Word: "torque"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if result.CompliancePreface != CompliancePreface {
		t.Error("compliance preface missing")
	}
	if result.Mode != "word" || result.TotalMatched != 2 || len(result.Hits) != 2 {
		t.Fatalf("result = mode %s, %d matched, %d hits", result.Mode, result.TotalMatched, len(result.Hits))
	}
	// Document order: page 1 before page 2.
	if result.Hits[0].Page != 1 || result.Hits[1].Page != 2 {
		t.Errorf("hit order: pages %d, %d", result.Hits[0].Page, result.Hits[1].Page)
	}
	for _, hit := range result.Hits {
		if hit.Authoring.Token != TokenUnmappedRationale {
			t.Errorf("unpublished run token = %q", hit.Authoring.Token)
		}
		if hit.Authoring.Rationale == "" {
			t.Error("unmapped token without rationale")
		}
		if !strings.Contains(hit.Authoring.Snippet, hit.AnchorID) {
			t.Error("snippet missing anchor id")
		}
		if hit.Quote != nil {
			t.Error("quote attached without --quote")
		}
	}

	miss, err := engine.Search(ctx, SearchOptions{Word: "nonexistent"})
	if err != nil {
		t.Fatalf("miss search: %v", err)
	}
	if miss.TotalMatched != 0 || len(miss.Hits) != 0 {
		t.Errorf("miss matched %d", miss.TotalMatched)
	}
}

func TestSearchDeterministicOutput(t *testing.T) {
	engine, _ := seedEngine(t, []string{
		"Shared term appears here.",
		"Shared term appears again.",
	}, false)
	ctx := context.Background()
	if _, err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	first, err := engine.Search(ctx, SearchOptions{Word: "shared"})
	if err != nil {
		t.Fatalf("first search: %v", err)
	}
	second, err := engine.Search(ctx, SearchOptions{Word: "shared"})
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if len(first.Hits) != len(second.Hits) {
		t.Fatalf("hit counts differ: %d vs %d", len(first.Hits), len(second.Hits))
	}
	for i := range first.Hits {
		if !reflect.DeepEqual(first.Hits[i], second.Hits[i]) {
			t.Errorf("hit %d differs between identical queries", i)
		}
	}
}

func TestSearchPhrase(t *testing.T) {
	engine, _ := seedEngine(t, []string{
		"The fastener torque shall be recorded in the log.",
		"Unrelated adhesive content.",
	}, false)
	ctx := context.Background()
	if _, err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	// Indexed 2-gram.
	result, err := engine.Search(ctx, SearchOptions{Phrase: "fastener torque"})
	if err != nil {
		t.Fatalf("phrase search: %v", err)
	}
	if result.Mode != "phrase" || result.TotalMatched != 1 {
		t.Fatalf("2-gram: mode %s, matched %d", result.Mode, result.TotalMatched)
	}

	// Longer than any indexed n-gram: substring fallback.
	long, err := engine.Search(ctx, SearchOptions{Phrase: "fastener torque shall be recorded"})
	if err != nil {
		t.Fatalf("long phrase search: %v", err)
	}
	if long.TotalMatched != 1 {
		t.Errorf("substring fallback matched %d", long.TotalMatched)
	}
}

func TestSearchRequiresExactlyOneMode(t *testing.T) {
	engine, _ := seedEngine(t, []string{"Text."}, false)
	if _, err := engine.BuildIndex(context.Background()); err != nil {
		t.Fatalf("build: %v", err)
	}

	cases := []SearchOptions{
		{},
		{Word: "torque", Phrase: "fastener torque"},
	}
	for _, opts := range cases {
		_, err := engine.Search(context.Background(), opts)
		if !errors.Is(err, services.ErrValidation) {
			t.Errorf("opts %+v: expected validation error, got %v", opts, err)
		}
	}

	_, err := engine.Search(context.Background(), SearchOptions{Word: "two words"})
	if !errors.Is(err, services.ErrValidation) {
		t.Errorf("multi-token word: expected validation error, got %v", err)
	}
}

func TestSearchFiltersAndLimit(t *testing.T) {
	engine, _ := seedEngine(t, []string{
		"Common term page one.",
		"Common term page two.",
		"Common term page three.",
	}, false)
	ctx := context.Background()
	if _, err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	paged, err := engine.Search(ctx, SearchOptions{Word: "common", Page: 2})
	if err != nil {
		t.Fatalf("page filter: %v", err)
	}
	if paged.TotalMatched != 1 || paged.Hits[0].Page != 2 {
		t.Errorf("page filter: matched %d", paged.TotalMatched)
	}

	limited, err := engine.Search(ctx, SearchOptions{Word: "common", Limit: 2})
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	if len(limited.Hits) != 2 || limited.TotalMatched != 2 {
		t.Errorf("limit: %d hits, %d matched", len(limited.Hits), limited.TotalMatched)
	}

	otherPart, err := engine.Search(ctx, SearchOptions{Word: "common", Part: "Part9"})
	if err != nil {
		t.Fatalf("part filter: %v", err)
	}
	if otherPart.TotalMatched != 0 {
		t.Errorf("part filter leaked %d hits", otherPart.TotalMatched)
	}
}

func TestSearchQuoteBounds(t *testing.T) {
	longLine := strings.Repeat("overlong ", 30) // > 240 chars, single line
	engine, _ := seedEngine(t, []string{
		"Brief quotable sentence.",
		longLine,
	}, false)
	ctx := context.Background()
	if _, err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	brief, err := engine.Search(ctx, SearchOptions{Word: "quotable", Quote: true})
	if err != nil {
		t.Fatalf("brief quote search: %v", err)
	}
	if len(brief.Hits) != 1 || brief.Hits[0].Quote == nil {
		t.Fatal("in-bounds quote missing")
	}
	if !brief.Hits[0].Quote.FairUseBriefQuote {
		t.Error("quote not flagged fair use")
	}
	if brief.Hits[0].Quote.Text != "Brief quotable sentence." {
		t.Errorf("quote text = %q", brief.Hits[0].Quote.Text)
	}

	long, err := engine.Search(ctx, SearchOptions{Word: "overlong", Quote: true})
	if err != nil {
		t.Fatalf("long quote search: %v", err)
	}
	if len(long.Hits) != 0 {
		t.Fatalf("out-of-bounds quote not withheld: %d hits", len(long.Hits))
	}
	if long.WithheldHitCount != 1 || long.TotalMatched != 1 {
		t.Errorf("withheld=%d matched=%d", long.WithheldHitCount, long.TotalMatched)
	}

	// Without --quote the same hit is returned.
	plain, err := engine.Search(ctx, SearchOptions{Word: "overlong"})
	if err != nil {
		t.Fatalf("plain search: %v", err)
	}
	if len(plain.Hits) != 1 {
		t.Errorf("hit lost without quote request: %d", len(plain.Hits))
	}
}

func TestSearchMappedAfterPublish(t *testing.T) {
	engine, run := seedEngine(t, []string{"Published fastener requirement."}, true)
	ctx := context.Background()
	if _, err := engine.BuildIndex(ctx); err != nil {
		t.Fatalf("build: %v", err)
	}

	result, err := engine.Search(ctx, SearchOptions{Word: "fastener"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(result.Hits) != 1 {
		t.Fatalf("hits = %d", len(result.Hits))
	}
	hit := result.Hits[0]
	if hit.Authoring.Token != TokenMapped {
		t.Errorf("published run token = %q", hit.Authoring.Token)
	}
	if hit.Lookup.AnchorRegistryPath != run.Paths.AnchorRegistry() {
		t.Errorf("registry path = %q", hit.Lookup.AnchorRegistryPath)
	}
	if hit.Lookup.JSONPointerHint != "/anchors/0" {
		t.Errorf("pointer hint = %q", hit.Lookup.JSONPointerHint)
	}
	if hit.Lookup.JSONLRowHint != 1 {
		t.Errorf("row hint = %d", hit.Lookup.JSONLRowHint)
	}
	if hit.Lookup.PartShardPath == "" {
		t.Error("shard path missing for published anchor")
	}
}

func TestExplain(t *testing.T) {
	engine, run := seedEngine(t, []string{"Explained requirement text."}, false)
	ctx := context.Background()

	units, err := anchor.LoadUnits(run.Paths)
	if err != nil {
		t.Fatalf("load anchored units: %v", err)
	}
	anchorID := units[0].AnchorID

	byAnchor, err := engine.Explain(ctx, ExplainOptions{AnchorID: anchorID})
	if err != nil {
		t.Fatalf("explain by anchor: %v", err)
	}
	if !byAnchor.Found || byAnchor.Lineage == nil {
		t.Fatal("known anchor not found")
	}
	if byAnchor.GuidelinePointerPath != "docs/usage-guidelines.md" {
		t.Errorf("guideline pointer = %q", byAnchor.GuidelinePointerPath)
	}
	if byAnchor.Lineage.UnitID != "part1-p0001" || len(byAnchor.Lineage.Slices) == 0 {
		t.Errorf("lineage = %+v", byAnchor.Lineage)
	}
	for _, detail := range byAnchor.Lineage.Slices {
		if detail.TextSHA256 == "" {
			t.Error("slice detail missing text hash")
		}
	}

	byUnit, err := engine.Explain(ctx, ExplainOptions{UnitID: "part1-p0001"})
	if err != nil {
		t.Fatalf("explain by unit: %v", err)
	}
	if !byUnit.Found || byUnit.Lineage.AnchorID != anchorID {
		t.Errorf("unit lineage anchor = %+v", byUnit.Lineage)
	}

	missing, err := engine.Explain(ctx, ExplainOptions{AnchorID: "ISO-99999:part1:ffffffffffffffff"})
	if err != nil {
		t.Fatalf("explain missing: %v", err)
	}
	if missing.Found || missing.Lineage != nil {
		t.Error("unknown anchor reported found")
	}
	if missing.GuidelinePointerPath == "" {
		t.Error("guideline pointer dropped for missing anchor")
	}

	if _, err := engine.Explain(ctx, ExplainOptions{}); !errors.Is(err, services.ErrValidation) {
		t.Errorf("empty options: expected validation error, got %v", err)
	}
	if _, err := engine.Explain(ctx, ExplainOptions{AnchorID: anchorID, UnitID: "part1-p0001"}); !errors.Is(err, services.ErrValidation) {
		t.Errorf("both options: expected validation error, got %v", err)
	}
}
