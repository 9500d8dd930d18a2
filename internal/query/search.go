package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"lode/internal/jsonc"
	"lode/internal/jsonutil"
	"lode/internal/prewarm"
	"lode/internal/services"
)

// CompliancePreface is emitted before any located content, always.
const CompliancePreface = "Results reference licensed standard content. " +
	"Locators and hashes only; consult the licensed source for text. " +
	"Verbatim quotes, where present, are brief excerpts under fair use."

// Quote bounds. A candidate exceeding either invalidates its hit entirely.
const (
	QuoteMaxChars = 240
	QuoteMaxLines = 2
)

// Authoring bundle tokens. Anything else is a contract violation.
const (
	TokenMapped              = "mapped"
	TokenUnmappedRationale   = "unmapped_with_rationale"
	TokenOutOfScopeRationale = "out_of_scope_with_rationale"
)

var allowedTokens = map[string]struct{}{
	TokenMapped:              {},
	TokenUnmappedRationale:   {},
	TokenOutOfScopeRationale: {},
}

// SearchOptions selects and filters one query. Exactly one of Word or
// Phrase must be set.
type SearchOptions struct {
	Word     string
	Phrase   string
	Part     string
	UnitType string
	Page     int
	AnchorID string
	Clause   string
	Quote    bool
	Limit    int
}

// Lookup points a hit into the published registry.
type Lookup struct {
	AnchorRegistryPath string `json:"anchor_registry_path"`
	CorpusManifestPath string `json:"corpus_manifest_path"`
	PartManifestPath   string `json:"part_manifest_path"`
	PartShardPath      string `json:"part_shard_path"`
	JSONLRowHint       int    `json:"jsonl_row_hint"`
	JSONPointerHint    string `json:"json_pointer_hint"`
}

// Authoring is the ready-to-paste bundle attached to every hit.
type Authoring struct {
	Token          string   `json:"token"`
	Rationale      string   `json:"rationale,omitempty"`
	CompanionRoles []string `json:"companion_roles"`
	Snippet        string   `json:"snippet"`
}

// Quote is an opt-in brief verbatim excerpt.
type Quote struct {
	Text              string `json:"text"`
	FairUseBriefQuote bool   `json:"fair_use_brief_quote"`
}

// Hit is one located slice.
type Hit struct {
	AnchorID  string    `json:"anchor_id"`
	UnitID    string    `json:"unit_id"`
	SliceID   string    `json:"slice_id"`
	Part      string    `json:"part"`
	Page      int       `json:"page"`
	UnitType  string    `json:"unit_type"`
	Clause    string    `json:"clause"`
	Lookup    Lookup    `json:"lookup"`
	Authoring Authoring `json:"authoring"`
	Quote     *Quote    `json:"quote,omitempty"`
}

// Result is the full search output.
type Result struct {
	CompliancePreface string `json:"compliance_preface"`
	Mode              string `json:"mode"`
	Query             string `json:"query"`
	Hits              []Hit  `json:"hits"`
	TotalMatched      int    `json:"total_matched"`
	WithheldHitCount  int    `json:"withheld_hit_count"`
}

// Search runs one word or phrase query over the built index. Output order
// is the posting key; the tie-break is document order, never wall clock.
func (e *Engine) Search(ctx context.Context, opts SearchOptions) (*Result, error) {
	if (opts.Word == "") == (opts.Phrase == "") {
		return nil, services.Wrap(services.ErrValidation, "query", "search",
			"exactly one of --word or --phrase is required", nil)
	}

	store, err := openStore(e.paths.QueryIndexDB())
	if err != nil {
		return nil, err
	}
	defer store.Close()

	var rows *sql.Rows
	mode, queryText := "word", opts.Word
	if opts.Word != "" {
		tokens := prewarm.Tokens(prewarm.NormalizeForQuery(opts.Word))
		if len(tokens) != 1 {
			return nil, services.Wrap(services.ErrValidation, "query", "search",
				"--word takes a single token", nil)
		}
		rows, err = store.db.QueryContext(ctx,
			`SELECT DISTINCT p.posting_id, p.part, p.page, p.unit_type, p.anchor_id, p.unit_id, p.slice_id, p.clause
			 FROM tokens t JOIN postings p ON p.posting_id = t.posting_id
			 WHERE t.token = ? ORDER BY p.posting_id`, tokens[0])
	} else {
		mode, queryText = "phrase", opts.Phrase
		normalized := prewarm.NormalizeForQuery(opts.Phrase)
		rows, err = store.db.QueryContext(ctx,
			`SELECT DISTINCT p.posting_id, p.part, p.page, p.unit_type, p.anchor_id, p.unit_id, p.slice_id, p.clause
			 FROM phrases f JOIN postings p ON p.posting_id = f.posting_id
			 WHERE f.phrase = ? ORDER BY p.posting_id`, normalized)
		if err == nil {
			matched, scanErr := collectPostings(rows)
			if scanErr != nil {
				return nil, scanErr
			}
			if len(matched) == 0 {
				// Longer or unindexed phrases fall back to a substring scan
				// over the normalized text.
				rows, err = store.db.QueryContext(ctx,
					`SELECT posting_id, part, page, unit_type, anchor_id, unit_id, slice_id, clause
					 FROM postings WHERE instr(normalized_text, ?) > 0 ORDER BY posting_id`, normalized)
			} else {
				return e.assemble(matched, mode, queryText, opts)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	matched, err := collectPostings(rows)
	if err != nil {
		return nil, err
	}
	return e.assemble(matched, mode, queryText, opts)
}

type matchedPosting struct {
	PostingID int
	Part      string
	Page      int
	UnitType  string
	AnchorID  string
	UnitID    string
	SliceID   string
	Clause    string
}

func collectPostings(rows *sql.Rows) ([]matchedPosting, error) {
	defer rows.Close()
	var out []matchedPosting
	for rows.Next() {
		var m matchedPosting
		if err := rows.Scan(&m.PostingID, &m.Part, &m.Page, &m.UnitType,
			&m.AnchorID, &m.UnitID, &m.SliceID, &m.Clause); err != nil {
			return nil, fmt.Errorf("scan posting: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (m matchedPosting) passes(opts SearchOptions) bool {
	if opts.Part != "" && m.Part != opts.Part {
		return false
	}
	if opts.UnitType != "" && m.UnitType != opts.UnitType {
		return false
	}
	if opts.Page != 0 && m.Page != opts.Page {
		return false
	}
	if opts.AnchorID != "" && m.AnchorID != opts.AnchorID {
		return false
	}
	if opts.Clause != "" && m.Clause != opts.Clause {
		return false
	}
	return true
}

// registryView is the published registry's lookup side, loaded once per
// query. A run that has not published yet yields an empty view and
// unmapped hits.
type registryView struct {
	edition       string
	pointerByID   map[string]int
	shardByID     map[string]string
	shardRowByID  map[string]int
	partManifests map[string]string
}

func (e *Engine) loadRegistry() registryView {
	view := registryView{
		pointerByID:   map[string]int{},
		shardByID:     map[string]string{},
		shardRowByID:  map[string]int{},
		partManifests: map[string]string{},
	}
	var corpus struct {
		Edition string   `json:"edition"`
		Parts   []string `json:"parts"`
	}
	if err := jsonc.ReadFile(e.paths.CorpusManifest(), &corpus); err != nil {
		return view
	}
	view.edition = corpus.Edition

	var registry struct {
		Anchors []struct {
			AnchorID string `json:"anchor_id"`
		} `json:"anchors"`
	}
	if err := jsonc.ReadFile(e.paths.AnchorRegistry(), &registry); err == nil {
		for i, row := range registry.Anchors {
			view.pointerByID[row.AnchorID] = i
		}
	}

	for _, part := range corpus.Parts {
		var manifest struct {
			Shards []string `json:"shards"`
		}
		manifestPath := e.paths.PartManifest(corpus.Edition, part)
		if err := jsonc.ReadFile(manifestPath, &manifest); err != nil {
			continue
		}
		view.partManifests[part] = manifestPath
		for _, shardName := range manifest.Shards {
			shardPath := filepath.Join(e.paths.PartDir(corpus.Edition, part), shardName)
			records, err := jsonutil.ReadRecords(shardPath)
			if err != nil {
				continue
			}
			for row, record := range records {
				if anchorID, ok := record["anchor_id"].(string); ok {
					view.shardByID[anchorID] = shardPath
					view.shardRowByID[anchorID] = row + 1
				}
			}
		}
	}
	return view
}

func (e *Engine) assemble(matched []matchedPosting, mode, queryText string, opts SearchOptions) (*Result, error) {
	var filtered []matchedPosting
	for _, m := range matched {
		if m.passes(opts) {
			filtered = append(filtered, m)
		}
	}
	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	registry := e.loadRegistry()
	var sliceText map[string]string
	if opts.Quote {
		text, err := e.loadSliceText()
		if err != nil {
			return nil, err
		}
		sliceText = text
	}

	result := &Result{
		CompliancePreface: CompliancePreface,
		Mode:              mode,
		Query:             queryText,
		Hits:              []Hit{},
		TotalMatched:      len(filtered),
	}
	for _, m := range filtered {
		hit, ok, err := e.buildHit(m, registry, opts.Quote, sliceText)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.WithheldHitCount++
			continue
		}
		result.Hits = append(result.Hits, hit)
	}
	return result, nil
}

func (e *Engine) buildHit(m matchedPosting, registry registryView, wantQuote bool, sliceText map[string]string) (Hit, bool, error) {
	hit := Hit{
		AnchorID: m.AnchorID,
		UnitID:   m.UnitID,
		SliceID:  m.SliceID,
		Part:     m.Part,
		Page:     m.Page,
		UnitType: m.UnitType,
		Clause:   m.Clause,
	}

	token := TokenUnmappedRationale
	rationale := "anchor not present in published registry"
	pointer, published := registry.pointerByID[m.AnchorID]
	if published {
		token = TokenMapped
		rationale = ""
		hit.Lookup = Lookup{
			AnchorRegistryPath: e.paths.AnchorRegistry(),
			CorpusManifestPath: e.paths.CorpusManifest(),
			PartManifestPath:   registry.partManifests[m.Part],
			PartShardPath:      registry.shardByID[m.AnchorID],
			JSONLRowHint:       registry.shardRowByID[m.AnchorID],
			JSONPointerHint:    fmt.Sprintf("/anchors/%d", pointer),
		}
	}
	if _, ok := allowedTokens[token]; !ok {
		return Hit{}, false, services.Wrap(services.ErrQueryContract, "query", "search",
			"authoring token "+token, nil)
	}
	hit.Authoring = Authoring{
		Token:          token,
		Rationale:      rationale,
		CompanionRoles: []string{"authoring_engineer", "compliance_reviewer"},
		Snippet: fmt.Sprintf("requirement_ref:\n  anchor_id: %s\n  locator: %s clause %s p.%d\n  status: %s",
			m.AnchorID, m.Part, m.Clause, m.Page, token),
	}

	if wantQuote {
		text, ok := sliceText[m.SliceID]
		if !ok {
			return Hit{}, false, nil
		}
		if utf8.RuneCountInString(text) > QuoteMaxChars ||
			strings.Count(text, "\n")+1 > QuoteMaxLines {
			// Fails closed: the whole hit is withheld, never truncated.
			return Hit{}, false, nil
		}
		hit.Quote = &Quote{Text: text, FairUseBriefQuote: true}
	}
	return hit, true, nil
}

func (e *Engine) loadSliceText() (map[string]string, error) {
	slices, err := prewarm.NewStore(e.paths, nil).ReadUnitSlices()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "query", "search", "unit slices", err)
	}
	out := make(map[string]string, len(slices))
	for _, slice := range slices {
		out[slice.SliceID] = slice.Text
	}
	return out, nil
}
