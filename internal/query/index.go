package query

import (
	"context"
	"fmt"
	"os"
	"sort"

	"lode/internal/jsonutil"
	"lode/internal/prewarm"
	"lode/internal/runpaths"
	"lode/internal/services"
)

// phraseTokenWindow caps how much of a slice feeds the n-gram table.
const phraseTokenWindow = 40

// Posting is one indexed slice with its full posting key.
type Posting struct {
	Part           string
	Page           int
	UnitType       string
	AnchorID       string
	UnitID         string
	SliceID        string
	Clause         string
	NormalizedText string
	Tokens         []string
}

// Manifest describes a built index and carries its determinism signature.
type Manifest struct {
	SchemaVersion int    `json:"schema_version"`
	DB            string `json:"db"`
	PostingCount  int    `json:"posting_count"`
	TokenCount    int    `json:"token_count"`
	PhraseCount   int    `json:"phrase_count"`
	RunRoot       string `json:"run_root"`
	Signature     string `json:"signature"`
}

// Engine runs index, search, and explain over one run's artifacts.
type Engine struct {
	paths            runpaths.Paths
	guidelinePointer string
}

// NewEngine binds the engine to a run layout. guidelinePointer is the
// checked-in trademark/usage guideline path surfaced by explain.
func NewEngine(paths runpaths.Paths, guidelinePointer string) *Engine {
	return &Engine{paths: paths, guidelinePointer: guidelinePointer}
}

// BuildIndex rebuilds the SQLite index from the prewarm cache. The build is
// deterministic: postings are inserted in posting-key order with stable ids
// and the manifest signature covers the sorted posting-key digest.
func (e *Engine) BuildIndex(ctx context.Context) (*Manifest, error) {
	postings, err := e.loadPostings()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.paths.QueryIndexDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}
	// Rebuild from scratch so stale postings from a prior run never leak in.
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(e.paths.QueryIndexDB() + suffix); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale index: %w", err)
		}
	}

	store, err := openStore(e.paths.QueryIndexDB())
	if err != nil {
		return nil, err
	}
	defer store.Close()
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}
	tokenCount, phraseCount, err := store.insertPostings(ctx, postings)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(postings))
	for _, posting := range postings {
		keys = append(keys, posting.key())
	}
	digest, err := jsonutil.Checksum(keys)
	if err != nil {
		return nil, err
	}
	signature, err := jsonutil.Checksum(map[string]any{
		"posting_digest": digest,
		"posting_count":  len(postings),
		"token_count":    tokenCount,
		"phrase_count":   phraseCount,
	})
	if err != nil {
		return nil, err
	}
	manifest := &Manifest{
		SchemaVersion: SchemaVersion,
		DB:            e.paths.QueryIndexDB(),
		PostingCount:  len(postings),
		TokenCount:    tokenCount,
		PhraseCount:   phraseCount,
		RunRoot:       e.paths.ControlRunRoot,
		Signature:     signature,
	}
	if err := jsonutil.WriteJSON(e.paths.QueryIndexManifest(), manifest); err != nil {
		return nil, err
	}
	return manifest, nil
}

func (p Posting) key() string {
	return fmt.Sprintf("%s|%06d|%s|%s|%s|%s|%s",
		p.Part, p.Page, p.UnitType, p.AnchorID, p.UnitID, p.SliceID, p.Clause)
}

// loadPostings joins unit slices, anchor-text-links, and query source rows
// into the posting set, sorted by posting key.
func (e *Engine) loadPostings() ([]Posting, error) {
	store := prewarm.NewStore(e.paths, nil)
	slices, err := store.ReadUnitSlices()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "query", "index", "unit slices", err)
	}
	links, err := store.ReadAnchorLinks()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "query", "index", "anchor links", err)
	}
	sourceRows, err := store.ReadQuerySourceRows()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "query", "index", "query source rows", err)
	}

	anchorByUnit := make(map[string]string, len(links))
	for _, link := range links {
		anchorByUnit[link.UnitID] = link.AnchorID
	}
	rowBySlice := make(map[string]prewarm.QuerySourceRow, len(sourceRows))
	for _, row := range sourceRows {
		rowBySlice[row.SliceID] = row
	}

	postings := make([]Posting, 0, len(slices))
	for _, slice := range slices {
		anchorID, ok := anchorByUnit[slice.UnitID]
		if !ok {
			return nil, services.Wrap(services.ErrStopCondition, "query", "index",
				"no anchor link for unit "+slice.UnitID, nil)
		}
		row, ok := rowBySlice[slice.SliceID]
		if !ok {
			return nil, services.Wrap(services.ErrStopCondition, "query", "index",
				"no source row for slice "+slice.SliceID, nil)
		}
		clause, _ := slice.SourceLocator["clause"].(string)
		postings = append(postings, Posting{
			Part:           slice.Part,
			Page:           slice.Page,
			UnitType:       slice.UnitType,
			AnchorID:       anchorID,
			UnitID:         slice.UnitID,
			SliceID:        slice.SliceID,
			Clause:         clause,
			NormalizedText: row.NormalizedText,
			Tokens:         row.Tokens,
		})
	}
	sort.Slice(postings, func(i, j int) bool { return postings[i].key() < postings[j].key() })
	return postings, nil
}

func uniqueSorted(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, dup := seen[token]; dup {
			continue
		}
		seen[token] = struct{}{}
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// postingPhrases emits the deduplicated 2- and 3-grams over the leading
// token window.
func postingPhrases(tokens []string) []string {
	if len(tokens) > phraseTokenWindow {
		tokens = tokens[:phraseTokenWindow]
	}
	seen := make(map[string]struct{})
	var out []string
	add := func(phrase string) {
		if _, dup := seen[phrase]; dup {
			return
		}
		seen[phrase] = struct{}{}
		out = append(out, phrase)
	}
	for i := 0; i+1 < len(tokens); i++ {
		add(tokens[i] + " " + tokens[i+1])
		if i+2 < len(tokens) {
			add(tokens[i] + " " + tokens[i+1] + " " + tokens[i+2])
		}
	}
	sort.Strings(out)
	return out
}
