package query

import (
	"context"
	"sort"

	"lode/internal/prewarm"
	"lode/internal/services"
)

// ExplainOptions selects one anchor or one unit. Exactly one of AnchorID
// or UnitID must be set.
type ExplainOptions struct {
	AnchorID string
	UnitID   string
}

// SliceDetail is one verbatim slice's non-verbatim lineage entry.
type SliceDetail struct {
	SliceID    string `json:"slice_id"`
	Page       int    `json:"page"`
	Ordinal    int    `json:"ordinal"`
	TextSHA256 string `json:"text_sha256"`
}

// Lineage traces an anchor back through its unit to the slices behind it.
type Lineage struct {
	AnchorID      string        `json:"anchor_id"`
	UnitID        string        `json:"unit_id"`
	Part          string        `json:"part"`
	UnitType      string        `json:"unit_type"`
	SliceIDs      []string      `json:"slice_ids"`
	TextSHA256Set []string      `json:"text_sha256_set"`
	Slices        []SliceDetail `json:"slices"`
}

// Explanation is the explain output shape.
type Explanation struct {
	Found                bool     `json:"found"`
	GuidelinePointerPath string   `json:"guideline_pointer_path"`
	Lineage              *Lineage `json:"lineage,omitempty"`
}

// Explain resolves an anchor or unit reference to its extraction lineage.
func (e *Engine) Explain(_ context.Context, opts ExplainOptions) (*Explanation, error) {
	if (opts.AnchorID == "") == (opts.UnitID == "") {
		return nil, services.Wrap(services.ErrValidation, "query", "explain",
			"exactly one of --anchor-id or --unit-id is required", nil)
	}

	store := prewarm.NewStore(e.paths, nil)
	links, err := store.ReadAnchorLinks()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "query", "explain", "anchor links", err)
	}
	var link *prewarm.AnchorTextLink
	for i := range links {
		if (opts.AnchorID != "" && links[i].AnchorID == opts.AnchorID) ||
			(opts.UnitID != "" && links[i].UnitID == opts.UnitID) {
			link = &links[i]
			break
		}
	}
	explanation := &Explanation{GuidelinePointerPath: e.guidelinePointer}
	if link == nil {
		return explanation, nil
	}

	slices, err := store.ReadUnitSlices()
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "query", "explain", "unit slices", err)
	}
	wanted := make(map[string]struct{}, len(link.SliceIDs))
	for _, id := range link.SliceIDs {
		wanted[id] = struct{}{}
	}
	var details []SliceDetail
	for _, slice := range slices {
		if _, ok := wanted[slice.SliceID]; !ok {
			continue
		}
		details = append(details, SliceDetail{
			SliceID:    slice.SliceID,
			Page:       slice.Page,
			Ordinal:    slice.Ordinal,
			TextSHA256: slice.TextSHA256,
		})
	}
	sort.Slice(details, func(i, j int) bool { return details[i].SliceID < details[j].SliceID })

	explanation.Found = true
	explanation.Lineage = &Lineage{
		AnchorID:      link.AnchorID,
		UnitID:        link.UnitID,
		Part:          link.Part,
		UnitType:      link.UnitType,
		SliceIDs:      link.SliceIDs,
		TextSHA256Set: link.TextSHA256Set,
		Slices:        details,
	}
	return explanation, nil
}
