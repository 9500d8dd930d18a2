package prewarm

import (
	"encoding/json"
	"fmt"
	"os"

	"lode/internal/jsonutil"
	"lode/internal/runpaths"
	"lode/internal/runstate"
)

// Store reads and writes the run's verbatim cache artifacts.
type Store struct {
	paths  runpaths.Paths
	writer *runstate.Writer
}

// NewStore binds a store to one run's layout and writer.
func NewStore(paths runpaths.Paths, writer *runstate.Writer) *Store {
	return &Store{paths: paths, writer: writer}
}

// WritePageArtifacts atomically replaces the extract-phase verbatim set:
// page text, page blocks, the record locator index, and the non-verbatim
// signature mirror.
func (s *Store) WritePageArtifacts(pages []PageText, blocks []PageBlock) error {
	pageRows := make([]any, 0, len(pages))
	index := make(map[string]map[string]any, len(pages))
	signatures := make([]any, 0, len(pages))
	for _, page := range pages {
		pageRows = append(pageRows, page)
		index[page.RecordID] = map[string]any{
			"part":   page.Part,
			"page":   page.Page,
			"method": page.Method,
		}
		signatures = append(signatures, PageSignature{
			RecordID:   page.RecordID,
			Part:       page.Part,
			Page:       page.Page,
			TextSHA256: page.TextSHA256,
		})
	}
	blockRows := make([]any, 0, len(blocks))
	for _, block := range blocks {
		blockRows = append(blockRows, block)
	}

	if err := s.writer.WriteRecords(s.paths.PageTextFile(), pageRows); err != nil {
		return err
	}
	if err := s.writer.WriteRecords(s.paths.PageBlocksFile(), blockRows); err != nil {
		return err
	}
	if err := s.writer.WriteJSON(s.paths.PageIndexFile(), index); err != nil {
		return err
	}
	return s.writer.WriteRecords(s.paths.PageSignaturesFile(), signatures)
}

// WriteNormalizeArtifacts atomically replaces the normalize-phase verbatim
// set.
func (s *Store) WriteNormalizeArtifacts(slices []UnitSlice, links []UnitTextLink, sourceRows []QuerySourceRow) error {
	sliceRows := make([]any, 0, len(slices))
	for _, slice := range slices {
		sliceRows = append(sliceRows, slice)
	}
	linkRows := make([]any, 0, len(links))
	for _, link := range links {
		linkRows = append(linkRows, link)
	}
	queryRows := make([]any, 0, len(sourceRows))
	for _, row := range sourceRows {
		queryRows = append(queryRows, row)
	}
	if err := s.writer.WriteRecords(s.paths.UnitSlicesFile(), sliceRows); err != nil {
		return err
	}
	if err := s.writer.WriteRecords(s.paths.UnitTextLinksFile(), linkRows); err != nil {
		return err
	}
	return s.writer.WriteRecords(s.paths.QuerySourceRowsFile(), queryRows)
}

// AppendAnchorLink appends one anchor-text-link row with record-boundary
// semantics.
func (s *Store) AppendAnchorLink(link AnchorTextLink) error {
	return s.writer.AppendRecord(s.paths.AnchorTextLinksFile(), link)
}

// ResetAnchorLinks clears the anchor-text-link file ahead of a phase replay.
func (s *Store) ResetAnchorLinks() error {
	return s.writer.WriteBytes(s.paths.AnchorTextLinksFile(), nil)
}

// TruncateAnchorLinks drops any trailing partial record left by a crash and
// returns the number of bytes removed.
func (s *Store) TruncateAnchorLinks() (int64, error) {
	removed, err := jsonutil.TruncateToRecordBoundary(s.paths.AnchorTextLinksFile())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return removed, nil
}

// WriteAnchorLinkIndex records per-part link counts next to the link file.
func (s *Store) WriteAnchorLinkIndex(index map[string]any) error {
	return s.writer.WriteJSON(s.paths.AnchorLinkIndexFile(), index)
}

// ReadPageTexts loads the page-text rows.
func (s *Store) ReadPageTexts() ([]PageText, error) {
	return readTyped[PageText](s.paths.PageTextFile())
}

// ReadUnitSlices loads the unit-slice rows.
func (s *Store) ReadUnitSlices() ([]UnitSlice, error) {
	return readTyped[UnitSlice](s.paths.UnitSlicesFile())
}

// ReadUnitTextLinks loads the unit-text-link rows.
func (s *Store) ReadUnitTextLinks() ([]UnitTextLink, error) {
	return readTyped[UnitTextLink](s.paths.UnitTextLinksFile())
}

// ReadQuerySourceRows loads the query source rows.
func (s *Store) ReadQuerySourceRows() ([]QuerySourceRow, error) {
	return readTyped[QuerySourceRow](s.paths.QuerySourceRowsFile())
}

// ReadAnchorLinks loads the anchor-text-link rows.
func (s *Store) ReadAnchorLinks() ([]AnchorTextLink, error) {
	return readTyped[AnchorTextLink](s.paths.AnchorTextLinksFile())
}

func readTyped[T any](path string) ([]T, error) {
	rows, err := jsonutil.ReadRecords(path)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for i, row := range rows {
		raw, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		var typed T
		if err := json.Unmarshal(raw, &typed); err != nil {
			return nil, fmt.Errorf("%s row %d: %w", path, i+1, err)
		}
		out = append(out, typed)
	}
	return out, nil
}
