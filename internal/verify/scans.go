package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"lode/internal/jsonc"
	"lode/internal/prewarm"
	"lode/internal/runpaths"
)

// forbiddenTextKeys are the raw-text field names that must never appear in
// a control-plane artifact. Their presence means verbatim source text
// leaked out of the data plane.
var forbiddenTextKeys = []string{"raw_text", "paragraph_text", "cell_text", "excerpt"}

var controlClusterRE = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]{3,}`)

// scanControlPlane walks the control-plane artifact tree and reports every
// file carrying a forbidden raw-text key.
func scanControlPlane(paths runpaths.Paths) ([]string, error) {
	root := filepath.Join(paths.ControlRunRoot, "artifacts")
	var offenders []string
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil || entry.IsDir() {
			return walkErr
		}
		switch filepath.Ext(path) {
		case ".json", ".jsonl", ".jsonc":
		default:
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		content := string(jsonc.Strip(data))
		for _, key := range forbiddenTextKeys {
			if strings.Contains(content, `"`+key+`"`) {
				offenders = append(offenders, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan control plane: %w", err)
	}
	sort.Strings(offenders)
	return offenders, nil
}

// Anomaly is one suspect extraction artifact found in the prewarm cache.
type Anomaly struct {
	Part string `json:"part"`
	Page int    `json:"page"`
	Kind string `json:"kind"`
}

// scanPrewarmAnomalies checks page text for replacement characters,
// control-character clusters, and parser artifact markers.
func scanPrewarmAnomalies(pages []prewarm.PageText) []Anomaly {
	var anomalies []Anomaly
	for _, page := range pages {
		switch {
		case strings.ContainsRune(page.Text, '�'):
			anomalies = append(anomalies, Anomaly{page.Part, page.Page, "replacement_char"})
		case controlClusterRE.MatchString(page.Text):
			anomalies = append(anomalies, Anomaly{page.Part, page.Page, "control_char_cluster"})
		case strings.Contains(page.Text, "@@@") || strings.Contains(page.Text, "###"):
			anomalies = append(anomalies, Anomaly{page.Part, page.Page, "parser_artifact_marker"})
		}
	}
	return anomalies
}

// stagedCacheFiles lists data-plane files staged in the registry's git
// checkout. Outside a git checkout the check is skipped (nil, nil).
func stagedCacheFiles(ctx context.Context, paths runpaths.Paths) ([]string, error) {
	probe := exec.CommandContext(ctx, "git", "-C", paths.RegistryRoot, "rev-parse", "--is-inside-work-tree")
	if err := probe.Run(); err != nil {
		return nil, nil
	}
	out, err := exec.CommandContext(ctx, "git", "-C", paths.RegistryRoot,
		"diff", "--cached", "--name-only").Output()
	if err != nil {
		return nil, fmt.Errorf("git staged files: %w", err)
	}
	var offenders []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		if strings.Contains(line, "verbatim") || strings.Contains(line, "prewarm.db") ||
			strings.Contains(line, "query-source-rows") {
			offenders = append(offenders, line)
		}
	}
	return offenders, nil
}

// checkIntegrity confirms every registry anchor appears in exactly the
// published corpus shards and the corpus manifest count agrees.
func checkIntegrity(paths runpaths.Paths) error {
	var registry struct {
		Edition string `json:"edition"`
		Anchors []struct {
			AnchorID string `json:"anchor_id"`
			Part     string `json:"part"`
		} `json:"anchors"`
	}
	if err := jsonc.ReadFile(paths.AnchorRegistry(), &registry); err != nil {
		return fmt.Errorf("anchor registry: %w", err)
	}
	var corpus struct {
		RecordCount int      `json:"record_count"`
		Parts       []string `json:"parts"`
	}
	if err := jsonc.ReadFile(paths.CorpusManifest(), &corpus); err != nil {
		return fmt.Errorf("corpus manifest: %w", err)
	}
	if corpus.RecordCount != len(registry.Anchors) {
		return fmt.Errorf("corpus manifest records %d != registry anchors %d",
			corpus.RecordCount, len(registry.Anchors))
	}

	shardAnchors := make(map[string]struct{})
	for _, part := range corpus.Parts {
		var manifest struct {
			Shards []string `json:"shards"`
		}
		if err := jsonc.ReadFile(paths.PartManifest(registry.Edition, part), &manifest); err != nil {
			return fmt.Errorf("part manifest %s: %w", part, err)
		}
		for _, shardName := range manifest.Shards {
			shardPath := filepath.Join(paths.PartDir(registry.Edition, part), shardName)
			data, err := os.ReadFile(shardPath)
			if err != nil {
				return fmt.Errorf("corpus shard %s: %w", shardName, err)
			}
			for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
				if line == "" {
					continue
				}
				var row struct {
					AnchorID string `json:"anchor_id"`
				}
				if err := json.Unmarshal([]byte(line), &row); err != nil {
					return fmt.Errorf("corpus shard %s: %w", shardName, err)
				}
				shardAnchors[row.AnchorID] = struct{}{}
			}
		}
	}
	for _, anchorRow := range registry.Anchors {
		if _, ok := shardAnchors[anchorRow.AnchorID]; !ok {
			return fmt.Errorf("registry anchor %s missing from corpus shards", anchorRow.AnchorID)
		}
	}
	return nil
}
