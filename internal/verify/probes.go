package verify

import (
	"context"
	"fmt"
	"sort"

	"lode/internal/jsonutil"
	"lode/internal/prewarm"
	"lode/internal/query"
	"lode/internal/runstate"
)

// Probe set minima. The frozen set must always carry at least this many
// positive probes plus one guaranteed-absent negative word.
const (
	minWordProbes   = 9
	minPhraseProbes = 3
)

// negativeProbe can never appear in index tokens (tokens are lowercase).
const negativeProbe = "ZZQ_NEGATIVE_PROBE"

// ProbeSet is the deterministic smoke-query set frozen for a run.
type ProbeSet struct {
	Words     []string `json:"words"`
	Phrases   []string `json:"phrases"`
	Negative  string   `json:"negative"`
	Signature string   `json:"signature"`
}

// deriveProbes picks the highest-frequency words and leading 2-grams from
// the query source rows. Ties break on the token itself, so the set is a
// pure function of the cache.
func deriveProbes(rows []prewarm.QuerySourceRow) (*ProbeSet, error) {
	wordFreq := make(map[string]int)
	phraseFreq := make(map[string]int)
	for _, row := range rows {
		for _, token := range row.Tokens {
			wordFreq[token]++
		}
		for i := 0; i+1 < len(row.Tokens); i++ {
			phraseFreq[row.Tokens[i]+" "+row.Tokens[i+1]]++
		}
	}
	words := topByFrequency(wordFreq, minWordProbes)
	phrases := topByFrequency(phraseFreq, minPhraseProbes)
	if len(words) < minWordProbes || len(phrases) < minPhraseProbes {
		return nil, fmt.Errorf("cache too small for probe set: %d words, %d phrases",
			len(words), len(phrases))
	}
	set := &ProbeSet{Words: words, Phrases: phrases, Negative: negativeProbe}
	signature, err := jsonutil.Checksum(map[string]any{
		"words":    set.Words,
		"phrases":  set.Phrases,
		"negative": set.Negative,
	})
	if err != nil {
		return nil, err
	}
	set.Signature = signature
	return set, nil
}

func topByFrequency(freq map[string]int, n int) []string {
	keys := make([]string, 0, len(freq))
	for key := range freq {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if freq[keys[i]] != freq[keys[j]] {
			return freq[keys[i]] > freq[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	sort.Strings(keys)
	return keys
}

// runSmokeQueries executes every probe against the built index: each
// positive probe must locate at least one posting and the negative probe
// must locate none.
func runSmokeQueries(ctx context.Context, engine *query.Engine, set *ProbeSet) error {
	for _, word := range set.Words {
		result, err := engine.Search(ctx, query.SearchOptions{Word: word})
		if err != nil {
			return fmt.Errorf("word probe %q: %w", word, err)
		}
		if result.TotalMatched == 0 {
			return fmt.Errorf("word probe %q matched nothing", word)
		}
	}
	for _, phrase := range set.Phrases {
		result, err := engine.Search(ctx, query.SearchOptions{Phrase: phrase})
		if err != nil {
			return fmt.Errorf("phrase probe %q: %w", phrase, err)
		}
		if result.TotalMatched == 0 {
			return fmt.Errorf("phrase probe %q matched nothing", phrase)
		}
	}
	result, err := engine.Search(ctx, query.SearchOptions{Word: set.Negative})
	if err != nil {
		return fmt.Errorf("negative probe: %w", err)
	}
	if result.TotalMatched != 0 {
		return fmt.Errorf("negative probe matched %d postings", result.TotalMatched)
	}
	return nil
}

func probeManifestPath(run *runstate.Run) string {
	return run.Paths.ControlArtifact(runstate.PhaseVerify, "probe-manifest.json")
}
