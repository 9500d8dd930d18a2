// Package ids implements the traceability ID-minting contract consumed by
// the authored-document layer when it inserts new metadata rows.
package ids

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"regexp"
)

// Pattern is the only accepted traceability ID shape.
var Pattern = regexp.MustCompile(`^irm_[A-Za-z0-9]{12}$`)

var scanPattern = regexp.MustCompile(`irm_[A-Za-z0-9]{12}`)

const (
	prefix       = "irm_"
	suffixLength = 12
	alphabet     = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Valid reports whether id matches the minting contract.
func Valid(id string) bool {
	return Pattern.MatchString(id)
}

// Scan collects every ID occurring in text, for building the existing set
// from authored documents.
func Scan(text string) []string {
	return scanPattern.FindAllString(text, -1)
}

// Mint produces a fresh ID absent from existing. The existing set is
// consulted so concurrent authoring sessions minting against the same
// registry snapshot cannot hand out duplicates.
func Mint(existing map[string]struct{}) (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		id, err := random()
		if err != nil {
			return "", err
		}
		if _, taken := existing[id]; !taken {
			return id, nil
		}
	}
	return "", errors.New("mint id: exhausted attempts without finding a free id")
}

func random() (string, error) {
	suffix := make([]byte, suffixLength)
	max := big.NewInt(int64(len(alphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("mint id: %w", err)
		}
		suffix[i] = alphabet[n.Int64()]
	}
	return prefix + string(suffix), nil
}
