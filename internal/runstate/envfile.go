package runstate

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"lode/internal/jsonutil"
)

// ParseEnv reads a KEY="VALUE" env file into a map. Blank lines, comments,
// and lines without = are skipped. Values may be double-quoted with \" and
// \\ escapes.
func ParseEnv(path string) (map[string]string, error) {
	data := make(map[string]string)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return data, nil
		}
		return nil, fmt.Errorf("read env %s: %w", path, err)
	}

	for _, rawLine := range strings.Split(string(raw), "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if len(value) >= 2 && strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) {
			value = value[1 : len(value)-1]
			value = strings.ReplaceAll(value, `\"`, `"`)
			value = strings.ReplaceAll(value, `\\`, `\`)
		}
		data[key] = value
	}
	return data, nil
}

// WriteEnv atomically rewrites path with sorted, quoted KEY="VALUE" lines.
func WriteEnv(path string, data map[string]string) error {
	keys := make([]string, 0, len(data))
	for key := range data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, key := range keys {
		value := data[key]
		value = strings.ReplaceAll(value, `\`, `\\`)
		value = strings.ReplaceAll(value, `"`, `\"`)
		fmt.Fprintf(&b, "%s=\"%s\"\n", key, value)
	}
	return jsonutil.WriteBytes(path, []byte(b.String()))
}
