package anchor

import "encoding/json"

func remarshal(row map[string]any, out any) error {
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
