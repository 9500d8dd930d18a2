package runstate

// Checklist tracks the per-phase CB_* completion items.
type Checklist struct {
	path   string
	values map[string]string
	writer *Writer
}

// LoadChecklist reads (or initializes) the checklist env file, seeding every
// known key to 0 when absent.
func LoadChecklist(w *Writer, path, runID string) (*Checklist, error) {
	values, err := ParseEnv(path)
	if err != nil {
		return nil, err
	}
	if values["CHECKLIST_SCHEMA_VERSION"] == "" {
		values["CHECKLIST_SCHEMA_VERSION"] = "1"
	}
	if values["RUN_ID"] == "" {
		values["RUN_ID"] = runID
	}
	for _, keys := range ChecklistKeys {
		for _, key := range keys {
			if values[key] == "" {
				values[key] = "0"
			}
		}
	}
	checklist := &Checklist{path: path, values: values, writer: w}
	if err := checklist.Save(); err != nil {
		return nil, err
	}
	return checklist, nil
}

// Mark sets one checklist item to complete and persists.
func (c *Checklist) Mark(key string) error {
	c.values[key] = "1"
	return c.Save()
}

// Done reports whether one item is complete.
func (c *Checklist) Done(key string) bool { return c.values[key] == "1" }

// PhaseComplete reports whether every item for phase is complete.
func (c *Checklist) PhaseComplete(phase string) bool {
	for _, key := range ChecklistKeys[phase] {
		if c.values[key] != "1" {
			return false
		}
	}
	return true
}

// ResetPhase clears every item for phase and persists.
func (c *Checklist) ResetPhase(phase string) error {
	for _, key := range ChecklistKeys[phase] {
		c.values[key] = "0"
	}
	return c.Save()
}

// Save atomically rewrites the checklist file. Suppressed in dry runs.
func (c *Checklist) Save() error {
	if c.writer.DryRun() {
		return nil
	}
	return WriteEnv(c.path, c.values)
}
