package generate

// Summary counts what a generation run did with each frame.
type Summary struct {
	Frames         int      `json:"frames"`
	Outbound       int      `json:"outbound"`
	Inbound        int      `json:"inbound"`
	Entries        int      `json:"entries"`
	Binary         int      `json:"binary"`
	Actions        int      `json:"actions"`
	Duplicates     int      `json:"duplicates"`
	Skipped        int      `json:"skipped"`
	UniqueDropped  int      `json:"unique_dropped"`
	EntityFiltered int      `json:"entity_filtered"`
	Failed         int      `json:"failed"`
	Sleeps         int      `json:"sleeps"`
	Waits          int      `json:"waits"`
	Truncated      bool     `json:"truncated"`
	PlayerEntityID int64    `json:"player_entity_id"`
	Warnings       []string `json:"warnings,omitempty"`
}

// Empty reports whether the run produced no actions.
func (s Summary) Empty() bool {
	return s.Actions == 0
}
