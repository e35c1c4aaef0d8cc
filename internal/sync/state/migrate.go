package state

import (
	"encoding/json"
	"fmt"
)

// v2State is the earlier format, with second resolution timestamps and no
// per library counts
type v2State struct {
	Version   string `json:"version"`
	LastSync  int64  `json:"lastSync"`
	Libraries map[string]struct {
		LastUpdated int64 `json:"lastUpdated"`
	} `json:"libraries"`
}

func migrateV2(data []byte) (*State, error) {
	var old v2State
	if err := json.Unmarshal(data, &old); err != nil {
		return nil, fmt.Errorf("failed to parse v2 state: %w", err)
	}

	state := NewState()
	state.LastSync = old.LastSync * 1000
	for id, lib := range old.Libraries {
		state.Libraries[id] = Library{LastUpdated: lib.LastUpdated * 1000}
	}
	return state, nil
}
