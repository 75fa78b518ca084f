package models

import "time"

// Trigger identifies what started a fetch cycle.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
	TriggerStartup  Trigger = "startup"
)

// CityFailure records why one city was skipped in a cycle.
type CityFailure struct {
	City  string `json:"city"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// FetchSummary is the outcome of one fetch cycle.
// Succeeded + Failed always equals Attempted.
type FetchSummary struct {
	CycleID   string        `json:"cycleId"`
	Trigger   Trigger       `json:"trigger"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"-"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Stored    int           `json:"stored"`
	Failures  []CityFailure `json:"failures,omitempty"`
	Coalesced bool          `json:"coalesced,omitempty"`
}
