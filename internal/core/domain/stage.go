package domain

// Stage identifies one of the two analysis pipeline stages. Cooldowns,
// pacing, models and timeouts are all keyed by stage.
type Stage string

const (
	StageDiscovery  Stage = "stage1"
	StageExtraction Stage = "stage2"
)

func (s Stage) String() string { return string(s) }
