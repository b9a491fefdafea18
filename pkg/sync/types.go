package sync

import (
	"hash/fnv"

	"github.com/DrTomLLC/StoryStream/pkg/models"
)

// Strategy picks the winner when two changes conflict.
type Strategy string

const (
	// StrategyUseNewest takes the higher timestamp; ties break toward the
	// lower device-id hash.
	StrategyUseNewest Strategy = "use_newest"
	// StrategyUseLocal always keeps the local change.
	StrategyUseLocal Strategy = "use_local"
	// StrategyUseRemote always takes the remote change.
	StrategyUseRemote Strategy = "use_remote"
	// StrategyMerge does per-field last-writer-wins for scalars, union for
	// sets, and maximum for positions.
	StrategyMerge Strategy = "merge"
)

// ParseStrategy maps the configuration value onto a strategy, falling back
// to use_newest.
func ParseStrategy(value string) Strategy {
	switch Strategy(value) {
	case StrategyUseLocal, StrategyUseRemote, StrategyMerge, StrategyUseNewest:
		return Strategy(value)
	default:
		return StrategyUseNewest
	}
}

// Request is one side of the sync wire model. Transport is external; these
// structs just define the JSON shape.
type Request struct {
	DeviceID    string                 `json:"device_id"`
	SinceCursor int64                  `json:"since_cursor"`
	Changes     []*models.ChangeRecord `json:"changes"`
}

// Response carries the peer's changes back, plus the cursor acknowledging
// everything it has accepted from us.
type Response struct {
	RemoteChanges []*models.ChangeRecord `json:"remote_changes"`
	NewCursor     int64                  `json:"new_cursor"`
	Conflicts     []Conflict             `json:"conflicts,omitempty"`
}

// Conflict records one resolved collision for observability.
type Conflict struct {
	Local          *models.ChangeRecord `json:"local"`
	Remote         *models.ChangeRecord `json:"remote"`
	Resolution     Strategy             `json:"resolution"`
	WinnerDeviceID string               `json:"winner_device_id"`
}

// ApplyResult summarizes one ApplyResponse pass.
type ApplyResult struct {
	Applied   int
	Skipped   int
	Conflicts []Conflict
}

func deviceIDHash(deviceID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return h.Sum32()
}

// newerThan orders two change records: timestamp first, then the device-id
// hash tie-break (lower hash wins, so "newer" means higher hash loses).
func newerThan(a, b *models.ChangeRecord) bool {
	if a.TimestampMs != b.TimestampMs {
		return a.TimestampMs > b.TimestampMs
	}
	return deviceIDHash(a.DeviceID) < deviceIDHash(b.DeviceID)
}
