package models

import "github.com/uptrace/bun"

const (
	MinPlaybackSpeed = 0.5
	MaxPlaybackSpeed = 3.0
)

type PlaybackState struct {
	bun.BaseModel `bun:"table:playback_state,alias:ps"`

	BookID            string  `bun:",pk,nullzero" json:"book_id"`
	PositionMs        int64   `json:"position_ms"`
	Speed             float64 `json:"speed"`
	PitchCorrection   bool    `json:"pitch_correction"`
	Volume            int     `json:"volume"`
	Playing           bool    `json:"playing"`
	EqPreset          *string `json:"eq_preset"`
	SleepRemainingMs  *int64  `json:"sleep_remaining_ms"`
	SleepEndOfChapter bool    `json:"sleep_end_of_chapter"`
	SkipSilence       bool    `json:"skip_silence"`
	VolumeBoost       bool    `json:"volume_boost"`
	UpdatedAt         int64   `json:"updated_at"`
}

// NewPlaybackState returns the state a book starts with on first play.
func NewPlaybackState(bookID string) *PlaybackState {
	return &PlaybackState{
		BookID:          bookID,
		Speed:           1.0,
		PitchCorrection: true,
		Volume:          100,
		UpdatedAt:       NowMillis(),
	}
}
