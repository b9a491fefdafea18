package models

import "github.com/uptrace/bun"

const (
	EntityKindBook             = "book"
	EntityKindChapter          = "chapter"
	EntityKindBookmark         = "bookmark"
	EntityKindPlaylist         = "playlist"
	EntityKindPlaybackPosition = "playback_position"
)

const (
	ChangeOpInsert = "insert"
	ChangeOpUpdate = "update"
	ChangeOpDelete = "delete"
)

// ChangeRecord is one durable entry in the sync changelog. Records are
// appended before the mutation they describe is considered committed for
// sync purposes. IDs are strictly monotonic; two records with identical
// timestamps are totally ordered by ID.
type ChangeRecord struct {
	bun.BaseModel `bun:"table:sync_changelog,alias:cr"`

	ID          int64  `bun:",pk,autoincrement" json:"id"`
	EntityKind  string `bun:",notnull" json:"entity_kind"`
	EntityID    string `bun:",notnull" json:"entity_id"`
	Op          string `bun:",notnull" json:"op"`
	TimestampMs int64  `bun:",notnull" json:"timestamp_ms"`
	DeviceID    string `bun:",notnull" json:"device_id"`
	Synced      bool   `json:"synced"`
	Payload     []byte `json:"payload,omitempty"`
}

// IsDelete reports whether this record describes a deletion.
func (cr *ChangeRecord) IsDelete() bool {
	return cr.Op == ChangeOpDelete
}
