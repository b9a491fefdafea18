package models

import "github.com/uptrace/bun"

type Playlist struct {
	bun.BaseModel `bun:"table:playlists,alias:pl"`

	ID        string `bun:",pk,nullzero" json:"id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	Name      string `bun:",notnull" json:"name"`
	Smart     bool   `json:"smart"`
	// Criteria holds the smart-playlist filter. Its schema is owned by the
	// UI layer; the catalog stores it as opaque bytes.
	Criteria []byte `json:"criteria,omitempty"`

	Books []*PlaylistBook `bun:"rel:has-many,join:id=playlist_id" json:"books,omitempty"`
}

type PlaylistBook struct {
	bun.BaseModel `bun:"table:playlist_books,alias:plb"`

	PlaylistID string `bun:",pk" json:"playlist_id"`
	BookID     string `bun:",pk" json:"book_id"`
	Sequence   int    `bun:",notnull" json:"sequence"`
}
