package models

import "github.com/uptrace/bun"

type Bookmark struct {
	bun.BaseModel `bun:"table:bookmarks,alias:bm"`

	ID         string  `bun:",pk,nullzero" json:"id"`
	CreatedAt  int64   `json:"created_at"`
	UpdatedAt  int64   `json:"updated_at"`
	BookID     string  `bun:",notnull" json:"book_id"`
	PositionMs int64   `bun:",notnull" json:"position_ms"`
	Title      *string `json:"title"`
	Note       *string `json:"note"`

	Book *Book `bun:"rel:belongs-to,join:book_id=id" json:"-"`
}
