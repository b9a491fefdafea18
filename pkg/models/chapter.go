package models

import "github.com/uptrace/bun"

type Chapter struct {
	bun.BaseModel `bun:"table:chapters,alias:ch"`

	ID        int64  `bun:",pk,autoincrement" json:"id"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	BookID    string `bun:",notnull" json:"book_id"`
	Idx       int    `bun:"idx,notnull" json:"idx"`
	Title     string `bun:",notnull" json:"title"`
	StartMs   int64  `bun:",notnull" json:"start_ms"`
	EndMs     int64  `bun:",notnull" json:"end_ms"`

	Book *Book `bun:"rel:belongs-to,join:book_id=id" json:"-"`
}

// DurationMs returns the chapter length. Chapters span [StartMs, EndMs).
func (c *Chapter) DurationMs() int64 {
	return c.EndMs - c.StartMs
}

// Contains reports whether the position falls inside this chapter.
func (c *Chapter) Contains(positionMs int64) bool {
	return positionMs >= c.StartMs && positionMs < c.EndMs
}
