package models

import (
	"database/sql/driver"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

// NowMillis returns the current time as a millisecond Unix epoch. All
// timestamps in the catalog are stored this way.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// TagList is a JSON-encoded string array stored in a TEXT column.
type TagList []string

func (t TagList) Value() (driver.Value, error) {
	if t == nil {
		t = TagList{}
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return string(data), nil
}

func (t *TagList) Scan(src interface{}) error {
	if src == nil {
		*t = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return errors.Errorf("cannot scan %T into TagList", src)
	}
	if len(data) == 0 {
		*t = nil
		return nil
	}
	return errors.WithStack(json.Unmarshal(data, t))
}

type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID            string   `bun:",pk,nullzero" json:"id"`
	CreatedAt     int64    `json:"created_at"`
	UpdatedAt     int64    `json:"updated_at"`
	Title         string   `bun:",nullzero" json:"title"`
	Author        *string  `json:"author"`
	Narrator      *string  `json:"narrator"`
	Series        *string  `json:"series"`
	SeriesNumber  *float64 `json:"series_number"`
	Language      *string  `json:"language"`
	Description   *string  `json:"description"`
	Publisher     *string  `json:"publisher"`
	PublishedDate *string  `json:"published_date"`
	ISBN          *string  `bun:"isbn" json:"isbn"`
	DurationMs    int64    `json:"duration_ms"`
	Filepath      string   `bun:",nullzero" json:"filepath"`
	FilesizeBytes int64    `json:"filesize_bytes"`
	CoverPath     *string  `json:"cover_path"`
	AddedAt       int64    `json:"added_at"`
	LastPlayedAt  *int64   `json:"last_played_at"`
	PlayCount     int      `json:"play_count"`
	Favorite      bool     `json:"favorite"`
	Rating        *int     `json:"rating"`
	Tags          TagList  `bun:"tags,type:text" json:"tags"`
	DeletedAt     *int64   `json:"deleted_at,omitempty"`

	Chapters []*Chapter `bun:"rel:has-many,join:id=book_id" json:"chapters,omitempty"`
}

// Deleted reports whether the book carries a soft-delete tombstone.
func (b *Book) Deleted() bool {
	return b.DeletedAt != nil
}

// MarkPlayed bumps the play count and the last-played timestamp.
func (b *Book) MarkPlayed() {
	b.PlayCount++
	now := NowMillis()
	b.LastPlayedAt = &now
}
