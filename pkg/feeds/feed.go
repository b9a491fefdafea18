package feeds

import (
	"sort"
	"strings"
	"time"
)

// Kind identifies the feed dialect a document was parsed from.
type Kind string

const (
	KindRSS  Kind = "rss"
	KindAtom Kind = "atom"
)

// Feed is the normalized model both RSS 2.0 and Atom 1.0 decode into.
type Feed struct {
	Kind        Kind
	Title       string
	Description *string
	URL         *string
	Language    *string
	Items       []Item
}

// Item is a single entry or episode in a feed.
type Item struct {
	Title       string
	Description *string
	URL         *string
	Author      *string
	GUID        *string
	Published   *time.Time
	Enclosure   *Enclosure
}

// Enclosure is an item's attached media reference.
type Enclosure struct {
	URL      string
	MimeType *string
	Length   *int64
}

// IsAudio reports whether the enclosure declares an audio MIME type.
func (e *Enclosure) IsAudio() bool {
	return e.MimeType != nil && strings.HasPrefix(*e.MimeType, "audio/")
}

// AudioURL returns the enclosure URL when the item carries one.
func (it *Item) AudioURL() string {
	if it.Enclosure == nil {
		return ""
	}
	return it.Enclosure.URL
}

// HasAudio reports whether the item has an audio enclosure.
func (it *Item) HasAudio() bool {
	return it.Enclosure != nil && it.Enclosure.IsAudio()
}

// AudioItems returns the items whose enclosure MIME type starts with audio/.
func (f *Feed) AudioItems() []Item {
	items := make([]Item, 0, len(f.Items))
	for _, it := range f.Items {
		if it.HasAudio() {
			items = append(items, it)
		}
	}
	return items
}

// SortByDate orders items newest first. Items with no published date sort
// last and keep their relative order.
func (f *Feed) SortByDate() {
	sort.SliceStable(f.Items, func(i, j int) bool {
		a, b := f.Items[i].Published, f.Items[j].Published
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
