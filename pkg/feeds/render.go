package feeds

import (
	"encoding/xml"
	"time"

	"github.com/pkg/errors"
)

type rssEnclosure struct {
	XMLName xml.Name `xml:"enclosure"`
	URL     string   `xml:"url,attr"`
	Type    *string  `xml:"type,attr,omitempty"`
	Length  *int64   `xml:"length,attr,omitempty"`
}

type rssItem struct {
	XMLName     xml.Name      `xml:"item"`
	Title       string        `xml:"title"`
	Description *string       `xml:"description,omitempty"`
	Link        *string       `xml:"link,omitempty"`
	Author      *string       `xml:"author,omitempty"`
	GUID        *string       `xml:"guid,omitempty"`
	PubDate     *string       `xml:"pubDate,omitempty"`
	Enclosure   *rssEnclosure `xml:"enclosure,omitempty"`
}

type rssChannel struct {
	Title       string    `xml:"title"`
	Description *string   `xml:"description,omitempty"`
	Link        *string   `xml:"link,omitempty"`
	Language    *string   `xml:"language,omitempty"`
	Items       []rssItem `xml:"item"`
}

type rssDoc struct {
	XMLName xml.Name   `xml:"rss"`
	Version string     `xml:"version,attr"`
	Channel rssChannel `xml:"channel"`
}

// Render serializes the normalized feed back to RSS 2.0. It is the inverse
// of Parse for the fields the item model carries.
func (f *Feed) Render() (string, error) {
	doc := rssDoc{
		Version: "2.0",
		Channel: rssChannel{
			Title:       f.Title,
			Description: f.Description,
			Link:        f.URL,
			Language:    f.Language,
		},
	}
	for _, it := range f.Items {
		item := rssItem{
			Title:       it.Title,
			Description: it.Description,
			Link:        it.URL,
			Author:      it.Author,
			GUID:        it.GUID,
		}
		if it.Published != nil {
			formatted := it.Published.UTC().Format(time.RFC1123Z)
			item.PubDate = &formatted
		}
		if it.Enclosure != nil {
			item.Enclosure = &rssEnclosure{
				URL:    it.Enclosure.URL,
				Type:   it.Enclosure.MimeType,
				Length: it.Enclosure.Length,
			}
		}
		doc.Channel.Items = append(doc.Channel.Items, item)
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.WithStack(err)
	}
	return xml.Header + string(data), nil
}
