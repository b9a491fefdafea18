package feeds

import (
	"encoding/xml"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
)

// rssDateLayouts are the RFC 2822 shapes seen in real RSS feeds, most common
// first.
var rssDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 MST",
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
}

// Parse decodes a UTF-8 RSS 2.0 or Atom 1.0 document into the normalized
// feed model. The decode is single-pass and streaming; memory scales with
// item count, not document size.
func Parse(content string) (*Feed, error) {
	dec := newDecoder(content)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, errcodes.Corrupted("document has no root element")
		}
		if err != nil {
			return nil, errcodes.Corrupted("invalid XML: " + err.Error())
		}

		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch se.Name.Local {
		case "rss":
			return parseRSS(dec)
		case "feed":
			return parseAtom(dec)
		default:
			return nil, errcodes.Unsupported("feed root element <" + se.Name.Local + ">")
		}
	}
}

func newDecoder(content string) *xml.Decoder {
	dec := xml.NewDecoder(strings.NewReader(content))
	dec.Strict = false
	dec.Entity = xml.HTMLEntity
	return dec
}

func parseRSS(dec *xml.Decoder) (*Feed, error) {
	feed := &Feed{Kind: KindRSS}
	var item *Item
	var text string
	// The channel's <image> block carries its own title and link; nothing
	// inside it maps to the feed header.
	var inImage bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errcodes.Corrupted("invalid XML: " + err.Error())
		}

		switch t := tok.(type) {
		case xml.StartElement:
			text = ""
			if t.Name.Space != "" {
				continue
			}
			switch t.Name.Local {
			case "item":
				item = &Item{}
			case "image":
				inImage = true
			case "enclosure":
				if item != nil && item.Enclosure == nil {
					if enc := parseEnclosure(t); enc != nil {
						item.Enclosure = enc
					}
				}
			}
		case xml.CharData:
			// Entity expansion splits text into several CharData tokens.
			text += string(t)
		case xml.EndElement:
			if t.Name.Space != "" {
				text = ""
				continue
			}
			value := strings.TrimSpace(text)
			switch {
			case t.Name.Local == "item":
				if item != nil {
					feed.Items = append(feed.Items, *item)
					item = nil
				}
			case t.Name.Local == "image":
				inImage = false
			case item != nil:
				assignRSSItemField(item, t.Name.Local, value)
			case !inImage:
				assignRSSFeedField(feed, t.Name.Local, value)
			}
			text = ""
		}
	}

	if feed.Title == "" {
		return nil, errcodes.MissingField("title")
	}
	return feed, nil
}

func assignRSSItemField(item *Item, name, value string) {
	if value == "" {
		return
	}
	switch name {
	case "title":
		item.Title = value
	case "description":
		item.Description = &value
	case "link":
		item.URL = &value
	case "author":
		item.Author = &value
	case "guid":
		item.GUID = &value
	case "pubDate":
		// Malformed dates never abort the parse; they stay unset.
		item.Published = parseRSSDate(value)
	}
}

func assignRSSFeedField(feed *Feed, name, value string) {
	if value == "" {
		return
	}
	switch name {
	case "title":
		if feed.Title == "" {
			feed.Title = value
		}
	case "description":
		if feed.Description == nil {
			feed.Description = &value
		}
	case "link":
		if feed.URL == nil {
			feed.URL = &value
		}
	case "language":
		feed.Language = &value
	}
}

func parseEnclosure(se xml.StartElement) *Enclosure {
	enc := &Enclosure{}
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "url":
			enc.URL = attr.Value
		case "type":
			v := attr.Value
			enc.MimeType = &v
		case "length":
			if n, err := strconv.ParseInt(attr.Value, 10, 64); err == nil {
				enc.Length = &n
			}
		}
	}
	if enc.URL == "" {
		return nil
	}
	return enc
}

func parseRSSDate(value string) *time.Time {
	for _, layout := range rssDateLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			utc := ts.UTC()
			return &utc
		}
	}
	return nil
}

func parseAtom(dec *xml.Decoder) (*Feed, error) {
	feed := &Feed{Kind: KindAtom}
	var item *Item
	var text string
	var inAuthor bool

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errcodes.Corrupted("invalid XML: " + err.Error())
		}

		switch t := tok.(type) {
		case xml.StartElement:
			text = ""
			switch t.Name.Local {
			case "entry":
				item = &Item{}
			case "author":
				inAuthor = true
			case "link":
				if href := atomLinkHref(t); href != "" {
					if item != nil {
						item.URL = &href
					} else if feed.URL == nil {
						feed.URL = &href
					}
				}
			}
		case xml.CharData:
			text += string(t)
		case xml.EndElement:
			value := strings.TrimSpace(text)
			switch t.Name.Local {
			case "entry":
				if item != nil {
					feed.Items = append(feed.Items, *item)
					item = nil
				}
			case "author":
				inAuthor = false
			case "name":
				if inAuthor && item != nil && value != "" {
					item.Author = &value
				}
			default:
				if item != nil {
					assignAtomItemField(item, t.Name.Local, value)
				} else {
					assignAtomFeedField(feed, t.Name.Local, value)
				}
			}
			text = ""
		}
	}

	if feed.Title == "" {
		return nil, errcodes.MissingField("title")
	}
	return feed, nil
}

func atomLinkHref(se xml.StartElement) string {
	var href, rel string
	for _, attr := range se.Attr {
		switch attr.Name.Local {
		case "href":
			href = attr.Value
		case "rel":
			rel = attr.Value
		}
	}
	// Enclosure links identify media; the canonical URL is the alternate (or
	// unqualified) link.
	if rel != "" && rel != "alternate" {
		return ""
	}
	return href
}

func assignAtomItemField(item *Item, name, value string) {
	if value == "" {
		return
	}
	switch name {
	case "title":
		item.Title = value
	case "summary", "content":
		if item.Description == nil {
			item.Description = &value
		}
	case "id":
		item.GUID = &value
	case "published":
		item.Published = parseAtomDate(value)
	case "updated":
		if item.Published == nil {
			item.Published = parseAtomDate(value)
		}
	}
}

func assignAtomFeedField(feed *Feed, name, value string) {
	if value == "" {
		return
	}
	switch name {
	case "title":
		if feed.Title == "" {
			feed.Title = value
		}
	case "subtitle":
		feed.Description = &value
	}
}

func parseAtomDate(value string) *time.Time {
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		utc := ts.UTC()
		return &utc
	}
	return nil
}
