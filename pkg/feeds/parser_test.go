package feeds

import (
	"testing"
	"time"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_EmptyRSSChannel(t *testing.T) {
	t.Parallel()

	feed, err := Parse(`<rss version="2.0"><channel><title>T</title></channel></rss>`)
	require.NoError(t, err)

	assert.Equal(t, KindRSS, feed.Kind)
	assert.Equal(t, "T", feed.Title)
	assert.Empty(t, feed.Items)
}

func TestParse_RSSWithItems(t *testing.T) {
	t.Parallel()

	feed, err := Parse(`<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <title>Test Feed</title>
    <description>A test feed</description>
    <link>http://example.com</link>
    <language>en</language>
    <item>
      <title>Episode 1</title>
      <description>First episode</description>
      <author>someone@example.com</author>
      <guid>ep-1</guid>
      <pubDate>Mon, 02 Jan 2006 15:04:05 -0700</pubDate>
      <enclosure url="http://example.com/ep1.mp3" type="audio/mpeg" length="1000"/>
    </item>
    <item>
      <title>Episode 2</title>
    </item>
  </channel>
</rss>`)
	require.NoError(t, err)

	require.Len(t, feed.Items, 2)
	assert.Equal(t, "Test Feed", feed.Title)
	require.NotNil(t, feed.Description)
	assert.Equal(t, "A test feed", *feed.Description)
	require.NotNil(t, feed.Language)
	assert.Equal(t, "en", *feed.Language)

	ep1 := feed.Items[0]
	assert.Equal(t, "Episode 1", ep1.Title)
	require.NotNil(t, ep1.GUID)
	assert.Equal(t, "ep-1", *ep1.GUID)
	require.NotNil(t, ep1.Published)
	assert.Equal(t, 2006, ep1.Published.Year())
	require.NotNil(t, ep1.Enclosure)
	assert.Equal(t, "http://example.com/ep1.mp3", ep1.AudioURL())
	require.NotNil(t, ep1.Enclosure.Length)
	assert.Equal(t, int64(1000), *ep1.Enclosure.Length)
	assert.True(t, ep1.HasAudio())

	assert.False(t, feed.Items[1].HasAudio())
}

func TestParse_RSSExpandedEnclosure(t *testing.T) {
	t.Parallel()

	feed, err := Parse(`<rss version="2.0"><channel><title>T</title>
		<item><title>E</title><enclosure url="http://example.com/a.mp3" type="audio/mpeg" length="5"></enclosure></item>
	</channel></rss>`)
	require.NoError(t, err)
	require.Len(t, feed.Items, 1)
	require.NotNil(t, feed.Items[0].Enclosure)
	assert.Equal(t, "http://example.com/a.mp3", feed.Items[0].Enclosure.URL)
}

func TestParse_AudioItemsFilter(t *testing.T) {
	t.Parallel()

	feed, err := Parse(`<rss version="2.0"><channel><title>T</title>
		<item><title>Audio</title><enclosure url="http://example.com/a.mp3" type="audio/mpeg"/></item>
		<item><title>Page</title><enclosure url="http://example.com/a.html" type="text/html"/></item>
	</channel></rss>`)
	require.NoError(t, err)

	audio := feed.AudioItems()
	require.Len(t, audio, 1)
	assert.Equal(t, "Audio", audio[0].Title)
}

func TestParse_Atom(t *testing.T) {
	t.Parallel()

	feed, err := Parse(`<?xml version="1.0"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Atom Feed</title>
  <subtitle>Sub</subtitle>
  <link href="http://example.com/"/>
  <entry>
    <title>Entry 1</title>
    <summary>Summary</summary>
    <link href="http://example.com/1"/>
    <id>urn:1</id>
    <published>2024-03-01T10:00:00Z</published>
    <author><name>Jane</name></author>
  </entry>
</feed>`)
	require.NoError(t, err)

	assert.Equal(t, KindAtom, feed.Kind)
	assert.Equal(t, "Atom Feed", feed.Title)
	require.NotNil(t, feed.Description)
	assert.Equal(t, "Sub", *feed.Description)
	require.NotNil(t, feed.URL)
	assert.Equal(t, "http://example.com/", *feed.URL)

	require.Len(t, feed.Items, 1)
	entry := feed.Items[0]
	assert.Equal(t, "Entry 1", entry.Title)
	require.NotNil(t, entry.URL)
	assert.Equal(t, "http://example.com/1", *entry.URL)
	require.NotNil(t, entry.GUID)
	assert.Equal(t, "urn:1", *entry.GUID)
	require.NotNil(t, entry.Author)
	assert.Equal(t, "Jane", *entry.Author)
	require.NotNil(t, entry.Published)
	assert.Equal(t, time.March, entry.Published.Month())
}

func TestParse_UnsupportedRoot(t *testing.T) {
	t.Parallel()

	_, err := Parse(`<html><body>nope</body></html>`)
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindUnsupported))
}

func TestParse_NotXML(t *testing.T) {
	t.Parallel()

	_, err := Parse("not xml at all")
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindCorrupted))
}

func TestParse_MissingTitle(t *testing.T) {
	t.Parallel()

	_, err := Parse(`<rss version="2.0"><channel><description>No title</description></channel></rss>`)
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindCorrupted))
}

func TestParse_MalformedDateIsNil(t *testing.T) {
	t.Parallel()

	feed, err := Parse(`<rss version="2.0"><channel><title>T</title>
		<item><title>E</title><pubDate>yesterday-ish</pubDate></item>
	</channel></rss>`)
	require.NoError(t, err)
	require.Len(t, feed.Items, 1)
	assert.Nil(t, feed.Items[0].Published)
}

func TestParse_ExpandsHTMLEntities(t *testing.T) {
	t.Parallel()

	feed, err := Parse(`<rss version="2.0"><channel><title>Tom &amp; Jerry &hellip;</title></channel></rss>`)
	require.NoError(t, err)
	assert.Contains(t, feed.Title, "Tom & Jerry")
}

func TestSortByDate(t *testing.T) {
	t.Parallel()

	d1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	feed := &Feed{
		Kind:  KindRSS,
		Title: "T",
		Items: []Item{
			{Title: "old", Published: &d1},
			{Title: "undated-a"},
			{Title: "new", Published: &d2},
			{Title: "undated-b"},
		},
	}

	feed.SortByDate()

	assert.Equal(t, "new", feed.Items[0].Title)
	assert.Equal(t, "old", feed.Items[1].Title)
	// Undated items sort last, original order preserved.
	assert.Equal(t, "undated-a", feed.Items[2].Title)
	assert.Equal(t, "undated-b", feed.Items[3].Title)
}

func TestRenderParse_RoundTrip(t *testing.T) {
	t.Parallel()

	published := time.Date(2024, 5, 20, 8, 30, 0, 0, time.UTC)
	mime := "audio/mpeg"
	length := int64(123456)
	desc := "An episode"
	link := "http://example.com/ep"
	author := "host@example.com"
	guid := "guid-1"
	lang := "en"

	original := &Feed{
		Kind:     KindRSS,
		Title:    "Round Trip",
		Language: &lang,
		Items: []Item{{
			Title:       "Episode",
			Description: &desc,
			URL:         &link,
			Author:      &author,
			GUID:        &guid,
			Published:   &published,
			Enclosure:   &Enclosure{URL: "http://example.com/ep.mp3", MimeType: &mime, Length: &length},
		}},
	}

	rendered, err := original.Render()
	require.NoError(t, err)

	parsed, err := Parse(rendered)
	require.NoError(t, err)

	assert.Equal(t, original.Kind, parsed.Kind)
	assert.Equal(t, original.Title, parsed.Title)
	require.Len(t, parsed.Items, 1)
	assert.Equal(t, original.Items[0].Title, parsed.Items[0].Title)
	assert.Equal(t, *original.Items[0].Description, *parsed.Items[0].Description)
	assert.Equal(t, *original.Items[0].GUID, *parsed.Items[0].GUID)
	require.NotNil(t, parsed.Items[0].Published)
	assert.True(t, original.Items[0].Published.Equal(*parsed.Items[0].Published))
	require.NotNil(t, parsed.Items[0].Enclosure)
	assert.Equal(t, original.Items[0].Enclosure.URL, parsed.Items[0].Enclosure.URL)
	assert.Equal(t, *original.Items[0].Enclosure.Length, *parsed.Items[0].Enclosure.Length)
}
