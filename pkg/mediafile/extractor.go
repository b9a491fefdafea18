package mediafile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/mp4"
	"github.com/dhowden/tag"
)

// Extract probes the audio file at path and returns its metadata. It
// dispatches on the canonicalized extension, reads tag frames for the
// descriptive fields, and measures duration from the audio stream rather
// than trusting any tag. The file is never written to.
func Extract(path string) (*Metadata, error) {
	format, ok := FormatForPath(path)
	if !ok {
		return nil, errcodes.Unsupported(filepath.Ext(path))
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, errcodes.NotFound(path)
		}
		return nil, errcodes.Corrupted(path + ": " + err.Error())
	}

	var meta *Metadata
	var err error
	switch format {
	case FormatM4A, FormatM4B:
		meta, err = extractMP4(path)
	default:
		meta, err = extractTagged(path, format)
	}
	if err != nil {
		return nil, err
	}

	if meta.Title == "" {
		meta.Title = titleFromFilename(path)
	}
	return meta, nil
}

// extractMP4 handles m4a/m4b containers, which carry their own tag dialect,
// chapter table, and cover art.
func extractMP4(path string) (*Metadata, error) {
	info, err := mp4.Probe(path)
	if err != nil {
		return nil, errcodes.Corrupted(path + ": " + err.Error())
	}

	meta := &Metadata{
		Title:      info.Title,
		DurationMs: info.Duration.Milliseconds(),
		SampleRate: info.SampleRate,
		Channels:   info.Channels,
		Codec:      info.Codec,
		CoverData:  info.CoverData,
		CoverMime:  info.CoverMime,
	}
	if info.BitrateBps > 0 {
		bitrate := info.BitrateBps
		meta.BitrateBps = &bitrate
	}
	if info.Artist != "" {
		meta.Author = strptr(info.Artist)
	} else if info.Writer != "" {
		meta.Author = strptr(info.Writer)
	}
	if info.Narrator != "" {
		meta.Narrator = strptr(info.Narrator)
	}
	if info.Album != "" && info.Album != info.Title {
		meta.Series = strptr(info.Album)
	}
	if info.Description != "" {
		meta.Description = strptr(info.Description)
	}
	if info.Publisher != "" {
		meta.Publisher = strptr(info.Publisher)
	}
	if info.Year != "" {
		meta.Year = strptr(info.Year)
	}

	for _, ch := range info.Chapters {
		meta.Chapters = append(meta.Chapters, ChapterInfo{
			Title:   ch.Title,
			StartMs: ch.Start.Milliseconds(),
			EndMs:   ch.End.Milliseconds(),
		})
	}

	return meta, nil
}

// extractTagged handles every non-MP4 format: tags come from the tag frames
// (Vorbis comments before ID3v2 before ID3v1, which is the reader's own
// preference order), stream properties from a per-format probe.
func extractTagged(path string, format Format) (*Metadata, error) {
	meta := &Metadata{}

	props, err := probeStream(path, format)
	if err != nil {
		return nil, err
	}
	meta.DurationMs = props.durationMs
	meta.SampleRate = props.sampleRate
	meta.Channels = props.channels
	meta.Codec = props.codec
	if props.bitsPerSample > 0 {
		bits := props.bitsPerSample
		meta.BitsPerSample = &bits
	}
	if props.bitrateBps > 0 {
		bitrate := props.bitrateBps
		meta.BitrateBps = &bitrate
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, errcodes.Corrupted(path + ": " + err.Error())
	}
	defer f.Close()

	m, err := tag.ReadFrom(f)
	if err != nil {
		// A stream without tag frames is still importable; the descriptive
		// fields just stay empty.
		return meta, nil
	}

	if m.Title() != "" {
		meta.Title = m.Title()
	}
	if m.Artist() != "" {
		meta.Author = strptr(m.Artist())
	}
	if m.Composer() != "" {
		meta.Narrator = strptr(m.Composer())
	} else if m.AlbumArtist() != "" {
		meta.Narrator = strptr(m.AlbumArtist())
	}
	if m.Album() != "" && m.Album() != m.Title() {
		meta.Series = strptr(m.Album())
		if track, _ := m.Track(); track > 0 {
			number := float64(track)
			meta.SeriesNumber = &number
		}
	}
	if m.Comment() != "" {
		meta.Description = strptr(m.Comment())
	}
	if m.Year() > 0 {
		year := strconv.Itoa(m.Year())
		meta.Year = &year
	}
	if pic := m.Picture(); pic != nil {
		meta.CoverData = pic.Data
		meta.CoverMime = pic.MIMEType
	}

	return meta, nil
}

// titleFromFilename is the fallback title: the filename stem with separator
// noise cleaned up.
func titleFromFilename(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.ReplaceAll(stem, "_", " ")
	return strings.TrimSpace(stem)
}

func strptr(s string) *string {
	return &s
}
