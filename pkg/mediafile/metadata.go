package mediafile

import (
	"path/filepath"
	"strings"
)

// Format identifies a supported audio container by its canonical extension.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatM4A  Format = "m4a"
	FormatM4B  Format = "m4b"
	FormatFLAC Format = "flac"
	FormatOpus Format = "opus"
	FormatOgg  Format = "ogg"
	FormatAAC  Format = "aac"
	FormatWMA  Format = "wma"
	FormatWAV  Format = "wav"
	FormatAIFF Format = "aiff"
	FormatAPE  Format = "ape"
	FormatWV   Format = "wv"
)

// SupportedExtensions is the extension set the library accepts, lowercased
// and without the leading dot.
var SupportedExtensions = map[string]Format{
	"mp3":  FormatMP3,
	"m4a":  FormatM4A,
	"m4b":  FormatM4B,
	"flac": FormatFLAC,
	"opus": FormatOpus,
	"ogg":  FormatOgg,
	"aac":  FormatAAC,
	"wma":  FormatWMA,
	"wav":  FormatWAV,
	"aiff": FormatAIFF,
	"aif":  FormatAIFF,
	"ape":  FormatAPE,
	"wv":   FormatWV,
}

// FormatForPath maps a path to its format by extension, case-insensitively.
func FormatForPath(path string) (Format, bool) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	format, ok := SupportedExtensions[ext]
	return format, ok
}

// IsSupported reports whether the path has a supported audio extension.
func IsSupported(path string) bool {
	_, ok := FormatForPath(path)
	return ok
}

// ChapterInfo is one chapter from a container's chapter table. Spans are
// half-open [StartMs, EndMs).
type ChapterInfo struct {
	Title   string
	StartMs int64
	EndMs   int64
}

// Metadata is the result of probing one audio file. Missing tags are nil,
// never errors.
type Metadata struct {
	Title         string
	Author        *string
	Narrator      *string
	Series        *string
	SeriesNumber  *float64
	Description   *string
	Publisher     *string
	Year          *string
	DurationMs    int64
	SampleRate    int
	Channels      int
	BitsPerSample *int
	BitrateBps    *int
	Codec         string
	CoverData     []byte
	CoverMime     string
	Chapters      []ChapterInfo
}

// Capabilities describes what a format can carry.
type Capabilities struct {
	Lossless        bool
	EmbeddedChapter bool
	EmbeddedCover   bool
}

// FormatCapabilities returns the capability report for a format.
func FormatCapabilities(format Format) Capabilities {
	switch format {
	case FormatFLAC, FormatWAV, FormatAIFF, FormatAPE, FormatWV:
		return Capabilities{Lossless: true, EmbeddedCover: format == FormatFLAC || format == FormatAPE || format == FormatWV}
	case FormatM4A, FormatM4B:
		return Capabilities{EmbeddedChapter: true, EmbeddedCover: true}
	case FormatMP3, FormatOgg, FormatOpus, FormatWMA:
		return Capabilities{EmbeddedCover: true}
	default:
		return Capabilities{}
	}
}
