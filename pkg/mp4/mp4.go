// Package mp4 probes MPEG-4 audio containers (m4a, m4b, mp4) for the stream
// properties, iTunes-style tags, cover art, and chapter table the catalog
// needs. It never writes to the file.
package mp4

import (
	"io"
	"os"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"
)

// Chapter is one entry from the container's chapter table. Start and End are
// offsets from the beginning of the stream. readChapters leaves End zero;
// Probe fills it from the next chapter's Start and closes the last chapter at
// the stream duration.
type Chapter struct {
	Title string
	Start time.Duration
	End   time.Duration
}

// Info is everything a probe extracts from one container.
type Info struct {
	Duration   time.Duration
	SampleRate int
	Channels   int
	BitrateBps int
	Codec      string

	Title       string
	Artist      string
	Album       string
	Narrator    string
	Writer      string
	Description string
	Year        string
	Publisher   string

	CoverData []byte
	CoverMime string

	Chapters []Chapter
}

// Probe reads stream properties, tags, and chapters from the file at path.
func Probe(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	info, err := readInfo(f)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}
	// A container without a chapter table is still a valid audiobook.
	chapters, _ := readChapters(f)
	info.Chapters = clampChapterEnds(chapters, info.Duration)

	return info, nil
}

// clampChapterEnds fills each chapter's End from the next chapter's Start and
// closes the final chapter at the stream duration.
func clampChapterEnds(chapters []Chapter, total time.Duration) []Chapter {
	for i := range chapters {
		if i < len(chapters)-1 {
			chapters[i].End = chapters[i+1].Start
		} else if total > chapters[i].Start {
			chapters[i].End = total
		}
	}
	return chapters
}

var (
	boxTypeMoov = gomp4.BoxTypeMoov()
	boxTypeMvhd = gomp4.BoxTypeMvhd()
	boxTypeTrak = gomp4.BoxTypeTrak()
	boxTypeMdia = gomp4.BoxTypeMdia()
	boxTypeMinf = gomp4.BoxTypeMinf()
	boxTypeStbl = gomp4.BoxTypeStbl()
	boxTypeStsd = gomp4.BoxTypeStsd()
	boxTypeMp4a = gomp4.BoxTypeMp4a()
	boxTypeEsds = gomp4.BoxTypeEsds()
	boxTypeUdta = gomp4.BoxTypeUdta()
	boxTypeMeta = gomp4.BoxTypeMeta()
	boxTypeIlst = gomp4.BoxTypeIlst()
	boxTypeChpl = gomp4.StrToBoxType("chpl")
	boxTypeTref = gomp4.StrToBoxType("tref")
)

func readInfo(r io.ReadSeeker) (*Info, error) {
	info := &Info{}

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case boxTypeMoov, boxTypeTrak, boxTypeMdia, boxTypeMinf, boxTypeStbl,
			boxTypeStsd, boxTypeUdta, boxTypeMeta, boxTypeIlst:
			return h.Expand()

		case boxTypeMvhd:
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if mvhd, ok := payload.(*gomp4.Mvhd); ok {
				timescale := mvhd.Timescale
				if timescale == 0 {
					timescale = 1000
				}
				duration := uint64(mvhd.DurationV0)
				if mvhd.Version == 1 {
					duration = mvhd.DurationV1
				}
				info.Duration = time.Duration(float64(duration) / float64(timescale) * float64(time.Second))
			}
			return nil, nil

		case boxTypeMp4a:
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if entry, ok := payload.(*gomp4.AudioSampleEntry); ok {
				info.Channels = int(entry.ChannelCount)
				// SampleRate is 16.16 fixed point.
				info.SampleRate = int(entry.SampleRate >> 16)
			}
			return h.Expand()

		case boxTypeEsds:
			data, err := readBoxData(h)
			if err != nil {
				return nil, err
			}
			info.BitrateBps = int(esdsAvgBitrate(data))
			info.Codec = esdsCodec(data)
			return nil, nil

		default:
			if isTagAtom(h.BoxInfo.Type) {
				return readTagAtom(h, info)
			}
			return nil, nil
		}
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if info.Codec == "" {
		info.Codec = "AAC"
	}
	return info, nil
}
