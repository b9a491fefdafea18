package mp4

import (
	"encoding/binary"
	"io"
	"time"

	gomp4 "github.com/abema/go-mp4"
	"github.com/pkg/errors"
)

// readChapters reads the container's chapter table. QuickTime text-track
// chapters win over Nero chpl chapters when both are present.
func readChapters(r io.ReadSeeker) ([]Chapter, error) {
	chapters, err := readQuickTimeChapters(r)
	if err == nil && len(chapters) > 0 {
		return chapters, nil
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}
	return readNeroChapters(r)
}

// readNeroChapters reads the moov/udta/chpl chapter list.
func readNeroChapters(r io.ReadSeeker) ([]Chapter, error) {
	var chplData []byte

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case boxTypeMoov, boxTypeUdta:
			return h.Expand()
		case boxTypeChpl:
			data, err := readBoxData(h)
			if err != nil {
				return nil, err
			}
			chplData = data
			return nil, nil
		default:
			return nil, nil
		}
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if len(chplData) < 8 {
		return nil, nil
	}

	// chpl layout: [1 byte version][3 bytes flags], then for version 0 a
	// 4-byte reserved word and a 4-byte count, for version 1 one reserved
	// byte and a 1-byte count. Entries follow as
	// [8 bytes timestamp, 100ns units][1 byte title length][title].
	version := chplData[0]
	offset := 4
	var count int
	if version == 0 {
		offset += 4
		if len(chplData) < offset+4 {
			return nil, nil
		}
		count = int(binary.BigEndian.Uint32(chplData[offset:]))
		offset += 4
	} else {
		offset++
		if len(chplData) < offset+1 {
			return nil, nil
		}
		count = int(chplData[offset])
		offset++
	}

	var chapters []Chapter
	for i := 0; i < count && offset+9 <= len(chplData); i++ {
		rawTime := binary.BigEndian.Uint64(chplData[offset:])
		titleLen := int(chplData[offset+8])
		offset += 9
		title := ""
		if offset+titleLen <= len(chplData) {
			title = string(chplData[offset : offset+titleLen])
			offset += titleLen
		}
		chapters = append(chapters, Chapter{
			Title: title,
			Start: time.Duration(rawTime) * 100 * time.Nanosecond,
		})
	}

	return chapters, nil
}

// chapterTrack accumulates the sample table of the text track that tref/chap
// points at.
type chapterTrack struct {
	timescale       uint32
	sampleDeltas    []uint32
	sampleSizes     []uint32
	chunkOffsets    []uint64
	samplesPerChunk []stscEntry
}

type stscEntry struct {
	firstChunk      uint32
	samplesPerChunk uint32
}

// readQuickTimeChapters reads chapters stored as a text track referenced via
// tref/chap. One pass finds the chapter track id, a second collects that
// track's sample table, then the chapter titles are read out of mdat.
func readQuickTimeChapters(r io.ReadSeeker) ([]Chapter, error) {
	var chapterTrackID, movieTimescale uint32

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case boxTypeMoov, boxTypeTrak:
			return h.Expand()
		case boxTypeMvhd:
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if mvhd, ok := payload.(*gomp4.Mvhd); ok {
				movieTimescale = mvhd.Timescale
			}
			return nil, nil
		case boxTypeTref:
			data, err := readBoxData(h)
			if err != nil {
				return nil, err
			}
			// tref holds child boxes; chap lists referenced track ids.
			offset := 0
			for offset+8 <= len(data) {
				childSize := int(binary.BigEndian.Uint32(data[offset:]))
				if childSize < 8 || offset+childSize > len(data) {
					break
				}
				if string(data[offset+4:offset+8]) == "chap" && childSize >= 12 {
					chapterTrackID = binary.BigEndian.Uint32(data[offset+8:])
				}
				offset += childSize
			}
			return nil, nil
		default:
			return nil, nil
		}
	})
	if err != nil || chapterTrackID == 0 {
		return nil, err
	}

	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, errors.WithStack(err)
	}

	track, err := readChapterTrack(r, chapterTrackID)
	if err != nil || track == nil || len(track.sampleSizes) == 0 {
		return nil, err
	}

	return readChapterSamples(r, track, movieTimescale), nil
}

func readChapterTrack(r io.ReadSeeker, trackID uint32) (*chapterTrack, error) {
	var track *chapterTrack
	var inChapterTrack bool

	_, err := gomp4.ReadBoxStructure(r, func(h *gomp4.ReadHandle) (interface{}, error) {
		switch h.BoxInfo.Type {
		case boxTypeMoov:
			return h.Expand()
		case boxTypeTrak:
			inChapterTrack = false
			return h.Expand()
		case gomp4.BoxTypeTkhd():
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if tkhd, ok := payload.(*gomp4.Tkhd); ok && tkhd.TrackID == trackID {
				inChapterTrack = true
				track = &chapterTrack{}
			}
			return nil, nil
		case boxTypeMdia, boxTypeMinf, boxTypeStbl:
			if inChapterTrack {
				return h.Expand()
			}
			return nil, nil
		case gomp4.BoxTypeMdhd():
			if !inChapterTrack {
				return nil, nil
			}
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if mdhd, ok := payload.(*gomp4.Mdhd); ok {
				track.timescale = mdhd.Timescale
			}
			return nil, nil
		case gomp4.BoxTypeStts():
			if !inChapterTrack {
				return nil, nil
			}
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if stts, ok := payload.(*gomp4.Stts); ok {
				for _, entry := range stts.Entries {
					for i := uint32(0); i < entry.SampleCount; i++ {
						track.sampleDeltas = append(track.sampleDeltas, entry.SampleDelta)
					}
				}
			}
			return nil, nil
		case gomp4.BoxTypeStsz():
			if !inChapterTrack {
				return nil, nil
			}
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if stsz, ok := payload.(*gomp4.Stsz); ok {
				if stsz.SampleSize > 0 {
					for i := uint32(0); i < stsz.SampleCount; i++ {
						track.sampleSizes = append(track.sampleSizes, stsz.SampleSize)
					}
				} else {
					track.sampleSizes = stsz.EntrySize
				}
			}
			return nil, nil
		case gomp4.BoxTypeStsc():
			if !inChapterTrack {
				return nil, nil
			}
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if stsc, ok := payload.(*gomp4.Stsc); ok {
				for _, entry := range stsc.Entries {
					track.samplesPerChunk = append(track.samplesPerChunk, stscEntry{
						firstChunk:      entry.FirstChunk,
						samplesPerChunk: entry.SamplesPerChunk,
					})
				}
			}
			return nil, nil
		case gomp4.BoxTypeStco():
			if !inChapterTrack {
				return nil, nil
			}
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if stco, ok := payload.(*gomp4.Stco); ok {
				for _, offset := range stco.ChunkOffset {
					track.chunkOffsets = append(track.chunkOffsets, uint64(offset))
				}
			}
			return nil, nil
		case gomp4.BoxTypeCo64():
			if !inChapterTrack {
				return nil, nil
			}
			payload, _, err := h.ReadPayload()
			if err != nil {
				return nil, err
			}
			if co64, ok := payload.(*gomp4.Co64); ok {
				track.chunkOffsets = co64.ChunkOffset
			}
			return nil, nil
		default:
			return nil, nil
		}
	})
	return track, errors.WithStack(err)
}

func readChapterSamples(r io.ReadSeeker, track *chapterTrack, movieTimescale uint32) []Chapter {
	if len(track.chunkOffsets) == 0 || len(track.sampleSizes) == 0 {
		return nil
	}

	timescale := track.timescale
	if timescale == 0 {
		timescale = movieTimescale
	}
	if timescale == 0 {
		timescale = 1000
	}

	offsets := sampleOffsets(track)

	var chapters []Chapter
	var elapsed uint64
	for i, size := range track.sampleSizes {
		if i >= len(offsets) {
			break
		}
		if _, err := r.Seek(int64(offsets[i]), io.SeekStart); err != nil {
			continue
		}
		sample := make([]byte, size)
		if _, err := io.ReadFull(r, sample); err != nil {
			continue
		}

		startSec := float64(elapsed) / float64(timescale)
		chapters = append(chapters, Chapter{
			Title: textSampleTitle(sample),
			Start: time.Duration(startSec * float64(time.Second)),
		})

		if i < len(track.sampleDeltas) {
			elapsed += uint64(track.sampleDeltas[i])
		}
	}

	return chapters
}

// sampleOffsets flattens the chunk table into a per-sample file offset list.
func sampleOffsets(track *chapterTrack) []uint64 {
	offsets := make([]uint64, 0, len(track.sampleSizes))

	sampleIndex := 0
	for chunkIndex, chunkOffset := range track.chunkOffsets {
		chunkNum := uint32(chunkIndex + 1)
		samplesInChunk := uint32(1)
		for _, entry := range track.samplesPerChunk {
			if chunkNum >= entry.firstChunk {
				samplesInChunk = entry.samplesPerChunk
			}
		}

		offset := chunkOffset
		for s := uint32(0); s < samplesInChunk && sampleIndex < len(track.sampleSizes); s++ {
			offsets = append(offsets, offset)
			offset += uint64(track.sampleSizes[sampleIndex])
			sampleIndex++
		}
	}

	return offsets
}

// textSampleTitle decodes a QuickTime text sample:
// [2 bytes length][text][optional style atoms].
func textSampleTitle(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	textLen := int(binary.BigEndian.Uint16(data[0:2]))
	if textLen > len(data)-2 {
		textLen = len(data) - 2
	}
	if textLen <= 0 {
		return ""
	}
	return string(data[2 : 2+textLen])
}
