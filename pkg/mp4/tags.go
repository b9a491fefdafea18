package mp4

import (
	"bytes"
	"unicode/utf16"

	gomp4 "github.com/abema/go-mp4"
)

// iTunes data atom payload types.
const (
	dataTypeUTF8    = 1
	dataTypeUTF16BE = 2
	dataTypeJPEG    = 13
	dataTypePNG     = 14
)

// iTunes metadata atom names. The leading 0xA9 is the MacRoman copyright
// sign.
var (
	atomTitle       = [4]byte{0xA9, 'n', 'a', 'm'}
	atomArtist      = [4]byte{0xA9, 'A', 'R', 'T'}
	atomAlbum       = [4]byte{0xA9, 'a', 'l', 'b'}
	atomComposer    = [4]byte{0xA9, 'c', 'm', 'p'}
	atomWriter      = [4]byte{0xA9, 'w', 'r', 't'}
	atomYear        = [4]byte{0xA9, 'd', 'a', 'y'}
	atomNarrator    = [4]byte{0xA9, 'n', 'r', 't'}
	atomCover       = [4]byte{'c', 'o', 'v', 'r'}
	atomDescription = [4]byte{'d', 'e', 's', 'c'}
	atomPublisher   = [4]byte{0xA9, 'p', 'u', 'b'}
)

var tagAtoms = [][4]byte{
	atomTitle, atomArtist, atomAlbum, atomComposer, atomWriter, atomYear,
	atomNarrator, atomCover, atomDescription, atomPublisher,
}

func isTagAtom(boxType gomp4.BoxType) bool {
	for _, a := range tagAtoms {
		if boxType == gomp4.BoxType(a) {
			return true
		}
	}
	return false
}

func readTagAtom(h *gomp4.ReadHandle, info *Info) (interface{}, error) {
	data, err := readBoxData(h)
	if err != nil {
		return nil, err
	}
	// The tag atom wraps a data box: [size][`data`][1 byte version]
	// [3 bytes type][4 bytes locale][payload].
	payload, dataType, ok := unwrapDataBox(data)
	if !ok {
		return nil, nil
	}

	switch h.BoxInfo.Type {
	case gomp4.BoxType(atomCover):
		// Containers can embed several covers; the largest image wins.
		if len(payload) <= len(info.CoverData) {
			return nil, nil
		}
		info.CoverData = payload
		switch dataType {
		case dataTypePNG:
			info.CoverMime = "image/png"
		default:
			info.CoverMime = "image/jpeg"
		}
		return nil, nil
	}

	text := decodeTextPayload(payload, dataType)
	if text == "" {
		return nil, nil
	}

	switch h.BoxInfo.Type {
	case gomp4.BoxType(atomTitle):
		info.Title = text
	case gomp4.BoxType(atomArtist):
		info.Artist = text
	case gomp4.BoxType(atomAlbum):
		info.Album = text
	case gomp4.BoxType(atomComposer), gomp4.BoxType(atomNarrator):
		if info.Narrator == "" {
			info.Narrator = text
		}
	case gomp4.BoxType(atomWriter):
		info.Writer = text
	case gomp4.BoxType(atomYear):
		info.Year = text
	case gomp4.BoxType(atomDescription):
		info.Description = text
	case gomp4.BoxType(atomPublisher):
		info.Publisher = text
	}
	return nil, nil
}

func readBoxData(h *gomp4.ReadHandle) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := h.ReadData(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unwrapDataBox(data []byte) (payload []byte, dataType int, ok bool) {
	// [4 bytes size][4 bytes "data"][1 byte version][3 bytes type]
	// [4 bytes locale][payload]
	if len(data) < 16 || string(data[4:8]) != "data" {
		return nil, 0, false
	}
	dataType = int(data[9])<<16 | int(data[10])<<8 | int(data[11])
	return data[16:], dataType, true
}

func decodeTextPayload(payload []byte, dataType int) string {
	switch dataType {
	case dataTypeUTF8:
		return string(payload)
	case dataTypeUTF16BE:
		if len(payload)%2 != 0 {
			return ""
		}
		codes := make([]uint16, 0, len(payload)/2)
		for i := 0; i+1 < len(payload); i += 2 {
			codes = append(codes, uint16(payload[i])<<8|uint16(payload[i+1]))
		}
		return string(utf16.Decode(codes))
	default:
		return ""
	}
}

// esdsAvgBitrate pulls the average bitrate out of the DecoderConfigDescriptor
// (tag 0x04) in a raw esds payload.
func esdsAvgBitrate(data []byte) uint32 {
	for i := 0; i < len(data)-15; i++ {
		if data[i] != 0x04 {
			continue
		}
		offset := skipDescriptorHeader(data, i)
		if offset < 0 || offset+13 > len(data) {
			continue
		}
		// objectTypeIndication (1) + streamType (1) + bufferSizeDB (3) +
		// maxBitrate (4), then avgBitrate (4).
		avg := offset + 9
		return uint32(data[avg])<<24 | uint32(data[avg+1])<<16 |
			uint32(data[avg+2])<<8 | uint32(data[avg+3])
	}
	return 0
}

// esdsCodec names the audio codec from the esds object type, distinguishing
// the common AAC profiles.
func esdsCodec(data []byte) string {
	objectType := byte(0)
	for i := 0; i < len(data)-2; i++ {
		if data[i] == 0x04 {
			offset := skipDescriptorHeader(data, i)
			if offset >= 0 && offset < len(data) {
				objectType = data[offset]
			}
			break
		}
	}

	switch objectType {
	case 0x66:
		return "MPEG-2 AAC Main"
	case 0x67:
		return "MPEG-2 AAC-LC"
	case 0x69, 0x6B:
		return "MP3"
	case 0x40:
		return "AAC"
	default:
		return ""
	}
}

// skipDescriptorHeader returns the offset past a descriptor's tag byte and
// its expandable-class size bytes, or -1 when truncated.
func skipDescriptorHeader(data []byte, tagOffset int) int {
	offset := tagOffset + 1
	for offset < len(data) && (data[offset]&0x80) != 0 {
		offset++
	}
	if offset >= len(data) {
		return -1
	}
	return offset + 1
}
