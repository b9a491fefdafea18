package mediafile

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
)

// streamProps are the measured properties of an audio stream. Duration is
// always measured from the stream itself, never from a tag.
type streamProps struct {
	durationMs    int64
	sampleRate    int
	channels      int
	bitsPerSample int
	bitrateBps    int
	codec         string
}

func probeStream(path string, format Format) (*streamProps, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errcodes.Corrupted(path + ": " + err.Error())
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, errcodes.Corrupted(path + ": " + err.Error())
	}

	var props *streamProps
	switch format {
	case FormatMP3:
		props, err = probeMP3(f, stat.Size())
	case FormatFLAC:
		props, err = probeFLAC(f)
	case FormatOgg, FormatOpus:
		props, err = probeOgg(f, stat.Size())
	case FormatWAV:
		props, err = probeWAV(f)
	case FormatAIFF:
		props, err = probeAIFF(f)
	case FormatAAC:
		props, err = probeADTS(f, stat.Size())
	case FormatAPE:
		props, err = probeAPE(f)
	case FormatWV:
		props, err = probeWavPack(f)
	case FormatWMA:
		props, err = probeASF(f)
	default:
		return nil, errcodes.Unsupported(string(format))
	}
	if err != nil {
		return nil, err
	}
	if props.durationMs <= 0 {
		return nil, errcodes.Corrupted(path + ": could not measure duration")
	}
	return props, nil
}

var mp3Bitrates = map[int][]int{
	// MPEG1 Layer III, kbit/s by bitrate index.
	1: {0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	// MPEG2/2.5 Layer III.
	2: {0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
}

var mp3SampleRates = map[int][]int{
	1: {44100, 48000, 32000},
	2: {22050, 24000, 16000},
	3: {11025, 12000, 8000}, // MPEG2.5
}

// probeMP3 finds the first frame header, then prefers a Xing/Info frame
// count over a CBR estimate from the file size.
func probeMP3(f *os.File, size int64) (*streamProps, error) {
	// Tags and junk can precede the first frame; scan a generous window.
	buf := make([]byte, 256*1024)
	n, _ := io.ReadFull(f, buf)
	buf = buf[:n]

	// Skip an ID3v2 tag by its declared size so tag bytes can't alias a
	// frame sync.
	start := 0
	if len(buf) >= 10 && bytes.Equal(buf[0:3], []byte("ID3")) {
		tagSize := int(buf[6]&0x7F)<<21 | int(buf[7]&0x7F)<<14 | int(buf[8]&0x7F)<<7 | int(buf[9]&0x7F)
		start = 10 + tagSize
		if start >= len(buf) {
			start = len(buf)
		}
	}

	for i := start; i+4 < len(buf); i++ {
		if buf[i] != 0xFF || buf[i+1]&0xE0 != 0xE0 {
			continue
		}
		versionBits := (buf[i+1] >> 3) & 0x3
		layerBits := (buf[i+1] >> 1) & 0x3
		if layerBits != 0x1 { // Layer III only
			continue
		}
		version := 1
		rateTable := 1
		switch versionBits {
		case 0x3:
			version, rateTable = 1, 1
		case 0x2:
			version, rateTable = 2, 2
		case 0x0:
			version, rateTable = 2, 3
		default:
			continue
		}

		bitrateIndex := int(buf[i+2] >> 4)
		sampleRateIndex := int((buf[i+2] >> 2) & 0x3)
		if bitrateIndex == 0 || bitrateIndex == 15 || sampleRateIndex == 3 {
			continue
		}

		bitrate := mp3Bitrates[version][bitrateIndex] * 1000
		sampleRate := mp3SampleRates[rateTable][sampleRateIndex]
		channels := 2
		if (buf[i+3]>>6)&0x3 == 0x3 {
			channels = 1
		}
		samplesPerFrame := 1152
		if version == 2 {
			samplesPerFrame = 576
		}

		props := &streamProps{
			sampleRate: sampleRate,
			channels:   channels,
			bitrateBps: bitrate,
			codec:      "MP3",
		}

		// A Xing/Info header sits after the side info and carries the exact
		// frame count for VBR files.
		if frames, ok := findXingFrames(buf[i:], version, channels); ok {
			props.durationMs = int64(float64(frames) * float64(samplesPerFrame) / float64(sampleRate) * 1000)
		} else {
			props.durationMs = (size - int64(i)) * 8000 / int64(bitrate)
		}
		return props, nil
	}

	return nil, errcodes.Corrupted("no MP3 frame header found")
}

func findXingFrames(frame []byte, version, channels int) (int, bool) {
	offset := 4
	if version == 1 {
		offset += 32
		if channels == 1 {
			offset = 4 + 17
		}
	} else {
		offset += 17
		if channels == 1 {
			offset = 4 + 9
		}
	}
	if offset+16 > len(frame) {
		return 0, false
	}
	marker := frame[offset : offset+4]
	if !bytes.Equal(marker, []byte("Xing")) && !bytes.Equal(marker, []byte("Info")) {
		return 0, false
	}
	flags := binary.BigEndian.Uint32(frame[offset+4:])
	if flags&0x1 == 0 {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(frame[offset+8:])), true
}

// probeFLAC reads the mandatory STREAMINFO block.
func probeFLAC(f *os.File) (*streamProps, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, []byte("fLaC")) {
		return nil, errcodes.Corrupted("not a FLAC stream")
	}

	blockHeader := make([]byte, 4)
	if _, err := io.ReadFull(f, blockHeader); err != nil {
		return nil, errcodes.Corrupted("truncated FLAC header")
	}
	if blockHeader[0]&0x7F != 0 {
		return nil, errcodes.Corrupted("FLAC STREAMINFO must be first")
	}

	streaminfo := make([]byte, 34)
	if _, err := io.ReadFull(f, streaminfo); err != nil {
		return nil, errcodes.Corrupted("truncated STREAMINFO")
	}

	sampleRate := int(streaminfo[10])<<12 | int(streaminfo[11])<<4 | int(streaminfo[12])>>4
	channels := int((streaminfo[12]>>1)&0x7) + 1
	bits := int((streaminfo[12]&0x1)<<4|streaminfo[13]>>4) + 1
	totalSamples := uint64(streaminfo[13]&0x0F)<<32 | uint64(binary.BigEndian.Uint32(streaminfo[14:18]))

	if sampleRate == 0 {
		return nil, errcodes.Corrupted("FLAC reports zero sample rate")
	}

	return &streamProps{
		durationMs:    int64(totalSamples * 1000 / uint64(sampleRate)),
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: bits,
		codec:         "FLAC",
	}, nil
}

// probeOgg reads the identification header from the first page and the
// granule position from the last page. Opus granules always run at 48 kHz.
func probeOgg(f *os.File, size int64) (*streamProps, error) {
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	if len(head) < 58 || !bytes.Equal(head[0:4], []byte("OggS")) {
		return nil, errcodes.Corrupted("not an Ogg stream")
	}

	props := &streamProps{}
	granuleRate := 0
	if idx := bytes.Index(head, []byte("OpusHead")); idx >= 0 && idx+12 < len(head) {
		props.codec = "Opus"
		props.channels = int(head[idx+9])
		props.sampleRate = int(binary.LittleEndian.Uint32(head[idx+12:]))
		granuleRate = 48000
	} else if idx := bytes.Index(head, []byte("\x01vorbis")); idx >= 0 && idx+16 < len(head) {
		props.codec = "Vorbis"
		props.channels = int(head[idx+11])
		props.sampleRate = int(binary.LittleEndian.Uint32(head[idx+12:]))
		granuleRate = props.sampleRate
	} else {
		return nil, errcodes.Corrupted("unrecognized Ogg codec")
	}
	if granuleRate == 0 {
		return nil, errcodes.Corrupted("Ogg stream reports zero sample rate")
	}

	// The last page's granule position is the total PCM sample count.
	tailLen := int64(64 * 1024)
	if tailLen > size {
		tailLen = size
	}
	tail := make([]byte, tailLen)
	if _, err := f.ReadAt(tail, size-tailLen); err != nil && err != io.EOF {
		return nil, errcodes.Corrupted("failed reading Ogg tail: " + err.Error())
	}
	idx := bytes.LastIndex(tail, []byte("OggS"))
	if idx < 0 || idx+14 > len(tail) {
		return nil, errcodes.Corrupted("no terminal Ogg page found")
	}
	granule := binary.LittleEndian.Uint64(tail[idx+6:])

	props.durationMs = int64(granule * 1000 / uint64(granuleRate))
	return props, nil
}

// probeWAV walks RIFF chunks for fmt and data.
func probeWAV(f *os.File) (*streamProps, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil ||
		!bytes.Equal(header[0:4], []byte("RIFF")) || !bytes.Equal(header[8:12], []byte("WAVE")) {
		return nil, errcodes.Corrupted("not a WAV stream")
	}

	props := &streamProps{codec: "PCM"}
	var byteRate uint32
	var dataSize uint32

	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, chunk); err != nil {
			break
		}
		chunkSize := binary.LittleEndian.Uint32(chunk[4:])
		switch string(chunk[0:4]) {
		case "fmt ":
			fmtData := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, fmtData); err != nil || len(fmtData) < 16 {
				return nil, errcodes.Corrupted("truncated WAV fmt chunk")
			}
			props.channels = int(binary.LittleEndian.Uint16(fmtData[2:]))
			props.sampleRate = int(binary.LittleEndian.Uint32(fmtData[4:]))
			byteRate = binary.LittleEndian.Uint32(fmtData[8:])
			props.bitsPerSample = int(binary.LittleEndian.Uint16(fmtData[14:]))
		case "data":
			dataSize = chunkSize
			// Duration needs only the size, not the samples.
			if _, err := f.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, errcodes.Corrupted("truncated WAV data chunk")
			}
		default:
			if _, err := f.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, errcodes.Corrupted("truncated WAV chunk")
			}
		}
		if byteRate > 0 && dataSize > 0 {
			break
		}
	}

	if byteRate == 0 || dataSize == 0 {
		return nil, errcodes.Corrupted("WAV missing fmt or data chunk")
	}
	props.durationMs = int64(dataSize) * 1000 / int64(byteRate)
	props.bitrateBps = int(byteRate * 8)
	return props, nil
}

// probeAIFF reads the COMM chunk. The sample rate is an 80-bit extended
// float.
func probeAIFF(f *os.File) (*streamProps, error) {
	header := make([]byte, 12)
	if _, err := io.ReadFull(f, header); err != nil ||
		!bytes.Equal(header[0:4], []byte("FORM")) ||
		(!bytes.Equal(header[8:12], []byte("AIFF")) && !bytes.Equal(header[8:12], []byte("AIFC"))) {
		return nil, errcodes.Corrupted("not an AIFF stream")
	}

	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, chunk); err != nil {
			return nil, errcodes.Corrupted("AIFF missing COMM chunk")
		}
		chunkSize := binary.BigEndian.Uint32(chunk[4:])
		if string(chunk[0:4]) != "COMM" {
			// Chunks are word-aligned.
			skip := int64(chunkSize)
			if skip%2 == 1 {
				skip++
			}
			if _, err := f.Seek(skip, io.SeekCurrent); err != nil {
				return nil, errcodes.Corrupted("truncated AIFF chunk")
			}
			continue
		}

		comm := make([]byte, chunkSize)
		if _, err := io.ReadFull(f, comm); err != nil || len(comm) < 18 {
			return nil, errcodes.Corrupted("truncated AIFF COMM chunk")
		}

		channels := int(binary.BigEndian.Uint16(comm[0:]))
		frames := binary.BigEndian.Uint32(comm[2:])
		bits := int(binary.BigEndian.Uint16(comm[6:]))
		sampleRate := extendedFloat(comm[8:18])
		if sampleRate <= 0 {
			return nil, errcodes.Corrupted("AIFF reports zero sample rate")
		}

		return &streamProps{
			durationMs:    int64(float64(frames) / sampleRate * 1000),
			sampleRate:    int(sampleRate),
			channels:      channels,
			bitsPerSample: bits,
			codec:         "PCM",
		}, nil
	}
}

// extendedFloat decodes an IEEE 754 80-bit extended float.
func extendedFloat(b []byte) float64 {
	sign := 1.0
	if b[0]&0x80 != 0 {
		sign = -1.0
	}
	exponent := int(binary.BigEndian.Uint16(b[0:2]) & 0x7FFF)
	mantissa := binary.BigEndian.Uint64(b[2:10])
	if exponent == 0 && mantissa == 0 {
		return 0
	}
	return sign * float64(mantissa) * math.Pow(2, float64(exponent-16383-63))
}

var adtsSampleRates = []int{96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050, 16000, 12000, 11025, 8000}

// probeADTS walks raw AAC frames; each carries 1024 samples.
func probeADTS(f *os.File, size int64) (*streamProps, error) {
	reader := make([]byte, 8)
	if _, err := io.ReadFull(f, reader); err != nil {
		return nil, errcodes.Corrupted("truncated ADTS stream")
	}
	if reader[0] != 0xFF || reader[1]&0xF0 != 0xF0 {
		return nil, errcodes.Corrupted("not an ADTS stream")
	}

	rateIndex := int((reader[2] >> 2) & 0xF)
	if rateIndex >= len(adtsSampleRates) {
		return nil, errcodes.Corrupted("ADTS reports invalid sample rate")
	}
	sampleRate := adtsSampleRates[rateIndex]
	channels := int((reader[2]&0x1)<<2 | reader[3]>>6)

	// Walk frame lengths to count frames. Frames are short, so this is one
	// sequential read of the file.
	frames := 0
	offset := int64(0)
	header := make([]byte, 7)
	for offset+7 < size {
		if _, err := f.ReadAt(header, offset); err != nil {
			break
		}
		if header[0] != 0xFF || header[1]&0xF0 != 0xF0 {
			break
		}
		frameLen := int64(header[3]&0x3)<<11 | int64(header[4])<<3 | int64(header[5])>>5
		if frameLen < 7 {
			break
		}
		frames++
		offset += frameLen
	}
	if frames == 0 {
		return nil, errcodes.Corrupted("no ADTS frames found")
	}

	durationMs := int64(float64(frames) * 1024 / float64(sampleRate) * 1000)
	return &streamProps{
		durationMs: durationMs,
		sampleRate: sampleRate,
		channels:   channels,
		bitrateBps: int(size * 8000 / durationMs),
		codec:      "AAC",
	}, nil
}

// probeAPE reads the Monkey's Audio header (version 3.98+ layout).
func probeAPE(f *os.File) (*streamProps, error) {
	buf := make([]byte, 128)
	if _, err := io.ReadFull(f, buf); err != nil || !bytes.Equal(buf[0:4], []byte("MAC ")) {
		return nil, errcodes.Corrupted("not a Monkey's Audio stream")
	}

	version := binary.LittleEndian.Uint16(buf[4:])
	if version < 3980 {
		return nil, errcodes.Unsupported("Monkey's Audio before 3.98")
	}

	descriptorLen := binary.LittleEndian.Uint32(buf[8:])
	hdr := buf[descriptorLen:]
	if len(hdr) < 24 {
		return nil, errcodes.Corrupted("truncated APE header")
	}

	blocksPerFrame := binary.LittleEndian.Uint32(hdr[4:])
	finalFrameBlocks := binary.LittleEndian.Uint32(hdr[8:])
	totalFrames := binary.LittleEndian.Uint32(hdr[12:])
	bits := int(binary.LittleEndian.Uint16(hdr[16:]))
	channels := int(binary.LittleEndian.Uint16(hdr[18:]))
	sampleRate := int(binary.LittleEndian.Uint32(hdr[20:]))

	if sampleRate == 0 || totalFrames == 0 {
		return nil, errcodes.Corrupted("APE header reports empty stream")
	}
	totalBlocks := uint64(totalFrames-1)*uint64(blocksPerFrame) + uint64(finalFrameBlocks)

	return &streamProps{
		durationMs:    int64(totalBlocks * 1000 / uint64(sampleRate)),
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: bits,
		codec:         "APE",
	}, nil
}

var wavpackSampleRates = []int{
	6000, 8000, 9600, 11025, 12000, 16000, 22050, 24000,
	32000, 44100, 48000, 64000, 88200, 96000, 192000,
}

// probeWavPack reads the first block header.
func probeWavPack(f *os.File) (*streamProps, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(f, buf); err != nil || !bytes.Equal(buf[0:4], []byte("wvpk")) {
		return nil, errcodes.Corrupted("not a WavPack stream")
	}

	totalSamples := binary.LittleEndian.Uint32(buf[12:])
	flags := binary.LittleEndian.Uint32(buf[24:])

	rateIndex := int((flags >> 23) & 0xF)
	if rateIndex >= len(wavpackSampleRates) {
		return nil, errcodes.Corrupted("WavPack reports invalid sample rate")
	}
	sampleRate := wavpackSampleRates[rateIndex]

	channels := 2
	if flags&0x4 != 0 { // mono flag
		channels = 1
	}
	bits := int((flags&0x3)+1) * 8

	if totalSamples == 0 || totalSamples == 0xFFFFFFFF {
		return nil, errcodes.Corrupted("WavPack header has unknown length")
	}

	return &streamProps{
		durationMs:    int64(uint64(totalSamples) * 1000 / uint64(sampleRate)),
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: bits,
		codec:         "WavPack",
	}, nil
}

var (
	asfFilePropsGUID   = []byte{0xA1, 0xDC, 0xAB, 0x8C, 0x47, 0xA9, 0xCF, 0x11, 0x8E, 0xE4, 0x00, 0xC0, 0x0C, 0x20, 0x53, 0x65}
	asfStreamPropsGUID = []byte{0x91, 0x07, 0xDC, 0xB7, 0xB7, 0xA9, 0xCF, 0x11, 0x8E, 0xE6, 0x00, 0xC0, 0x0C, 0x20, 0x53, 0x65}
)

// probeASF reads the WMA header objects: play duration from File Properties
// and the WAVEFORMATEX out of Stream Properties.
func probeASF(f *os.File) (*streamProps, error) {
	// The header object is small; a bounded read covers it.
	buf := make([]byte, 64*1024)
	n, _ := io.ReadFull(f, buf)
	buf = buf[:n]
	if len(buf) < 30 {
		return nil, errcodes.Corrupted("not an ASF stream")
	}

	props := &streamProps{codec: "WMA"}

	if idx := bytes.Index(buf, asfFilePropsGUID); idx >= 0 && idx+72 < len(buf) {
		// Play duration in 100ns units at offset 64, preroll (ms) at 80.
		playDuration := binary.LittleEndian.Uint64(buf[idx+64:])
		var preroll uint64
		if idx+88 < len(buf) {
			preroll = binary.LittleEndian.Uint64(buf[idx+80:])
		}
		props.durationMs = int64(playDuration/10000) - int64(preroll)
	}

	if idx := bytes.Index(buf, asfStreamPropsGUID); idx >= 0 && idx+94 < len(buf) {
		// Type-specific data starts 78 bytes in and holds a WAVEFORMATEX.
		wfx := buf[idx+78:]
		if len(wfx) >= 16 {
			props.channels = int(binary.LittleEndian.Uint16(wfx[2:]))
			props.sampleRate = int(binary.LittleEndian.Uint32(wfx[4:]))
			props.bitrateBps = int(binary.LittleEndian.Uint32(wfx[8:])) * 8
		}
	}

	if props.durationMs <= 0 {
		return nil, errcodes.Corrupted("ASF missing file properties object")
	}
	return props, nil
}
