package mp4

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClampChapterEnds(t *testing.T) {
	t.Parallel()

	chapters := clampChapterEnds([]Chapter{
		{Title: "One", Start: 0},
		{Title: "Two", Start: 10 * time.Minute},
		{Title: "Three", Start: 25 * time.Minute},
	}, time.Hour)

	assert.Equal(t, 10*time.Minute, chapters[0].End)
	assert.Equal(t, 25*time.Minute, chapters[1].End)
	assert.Equal(t, time.Hour, chapters[2].End)
}

func TestUnwrapDataBox(t *testing.T) {
	t.Parallel()

	// [size][`data`][version][3-byte type][locale][payload]
	box := make([]byte, 0, 24)
	box = binary.BigEndian.AppendUint32(box, 24)
	box = append(box, "data"...)
	box = append(box, 0, 0, 0, 1) // version 0, type 1 (UTF-8)
	box = append(box, 0, 0, 0, 0) // locale
	box = append(box, "A Title!"...)

	payload, dataType, ok := unwrapDataBox(box)
	require.True(t, ok)
	assert.Equal(t, dataTypeUTF8, dataType)
	assert.Equal(t, "A Title!", string(payload))
}

func TestUnwrapDataBox_Truncated(t *testing.T) {
	t.Parallel()

	_, _, ok := unwrapDataBox([]byte("short"))
	assert.False(t, ok)

	_, _, ok = unwrapDataBox(make([]byte, 16)) // no "data" marker
	assert.False(t, ok)
}

func TestDecodeTextPayload_UTF16(t *testing.T) {
	t.Parallel()

	payload := []byte{0x00, 'H', 0x00, 'i'}
	assert.Equal(t, "Hi", decodeTextPayload(payload, dataTypeUTF16BE))
	assert.Equal(t, "", decodeTextPayload([]byte{0x00}, dataTypeUTF16BE))
}

func TestTextSampleTitle(t *testing.T) {
	t.Parallel()

	sample := []byte{0x00, 0x07}
	sample = append(sample, "Chapter"...)
	sample = append(sample, 0xFF, 0xFF) // trailing style atoms are ignored
	assert.Equal(t, "Chapter", textSampleTitle(sample))

	assert.Equal(t, "", textSampleTitle(nil))
	assert.Equal(t, "", textSampleTitle([]byte{0x00}))
}

func TestEsdsCodec(t *testing.T) {
	t.Parallel()

	// Minimal DecoderConfigDescriptor: tag 0x04, size, MPEG-4 audio object
	// type, padding.
	esds := []byte{0x00, 0x04, 0x10, 0x40, 0x15, 0x00, 0x00, 0x00}
	assert.Equal(t, "AAC", esdsCodec(esds))

	mp3 := []byte{0x00, 0x04, 0x10, 0x6B, 0x15, 0x00, 0x00, 0x00}
	assert.Equal(t, "MP3", esdsCodec(mp3))

	assert.Equal(t, "", esdsCodec([]byte{0x00, 0x00}))
}

func TestEsdsAvgBitrate(t *testing.T) {
	t.Parallel()

	// tag 0x04, size 0x11, objectType, streamType, bufferSizeDB(3),
	// maxBitrate(4), avgBitrate(4)
	esds := []byte{
		0x04, 0x11,
		0x40, 0x15,
		0x00, 0x00, 0x00,
		0x00, 0x01, 0x00, 0x00,
		0x00, 0x00, 0xFA, 0x00,
		0x00, 0x00,
	}
	assert.Equal(t, uint32(0xFA00), esdsAvgBitrate(esds))
}
