package mediafile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeWAVFixture writes a PCM WAV file with exactly one second of silence:
// 44100 Hz, stereo, 16-bit.
func writeWAVFixture(t *testing.T, path string) {
	t.Helper()

	const (
		sampleRate = 44100
		channels   = 2
		bits       = 16
	)
	byteRate := sampleRate * channels * bits / 8
	data := make([]byte, byteRate) // one second

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*bits/8))
	binary.Write(&buf, binary.LittleEndian, uint16(bits))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// writeFLACFixture writes a FLAC STREAMINFO-only header declaring one second
// of 44100 Hz stereo 16-bit audio.
func writeFLACFixture(t *testing.T, path string) {
	t.Helper()

	streaminfo := make([]byte, 34)
	// min/max block size
	binary.BigEndian.PutUint16(streaminfo[0:], 4096)
	binary.BigEndian.PutUint16(streaminfo[2:], 4096)
	// sample rate 44100 (20 bits), channels-1 = 1 (3 bits), bits-1 = 15 (5 bits)
	streaminfo[10] = byte(44100 >> 12)
	streaminfo[11] = byte((44100 >> 4) & 0xFF)
	streaminfo[12] = byte(44100&0xF)<<4 | 1<<1 | (15 >> 4)
	// low nibble of bits-1, then 36-bit total samples = 44100
	streaminfo[13] = byte(15&0xF) << 4
	binary.BigEndian.PutUint32(streaminfo[14:], 44100)

	var buf bytes.Buffer
	buf.WriteString("fLaC")
	buf.Write([]byte{0x80, 0, 0, 34}) // last block, type 0 (STREAMINFO), length 34
	buf.Write(streaminfo)

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestExtract_WAV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "quiet_hour.wav")
	writeWAVFixture(t, path)

	meta, err := Extract(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), meta.DurationMs)
	assert.Equal(t, 44100, meta.SampleRate)
	assert.Equal(t, 2, meta.Channels)
	require.NotNil(t, meta.BitsPerSample)
	assert.Equal(t, 16, *meta.BitsPerSample)
	assert.Equal(t, "PCM", meta.Codec)
	// No tags in the fixture, so the filename stem becomes the title.
	assert.Equal(t, "quiet hour", meta.Title)
}

func TestExtract_FLAC(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "book.flac")
	writeFLACFixture(t, path)

	meta, err := Extract(path)
	require.NoError(t, err)

	assert.Equal(t, int64(1000), meta.DurationMs)
	assert.Equal(t, 44100, meta.SampleRate)
	assert.Equal(t, 2, meta.Channels)
	require.NotNil(t, meta.BitsPerSample)
	assert.Equal(t, 16, *meta.BitsPerSample)
	assert.Equal(t, "FLAC", meta.Codec)
}

func TestExtract_UnsupportedExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	_, err := Extract(path)
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindUnsupported))
}

func TestExtract_FileNotFound(t *testing.T) {
	t.Parallel()

	_, err := Extract(filepath.Join(t.TempDir(), "missing.mp3"))
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindNotFound))
}

func TestExtract_CorruptedFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "broken.flac")
	require.NoError(t, os.WriteFile(path, []byte("this is not flac data at all"), 0o644))

	_, err := Extract(path)
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindCorrupted))
}

func TestFormatForPath_CaseInsensitive(t *testing.T) {
	t.Parallel()

	format, ok := FormatForPath("/library/Book.FLAC")
	require.True(t, ok)
	assert.Equal(t, FormatFLAC, format)

	_, ok = FormatForPath("/library/readme.txt")
	assert.False(t, ok)
}

func TestFormatCapabilities(t *testing.T) {
	t.Parallel()

	m4b := FormatCapabilities(FormatM4B)
	assert.True(t, m4b.EmbeddedChapter)
	assert.True(t, m4b.EmbeddedCover)
	assert.False(t, m4b.Lossless)

	flac := FormatCapabilities(FormatFLAC)
	assert.True(t, flac.Lossless)
	assert.False(t, flac.EmbeddedChapter)
}
