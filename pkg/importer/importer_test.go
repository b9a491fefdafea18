package importer

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/DrTomLLC/StoryStream/pkg/books"
	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/migrations"
	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const testDeviceID = "device-test"

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = db.Exec("PRAGMA foreign_keys=ON")
	require.NoError(t, err)

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// writeWAVFixture writes one second of 44100 Hz stereo 16-bit silence.
func writeWAVFixture(t *testing.T, path string) {
	t.Helper()

	const byteRate = 44100 * 2 * 2
	data := make([]byte, byteRate)

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(1))
	binary.Write(&buf, binary.LittleEndian, uint16(2))
	binary.Write(&buf, binary.LittleEndian, uint32(44100))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(4))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestImportFile(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	imp := New(books.NewService(db, testDeviceID), 0)

	dir := t.TempDir()
	path := filepath.Join(dir, "winter_tales.wav")
	writeWAVFixture(t, path)

	book, err := imp.ImportFile(ctx, path, Options{})
	require.NoError(t, err)

	assert.Equal(t, "winter tales", book.Title)
	assert.Equal(t, int64(1000), book.DurationMs)
	assert.Greater(t, book.FilesizeBytes, int64(0))
	assert.True(t, filepath.IsAbs(book.Filepath))

	// The import committed its change record.
	var records []*models.ChangeRecord
	require.NoError(t, db.NewSelect().Model(&records).Scan(ctx))
	require.Len(t, records, 1)
	assert.Equal(t, models.ChangeOpInsert, records[0].Op)
	assert.Equal(t, book.ID, records[0].EntityID)
}

func TestImportFile_TitleOverride(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	imp := New(books.NewService(db, testDeviceID), 0)

	path := filepath.Join(t.TempDir(), "whatever.wav")
	writeWAVFixture(t, path)

	title := "A Proper Title"
	author := "A. Writer"
	book, err := imp.ImportFile(ctx, path, Options{Title: &title, Author: &author})
	require.NoError(t, err)

	assert.Equal(t, "A Proper Title", book.Title)
	require.NotNil(t, book.Author)
	assert.Equal(t, "A. Writer", *book.Author)
}

func TestImportFile_Idempotent(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := books.NewService(db, testDeviceID)
	imp := New(svc, 0)

	path := filepath.Join(t.TempDir(), "repeat.wav")
	writeWAVFixture(t, path)

	first, err := imp.ImportFile(ctx, path, Options{})
	require.NoError(t, err)

	_, err = imp.ImportFile(ctx, path, Options{})
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindAlreadyExists))

	// The catalog is unchanged.
	kept, err := svc.RetrieveBook(ctx, books.RetrieveBookOptions{ID: &first.ID})
	require.NoError(t, err)
	assert.Equal(t, first.Title, kept.Title)

	count, err := db.NewSelect().Model((*models.Book)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestImportFile_Overwrite(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	imp := New(books.NewService(db, testDeviceID), 0)

	path := filepath.Join(t.TempDir(), "twice.wav")
	writeWAVFixture(t, path)

	first, err := imp.ImportFile(ctx, path, Options{})
	require.NoError(t, err)

	second, err := imp.ImportFile(ctx, path, Options{OverwriteExisting: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	count, err := db.NewSelect().Model((*models.Book)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestImportFile_Unsupported(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	imp := New(books.NewService(db, testDeviceID), 0)

	path := filepath.Join(t.TempDir(), "cover.txt")
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))

	_, err := imp.ImportFile(context.Background(), path, Options{})
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindUnsupported))
}

func TestImportFile_Missing(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	imp := New(books.NewService(db, testDeviceID), 0)

	_, err := imp.ImportFile(context.Background(), filepath.Join(t.TempDir(), "ghost.mp3"), Options{})
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindNotFound))
}

func TestImportDirectory_SkipOnError(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	imp := New(books.NewService(db, testDeviceID), 0)

	root := t.TempDir()
	writeWAVFixture(t, filepath.Join(root, "good_one.wav"))
	writeWAVFixture(t, filepath.Join(root, "nested", "good_two.wav"))
	// A wav extension over garbage bytes fails extraction.
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.wav"), []byte("not audio"), 0o644))

	imported, err := imp.ImportDirectory(ctx, root, Options{SkipOnError: true})
	require.NoError(t, err)
	assert.Len(t, imported, 2)
}

func TestImportDirectory_FirstErrorAbortsKeepingPrefix(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	imp := New(books.NewService(db, testDeviceID), 0)

	root := t.TempDir()
	// Scanner output order is unspecified, so make every file before the
	// broken one importable.
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.wav"), []byte("not audio"), 0o644))
	writeWAVFixture(t, filepath.Join(root, "fine.wav"))

	imported, err := imp.ImportDirectory(ctx, root, Options{})
	require.Error(t, err)
	// The successes before the failure stay committed.
	count, dbErr := db.NewSelect().Model((*models.Book)(nil)).Count(ctx)
	require.NoError(t, dbErr)
	assert.Equal(t, len(imported), count)
}
