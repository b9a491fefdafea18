package bookmarks

import (
	"context"
	"database/sql"
	"testing"

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

func insertTestBook(t *testing.T, db *bun.DB, durationMs int64) *models.Book {
	t.Helper()
	now := models.NowMillis()
	book := &models.Book{
		ID:            "book-1",
		CreatedAt:     now,
		UpdatedAt:     now,
		AddedAt:       now,
		Title:         "Fixture",
		Filepath:      "/library/fixture.mp3",
		FilesizeBytes: 1024,
		DurationMs:    durationMs,
	}
	_, err := db.NewInsert().Model(book).Exec(context.Background())
	require.NoError(t, err)
	return book
}

func TestCreateBookmark_WithinBounds(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	book := insertTestBook(t, db, 600_000)
	svc := NewService(db, testDeviceID)

	title := "Great quote"
	bookmark := &models.Bookmark{
		BookID:     book.ID,
		PositionMs: 300_000,
		Title:      &title,
	}
	require.NoError(t, svc.CreateBookmark(ctx, bookmark))
	require.NotEmpty(t, bookmark.ID)

	retrieved, err := svc.RetrieveBookmark(ctx, bookmark.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), retrieved.PositionMs)
}

func TestCreateBookmark_PositionOutOfBounds(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	book := insertTestBook(t, db, 600_000)
	svc := NewService(db, testDeviceID)

	err := svc.CreateBookmark(ctx, &models.Bookmark{BookID: book.ID, PositionMs: 600_001})
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindPermanent))

	err = svc.CreateBookmark(ctx, &models.Bookmark{BookID: book.ID, PositionMs: -1})
	require.Error(t, err)
}

func TestCreateBookmark_UnknownBook(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	svc := NewService(db, testDeviceID)

	err := svc.CreateBookmark(context.Background(), &models.Bookmark{BookID: "nope", PositionMs: 0})
	require.Error(t, err)
	assert.True(t, errcodes.HasKind(err, errcodes.KindNotFound))
}

func TestListBookmarks_OrderedByPosition(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	book := insertTestBook(t, db, 600_000)
	svc := NewService(db, testDeviceID)

	for _, position := range []int64{500_000, 100_000, 300_000} {
		require.NoError(t, svc.CreateBookmark(ctx, &models.Bookmark{BookID: book.ID, PositionMs: position}))
	}

	list, err := svc.ListBookmarks(ctx, ListBookmarksOptions{BookID: &book.ID})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, int64(100_000), list[0].PositionMs)
	assert.Equal(t, int64(300_000), list[1].PositionMs)
	assert.Equal(t, int64(500_000), list[2].PositionMs)
}

func TestDeleteBookmark_RecordsChange(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	book := insertTestBook(t, db, 600_000)
	svc := NewService(db, testDeviceID)

	bookmark := &models.Bookmark{BookID: book.ID, PositionMs: 1000}
	require.NoError(t, svc.CreateBookmark(ctx, bookmark))
	require.NoError(t, svc.DeleteBookmark(ctx, bookmark.ID))

	_, err := svc.RetrieveBookmark(ctx, bookmark.ID)
	require.Error(t, err)

	var records []*models.ChangeRecord
	require.NoError(t, db.NewSelect().Model(&records).Order("id ASC").Scan(ctx))
	require.Len(t, records, 2)
	assert.Equal(t, models.ChangeOpInsert, records[0].Op)
	assert.Equal(t, models.ChangeOpDelete, records[1].Op)
	// Ids are strictly increasing.
	assert.Greater(t, records[1].ID, records[0].ID)
}

func TestBookmarks_CascadeWithBook(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	book := insertTestBook(t, db, 600_000)
	svc := NewService(db, testDeviceID)

	require.NoError(t, svc.CreateBookmark(ctx, &models.Bookmark{BookID: book.ID, PositionMs: 1000}))

	_, err := db.NewDelete().Model((*models.Book)(nil)).Where("id = ?", book.ID).Exec(ctx)
	require.NoError(t, err)

	list, err := svc.ListBookmarks(ctx, ListBookmarksOptions{BookID: &book.ID})
	require.NoError(t, err)
	assert.Empty(t, list)
}
