package search

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DrTomLLC/StoryStream/pkg/migrations"
	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func setupTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func insertBook(t *testing.T, db *bun.DB, id, title, author string) {
	t.Helper()
	now := models.NowMillis()
	book := &models.Book{
		ID:            id,
		CreatedAt:     now,
		UpdatedAt:     now,
		AddedAt:       now,
		Title:         title,
		Author:        &author,
		Filepath:      "/library/" + id + ".mp3",
		FilesizeBytes: 1024,
		DurationMs:    1000,
	}
	_, err := db.NewInsert().Model(book).Exec(context.Background())
	require.NoError(t, err)
}

func TestSearchBooks_ByTitleAndAuthor(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db)

	insertBook(t, db, "b1", "The Great Adventure", "John Smith")
	insertBook(t, db, "b2", "Another Story", "Jane Doe")

	results, err := svc.SearchBooks(ctx, "Adventure", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "The Great Adventure", results[0].Title)

	results, err = svc.SearchBooks(ctx, "Jane", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Another Story", results[0].Title)
}

func TestSearchBooks_UpdateKeptInSyncByTriggers(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db)

	insertBook(t, db, "b1", "Original Name", "Someone")

	_, err := db.NewUpdate().
		Model((*models.Book)(nil)).
		Set("title = ?", "Renamed Epic").
		Where("id = ?", "b1").
		Exec(ctx)
	require.NoError(t, err)

	results, err := svc.SearchBooks(ctx, "Renamed", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = svc.SearchBooks(ctx, "Original", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchBooks_ExcludesTombstones(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db)

	insertBook(t, db, "b1", "Ghost Book", "Someone")

	_, err := db.NewUpdate().
		Model((*models.Book)(nil)).
		Set("deleted_at = ?", models.NowMillis()).
		Where("id = ?", "b1").
		Exec(ctx)
	require.NoError(t, err)

	results, err := svc.SearchBooks(ctx, "Ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchBookmarks(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db)

	insertBook(t, db, "b1", "Host", "Someone")
	now := models.NowMillis()
	title := "the best part"
	note := "remember this passage"
	bookmark := &models.Bookmark{
		ID:         "bm1",
		CreatedAt:  now,
		UpdatedAt:  now,
		BookID:     "b1",
		PositionMs: 500,
		Title:      &title,
		Note:       &note,
	}
	_, err := db.NewInsert().Model(bookmark).Exec(ctx)
	require.NoError(t, err)

	results, err := svc.SearchBookmarks(ctx, "passage", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "bm1", results[0].ID)
}

func TestLiteralQuery(t *testing.T) {
	t.Parallel()

	assert.Equal(t, `"hello world"`, LiteralQuery("hello world"))
	assert.Equal(t, `"say ""hi"""`, LiteralQuery(`say "hi"`))
	assert.Equal(t, "", LiteralQuery("   "))
	assert.Equal(t, `"a"*`, PrefixQuery("a"))
}
