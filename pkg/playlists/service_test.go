package playlists

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DrTomLLC/StoryStream/pkg/migrations"
	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/segmentio/encoding/json"
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

func insertBook(t *testing.T, db *bun.DB, id string) {
	t.Helper()
	now := models.NowMillis()
	book := &models.Book{
		ID:            id,
		CreatedAt:     now,
		UpdatedAt:     now,
		AddedAt:       now,
		Title:         "Fixture " + id,
		Filepath:      "/library/" + id + ".mp3",
		FilesizeBytes: 1,
		DurationMs:    1000,
	}
	_, err := db.NewInsert().Model(book).Exec(context.Background())
	require.NoError(t, err)
}

func changeRecords(t *testing.T, db *bun.DB) []*models.ChangeRecord {
	t.Helper()
	var records []*models.ChangeRecord
	require.NoError(t, db.NewSelect().Model(&records).Order("id ASC").Scan(context.Background()))
	return records
}

func TestPlaylistLifecycle(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db, testDeviceID)

	insertBook(t, db, "b1")
	insertBook(t, db, "b2")

	playlist := &models.Playlist{Name: "Road Trip"}
	require.NoError(t, svc.CreatePlaylist(ctx, playlist))
	require.NotEmpty(t, playlist.ID)

	require.NoError(t, svc.AddBook(ctx, playlist.ID, "b1"))
	require.NoError(t, svc.AddBook(ctx, playlist.ID, "b2"))

	retrieved, err := svc.RetrievePlaylist(ctx, playlist.ID)
	require.NoError(t, err)
	require.Len(t, retrieved.Books, 2)
	assert.Equal(t, "b1", retrieved.Books[0].BookID)
	assert.Equal(t, 1, retrieved.Books[0].Sequence)
	assert.Equal(t, 2, retrieved.Books[1].Sequence)

	require.NoError(t, svc.RemoveBook(ctx, playlist.ID, "b1"))
	retrieved, err = svc.RetrievePlaylist(ctx, playlist.ID)
	require.NoError(t, err)
	require.Len(t, retrieved.Books, 1)

	require.NoError(t, svc.DeletePlaylist(ctx, playlist.ID))
	_, err = svc.RetrievePlaylist(ctx, playlist.ID)
	require.Error(t, err)
}

func TestPlaylistMutations_RecordChanges(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db, testDeviceID)

	insertBook(t, db, "b1")

	playlist := &models.Playlist{Name: "Tracked"}
	require.NoError(t, svc.CreatePlaylist(ctx, playlist))
	require.NoError(t, svc.AddBook(ctx, playlist.ID, "b1"))
	require.NoError(t, svc.RemoveBook(ctx, playlist.ID, "b1"))
	require.NoError(t, svc.DeletePlaylist(ctx, playlist.ID))

	records := changeRecords(t, db)
	require.Len(t, records, 4)
	for _, record := range records {
		assert.Equal(t, models.EntityKindPlaylist, record.EntityKind)
		assert.Equal(t, playlist.ID, record.EntityID)
		assert.Equal(t, testDeviceID, record.DeviceID)
		assert.False(t, record.Synced)
	}
	assert.Equal(t, models.ChangeOpInsert, records[0].Op)
	assert.Equal(t, models.ChangeOpUpdate, records[1].Op)
	assert.Equal(t, models.ChangeOpUpdate, records[2].Op)
	assert.Equal(t, models.ChangeOpDelete, records[3].Op)

	// Membership changes snapshot the book list for peers.
	snapshot := &models.Playlist{}
	require.NoError(t, json.Unmarshal(records[1].Payload, snapshot))
	require.Len(t, snapshot.Books, 1)
	assert.Equal(t, "b1", snapshot.Books[0].BookID)
}

func TestUpdatePlaylist(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db, testDeviceID)

	playlist := &models.Playlist{Name: "Before"}
	require.NoError(t, svc.CreatePlaylist(ctx, playlist))

	playlist.Name = "After"
	playlist.Smart = true
	require.NoError(t, svc.UpdatePlaylist(ctx, playlist, UpdatePlaylistOptions{Columns: []string{"name"}}))

	retrieved, err := svc.RetrievePlaylist(ctx, playlist.ID)
	require.NoError(t, err)
	assert.Equal(t, "After", retrieved.Name)
	// Only the named column changed.
	assert.False(t, retrieved.Smart)

	records := changeRecords(t, db)
	require.Len(t, records, 2)
	assert.Equal(t, models.ChangeOpUpdate, records[1].Op)
}

func TestUpdatePlaylist_SkipChangelog(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db, testDeviceID)

	playlist := &models.Playlist{Name: "Quiet"}
	require.NoError(t, svc.CreatePlaylist(ctx, playlist))

	playlist.Name = "Quieter"
	require.NoError(t, svc.UpdatePlaylist(ctx, playlist, UpdatePlaylistOptions{SkipChangelog: true}))

	records := changeRecords(t, db)
	// Only the create is recorded.
	require.Len(t, records, 1)
}

func TestSmartPlaylistCriteriaAreOpaque(t *testing.T) {
	t.Parallel()
	db := setupTestDB(t)
	ctx := context.Background()
	svc := NewService(db, testDeviceID)

	criteria := []byte(`{"anything":"goes","here":[1,2,3]}`)
	playlist := &models.Playlist{Name: "Auto", Smart: true, Criteria: criteria}
	require.NoError(t, svc.CreatePlaylist(ctx, playlist))

	retrieved, err := svc.RetrievePlaylist(ctx, playlist.ID)
	require.NoError(t, err)
	assert.True(t, retrieved.Smart)
	// The catalog stores the bytes untouched.
	assert.Equal(t, criteria, retrieved.Criteria)
}
