package playlists

import (
	"context"
	"database/sql"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

type UpdatePlaylistOptions struct {
	Columns []string
	// SkipChangelog suppresses the change record; the sync engine uses it
	// when applying remote changes so they don't echo back.
	SkipChangelog bool
}

// Service manages playlists. Smart-playlist criteria are opaque bytes owned
// by the UI layer; the catalog just stores them. Like every other synced
// entity, each mutation lands a change record in the same transaction.
type Service struct {
	db       *bun.DB
	deviceID string
}

func NewService(db *bun.DB, deviceID string) *Service {
	return &Service{db: db, deviceID: deviceID}
}

func (svc *Service) CreatePlaylist(ctx context.Context, playlist *models.Playlist) error {
	now := models.NowMillis()
	if playlist.CreatedAt == 0 {
		playlist.CreatedAt = now
	}
	playlist.UpdatedAt = playlist.CreatedAt

	if playlist.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return errors.WithStack(err)
		}
		playlist.ID = id.String()
	}

	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		_, err := tx.NewInsert().Model(playlist).Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}

		return appendChange(ctx, tx, svc.deviceID, playlist.ID, models.ChangeOpInsert, playlist)
	})
}

func (svc *Service) RetrievePlaylist(ctx context.Context, id string) (*models.Playlist, error) {
	return retrievePlaylist(ctx, svc.db, id)
}

func retrievePlaylist(ctx context.Context, db bun.IDB, id string) (*models.Playlist, error) {
	playlist := &models.Playlist{}
	err := db.NewSelect().
		Model(playlist).
		Relation("Books", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("sequence ASC")
		}).
		Where("pl.id = ?", id).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errcodes.NotFound("Playlist")
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return playlist, nil
}

func (svc *Service) ListPlaylists(ctx context.Context) ([]*models.Playlist, error) {
	var list []*models.Playlist
	err := svc.db.NewSelect().Model(&list).Order("name ASC").Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}

// UpdatePlaylist persists the given columns (or all when none are named)
// and records the change.
func (svc *Service) UpdatePlaylist(ctx context.Context, playlist *models.Playlist, opts UpdatePlaylistOptions) error {
	playlist.UpdatedAt = models.NowMillis()

	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().Model(playlist).WherePK()
		if len(opts.Columns) > 0 {
			columns := append([]string{"updated_at"}, opts.Columns...)
			q = q.Column(columns...)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errcodes.NotFound("Playlist")
		}

		if opts.SkipChangelog {
			return nil
		}
		return appendChange(ctx, tx, svc.deviceID, playlist.ID, models.ChangeOpUpdate, playlist)
	})
}

func (svc *Service) DeletePlaylist(ctx context.Context, id string) error {
	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*models.Playlist)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errcodes.NotFound("Playlist")
		}

		return appendChange(ctx, tx, svc.deviceID, id, models.ChangeOpDelete, nil)
	})
}

// AddBook appends a book to the end of a playlist. The change record
// carries the full membership so peers converge on the same ordering.
func (svc *Service) AddBook(ctx context.Context, playlistID, bookID string) error {
	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		var maxSequence sql.NullInt64
		err := tx.NewSelect().
			Model((*models.PlaylistBook)(nil)).
			ColumnExpr("MAX(sequence)").
			Where("playlist_id = ?", playlistID).
			Scan(ctx, &maxSequence)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return errors.WithStack(err)
		}

		entry := &models.PlaylistBook{
			PlaylistID: playlistID,
			BookID:     bookID,
			Sequence:   int(maxSequence.Int64) + 1,
		}
		_, err = tx.NewInsert().Model(entry).Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}

		return svc.recordMembershipChange(ctx, tx, playlistID)
	})
}

func (svc *Service) RemoveBook(ctx context.Context, playlistID, bookID string) error {
	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*models.PlaylistBook)(nil)).
			Where("playlist_id = ?", playlistID).
			Where("book_id = ?", bookID).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errcodes.NotFound("Playlist entry")
		}

		return svc.recordMembershipChange(ctx, tx, playlistID)
	})
}

// recordMembershipChange snapshots the playlist with its current book list
// into an update record.
func (svc *Service) recordMembershipChange(ctx context.Context, tx bun.Tx, playlistID string) error {
	playlist, err := retrievePlaylist(ctx, tx, playlistID)
	if err != nil {
		return err
	}
	playlist.UpdatedAt = models.NowMillis()
	return appendChange(ctx, tx, svc.deviceID, playlistID, models.ChangeOpUpdate, playlist)
}

func appendChange(ctx context.Context, tx bun.Tx, deviceID, entityID, op string, payload interface{}) error {
	record := &models.ChangeRecord{
		EntityKind:  models.EntityKindPlaylist,
		EntityID:    entityID,
		Op:          op,
		TimestampMs: models.NowMillis(),
		DeviceID:    deviceID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.WithStack(err)
		}
		record.Payload = data
	}
	_, err := tx.NewInsert().Model(record).Exec(ctx)
	return errors.WithStack(err)
}
