package bookmarks

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

type ListBookmarksOptions struct {
	BookID *string
	Limit  *int
	Offset *int
}

type UpdateBookmarkOptions struct {
	Columns       []string
	SkipChangelog bool
}

type Service struct {
	db       *bun.DB
	deviceID string
}

func NewService(db *bun.DB, deviceID string) *Service {
	return &Service{db: db, deviceID: deviceID}
}

// CreateBookmark validates the position against the owning book's duration
// and inserts the bookmark with its change record.
func (svc *Service) CreateBookmark(ctx context.Context, bookmark *models.Bookmark) error {
	now := models.NowMillis()
	if bookmark.CreatedAt == 0 {
		bookmark.CreatedAt = now
	}
	bookmark.UpdatedAt = bookmark.CreatedAt

	if bookmark.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return errors.WithStack(err)
		}
		bookmark.ID = id.String()
	}

	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		book := &models.Book{}
		err := tx.NewSelect().
			Model(book).
			Column("id", "duration_ms").
			Where("id = ?", bookmark.BookID).
			Where("deleted_at IS NULL").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("Book")
		}
		if err != nil {
			return errors.WithStack(err)
		}

		if bookmark.PositionMs < 0 || bookmark.PositionMs > book.DurationMs {
			return errcodes.Permanent("bookmark position is outside the book")
		}

		_, err = tx.NewInsert().Model(bookmark).Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}

		return appendChange(ctx, tx, svc.deviceID, bookmark.ID, models.ChangeOpInsert, bookmark)
	})
}

// RetrieveBookmark loads one bookmark by id.
func (svc *Service) RetrieveBookmark(ctx context.Context, id string) (*models.Bookmark, error) {
	bookmark := &models.Bookmark{}
	err := svc.db.NewSelect().Model(bookmark).Where("bm.id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errcodes.NotFound("Bookmark")
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return bookmark, nil
}

// ListBookmarks returns bookmarks ordered by position within the book.
func (svc *Service) ListBookmarks(ctx context.Context, opts ListBookmarksOptions) ([]*models.Bookmark, error) {
	var list []*models.Bookmark
	q := svc.db.NewSelect().Model(&list).Order("position_ms ASC")

	if opts.BookID != nil {
		q = q.Where("book_id = ?", *opts.BookID)
	}
	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}

	err := q.Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return list, nil
}

// UpdateBookmark persists the given columns and records the change.
func (svc *Service) UpdateBookmark(ctx context.Context, bookmark *models.Bookmark, opts UpdateBookmarkOptions) error {
	bookmark.UpdatedAt = models.NowMillis()

	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().Model(bookmark).WherePK()
		if len(opts.Columns) > 0 {
			columns := append([]string{"updated_at"}, opts.Columns...)
			q = q.Column(columns...)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errcodes.NotFound("Bookmark")
		}

		if opts.SkipChangelog {
			return nil
		}
		return appendChange(ctx, tx, svc.deviceID, bookmark.ID, models.ChangeOpUpdate, bookmark)
	})
}

// DeleteBookmark removes a bookmark and records the deletion.
func (svc *Service) DeleteBookmark(ctx context.Context, id string) error {
	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewDelete().
			Model((*models.Bookmark)(nil)).
			Where("id = ?", id).
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errcodes.NotFound("Bookmark")
		}

		return appendChange(ctx, tx, svc.deviceID, id, models.ChangeOpDelete, nil)
	})
}

func appendChange(ctx context.Context, tx bun.Tx, deviceID, entityID, op string, payload interface{}) error {
	record := &models.ChangeRecord{
		EntityKind:  models.EntityKindBookmark,
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
