package books

import (
	"context"
	"database/sql"
	"time"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

type RetrieveBookOptions struct {
	ID       *string
	Filepath *string
	// IncludeDeleted also matches tombstoned rows; sync needs them.
	IncludeDeleted bool
}

type ListBooksOptions struct {
	Limit          *int
	Offset         *int
	Author         *string
	Series         *string
	FavoritesOnly  bool
	IncludeDeleted bool
}

type UpdateBookOptions struct {
	Columns []string
	// SkipChangelog suppresses the change record; the sync engine uses it
	// when applying remote changes so they don't echo back.
	SkipChangelog bool
}

// Service owns reads and writes of books and their chapters. Every local
// mutation lands a change record in the same transaction, so the record is
// durable before the mutation is considered committed for sync.
type Service struct {
	db       *bun.DB
	deviceID string
}

func NewService(db *bun.DB, deviceID string) *Service {
	return &Service{db: db, deviceID: deviceID}
}

// CreateBook inserts a book and its chapters as one unit of work.
func (svc *Service) CreateBook(ctx context.Context, book *models.Book) error {
	now := models.NowMillis()
	if book.CreatedAt == 0 {
		book.CreatedAt = now
	}
	book.UpdatedAt = book.CreatedAt
	if book.AddedAt == 0 {
		book.AddedAt = now
	}

	if book.ID == "" {
		id, err := uuid.NewRandom()
		if err != nil {
			return errors.WithStack(err)
		}
		book.ID = id.String()
	}

	if err := ValidateChapters(book.Chapters); err != nil {
		return err
	}

	// The chapter table is authoritative for duration when the two disagree.
	if n := len(book.Chapters); n > 0 {
		if end := book.Chapters[n-1].EndMs; end != book.DurationMs {
			book.DurationMs = end
		}
	}

	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		existing, err := retrieveBook(ctx, tx, RetrieveBookOptions{Filepath: &book.Filepath})
		if err != nil && !errors.Is(err, errcodes.NotFound("Book")) {
			return err
		}
		if existing != nil {
			return errcodes.AlreadyExists("Book")
		}

		_, err = tx.NewInsert().Model(book).Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}

		for i, chapter := range book.Chapters {
			chapter.BookID = book.ID
			chapter.Idx = i
			chapter.CreatedAt = book.CreatedAt
			chapter.UpdatedAt = book.UpdatedAt
		}
		if len(book.Chapters) > 0 {
			_, err = tx.NewInsert().Model(&book.Chapters).Exec(ctx)
			if err != nil {
				return errors.WithStack(err)
			}
		}

		return svc.appendChange(ctx, tx, models.EntityKindBook, book.ID, models.ChangeOpInsert, book)
	})
}

// RetrieveBook loads one book with its chapters in index order.
func (svc *Service) RetrieveBook(ctx context.Context, opts RetrieveBookOptions) (*models.Book, error) {
	return retrieveBook(ctx, svc.db, opts)
}

func retrieveBook(ctx context.Context, db bun.IDB, opts RetrieveBookOptions) (*models.Book, error) {
	book := &models.Book{}
	q := db.NewSelect().
		Model(book).
		Relation("Chapters", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Order("idx ASC")
		})

	if opts.ID != nil {
		q = q.Where("b.id = ?", *opts.ID)
	}
	if opts.Filepath != nil {
		q = q.Where("b.filepath = ?", *opts.Filepath)
	}
	if !opts.IncludeDeleted {
		q = q.Where("b.deleted_at IS NULL")
	}

	err := q.Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errcodes.NotFound("Book")
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return book, nil
}

// ListBooks returns the live catalog, newest additions first.
func (svc *Service) ListBooks(ctx context.Context, opts ListBooksOptions) ([]*models.Book, error) {
	var list []*models.Book
	q := svc.db.NewSelect().
		Model(&list).
		Order("added_at DESC")

	if !opts.IncludeDeleted {
		q = q.Where("deleted_at IS NULL")
	}
	if opts.Author != nil {
		q = q.Where("author = ?", *opts.Author)
	}
	if opts.Series != nil {
		q = q.Where("series = ?", *opts.Series)
	}
	if opts.FavoritesOnly {
		q = q.Where("favorite = 1")
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

// UpdateBook persists the given columns (or all when none are named) and
// records the change.
func (svc *Service) UpdateBook(ctx context.Context, book *models.Book, opts UpdateBookOptions) error {
	book.UpdatedAt = models.NowMillis()

	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		q := tx.NewUpdate().Model(book).WherePK()
		if len(opts.Columns) > 0 {
			columns := append([]string{"updated_at"}, opts.Columns...)
			q = q.Column(columns...)
		}
		res, err := q.Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errcodes.NotFound("Book")
		}

		if opts.SkipChangelog {
			return nil
		}
		return svc.appendChange(ctx, tx, models.EntityKindBook, book.ID, models.ChangeOpUpdate, book)
	})
}

// SoftDeleteBook tombstones a book. The row survives until the sync engine's
// tombstone GC reclaims it.
func (svc *Service) SoftDeleteBook(ctx context.Context, id string) error {
	now := models.NowMillis()

	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model((*models.Book)(nil)).
			Set("deleted_at = ?", now).
			Set("updated_at = ?", now).
			Where("id = ?", id).
			Where("deleted_at IS NULL").
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errcodes.NotFound("Book")
		}

		return svc.appendChange(ctx, tx, models.EntityKindBook, id, models.ChangeOpDelete, nil)
	})
}

// HardDeleteBook removes a book row for good; chapters, bookmarks, and
// playback state cascade with it.
func (svc *Service) HardDeleteBook(ctx context.Context, id string) error {
	res, err := svc.db.NewDelete().
		Model((*models.Book)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errcodes.NotFound("Book")
	}
	return nil
}

// MarkPlayed bumps play statistics when a listening session starts.
func (svc *Service) MarkPlayed(ctx context.Context, id string) error {
	book, err := svc.RetrieveBook(ctx, RetrieveBookOptions{ID: &id})
	if err != nil {
		return err
	}
	book.MarkPlayed()
	return svc.UpdateBook(ctx, book, UpdateBookOptions{Columns: []string{"play_count", "last_played_at"}})
}

// ChapterAt returns the chapter containing the position, for chapter
// navigation during playback.
func (svc *Service) ChapterAt(ctx context.Context, bookID string, positionMs int64) (*models.Chapter, error) {
	chapter := &models.Chapter{}
	err := svc.db.NewSelect().
		Model(chapter).
		Where("book_id = ?", bookID).
		Where("start_ms <= ?", positionMs).
		Where("end_ms > ?", positionMs).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errcodes.NotFound("Chapter")
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return chapter, nil
}

func (svc *Service) appendChange(ctx context.Context, tx bun.Tx, kind, entityID, op string, payload interface{}) error {
	record := &models.ChangeRecord{
		EntityKind:  kind,
		EntityID:    entityID,
		Op:          op,
		TimestampMs: time.Now().UnixMilli(),
		DeviceID:    svc.deviceID,
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

// ValidateChapters checks the chapter invariants: indices 0..n-1 with no
// gaps, start < end, spans non-overlapping and increasing.
func ValidateChapters(chapters []*models.Chapter) error {
	for i, chapter := range chapters {
		if chapter.Idx != 0 && chapter.Idx != i {
			return errcodes.Corrupted("chapter indices must be contiguous")
		}
		if chapter.StartMs >= chapter.EndMs {
			return errcodes.Corrupted("chapter start must precede its end")
		}
		if i > 0 && chapter.StartMs < chapters[i-1].EndMs {
			return errcodes.Corrupted("chapters must not overlap")
		}
	}
	return nil
}
