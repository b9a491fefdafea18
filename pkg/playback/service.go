package playback

import (
	"context"
	"database/sql"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/pkg/errors"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

// Service persists per-book playback state. State is created lazily on first
// play and upserted on every position-save tick.
type Service struct {
	db       *bun.DB
	deviceID string
}

func NewService(db *bun.DB, deviceID string) *Service {
	return &Service{db: db, deviceID: deviceID}
}

// RetrieveState returns the playback state for a book, or NotFound when the
// book hasn't been played yet.
func (svc *Service) RetrieveState(ctx context.Context, bookID string) (*models.PlaybackState, error) {
	state := &models.PlaybackState{}
	err := svc.db.NewSelect().Model(state).Where("book_id = ?", bookID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errcodes.NotFound("PlaybackState")
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return state, nil
}

// SaveState upserts the state row and records a playback-position change for
// sync. Speed outside 0.5–3.0 or a position outside the book is rejected.
func (svc *Service) SaveState(ctx context.Context, state *models.PlaybackState) error {
	if state.Speed < models.MinPlaybackSpeed || state.Speed > models.MaxPlaybackSpeed {
		return errcodes.Permanent("playback speed must be between 0.5 and 3.0")
	}
	if state.Volume < 0 || state.Volume > 100 {
		return errcodes.Permanent("volume must be between 0 and 100")
	}
	state.UpdatedAt = models.NowMillis()

	return svc.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		book := &models.Book{}
		err := tx.NewSelect().
			Model(book).
			Column("id", "duration_ms").
			Where("id = ?", state.BookID).
			Where("deleted_at IS NULL").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return errcodes.NotFound("Book")
		}
		if err != nil {
			return errors.WithStack(err)
		}
		if state.PositionMs < 0 || state.PositionMs > book.DurationMs {
			return errcodes.Permanent("position is outside the book")
		}

		_, err = tx.NewInsert().
			Model(state).
			On("CONFLICT (book_id) DO UPDATE").
			Set("position_ms = EXCLUDED.position_ms").
			Set("speed = EXCLUDED.speed").
			Set("pitch_correction = EXCLUDED.pitch_correction").
			Set("volume = EXCLUDED.volume").
			Set("playing = EXCLUDED.playing").
			Set("eq_preset = EXCLUDED.eq_preset").
			Set("sleep_remaining_ms = EXCLUDED.sleep_remaining_ms").
			Set("sleep_end_of_chapter = EXCLUDED.sleep_end_of_chapter").
			Set("skip_silence = EXCLUDED.skip_silence").
			Set("volume_boost = EXCLUDED.volume_boost").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}

		payload, err := json.Marshal(state)
		if err != nil {
			return errors.WithStack(err)
		}
		record := &models.ChangeRecord{
			EntityKind:  models.EntityKindPlaybackPosition,
			EntityID:    state.BookID,
			Op:          models.ChangeOpUpdate,
			TimestampMs: state.UpdatedAt,
			DeviceID:    svc.deviceID,
			Payload:     payload,
		}
		_, err = tx.NewInsert().Model(record).Exec(ctx)
		return errors.WithStack(err)
	})
}

// DeleteState drops the state row for a book.
func (svc *Service) DeleteState(ctx context.Context, bookID string) error {
	_, err := svc.db.NewDelete().
		Model((*models.PlaybackState)(nil)).
		Where("book_id = ?", bookID).
		Exec(ctx)
	return errors.WithStack(err)
}
