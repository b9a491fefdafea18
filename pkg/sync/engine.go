package sync

import (
	"context"
	"database/sql"
	gosync "sync"
	"time"

	"github.com/DrTomLLC/StoryStream/pkg/errcodes"
	"github.com/DrTomLLC/StoryStream/pkg/models"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
	"github.com/uptrace/bun"
)

const sinceCursorKey = "since_cursor"

// Engine reconciles the local catalog with a peer. Local mutations flow in
// through the changelog; remote changes arrive via ApplyResponse and are
// integrated under the configured conflict strategy.
type Engine struct {
	db           *bun.DB
	changelog    *Changelog
	deviceID     string
	strategy     Strategy
	tombstoneTTL time.Duration
	log          logger.Logger

	mu         gosync.Mutex
	inProgress bool
}

func NewEngine(db *bun.DB, deviceID string, strategy Strategy, tombstoneTTL time.Duration) *Engine {
	if tombstoneTTL <= 0 {
		tombstoneTTL = 30 * 24 * time.Hour
	}
	return &Engine{
		db:           db,
		changelog:    NewChangelog(db),
		deviceID:     deviceID,
		strategy:     strategy,
		tombstoneTTL: tombstoneTTL,
		log:          logger.New(),
	}
}

func (e *Engine) DeviceID() string {
	return e.deviceID
}

func (e *Engine) Changelog() *Changelog {
	return e.changelog
}

// RecordChange appends a local mutation to the changelog.
func (e *Engine) RecordChange(ctx context.Context, kind, op, entityID string, payload interface{}) error {
	record := &models.ChangeRecord{
		EntityKind:  kind,
		EntityID:    entityID,
		Op:          op,
		TimestampMs: models.NowMillis(),
		DeviceID:    e.deviceID,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return errors.WithStack(err)
		}
		record.Payload = data
	}
	return e.changelog.Append(ctx, record)
}

// CreateRequest snapshots every unsynced local change. Changes stay in the
// request until the peer acknowledges them via a response cursor.
func (e *Engine) CreateRequest(ctx context.Context) (*Request, error) {
	changes, err := e.changelog.Unsynced(ctx)
	if err != nil {
		return nil, err
	}
	since, err := stateGet(ctx, e.db, sinceCursorKey)
	if err != nil {
		return nil, err
	}
	return &Request{
		DeviceID:    e.deviceID,
		SinceCursor: since,
		Changes:     changes,
	}, nil
}

// ApplyResponse integrates the peer's changes, resolves conflicts, marks
// acknowledged local changes synced, and advances the cursor. Applying the
// same response twice is a no-op.
func (e *Engine) ApplyResponse(ctx context.Context, resp *Response) (*ApplyResult, error) {
	e.mu.Lock()
	if e.inProgress {
		e.mu.Unlock()
		return nil, errcodes.Conflict("sync already in progress")
	}
	e.inProgress = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.inProgress = false
		e.mu.Unlock()
	}()

	locals, err := e.changelog.Unsynced(ctx)
	if err != nil {
		return nil, err
	}
	// The newest unsynced local change per entity decides conflicts.
	latestLocal := make(map[string]*models.ChangeRecord)
	for _, local := range locals {
		latestLocal[local.EntityKind+"\x00"+local.EntityID] = local
	}

	result := &ApplyResult{}

	for _, remote := range resp.RemoteChanges {
		if remote.DeviceID == e.deviceID {
			// Our own change echoed back.
			result.Skipped++
			continue
		}

		applied, err := e.applyOne(ctx, remote, latestLocal, result)
		if err != nil {
			return nil, err
		}
		if applied {
			result.Applied++
		} else {
			result.Skipped++
		}
	}

	if resp.NewCursor > 0 {
		if err := e.changelog.MarkSynced(ctx, resp.NewCursor); err != nil {
			return nil, err
		}
		if err := stateSet(ctx, e.db, sinceCursorKey, resp.NewCursor); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// applyOne gates one remote record for idempotence, resolves any conflict,
// and applies the winner, all in one transaction.
func (e *Engine) applyOne(ctx context.Context, remote *models.ChangeRecord, latestLocal map[string]*models.ChangeRecord, result *ApplyResult) (bool, error) {
	applied := false
	err := e.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewRaw(
			"INSERT INTO sync_applied (device_id, record_id, applied_at) VALUES (?, ?, ?) ON CONFLICT DO NOTHING",
			remote.DeviceID, remote.ID, models.NowMillis(),
		).Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Seen before; applying twice is a no-op.
			return nil
		}

		record := remote
		local := latestLocal[remote.EntityKind+"\x00"+remote.EntityID]
		if local != nil && local.DeviceID != remote.DeviceID {
			winner, merged, err := e.resolve(local, remote)
			if err != nil {
				return err
			}
			result.Conflicts = append(result.Conflicts, Conflict{
				Local:          local,
				Remote:         remote,
				Resolution:     e.strategy,
				WinnerDeviceID: winner.DeviceID,
			})
			if winner == local && merged == nil {
				// The local change survives and stays queued for the peer.
				return nil
			}
			if merged != nil {
				record = merged
			}
		}

		if err := e.applyToCatalog(ctx, tx, record); err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

// resolve picks the winning change. A merged record is returned for the
// merge strategy; otherwise the winner is one of the two inputs.
func (e *Engine) resolve(local, remote *models.ChangeRecord) (*models.ChangeRecord, *models.ChangeRecord, error) {
	// Deletions win over updates unless a side is forced.
	switch e.strategy {
	case StrategyUseLocal:
		return local, nil, nil
	case StrategyUseRemote:
		return remote, nil, nil
	}

	if local.IsDelete() && !remote.IsDelete() {
		return local, nil, nil
	}
	if remote.IsDelete() && !local.IsDelete() {
		return remote, nil, nil
	}

	switch e.strategy {
	case StrategyMerge:
		merged, err := mergeRecords(local, remote)
		if err != nil {
			return nil, nil, err
		}
		return remote, merged, nil
	default: // StrategyUseNewest
		if newerThan(local, remote) {
			return local, nil, nil
		}
		return remote, nil, nil
	}
}

// mergeRecords builds a synthetic record whose payload merges both sides:
// scalars from the newer change, set-valued fields unioned, positions maxed.
func mergeRecords(local, remote *models.ChangeRecord) (*models.ChangeRecord, error) {
	older, newer := local, remote
	if newerThan(local, remote) {
		older, newer = remote, local
	}

	var base, overlay map[string]interface{}
	if len(older.Payload) > 0 {
		if err := json.Unmarshal(older.Payload, &base); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	if base == nil {
		base = map[string]interface{}{}
	}
	if len(newer.Payload) > 0 {
		if err := json.Unmarshal(newer.Payload, &overlay); err != nil {
			return nil, errors.WithStack(err)
		}
	}

	for key, value := range overlay {
		switch key {
		case "tags":
			base[key] = unionStrings(base[key], value)
		case "position_ms":
			base[key] = maxNumber(base[key], value)
		default:
			base[key] = value
		}
	}

	payload, err := json.Marshal(base)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	merged := *remote
	merged.Payload = payload
	if newerThan(local, remote) {
		merged.TimestampMs = local.TimestampMs
	}
	return &merged, nil
}

func unionStrings(a, b interface{}) []interface{} {
	seen := make(map[string]struct{})
	var out []interface{}
	for _, src := range []interface{}{a, b} {
		list, ok := src.([]interface{})
		if !ok {
			continue
		}
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				continue
			}
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}

func maxNumber(a, b interface{}) interface{} {
	av, aok := a.(float64)
	bv, bok := b.(float64)
	switch {
	case aok && bok:
		if av > bv {
			return av
		}
		return bv
	case aok:
		return av
	default:
		return b
	}
}

// applyToCatalog lands one winning change in the catalog tables without
// echoing into the changelog.
func (e *Engine) applyToCatalog(ctx context.Context, tx bun.Tx, record *models.ChangeRecord) error {
	switch record.EntityKind {
	case models.EntityKindBook:
		return e.applyBook(ctx, tx, record)
	case models.EntityKindBookmark:
		return e.applyBookmark(ctx, tx, record)
	case models.EntityKindPlaybackPosition:
		return e.applyPlaybackState(ctx, tx, record)
	case models.EntityKindPlaylist:
		return e.applyPlaylist(ctx, tx, record)
	default:
		e.log.Warn("ignoring change for unknown entity kind", logger.Data{"kind": record.EntityKind})
		return nil
	}
}

func (e *Engine) applyBook(ctx context.Context, tx bun.Tx, record *models.ChangeRecord) error {
	if record.IsDelete() {
		_, err := tx.NewUpdate().
			Model((*models.Book)(nil)).
			Set("deleted_at = ?", record.TimestampMs).
			Set("updated_at = ?", models.NowMillis()).
			Where("id = ?", record.EntityID).
			Where("deleted_at IS NULL").
			Exec(ctx)
		return errors.WithStack(err)
	}

	book := &models.Book{}
	if err := json.Unmarshal(record.Payload, book); err != nil {
		return errors.WithStack(err)
	}
	book.ID = record.EntityID
	book.UpdatedAt = models.NowMillis()

	chapters := book.Chapters
	book.Chapters = nil

	_, err := tx.NewInsert().
		Model(book).
		On("CONFLICT (id) DO UPDATE").
		Set("updated_at = EXCLUDED.updated_at").
		Set("title = EXCLUDED.title").
		Set("author = EXCLUDED.author").
		Set("narrator = EXCLUDED.narrator").
		Set("series = EXCLUDED.series").
		Set("series_number = EXCLUDED.series_number").
		Set("language = EXCLUDED.language").
		Set("description = EXCLUDED.description").
		Set("publisher = EXCLUDED.publisher").
		Set("published_date = EXCLUDED.published_date").
		Set("isbn = EXCLUDED.isbn").
		Set("duration_ms = EXCLUDED.duration_ms").
		Set("favorite = EXCLUDED.favorite").
		Set("rating = EXCLUDED.rating").
		Set("tags = EXCLUDED.tags").
		Set("last_played_at = EXCLUDED.last_played_at").
		Set("play_count = EXCLUDED.play_count").
		Set("deleted_at = EXCLUDED.deleted_at").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(chapters) == 0 {
		return nil
	}
	// Remote chapter tables replace local ones wholesale.
	_, err = tx.NewDelete().
		Model((*models.Chapter)(nil)).
		Where("book_id = ?", book.ID).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	now := models.NowMillis()
	for i, chapter := range chapters {
		chapter.ID = 0
		chapter.BookID = book.ID
		chapter.Idx = i
		chapter.CreatedAt = now
		chapter.UpdatedAt = now
	}
	_, err = tx.NewInsert().Model(&chapters).Exec(ctx)
	return errors.WithStack(err)
}

func (e *Engine) applyBookmark(ctx context.Context, tx bun.Tx, record *models.ChangeRecord) error {
	if record.IsDelete() {
		_, err := tx.NewDelete().
			Model((*models.Bookmark)(nil)).
			Where("id = ?", record.EntityID).
			Exec(ctx)
		return errors.WithStack(err)
	}

	bookmark := &models.Bookmark{}
	if err := json.Unmarshal(record.Payload, bookmark); err != nil {
		return errors.WithStack(err)
	}
	bookmark.ID = record.EntityID
	bookmark.UpdatedAt = models.NowMillis()
	if bookmark.CreatedAt == 0 {
		bookmark.CreatedAt = bookmark.UpdatedAt
	}

	// The bookmark's book may not exist here yet; the row waits for it.
	exists, err := tx.NewSelect().
		Model((*models.Book)(nil)).
		Where("id = ?", bookmark.BookID).
		Exists(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if !exists {
		e.log.Warn("skipping bookmark for unknown book", logger.Data{"bookmark_id": bookmark.ID, "book_id": bookmark.BookID})
		return nil
	}

	_, err = tx.NewInsert().
		Model(bookmark).
		On("CONFLICT (id) DO UPDATE").
		Set("position_ms = EXCLUDED.position_ms").
		Set("title = EXCLUDED.title").
		Set("note = EXCLUDED.note").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return errors.WithStack(err)
}

func (e *Engine) applyPlaybackState(ctx context.Context, tx bun.Tx, record *models.ChangeRecord) error {
	state := &models.PlaybackState{}
	if err := json.Unmarshal(record.Payload, state); err != nil {
		return errors.WithStack(err)
	}
	state.BookID = record.EntityID
	state.UpdatedAt = models.NowMillis()

	exists, err := tx.NewSelect().
		Model((*models.Book)(nil)).
		Where("id = ?", state.BookID).
		Exists(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	if !exists {
		return nil
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
		Set("skip_silence = EXCLUDED.skip_silence").
		Set("volume_boost = EXCLUDED.volume_boost").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return errors.WithStack(err)
}

func (e *Engine) applyPlaylist(ctx context.Context, tx bun.Tx, record *models.ChangeRecord) error {
	if record.IsDelete() {
		_, err := tx.NewDelete().
			Model((*models.Playlist)(nil)).
			Where("id = ?", record.EntityID).
			Exec(ctx)
		return errors.WithStack(err)
	}

	playlist := &models.Playlist{}
	if err := json.Unmarshal(record.Payload, playlist); err != nil {
		return errors.WithStack(err)
	}
	playlist.ID = record.EntityID
	playlist.UpdatedAt = models.NowMillis()
	if playlist.CreatedAt == 0 {
		playlist.CreatedAt = playlist.UpdatedAt
	}

	entries := playlist.Books
	playlist.Books = nil

	_, err := tx.NewInsert().
		Model(playlist).
		On("CONFLICT (id) DO UPDATE").
		Set("name = EXCLUDED.name").
		Set("smart = EXCLUDED.smart").
		Set("criteria = EXCLUDED.criteria").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	if entries == nil {
		return nil
	}
	// The record's membership snapshot replaces the local one. Entries for
	// books this replica hasn't imported yet are dropped; a later book
	// change re-delivers them.
	_, err = tx.NewDelete().
		Model((*models.PlaylistBook)(nil)).
		Where("playlist_id = ?", playlist.ID).
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, entry := range entries {
		entry.PlaylistID = playlist.ID
		exists, err := tx.NewSelect().
			Model((*models.Book)(nil)).
			Where("id = ?", entry.BookID).
			Exists(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
		if !exists {
			e.log.Warn("skipping playlist entry for unknown book", logger.Data{"playlist_id": playlist.ID, "book_id": entry.BookID})
			continue
		}
		if _, err := tx.NewInsert().Model(entry).Exec(ctx); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// TombstoneGC hard-deletes books whose tombstones aged past the TTL and
// whose delete records the peer has acknowledged. Chapters, bookmarks, and
// playback state cascade.
func (e *Engine) TombstoneGC(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-e.tombstoneTTL).UnixMilli()

	res, err := e.db.NewDelete().
		Model((*models.Book)(nil)).
		Where("deleted_at IS NOT NULL").
		Where("deleted_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM sync_changelog cr WHERE cr.entity_id = b.id AND cr.synced = 0)").
		Exec(ctx)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
